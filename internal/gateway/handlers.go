package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/stackshq/stacks/pkg/bus"
	"github.com/stackshq/stacks/pkg/sip"
)

// Loan period applied when the org unit carries no due-date policy.
const defaultLoanDays = 21

// loanPeriodSetting is the org-unit setting overriding the loan period.
const loanPeriodSetting = "circ.loan_period_days"

// loanDays returns the account org unit's configured loan period, falling
// back to the default when unset or unreadable.
func (s *Session) loanDays() int {
	if s.settings.OrgID() == 0 {
		return defaultLoanDays
	}
	v, err := s.settings.Value(loanPeriodSetting)
	if err != nil || v == nil {
		return defaultLoanDays
	}
	days, err := bus.Int(v)
	if err != nil || days <= 0 {
		return defaultLoanDays
	}
	return int(days)
}

// handleCheckout charges an item to a patron: both are looked up by
// barcode, a circulation record is created, and the reply carries the due
// date. Missing patron or item yields a negative reply, not an error.
func (s *Session) handleCheckout(msg *sip.Message) (*sip.Message, error) {
	ctx := context.Background()
	if _, err := s.authToken(ctx); err != nil {
		return nil, err
	}

	patronBC := msg.FieldValue("AA")
	itemBC := msg.FieldValue("AB")

	patron, err := s.findPatron(patronBC)
	if err != nil {
		return nil, err
	}
	copyRec, err := s.findCopy(itemBC)
	if err != nil {
		return nil, err
	}

	if patron == nil || copyRec == nil {
		resp, err := sip.NewMessage(sip.RespCheckout,
			"0", sip.YN(false), sip.YN(false), sip.YN(false), sip.DateNow())
		if err != nil {
			return nil, err
		}
		resp.AddField("AO", s.institution())
		resp.AddField("AA", patronBC)
		resp.AddField("AB", itemBC)
		if patron == nil {
			resp.AddField("AF", "Patron not found")
		} else {
			resp.AddField("AF", "Item not found")
		}
		return resp, nil
	}

	patronID, err := bus.Int(patron["id"])
	if err != nil {
		return nil, err
	}
	copyID, err := bus.Int(copyRec["id"])
	if err != nil {
		return nil, err
	}

	due := time.Now().AddDate(0, 0, s.loanDays())
	_, err = s.editor.Create(classCirc, map[string]any{
		"usr":         patronID,
		"target_copy": copyID,
		"xact_start":  sip.DateNow(),
		"due_date":    sip.FormatDate(due),
	})
	if err != nil {
		return nil, err
	}

	resp, err := sip.NewMessage(sip.RespCheckout,
		"1", sip.YN(false), sip.YN(false), sip.YN(true), sip.DateNow())
	if err != nil {
		return nil, err
	}
	resp.AddField("AO", s.institution())
	resp.AddField("AA", patronBC)
	resp.AddField("AB", itemBC)
	resp.AddField("AJ", str(copyRec["title"]))
	resp.AddField("AH", sip.FormatDate(due))
	return resp, nil
}

// handleCheckin discharges an item: the open circulation on the copy is
// stamped with a checkin time.
func (s *Session) handleCheckin(msg *sip.Message) (*sip.Message, error) {
	ctx := context.Background()
	if _, err := s.authToken(ctx); err != nil {
		return nil, err
	}

	itemBC := msg.FieldValue("AB")
	copyRec, err := s.findCopy(itemBC)
	if err != nil {
		return nil, err
	}

	if copyRec == nil {
		resp, err := sip.NewMessage(sip.RespCheckin,
			"0", sip.YN(false), sip.YN(false), sip.YN(true), sip.DateNow())
		if err != nil {
			return nil, err
		}
		resp.AddField("AO", s.institution())
		resp.AddField("AB", itemBC)
		resp.AddField("AF", "Item not found")
		return resp, nil
	}

	copyID, err := bus.Int(copyRec["id"])
	if err != nil {
		return nil, err
	}

	circ, err := s.openCirc(copyID)
	if err != nil {
		return nil, err
	}
	if circ != nil {
		circ["checkin_time"] = sip.DateNow()
		if err := s.editor.Update(classCirc, circ); err != nil {
			return nil, err
		}
	}

	resp, err := sip.NewMessage(sip.RespCheckin,
		"1", sip.YN(true), sip.YN(false), sip.YN(false), sip.DateNow())
	if err != nil {
		return nil, err
	}
	resp.AddField("AO", s.institution())
	resp.AddField("AB", itemBC)
	resp.AddField("AJ", str(copyRec["title"]))
	return resp, nil
}

// handleItemInfo reports one item's circulation status.
func (s *Session) handleItemInfo(msg *sip.Message) (*sip.Message, error) {
	ctx := context.Background()
	if _, err := s.authToken(ctx); err != nil {
		return nil, err
	}

	itemBC := msg.FieldValue("AB")
	copyRec, err := s.findCopy(itemBC)
	if err != nil {
		return nil, err
	}

	if copyRec == nil {
		resp, err := sip.NewMessage(sip.RespItemInfo,
			"01", "00", "01", sip.DateNow())
		if err != nil {
			return nil, err
		}
		resp.AddField("AB", itemBC)
		resp.AddField("AF", "Item not found")
		return resp, nil
	}

	copyID, err := bus.Int(copyRec["id"])
	if err != nil {
		return nil, err
	}
	circ, err := s.openCirc(copyID)
	if err != nil {
		return nil, err
	}

	status := "03" // available
	if circ != nil {
		status = "04" // charged
	}

	resp, err := sip.NewMessage(sip.RespItemInfo,
		status, "00", "01", sip.DateNow())
	if err != nil {
		return nil, err
	}
	resp.AddField("AB", itemBC)
	resp.AddField("AJ", str(copyRec["title"]))
	resp.AddField("AO", s.institution())
	if circ != nil {
		resp.AddField("AH", str(circ["due_date"]))
	}
	return resp, nil
}

// handlePatronStatus reports whether a patron barcode is valid.
func (s *Session) handlePatronStatus(msg *sip.Message) (*sip.Message, error) {
	ctx := context.Background()
	if _, err := s.authToken(ctx); err != nil {
		return nil, err
	}

	patronBC := msg.FieldValue("AA")
	patron, err := s.findPatron(patronBC)
	if err != nil {
		return nil, err
	}

	resp, err := sip.NewMessage(sip.RespPatronStatus,
		"", msg.FixedField(0), sip.DateNow())
	if err != nil {
		return nil, err
	}
	resp.AddField("AO", s.institution())
	resp.AddField("AA", patronBC)
	resp.AddField("BL", sip.YN(patron != nil))
	if patron != nil {
		resp.AddField("AE", patronName(patron))
	}
	return resp, nil
}

// handleFeePaid records one payment against a patron.
func (s *Session) handleFeePaid(msg *sip.Message) (*sip.Message, error) {
	ctx := context.Background()
	if _, err := s.authToken(ctx); err != nil {
		return nil, err
	}

	patronBC := msg.FieldValue("AA")
	amount := msg.FieldValue("BV")

	patron, err := s.findPatron(patronBC)
	if err != nil {
		return nil, err
	}

	ok := patron != nil && amount != ""
	if ok {
		patronID, err := bus.Int(patron["id"])
		if err != nil {
			return nil, err
		}
		_, err = s.editor.Create(classPayment, map[string]any{
			"usr":          patronID,
			"amount":       amount,
			"currency":     s.opts.Currency,
			"payment_time": sip.DateNow(),
		})
		if err != nil {
			return nil, err
		}
	}

	resp, err := sip.NewMessage(sip.RespFeePaid, sip.NumBool(ok), sip.DateNow())
	if err != nil {
		return nil, err
	}
	resp.AddField("AO", s.institution())
	resp.AddField("AA", patronBC)
	if !ok {
		resp.AddField("AF", "Payment rejected")
	}
	return resp, nil
}

// handlePatronInfo reports a patron's identity and circulation counts.
func (s *Session) handlePatronInfo(msg *sip.Message) (*sip.Message, error) {
	ctx := context.Background()
	if _, err := s.authToken(ctx); err != nil {
		return nil, err
	}

	patronBC := msg.FieldValue("AA")
	patron, err := s.findPatron(patronBC)
	if err != nil {
		return nil, err
	}

	charged := 0
	if patron != nil {
		patronID, err := bus.Int(patron["id"])
		if err != nil {
			return nil, err
		}
		circs, err := s.editor.Search(classCirc, map[string]any{"usr": float64(patronID)})
		if err != nil {
			return nil, err
		}
		for _, c := range circs {
			if str(c["checkin_time"]) == "" {
				charged++
			}
		}
	}

	resp, err := sip.NewMessage(sip.RespPatronInfo,
		"", msg.FixedField(0), sip.DateNow(),
		"0000", "0000", fmt.Sprintf("%04d", charged), "0000", "0000", "0000")
	if err != nil {
		return nil, err
	}
	resp.AddField("AO", s.institution())
	resp.AddField("AA", patronBC)
	resp.AddField("BL", sip.YN(patron != nil))
	if patron != nil {
		resp.AddField("AE", patronName(patron))
	}
	return resp, nil
}

// findPatron looks up a patron by card barcode. A missing patron yields
// (nil, nil).
func (s *Session) findPatron(barcode string) (map[string]any, error) {
	if barcode == "" {
		return nil, nil
	}
	rows, err := s.editor.Search(classUser, map[string]any{
		"card":    barcode,
		"deleted": "f",
	})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// findCopy looks up an item by barcode. A missing item yields (nil, nil).
func (s *Session) findCopy(barcode string) (map[string]any, error) {
	if barcode == "" {
		return nil, nil
	}
	rows, err := s.editor.Search(classCopy, map[string]any{"barcode": barcode})
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// openCirc returns the open circulation on a copy, if any.
func (s *Session) openCirc(copyID int64) (map[string]any, error) {
	rows, err := s.editor.Search(classCirc, map[string]any{"target_copy": float64(copyID)})
	if err != nil {
		return nil, err
	}
	for _, c := range rows {
		if str(c["checkin_time"]) == "" {
			return c, nil
		}
	}
	return nil, nil
}

func patronName(patron map[string]any) string {
	family := str(patron["family_name"])
	given := str(patron["first_given_name"])
	switch {
	case family == "":
		return given
	case given == "":
		return family
	default:
		return given + " " + family
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
