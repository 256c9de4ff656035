// Package sip implements the fixed-field SIP2 wire protocol: message specs,
// encoding, and a polling connection wrapper. Field order and widths follow
// the published 3M SIP 2.00 layout; the gateway depends on that order being
// contractually fixed.
package sip

// FixedFieldSpec describes one positional field of a message.
type FixedFieldSpec struct {
	Label  string
	Length int
}

// Spec describes one message type: its two-character request code and the
// ordered fixed fields that precede the coded variable fields.
type Spec struct {
	Code        string
	Label       string
	FixedFields []FixedFieldSpec
}

var (
	ffOK          = FixedFieldSpec{"ok", 1}
	ffDate        = FixedFieldSpec{"transaction date", 18}
	ffLanguage    = FixedFieldSpec{"language", 3}
	ffPatronStat  = FixedFieldSpec{"patron status", 14}
	ffSummary     = FixedFieldSpec{"summary", 10}
	ffCount4      = func(label string) FixedFieldSpec { return FixedFieldSpec{label, 4} }
	ffYesNo       = func(label string) FixedFieldSpec { return FixedFieldSpec{label, 1} }
	ffNumeric     = func(label string, n int) FixedFieldSpec { return FixedFieldSpec{label, n} }
	ffFeeType     = FixedFieldSpec{"fee type", 2}
	ffPaymentType = FixedFieldSpec{"payment type", 2}
	ffCurrency    = FixedFieldSpec{"currency type", 3}
)

// Request message specs, by order of request code.
var (
	MsgCheckin = &Spec{"09", "Checkin", []FixedFieldSpec{
		ffYesNo("no block"), ffDate, {"return date", 18},
	}}
	MsgCheckout = &Spec{"11", "Checkout", []FixedFieldSpec{
		ffYesNo("sc renewal policy"), ffYesNo("no block"), ffDate, {"nb due date", 18},
	}}
	MsgItemInfo = &Spec{"17", "Item Information", []FixedFieldSpec{
		ffDate,
	}}
	MsgPatronStatus = &Spec{"23", "Patron Status Request", []FixedFieldSpec{
		ffLanguage, ffDate,
	}}
	MsgFeePaid = &Spec{"37", "Fee Paid", []FixedFieldSpec{
		ffDate, ffFeeType, ffPaymentType, ffCurrency,
	}}
	MsgPatronInfo = &Spec{"63", "Patron Information", []FixedFieldSpec{
		ffLanguage, ffDate, ffSummary,
	}}
	MsgLogin = &Spec{"93", "Login", []FixedFieldSpec{
		ffNumeric("uid algorithm", 1), ffNumeric("pwd algorithm", 1),
	}}
	MsgSCStatus = &Spec{"99", "SC Status", []FixedFieldSpec{
		ffNumeric("status code", 1), ffNumeric("max print width", 3), ffNumeric("protocol version", 4),
	}}
)

// Response message specs.
var (
	RespCheckin = &Spec{"10", "Checkin Response", []FixedFieldSpec{
		ffOK, ffYesNo("resensitize"), ffYesNo("magnetic media"), ffYesNo("alert"), ffDate,
	}}
	RespCheckout = &Spec{"12", "Checkout Response", []FixedFieldSpec{
		ffOK, ffYesNo("renewal ok"), ffYesNo("magnetic media"), ffYesNo("desensitize"), ffDate,
	}}
	RespItemInfo = &Spec{"18", "Item Information Response", []FixedFieldSpec{
		ffNumeric("circulation status", 2), ffNumeric("security marker", 2), ffFeeType, ffDate,
	}}
	RespPatronStatus = &Spec{"24", "Patron Status Response", []FixedFieldSpec{
		ffPatronStat, ffLanguage, ffDate,
	}}
	RespFeePaid = &Spec{"38", "Fee Paid Response", []FixedFieldSpec{
		ffOK, ffDate,
	}}
	RespPatronInfo = &Spec{"64", "Patron Information Response", []FixedFieldSpec{
		ffPatronStat, ffLanguage, ffDate,
		ffCount4("hold items count"), ffCount4("overdue items count"),
		ffCount4("charged items count"), ffCount4("fine items count"),
		ffCount4("recall items count"), ffCount4("unavailable holds count"),
	}}
	RespLogin = &Spec{"94", "Login Response", []FixedFieldSpec{
		ffOK,
	}}
	RespResend = &Spec{"96", "Request SC Resend", nil}
	RespACSStatus = &Spec{"98", "ACS Status", []FixedFieldSpec{
		ffYesNo("online status"), ffYesNo("checkin ok"), ffYesNo("checkout ok"),
		ffYesNo("acs renewal policy"), ffYesNo("status update ok"), ffYesNo("offline ok"),
		ffNumeric("timeout period", 3), ffNumeric("retries allowed", 3),
		ffDate, ffNumeric("protocol version", 4),
	}}
)

var specsByCode = map[string]*Spec{}

func init() {
	for _, s := range []*Spec{
		MsgCheckin, MsgCheckout, MsgItemInfo, MsgPatronStatus, MsgFeePaid,
		MsgPatronInfo, MsgLogin, MsgSCStatus,
		RespCheckin, RespCheckout, RespItemInfo, RespPatronStatus, RespFeePaid,
		RespPatronInfo, RespLogin, RespResend, RespACSStatus,
	} {
		specsByCode[s.Code] = s
	}
}

// SpecByCode returns the message spec for a request code.
func SpecByCode(code string) (*Spec, bool) {
	s, ok := specsByCode[code]
	return s, ok
}
