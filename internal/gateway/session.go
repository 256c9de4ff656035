package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/kart-io/logger"
	"github.com/oklog/ulid/v2"

	"github.com/stackshq/stacks/pkg/bridge"
	"github.com/stackshq/stacks/pkg/bridge/auth"
	"github.com/stackshq/stacks/pkg/bus"
	"github.com/stackshq/stacks/pkg/cache"
	"github.com/stackshq/stacks/pkg/sip"
)

// capabilityFlags is the deployment's fixed protocol capability string:
// which operations of the wire protocol this installation supports, in the
// field order the wire layout fixes. It is deployment configuration, not
// per-session state.
const capabilityFlags = "YYYNYNYYNYYNNNYN"

// protocolVersion is the wire protocol revision reported in status replies.
const protocolVersion = "2.00"

// Backend object classes the gateway reads and writes.
const (
	classUser    = "au"
	classOrgUnit = "aou"
	classCopy    = "acp"
	classCirc    = "circ"
	classPayment = "mp"
)

// Deps are the backend capabilities sessions consume. NewEditor is a
// factory: each session gets a private editor because an editor carries the
// session's bridge token.
type Deps struct {
	NewEditor func() bridge.Editor
	Auth      auth.Service
}

// Session is the per-connection protocol state machine. It owns the
// connection, its gateway account once authenticated, a lazily established
// bridge token, and a private org-unit cache. Sessions never share mutable
// state; the shutdown flag is the only cross-session signal.
type Session struct {
	id       string
	conn     *sip.Connection
	opts     *Options
	accounts *AccountSet
	deps     Deps
	shutdown *atomic.Bool

	editor   bridge.Editor
	settings *bridge.Settings

	// account is nil while the session is Unauthenticated.
	account *Account

	// ilsUserID is the backend identity of the account, resolved once
	// per session. Zero until resolved.
	ilsUserID int64

	// token is the bridge auth token. Empty until lazily established.
	token string

	orgs *cache.MemoryCache[int64, map[string]any]
}

// NewSession wraps an accepted connection.
func NewSession(conn net.Conn, opts *Options, accounts *AccountSet, deps Deps, shutdown *atomic.Bool) *Session {
	editor := deps.NewEditor()
	return &Session{
		id:       ulid.Make().String(),
		conn:     sip.NewConnection(conn),
		opts:     opts,
		accounts: accounts,
		deps:     deps,
		shutdown: shutdown,
		editor:   editor,
		settings: bridge.NewSettings(editor),
		orgs:     cache.NewMemoryCache[int64, map[string]any](),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Authenticated reports whether a login has succeeded on this session.
func (s *Session) Authenticated() bool { return s.account != nil }

// Run drives the session until the peer disconnects or shutdown is
// signalled. Receives poll with a bounded timeout so the shutdown flag is
// observed between messages; a message being processed always finishes
// before the session exits.
func (s *Session) Run() {
	defer s.conn.Disconnect()

	logger.Infow("session started", "session", s.id, "peer", s.conn.RemoteAddr())

	for {
		if s.shutdown.Load() {
			logger.Infow("session exiting on shutdown", "session", s.id)
			return
		}

		msg, err := s.conn.RecvTimeout(s.opts.RecvPoll)
		if err != nil {
			var unk *sip.UnknownCodeError
			if errors.As(err, &unk) {
				// An out-of-table request code is protocol flow, not a
				// transport failure; the peer gets an explicit reply
				// and the connection stays open.
				resp := s.unsupported(unk.Code)
				if resp == nil {
					continue
				}
				if err := s.conn.Send(resp); err != nil {
					logger.Warnw("session send failed", "session", s.id, "error", err)
					return
				}
				continue
			}
			logger.Infow("session closed", "session", s.id, "reason", err)
			return
		}
		if msg == nil {
			continue
		}

		resp := s.dispatch(msg)
		if resp == nil {
			continue
		}
		if err := s.conn.Send(resp); err != nil {
			logger.Warnw("session send failed", "session", s.id, "error", err)
			return
		}
	}
}

// dispatch maps one inbound message to its handler, enforcing the
// authentication gate. Handler failures produce an explicit failure reply;
// they never close the connection.
func (s *Session) dispatch(msg *sip.Message) *sip.Message {
	code := msg.Spec().Code

	logger.Debugw("session message", "session", s.id, "code", code)

	switch code {
	case sip.MsgLogin.Code:
		return s.handleLogin(msg)
	case sip.MsgSCStatus.Code:
		if !s.Authenticated() && !s.opts.SCStatusBeforeLogin {
			return s.deny(msg, "Login required")
		}
		return s.handleSCStatus(msg)
	}

	if !s.Authenticated() {
		return s.deny(msg, "Not logged in")
	}

	var (
		resp *sip.Message
		err  error
	)
	switch code {
	case sip.MsgCheckin.Code:
		resp, err = s.handleCheckin(msg)
	case sip.MsgCheckout.Code:
		resp, err = s.handleCheckout(msg)
	case sip.MsgItemInfo.Code:
		resp, err = s.handleItemInfo(msg)
	case sip.MsgPatronStatus.Code:
		resp, err = s.handlePatronStatus(msg)
	case sip.MsgFeePaid.Code:
		resp, err = s.handleFeePaid(msg)
	case sip.MsgPatronInfo.Code:
		resp, err = s.handlePatronInfo(msg)
	default:
		return s.unsupported(code)
	}
	if err != nil {
		logger.Warnw("request handling failed",
			"session", s.id, "code", code, "error", err)
		return s.deny(msg, "Request failed")
	}
	return resp
}

// unsupported replies to a request code outside the dispatch table. The
// connection stays open.
func (s *Session) unsupported(code string) *sip.Message {
	logger.Warnw("unsupported request code", "session", s.id, "code", code)
	resend, err := sip.NewMessage(sip.RespResend)
	if err != nil {
		return nil
	}
	return resend.AddField("AF", "Unsupported request")
}

// handleLogin verifies the presented credentials against the account set.
// A failed login is normal protocol flow: the session stays Unauthenticated
// and the reply is a negative acknowledgement, not an error.
func (s *Session) handleLogin(msg *sip.Message) *sip.Message {
	username := msg.FieldValue("CN")
	secret := msg.FieldValue("CO")

	// Every login attempt demotes the session first; a rejected re-login
	// must not leave the previous identity bound.
	s.account = nil
	s.ilsUserID = 0
	s.token = ""

	account, found := s.accounts.Lookup(username)
	ok := found && username != "" && secret != "" && account.VerifySecret(secret)

	resp, err := sip.NewMessage(sip.RespLogin, sip.NumBool(ok))
	if err != nil {
		return nil
	}

	if !ok {
		logger.Infow("login rejected", "session", s.id, "username", username)
		return resp
	}

	s.account = account
	logger.Infow("login accepted", "session", s.id, "username", username)
	return resp
}

// handleSCStatus reports the deployment's protocol capabilities. The reply
// is identical on every call; content is configuration, not session state.
func (s *Session) handleSCStatus(_ *sip.Message) *sip.Message {
	resp, err := sip.NewMessage(sip.RespACSStatus,
		sip.YN(true),  // online
		sip.YN(true),  // checkin
		sip.YN(true),  // checkout
		sip.YN(false), // renewal policy
		sip.YN(true),  // status update
		sip.YN(false), // offline
		"999",         // timeout period
		"999",         // retries allowed
		sip.DateNow(),
		protocolVersion,
	)
	if err != nil {
		return nil
	}
	resp.AddField("BX", capabilityFlags)
	resp.AddField("AO", s.institution())
	resp.AddField("AF", "OK")
	return resp
}

// deny builds the explicit failure reply matching a request's response
// layout. No capability or business fields are attached.
func (s *Session) deny(msg *sip.Message, reason string) *sip.Message {
	var (
		resp *sip.Message
		err  error
	)
	switch msg.Spec().Code {
	case sip.MsgCheckin.Code:
		resp, err = sip.NewMessage(sip.RespCheckin,
			"0", sip.YN(false), sip.YN(false), sip.YN(false), sip.DateNow())
	case sip.MsgCheckout.Code:
		resp, err = sip.NewMessage(sip.RespCheckout,
			"0", sip.YN(false), sip.YN(false), sip.YN(false), sip.DateNow())
	case sip.MsgItemInfo.Code:
		resp, err = sip.NewMessage(sip.RespItemInfo,
			"01", "00", "01", sip.DateNow())
	case sip.MsgPatronStatus.Code:
		resp, err = sip.NewMessage(sip.RespPatronStatus,
			"", "000", sip.DateNow())
	case sip.MsgFeePaid.Code:
		resp, err = sip.NewMessage(sip.RespFeePaid, "0", sip.DateNow())
	case sip.MsgPatronInfo.Code:
		resp, err = sip.NewMessage(sip.RespPatronInfo,
			"", "000", sip.DateNow(),
			"0000", "0000", "0000", "0000", "0000", "0000")
	case sip.MsgSCStatus.Code:
		resp, err = sip.NewMessage(sip.RespACSStatus,
			sip.YN(false), sip.YN(false), sip.YN(false), sip.YN(false),
			sip.YN(false), sip.YN(false), "999", "999",
			sip.DateNow(), protocolVersion)
	default:
		resp, err = sip.NewMessage(sip.RespResend)
	}
	if err != nil {
		return nil
	}
	return resp.AddField("AF", reason)
}

// authToken returns a live bridge token, establishing or re-establishing it
// as needed. The backend identity behind the account is resolved once and
// cached for the session's remaining lifetime.
func (s *Session) authToken(ctx context.Context) (string, error) {
	if s.account == nil {
		return "", auth.ErrLoginFailed
	}

	if s.token != "" {
		ok, err := s.deps.Auth.Validate(ctx, s.token)
		if err != nil {
			return "", err
		}
		if ok {
			return s.token, nil
		}
		logger.Infow("bridge token stale, re-establishing", "session", s.id)
		s.token = ""
	}

	userID, err := s.resolveILSUser()
	if err != nil {
		return "", err
	}

	ses, err := s.deps.Auth.InternalLogin(ctx, auth.InternalLoginArgs{
		UserID:      userID,
		LoginType:   auth.LoginTypeStaff,
		Workstation: s.account.Workstation,
		OrgUnit:     s.account.OrgUnit,
	})
	if err != nil {
		return "", err
	}

	s.token = ses.Token
	s.editor.SetToken(s.token)
	if s.account.OrgUnit > 0 {
		s.settings.SetOrgID(s.account.OrgUnit)
	}
	logger.Infow("bridge token established", "session", s.id, "user", userID)
	return s.token, nil
}

// resolveILSUser looks up the backend user matching the account's
// configured username. Resolved once per session.
func (s *Session) resolveILSUser() (int64, error) {
	if s.ilsUserID != 0 {
		return s.ilsUserID, nil
	}

	users, err := s.editor.Search(classUser, map[string]any{
		"usrname": s.account.ILSUsername,
		"deleted": "f",
	})
	if err != nil {
		return 0, err
	}
	if len(users) == 0 {
		logger.Warnw("no backend user for account",
			"session", s.id, "ils-username", s.account.ILSUsername)
		return 0, auth.ErrLoginFailed
	}

	id, err := bus.Int(users[0]["id"])
	if err != nil {
		return 0, err
	}
	s.ilsUserID = id
	return id, nil
}

// orgUnit returns the descriptor of an org unit, loading it lazily into the
// session's private cache.
func (s *Session) orgUnit(id int64) (map[string]any, error) {
	return s.orgs.GetOrLoad(id, func(id int64) (map[string]any, error) {
		org, err := s.editor.Retrieve(classOrgUnit, id)
		if err != nil {
			return nil, err
		}
		if org == nil {
			return nil, fmt.Errorf("gateway: org unit %d not found", id)
		}
		return org, nil
	})
}

// institution returns the wire institution id: the account's org unit short
// name when resolvable, the configured default otherwise.
func (s *Session) institution() string {
	if s.account != nil && s.account.OrgUnit > 0 {
		if org, err := s.orgUnit(s.account.OrgUnit); err == nil {
			if name, err := bus.Str(org["shortname"]); err == nil && name != "" {
				return name
			}
		}
	}
	return s.opts.Institution
}
