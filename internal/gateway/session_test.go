package gateway

import (
	"net"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackshq/stacks/internal/store"
	"github.com/stackshq/stacks/pkg/bridge"
	"github.com/stackshq/stacks/pkg/bridge/auth"
	"github.com/stackshq/stacks/pkg/bus"
	"github.com/stackshq/stacks/pkg/metadata"
	dbopts "github.com/stackshq/stacks/pkg/options/db"
	"github.com/stackshq/stacks/pkg/runtime"
	"github.com/stackshq/stacks/pkg/sip"
)

const testTimeout = 2 * time.Second

func gatewayMeta(t *testing.T) *metadata.Registry {
	t.Helper()
	meta, err := metadata.New([]*metadata.Class{
		{Name: classUser, Controllers: []string{store.ServiceName}, Mapper: "actor::user"},
		{Name: classOrgUnit, Controllers: []string{store.ServiceName}, Mapper: "actor::org_unit"},
		{Name: bridge.SettingsClass, Controllers: []string{store.ServiceName}, Mapper: "actor::org_unit_setting"},
		{Name: classCopy, Controllers: []string{store.ServiceName}, Mapper: "asset::copy"},
		{Name: classCirc, Controllers: []string{store.ServiceName}, Mapper: "action::circulation"},
		{Name: classPayment, Controllers: []string{store.ServiceName}, Mapper: "money::payment"},
	})
	require.NoError(t, err)
	return meta
}

// backend is a live in-process storage service plus the capabilities a
// session needs, with fixtures loaded.
type backend struct {
	bus   *bus.ChannelBus
	meta  *metadata.Registry
	deps  Deps
	orgID int64
}

func newBackend(t *testing.T) *backend {
	t.Helper()
	meta := gatewayMeta(t)

	sopts := store.NewOptions()
	sopts.DB = dbopts.NewOptions()
	sopts.DB.Driver = dbopts.DriverSQLite
	sopts.DB.Database = filepath.Join(t.TempDir(), "backend.db")

	b := bus.NewChannelBus()
	rt := runtime.New[*store.WorkerState](store.NewAppWithMetadata(sopts, meta), b, &runtime.Options{
		Workers:   2,
		Keepalive: time.Second,
		IdlePoll:  10 * time.Millisecond,
	})
	require.NoError(t, rt.Start())
	t.Cleanup(func() {
		rt.Stop()
		b.Close()
	})

	editor := bridge.NewBusEditor(bus.NewClient(b), meta, store.ServiceName)

	org, err := editor.Create(classOrgUnit, map[string]any{"shortname": "BR1"})
	require.NoError(t, err)
	orgID, err := bus.Int(org["id"])
	require.NoError(t, err)

	_, err = editor.Create(classUser, map[string]any{
		"usrname":          "sipuser",
		"deleted":          "f",
		"card":             "P123",
		"family_name":      "Reader",
		"first_given_name": "Rita",
	})
	require.NoError(t, err)

	_, err = editor.Create(classCopy, map[string]any{
		"barcode": "123456",
		"title":   "The Practice of Programming",
	})
	require.NoError(t, err)

	deps := Deps{
		NewEditor: func() bridge.Editor {
			return bridge.NewBusEditor(bus.NewClient(b), meta, store.ServiceName)
		},
		Auth: auth.NewLocalService([]byte("test-key"), time.Hour, nil),
	}
	return &backend{bus: b, meta: meta, deps: deps, orgID: orgID}
}

func testAccounts(orgID int64) *AccountSet {
	return NewAccountSet([]*Account{{
		Username:    "lib1",
		Secret:      "pw1",
		ILSUsername: "sipuser",
		Workstation: "br1-sip",
		OrgUnit:     orgID,
	}})
}

// startSessionRaw runs a Session over one half of a pipe and hands back the
// raw client half.
func startSessionRaw(t *testing.T, be *backend, opts *Options) (net.Conn, *atomic.Bool) {
	t.Helper()
	if opts == nil {
		opts = NewOptions()
	}
	opts.RecvPoll = 50 * time.Millisecond

	clientConn, serverConn := net.Pipe()
	shutdown := &atomic.Bool{}

	ses := NewSession(serverConn, opts, testAccounts(be.orgID), be.deps, shutdown)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ses.Run()
	}()
	t.Cleanup(func() {
		shutdown.Store(true)
		clientConn.Close()
		select {
		case <-done:
		case <-time.After(testTimeout):
			t.Error("session did not exit")
		}
	})

	return clientConn, shutdown
}

// startSession wraps the client half for SIP traffic.
func startSession(t *testing.T, be *backend, opts *Options) (*sip.Connection, *atomic.Bool) {
	t.Helper()
	conn, shutdown := startSessionRaw(t, be, opts)
	return sip.NewConnection(conn), shutdown
}

func exchange(t *testing.T, c *sip.Connection, m *sip.Message) *sip.Message {
	t.Helper()
	require.NoError(t, c.Send(m))
	resp, err := c.RecvTimeout(testTimeout)
	require.NoError(t, err)
	require.NotNil(t, resp)
	return resp
}

func loginMsg(t *testing.T, user, secret string) *sip.Message {
	t.Helper()
	m, err := sip.NewMessage(sip.MsgLogin, "0", "0")
	require.NoError(t, err)
	m.AddField("CN", user)
	m.AddField("CO", secret)
	return m
}

func checkoutMsg(t *testing.T, patron, item string) *sip.Message {
	t.Helper()
	m, err := sip.NewMessage(sip.MsgCheckout, "N", "N", sip.DateNow(), sip.DateNow())
	require.NoError(t, err)
	m.AddField("AA", patron)
	m.AddField("AB", item)
	return m
}

func scStatusMsg(t *testing.T) *sip.Message {
	t.Helper()
	m, err := sip.NewMessage(sip.MsgSCStatus, "0", "080", "2.00")
	require.NoError(t, err)
	return m
}

func login(t *testing.T, c *sip.Connection) {
	t.Helper()
	resp := exchange(t, c, loginMsg(t, "lib1", "pw1"))
	require.Equal(t, sip.RespLogin.Code, resp.Spec().Code)
	require.Equal(t, "1", resp.FixedField(0))
}

func TestCheckoutRequiresLogin(t *testing.T) {
	be := newBackend(t)
	c, _ := startSession(t, be, nil)

	resp := exchange(t, c, checkoutMsg(t, "P123", "123456"))
	assert.Equal(t, sip.RespCheckout.Code, resp.Spec().Code)
	assert.Equal(t, "0", resp.FixedField(0))
	assert.Equal(t, "Not logged in", resp.FieldValue("AF"))

	// The connection stays open for a login attempt.
	login(t, c)
}

func TestLoginUnknownUser(t *testing.T) {
	be := newBackend(t)
	c, _ := startSession(t, be, nil)

	resp := exchange(t, c, loginMsg(t, "nobody", "pw"))
	assert.Equal(t, sip.RespLogin.Code, resp.Spec().Code)
	assert.Equal(t, "0", resp.FixedField(0))

	// Still unauthenticated afterwards.
	resp = exchange(t, c, checkoutMsg(t, "P123", "123456"))
	assert.Equal(t, "Not logged in", resp.FieldValue("AF"))
}

func TestLoginWrongSecret(t *testing.T) {
	be := newBackend(t)
	c, _ := startSession(t, be, nil)

	resp := exchange(t, c, loginMsg(t, "lib1", "wrong"))
	assert.Equal(t, "0", resp.FixedField(0))
}

func TestFailedReloginDropsAuthentication(t *testing.T) {
	be := newBackend(t)
	c, _ := startSession(t, be, nil)

	login(t, c)

	resp := exchange(t, c, checkoutMsg(t, "P123", "123456"))
	require.Equal(t, "1", resp.FixedField(0))

	// A rejected re-login demotes the session; the previous identity must
	// not survive the failed attempt.
	resp = exchange(t, c, loginMsg(t, "lib1", "wrong"))
	require.Equal(t, sip.RespLogin.Code, resp.Spec().Code)
	require.Equal(t, "0", resp.FixedField(0))

	resp = exchange(t, c, checkoutMsg(t, "P123", "123456"))
	assert.Equal(t, "0", resp.FixedField(0))
	assert.Equal(t, "Not logged in", resp.FieldValue("AF"))

	// Logging back in restores service.
	login(t, c)
	resp = exchange(t, c, checkoutMsg(t, "P123", "123456"))
	assert.Equal(t, "1", resp.FixedField(0))
}

func TestUnknownRequestCodeKeepsConnectionOpen(t *testing.T) {
	be := newBackend(t)
	raw, _ := startSessionRaw(t, be, nil)
	c := sip.NewConnection(raw)

	login(t, c)

	// A request code outside the message table (Renew is not served) gets
	// an explicit resend reply instead of a dropped connection.
	_, err := raw.Write([]byte("29NN" + sip.DateNow() + sip.DateNow() + "AOXX|AAP123|\r"))
	require.NoError(t, err)

	resp, err := c.RecvTimeout(testTimeout)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, sip.RespResend.Code, resp.Spec().Code)
	assert.Equal(t, "Unsupported request", resp.FieldValue("AF"))

	// The session keeps serving in-table requests afterwards.
	resp = exchange(t, c, checkoutMsg(t, "P123", "123456"))
	assert.Equal(t, "1", resp.FixedField(0))
}

func TestLoginThenCheckout(t *testing.T) {
	be := newBackend(t)
	c, _ := startSession(t, be, nil)

	login(t, c)

	resp := exchange(t, c, checkoutMsg(t, "P123", "123456"))
	require.Equal(t, sip.RespCheckout.Code, resp.Spec().Code)
	assert.Equal(t, "1", resp.FixedField(0))
	assert.Equal(t, "P123", resp.FieldValue("AA"))
	assert.Equal(t, "123456", resp.FieldValue("AB"))
	assert.NotEmpty(t, resp.FieldValue("AH"))
	// Institution resolves through the org-unit cache.
	assert.Equal(t, "BR1", resp.FieldValue("AO"))
}

func TestCheckoutUnknownItem(t *testing.T) {
	be := newBackend(t)
	c, _ := startSession(t, be, nil)

	login(t, c)

	resp := exchange(t, c, checkoutMsg(t, "P123", "999999"))
	require.Equal(t, sip.RespCheckout.Code, resp.Spec().Code)
	assert.Equal(t, "0", resp.FixedField(0))
	assert.Equal(t, "Item not found", resp.FieldValue("AF"))
}

func TestSCStatusGatedBeforeLogin(t *testing.T) {
	be := newBackend(t)
	opts := NewOptions()
	opts.SCStatusBeforeLogin = false
	c, _ := startSession(t, be, opts)

	resp := exchange(t, c, scStatusMsg(t))
	require.Equal(t, sip.RespACSStatus.Code, resp.Spec().Code)
	assert.Equal(t, "Login required", resp.FieldValue("AF"))
	// No capability string on the failure reply.
	assert.Empty(t, resp.FieldValue("BX"))
}

func TestSCStatusBeforeLoginEnabled(t *testing.T) {
	be := newBackend(t)
	opts := NewOptions()
	opts.SCStatusBeforeLogin = true
	c, _ := startSession(t, be, opts)

	first := exchange(t, c, scStatusMsg(t))
	require.Equal(t, sip.RespACSStatus.Code, first.Spec().Code)
	assert.Equal(t, capabilityFlags, first.FieldValue("BX"))

	// The capability string is deployment configuration: identical on
	// every call.
	second := exchange(t, c, scStatusMsg(t))
	assert.Equal(t, capabilityFlags, second.FieldValue("BX"))
}

func TestCheckinRoundTrip(t *testing.T) {
	be := newBackend(t)
	c, _ := startSession(t, be, nil)

	login(t, c)

	resp := exchange(t, c, checkoutMsg(t, "P123", "123456"))
	require.Equal(t, "1", resp.FixedField(0))

	// The charged copy reports as such.
	info, err := sip.NewMessage(sip.MsgItemInfo, sip.DateNow())
	require.NoError(t, err)
	info.AddField("AB", "123456")
	resp = exchange(t, c, info)
	require.Equal(t, sip.RespItemInfo.Code, resp.Spec().Code)
	assert.Equal(t, "04", resp.FixedField(0))

	checkin, err := sip.NewMessage(sip.MsgCheckin, "N", sip.DateNow(), sip.DateNow())
	require.NoError(t, err)
	checkin.AddField("AB", "123456")
	resp = exchange(t, c, checkin)
	require.Equal(t, sip.RespCheckin.Code, resp.Spec().Code)
	assert.Equal(t, "1", resp.FixedField(0))

	info2, err := sip.NewMessage(sip.MsgItemInfo, sip.DateNow())
	require.NoError(t, err)
	info2.AddField("AB", "123456")
	resp = exchange(t, c, info2)
	assert.Equal(t, "03", resp.FixedField(0))
}

func TestPatronStatus(t *testing.T) {
	be := newBackend(t)
	c, _ := startSession(t, be, nil)

	login(t, c)

	m, err := sip.NewMessage(sip.MsgPatronStatus, "000", sip.DateNow())
	require.NoError(t, err)
	m.AddField("AA", "P123")
	resp := exchange(t, c, m)
	require.Equal(t, sip.RespPatronStatus.Code, resp.Spec().Code)
	assert.Equal(t, "Y", resp.FieldValue("BL"))
	assert.Equal(t, "Rita Reader", resp.FieldValue("AE"))

	m2, err := sip.NewMessage(sip.MsgPatronStatus, "000", sip.DateNow())
	require.NoError(t, err)
	m2.AddField("AA", "NOPE")
	resp = exchange(t, c, m2)
	assert.Equal(t, "N", resp.FieldValue("BL"))
}

func TestPatronInfoCounts(t *testing.T) {
	be := newBackend(t)
	c, _ := startSession(t, be, nil)

	login(t, c)

	resp := exchange(t, c, checkoutMsg(t, "P123", "123456"))
	require.Equal(t, "1", resp.FixedField(0))

	m, err := sip.NewMessage(sip.MsgPatronInfo, "000", sip.DateNow(), "          ")
	require.NoError(t, err)
	m.AddField("AA", "P123")
	resp = exchange(t, c, m)
	require.Equal(t, sip.RespPatronInfo.Code, resp.Spec().Code)
	assert.Equal(t, "Y", resp.FieldValue("BL"))
	// Charged items count is the 5th fixed field.
	assert.Equal(t, "0001", resp.FixedField(5))
}

func TestFeePaid(t *testing.T) {
	be := newBackend(t)
	c, _ := startSession(t, be, nil)

	login(t, c)

	m, err := sip.NewMessage(sip.MsgFeePaid, sip.DateNow(), "01", "00", "USD")
	require.NoError(t, err)
	m.AddField("AA", "P123")
	m.AddField("BV", "2.50")
	resp := exchange(t, c, m)
	require.Equal(t, sip.RespFeePaid.Code, resp.Spec().Code)
	assert.Equal(t, "1", resp.FixedField(0))

	// Unknown patron: negative acknowledgement, not an error.
	m2, err := sip.NewMessage(sip.MsgFeePaid, sip.DateNow(), "01", "00", "USD")
	require.NoError(t, err)
	m2.AddField("AA", "NOPE")
	m2.AddField("BV", "2.50")
	resp = exchange(t, c, m2)
	assert.Equal(t, "0", resp.FixedField(0))
}

func TestShutdownEndsSession(t *testing.T) {
	be := newBackend(t)
	c, shutdown := startSession(t, be, nil)

	login(t, c)
	shutdown.Store(true)

	// The session observes the flag between messages and disconnects.
	require.Eventually(t, func() bool {
		_, err := c.RecvTimeout(20 * time.Millisecond)
		return err != nil
	}, testTimeout, 20*time.Millisecond)
}
