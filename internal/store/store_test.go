package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackshq/stacks/pkg/bridge"
	"github.com/stackshq/stacks/pkg/bus"
	"github.com/stackshq/stacks/pkg/metadata"
	dbopts "github.com/stackshq/stacks/pkg/options/db"
	"github.com/stackshq/stacks/pkg/runtime"
)

const testTimeout = 2 * time.Second

func testMeta(t *testing.T) *metadata.Registry {
	t.Helper()
	meta, err := metadata.New([]*metadata.Class{
		{
			Name:        "au",
			Label:       "User",
			Controllers: []string{ServiceName},
			Mapper:      "actor::user",
		},
		{
			Name:        "acp",
			Label:       "Copy",
			Controllers: []string{ServiceName},
			Mapper:      "asset::copy",
		},
		{
			Name:        "czs",
			Label:       "Foreign",
			Controllers: []string{"stacks.search"},
			Mapper:      "config::z3950_source",
		},
	})
	require.NoError(t, err)
	return meta
}

func testOptions(t *testing.T) *Options {
	t.Helper()
	opts := NewOptions()
	opts.DB = dbopts.NewOptions()
	opts.DB.Driver = dbopts.DriverSQLite
	opts.DB.Database = filepath.Join(t.TempDir(), "store.db")
	return opts
}

func startTestStore(t *testing.T, keepalive time.Duration) (*bus.ChannelBus, *metadata.Registry) {
	t.Helper()
	meta := testMeta(t)
	opts := testOptions(t)

	b := bus.NewChannelBus()
	rt := runtime.New[*WorkerState](NewAppWithMetadata(opts, meta), b, &runtime.Options{
		Workers:   1,
		Keepalive: keepalive,
		IdlePoll:  10 * time.Millisecond,
	})
	require.NoError(t, rt.Start())

	t.Cleanup(func() {
		rt.Stop()
		b.Close()
	})
	return b, meta
}

func TestDerivedSurface(t *testing.T) {
	app := NewAppWithMetadata(testOptions(t), testMeta(t))
	env, err := app.Init()
	require.NoError(t, err)

	defs, err := app.Methods(env)
	require.NoError(t, err)

	// 3 static methods plus 5 derived per controlled class; the class
	// controlled by another service contributes nothing.
	require.Len(t, defs, 3+2*5)

	names := make(map[string]bool, len(defs))
	for _, def := range defs {
		assert.False(t, names[def.Name], "duplicate method %s", def.Name)
		names[def.Name] = true
	}

	for _, want := range []string{
		"transaction.begin",
		"transaction.commit",
		"transaction.rollback",
		"stacks.store.direct.actor.user.create",
		"stacks.store.direct.actor.user.retrieve",
		"stacks.store.direct.actor.user.search",
		"stacks.store.direct.actor.user.update",
		"stacks.store.direct.actor.user.delete",
		"stacks.store.direct.asset.copy.create",
	} {
		assert.True(t, names[want], "missing method %s", want)
	}
	assert.False(t, names["stacks.store.direct.config.z3950_source.create"])
}

func TestRegistrationIdempotent(t *testing.T) {
	app := NewAppWithMetadata(testOptions(t), testMeta(t))
	env, err := app.Init()
	require.NoError(t, err)

	first, err := app.Methods(env)
	require.NoError(t, err)
	second, err := app.Methods(env)
	require.NoError(t, err)

	nameSet := func(defs []*runtime.MethodDef[*WorkerState]) map[string]bool {
		out := make(map[string]bool, len(defs))
		for _, def := range defs {
			out[def.Name] = true
		}
		return out
	}
	assert.Equal(t, nameSet(first), nameSet(second))
}

func TestCrudRoundTrip(t *testing.T) {
	b, meta := startTestStore(t, time.Second)
	editor := bridge.NewBusEditor(bus.NewClient(b), meta, ServiceName)

	created, err := editor.Create("au", map[string]any{
		"usrname": "reader1",
		"deleted": "f",
	})
	require.NoError(t, err)
	require.NotNil(t, created)
	id, err := bus.Int(created["id"])
	require.NoError(t, err)
	require.Positive(t, id)

	got, err := editor.Retrieve("au", id)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "reader1", got["usrname"])

	rows, err := editor.Search("au", map[string]any{"usrname": "reader1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)

	got["usrname"] = "reader1-renamed"
	require.NoError(t, editor.Update("au", got))

	got, err = editor.Retrieve("au", id)
	require.NoError(t, err)
	assert.Equal(t, "reader1-renamed", got["usrname"])

	require.NoError(t, editor.Delete("au", id))

	got, err = editor.Retrieve("au", id)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRetrieveMissing(t *testing.T) {
	b, meta := startTestStore(t, time.Second)
	editor := bridge.NewBusEditor(bus.NewClient(b), meta, ServiceName)

	got, err := editor.Retrieve("au", 9999)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSearchIsClassScoped(t *testing.T) {
	b, meta := startTestStore(t, time.Second)
	editor := bridge.NewBusEditor(bus.NewClient(b), meta, ServiceName)

	_, err := editor.Create("au", map[string]any{"barcode": "X1"})
	require.NoError(t, err)
	_, err = editor.Create("acp", map[string]any{"barcode": "X1"})
	require.NoError(t, err)

	rows, err := editor.Search("acp", map[string]any{"barcode": "X1"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
}

func call(t *testing.T, ses *bus.ClientSession, method string, params ...any) (any, error) {
	t.Helper()
	pending, err := ses.Request(method, params...)
	require.NoError(t, err)
	return pending.First(testTimeout)
}

func TestTransactionCommit(t *testing.T) {
	b, meta := startTestStore(t, time.Second)

	ses := bus.NewClient(b).Session(ServiceName)
	require.NoError(t, ses.Connect(testTimeout))

	_, err := call(t, ses, "transaction.begin")
	require.NoError(t, err)

	_, err = call(t, ses, "stacks.store.direct.actor.user.create",
		map[string]any{"usrname": "committed"})
	require.NoError(t, err)

	_, err = call(t, ses, "transaction.commit")
	require.NoError(t, err)
	require.NoError(t, ses.Disconnect(testTimeout))

	editor := bridge.NewBusEditor(bus.NewClient(b), meta, ServiceName)
	rows, err := editor.Search("au", map[string]any{"usrname": "committed"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestBeginTwiceFails(t *testing.T) {
	b, _ := startTestStore(t, time.Second)

	ses := bus.NewClient(b).Session(ServiceName)
	require.NoError(t, ses.Connect(testTimeout))
	defer ses.Disconnect(testTimeout)

	_, err := call(t, ses, "transaction.begin")
	require.NoError(t, err)

	_, err = call(t, ses, "transaction.begin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transaction already in progress")
}

func TestCommitWithoutBeginFails(t *testing.T) {
	b, _ := startTestStore(t, time.Second)

	ses := bus.NewClient(b).Session(ServiceName)
	require.NoError(t, ses.Connect(testTimeout))
	defer ses.Disconnect(testTimeout)

	_, err := call(t, ses, "transaction.commit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no transaction in progress")
}

func TestDisconnectRollsBack(t *testing.T) {
	b, meta := startTestStore(t, time.Second)

	ses := bus.NewClient(b).Session(ServiceName)
	require.NoError(t, ses.Connect(testTimeout))

	_, err := call(t, ses, "transaction.begin")
	require.NoError(t, err)
	_, err = call(t, ses, "stacks.store.direct.actor.user.create",
		map[string]any{"usrname": "abandoned"})
	require.NoError(t, err)

	// Session ends without commit: the open transaction must not
	// survive into the worker's next exchange.
	require.NoError(t, ses.Disconnect(testTimeout))

	editor := bridge.NewBusEditor(bus.NewClient(b), meta, ServiceName)
	rows, err := editor.Search("au", map[string]any{"usrname": "abandoned"})
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestKeepaliveTimeoutRollsBack(t *testing.T) {
	b, meta := startTestStore(t, 100*time.Millisecond)

	ses := bus.NewClient(b).Session(ServiceName)
	require.NoError(t, ses.Connect(testTimeout))

	_, err := call(t, ses, "transaction.begin")
	require.NoError(t, err)
	_, err = call(t, ses, "stacks.store.direct.actor.user.create",
		map[string]any{"usrname": "timed-out"})
	require.NoError(t, err)

	// Go silent past the keepalive; the runtime evicts the session and
	// the rollback safety net runs before the worker is reused.
	editor := bridge.NewBusEditor(bus.NewClient(b), meta, ServiceName)
	require.Eventually(t, func() bool {
		rows, err := editor.Search("au", map[string]any{"usrname": "timed-out"})
		return err == nil && len(rows) == 0
	}, testTimeout, 25*time.Millisecond)
}
