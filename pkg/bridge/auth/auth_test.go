package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testService(ttl time.Duration) *LocalService {
	return NewLocalService([]byte("test-signing-key"), ttl, nil)
}

func TestInternalLoginAndValidate(t *testing.T) {
	ctx := context.Background()
	svc := testService(time.Hour)

	ses, err := svc.InternalLogin(ctx, InternalLoginArgs{
		UserID:      42,
		LoginType:   LoginTypeStaff,
		Workstation: "br1-circ",
	})
	require.NoError(t, err)
	require.NotEmpty(t, ses.Token)
	assert.Equal(t, int64(42), ses.UserID)
	assert.Equal(t, "br1-circ", ses.Workstation)

	ok, err := svc.Validate(ctx, ses.Token)
	require.NoError(t, err)
	assert.True(t, ok)

	uid, err := svc.UserID(ses.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), uid)
}

func TestInternalLoginRejectsBadUser(t *testing.T) {
	svc := testService(time.Hour)
	_, err := svc.InternalLogin(context.Background(), InternalLoginArgs{UserID: 0})
	assert.ErrorIs(t, err, ErrLoginFailed)
}

func TestDefaultLoginType(t *testing.T) {
	args := NewInternalLoginArgs(7, "")
	assert.Equal(t, LoginTypeStaff, args.LoginType)

	args = NewInternalLoginArgs(7, LoginTypeOPAC)
	assert.Equal(t, LoginTypeOPAC, args.LoginType)
}

func TestValidateStaleToken(t *testing.T) {
	ctx := context.Background()
	svc := testService(time.Hour)

	ses, err := svc.InternalLogin(ctx, NewInternalLoginArgs(42, LoginTypeStaff))
	require.NoError(t, err)

	require.NoError(t, svc.Invalidate(ctx, ses.Token))

	// A revoked token is stale, not an infrastructure failure.
	ok, err := svc.Validate(ctx, ses.Token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateGarbageToken(t *testing.T) {
	ok, err := testService(time.Hour).Validate(context.Background(), "not-a-token")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestValidateForeignKey(t *testing.T) {
	ctx := context.Background()
	ses, err := testService(time.Hour).InternalLogin(ctx, NewInternalLoginArgs(42, LoginTypeStaff))
	require.NoError(t, err)

	other := NewLocalService([]byte("different-key"), time.Hour, nil)
	ok, err := other.Validate(ctx, ses.Token)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreExpiry(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "ses-1", 42, 20*time.Millisecond))

	ok, err := store.Exists(ctx, "ses-1")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	ok, err = store.Exists(ctx, "ses-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStoreDel(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "ses-1", 42, time.Hour))
	require.NoError(t, store.Del(ctx, "ses-1"))

	ok, err := store.Exists(ctx, "ses-1")
	require.NoError(t, err)
	assert.False(t, ok)
}
