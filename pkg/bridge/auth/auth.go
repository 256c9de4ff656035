// Package auth implements the bridge authentication capability: the
// internal credentials a gateway session uses to act against the backend on
// behalf of a logged-in external client. Tokens are signed JWTs whose ids
// are tracked in a revocation store, so a token can be probed for liveness
// and invalidated independently of its signature validity.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/oklog/ulid/v2"
)

// ErrLoginFailed is returned when an internal login cannot be established.
var ErrLoginFailed = errors.New("auth: internal login failed")

// LoginType scopes what a bridge token may do.
type LoginType string

const (
	LoginTypeStaff LoginType = "staff"
	LoginTypeOPAC  LoginType = "opac"
)

// InternalLoginArgs describe an internal (trusted, no password) login.
type InternalLoginArgs struct {
	UserID      int64
	LoginType   LoginType
	Workstation string
	OrgUnit     int64
}

// NewInternalLoginArgs builds args with the common fields set.
func NewInternalLoginArgs(userID int64, loginType LoginType) InternalLoginArgs {
	return InternalLoginArgs{UserID: userID, LoginType: defaultLoginType(loginType)}
}

func defaultLoginType(t LoginType) LoginType {
	if t == "" {
		return LoginTypeStaff
	}
	return t
}

// Session is one established bridge authentication.
type Session struct {
	Token       string
	UserID      int64
	Workstation string
	ExpiresAt   time.Time
}

// Service establishes and validates bridge tokens. Deployments may back it
// with a remote capability; LocalService is the in-process implementation.
type Service interface {
	// InternalLogin creates a session for an already-vetted user.
	InternalLogin(ctx context.Context, args InternalLoginArgs) (*Session, error)

	// Validate probes a token for liveness. A stale or revoked token
	// yields (false, nil); only infrastructure failures return errors.
	Validate(ctx context.Context, token string) (bool, error)

	// Invalidate revokes a token.
	Invalidate(ctx context.Context, token string) error
}

type claims struct {
	jwt.RegisteredClaims
	UserID      int64  `json:"uid"`
	LoginType   string `json:"ltype"`
	Workstation string `json:"ws,omitempty"`
}

// LocalService signs tokens with an HMAC key and tracks their ids in a
// Store for revocation and liveness probing.
type LocalService struct {
	key   []byte
	ttl   time.Duration
	store Store
}

// NewLocalService builds a token service. A nil store falls back to the
// in-memory store.
func NewLocalService(key []byte, ttl time.Duration, store Store) *LocalService {
	if store == nil {
		store = NewMemoryStore()
	}
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	return &LocalService{key: key, ttl: ttl, store: store}
}

// InternalLogin implements Service.
func (s *LocalService) InternalLogin(ctx context.Context, args InternalLoginArgs) (*Session, error) {
	if args.UserID <= 0 {
		return nil, ErrLoginFailed
	}

	now := time.Now()
	expires := now.Add(s.ttl)
	jti := ulid.Make().String()

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   fmt.Sprintf("%d", args.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
		UserID:      args.UserID,
		LoginType:   string(defaultLoginType(args.LoginType)),
		Workstation: args.Workstation,
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(s.key)
	if err != nil {
		return nil, fmt.Errorf("auth: signing token: %w", err)
	}

	if err := s.store.Put(ctx, jti, args.UserID, s.ttl); err != nil {
		return nil, fmt.Errorf("auth: recording session: %w", err)
	}

	return &Session{
		Token:       token,
		UserID:      args.UserID,
		Workstation: args.Workstation,
		ExpiresAt:   expires,
	}, nil
}

// Validate implements Service.
func (s *LocalService) Validate(ctx context.Context, token string) (bool, error) {
	c, err := s.parse(token)
	if err != nil {
		return false, nil // malformed or expired, not an infrastructure failure
	}
	return s.store.Exists(ctx, c.ID)
}

// Invalidate implements Service.
func (s *LocalService) Invalidate(ctx context.Context, token string) error {
	c, err := s.parse(token)
	if err != nil {
		return nil
	}
	return s.store.Del(ctx, c.ID)
}

// UserID extracts the actor user id from a token without a store probe.
func (s *LocalService) UserID(token string) (int64, error) {
	c, err := s.parse(token)
	if err != nil {
		return 0, err
	}
	return c.UserID, nil
}

func (s *LocalService) parse(token string) (*claims, error) {
	var c claims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method %v", t.Header["alg"])
		}
		return s.key, nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}
