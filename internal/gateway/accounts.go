package gateway

import (
	"crypto/subtle"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/kart-io/logger"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
)

// Account is one configured gateway login: the credentials an external
// client presents, plus the backend identity the session acts as after
// authenticating.
type Account struct {
	// Username and Secret are the client-facing credentials. Secret may
	// be a bcrypt hash (recognized by its "$2" prefix) or plain text.
	Username string `mapstructure:"username"`
	Secret   string `mapstructure:"secret"`

	// ILSUsername names the backend user this account acts as.
	ILSUsername string `mapstructure:"ils-username"`

	// Workstation tags backend activity performed for this account.
	Workstation string `mapstructure:"workstation"`

	// OrgUnit is the account's home org unit id.
	OrgUnit int64 `mapstructure:"org-unit"`
}

// VerifySecret checks a presented secret in constant time.
func (a *Account) VerifySecret(secret string) bool {
	if strings.HasPrefix(a.Secret, "$2") {
		return bcrypt.CompareHashAndPassword([]byte(a.Secret), []byte(secret)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(a.Secret), []byte(secret)) == 1
}

// AccountSet is the live view of the accounts file. Lookups read an
// atomically swapped snapshot, so a file reload never blocks sessions.
type AccountSet struct {
	path     string
	accounts atomic.Pointer[map[string]*Account]
	watcher  *fsnotify.Watcher
}

// NewAccountSet builds a set from a static account list. Used by embedding
// daemons and tests.
func NewAccountSet(accounts []*Account) *AccountSet {
	s := &AccountSet{}
	s.swap(accounts)
	return s
}

// LoadAccounts reads the accounts file and builds a live set.
func LoadAccounts(path string) (*AccountSet, error) {
	s := &AccountSet{path: path}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AccountSet) reload() error {
	v := viper.New()
	v.SetConfigFile(s.path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("gateway: reading accounts file %s: %w", s.path, err)
	}

	var doc struct {
		Accounts []*Account `mapstructure:"accounts"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return fmt.Errorf("gateway: parsing accounts file %s: %w", s.path, err)
	}
	for _, a := range doc.Accounts {
		if a.Username == "" || a.Secret == "" {
			return fmt.Errorf("gateway: account with missing username or secret in %s", s.path)
		}
	}

	s.swap(doc.Accounts)
	return nil
}

func (s *AccountSet) swap(accounts []*Account) {
	m := make(map[string]*Account, len(accounts))
	for _, a := range accounts {
		m[a.Username] = a
	}
	s.accounts.Store(&m)
}

// Lookup returns the account for a username.
func (s *AccountSet) Lookup(username string) (*Account, bool) {
	a, ok := (*s.accounts.Load())[username]
	return a, ok
}

// Len returns the number of configured accounts.
func (s *AccountSet) Len() int { return len(*s.accounts.Load()) }

// Watch reloads the set whenever the accounts file changes. A reload that
// fails to parse keeps the previous snapshot.
func (s *AccountSet) Watch() error {
	if s.path == "" {
		return fmt.Errorf("gateway: account set has no backing file")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("gateway: watching accounts file: %w", err)
	}
	if err := w.Add(s.path); err != nil {
		w.Close()
		return fmt.Errorf("gateway: watching accounts file: %w", err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if err := s.reload(); err != nil {
					logger.Errorw("accounts reload failed", "file", s.path, "error", err)
					continue
				}
				logger.Infow("accounts reloaded", "file", s.path, "accounts", s.Len())
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Errorw("accounts watcher error", "file", s.path, "error", err)
			}
		}
	}()
	return nil
}

// Close stops watching.
func (s *AccountSet) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}
