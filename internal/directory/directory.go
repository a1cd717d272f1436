// Package directory is the concurrent registry of venue accounts. The map
// itself supports concurrent reads with an atomic insert-if-absent, and each
// user's mutable fields sit behind a per-user exclusive region so unrelated
// users' operations never contend.
package directory

import (
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// MinCredentialLen is the shortest acceptable username or password.
const MinCredentialLen = 3

// Verdict is the typed outcome of a directory operation. These are domain
// verdicts, not errors: every one of them leaves the caller's connection
// usable.
type Verdict int

const (
	OK Verdict = iota
	InvalidPassword
	UsernameUnavailable
	NonExistentUser
	CredentialMismatch
	AlreadyLoggedIn
	NotLoggedIn
	OldMismatch
	NewEqualsOld
	UserCurrentlyLoggedIn
)

func (v Verdict) String() string {
	switch v {
	case OK:
		return "ok"
	case InvalidPassword:
		return "invalid username or password"
	case UsernameUnavailable:
		return "username unavailable"
	case NonExistentUser:
		return "non-existent user"
	case CredentialMismatch:
		return "username/password mismatch"
	case AlreadyLoggedIn:
		return "user already logged in"
	case NotLoggedIn:
		return "user not logged in"
	case OldMismatch:
		return "old password mismatch"
	case NewEqualsOld:
		return "new password equals old"
	case UserCurrentlyLoggedIn:
		return "user currently logged in"
	}
	return "unknown"
}

// User is one account. Password hash and the connected flag are only touched
// under mu.
type User struct {
	Name string

	mu        sync.Mutex
	hash      []byte
	connected bool
}

type Directory struct {
	users sync.Map // username -> *User
}

func New() *Directory {
	return &Directory{}
}

func (d *Directory) lookup(name string) (*User, bool) {
	v, ok := d.users.Load(name)
	if !ok {
		return nil, false
	}
	return v.(*User), true
}

// Register creates an account. LoadOrStore closes the exists-check/insert
// race: concurrent registrations of the same name yield exactly one OK.
func (d *Directory) Register(name, password string) Verdict {
	if len(name) < MinCredentialLen || len(password) < MinCredentialLen {
		return InvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Error().Err(err).Str("user", name).Msg("hashing password failed")
		return InvalidPassword
	}

	u := &User{Name: name, hash: hash}
	if _, loaded := d.users.LoadOrStore(name, u); loaded {
		return UsernameUnavailable
	}
	return OK
}

// Login marks the account connected. At most one session may hold an account
// at a time.
func (d *Directory) Login(name, password string) Verdict {
	u, ok := d.lookup(name)
	if !ok {
		return NonExistentUser
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if bcrypt.CompareHashAndPassword(u.hash, []byte(password)) != nil {
		return CredentialMismatch
	}
	if u.connected {
		return AlreadyLoggedIn
	}
	u.connected = true
	return OK
}

func (d *Directory) Logout(name string) Verdict {
	u, ok := d.lookup(name)
	if !ok {
		return NotLoggedIn
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.connected {
		return NotLoggedIn
	}
	u.connected = false
	return OK
}

// UpdateCredentials replaces the password. Refused while the account is
// logged in, so an active session never sees its credentials move underneath
// it.
func (d *Directory) UpdateCredentials(name, old, new string) Verdict {
	if len(new) < MinCredentialLen {
		return InvalidPassword
	}

	u, ok := d.lookup(name)
	if !ok {
		return NonExistentUser
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if u.connected {
		return UserCurrentlyLoggedIn
	}
	if bcrypt.CompareHashAndPassword(u.hash, []byte(old)) != nil {
		return OldMismatch
	}
	if new == old {
		return NewEqualsOld
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(new), bcrypt.DefaultCost)
	if err != nil {
		log.Error().Err(err).Str("user", name).Msg("hashing password failed")
		return InvalidPassword
	}
	u.hash = hash
	return OK
}

// Connected reports whether the account currently holds a session.
func (d *Directory) Connected(name string) bool {
	u, ok := d.lookup(name)
	if !ok {
		return false
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.connected
}
