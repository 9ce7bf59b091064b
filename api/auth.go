package api

import (
	"sync"

	"github.com/realartists/shipsync/models"
)

// Auth holds the credential for one account. Invalidation is one-way and
// idempotent: once a server rejects the token every holder of this Auth
// sees it, and only replacing the Auth restores service.
type Auth struct {
	Token     string
	AccountID models.RecordID

	mu        sync.Mutex
	invalid   bool
	observers []func()
}

func NewAuth(token string, account models.RecordID) *Auth {
	return &Auth{Token: token, AccountID: account}
}

func (a *Auth) Valid() bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Token != "" && !a.invalid
}

// Invalidate marks the credential dead and notifies observers. Calling it
// again is a no-op; observers fire at most once.
func (a *Auth) Invalidate() {
	a.mu.Lock()
	if a.invalid {
		a.mu.Unlock()
		return
	}
	a.invalid = true
	obs := a.observers
	a.observers = nil
	a.mu.Unlock()

	for _, fn := range obs {
		fn()
	}
}

// OnInvalidate registers fn to run when the credential is invalidated. If
// it already is, fn runs immediately.
func (a *Auth) OnInvalidate(fn func()) {
	a.mu.Lock()
	if a.invalid {
		a.mu.Unlock()
		fn()
		return
	}
	a.observers = append(a.observers, fn)
	a.mu.Unlock()
}
