package auth

import (
	"sync"
	"time"
)

// Source exposes the current credential of the external auth collaborator.
type Source interface {
	Current() Credential
}

// MemorySource is an in-process Source the auth layer writes to.
type MemorySource struct {
	mu   sync.RWMutex
	cred Credential
}

// NewMemorySource creates an empty source.
func NewMemorySource() *MemorySource {
	return &MemorySource{}
}

// Set stores a token with an explicit expiry.
func (m *MemorySource) Set(token string, expiresAt time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = Credential{Token: token, ExpiresAt: expiresAt}
}

// SetToken stores a token, taking the expiry from its JWT exp claim. Opaque
// tokens use fallback, which may be zero (never fresh).
func (m *MemorySource) SetToken(token string, fallback time.Time) {
	expiresAt := fallback
	if exp, err := ExpiryFromJWT(token); err == nil {
		expiresAt = exp
	}
	m.Set(token, expiresAt)
}

// Clear drops the credential, e.g. on logout.
func (m *MemorySource) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cred = Credential{}
}

func (m *MemorySource) Current() Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cred
}
