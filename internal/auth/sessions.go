package auth

import (
	"sync"
	"time"
)

// sweepInterval bounds how long an expired revocation lingers in memory.
const sweepInterval = 5 * time.Minute

// SessionRegistry is the in-memory token denylist behind logout. A revoked
// token id stays listed until the token itself would have expired, after
// which the sweep drops it.
type SessionRegistry struct {
	mu      sync.RWMutex
	revoked map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewSessionRegistry starts a registry and its background sweep.
func NewSessionRegistry() *SessionRegistry {
	r := &SessionRegistry{
		revoked: make(map[string]time.Time),
		stopCh:  make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Revoke denylists a token id until its expiry.
func (r *SessionRegistry) Revoke(tokenID string, expiresAt time.Time) {
	if tokenID == "" {
		return
	}
	r.mu.Lock()
	r.revoked[tokenID] = expiresAt
	r.mu.Unlock()
}

// IsRevoked reports whether the token id has been logged out.
func (r *SessionRegistry) IsRevoked(tokenID string) bool {
	r.mu.RLock()
	expiresAt, ok := r.revoked[tokenID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	// An expired entry no longer matters; the token fails expiry checks on
	// its own.
	return time.Now().Before(expiresAt)
}

// Close stops the background sweep.
func (r *SessionRegistry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

func (r *SessionRegistry) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweep(time.Now())
		case <-r.stopCh:
			return
		}
	}
}

func (r *SessionRegistry) sweep(now time.Time) {
	r.mu.Lock()
	for id, expiresAt := range r.revoked {
		if now.After(expiresAt) {
			delete(r.revoked, id)
		}
	}
	r.mu.Unlock()
}
