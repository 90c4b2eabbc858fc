package auth

import (
	"sort"
	"sync"
	"time"
)

// TokenRevocationStore keeps revoked staff token ids (the jti claim) until
// the token would have expired anyway. Safe for concurrent use.
type TokenRevocationStore struct {
	mu       sync.RWMutex
	entries  map[string]RevocationInfo
	now      func() time.Time
	interval time.Duration
	done     chan struct{}
	once     sync.Once
}

// RevocationInfo describes one revoked token.
type RevocationInfo struct {
	JTI       string    `json:"jti"`
	UserID    string    `json:"user_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// NewTokenRevocationStore returns a store that purges expired entries every
// interval. A non-positive interval disables the background purge.
func NewTokenRevocationStore(interval time.Duration) *TokenRevocationStore {
	s := &TokenRevocationStore{
		entries:  make(map[string]RevocationInfo),
		now:      time.Now,
		interval: interval,
		done:     make(chan struct{}),
	}
	if interval > 0 {
		go s.cleanupLoop()
	}
	return s
}

// Revoke records jti as revoked until expiresAt. userID is informational.
func (s *TokenRevocationStore) Revoke(jti, userID string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[jti] = RevocationInfo{JTI: jti, UserID: userID, ExpiresAt: expiresAt}
}

func (s *TokenRevocationStore) IsRevoked(jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[jti]
	return ok
}

// RevokedForUser lists the revoked token ids recorded against userID.
func (s *TokenRevocationStore) RevokedForUser(userID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for jti, e := range s.entries {
		if e.UserID == userID {
			out = append(out, jti)
		}
	}
	sort.Strings(out)
	return out
}

func (s *TokenRevocationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Entries returns a snapshot ordered by expiry, soonest first.
func (s *TokenRevocationStore) Entries() []RevocationInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RevocationInfo, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].JTI < out[j].JTI
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

// Close stops the background purge. Safe to call more than once.
func (s *TokenRevocationStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *TokenRevocationStore) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup drops entries whose tokens are past their natural expiry.
func (s *TokenRevocationStore) cleanup() int {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for jti, e := range s.entries {
		if now.After(e.ExpiresAt) {
			delete(s.entries, jti)
			removed++
		}
	}
	return removed
}
