package auth

import (
	"sync"
	"time"
)

// TokenRevocationStore remembers logged-out tokens until they would have
// expired anyway, plus a per-user cutoff that invalidates every token issued
// before it (used when an account is deleted). Safe for concurrent use.
type TokenRevocationStore struct {
	mu      sync.RWMutex
	tokens  map[string]time.Time // jti -> natural expiry
	cutoffs map[string]time.Time // user id -> tokens issued at or before are revoked
	now     func() time.Time
	done    chan struct{}
	once    sync.Once
}

// NewTokenRevocationStore starts a janitor that drops expired entries every
// interval.
func NewTokenRevocationStore(interval time.Duration) *TokenRevocationStore {
	s := &TokenRevocationStore{
		tokens:  make(map[string]time.Time),
		cutoffs: make(map[string]time.Time),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	if interval > 0 {
		go s.cleanupLoop(interval)
	}
	return s
}

// Revoke invalidates a single token until expiresAt.
func (s *TokenRevocationStore) Revoke(jti string, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[jti] = expiresAt
}

// RevokeAllForUser invalidates every token the user holds right now.
func (s *TokenRevocationStore) RevokeAllForUser(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cutoffs[userID] = s.now()
}

// IsRevoked checks a single jti.
func (s *TokenRevocationStore) IsRevoked(jti string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.tokens[jti]
	return ok
}

// IsTokenRevoked implements RevocationChecker.
func (s *TokenRevocationStore) IsTokenRevoked(claims *Claims) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.tokens[claims.ID]; ok {
		return true
	}
	cutoff, ok := s.cutoffs[claims.Subject]
	if !ok || claims.IssuedAt == nil {
		return ok
	}
	return claims.IssuedAt.Unix() <= cutoff.Unix()
}

// Count returns the number of individually revoked tokens.
func (s *TokenRevocationStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// Close stops the janitor. Safe to call more than once.
func (s *TokenRevocationStore) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *TokenRevocationStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
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

// cleanup drops tokens past their expiry and cutoffs older than any token
// that could still be live.
func (s *TokenRevocationStore) cleanup() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for jti, exp := range s.tokens {
		if now.After(exp) {
			delete(s.tokens, jti)
		}
	}
	for user, cutoff := range s.cutoffs {
		if now.Sub(cutoff) > maxCutoffAge {
			delete(s.cutoffs, user)
		}
	}
}

// maxCutoffAge bounds how long per-user cutoffs are retained. It must exceed
// the configured token TTL.
var maxCutoffAge = 7 * 24 * time.Hour
