package web

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

const (
	sessionCookieName = "session"
	sessionMaxAge     = 30 * 24 * time.Hour // 30 days
	sessionSweepEvery = time.Hour
)

// sessions holds login tokens for the operator UI. Every successful check
// slides the expiry forward.
type sessions struct {
	mu     sync.Mutex
	tokens map[string]time.Time // token → expiry
	maxAge time.Duration
	now    func() time.Time
}

func newSessions(maxAge time.Duration) *sessions {
	return &sessions{
		tokens: make(map[string]time.Time),
		maxAge: maxAge,
		now:    time.Now,
	}
}

func (s *sessions) create() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	token := hex.EncodeToString(b)

	s.mu.Lock()
	s.tokens[token] = s.now().Add(s.maxAge)
	s.mu.Unlock()
	return token, nil
}

// touch reports whether token is live and extends it. Expired tokens are
// forgotten on sight.
func (s *sessions) touch(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry, ok := s.tokens[token]
	if !ok {
		return false
	}
	now := s.now()
	if !now.Before(expiry) {
		delete(s.tokens, token)
		return false
	}
	s.tokens[token] = now.Add(s.maxAge)
	return true
}

func (s *sessions) revoke(token string) {
	s.mu.Lock()
	delete(s.tokens, token)
	s.mu.Unlock()
}

// sweep drops expired tokens and returns how many went.
func (s *sessions) sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for token, expiry := range s.tokens {
		if !now.Before(expiry) {
			delete(s.tokens, token)
			removed++
		}
	}
	return removed
}

func (s *sessions) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *sessions) run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}
