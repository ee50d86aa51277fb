package signoz

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/singleflight"
)

// tokenSource caches the session token for credentials auth. Concurrent
// callers that find no token share a single login exchange.
type tokenSource struct {
	login  func(ctx context.Context) (string, error)
	group  singleflight.Group
	logins atomic.Int64

	mu    sync.Mutex
	token string
}

func newTokenSource(login func(ctx context.Context) (string, error)) *tokenSource {
	return &tokenSource{login: login}
}

// Token returns the cached token, logging in first if there is none.
func (s *tokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	tok := s.token
	s.mu.Unlock()
	if tok != "" {
		return tok, nil
	}

	v, err, _ := s.group.Do("login", func() (interface{}, error) {
		// A refresh may have finished while this caller waited to enter.
		s.mu.Lock()
		cached := s.token
		s.mu.Unlock()
		if cached != "" {
			return cached, nil
		}

		s.logins.Add(1)
		tok, err := s.login(ctx)
		if err != nil {
			return "", err
		}
		s.mu.Lock()
		s.token = tok
		s.mu.Unlock()
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token if it is still stale. A token another
// caller already refreshed is kept.
func (s *tokenSource) Invalidate(stale string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == stale {
		s.token = ""
	}
}

// Logins reports how many login exchanges ran.
func (s *tokenSource) Logins() int64 {
	return s.logins.Load()
}
