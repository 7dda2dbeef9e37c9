package privilege

import (
	"sync"

	"nyxd/internal/unit"
)

// Session is the process-wide elevation state: the passwordless flag from
// settings plus a per-scope "elevation granted this process lifetime" cache.
// The cache is cleared by process restart, by turning passwordless mode off,
// or per scope when a cached grant turns out to be stale.
type Session struct {
	mu           sync.Mutex
	passwordless bool
	granted      map[unit.Scope]bool
}

func NewSession(passwordless bool) *Session {
	return &Session{
		passwordless: passwordless,
		granted:      map[unit.Scope]bool{},
	}
}

func (s *Session) Passwordless() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.passwordless
}

// SetPasswordless updates the flag. Disabling drops the grant cache: a later
// re-enable must prove authorization again.
func (s *Session) SetPasswordless(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.passwordless && !on {
		s.granted = map[unit.Scope]bool{}
	}
	s.passwordless = on
}

func (s *Session) Granted(scope unit.Scope) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.granted[scope]
}

func (s *Session) MarkGranted(scope unit.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.granted[scope] = true
}

// Revoke drops one scope's cached grant, forcing the next request for that
// scope to prove authorization again.
func (s *Session) Revoke(scope unit.Scope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.granted, scope)
}
