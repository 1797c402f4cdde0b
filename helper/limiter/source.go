package limiter

import (
	"fmt"
	"sync"
)

// Scope selects which sessions share a bucket.
type Scope string

const (
	// ScopeSession gives every tunnel a bucket of its own.
	ScopeSession Scope = "session"
	// ScopeGlobal makes every tunnel of the process draw from one bucket.
	ScopeGlobal Scope = "global"
)

func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case "", ScopeSession:
		return ScopeSession, nil
	case ScopeGlobal:
		return ScopeGlobal, nil
	}
	return "", fmt.Errorf("unknown limiter scope %q", s)
}

// Source hands a limiter to each new tunnel according to its scope.
type Source struct {
	mu     sync.RWMutex
	scope  Scope
	rate   float64
	burst  int
	global *Limiter
}

func NewSource(scope Scope, bytesPerSecond float64, burst int) *Source {
	s := &Source{
		scope: scope,
		rate:  bytesPerSecond,
		burst: burst,
	}
	if scope == ScopeGlobal {
		s.global = New(bytesPerSecond, burst)
	}
	return s
}

func (s *Source) Scope() Scope {
	return s.scope
}

// Limiter returns the limiter for a new tunnel.
func (s *Source) Limiter() *Limiter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.global != nil {
		return s.global.Clone()
	}
	return New(s.rate, s.burst)
}

// SetRate applies to the global bucket right away and to session buckets
// created from now on. Running sessions keep the rate they started with.
func (s *Source) SetRate(bytesPerSecond float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = bytesPerSecond
	if s.global != nil {
		s.global.SetRate(bytesPerSecond)
	}
}

func (s *Source) Rate() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rate
}
