package ratelimit

import (
	"fmt"
	"sync"

	"janitor/config"
)

// synchronized serializes access to a RateLimiter.
type synchronized struct {
	mu sync.RWMutex
	l  RateLimiter
}

// Synchronized wraps l so it can be shared between the refresh loop and
// admission checks running concurrently.
func Synchronized(l RateLimiter) RateLimiter {
	if s, ok := l.(*synchronized); ok {
		return s
	}
	return &synchronized{l: l}
}

func (s *synchronized) SetMPsPerBucket(counts Counts) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.l.SetMPsPerBucket(counts)
}

func (s *synchronized) CheckAllowed(bucket string) Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.l.CheckAllowed(bucket)
}

func (s *synchronized) Inc(bucket string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.l.Inc(bucket)
}

func (s *synchronized) GetStats() *Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.l.GetStats()
}

func (s *synchronized) GetMaxOpen(bucket string) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.l.GetMaxOpen(bucket)
}

// New creates the configured rate limiter, wrapped with Synchronized.
func New(cfg config.RateLimiter) (RateLimiter, error) {
	var l RateLimiter
	switch cfg.Kind {
	case "", "none":
		l = NewNonRateLimiter()
	case "fixed":
		l = NewFixedRateLimiter(cfg.MaxMPsPerBucket)
	case "slowstart":
		var hardCap *int
		if cfg.MaxMPsPerBucket > 0 {
			n := cfg.MaxMPsPerBucket
			hardCap = &n
		}
		l = NewSlowStartRateLimiter(hardCap)
	default:
		return nil, fmt.Errorf("unknown rate limiter kind %q", cfg.Kind)
	}
	return Synchronized(l), nil
}
