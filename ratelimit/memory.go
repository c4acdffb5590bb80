package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process sliding-log limiter. It suits single-instance
// deployments and tests.
type Memory struct {
	cfg      Config
	mu       sync.Mutex
	requests map[string][]time.Time
	now      func() time.Time
}

// NewMemory creates an in-memory limiter.
func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:      cfg.withDefaults(),
		requests: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow records a request for key if it is under the limit.
func (m *Memory) Allow(_ context.Context, key string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	valid := m.prune(m.requests[key], now)

	res := Result{Limit: m.cfg.Requests}
	if len(valid) < m.cfg.Requests {
		valid = append(valid, now)
		res.Allowed = true
	}
	m.requests[key] = valid

	res.Remaining = m.cfg.Requests - len(valid)
	res.ResetAt = valid[0].Add(m.cfg.Window)
	return res, nil
}

func (m *Memory) prune(requests []time.Time, now time.Time) []time.Time {
	var valid []time.Time
	for _, t := range requests {
		if now.Sub(t) < m.cfg.Window {
			valid = append(valid, t)
		}
	}
	return valid
}

// Cleanup removes keys with no requests inside the window.
func (m *Memory) Cleanup() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, requests := range m.requests {
		valid := m.prune(requests, now)
		if len(valid) == 0 {
			delete(m.requests, key)
		} else {
			m.requests[key] = valid
		}
	}
}
