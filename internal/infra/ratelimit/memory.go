// Package ratelimit implements fixed-window counters for the signer endpoints.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"countersign/internal/domain"
)

var ErrCapacity = errors.New("rate limiter capacity exceeded")

type window struct {
	count int
	ends  time.Time
}

// Memory keeps one window per key in process memory. Expired windows are
// collected lazily once MaxKeys is reached.
type Memory struct {
	mu      sync.Mutex
	now     func() time.Time
	maxKeys int
	windows map[string]*window
}

var _ domain.RateLimiter = (*Memory)(nil)

func NewMemory(maxKeys int, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &Memory{now: now, maxKeys: maxKeys, windows: make(map[string]*window)}
}

func (m *Memory) Allow(_ context.Context, key string, limit int, span time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.windows[key]
	if !ok || !now.Before(w.ends) {
		if !ok && len(m.windows) >= m.maxKeys {
			m.collect(now)
			if len(m.windows) >= m.maxKeys {
				return domain.RateLimitDecision{}, ErrCapacity
			}
		}
		w = &window{ends: now.Add(span)}
		m.windows[key] = w
	}
	decision := domain.RateLimitDecision{Limit: limit, ResetAt: w.ends}
	if w.count >= limit {
		return decision, nil
	}
	w.count++
	decision.Allowed = true
	decision.Remaining = limit - w.count
	return decision, nil
}

func (m *Memory) collect(now time.Time) {
	for key, w := range m.windows {
		if !now.Before(w.ends) {
			delete(m.windows, key)
		}
	}
}
