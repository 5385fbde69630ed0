// Package limiter throttles ledger callers: a temporary lockout after repeated
// failed redemptions, and a token bucket per user for every request.
package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/and161185/rewardledger/internal/clock"
)

// Limiter tracks failed attempts per key and places temporary lockouts.
type Limiter interface {
	// Allow reports whether attempts are currently allowed and optional retry-after.
	Allow(ctx context.Context, key string) (bool, time.Duration, error)
	// Success resets counters after a successful attempt.
	Success(ctx context.Context, key string) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, key string) (bool, time.Duration, error)
}

type memEntry struct {
	fails        int
	updatedAt    time.Time
	blockedUntil time.Time
}

// Memory is an in-process Limiter with the same window semantics as PG.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*memEntry
	clk      clock.Clock
	window   time.Duration
	maxFails int
	blockFor time.Duration
}

// NewMemory constructs an in-process limiter.
func NewMemory(clk clock.Clock, window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	if clk == nil {
		clk = clock.System{}
	}
	return &Memory{entries: map[string]*memEntry{}, clk: clk, window: window, maxFails: maxFails, blockFor: blockFor}
}

// Allow implements Limiter.
func (m *Memory) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return true, 0, nil
	}
	now := m.clk.Now()
	if e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

// Success implements Limiter.
func (m *Memory) Success(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// Failure implements Limiter.
func (m *Memory) Failure(_ context.Context, key string) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clk.Now()
	e, ok := m.entries[key]
	if !ok || now.Sub(e.updatedAt) > m.window {
		e = &memEntry{}
		m.entries[key] = e
	}
	e.fails++
	e.updatedAt = now
	if e.fails >= m.maxFails {
		e.blockedUntil = now.Add(m.blockFor)
		return true, m.blockFor, nil
	}
	return false, 0, nil
}
