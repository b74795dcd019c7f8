package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"
)

// DefaultIdleTTL is how long an unused per-key limiter survives Cleanup.
const DefaultIdleTTL = 30 * time.Minute

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// MemoryChecker is a per-key token bucket held in process memory.
type MemoryChecker struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
}

// NewMemoryChecker allows requestsPerSecond per key with the given burst.
func NewMemoryChecker(requestsPerSecond float64, burst int) *MemoryChecker {
	return &MemoryChecker{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		idleTTL:  DefaultIdleTTL,
		now:      time.Now,
	}
}

// getLimiter returns the limiter for key, creating it on first use.
func (m *MemoryChecker) getLimiter(key string) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.limiters[key]
	if !exists {
		entry = &limiterEntry{limiter: rate.NewLimiter(m.rate, m.burst)}
		m.limiters[key] = entry
	}
	entry.lastSeen = m.now()
	return entry.limiter
}

// Allow implements Checker.
func (m *MemoryChecker) Allow(_ context.Context, key string) (bool, error) {
	return m.getLimiter(key).AllowN(m.now(), 1), nil
}

// Cleanup drops limiters idle for longer than the TTL and returns how many went.
func (m *MemoryChecker) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-m.idleTTL)
	removed := 0
	for key, entry := range m.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(m.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys.
func (m *MemoryChecker) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.limiters)
}

// StartCleanup runs Cleanup on the given cron schedule (for example "@every 10m").
// The returned function stops the scheduler and waits for a running cleanup.
func (m *MemoryChecker) StartCleanup(spec string) (func(), error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, func() { m.Cleanup() }); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", spec, err)
	}
	c.Start()

	return func() {
		<-c.Stop().Done()
	}, nil
}
