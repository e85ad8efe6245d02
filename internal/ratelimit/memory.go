package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Rule sets the sustained per-key rate and burst capacity for one endpoint
// class. Classes are the prefixes the middleware prepends to keys ("spawn",
// "callback", "query"); runner callbacks stream event batches and typically
// need more headroom than the human-facing endpoints.
type Rule struct {
	PerSecond float64
	Burst     int
}

// tokenBucket tracks the remaining allowance for one key. The rule values
// are copied in at creation so a bucket never consults the rule table again.
type tokenBucket struct {
	remaining float64
	limit     float64
	perSecond float64
	touched   time.Time
}

// MemoryLimiter implements Limiter with an in-process token bucket per key.
// The class prefix of the key selects the rule; keys without a registered
// class fall back to the default. A sweep goroutine drops buckets idle for
// more than ten minutes so the map stays bounded by active traffic.
type MemoryLimiter struct {
	fallback Rule
	rules    map[string]Rule

	mu      sync.Mutex
	buckets map[string]*tokenBucket

	stop     chan struct{}
	stopOnce sync.Once
}

// NewMemoryLimiter creates a limiter whose unregistered classes use fallback.
// Call Close to stop the sweep goroutine.
func NewMemoryLimiter(fallback Rule) *MemoryLimiter {
	m := &MemoryLimiter{
		fallback: fallback,
		rules:    make(map[string]Rule),
		buckets:  make(map[string]*tokenBucket),
		stop:     make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// SetRule overrides the fallback for one class. Rules are wired up front,
// before the limiter serves traffic; existing buckets keep their rule.
func (m *MemoryLimiter) SetRule(class string, r Rule) {
	m.rules[class] = r
}

func (m *MemoryLimiter) ruleFor(key string) Rule {
	if i := strings.IndexByte(key, ':'); i > 0 {
		if r, ok := m.rules[key[:i]]; ok {
			return r
		}
	}
	return m.fallback
}

// Allow takes one token from the bucket for key, creating a full bucket on
// first sight and refilling by elapsed time since the last request.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		rule := m.ruleFor(key)
		b = &tokenBucket{
			remaining: float64(rule.Burst),
			limit:     float64(rule.Burst),
			perSecond: rule.PerSecond,
			touched:   now,
		}
		m.buckets[key] = b
	} else {
		b.remaining += now.Sub(b.touched).Seconds() * b.perSecond
		if b.remaining > b.limit {
			b.remaining = b.limit
		}
		b.touched = now
	}

	if b.remaining < 1 {
		return false, nil
	}
	b.remaining--
	return true, nil
}

// Close stops the sweep goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.stop) })
	return nil
}

const (
	sweepInterval = time.Minute
	bucketIdleTTL = 10 * time.Minute
)

func (m *MemoryLimiter) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

func (m *MemoryLimiter) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, b := range m.buckets {
		if now.Sub(b.touched) > bucketIdleTTL {
			delete(m.buckets, key)
		}
	}
}
