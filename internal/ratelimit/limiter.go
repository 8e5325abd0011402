// Package ratelimit bounds per-tenant outbound message throughput with a
// fixed window. Window state is process-local and intentionally not
// persisted: after a restart tenants start a fresh window, which errs on
// the side of sending slightly early rather than blocking.
package ratelimit

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type window struct {
	count   int
	resetAt time.Time
}

// Limiter is a per-tenant fixed-window counter. A denial is a scheduling
// deferral, never a failure: callers leave the work pending and retry on
// a later sweep.
type Limiter struct {
	limit  int
	period time.Duration
	now    func() time.Time

	mu      sync.Mutex
	windows map[uuid.UUID]*window
}

// New creates a limiter allowing limit messages per period per tenant.
func New(limit int, period time.Duration) *Limiter {
	return NewWithClock(limit, period, time.Now)
}

// NewWithClock creates a limiter with an injected clock for tests.
func NewWithClock(limit int, period time.Duration, now func() time.Time) *Limiter {
	if limit <= 0 {
		limit = 10
	}
	if period <= 0 {
		period = 60 * time.Second
	}

	return &Limiter{
		limit:   limit,
		period:  period,
		now:     now,
		windows: make(map[uuid.UUID]*window),
	}
}

// TryConsume takes one slot from the tenant's current window. The window
// resets lazily on the first check after expiry.
func (l *Limiter) TryConsume(tenantID uuid.UUID) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[tenantID]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(l.period)}
		l.windows[tenantID] = w
	}

	if w.count >= l.limit {
		return false
	}

	w.count++
	return true
}

// Remaining reports how many slots the tenant has left in the current
// window.
func (l *Limiter) Remaining(tenantID uuid.UUID) int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[tenantID]
	if !ok || !now.Before(w.resetAt) {
		return l.limit
	}

	if w.count >= l.limit {
		return 0
	}
	return l.limit - w.count
}

// ResetAt reports when the tenant's current window expires; the zero
// time means no window is open.
func (l *Limiter) ResetAt(tenantID uuid.UUID) time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[tenantID]
	if !ok {
		return time.Time{}
	}
	return w.resetAt
}
