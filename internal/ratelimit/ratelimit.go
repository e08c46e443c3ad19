// Package ratelimit implements the fixed-window counters used by the
// tenant endpoint: an unauthenticated per-IP window and an authenticated
// per-connection window. Fixed windows are deliberate — the limits are wire
// contract (Retry-After points at the window boundary), not smoothing.
package ratelimit

import (
	"sync"
	"time"
)

// Policy is one fixed-window rule.
type Policy struct {
	Limit  int
	Window time.Duration
}

// Default policies.
var (
	// PerIP guards unauthenticated work per client address.
	PerIP = Policy{Limit: 30, Window: time.Minute}
	// PerConnection guards authenticated traffic per tenant connection.
	PerConnection = Policy{Limit: 100, Window: time.Minute}
)

type window struct {
	start time.Time
	count int
}

// Limiter tracks fixed windows for string keys under one policy.
type Limiter struct {
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// New builds a Limiter for the policy.
func New(policy Policy) *Limiter {
	return &Limiter{
		policy:  policy,
		now:     time.Now,
		windows: make(map[string]*window),
	}
}

// Allow consumes one unit for the key. It returns whether the request may
// proceed, how many units remain in the window, and how long until the
// window resets.
func (l *Limiter) Allow(key string) (ok bool, remaining int, retryAfter time.Duration) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w := l.windows[key]
	if w == nil || now.Sub(w.start) >= l.policy.Window {
		w = &window{start: now}
		l.windows[key] = w
	}

	reset := w.start.Add(l.policy.Window).Sub(now)
	if w.count >= l.policy.Limit {
		return false, 0, reset
	}
	w.count++
	return true, l.policy.Limit - w.count, reset
}

// Sweep drops windows that ended before now. Call periodically to keep the
// map from accumulating one entry per client ever seen.
func (l *Limiter) Sweep() {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.policy.Window {
			delete(l.windows, key)
		}
	}
}

// SweepLoop runs Sweep on the interval until stop closes.
func (l *Limiter) SweepLoop(interval time.Duration, stop <-chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			l.Sweep()
		case <-stop:
			return
		}
	}
}
