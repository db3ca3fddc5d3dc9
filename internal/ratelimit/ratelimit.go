// Package ratelimit implements the per-(provider,model) rate limiter of
// spec.md §4.5: a counting semaphore with exponential backoff driven by
// rate-limit signals observed in provider output.
package ratelimit

import (
	"math/rand"
	"strings"
	"sync"
	"time"
)

const (
	baseBackoff = 10 * time.Second
	capBackoff  = 300 * time.Second
)

// rateLimitSubstrings is the exact case-insensitive substring list from
// spec.md §4.5 (deliberately simpler than the teacher's broader regex
// family in internal/budget/ratelimit.go — spec.md specifies literal
// substrings, not patterns).
var rateLimitSubstrings = []string{
	"rate_limit_error",
	"rate_limit_exceeded",
	"429",
	"resource_exhausted",
	"too many requests",
	"rate limit",
	"overloaded",
}

// IsRateLimited reports whether text contains a known rate-limit signal.
func IsRateLimited(text string) bool {
	lower := strings.ToLower(text)
	for _, s := range rateLimitSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// slotKey identifies one (provider, model) pair.
type slotKey struct {
	provider string
	model    string
}

func (k slotKey) String() string {
	return k.provider + ":" + k.model
}

// slotState is the limiter's private bookkeeping for one slot.
type slotState struct {
	maxConcurrent         int
	activeConcurrent      int
	consecutiveRateLimits int
	backoffUntil          time.Time
}

// randFn is overridable in tests for deterministic jitter.
var randFn = rand.Float64

// nowFn is overridable in tests.
var nowFn = time.Now

// Limiter is a per-slot counting semaphore with exponential backoff.
// Unknown slot keys implicitly admit (the limiter is opt-in per spec.md
// §4.5): tryAcquire on an unconfigured slot always succeeds and is not
// tracked. A rate-limit report on an unconfigured slot starts tracking it
// for backoff only; it still has no concurrency bound.
type Limiter struct {
	mu    sync.Mutex
	slots map[slotKey]*slotState
}

// New creates a Limiter with no configured slots.
func New() *Limiter {
	return &Limiter{slots: make(map[slotKey]*slotState)}
}

// Configure registers a slot with the given concurrency bound. Calling it
// again for the same (provider, model) resets maxConcurrent but preserves
// in-flight counters and backoff state.
func (l *Limiter) Configure(provider, model string, maxConcurrent int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := slotKey{provider, model}
	s, ok := l.slots[k]
	if !ok {
		s = &slotState{}
		l.slots[k] = s
	}
	s.maxConcurrent = maxConcurrent
}

// TryAcquire attempts to take a permit for (provider, model). It is
// non-blocking: it denies if the slot is at maxConcurrent or the backoff
// window has not elapsed. An unconfigured slot always admits outside a
// backoff window.
func (l *Limiter) TryAcquire(provider, model string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := slotKey{provider, model}
	s, ok := l.slots[k]
	if !ok {
		return true
	}
	if nowFn().Before(s.backoffUntil) {
		return false
	}
	if s.maxConcurrent > 0 && s.activeConcurrent >= s.maxConcurrent {
		return false
	}
	s.activeConcurrent++
	return true
}

// Release decrements the active count for (provider, model), saturating at
// zero. A no-op for unconfigured slots.
func (l *Limiter) Release(provider, model string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[slotKey{provider, model}]
	if !ok {
		return
	}
	if s.activeConcurrent > 0 {
		s.activeConcurrent--
	}
}

// ReportRateLimit records a rate-limit signal on (provider, model),
// escalating the backoff window per spec.md §4.5/§8 property 5:
// backoff = min(cap, base*2^(n-1)) * (0.8 + 0.4*rand), n = consecutive
// rate limits since the last reportSuccess.
func (l *Limiter) ReportRateLimit(provider, model string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := slotKey{provider, model}
	s, ok := l.slots[k]
	if !ok {
		s = &slotState{}
		l.slots[k] = s
	}
	s.consecutiveRateLimits++

	exp := 1 << uint(s.consecutiveRateLimits-1) // 2^(n-1)
	backoff := baseBackoff * time.Duration(exp)
	if backoff > capBackoff {
		backoff = capBackoff
	}
	jitter := 0.8 + 0.4*randFn()
	backoff = time.Duration(float64(backoff) * jitter)

	s.backoffUntil = nowFn().Add(backoff)
	return backoff
}

// ReportSuccess resets the consecutive-rate-limit counter for
// (provider, model).
func (l *Limiter) ReportSuccess(provider, model string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.slots[slotKey{provider, model}]
	if !ok {
		return
	}
	s.consecutiveRateLimits = 0
	s.backoffUntil = time.Time{}
}

// Snapshot is the per-slot status returned by GetStatus.
type Snapshot struct {
	Provider              string
	Model                 string
	MaxConcurrent         int
	ActiveConcurrent      int
	ConsecutiveRateLimits int
	BackoffSeconds        float64
}

// GetAvailableSlots returns the keys of every configured slot not currently
// saturated or backing off.
func (l *Limiter) GetAvailableSlots() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := nowFn()
	var keys []string
	for k, s := range l.slots {
		if now.Before(s.backoffUntil) {
			continue
		}
		if s.maxConcurrent > 0 && s.activeConcurrent >= s.maxConcurrent {
			continue
		}
		keys = append(keys, k.String())
	}
	return keys
}

// GetStatus returns a snapshot of every configured slot.
func (l *Limiter) GetStatus() map[string]Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := nowFn()
	out := make(map[string]Snapshot, len(l.slots))
	for k, s := range l.slots {
		remaining := s.backoffUntil.Sub(now).Seconds()
		if remaining < 0 {
			remaining = 0
		}
		out[k.String()] = Snapshot{
			Provider:              k.provider,
			Model:                 k.model,
			MaxConcurrent:         s.maxConcurrent,
			ActiveConcurrent:      s.activeConcurrent,
			ConsecutiveRateLimits: s.consecutiveRateLimits,
			BackoffSeconds:        remaining,
		}
	}
	return out
}
