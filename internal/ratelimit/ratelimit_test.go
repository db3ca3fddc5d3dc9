package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withFixedRand(t *testing.T, v float64) {
	t.Helper()
	old := randFn
	randFn = func() float64 { return v }
	t.Cleanup(func() { randFn = old })
}

func withFixedNow(t *testing.T, now time.Time) func(advance time.Duration) {
	t.Helper()
	old := nowFn
	cur := now
	nowFn = func() time.Time { return cur }
	t.Cleanup(func() { nowFn = old })
	return func(advance time.Duration) { cur = cur.Add(advance) }
}

// TestRateLimitBackoff is spec.md S5: slot (claude, opus) max 1, acquire
// succeeds, reportRateLimit yields backoff in [8,12]s, subsequent acquire
// denies, and after reportSuccess the counter resets.
func TestRateLimitBackoff(t *testing.T) {
	withFixedRand(t, 0.5) // midpoint jitter: 10 * 1.0 = 10s exactly
	advance := withFixedNow(t, time.Unix(0, 0))

	l := New()
	l.Configure("claude", "opus", 1)

	require.True(t, l.TryAcquire("claude", "opus"))
	backoff := l.ReportRateLimit("claude", "opus")
	assert.InDelta(t, 10*time.Second, backoff, float64(2*time.Second))

	l.Release("claude", "opus")
	assert.False(t, l.TryAcquire("claude", "opus"))

	status := l.GetStatus()["claude:opus"]
	assert.True(t, status.BackoffSeconds >= 8 && status.BackoffSeconds <= 12)

	advance(11 * time.Second)
	l.ReportSuccess("claude", "opus")
	require.True(t, l.TryAcquire("claude", "opus"))
	l.Release("claude", "opus")

	backoff2 := l.ReportRateLimit("claude", "opus")
	assert.LessOrEqual(t, backoff2, 12*time.Second)
}

// TestBackoffGrowth is spec.md §8 property 5.
func TestBackoffGrowth(t *testing.T) {
	withFixedRand(t, 0.5) // jitter factor 1.0
	withFixedNow(t, time.Unix(0, 0))

	l := New()
	l.Configure("gemini", "pro", 5)

	expected := []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, 80 * time.Second}
	for _, want := range expected {
		got := l.ReportRateLimit("gemini", "pro")
		assert.Equal(t, want, got)
	}
}

func TestBackoffCapsAt300Seconds(t *testing.T) {
	withFixedRand(t, 0.5)
	withFixedNow(t, time.Unix(0, 0))

	l := New()
	l.Configure("gemini", "pro", 5)
	var last time.Duration
	for i := 0; i < 10; i++ {
		last = l.ReportRateLimit("gemini", "pro")
	}
	assert.Equal(t, capBackoff, last)
}

// TestRateLimiterBound is spec.md §8 property 4.
func TestRateLimiterBound(t *testing.T) {
	l := New()
	l.Configure("claude", "sonnet", 2)

	assert.True(t, l.TryAcquire("claude", "sonnet"))
	assert.True(t, l.TryAcquire("claude", "sonnet"))
	assert.False(t, l.TryAcquire("claude", "sonnet"))

	l.Release("claude", "sonnet")
	l.Release("claude", "sonnet")
	l.Release("claude", "sonnet") // extra release saturates at zero, no panic
	assert.True(t, l.TryAcquire("claude", "sonnet"))
}

func TestUnknownSlotImplicitlyAdmits(t *testing.T) {
	l := New()
	assert.True(t, l.TryAcquire("cursor", "default"))
	assert.True(t, l.TryAcquire("cursor", "default"))
}

func TestIsRateLimitedDetectsSignals(t *testing.T) {
	cases := []string{
		"rate_limit_error: try again",
		"Error: 429 Too Many Requests",
		"RESOURCE_EXHAUSTED",
		"the model is currently overloaded",
	}
	for _, c := range cases {
		assert.True(t, IsRateLimited(c), c)
	}
	assert.False(t, IsRateLimited("build succeeded"))
}
