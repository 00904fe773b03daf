package governance

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_PerKeyBuckets(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 2})
	rl.now = func() time.Time { return now }

	ok, remaining := rl.Allow("Practitioner/1")
	assert.True(t, ok)
	assert.Equal(t, 1, remaining)
	ok, _ = rl.Allow("Practitioner/1")
	assert.True(t, ok)
	ok, _ = rl.Allow("Practitioner/1")
	assert.False(t, ok)

	ok, _ = rl.Allow("Practitioner/2")
	assert.True(t, ok, "other actors have their own bucket")

	now = now.Add(time.Second)
	ok, _ = rl.Allow("Practitioner/1")
	assert.True(t, ok, "bucket refills over time")
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(RateLimiterConfig{})
	assert.False(t, rl.Enabled())
	for range 100 {
		ok, _ := rl.Allow("x")
		require.True(t, ok)
	}
	assert.Equal(t, 0, rl.Len())
}

func TestRateLimiter_ConfigureAndSweep(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewRateLimiter(RateLimiterConfig{RequestsPerSecond: 1, BurstSize: 1, IdleTTL: time.Minute})
	rl.now = func() time.Time { return now }

	ok, _ := rl.Allow("a")
	require.True(t, ok)
	ok, _ = rl.Allow("a")
	require.False(t, ok)

	rl.Configure(RateLimiterConfig{RequestsPerSecond: 100, BurstSize: 100, IdleTTL: time.Minute})
	assert.Equal(t, 100, rl.Limit())

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, rl.Sweep())
	assert.Equal(t, 0, rl.Len())
}

func TestWriteRateLimitHeaders(t *testing.T) {
	h := http.Header{}
	WriteRateLimitHeaders(h, 10, 0, 1500*time.Millisecond)
	assert.Equal(t, "10", h.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", h.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "2", h.Get("Retry-After"))
}

func TestTimeoutManager_DetachesAndBounds(t *testing.T) {
	tm := NewTimeoutManager(TimeoutConfig{})
	assert.Equal(t, DefaultRequestTimeout, tm.Config().RequestTimeout)
	require.NoError(t, tm.Configure(TimeoutConfig{RequestTimeout: time.Minute}))
	assert.Error(t, tm.Configure(TimeoutConfig{}))

	type key struct{}
	parent, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "v"))
	ctx, done := tm.WithRequestTimeout(parent)
	defer done()
	cancel()

	assert.NoError(t, ctx.Err(), "client cancellation does not propagate")
	assert.Equal(t, "v", ctx.Value(key{}))
	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}
