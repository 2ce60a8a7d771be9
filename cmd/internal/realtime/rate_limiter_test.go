package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	t0 := time.Unix(1_700_000_000, 0)

	require.True(t, rl.Allow(t0))
	require.True(t, rl.Allow(t0.Add(100*time.Millisecond)))
	require.True(t, rl.Allow(t0.Add(200*time.Millisecond)))
	require.False(t, rl.Allow(t0.Add(300*time.Millisecond)))
	require.False(t, rl.Allow(t0.Add(999*time.Millisecond)), "oldest frame still inside the window")

	// The first frame ages out; refused frames were not recorded.
	require.True(t, rl.Allow(t0.Add(time.Second)))
	require.False(t, rl.Allow(t0.Add(1050*time.Millisecond)))
	require.True(t, rl.Allow(t0.Add(1100*time.Millisecond)))
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	now := time.Unix(1_700_000_000, 0)
	for i := 0; i < rateLimitEvents; i++ {
		require.True(t, rl.Allow(now), "frame %d", i)
	}
	require.False(t, rl.Allow(now))
	require.True(t, rl.Allow(now.Add(rateLimitWindow)))
}
