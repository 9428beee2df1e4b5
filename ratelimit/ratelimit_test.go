package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestThrottleDisabled(t *testing.T) {
	l := New(0)
	require.Nil(t, l)
	l.ThrottleN(1_000_000) // Must not block or panic.
	require.Zero(t, l.Sent())
}

func TestThrottlePaces(t *testing.T) {
	l := New(10_000)
	start := time.Now()
	for range 100 {
		l.ThrottleN(32)
	}
	require.Equal(t, uint64(3200), l.Sent())
	// 3200 packets at 10k pps take at least 320ms.
	require.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestBackoff(t *testing.T) {
	var b Backoff
	for range spinRounds + yieldRounds {
		b.Wait()
	}
	require.False(t, b.Sleeping())

	b.Wait()
	require.True(t, b.Sleeping())
	require.Equal(t, time.Microsecond, b.sleep)
	for range 20 {
		b.Wait()
	}
	require.Equal(t, MaxSleep, b.sleep)

	b.Reset()
	require.False(t, b.Sleeping())
	require.Zero(t, b.rounds)
}
