package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/maxrdz/Am-I-Alive/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 5 * time.Minute, Multiplier: 2, MaxDelay: time.Hour}
	require.Equal(t, 5*time.Minute, NextBackoffDelay(cfg, 0))
	require.Equal(t, 10*time.Minute, NextBackoffDelay(cfg, 1))
	require.Equal(t, 20*time.Minute, NextBackoffDelay(cfg, 2))
	require.Equal(t, 40*time.Minute, NextBackoffDelay(cfg, 3))
	require.Equal(t, time.Hour, NextBackoffDelay(cfg, 4))
	require.Equal(t, time.Hour, NextBackoffDelay(cfg, 500))

	require.Zero(t, NextBackoffDelay(BackoffConfig{}, 3))
	require.Equal(t, time.Minute, NextBackoffDelay(BackoffConfig{InitialDelay: 2 * time.Minute, MaxDelay: time.Minute}, 0))
}

func TestConsecutiveFailuresDoubleAndSuccessResets(t *testing.T) {
	testlog.Start(t)

	l := New(Config{Backoff: BackoffConfig{InitialDelay: 5 * time.Minute, Multiplier: 2}}, nil)
	ip := "203.0.113.9"

	require.Equal(t, 5*time.Minute, l.Fail(ip, t0))
	require.Equal(t, 10*time.Minute, l.Fail(ip, t0))
	require.Equal(t, 20*time.Minute, l.Fail(ip, t0))

	e, ok := l.Entry(ip)
	require.True(t, ok)
	require.Equal(t, 3, e.Failures)

	l.Succeed(ip)
	e, ok = l.Entry(ip)
	require.True(t, ok)
	require.Zero(t, e.Failures)
	require.Equal(t, 5*time.Minute, l.Fail(ip, t0))
}

func TestCheckRejectsUntilLockExpires(t *testing.T) {
	testlog.Start(t)

	l := New(Config{Backoff: BackoffConfig{InitialDelay: time.Minute, Multiplier: 2}}, nil)
	ip := "198.51.100.1"
	require.True(t, l.Check(ip, t0).Allowed)

	l.Fail(ip, t0)
	d := l.Check(ip, t0.Add(20*time.Second))
	require.False(t, d.Allowed)
	require.Equal(t, 40*time.Second, d.RetryAfter)

	require.True(t, l.Check(ip, t0.Add(time.Minute)).Allowed)
	require.True(t, l.Check("198.51.100.2", t0).Allowed, "other keys are unaffected")
}

func TestSucceedOnUnknownKeyCreatesNothing(t *testing.T) {
	l := New(DefaultConfig(), nil)
	l.Succeed("192.0.2.1")
	_, ok := l.Entry("192.0.2.1")
	require.False(t, ok)
}

func TestGlobalDetectorFiresOncePerCrossing(t *testing.T) {
	testlog.Start(t)

	var got []Suspicion
	l := New(Config{
		Backoff:         DefaultBackoff(),
		GlobalThreshold: 3,
		GlobalWindow:    time.Minute,
	}, func(s Suspicion) { got = append(got, s) })

	for i := 0; i < 5; i++ {
		l.Fail(fmt.Sprintf("10.0.0.%d", i), t0.Add(time.Duration(i)*time.Second))
	}
	require.Len(t, got, 1)
	require.Equal(t, 3, got[0].Failures)
	require.Equal(t, 3, got[0].DistinctKeys)
	require.True(t, l.Suspected(t0.Add(5*time.Second)))

	// window drains, detector re-arms
	require.False(t, l.Suspected(t0.Add(2*time.Minute)))
	for i := 0; i < 3; i++ {
		l.Fail("10.0.1.1", t0.Add(3*time.Minute+time.Duration(i)*time.Second))
	}
	require.Len(t, got, 2)
	require.Equal(t, 1, got[1].DistinctKeys)
}

func TestGlobalDetectorDisabled(t *testing.T) {
	fired := false
	l := New(Config{Backoff: DefaultBackoff()}, func(Suspicion) { fired = true })
	for i := 0; i < 100; i++ {
		l.Fail("10.0.0.1", t0)
	}
	require.False(t, fired)
	require.False(t, l.Suspected(t0))
}
