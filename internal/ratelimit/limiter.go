// Package ratelimit throttles authentication attempts per source address with
// exponential lockouts, and watches the aggregate failure rate across all
// addresses for signs of a distributed brute-force attempt.
package ratelimit

import (
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
)

// Config configures a Limiter.
type Config struct {
	Backoff BackoffConfig
	// GlobalThreshold is the number of failures, summed over all keys, within
	// GlobalWindow that marks a brute-force suspicion. Zero disables detection.
	GlobalThreshold int
	GlobalWindow    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Backoff:         DefaultBackoff(),
		GlobalThreshold: 50,
		GlobalWindow:    10 * time.Minute,
	}
}

// Entry is the lockout state for one key.
type Entry struct {
	Key         string
	Failures    int
	LockedUntil time.Time
}

// Decision is the result of Check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Suspicion describes a crossing of the global failure threshold.
type Suspicion struct {
	At           time.Time
	Failures     int
	DistinctKeys int
	Window       time.Duration
}

type failureMark struct {
	at  time.Time
	key string
}

// Limiter is safe for concurrent use.
type Limiter struct {
	cfg     Config
	entries *xsync.Map[string, Entry]

	mu          sync.Mutex
	recent      []failureMark
	suspected   bool
	onSuspicion func(Suspicion)
}

// New builds a limiter. onSuspicion may be nil; it is called once per
// threshold crossing and re-armed after the window drains below threshold.
func New(cfg Config, onSuspicion func(Suspicion)) *Limiter {
	return &Limiter{
		cfg:         cfg,
		entries:     xsync.NewMap[string, Entry](),
		onSuspicion: onSuspicion,
	}
}

// Check reports whether key may attempt authentication at now.
func (l *Limiter) Check(key string, now time.Time) Decision {
	e, ok := l.entries.Load(key)
	if !ok || !now.Before(e.LockedUntil) {
		return Decision{Allowed: true}
	}
	return Decision{RetryAfter: e.LockedUntil.Sub(now)}
}

// Fail records a failed attempt and returns the lockout now imposed on key.
func (l *Limiter) Fail(key string, now time.Time) time.Duration {
	var wait time.Duration
	l.entries.Compute(key, func(old Entry, _ bool) (Entry, xsync.ComputeOp) {
		wait = NextBackoffDelay(l.cfg.Backoff, old.Failures)
		return Entry{
			Key:         key,
			Failures:    old.Failures + 1,
			LockedUntil: now.Add(wait),
		}, xsync.UpdateOp
	})
	log.Debug().Str("key", key).Dur("wait", wait).Msg("ratelimit: failed attempt")
	l.observeFailure(key, now)
	return wait
}

// Succeed clears the failure history of key.
func (l *Limiter) Succeed(key string) {
	l.entries.Compute(key, func(old Entry, loaded bool) (Entry, xsync.ComputeOp) {
		if !loaded {
			return old, xsync.CancelOp
		}
		return Entry{Key: key}, xsync.UpdateOp
	})
}

// Entry returns the stored state for key.
func (l *Limiter) Entry(key string) (Entry, bool) {
	return l.entries.Load(key)
}

// Suspected reports whether the global threshold is currently exceeded.
func (l *Limiter) Suspected(now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pruneLocked(now)
	l.rearmLocked()
	return l.suspected
}

func (l *Limiter) observeFailure(key string, now time.Time) {
	if l.cfg.GlobalThreshold <= 0 {
		return
	}

	l.mu.Lock()
	l.recent = append(l.recent, failureMark{at: now, key: key})
	l.pruneLocked(now)
	l.rearmLocked()

	var fire *Suspicion
	if !l.suspected && len(l.recent) >= l.cfg.GlobalThreshold {
		l.suspected = true
		keys := make(map[string]struct{}, len(l.recent))
		for _, m := range l.recent {
			keys[m.key] = struct{}{}
		}
		fire = &Suspicion{
			At:           now,
			Failures:     len(l.recent),
			DistinctKeys: len(keys),
			Window:       l.cfg.GlobalWindow,
		}
	}
	cb := l.onSuspicion
	l.mu.Unlock()

	if fire == nil {
		return
	}
	log.Warn().
		Int("failures", fire.Failures).
		Int("distinct_keys", fire.DistinctKeys).
		Dur("window", fire.Window).
		Msg("ratelimit: brute force suspected")
	if cb != nil {
		cb(*fire)
	}
}

func (l *Limiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-l.cfg.GlobalWindow)
	i := 0
	for i < len(l.recent) && !l.recent[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		l.recent = append(l.recent[:0], l.recent[i:]...)
	}
}

func (l *Limiter) rearmLocked() {
	if l.suspected && len(l.recent) < l.cfg.GlobalThreshold {
		l.suspected = false
	}
}
