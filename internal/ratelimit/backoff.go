package ratelimit

import (
	"math"
	"time"
)

// BackoffConfig defines lockout growth per failed attempt.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultBackoff matches the historical 5 minute base doubling per failure.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 5 * time.Minute,
		Multiplier:   2.0,
		MaxDelay:     24 * time.Hour,
	}
}

// NextBackoffDelay returns the lockout for a key that has already failed
// priorFailures times: min(InitialDelay * Multiplier^priorFailures, MaxDelay).
func NextBackoffDelay(cfg BackoffConfig, priorFailures int) time.Duration {
	if cfg.InitialDelay <= 0 {
		return 0
	}
	if priorFailures <= 0 {
		return capDelay(cfg, cfg.InitialDelay)
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}
	delay := float64(cfg.InitialDelay) * math.Pow(cfg.Multiplier, float64(priorFailures))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	// float overflow past int64 range
	if delay >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

func capDelay(cfg BackoffConfig, d time.Duration) time.Duration {
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}
