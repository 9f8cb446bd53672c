package pow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
)

var ErrAttemptsExhausted = errors.New("pow: attempt cap reached without a solution")

// DefaultMaxAttempts bounds a solve when the caller sets no cap.
const DefaultMaxAttempts uint64 = 1 << 32

// SolveOptions controls a client-side search.
type SolveOptions struct {
	Algorithm   Algorithm
	MaxAttempts uint64
	StartNonce  uint64
}

// SolveResult is delivered by SolveAsync.
type SolveResult struct {
	Solution Solution
	Attempts uint64
	Err      error
}

// Solve searches nonces upward from opts.StartNonce until the hash of
// subject||seed||nonce falls below the challenge target. Cancellation of ctx
// is observed between attempts.
func Solve(ctx context.Context, ch Challenge, opts SolveOptions) (Solution, uint64, error) {
	target, err := ParseTarget(ch.Difficulty)
	if err != nil {
		return Solution{}, 0, err
	}
	limit := opts.MaxAttempts
	if limit == 0 {
		limit = DefaultMaxAttempts
	}

	done := ctx.Done()
	nonce := opts.StartNonce
	for attempts := uint64(0); attempts < limit; attempts++ {
		select {
		case <-done:
			return Solution{}, attempts, ctx.Err()
		default:
		}
		sum := opts.Algorithm.Sum(Message(ch.UserAddress, ch.Seed, nonce))
		if target.Admits(sum) {
			return Solution{
				Nonce:       nonce,
				Hash:        hex.EncodeToString(sum[:]),
				TimestampMS: ch.Timestamp,
			}, attempts + 1, nil
		}
		nonce++
	}
	return Solution{}, limit, fmt.Errorf("%w (%d attempts)", ErrAttemptsExhausted, limit)
}

// SolveAsync runs Solve on its own goroutine. The returned channel receives
// exactly one result and is then closed. Cancel ctx to abandon the search,
// e.g. when the delivery channel closes.
func SolveAsync(ctx context.Context, ch Challenge, opts SolveOptions) <-chan SolveResult {
	out := make(chan SolveResult, 1)
	go func() {
		defer close(out)
		sol, attempts, err := Solve(ctx, ch, opts)
		out <- SolveResult{Solution: sol, Attempts: attempts, Err: err}
	}()
	return out
}
