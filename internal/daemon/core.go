// Package daemon wires the liveness machine, proof-of-work gate, rate
// limiter and consensus engine behind the public HTTP surface.
package daemon

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxrdz/Am-I-Alive/internal/auth"
	"github.com/maxrdz/Am-I-Alive/internal/consensus"
	"github.com/maxrdz/Am-I-Alive/internal/liveness"
	"github.com/maxrdz/Am-I-Alive/internal/observability"
	"github.com/maxrdz/Am-I-Alive/internal/pow"
	"github.com/maxrdz/Am-I-Alive/internal/ratelimit"
	"github.com/rs/zerolog/log"
)

// HeartbeatRequest is the body of a heartbeat submission.
type HeartbeatRequest struct {
	UpdatedNote       string       `json:"updated_note"`
	RemoveCurrentNote bool         `json:"remove_current_note"`
	Message           string       `json:"message"`
	Password          string       `json:"password"`
	PoW               pow.Solution `json:"pow"`
}

// OutcomeKind classifies a heartbeat submission.
type OutcomeKind int

const (
	Accepted OutcomeKind = iota
	RateLimited
	PoWRejected
	Unauthorized
)

func (k OutcomeKind) String() string {
	switch k {
	case Accepted:
		return "accepted"
	case RateLimited:
		return "rate_limited"
	case PoWRejected:
		return "pow_rejected"
	case Unauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is the result of SubmitHeartbeat.
type Outcome struct {
	Kind       OutcomeKind
	RetryAfter time.Duration
	Verdict    pow.Verdict
	Record     liveness.Record
}

// Status maps the outcome to its HTTP status code.
func (o Outcome) Status() int {
	switch o.Kind {
	case Accepted:
		return 200
	case RateLimited:
		return 429
	case PoWRejected:
		return 406
	default:
		return 401
	}
}

// RetryAfterSeconds rounds the wait up to whole seconds.
func RetryAfterSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

// VoteRequest is the body of a vote submission.
type VoteRequest struct {
	RoundNumber int    `json:"round_number"`
	VoterID     string `json:"voter_id"`
	Choice      string `json:"choice"`
	Token       string `json:"token"`
}

var ErrVoterUnauthorized = errors.New("daemon: voter unauthorized")

// RateLimitedError carries the remaining lock for a throttled caller.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("daemon: rate limited for %s", e.RetryAfter)
}

// Core holds the collaborators shared by the HTTP and WebSocket handlers.
type Core struct {
	Machine  *liveness.Machine
	Engine   *consensus.Engine
	PoW      *pow.Service
	Broker   *pow.Broker
	Limiter  *ratelimit.Limiter
	Password auth.Validator
	// VoterTokens maps voter id to its credential.
	VoterTokens map[string]auth.Validator
	Display     Display
	Now         func() time.Time
}

func (c *Core) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// SubmitHeartbeat runs the admission pipeline for one heartbeat from ip:
// rate limit, then proof of work, then password. Whatever the result, every
// challenge session open for ip is completed.
func (c *Core) SubmitHeartbeat(ip string, req HeartbeatRequest, now time.Time) Outcome {
	out := c.submit(ip, req, now)
	if c.Broker != nil {
		c.Broker.Complete(ip)
	}
	observability.RecordHeartbeat(out.Kind.String())
	return out
}

// SubmitOnSession is SubmitHeartbeat for an attempt sent over a challenge
// socket. Only that socket's session is completed; sibling sessions behind
// the same address stay open.
func (c *Core) SubmitOnSession(sessionID, ip string, req HeartbeatRequest, now time.Time) Outcome {
	out := c.submit(ip, req, now)
	if c.Broker != nil {
		c.Broker.CompleteSession(sessionID)
	}
	observability.RecordHeartbeat(out.Kind.String())
	return out
}

func (c *Core) submit(ip string, req HeartbeatRequest, now time.Time) Outcome {
	if d := c.Limiter.Check(ip, now); !d.Allowed {
		log.Debug().Str("ip", ip).Dur("retry_after", d.RetryAfter).Msg("daemon: heartbeat rate limited")
		return Outcome{Kind: RateLimited, RetryAfter: d.RetryAfter}
	}

	verdict := c.PoW.Verify(ip, req.PoW, now)
	observability.RecordPoWVerdict(verdict.String())
	if !verdict.Accepted() {
		log.Debug().Str("ip", ip).Str("verdict", verdict.String()).Msg("daemon: heartbeat proof of work rejected")
		return Outcome{Kind: PoWRejected, Verdict: verdict}
	}

	if err := c.Password.Validate(req.Password); err != nil {
		wait := c.Limiter.Fail(ip, now)
		log.Warn().Str("ip", ip).Dur("retry_after", wait).Msg("daemon: heartbeat password rejected")
		return Outcome{Kind: Unauthorized, RetryAfter: wait, Verdict: verdict}
	}
	c.Limiter.Succeed(ip)

	rec, err := c.Machine.Heartbeat(liveness.Heartbeat{
		At:         now,
		From:       ip,
		Message:    strings.TrimSpace(req.Message),
		Note:       strings.TrimSpace(req.UpdatedNote),
		RemoveNote: req.RemoveCurrentNote,
	})
	if err != nil {
		// Heartbeat mutations do not fail; a store fault halts before here.
		log.Error().Err(err).Msg("daemon: heartbeat commit failed")
	}
	log.Info().Str("ip", ip).Msg("daemon: heartbeat accepted")
	return Outcome{Kind: Accepted, Verdict: verdict, Record: rec}
}

// CastVote authenticates a voter and records the ballot. Token failures are
// throttled per ip like password failures.
func (c *Core) CastVote(ip string, req VoteRequest, now time.Time) (consensus.Result, error) {
	if d := c.Limiter.Check(ip, now); !d.Allowed {
		return consensus.Result{}, &RateLimitedError{RetryAfter: d.RetryAfter}
	}
	v, ok := c.VoterTokens[req.VoterID]
	if !ok {
		c.Limiter.Fail(ip, now)
		return consensus.Result{}, fmt.Errorf("%w: %w", ErrVoterUnauthorized, consensus.ErrUnknownVoter)
	}
	if err := v.Validate(req.Token); err != nil {
		wait := c.Limiter.Fail(ip, now)
		log.Warn().Str("ip", ip).Str("voter", req.VoterID).Dur("retry_after", wait).Msg("daemon: voter token rejected")
		return consensus.Result{}, fmt.Errorf("%w: %w", ErrVoterUnauthorized, err)
	}
	c.Limiter.Succeed(ip)

	choice, err := liveness.ParseChoice(req.Choice)
	if err != nil {
		return consensus.Result{}, fmt.Errorf("%w: %v", consensus.ErrInvalidChoice, err)
	}
	return c.Engine.CastVote(consensus.Ballot{
		RoundNumber: req.RoundNumber,
		VoterID:     req.VoterID,
		Choice:      choice,
	}, now)
}
