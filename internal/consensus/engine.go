// Package consensus resolves a DeadOrMissing record through a unanimous vote
// of every configured trusted voter.
package consensus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/maxrdz/Am-I-Alive/internal/liveness"
	"github.com/maxrdz/Am-I-Alive/internal/observability"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoOpenRound   = errors.New("consensus: no open round")
	ErrStaleRound    = errors.New("consensus: ballot is for another round")
	ErrUnknownVoter  = errors.New("consensus: unknown voter")
	ErrInvalidChoice = errors.New("consensus: invalid choice")
	ErrNoVoters      = errors.New("consensus: at least one voter is required")
)

// Voter is one trusted party.
type Voter struct {
	ID      string
	Name    string
	Address string
}

// VoteRequest is the query sent to a voter when a round opens.
type VoteRequest struct {
	Voter    Voter
	Round    int
	OpenedAt time.Time
	Choices  []liveness.Choice
}

// Dispatcher delivers vote requests to voters.
type Dispatcher interface {
	RequestVote(ctx context.Context, req VoteRequest) error
}

// Ballot is an inbound vote.
type Ballot struct {
	RoundNumber int
	VoterID     string
	Choice      liveness.Choice
}

// Outcome is the tally of a round.
type Outcome int

const (
	Pending Outcome = iota
	Unanimous
	Split
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Unanimous:
		return "unanimous"
	case Split:
		return "split"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result reports what a ballot did to its round.
type Result struct {
	Outcome Outcome
	// Choice is set when Outcome is Unanimous.
	Choice liveness.Choice
	Round  int
	// NextRound is the number of the round opened in its place, if any.
	NextRound int
	State     liveness.State
}

// Tally counts votes against the configured voter set. Votes from ids not
// in voters are ignored.
func Tally(votes map[string]liveness.Choice, voters []string) (Outcome, liveness.Choice) {
	if len(voters) == 0 {
		return Pending, liveness.ChoiceNone
	}
	var first liveness.Choice
	split := false
	for i, id := range voters {
		c, ok := votes[id]
		if !ok {
			return Pending, liveness.ChoiceNone
		}
		if i == 0 {
			first = c
		} else if c != first {
			split = true
		}
	}
	if split {
		return Split, liveness.ChoiceNone
	}
	return Unanimous, first
}

// Config wires an Engine.
type Config struct {
	Voters          []Voter
	Dispatcher      Dispatcher
	DispatchTimeout time.Duration
}

// Engine implements liveness.RoundListener.
type Engine struct {
	machine  *liveness.Machine
	voters   []Voter
	byID     map[string]Voter
	ids      []string
	dispatch Dispatcher
	timeout  time.Duration
}

func NewEngine(machine *liveness.Machine, cfg Config) (*Engine, error) {
	if machine == nil {
		return nil, errors.New("consensus: machine is required")
	}
	if len(cfg.Voters) == 0 {
		return nil, ErrNoVoters
	}
	byID := make(map[string]Voter, len(cfg.Voters))
	ids := make([]string, 0, len(cfg.Voters))
	for _, v := range cfg.Voters {
		id := strings.TrimSpace(v.ID)
		if id == "" {
			return nil, fmt.Errorf("consensus: voter id is required")
		}
		if _, dup := byID[id]; dup {
			return nil, fmt.Errorf("consensus: duplicate voter id %q", id)
		}
		v.ID = id
		byID[id] = v
		ids = append(ids, id)
	}
	sort.Strings(ids)
	timeout := cfg.DispatchTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	e := &Engine{
		machine:  machine,
		voters:   append([]Voter(nil), cfg.Voters...),
		byID:     byID,
		ids:      ids,
		dispatch: cfg.Dispatcher,
		timeout:  timeout,
	}
	machine.SetRoundListener(e)
	return e, nil
}

// Voters returns the configured voters.
func (e *Engine) Voters() []Voter {
	return append([]Voter(nil), e.voters...)
}

func (e *Engine) Voter(id string) (Voter, bool) {
	v, ok := e.byID[id]
	return v, ok
}

// RoundOpened queries every voter. Delivery is fire-and-forget.
func (e *Engine) RoundOpened(round liveness.Round) {
	if e.dispatch == nil {
		log.Warn().Int("round", round.Number).Msg("consensus: no dispatcher configured, voters not queried")
		return
	}
	for _, v := range e.byID {
		req := VoteRequest{
			Voter:    v,
			Round:    round.Number,
			OpenedAt: round.OpenAt,
			Choices:  append([]liveness.Choice(nil), liveness.Choices...),
		}
		go e.send(req)
	}
}

func (e *Engine) send(req VoteRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()
	if err := e.dispatch.RequestVote(ctx, req); err != nil {
		log.Error().Err(err).Str("voter", req.Voter.ID).Int("round", req.Round).Msg("consensus: vote request failed")
		return
	}
	log.Debug().Str("voter", req.Voter.ID).Int("round", req.Round).Msg("consensus: vote requested")
}

func (e *Engine) RoundClosed(round liveness.Round, reason string) {
	log.Debug().Int("round", round.Number).Int("votes", len(round.Votes)).Str("reason", reason).Msg("consensus: round closed")
}

// CastVote records a ballot and applies the round's verdict when every voter
// has answered. A later ballot from the same voter overwrites the earlier one.
func (e *Engine) CastVote(b Ballot, now time.Time) (Result, error) {
	if !b.Choice.Valid() {
		return Result{}, ErrInvalidChoice
	}
	if _, ok := e.byID[b.VoterID]; !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownVoter, b.VoterID)
	}

	var res Result
	rec, _, err := e.machine.Mutate(now, func(rec *liveness.Record) error {
		if rec.Round == nil || rec.State != liveness.DeadOrMissing {
			return ErrNoOpenRound
		}
		if b.RoundNumber != rec.Round.Number {
			return fmt.Errorf("%w: got %d, open %d", ErrStaleRound, b.RoundNumber, rec.Round.Number)
		}
		rec.Round.Votes[b.VoterID] = b.Choice
		outcome, choice := Tally(rec.Round.Votes, e.ids)
		res = Result{Outcome: outcome, Choice: choice, Round: rec.Round.Number}

		switch outcome {
		case Unanimous:
			switch choice {
			case liveness.ChoiceDead:
				rec.State = liveness.Memorial
			case liveness.ChoiceIncapacitated:
				rec.State = liveness.Incapacitated
			case liveness.ChoiceMissing:
				rec.Round = nil
			}
		case Split:
			rec.Round = nil
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	res.State = rec.State
	if rec.Round != nil && rec.Round.Number != res.Round {
		res.NextRound = rec.Round.Number
	}
	observability.RecordVote(b.Choice.String())
	switch res.Outcome {
	case Unanimous:
		observability.RecordConsensusRound(observability.RoundResolved)
	case Split:
		observability.RecordConsensusRound(observability.RoundSplit)
	}
	log.Info().
		Str("voter", b.VoterID).
		Int("round", res.Round).
		Str("choice", b.Choice.String()).
		Str("outcome", res.Outcome.String()).
		Str("state", res.State.String()).
		Msg("consensus: vote recorded")
	return res, nil
}
