// Package liveness drives the heartbeat state machine over a redundant
// record. Every mutation goes through Machine.Mutate, which re-establishes
// the record invariants and fires side effects after commit.
package liveness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/maxrdz/Am-I-Alive/internal/observability"
	"github.com/maxrdz/Am-I-Alive/internal/redundant"
	"github.com/rs/zerolog/log"
)

var ErrInvalidConfig = errors.New("liveness: invalid config")

// Config holds the time thresholds of the state machine.
type Config struct {
	GracePeriod      time.Duration
	MaxSilencePeriod time.Duration
	// MinimumUptime holds back escalations right after boot.
	MinimumUptime time.Duration
	TickInterval  time.Duration
}

func DefaultConfig() Config {
	return Config{
		GracePeriod:      24 * time.Hour,
		MaxSilencePeriod: 72 * time.Hour,
		MinimumUptime:    10 * time.Minute,
		TickInterval:     time.Minute,
	}
}

func (c Config) Validate() error {
	if c.GracePeriod <= 0 {
		return fmt.Errorf("%w: grace period must be > 0", ErrInvalidConfig)
	}
	if c.MaxSilencePeriod <= c.GracePeriod {
		return fmt.Errorf("%w: max silence period must exceed grace period", ErrInvalidConfig)
	}
	if c.MinimumUptime < 0 {
		return fmt.Errorf("%w: minimum uptime must be >= 0", ErrInvalidConfig)
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("%w: tick interval must be > 0", ErrInvalidConfig)
	}
	return nil
}

// RoundListener is told about consensus rounds opened or closed by a commit.
type RoundListener interface {
	RoundOpened(round Round)
	RoundClosed(round Round, reason string)
}

// WillReleaser performs the one-shot digital will release.
type WillReleaser interface {
	Release(ctx context.Context, rec Record) error
}

// Observer is called with the committed record after every change.
type Observer func(rec Record)

// Options wires the machine's collaborators. All fields are optional.
type Options struct {
	BootTime time.Time
	Clock    func() time.Time
	Will     WillReleaser
	// ReleaseTimeout bounds a will release call.
	ReleaseTimeout time.Duration
}

// Heartbeat is one accepted, authenticated heartbeat.
type Heartbeat struct {
	At      time.Time
	From    string
	Message string
	// Note replaces the active note when non-empty.
	Note string
	// RemoveNote clears the active note; it wins over Note.
	RemoveNote bool
}

// Transition describes one committed change.
type Transition struct {
	From    State
	To      State
	Changed bool
}

type effects struct {
	from, to State
	opened   *Round
	closed   *Round
	release  bool
}

// Machine owns the liveness record.
type Machine struct {
	store *redundant.Store[Record]
	cfg   Config
	boot  time.Time
	clock func() time.Time

	will           WillReleaser
	releaseTimeout time.Duration

	mu        sync.RWMutex
	listener  RoundListener
	observers []Observer
	releases  sync.WaitGroup

	// post-commit hooks run in version order
	deliverMu   sync.Mutex
	deliverCond *sync.Cond
	delivered   uint64
}

func NewMachine(store *redundant.Store[Record], cfg Config, opts Options) (*Machine, error) {
	if store == nil {
		return nil, errors.New("liveness: store is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	boot := opts.BootTime
	if boot.IsZero() {
		boot = clock()
	}
	timeout := opts.ReleaseTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	m := &Machine{
		store:          store,
		cfg:            cfg,
		boot:           boot,
		clock:          clock,
		will:           opts.Will,
		releaseTimeout: timeout,
	}
	m.deliverCond = sync.NewCond(&m.deliverMu)
	current := store.Read()
	m.delivered = current.Version
	observability.SetLivenessState(int(current.State))
	return m, nil
}

func (m *Machine) Config() Config {
	return m.cfg
}

func (m *Machine) Now() time.Time {
	return m.clock()
}

// SetRoundListener registers the consensus collaborator.
func (m *Machine) SetRoundListener(l RoundListener) {
	m.mu.Lock()
	m.listener = l
	m.mu.Unlock()
}

// AddObserver registers a post-commit hook.
func (m *Machine) AddObserver(fn Observer) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

// Snapshot returns a copy of the current record.
func (m *Machine) Snapshot() Record {
	return m.store.Read()
}

// Mutate applies fn to the record as one atomic step. If fn returns an
// error nothing is committed. Post-commit hooks of concurrent calls are
// delivered in commit order; a hook must not call Mutate itself.
func (m *Machine) Mutate(now time.Time, fn func(rec *Record) error) (Record, bool, error) {
	var eff effects
	rec, changed, err := m.store.Update(func(cur Record) (Record, bool, error) {
		eff = effects{}
		before := cur.Clone()
		next := cur
		if err := fn(&next); err != nil {
			return cur, false, err
		}
		eff = m.settle(&next, before, now)
		if next.Equal(before) {
			return cur, false, nil
		}
		next.Version = before.Version + 1
		return next, true, nil
	})
	if err != nil || !changed {
		return rec, changed, err
	}
	m.afterCommit(rec, eff)
	return rec, true, nil
}

// settle re-establishes the record invariants after a mutation.
func (m *Machine) settle(next *Record, before Record, now time.Time) effects {
	eff := effects{from: before.State, to: next.State}
	if next.State != DeadOrMissing {
		next.Round = nil
	}
	if next.State == DeadOrMissing && next.Round == nil {
		next.RoundSeq++
		next.Round = &Round{Number: next.RoundSeq, OpenAt: now, Votes: map[string]Choice{}}
		eff.opened = next.Round.clone()
	}
	if before.Round != nil && (next.Round == nil || next.Round.Number != before.Round.Number) {
		eff.closed = before.Round.clone()
	}
	if next.State == Memorial && !next.WillReleased {
		next.WillReleased = true
		eff.release = true
	}
	return eff
}

func (m *Machine) afterCommit(rec Record, eff effects) {
	m.deliverMu.Lock()
	for m.delivered+1 < rec.Version {
		m.deliverCond.Wait()
	}
	m.deliverMu.Unlock()
	defer func() {
		m.deliverMu.Lock()
		m.delivered = rec.Version
		m.deliverCond.Broadcast()
		m.deliverMu.Unlock()
	}()

	if eff.from != eff.to {
		log.Info().
			Str("from", eff.from.String()).
			Str("to", eff.to.String()).
			Time("last_heartbeat", rec.LastHeartbeatAt).
			Msg("liveness: state transition")
		observability.SetLivenessState(int(eff.to))
	}

	m.mu.RLock()
	listener := m.listener
	observers := append([]Observer(nil), m.observers...)
	m.mu.RUnlock()

	if eff.closed != nil {
		reason := "superseded"
		if rec.Round == nil {
			reason = "closed"
		}
		observability.RecordConsensusRound(observability.RoundClosed)
		log.Info().Int("round", eff.closed.Number).Str("reason", reason).Msg("liveness: consensus round closed")
		if listener != nil {
			listener.RoundClosed(*eff.closed, reason)
		}
	}
	if eff.opened != nil {
		observability.RecordConsensusRound(observability.RoundOpened)
		log.Info().Int("round", eff.opened.Number).Msg("liveness: consensus round opened")
		if listener != nil {
			listener.RoundOpened(*eff.opened)
		}
	}
	if eff.release {
		m.releaseWill(rec)
	}
	for _, obs := range observers {
		obs(rec.Clone())
	}
}

func (m *Machine) releaseWill(rec Record) {
	if m.will == nil {
		log.Warn().Msg("liveness: memorial reached with no will releaser configured")
		return
	}
	m.releases.Add(1)
	go func() {
		defer m.releases.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.releaseTimeout)
		defer cancel()
		if err := m.will.Release(ctx, rec); err != nil {
			log.Error().Err(err).Msg("liveness: will release failed")
			return
		}
		log.Info().Msg("liveness: will released")
	}()
}

// WaitReleases blocks until in-flight will releases finish.
func (m *Machine) WaitReleases() {
	m.releases.Wait()
}

// Heartbeat moves the machine to Alive from any state, cancels an open
// round and applies the note operations.
func (m *Machine) Heartbeat(hb Heartbeat) (Record, error) {
	if hb.At.IsZero() {
		hb.At = m.clock()
	}
	rec, _, err := m.Mutate(hb.At, func(rec *Record) error {
		rec.State = Alive
		rec.LastHeartbeatAt = hb.At
		switch {
		case hb.RemoveNote:
			rec.Note = ""
		case hb.Note != "":
			rec.Note = hb.Note
		}
		entry := HeartbeatEntry{At: hb.At, From: hb.From, Message: hb.Message}
		hist := make([]HeartbeatEntry, 0, HistoryLimit)
		hist = append(hist, entry)
		for _, e := range rec.History {
			if len(hist) == HistoryLimit {
				break
			}
			hist = append(hist, e)
		}
		rec.History = hist
		return nil
	})
	return rec, err
}

// Next returns the state the time-driven rules select for rec at now,
// ignoring the uptime hold-back.
func Next(rec Record, now time.Time, cfg Config) State {
	since := now.Sub(rec.LastHeartbeatAt)
	if since < 0 {
		since = 0
	}
	switch rec.State {
	case Alive:
		if since > cfg.GracePeriod {
			return ProbablyAlive
		}
	case ProbablyAlive:
		if since > cfg.MaxSilencePeriod {
			return DeadOrMissing
		}
		if since < cfg.GracePeriod {
			return Alive
		}
	case DeadOrMissing, Incapacitated, Memorial:
		if since < cfg.GracePeriod {
			return Alive
		}
	}
	return rec.State
}

func escalates(from, to State) bool {
	return to != Alive && to != from
}

// Tick applies at most one time-driven transition.
func (m *Machine) Tick(now time.Time) (Transition, error) {
	var tr Transition
	_, _, err := m.Mutate(now, func(rec *Record) error {
		tr = Transition{From: rec.State, To: rec.State}
		next := Next(*rec, now, m.cfg)
		if next == rec.State {
			return nil
		}
		if escalates(rec.State, next) && now.Sub(m.boot) < m.cfg.MinimumUptime {
			log.Debug().
				Str("from", rec.State.String()).
				Str("to", next.String()).
				Dur("uptime", now.Sub(m.boot)).
				Msg("liveness: escalation held back until minimum uptime")
			return nil
		}
		rec.State = next
		tr.To = next
		tr.Changed = true
		return nil
	})
	return tr, err
}

// Run ticks until ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()

	if _, err := m.Tick(m.clock()); err != nil {
		log.Error().Err(err).Msg("liveness: tick failed")
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Tick(m.clock()); err != nil {
				log.Error().Err(err).Msg("liveness: tick failed")
			}
		}
	}
}
