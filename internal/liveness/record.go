package liveness

import (
	"fmt"
	"strings"
	"time"
)

// State is the subject's heartbeat state.
type State int

const (
	Alive State = iota
	ProbablyAlive
	DeadOrMissing
	Incapacitated
	// Memorial is terminal; entering it releases the digital will once.
	Memorial
)

var stateNames = [...]string{"alive", "probably_alive", "dead_or_missing", "incapacitated", "memorial"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Label is the public display text for the state.
func (s State) Label() string {
	switch s {
	case Alive:
		return "ALIVE"
	case ProbablyAlive:
		return "PROBABLY ALIVE"
	case DeadOrMissing:
		return "MISSING OR DEAD"
	case Incapacitated:
		return "ALIVE BUT INCAPACITATED"
	case Memorial:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

func (s State) Valid() bool {
	return s >= Alive && s <= Memorial
}

func ParseState(raw string) (State, error) {
	v := strings.ToLower(strings.TrimSpace(raw))
	for i, name := range stateNames {
		if v == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("liveness: unknown state %q", raw)
}

// Choice is a trusted voter's answer in a consensus round.
type Choice int

const (
	ChoiceNone Choice = iota
	ChoiceMissing
	ChoiceIncapacitated
	ChoiceDead
)

// Choices lists the options offered to voters.
var Choices = []Choice{ChoiceMissing, ChoiceIncapacitated, ChoiceDead}

func (c Choice) String() string {
	switch c {
	case ChoiceMissing:
		return "missing"
	case ChoiceIncapacitated:
		return "incapacitated"
	case ChoiceDead:
		return "dead"
	default:
		return "none"
	}
}

func (c Choice) Valid() bool {
	return c >= ChoiceMissing && c <= ChoiceDead
}

func ParseChoice(raw string) (Choice, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "missing":
		return ChoiceMissing, nil
	case "incapacitated":
		return ChoiceIncapacitated, nil
	case "dead":
		return ChoiceDead, nil
	default:
		return ChoiceNone, fmt.Errorf("liveness: unknown choice %q", raw)
	}
}

// Round is an open consensus round.
type Round struct {
	Number int
	OpenAt time.Time
	Votes  map[string]Choice
}

func (r *Round) clone() *Round {
	if r == nil {
		return nil
	}
	votes := make(map[string]Choice, len(r.Votes))
	for k, v := range r.Votes {
		votes[k] = v
	}
	return &Round{Number: r.Number, OpenAt: r.OpenAt, Votes: votes}
}

func (r *Round) equal(o *Round) bool {
	if r == nil || o == nil {
		return r == o
	}
	if r.Number != o.Number || !r.OpenAt.Equal(o.OpenAt) || len(r.Votes) != len(o.Votes) {
		return false
	}
	for k, v := range r.Votes {
		if ov, ok := o.Votes[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// HistoryLimit is the number of accepted heartbeats kept for display.
const HistoryLimit = 5

// HeartbeatEntry is one accepted heartbeat kept for display.
type HeartbeatEntry struct {
	At      time.Time
	From    string
	Message string
}

// Record is the single logical liveness value of a deployment.
type Record struct {
	State           State
	LastHeartbeatAt time.Time
	Note            string
	Round           *Round
	// RoundSeq is the number of the most recently opened round.
	RoundSeq int
	// WillReleased latches once the digital will has been released.
	WillReleased bool
	History      []HeartbeatEntry
	// Version increases by one with every committed change.
	Version uint64
}

// NewRecord returns a fresh Alive record.
func NewRecord(lastHeartbeat time.Time) Record {
	return Record{State: Alive, LastHeartbeatAt: lastHeartbeat}
}

func (r Record) Equal(o Record) bool {
	if r.State != o.State ||
		!r.LastHeartbeatAt.Equal(o.LastHeartbeatAt) ||
		r.Note != o.Note ||
		r.RoundSeq != o.RoundSeq ||
		r.WillReleased != o.WillReleased ||
		r.Version != o.Version ||
		!r.Round.equal(o.Round) ||
		len(r.History) != len(o.History) {
		return false
	}
	for i := range r.History {
		a, b := r.History[i], o.History[i]
		if !a.At.Equal(b.At) || a.From != b.From || a.Message != b.Message {
			return false
		}
	}
	return true
}

func (r Record) Clone() Record {
	out := r
	out.Round = r.Round.clone()
	if r.History != nil {
		out.History = make([]HeartbeatEntry, len(r.History))
		copy(out.History, r.History)
	}
	return out
}
