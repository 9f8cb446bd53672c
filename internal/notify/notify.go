// Package notify delivers vote requests to trusted voters and performs the
// digital will release. Every adapter is fire-and-forget from the caller's
// point of view; failures are logged and counted, never retried here.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxrdz/Am-I-Alive/internal/consensus"
	"github.com/maxrdz/Am-I-Alive/internal/liveness"
	"github.com/rs/zerolog/log"
)

var ErrUnknownKind = errors.New("notify: unknown adapter kind")

// VotePayload is the wire form of a vote request.
type VotePayload struct {
	VoterID      string    `json:"voter_id"`
	VoterName    string    `json:"voter_name,omitempty"`
	VoterAddress string    `json:"voter_address,omitempty"`
	RoundNumber  int       `json:"round_number"`
	OpenedAt     time.Time `json:"opened_at"`
	Choices      []string  `json:"choices"`
}

func NewVotePayload(req consensus.VoteRequest) VotePayload {
	choices := make([]string, 0, len(req.Choices))
	for _, c := range req.Choices {
		choices = append(choices, c.String())
	}
	return VotePayload{
		VoterID:      req.Voter.ID,
		VoterName:    req.Voter.Name,
		VoterAddress: req.Voter.Address,
		RoundNumber:  req.Round,
		OpenedAt:     req.OpenedAt.UTC(),
		Choices:      choices,
	}
}

// WillPayload is the wire form of a will release.
type WillPayload struct {
	Subject       string    `json:"subject"`
	State         string    `json:"state"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Note          string    `json:"note,omitempty"`
	ReleasedAt    time.Time `json:"released_at"`
}

func NewWillPayload(subject string, rec liveness.Record, now time.Time) WillPayload {
	return WillPayload{
		Subject:       subject,
		State:         rec.State.String(),
		LastHeartbeat: rec.LastHeartbeatAt.UTC(),
		Note:          rec.Note,
		ReleasedAt:    now.UTC(),
	}
}

// LogDispatcher only logs vote requests.
type LogDispatcher struct{}

func (LogDispatcher) RequestVote(_ context.Context, req consensus.VoteRequest) error {
	log.Info().
		Str("voter", req.Voter.ID).
		Str("address", req.Voter.Address).
		Int("round", req.Round).
		Msg("notify: vote requested")
	return nil
}

// LogWill only logs the release.
type LogWill struct {
	Subject string
}

func (w LogWill) Release(_ context.Context, rec liveness.Record) error {
	log.Warn().
		Str("subject", w.Subject).
		Time("last_heartbeat", rec.LastHeartbeatAt).
		Msg("notify: digital will released")
	return nil
}

// Kind names an adapter.
type Kind string

const (
	KindLog     Kind = "log"
	KindWebhook Kind = "webhook"
	KindNATS    Kind = "nats"
	KindExec    Kind = "exec"
)

func ParseKind(raw string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(raw)))
	switch k {
	case "":
		return KindLog, nil
	case KindLog, KindWebhook, KindNATS, KindExec:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}
