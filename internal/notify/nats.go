package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxrdz/Am-I-Alive/internal/consensus"
	"github.com/maxrdz/Am-I-Alive/internal/observability"
	"github.com/nats-io/nats.go"
)

// NATSDispatcher publishes vote requests on "<subject>.<voter_id>" so a mail
// bridge can subscribe with a wildcard.
type NATSDispatcher struct {
	conn    *nats.Conn
	subject string
}

func NewNATSDispatcher(conn *nats.Conn, subject string) (*NATSDispatcher, error) {
	if conn == nil {
		return nil, errors.New("notify: nats connection is required")
	}
	subject = strings.Trim(strings.TrimSpace(subject), ".")
	if subject == "" {
		return nil, errors.New("notify: nats subject is required")
	}
	return &NATSDispatcher{conn: conn, subject: subject}, nil
}

// DialNATS connects to url with the reconnect settings used by the daemon.
func DialNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(2*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect nats %s: %w", url, err)
	}
	return nc, nil
}

// SubjectFor returns the subject a voter's requests are published on.
func (d *NATSDispatcher) SubjectFor(voterID string) string {
	return d.subject + "." + voterID
}

func (d *NATSDispatcher) RequestVote(ctx context.Context, req consensus.VoteRequest) error {
	body, err := json.Marshal(NewVotePayload(req))
	if err != nil {
		return fmt.Errorf("notify: encode vote request: %w", err)
	}
	if err := d.conn.Publish(d.SubjectFor(req.Voter.ID), body); err != nil {
		observability.RecordNotifyFailure(string(KindNATS))
		return fmt.Errorf("notify: publish vote request: %w", err)
	}
	if err := d.conn.FlushWithContext(ctx); err != nil {
		observability.RecordNotifyFailure(string(KindNATS))
		return fmt.Errorf("notify: flush vote request: %w", err)
	}
	return nil
}
