package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/maxrdz/Am-I-Alive/internal/consensus"
	"github.com/maxrdz/Am-I-Alive/internal/liveness"
	"github.com/maxrdz/Am-I-Alive/internal/observability"
)

// Webhook posts JSON payloads to a fixed URL. It serves both as a vote
// dispatcher and as a will releaser.
type Webhook struct {
	URL     string
	Subject string
	Client  *http.Client
	Now     func() time.Time
}

func NewWebhook(url, subject string) *Webhook {
	return &Webhook{
		URL:     url,
		Subject: subject,
		Client:  &http.Client{Timeout: 10 * time.Second},
		Now:     time.Now,
	}
}

func (w *Webhook) RequestVote(ctx context.Context, req consensus.VoteRequest) error {
	if err := w.post(ctx, "vote_request", NewVotePayload(req)); err != nil {
		observability.RecordNotifyFailure(string(KindWebhook))
		return err
	}
	return nil
}

func (w *Webhook) Release(ctx context.Context, rec liveness.Record) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if err := w.post(ctx, "will_release", NewWillPayload(w.Subject, rec, now())); err != nil {
		observability.RecordNotifyFailure(string(KindWebhook))
		return err
	}
	return nil
}

func (w *Webhook) post(ctx context.Context, event string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: encode %s: %w", event, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: build %s request: %w", event, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Alive-Event", event)

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: post %s: %w", event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notify: post %s: unexpected status %d", event, resp.StatusCode)
	}
	return nil
}
