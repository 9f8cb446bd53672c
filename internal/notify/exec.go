package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/maxrdz/Am-I-Alive/internal/liveness"
	"github.com/maxrdz/Am-I-Alive/internal/observability"
	"github.com/maxrdz/Am-I-Alive/internal/tools"
	"github.com/rs/zerolog/log"
)

// ExecWill runs a local command on release. The will payload is written to
// the command's stdin and the key fields are exported as ALIVE_* variables.
type ExecWill struct {
	Command string
	Args    []string
	Subject string
	Runner  tools.CommandRunner
	Now     func() time.Time
}

func NewExecWill(command string, args []string, subject string) (*ExecWill, error) {
	if strings.TrimSpace(command) == "" {
		return nil, errors.New("notify: exec will command is required")
	}
	return &ExecWill{
		Command: command,
		Args:    append([]string(nil), args...),
		Subject: subject,
		Runner:  tools.ExecRunner{},
		Now:     time.Now,
	}, nil
}

func (w *ExecWill) Release(ctx context.Context, rec liveness.Record) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	payload := NewWillPayload(w.Subject, rec, now())
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("notify: encode will: %w", err)
	}
	runner := w.Runner
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	res, err := runner.Run(ctx, tools.Command{
		Name:  w.Command,
		Args:  w.Args,
		Stdin: body,
		Env: []string{
			"ALIVE_SUBJECT=" + payload.Subject,
			"ALIVE_LAST_HEARTBEAT=" + payload.LastHeartbeat.Format(time.RFC3339),
			"ALIVE_RELEASED_AT=" + payload.ReleasedAt.Format(time.RFC3339),
		},
	})
	if err != nil {
		observability.RecordNotifyFailure(string(KindExec))
		return fmt.Errorf("notify: will command %s exited %d: %w (stderr: %s)",
			w.Command, res.ExitCode, err, strings.TrimSpace(string(res.Stderr)))
	}
	log.Debug().Str("command", w.Command).Int("stdout_bytes", len(res.Stdout)).Msg("notify: will command finished")
	return nil
}
