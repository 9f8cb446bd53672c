package daemon

import (
	"strconv"
	"strings"
	"time"

	"github.com/maxrdz/Am-I-Alive/internal/liveness"
)

// StateText is the configured status page text for one state.
type StateText struct {
	Images   []string
	Messages []string
}

// Display controls how the status view is rendered.
type Display struct {
	Name     string
	FullName string
	Location *time.Location
	Text     map[liveness.State]StateText
}

// TimeView renders one timestamp.
type TimeView struct {
	Unix    int64  `json:"unix"`
	Display string `json:"display"`
}

type HistoryView struct {
	Time    TimeView `json:"time"`
	Address string   `json:"address"`
	Message string   `json:"message"`
}

type RoundView struct {
	Number int      `json:"round_number"`
	OpenAt TimeView `json:"open_at"`
	Votes  int      `json:"votes"`
	Voters int      `json:"voters"`
}

// StatusView is the public status document.
type StatusView struct {
	Name           string        `json:"name"`
	FullName       string        `json:"full_name"`
	Status         string        `json:"status"`
	State          string        `json:"state"`
	Message        string        `json:"message"`
	Image          string        `json:"image,omitempty"`
	HoursSince     int64         `json:"hours_since_heartbeat"`
	LastHeartbeat  TimeView      `json:"last_heartbeat"`
	ActiveNote     *string       `json:"active_note"`
	History        []HistoryView `json:"history"`
	ConsensusRound *RoundView    `json:"consensus_round"`
}

// Status renders the current record.
func (c *Core) Status(now time.Time) StatusView {
	rec := c.Machine.Snapshot()
	voters := 0
	if c.Engine != nil {
		voters = len(c.Engine.Voters())
	}
	return renderStatus(rec, now, c.Display, voters)
}

func renderStatus(rec liveness.Record, now time.Time, d Display, voters int) StatusView {
	loc := d.Location
	if loc == nil {
		loc = time.UTC
	}
	hours := int64(now.Sub(rec.LastHeartbeatAt) / time.Hour)
	if hours < 0 {
		hours = 0
	}

	view := StatusView{
		Name:          d.Name,
		FullName:      d.FullName,
		Status:        rec.State.Label(),
		State:         rec.State.String(),
		HoursSince:    hours,
		LastHeartbeat: timeView(rec.LastHeartbeatAt, loc),
		History:       make([]HistoryView, 0, len(rec.History)),
	}
	text := d.Text[rec.State]
	if n := len(text.Messages); n > 0 {
		view.Message = formatMessage(text.Messages[hours%int64(n)], d.Name, hours)
	}
	if n := len(text.Images); n > 0 {
		view.Image = text.Images[hours%int64(n)]
	}
	if rec.Note != "" {
		note := rec.Note
		view.ActiveNote = &note
	}
	for _, e := range rec.History {
		msg := e.Message
		if msg == "" {
			msg = "N/A"
		}
		view.History = append(view.History, HistoryView{
			Time:    timeView(e.At, loc),
			Address: e.From,
			Message: msg,
		})
	}
	if rec.Round != nil {
		view.ConsensusRound = &RoundView{
			Number: rec.Round.Number,
			OpenAt: timeView(rec.Round.OpenAt, loc),
			Votes:  len(rec.Round.Votes),
			Voters: voters,
		}
	}
	return view
}

func timeView(t time.Time, loc *time.Location) TimeView {
	return TimeView{Unix: t.Unix(), Display: t.In(loc).Format(time.RFC1123Z)}
}

// formatMessage fills {0} name, {1} hours and {2} plural suffix.
func formatMessage(tmpl, name string, hours int64) string {
	plural := "s"
	if hours == 1 {
		plural = ""
	}
	return strings.NewReplacer(
		"{0}", name,
		"{1}", strconv.FormatInt(hours, 10),
		"{2}", plural,
	).Replace(tmpl)
}
