// Package persist keeps a TOML snapshot of the liveness record on disk so a
// restart resumes from the last committed state.
package persist

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/maxrdz/Am-I-Alive/internal/liveness"
	"github.com/rs/zerolog/log"
)

var ErrCorruptSnapshot = errors.New("persist: corrupt snapshot")

type fileRound struct {
	Number int               `toml:"number"`
	OpenAt time.Time         `toml:"open_at"`
	Votes  map[string]string `toml:"votes"`
}

type fileEntry struct {
	At      time.Time `toml:"at"`
	From    string    `toml:"from"`
	Message string    `toml:"message"`
}

type fileRecord struct {
	State         string      `toml:"state"`
	LastHeartbeat time.Time   `toml:"last_heartbeat"`
	Note          string      `toml:"note"`
	RoundSeq      int         `toml:"round_seq"`
	WillReleased  bool        `toml:"will_released"`
	Round         *fileRound  `toml:"round,omitempty"`
	History       []fileEntry `toml:"history"`
	Version       uint64      `toml:"version"`
}

// Store reads and writes the snapshot file.
type Store struct {
	path string

	mu      sync.Mutex
	written uint64
}

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("persist: path is required")
	}
	return &Store{path: path}, nil
}

func (s *Store) Path() string {
	return s.path
}

// Load returns the stored record. A missing file yields a fresh Alive record
// whose last heartbeat is boot, with found=false.
func (s *Store) Load(boot time.Time) (liveness.Record, bool, error) {
	var raw fileRecord
	meta, err := toml.DecodeFile(s.path, &raw)
	if errors.Is(err, fs.ErrNotExist) {
		return liveness.NewRecord(boot), false, nil
	}
	if err != nil {
		return liveness.Record{}, false, fmt.Errorf("persist: load %s: %w", s.path, err)
	}
	if !meta.IsDefined("state") || !meta.IsDefined("last_heartbeat") {
		return liveness.Record{}, false, fmt.Errorf("%w: state and last_heartbeat are required", ErrCorruptSnapshot)
	}
	rec, err := fromFile(raw)
	if err != nil {
		return liveness.Record{}, false, err
	}
	s.mu.Lock()
	if rec.Version > s.written {
		s.written = rec.Version
	}
	s.mu.Unlock()
	return rec, true, nil
}

// Save atomically replaces the snapshot with rec. A record older than the
// last one written is skipped so the file never moves backwards.
func (s *Store) Save(rec liveness.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Version < s.written {
		log.Debug().
			Uint64("version", rec.Version).
			Uint64("written", s.written).
			Msg("persist: skipping stale snapshot")
		return nil
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(toFile(rec)); err != nil {
		return fmt.Errorf("persist: encode: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("persist: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".alive-*.toml")
	if err != nil {
		return fmt.Errorf("persist: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("persist: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persist: close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("persist: rename: %w", err)
	}
	s.written = rec.Version
	return nil
}

// Observer saves every committed record. Failures are logged only.
func (s *Store) Observer() liveness.Observer {
	return func(rec liveness.Record) {
		if err := s.Save(rec); err != nil {
			log.Error().Err(err).Str("path", s.path).Msg("persist: snapshot failed")
		}
	}
}

func toFile(rec liveness.Record) fileRecord {
	out := fileRecord{
		State:         rec.State.String(),
		LastHeartbeat: rec.LastHeartbeatAt.UTC(),
		Note:          rec.Note,
		RoundSeq:      rec.RoundSeq,
		WillReleased:  rec.WillReleased,
		Version:       rec.Version,
		History:       make([]fileEntry, 0, len(rec.History)),
	}
	if rec.Round != nil {
		votes := make(map[string]string, len(rec.Round.Votes))
		for id, c := range rec.Round.Votes {
			votes[id] = c.String()
		}
		out.Round = &fileRound{Number: rec.Round.Number, OpenAt: rec.Round.OpenAt.UTC(), Votes: votes}
	}
	for _, e := range rec.History {
		out.History = append(out.History, fileEntry{At: e.At.UTC(), From: e.From, Message: e.Message})
	}
	return out
}

func fromFile(raw fileRecord) (liveness.Record, error) {
	state, err := liveness.ParseState(raw.State)
	if err != nil {
		return liveness.Record{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	rec := liveness.Record{
		State:           state,
		LastHeartbeatAt: raw.LastHeartbeat,
		Note:            raw.Note,
		RoundSeq:        raw.RoundSeq,
		WillReleased:    raw.WillReleased,
		Version:         raw.Version,
	}
	if raw.Round != nil {
		votes := make(map[string]liveness.Choice, len(raw.Round.Votes))
		ids := make([]string, 0, len(raw.Round.Votes))
		for id := range raw.Round.Votes {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			c, err := liveness.ParseChoice(raw.Round.Votes[id])
			if err != nil {
				return liveness.Record{}, fmt.Errorf("%w: vote of %s: %v", ErrCorruptSnapshot, id, err)
			}
			votes[id] = c
		}
		rec.Round = &liveness.Round{Number: raw.Round.Number, OpenAt: raw.Round.OpenAt, Votes: votes}
		if rec.RoundSeq < rec.Round.Number {
			rec.RoundSeq = rec.Round.Number
		}
	}
	for i, e := range raw.History {
		if i == liveness.HistoryLimit {
			break
		}
		rec.History = append(rec.History, liveness.HeartbeatEntry{At: e.At, From: e.From, Message: e.Message})
	}
	return rec, nil
}
