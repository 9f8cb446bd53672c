// Package pow issues and verifies proof-of-work challenges.
//
// Challenges are derived from a long-lived secret with HMAC-SHA256 over the
// subject and issuance timestamp, so the server keeps no table of outstanding
// challenges: a submitted solution carries its timestamp and the seed is
// recomputed on verification. A solution is accepted when
// SHA256(subject || seed || nonce) equals the submitted hash and falls below
// the difficulty target, and the timestamp is still inside the validity window.
package pow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrEmptySecret = errors.New("pow: empty secret")

const (
	DefaultValidFor = 10 * time.Second
	DefaultMaxSkew  = 2 * time.Second
)

// Config configures a Service.
type Config struct {
	Secret []byte
	Target Target
	// ValidFor is the freshness window measured from the challenge timestamp.
	ValidFor time.Duration
	// MaxSkew tolerates claimed timestamps slightly ahead of the server clock.
	MaxSkew time.Duration
}

// Challenge is the message pushed to a client. Field names follow the wire
// format consumed by browser and CLI solvers.
type Challenge struct {
	UserAddress string `json:"user_address"`
	Seed        string `json:"seed"`
	Difficulty  string `json:"difficulty"`
	Timestamp   int64  `json:"timestamp"`

	IssuedAt  time.Time `json:"-"`
	ExpiresAt time.Time `json:"-"`
}

// Solution is what a client submits back.
type Solution struct {
	Nonce       uint64 `json:"nonce"`
	Hash        string `json:"hash"`
	TimestampMS int64  `json:"timestamp_ms"`
}

// Verdict is the outcome of Verify. The zero value means no verification
// has been attempted.
type Verdict uint8

const (
	VerdictNone Verdict = iota
	VerdictAccepted
	VerdictStale
	VerdictFuture
	VerdictMalformed
	VerdictMismatch
	VerdictAboveTarget
)

func (v Verdict) String() string {
	switch v {
	case VerdictNone:
		return "none"
	case VerdictAccepted:
		return "accepted"
	case VerdictStale:
		return "stale"
	case VerdictFuture:
		return "future"
	case VerdictMalformed:
		return "malformed"
	case VerdictMismatch:
		return "mismatch"
	case VerdictAboveTarget:
		return "above_target"
	default:
		return "unknown"
	}
}

func (v Verdict) Accepted() bool {
	return v == VerdictAccepted
}

// Service is stateless apart from its configuration and safe for concurrent use.
type Service struct {
	secret   []byte
	target   Target
	validFor time.Duration
	maxSkew  time.Duration
}

func NewService(cfg Config) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrEmptySecret
	}
	if cfg.Target == (Target{}) {
		return nil, ErrInvalidTarget
	}
	if cfg.ValidFor <= 0 {
		cfg.ValidFor = DefaultValidFor
	}
	if cfg.MaxSkew < 0 {
		cfg.MaxSkew = 0
	} else if cfg.MaxSkew == 0 {
		cfg.MaxSkew = DefaultMaxSkew
	}
	secret := make([]byte, len(cfg.Secret))
	copy(secret, cfg.Secret)
	return &Service{
		secret:   secret,
		target:   cfg.Target,
		validFor: cfg.ValidFor,
		maxSkew:  cfg.MaxSkew,
	}, nil
}

func (s *Service) ValidFor() time.Duration {
	return s.validFor
}

func (s *Service) Target() Target {
	return s.target
}

// Derive recomputes the seed and target bound to subject at timestampMS.
func (s *Service) Derive(subject string, timestampMS int64) ([32]byte, Target) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write([]byte(subject))
	mac.Write([]byte{0})
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestampMS))
	mac.Write(ts[:])

	var seed [32]byte
	copy(seed[:], mac.Sum(nil))
	return seed, s.target
}

// Issue builds the challenge for subject at now.
func (s *Service) Issue(subject string, now time.Time) Challenge {
	ts := now.UnixMilli()
	seed, target := s.Derive(subject, ts)
	issued := time.UnixMilli(ts)
	return Challenge{
		UserAddress: subject,
		Seed:        hex.EncodeToString(seed[:]),
		Difficulty:  target.Hex(),
		Timestamp:   ts,
		IssuedAt:    issued,
		ExpiresAt:   issued.Add(s.validFor),
	}
}

// Verify checks sol for subject at now. Every failure is a verdict, never an error.
func (s *Service) Verify(subject string, sol Solution, now time.Time) Verdict {
	age := now.Sub(time.UnixMilli(sol.TimestampMS))
	if age > s.validFor {
		return VerdictStale
	}
	if -age > s.maxSkew {
		return VerdictFuture
	}

	claimed, err := hex.DecodeString(strings.TrimSpace(sol.Hash))
	if err != nil || len(claimed) != sha256.Size {
		return VerdictMalformed
	}

	seed, target := s.Derive(subject, sol.TimestampMS)
	expected := AlgorithmSHA256.Sum(Message(subject, hex.EncodeToString(seed[:]), sol.Nonce))
	if !hmac.Equal(expected[:], claimed) {
		return VerdictMismatch
	}
	if !target.Admits(expected) {
		return VerdictAboveTarget
	}
	return VerdictAccepted
}

// Message is the preimage hashed by solvers and verifiers.
func Message(subject, seedHex string, nonce uint64) []byte {
	buf := make([]byte, 0, len(subject)+len(seedHex)+20)
	buf = append(buf, subject...)
	buf = append(buf, seedHex...)
	buf = strconv.AppendUint(buf, nonce, 10)
	return buf
}
