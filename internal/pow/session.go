package pow

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"
)

// Session is one push channel: exactly one challenge goes out, then the
// session ends when the heartbeat attempt completes, the challenge expires,
// or the transport closes.
type Session struct {
	ID      string
	Subject string

	challenge Challenge
	out       chan Challenge
	done      chan struct{}
	closeOnce sync.Once
	timer     *time.Timer
	release   func(*Session)
}

// Challenges yields the single challenge for this session.
func (s *Session) Challenges() <-chan Challenge {
	return s.out
}

// Challenge returns the challenge issued at open.
func (s *Session) Challenge() Challenge {
	return s.challenge
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close ends the session. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		close(s.done)
		if s.release != nil {
			s.release(s)
		}
	})
}

// Broker tracks open sessions keyed by connection identity.
type Broker struct {
	svc      *Service
	sessions *xsync.Map[string, *Session]
}

func NewBroker(svc *Service) *Broker {
	return &Broker{
		svc:      svc,
		sessions: xsync.NewMap[string, *Session](),
	}
}

// Open issues a challenge for subject on a new session. The session closes
// itself once the challenge validity window has passed.
func (b *Broker) Open(subject string, now time.Time) (*Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, err
	}
	ch := b.svc.Issue(subject, now)
	s := &Session{
		ID:        id,
		Subject:   subject,
		challenge: ch,
		out:       make(chan Challenge, 1),
		done:      make(chan struct{}),
		release: func(s *Session) {
			b.sessions.Delete(s.ID)
		},
	}
	s.out <- ch
	close(s.out)

	s.timer = time.AfterFunc(b.svc.ValidFor(), func() {
		log.Debug().Str("session", s.ID).Str("subject", subject).Msg("pow: challenge expired")
		s.Close()
	})
	b.sessions.Store(id, s)
	// expired before it was registered
	select {
	case <-s.done:
		b.sessions.Delete(id)
	default:
	}
	return s, nil
}

// Complete closes every session opened for subject, returning how many were closed.
func (b *Broker) Complete(subject string) int {
	var matched []*Session
	b.sessions.Range(func(_ string, s *Session) bool {
		if s.Subject == subject {
			matched = append(matched, s)
		}
		return true
	})
	for _, s := range matched {
		s.Close()
	}
	return len(matched)
}

// CompleteSession closes the session with the given id. It reports whether
// the session was still open.
func (b *Broker) CompleteSession(id string) bool {
	s, ok := b.sessions.Load(id)
	if !ok {
		return false
	}
	s.Close()
	return true
}

// Lookup returns an open session by id.
func (b *Broker) Lookup(id string) (*Session, bool) {
	return b.sessions.Load(id)
}

// Len returns the number of open sessions.
func (b *Broker) Len() int {
	return b.sessions.Size()
}

// Shutdown closes all sessions.
func (b *Broker) Shutdown() {
	var all []*Session
	b.sessions.Range(func(_ string, s *Session) bool {
		all = append(all, s)
		return true
	})
	for _, s := range all {
		s.Close()
	}
}

func newSessionID() (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("pow: session id: %w", err)
	}
	return hex.EncodeToString(raw[:]), nil
}
