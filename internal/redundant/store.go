// Package redundant holds a single value as three physically independent
// copies and majority-checks them on every access.
//
// A read with all copies equal returns the value. A read with exactly two
// agreeing copies overwrites the third (self-heal) and returns the majority.
// A read with three pairwise distinct copies has no safe answer: the store
// calls its halt hook, which by default terminates the process so an external
// supervisor can restart it from persisted state.
package redundant

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

// ErrIntegrity is passed to the halt hook when no majority exists.
var ErrIntegrity = errors.New("redundant: no majority among copies")

// Value is implemented by types stored in a Store. Clone must return a copy
// sharing no mutable memory with the receiver.
type Value[T any] interface {
	Equal(other T) bool
	Clone() T
}

// Options tunes a Store. Zero values select defaults.
type Options struct {
	// Halt is invoked on an integrity fault. It must not return; if it does,
	// the store panics.
	Halt func(err error)
	// OnHeal is invoked (under the store lock) after a minority copy was repaired.
	OnHeal func(minority int)
}

// Store keeps three copies of one logical value.
type Store[T Value[T]] struct {
	mu     sync.Mutex
	copies [3]T
	halt   func(error)
	onHeal func(int)
}

// New stores three independent clones of v.
func New[T Value[T]](v T, opts Options) *Store[T] {
	s := &Store[T]{
		halt:   opts.Halt,
		onHeal: opts.OnHeal,
	}
	if s.halt == nil {
		s.halt = fatalHalt
	}
	s.fill(v)
	return s
}

// Read returns a clone of the majority value.
func (s *Store[T]) Read() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolve().Clone()
}

// Write replaces all three copies. Readers never observe a partial write.
func (s *Store[T]) Write(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fill(v)
}

// Update runs fn against a clone of the current value and commits the result
// when fn reports a change. The read, compute and write happen under one lock,
// so concurrent updates are serialized.
//
// Returns:
//   - T: the committed value (or the unchanged current value)
//   - bool: whether a write happened
//   - error: fn's error; nothing is written when it is non-nil
func (s *Store[T]) Update(fn func(current T) (T, bool, error)) (T, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.resolve()
	next, changed, err := fn(current.Clone())
	if err != nil {
		return current.Clone(), false, err
	}
	if !changed {
		return current.Clone(), false, nil
	}
	s.fill(next)
	return next.Clone(), true, nil
}

func (s *Store[T]) fill(v T) {
	for i := range s.copies {
		s.copies[i] = v.Clone()
	}
}

// resolve must be called with s.mu held.
func (s *Store[T]) resolve() T {
	a, b, c := s.copies[0], s.copies[1], s.copies[2]
	ab := a.Equal(b)
	bc := b.Equal(c)
	if ab && bc {
		return a
	}
	ac := a.Equal(c)
	switch {
	case ab:
		s.heal(2, a)
		return a
	case ac:
		s.heal(1, a)
		return a
	case bc:
		s.heal(0, b)
		return b
	}
	s.halt(ErrIntegrity)
	panic(ErrIntegrity)
}

func (s *Store[T]) heal(minority int, majority T) {
	log.Warn().Int("copy", minority).Msg("redundant store divergence; restoring minority copy from majority")
	s.copies[minority] = majority.Clone()
	if s.onHeal != nil {
		s.onHeal(minority)
	}
}

func fatalHalt(err error) {
	log.Fatal().Err(err).Msg("memory corruption detected; halting for supervised restart")
}
