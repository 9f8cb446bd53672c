package pow

import (
	"testing"
	"time"

	"github.com/maxrdz/Am-I-Alive/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func TestSessionDeliversExactlyOneChallenge(t *testing.T) {
	testlog.Start(t)

	b := NewBroker(newTestService(t, "secret", time.Minute))
	s, err := b.Open("192.0.2.1", now0)
	require.NoError(t, err)
	defer s.Close()

	ch, ok := <-s.Challenges()
	require.True(t, ok)
	require.Equal(t, "192.0.2.1", ch.UserAddress)
	require.Equal(t, s.Challenge(), ch)

	_, ok = <-s.Challenges()
	require.False(t, ok, "channel must close after the single challenge")
}

func TestBrokerCompleteClosesSubjectSessions(t *testing.T) {
	testlog.Start(t)

	b := NewBroker(newTestService(t, "secret", time.Minute))
	a1, err := b.Open("192.0.2.1", now0)
	require.NoError(t, err)
	a2, err := b.Open("192.0.2.1", now0)
	require.NoError(t, err)
	other, err := b.Open("192.0.2.2", now0)
	require.NoError(t, err)
	require.NotEqual(t, a1.ID, a2.ID)
	require.Equal(t, 3, b.Len())

	require.Equal(t, 2, b.Complete("192.0.2.1"))
	<-a1.Done()
	<-a2.Done()
	require.Equal(t, 1, b.Len())

	got, ok := b.Lookup(other.ID)
	require.True(t, ok)
	require.Same(t, other, got)

	b.Shutdown()
	<-other.Done()
	require.Zero(t, b.Len())

	other.Close() // idempotent
}

func TestBrokerCompleteSessionLeavesSiblingsOpen(t *testing.T) {
	testlog.Start(t)

	b := NewBroker(newTestService(t, "secret", time.Minute))
	mine, err := b.Open("192.0.2.1", now0)
	require.NoError(t, err)
	sibling, err := b.Open("192.0.2.1", now0)
	require.NoError(t, err)

	require.True(t, b.CompleteSession(mine.ID))
	<-mine.Done()
	require.False(t, b.CompleteSession(mine.ID), "already closed")

	select {
	case <-sibling.Done():
		t.Fatal("sibling session on the same address was closed")
	default:
	}
	require.Equal(t, 1, b.Len())
	b.Shutdown()
}

func TestSessionExpiresWithChallenge(t *testing.T) {
	testlog.Start(t)

	b := NewBroker(newTestService(t, "secret", 30*time.Millisecond))
	s, err := b.Open("192.0.2.1", time.Now())
	require.NoError(t, err)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not expire")
	}
	require.Eventually(t, func() bool { return b.Len() == 0 }, time.Second, 5*time.Millisecond)
}
