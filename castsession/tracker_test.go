package castsession

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"go2tv.app/castsession/castprotocol"
)

func TestTrackerTransitions(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	events, cancel := bus.Subscribe(8)
	defer cancel()

	tr := NewTracker(bus, zerolog.Nop())
	fixed := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return fixed }
	sess := connectedSession("CC1AD845", &fakeMedia{})

	steps := []struct {
		ev   castprotocol.SessionEvent
		want SessionState
	}{
		{castprotocol.SessionEvent{Kind: castprotocol.SessionStarting}, StateStarting},
		{castprotocol.SessionEvent{Kind: castprotocol.SessionStarted, Session: sess}, StateActive},
		{castprotocol.SessionEvent{Kind: castprotocol.SessionSuspended, Reason: "network"}, StateSuspended},
		{castprotocol.SessionEvent{Kind: castprotocol.SessionResuming}, StateResuming},
		{castprotocol.SessionEvent{Kind: castprotocol.SessionResumed, Session: sess}, StateActive},
		{castprotocol.SessionEvent{Kind: castprotocol.SessionEnding}, StateEnding},
		{castprotocol.SessionEvent{Kind: castprotocol.SessionEnded, Error: 2103}, StateEnded},
		{castprotocol.SessionEvent{Kind: castprotocol.SessionStartFailed, Error: 7}, StateFailed},
	}
	for _, s := range steps {
		tr.OnSessionEvent(s.ev)
		require.Equal(t, s.want, tr.Snapshot().State, s.ev.Kind.String())
	}

	snap := tr.Snapshot()
	require.Equal(t, 7, snap.ErrorCode)
	require.Equal(t, fixed, snap.UpdatedAt)

	// started, started again after resume from suspension, ended
	require.Equal(t, EventSessionStarted, (<-events).Type)
	require.Equal(t, EventSessionStarted, (<-events).Type)
	ended := <-events
	require.Equal(t, EventSessionEnded, ended.Type)
	require.Equal(t, 2103, ended.StatusCode)
	require.Equal(t, "Living Room TV", ended.DeviceName)
}

func TestTrackerKeepsSessionDetails(t *testing.T) {
	tr := NewTracker(NewBus(zerolog.Nop()), zerolog.Nop())
	sess := connectedSession("CC1AD845", &fakeMedia{})

	tr.OnSessionEvent(castprotocol.SessionEvent{Kind: castprotocol.SessionStarted, Session: sess})
	tr.OnSessionEvent(castprotocol.SessionEvent{Kind: castprotocol.SessionSuspended, Reason: "network"})

	snap := tr.Snapshot()
	require.Equal(t, "session-1", snap.SessionID)
	require.Equal(t, "CC1AD845", snap.ApplicationID)
	require.Equal(t, "network", snap.Reason)
}
