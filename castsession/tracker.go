package castsession

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/castsession/castprotocol"
)

// SessionState is the tracker's view of the session lifecycle.
type SessionState int

const (
	StateNone SessionState = iota
	StateStarting
	StateActive
	StateResuming
	StateSuspended
	StateEnding
	StateEnded
	StateFailed
)

var stateNames = map[SessionState]string{
	StateNone:      "none",
	StateStarting:  "starting",
	StateActive:    "active",
	StateResuming:  "resuming",
	StateSuspended: "suspended",
	StateEnding:    "ending",
	StateEnded:     "ended",
	StateFailed:    "failed",
}

func (s SessionState) String() string {
	return stateNames[s]
}

// MarshalText implements encoding.TextMarshaler.
func (s SessionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is an immutable view of the last lifecycle transition.
type Snapshot struct {
	State         SessionState `json:"state"`
	SessionID     string       `json:"sessionId,omitempty"`
	DeviceName    string       `json:"deviceName,omitempty"`
	ApplicationID string       `json:"applicationId,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	ErrorCode     int          `json:"errorCode,omitempty"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Tracker listens to session lifecycle events on the coordinator and keeps
// a snapshot for observers. Decisions are never made from the snapshot;
// they always re-ask the session manager.
type Tracker struct {
	snap atomic.Pointer[Snapshot]
	bus  *Bus
	log  zerolog.Logger
	now  func() time.Time
}

// NewTracker returns a tracker in StateNone.
func NewTracker(bus *Bus, logger zerolog.Logger) *Tracker {
	t := &Tracker{bus: bus, log: logger, now: time.Now}
	t.snap.Store(&Snapshot{State: StateNone})
	return t
}

// Snapshot returns the latest view.
func (t *Tracker) Snapshot() Snapshot {
	return *t.snap.Load()
}

// OnSessionEvent implements castprotocol.SessionListener.
func (t *Tracker) OnSessionEvent(ev castprotocol.SessionEvent) {
	prev := t.snap.Load()
	next := &Snapshot{
		State:         prev.State,
		SessionID:     prev.SessionID,
		DeviceName:    prev.DeviceName,
		ApplicationID: prev.ApplicationID,
		UpdatedAt:     t.now(),
	}

	switch ev.Kind {
	case castprotocol.SessionStarting:
		next = &Snapshot{State: StateStarting, UpdatedAt: next.UpdatedAt}
	case castprotocol.SessionStarted, castprotocol.SessionResumed:
		next.State = StateActive
	case castprotocol.SessionResuming:
		next.State = StateResuming
	case castprotocol.SessionSuspended:
		next.State = StateSuspended
		next.Reason = ev.Reason
	case castprotocol.SessionEnding:
		next.State = StateEnding
	case castprotocol.SessionEnded:
		next.State = StateEnded
		next.ErrorCode = ev.Error
	case castprotocol.SessionStartFailed, castprotocol.SessionResumeFailed:
		next.State = StateFailed
		next.ErrorCode = ev.Error
	default:
		return
	}

	if ev.SessionID != "" {
		next.SessionID = ev.SessionID
	}
	if s := ev.Session; s != nil {
		next.DeviceName = s.DeviceName()
		next.ApplicationID = s.ApplicationID()
		if next.SessionID == "" {
			next.SessionID = s.SessionID()
		}
	}
	t.snap.Store(next)

	t.log.Debug().Str("Method", "OnSessionEvent").Str("Event", ev.Kind.String()).Str("State", next.State.String()).Str("SessionID", next.SessionID).Msg("session transition")

	switch ev.Kind {
	case castprotocol.SessionStarted, castprotocol.SessionResumed:
		if prev.State != StateActive {
			t.bus.Publish(Event{
				Type:          EventSessionStarted,
				SessionID:     next.SessionID,
				DeviceName:    next.DeviceName,
				ApplicationID: next.ApplicationID,
			})
		}
	case castprotocol.SessionEnded:
		t.bus.Publish(Event{
			Type:       EventSessionEnded,
			SessionID:  next.SessionID,
			DeviceName: next.DeviceName,
			StatusCode: ev.Error,
		})
	}
}

// sessionUsable is the only test for an active session: connected, with a
// media channel and a receiver application.
func sessionUsable(s castprotocol.Session) bool {
	if s == nil || !s.IsConnected() {
		return false
	}
	return s.MediaClient() != nil && s.ApplicationID() != ""
}

var _ castprotocol.SessionListener = (*Tracker)(nil)
