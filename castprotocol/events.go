package castprotocol

// SessionEventKind enumerates lifecycle callbacks.
type SessionEventKind int

const (
	SessionStarting SessionEventKind = iota + 1
	SessionStarted
	SessionStartFailed
	SessionResuming
	SessionResumed
	SessionResumeFailed
	SessionSuspended
	SessionEnding
	SessionEnded
)

var sessionEventNames = map[SessionEventKind]string{
	SessionStarting:     "starting",
	SessionStarted:      "started",
	SessionStartFailed:  "startFailed",
	SessionResuming:     "resuming",
	SessionResumed:      "resumed",
	SessionResumeFailed: "resumeFailed",
	SessionSuspended:    "suspended",
	SessionEnding:       "ending",
	SessionEnded:        "ended",
}

func (k SessionEventKind) String() string {
	if s, ok := sessionEventNames[k]; ok {
		return s
	}
	return "unknown"
}

// SessionEvent is one lifecycle callback.
type SessionEvent struct {
	Kind      SessionEventKind
	Session   Session
	SessionID string
	// Error is the SDK error code for failures and ends; 0 otherwise.
	Error int
	// Reason is the suspension reason, if any.
	Reason string
}
