package castprotocol

import "fmt"

// Status codes reported on MediaResult. They follow the Cast SDK numbering so
// callers can log them verbatim.
const (
	StatusSuccess            = 0
	StatusNetworkError       = 7
	StatusInternalError      = 8
	StatusTimeout            = 15
	StatusInterrupted        = 14
	StatusCanceled           = 2002
	StatusInvalidRequest     = 2001
	StatusFailed             = 2100
	StatusReplaced           = 2103
	StatusMediaLoadFailed    = 2104
	StatusNotConnected       = 2200
	StatusApplicationMissing = 2004
)

// MediaResult is the asynchronous outcome of a media command.
type MediaResult struct {
	StatusCode int
	Err        error
}

// Success reports whether the command was accepted by the receiver.
func (r MediaResult) Success() bool {
	return r.StatusCode == StatusSuccess && r.Err == nil
}

func (r MediaResult) String() string {
	if r.Err != nil {
		return fmt.Sprintf("statusCode=%d err=%v", r.StatusCode, r.Err)
	}
	return fmt.Sprintf("statusCode=%d", r.StatusCode)
}

// CastStatus represents current Chromecast playback state.
type CastStatus struct {
	PlayerState string // "PLAYING", "PAUSED", "IDLE", "BUFFERING"
	IdleReason  string // "FINISHED", "ERROR", "CANCELLED", "INTERRUPTED"
	ContentType string
	ContentID   string
}
