package castsession

import (
	"errors"
	"fmt"
)

// Kind classifies operation failures.
type Kind int

const (
	Unknown Kind = iota + 1
	InvalidArgument
	NotInitialized
	DependencyUnavailable
	NoActiveSession
	ChannelUnavailable
	LoadRejected
	LoadTimeout
	NoDevice
)

var kindNames = map[Kind]string{
	Unknown:               "unknown",
	InvalidArgument:       "invalidArgument",
	NotInitialized:        "notInitialized",
	DependencyUnavailable: "dependencyUnavailable",
	NoActiveSession:       "noActiveSession",
	ChannelUnavailable:    "channelUnavailable",
	LoadRejected:          "loadRejected",
	LoadTimeout:           "loadTimeout",
	NoDevice:              "noDevice",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return ""
}

// MarshalText makes Kind readable in JSON outcomes.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText parses the names produced by MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", b)
}

// Error is the error type returned by every operation.
type Error struct {
	Kind Kind
	// StatusCode is the receiver status code for LoadRejected.
	StatusCode int
	Msg        string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return e.Err.Error()
	default:
		return e.Kind.String()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind that carries no message, so
// the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == "" && t.Err == nil
}

var (
	ErrInvalidArgument       = &Error{Kind: InvalidArgument}
	ErrNotInitialized        = &Error{Kind: NotInitialized}
	ErrDependencyUnavailable = &Error{Kind: DependencyUnavailable}
	ErrNoActiveSession       = &Error{Kind: NoActiveSession}
	ErrChannelUnavailable    = &Error{Kind: ChannelUnavailable}
	ErrLoadRejected          = &Error{Kind: LoadRejected}
	ErrLoadTimeout           = &Error{Kind: LoadTimeout}
	ErrNoDevice              = &Error{Kind: NoDevice}
	ErrUnknown               = &Error{Kind: Unknown}
)

const msgNotInitialized = "Cast is not initialized, call Initialize first"

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func wrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf returns the Kind carried by err, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
