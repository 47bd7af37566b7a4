package castprotocol

import (
	"context"
)

// DefaultReceiverAppID is Google's Default Media Receiver.
const DefaultReceiverAppID = "CC1AD845"

// Dispatcher delivers SDK callbacks on the coordinator context.
type Dispatcher func(fn func(ctx context.Context)) bool

// CastOptions configures the shared Cast context.
type CastOptions struct {
	ReceiverApplicationID string
	// Dispatch is used for every listener callback. When nil callbacks are
	// invoked on the goroutine that observed the event.
	Dispatch Dispatcher
}

// SDK is the entry point into a Cast implementation.
type SDK interface {
	// Probe reports the runtime version of the SDK, or an error when the
	// runtime it depends on is not usable on this host.
	Probe() (string, error)
	// SharedContext returns the process-wide Cast context. It must be called
	// on the coordinator.
	SharedContext(opts CastOptions) (CastContext, error)
}

// CastContext groups the capabilities handed out by an SDK.
type CastContext interface {
	SessionManager() SessionManager
	Router() Router
}

// Router enumerates routes and reports discovery events.
type Router interface {
	AddCallback(sel Selector, cb RouteCallback, activeScan bool)
	RemoveCallback(cb RouteCallback)
	Routes() []RouteInfo
}

// RouteCallback receives discovery events. Implementations must be
// comparable (pointer types) so they can be removed again.
type RouteCallback interface {
	RouteAdded(route RouteInfo)
	RouteChanged(route RouteInfo)
	RouteRemoved(route RouteInfo)
}

// SessionManager owns the current Cast session.
type SessionManager interface {
	// CurrentSession returns the current session or nil.
	CurrentSession() Session
	AddSessionListener(l SessionListener)
	RemoveSessionListener(l SessionListener)
	// EndCurrentSession requests teardown; completion is reported through
	// SessionEnding/SessionEnded events.
	EndCurrentSession(stopReceiver bool) error
	// StartSession requests a session with the device behind route;
	// completion is reported through lifecycle events.
	StartSession(route RouteInfo) error
}

// Session is a non-owning view of an established connection with a device
// running a receiver application. Every accessor reflects the live state.
type Session interface {
	SessionID() string
	IsConnected() bool
	ApplicationID() string
	DeviceName() string
	// MediaClient returns nil when no media channel is available.
	MediaClient() MediaClient
}

// MediaClient issues playback commands on a session. Results arrive
// asynchronously on the returned channel, which receives exactly one value.
type MediaClient interface {
	Stop() <-chan MediaResult
	Load(req LoadRequestData) <-chan MediaResult
}

// SessionListener receives lifecycle events. Implementations must be
// comparable (pointer types) so they can be removed again.
type SessionListener interface {
	OnSessionEvent(ev SessionEvent)
}
