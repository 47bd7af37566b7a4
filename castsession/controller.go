package castsession

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/castsession/castprotocol"
	"go2tv.app/castsession/coordinator"
	"golang.org/x/mod/semver"
)

// castState is what Initialize obtains on the coordinator.
type castState struct {
	sessions castprotocol.SessionManager
	router   castprotocol.Router
	selector castprotocol.Selector
}

// Controller is the synchronous, goroutine-safe face of a Cast SDK whose
// calls must all happen on one coordinator.
type Controller struct {
	coord    *coordinator.Coordinator
	sdk      castprotocol.SDK
	opts     Options
	log      zerolog.Logger
	identity *Identity
	bus      *Bus
	tracker  *Tracker
	scanner  *Scanner
	loader   *Loader

	initMu      sync.Mutex
	initialized atomic.Bool
	state       atomic.Pointer[castState]

	errMu     sync.Mutex
	lastError string
}

// New returns a Controller with a running coordinator. store may be nil,
// in which case the receiver identity only lives in memory.
func New(sdk castprotocol.SDK, store Store, opts Options, logger zerolog.Logger) (*Controller, error) {
	opts = opts.withDefaults()

	coord := coordinator.New(coordinator.WithLogger(logger.With().Str("Component", "coordinator").Logger()))
	if err := coord.Start(); err != nil {
		return nil, fmt.Errorf("castsession: start coordinator: %w", err)
	}

	bus := NewBus(logger)
	identity := NewIdentity(store)
	return &Controller{
		coord:    coord,
		sdk:      sdk,
		opts:     opts,
		log:      logger,
		identity: identity,
		bus:      bus,
		tracker:  NewTracker(bus, logger),
		scanner:  NewScanner(coord, bus, opts.HopTimeout, logger),
		loader:   NewLoader(coord, identity, bus, opts, logger),
	}, nil
}

func (c *Controller) setLastError(msg string) {
	c.errMu.Lock()
	c.lastError = msg
	c.errMu.Unlock()
}

// LastError returns the message of the most recent failure, or "" when the
// latest operation succeeded.
func (c *Controller) LastError() string {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastError
}

// guard clears the last error, recovers panics and turns errors into
// outcomes.
func (c *Controller) guard(op string, fn func() error) (out Outcome) {
	c.setLastError("")
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Str("Method", op).Interface("Panic", r).Msg("operation panicked")
			out = failed(newError(Unknown, fmt.Sprintf("%s: unexpected failure: %v", op, r)))
		}
		if !out.Success {
			c.setLastError(out.Error)
		}
	}()

	if err := fn(); err != nil {
		return failed(err)
	}
	return succeeded()
}

func (c *Controller) guardBool(op string, fn func() (bool, error)) bool {
	var result bool
	out := c.guard(op, func() error {
		v, err := fn()
		result = v
		return err
	})
	return out.Success && result
}

func (c *Controller) current() (*castState, error) {
	st := c.state.Load()
	if !c.initialized.Load() || st == nil {
		return nil, newError(NotInitialized, msgNotInitialized)
	}
	return st, nil
}

// Initialize sets the receiver application and prepares the SDK. Calling
// it again after a success is a no-op.
func (c *Controller) Initialize(ctx context.Context, receiverID string) Outcome {
	return c.guard("Initialize", func() error {
		id := strings.TrimSpace(receiverID)
		if id == "" {
			return newError(InvalidArgument, "Receiver Application ID is required")
		}

		c.initMu.Lock()
		defer c.initMu.Unlock()

		if c.initialized.Load() {
			c.log.Debug().Str("Method", "Initialize").Msg("already initialized")
			return nil
		}

		version, err := c.sdk.Probe()
		if err != nil {
			return wrapError(DependencyUnavailable, fmt.Sprintf("Cast SDK unavailable: %v", err), err)
		}
		if !semver.IsValid(version) || semver.Compare(version, c.opts.MinSDKVersion) < 0 {
			return newError(DependencyUnavailable, fmt.Sprintf("Cast SDK %s is older than required %s", version, c.opts.MinSDKVersion))
		}

		rollback, err := c.identity.Apply(id)
		if err != nil {
			return wrapError(Unknown, fmt.Sprintf("persist receiver application ID: %v", err), err)
		}

		// registered is only touched on the coordinator. A setup task that
		// outlives the timeout still runs and may register the tracker after
		// the caller gave up; the cleanup posted below runs after it.
		var registered castprotocol.SessionManager
		st, err := coordinator.Call(ctx, c.coord, c.opts.InitTimeout, func(context.Context) (*castState, error) {
			cc, err := c.sdk.SharedContext(castprotocol.CastOptions{
				ReceiverApplicationID: id,
				Dispatch:              c.coord.Post,
			})
			if err != nil {
				return nil, err
			}
			sessions := cc.SessionManager()
			if sessions == nil {
				return nil, fmt.Errorf("no session manager")
			}
			sessions.AddSessionListener(c.tracker)
			registered = sessions
			return &castState{
				sessions: sessions,
				router:   cc.Router(),
				selector: castprotocol.NewSelector(id),
			}, nil
		})
		if err != nil {
			rollback()
			if !c.coord.Post(func(context.Context) {
				if registered != nil {
					registered.RemoveSessionListener(c.tracker)
				}
			}) {
				c.log.Warn().Str("Method", "Initialize").Msg("listener cleanup not scheduled")
			}
			if err == coordinator.ErrTimeout {
				return wrapError(Unknown, "Cast initialization timed out", err)
			}
			return wrapError(Unknown, fmt.Sprintf("Cast initialization failed: %v", err), err)
		}

		c.state.Store(st)
		c.initialized.Store(true)
		c.log.Info().Str("Method", "Initialize").Str("AppID", c.identity.Current()).Str("SDK", version).Msg("initialized")
		return nil
	})
}

// IsInitialized reports whether Initialize succeeded.
func (c *Controller) IsInitialized() bool {
	return c.initialized.Load()
}

// ReceiverApplicationID returns the effective receiver application ID.
func (c *Controller) ReceiverApplicationID() string {
	return c.identity.Current()
}

// IsSessionActive asks the SDK whether a usable session exists right now.
func (c *Controller) IsSessionActive(ctx context.Context) bool {
	return c.guardBool("IsSessionActive", func() (bool, error) {
		st, err := c.current()
		if err != nil {
			return false, err
		}
		active, err := coordinator.Call(ctx, c.coord, c.opts.QueryTimeout, func(context.Context) (bool, error) {
			return sessionUsable(st.sessions.CurrentSession()), nil
		})
		if err != nil {
			c.log.Debug().Str("Method", "IsSessionActive").Err(err).Msg("query did not complete")
			return false, nil
		}
		return active, nil
	})
}

// Session returns the tracker's latest snapshot.
func (c *Controller) Session() Snapshot {
	return c.tracker.Snapshot()
}

// EndSession asks the SDK to end the current session and stop the
// receiver. It does not wait for the session to be gone.
func (c *Controller) EndSession(ctx context.Context) Outcome {
	return c.guard("EndSession", func() error {
		st, err := c.current()
		if err != nil {
			return err
		}
		err = c.coord.Run(ctx, c.opts.EndTimeout, func(context.Context) error {
			s := st.sessions.CurrentSession()
			if s == nil || !s.IsConnected() {
				return newError(NoActiveSession, "No active Cast session to end")
			}
			if err := st.sessions.EndCurrentSession(true); err != nil {
				return wrapError(Unknown, fmt.Sprintf("End session failed: %v", err), err)
			}
			return nil
		})
		if err == coordinator.ErrTimeout {
			return wrapError(Unknown, "End session timed out", err)
		}
		return err
	})
}

// AreDevicesAvailable scans for devices able to run the receiver
// application using the configured window.
func (c *Controller) AreDevicesAvailable(ctx context.Context) bool {
	return c.AreDevicesAvailableWithin(ctx, c.opts.ScanWindow)
}

// AreDevicesAvailableWithin is AreDevicesAvailable with an explicit window.
func (c *Controller) AreDevicesAvailableWithin(ctx context.Context, window time.Duration) bool {
	return c.guardBool("AreDevicesAvailable", func() (bool, error) {
		st, err := c.current()
		if err != nil {
			return false, err
		}
		found, err := c.scanner.Scan(ctx, st.router, st.selector, window)
		if err != nil {
			c.log.Debug().Str("Method", "AreDevicesAvailable").Err(err).Msg("scan did not complete")
			return false, nil
		}
		return found, nil
	})
}

// Devices lists the known devices able to run the receiver application.
func (c *Controller) Devices(ctx context.Context) ([]castprotocol.RouteInfo, Outcome) {
	var routes []castprotocol.RouteInfo
	out := c.guard("Devices", func() error {
		st, err := c.current()
		if err != nil {
			return err
		}
		routes, err = c.scanner.Routes(ctx, st.router, st.selector)
		if err != nil {
			return hopError(err)
		}
		return nil
	})
	return routes, out
}

// LoadMedia plays req on the current session.
func (c *Controller) LoadMedia(ctx context.Context, req LoadRequest) Outcome {
	return c.guard("LoadMedia", func() error {
		if strings.TrimSpace(req.URL) == "" {
			return newError(InvalidArgument, "Media URL is required")
		}
		st, err := c.current()
		if err != nil {
			return err
		}
		return c.loader.Load(ctx, st.sessions, req)
	})
}

// Subscribe returns a stream of events. buffer <= 0 uses the configured
// default.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = c.opts.EventBuffer
	}
	return c.bus.Subscribe(buffer)
}

// Close stops the coordinator and closes every event subscription.
func (c *Controller) Close() error {
	c.bus.Close()
	return c.coord.Stop()
}
