package castsession

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/castsession/castprotocol"
	"go2tv.app/castsession/coordinator"
)

// routeWatch is the transient discovery listener of one scan. Callbacks
// arrive on the coordinator and only signal found.
type routeWatch struct {
	sel   castprotocol.Selector
	found chan struct{}
	once  sync.Once
}

func newRouteWatch(sel castprotocol.Selector) *routeWatch {
	return &routeWatch{sel: sel, found: make(chan struct{})}
}

func (w *routeWatch) RouteAdded(r castprotocol.RouteInfo)   { w.check(r) }
func (w *routeWatch) RouteChanged(r castprotocol.RouteInfo) { w.check(r) }
func (w *routeWatch) RouteRemoved(castprotocol.RouteInfo)   {}

func (w *routeWatch) check(r castprotocol.RouteInfo) {
	if r.Eligible(w.sel) {
		w.once.Do(func() { close(w.found) })
	}
}

// Scanner answers whether a device able to run the receiver application
// is reachable.
type Scanner struct {
	coord *coordinator.Coordinator
	bus   *Bus
	log   zerolog.Logger
	hop   time.Duration

	// discoveryMu serialises listener registration and removal. It is
	// never held while waiting for routes.
	discoveryMu sync.Mutex
	// last is 0 before the first scan, then 1 (available) or 2.
	last atomic.Int32
}

// NewScanner returns a scanner issuing its coordinator steps through coord.
func NewScanner(coord *coordinator.Coordinator, bus *Bus, hop time.Duration, logger zerolog.Logger) *Scanner {
	return &Scanner{coord: coord, bus: bus, hop: hop, log: logger}
}

func anyEligible(routes []castprotocol.RouteInfo, sel castprotocol.Selector) bool {
	for _, r := range routes {
		if r.Eligible(sel) {
			return true
		}
	}
	return false
}

// Scan checks known routes, listens for up to window for a matching route
// and checks known routes once more. The listener is removed on every
// exit path.
func (s *Scanner) Scan(ctx context.Context, router castprotocol.Router, sel castprotocol.Selector, window time.Duration) (bool, error) {
	watch := newRouteWatch(sel)

	defer func() {
		s.discoveryMu.Lock()
		defer s.discoveryMu.Unlock()
		// Runs even when registration timed out: the task may still land.
		err := s.coord.Run(context.Background(), s.hop, func(context.Context) error {
			router.RemoveCallback(watch)
			return nil
		})
		if err != nil {
			s.log.Debug().Str("Method", "Scan").Err(err).Msg("listener removal did not complete")
		}
	}()

	s.discoveryMu.Lock()
	known, err := coordinator.Call(ctx, s.coord, s.hop, func(context.Context) (bool, error) {
		router.AddCallback(sel, watch, true)
		return anyEligible(router.Routes(), sel), nil
	})
	s.discoveryMu.Unlock()
	if err != nil {
		return false, err
	}
	if known {
		return s.report(true), nil
	}

	timer := time.NewTimer(window)
	defer timer.Stop()

	select {
	case <-watch.found:
		return s.report(true), nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-timer.C:
	}

	late, err := coordinator.Call(ctx, s.coord, s.hop, func(context.Context) (bool, error) {
		return anyEligible(router.Routes(), sel), nil
	})
	if err != nil {
		return false, err
	}
	return s.report(late), nil
}

// Routes lists the eligible known routes sorted by name.
func (s *Scanner) Routes(ctx context.Context, router castprotocol.Router, sel castprotocol.Selector) ([]castprotocol.RouteInfo, error) {
	return coordinator.Call(ctx, s.coord, s.hop, func(context.Context) ([]castprotocol.RouteInfo, error) {
		var out []castprotocol.RouteInfo
		for _, r := range router.Routes() {
			if r.Eligible(sel) {
				out = append(out, r)
			}
		}
		castprotocol.SortRoutes(out)
		return out, nil
	})
}

func (s *Scanner) report(available bool) bool {
	state := int32(2)
	typ := EventDeviceUnavailable
	if available {
		state = 1
		typ = EventDeviceAvailable
	}
	if s.last.Swap(state) != state {
		s.bus.Publish(Event{Type: typ})
	}
	s.log.Debug().Str("Method", "Scan").Bool("Available", available).Msg("scan finished")
	return available
}
