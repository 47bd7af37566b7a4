package castsession

import (
	"context"
	"fmt"
	"strings"

	"go2tv.app/castsession/castprotocol"
	"go2tv.app/castsession/coordinator"
)

// RequestSession starts a session on the device behind routeID, or on the
// first eligible device by name when routeID is empty. When no known route
// matches, discovery runs for one scan window first. It returns once the
// request is accepted; progress is reported through session events.
func (c *Controller) RequestSession(ctx context.Context, routeID string) Outcome {
	return c.guard("RequestSession", func() error {
		st, err := c.current()
		if err != nil {
			return err
		}
		routeID = strings.TrimSpace(routeID)

		route, err := c.findRoute(ctx, st, routeID)
		if err != nil {
			return err
		}

		err = c.coord.Run(ctx, c.opts.HopTimeout, func(context.Context) error {
			c.log.Info().Str("Method", "RequestSession").Str("Device", route.Name).Str("Route", route.ID).Msg("requesting session")
			if err := st.sessions.StartSession(route); err != nil {
				return wrapError(Unknown, fmt.Sprintf("Failed to request Cast session: %v", err), err)
			}
			return nil
		})
		if err != nil && !isOperationError(err) {
			return hopError(err)
		}
		return err
	})
}

type pickedRoute struct {
	route castprotocol.RouteInfo
	ok    bool
}

// findRoute picks from the known routes, scanning once when none matches.
func (c *Controller) findRoute(ctx context.Context, st *castState, routeID string) (castprotocol.RouteInfo, error) {
	pick := func() (pickedRoute, error) {
		return coordinator.Call(ctx, c.coord, c.opts.HopTimeout, func(context.Context) (pickedRoute, error) {
			route, ok := pickRoute(st.router.Routes(), st.selector, routeID)
			return pickedRoute{route: route, ok: ok}, nil
		})
	}

	p, err := pick()
	if err != nil {
		return castprotocol.RouteInfo{}, hopError(err)
	}
	if p.ok {
		return p.route, nil
	}

	found, err := c.scanner.Scan(ctx, st.router, st.selector, c.opts.ScanWindow)
	if err != nil {
		c.log.Debug().Str("Method", "RequestSession").Err(err).Msg("scan did not complete")
	}
	if found {
		if p, err = pick(); err != nil {
			return castprotocol.RouteInfo{}, hopError(err)
		}
		if p.ok {
			return p.route, nil
		}
	}

	if routeID != "" {
		return castprotocol.RouteInfo{}, newError(NoDevice, fmt.Sprintf("Cast device %q not found", routeID))
	}
	return castprotocol.RouteInfo{}, newError(NoDevice, "No Cast devices available")
}

func pickRoute(routes []castprotocol.RouteInfo, sel castprotocol.Selector, routeID string) (castprotocol.RouteInfo, bool) {
	var eligible []castprotocol.RouteInfo
	for _, r := range routes {
		if !r.Eligible(sel) {
			continue
		}
		if routeID != "" && (r.ID == routeID || r.Name == routeID || r.Addr == routeID) {
			return r, true
		}
		eligible = append(eligible, r)
	}
	if routeID != "" || len(eligible) == 0 {
		return castprotocol.RouteInfo{}, false
	}
	castprotocol.SortRoutes(eligible)
	return eligible[0], true
}

func isOperationError(err error) bool {
	_, ok := err.(*Error)
	return ok
}
