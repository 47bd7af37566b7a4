package castprotocol

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/castsession/devices"
	"go2tv.app/castsession/utils"
)

// SDKVersion is the go-chromecast release this backend is built against.
const SDKVersion = "v0.3.4"

const (
	loadPollInterval  = 250 * time.Millisecond
	loadAwaitMax      = 30 * time.Second
	watchInterval     = 5 * time.Second
	watchMaxFailures  = 3
	defaultRouteLabel = "This device"
)

var (
	// ErrNoNetwork is returned by Probe when mDNS cannot work on this host.
	ErrNoNetwork = errors.New("chromecast: no multicast capable network interface")
	// ErrNoSession is returned when there is no session to act on.
	ErrNoSession = errors.New("chromecast: no current session")
	// ErrDefaultRoute is returned when a session is requested on the local route.
	ErrDefaultRoute = errors.New("chromecast: cannot cast to the default route")
)

// Test seams.
var (
	probeInterfaces = utils.ActiveMulticastInterfaces
	newReceiverConn = func(addr string, logger zerolog.Logger) (receiverConn, error) {
		c, err := NewCastClient(addr)
		if err != nil {
			return nil, err
		}
		c.Logger = logger
		return c, nil
	}
)

// receiverConn is what a session needs from a device connection.
// *CastClient implements it.
type receiverConn interface {
	Connect() error
	Launch(appID string) (ReceiverApp, error)
	ReceiverApp() (ReceiverApp, error)
	Load(transportId string, req LoadRequestData) error
	AwaitLoad(ctx context.Context, contentID string, every time.Duration) MediaResult
	Stop(transportId string) error
	IsConnected() bool
	Close(stopMedia bool) error
}

// ChromecastSDK implements SDK on top of go-chromecast and an mDNS browser.
type ChromecastSDK struct {
	browser *devices.Browser
	log     zerolog.Logger

	mu     sync.Mutex
	shared *chromecastContext
	cancel context.CancelFunc
}

// NewChromecastSDK creates an SDK whose router is fed by browser. The
// browser is started on the first SharedContext call.
func NewChromecastSDK(browser *devices.Browser, logger zerolog.Logger) *ChromecastSDK {
	return &ChromecastSDK{
		browser: browser,
		log:     logger,
	}
}

// Probe implements SDK.
func (s *ChromecastSDK) Probe() (string, error) {
	if len(probeInterfaces()) == 0 {
		return "", ErrNoNetwork
	}
	return SDKVersion, nil
}

// SharedContext implements SDK. The context is created once; later calls
// return it with the receiver application updated.
func (s *ChromecastSDK) SharedContext(opts CastOptions) (CastContext, error) {
	appID := opts.ReceiverApplicationID
	if appID == "" {
		appID = DefaultReceiverAppID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shared != nil {
		s.shared.sessions.setAppID(appID)
		return s.shared, nil
	}
	if s.browser == nil {
		return nil, fmt.Errorf("chromecast shared context: no device browser")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.browser.Start(ctx)

	s.shared = &chromecastContext{
		router: &chromecastRouter{
			browser:   s.browser,
			dispatch:  opts.Dispatch,
			callbacks: make(map[RouteCallback]Selector),
			log:       s.log,
		},
		sessions: &chromecastSessionManager{
			appID:     appID,
			dispatch:  opts.Dispatch,
			listeners: make(map[SessionListener]struct{}),
			log:       s.log,
		},
	}
	s.log.Debug().Str("Method", "SharedContext").Str("AppID", appID).Msg("cast context created")
	return s.shared, nil
}

// Close stops discovery and disconnects the current session, if any.
func (s *ChromecastSDK) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.shared == nil {
		return nil
	}
	return s.shared.sessions.closeCurrent()
}

type chromecastContext struct {
	router   *chromecastRouter
	sessions *chromecastSessionManager
}

func (c *chromecastContext) SessionManager() SessionManager { return c.sessions }
func (c *chromecastContext) Router() Router                 { return c.router }

// dispatch hands fn to d, or runs it inline without one. A callback d
// refuses is gone for good, so it is logged.
func dispatch(d Dispatcher, log zerolog.Logger, what string, fn func(ctx context.Context)) {
	if d == nil {
		fn(context.Background())
		return
	}
	if !d(fn) {
		log.Warn().Str("Method", "dispatch").Str("Callback", what).Msg("callback rejected by dispatcher, dropped")
	}
}

// chromecastRouter turns browser changes into route callbacks.
type chromecastRouter struct {
	browser  *devices.Browser
	dispatch Dispatcher
	log      zerolog.Logger

	mu          sync.Mutex
	callbacks   map[RouteCallback]Selector
	unsubscribe func()
}

func routeFromDevice(d devices.Device) RouteInfo {
	return RouteInfo{
		ID:          d.ID,
		Name:        d.Name,
		Addr:        d.Addr,
		Model:       d.Model,
		Categories:  []string{CategoryCast},
		IsAudioOnly: d.IsAudioOnly,
	}
}

func defaultRoute() RouteInfo {
	return RouteInfo{
		ID:         DefaultRouteID,
		Name:       defaultRouteLabel,
		Categories: []string{CategoryLocal},
		IsDefault:  true,
	}
}

func (r *chromecastRouter) AddCallback(sel Selector, cb RouteCallback, activeScan bool) {
	r.mu.Lock()
	r.callbacks[cb] = sel
	if r.unsubscribe == nil {
		r.unsubscribe = r.browser.Subscribe(r.onChange)
	}
	r.mu.Unlock()

	if activeScan {
		r.browser.RequestScan()
	}
}

func (r *chromecastRouter) RemoveCallback(cb RouteCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.callbacks, cb)
	if len(r.callbacks) == 0 && r.unsubscribe != nil {
		r.unsubscribe()
		r.unsubscribe = nil
	}
}

func (r *chromecastRouter) Routes() []RouteInfo {
	devs := r.browser.Devices()
	routes := make([]RouteInfo, 0, len(devs)+1)
	routes = append(routes, defaultRoute())
	for _, d := range devs {
		routes = append(routes, routeFromDevice(d))
	}
	return routes
}

func (r *chromecastRouter) onChange(c devices.Change) {
	route := routeFromDevice(c.Device)

	r.mu.Lock()
	targets := make([]RouteCallback, 0, len(r.callbacks))
	for cb, sel := range r.callbacks {
		if route.Matches(sel) {
			targets = append(targets, cb)
		}
	}
	r.mu.Unlock()

	for _, cb := range targets {
		dispatch(r.dispatch, r.log, "route "+route.ID, func(context.Context) {
			switch c.Kind {
			case devices.DeviceAdded:
				cb.RouteAdded(route)
			case devices.DeviceChanged:
				cb.RouteChanged(route)
			case devices.DeviceRemoved:
				cb.RouteRemoved(route)
			}
		})
	}
}

// chromecastSessionManager owns at most one device connection.
type chromecastSessionManager struct {
	dispatch Dispatcher
	log      zerolog.Logger

	mu        sync.Mutex
	appID     string
	listeners map[SessionListener]struct{}
	current   *chromecastSession
}

func (m *chromecastSessionManager) setAppID(appID string) {
	m.mu.Lock()
	m.appID = appID
	m.mu.Unlock()
}

func (m *chromecastSessionManager) CurrentSession() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current
}

func (m *chromecastSessionManager) AddSessionListener(l SessionListener) {
	m.mu.Lock()
	m.listeners[l] = struct{}{}
	m.mu.Unlock()
}

func (m *chromecastSessionManager) RemoveSessionListener(l SessionListener) {
	m.mu.Lock()
	delete(m.listeners, l)
	m.mu.Unlock()
}

func (m *chromecastSessionManager) emit(ev SessionEvent) {
	m.mu.Lock()
	listeners := make([]SessionListener, 0, len(m.listeners))
	for l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	m.log.Debug().Str("Method", "emit").Str("Event", ev.Kind.String()).Str("SessionID", ev.SessionID).Msg("session event")
	dispatch(m.dispatch, m.log, "session "+ev.Kind.String(), func(context.Context) {
		for _, l := range listeners {
			l.OnSessionEvent(ev)
		}
	})
}

// StartSession connects to the route's device and launches the receiver
// application in the background. A running session on another device is
// ended first.
func (m *chromecastSessionManager) StartSession(route RouteInfo) error {
	if route.IsDefault {
		return ErrDefaultRoute
	}
	if route.Addr == "" {
		return fmt.Errorf("chromecast start session: route %q has no address", route.ID)
	}

	m.mu.Lock()
	prev := m.current
	appID := m.appID
	m.mu.Unlock()

	if prev != nil && prev.IsConnected() && prev.route.ID == route.ID && prev.ApplicationID() == appID {
		m.emit(SessionEvent{Kind: SessionStarted, Session: prev, SessionID: prev.SessionID()})
		return nil
	}
	if prev != nil {
		m.teardown(prev, false)
	}

	m.emit(SessionEvent{Kind: SessionStarting})
	go m.establish(route, appID)
	return nil
}

func (m *chromecastSessionManager) establish(route RouteInfo, appID string) {
	log := m.log.With().Str("Device", route.Name).Str("AppID", appID).Logger()

	conn, err := newReceiverConn(route.Addr, log)
	if err != nil {
		log.Error().Str("Method", "establish").Err(err).Msg("bad device address")
		m.emit(SessionEvent{Kind: SessionStartFailed, Error: StatusInvalidRequest})
		return
	}
	if err := conn.Connect(); err != nil {
		log.Error().Str("Method", "establish").Err(err).Msg("connect failed")
		m.emit(SessionEvent{Kind: SessionStartFailed, Error: StatusNetworkError})
		return
	}

	app, err := conn.Launch(appID)
	if err != nil {
		log.Error().Str("Method", "establish").Err(err).Msg("launch failed")
		_ = conn.Close(false)
		m.emit(SessionEvent{Kind: SessionStartFailed, Error: StatusApplicationMissing})
		return
	}

	sess := &chromecastSession{route: route, conn: conn, app: app}
	sess.connected.Store(true)

	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()

	kind := SessionStarted
	if app.Joined {
		kind = SessionResumed
	}
	log.Debug().Str("Method", "establish").Str("SessionID", app.SessionID).Str("Event", kind.String()).Msg("session up")
	m.emit(SessionEvent{Kind: kind, Session: sess, SessionID: app.SessionID})

	go m.watch(sess)
}

// watch ends the session when the device stops answering or another
// sender replaces the receiver application.
func (m *chromecastSessionManager) watch(sess *chromecastSession) {
	ticker := time.NewTicker(watchInterval)
	defer ticker.Stop()

	failures := 0
	for range ticker.C {
		if !sess.connected.Load() {
			return
		}

		app, err := sess.conn.ReceiverApp()
		switch {
		case err != nil:
			failures++
			if failures == 1 {
				m.emit(SessionEvent{Kind: SessionSuspended, Session: sess, SessionID: sess.SessionID(), Reason: "network"})
			}
			if failures < watchMaxFailures {
				continue
			}
			m.log.Warn().Str("Method", "watch").Err(err).Msg("device unreachable, ending session")
			m.finish(sess, false, StatusNetworkError)
			return
		case app.AppID != sess.ApplicationID() || app.SessionID != sess.SessionID():
			m.log.Info().Str("Method", "watch").Str("AppID", app.AppID).Msg("receiver taken over")
			m.finish(sess, false, StatusReplaced)
			return
		default:
			if failures > 0 {
				m.emit(SessionEvent{Kind: SessionResumed, Session: sess, SessionID: sess.SessionID()})
			}
			failures = 0
		}
	}
}

// EndCurrentSession tears the current session down in the background.
func (m *chromecastSessionManager) EndCurrentSession(stopReceiver bool) error {
	m.mu.Lock()
	sess := m.current
	m.mu.Unlock()

	if sess == nil {
		return ErrNoSession
	}
	m.teardown(sess, stopReceiver)
	return nil
}

func (m *chromecastSessionManager) teardown(sess *chromecastSession, stopReceiver bool) {
	m.emit(SessionEvent{Kind: SessionEnding, Session: sess, SessionID: sess.SessionID()})
	go m.finish(sess, stopReceiver, StatusSuccess)
}

func (m *chromecastSessionManager) finish(sess *chromecastSession, stopReceiver bool, code int) {
	if !sess.connected.CompareAndSwap(true, false) {
		return
	}
	if err := sess.conn.Close(stopReceiver); err != nil {
		m.log.Debug().Str("Method", "finish").Err(err).Msg("close failed")
	}

	m.mu.Lock()
	if m.current == sess {
		m.current = nil
	}
	m.mu.Unlock()

	m.emit(SessionEvent{Kind: SessionEnded, Session: sess, SessionID: sess.SessionID(), Error: code})
}

func (m *chromecastSessionManager) closeCurrent() error {
	m.mu.Lock()
	sess := m.current
	m.current = nil
	m.mu.Unlock()

	if sess == nil || !sess.connected.CompareAndSwap(true, false) {
		return nil
	}
	return sess.conn.Close(false)
}

// chromecastSession is a live connection to one receiver application.
type chromecastSession struct {
	route     RouteInfo
	conn      receiverConn
	app       ReceiverApp
	connected atomic.Bool
}

func (s *chromecastSession) SessionID() string     { return s.app.SessionID }
func (s *chromecastSession) ApplicationID() string { return s.app.AppID }
func (s *chromecastSession) DeviceName() string    { return s.route.Name }

func (s *chromecastSession) IsConnected() bool {
	return s.connected.Load() && s.conn.IsConnected()
}

func (s *chromecastSession) MediaClient() MediaClient {
	if s.app.TransportID == "" || !s.IsConnected() {
		return nil
	}
	return &chromecastMedia{conn: s.conn, transportID: s.app.TransportID}
}

// chromecastMedia runs media commands on a goroutine each and reports the
// result on a one-value channel.
type chromecastMedia struct {
	conn        receiverConn
	transportID string
}

func (c *chromecastMedia) Stop() <-chan MediaResult {
	out := make(chan MediaResult, 1)
	go func() {
		if err := c.conn.Stop(c.transportID); err != nil {
			out <- MediaResult{StatusCode: StatusNetworkError, Err: err}
			return
		}
		out <- MediaResult{StatusCode: StatusSuccess}
	}()
	return out
}

func (c *chromecastMedia) Load(req LoadRequestData) <-chan MediaResult {
	out := make(chan MediaResult, 1)
	go func() {
		if err := c.conn.Load(c.transportID, req); err != nil {
			out <- MediaResult{StatusCode: StatusNetworkError, Err: err}
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), loadAwaitMax)
		defer cancel()
		out <- c.conn.AwaitLoad(ctx, req.Media.ContentId, loadPollInterval)
	}()
	return out
}

// SortRoutes orders routes by name, then ID.
func SortRoutes(routes []RouteInfo) {
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Name == routes[j].Name {
			return routes[i].ID < routes[j].ID
		}
		return routes[i].Name < routes[j].Name
	})
}
