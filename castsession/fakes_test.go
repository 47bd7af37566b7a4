package castsession

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/castsession/castprotocol"
)

type memStore struct {
	mu     sync.Mutex
	values map[string]string
	err    error
	sets   int
}

func newMemStore() *memStore {
	return &memStore{values: make(map[string]string)}
}

func (s *memStore) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *memStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets++
	if s.err != nil {
		return s.err
	}
	s.values[key] = value
	return nil
}

func goroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	fields := strings.Fields(strings.TrimPrefix(string(buf[:n]), "goroutine "))
	if len(fields) == 0 {
		return 0
	}
	id, _ := strconv.ParseUint(fields[0], 10, 64)
	return id
}

// coordCheck records SDK calls made from any goroutine other than the
// coordinator's. It is inert until the coordinator goroutine is known.
type coordCheck struct {
	mu        sync.Mutex
	gid       uint64
	offenders []string
}

func (c *coordCheck) setGoroutine(id uint64) {
	c.mu.Lock()
	c.gid = id
	c.mu.Unlock()
}

func (c *coordCheck) check(method string) {
	if c == nil {
		return
	}
	id := goroutineID()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gid != 0 && id != c.gid {
		c.offenders = append(c.offenders, method)
	}
}

// take returns the offending calls so far and forgets them.
func (c *coordCheck) take() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.offenders
	c.offenders = nil
	return out
}

type fakeSDK struct {
	mu         sync.Mutex
	version    string
	probeErr   error
	contextErr error
	probes     int
	contexts   int
	lastOpts   castprotocol.CastOptions
	router     *fakeRouter
	sessions   *fakeSessionManager
	check      *coordCheck

	// contextDelay stalls SharedContext before it does anything.
	contextDelay time.Duration
}

func newFakeSDK() *fakeSDK {
	check := &coordCheck{}
	return &fakeSDK{
		version:  "v0.3.4",
		router:   &fakeRouter{check: check, callbacks: make(map[castprotocol.RouteCallback]castprotocol.Selector)},
		sessions: &fakeSessionManager{check: check, listeners: make(map[castprotocol.SessionListener]struct{})},
		check:    check,
	}
}

func (f *fakeSDK) Probe() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.version, f.probeErr
}

func (f *fakeSDK) SharedContext(opts castprotocol.CastOptions) (castprotocol.CastContext, error) {
	f.check.check("SharedContext")
	f.mu.Lock()
	delay := f.contextDelay
	f.mu.Unlock()
	time.Sleep(delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.contexts++
	f.lastOpts = opts
	if f.contextErr != nil {
		return nil, f.contextErr
	}
	f.router.setDispatch(opts.Dispatch)
	f.sessions.setDispatch(opts.Dispatch)
	return f, nil
}

func (f *fakeSDK) SessionManager() castprotocol.SessionManager { return f.sessions }
func (f *fakeSDK) Router() castprotocol.Router                 { return f.router }

func (f *fakeSDK) counts() (probes, contexts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes, f.contexts
}

type fakeRouter struct {
	check     *coordCheck
	mu        sync.Mutex
	dispatch  castprotocol.Dispatcher
	routes    []castprotocol.RouteInfo
	callbacks map[castprotocol.RouteCallback]castprotocol.Selector
	adds      int
	removes   int
	scans     int
	panicking bool
	// onAdd runs after a callback is registered, outside the lock.
	onAdd func()
}

func (r *fakeRouter) setDispatch(d castprotocol.Dispatcher) {
	r.mu.Lock()
	r.dispatch = d
	r.mu.Unlock()
}

func (r *fakeRouter) AddCallback(sel castprotocol.Selector, cb castprotocol.RouteCallback, activeScan bool) {
	r.check.check("AddCallback")
	r.mu.Lock()
	r.callbacks[cb] = sel
	r.adds++
	if activeScan {
		r.scans++
	}
	hook := r.onAdd
	r.mu.Unlock()

	if hook != nil {
		hook()
	}
}

func (r *fakeRouter) RemoveCallback(cb castprotocol.RouteCallback) {
	r.check.check("RemoveCallback")
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.callbacks, cb)
	r.removes++
}

func (r *fakeRouter) Routes() []castprotocol.RouteInfo {
	r.check.check("Routes")
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.panicking {
		panic("router exploded")
	}
	return append([]castprotocol.RouteInfo(nil), r.routes...)
}

func (r *fakeRouter) addRoute(route castprotocol.RouteInfo) {
	r.mu.Lock()
	r.routes = append(r.routes, route)
	r.mu.Unlock()
}

// announce delivers RouteAdded to every callback through the dispatcher.
func (r *fakeRouter) announce(route castprotocol.RouteInfo) {
	r.mu.Lock()
	d := r.dispatch
	cbs := make([]castprotocol.RouteCallback, 0, len(r.callbacks))
	for cb := range r.callbacks {
		cbs = append(cbs, cb)
	}
	r.mu.Unlock()

	for _, cb := range cbs {
		d(func(context.Context) { cb.RouteAdded(route) })
	}
}

func (r *fakeRouter) stats() (adds, removes, live int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.adds, r.removes, len(r.callbacks)
}

type fakeSessionManager struct {
	check     *coordCheck
	mu        sync.Mutex
	dispatch  castprotocol.Dispatcher
	current   *fakeSession
	listeners map[castprotocol.SessionListener]struct{}
	addCalls  int
	ends      []bool
	endErr    error
	starts    []castprotocol.RouteInfo
	startErr  error
}

func (m *fakeSessionManager) setDispatch(d castprotocol.Dispatcher) {
	m.mu.Lock()
	m.dispatch = d
	m.mu.Unlock()
}

func (m *fakeSessionManager) CurrentSession() castprotocol.Session {
	m.check.check("CurrentSession")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil
	}
	return m.current
}

func (m *fakeSessionManager) setCurrent(s *fakeSession) {
	if s != nil {
		s.check.Store(m.check)
		if s.media != nil {
			s.media.check.Store(m.check)
		}
	}
	m.mu.Lock()
	m.current = s
	m.mu.Unlock()
}

func (m *fakeSessionManager) AddSessionListener(l castprotocol.SessionListener) {
	m.check.check("AddSessionListener")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners[l] = struct{}{}
	m.addCalls++
}

func (m *fakeSessionManager) RemoveSessionListener(l castprotocol.SessionListener) {
	m.check.check("RemoveSessionListener")
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.listeners, l)
}

func (m *fakeSessionManager) EndCurrentSession(stopReceiver bool) error {
	m.check.check("EndCurrentSession")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ends = append(m.ends, stopReceiver)
	return m.endErr
}

func (m *fakeSessionManager) StartSession(route castprotocol.RouteInfo) error {
	m.check.check("StartSession")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts = append(m.starts, route)
	return m.startErr
}

// emit delivers ev to every listener through the dispatcher.
func (m *fakeSessionManager) emit(ev castprotocol.SessionEvent) {
	m.mu.Lock()
	d := m.dispatch
	ls := make([]castprotocol.SessionListener, 0, len(m.listeners))
	for l := range m.listeners {
		ls = append(ls, l)
	}
	m.mu.Unlock()

	d(func(context.Context) {
		for _, l := range ls {
			l.OnSessionEvent(ev)
		}
	})
}

func (m *fakeSessionManager) listenerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.listeners)
}

func (m *fakeSessionManager) adds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addCalls
}

type fakeSession struct {
	check     atomic.Pointer[coordCheck]
	mu        sync.Mutex
	id        string
	connected bool
	appID     string
	device    string
	media     *fakeMedia
}

func connectedSession(appID string, media *fakeMedia) *fakeSession {
	return &fakeSession{id: "session-1", connected: true, appID: appID, device: "Living Room TV", media: media}
}

func (s *fakeSession) SessionID() string {
	s.check.Load().check("SessionID")
	return s.id
}

func (s *fakeSession) IsConnected() bool {
	s.check.Load().check("IsConnected")
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeSession) ApplicationID() string {
	s.check.Load().check("ApplicationID")
	return s.appID
}

func (s *fakeSession) DeviceName() string {
	s.check.Load().check("DeviceName")
	return s.device
}

func (s *fakeSession) MediaClient() castprotocol.MediaClient {
	s.check.Load().check("MediaClient")
	if s.media == nil {
		return nil
	}
	return s.media
}

// fakeMedia answers Stop and Load with scripted results; a nil result
// never answers.
type fakeMedia struct {
	check      atomic.Pointer[coordCheck]
	mu         sync.Mutex
	stopResult *castprotocol.MediaResult
	loadResult *castprotocol.MediaResult
	stops      int
	loads      []castprotocol.LoadRequestData
	panicLoad  bool
}

func okResult() *castprotocol.MediaResult {
	return &castprotocol.MediaResult{StatusCode: castprotocol.StatusSuccess}
}

func (m *fakeMedia) Stop() <-chan castprotocol.MediaResult {
	m.check.Load().check("Stop")
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stops++
	ch := make(chan castprotocol.MediaResult, 1)
	if m.stopResult != nil {
		ch <- *m.stopResult
	}
	return ch
}

func (m *fakeMedia) Load(req castprotocol.LoadRequestData) <-chan castprotocol.MediaResult {
	m.check.Load().check("Load")
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.panicLoad {
		panic("load exploded")
	}
	m.loads = append(m.loads, req)
	ch := make(chan castprotocol.MediaResult, 1)
	if m.loadResult != nil {
		ch <- *m.loadResult
	}
	return ch
}

func (m *fakeMedia) calls() (stops, loads int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stops, len(m.loads)
}

var tvRoute = castprotocol.RouteInfo{
	ID:         "tv-1",
	Name:       "Living Room TV",
	Addr:       "192.168.1.20:8009",
	Categories: []string{castprotocol.CategoryCast},
}

var localRoute = castprotocol.RouteInfo{
	ID:         castprotocol.DefaultRouteID,
	Name:       "This device",
	Categories: []string{castprotocol.CategoryCast},
	IsDefault:  true,
}

var errBoom = errors.New("boom")

func testOptions() Options {
	return Options{
		ScanWindow:         150 * time.Millisecond,
		SessionWaitTimeout: 150 * time.Millisecond,
		StopTimeout:        50 * time.Millisecond,
		LoadTimeout:        150 * time.Millisecond,
		HopTimeout:         time.Second,
	}
}

func newTestController(t *testing.T, sdk *fakeSDK, store Store) *Controller {
	t.Helper()
	c, err := New(sdk, store, testOptions(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() err = %v", err)
	}
	c.loader.token = func() int64 { return 42 }

	var gid uint64
	if err := c.coord.Run(context.Background(), time.Second, func(context.Context) error {
		gid = goroutineID()
		return nil
	}); err != nil {
		t.Fatalf("coordinator Run() err = %v", err)
	}
	sdk.check.setGoroutine(gid)
	t.Cleanup(func() {
		if off := sdk.check.take(); len(off) > 0 {
			t.Errorf("SDK called off the coordinator: %v", off)
		}
	})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func initializedController(t *testing.T, sdk *fakeSDK) *Controller {
	t.Helper()
	c := newTestController(t, sdk, newMemStore())
	if out := c.Initialize(context.Background(), castprotocol.DefaultReceiverAppID); !out.Success {
		t.Fatalf("Initialize() = %+v", out)
	}
	return c
}
