package castsession

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go2tv.app/castsession/castprotocol"
	"go2tv.app/castsession/coordinator"
	"go2tv.app/castsession/utils"
)

const (
	sniffTimeout    = 3 * time.Second
	diagnoseTimeout = 250 * time.Millisecond
)

// LoadRequest is what a caller wants played.
type LoadRequest struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Subtitle    string `json:"subtitle,omitempty"`
	ImageURL    string `json:"imageUrl,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

type loadPhase int

const (
	phaseIdle loadPhase = iota
	phaseBuildingRequest
	phaseAwaitingSession
	phaseStopping
	phaseLoading
	phaseSuccess
	phaseFailed
)

var phaseNames = [...]string{"Idle", "BuildingRequest", "AwaitingSession", "Stopping", "Loading", "Success", "Failed"}

func (p loadPhase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "Unknown"
}

// sessionWaiter is the transient lifecycle listener used while waiting for
// a session. It runs on the coordinator and only signals.
type sessionWaiter struct {
	done chan struct{}
	once sync.Once
}

func newSessionWaiter() *sessionWaiter {
	return &sessionWaiter{done: make(chan struct{})}
}

func (w *sessionWaiter) OnSessionEvent(ev castprotocol.SessionEvent) {
	switch ev.Kind {
	case castprotocol.SessionStarted, castprotocol.SessionResumed,
		castprotocol.SessionStartFailed, castprotocol.SessionResumeFailed:
		w.once.Do(func() { close(w.done) })
	}
}

// resolved is what the coordinator reports about the current session.
type resolved struct {
	connected bool
	media     castprotocol.MediaClient
	appID     string
	device    string
	sessionID string
}

func resolve(sessions castprotocol.SessionManager) resolved {
	s := sessions.CurrentSession()
	if s == nil || !s.IsConnected() {
		return resolved{}
	}
	return resolved{
		connected: true,
		media:     s.MediaClient(),
		appID:     s.ApplicationID(),
		device:    s.DeviceName(),
		sessionID: s.SessionID(),
	}
}

// Loader runs the media load pipeline. Every SDK call is a short
// coordinator step; the waits in between happen on the caller goroutine.
type Loader struct {
	coord    *coordinator.Coordinator
	identity *Identity
	bus      *Bus
	opts     Options
	log      zerolog.Logger

	// Swapped in tests.
	sniff func(ctx context.Context, mediaURL string) (string, error)
	token func() int64
}

// NewLoader returns a Loader.
func NewLoader(coord *coordinator.Coordinator, identity *Identity, bus *Bus, opts Options, logger zerolog.Logger) *Loader {
	return &Loader{
		coord:    coord,
		identity: identity,
		bus:      bus,
		opts:     opts.withDefaults(),
		log:      logger,
		sniff:    utils.SniffContentType,
		token:    utils.Token,
	}
}

// buildLoadRequest appends the cache buster to the URL and attaches only
// the metadata fields that are set.
func buildLoadRequest(req LoadRequest, contentType string, token int64) (castprotocol.LoadRequestData, error) {
	contentID, err := utils.AppendToken(strings.TrimSpace(req.URL), token)
	if err != nil {
		return castprotocol.LoadRequestData{}, wrapError(InvalidArgument, "Media URL is invalid", err)
	}

	meta := &castprotocol.MediaMeta{MetadataType: castprotocol.MetadataTypeMovie}
	if req.Title != "" {
		meta.Title = req.Title
	}
	if req.Subtitle != "" {
		meta.Subtitle = req.Subtitle
	}
	if req.ImageURL != "" {
		meta.Images = []castprotocol.MediaImage{{URL: req.ImageURL}}
	}

	return castprotocol.LoadRequestData{
		Media: castprotocol.MediaItem{
			ContentId:   contentID,
			ContentType: contentType,
			StreamType:  castprotocol.StreamTypeBuffered,
			Metadata:    meta,
		},
		Autoplay:    true,
		CurrentTime: 0,
	}, nil
}

func (l *Loader) contentType(ctx context.Context, req LoadRequest) string {
	if ct := strings.TrimSpace(req.ContentType); ct != "" {
		return ct
	}
	if !l.opts.SniffContentType {
		return l.opts.DefaultContentType
	}

	sctx, cancel := context.WithTimeout(ctx, sniffTimeout)
	defer cancel()
	ct, err := l.sniff(sctx, req.URL)
	if err != nil {
		l.log.Debug().Str("Method", "contentType").Err(err).Msg("sniff failed, using default")
		return l.opts.DefaultContentType
	}
	return ct
}

func hopError(err error) error {
	if err == coordinator.ErrTimeout {
		return wrapError(Unknown, "Cast coordinator did not respond in time", err)
	}
	return wrapError(Unknown, fmt.Sprintf("Cast coordinator unavailable: %v", err), err)
}

// Load plays req on the current session, waiting for one if needed.
func (l *Loader) Load(ctx context.Context, sessions castprotocol.SessionManager, req LoadRequest) (err error) {
	phase := phaseIdle
	log := l.log.With().Str("Method", "LoadMedia").Logger()
	enter := func(p loadPhase) {
		phase = p
		log.Debug().Str("Phase", p.String()).Msg("load phase")
	}
	defer func() {
		if err != nil {
			log.Warn().Str("Phase", phase.String()).Err(err).Msg("load failed")
			enter(phaseFailed)
			l.bus.Publish(Event{Type: EventMediaError, URL: req.URL, Message: err.Error(), StatusCode: statusCodeOf(err)})
		}
	}()

	enter(phaseBuildingRequest)
	data, err := buildLoadRequest(req, l.contentType(ctx, req), l.token())
	if err != nil {
		return err
	}

	enter(phaseAwaitingSession)
	cur, err := l.awaitSession(ctx, sessions)
	if err != nil {
		return err
	}
	if !cur.connected {
		return newError(NoActiveSession, "No active Cast session")
	}
	if want := l.identity.Current(); cur.appID != want {
		log.Warn().Str("AppID", cur.appID).Str("Expected", want).Str("Device", cur.device).Msg("session runs a different receiver application, loading anyway")
	}
	if cur.media == nil {
		return newError(ChannelUnavailable, "Media channel unavailable on the current session")
	}

	enter(phaseStopping)
	l.stopBestEffort(ctx, cur.media, log)

	enter(phaseLoading)
	pending, err := coordinator.Call(ctx, l.coord, l.opts.HopTimeout, func(context.Context) (<-chan castprotocol.MediaResult, error) {
		return cur.media.Load(data), nil
	})
	if err != nil {
		return hopError(err)
	}

	timer := time.NewTimer(l.opts.LoadTimeout)
	defer timer.Stop()

	select {
	case res := <-pending:
		if !res.Success() {
			return &Error{
				Kind:       LoadRejected,
				StatusCode: res.StatusCode,
				Msg:        fmt.Sprintf("Media load failed: statusCode=%d", res.StatusCode),
				Err:        res.Err,
			}
		}
	case <-timer.C:
		app, device := l.diagnose(sessions)
		return newError(LoadTimeout, fmt.Sprintf("Media load timed out after %s (app=%s, device=%s)", l.opts.LoadTimeout, app, device))
	case <-ctx.Done():
		return wrapError(Unknown, "Media load abandoned", ctx.Err())
	}

	enter(phaseSuccess)
	l.bus.Publish(Event{
		Type:          EventMediaLoaded,
		URL:           req.URL,
		SessionID:     cur.sessionID,
		DeviceName:    cur.device,
		ApplicationID: cur.appID,
	})
	return nil
}

// awaitSession returns the current connected session, waiting up to
// SessionWaitTimeout for a lifecycle event if there is none.
func (l *Loader) awaitSession(ctx context.Context, sessions castprotocol.SessionManager) (resolved, error) {
	waiter := newSessionWaiter()
	registered := false

	cur, err := coordinator.Call(ctx, l.coord, l.opts.HopTimeout, func(context.Context) (resolved, error) {
		cur := resolve(sessions)
		if !cur.connected {
			sessions.AddSessionListener(waiter)
			registered = true
		}
		return cur, nil
	})
	if err != nil {
		// The registration may still land after a timeout.
		l.removeWaiter(sessions, waiter)
		return resolved{}, hopError(err)
	}
	if cur.connected {
		return cur, nil
	}
	if !registered {
		return resolved{}, nil
	}
	defer l.removeWaiter(sessions, waiter)

	l.log.Info().Str("Method", "LoadMedia").Dur("Wait", l.opts.SessionWaitTimeout).Msg("no active Cast session yet, waiting")
	timer := time.NewTimer(l.opts.SessionWaitTimeout)
	defer timer.Stop()

	select {
	case <-waiter.done:
	case <-timer.C:
	case <-ctx.Done():
		return resolved{}, wrapError(Unknown, "Waiting for a Cast session was abandoned", ctx.Err())
	}

	cur, err = coordinator.Call(ctx, l.coord, l.opts.HopTimeout, func(context.Context) (resolved, error) {
		return resolve(sessions), nil
	})
	if err != nil {
		return resolved{}, hopError(err)
	}
	return cur, nil
}

func (l *Loader) removeWaiter(sessions castprotocol.SessionManager, waiter *sessionWaiter) {
	err := l.coord.Run(context.Background(), l.opts.HopTimeout, func(context.Context) error {
		sessions.RemoveSessionListener(waiter)
		return nil
	})
	if err != nil {
		l.log.Debug().Str("Method", "removeWaiter").Err(err).Msg("listener removal did not complete")
	}
}

// stopBestEffort stops current playback and waits briefly. Failures are
// logged and otherwise ignored.
func (l *Loader) stopBestEffort(ctx context.Context, media castprotocol.MediaClient, log zerolog.Logger) {
	pending, err := coordinator.Call(ctx, l.coord, l.opts.HopTimeout, func(context.Context) (<-chan castprotocol.MediaResult, error) {
		return media.Stop(), nil
	})
	if err != nil {
		log.Debug().Err(err).Msg("stop not issued")
		return
	}

	timer := time.NewTimer(l.opts.StopTimeout)
	defer timer.Stop()

	select {
	case res := <-pending:
		if !res.Success() {
			log.Debug().Str("Result", res.String()).Msg("stop rejected")
		}
	case <-timer.C:
		log.Debug().Msg("stop result not received in time")
	case <-ctx.Done():
	}
}

// diagnose reads the current application and device names without
// waiting long for the coordinator.
func (l *Loader) diagnose(sessions castprotocol.SessionManager) (string, string) {
	cur, err := coordinator.Call(context.Background(), l.coord, diagnoseTimeout, func(context.Context) (resolved, error) {
		return resolve(sessions), nil
	})
	if err != nil || !cur.connected {
		return "unknown", "unknown"
	}
	app, device := cur.appID, cur.device
	if app == "" {
		app = "unknown"
	}
	if device == "" {
		device = "unknown"
	}
	return app, device
}

func statusCodeOf(err error) int {
	if e, ok := err.(*Error); ok {
		return e.StatusCode
	}
	return 0
}
