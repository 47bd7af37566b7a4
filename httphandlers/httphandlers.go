package httphandlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go2tv.app/castsession/castprotocol"
	"go2tv.app/castsession/castsession"
)

const (
	maxBodyBytes = 64 << 10
	eventBuffer  = 64
	writeWait    = 5 * time.Second
)

// Controller is the subset of *castsession.Controller exposed over HTTP.
type Controller interface {
	Initialize(ctx context.Context, receiverID string) castsession.Outcome
	IsInitialized() bool
	IsSessionActive(ctx context.Context) bool
	Session() castsession.Snapshot
	EndSession(ctx context.Context) castsession.Outcome
	RequestSession(ctx context.Context, routeID string) castsession.Outcome
	AreDevicesAvailable(ctx context.Context) bool
	Devices(ctx context.Context) ([]castprotocol.RouteInfo, castsession.Outcome)
	LoadMedia(ctx context.Context, req castsession.LoadRequest) castsession.Outcome
	LastError() string
	Subscribe(buffer int) (<-chan castsession.Event, func())
}

// HTTPserver exposes a Controller as a small JSON API.
type HTTPserver struct {
	http     *http.Server
	Mux      *http.ServeMux
	ctrl     Controller
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

type initializeRequest struct {
	ReceiverApplicationID string `json:"receiverApplicationId"`
}

type sessionRequest struct {
	RouteID string `json:"routeId"`
}

type mediaMetadata struct {
	Title       string   `json:"title"`
	Subtitle    string   `json:"subtitle"`
	Images      []string `json:"images"`
	ContentType string   `json:"contentType"`
}

type loadRequest struct {
	URL      string        `json:"url"`
	Metadata mediaMetadata `json:"metadata"`
}

type initializedResponse struct {
	castsession.Outcome
	Initialized bool `json:"initialized"`
}

type sessionResponse struct {
	castsession.Outcome
	Active  bool                 `json:"active"`
	Message string               `json:"message"`
	Session castsession.Snapshot `json:"session"`
}

type availableResponse struct {
	castsession.Outcome
	Available bool   `json:"available"`
	Message   string `json:"message"`
}

type devicesResponse struct {
	castsession.Outcome
	Devices []device `json:"devices"`
}

type device struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Model       string `json:"model,omitempty"`
	Address     string `json:"address"`
	IsAudioOnly bool   `json:"isAudioOnly"`
}

type lastErrorResponse struct {
	Error string `json:"error"`
}

// NewServer wires every route onto a fresh mux.
func NewServer(addr string, ctrl Controller, logger zerolog.Logger) *HTTPserver {
	mux := http.NewServeMux()
	s := &HTTPserver{
		http: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Mux:  mux,
		ctrl: ctrl,
		log:  logger,
	}

	mux.HandleFunc("POST /initialize", s.initializeHandler)
	mux.HandleFunc("GET /initialized", s.initializedHandler)
	mux.HandleFunc("GET /session", s.sessionHandler)
	mux.HandleFunc("POST /session/end", s.endSessionHandler)
	mux.HandleFunc("POST /session/request", s.requestSessionHandler)
	mux.HandleFunc("GET /devices/available", s.availableHandler)
	mux.HandleFunc("GET /devices", s.devicesHandler)
	mux.HandleFunc("POST /media/load", s.loadMediaHandler)
	mux.HandleFunc("GET /lasterror", s.lastErrorHandler)
	mux.HandleFunc("GET /events", s.eventsHandler)

	return s
}

// StartServer listens on the configured address and serves until
// StopServer. The listen result is reported on serverStarted.
func (s *HTTPserver) StartServer(serverStarted chan<- error) {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		serverStarted <- fmt.Errorf("server listen error: %w", err)
		return
	}

	s.log.Info().Str("Method", "StartServer").Str("Addr", ln.Addr().String()).Msg("bridge listening")
	serverStarted <- nil
	_ = s.http.Serve(ln)
}

// StopServer gracefully shuts the server down within timeout.
func (s *HTTPserver) StopServer(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func statusFor(out castsession.Outcome) int {
	if out.Success {
		return http.StatusOK
	}
	switch out.Code {
	case castsession.InvalidArgument:
		return http.StatusBadRequest
	case castsession.NotInitialized:
		return http.StatusPreconditionFailed
	case castsession.DependencyUnavailable:
		return http.StatusServiceUnavailable
	case castsession.NoActiveSession, castsession.NoDevice:
		return http.StatusNotFound
	case castsession.ChannelUnavailable:
		return http.StatusConflict
	case castsession.LoadRejected:
		return http.StatusBadGateway
	case castsession.LoadTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *HTTPserver) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Str("Method", "writeJSON").Err(err).Msg("response write failed")
	}
}

// decode reads a JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (s *HTTPserver) badRequest(w http.ResponseWriter, err error) {
	s.writeJSON(w, http.StatusBadRequest, castsession.Outcome{
		Error: fmt.Sprintf("invalid request body: %v", err),
		Code:  castsession.InvalidArgument,
	})
}

func (s *HTTPserver) initializeHandler(w http.ResponseWriter, r *http.Request) {
	var req initializeRequest
	if err := decode(w, r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	out := s.ctrl.Initialize(r.Context(), req.ReceiverApplicationID)
	s.writeJSON(w, statusFor(out), out)
}

func (s *HTTPserver) initializedHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, initializedResponse{
		Outcome:     castsession.Outcome{Success: true},
		Initialized: s.ctrl.IsInitialized(),
	})
}

func (s *HTTPserver) sessionHandler(w http.ResponseWriter, r *http.Request) {
	active := s.ctrl.IsSessionActive(r.Context())
	msg := "No active Cast session."
	if active {
		msg = "There is an active Cast session."
	}
	s.writeJSON(w, http.StatusOK, sessionResponse{
		Outcome: castsession.Outcome{Success: true},
		Active:  active,
		Message: msg,
		Session: s.ctrl.Session(),
	})
}

func (s *HTTPserver) endSessionHandler(w http.ResponseWriter, r *http.Request) {
	out := s.ctrl.EndSession(r.Context())
	s.writeJSON(w, statusFor(out), out)
}

func (s *HTTPserver) requestSessionHandler(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := decode(w, r, &req); err != nil {
		s.badRequest(w, err)
		return
	}
	out := s.ctrl.RequestSession(r.Context(), req.RouteID)
	s.writeJSON(w, statusFor(out), out)
}

func (s *HTTPserver) availableHandler(w http.ResponseWriter, r *http.Request) {
	if !s.ctrl.IsInitialized() {
		out := castsession.NotInitializedOutcome()
		s.writeJSON(w, statusFor(out), availableResponse{Outcome: out, Message: "No Cast devices available."})
		return
	}
	available := s.ctrl.AreDevicesAvailable(r.Context())
	msg := "No Cast devices available."
	if available {
		msg = "There are Cast devices available."
	}
	s.writeJSON(w, http.StatusOK, availableResponse{
		Outcome:   castsession.Outcome{Success: true},
		Available: available,
		Message:   msg,
	})
}

func (s *HTTPserver) devicesHandler(w http.ResponseWriter, r *http.Request) {
	routes, out := s.ctrl.Devices(r.Context())
	devs := make([]device, 0, len(routes))
	for _, rt := range routes {
		devs = append(devs, device{
			ID:          rt.ID,
			Name:        rt.Name,
			Model:       rt.Model,
			Address:     rt.Addr,
			IsAudioOnly: rt.IsAudioOnly,
		})
	}
	s.writeJSON(w, statusFor(out), devicesResponse{Outcome: out, Devices: devs})
}

func (s *HTTPserver) loadMediaHandler(w http.ResponseWriter, r *http.Request) {
	var req loadRequest
	if err := decode(w, r, &req); err != nil {
		s.badRequest(w, err)
		return
	}

	lr := castsession.LoadRequest{
		URL:         req.URL,
		Title:       req.Metadata.Title,
		Subtitle:    req.Metadata.Subtitle,
		ContentType: req.Metadata.ContentType,
	}
	for _, img := range req.Metadata.Images {
		if strings.TrimSpace(img) != "" {
			lr.ImageURL = img
			break
		}
	}

	out := s.ctrl.LoadMedia(r.Context(), lr)
	s.writeJSON(w, statusFor(out), out)
}

func (s *HTTPserver) lastErrorHandler(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, lastErrorResponse{Error: s.ctrl.LastError()})
}

// eventsHandler streams bus events as JSON text frames until the client
// goes away or the bus closes.
func (s *HTTPserver) eventsHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Str("Method", "eventsHandler").Err(err).Msg("upgrade failed")
		return
	}
	defer conn.Close()

	events, cancel := s.ctrl.Subscribe(eventBuffer)
	defer cancel()

	// Reads only detect the peer closing.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closing"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug().Str("Method", "eventsHandler").Err(err).Msg("client write failed")
				return
			}
		}
	}
}
