package castprotocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vishen/go-chromecast/application"
	"github.com/vishen/go-chromecast/cast"
)

const (
	defaultCastPort   = 8009
	connectRetries    = 5
	appUpdateAttempts = 8
	appUpdateBackoff  = 250 * time.Millisecond
)

var (
	// ErrNotConnected is returned when the device connection is closed.
	ErrNotConnected = errors.New("chromecast: not connected")
	// ErrAppNotRunning is returned when the receiver app never reported a
	// transport.
	ErrAppNotRunning = errors.New("chromecast: receiver application not running")
)

// castApplication is the subset of go-chromecast's Application in use.
type castApplication interface {
	Start(addr string, port int) error
	Update() error
	App() *cast.Application
	Status() (*cast.Application, *cast.Media, *cast.Volume)
	Close(stopMedia bool) error
}

// ReceiverApp describes the application running on the device.
type ReceiverApp struct {
	AppID       string
	DisplayName string
	SessionID   string
	TransportID string
	// Joined is set by Launch when the application was already running.
	Joined bool
}

// CastClient wraps go-chromecast Application for simplified API
type CastClient struct {
	app         castApplication
	conn        cast.Conn // keep reference to connection for custom commands
	mu          sync.RWMutex
	host        string
	port        int
	connected   bool
	Logger      zerolog.Logger
	LogOutput   io.Writer
	initLogOnce sync.Once
}

// Log returns the zerolog logger, initializing it lazily if LogOutput is set.
func (c *CastClient) Log() *zerolog.Logger {
	if c.LogOutput != nil {
		c.initLogOnce.Do(func() {
			c.Logger = zerolog.New(c.LogOutput).With().Timestamp().Logger()
		})
	}
	return &c.Logger
}

// NewCastClient creates a client for a device address such as
// "http://192.168.1.20:8009" or "192.168.1.20:8009".
func NewCastClient(deviceAddr string) (*CastClient, error) {
	host, port, err := splitDeviceAddr(deviceAddr)
	if err != nil {
		return nil, err
	}

	// Create our own connection that we can use for custom commands
	conn := cast.NewConnection()

	app := application.NewApplication(
		application.WithConnection(conn),
		application.WithConnectionRetries(connectRetries), // slow TVs need time to wake
	)

	return &CastClient{
		app:    app,
		conn:   conn,
		host:   host,
		port:   port,
		Logger: zerolog.Nop(),
	}, nil
}

func splitDeviceAddr(deviceAddr string) (string, int, error) {
	raw := deviceAddr
	if u, err := url.Parse(deviceAddr); err == nil && u.Host != "" {
		raw = u.Host
	}

	host, portStr, err := net.SplitHostPort(raw)
	if err != nil {
		// No port in the address.
		if raw == "" {
			return "", 0, fmt.Errorf("parse device addr: empty address")
		}
		return raw, defaultCastPort, nil
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 {
		return "", 0, fmt.Errorf("parse device addr: bad port %q", portStr)
	}
	return host, port, nil
}

// Connect establishes connection to the Chromecast device.
func (c *CastClient) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.app == nil {
		return fmt.Errorf("chromecast connect: app is nil")
	}

	c.Log().Debug().Str("Method", "Connect").Str("Host", c.host).Int("Port", c.port).Msg("connecting")
	if err := c.app.Start(c.host, c.port); err != nil {
		c.Log().Error().Str("Method", "Connect").Err(err).Msg("connection failed")
		return fmt.Errorf("chromecast connect: %w", err)
	}
	c.connected = true
	c.Log().Debug().Str("Method", "Connect").Msg("connected successfully")
	return nil
}

// Launch starts appID on the device unless it is already running and
// returns the running application once it reports a transport.
func (c *CastClient) Launch(appID string) (ReceiverApp, error) {
	if !c.IsConnected() {
		return ReceiverApp{}, ErrNotConnected
	}

	if running, err := c.ReceiverApp(); err == nil && running.AppID == appID && running.TransportID != "" {
		c.Log().Debug().Str("Method", "Launch").Str("AppID", appID).Msg("receiver already running")
		running.Joined = true
		return running, nil
	}

	c.Log().Debug().Str("Method", "Launch").Str("AppID", appID).Msg("launching receiver")
	if err := sendLaunch(c.conn, appID); err != nil {
		c.Log().Error().Str("Method", "Launch").Err(err).Msg("launch failed")
		return ReceiverApp{}, err
	}

	// Retry getting app state with backoff until the transport shows up.
	for i := range appUpdateAttempts {
		if !c.IsConnected() {
			return ReceiverApp{}, ErrNotConnected
		}
		running, err := c.ReceiverApp()
		if err == nil && running.AppID == appID && running.TransportID != "" {
			c.Log().Debug().Str("Method", "Launch").Str("TransportId", running.TransportID).Msg("got transport ID")
			return running, nil
		}
		time.Sleep(time.Duration(i+1) * appUpdateBackoff)
	}

	c.Log().Error().Str("Method", "Launch").Str("AppID", appID).Msg("no transport after retries")
	return ReceiverApp{}, ErrAppNotRunning
}

// ReceiverApp refreshes and returns the application running on the device.
func (c *CastClient) ReceiverApp() (ReceiverApp, error) {
	if err := c.app.Update(); err != nil {
		return ReceiverApp{}, fmt.Errorf("app update: %w", err)
	}
	app := c.app.App()
	if app == nil {
		return ReceiverApp{}, ErrAppNotRunning
	}
	return ReceiverApp{
		AppID:       app.AppId,
		DisplayName: app.DisplayName,
		SessionID:   app.SessionId,
		TransportID: app.TransportId,
	}, nil
}

// Load sends a LOAD command to the media receiver at transportId.
func (c *CastClient) Load(transportId string, req LoadRequestData) error {
	c.Log().Debug().Str("Method", "Load").Str("URL", req.Media.ContentId).Str("ContentType", req.Media.ContentType).Bool("Autoplay", req.Autoplay).Msg("loading media")

	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := sendConnect(c.conn, transportId); err != nil {
		c.Log().Error().Str("Method", "Load").Err(err).Msg("connect to transport failed")
		return err
	}
	if err := sendLoad(c.conn, transportId, req); err != nil {
		c.Log().Error().Str("Method", "Load").Err(err).Msg("failed")
		return err
	}
	return nil
}

// AwaitLoad polls the media status until contentID is playing, the
// receiver reports an error, or ctx is done.
func (c *CastClient) AwaitLoad(ctx context.Context, contentID string, every time.Duration) MediaResult {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		status, err := c.GetStatus()
		if err == nil && status.ContentID == contentID {
			switch status.PlayerState {
			case "PLAYING", "BUFFERING", "PAUSED":
				return MediaResult{StatusCode: StatusSuccess}
			case "IDLE":
				if status.IdleReason == "ERROR" {
					return MediaResult{StatusCode: StatusMediaLoadFailed}
				}
			}
		}
		if !c.IsConnected() {
			return MediaResult{StatusCode: StatusNotConnected, Err: ErrNotConnected}
		}

		select {
		case <-ctx.Done():
			return MediaResult{StatusCode: StatusTimeout, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

// Stop stops the current media session, if any.
func (c *CastClient) Stop(transportId string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Log().Debug().Str("Method", "Stop").Msg("stopping playback")

	if err := c.app.Update(); err != nil {
		c.Log().Error().Str("Method", "Stop").Err(err).Msg("app.Update failed")
		return err
	}
	_, media, _ := c.app.Status()
	if media == nil || media.MediaSessionId == 0 {
		// Nothing is playing.
		return nil
	}

	payload := &stopPayload{Type: "STOP", MediaSessionId: media.MediaSessionId}
	requestID := nextRequestID()
	payload.SetRequestId(requestID)
	err := c.conn.Send(requestID, payload, defaultSender, transportId, namespaceMedia)
	if err != nil {
		c.Log().Error().Str("Method", "Stop").Err(err).Msg("failed")
	}
	return err
}

// GetStatus returns current playback status.
// No mutex needed - only reads from underlying library which has its own sync.
func (c *CastClient) GetStatus() (*CastStatus, error) {
	// Request fresh status from device (Update refreshes the cached status)
	if err := c.app.Update(); err != nil {
		c.Log().Error().Str("Method", "GetStatus").Err(err).Msg("app.Update failed")
		return nil, err
	}
	_, media, _ := c.app.Status()
	status := &CastStatus{}
	if media != nil {
		status.PlayerState = media.PlayerState
		status.IdleReason = media.IdleReason
		status.ContentType = media.Media.ContentType
		status.ContentID = media.Media.ContentId
	} else {
		status.PlayerState = "IDLE"
	}
	return status, nil
}

// Close disconnects from the Chromecast device.
func (c *CastClient) Close(stopMedia bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Log().Debug().Str("Method", "Close").Bool("StopMedia", stopMedia).Msg("closing connection")
	c.connected = false
	err := c.app.Close(stopMedia)
	if err != nil {
		c.Log().Error().Str("Method", "Close").Err(err).Msg("failed")
	}
	return err
}

// IsConnected returns whether client is connected.
func (c *CastClient) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// stopPayload stops a media session.
type stopPayload struct {
	Type           string `json:"type"`
	RequestId      int    `json:"requestId"`
	MediaSessionId int    `json:"mediaSessionId"`
}

// SetRequestId implements cast.Payload interface
func (p *stopPayload) SetRequestId(id int) {
	p.RequestId = id
}

var _ cast.Payload = (*stopPayload)(nil)
