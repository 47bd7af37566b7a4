package castprotocol

import (
	"fmt"
	"sync/atomic"

	"github.com/vishen/go-chromecast/cast"
)

const (
	namespaceConnection = "urn:x-cast:com.google.cast.tp.connection"
	namespaceReceiver   = "urn:x-cast:com.google.cast.receiver"
	namespaceMedia      = "urn:x-cast:com.google.cast.media"

	defaultSender   = "sender-0"
	defaultReceiver = "receiver-0"
)

// Request ID counter for Chromecast messages. Starts high so it never
// collides with the ids go-chromecast hands out itself.
var requestIDCounter int32 = 1 << 20

func nextRequestID() int {
	return int(atomic.AddInt32(&requestIDCounter, 1))
}

// headerPayload is a bare message with only a type.
type headerPayload struct {
	Type      string `json:"type"`
	RequestId int    `json:"requestId,omitempty"`
}

// SetRequestId implements cast.Payload interface
func (p *headerPayload) SetRequestId(id int) {
	p.RequestId = id
}

// launchPayload starts a receiver application.
type launchPayload struct {
	Type      string `json:"type"`
	RequestId int    `json:"requestId"`
	AppId     string `json:"appId"`
}

// SetRequestId implements cast.Payload interface
func (p *launchPayload) SetRequestId(id int) {
	p.RequestId = id
}

// loadPayload is a LOAD command carrying full metadata.
type loadPayload struct {
	Type        string    `json:"type"`
	RequestId   int       `json:"requestId"`
	Media       MediaItem `json:"media"`
	CurrentTime float64   `json:"currentTime"`
	Autoplay    bool      `json:"autoplay"`
}

// SetRequestId implements cast.Payload interface
func (p *loadPayload) SetRequestId(id int) {
	p.RequestId = id
}

var (
	_ cast.Payload = (*headerPayload)(nil)
	_ cast.Payload = (*launchPayload)(nil)
	_ cast.Payload = (*loadPayload)(nil)
)

// sendLaunch asks the device to start appID.
func sendLaunch(conn cast.Conn, appID string) error {
	payload := &launchPayload{Type: "LAUNCH", AppId: appID}
	requestID := nextRequestID()
	payload.SetRequestId(requestID)

	if err := conn.Send(requestID, payload, defaultSender, defaultReceiver, namespaceReceiver); err != nil {
		return fmt.Errorf("send launch: %w", err)
	}
	return nil
}

// sendConnect opens a virtual connection with a running application.
func sendConnect(conn cast.Conn, transportId string) error {
	payload := &headerPayload{Type: "CONNECT"}
	if err := conn.Send(0, payload, defaultSender, transportId, namespaceConnection); err != nil {
		return fmt.Errorf("send connect: %w", err)
	}
	return nil
}

// newLoadPayload converts a request into its wire form.
func newLoadPayload(req LoadRequestData) *loadPayload {
	media := req.Media
	if media.StreamType == "" {
		media.StreamType = StreamTypeBuffered
	}
	return &loadPayload{
		Type:        "LOAD",
		Media:       media,
		CurrentTime: req.CurrentTime,
		Autoplay:    req.Autoplay,
	}
}

// sendLoad sends a LOAD command to the media receiver at transportId.
func sendLoad(conn cast.Conn, transportId string, req LoadRequestData) error {
	payload := newLoadPayload(req)
	requestID := nextRequestID()
	payload.SetRequestId(requestID)

	if err := conn.Send(requestID, payload, defaultSender, transportId, namespaceMedia); err != nil {
		return fmt.Errorf("send load: %w", err)
	}
	return nil
}
