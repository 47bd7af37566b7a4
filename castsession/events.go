package castsession

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// EventType names a bus event.
type EventType string

const (
	EventSessionStarted    EventType = "sessionStarted"
	EventSessionEnded      EventType = "sessionEnded"
	EventMediaLoaded       EventType = "mediaLoaded"
	EventMediaError        EventType = "mediaError"
	EventDeviceAvailable   EventType = "deviceAvailable"
	EventDeviceUnavailable EventType = "deviceUnavailable"
)

// Event is published on the bus.
type Event struct {
	Type          EventType `json:"type"`
	Time          time.Time `json:"time"`
	SessionID     string    `json:"sessionId,omitempty"`
	DeviceName    string    `json:"deviceName,omitempty"`
	ApplicationID string    `json:"applicationId,omitempty"`
	URL           string    `json:"url,omitempty"`
	Message       string    `json:"message,omitempty"`
	StatusCode    int       `json:"statusCode,omitempty"`
}

// Bus fans events out to subscribers. Publishing never blocks; a
// subscriber whose buffer is full misses the event.
type Bus struct {
	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	closed bool
	log    zerolog.Logger
}

// NewBus returns an empty bus.
func NewBus(logger zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		log:  logger,
	}
}

// Subscribe returns a channel of events and a func that unsubscribes and
// closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[ch]; ok {
				delete(b.subs, ch)
				close(ch)
			}
			b.mu.Unlock()
		})
	}
}

// Publish stamps ev and delivers it to every subscriber.
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn().Str("Method", "Publish").Str("Event", string(ev.Type)).Msg("subscriber too slow, event dropped")
		}
	}
}

// Close closes every subscriber channel. Later subscriptions get a closed
// channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for ch := range b.subs {
		delete(b.subs, ch)
		close(ch)
	}
}
