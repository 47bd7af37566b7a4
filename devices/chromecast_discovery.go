package devices

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/rs/zerolog"
	"go2tv.app/castsession/utils"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	googlecastService = "_googlecast._tcp"
	// CapabilityVideoOut is the bitmask for video output capability (bit 0)
	CapabilityVideoOut = 1
	// mDNS query timeout per request
	chromecastQueryTimeout = 750 * time.Millisecond
	// Faster polling while cache is empty for quick first discovery
	chromecastPollIntervalFast = 1 * time.Second
	// Slower polling once at least one device is known to reduce network load
	chromecastPollIntervalSlow = 4 * time.Second
	// How often cached devices are checked for liveness
	chromecastHealthInterval = 5 * time.Second
	// Minimum spacing between on-demand scans
	chromecastScanEvery = 2 * time.Second
)

// Test seams.
var (
	mdnsQuery        = mdns.Query
	activeInterfaces = utils.ActiveMulticastInterfaces
	hostPortIsAlive  = HostPortIsAlive
)

// Device is one Cast device seen on the network.
type Device struct {
	ID          string
	Name        string
	Model       string
	Addr        string
	IsAudioOnly bool
}

// ChangeKind tells what happened to a device.
type ChangeKind int

const (
	DeviceAdded ChangeKind = iota + 1
	DeviceChanged
	DeviceRemoved
)

// Change is a single cache update.
type Change struct {
	Kind   ChangeKind
	Device Device
}

// Browser keeps a live cache of Cast devices found through mDNS.
type Browser struct {
	mu      sync.Mutex
	devices map[string]Device // key: "host:port"
	subs    map[int]func(Change)
	nextSub int

	limiter *rate.Limiter
	timeout time.Duration
	log     zerolog.Logger
}

// NewBrowser creates an idle browser.
func NewBrowser(logger zerolog.Logger) *Browser {
	return &Browser{
		devices: make(map[string]Device),
		subs:    make(map[int]func(Change)),
		limiter: rate.NewLimiter(rate.Every(chromecastScanEvery), 1),
		timeout: chromecastQueryTimeout,
		log:     logger,
	}
}

// Subscribe registers fn for cache updates. fn is called without the
// browser lock held. The returned func removes the subscription.
func (b *Browser) Subscribe(fn func(Change)) func() {
	b.mu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

// Devices returns the cached devices sorted by name.
func (b *Browser) Devices() []Device {
	b.mu.Lock()
	out := make([]Device, 0, len(b.devices))
	for _, d := range b.devices {
		out = append(out, d)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].Addr < out[j].Addr
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// RequestScan runs an asynchronous one-off query unless one ran recently.
func (b *Browser) RequestScan() bool {
	if !b.limiter.Allow() {
		return false
	}
	go func() {
		if err := b.Scan(context.Background()); err != nil {
			b.log.Debug().Str("Method", "RequestScan").Err(err).Msg("scan failed")
		}
	}()
	return true
}

// Scan queries every active interface once and merges the answers.
func (b *Browser) Scan(ctx context.Context) error {
	interfaces := activeInterfaces()

	entriesCh := make(chan *mdns.ServiceEntry, 256)
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		for entry := range entriesCh {
			b.upsert(entry)
		}
	}()

	g, _ := errgroup.WithContext(ctx)
	if len(interfaces) > 0 {
		for _, iface := range interfaces {
			g.Go(func() error {
				return b.query(entriesCh, &iface)
			})
		}
	} else {
		g.Go(func() error {
			return b.query(entriesCh, nil)
		})
	}
	err := g.Wait()

	close(entriesCh)
	<-doneCh
	return err
}

func (b *Browser) query(entries chan<- *mdns.ServiceEntry, iface *net.Interface) error {
	params := mdns.DefaultParams(googlecastService)
	params.Entries = entries
	params.Timeout = b.timeout
	params.DisableIPv6 = true
	params.WantUnicastResponse = true
	params.Logger = log.New(io.Discard, "", 0)
	if iface != nil {
		params.Interface = iface
	}
	if err := mdnsQuery(params); err != nil {
		name := "default"
		if iface != nil {
			name = iface.Name
		}
		return fmt.Errorf("mdns query on %s: %w", name, err)
	}
	return nil
}

// Start continuously discovers devices until ctx is canceled, polling fast
// while the cache is empty and slowly afterwards, and evicts devices that
// stop answering on their Cast port.
func (b *Browser) Start(ctx context.Context) {
	go b.pollLoop(ctx)
	go b.healthLoop(ctx)
}

func (b *Browser) pollLoop(ctx context.Context) {
	pollTimer := time.NewTimer(0)
	defer pollTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTimer.C:
		}

		if err := b.Scan(ctx); err != nil {
			b.log.Debug().Str("Method", "pollLoop").Err(err).Msg("scan failed")
		}
		pollTimer.Reset(b.pollInterval())
	}
}

func (b *Browser) pollInterval() time.Duration {
	b.mu.Lock()
	hasDevices := len(b.devices) > 0
	b.mu.Unlock()
	if hasDevices {
		return chromecastPollIntervalSlow
	}
	return chromecastPollIntervalFast
}

func (b *Browser) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(chromecastHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.evictDead()
		}
	}
}

func (b *Browser) evictDead() {
	b.mu.Lock()
	addrs := make([]string, 0, len(b.devices))
	for addr := range b.devices {
		addrs = append(addrs, addr)
	}
	b.mu.Unlock()

	for _, addr := range addrs {
		if hostPortIsAlive(addr) {
			continue
		}
		b.mu.Lock()
		dev, ok := b.devices[addr]
		delete(b.devices, addr)
		b.mu.Unlock()
		if ok {
			b.log.Debug().Str("Method", "evictDead").Str("Addr", addr).Msg("device gone")
			b.notify(Change{Kind: DeviceRemoved, Device: dev})
		}
	}
}

func (b *Browser) upsert(entry *mdns.ServiceEntry) {
	dev, ok := deviceFromEntry(entry)
	if !ok {
		return
	}

	b.mu.Lock()
	prev, existed := b.devices[dev.Addr]
	b.devices[dev.Addr] = dev
	b.mu.Unlock()

	switch {
	case !existed:
		b.notify(Change{Kind: DeviceAdded, Device: dev})
	case prev != dev:
		b.notify(Change{Kind: DeviceChanged, Device: dev})
	}
}

func (b *Browser) notify(c Change) {
	b.mu.Lock()
	subs := make([]func(Change), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.Unlock()

	for _, fn := range subs {
		fn(c)
	}
}

// deviceFromEntry extracts a Device from an mDNS answer.
func deviceFromEntry(entry *mdns.ServiceEntry) (Device, bool) {
	if entry == nil || entry.AddrV4 == nil {
		return Device{}, false
	}
	if !strings.Contains(entry.Name, "_googlecast") {
		return Device{}, false
	}

	dev := Device{
		Addr: net.JoinHostPort(entry.AddrV4.String(), strconv.Itoa(entry.Port)),
		Name: entry.Name,
	}

	for _, txt := range entry.InfoFields {
		key, value, found := strings.Cut(txt, "=")
		if !found {
			continue
		}
		switch key {
		case "fn":
			dev.Name = value
		case "id":
			dev.ID = value
		case "md":
			dev.Model = value
		case "ca":
			dev.IsAudioOnly = isChromecastAudioOnly(value)
		}
	}

	if idx := strings.Index(dev.Name, "._googlecast"); idx > 0 {
		dev.Name = dev.Name[:idx]
	}
	if dev.ID == "" {
		dev.ID = dev.Addr
	}

	return dev, true
}

// HostPortIsAlive checks if a device at the given address is reachable via TCP connection.
// Returns true if the connection succeeds within 2 seconds.
func HostPortIsAlive(address string) bool {
	conn, err := net.DialTimeout("tcp", address, 2*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// isChromecastAudioOnly checks if a device is audio-only based on the "ca" capability field.
// The "ca" field in mDNS TXT records is a bitmask where bit 0 (value 1) indicates Video Out support.
// If bit 0 is NOT set, the device is considered audio-only (e.g. Chromecast Audio, Google Home speakers).
// Returns true if audio-only, false if it supports video or if parsing fails.
func isChromecastAudioOnly(caField string) bool {
	ca, err := strconv.Atoi(caField)
	if err != nil {
		// Assume a standard video device rather than restricting it.
		return false
	}
	return (ca & CapabilityVideoOut) == 0
}
