package castsession

import (
	"time"
)

// Options tunes timeouts and optional behaviour. Zero fields fall back to
// DefaultOptions.
type Options struct {
	// InitTimeout bounds the coordinator step of Initialize.
	InitTimeout time.Duration `mapstructure:"init_timeout" yaml:"init_timeout"`
	// QueryTimeout bounds IsSessionActive.
	QueryTimeout time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	// EndTimeout bounds EndSession.
	EndTimeout time.Duration `mapstructure:"end_timeout" yaml:"end_timeout"`
	// HopTimeout bounds the short coordinator steps around waits.
	HopTimeout time.Duration `mapstructure:"hop_timeout" yaml:"hop_timeout"`
	// ScanWindow is how long AreDevicesAvailable listens for routes.
	ScanWindow         time.Duration `mapstructure:"scan_window" yaml:"scan_window"`
	SessionWaitTimeout time.Duration `mapstructure:"session_wait_timeout" yaml:"session_wait_timeout"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
	LoadTimeout        time.Duration `mapstructure:"load_timeout" yaml:"load_timeout"`

	// MinSDKVersion is the oldest SDK runtime Initialize accepts (semver).
	MinSDKVersion string `mapstructure:"min_sdk_version" yaml:"min_sdk_version"`
	// DefaultContentType is used when a load request has none.
	DefaultContentType string `mapstructure:"default_content_type" yaml:"default_content_type"`
	// SniffContentType fetches the head of the media URL to guess its type
	// when none is given.
	SniffContentType bool `mapstructure:"sniff_content_type" yaml:"sniff_content_type"`
	// EventBuffer is the channel size used by Subscribe when callers pass 0.
	EventBuffer int `mapstructure:"event_buffer" yaml:"event_buffer"`
}

// DefaultOptions returns the stock timeouts.
func DefaultOptions() Options {
	return Options{
		InitTimeout:        5 * time.Second,
		QueryTimeout:       3 * time.Second,
		EndTimeout:         4 * time.Second,
		HopTimeout:         3 * time.Second,
		ScanWindow:         2500 * time.Millisecond,
		SessionWaitTimeout: 10 * time.Second,
		StopTimeout:        1500 * time.Millisecond,
		LoadTimeout:        6 * time.Second,
		MinSDKVersion:      "v0.3.0",
		DefaultContentType: "video/mp4",
		EventBuffer:        32,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.InitTimeout <= 0 {
		o.InitTimeout = d.InitTimeout
	}
	if o.QueryTimeout <= 0 {
		o.QueryTimeout = d.QueryTimeout
	}
	if o.EndTimeout <= 0 {
		o.EndTimeout = d.EndTimeout
	}
	if o.HopTimeout <= 0 {
		o.HopTimeout = d.HopTimeout
	}
	if o.ScanWindow <= 0 {
		o.ScanWindow = d.ScanWindow
	}
	if o.SessionWaitTimeout <= 0 {
		o.SessionWaitTimeout = d.SessionWaitTimeout
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = d.StopTimeout
	}
	if o.LoadTimeout <= 0 {
		o.LoadTimeout = d.LoadTimeout
	}
	if o.MinSDKVersion == "" {
		o.MinSDKVersion = d.MinSDKVersion
	}
	if o.DefaultContentType == "" {
		o.DefaultContentType = d.DefaultContentType
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = d.EventBuffer
	}
	return o
}
