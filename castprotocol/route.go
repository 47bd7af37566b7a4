package castprotocol

import (
	"strings"
)

const (
	// CategoryCast is the control category advertised by every Cast device.
	CategoryCast = "com.google.android.gms.cast.CATEGORY_CAST"
	// CategoryLocal is advertised by the local playback route.
	CategoryLocal = "android.media.intent.category.LIVE_AUDIO"

	// DefaultRouteID identifies the local, always present route.
	DefaultRouteID = "DEFAULT_ROUTE"
)

// Selector filters routes by control category.
type Selector struct {
	Category string
}

// CategoryForCast builds the control category for a receiver application.
func CategoryForCast(appID string) string {
	return CategoryCast + "/" + strings.ToUpper(strings.TrimSpace(appID))
}

// NewSelector returns a selector matching devices able to run appID.
func NewSelector(appID string) Selector {
	return Selector{Category: CategoryForCast(appID)}
}

// IsZero reports whether the selector was never built.
func (s Selector) IsZero() bool {
	return s.Category == ""
}

// RouteInfo describes one advertised route.
type RouteInfo struct {
	ID          string
	Name        string
	Addr        string
	Model       string
	Categories  []string
	IsDefault   bool
	IsAudioOnly bool
}

// Matches reports whether the route supports the selector's category.
// A generic Cast category matches every application specific category.
func (r RouteInfo) Matches(sel Selector) bool {
	if sel.IsZero() {
		return false
	}
	for _, c := range r.Categories {
		if c == sel.Category {
			return true
		}
		if c == CategoryCast && strings.HasPrefix(sel.Category, CategoryCast+"/") {
			return true
		}
	}
	return false
}

// Eligible reports whether the route is a remote route matching sel.
func (r RouteInfo) Eligible(sel Selector) bool {
	return !r.IsDefault && r.Matches(sel)
}
