package castprotocol

const (
	// MetadataTypeGeneric and MetadataTypeMovie follow the Cast media
	// metadata type numbering.
	MetadataTypeGeneric = 0
	MetadataTypeMovie   = 1

	StreamTypeBuffered = "BUFFERED"
	StreamTypeLive     = "LIVE"
)

// MediaImage is an artwork reference.
type MediaImage struct {
	URL string `json:"url"`
}

// MediaMeta contains metadata about the media.
type MediaMeta struct {
	MetadataType int          `json:"metadataType"`
	Title        string       `json:"title,omitempty"`
	Subtitle     string       `json:"subtitle,omitempty"`
	Images       []MediaImage `json:"images,omitempty"`
}

// MediaItem is the media description sent with a LOAD command.
type MediaItem struct {
	ContentId   string     `json:"contentId"`
	ContentType string     `json:"contentType"`
	StreamType  string     `json:"streamType"`
	Metadata    *MediaMeta `json:"metadata,omitempty"`
}

// LoadRequestData is an immutable LOAD request.
type LoadRequestData struct {
	Media       MediaItem
	Autoplay    bool
	CurrentTime float64
}
