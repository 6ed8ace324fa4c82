package model

import "time"

// TrackedAccount is a monitored identity. Immutable after config load.
type TrackedAccount struct {
	Alias  string // display name used in notifications
	Handle string // platform handle, without the leading @
}

// MediaKind distinguishes attachments on an item.
type MediaKind string

const (
	MediaImage MediaKind = "image"
	MediaVideo MediaKind = "video"
	MediaGIF   MediaKind = "gif"
)

type Media struct {
	Kind MediaKind
	URL  string
}

// Item is a single post captured from a mirror endpoint.
//
// Items are transient: they flow through dedup, enrichment and delivery and
// are not retained in memory afterwards (the archive keeps its own record).
type Item struct {
	ID            string
	AccountHandle string
	Author        string // display name as rendered by the mirror
	Content       string
	PostedAt      string // raw timestamp text from the mirror, best-effort
	CapturedAt    time.Time
	URL           string

	IsRepost    bool
	RepostOf    string // original author when IsRepost
	IsQuote     bool
	QuoteAuthor string
	QuoteText   string

	Media []Media

	// ScreenshotRef names the screenshot file for this item ("<id>.png"),
	// empty when screenshots are not configured. Capture itself is the
	// rendering backend's job.
	ScreenshotRef string
}

// Analysis is the structured result of the external analysis service.
// Unavailable is set when the service failed or declined; the item is still
// delivered with raw content in that case.
type Analysis struct {
	Translation string
	Summary     string
	Tags        []string
	Category    string
	Unavailable bool
}
