// Package push fans captured items out to notification channels through a
// retrying delivery queue. One task exists per (item, channel) pair; channels
// fail and retry independently of each other.
package push

import "context"

// Payload is the rendered notification for one item. Rendering happens
// upstream; channels only transport.
type Payload struct {
	ItemID        string
	AccountHandle string
	Title         string
	Body          string // markdown
	URL           string
}

// Channel delivers one payload. Send must be safe for concurrent use and
// should honor ctx cancellation; any returned error is retried by the queue.
type Channel interface {
	Name() string
	Send(ctx context.Context, p Payload) error
}
