package fetch

import (
	"context"
	"errors"
	"fmt"

	"nitwatch/internal/clock"
	"nitwatch/internal/endpoint"
	"nitwatch/internal/model"
	"nitwatch/internal/timeline"
	"nitwatch/pkg/logx"
)

// Mode selects which rendition of the timeline to request.
type Mode string

const (
	ModeHTML Mode = "html"
	ModeRSS  Mode = "rss"
)

// ErrFetch marks a single failed fetch attempt. The endpoint involved has
// already been reported to the pool; callers may retry on a fresh one.
var ErrFetch = errors.New("fetch attempt failed")

type Fetcher struct {
	pool     *endpoint.Pool
	renderer Renderer
	clk      clock.Clock
	log      logx.Logger
	mode     Mode
	maxItems int

	// screenshots enables ScreenshotRef tagging on fetched items; the
	// rendering backend drops the files, this just names them.
	screenshots bool
}

func NewFetcher(pool *endpoint.Pool, renderer Renderer, mode Mode, maxItems int, clk clock.Clock, log logx.Logger) *Fetcher {
	if clk == nil {
		clk = clock.System()
	}
	if mode == "" {
		mode = ModeHTML
	}
	return &Fetcher{pool: pool, renderer: renderer, clk: clk, log: log, mode: mode, maxItems: maxItems}
}

// EnableScreenshots turns on per-item screenshot references ("<id>.png").
func (f *Fetcher) EnableScreenshots() { f.screenshots = true }

// FetchLatest retrieves the most recent items for one account through a
// single pool-selected endpoint. Every outcome is reported to the pool: an
// empty timeline counts as a failure, since mirrors serve hollow pages when
// they are being throttled.
func (f *Fetcher) FetchLatest(ctx context.Context, account model.TrackedAccount) ([]model.Item, error) {
	ep, err := f.pool.Select()
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", account.Handle, err)
	}

	url := ep.Address + "/" + account.Handle
	if f.mode == ModeRSS {
		url += "/rss"
	}

	body, err := f.renderer.Render(ctx, url)
	if err != nil {
		f.pool.ReportFailure(ep)
		f.log.Warn("timeline fetch failed",
			logx.String("handle", account.Handle),
			logx.String("endpoint", ep.Address),
			logx.Err(err))
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	now := f.clk.Now()
	var items []model.Item
	switch f.mode {
	case ModeRSS:
		items, err = timeline.ParseRSS(body, account.Handle, f.maxItems, now)
	default:
		items, err = timeline.ParseHTML(body, account.Handle, f.maxItems, now)
	}
	if err != nil {
		f.pool.ReportFailure(ep)
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if len(items) == 0 {
		f.pool.ReportFailure(ep)
		f.log.Debug("empty timeline",
			logx.String("handle", account.Handle),
			logx.String("endpoint", ep.Address))
		return nil, fmt.Errorf("%w: empty timeline from %s", ErrFetch, ep.Address)
	}

	f.pool.ReportSuccess(ep)
	for i := range items {
		items[i].Author = orDefault(items[i].Author, account.Alias)
		if f.screenshots {
			items[i].ScreenshotRef = items[i].ID + ".png"
		}
	}
	return items, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
