package timeline

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"nitwatch/internal/model"
)

// ParseRSS extracts items from a mirror's RSS rendition of a timeline.
// Feed order is preserved (mirrors emit newest first). maxItems <= 0 means
// no bound.
func ParseRSS(feed []byte, handle string, maxItems int, now time.Time) ([]model.Item, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(feed))
	if err != nil {
		return nil, fmt.Errorf("parse timeline rss: %w", err)
	}

	var items []model.Item
	for _, entry := range parsed.Items {
		if maxItems > 0 && len(items) >= maxItems {
			break
		}
		link := entry.Link
		if link == "" {
			link = entry.GUID
		}
		id := idFromPath(link)
		if id == "" {
			continue
		}

		it := model.Item{
			ID:            id,
			AccountHandle: handle,
			Content:       strings.TrimSpace(entry.Description),
			PostedAt:      entry.Published,
			CapturedAt:    now,
			URL:           canonicalBase + "/" + handle + "/status/" + id,
		}
		if entry.PublishedParsed != nil {
			it.PostedAt = entry.PublishedParsed.Format(time.RFC3339)
		}
		if entry.DublinCoreExt != nil && len(entry.DublinCoreExt.Creator) > 0 {
			it.Author = strings.TrimPrefix(entry.DublinCoreExt.Creator[0], "@")
		}
		if it.Author == "" {
			it.Author = handle
		}
		if strings.HasPrefix(entry.Title, "RT by") {
			it.IsRepost = true
		}
		items = append(items, it)
	}
	return items, nil
}
