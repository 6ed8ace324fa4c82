// Package timeline turns a mirror's timeline (HTML page or RSS feed) into
// model items, newest first.
package timeline

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"nitwatch/internal/model"
)

const canonicalBase = "https://twitter.com"

// ParseHTML extracts items from a mirror timeline page. The page lists posts
// newest first; that order is preserved. Items without a resolvable id are
// skipped. maxItems <= 0 means no bound.
func ParseHTML(page []byte, handle string, maxItems int, now time.Time) ([]model.Item, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse timeline html: %w", err)
	}

	var items []model.Item
	doc.Find(".timeline-item").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if maxItems > 0 && len(items) >= maxItems {
			return false
		}
		it, ok := parseTimelineItem(s, handle, now)
		if ok {
			items = append(items, it)
		}
		return true
	})
	return items, nil
}

func parseTimelineItem(s *goquery.Selection, handle string, now time.Time) (model.Item, bool) {
	href, ok := s.Find(".tweet-link").First().Attr("href")
	if !ok || href == "" {
		return model.Item{}, false
	}
	id := idFromPath(href)
	if id == "" {
		return model.Item{}, false
	}

	path := href
	if i := strings.IndexAny(path, "#?"); i >= 0 {
		path = path[:i]
	}
	it := model.Item{
		ID:            id,
		AccountHandle: handle,
		Content:       strings.TrimSpace(s.Find(".tweet-content").First().Text()),
		PostedAt:      postedAt(s),
		CapturedAt:    now,
		URL:           canonicalBase + path,
		Author:        strings.TrimSpace(s.Find("a.fullname").First().Text()),
	}
	if it.Author == "" {
		it.Author = strings.TrimSpace(s.Find(".fullname").First().Text())
	}

	if rt := s.Find(".retweet-header").First(); rt.Length() > 0 {
		it.IsRepost = true
		it.RepostOf = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(rt.Text()), "retweeted"))
	}
	if q := s.Find(".quote").First(); q.Length() > 0 {
		it.IsQuote = true
		it.QuoteText = strings.TrimSpace(q.Find(".quote-text").First().Text())
		it.QuoteAuthor = strings.TrimSpace(q.Find(".fullname").First().Text())
	}

	s.Find(".attachments img, .tweet-media").Each(func(_ int, m *goquery.Selection) {
		src, ok := m.Attr("src")
		if !ok || src == "" {
			return
		}
		it.Media = append(it.Media, model.Media{Kind: model.MediaImage, URL: src})
	})
	s.Find(".attachments video").Each(func(_ int, m *goquery.Selection) {
		src, ok := m.Attr("poster")
		if !ok {
			src, _ = m.Attr("src")
		}
		if src == "" {
			return
		}
		kind := model.MediaVideo
		if g, ok := m.Attr("data-gif"); ok && g != "" {
			kind = model.MediaGIF
		}
		it.Media = append(it.Media, model.Media{Kind: kind, URL: src})
	})

	return it, true
}

// postedAt prefers the full timestamp carried in the date link's title
// attribute over the relative text shown on the page.
func postedAt(s *goquery.Selection) string {
	a := s.Find(".tweet-date a").First()
	if title, ok := a.Attr("title"); ok && title != "" {
		return strings.TrimSpace(title)
	}
	return strings.TrimSpace(s.Find(".tweet-date").First().Text())
}

// idFromPath pulls the item id from a status path like
// "/alice/status/123456789#m" or ".../123456789?s=1".
func idFromPath(p string) string {
	seg := p
	if i := strings.LastIndex(seg, "/"); i >= 0 {
		seg = seg[i+1:]
	}
	if i := strings.IndexAny(seg, "#?"); i >= 0 {
		seg = seg[:i]
	}
	return strings.TrimSpace(seg)
}
