package timeline

import (
	"testing"
	"time"

	"nitwatch/internal/model"
)

const samplePage = `<!doctype html>
<html><body><div class="timeline">
<div class="timeline-item">
  <a class="tweet-link" href="/alice/status/1001#m"></a>
  <div class="tweet-header">
    <a class="fullname" href="/alice">Alice A.</a>
    <a class="username" href="/alice">@alice</a>
    <span class="tweet-date"><a title="Aug 28, 2026">2h</a></span>
  </div>
  <div class="tweet-content">hello world</div>
</div>
<div class="timeline-item">
  <div class="retweet-header"><span>Bob B. retweeted</span></div>
  <a class="tweet-link" href="/alice/status/1000?s=20"></a>
  <div class="tweet-header">
    <a class="fullname" href="/alice">Alice A.</a>
    <span class="tweet-date"><a title="Aug 27, 2026">1d</a></span>
  </div>
  <div class="tweet-content">boosted post</div>
  <div class="attachments"><img src="https://mirror.example/pic/media%2Fabc.jpg"></div>
</div>
<div class="timeline-item">
  <a class="tweet-link" href="/alice/status/999#m"></a>
  <div class="tweet-content">quoting something</div>
  <div class="quote">
    <a class="fullname" href="/carol">Carol C.</a>
    <div class="quote-text">the quoted text</div>
  </div>
</div>
<div class="timeline-item">
  <div class="tweet-content">no link, skipped</div>
</div>
</div></body></html>`

func TestParseHTML(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	items, err := ParseHTML([]byte(samplePage), "alice", 0, now)
	if err != nil {
		t.Fatalf("ParseHTML: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("got %d items, want 3", len(items))
	}

	first := items[0]
	if first.ID != "1001" {
		t.Errorf("id = %q, want 1001", first.ID)
	}
	if first.URL != "https://twitter.com/alice/status/1001" {
		t.Errorf("url = %q", first.URL)
	}
	if first.Content != "hello world" {
		t.Errorf("content = %q", first.Content)
	}
	if first.Author != "Alice A." {
		t.Errorf("author = %q", first.Author)
	}
	if !first.CapturedAt.Equal(now) {
		t.Errorf("capturedAt = %v", first.CapturedAt)
	}
	if first.PostedAt != "Aug 28, 2026" {
		t.Errorf("postedAt = %q", first.PostedAt)
	}

	second := items[1]
	if second.ID != "1000" {
		t.Errorf("id = %q, want 1000 (query suffix stripped)", second.ID)
	}
	if !second.IsRepost {
		t.Error("expected repost flag")
	}
	if second.RepostOf != "Bob B." {
		t.Errorf("repostOf = %q", second.RepostOf)
	}
	if len(second.Media) != 1 || second.Media[0].Kind != model.MediaImage {
		t.Errorf("media = %+v", second.Media)
	}

	third := items[2]
	if !third.IsQuote || third.QuoteText != "the quoted text" || third.QuoteAuthor != "Carol C." {
		t.Errorf("quote fields = %+v", third)
	}
}

func TestParseHTMLMaxItems(t *testing.T) {
	t.Parallel()
	items, err := ParseHTML([]byte(samplePage), "alice", 2, time.Now())
	if err != nil {
		t.Fatalf("ParseHTML: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].ID != "1001" || items[1].ID != "1000" {
		t.Errorf("order not preserved: %q, %q", items[0].ID, items[1].ID)
	}
}

func TestIDFromPath(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
	}{
		{"/alice/status/123#m", "123"},
		{"/alice/status/123?s=20", "123"},
		{"/alice/status/123", "123"},
		{"https://mirror.example/alice/status/55#m", "55"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := idFromPath(tc.in); got != tc.want {
			t.Errorf("idFromPath(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:dc="http://purl.org/dc/elements/1.1/">
<channel>
<title>alice / @alice</title>
<item>
  <title>hello world</title>
  <dc:creator>@alice</dc:creator>
  <description>hello world</description>
  <pubDate>Fri, 28 Aug 2026 10:00:00 GMT</pubDate>
  <guid>https://mirror.example/alice/status/1001#m</guid>
  <link>https://mirror.example/alice/status/1001#m</link>
</item>
<item>
  <title>RT by @alice: boosted post</title>
  <dc:creator>@bob</dc:creator>
  <description>boosted post</description>
  <guid>https://mirror.example/bob/status/1000#m</guid>
  <link>https://mirror.example/bob/status/1000#m</link>
</item>
</channel>
</rss>`

func TestParseRSS(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	items, err := ParseRSS([]byte(sampleFeed), "alice", 0, now)
	if err != nil {
		t.Fatalf("ParseRSS: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].ID != "1001" {
		t.Errorf("id = %q", items[0].ID)
	}
	if items[0].Author != "alice" {
		t.Errorf("author = %q", items[0].Author)
	}
	if items[0].URL != "https://twitter.com/alice/status/1001" {
		t.Errorf("url = %q", items[0].URL)
	}
	if !items[1].IsRepost {
		t.Error("expected repost flag from RT title")
	}
}
