package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"nitwatch/internal/clock"
	"nitwatch/internal/dedup"
	"nitwatch/internal/endpoint"
	"nitwatch/internal/fetch"
	"nitwatch/internal/model"
	"nitwatch/internal/push"
	"nitwatch/pkg/logx"
)

type fakeFetcher struct {
	mu       sync.Mutex
	timeline map[string][]model.Item
	failures map[string]int // remaining transient failures per handle
	calls    int
}

func (f *fakeFetcher) FetchLatest(_ context.Context, acct model.TrackedAccount) ([]model.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failures[acct.Handle] > 0 {
		f.failures[acct.Handle]--
		return nil, fetch.ErrFetch
	}
	return f.timeline[acct.Handle], nil
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []push.Payload
}

func (q *fakeQueue) Enqueue(p push.Payload) []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payloads = append(q.payloads, p)
	return []string{p.ItemID + "/" + "task"}
}

func (q *fakeQueue) items() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	var ids []string
	for _, p := range q.payloads {
		ids = append(ids, p.ItemID)
	}
	return ids
}

type fakeArchiver struct {
	mu    sync.Mutex
	saved []string
	sent  []string
}

func (a *fakeArchiver) SaveItem(_ context.Context, it model.Item) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, it.ID)
	return nil
}

func (a *fakeArchiver) MarkSent(_ context.Context, handle, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, handle+"/"+id)
	return nil
}

func (a *fakeArchiver) SaveEndpointHealth(context.Context, []endpoint.HealthSnapshot) error {
	return nil
}

func item(handle, id, content string) model.Item {
	return model.Item{ID: id, AccountHandle: handle, Content: content, URL: "https://twitter.com/" + handle + "/status/" + id}
}

func newTestMonitor(f TimelineFetcher, q Enqueuer, a Archiver) *Monitor {
	return New(Options{
		Config:  Config{CheckInterval: time.Minute, AccountConcurrency: 2},
		Fetcher: f,
		Cache:   dedup.NewCache(10),
		Queue:   q,
		Store:   a,
		Clock:   clock.NewFake(time.Unix(9000, 0)),
		Log:     logx.Nop(),
	})
}

func TestCycleForwardsNewItemsOnce(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{timeline: map[string][]model.Item{
		"alice": {item("alice", "124", "newer"), item("alice", "123", "older")},
	}}
	q := &fakeQueue{}
	a := &fakeArchiver{}
	m := newTestMonitor(f, q, a)
	m.SetAccounts([]model.TrackedAccount{{Alias: "Alice", Handle: "alice"}})

	m.RunCycle(context.Background())

	// Oldest first.
	got := q.items()
	if len(got) != 2 || got[0] != "123" || got[1] != "124" {
		t.Fatalf("forwarded = %v", got)
	}

	// Same timeline again: nothing new forwarded.
	m.RunCycle(context.Background())
	if len(q.items()) != 2 {
		t.Fatalf("second cycle forwarded duplicates: %v", q.items())
	}

	if len(a.saved) != 2 || len(a.sent) != 2 {
		t.Errorf("archive writes: saved=%v sent=%v", a.saved, a.sent)
	}
}

func TestFetchRetriesOnceOnTransientFailure(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{
		timeline: map[string][]model.Item{"alice": {item("alice", "1", "x")}},
		failures: map[string]int{"alice": 1},
	}
	q := &fakeQueue{}
	m := newTestMonitor(f, q, nil)
	m.SetAccounts([]model.TrackedAccount{{Handle: "alice"}})

	m.RunCycle(context.Background())
	if got := q.items(); len(got) != 1 {
		t.Fatalf("forwarded = %v, want the retried fetch to succeed", got)
	}
	if f.calls != 2 {
		t.Errorf("fetch calls = %d, want 2", f.calls)
	}
}

func TestFetchGivesUpAfterRetry(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{
		timeline: map[string][]model.Item{"alice": {item("alice", "1", "x")}},
		failures: map[string]int{"alice": 5},
	}
	q := &fakeQueue{}
	m := newTestMonitor(f, q, nil)
	m.SetAccounts([]model.TrackedAccount{{Handle: "alice"}})

	m.RunCycle(context.Background())
	if got := q.items(); len(got) != 0 {
		t.Fatalf("forwarded = %v, want none", got)
	}
	if f.calls != 2 {
		t.Errorf("fetch calls = %d, want 2 (one retry)", f.calls)
	}
}

func TestAccountsAreIsolated(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{
		timeline: map[string][]model.Item{
			"alice": {item("alice", "1", "x")},
			"bob":   {item("bob", "2", "y")},
		},
		failures: map[string]int{"alice": 10},
	}
	q := &fakeQueue{}
	m := newTestMonitor(f, q, nil)
	m.SetAccounts([]model.TrackedAccount{{Handle: "alice"}, {Handle: "bob"}})

	m.RunCycle(context.Background())
	got := q.items()
	if len(got) != 1 || got[0] != "2" {
		t.Fatalf("forwarded = %v, want bob's item despite alice failing", got)
	}
}

type panicFetcher struct{ inner *fakeFetcher }

func (p *panicFetcher) FetchLatest(ctx context.Context, acct model.TrackedAccount) ([]model.Item, error) {
	if acct.Handle == "boom" {
		panic("unexpected")
	}
	return p.inner.FetchLatest(ctx, acct)
}

func TestAccountPanicDoesNotKillCycle(t *testing.T) {
	t.Parallel()
	f := &panicFetcher{inner: &fakeFetcher{
		timeline: map[string][]model.Item{"bob": {item("bob", "2", "y")}},
	}}
	q := &fakeQueue{}
	m := newTestMonitor(f, q, nil)
	m.SetAccounts([]model.TrackedAccount{{Handle: "boom"}, {Handle: "bob"}})

	m.RunCycle(context.Background())
	if got := q.items(); len(got) != 1 || got[0] != "2" {
		t.Fatalf("forwarded = %v", got)
	}
}

func TestOverlappingCycleSkipped(t *testing.T) {
	t.Parallel()
	q := &fakeQueue{}
	m := newTestMonitor(&fakeFetcher{}, q, nil)

	m.mu.Lock()
	m.running = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.RunCycle(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("overlapping cycle did not return promptly")
	}
}

func TestComposePayload(t *testing.T) {
	t.Parallel()
	it := item("alice", "123", "hello world")
	it.PostedAt = "Aug 28, 2026"
	it.Media = []model.Media{{Kind: model.MediaImage, URL: "https://m/x.jpg"}}

	a := model.Analysis{
		Translation: "你好世界",
		Summary:     "一条问候",
		Tags:        []string{"问候"},
		Category:    "日常",
	}
	p := ComposePayload(model.TrackedAccount{Alias: "Alice", Handle: "alice"}, it, a, "https://img.example/images/123.png")

	if !strings.Contains(p.Title, "【Alice】") || !strings.Contains(p.Title, "一条问候") {
		t.Errorf("title = %q", p.Title)
	}
	for _, want := range []string{"你好世界", "hello world", "#问候", "https://m/x.jpg", "https://img.example/images/123.png", "Aug 28, 2026", it.URL} {
		if !strings.Contains(p.Body, want) {
			t.Errorf("body missing %q:\n%s", want, p.Body)
		}
	}
}

func TestComposePayloadDegraded(t *testing.T) {
	t.Parallel()
	it := item("alice", "123", "raw only")
	p := ComposePayload(model.TrackedAccount{Alias: "Alice"}, it, model.Analysis{Unavailable: true}, "")

	if !strings.Contains(p.Body, "raw only") {
		t.Errorf("body = %q", p.Body)
	}
	if strings.Contains(p.Body, "中文翻译") {
		t.Errorf("degraded body should omit analysis sections:\n%s", p.Body)
	}
	if !strings.Contains(p.Title, "raw only") {
		t.Errorf("title should fall back to content snippet: %q", p.Title)
	}
}

func TestComposePayloadRepost(t *testing.T) {
	t.Parallel()
	it := item("alice", "9", "boost")
	it.IsRepost = true
	it.RepostOf = "Bob B."
	p := ComposePayload(model.TrackedAccount{Alias: "Alice"}, it, model.Analysis{Unavailable: true}, "")
	if !strings.HasPrefix(p.Title, "🔁") {
		t.Errorf("title = %q", p.Title)
	}
	if !strings.Contains(p.Body, "Bob B.") {
		t.Errorf("body missing repost source:\n%s", p.Body)
	}
}

// Errors from the archive must not stop forwarding.
type failingArchiver struct{ fakeArchiver }

func (f *failingArchiver) SaveItem(context.Context, model.Item) error {
	return errors.New("disk full")
}

func TestArchiveErrorsDoNotBlockDelivery(t *testing.T) {
	t.Parallel()
	f := &fakeFetcher{timeline: map[string][]model.Item{"alice": {item("alice", "1", "x")}}}
	q := &fakeQueue{}
	m := newTestMonitor(f, q, &failingArchiver{})
	m.SetAccounts([]model.TrackedAccount{{Handle: "alice"}})

	m.RunCycle(context.Background())
	if len(q.items()) != 1 {
		t.Fatalf("forwarded = %v", q.items())
	}
}
