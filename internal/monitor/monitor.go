// Package monitor runs the poll cycle: every interval it walks the tracked
// accounts, fetches their timelines, filters out already-seen items and hands
// the rest to enrichment and delivery. Accounts are isolated from each other;
// no failure inside a cycle is fatal to the process.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"nitwatch/internal/analyze"
	"nitwatch/internal/clock"
	"nitwatch/internal/dedup"
	"nitwatch/internal/endpoint"
	"nitwatch/internal/fetch"
	"nitwatch/internal/model"
	"nitwatch/internal/push"
	"nitwatch/pkg/logx"
)

type Config struct {
	CheckInterval      time.Duration
	AccountConcurrency int
}

func (c Config) withDefaults() Config {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 5 * time.Minute
	}
	if c.AccountConcurrency <= 0 {
		c.AccountConcurrency = 2
	}
	return c
}

// TimelineFetcher yields the latest items for one account.
type TimelineFetcher interface {
	FetchLatest(ctx context.Context, account model.TrackedAccount) ([]model.Item, error)
}

// Analyzer enriches one item. Implementations degrade instead of blocking.
type Analyzer interface {
	Analyze(ctx context.Context, item model.Item) (model.Analysis, error)
}

// Enqueuer accepts a rendered payload for delivery.
type Enqueuer interface {
	Enqueue(p push.Payload) []string
}

// Archiver is the subset of the archive the monitor writes to. All calls are
// fire-and-forget: errors are logged here and never interrupt a cycle.
type Archiver interface {
	SaveItem(ctx context.Context, it model.Item) error
	MarkSent(ctx context.Context, handle, itemID string) error
	SaveEndpointHealth(ctx context.Context, snaps []endpoint.HealthSnapshot) error
}

type Monitor struct {
	cfg      Config
	fetcher  TimelineFetcher
	cache    *dedup.Cache
	analyzer Analyzer // nil when analysis is not configured
	queue    Enqueuer
	store    Archiver // nil when the archive is not configured
	pool     *endpoint.Pool
	imageURL func(ref string) string
	clk      clock.Clock
	log      logx.Logger

	mu       sync.Mutex
	accounts []model.TrackedAccount
	running  bool

	cron *cron.Cron
}

type Options struct {
	Config   Config
	Fetcher  TimelineFetcher
	Cache    *dedup.Cache
	Analyzer Analyzer
	Queue    Enqueuer
	Store    Archiver
	Pool     *endpoint.Pool
	ImageURL func(ref string) string
	Clock    clock.Clock
	Log      logx.Logger
}

func New(opts Options) *Monitor {
	clk := opts.Clock
	if clk == nil {
		clk = clock.System()
	}
	imageURL := opts.ImageURL
	if imageURL == nil {
		imageURL = func(string) string { return "" }
	}
	return &Monitor{
		cfg:      opts.Config.withDefaults(),
		fetcher:  opts.Fetcher,
		cache:    opts.Cache,
		analyzer: opts.Analyzer,
		queue:    opts.Queue,
		store:    opts.Store,
		pool:     opts.Pool,
		imageURL: imageURL,
		clk:      clk,
		log:      opts.Log,
	}
}

// SetAccounts swaps the tracked set. Takes effect on the next cycle.
func (m *Monitor) SetAccounts(accounts []model.TrackedAccount) {
	m.mu.Lock()
	m.accounts = append([]model.TrackedAccount(nil), accounts...)
	m.mu.Unlock()
}

// Start schedules the poll cycle. The first cycle runs immediately rather
// than waiting a full interval.
func (m *Monitor) Start(ctx context.Context) error {
	m.cron = cron.New()
	spec := fmt.Sprintf("@every %s", m.cfg.CheckInterval)
	if _, err := m.cron.AddFunc(spec, func() { m.RunCycle(ctx) }); err != nil {
		return fmt.Errorf("schedule poll cycle: %w", err)
	}
	m.cron.Start()
	go m.RunCycle(ctx)
	return nil
}

// Stop halts scheduling and waits for an in-progress cycle's cron slot to
// drain. A running cycle still observes ctx cancellation from Start.
func (m *Monitor) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// RunCycle executes one full poll pass. Overlapping invocations are skipped,
// not queued: a slow pass must not pile up behind itself.
func (m *Monitor) RunCycle(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		m.log.Warn("poll cycle still running, skipping this tick")
		return
	}
	m.running = true
	accounts := append([]model.TrackedAccount(nil), m.accounts...)
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	if len(accounts) == 0 {
		return
	}
	started := m.clk.Now()
	m.log.Debug("poll cycle started", logx.Int("accounts", len(accounts)))

	sem := make(chan struct{}, m.cfg.AccountConcurrency)
	var wg sync.WaitGroup
	for _, acct := range accounts {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(acct model.TrackedAccount) {
			defer wg.Done()
			defer func() { <-sem }()
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("account cycle panicked",
						logx.String("handle", acct.Handle),
						logx.Any("panic", r))
				}
			}()
			m.processAccount(ctx, acct)
		}(acct)
	}
	wg.Wait()

	m.persistPoolHealth(ctx)
	m.log.Debug("poll cycle finished",
		logx.Duration("took", m.clk.Now().Sub(started)))
}

func (m *Monitor) processAccount(ctx context.Context, acct model.TrackedAccount) {
	items, err := m.fetchWithRetry(ctx, acct)
	if err != nil {
		m.log.Warn("account fetch failed",
			logx.String("handle", acct.Handle),
			logx.Err(err))
		return
	}

	fresh := m.cache.FilterNew(acct.Handle, items)
	if len(fresh) == 0 {
		return
	}
	m.log.Info("new items",
		logx.String("handle", acct.Handle),
		logx.Int("count", len(fresh)))

	// Deliver oldest first so notifications read chronologically.
	for i := len(fresh) - 1; i >= 0; i-- {
		m.forward(ctx, acct, fresh[i])
	}
}

// fetchWithRetry retries exactly once; the pool has already demoted the
// endpoint that failed, so the retry lands on a different mirror when one
// is available.
func (m *Monitor) fetchWithRetry(ctx context.Context, acct model.TrackedAccount) ([]model.Item, error) {
	items, err := m.fetcher.FetchLatest(ctx, acct)
	if err == nil {
		return items, nil
	}
	if !errors.Is(err, fetch.ErrFetch) || ctx.Err() != nil {
		return nil, err
	}
	return m.fetcher.FetchLatest(ctx, acct)
}

func (m *Monitor) forward(ctx context.Context, acct model.TrackedAccount, it model.Item) {
	var analysis model.Analysis
	if m.analyzer != nil {
		a, err := m.analyzer.Analyze(ctx, it)
		if err != nil && !errors.Is(err, analyze.ErrUnavailable) {
			m.log.Warn("analysis error",
				logx.String("item", it.ID),
				logx.Err(err))
		}
		analysis = a
	} else {
		analysis.Unavailable = true
	}

	payload := ComposePayload(acct, it, analysis, m.imageURL(it.ScreenshotRef))

	if m.store != nil {
		if err := m.store.SaveItem(ctx, it); err != nil {
			m.log.Warn("archive item write failed", logx.String("item", it.ID), logx.Err(err))
		}
		if err := m.store.MarkSent(ctx, it.AccountHandle, it.ID); err != nil {
			m.log.Warn("archive sent write failed", logx.String("item", it.ID), logx.Err(err))
		}
	}
	m.queue.Enqueue(payload)
}

func (m *Monitor) persistPoolHealth(ctx context.Context) {
	if m.store == nil || m.pool == nil {
		return
	}
	if err := m.store.SaveEndpointHealth(ctx, m.pool.Snapshot()); err != nil {
		m.log.Warn("endpoint health write failed", logx.Err(err))
	}
}
