// Package app wires the pipeline together: config, logging, archive,
// endpoint pool, dedup cache, fetcher, analyzer, delivery queue, monitor and
// the optional image server.
package app

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"nitwatch/internal/analyze"
	"nitwatch/internal/archive"
	"nitwatch/internal/clock"
	"nitwatch/internal/config"
	"nitwatch/internal/dedup"
	"nitwatch/internal/endpoint"
	"nitwatch/internal/fetch"
	"nitwatch/internal/imgserver"
	"nitwatch/internal/monitor"
	"nitwatch/internal/push"
	"nitwatch/pkg/logx"
)

type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store       *archive.Store
	channelDefs []config.ChannelConfig

	pool  *endpoint.Pool
	cache *dedup.Cache
	queue *push.Queue
	mon   *monitor.Monitor
	img   *imgserver.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads and validates the config file, then builds every component.
// Only config problems named by Validate abort startup; optional subsystems
// that fail to come up are logged and skipped.
func New(configPath string) (*App, error) {
	mgr := config.NewManager(configPath)
	mgr.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return cfg.Validate()
	})
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	log = log.With(logx.String("svc", "nitwatch"))
	mgr.SetLogger(log)

	a := &App{cfgMgr: mgr, logSvc: logSvc, log: log}
	if err := a.build(cfg); err != nil {
		logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config) error {
	clk := clock.System()
	ctx := context.Background()

	// Archive first: later stages warm-start from it.
	if cfg.Archive != nil && cfg.Archive.Path != "" {
		busy, err := config.ParseDurationOr("archive.busy_timeout", cfg.Archive.BusyTimeout, 5*time.Second)
		if err != nil {
			return err
		}
		store, err := archive.Open(archive.Config{Path: cfg.Archive.Path, BusyTimeout: busy}, clk, a.log)
		if err != nil {
			a.log.Warn("archive unavailable, continuing without it", logx.Err(err))
		} else {
			a.store = store
		}
	}

	failThreshold := cfg.Endpoints.FailThreshold
	backoffBase, err := config.ParseDurationOr("endpoints.backoff_base", cfg.Endpoints.BackoffBase, 30*time.Second)
	if err != nil {
		return err
	}
	backoffMax, err := config.ParseDurationOr("endpoints.backoff_max", cfg.Endpoints.BackoffMax, 30*time.Minute)
	if err != nil {
		return err
	}
	a.pool = endpoint.NewPool(cfg.Endpoints.Addresses, endpoint.Config{
		FailThreshold: failThreshold,
		BackoffBase:   backoffBase,
		BackoffMax:    backoffMax,
	}, clk, a.log)
	if a.store != nil {
		if snaps, err := a.store.LoadEndpointHealth(ctx); err != nil {
			a.log.Warn("endpoint health restore failed", logx.Err(err))
		} else if len(snaps) > 0 {
			a.pool.Restore(snaps)
		}
	}

	accounts, err := cfg.ParseAccounts()
	if err != nil {
		return err
	}
	a.cache = dedup.NewCache(dedup.DefaultMaxSize)
	if a.store != nil {
		for _, acct := range accounts {
			ids, err := a.store.RecentSentIDs(ctx, acct.Handle, dedup.DefaultMaxSize)
			if err != nil {
				a.log.Warn("dedup warm start failed", logx.String("handle", acct.Handle), logx.Err(err))
				continue
			}
			a.cache.Warm(acct.Handle, ids)
		}
	}

	fetchTimeout, err := config.ParseDurationOr("fetch.timeout", cfg.Fetch.Timeout, 30*time.Second)
	if err != nil {
		return err
	}
	maxItems := cfg.Fetch.MaxItems
	if maxItems <= 0 {
		maxItems = 3
	}
	renderer := fetch.NewHTTPRenderer(fetchTimeout, cfg.Fetch.UserAgent)
	fetcher := fetch.NewFetcher(a.pool, renderer, fetch.Mode(strings.ToLower(cfg.Fetch.Mode)), maxItems, clk, a.log)
	if cfg.Fetch.ScreenshotsDir != "" {
		fetcher.EnableScreenshots()
	}

	var analyzer monitor.Analyzer
	if cfg.Analysis != nil && cfg.Analysis.Enabled {
		keyEnv := cfg.Analysis.KeyEnv
		if keyEnv == "" {
			keyEnv = "ANALYSIS_KEY"
		}
		timeout, err := config.ParseDurationOr("analysis.timeout", cfg.Analysis.Timeout, 30*time.Second)
		if err != nil {
			return err
		}
		key := analyze.KeyFromEnv(keyEnv)
		if key == "" {
			a.log.Warn("analysis enabled but key env is empty, items go out raw",
				logx.String("env", keyEnv))
		}
		analyzer = analyze.NewClient(analyze.Config{
			URL:          cfg.Analysis.URL,
			Key:          key,
			Model:        cfg.Analysis.Model,
			Timeout:      timeout,
			SystemPrompt: cfg.Analysis.SystemPrompt,
			UserPrompt:   cfg.Analysis.UserPrompt,
		}, a.log)
	}

	a.channelDefs = cfg.Push.Channels
	channels := a.buildChannels(cfg.Push.Channels)
	if len(channels) == 0 {
		a.log.Warn("no usable push channels configured, deliveries will be dropped")
	}
	queueCfg, err := pushConfig(cfg.Push)
	if err != nil {
		return err
	}
	a.queue = push.NewQueue(queueCfg, channels, clk, a.log)
	a.queue.OnDelivered = func(t push.Task) {
		if a.store == nil {
			return
		}
		if err := a.store.LogPush(context.Background(), t); err != nil {
			a.log.Warn("push log write failed", logx.Err(err))
		}
	}
	a.queue.OnFailed = func(t push.Task) {
		if a.store == nil {
			return
		}
		ctx := context.Background()
		if err := a.store.LogPush(ctx, t); err != nil {
			a.log.Warn("push log write failed", logx.Err(err))
		}
		if err := a.store.SaveDeadLetter(ctx, t); err != nil {
			a.log.Warn("dead letter write failed", logx.Err(err))
		}
	}

	imageURL := func(string) string { return "" }
	if cfg.Images != nil && cfg.Images.Enabled {
		addr := cfg.Images.Addr
		if addr == "" {
			addr = "127.0.0.1:3005"
		}
		a.img = imgserver.New(imgserver.Config{
			Addr:    addr,
			BaseURL: cfg.Images.BaseURL,
			Dir:     cfg.Fetch.ScreenshotsDir,
		}, a.log)
		imageURL = a.img.ImageURL
	}

	checkInterval, err := config.ParseDurationOr("monitor.check_interval", cfg.Monitor.CheckInterval, 5*time.Minute)
	if err != nil {
		return err
	}
	a.mon = monitor.New(monitor.Options{
		Config: monitor.Config{
			CheckInterval:      checkInterval,
			AccountConcurrency: cfg.Monitor.AccountConcurrency,
		},
		Fetcher:  fetcher,
		Cache:    a.cache,
		Analyzer: analyzer,
		Queue:    a.queue,
		Store:    a.store,
		Pool:     a.pool,
		ImageURL: imageURL,
		Clock:    clk,
		Log:      a.log,
	})
	a.mon.SetAccounts(accounts)
	return nil
}

func pushConfig(pc config.PushConfig) (push.Config, error) {
	retryBase, err := config.ParseDurationOr("push.retry_base", pc.RetryBase, 5*time.Second)
	if err != nil {
		return push.Config{}, err
	}
	retryMax, err := config.ParseDurationOr("push.retry_max_delay", pc.RetryMaxDelay, 5*time.Minute)
	if err != nil {
		return push.Config{}, err
	}
	drain, err := config.ParseDurationOr("push.drain_interval", pc.DrainInterval, time.Second)
	if err != nil {
		return push.Config{}, err
	}
	return push.Config{
		Workers:       pc.Workers,
		RatePerSec:    pc.RatePerSec,
		MaxRetries:    pc.MaxRetries,
		RetryBase:     retryBase,
		RetryMaxDelay: retryMax,
		DrainInterval: drain,
	}, nil
}

// buildChannels constructs each configured channel, skipping (with a warning)
// any whose credentials are missing or whose client fails to initialize.
func (a *App) buildChannels(defs []config.ChannelConfig) []push.Channel {
	var out []push.Channel
	for _, def := range defs {
		typ := strings.ToLower(strings.TrimSpace(def.Type))
		name := def.Name
		if name == "" {
			name = typ
		}
		key := channelKey(def, typ)
		if key == "" {
			a.log.Warn("push channel skipped, empty credential",
				logx.String("channel", name),
				logx.String("type", typ))
			continue
		}
		switch typ {
		case "serverchan":
			out = append(out, push.NewServerChan(name, key, splitTags(def.Tags)))
		case "pushdeer":
			out = append(out, push.NewPushDeer(name, key))
		case "telegram":
			ch, err := push.NewTelegram(name, key, def.ChatID, def.ThreadID)
			if err != nil {
				a.log.Warn("telegram channel skipped",
					logx.String("channel", name),
					logx.Err(err))
				continue
			}
			out = append(out, ch)
		}
	}
	return out
}

func channelKey(def config.ChannelConfig, typ string) string {
	env := def.KeyEnv
	if env == "" {
		switch typ {
		case "serverchan":
			env = "SERVERCHAN_KEY"
		case "pushdeer":
			env = "PUSHDEER_KEY"
		case "telegram":
			env = "TELEGRAM_BOT_TOKEN"
		}
	}
	return strings.TrimSpace(os.Getenv(env))
}

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	var tags []string
	for _, t := range strings.Split(s, "|") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// Start brings the pipeline up and returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgMgr.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watcher stopped", logx.Err(err))
		}
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.watchConfig(runCtx)
	}()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.queue.Run(runCtx)
	}()

	if a.img != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.img.Start(runCtx)
		}()
	}

	if err := a.mon.Start(runCtx); err != nil {
		cancel()
		return err
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err == nil && sent {
		a.startWatchdog(runCtx)
	}
	a.log.Info("nitwatch started")
	return nil
}

// watchConfig applies hot-reloadable settings from committed config changes.
func (a *App) watchConfig(ctx context.Context) {
	sub := a.cfgMgr.Subscribe(1)
	defer a.cfgMgr.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok {
				return
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	a.pool.SetAddresses(cfg.Endpoints.Addresses)
	if !reflect.DeepEqual(cfg.Push.Channels, a.channelDefs) {
		a.log.Warn("push channel changes need a restart to take effect")
	}
	if accounts, err := cfg.ParseAccounts(); err == nil {
		a.mon.SetAccounts(accounts)
	} else {
		a.log.Warn("reload kept previous account list", logx.Err(err))
	}
	a.log.Info("config reloaded",
		logx.Int("endpoints", len(cfg.Endpoints.Addresses)),
		logx.Int("accounts", len(cfg.Accounts)))
}

func (a *App) startWatchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval == 0 {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		}
	}()
}

// Stop shuts everything down in reverse order of startup.
func (a *App) Stop() {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.cancel != nil {
		a.cancel()
	}
	a.mon.Stop()
	a.wg.Wait()

	if a.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := a.store.SaveEndpointHealth(ctx, a.pool.Snapshot()); err != nil {
			a.log.Warn("final endpoint health write failed", logx.Err(err))
		}
		cancel()
		_ = a.store.Close()
	}
	a.log.Info("nitwatch stopped")
	_ = a.logSvc.Close()
}
