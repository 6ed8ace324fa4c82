package config

import (
	"fmt"
	"strings"

	"nitwatch/internal/model"
)

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Endpoints is the mirror front-end pool used to read timelines.
	Endpoints EndpointsConfig `json:"endpoints"`

	// Accounts lists tracked accounts as "alias:handle" entries.
	Accounts []string `json:"accounts"`

	Fetch    FetchConfig        `json:"fetch"`
	Analysis *AnalysisConfig    `json:"analysis,omitempty"`
	Push     PushConfig         `json:"push"`
	Monitor  MonitorConfig      `json:"monitor"`
	Archive  *ArchiveConfig     `json:"archive,omitempty"`
	Images   *ImageServerConfig `json:"images,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EndpointsConfig configures the mirror pool and its health tracking.
//
// All durations are Go duration strings (e.g. "30s", "5m").
//
// Defaults (when fields are omitted/zero):
//   - fail_threshold: 5
//   - backoff_base: "30s"
//   - backoff_max: "30m"
type EndpointsConfig struct {
	Addresses     []string `json:"addresses"`
	FailThreshold int      `json:"fail_threshold,omitempty"`
	BackoffBase   string   `json:"backoff_base,omitempty"`
	BackoffMax    string   `json:"backoff_max,omitempty"`
}

// FetchConfig controls timeline retrieval.
//
// Mode selects how a timeline is read from a mirror:
//   - "html": scrape the timeline page (default)
//   - "rss":  read the mirror's per-account RSS feed
type FetchConfig struct {
	Mode     string `json:"mode,omitempty"`
	MaxItems int    `json:"max_items,omitempty"` // default 3
	Timeout  string `json:"timeout,omitempty"`   // default "30s"

	// UserAgent overrides the browser-like default sent to mirrors.
	UserAgent string `json:"user_agent,omitempty"`

	// ScreenshotsDir is where the rendering backend drops "<id>.png" files.
	// Empty disables screenshot references entirely.
	ScreenshotsDir string `json:"screenshots_dir,omitempty"`
}

// AnalysisConfig points at the translation/summary service
// (an OpenAI-compatible chat completions endpoint).
//
// The API key is read from the environment variable named by KeyEnv so
// secrets stay out of the config file.
type AnalysisConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
	KeyEnv  string `json:"key_env,omitempty"` // default "ANALYSIS_KEY"
	Model   string `json:"model,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "30s"

	SystemPrompt string `json:"system_prompt,omitempty"`
	UserPrompt   string `json:"user_prompt,omitempty"`
}

// PushConfig controls the delivery queue.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - rate_per_sec: 10
//   - max_retries: 3
//   - retry_base: "5s"
//   - retry_max_delay: "5m"
//   - drain_interval: "1s"
type PushConfig struct {
	Workers       int             `json:"workers,omitempty"`
	RatePerSec    int             `json:"rate_per_sec,omitempty"`
	MaxRetries    int             `json:"max_retries,omitempty"`
	RetryBase     string          `json:"retry_base,omitempty"`
	RetryMaxDelay string          `json:"retry_max_delay,omitempty"`
	DrainInterval string          `json:"drain_interval,omitempty"`
	Channels      []ChannelConfig `json:"channels"`
}

// ChannelConfig describes one notification channel.
//
// Type is one of "serverchan", "pushdeer", "telegram". Name must be unique
// across channels; it is how delivery outcomes are keyed and logged.
type ChannelConfig struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	KeyEnv string `json:"key_env,omitempty"` // webhook key / bot token env var

	// Telegram only.
	ChatID   int64 `json:"chat_id,omitempty"`
	ThreadID int   `json:"thread_id,omitempty"`

	// ServerChan only: tag string appended to titles ("a|b" -> "#a#b").
	Tags string `json:"tags,omitempty"`
}

// MonitorConfig controls the poll loop.
//
// Defaults: check_interval "5m", account_concurrency 2.
type MonitorConfig struct {
	CheckInterval      string `json:"check_interval,omitempty"`
	AccountConcurrency int    `json:"account_concurrency,omitempty"`
}

type ArchiveConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type ImageServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default "127.0.0.1:3005"
	// BaseURL is what notification payloads use to link screenshots,
	// e.g. "https://img.example.org" when fronted by a proxy.
	BaseURL string `json:"base_url,omitempty"`
}

var knownChannelTypes = map[string]bool{
	"serverchan": true,
	"pushdeer":   true,
	"telegram":   true,
}

// ParseAccounts converts the "alias:handle" entries into model accounts.
func (c *Config) ParseAccounts() ([]model.TrackedAccount, error) {
	out := make([]model.TrackedAccount, 0, len(c.Accounts))
	seen := map[string]bool{}
	for i, raw := range c.Accounts {
		alias, handle, ok := strings.Cut(strings.TrimSpace(raw), ":")
		if !ok {
			return nil, fmt.Errorf("accounts[%d]: want \"alias:handle\", got %q", i, raw)
		}
		alias = strings.TrimSpace(alias)
		handle = strings.TrimPrefix(strings.TrimSpace(handle), "@")
		if alias == "" || handle == "" {
			return nil, fmt.Errorf("accounts[%d]: empty alias or handle in %q", i, raw)
		}
		if seen[handle] {
			return nil, fmt.Errorf("accounts[%d]: duplicate handle %q", i, handle)
		}
		seen[handle] = true
		out = append(out, model.TrackedAccount{Alias: alias, Handle: handle})
	}
	return out, nil
}

// Validate checks the parts of the config whose failure should abort startup.
// This is the only place a config problem is allowed to be fatal.
func (c *Config) Validate() error {
	if len(c.Endpoints.Addresses) == 0 {
		return fmt.Errorf("endpoints.addresses: at least one mirror endpoint is required")
	}
	for i, a := range c.Endpoints.Addresses {
		a = strings.TrimSpace(a)
		if !strings.HasPrefix(a, "http://") && !strings.HasPrefix(a, "https://") {
			return fmt.Errorf("endpoints.addresses[%d]: %q is not an http(s) URL", i, a)
		}
	}
	if _, err := c.ParseAccounts(); err != nil {
		return err
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("accounts: at least one tracked account is required")
	}
	switch m := strings.ToLower(strings.TrimSpace(c.Fetch.Mode)); m {
	case "", "html", "rss":
	default:
		return fmt.Errorf("fetch.mode: unknown mode %q", m)
	}
	names := map[string]bool{}
	for i, ch := range c.Push.Channels {
		if !knownChannelTypes[strings.ToLower(strings.TrimSpace(ch.Type))] {
			return fmt.Errorf("push.channels[%d]: unknown type %q", i, ch.Type)
		}
		name := strings.TrimSpace(ch.Name)
		if name == "" {
			return fmt.Errorf("push.channels[%d]: name is required", i)
		}
		if names[name] {
			return fmt.Errorf("push.channels[%d]: duplicate name %q", i, name)
		}
		names[name] = true
	}
	if len(c.Push.Channels) == 0 {
		return fmt.Errorf("push.channels: at least one channel is required")
	}

	// Durations must at least parse.
	for _, f := range []struct{ path, raw string }{
		{"endpoints.backoff_base", c.Endpoints.BackoffBase},
		{"endpoints.backoff_max", c.Endpoints.BackoffMax},
		{"fetch.timeout", c.Fetch.Timeout},
		{"push.retry_base", c.Push.RetryBase},
		{"push.retry_max_delay", c.Push.RetryMaxDelay},
		{"push.drain_interval", c.Push.DrainInterval},
		{"monitor.check_interval", c.Monitor.CheckInterval},
	} {
		if _, err := ParseDuration(f.path, f.raw); err != nil {
			return err
		}
	}
	if c.Analysis != nil && c.Analysis.Enabled {
		if strings.TrimSpace(c.Analysis.URL) == "" {
			return fmt.Errorf("analysis.url: required when analysis is enabled")
		}
		if _, err := ParseDuration("analysis.timeout", c.Analysis.Timeout); err != nil {
			return err
		}
	}
	if c.Archive != nil {
		if strings.TrimSpace(c.Archive.Path) == "" {
			return fmt.Errorf("archive.path: required when archive section is present")
		}
		if _, err := ParseDuration("archive.busy_timeout", c.Archive.BusyTimeout); err != nil {
			return err
		}
	}
	return nil
}
