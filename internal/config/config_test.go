package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) *Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewManager(path)
}

const validYAML = `
logging:
  level: debug
  console: true
endpoints:
  addresses:
    - https://m1.example/
    - https://m2.example
accounts:
  - "Alice:alice"
  - "Bob:@bob"
push:
  channels:
    - type: serverchan
      name: primary
monitor:
  check_interval: 2m
`

func TestLoadValidYAML(t *testing.T) {
	t.Parallel()
	cfg, err := writeConfig(t, validYAML).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || !cfg.Logging.Console {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if len(cfg.Endpoints.Addresses) != 2 {
		t.Errorf("endpoints = %v", cfg.Endpoints.Addresses)
	}
	if cfg.Monitor.CheckInterval != "2m" {
		t.Errorf("check_interval = %q", cfg.Monitor.CheckInterval)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	_, err := writeConfig(t, validYAML+"\nsurprise: 1\n").Load()
	if err == nil {
		t.Fatal("expected unknown-key error")
	}
}

func TestParseAccounts(t *testing.T) {
	t.Parallel()
	cfg := &Config{Accounts: []string{"Alice:alice", "Bob : @bob"}}
	accts, err := cfg.ParseAccounts()
	if err != nil {
		t.Fatalf("ParseAccounts: %v", err)
	}
	if accts[0].Alias != "Alice" || accts[0].Handle != "alice" {
		t.Errorf("accts[0] = %+v", accts[0])
	}
	if accts[1].Alias != "Bob" || accts[1].Handle != "bob" {
		t.Errorf("accts[1] = %+v", accts[1])
	}
}

func TestParseAccountsErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		accounts []string
	}{
		{"missing separator", []string{"alice"}},
		{"empty alias", []string{":alice"}},
		{"empty handle", []string{"Alice:"}},
		{"duplicate handle", []string{"A:x", "B:x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := &Config{Accounts: tc.accounts}
			if _, err := cfg.ParseAccounts(); err == nil {
				t.Errorf("ParseAccounts(%v): expected error", tc.accounts)
			}
		})
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()
	base := func() *Config {
		return &Config{
			Endpoints: EndpointsConfig{Addresses: []string{"https://m1.example"}},
			Accounts:  []string{"Alice:alice"},
			Push:      PushConfig{Channels: []ChannelConfig{{Type: "pushdeer", Name: "pd"}}},
		}
	}

	cases := []struct {
		name   string
		mutate func(*Config)
		frag   string
	}{
		{"no endpoints", func(c *Config) { c.Endpoints.Addresses = nil }, "endpoints.addresses"},
		{"bad scheme", func(c *Config) { c.Endpoints.Addresses = []string{"ftp://x"} }, "http(s)"},
		{"no accounts", func(c *Config) { c.Accounts = nil }, "accounts"},
		{"bad fetch mode", func(c *Config) { c.Fetch.Mode = "gopher" }, "fetch.mode"},
		{"bad channel type", func(c *Config) {
			c.Push.Channels = []ChannelConfig{{Type: "smoke-signal", Name: "x"}}
		}, "unknown type"},
		{"duplicate channel name", func(c *Config) {
			c.Push.Channels = []ChannelConfig{
				{Type: "pushdeer", Name: "x"},
				{Type: "serverchan", Name: "x"},
			}
		}, "duplicate"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.frag) {
				t.Errorf("err = %v, want fragment %q", err, tc.frag)
			}
		})
	}

	if err := base().Validate(); err != nil {
		t.Errorf("base config should validate: %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	if _, err := ParseDuration("x", "not-a-duration"); err == nil {
		t.Error("expected parse error")
	}
	if _, err := ParseDuration("x", "-5s"); err == nil {
		t.Error("expected error for negative duration")
	}
	d, err := ParseDurationOr("x", "", 7*time.Second)
	if err != nil || d != 7*time.Second {
		t.Errorf("default: %v, %v", d, err)
	}
	d, err = ParseDurationOr("x", "90s", time.Second)
	if err != nil || d != 90*time.Second {
		t.Errorf("explicit: %v, %v", d, err)
	}
}

func TestJSONConfigAccepted(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"endpoints":{"addresses":["https://m1.example"]},"accounts":["A:a"],"push":{"channels":[]},"monitor":{}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := NewManager(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Endpoints.Addresses) != 1 {
		t.Errorf("cfg = %+v", cfg)
	}
}
