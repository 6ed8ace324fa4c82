package endpoint

import (
	"errors"
	"testing"
	"time"

	"nitwatch/internal/clock"
	logx "nitwatch/pkg/logx"
)

func newTestPool(t *testing.T, addrs []string, cfg Config) (*Pool, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewPool(addrs, cfg, clk, logx.Nop()), clk
}

func TestSelectRoundRobin(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, []string{"https://a.test", "https://b.test", "https://c.test"}, Config{})

	var got []string
	for i := 0; i < 6; i++ {
		ep, err := p.Select()
		if err != nil {
			t.Fatalf("Select() error: %v", err)
		}
		got = append(got, ep.Address)
	}
	want := []string{"https://a.test", "https://b.test", "https://c.test", "https://a.test", "https://b.test", "https://c.test"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("round-robin order = %v, want %v", got, want)
		}
	}
}

func TestFailureThresholdDisables(t *testing.T) {
	t.Parallel()
	p, clk := newTestPool(t, []string{"https://a.test", "https://b.test"},
		Config{FailThreshold: 5, BackoffBase: time.Minute, BackoffMax: time.Hour})

	var a *Endpoint
	for {
		ep, err := p.Select()
		if err != nil {
			t.Fatalf("Select() error: %v", err)
		}
		if ep.Address == "https://a.test" {
			a = ep
			break
		}
	}

	for i := 0; i < 4; i++ {
		p.ReportFailure(a)
	}
	// Four failures: still below the threshold, a stays selectable.
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		ep, err := p.Select()
		if err != nil {
			t.Fatalf("Select() error: %v", err)
		}
		seen[ep.Address] = true
	}
	if !seen["https://a.test"] {
		t.Fatal("endpoint disabled before reaching the failure threshold")
	}

	// Fifth failure trips the disable window.
	p.ReportFailure(a)
	for i := 0; i < 10; i++ {
		ep, err := p.Select()
		if err != nil {
			t.Fatalf("Select() error: %v", err)
		}
		if ep.Address == "https://a.test" {
			t.Fatal("disabled endpoint returned by Select")
		}
	}

	// After the window elapses the endpoint is selectable again.
	clk.Advance(time.Minute + time.Second)
	seen = map[string]bool{}
	for i := 0; i < 4; i++ {
		ep, err := p.Select()
		if err != nil {
			t.Fatalf("Select() error: %v", err)
		}
		seen[ep.Address] = true
	}
	if !seen["https://a.test"] {
		t.Fatal("endpoint not re-enabled after its disable window elapsed")
	}
}

func TestAllDisabled(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, []string{"https://a.test"},
		Config{FailThreshold: 1, BackoffBase: time.Minute, BackoffMax: time.Hour})

	ep, err := p.Select()
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	p.ReportFailure(ep)

	if _, err := p.Select(); !errors.Is(err, ErrNoHealthyEndpoint) {
		t.Fatalf("Select() error = %v, want ErrNoHealthyEndpoint", err)
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, []string{"https://a.test"},
		Config{FailThreshold: 3, BackoffBase: time.Minute, BackoffMax: time.Hour})

	ep, _ := p.Select()
	p.ReportFailure(ep)
	p.ReportFailure(ep)
	p.ReportSuccess(ep)
	p.ReportFailure(ep)
	p.ReportFailure(ep)

	// Streak was reset by the success, so only two failures count.
	if _, err := p.Select(); err != nil {
		t.Fatalf("Select() error after reset: %v", err)
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	t.Parallel()
	cfg := Config{FailThreshold: 2, BackoffBase: 10 * time.Second, BackoffMax: time.Minute}.withDefaults()

	tests := []struct {
		fails int
		want  time.Duration
	}{
		{fails: 2, want: 10 * time.Second},
		{fails: 3, want: 20 * time.Second},
		{fails: 4, want: 40 * time.Second},
		{fails: 5, want: time.Minute},
		{fails: 12, want: time.Minute},
	}
	for _, tt := range tests {
		if got := backoff(cfg, tt.fails); got != tt.want {
			t.Fatalf("backoff(fails=%d) = %v, want %v", tt.fails, got, tt.want)
		}
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	t.Parallel()
	p, clk := newTestPool(t, []string{"https://a.test", "https://b.test"},
		Config{FailThreshold: 1, BackoffBase: time.Minute, BackoffMax: time.Hour})

	ep, _ := p.Select()
	p.ReportFailure(ep)
	snaps := p.Snapshot()

	p2 := NewPool([]string{"https://a.test", "https://b.test"},
		Config{FailThreshold: 1, BackoffBase: time.Minute, BackoffMax: time.Hour}, clk, logx.Nop())
	p2.Restore(snaps)

	for i := 0; i < 4; i++ {
		got, err := p2.Select()
		if err != nil {
			t.Fatalf("Select() error: %v", err)
		}
		if got.Address == ep.Address {
			t.Fatal("restored pool selected an endpoint that should still be disabled")
		}
	}
}

func TestSetAddressesKeepsHealth(t *testing.T) {
	t.Parallel()
	p, _ := newTestPool(t, []string{"https://a.test"},
		Config{FailThreshold: 1, BackoffBase: time.Hour, BackoffMax: time.Hour})

	ep, _ := p.Select()
	p.ReportFailure(ep)

	p.SetAddresses([]string{"https://a.test", "https://b.test"})

	got, err := p.Select()
	if err != nil {
		t.Fatalf("Select() error: %v", err)
	}
	if got.Address != "https://b.test" {
		t.Fatalf("Select() = %s, want the newly added healthy endpoint", got.Address)
	}
}
