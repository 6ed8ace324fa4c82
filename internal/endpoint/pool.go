// Package endpoint tracks the health of mirror front-ends and picks which
// one a fetch should use.
//
// Mirrors are run by third parties and fail independently and often. The pool
// keeps a consecutive-failure count per endpoint and, once a configured
// threshold is crossed, disables the endpoint for an exponentially growing,
// capped window so a dead mirror is re-probed with increasing spacing instead
// of being hammered every cycle.
package endpoint

import (
	"errors"
	"strings"
	"sync"
	"time"

	"nitwatch/internal/clock"
	logx "nitwatch/pkg/logx"
)

// ErrNoHealthyEndpoint is returned by Select when every endpoint is inside
// its disable window.
var ErrNoHealthyEndpoint = errors.New("no healthy mirror endpoint available")

// Config holds the pool tunables. Zero values get defaults:
// threshold 5, base 30s, max 30m.
type Config struct {
	FailThreshold int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
}

func (c Config) withDefaults() Config {
	if c.FailThreshold <= 0 {
		c.FailThreshold = 5
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Minute
	}
	return c
}

// Endpoint is one mirror front-end. All fields are owned by the Pool;
// callers treat the value as an opaque selection token plus its Address.
type Endpoint struct {
	Address string

	consecutiveFails int
	lastChecked      time.Time
	disabledUntil    time.Time
}

// HealthSnapshot is the persistable view of one endpoint's state.
type HealthSnapshot struct {
	Address          string
	ConsecutiveFails int
	LastChecked      time.Time
	DisabledUntil    time.Time
}

// Pool selects endpoints round-robin, skipping disabled ones. All state
// mutation happens under one mutex; the pool itself performs no I/O.
type Pool struct {
	mu        sync.Mutex
	cfg       Config
	clk       clock.Clock
	log       logx.Logger
	endpoints []*Endpoint
	next      int
}

func NewPool(addresses []string, cfg Config, clk clock.Clock, log logx.Logger) *Pool {
	if clk == nil {
		clk = clock.System()
	}
	p := &Pool{cfg: cfg.withDefaults(), clk: clk, log: log}
	p.SetAddresses(addresses)
	return p
}

// SetAddresses reconciles the endpoint set against a new config. Known
// addresses keep their health state; new ones start healthy; removed ones
// drop out of selection.
func (p *Pool) SetAddresses(addresses []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	known := make(map[string]*Endpoint, len(p.endpoints))
	for _, ep := range p.endpoints {
		known[ep.Address] = ep
	}

	eps := make([]*Endpoint, 0, len(addresses))
	seen := make(map[string]bool, len(addresses))
	for _, a := range addresses {
		a = strings.TrimRight(strings.TrimSpace(a), "/")
		if a == "" || seen[a] {
			continue
		}
		seen[a] = true
		if ep, ok := known[a]; ok {
			eps = append(eps, ep)
		} else {
			eps = append(eps, &Endpoint{Address: a})
		}
	}
	p.endpoints = eps
	if p.next >= len(eps) {
		p.next = 0
	}
}

// Select returns the next enabled endpoint in round-robin order.
func (p *Pool) Select() (*Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	n := len(p.endpoints)
	for i := 0; i < n; i++ {
		ep := p.endpoints[(p.next+i)%n]
		if !ep.disabledUntil.IsZero() && now.Before(ep.disabledUntil) {
			continue
		}
		p.next = (p.next + i + 1) % n
		return ep, nil
	}
	return nil, ErrNoHealthyEndpoint
}

// ReportSuccess resets the endpoint's failure streak and re-enables it.
func (p *Pool) ReportSuccess(ep *Endpoint) {
	if ep == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ep.consecutiveFails = 0
	ep.disabledUntil = time.Time{}
	ep.lastChecked = p.clk.Now()
}

// ReportFailure counts a failed fetch against the endpoint. Once the streak
// reaches the threshold the endpoint is disabled for
// min(base << (streak - threshold), max).
func (p *Pool) ReportFailure(ep *Endpoint) {
	if ep == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clk.Now()
	ep.consecutiveFails++
	ep.lastChecked = now

	if ep.consecutiveFails < p.cfg.FailThreshold {
		return
	}

	d := backoff(p.cfg, ep.consecutiveFails)
	ep.disabledUntil = now.Add(d)
	p.log.Warn("mirror endpoint disabled",
		logx.String("endpoint", ep.Address),
		logx.Int("consecutive_fails", ep.consecutiveFails),
		logx.Duration("cooldown", d),
	)
}

func backoff(cfg Config, fails int) time.Duration {
	d := cfg.BackoffBase
	for i := cfg.FailThreshold; i < fails; i++ {
		d *= 2
		if d >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	if d > cfg.BackoffMax {
		d = cfg.BackoffMax
	}
	return d
}

// Snapshot returns the current health state of every endpoint, for
// persistence and diagnostics.
func (p *Pool) Snapshot() []HealthSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]HealthSnapshot, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		out = append(out, HealthSnapshot{
			Address:          ep.Address,
			ConsecutiveFails: ep.consecutiveFails,
			LastChecked:      ep.lastChecked,
			DisabledUntil:    ep.disabledUntil,
		})
	}
	return out
}

// Restore applies persisted health state to matching endpoints. Unknown
// addresses are ignored; endpoints without a snapshot stay as they are.
func (p *Pool) Restore(snaps []HealthSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	byAddr := make(map[string]HealthSnapshot, len(snaps))
	for _, s := range snaps {
		byAddr[s.Address] = s
	}
	for _, ep := range p.endpoints {
		s, ok := byAddr[ep.Address]
		if !ok {
			continue
		}
		ep.consecutiveFails = s.ConsecutiveFails
		ep.lastChecked = s.LastChecked
		ep.disabledUntil = s.DisabledUntil
	}
}

// Len reports the number of configured endpoints.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.endpoints)
}
