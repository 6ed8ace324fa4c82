package push

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"nitwatch/internal/clock"
	"nitwatch/pkg/logx"
)

// State is a task's position in its delivery lifecycle. Delivered and
// Failed are terminal.
type State string

const (
	StatePending   State = "pending"
	StateInFlight  State = "in_flight"
	StateDelivered State = "delivered"
	StateFailed    State = "failed"
)

// Task is one delivery attempt stream for one (item, channel) pair.
type Task struct {
	ID            string
	Channel       string
	Payload       Payload
	Attempt       int
	NextAttemptAt time.Time
	State         State
	LastErr       string
	EnqueuedAt    time.Time
}

// Config sizes the queue's worker pool, throughput and retry curve.
type Config struct {
	Workers       int
	RatePerSec    int
	MaxRetries    int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DrainInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 10
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 5 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = time.Second
	}
	return c
}

// Queue holds pending deliveries and drains them on an interval. Each drain
// dispatches due tasks to a bounded worker pool behind a shared rate limiter.
// MaxRetries is the total attempt budget: a task that has failed MaxRetries
// times goes terminal Failed and is handed to the OnFailed hook; it is never
// retried again.
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	clk      clock.Clock
	log      logx.Logger
	channels map[string]Channel
	tasks    map[string]*Task
	limiter  *rate.Limiter

	// OnDelivered and OnFailed run outside the queue lock, at most once per
	// task. Set them before Run.
	OnDelivered func(Task)
	OnFailed    func(Task)
}

func NewQueue(cfg Config, channels []Channel, clk clock.Clock, log logx.Logger) *Queue {
	if clk == nil {
		clk = clock.System()
	}
	cfg = cfg.withDefaults()
	byName := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byName[ch.Name()] = ch
	}
	return &Queue{
		cfg:      cfg,
		clk:      clk,
		log:      log,
		channels: byName,
		tasks:    make(map[string]*Task),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
	}
}

// Enqueue creates one task per configured channel for the payload. Tasks are
// due immediately.
func (q *Queue) Enqueue(p Payload) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clk.Now()
	ids := make([]string, 0, len(q.channels))
	for name := range q.channels {
		t := &Task{
			ID:            uuid.NewString(),
			Channel:       name,
			Payload:       p,
			State:         StatePending,
			NextAttemptAt: now,
			EnqueuedAt:    now,
		}
		q.tasks[t.ID] = t
		ids = append(ids, t.ID)
	}
	if len(ids) > 0 {
		q.log.Debug("enqueued delivery",
			logx.String("item", p.ItemID),
			logx.Int("tasks", len(ids)))
	}
	return ids
}

// Run drains the queue until ctx is cancelled. A final drain is not
// attempted on shutdown; undelivered tasks surface in the next process life
// through the archive's dead-letter record only if they went terminal.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.drainOnce(ctx)
		}
	}
}

// drainOnce dispatches every due pending task and waits for the batch.
func (q *Queue) drainOnce(ctx context.Context) {
	now := q.clk.Now()

	q.mu.Lock()
	var due []*Task
	for _, t := range q.tasks {
		if t.State == StatePending && !t.NextAttemptAt.After(now) {
			t.State = StateInFlight
			due = append(due, t)
		}
	}
	q.mu.Unlock()
	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool { return due[i].EnqueuedAt.Before(due[j].EnqueuedAt) })

	sem := make(chan struct{}, q.cfg.Workers)
	var wg sync.WaitGroup
	for _, t := range due {
		select {
		case <-ctx.Done():
			q.requeue(t)
			continue
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := q.limiter.Wait(ctx); err != nil {
				q.requeue(t)
				return
			}
			q.attempt(ctx, t)
		}(t)
	}
	wg.Wait()
}

// requeue puts an in-flight task back to pending without charging an attempt.
func (q *Queue) requeue(t *Task) {
	q.mu.Lock()
	if t.State == StateInFlight {
		t.State = StatePending
	}
	q.mu.Unlock()
}

func (q *Queue) attempt(ctx context.Context, t *Task) {
	ch := q.channels[t.Channel]
	if ch == nil {
		q.finish(t, StateFailed, "channel removed")
		return
	}

	err := ch.Send(ctx, t.Payload)

	q.mu.Lock()
	t.Attempt++
	q.mu.Unlock()

	if err == nil {
		q.log.Info("delivered",
			logx.String("channel", t.Channel),
			logx.String("item", t.Payload.ItemID),
			logx.Int("attempt", t.Attempt))
		q.finish(t, StateDelivered, "")
		return
	}

	if ctx.Err() != nil {
		q.requeue(t)
		return
	}

	if t.Attempt >= q.cfg.MaxRetries {
		q.log.Warn("delivery failed permanently",
			logx.String("channel", t.Channel),
			logx.String("item", t.Payload.ItemID),
			logx.Int("attempts", t.Attempt),
			logx.Err(err))
		q.finish(t, StateFailed, err.Error())
		return
	}

	delay := backoffDelay(q.cfg, t.Attempt)
	q.mu.Lock()
	t.State = StatePending
	t.LastErr = err.Error()
	t.NextAttemptAt = q.clk.Now().Add(delay)
	q.mu.Unlock()
	q.log.Debug("delivery retry scheduled",
		logx.String("channel", t.Channel),
		logx.String("item", t.Payload.ItemID),
		logx.Int("attempt", t.Attempt),
		logx.Duration("delay", delay),
		logx.Err(err))
}

// finish moves a task to a terminal state, fires its hook once, and drops it
// from the live set.
func (q *Queue) finish(t *Task, st State, lastErr string) {
	q.mu.Lock()
	t.State = st
	t.LastErr = lastErr
	snap := *t
	delete(q.tasks, t.ID)
	q.mu.Unlock()

	switch st {
	case StateDelivered:
		if q.OnDelivered != nil {
			q.OnDelivered(snap)
		}
	case StateFailed:
		if q.OnFailed != nil {
			q.OnFailed(snap)
		}
	}
}

// backoffDelay is capped exponential with up to 20% jitter.
func backoffDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(d)/5 + 1))
	return d + jitter
}

// Snapshot returns the live (non-terminal) tasks, oldest first.
func (q *Queue) Snapshot() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnqueuedAt.Before(out[j].EnqueuedAt) })
	return out
}

// Pending reports how many tasks are still live.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
