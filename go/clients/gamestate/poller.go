package gamestate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lodegame/roundsync/go/internal/rounds"
)

// PollerConfig holds the state-poll loop tunables.
type PollerConfig struct {
	// Interval between successful polls.
	Interval time.Duration
	// BackoffBase seeds the exponential retry delay after a failure.
	BackoffBase time.Duration
	// BackoffCap bounds the retry delay.
	BackoffCap time.Duration
	// Query tunes each state request.
	Query StateQuery
}

// DefaultPollerConfig returns the poller defaults.
func DefaultPollerConfig() PollerConfig {
	return PollerConfig{
		Interval:    2 * time.Second,
		BackoffBase: time.Second,
		BackoffCap:  30 * time.Second,
	}
}

// PollerHooks receive poll outcomes. Nil hooks are skipped.
type PollerHooks struct {
	// OnError fires on every failed poll attempt.
	OnError func(error)
	// OnRateLimit fires in addition to OnError when the failure was a 429,
	// carrying the delay the next attempt will honor.
	OnRateLimit func(time.Duration)
	// OnSuccess fires after each snapshot was applied.
	OnSuccess func()
}

// Poller repeatedly fetches the full state from the primary endpoint and
// applies it to the store. Failures back off exponentially; failover across
// endpoints happens at the composition level via restart, not per request.
type Poller struct {
	clock clockwork.Clock
	cfg   PollerConfig
	apply func(rounds.SnapshotPayload)
	hooks PollerHooks

	client *Client

	mu       sync.Mutex
	interval time.Duration
	failures int
	running  bool

	kick    chan struct{}
	resched chan struct{}
	stop    chan struct{}
	stopped sync.Once
}

// NewPoller creates a poller over the given client; apply receives each
// fetched snapshot (typically rounds.Store.ApplySnapshot).
func NewPoller(client *Client, cfg PollerConfig, clock clockwork.Clock, apply func(rounds.SnapshotPayload), hooks PollerHooks) *Poller {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	d := DefaultPollerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = d.BackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = d.BackoffCap
	}
	return &Poller{
		clock:    clock,
		cfg:      cfg,
		apply:    apply,
		hooks:    hooks,
		client:   client,
		interval: cfg.Interval,
		kick:     make(chan struct{}, 1),
		resched:  make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Running reports whether the poll loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SetInterval changes the between-poll cadence and re-arms the next poll at
// the new cadence without forcing an out-of-cycle fetch. Used by the mode
// rescheduler.
func (p *Poller) SetInterval(d time.Duration) {
	p.mu.Lock()
	p.interval = d
	running := p.running
	p.mu.Unlock()
	if running {
		select {
		case p.resched <- struct{}{}:
		default:
		}
	}
}

// PollNow triggers an immediate out-of-cycle poll, used on health recovery.
func (p *Poller) PollNow() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Start launches the poll loop; the first poll fires immediately.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()
	go p.run(ctx)
}

// Stop halts the poll loop. Idempotent.
func (p *Poller) Stop() {
	p.stopped.Do(func() { close(p.stop) })
}

func (p *Poller) run(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	timer := p.clock.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-p.resched:
			p.mu.Lock()
			interval := p.interval
			p.mu.Unlock()
			timer.Stop()
			timer = p.clock.NewTimer(interval)
			continue
		case <-p.kick:
		case <-timer.Chan():
		}

		delay := p.pollOnce(ctx)
		timer.Stop()
		timer = p.clock.NewTimer(delay)
	}
}

// pollOnce performs one fetch-and-apply and returns the delay before the
// next attempt.
func (p *Poller) pollOnce(ctx context.Context) time.Duration {
	snapshot, err := p.client.FetchState(ctx, p.cfg.Query)
	if err != nil {
		return p.recordFailure(err)
	}

	p.apply(*snapshot)
	p.mu.Lock()
	p.failures = 0
	interval := p.interval
	p.mu.Unlock()
	if p.hooks.OnSuccess != nil {
		p.hooks.OnSuccess()
	}
	return interval
}

func (p *Poller) recordFailure(err error) time.Duration {
	p.mu.Lock()
	p.failures++
	failures := p.failures
	p.mu.Unlock()

	delay := backoffDelay(p.cfg.BackoffBase, p.cfg.BackoffCap, failures)

	var apiErr *APIError
	rateLimited := errors.As(err, &apiErr) && apiErr.RateLimited()
	if rateLimited && apiErr.RetryAfter > delay {
		// Server-supplied delay is a floor on the next retry.
		delay = apiErr.RetryAfter
	}

	log.Warn().
		Err(err).
		Str("endpoint", p.client.BaseURL()).
		Int("consecutive_failures", failures).
		Dur("retry_in", delay).
		Msg("state poll failed")

	if p.hooks.OnError != nil {
		p.hooks.OnError(err)
	}
	if rateLimited && p.hooks.OnRateLimit != nil {
		p.hooks.OnRateLimit(delay)
	}
	return delay
}

// backoffDelay computes min(base << (failures-1), cap).
func backoffDelay(base, cap time.Duration, failures int) time.Duration {
	if failures < 1 {
		failures = 1
	}
	delay := base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= cap {
			return cap
		}
	}
	if delay > cap {
		return cap
	}
	return delay
}
