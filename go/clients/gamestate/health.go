package gamestate

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Connectivity classifies upstream reachability as seen by the prober.
type Connectivity string

const (
	Connecting  Connectivity = "connecting"
	Connected   Connectivity = "connected"
	Unreachable Connectivity = "unreachable"
)

// APIHealth describes the upstream API process.
type APIHealth struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptimeSeconds,omitempty"`
}

// RPCHealth describes the upstream chain connection.
type RPCHealth struct {
	Status         string   `json:"status"`
	ActiveRole     string   `json:"activeRole,omitempty"`
	FailoverActive bool     `json:"failoverActive,omitempty"`
	Providers      []string `json:"providers,omitempty"`
}

// GameHealth describes the game loop itself.
type GameHealth struct {
	Status         string `json:"status"`
	CurrentRoundID string `json:"currentRoundId,omitempty"`
}

// HealthReport is the GET /v3/health document.
type HealthReport struct {
	API  APIHealth  `json:"api"`
	RPC  RPCHealth  `json:"rpc"`
	Game GameHealth `json:"game"`
}

// DegradedReport is the synthetic all-subsystems-unknown report emitted when
// the prober declares upstream unreachable, so consumers can render a
// degraded state without waiting for the next poll.
func DegradedReport() HealthReport {
	return HealthReport{
		API:  APIHealth{Status: "unknown"},
		RPC:  RPCHealth{Status: "unknown"},
		Game: GameHealth{Status: "unknown"},
	}
}

// ProberConfig holds the health prober tunables.
type ProberConfig struct {
	// Interval between probes while reachable.
	Interval time.Duration
	// RecoveryInterval between probes while unreachable.
	RecoveryInterval time.Duration
	// RecencyWindow within which a successful state poll satisfies a probe
	// tick without an extra request.
	RecencyWindow time.Duration
	// Threshold is how many consecutive probe failures declare unreachable.
	Threshold int
}

// DefaultProberConfig returns the prober defaults.
func DefaultProberConfig() ProberConfig {
	return ProberConfig{
		Interval:         10 * time.Second,
		RecoveryInterval: 3 * time.Second,
		RecencyWindow:    5 * time.Second,
		Threshold:        3,
	}
}

// ProberHooks receive prober outcomes. Nil hooks are skipped.
type ProberHooks struct {
	// OnState fires on every connectivity transition.
	OnState func(Connectivity)
	// OnReport fires with each successfully fetched health document.
	OnReport func(HealthReport)
	// OnDegraded fires once on the transition to unreachable, carrying the
	// synthetic degraded report.
	OnDegraded func(HealthReport)
	// OnRecovered fires when a probe succeeds after unreachable; wire it to
	// an out-of-cycle poll and a push reconnect.
	OnRecovered func()
}

// Prober polls the liveness endpoint on its own cadence and classifies
// connectivity, debounced over a consecutive-failure threshold.
type Prober struct {
	clock  clockwork.Clock
	client *Client
	cfg    ProberConfig
	hooks  ProberHooks

	mu          sync.Mutex
	state       Connectivity
	failures    int
	lastPoll    time.Time
	lastPollSet bool
	interval    time.Duration
	running     bool
	kick        chan struct{}
	stop        chan struct{}
	stopped     sync.Once
}

// NewProber creates a health prober over the given client.
func NewProber(client *Client, cfg ProberConfig, clock clockwork.Clock, hooks ProberHooks) *Prober {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultProberConfig().Threshold
	}
	return &Prober{
		clock:    clock,
		client:   client,
		cfg:      cfg,
		hooks:    hooks,
		state:    Connecting,
		interval: cfg.Interval,
		kick:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// State returns the current connectivity classification.
func (p *Prober) State() Connectivity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Running reports whether the probe loop is active.
func (p *Prober) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// NotePollSuccess records a successful state poll so the next probe tick can
// infer connectivity without a request. Wire it to the poller's OnSuccess.
func (p *Prober) NotePollSuccess() {
	p.mu.Lock()
	p.lastPoll = p.clock.Now()
	p.lastPollSet = true
	p.mu.Unlock()
}

// SetInterval changes the reachable-state cadence and reschedules the next
// probe. Used by the mode rescheduler.
func (p *Prober) SetInterval(d time.Duration) {
	p.mu.Lock()
	p.interval = d
	running := p.running
	p.mu.Unlock()
	if running {
		select {
		case p.kick <- struct{}{}:
		default:
		}
	}
}

// Start launches the probe loop. It returns immediately.
func (p *Prober) Start(ctx context.Context) {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.mu.Unlock()
	go p.run(ctx)
}

// Stop halts the probe loop. Idempotent.
func (p *Prober) Stop() {
	p.stopped.Do(func() { close(p.stop) })
}

func (p *Prober) run(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	timer := p.clock.NewTimer(p.currentInterval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-p.kick:
			timer.Stop()
			timer = p.clock.NewTimer(p.currentInterval())
			continue
		case <-timer.Chan():
		}

		p.probe(ctx)
		timer.Stop()
		timer = p.clock.NewTimer(p.currentInterval())
	}
}

func (p *Prober) currentInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Unreachable && p.cfg.RecoveryInterval > 0 {
		return p.cfg.RecoveryInterval
	}
	return p.interval
}

func (p *Prober) probe(ctx context.Context) {
	p.mu.Lock()
	recent := p.lastPollSet && p.clock.Since(p.lastPoll) < p.cfg.RecencyWindow
	p.mu.Unlock()
	if recent {
		p.recordSuccess(nil)
		return
	}

	report, err := p.client.FetchHealth(ctx)
	if err != nil {
		p.recordFailure(err)
		return
	}
	p.recordSuccess(report)
}

func (p *Prober) recordSuccess(report *HealthReport) {
	p.mu.Lock()
	p.failures = 0
	was := p.state
	p.state = Connected
	p.mu.Unlock()

	if was == Unreachable {
		log.Info().Msg("upstream health recovered")
		if p.hooks.OnRecovered != nil {
			p.hooks.OnRecovered()
		}
	}
	if was != Connected && p.hooks.OnState != nil {
		p.hooks.OnState(Connected)
	}
	if report != nil && p.hooks.OnReport != nil {
		p.hooks.OnReport(*report)
	}
}

func (p *Prober) recordFailure(err error) {
	p.mu.Lock()
	p.failures++
	failures := p.failures
	was := p.state
	declare := failures >= p.cfg.Threshold && was != Unreachable
	if declare {
		p.state = Unreachable
	}
	p.mu.Unlock()

	log.Warn().Err(err).Int("consecutive_failures", failures).Msg("health probe failed")
	if !declare {
		return
	}
	if p.hooks.OnState != nil {
		p.hooks.OnState(Unreachable)
	}
	if p.hooks.OnDegraded != nil {
		p.hooks.OnDegraded(DegradedReport())
	}
}
