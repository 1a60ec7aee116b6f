package gamestate

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Mode names an operating cadence.
type Mode string

const (
	ModeActive Mode = "active"
	ModeIdle   Mode = "idle"
)

// Cadence is one mode's set of intervals.
type Cadence struct {
	Poll           time.Duration
	Health         time.Duration
	HealthRecovery time.Duration
}

// DefaultCadences returns the per-mode interval sets.
func DefaultCadences() map[Mode]Cadence {
	return map[Mode]Cadence{
		ModeActive: {Poll: 2 * time.Second, Health: 10 * time.Second, HealthRecovery: 3 * time.Second},
		ModeIdle:   {Poll: 15 * time.Second, Health: 60 * time.Second, HealthRecovery: 10 * time.Second},
	}
}

// Rescheduler applies a mode's cadence to the transport's timer-driven
// components. Only categories that are actually running get their timers
// restarted; in-flight state is untouched.
type Rescheduler struct {
	mu       sync.Mutex
	mode     Mode
	cadences map[Mode]Cadence
	poller   *Poller
	prober   *Prober
}

// NewRescheduler creates a rescheduler over the given components; either may
// be nil when that category is not deployed.
func NewRescheduler(cadences map[Mode]Cadence, poller *Poller, prober *Prober) *Rescheduler {
	if cadences == nil {
		cadences = DefaultCadences()
	}
	return &Rescheduler{
		mode:     ModeActive,
		cadences: cadences,
		poller:   poller,
		prober:   prober,
	}
}

// Mode returns the current operating mode.
func (r *Rescheduler) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// SetMode switches the operating cadence, restarting exactly the running
// timer categories with the new intervals.
func (r *Rescheduler) SetMode(mode Mode) {
	r.mu.Lock()
	if r.mode == mode {
		r.mu.Unlock()
		return
	}
	cadence, ok := r.cadences[mode]
	if !ok {
		r.mu.Unlock()
		log.Warn().Str("mode", string(mode)).Msg("ignoring switch to unknown mode")
		return
	}
	r.mode = mode
	r.mu.Unlock()

	log.Info().Str("mode", string(mode)).Msg("switching operating cadence")
	if r.poller != nil && r.poller.Running() {
		r.poller.SetInterval(cadence.Poll)
	}
	if r.prober != nil && r.prober.Running() {
		r.prober.SetInterval(cadence.Health)
	}
}
