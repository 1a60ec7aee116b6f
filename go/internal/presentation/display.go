package presentation

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/lodegame/roundsync/go/internal/rounds"
)

// State is the display machine's current screen.
type State string

const (
	StateIdle     State = "IDLE"
	StateBetting  State = "BETTING"
	StateSpinning State = "SPINNING"
	StateResult   State = "RESULT"
)

// LateBehavior selects what happens with a winner that arrived after the
// maximum wait.
type LateBehavior string

const (
	// LateEmit reveals a late winner as if it were on time.
	LateEmit LateBehavior = "emit"
	// LateSkip drops a late winner entirely: no reveal, no result screen.
	LateSkip LateBehavior = "skip"
	// LateEmitLate reveals a late winner immediately, flagged late.
	LateEmitLate LateBehavior = "emit-late"
)

// Config holds the display timing tunables.
type Config struct {
	// SpinDuration is the minimum dwell between round start and winner reveal.
	SpinDuration time.Duration
	// ResultDisplay is how long the result overlay stays up before auto-hide.
	ResultDisplay time.Duration
	// MaxWait bounds how long the display waits for a winner each round.
	MaxWait time.Duration
	// LateBehavior selects the late-winner policy. Defaults to emit-late.
	LateBehavior LateBehavior
	// DisableAutoHide keeps the result overlay up until DismissResult.
	DisableAutoHide bool
	// Clock drives all display timers. Defaults to the real clock.
	Clock clockwork.Clock
}

func (c Config) withDefaults() Config {
	if c.SpinDuration <= 0 {
		c.SpinDuration = 3 * time.Second
	}
	if c.ResultDisplay <= 0 {
		c.ResultDisplay = 5 * time.Second
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 12 * time.Second
	}
	if c.LateBehavior == "" {
		c.LateBehavior = LateEmitLate
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

// Reveal is the payload handed to the reveal and overlay hooks.
type Reveal struct {
	RoundID    string              `json:"roundId"`
	Winner     int                 `json:"winner"`
	Source     rounds.WinnerSource `json:"source"`
	WasLate    bool                `json:"wasLate"`
	ArrivalMs  int64               `json:"arrivalMs"`
	Motherlode bool                `json:"motherlode,omitempty"`
}

// Hooks receive display outcomes. Nil hooks are skipped.
type Hooks struct {
	// OnState fires on every state transition.
	OnState func(State)
	// OnReveal fires at most once per round, after the spin dwell.
	OnReveal func(Reveal)
	// OnOverlayShow fires with the reveal whose result overlay just opened.
	OnOverlayShow func(Reveal)
	// OnOverlayHide fires when the result overlay closes.
	OnOverlayHide func(roundID string)
}

// Display is the presentation timing machine layered over a store's round
// lifecycle events. It never mutates the store; it only schedules when winner
// data already reconciled there becomes visible.
type Display struct {
	clock clockwork.Clock
	cfg   Config
	hooks Hooks

	mu             sync.Mutex
	state          State
	roundID        string
	roundStartedAt time.Time

	// Reveal-once bookkeeping, scoped to display rather than data arrival.
	revealed      map[string]struct{}
	revealedOrder []string
	revealedRound string

	pending *Reveal

	spinSeq   uint64
	spinTimer clockwork.Timer
	waitSeq   uint64
	waitTimer clockwork.Timer
	hideSeq   uint64
	hideTimer clockwork.Timer

	unsubscribe func()
	stopped     bool
}

// NewDisplay creates a display machine subscribed to the given store.
func NewDisplay(store *rounds.Store, cfg Config, hooks Hooks) *Display {
	cfg = cfg.withDefaults()
	d := &Display{
		clock:    cfg.Clock,
		cfg:      cfg,
		hooks:    hooks,
		state:    StateIdle,
		revealed: make(map[string]struct{}),
	}
	d.unsubscribe = store.OnEvent(d.handleEvent)
	return d
}

// State returns the current display state.
func (d *Display) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// SkipToResult cancels a running spin dwell and reveals the pending winner
// immediately. No-op when nothing is pending.
func (d *Display) SkipToResult() {
	d.mu.Lock()
	var cbs []func()
	if !d.stopped && d.pending != nil {
		rev := *d.pending
		d.revealLocked(rev, &cbs)
	}
	d.mu.Unlock()
	run(cbs)
}

// DismissResult cancels the auto-hide timer and closes the result overlay
// immediately. No-op outside the result state.
func (d *Display) DismissResult() {
	d.mu.Lock()
	var cbs []func()
	if !d.stopped && d.state == StateResult {
		d.stopTimerLocked(&d.hideTimer, &d.hideSeq)
		d.hideLocked(&cbs)
	}
	d.mu.Unlock()
	run(cbs)
}

// Stop cancels all timers and detaches from the store. Idempotent.
func (d *Display) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	d.pending = nil
	d.stopTimerLocked(&d.spinTimer, &d.spinSeq)
	d.stopTimerLocked(&d.waitTimer, &d.waitSeq)
	d.stopTimerLocked(&d.hideTimer, &d.hideSeq)
	unsub := d.unsubscribe
	d.unsubscribe = nil
	d.mu.Unlock()
	if unsub != nil {
		unsub()
	}
}

func (d *Display) handleEvent(ev rounds.Event) {
	switch e := ev.(type) {
	case rounds.RoundStarted:
		d.onRoundStarted(e)
	case rounds.WinnerDetected:
		d.onWinner(e)
	}
}

func (d *Display) onRoundStarted(e rounds.RoundStarted) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	var cbs []func()

	// A winner still waiting out its spin when the next round begins is
	// revealed immediately as late rather than lost.
	if d.pending != nil && d.pending.RoundID != e.RoundID {
		rev := *d.pending
		rev.WasLate = true
		if d.cfg.LateBehavior == LateSkip {
			d.markRevealedLocked(rev.RoundID)
			d.pending = nil
			d.stopTimerLocked(&d.spinTimer, &d.spinSeq)
		} else {
			d.revealLocked(rev, &cbs)
		}
	}

	d.roundID = e.RoundID
	d.roundStartedAt = d.clock.Now()
	d.replaceTimerLocked(&d.waitTimer, &d.waitSeq, d.cfg.MaxWait, d.waitExpired)

	// While a result overlay is up the machine stays in RESULT; the hide
	// transition lands it in BETTING because this round is already active.
	if d.state != StateResult {
		d.setStateLocked(StateBetting, &cbs)
	}
	d.mu.Unlock()
	run(cbs)
}

func (d *Display) onWinner(e rounds.WinnerDetected) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	if _, done := d.revealed[e.RoundID]; done {
		d.mu.Unlock()
		return
	}
	if d.pending != nil && d.pending.RoundID == e.RoundID {
		d.mu.Unlock()
		return
	}
	var cbs []func()

	rec := e.Record
	late := rec.WasLate
	if late {
		switch d.cfg.LateBehavior {
		case LateSkip:
			d.markRevealedLocked(e.RoundID)
			d.mu.Unlock()
			log.Debug().Str("round_id", e.RoundID).Msg("skipping late winner")
			return
		case LateEmit:
			late = false
		}
	}

	rev := Reveal{
		RoundID:    e.RoundID,
		Winner:     rec.Tile,
		Source:     rec.Source,
		WasLate:    late,
		ArrivalMs:  rec.ArrivalMs,
		Motherlode: rec.Motherlode,
	}

	if !late && e.RoundID == d.roundID {
		if remaining := d.cfg.SpinDuration - d.clock.Since(d.roundStartedAt); remaining > 0 {
			d.pending = &rev
			d.stopTimerLocked(&d.waitTimer, &d.waitSeq)
			d.setStateLocked(StateSpinning, &cbs)
			d.replaceTimerLocked(&d.spinTimer, &d.spinSeq, remaining, d.spinExpired)
			d.mu.Unlock()
			run(cbs)
			return
		}
	}

	d.revealLocked(rev, &cbs)
	d.mu.Unlock()
	run(cbs)
}

func (d *Display) spinExpired(seq uint64) {
	d.mu.Lock()
	if d.stopped || seq != d.spinSeq || d.pending == nil {
		d.mu.Unlock()
		return
	}
	var cbs []func()
	rev := *d.pending
	d.revealLocked(rev, &cbs)
	d.mu.Unlock()
	run(cbs)
}

func (d *Display) waitExpired(seq uint64) {
	d.mu.Lock()
	if d.stopped || seq != d.waitSeq {
		d.mu.Unlock()
		return
	}
	var cbs []func()
	d.waitTimer = nil
	if d.state == StateBetting {
		log.Debug().Str("round_id", d.roundID).Msg("gave up waiting for winner")
		d.setStateLocked(StateIdle, &cbs)
	}
	d.mu.Unlock()
	run(cbs)
}

func (d *Display) hideExpired(seq uint64) {
	d.mu.Lock()
	if d.stopped || seq != d.hideSeq {
		d.mu.Unlock()
		return
	}
	var cbs []func()
	d.hideTimer = nil
	d.hideLocked(&cbs)
	d.mu.Unlock()
	run(cbs)
}

func (d *Display) revealLocked(rev Reveal, cbs *[]func()) {
	d.markRevealedLocked(rev.RoundID)
	d.revealedRound = rev.RoundID
	d.pending = nil
	d.stopTimerLocked(&d.spinTimer, &d.spinSeq)
	d.stopTimerLocked(&d.waitTimer, &d.waitSeq)

	log.Info().
		Str("round_id", rev.RoundID).
		Int("winner", rev.Winner).
		Bool("late", rev.WasLate).
		Msg("revealing winner")
	if h := d.hooks.OnReveal; h != nil {
		*cbs = append(*cbs, func() { h(rev) })
	}
	if h := d.hooks.OnOverlayShow; h != nil {
		*cbs = append(*cbs, func() { h(rev) })
	}
	d.setStateLocked(StateResult, cbs)
	if !d.cfg.DisableAutoHide {
		d.replaceTimerLocked(&d.hideTimer, &d.hideSeq, d.cfg.ResultDisplay, d.hideExpired)
	}
}

func (d *Display) hideLocked(cbs *[]func()) {
	round := d.revealedRound
	if h := d.hooks.OnOverlayHide; h != nil {
		*cbs = append(*cbs, func() { h(round) })
	}
	if d.pending != nil {
		// The next round's spin is already underway; its reveal owns the
		// state transition.
		return
	}
	if d.roundID != "" && d.roundID != round {
		d.setStateLocked(StateBetting, cbs)
	} else {
		d.setStateLocked(StateIdle, cbs)
	}
}

func (d *Display) setStateLocked(s State, cbs *[]func()) {
	if d.state == s {
		return
	}
	d.state = s
	if h := d.hooks.OnState; h != nil {
		*cbs = append(*cbs, func() { h(s) })
	}
}

func (d *Display) markRevealedLocked(roundID string) {
	if _, ok := d.revealed[roundID]; ok {
		return
	}
	d.revealed[roundID] = struct{}{}
	d.revealedOrder = append(d.revealedOrder, roundID)
	for len(d.revealedOrder) > 64 {
		delete(d.revealed, d.revealedOrder[0])
		d.revealedOrder = d.revealedOrder[1:]
	}
}

func (d *Display) replaceTimerLocked(t *clockwork.Timer, seq *uint64, delay time.Duration, fire func(uint64)) {
	if *t != nil {
		(*t).Stop()
	}
	*seq++
	id := *seq
	*t = d.clock.AfterFunc(delay, func() { fire(id) })
}

func (d *Display) stopTimerLocked(t *clockwork.Timer, seq *uint64) {
	*seq++
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func run(cbs []func()) {
	for _, cb := range cbs {
		cb()
	}
}
