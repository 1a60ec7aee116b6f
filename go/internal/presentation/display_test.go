package presentation_test

import (
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/lodegame/roundsync/go/internal/presentation"
	"github.com/lodegame/roundsync/go/internal/rounds"
)

// capture collects display hook firings; timer-driven hooks arrive from the
// clock's goroutine, so every accessor locks.
type capture struct {
	mu      sync.Mutex
	states  []presentation.State
	reveals []presentation.Reveal
	shows   int
	hides   []string
}

func (c *capture) hooks() presentation.Hooks {
	return presentation.Hooks{
		OnState: func(s presentation.State) {
			c.mu.Lock()
			c.states = append(c.states, s)
			c.mu.Unlock()
		},
		OnReveal: func(r presentation.Reveal) {
			c.mu.Lock()
			c.reveals = append(c.reveals, r)
			c.mu.Unlock()
		},
		OnOverlayShow: func(presentation.Reveal) {
			c.mu.Lock()
			c.shows++
			c.mu.Unlock()
		},
		OnOverlayHide: func(roundID string) {
			c.mu.Lock()
			c.hides = append(c.hides, roundID)
			c.mu.Unlock()
		},
	}
}

func (c *capture) revealCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reveals)
}

func (c *capture) hideCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.hides)
}

func (c *capture) lastReveal() presentation.Reveal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reveals[len(c.reveals)-1]
}

func (c *capture) sawState(s presentation.State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range c.states {
		if st == s {
			return true
		}
	}
	return false
}

func newTestDisplay(t *testing.T, cfg presentation.Config, storeCfg rounds.Config) (*rounds.Store, *presentation.Display, *capture, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	storeCfg.Clock = clock
	cfg.Clock = clock
	store := rounds.NewStore(storeCfg)
	rec := &capture{}
	display := presentation.NewDisplay(store, cfg, rec.hooks())
	t.Cleanup(display.Stop)
	return store, display, rec, clock
}

func startRound(store *rounds.Store, id string) {
	store.ApplySnapshot(rounds.SnapshotPayload{
		Frames: []rounds.FramePayload{
			{RoundID: id, Live: map[string]any{"remainingSlots": float64(50)}},
		},
		CurrentRoundID: id,
	})
}

func winnerUpdate(roundID string, section rounds.Section, tile int) rounds.SectionUpdate {
	return rounds.SectionUpdate{
		RoundID: roundID,
		Section: section,
		Mode:    rounds.MergeFull,
		Data:    map[string]any{"resultAvailable": true, "winningSquareIndex": tile},
	}
}

func TestSpinDwellDelaysReveal(t *testing.T) {
	store, display, rec, clock := newTestDisplay(t,
		presentation.Config{SpinDuration: time.Second, MaxWait: 10 * time.Second},
		rounds.Config{})

	startRound(store, "1")
	require.Equal(t, presentation.StateBetting, display.State())

	clock.Advance(200 * time.Millisecond)
	store.ApplySectionUpdate(winnerUpdate("1", rounds.SectionOptimistic, 7))
	require.Equal(t, presentation.StateSpinning, display.State())
	require.Zero(t, rec.revealCount(), "reveal waits out the spin dwell")

	clock.Advance(799 * time.Millisecond)
	require.Never(t, func() bool { return rec.revealCount() > 0 }, 50*time.Millisecond, 10*time.Millisecond)

	clock.Advance(time.Millisecond)
	require.Eventually(t, func() bool { return rec.revealCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, 7, rec.lastReveal().Winner)
	require.False(t, rec.lastReveal().WasLate)
	require.Equal(t, presentation.StateResult, display.State())
}

func TestRevealImmediateAfterSpinElapsed(t *testing.T) {
	store, display, rec, clock := newTestDisplay(t,
		presentation.Config{SpinDuration: time.Second, MaxWait: 10 * time.Second},
		rounds.Config{})

	startRound(store, "1")
	clock.Advance(1500 * time.Millisecond)
	store.ApplySectionUpdate(winnerUpdate("1", rounds.SectionOptimistic, 3))

	require.Equal(t, 1, rec.revealCount())
	require.Equal(t, presentation.StateResult, display.State())
	require.False(t, rec.sawState(presentation.StateSpinning))
}

func TestRevealFiresOncePerRound(t *testing.T) {
	store, _, rec, clock := newTestDisplay(t,
		presentation.Config{SpinDuration: time.Second, MaxWait: 10 * time.Second},
		rounds.Config{})

	startRound(store, "1")
	clock.Advance(1500 * time.Millisecond)
	store.ApplySectionUpdate(winnerUpdate("1", rounds.SectionOptimistic, 3))
	store.ApplySectionUpdate(winnerUpdate("1", rounds.SectionFinal, 3))

	require.Equal(t, 1, rec.revealCount(), "final winner for an already revealed round is not re-shown")
}

func TestLateSkipDropsWinnerEntirely(t *testing.T) {
	store, display, rec, clock := newTestDisplay(t,
		presentation.Config{SpinDuration: time.Second, MaxWait: 10 * time.Second, LateBehavior: presentation.LateSkip},
		rounds.Config{MaxWait: time.Second})

	startRound(store, "1")
	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "1",
		Section: rounds.SectionLive,
		Mode:    rounds.MergeDiff,
		Data:    map[string]any{"remainingSlots": float64(0)},
	})
	clock.Advance(2 * time.Second)

	store.ApplySectionUpdate(winnerUpdate("1", rounds.SectionOptimistic, 5))
	require.Zero(t, rec.revealCount())
	require.NotEqual(t, presentation.StateResult, display.State())

	store.ApplySectionUpdate(winnerUpdate("1", rounds.SectionFinal, 5))
	require.Zero(t, rec.revealCount(), "the round stays skipped")
}

func TestLateEmitLateFlagsReveal(t *testing.T) {
	store, _, rec, clock := newTestDisplay(t,
		presentation.Config{SpinDuration: time.Second, MaxWait: 10 * time.Second},
		rounds.Config{MaxWait: time.Second})

	startRound(store, "1")
	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "1",
		Section: rounds.SectionLive,
		Mode:    rounds.MergeDiff,
		Data:    map[string]any{"remainingSlots": float64(0)},
	})
	clock.Advance(2 * time.Second)

	store.ApplySectionUpdate(winnerUpdate("1", rounds.SectionOptimistic, 5))
	require.Equal(t, 1, rec.revealCount(), "emit-late reveals immediately, no spin")
	require.True(t, rec.lastReveal().WasLate)
	require.GreaterOrEqual(t, rec.lastReveal().ArrivalMs, int64(2000))
}

func TestAutoHideReturnsToIdle(t *testing.T) {
	store, display, rec, clock := newTestDisplay(t,
		presentation.Config{SpinDuration: time.Second, ResultDisplay: 2 * time.Second, MaxWait: 10 * time.Second},
		rounds.Config{})

	startRound(store, "1")
	clock.Advance(1500 * time.Millisecond)
	store.ApplySectionUpdate(winnerUpdate("1", rounds.SectionOptimistic, 3))
	require.Equal(t, presentation.StateResult, display.State())

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return rec.hideCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "1", rec.hides[0])
	require.Equal(t, presentation.StateIdle, display.State())
}

func TestAutoHideReturnsToBettingWhenNextRoundActive(t *testing.T) {
	store, display, rec, clock := newTestDisplay(t,
		presentation.Config{SpinDuration: time.Second, ResultDisplay: 2 * time.Second, MaxWait: 10 * time.Second},
		rounds.Config{})

	startRound(store, "1")
	clock.Advance(1500 * time.Millisecond)
	store.ApplySectionUpdate(winnerUpdate("1", rounds.SectionOptimistic, 3))

	// The next round begins while the overlay is still up.
	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID:  "2",
		Section:  rounds.SectionLive,
		Mode:     rounds.MergeDiff,
		Pointers: &rounds.Pointers{CurrentRoundID: "2"},
	})
	require.Equal(t, presentation.StateResult, display.State(), "overlay stays up through round start")

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return rec.hideCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, presentation.StateBetting, display.State())
}

func TestOverlayHideDoesNotInterruptNextSpin(t *testing.T) {
	store, display, rec, clock := newTestDisplay(t,
		presentation.Config{SpinDuration: 3 * time.Second, ResultDisplay: time.Second, MaxWait: 10 * time.Second},
		rounds.Config{})

	startRound(store, "1")
	clock.Advance(4 * time.Second)
	store.ApplySectionUpdate(winnerUpdate("1", rounds.SectionOptimistic, 3))
	require.Equal(t, presentation.StateResult, display.State())

	// The next round begins and its winner starts spinning while the
	// previous round's overlay is still up.
	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID:  "2",
		Section:  rounds.SectionLive,
		Mode:     rounds.MergeDiff,
		Pointers: &rounds.Pointers{CurrentRoundID: "2"},
	})
	clock.Advance(200 * time.Millisecond)
	store.ApplySectionUpdate(winnerUpdate("2", rounds.SectionOptimistic, 11))
	require.Equal(t, presentation.StateSpinning, display.State())

	clock.Advance(800 * time.Millisecond)
	require.Eventually(t, func() bool { return rec.hideCount() == 1 }, time.Second, 5*time.Millisecond)
	require.Equal(t, presentation.StateSpinning, display.State(), "overlay hide leaves the running spin alone")

	clock.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return rec.revealCount() == 2 }, time.Second, 5*time.Millisecond)
	require.Equal(t, "2", rec.lastReveal().RoundID)
	require.Equal(t, presentation.StateResult, display.State())
}

func TestSkipToResultCancelsSpin(t *testing.T) {
	store, display, rec, clock := newTestDisplay(t,
		presentation.Config{SpinDuration: 10 * time.Second, MaxWait: 30 * time.Second},
		rounds.Config{})

	startRound(store, "1")
	store.ApplySectionUpdate(winnerUpdate("1", rounds.SectionOptimistic, 9))
	require.Equal(t, presentation.StateSpinning, display.State())

	display.SkipToResult()
	require.Equal(t, 1, rec.revealCount())
	require.Equal(t, presentation.StateResult, display.State())

	// The original spin expiry must not double-fire.
	clock.Advance(10 * time.Second)
	require.Never(t, func() bool { return rec.revealCount() > 1 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestDismissResultCancelsAutoHide(t *testing.T) {
	store, display, rec, clock := newTestDisplay(t,
		presentation.Config{SpinDuration: time.Second, ResultDisplay: 5 * time.Second, MaxWait: 10 * time.Second},
		rounds.Config{})

	startRound(store, "1")
	clock.Advance(1500 * time.Millisecond)
	store.ApplySectionUpdate(winnerUpdate("1", rounds.SectionOptimistic, 3))

	display.DismissResult()
	require.Equal(t, 1, rec.hideCount())
	require.Equal(t, presentation.StateIdle, display.State())

	clock.Advance(5 * time.Second)
	require.Never(t, func() bool { return rec.hideCount() > 1 }, 50*time.Millisecond, 10*time.Millisecond)
}

func TestPendingWinnerRevealedLateOnRoundStart(t *testing.T) {
	store, display, rec, clock := newTestDisplay(t,
		presentation.Config{SpinDuration: 10 * time.Second, MaxWait: 30 * time.Second},
		rounds.Config{})

	startRound(store, "1")
	clock.Advance(time.Second)
	store.ApplySectionUpdate(winnerUpdate("1", rounds.SectionOptimistic, 4))
	require.Equal(t, presentation.StateSpinning, display.State())

	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID:  "2",
		Section:  rounds.SectionLive,
		Mode:     rounds.MergeDiff,
		Pointers: &rounds.Pointers{CurrentRoundID: "2"},
	})

	require.Equal(t, 1, rec.revealCount(), "round start flushes the pending reveal")
	require.True(t, rec.lastReveal().WasLate)
	require.Equal(t, "1", rec.lastReveal().RoundID)
}

func TestMaxWaitReturnsToIdle(t *testing.T) {
	store, display, _, clock := newTestDisplay(t,
		presentation.Config{SpinDuration: time.Second, MaxWait: time.Second},
		rounds.Config{})

	startRound(store, "1")
	require.Equal(t, presentation.StateBetting, display.State())

	clock.Advance(time.Second)
	require.Eventually(t, func() bool { return display.State() == presentation.StateIdle }, time.Second, 5*time.Millisecond)
}

func TestStopDetachesFromStore(t *testing.T) {
	store, display, rec, clock := newTestDisplay(t,
		presentation.Config{SpinDuration: time.Second, MaxWait: 10 * time.Second},
		rounds.Config{})

	startRound(store, "1")
	display.Stop()
	display.Stop()

	clock.Advance(1500 * time.Millisecond)
	store.ApplySectionUpdate(winnerUpdate("1", rounds.SectionOptimistic, 3))
	require.Zero(t, rec.revealCount())
}
