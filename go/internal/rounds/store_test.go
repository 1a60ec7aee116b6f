package rounds_test

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/lodegame/roundsync/go/internal/rounds"
)

type recorder struct {
	mu     sync.Mutex
	events []rounds.Event
}

func (r *recorder) handle(e rounds.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) ofType(t rounds.EventType) []rounds.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rounds.Event
	for _, e := range r.events {
		if e.Type() == t {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) all() []rounds.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rounds.Event(nil), r.events...)
}

func newTestStore(t *testing.T, cfg rounds.Config) (*rounds.Store, *recorder, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	cfg.Clock = clock
	store := rounds.NewStore(cfg)
	rec := &recorder{}
	store.OnEvent(rec.handle)
	return store, rec, clock
}

func slotPtr(v int64) *int64 { return &v }

func liveUpdate(roundID string, slot int64, data map[string]any) rounds.SectionUpdate {
	return rounds.SectionUpdate{
		RoundID: roundID,
		Section: rounds.SectionLive,
		Mode:    rounds.MergeDiff,
		Data:    data,
		Meta:    &rounds.UpdateMeta{Slot: slotPtr(slot)},
	}
}

func TestApplySnapshotRebuildsTable(t *testing.T) {
	store, rec, _ := newTestStore(t, rounds.Config{})

	store.ApplySnapshot(rounds.SnapshotPayload{
		Frames: []rounds.FramePayload{
			{RoundID: "99", Live: map[string]any{"remainingSlots": float64(0)}},
			{RoundID: "100", Live: map[string]any{"remainingSlots": float64(50)}},
		},
		CurrentRoundID:         "100",
		LatestFinalizedRoundID: "99",
		Phase:                  &rounds.PhaseMetadata{Phase: rounds.PhaseBetting},
	})

	require.Len(t, rec.ofType(rounds.EventTypeSnapshot), 1)
	require.Len(t, rec.ofType(rounds.EventTypeRoundStarted), 1)
	require.Len(t, rec.ofType(rounds.EventTypePhaseChange), 1)
	require.Equal(t, "100", store.CurrentRoundID())
	require.NotNil(t, store.CurrentFrame())

	prev := store.PreviousRound()
	require.NotNil(t, prev)
	require.Equal(t, "99", prev.RoundID)

	// A frame absent from the next snapshot is cleared.
	store.ApplySnapshot(rounds.SnapshotPayload{
		Frames:         []rounds.FramePayload{{RoundID: "100"}},
		CurrentRoundID: "100",
	})
	require.Nil(t, store.Frame("99"))
	require.Len(t, rec.ofType(rounds.EventTypeRoundStarted), 1, "unchanged pointer does not restart the round")
}

func TestSectionVersionReplayIgnored(t *testing.T) {
	store, _, _ := newTestStore(t, rounds.Config{})

	u := rounds.SectionUpdate{
		RoundID: "7",
		Section: rounds.SectionBids,
		Mode:    rounds.MergeDiff,
		Version: 3,
		Data:    map[string]any{"count": float64(1)},
	}
	store.ApplySectionUpdate(u)
	first := store.Frame("7")
	require.EqualValues(t, 3, first.SectionVersions[rounds.SectionBids])

	u.Data = map[string]any{"count": float64(99)}
	store.ApplySectionUpdate(u) // same version, must be ignored
	require.Equal(t, first.Bids, store.Frame("7").Bids)

	u.Version = 4
	store.ApplySectionUpdate(u)
	require.Equal(t, map[string]any{"count": float64(99)}, store.Frame("7").Bids)
}

func TestLiveStalenessMonotonicity(t *testing.T) {
	store, _, _ := newTestStore(t, rounds.Config{})

	store.ApplySectionUpdate(liveUpdate("1", 10, map[string]any{"totalDeployed": float64(100), "remainingSlots": float64(5)}))
	require.EqualValues(t, 10, store.Frame("1").LiveSlot)

	// Older slot dropped.
	store.ApplySectionUpdate(liveUpdate("1", 9, map[string]any{"totalDeployed": float64(500)}))
	f := store.Frame("1")
	require.EqualValues(t, 10, f.LiveSlot)
	require.Equal(t, float64(100), f.Live["totalDeployed"])

	// Equal slot with decreasing deployed total dropped.
	store.ApplySectionUpdate(liveUpdate("1", 10, map[string]any{"totalDeployed": float64(50)}))
	require.Equal(t, float64(100), store.Frame("1").Live["totalDeployed"])

	// Equal slot with increasing deployed total applied.
	store.ApplySectionUpdate(liveUpdate("1", 10, map[string]any{"totalDeployed": float64(150)}))
	require.Equal(t, float64(150), store.Frame("1").Live["totalDeployed"])

	// No slot stamp: judged on the monotonic value alone.
	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "1", Section: rounds.SectionLive, Mode: rounds.MergeDiff,
		Data: map[string]any{"totalDeployed": float64(120)},
	})
	require.Equal(t, float64(150), store.Frame("1").Live["totalDeployed"])

	// Newer slot always applies.
	store.ApplySectionUpdate(liveUpdate("1", 11, map[string]any{"totalDeployed": float64(160)}))
	require.EqualValues(t, 11, store.Frame("1").LiveSlot)
	require.Equal(t, float64(160), store.Frame("1").Live["totalDeployed"])
}

func TestWinnerFiresExactlyOncePerSource(t *testing.T) {
	store, rec, _ := newTestStore(t, rounds.Config{})

	opt := rounds.SectionUpdate{
		RoundID: "5",
		Section: rounds.SectionOptimistic,
		Mode:    rounds.MergeFull,
		Data:    map[string]any{"resultAvailable": true, "winningSquareIndex": float64(7)},
	}
	store.ApplySectionUpdate(opt)
	store.ApplySectionUpdate(opt)
	store.ApplySnapshot(rounds.SnapshotPayload{
		Frames: []rounds.FramePayload{{
			RoundID:    "5",
			Optimistic: map[string]any{"resultAvailable": true, "winningSquareIndex": float64(7)},
		}},
		CurrentRoundID: "5",
	})

	winners := rec.ofType(rounds.EventTypeWinner)
	require.Len(t, winners, 1)
	ev := winners[0].(rounds.WinnerDetected)
	require.Equal(t, rounds.SourceOptimistic, ev.Record.Source)
	require.Equal(t, 7, ev.Record.Tile)
}

func TestOptimisticPrecedesFinal(t *testing.T) {
	store, rec, _ := newTestStore(t, rounds.Config{})

	store.ApplySnapshot(rounds.SnapshotPayload{
		Frames: []rounds.FramePayload{{
			RoundID:    "8",
			Optimistic: map[string]any{"resultAvailable": true, "winningSquareIndex": float64(3)},
			Final:      map[string]any{"resultAvailable": true, "winningSquareIndex": float64(3)},
		}},
		CurrentRoundID: "8",
	})

	winners := rec.ofType(rounds.EventTypeWinner)
	require.Len(t, winners, 2)
	require.Equal(t, rounds.SourceOptimistic, winners[0].(rounds.WinnerDetected).Record.Source)
	require.Equal(t, rounds.SourceFinal, winners[1].(rounds.WinnerDetected).Record.Source)

	finals := rec.ofType(rounds.EventTypeRoundFinalized)
	require.Len(t, finals, 1)
	fin := finals[0].(rounds.RoundFinalized)
	require.True(t, fin.Confirmed)
	require.False(t, fin.Mismatch)
}

func TestFinalMismatchAgainstOptimistic(t *testing.T) {
	store, rec, _ := newTestStore(t, rounds.Config{})

	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "9", Section: rounds.SectionOptimistic, Mode: rounds.MergeFull,
		Data: map[string]any{"resultAvailable": true, "winningSquareIndex": float64(3)},
	})
	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "9", Section: rounds.SectionFinal, Mode: rounds.MergeFull,
		Data: map[string]any{"resultAvailable": true, "winningSquareIndex": float64(7)},
	})

	winners := rec.ofType(rounds.EventTypeWinner)
	require.Len(t, winners, 2)
	final := winners[1].(rounds.WinnerDetected)
	require.True(t, final.Mismatch)
	require.NotNil(t, final.OptimisticTile)
	require.Equal(t, 3, *final.OptimisticTile)

	fin := rec.ofType(rounds.EventTypeRoundFinalized)[0].(rounds.RoundFinalized)
	require.True(t, fin.Mismatch)
}

func TestMotherlodeOnFinalJackpot(t *testing.T) {
	store, rec, _ := newTestStore(t, rounds.Config{})

	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "11", Section: rounds.SectionFinal, Mode: rounds.MergeFull,
		Data: map[string]any{
			"resultAvailable":    true,
			"winningSquareIndex": float64(2),
			"motherlode":         true,
			"motherlodeAmount":   float64(5000),
		},
	})

	hits := rec.ofType(rounds.EventTypeMotherlode)
	require.Len(t, hits, 1)
	require.Equal(t, float64(5000), hits[0].(rounds.MotherlodeHit).Record.MotherlodeAmount)
}

func TestFinalWinnerNeverReverts(t *testing.T) {
	store, _, _ := newTestStore(t, rounds.Config{})

	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "12", Section: rounds.SectionFinal, Mode: rounds.MergeFull,
		Data: map[string]any{"resultAvailable": true, "winningSquareIndex": float64(4)},
	})
	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "12", Section: rounds.SectionFinal, Mode: rounds.MergeDiff,
		Data: map[string]any{"resultAvailable": false},
	})

	rec, ok := store.Record("12", rounds.SourceFinal)
	require.True(t, ok, "recorded winner survives a reverting section update")
	require.Equal(t, 4, rec.Tile)
}

func TestEvictionAndNoResurrection(t *testing.T) {
	store, rec, _ := newTestStore(t, rounds.Config{Retention: 2})

	for _, id := range []string{"1", "2", "3", "4"} {
		store.ApplySectionUpdate(rounds.SectionUpdate{
			RoundID: id, Section: rounds.SectionBids, Mode: rounds.MergeDiff,
			Data: map[string]any{"n": float64(1)},
		})
	}

	require.Nil(t, store.Frame("1"))
	require.Nil(t, store.Frame("2"))
	require.NotNil(t, store.Frame("3"))
	require.NotNil(t, store.Frame("4"))

	before := len(rec.all())
	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "1", Section: rounds.SectionBids, Mode: rounds.MergeDiff,
		Data: map[string]any{"n": float64(9)},
	})
	require.Nil(t, store.Frame("1"), "evicted rounds are never resurrected")
	require.Len(t, rec.all(), before, "dropped update emits nothing")
}

func TestSnapshotRestoresEvictedRound(t *testing.T) {
	store, _, _ := newTestStore(t, rounds.Config{Retention: 2})

	for _, id := range []string{"1", "2", "3", "4"} {
		store.ApplySectionUpdate(rounds.SectionUpdate{
			RoundID: id, Section: rounds.SectionBids, Mode: rounds.MergeDiff,
			Data: map[string]any{"n": float64(1)},
		})
	}
	require.Nil(t, store.Frame("1"))

	// The snapshot is authoritative; a round it carries is live again even
	// though a previous generation evicted it.
	store.ApplySnapshot(rounds.SnapshotPayload{
		Frames:         []rounds.FramePayload{{RoundID: "1"}, {RoundID: "4"}},
		CurrentRoundID: "4",
	})
	require.NotNil(t, store.Frame("1"))

	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "1", Section: rounds.SectionBids, Mode: rounds.MergeDiff,
		Data: map[string]any{"n": float64(9)},
	})
	require.Equal(t, map[string]any{"n": float64(9)}, store.Frame("1").Bids,
		"a snapshot-restored round accepts section updates again")
}

func TestSnapshotPrunesDroppedRoundTimers(t *testing.T) {
	store, _, _ := newTestStore(t, rounds.Config{Retention: 5})

	for i := 1; i <= 50; i++ {
		id := strconv.Itoa(i)
		store.ApplySnapshot(rounds.SnapshotPayload{
			Frames: []rounds.FramePayload{
				{RoundID: id, Live: map[string]any{"remainingSlots": float64(10)}},
			},
			CurrentRoundID: id,
		})
	}

	require.LessOrEqual(t, store.TimingEntryCount(), 4,
		"per-round timing entries do not accumulate across snapshot generations")
}

func TestPreviousRoundFallsBackToOrder(t *testing.T) {
	store, _, _ := newTestStore(t, rounds.Config{})

	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "20", Section: rounds.SectionBids, Mode: rounds.MergeDiff, Data: map[string]any{},
	})
	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "21", Section: rounds.SectionBids, Mode: rounds.MergeDiff, Data: map[string]any{},
	})

	prev := store.PreviousRound()
	require.NotNil(t, prev)
	require.Equal(t, "20", prev.RoundID, "no finalized pointer: second-newest order entry")
}

func TestPhaseChangeFiresOnlyOnDifference(t *testing.T) {
	store, rec, _ := newTestStore(t, rounds.Config{})

	meta := rounds.PhaseMetadata{Phase: rounds.PhaseBetting}
	store.ApplySectionUpdate(rounds.SectionUpdate{Section: rounds.SectionGlobals, Mode: rounds.MergeDiff, Phase: &meta})
	store.ApplySectionUpdate(rounds.SectionUpdate{Section: rounds.SectionGlobals, Mode: rounds.MergeDiff, Phase: &meta})

	require.Len(t, rec.ofType(rounds.EventTypePhaseChange), 1)

	until := time.Date(2026, 1, 1, 0, 0, 30, 0, time.UTC)
	store.ApplySectionUpdate(rounds.SectionUpdate{
		Section: rounds.SectionGlobals, Mode: rounds.MergeDiff,
		Phase: &rounds.PhaseMetadata{Phase: rounds.PhaseBetting, Until: &until},
	})
	require.Len(t, rec.ofType(rounds.EventTypePhaseChange), 2, "changed until re-fires")
}

func TestMalformedUpdatesDropSilently(t *testing.T) {
	store, rec, _ := newTestStore(t, rounds.Config{})

	store.ApplySectionUpdate(rounds.SectionUpdate{
		Section: rounds.SectionLive, Mode: rounds.MergeDiff, Data: map[string]any{"x": 1},
	}) // missing round id
	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "1", Section: "bogus", Mode: rounds.MergeDiff,
	})
	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "1", Section: rounds.SectionLive, Mode: "sideways",
	})

	require.Empty(t, rec.all())
	require.Nil(t, store.Frame("1"))
}

func TestMiningStatusScenario(t *testing.T) {
	store, rec, _ := newTestStore(t, rounds.Config{})

	store.ApplySnapshot(rounds.SnapshotPayload{
		Frames: []rounds.FramePayload{{
			RoundID: "100",
			Live:    map[string]any{"remainingSlots": float64(50), "totalDeployed": float64(10)},
		}},
		CurrentRoundID: "100",
	})

	store.ApplySectionUpdate(liveUpdate("100", 1, map[string]any{"remainingSlots": float64(0), "totalDeployed": float64(10)}))

	changes := rec.ofType(rounds.EventTypeMiningStatusChanged)
	require.Len(t, changes, 1)
	ch := changes[0].(rounds.MiningStatusChanged)
	require.Equal(t, rounds.MiningActive, ch.From)
	require.Equal(t, rounds.MiningExpired, ch.To)

	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "100", Section: rounds.SectionOptimistic, Mode: rounds.MergeFull,
		Data: map[string]any{"resultAvailable": true, "winningSquareIndex": float64(7)},
	})

	winners := rec.ofType(rounds.EventTypeWinner)
	require.Len(t, winners, 1)
	ev := winners[0].(rounds.WinnerDetected)
	require.Equal(t, 7, ev.Record.Tile)
	require.Equal(t, rounds.SourceOptimistic, ev.Record.Source)
	require.True(t, store.InResultPhase())
}

func TestResultPhaseSelfExpires(t *testing.T) {
	store, _, clock := newTestStore(t, rounds.Config{ResultPhase: 15 * time.Second})

	store.ApplySectionUpdate(rounds.SectionUpdate{
		RoundID: "1", Section: rounds.SectionFinal, Mode: rounds.MergeFull,
		Data: map[string]any{"resultAvailable": true, "winningSquareIndex": float64(1)},
	})
	require.True(t, store.InResultPhase())

	clock.Advance(15 * time.Second)
	require.Eventually(t, func() bool { return !store.InResultPhase() },
		time.Second, 5*time.Millisecond)
}

func TestRoundStartedCarriesPreviousRound(t *testing.T) {
	store, rec, _ := newTestStore(t, rounds.Config{})

	store.ApplySectionUpdate(rounds.SectionUpdate{
		Section: rounds.SectionGlobals, Mode: rounds.MergeDiff,
		Pointers: &rounds.Pointers{CurrentRoundID: "100"},
	})
	store.ApplySectionUpdate(rounds.SectionUpdate{
		Section: rounds.SectionGlobals, Mode: rounds.MergeDiff,
		Pointers: &rounds.Pointers{CurrentRoundID: "101"},
	})

	starts := rec.ofType(rounds.EventTypeRoundStarted)
	require.Len(t, starts, 2)
	second := starts[1].(rounds.RoundStarted)
	require.Equal(t, "101", second.RoundID)
	require.Equal(t, "100", second.PreviousRoundID)
	require.Equal(t, "101", store.CurrentRoundID())
	require.NotNil(t, store.Frame("101"), "current pointer always names a present frame")
}

func TestBackwardsRoundPointerIgnored(t *testing.T) {
	store, rec, _ := newTestStore(t, rounds.Config{})

	store.ApplySectionUpdate(rounds.SectionUpdate{
		Section: rounds.SectionGlobals, Mode: rounds.MergeDiff,
		Pointers: &rounds.Pointers{CurrentRoundID: "101"},
	})
	store.ApplySectionUpdate(rounds.SectionUpdate{
		Section: rounds.SectionGlobals, Mode: rounds.MergeDiff,
		Pointers: &rounds.Pointers{CurrentRoundID: "100"},
	})

	require.Equal(t, "101", store.CurrentRoundID(), "replayed stale pointer is dropped")
	require.Len(t, rec.ofType(rounds.EventTypeRoundStarted), 1)
}
