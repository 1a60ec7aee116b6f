package rounds

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Config holds the tunables of a reconciliation store.
type Config struct {
	// Retention bounds the frame history; oldest frames are evicted first.
	Retention int
	// MaxWait bounds WaitForWinner and classifies late winner arrivals.
	MaxWait time.Duration
	// ResultPhase is how long the self-expiring result flag stays up after a
	// winner is recorded.
	ResultPhase time.Duration
	// Clock drives every timer and timestamp. Defaults to the real clock.
	Clock clockwork.Clock
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		Retention:   20,
		MaxWait:     12 * time.Second,
		ResultPhase: 15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Retention < 2 {
		// PreviousRound's order-array fallback needs at least two entries.
		if c.Retention <= 0 {
			c.Retention = d.Retention
		} else {
			c.Retention = 2
		}
	}
	if c.MaxWait <= 0 {
		c.MaxWait = d.MaxWait
	}
	if c.ResultPhase <= 0 {
		c.ResultPhase = d.ResultPhase
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return c
}

type handlerReg struct {
	id int
	fn EventHandler
}

type waiter struct {
	roundID string
	ch      chan *int
}

// Store owns the round-frame table, global fields, round pointers, phase
// metadata, and winner dedup state. It is the only component allowed to
// mutate frames; everything else reads through accessors or consumes events.
type Store struct {
	mu    sync.Mutex
	clock clockwork.Clock
	cfg   Config

	frames  map[string]*RoundFrame
	order   []string // FIFO by first reference, for eviction
	globals map[string]any

	currentRoundID         string
	latestFinalizedRoundID string

	phase    PhaseMetadata
	phaseSet bool

	// Winner dedup survives frame eviction in a bounded ring.
	handled      map[string]struct{}
	handledOrder []string
	records      map[string]WinnerRecord

	evicted      map[string]struct{}
	evictedOrder []string

	roundStartedAt  map[string]time.Time
	bettingClosedAt map[string]time.Time

	waiters map[string][]*waiter

	resultActive bool
	resultTimer  clockwork.Timer

	handlersMu  sync.RWMutex
	handlers    []handlerReg
	nextHandler int
}

// NewStore creates a reconciliation store.
func NewStore(cfg Config) *Store {
	cfg = cfg.withDefaults()
	return &Store{
		clock:           cfg.Clock,
		cfg:             cfg,
		frames:          make(map[string]*RoundFrame),
		globals:         make(map[string]any),
		handled:         make(map[string]struct{}),
		records:         make(map[string]WinnerRecord),
		evicted:         make(map[string]struct{}),
		roundStartedAt:  make(map[string]time.Time),
		bettingClosedAt: make(map[string]time.Time),
		waiters:         make(map[string][]*waiter),
	}
}

// OnEvent registers a handler for all store events and returns a function
// that removes it again.
func (s *Store) OnEvent(h EventHandler) func() {
	s.handlersMu.Lock()
	id := s.nextHandler
	s.nextHandler++
	s.handlers = append(s.handlers, handlerReg{id: id, fn: h})
	s.handlersMu.Unlock()
	return func() {
		s.handlersMu.Lock()
		defer s.handlersMu.Unlock()
		for i, reg := range s.handlers {
			if reg.id == id {
				s.handlers = append(s.handlers[:i], s.handlers[i+1:]...)
				return
			}
		}
	}
}

func (s *Store) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	s.handlersMu.RLock()
	regs := make([]handlerReg, len(s.handlers))
	copy(regs, s.handlers)
	s.handlersMu.RUnlock()
	for _, ev := range events {
		for _, reg := range regs {
			reg.fn(ev)
		}
	}
}

func winnerKey(roundID string, source WinnerSource) string {
	return roundID + "/" + string(source)
}

// ApplySnapshot replaces the frame table from an authoritative full-state
// document. Frames absent from the snapshot are cleared and the evicted set
// resets with them; winner dedup state is retained so replayed snapshots
// never re-fire winner events.
func (s *Store) ApplySnapshot(p SnapshotPayload) {
	now := s.clock.Now()
	s.mu.Lock()
	var events []Event

	old := s.frames
	s.frames = make(map[string]*RoundFrame, len(p.Frames))
	s.order = s.order[:0]
	for _, fp := range p.Frames {
		if fp.RoundID == "" {
			continue
		}
		f := newFrame(fp.RoundID)
		f.Live = fp.Live
		f.Bids = fp.Bids
		f.Optimistic = fp.Optimistic
		f.Final = fp.Final
		if fp.Meta != nil && fp.Meta.Slot != nil {
			f.LiveSlot = *fp.Meta.Slot
		}
		for _, sec := range []Section{SectionLive, SectionBids, SectionOptimistic, SectionFinal} {
			if f.section(sec) != nil {
				f.SectionVersions[sec] = 1
			}
		}
		f.UpdatedAt = now
		s.deriveMiningLocked(f, old[fp.RoundID], now, &events)
		s.frames[fp.RoundID] = f
		s.order = append(s.order, fp.RoundID)
	}

	// The snapshot is authoritative: a round it carries is live again even if
	// a previous generation evicted it, and timing entries for rounds it
	// dropped must not accumulate across poll cycles.
	s.evicted = make(map[string]struct{})
	s.evictedOrder = s.evictedOrder[:0]
	for id := range s.roundStartedAt {
		if _, ok := s.frames[id]; !ok {
			delete(s.roundStartedAt, id)
		}
	}
	for id := range s.bettingClosedAt {
		if _, ok := s.frames[id]; !ok {
			delete(s.bettingClosedAt, id)
		}
	}

	s.globals = p.Globals
	if s.globals == nil {
		s.globals = make(map[string]any)
	}
	if p.LatestFinalizedRoundID != "" {
		s.latestFinalizedRoundID = p.LatestFinalizedRoundID
	}
	if p.CurrentRoundID != "" && p.CurrentRoundID != s.currentRoundID {
		s.advanceCurrentLocked(p.CurrentRoundID, now, &events)
	}
	if p.Phase != nil {
		s.applyPhaseLocked(*p.Phase, &events)
	}

	events = append([]Event{SnapshotApplied{
		CurrentRoundID: s.currentRoundID,
		FrameCount:     len(s.frames),
	}}, events...)

	for _, id := range s.order {
		s.detectWinnersLocked(s.frames[id], now, &events)
	}
	s.evictLocked()
	s.mu.Unlock()
	s.emit(events)
}

// ApplySectionUpdate routes a partial update into the named frame section.
// Structurally invalid, stale, and version-replayed updates are dropped
// silently: a garbled wire frame must never corrupt reconciled state.
func (s *Store) ApplySectionUpdate(u SectionUpdate) {
	switch u.Section {
	case SectionLive, SectionBids, SectionOptimistic, SectionFinal:
		if u.RoundID == "" {
			log.Debug().Str("section", string(u.Section)).Msg("dropping section update without round id")
			return
		}
	case SectionGlobals:
	default:
		log.Debug().Str("section", string(u.Section)).Msg("dropping update for unknown section")
		return
	}
	if u.Mode != MergeFull && u.Mode != MergeDiff {
		log.Debug().Str("mode", string(u.Mode)).Msg("dropping update with unknown merge mode")
		return
	}

	now := s.clock.Now()
	s.mu.Lock()
	var events []Event

	if u.Section == SectionGlobals {
		s.globals = MergeSection(s.globals, u.Data, u.Mode)
		if s.globals == nil {
			s.globals = make(map[string]any)
		}
		s.applyMetaLocked(u, now, &events)
		s.mu.Unlock()
		s.emit(events)
		return
	}

	if _, gone := s.evicted[u.RoundID]; gone {
		s.mu.Unlock()
		log.Debug().Str("round_id", u.RoundID).Msg("dropping update for evicted round")
		return
	}

	f, ok := s.frames[u.RoundID]
	if !ok {
		f = newFrame(u.RoundID)
		s.frames[u.RoundID] = f
		s.order = append(s.order, u.RoundID)
	}

	if u.Version > 0 && u.Version <= f.SectionVersions[u.Section] {
		s.mu.Unlock()
		log.Debug().
			Str("round_id", u.RoundID).
			Str("section", string(u.Section)).
			Int64("version", u.Version).
			Msg("dropping replayed section version")
		return
	}

	if u.Section == SectionLive && isStaleLive(f, u.Meta, u.Data) {
		s.mu.Unlock()
		log.Debug().Str("round_id", u.RoundID).Msg("dropping stale live update")
		return
	}

	f.setSection(u.Section, MergeSection(f.section(u.Section), u.Data, u.Mode))
	if u.Section == SectionLive && u.Meta != nil && u.Meta.Slot != nil && *u.Meta.Slot > f.LiveSlot {
		f.LiveSlot = *u.Meta.Slot
	}
	if u.Version > 0 {
		f.SectionVersions[u.Section] = u.Version
	} else {
		f.SectionVersions[u.Section]++
	}
	f.UpdatedAt = now

	if u.Section == SectionLive {
		s.deriveMiningLocked(f, f, now, &events)
	}

	events = append(events, FrameUpdated{Frame: f.clone(), Section: u.Section})

	if u.Section == SectionOptimistic || u.Section == SectionFinal {
		s.detectWinnersLocked(f, now, &events)
	}

	s.applyMetaLocked(u, now, &events)
	s.evictLocked()
	s.mu.Unlock()
	s.emit(events)
}

// deriveMiningLocked recomputes a frame's mining status from its live section
// and records the betting-window close time on the ACTIVE to EXPIRED edge.
// prev supplies the status to diff against (the frame itself for in-place
// updates, the displaced table entry during snapshot rebuilds).
func (s *Store) deriveMiningLocked(f, prev *RoundFrame, now time.Time, events *[]Event) {
	remaining, ok := f.remainingSlots()
	if !ok {
		if prev != nil {
			f.MiningStatus = prev.MiningStatus
		}
		return
	}
	status := MiningActive
	if remaining <= 0 {
		status = MiningExpired
	}
	var before MiningStatus
	if prev != nil {
		before = prev.MiningStatus
	}
	f.MiningStatus = status
	if before == status || (before == "" && status == MiningActive) {
		return
	}
	if status == MiningExpired {
		if _, seen := s.bettingClosedAt[f.RoundID]; !seen {
			s.bettingClosedAt[f.RoundID] = now
		}
	}
	*events = append(*events, MiningStatusChanged{RoundID: f.RoundID, From: before, To: status})
}

func (s *Store) applyMetaLocked(u SectionUpdate, now time.Time, events *[]Event) {
	if u.Globals != nil && u.Section != SectionGlobals {
		s.globals = MergeSection(s.globals, u.Globals, MergeDiff)
	}
	if u.Pointers != nil {
		if fin := u.Pointers.LatestFinalizedRoundID; fin != "" {
			s.latestFinalizedRoundID = fin
		}
		if cur := u.Pointers.CurrentRoundID; cur != "" && cur != s.currentRoundID {
			s.advanceCurrentLocked(cur, now, events)
		}
	}
	if u.Phase != nil {
		s.applyPhaseLocked(*u.Phase, events)
	}
}

func (s *Store) applyPhaseLocked(meta PhaseMetadata, events *[]Event) {
	if s.phaseSet && s.phase.Equal(meta) {
		return
	}
	s.phase = meta
	s.phaseSet = true
	*events = append(*events, PhaseChanged{Meta: meta})
}

// advanceCurrentLocked moves the current-round pointer, creating the frame if
// it was never referenced, and resolves every winner wait parked on another
// round as round_changed.
func (s *Store) advanceCurrentLocked(roundID string, now time.Time, events *[]Event) {
	prev := s.currentRoundID
	if prev != "" && compareRoundIDs(roundID, prev) < 0 {
		// Replayed stale data never drags the pointer backwards.
		log.Debug().Str("round_id", roundID).Str("current", prev).Msg("ignoring backwards round pointer")
		return
	}
	if _, ok := s.frames[roundID]; !ok {
		s.frames[roundID] = newFrame(roundID)
		s.order = append(s.order, roundID)
	}
	s.currentRoundID = roundID
	s.roundStartedAt[roundID] = now
	if prev != "" {
		if _, seen := s.bettingClosedAt[prev]; !seen {
			s.bettingClosedAt[prev] = now
		}
	}
	*events = append(*events, RoundStarted{RoundID: roundID, PreviousRoundID: prev, StartedAt: now})

	for rid, ws := range s.waiters {
		if rid == roundID {
			continue
		}
		for _, w := range ws {
			w.ch <- nil
		}
		delete(s.waiters, rid)
		*events = append(*events, WinnerTimeout{RoundID: rid, Reason: ReasonRoundChanged})
		*events = append(*events, RoundFinalized{
			RoundID:   rid,
			Winner:    s.optimisticTileLocked(rid),
			Confirmed: false,
		})
	}
}

func (s *Store) optimisticTileLocked(roundID string) *int {
	if rec, ok := s.records[winnerKey(roundID, SourceOptimistic)]; ok {
		t := rec.Tile
		return &t
	}
	return nil
}

// detectWinnersLocked records newly available winners for a frame, optimistic
// before final so the event ordering guarantee holds, and resolves any waits
// parked on the round.
func (s *Store) detectWinnersLocked(f *RoundFrame, now time.Time, events *[]Event) {
	for _, source := range []WinnerSource{SourceOptimistic, SourceFinal} {
		key := winnerKey(f.RoundID, source)
		if _, done := s.handled[key]; done {
			continue
		}
		w := f.winner(source)
		if w == nil || !w.ResultAvailable {
			continue
		}

		var arrivalMs int64
		if closed, ok := s.bettingClosedAt[f.RoundID]; ok {
			arrivalMs = now.Sub(closed).Milliseconds()
		}
		rec := WinnerRecord{
			RoundID:          f.RoundID,
			Tile:             w.WinningIndex,
			Source:           source,
			ConfirmedAt:      now,
			ArrivalMs:        arrivalMs,
			WasLate:          arrivalMs > s.cfg.MaxWait.Milliseconds(),
			Motherlode:       w.Motherlode,
			MotherlodeAmount: w.MotherlodeAmount,
			TotalPot:         w.TotalPot,
			WinnerCount:      w.WinnerCount,
		}
		s.handled[key] = struct{}{}
		s.handledOrder = append(s.handledOrder, key)
		s.records[key] = rec
		s.trimHandledLocked()

		mismatch := false
		var optTile *int
		if source == SourceFinal {
			if optRec, ok := s.records[winnerKey(f.RoundID, SourceOptimistic)]; ok && optRec.Tile != rec.Tile {
				mismatch = true
				t := optRec.Tile
				optTile = &t
			}
		}

		s.enterResultPhaseLocked()
		*events = append(*events, WinnerDetected{
			RoundID:        f.RoundID,
			Record:         rec,
			Mismatch:       mismatch,
			OptimisticTile: optTile,
		})
		log.Info().
			Str("round_id", f.RoundID).
			Str("source", string(source)).
			Int("tile", rec.Tile).
			Bool("late", rec.WasLate).
			Msg("winner recorded")

		if source == SourceFinal {
			if rec.Motherlode {
				*events = append(*events, MotherlodeHit{RoundID: f.RoundID, Record: rec})
			}
			tile := rec.Tile
			*events = append(*events, RoundFinalized{
				RoundID:   f.RoundID,
				Winner:    &tile,
				Confirmed: true,
				Mismatch:  mismatch,
			})
		}

		for _, waiting := range s.waiters[f.RoundID] {
			tile := rec.Tile
			waiting.ch <- &tile
		}
		delete(s.waiters, f.RoundID)
	}
}

// enterResultPhaseLocked raises the self-expiring result flag, restarting its
// timer when already up.
func (s *Store) enterResultPhaseLocked() {
	s.resultActive = true
	if s.resultTimer != nil {
		s.resultTimer.Stop()
	}
	s.resultTimer = s.clock.AfterFunc(s.cfg.ResultPhase, func() {
		s.mu.Lock()
		s.resultActive = false
		s.mu.Unlock()
	})
}

func (s *Store) trimHandledLocked() {
	limit := s.cfg.Retention * 4
	for len(s.handledOrder) > limit {
		oldest := s.handledOrder[0]
		s.handledOrder = s.handledOrder[1:]
		delete(s.handled, oldest)
		delete(s.records, oldest)
	}
}

// evictLocked trims the frame table to the retention bound, oldest first.
// Evicted rounds are remembered so stale reappearing data cannot resurrect
// them; the current round is never evicted while events reference it.
func (s *Store) evictLocked() {
	for len(s.order) > s.cfg.Retention {
		oldest := s.order[0]
		if oldest == s.currentRoundID {
			return
		}
		s.order = s.order[1:]
		delete(s.frames, oldest)
		delete(s.roundStartedAt, oldest)
		delete(s.bettingClosedAt, oldest)
		s.evicted[oldest] = struct{}{}
		s.evictedOrder = append(s.evictedOrder, oldest)
		for len(s.evictedOrder) > s.cfg.Retention*4 {
			delete(s.evicted, s.evictedOrder[0])
			s.evictedOrder = s.evictedOrder[1:]
		}
	}
}

// CurrentRoundID returns the current-round pointer, empty before any data.
func (s *Store) CurrentRoundID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentRoundID
}

// CurrentFrame returns a copy of the current round's frame, or nil.
func (s *Store) CurrentFrame() *RoundFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.frames[s.currentRoundID]; ok {
		return f.clone()
	}
	return nil
}

// Frame returns a copy of the named frame, or nil.
func (s *Store) Frame(roundID string) *RoundFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.frames[roundID]; ok {
		return f.clone()
	}
	return nil
}

// Frames returns up to limit frames, newest first. limit <= 0 means all.
func (s *Store) Frames(limit int) []*RoundFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.order)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]*RoundFrame, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.frames[s.order[i]].clone())
	}
	return out
}

// PreviousRound resolves the most recently finalized round: the upstream
// finalized pointer when set and still retained, otherwise the second-newest
// order entry.
func (s *Store) PreviousRound() *RoundFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latestFinalizedRoundID != "" {
		if f, ok := s.frames[s.latestFinalizedRoundID]; ok {
			return f.clone()
		}
	}
	if len(s.order) >= 2 {
		return s.frames[s.order[len(s.order)-2]].clone()
	}
	return nil
}

// Phase returns the stored upstream phase metadata and whether one was set.
func (s *Store) Phase() (PhaseMetadata, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase, s.phaseSet
}

// Globals returns the reconciled global fields. Callers must not mutate the
// returned map.
func (s *Store) Globals() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.globals
}

// InResultPhase reports whether the self-expiring result flag is up.
func (s *Store) InResultPhase() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resultActive
}

// Record returns the winner record for a round and source, if one was made.
func (s *Store) Record(roundID string, source WinnerSource) (WinnerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[winnerKey(roundID, source)]
	return rec, ok
}

// Snapshot materializes the store's reconciled view into a payload suitable
// for replay to a newly attached downstream connection.
func (s *Store) Snapshot() SnapshotPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := SnapshotPayload{
		CurrentRoundID:         s.currentRoundID,
		LatestFinalizedRoundID: s.latestFinalizedRoundID,
		Globals:                s.globals,
	}
	if s.phaseSet {
		phase := s.phase
		p.Phase = &phase
	}
	for _, id := range s.order {
		f := s.frames[id]
		fp := FramePayload{
			RoundID:    f.RoundID,
			Live:       f.Live,
			Bids:       f.Bids,
			Optimistic: f.Optimistic,
			Final:      f.Final,
		}
		if f.LiveSlot != 0 {
			slot := f.LiveSlot
			fp.Meta = &UpdateMeta{Slot: &slot}
		}
		p.Frames = append(p.Frames, fp)
	}
	return p
}

// Reset clears all reconciled state including dedup sets. Used when a
// composed pipeline is stopped and may later be restarted fresh.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = make(map[string]*RoundFrame)
	s.order = nil
	s.globals = make(map[string]any)
	s.currentRoundID = ""
	s.latestFinalizedRoundID = ""
	s.phaseSet = false
	s.handled = make(map[string]struct{})
	s.handledOrder = nil
	s.records = make(map[string]WinnerRecord)
	s.evicted = make(map[string]struct{})
	s.evictedOrder = nil
	s.roundStartedAt = make(map[string]time.Time)
	s.bettingClosedAt = make(map[string]time.Time)
	for rid, ws := range s.waiters {
		for _, w := range ws {
			w.ch <- nil
		}
		delete(s.waiters, rid)
	}
	if s.resultTimer != nil {
		s.resultTimer.Stop()
	}
	s.resultActive = false
}
