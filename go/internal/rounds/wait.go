package rounds

import "context"

// WaitForWinner blocks until a winner is known for roundID, returning its
// tile. It returns nil when the current-round pointer moves away from roundID
// or the configured max wait elapses first, whichever happens sooner; both
// outcomes also emit a WinnerTimeout and an unconfirmed RoundFinalized event.
// Context cancellation returns ctx.Err() without emitting anything.
func (s *Store) WaitForWinner(ctx context.Context, roundID string) (*int, error) {
	s.mu.Lock()
	for _, source := range []WinnerSource{SourceFinal, SourceOptimistic} {
		if rec, ok := s.records[winnerKey(roundID, source)]; ok {
			s.mu.Unlock()
			tile := rec.Tile
			return &tile, nil
		}
	}
	w := &waiter{roundID: roundID, ch: make(chan *int, 1)}
	s.waiters[roundID] = append(s.waiters[roundID], w)
	s.mu.Unlock()

	timer := s.clock.NewTimer(s.cfg.MaxWait)
	defer timer.Stop()

	select {
	case tile := <-w.ch:
		return tile, nil
	case <-timer.Chan():
		if tile, resolved := s.expireWaiter(w); resolved {
			return tile, nil
		}
		return nil, nil
	case <-ctx.Done():
		s.removeWaiter(w)
		return nil, ctx.Err()
	}
}

// expireWaiter removes a timed-out waiter and emits the timeout events. When
// the waiter was already resolved concurrently it instead drains and returns
// the delivered result.
func (s *Store) expireWaiter(w *waiter) (*int, bool) {
	s.mu.Lock()
	if !s.removeWaiterLocked(w) {
		s.mu.Unlock()
		return <-w.ch, true
	}
	events := []Event{
		WinnerTimeout{RoundID: w.roundID, Reason: ReasonTimeout},
		RoundFinalized{
			RoundID:   w.roundID,
			Winner:    s.optimisticTileLocked(w.roundID),
			Confirmed: false,
		},
	}
	s.mu.Unlock()
	s.emit(events)
	return nil, false
}

func (s *Store) removeWaiter(w *waiter) {
	s.mu.Lock()
	s.removeWaiterLocked(w)
	s.mu.Unlock()
}

func (s *Store) removeWaiterLocked(w *waiter) bool {
	ws := s.waiters[w.roundID]
	for i, candidate := range ws {
		if candidate == w {
			ws = append(ws[:i], ws[i+1:]...)
			if len(ws) == 0 {
				delete(s.waiters, w.roundID)
			} else {
				s.waiters[w.roundID] = ws
			}
			return true
		}
	}
	return false
}
