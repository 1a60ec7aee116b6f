package rounds

// TimingEntryCount reports how many per-round timing entries the store holds,
// exposed to tests guarding against unbounded growth.
func (s *Store) TimingEntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.roundStartedAt) + len(s.bettingClosedAt)
}
