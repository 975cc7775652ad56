package policy

import "sync/atomic"

// Store publishes the current policy snapshot to all pipelines. Install and
// Current are safe to call concurrently from any number of goroutines;
// readers always observe one complete snapshot and never block the writer.
type Store struct {
	table atomic.Pointer[Table]
}

// NewStore creates a store holding the given initial snapshot. A nil initial
// table behaves as an empty snapshot (every lookup denies).
func NewStore(initial *Table) *Store {
	s := &Store{}
	if initial != nil {
		s.table.Store(initial)
	}
	return s
}

// Install atomically replaces the published snapshot. In-flight evaluations
// that already captured the previous snapshot keep using it; installing the
// same snapshot twice is a no-op in effect.
func (s *Store) Install(t *Table) {
	s.table.Store(t)
}

// Current returns the snapshot in effect right now. May be nil before the
// first install; nil lookups deny everything.
func (s *Store) Current() *Table {
	return s.table.Load()
}
