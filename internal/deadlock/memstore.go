package deadlock

import "sync"

// MemStore is an in-process EdgeStore for tests and single-process setups.
type MemStore struct {
	mu    sync.Mutex
	edges map[int]Edge
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{edges: make(map[int]Edge)}
}

// Put records or replaces the waiter's edge.
func (s *MemStore) Put(edge Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edges[edge.WaiterPID] = edge
	return nil
}

// Remove deletes the waiter's edge.
func (s *MemStore) Remove(waiterPID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.edges, waiterPID)
	return nil
}

// Snapshot returns the current edges.
func (s *MemStore) Snapshot() ([]Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, e)
	}
	return out, nil
}

var _ EdgeStore = (*MemStore)(nil)
