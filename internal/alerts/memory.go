package alerts

import (
	"context"
	"sync"
)

// MemoryStore implements Store using in-memory storage.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts map[string]Alert
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory alert store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{alerts: make(map[string]Alert)}
}

// Get implements Store.Get
func (s *MemoryStore) Get(_ context.Context, id string) (*Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[id]
	if !ok {
		return nil, ErrAlertNotFound
	}
	copied := alert
	return &copied, nil
}

// Put implements Store.Put
func (s *MemoryStore) Put(_ context.Context, alert Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = alert
	return nil
}

// List implements Store.List
func (s *MemoryStore) List(context.Context) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Alert, 0, len(s.alerts))
	for _, alert := range s.alerts {
		out = append(out, alert)
	}
	return out, nil
}

// Delete implements Store.Delete
func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.alerts, id)
	return nil
}

// Clear implements Store.Clear
func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = make(map[string]Alert)
	return nil
}
