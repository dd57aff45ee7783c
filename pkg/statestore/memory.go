package statestore

import (
	"context"
	"sync"
)

// MemoryStore is an in-process Store used by tests and by pipelines that
// run without a durable checkpoint.
type MemoryStore struct {
	mu     sync.Mutex
	states map[string]ModuleState
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: map[string]ModuleState{}}
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, module string) (ModuleState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.states[module]
	if !ok {
		return ModuleState{}, nil
	}
	out := ModuleState{}
	for k, v := range state {
		out[k] = v
	}
	return out, nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, module string, state ModuleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := ModuleState{}
	for k, v := range state {
		copied[k] = v
	}
	s.states[module] = copied
	return nil
}
