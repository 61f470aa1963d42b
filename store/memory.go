package store

import (
	"context"
	"maps"
	"sync"
)

// Memory is a process-local [Store]. It lives as long as the process, the same lifetime a
// browser tab gives session storage.
type Memory struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Load returns the stored record or [ErrNotFound].
func (m *Memory) Load(context.Context) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.values == nil {
		return Record{}, ErrNotFound
	}
	return Decode(m.values)
}

// Save replaces the stored group.
func (m *Memory) Save(_ context.Context, r Record) error {
	values := Encode(r)
	m.mu.Lock()
	m.values = values
	m.mu.Unlock()
	return nil
}

// Clear drops the stored group. Clearing an empty store is a no-op.
func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	m.values = nil
	m.mu.Unlock()
	return nil
}

// Raw returns a copy of the persisted key/value group, nil when empty.
func (m *Memory) Raw() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.values == nil {
		return nil
	}
	return maps.Clone(m.values)
}

// Put writes raw values, replacing everything held. Used to seed partial or legacy groups.
func (m *Memory) Put(values map[string]string) {
	m.mu.Lock()
	m.values = maps.Clone(values)
	m.mu.Unlock()
}
