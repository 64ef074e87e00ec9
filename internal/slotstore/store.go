package slotstore

import (
	"context"
	"encoding/json"
	"sync"
)

// Store maps (realm, slot) pairs to opaque JSON values.
type Store interface {
	// Get returns nil without error for slots that were never written.
	Get(ctx context.Context, realm, slot string) (json.RawMessage, error)
	Set(ctx context.Context, realm, slot string, value json.RawMessage) error
	// List returns every slot stored under realm.
	List(ctx context.Context, realm string) (map[string]json.RawMessage, error)
}

// Memory is a process-lifetime Store.
type Memory struct {
	mu   sync.RWMutex
	data map[string]map[string]json.RawMessage
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: map[string]map[string]json.RawMessage{}}
}

func (m *Memory) Get(_ context.Context, realm, slot string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[realm][slot]
	if !ok {
		return nil, nil
	}
	return clone(v), nil
}

func (m *Memory) Set(_ context.Context, realm, slot string, value json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.data[realm]
	if r == nil {
		r = map[string]json.RawMessage{}
		m.data[realm] = r
	}
	r[slot] = clone(value)
	return nil
}

func (m *Memory) List(_ context.Context, realm string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(m.data[realm]))
	for k, v := range m.data[realm] {
		out[k] = clone(v)
	}
	return out, nil
}

func clone(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	return append(json.RawMessage(nil), v...)
}
