package settings

import (
	"context"
	"sync"
)

type memStore struct {
	mu   sync.Mutex
	vals map[string]map[string]string // tenant -> key -> value
}

// NewMemoryStore returns the in-process Store used for dev and tests.
func NewMemoryStore() Store {
	return &memStore{vals: map[string]map[string]string{}}
}

func (m *memStore) Get(_ context.Context, tenantID, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[tenantID][key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *memStore) Set(_ context.Context, tenantID, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.vals[tenantID]
	if !ok {
		t = map[string]string{}
		m.vals[tenantID] = t
	}
	t[key] = value
	return nil
}

func (m *memStore) All(_ context.Context, tenantID string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.vals[tenantID]))
	for k, v := range m.vals[tenantID] {
		out[k] = v
	}
	return out, nil
}
