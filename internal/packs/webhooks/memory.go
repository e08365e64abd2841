package webhooks

import (
	"context"
	"sort"
	"sync"
)

type memStore struct {
	mu   sync.Mutex
	subs map[string]*Subscription
}

// NewMemoryStore returns the in-process Store used for dev and tests.
func NewMemoryStore() Store {
	return &memStore{subs: map[string]*Subscription{}}
}

func (m *memStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[sub.ID] = cloneSubscription(sub)
	return nil
}

func (m *memStore) GetSubscription(_ context.Context, tenantID, id string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return cloneSubscription(s), nil
}

func (m *memStore) ListSubscriptions(_ context.Context, tenantID string) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Subscription, 0)
	for _, s := range m.subs {
		if s.TenantID == tenantID {
			out = append(out, cloneSubscription(s))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memStore) DeleteSubscription(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subs[id]
	if !ok || s.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

func cloneSubscription(s *Subscription) *Subscription {
	cp := *s
	cp.Events = append([]string(nil), s.Events...)
	return &cp
}
