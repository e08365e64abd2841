package kv

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process Store used for dev and tests. The clock is
// injectable so window and TTL behavior can be driven without sleeping.
type Memory struct {
	mu       sync.Mutex
	items    map[string]memItem
	counters map[string]memCounter
	now      func() time.Time
}

type memItem struct {
	val       []byte
	expiresAt time.Time // zero means no expiry
}

type memCounter struct {
	count       int64
	windowStart time.Time
	window      time.Duration
}

func NewMemory() *Memory {
	return NewMemoryWithClock(time.Now)
}

func NewMemoryWithClock(now func() time.Time) *Memory {
	return &Memory{
		items:    make(map[string]memItem),
		counters: make(map[string]memCounter),
		now:      now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if !it.expiresAt.IsZero() && !m.now().Before(it.expiresAt) {
		delete(m.items, key)
		return nil, false, nil
	}
	out := make([]byte, len(it.val))
	copy(out, it.val)
	return out, true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = m.newItem(value, ttl)
	return nil
}

func (m *Memory) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if it, ok := m.items[key]; ok {
		if it.expiresAt.IsZero() || m.now().Before(it.expiresAt) {
			return false, nil
		}
		delete(m.items, key)
	}
	m.items[key] = m.newItem(value, ttl)
	return true, nil
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) IncrWindow(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	c, ok := m.counters[key]
	if !ok || c.window != window || !now.Before(c.windowStart.Add(c.window)) {
		c = memCounter{count: 0, windowStart: now, window: window}
	}
	c.count++
	m.counters[key] = c
	return c.count, c.windowStart.Add(c.window), nil
}

func (m *Memory) newItem(value []byte, ttl time.Duration) memItem {
	cp := make([]byte, len(value))
	copy(cp, value)
	it := memItem{val: cp}
	if ttl > 0 {
		it.expiresAt = m.now().Add(ttl)
	}
	return it
}
