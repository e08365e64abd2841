package audit

import (
	"context"
	"sync"
	"time"
)

// MemorySink keeps entries in process for dev and tests.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
	usage   []UsageEvent
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (m *MemorySink) WriteAudit(_ context.Context, entries []Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return nil
}

func (m *MemorySink) WriteUsage(_ context.Context, events []UsageEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = append(m.usage, events...)
	return nil
}

func (m *MemorySink) QueryAudit(_ context.Context, f Filter) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	// Newest first, like the SQL sink.
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if f.TenantID != "" && e.TenantID != f.TenantID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if !f.Since.IsZero() && e.Time.Before(f.Since) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

func (m *MemorySink) UsageSummary(_ context.Context, tenantID string, since time.Time) (Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := Summary{TenantID: tenantID, Since: since, ByAction: map[string]int64{}, ByOutcome: map[string]int64{}}
	for _, ev := range m.usage {
		if ev.TenantID != tenantID || (!since.IsZero() && ev.Time.Before(since)) {
			continue
		}
		s.Total++
		s.ByAction[ev.Action]++
		s.ByOutcome[ev.Outcome]++
	}
	return s, nil
}
