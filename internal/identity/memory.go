package identity

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memStore struct {
	mu       sync.Mutex
	tenants  map[string]*Tenant
	creds    map[string]*Credential
	byPrefix map[string][]string // prefix -> credential ids
	tokens   map[string]*VerificationToken
}

// NewMemoryStore returns the in-process Store used for dev and tests.
func NewMemoryStore() Store {
	return &memStore{
		tenants:  map[string]*Tenant{},
		creds:    map[string]*Credential{},
		byPrefix: map[string][]string{},
		tokens:   map[string]*VerificationToken{},
	}
}

func (m *memStore) CreateTenant(_ context.Context, t *Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.tenants[t.ID] = &cp
	return nil
}

func (m *memStore) GetTenant(_ context.Context, id string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) SetTenantTier(_ context.Context, id, tier string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tenants[id]
	if !ok {
		return ErrNotFound
	}
	t.Tier = tier
	return nil
}

func (m *memStore) CreateCredential(_ context.Context, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneCredential(c)
	m.creds[c.ID] = cp
	m.byPrefix[c.Prefix] = append(m.byPrefix[c.Prefix], c.ID)
	return nil
}

func (m *memStore) CredentialsByPrefix(_ context.Context, prefix string) ([]*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Credential
	for _, id := range m.byPrefix[prefix] {
		if c, ok := m.creds[id]; ok {
			out = append(out, cloneCredential(c))
		}
	}
	return out, nil
}

func (m *memStore) ListCredentials(_ context.Context, tenantID string) ([]*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Credential
	for _, c := range m.creds {
		if c.TenantID == tenantID {
			out = append(out, cloneCredential(c))
		}
	}
	// Oldest first, like the SQL store.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *memStore) RevokeCredential(_ context.Context, tenantID, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.creds[id]
	if !ok || c.TenantID != tenantID {
		return ErrNotFound
	}
	if c.RevokedAt == nil {
		t := at
		c.RevokedAt = &t
	}
	return nil
}

func (m *memStore) TouchCredential(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.creds[id]; ok {
		t := at
		c.LastUsedAt = &t
	}
	return nil
}

func (m *memStore) CreateVerificationToken(_ context.Context, tok *VerificationToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.tokens[tok.TokenHash] = &cp
	return nil
}

func (m *memStore) ConsumeVerificationToken(_ context.Context, tenantID, tokenHash string, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[tokenHash]
	if !ok || tok.TenantID != tenantID || tok.ConsumedAt != nil || !now.Before(tok.ExpiresAt) {
		return ErrTokenInvalid
	}
	t := now
	tok.ConsumedAt = &t
	if ten, ok := m.tenants[tok.TenantID]; ok {
		ten.Verified = true
	}
	return nil
}

func cloneCredential(c *Credential) *Credential {
	cp := *c
	cp.Scopes = make([]Scope, len(c.Scopes))
	copy(cp.Scopes, c.Scopes)
	return &cp
}
