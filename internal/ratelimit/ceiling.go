package ratelimit

import (
	"context"
	"time"

	"actionplane/pkg/kv"
)

// Ceilings are compile-time constants on purpose: no tier table, env var or
// YAML file can raise them. They bound worst-case load when rate-limit
// configuration is wrong or hostile.
const (
	CeilingTenantPerSecond = 50
	CeilingAPIKeyPerSecond = 25
)

const ceilingWindow = "ceiling_1s"

// CeilingEnforcer is the unconditional check behind the tier limits. It
// shares the atomic counter contract but none of the configuration.
type CeilingEnforcer struct {
	kv  kv.Store
	now func() time.Time
}

func NewCeilingEnforcer(store kv.Store) *CeilingEnforcer {
	return &CeilingEnforcer{kv: store, now: time.Now}
}

func (c *CeilingEnforcer) WithClock(now func() time.Time) *CeilingEnforcer {
	c.now = now
	return c
}

func (c *CeilingEnforcer) Check(ctx context.Context, apiKeyID, tenantID string) (Decision, error) {
	checks := []struct {
		dim   Dimension
		id    string
		limit int64
	}{
		{DimTenant, tenantID, CeilingTenantPerSecond},
		{DimAPIKey, apiKeyID, CeilingAPIKeyPerSecond},
	}
	for _, ch := range checks {
		if ch.id == "" {
			continue
		}
		count, resetAt, err := c.kv.IncrWindow(ctx, "ceil:"+string(ch.dim)+":"+ch.id, time.Second)
		if err != nil {
			return Decision{}, err
		}
		if count > ch.limit {
			return Decision{
				Allowed:    false,
				Dimension:  ch.dim,
				Window:     ceilingWindow,
				Limit:      ch.limit,
				Count:      count,
				RetryAfter: resetAt.Sub(c.now()),
			}, nil
		}
	}
	return Decision{Allowed: true}, nil
}
