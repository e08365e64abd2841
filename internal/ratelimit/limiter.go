// Package ratelimit enforces per-dimension fixed-window quotas plus the
// absolute ceilings no tier may raise. All counting goes through the
// atomic kv contract; windows reset lazily on access, there is no ticker.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"actionplane/pkg/kv"
)

type Dimension string

const (
	DimAPIKey   Dimension = "api_key"
	DimTenant   Dimension = "tenant"
	DimSourceIP Dimension = "source_ip"
)

// Window is one fixed-granularity bucket. Limit 0 disables the window.
type Window struct {
	Name     string
	Duration time.Duration
	Limit    int64
}

// Windows builds the standard burst/hourly/daily triple.
func Windows(burst5m, hourly, daily int64) []Window {
	return []Window{
		{Name: "burst_5m", Duration: 5 * time.Minute, Limit: burst5m},
		{Name: "hourly", Duration: time.Hour, Limit: hourly},
		{Name: "daily", Duration: 24 * time.Hour, Limit: daily},
	}
}

// Limits is the full per-tier window table across dimensions.
type Limits struct {
	APIKey   []Window
	Tenant   []Window
	SourceIP []Window
}

type Decision struct {
	Allowed    bool
	Dimension  Dimension
	Window     string
	Limit      int64
	Count      int64
	RetryAfter time.Duration
}

type Limiter struct {
	kv  kv.Store
	now func() time.Time
}

func New(store kv.Store) *Limiter {
	return &Limiter{kv: store, now: time.Now}
}

func (l *Limiter) WithClock(now func() time.Time) *Limiter {
	l.now = now
	return l
}

// Allow runs check-and-increment across every dimension and window; the
// first breach wins. The increment happens before the comparison, so two
// concurrent callers can never both squeeze under the same last slot, and
// a rejected attempt keeps the bucket full.
func (l *Limiter) Allow(ctx context.Context, apiKeyID, tenantID, sourceIP string, limits Limits) (Decision, error) {
	checks := []struct {
		dim     Dimension
		id      string
		windows []Window
	}{
		{DimAPIKey, apiKeyID, limits.APIKey},
		{DimTenant, tenantID, limits.Tenant},
		{DimSourceIP, sourceIP, limits.SourceIP},
	}
	for _, c := range checks {
		if c.id == "" {
			continue
		}
		for _, w := range c.windows {
			if w.Limit <= 0 {
				continue
			}
			key := fmt.Sprintf("rl:%s:%s:%s", c.dim, c.id, w.Name)
			count, resetAt, err := l.kv.IncrWindow(ctx, key, w.Duration)
			if err != nil {
				return Decision{}, err
			}
			if count > w.Limit {
				return Decision{
					Allowed:    false,
					Dimension:  c.dim,
					Window:     w.Name,
					Limit:      w.Limit,
					Count:      count,
					RetryAfter: resetAt.Sub(l.now()),
				}, nil
			}
		}
	}
	return Decision{Allowed: true}, nil
}
