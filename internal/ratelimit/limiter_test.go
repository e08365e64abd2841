package ratelimit

import (
	"context"
	"testing"
	"time"

	"actionplane/pkg/kv"
)

func testClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

func TestExactlyOneRejectionAtNPlusOne(t *testing.T) {
	ctx := context.Background()
	_, clock := testClock(time.Unix(1700000000, 0))
	l := New(kv.NewMemoryWithClock(clock)).WithClock(clock)

	limits := Limits{APIKey: []Window{{Name: "burst_5m", Duration: 5 * time.Minute, Limit: 5}}}

	var rejected int
	for i := 0; i < 6; i++ {
		dec, err := l.Allow(ctx, "key1", "", "", limits)
		if err != nil {
			t.Fatal(err)
		}
		if !dec.Allowed {
			rejected++
			if i != 5 {
				t.Fatalf("rejected at request %d, want only at N+1", i+1)
			}
			if dec.Dimension != DimAPIKey || dec.Window != "burst_5m" {
				t.Fatalf("breach attribution wrong: %+v", dec)
			}
			if dec.RetryAfter <= 0 || dec.RetryAfter > 5*time.Minute {
				t.Fatalf("retry-after out of range: %v", dec.RetryAfter)
			}
		}
	}
	if rejected != 1 {
		t.Fatalf("rejected %d of 6 with limit 5, want exactly 1", rejected)
	}
}

func TestWindowResetsAfterElapsing(t *testing.T) {
	ctx := context.Background()
	now, clock := testClock(time.Unix(1700000000, 0))
	l := New(kv.NewMemoryWithClock(clock)).WithClock(clock)

	limits := Limits{Tenant: []Window{{Name: "hourly", Duration: time.Hour, Limit: 2}}}

	for i := 0; i < 2; i++ {
		if dec, _ := l.Allow(ctx, "", "t1", "", limits); !dec.Allowed {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	if dec, _ := l.Allow(ctx, "", "t1", "", limits); dec.Allowed {
		t.Fatal("third request should be limited")
	}

	*now = now.Add(time.Hour + time.Second)
	if dec, _ := l.Allow(ctx, "", "t1", "", limits); !dec.Allowed {
		t.Fatal("window elapsed, counter should have reset")
	}
}

func TestWindowsEvaluatedIndependently(t *testing.T) {
	ctx := context.Background()
	_, clock := testClock(time.Unix(1700000000, 0))
	l := New(kv.NewMemoryWithClock(clock)).WithClock(clock)

	// Burst allows 10 but hourly only 3: the tighter window blocks.
	limits := Limits{APIKey: []Window{
		{Name: "burst_5m", Duration: 5 * time.Minute, Limit: 10},
		{Name: "hourly", Duration: time.Hour, Limit: 3},
	}}

	for i := 0; i < 3; i++ {
		if dec, _ := l.Allow(ctx, "k", "", "", limits); !dec.Allowed {
			t.Fatalf("request %d should pass", i+1)
		}
	}
	dec, _ := l.Allow(ctx, "k", "", "", limits)
	if dec.Allowed || dec.Window != "hourly" {
		t.Fatalf("want hourly breach, got %+v", dec)
	}
}

func TestDimensionsDoNotInterfere(t *testing.T) {
	ctx := context.Background()
	_, clock := testClock(time.Unix(1700000000, 0))
	l := New(kv.NewMemoryWithClock(clock)).WithClock(clock)

	limits := Limits{APIKey: []Window{{Name: "burst_5m", Duration: 5 * time.Minute, Limit: 1}}}

	if dec, _ := l.Allow(ctx, "k1", "t1", "1.2.3.4", limits); !dec.Allowed {
		t.Fatal("k1 first request should pass")
	}
	if dec, _ := l.Allow(ctx, "k1", "t1", "1.2.3.4", limits); dec.Allowed {
		t.Fatal("k1 second request should be limited")
	}
	// A different key under the same tenant has its own bucket.
	if dec, _ := l.Allow(ctx, "k2", "t1", "1.2.3.4", limits); !dec.Allowed {
		t.Fatal("k2 should not inherit k1's count")
	}
}

func TestCeilingBeatsGenerousTierConfig(t *testing.T) {
	ctx := context.Background()
	_, clock := testClock(time.Unix(1700000000, 0))
	store := kv.NewMemoryWithClock(clock)
	l := New(store).WithClock(clock)
	ce := NewCeilingEnforcer(store).WithClock(clock)

	// Tier configured far above the ceiling; the ceiling still holds.
	limits := Limits{Tenant: []Window{{Name: "burst_5m", Duration: 5 * time.Minute, Limit: 1000000}}}

	var ceilingHit bool
	for i := 0; i < CeilingTenantPerSecond+1; i++ {
		dec, err := ce.Check(ctx, "", "t1")
		if err != nil {
			t.Fatal(err)
		}
		if !dec.Allowed {
			if i != CeilingTenantPerSecond {
				t.Fatalf("ceiling tripped at request %d", i+1)
			}
			if dec.Window != "ceiling_1s" || dec.Dimension != DimTenant {
				t.Fatalf("ceiling attribution wrong: %+v", dec)
			}
			ceilingHit = true
			continue
		}
		if rdec, _ := l.Allow(ctx, "", "t1", "", limits); !rdec.Allowed {
			t.Fatalf("tier limit should never trip in this test, got %+v", rdec)
		}
	}
	if !ceilingHit {
		t.Fatal("ceiling never enforced")
	}
}

func TestCeilingResetsNextSecond(t *testing.T) {
	ctx := context.Background()
	now, clock := testClock(time.Unix(1700000000, 0))
	ce := NewCeilingEnforcer(kv.NewMemoryWithClock(clock)).WithClock(clock)

	for i := 0; i < CeilingAPIKeyPerSecond; i++ {
		if dec, _ := ce.Check(ctx, "k1", ""); !dec.Allowed {
			t.Fatalf("request %d under ceiling should pass", i+1)
		}
	}
	if dec, _ := ce.Check(ctx, "k1", ""); dec.Allowed {
		t.Fatal("request over per-second ceiling should be rejected")
	}
	*now = now.Add(1100 * time.Millisecond)
	if dec, _ := ce.Check(ctx, "k1", ""); !dec.Allowed {
		t.Fatal("new second, ceiling counter should reset")
	}
}
