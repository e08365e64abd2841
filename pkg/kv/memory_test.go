package kv

import (
	"context"
	"testing"
	"time"
)

func TestMemorySetNX(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.SetNX(ctx, "a", []byte("1"), time.Minute)
	if err != nil || !ok {
		t.Fatalf("first SetNX: ok=%v err=%v", ok, err)
	}
	ok, err = m.SetNX(ctx, "a", []byte("2"), time.Minute)
	if err != nil || ok {
		t.Fatalf("second SetNX should lose: ok=%v err=%v", ok, err)
	}
	v, found, _ := m.Get(ctx, "a")
	if !found || string(v) != "1" {
		t.Fatalf("got %q found=%v, want original value", v, found)
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	m := NewMemoryWithClock(func() time.Time { return now })

	if err := m.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := m.Get(ctx, "k"); !found {
		t.Fatal("key should exist before expiry")
	}

	now = now.Add(61 * time.Second)
	if _, found, _ := m.Get(ctx, "k"); found {
		t.Fatal("key should have expired")
	}

	// Once expired, SetNX can claim the key again.
	ok, _ := m.SetNX(ctx, "k", []byte("w"), time.Minute)
	if !ok {
		t.Fatal("SetNX should win after expiry")
	}
}

func TestMemoryIncrWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1700000000, 0)
	m := NewMemoryWithClock(func() time.Time { return now })

	for i := 1; i <= 3; i++ {
		n, resetAt, err := m.IncrWindow(ctx, "w", time.Hour)
		if err != nil {
			t.Fatal(err)
		}
		if n != int64(i) {
			t.Fatalf("count = %d, want %d", n, i)
		}
		if !resetAt.Equal(time.Unix(1700000000, 0).Add(time.Hour)) {
			t.Fatalf("resetAt = %v, want window start + 1h", resetAt)
		}
	}

	// Advancing past the window lazily resets the counter.
	now = now.Add(time.Hour + time.Second)
	n, _, err := m.IncrWindow(ctx, "w", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("count after window elapsed = %d, want 1", n)
	}
}

func TestMemoryIncrWindowIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	m.IncrWindow(ctx, "a", time.Minute)
	m.IncrWindow(ctx, "a", time.Minute)
	n, _, _ := m.IncrWindow(ctx, "b", time.Minute)
	if n != 1 {
		t.Fatalf("counter b = %d, want 1 (independent of a)", n)
	}
}
