// Package idempotency gives side-effecting actions at-most-once semantics
// per (tenant, key). A reservation is published before the handler runs so
// concurrent duplicates can see it; the completed record carries the
// response for replays and the fingerprint for conflict detection.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"actionplane/pkg/kv"
)

type Outcome int

const (
	// Miss from Check means no record exists. Miss from Reserve means the
	// caller now holds the reservation and must Complete or Release it.
	Miss Outcome = iota
	// Hit carries the cached response of a completed identical request.
	Hit
	// Conflict is the same key with a different request fingerprint.
	Conflict
	// InFlight is an identical request still holding its reservation.
	InFlight
)

const (
	statePending = "pending"
	stateDone    = "done"
)

type record struct {
	State       string          `json:"state"`
	Fingerprint string          `json:"fingerprint"`
	Status      string          `json:"status,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	StoredAt    time.Time       `json:"stored_at"`
}

type Result struct {
	Outcome Outcome
	Status  string
	Data    json.RawMessage
}

type Options struct {
	TTL        time.Duration // completed-record retention
	PendingTTL time.Duration // reservation lifetime; must outlive the request deadline
	PollEvery  time.Duration
	WaitMax    time.Duration // how long a duplicate waits on an in-flight twin
}

type Store struct {
	kv   kv.Store
	opts Options
}

func New(store kv.Store, opts Options) *Store {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.PendingTTL <= 0 {
		opts.PendingTTL = 30 * time.Second
	}
	if opts.PollEvery <= 0 {
		opts.PollEvery = 50 * time.Millisecond
	}
	if opts.WaitMax <= 0 {
		opts.WaitMax = 2 * time.Second
	}
	return &Store{kv: store, opts: opts}
}

// Check is a single read with no side effects; the router uses it before
// quota accounting so replays never consume quota.
func (s *Store) Check(ctx context.Context, tenant, key, fingerprint string) (Result, error) {
	rec, found, err := s.load(ctx, tenant, key)
	if err != nil {
		return Result{}, err
	}
	if !found {
		return Result{Outcome: Miss}, nil
	}
	return classify(rec, fingerprint), nil
}

// Await polls while an identical request is in flight, up to WaitMax, then
// reports InFlight if the twin still has not finished.
func (s *Store) Await(ctx context.Context, tenant, key, fingerprint string) (Result, error) {
	deadline := time.Now().Add(s.opts.WaitMax)
	for {
		res, err := s.Check(ctx, tenant, key, fingerprint)
		if err != nil {
			return Result{}, err
		}
		if res.Outcome != InFlight {
			return res, nil
		}
		if !time.Now().Before(deadline) {
			return Result{Outcome: InFlight}, nil
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(s.opts.PollEvery):
		}
	}
}

// Reserve atomically claims the key. Outcome Miss means the claim is ours;
// losing the claim falls through to Await so a duplicate either replays the
// winner's response or reports InFlight. A vanished record (released or
// expired reservation) is retried a few times before giving up.
func (s *Store) Reserve(ctx context.Context, tenant, key, fingerprint string) (Result, error) {
	for attempt := 0; attempt < 3; attempt++ {
		rec := record{State: statePending, Fingerprint: fingerprint, StoredAt: time.Now()}
		b, err := json.Marshal(rec)
		if err != nil {
			return Result{}, fmt.Errorf("idempotency reserve: %w", err)
		}
		won, err := s.kv.SetNX(ctx, s.key(tenant, key), b, s.opts.PendingTTL)
		if err != nil {
			return Result{}, err
		}
		if won {
			return Result{Outcome: Miss}, nil
		}
		res, err := s.Await(ctx, tenant, key, fingerprint)
		if err != nil {
			return Result{}, err
		}
		if res.Outcome != Miss {
			return res, nil
		}
	}
	return Result{Outcome: InFlight}, nil
}

// Complete overwrites the reservation with the finished record.
func (s *Store) Complete(ctx context.Context, tenant, key, fingerprint, status string, data []byte) error {
	rec := record{State: stateDone, Fingerprint: fingerprint, Status: status, Data: data, StoredAt: time.Now()}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("idempotency complete: %w", err)
	}
	return s.kv.Set(ctx, s.key(tenant, key), b, s.opts.TTL)
}

// Release drops a reservation the caller holds so the key can be retried.
func (s *Store) Release(ctx context.Context, tenant, key string) error {
	return s.kv.Del(ctx, s.key(tenant, key))
}

func (s *Store) load(ctx context.Context, tenant, key string) (record, bool, error) {
	b, found, err := s.kv.Get(ctx, s.key(tenant, key))
	if err != nil || !found {
		return record{}, false, err
	}
	var rec record
	if err := json.Unmarshal(b, &rec); err != nil {
		return record{}, false, fmt.Errorf("idempotency record decode: %w", err)
	}
	return rec, true, nil
}

func (s *Store) key(tenant, key string) string {
	return "idem:" + tenant + ":" + key
}

func classify(rec record, fingerprint string) Result {
	if rec.Fingerprint != fingerprint {
		return Result{Outcome: Conflict}
	}
	if rec.State == statePending {
		return Result{Outcome: InFlight}
	}
	return Result{Outcome: Hit, Status: rec.Status, Data: rec.Data}
}
