package audit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgSink struct {
	pool *pgxpool.Pool
}

// NewPostgresSink constructs the PostgreSQL-backed Sink.
func NewPostgresSink(pool *pgxpool.Pool) Sink {
	return &pgSink{pool: pool}
}

// EnsureSchema creates the audit tables if they do not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS audit_log (
  id uuid PRIMARY KEY,
  time timestamptz NOT NULL,
  request_id text NOT NULL DEFAULT '',
  tenant_id text NOT NULL DEFAULT '',
  actor_type text NOT NULL DEFAULT '',
  actor_id text NOT NULL DEFAULT '',
  action text NOT NULL DEFAULT '',
  outcome text NOT NULL DEFAULT '',
  code text NOT NULL DEFAULT '',
  dry_run boolean NOT NULL DEFAULT false,
  idempotency_key text NOT NULL DEFAULT '',
  ip_address text NOT NULL DEFAULT '',
  payload_hash text NOT NULL DEFAULT '',
  param_keys text[] NOT NULL DEFAULT '{}',
  duration_ms bigint NOT NULL DEFAULT 0,
  message text NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_log_tenant_time_idx ON audit_log(tenant_id, time DESC);
CREATE TABLE IF NOT EXISTS usage_events (
  id BIGSERIAL PRIMARY KEY,
  tenant_id text NOT NULL,
  action text NOT NULL,
  outcome text NOT NULL,
  time timestamptz NOT NULL,
  duration_ms bigint NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS usage_events_tenant_time_idx ON usage_events(tenant_id, time DESC);
`)
	return err
}

func (s *pgSink) WriteAudit(ctx context.Context, entries []Entry) error {
	b := &pgx.Batch{}
	for _, e := range entries {
		b.Queue(`INSERT INTO audit_log
			(id,time,request_id,tenant_id,actor_type,actor_id,action,outcome,code,dry_run,idempotency_key,ip_address,payload_hash,param_keys,duration_ms,message)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
			e.ID, e.Time, e.RequestID, e.TenantID, e.ActorType, e.ActorID, e.Action, e.Outcome, e.Code,
			e.DryRun, e.IdempotencyKey, e.SourceIP, e.PayloadHash, e.ParamKeys, e.DurationMs, e.Message)
	}
	return s.sendBatch(ctx, b, len(entries), "audit insert")
}

func (s *pgSink) WriteUsage(ctx context.Context, events []UsageEvent) error {
	b := &pgx.Batch{}
	for _, ev := range events {
		b.Queue(`INSERT INTO usage_events (tenant_id,action,outcome,time,duration_ms) VALUES ($1,$2,$3,$4,$5)`,
			ev.TenantID, ev.Action, ev.Outcome, ev.Time, ev.DurationMs)
	}
	return s.sendBatch(ctx, b, len(events), "usage insert")
}

func (s *pgSink) sendBatch(ctx context.Context, b *pgx.Batch, n int, what string) error {
	if n == 0 {
		return nil
	}
	br := s.pool.SendBatch(ctx, b)
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("%s: %w", what, err)
		}
	}
	return br.Close()
}

func (s *pgSink) QueryAudit(ctx context.Context, f Filter) ([]Entry, error) {
	q := `SELECT id,time,request_id,tenant_id,actor_type,actor_id,action,outcome,code,dry_run,idempotency_key,ip_address,payload_hash,param_keys,duration_ms,message FROM audit_log WHERE 1=1`
	args := []any{}
	if f.TenantID != "" {
		args = append(args, f.TenantID)
		q += " AND tenant_id=$" + strconv.Itoa(len(args))
	}
	if f.Action != "" {
		args = append(args, f.Action)
		q += " AND action=$" + strconv.Itoa(len(args))
	}
	if !f.Since.IsZero() {
		args = append(args, f.Since)
		q += " AND time >= $" + strconv.Itoa(len(args))
	}
	q += " ORDER BY time DESC"
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	q += " LIMIT $" + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Time, &e.RequestID, &e.TenantID, &e.ActorType, &e.ActorID,
			&e.Action, &e.Outcome, &e.Code, &e.DryRun, &e.IdempotencyKey, &e.SourceIP,
			&e.PayloadHash, &e.ParamKeys, &e.DurationMs, &e.Message); err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *pgSink) UsageSummary(ctx context.Context, tenantID string, since time.Time) (Summary, error) {
	sum := Summary{TenantID: tenantID, Since: since, ByAction: map[string]int64{}, ByOutcome: map[string]int64{}}

	rows, err := s.pool.Query(ctx,
		`SELECT action, count(*) FROM usage_events WHERE tenant_id=$1 AND time >= $2 GROUP BY action`,
		tenantID, since)
	if err != nil {
		return Summary{}, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var action string
		var n int64
		if err := rows.Scan(&action, &n); err != nil {
			return Summary{}, fmt.Errorf("usage summary scan: %w", err)
		}
		sum.ByAction[action] = n
		sum.Total += n
	}
	if err := rows.Err(); err != nil {
		return Summary{}, err
	}

	orows, err := s.pool.Query(ctx,
		`SELECT outcome, count(*) FROM usage_events WHERE tenant_id=$1 AND time >= $2 GROUP BY outcome`,
		tenantID, since)
	if err != nil {
		return Summary{}, fmt.Errorf("usage summary: %w", err)
	}
	defer orows.Close()
	for orows.Next() {
		var outcome string
		var n int64
		if err := orows.Scan(&outcome, &n); err != nil {
			return Summary{}, fmt.Errorf("usage summary scan: %w", err)
		}
		sum.ByOutcome[outcome] = n
	}
	return sum, orows.Err()
}
