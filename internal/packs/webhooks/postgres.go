package webhooks

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type pgStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs the PostgreSQL-backed Store.
func NewPostgresStore(pool *pgxpool.Pool) Store {
	return &pgStore{pool: pool}
}

// EnsureSchema creates the subscription table if it does not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS webhook_subscriptions (
  id uuid PRIMARY KEY,
  tenant_id uuid NOT NULL,
  url text NOT NULL,
  events text[] NOT NULL DEFAULT '{}',
  filter text NOT NULL DEFAULT '',
  created_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS webhook_subscriptions_tenant_idx ON webhook_subscriptions(tenant_id);
`)
	return err
}

func (s *pgStore) CreateSubscription(ctx context.Context, sub *Subscription) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO webhook_subscriptions(id,tenant_id,url,events,filter,created_at) VALUES ($1,$2,$3,$4,$5,$6)`,
		sub.ID, sub.TenantID, sub.URL, sub.Events, sub.Filter, sub.CreatedAt)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	return nil
}

func (s *pgStore) GetSubscription(ctx context.Context, tenantID, id string) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id,tenant_id,url,events,filter,created_at FROM webhook_subscriptions WHERE id=$1 AND tenant_id=$2`,
		id, tenantID)
	var sub Subscription
	if err := row.Scan(&sub.ID, &sub.TenantID, &sub.URL, &sub.Events, &sub.Filter, &sub.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

func (s *pgStore) ListSubscriptions(ctx context.Context, tenantID string) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id,tenant_id,url,events,filter,created_at FROM webhook_subscriptions WHERE tenant_id=$1 ORDER BY created_at, id`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	out := make([]*Subscription, 0)
	for rows.Next() {
		var sub Subscription
		if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.URL, &sub.Events, &sub.Filter, &sub.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &sub)
	}
	return out, rows.Err()
}

func (s *pgStore) DeleteSubscription(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM webhook_subscriptions WHERE id=$1 AND tenant_id=$2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
