package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

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

// EnsureSchema creates the identity tables if they do not already exist.
// Safe to call repeatedly (idempotent).
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tenants (
  id uuid PRIMARY KEY,
  name text NOT NULL DEFAULT '',
  verified boolean NOT NULL DEFAULT false,
  tier text NOT NULL DEFAULT 'free',
  created_at timestamptz NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS credentials (
  id uuid PRIMARY KEY,
  tenant_id uuid NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
  name text NOT NULL DEFAULT '',
  prefix text NOT NULL,
  secret_hash text NOT NULL,
  scopes text[] NOT NULL DEFAULT '{}',
  expires_at timestamptz,
  created_at timestamptz NOT NULL DEFAULT NOW(),
  last_used_at timestamptz,
  revoked_at timestamptz
);
CREATE INDEX IF NOT EXISTS credentials_prefix_idx ON credentials(prefix);
CREATE TABLE IF NOT EXISTS verification_tokens (
  id uuid PRIMARY KEY,
  tenant_id uuid NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
  token_hash text NOT NULL UNIQUE,
  expires_at timestamptz NOT NULL,
  consumed_at timestamptz
);
`)
	return err
}

func (s *pgStore) CreateTenant(ctx context.Context, t *Tenant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenants(id,name,verified,tier,created_at) VALUES ($1,$2,$3,$4,$5)`,
		t.ID, t.Name, t.Verified, t.Tier, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *pgStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id,name,verified,tier,created_at FROM tenants WHERE id=$1`, id)
	var t Tenant
	if err := row.Scan(&t.ID, &t.Name, &t.Verified, &t.Tier, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}
	return &t, nil
}

func (s *pgStore) SetTenantTier(ctx context.Context, id, tier string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE tenants SET tier=$2 WHERE id=$1`, id, tier)
	if err != nil {
		return fmt.Errorf("set tier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) CreateCredential(ctx context.Context, c *Credential) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credentials(id,tenant_id,name,prefix,secret_hash,scopes,expires_at,created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.TenantID, c.Name, c.Prefix, c.SecretHash, ScopeStrings(c.Scopes), c.ExpiresAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create credential: %w", err)
	}
	return nil
}

func (s *pgStore) CredentialsByPrefix(ctx context.Context, prefix string) ([]*Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id,tenant_id,name,prefix,secret_hash,scopes,expires_at,created_at,last_used_at,revoked_at
		 FROM credentials WHERE prefix=$1`, prefix)
	if err != nil {
		return nil, fmt.Errorf("credentials by prefix: %w", err)
	}
	defer rows.Close()
	return scanCredentials(rows)
}

func (s *pgStore) ListCredentials(ctx context.Context, tenantID string) ([]*Credential, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id,tenant_id,name,prefix,secret_hash,scopes,expires_at,created_at,last_used_at,revoked_at
		 FROM credentials WHERE tenant_id=$1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	defer rows.Close()
	return scanCredentials(rows)
}

func (s *pgStore) RevokeCredential(ctx context.Context, tenantID, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE credentials SET revoked_at=COALESCE(revoked_at,$3) WHERE id=$1 AND tenant_id=$2`,
		id, tenantID, at)
	if err != nil {
		return fmt.Errorf("revoke credential: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *pgStore) TouchCredential(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `UPDATE credentials SET last_used_at=$2 WHERE id=$1`, id, at)
	return err
}

func (s *pgStore) CreateVerificationToken(ctx context.Context, tok *VerificationToken) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO verification_tokens(id,tenant_id,token_hash,expires_at) VALUES ($1,$2,$3,$4)`,
		tok.ID, tok.TenantID, tok.TokenHash, tok.ExpiresAt)
	if err != nil {
		return fmt.Errorf("create verification token: %w", err)
	}
	return nil
}

// ConsumeVerificationToken relies on the conditional UPDATE to serialize
// concurrent redemptions: only one caller sees a row to update.
func (s *pgStore) ConsumeVerificationToken(ctx context.Context, tenantID, tokenHash string, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx,
		`UPDATE verification_tokens SET consumed_at=$3
		 WHERE token_hash=$1 AND tenant_id=$2 AND consumed_at IS NULL AND expires_at > $3
		 RETURNING id`, tokenHash, tenantID, now).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrTokenInvalid
	}
	if err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE tenants SET verified=true WHERE id=$1`, tenantID); err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("consume token: %w", err)
	}
	return nil
}

func scanCredentials(rows pgx.Rows) ([]*Credential, error) {
	var out []*Credential
	for rows.Next() {
		var c Credential
		var scopes []string
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, &c.Prefix, &c.SecretHash,
			&scopes, &c.ExpiresAt, &c.CreatedAt, &c.LastUsedAt, &c.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		c.Scopes = toScopes(scopes)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func toScopes(in []string) []Scope {
	out := make([]Scope, len(in))
	for i, s := range in {
		out[i] = Scope(s)
	}
	return out
}
