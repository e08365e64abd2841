package identity

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("identity: not found")
	// ErrTokenInvalid covers unknown, expired and already-consumed
	// verification tokens alike.
	ErrTokenInvalid = errors.New("identity: verification token invalid")
)

// Store is the durable home of tenants, credentials and verification
// tokens. Postgres in production, memory for dev and tests.
type Store interface {
	CreateTenant(ctx context.Context, t *Tenant) error
	GetTenant(ctx context.Context, id string) (*Tenant, error)
	SetTenantTier(ctx context.Context, id, tier string) error

	CreateCredential(ctx context.Context, c *Credential) error
	// CredentialsByPrefix returns every live row sharing the lookup prefix;
	// the resolver disambiguates by hash. Never a scan over hashes.
	CredentialsByPrefix(ctx context.Context, prefix string) ([]*Credential, error)
	ListCredentials(ctx context.Context, tenantID string) ([]*Credential, error)
	RevokeCredential(ctx context.Context, tenantID, id string, at time.Time) error
	// TouchCredential records last use; best effort, callers ignore errors.
	TouchCredential(ctx context.Context, id string, at time.Time) error

	CreateVerificationToken(ctx context.Context, tok *VerificationToken) error
	// ConsumeVerificationToken atomically marks the token consumed and flips
	// the tenant to verified. The token must belong to the given tenant; a
	// mismatch is ErrTokenInvalid and consumes nothing. Exactly one of any
	// set of concurrent callers succeeds; the rest get ErrTokenInvalid.
	ConsumeVerificationToken(ctx context.Context, tenantID, tokenHash string, now time.Time) error
}
