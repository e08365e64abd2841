package identity

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"
)

// ErrUnauthenticated is the single failure surface for every credential
// problem: unknown prefix, hash mismatch, revoked, expired, orphaned. A
// caller probing the difference learns nothing.
var ErrUnauthenticated = errors.New("identity: unauthenticated")

// Identity is a fully resolved caller: the credential, its tenant, and the
// effective scope set for this instant.
type Identity struct {
	Tenant     *Tenant
	Credential *Credential
	Scopes     []Scope
}

type Resolver struct {
	store Store
	now   func() time.Time
}

func NewResolver(store Store) *Resolver {
	return &Resolver{store: store, now: time.Now}
}

// WithClock fixes the resolver's clock; tests use this to force expiry.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve authenticates a raw secret: prefix lookup, constant-time hash
// match, liveness checks, then a fresh effective-scope computation against
// the tenant's current verification state.
func (r *Resolver) Resolve(ctx context.Context, raw string) (*Identity, error) {
	prefix, ok := LookupPrefix(raw)
	if !ok {
		return nil, ErrUnauthenticated
	}
	cands, err := r.store.CredentialsByPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	want := []byte(HashSecret(raw))
	var cred *Credential
	for _, c := range cands {
		if subtle.ConstantTimeCompare([]byte(c.SecretHash), want) == 1 {
			cred = c
			break
		}
	}
	if cred == nil {
		return nil, ErrUnauthenticated
	}
	now := r.now()
	if cred.Revoked() {
		return nil, ErrUnauthenticated
	}
	if cred.ExpiresAt != nil && !now.Before(*cred.ExpiresAt) {
		return nil, ErrUnauthenticated
	}
	tenant, err := r.store.GetTenant(ctx, cred.TenantID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrUnauthenticated
	}
	if err != nil {
		return nil, err
	}
	_ = r.store.TouchCredential(ctx, cred.ID, now)
	return &Identity{
		Tenant:     tenant,
		Credential: cred,
		Scopes:     EffectiveScopes(cred.Scopes, tenant.Verified),
	}, nil
}
