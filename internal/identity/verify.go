package identity

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Verifier owns the unverified -> verified transition. Tokens are issued by
// the signup tooling and consumed here; the transition is terminal.
type Verifier struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewVerifier(store Store, ttl time.Duration) *Verifier {
	return &Verifier{store: store, ttl: ttl, now: time.Now}
}

func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Issue mints a single-use token for the tenant and returns the plaintext,
// which is never stored.
func (v *Verifier) Issue(ctx context.Context, tenantID string) (string, error) {
	raw, err := MintToken()
	if err != nil {
		return "", err
	}
	tok := &VerificationToken{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		TokenHash: HashSecret(raw),
		ExpiresAt: v.now().Add(v.ttl),
	}
	if err := v.store.CreateVerificationToken(ctx, tok); err != nil {
		return "", err
	}
	return raw, nil
}

// Redeem consumes a presented token on behalf of the tenant it was issued
// to; a token for any other tenant is invalid and stays unconsumed. At most
// one concurrent redemption of the same token succeeds; the rest, and any
// later replay, get ErrTokenInvalid.
func (v *Verifier) Redeem(ctx context.Context, tenantID, raw string) error {
	return v.store.ConsumeVerificationToken(ctx, tenantID, HashSecret(raw), v.now())
}
