package identity

import "time"

// Tenant is a billing/ownership boundary. The kernel only ever mutates it
// through the verification transition; creation and tier changes come from
// the issuance tooling.
type Tenant struct {
	ID        string // uuid
	Name      string
	Verified  bool   // flipped once by ConsumeVerificationToken, never back
	Tier      string // rate-limit tier (free, pro, ...)
	CreatedAt time.Time
}

// Credential is an API key belonging to exactly one tenant. The raw secret
// is shown once at mint time; only the lookup prefix and a SHA-256 hash are
// stored.
type Credential struct {
	ID         string
	TenantID   string
	Name       string
	Prefix     string // first characters of the raw secret, indexed for lookup
	SecretHash string // hex SHA-256 of the full raw secret
	Scopes     []Scope
	ExpiresAt  *time.Time // nil = never
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Revoked reports whether the credential has been revoked.
func (c *Credential) Revoked() bool { return c.RevokedAt != nil }

// VerificationToken is a single-use, tenant-scoped secret that moves the
// tenant from unverified to verified. Stored hashed, consumed at most once.
type VerificationToken struct {
	ID         string
	TenantID   string
	TokenHash  string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}
