// Package iam contributes the credential and tenant management actions:
// key issuance (secret shown exactly once), listing, revocation, tenant
// info, and verification-token redemption.
package iam

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"actionplane/internal/identity"
	"actionplane/internal/kernel"
)

type Pack struct {
	store    identity.Store
	verifier *identity.Verifier
	now      func() time.Time
}

func New(store identity.Store, verifier *identity.Verifier) *Pack {
	return &Pack{store: store, verifier: verifier, now: time.Now}
}

// WithClock fixes the pack's clock for tests.
func (p *Pack) WithClock(now func() time.Time) *Pack {
	p.now = now
	return p
}

func (p *Pack) Namespace() string { return "iam" }

func (p *Pack) Describe() kernel.PackInfo {
	return kernel.PackInfo{
		Namespace:   "iam",
		Title:       "Identity & access",
		Description: "API keys, tenant info and tenant verification.",
	}
}

func (p *Pack) Actions() []kernel.ActionDef {
	return []kernel.ActionDef{
		{
			Name:           "iam.keys.create",
			Description:    "Create an API key. The secret is returned once and never again.",
			RequiredScope:  identity.ScopeIAMWrite,
			SideEffecting:  true,
			SupportsDryRun: true,
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"name", "scopes"},
				"properties": map[string]any{
					"name":            map[string]any{"type": "string", "minLength": 1, "maxLength": 100},
					"scopes":          map[string]any{"type": "array", "minItems": 1, "items": map[string]any{"type": "string"}},
					"expires_in_days": map[string]any{"type": "integer", "minimum": 1, "maximum": 3650},
				},
				"additionalProperties": false,
			},
			Handler: p.keysCreate,
		},
		{
			Name:          "iam.keys.list",
			Description:   "List the tenant's API keys. Secrets are never included.",
			RequiredScope: identity.ScopeIAMRead,
			Handler:       p.keysList,
		},
		{
			Name:          "iam.keys.revoke",
			Description:   "Revoke an API key immediately.",
			RequiredScope: identity.ScopeIAMWrite,
			SideEffecting: true,
			InputSchema: map[string]any{
				"type":                 "object",
				"required":             []string{"id"},
				"properties":           map[string]any{"id": map[string]any{"type": "string", "minLength": 1}},
				"additionalProperties": false,
			},
			Handler: p.keysRevoke,
		},
		{
			Name:          "iam.tenant.get",
			Description:   "Fetch the calling tenant's profile and verification state.",
			RequiredScope: identity.ScopeIAMRead,
			Handler:       p.tenantGet,
		},
		{
			Name:          "iam.verify",
			Description:   "Redeem a verification token, flipping the tenant to verified.",
			RequiredScope: identity.ScopeIAMVerify,
			SideEffecting: true,
			InputSchema: map[string]any{
				"type":                 "object",
				"required":             []string{"token"},
				"properties":           map[string]any{"token": map[string]any{"type": "string", "minLength": 1}},
				"additionalProperties": false,
			},
			Handler: p.verify,
		},
	}
}

func (p *Pack) keysCreate(ctx context.Context, hc *kernel.HandlerContext, params map[string]any) (map[string]any, error) {
	name, _ := params["name"].(string)
	scopes, err := identity.ParseScopes(stringList(params["scopes"]))
	if err != nil {
		return nil, kernel.ErrInvalidInput(err.Error())
	}
	// A key can never carry more than its creator holds right now; minting
	// is not an escalation path.
	for _, s := range scopes {
		if !identity.HasScope(hc.Scopes, s) {
			return nil, kernel.ErrForbidden(string(s))
		}
	}
	var expiresAt *time.Time
	if days, ok := intParam(params, "expires_in_days"); ok {
		t := p.now().Add(time.Duration(days) * 24 * time.Hour)
		expiresAt = &t
	}

	if hc.DryRun {
		create := map[string]any{"kind": "api_key", "name": name, "scopes": identity.ScopeStrings(scopes)}
		if expiresAt != nil {
			create["expires_at"] = *expiresAt
		}
		return kernel.Impact{Creates: []map[string]any{create}}.Data(), nil
	}

	secret, err := identity.MintSecret()
	if err != nil {
		return nil, err
	}
	prefix, _ := identity.LookupPrefix(secret)
	cred := &identity.Credential{
		ID:         uuid.NewString(),
		TenantID:   hc.Tenant.ID,
		Name:       name,
		Prefix:     prefix,
		SecretHash: identity.HashSecret(secret),
		Scopes:     scopes,
		ExpiresAt:  expiresAt,
		CreatedAt:  p.now(),
	}
	if err := p.store.CreateCredential(ctx, cred); err != nil {
		return nil, err
	}
	return map[string]any{"key": keyView(cred), "secret": secret}, nil
}

func (p *Pack) keysList(ctx context.Context, hc *kernel.HandlerContext, _ map[string]any) (map[string]any, error) {
	creds, err := p.store.ListCredentials(ctx, hc.Tenant.ID)
	if err != nil {
		return nil, err
	}
	keys := make([]map[string]any, 0, len(creds))
	for _, c := range creds {
		keys = append(keys, keyView(c))
	}
	return map[string]any{"keys": keys}, nil
}

func (p *Pack) keysRevoke(ctx context.Context, hc *kernel.HandlerContext, params map[string]any) (map[string]any, error) {
	id, _ := params["id"].(string)
	err := p.store.RevokeCredential(ctx, hc.Tenant.ID, id, p.now())
	if errors.Is(err, identity.ErrNotFound) {
		return nil, kernel.ErrInvalidInput("unknown key id")
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"revoked": id}, nil
}

func (p *Pack) tenantGet(ctx context.Context, hc *kernel.HandlerContext, _ map[string]any) (map[string]any, error) {
	t, err := p.store.GetTenant(ctx, hc.Tenant.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"tenant": map[string]any{
		"id":         t.ID,
		"name":       t.Name,
		"verified":   t.Verified,
		"tier":       t.Tier,
		"created_at": t.CreatedAt,
	}}, nil
}

func (p *Pack) verify(ctx context.Context, hc *kernel.HandlerContext, params map[string]any) (map[string]any, error) {
	raw, _ := params["token"].(string)
	if err := p.verifier.Redeem(ctx, hc.Tenant.ID, raw); err != nil {
		if errors.Is(err, identity.ErrTokenInvalid) {
			return nil, kernel.ErrInvalidVerificationToken()
		}
		return nil, err
	}
	return map[string]any{"tenant_id": hc.Tenant.ID, "verified": true}, nil
}

func keyView(c *identity.Credential) map[string]any {
	v := map[string]any{
		"id":         c.ID,
		"name":       c.Name,
		"prefix":     c.Prefix,
		"scopes":     identity.ScopeStrings(c.Scopes),
		"created_at": c.CreatedAt,
	}
	if c.ExpiresAt != nil {
		v["expires_at"] = *c.ExpiresAt
	}
	if c.LastUsedAt != nil {
		v["last_used_at"] = *c.LastUsedAt
	}
	if c.RevokedAt != nil {
		v["revoked_at"] = *c.RevokedAt
	}
	return v
}

func stringList(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []any:
		out := make([]string, 0, len(vv))
		for _, it := range vv {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func intParam(params map[string]any, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}
