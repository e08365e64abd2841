package settings

import (
	"context"
	"errors"

	"actionplane/internal/guard"
	"actionplane/internal/identity"
	"actionplane/internal/kernel"
)

// GuardPolicyKey is the reserved settings key holding the tenant's guard
// policy source. It is written through settings.guard.set only.
const GuardPolicyKey = "guard.rego"

// settableKeys is the allow-list for settings.set. The guard policy key is
// deliberately absent; it has its own action with a compile check.
var settableKeys = []string{"display_name", "contact_email", "timezone", "locale"}

// Pack exposes tenant preferences and the tenant guard policy.
type Pack struct {
	store Store
}

func New(store Store) *Pack {
	return &Pack{store: store}
}

func (p *Pack) Namespace() string { return "settings" }

func (p *Pack) Describe() kernel.PackInfo {
	return kernel.PackInfo{
		Namespace:   "settings",
		Title:       "Settings",
		Description: "Tenant preferences and the tenant-installed guard policy.",
	}
}

func (p *Pack) Actions() []kernel.ActionDef {
	return []kernel.ActionDef{
		{
			Name:          "settings.get",
			Description:   "Read the tenant's settings and whether a guard policy is installed.",
			RequiredScope: identity.ScopeSettingsRead,
			Handler:       p.get,
		},
		{
			Name:          "settings.set",
			Description:   "Set one tenant setting. Only allow-listed keys are settable.",
			RequiredScope: identity.ScopeSettingsWrite,
			SideEffecting: true,
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"key", "value"},
				"properties": map[string]any{
					"key":   map[string]any{"type": "string", "enum": settableKeys},
					"value": map[string]any{"type": "string", "maxLength": 2000},
				},
				"additionalProperties": false,
			},
			Handler: p.set,
		},
		{
			Name:          "settings.guard.set",
			Description:   "Install the tenant guard policy. The source must compile; an empty source uninstalls.",
			RequiredScope: identity.ScopeSettingsWrite,
			SideEffecting: true,
			InputSchema: map[string]any{
				"type":                 "object",
				"required":             []string{"source"},
				"properties":           map[string]any{"source": map[string]any{"type": "string", "maxLength": 65536}},
				"additionalProperties": false,
			},
			Handler: p.guardSet,
		},
	}
}

func (p *Pack) get(ctx context.Context, hc *kernel.HandlerContext, _ map[string]any) (map[string]any, error) {
	all, err := p.store.All(ctx, hc.Tenant.ID)
	if err != nil {
		return nil, err
	}
	vals := map[string]any{}
	for _, k := range settableKeys {
		if v, ok := all[k]; ok {
			vals[k] = v
		}
	}
	return map[string]any{"settings": vals, "guard_installed": all[GuardPolicyKey] != ""}, nil
}

func (p *Pack) set(ctx context.Context, hc *kernel.HandlerContext, params map[string]any) (map[string]any, error) {
	key, _ := params["key"].(string)
	value, _ := params["value"].(string)
	// The schema enum is the public gate; this re-check keeps the reserved
	// key unreachable even for embedders that skip validation.
	if !settable(key) {
		return nil, kernel.ErrInvalidInput("key is not settable")
	}
	if err := p.store.Set(ctx, hc.Tenant.ID, key, value); err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "value": value}, nil
}

func (p *Pack) guardSet(ctx context.Context, hc *kernel.HandlerContext, params map[string]any) (map[string]any, error) {
	src, _ := params["source"].(string)
	if src != "" {
		if err := guard.Compile(ctx, src); err != nil {
			return nil, kernel.ErrInvalidInput("policy does not compile: " + err.Error())
		}
	}
	if err := p.store.Set(ctx, hc.Tenant.ID, GuardPolicyKey, src); err != nil {
		return nil, err
	}
	return map[string]any{"installed": src != ""}, nil
}

func settable(key string) bool {
	for _, k := range settableKeys {
		if k == key {
			return true
		}
	}
	return false
}

// GuardSource adapts the store into the per-request policy source the guard
// evaluator reads. No stored policy means no guard.
func GuardSource(store Store) guard.Source {
	return func(ctx context.Context, tenantID string) (string, error) {
		src, err := store.Get(ctx, tenantID, GuardPolicyKey)
		if errors.Is(err, ErrNotFound) {
			return "", nil
		}
		return src, err
	}
}
