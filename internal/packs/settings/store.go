package settings

import (
	"context"
	"errors"
)

// ErrNotFound reports a key with no stored value for the tenant.
var ErrNotFound = errors.New("settings: not found")

// Store persists per-tenant key/value settings. Values are opaque strings;
// what keys mean is the pack's business.
type Store interface {
	Get(ctx context.Context, tenantID, key string) (string, error)
	Set(ctx context.Context, tenantID, key, value string) error
	All(ctx context.Context, tenantID string) (map[string]string, error)
}
