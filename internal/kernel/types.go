package kernel

import (
	"context"

	"actionplane/internal/identity"
)

// Response status classes.
const (
	StatusAllowed = "allowed"
	StatusDenied  = "denied"
	StatusError   = "error"
)

// Request is the normalized envelope the kernel is invoked with; transport
// parsing happens before this point.
type Request struct {
	Credential     string
	TenantHint     string
	Action         string
	IdempotencyKey string
	DryRun         bool
	Params         map[string]any
	SourceIP       string
	RequestID      string // generated when empty
}

type Response struct {
	Status    string         `json:"status"`
	RequestID string         `json:"request_id"`
	Data      map[string]any `json:"data,omitempty"`
	Err       *Error         `json:"error,omitempty"`
	// Replayed marks responses served from the idempotency cache.
	Replayed bool `json:"replayed,omitempty"`
}

// HandlerContext is what an action handler gets to know about its caller.
type HandlerContext struct {
	Tenant     *identity.Tenant
	Credential *identity.Credential
	Scopes     []identity.Scope
	DryRun     bool
	RequestID  string
	SourceIP   string
}

// HandlerFunc implements one action. Returning a *Error keeps its kind;
// anything else is surfaced as an internal error.
type HandlerFunc func(ctx context.Context, hc *HandlerContext, params map[string]any) (map[string]any, error)

// ActionDef is the immutable unit a pack contributes to the registry.
type ActionDef struct {
	Name           string
	Description    string
	RequiredScope  identity.Scope
	InputSchema    map[string]any // JSON Schema for params, nil = unvalidated
	OutputSchema   map[string]any
	SideEffecting  bool
	SupportsDryRun bool
	Handler        HandlerFunc
}

// PackInfo is what a pack says about itself for discovery.
type PackInfo struct {
	Namespace   string `json:"namespace"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Pack is the pluggable capability unit: a namespace of actions plus a
// self-description. Packs are composed into the registry once at startup.
type Pack interface {
	Namespace() string
	Actions() []ActionDef
	Describe() PackInfo
}

// ActionInfo is the discovery projection of an ActionDef (no handler).
type ActionInfo struct {
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	RequiredScope  string         `json:"required_scope"`
	InputSchema    map[string]any `json:"input_schema,omitempty"`
	OutputSchema   map[string]any `json:"output_schema,omitempty"`
	SideEffecting  bool           `json:"side_effecting"`
	SupportsDryRun bool           `json:"supports_dry_run"`
}

// Impact is what a dry-run returns instead of executing: the writes the
// real call would have made.
type Impact struct {
	Creates  []map[string]any `json:"creates,omitempty"`
	Updates  []map[string]any `json:"updates,omitempty"`
	Deletes  []map[string]any `json:"deletes,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
}

// Data wraps the impact in the response shape handlers return.
func (im Impact) Data() map[string]any {
	return map[string]any{"impact": im}
}
