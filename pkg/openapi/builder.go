package openapi

import (
	"encoding/json"
	"net/http"
	"sort"
)

// Action is one invocable operation as surfaced by the public discovery
// document. It mirrors the registry's projection; handlers never appear.
type Action struct {
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Scope          string         `json:"required_scope"`
	SideEffecting  bool           `json:"side_effecting"`
	SupportsDryRun bool           `json:"supports_dry_run"`
	InputSchema    map[string]any `json:"input_schema,omitempty"`
	OutputSchema   map[string]any `json:"output_schema,omitempty"`
}

// Pack groups actions under a namespace for discovery.
type Pack struct {
	Namespace   string `json:"namespace"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

// Builder assembles the discovery document served at
// /.well-known/actions.json. Populate it once at startup; Build is
// read-only after that.
type Builder struct {
	service string
	version string
	actions []Action
	packs   []Pack
}

func NewBuilder(service, version string) *Builder {
	return &Builder{service: service, version: version}
}

func (b *Builder) AddPack(p Pack) {
	b.packs = append(b.packs, p)
}

func (b *Builder) AddAction(a Action) {
	b.actions = append(b.actions, a)
}

// Build produces the discovery document. Everything a caller needs to
// invoke an action is here: the envelope endpoint, auth schemes, and the
// per-action contract.
func (b *Builder) Build() map[string]any {
	actions := make([]Action, len(b.actions))
	copy(actions, b.actions)
	sort.Slice(actions, func(i, j int) bool { return actions[i].Name < actions[j].Name })
	packs := make([]Pack, len(b.packs))
	copy(packs, b.packs)
	sort.Slice(packs, func(i, j int) bool { return packs[i].Namespace < packs[j].Namespace })

	return map[string]any{
		"version": "1",
		"service": map[string]any{"name": b.service, "version": b.version},
		"invoke": map[string]any{
			"method":       "POST",
			"path":         "/v1/actions",
			"content_type": "application/json",
			"envelope":     []string{"action", "params", "idempotency_key", "dry_run", "tenant_id"},
		},
		"auth": map[string]any{
			"schemes": []string{"bearer", "x-api-key"},
		},
		"packs":   packs,
		"actions": actions,
	}
}

// ServeHandler returns an HTTP handler that serves the built document.
func (b *Builder) ServeHandler() http.HandlerFunc {
	doc := b.Build()
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}
}
