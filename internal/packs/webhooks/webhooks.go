package webhooks

import (
	"context"
	"errors"
	"net/url"
	"time"

	"github.com/google/uuid"
	jmes "github.com/jmespath/go-jmespath"

	"actionplane/internal/identity"
	"actionplane/internal/kernel"
)

// Pack manages webhook subscriptions. Outbound delivery runs out of
// process; the kernel only owns the subscription records and their filters.
type Pack struct {
	store Store
	now   func() time.Time
}

func New(store Store) *Pack {
	return &Pack{store: store, now: time.Now}
}

func (p *Pack) WithClock(now func() time.Time) *Pack {
	p.now = now
	return p
}

func (p *Pack) Namespace() string { return "webhooks" }

func (p *Pack) Describe() kernel.PackInfo {
	return kernel.PackInfo{
		Namespace:   "webhooks",
		Title:       "Webhooks",
		Description: "Event subscriptions with JMESPath payload filters.",
	}
}

func (p *Pack) Actions() []kernel.ActionDef {
	return []kernel.ActionDef{
		{
			Name:           "webhooks.subscriptions.create",
			Description:    "Register an event sink. The optional filter is a JMESPath expression over the event payload.",
			RequiredScope:  identity.ScopeWebhooksWrite,
			SideEffecting:  true,
			SupportsDryRun: true,
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"url", "events"},
				"properties": map[string]any{
					"url":    map[string]any{"type": "string", "minLength": 1, "maxLength": 2048},
					"events": map[string]any{"type": "array", "minItems": 1, "items": map[string]any{"type": "string", "minLength": 1}},
					"filter": map[string]any{"type": "string", "maxLength": 4096},
				},
				"additionalProperties": false,
			},
			Handler: p.create,
		},
		{
			Name:          "webhooks.subscriptions.list",
			Description:   "List the tenant's subscriptions.",
			RequiredScope: identity.ScopeWebhooksRead,
			Handler:       p.list,
		},
		{
			Name:          "webhooks.subscriptions.delete",
			Description:   "Delete a subscription.",
			RequiredScope: identity.ScopeWebhooksWrite,
			SideEffecting: true,
			InputSchema: map[string]any{
				"type":                 "object",
				"required":             []string{"id"},
				"properties":           map[string]any{"id": map[string]any{"type": "string", "minLength": 1}},
				"additionalProperties": false,
			},
			Handler: p.delete,
		},
		{
			Name:          "webhooks.subscriptions.test",
			Description:   "Evaluate a subscription's filter against a sample event payload.",
			RequiredScope: identity.ScopeWebhooksRead,
			InputSchema: map[string]any{
				"type":     "object",
				"required": []string{"id", "sample"},
				"properties": map[string]any{
					"id":     map[string]any{"type": "string", "minLength": 1},
					"sample": map[string]any{"type": "object"},
				},
				"additionalProperties": false,
			},
			Handler: p.test,
		},
	}
}

func (p *Pack) create(ctx context.Context, hc *kernel.HandlerContext, params map[string]any) (map[string]any, error) {
	rawURL, _ := params["url"].(string)
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, kernel.ErrInvalidInput("url must be absolute http or https")
	}
	events := stringList(params["events"])
	filter, _ := params["filter"].(string)
	if filter != "" {
		if _, err := jmes.Compile(filter); err != nil {
			return nil, kernel.ErrInvalidInput("filter does not compile: " + err.Error())
		}
	}

	if hc.DryRun {
		im := kernel.Impact{Creates: []map[string]any{{
			"kind":   "webhook_subscription",
			"url":    rawURL,
			"events": events,
		}}}
		if u.Scheme == "http" {
			im.Warnings = append(im.Warnings, "url is plain http; event payloads travel unencrypted")
		}
		return im.Data(), nil
	}

	sub := &Subscription{
		ID:        uuid.NewString(),
		TenantID:  hc.Tenant.ID,
		URL:       rawURL,
		Events:    events,
		Filter:    filter,
		CreatedAt: p.now(),
	}
	if err := p.store.CreateSubscription(ctx, sub); err != nil {
		return nil, err
	}
	return map[string]any{"subscription": subView(sub)}, nil
}

func (p *Pack) list(ctx context.Context, hc *kernel.HandlerContext, _ map[string]any) (map[string]any, error) {
	subs, err := p.store.ListSubscriptions(ctx, hc.Tenant.ID)
	if err != nil {
		return nil, err
	}
	views := make([]map[string]any, 0, len(subs))
	for _, s := range subs {
		views = append(views, subView(s))
	}
	return map[string]any{"subscriptions": views}, nil
}

func (p *Pack) delete(ctx context.Context, hc *kernel.HandlerContext, params map[string]any) (map[string]any, error) {
	id, _ := params["id"].(string)
	err := p.store.DeleteSubscription(ctx, hc.Tenant.ID, id)
	if errors.Is(err, ErrNotFound) {
		return nil, kernel.ErrInvalidInput("unknown subscription id")
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": id}, nil
}

func (p *Pack) test(ctx context.Context, hc *kernel.HandlerContext, params map[string]any) (map[string]any, error) {
	id, _ := params["id"].(string)
	sub, err := p.store.GetSubscription(ctx, hc.Tenant.ID, id)
	if errors.Is(err, ErrNotFound) {
		return nil, kernel.ErrInvalidInput("unknown subscription id")
	}
	if err != nil {
		return nil, err
	}
	if sub.Filter == "" {
		return map[string]any{"matched": true}, nil
	}
	sample, _ := params["sample"].(map[string]any)
	val, err := jmes.Search(sub.Filter, sample)
	if err != nil {
		// The filter compiled at create time; a search error means it does
		// not apply to this payload shape.
		return map[string]any{"matched": false, "error": err.Error()}, nil
	}
	return map[string]any{"matched": truthy(val), "value": val}, nil
}

func subView(s *Subscription) map[string]any {
	v := map[string]any{
		"id":         s.ID,
		"url":        s.URL,
		"events":     s.Events,
		"created_at": s.CreatedAt,
	}
	if s.Filter != "" {
		v["filter"] = s.Filter
	}
	return v
}

// truthy follows JMESPath false-like semantics: null, false, empty string,
// empty array and empty object all fail the filter.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []any:
		out := make([]string, 0, len(t))
		for _, it := range t {
			if s, ok := it.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
