package webhooks

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"actionplane/internal/identity"
	"actionplane/internal/kernel"
)

type hookEnv struct {
	store Store
	pack  *Pack
	now   time.Time
}

func newHookEnv() *hookEnv {
	e := &hookEnv{store: NewMemoryStore(), now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	e.pack = New(e.store).WithClock(func() time.Time { return e.now })
	return e
}

func (e *hookEnv) handler(t *testing.T, name string) kernel.HandlerFunc {
	t.Helper()
	for _, def := range e.pack.Actions() {
		if def.Name == name {
			return def.Handler
		}
	}
	t.Fatalf("no action %q in pack", name)
	return nil
}

func caller(tenantID string) *kernel.HandlerContext {
	return &kernel.HandlerContext{Tenant: &identity.Tenant{ID: tenantID, Verified: true}, RequestID: "req-test"}
}

func wantKind(t *testing.T, err error, kind kernel.Kind) {
	t.Helper()
	ke, ok := kernel.AsError(err)
	if !ok || ke.Kind != kind {
		t.Fatalf("err = %v, want kind %q", err, kind)
	}
}

func (e *hookEnv) mustCreate(t *testing.T, hc *kernel.HandlerContext, params map[string]any) string {
	t.Helper()
	out, err := e.handler(t, "webhooks.subscriptions.create")(context.Background(), hc, params)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return out["subscription"].(map[string]any)["id"].(string)
}

func TestCreateAndList(t *testing.T) {
	e := newHookEnv()
	ten := uuid.NewString()
	id := e.mustCreate(t, caller(ten), map[string]any{
		"url":    "https://example.com/hooks",
		"events": []string{"order.created", "order.updated"},
		"filter": "amount > `100`",
	})

	out, err := e.handler(t, "webhooks.subscriptions.list")(context.Background(), caller(ten), nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	subs := out["subscriptions"].([]map[string]any)
	if len(subs) != 1 || subs[0]["id"] != id {
		t.Fatalf("list = %v", out)
	}
	if subs[0]["filter"] != "amount > `100`" {
		t.Fatalf("filter not persisted: %v", subs[0])
	}

	other, err := e.handler(t, "webhooks.subscriptions.list")(context.Background(), caller(uuid.NewString()), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(other["subscriptions"].([]map[string]any)) != 0 {
		t.Fatal("subscriptions visible across tenants")
	}
}

func TestCreateRejectsBadURL(t *testing.T) {
	e := newHookEnv()
	ten := uuid.NewString()
	create := e.handler(t, "webhooks.subscriptions.create")

	for _, bad := range []string{"not a url", "ftp://example.com/x", "/relative/path", "https://"} {
		_, err := create(context.Background(), caller(ten), map[string]any{"url": bad, "events": []string{"e"}})
		wantKind(t, err, kernel.KindInvalidInput)
	}
}

func TestCreateRejectsBadFilter(t *testing.T) {
	e := newHookEnv()
	create := e.handler(t, "webhooks.subscriptions.create")

	_, err := create(context.Background(), caller(uuid.NewString()), map[string]any{
		"url":    "https://example.com/hooks",
		"events": []string{"order.created"},
		"filter": "items[",
	})
	wantKind(t, err, kernel.KindInvalidInput)
	if !strings.Contains(err.Error(), "filter does not compile") {
		t.Fatalf("err = %v", err)
	}
}

func TestCreateDryRun(t *testing.T) {
	e := newHookEnv()
	ten := uuid.NewString()
	create := e.handler(t, "webhooks.subscriptions.create")

	hc := caller(ten)
	hc.DryRun = true
	out, err := create(context.Background(), hc, map[string]any{
		"url":    "http://internal.example/hooks",
		"events": []string{"order.created"},
	})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	im, ok := out["impact"].(kernel.Impact)
	if !ok || len(im.Creates) != 1 {
		t.Fatalf("impact = %v", out)
	}
	if len(im.Warnings) == 0 || !strings.Contains(im.Warnings[0], "plain http") {
		t.Fatalf("expected plain-http warning, got %v", im.Warnings)
	}
	subs, _ := e.store.ListSubscriptions(context.Background(), ten)
	if len(subs) != 0 {
		t.Fatalf("dry run persisted %d subscriptions", len(subs))
	}
}

func TestDeleteIsTenantScoped(t *testing.T) {
	e := newHookEnv()
	owner := uuid.NewString()
	id := e.mustCreate(t, caller(owner), map[string]any{
		"url": "https://example.com/hooks", "events": []string{"e"},
	})
	del := e.handler(t, "webhooks.subscriptions.delete")

	_, err := del(context.Background(), caller(uuid.NewString()), map[string]any{"id": id})
	wantKind(t, err, kernel.KindInvalidInput)

	if _, err := del(context.Background(), caller(owner), map[string]any{"id": id}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	subs, _ := e.store.ListSubscriptions(context.Background(), owner)
	if len(subs) != 0 {
		t.Fatal("subscription survived delete")
	}

	_, err = del(context.Background(), caller(owner), map[string]any{"id": id})
	wantKind(t, err, kernel.KindInvalidInput)
}

func TestFilterEvaluation(t *testing.T) {
	e := newHookEnv()
	ten := uuid.NewString()
	id := e.mustCreate(t, caller(ten), map[string]any{
		"url":    "https://example.com/hooks",
		"events": []string{"order.created"},
		"filter": "amount > `100`",
	})
	testAction := e.handler(t, "webhooks.subscriptions.test")

	out, err := testAction(context.Background(), caller(ten), map[string]any{
		"id": id, "sample": map[string]any{"amount": 250.0},
	})
	if err != nil {
		t.Fatalf("test: %v", err)
	}
	if out["matched"] != true || out["value"] != true {
		t.Fatalf("out = %v", out)
	}

	out, err = testAction(context.Background(), caller(ten), map[string]any{
		"id": id, "sample": map[string]any{"amount": 50.0},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out["matched"] != false {
		t.Fatalf("out = %v", out)
	}
}

func TestFilterProjection(t *testing.T) {
	e := newHookEnv()
	ten := uuid.NewString()
	id := e.mustCreate(t, caller(ten), map[string]any{
		"url":    "https://example.com/hooks",
		"events": []string{"order.created"},
		"filter": "items[?qty > `1`].sku",
	})
	testAction := e.handler(t, "webhooks.subscriptions.test")

	sample := map[string]any{"items": []any{
		map[string]any{"sku": "a", "qty": 1.0},
		map[string]any{"sku": "b", "qty": 3.0},
	}}
	out, err := testAction(context.Background(), caller(ten), map[string]any{"id": id, "sample": sample})
	if err != nil {
		t.Fatalf("test: %v", err)
	}
	if out["matched"] != true {
		t.Fatalf("out = %v", out)
	}
	got := out["value"].([]any)
	if len(got) != 1 || got[0] != "b" {
		t.Fatalf("value = %v", out["value"])
	}

	// Empty projection is a miss, not a match on an empty list.
	out, err = testAction(context.Background(), caller(ten), map[string]any{
		"id": id, "sample": map[string]any{"items": []any{}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if out["matched"] != false {
		t.Fatalf("out = %v", out)
	}
}

func TestFilterlessSubscriptionAlwaysMatches(t *testing.T) {
	e := newHookEnv()
	ten := uuid.NewString()
	id := e.mustCreate(t, caller(ten), map[string]any{
		"url": "https://example.com/hooks", "events": []string{"e"},
	})
	out, err := e.handler(t, "webhooks.subscriptions.test")(context.Background(), caller(ten),
		map[string]any{"id": id, "sample": map[string]any{"anything": "goes"}})
	if err != nil {
		t.Fatal(err)
	}
	if out["matched"] != true {
		t.Fatalf("out = %v", out)
	}
}

func TestTestUnknownSubscription(t *testing.T) {
	e := newHookEnv()
	_, err := e.handler(t, "webhooks.subscriptions.test")(context.Background(), caller(uuid.NewString()),
		map[string]any{"id": "missing", "sample": map[string]any{}})
	wantKind(t, err, kernel.KindInvalidInput)
}
