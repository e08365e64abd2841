package guard

import (
	"context"
	"errors"
	"testing"
)

func staticSource(src string) Source {
	return func(ctx context.Context, tenantID string) (string, error) { return src, nil }
}

func TestNoModuleAllows(t *testing.T) {
	e := NewEvaluator(staticSource(""), nil)
	ok, reasons := e.Allow(context.Background(), "t1", "iam.keys.create", nil, nil)
	if !ok || reasons != nil {
		t.Fatalf("expected allow with no module, got ok=%v reasons=%v", ok, reasons)
	}
}

func TestSourceFailureBlocks(t *testing.T) {
	e := NewEvaluator(func(ctx context.Context, tenantID string) (string, error) {
		return "", errors.New("store down")
	}, nil)
	ok, reasons := e.Allow(context.Background(), "t1", "iam.keys.create", nil, nil)
	if ok {
		t.Fatal("lookup failure must block")
	}
	if len(reasons) != 1 || reasons[0] != "policy_error" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestObjectDecisionWithReasons(t *testing.T) {
	const src = `package guard

default decide = {"allow": true}

decide = {"allow": false, "reasons": ["amount_too_large"]} {
	input.params.amount > 100
}
`
	e := NewEvaluator(staticSource(src), nil)

	ok, _ := e.Allow(context.Background(), "t1", "payments.send", map[string]any{"amount": 50}, nil)
	if !ok {
		t.Fatal("amount 50 should pass")
	}
	ok, reasons := e.Allow(context.Background(), "t1", "payments.send", map[string]any{"amount": 250}, nil)
	if ok {
		t.Fatal("amount 250 should be blocked")
	}
	if len(reasons) != 1 || reasons[0] != "amount_too_large" {
		t.Fatalf("expected policy reasons, got %v", reasons)
	}
}

func TestBooleanDecision(t *testing.T) {
	const src = `package guard

default decide = false

decide {
	input.action == "webhooks.subscriptions.create"
}
`
	e := NewEvaluator(staticSource(src), nil)

	ok, _ := e.Allow(context.Background(), "t1", "webhooks.subscriptions.create", nil, nil)
	if !ok {
		t.Fatal("listed action should pass")
	}
	ok, reasons := e.Allow(context.Background(), "t1", "iam.keys.create", nil, nil)
	if ok {
		t.Fatal("unlisted action should be blocked")
	}
	if len(reasons) != 1 || reasons[0] != "blocked_by_policy" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestBrokenModuleFailsClosed(t *testing.T) {
	e := NewEvaluator(staticSource("package guard\ndecide {"), nil)
	ok, reasons := e.Allow(context.Background(), "t1", "iam.keys.create", nil, nil)
	if ok {
		t.Fatal("unparseable module must block")
	}
	if len(reasons) != 1 || reasons[0] != "policy_error" {
		t.Fatalf("unexpected reasons: %v", reasons)
	}
}

func TestScopesVisibleToPolicy(t *testing.T) {
	const src = `package guard

default decide = false

decide {
	input.scopes[_] == "iam:write"
}
`
	e := NewEvaluator(staticSource(src), nil)
	ok, _ := e.Allow(context.Background(), "t1", "iam.keys.create", nil, []string{"iam:read", "iam:write"})
	if !ok {
		t.Fatal("scope iam:write present, policy should allow")
	}
	ok, _ = e.Allow(context.Background(), "t1", "iam.keys.create", nil, []string{"iam:read"})
	if ok {
		t.Fatal("scope iam:write absent, policy should block")
	}
}

func TestCompile(t *testing.T) {
	if err := Compile(context.Background(), "package guard\n\ndefault decide = true\n"); err != nil {
		t.Fatalf("valid module rejected: %v", err)
	}
	if err := Compile(context.Background(), "package guard\ndecide {"); err == nil {
		t.Fatal("broken module accepted")
	}
}
