package kernel

import (
	"context"
	"testing"

	"actionplane/internal/identity"
)

type testPack struct {
	ns   string
	defs []ActionDef
}

func (p testPack) Namespace() string    { return p.ns }
func (p testPack) Actions() []ActionDef { return p.defs }
func (p testPack) Describe() PackInfo   { return PackInfo{Namespace: p.ns, Title: p.ns} }

func noopHandler(ctx context.Context, hc *HandlerContext, params map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func TestBuildRejectsDuplicateNames(t *testing.T) {
	_, err := BuildRegistry(testPack{ns: "x", defs: []ActionDef{
		{Name: "x.do", Handler: noopHandler},
		{Name: "x.do", Handler: noopHandler},
	}})
	if err == nil {
		t.Fatal("duplicate action name must fail registry construction")
	}
}

func TestBuildRejectsForeignNamespace(t *testing.T) {
	_, err := BuildRegistry(testPack{ns: "x", defs: []ActionDef{
		{Name: "other.do", Handler: noopHandler},
	}})
	if err == nil {
		t.Fatal("action outside its pack namespace must fail")
	}
}

func TestBuildRejectsMissingHandler(t *testing.T) {
	_, err := BuildRegistry(testPack{ns: "x", defs: []ActionDef{{Name: "x.do"}}})
	if err == nil {
		t.Fatal("nil handler must fail")
	}
}

func TestBuildRejectsBadSchema(t *testing.T) {
	_, err := BuildRegistry(testPack{ns: "x", defs: []ActionDef{{
		Name:        "x.do",
		Handler:     noopHandler,
		InputSchema: map[string]any{"type": 42},
	}}})
	if err == nil {
		t.Fatal("uncompilable schema must fail")
	}
}

func TestMetaActionsEnumeratesRegistry(t *testing.T) {
	r, err := BuildRegistry(testPack{ns: "x", defs: []ActionDef{
		{Name: "x.b", RequiredScope: identity.ScopeIAMWrite, SideEffecting: true, Handler: noopHandler},
		{Name: "x.a", RequiredScope: identity.ScopeIAMRead, Handler: noopHandler},
	}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	meta, ok := r.Lookup("meta.actions")
	if !ok {
		t.Fatal("meta.actions missing from registry")
	}
	if meta.RequiredScope != identity.ScopeMetaRead {
		t.Fatalf("meta.actions scope = %q", meta.RequiredScope)
	}
	out, err := meta.Handler(context.Background(), &HandlerContext{}, nil)
	if err != nil {
		t.Fatalf("meta handler: %v", err)
	}
	infos := out["actions"].([]ActionInfo)
	if len(infos) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(infos))
	}
	// Sorted by name: meta.actions, x.a, x.b.
	if infos[0].Name != "meta.actions" || infos[1].Name != "x.a" || infos[2].Name != "x.b" {
		t.Fatalf("unexpected order: %v %v %v", infos[0].Name, infos[1].Name, infos[2].Name)
	}
	if infos[2].RequiredScope != "iam:write" || !infos[2].SideEffecting {
		t.Fatalf("x.b projection wrong: %+v", infos[2])
	}
}

func TestValidateInput(t *testing.T) {
	r, err := BuildRegistry(testPack{ns: "x", defs: []ActionDef{{
		Name:    "x.create",
		Handler: noopHandler,
		InputSchema: map[string]any{
			"type":                 "object",
			"required":             []string{"name"},
			"properties":           map[string]any{"name": map[string]any{"type": "string", "minLength": 1}},
			"additionalProperties": false,
		},
	}}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	a, _ := r.Lookup("x.create")

	if err := a.ValidateInput(map[string]any{"name": "primary"}); err != nil {
		t.Fatalf("valid params rejected: %v", err)
	}
	for _, params := range []map[string]any{
		nil,
		{"name": 42},
		{"name": "ok", "extra": true},
	} {
		err := a.ValidateInput(params)
		ke, ok := AsError(err)
		if !ok || ke.Kind != KindInvalidInput {
			t.Fatalf("params %v: expected invalid input, got %v", params, err)
		}
	}
}

func TestValidateInputNilSchemaAcceptsAnything(t *testing.T) {
	r, err := BuildRegistry(testPack{ns: "x", defs: []ActionDef{{Name: "x.free", Handler: noopHandler}}})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	a, _ := r.Lookup("x.free")
	if err := a.ValidateInput(map[string]any{"anything": []int{1, 2}}); err != nil {
		t.Fatalf("schemaless action rejected params: %v", err)
	}
}
