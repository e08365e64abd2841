package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"actionplane/internal/audit"
	"actionplane/internal/guard"
	"actionplane/internal/idempotency"
	"actionplane/internal/identity"
	"actionplane/internal/ratelimit"
	"actionplane/pkg/kv"
)

// routerEnv assembles a full in-memory kernel with a frozen clock. Tests
// advance e.now directly; the kv store, resolver, limiter and ceilings all
// read it through the same closure.
type routerEnv struct {
	now    time.Time
	kvs    *kv.Memory
	ids    identity.Store
	sink   *audit.MemorySink
	writer *audit.Writer
	router *Router
	calls  atomic.Int32
}

func newRouterEnv(t *testing.T) *routerEnv {
	t.Helper()
	e := &routerEnv{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	clock := func() time.Time { return e.now }
	e.kvs = kv.NewMemoryWithClock(clock)
	e.ids = identity.NewMemoryStore()
	e.sink = audit.NewMemorySink()
	e.writer = audit.NewWriter(e.sink, zap.NewNop().Sugar(), audit.WriterOptions{})
	t.Cleanup(e.writer.Close)
	return e
}

func (e *routerEnv) build(t *testing.T, limits ratelimit.Limits, defs ...ActionDef) {
	t.Helper()
	clock := func() time.Time { return e.now }
	reg, err := BuildRegistry(testPack{ns: "echo", defs: defs})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	e.router = NewRouter(Deps{
		Registry: reg,
		Resolver: identity.NewResolver(e.ids).WithClock(clock),
		Idempotency: idempotency.New(e.kvs, idempotency.Options{
			WaitMax:   250 * time.Millisecond,
			PollEvery: 5 * time.Millisecond,
		}),
		Limiter:    ratelimit.New(e.kvs).WithClock(clock),
		Ceilings:   ratelimit.NewCeilingEnforcer(e.kvs).WithClock(clock),
		Audit:      e.writer,
		TierLimits: func(string) ratelimit.Limits { return limits },
	})
}

// countingDef is a handler that records invocations; dry runs report impact
// without counting.
func (e *routerEnv) countingDef(name string, scope identity.Scope, sideEffecting bool) ActionDef {
	return ActionDef{
		Name:           name,
		RequiredScope:  scope,
		SideEffecting:  sideEffecting,
		SupportsDryRun: true,
		Handler: func(ctx context.Context, hc *HandlerContext, params map[string]any) (map[string]any, error) {
			if hc.DryRun {
				return Impact{Creates: []map[string]any{{"kind": "echo"}}}.Data(), nil
			}
			return map[string]any{"call": e.calls.Add(1)}, nil
		},
	}
}

func (e *routerEnv) seedCredential(t *testing.T, verified bool, scopes ...identity.Scope) (secret, tenantID string) {
	t.Helper()
	ten := &identity.Tenant{ID: uuid.NewString(), Name: "acme", Verified: verified, Tier: "free", CreatedAt: e.now}
	if err := e.ids.CreateTenant(context.Background(), ten); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	secret, err := identity.MintSecret()
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	prefix, _ := identity.LookupPrefix(secret)
	cred := &identity.Credential{
		ID:         uuid.NewString(),
		TenantID:   ten.ID,
		Name:       "default",
		Prefix:     prefix,
		SecretHash: identity.HashSecret(secret),
		Scopes:     scopes,
		CreatedAt:  e.now,
	}
	if err := e.ids.CreateCredential(context.Background(), cred); err != nil {
		t.Fatalf("create credential: %v", err)
	}
	return secret, ten.ID
}

func (e *routerEnv) do(req Request) Response {
	return e.router.Dispatch(context.Background(), req)
}

func (e *routerEnv) flushedEntries(t *testing.T, f audit.Filter) []audit.Entry {
	t.Helper()
	e.writer.Close()
	entries, err := e.sink.QueryAudit(context.Background(), f)
	if err != nil {
		t.Fatalf("query audit: %v", err)
	}
	return entries
}

func jsonEq(t *testing.T, want, got map[string]any) {
	t.Helper()
	a, _ := json.Marshal(want)
	b, _ := json.Marshal(got)
	if string(a) != string(b) {
		t.Fatalf("data mismatch: %s vs %s", a, b)
	}
}

func wantCode(t *testing.T, resp Response, status, code string) {
	t.Helper()
	if resp.Status != status {
		t.Fatalf("status = %q, want %q (err: %+v)", resp.Status, status, resp.Err)
	}
	if resp.Err == nil || resp.Err.Code != code {
		t.Fatalf("error = %+v, want code %q", resp.Err, code)
	}
}

func TestDispatchHappyPath(t *testing.T) {
	e := newRouterEnv(t)
	e.build(t, ratelimit.Limits{}, e.countingDef("echo.write", identity.ScopeSettingsWrite, true))
	secret, _ := e.seedCredential(t, true, identity.ScopeSettingsWrite)

	resp := e.do(Request{Credential: secret, Action: "echo.write", Params: map[string]any{"v": 1}, SourceIP: "10.0.0.1"})
	if resp.Status != StatusAllowed {
		t.Fatalf("status = %q, err = %+v", resp.Status, resp.Err)
	}
	if resp.RequestID == "" {
		t.Fatal("request id not generated")
	}
	if resp.Replayed {
		t.Fatal("fresh request marked replayed")
	}

	resp = e.do(Request{Credential: secret, Action: "echo.write", RequestID: "req-123"})
	if resp.RequestID != "req-123" {
		t.Fatalf("request id not echoed: %q", resp.RequestID)
	}
}

func TestDispatchRejectsBadCredentials(t *testing.T) {
	e := newRouterEnv(t)
	e.build(t, ratelimit.Limits{}, e.countingDef("echo.write", identity.ScopeSettingsWrite, true))
	secret, _ := e.seedCredential(t, true, identity.ScopeSettingsWrite)

	for _, cred := range []string{"", "nonsense", "ak_deadbeefdeadbeef"} {
		resp := e.do(Request{Credential: cred, Action: "echo.write"})
		wantCode(t, resp, StatusDenied, CodeInvalidAPIKey)
	}

	// A tenant hint contradicting the credential reads exactly like a bad
	// credential.
	resp := e.do(Request{Credential: secret, TenantHint: "someone-else", Action: "echo.write"})
	wantCode(t, resp, StatusDenied, CodeInvalidAPIKey)
}

func TestDispatchUnknownAction(t *testing.T) {
	e := newRouterEnv(t)
	e.build(t, ratelimit.Limits{}, e.countingDef("echo.write", identity.ScopeSettingsWrite, true))
	secret, _ := e.seedCredential(t, true, identity.ScopeSettingsWrite)

	resp := e.do(Request{Credential: secret, Action: "echo.missing"})
	wantCode(t, resp, StatusError, CodeNotFound)
}

func TestUnverifiedTenantScopeMasking(t *testing.T) {
	e := newRouterEnv(t)
	e.build(t, ratelimit.Limits{},
		e.countingDef("echo.write", identity.ScopeSettingsWrite, true),
		e.countingDef("echo.read", identity.ScopeSettingsRead, false))
	// Declared scopes include the write scope; the unverified state masks it.
	secret, _ := e.seedCredential(t, false, identity.ScopeSettingsWrite, identity.ScopeSettingsRead)

	resp := e.do(Request{Credential: secret, Action: "echo.write"})
	wantCode(t, resp, StatusDenied, CodeScopeDenied)
	if resp.Err.Detail["missing_scope"] != "settings:write" {
		t.Fatalf("missing_scope detail = %v", resp.Err.Detail)
	}

	resp = e.do(Request{Credential: secret, Action: "echo.read"})
	if resp.Status != StatusAllowed {
		t.Fatalf("read within minimal set should pass, got %+v", resp.Err)
	}
}

// The signup walk: unverified key is refused a write, verification through
// the token action flips the tenant, and the very same key then succeeds.
// Every attempt lands in the audit trail.
func TestVerificationScenario(t *testing.T) {
	e := newRouterEnv(t)
	verifier := identity.NewVerifier(e.ids, 24*time.Hour)
	verifyDef := ActionDef{
		Name:          "echo.verify",
		RequiredScope: identity.ScopeIAMVerify,
		SideEffecting: true,
		Handler: func(ctx context.Context, hc *HandlerContext, params map[string]any) (map[string]any, error) {
			raw, _ := params["token"].(string)
			if err := verifier.Redeem(ctx, hc.Tenant.ID, raw); err != nil {
				return nil, ErrInvalidVerificationToken()
			}
			return map[string]any{"tenant_id": hc.Tenant.ID, "verified": true}, nil
		},
	}
	e.build(t, ratelimit.Limits{},
		e.countingDef("echo.write", identity.ScopeSettingsWrite, true),
		verifyDef)
	secret, tenantID := e.seedCredential(t, false,
		identity.ScopeSettingsWrite, identity.ScopeIAMVerify)

	resp := e.do(Request{Credential: secret, Action: "echo.write"})
	wantCode(t, resp, StatusDenied, CodeScopeDenied)

	token, err := verifier.Issue(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	resp = e.do(Request{Credential: secret, Action: "echo.verify", Params: map[string]any{"token": token}})
	if resp.Status != StatusAllowed {
		t.Fatalf("verify failed: %+v", resp.Err)
	}

	// Monotone: the untouched credential now carries the write scope.
	resp = e.do(Request{Credential: secret, Action: "echo.write"})
	if resp.Status != StatusAllowed {
		t.Fatalf("post-verification write failed: %+v", resp.Err)
	}

	entries := e.flushedEntries(t, audit.Filter{TenantID: tenantID})
	if len(entries) != 3 {
		t.Fatalf("expected 3 audit entries, got %d", len(entries))
	}
	// Newest first.
	if entries[2].Outcome != StatusDenied || entries[2].Code != CodeScopeDenied {
		t.Fatalf("first attempt audit wrong: %+v", entries[2])
	}
	if entries[0].Outcome != StatusAllowed || entries[0].Action != "echo.write" {
		t.Fatalf("last attempt audit wrong: %+v", entries[0])
	}

	sum, err := e.sink.UsageSummary(context.Background(), tenantID, time.Time{})
	if err != nil {
		t.Fatalf("usage: %v", err)
	}
	if sum.Total != 3 || sum.ByOutcome[StatusDenied] != 1 || sum.ByOutcome[StatusAllowed] != 2 {
		t.Fatalf("usage summary: %+v", sum)
	}
}

func TestIdempotentReplayAndConflict(t *testing.T) {
	e := newRouterEnv(t)
	e.build(t, ratelimit.Limits{}, e.countingDef("echo.write", identity.ScopeSettingsWrite, true))
	secret, _ := e.seedCredential(t, true, identity.ScopeSettingsWrite)

	params := map[string]any{"name": "first"}
	first := e.do(Request{Credential: secret, Action: "echo.write", IdempotencyKey: "abc", Params: params})
	if first.Status != StatusAllowed || first.Replayed {
		t.Fatalf("first call: %+v", first)
	}

	second := e.do(Request{Credential: secret, Action: "echo.write", IdempotencyKey: "abc", Params: params})
	if second.Status != StatusAllowed || !second.Replayed {
		t.Fatalf("replay not served from cache: %+v", second)
	}
	jsonEq(t, first.Data, second.Data)
	if e.calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", e.calls.Load())
	}

	conflict := e.do(Request{Credential: secret, Action: "echo.write", IdempotencyKey: "abc",
		Params: map[string]any{"name": "changed"}})
	wantCode(t, conflict, StatusDenied, CodeIdempotencyConflict)
}

func TestReplayBypassesQuota(t *testing.T) {
	e := newRouterEnv(t)
	limits := ratelimit.Limits{APIKey: []ratelimit.Window{
		{Name: "burst_5m", Duration: 5 * time.Minute, Limit: 1},
	}}
	e.build(t, limits, e.countingDef("echo.write", identity.ScopeSettingsWrite, true))
	secret, _ := e.seedCredential(t, true, identity.ScopeSettingsWrite)

	params := map[string]any{"n": 1}
	first := e.do(Request{Credential: secret, Action: "echo.write", IdempotencyKey: "only", Params: params})
	if first.Status != StatusAllowed {
		t.Fatalf("first call: %+v", first.Err)
	}

	// Quota is exhausted, but the replay never reaches the limiter.
	replay := e.do(Request{Credential: secret, Action: "echo.write", IdempotencyKey: "only", Params: params})
	if replay.Status != StatusAllowed || !replay.Replayed {
		t.Fatalf("replay should bypass the exhausted limit: %+v", replay.Err)
	}

	fresh := e.do(Request{Credential: secret, Action: "echo.write", IdempotencyKey: "new", Params: params})
	wantCode(t, fresh, StatusDenied, CodeRateLimited)
}

func TestRateLimitExactlyOneRejection(t *testing.T) {
	e := newRouterEnv(t)
	limits := ratelimit.Limits{APIKey: []ratelimit.Window{
		{Name: "burst_5m", Duration: 5 * time.Minute, Limit: 3},
	}}
	e.build(t, limits, e.countingDef("echo.read", identity.ScopeSettingsRead, false))
	secret, _ := e.seedCredential(t, true, identity.ScopeSettingsRead)

	var rejected int
	for i := 0; i < 4; i++ {
		resp := e.do(Request{Credential: secret, Action: "echo.read"})
		if resp.Status == StatusDenied {
			rejected++
			if i != 3 {
				t.Fatalf("rejection at request %d, want only at 4th", i+1)
			}
			if resp.Err.Code != CodeRateLimited {
				t.Fatalf("code = %q", resp.Err.Code)
			}
			if resp.Err.Detail["dimension"] != string(ratelimit.DimAPIKey) {
				t.Fatalf("dimension detail = %v", resp.Err.Detail)
			}
			if resp.Err.RetryAfter <= 0 {
				t.Fatal("retry-after hint missing")
			}
		}
	}
	if rejected != 1 {
		t.Fatalf("rejections = %d, want exactly 1", rejected)
	}

	e.now = e.now.Add(5*time.Minute + time.Second)
	resp := e.do(Request{Credential: secret, Action: "echo.read"})
	if resp.Status != StatusAllowed {
		t.Fatalf("window did not reset: %+v", resp.Err)
	}
}

func TestCeilingBeatsTierConfiguration(t *testing.T) {
	e := newRouterEnv(t)
	generous := ratelimit.Limits{APIKey: ratelimit.Windows(1_000_000, 1_000_000, 1_000_000)}
	e.build(t, generous, e.countingDef("echo.read", identity.ScopeSettingsRead, false))
	secret, _ := e.seedCredential(t, true, identity.ScopeSettingsRead)

	for i := 0; i < int(ratelimit.CeilingAPIKeyPerSecond); i++ {
		resp := e.do(Request{Credential: secret, Action: "echo.read"})
		if resp.Status != StatusAllowed {
			t.Fatalf("request %d under ceiling denied: %+v", i+1, resp.Err)
		}
	}
	resp := e.do(Request{Credential: secret, Action: "echo.read"})
	wantCode(t, resp, StatusDenied, CodeCeilingExceeded)

	e.now = e.now.Add(time.Second)
	resp = e.do(Request{Credential: secret, Action: "echo.read"})
	if resp.Status != StatusAllowed {
		t.Fatalf("ceiling did not reset next second: %+v", resp.Err)
	}
}

func TestConcurrentIdenticalKeysExecuteOnce(t *testing.T) {
	e := newRouterEnv(t)
	slow := ActionDef{
		Name:          "echo.write",
		RequiredScope: identity.ScopeSettingsWrite,
		SideEffecting: true,
		Handler: func(ctx context.Context, hc *HandlerContext, params map[string]any) (map[string]any, error) {
			time.Sleep(30 * time.Millisecond)
			return map[string]any{"call": e.calls.Add(1)}, nil
		},
	}
	e.build(t, ratelimit.Limits{}, slow)
	secret, _ := e.seedCredential(t, true, identity.ScopeSettingsWrite)

	var wg sync.WaitGroup
	results := make([]Response, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = e.do(Request{Credential: secret, Action: "echo.write",
				IdempotencyKey: "abc", Params: map[string]any{"n": 1}})
		}(i)
	}
	wg.Wait()

	if e.calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", e.calls.Load())
	}
	for i, r := range results {
		if r.Status != StatusAllowed {
			t.Fatalf("caller %d failed: %+v", i, r.Err)
		}
	}
	jsonEq(t, results[0].Data, results[1].Data)
	if results[0].Replayed == results[1].Replayed {
		t.Fatalf("exactly one caller should be served from cache: %v %v",
			results[0].Replayed, results[1].Replayed)
	}
}

func TestDryRunSkipsSideEffectsAndReservation(t *testing.T) {
	e := newRouterEnv(t)
	e.build(t, ratelimit.Limits{}, e.countingDef("echo.write", identity.ScopeSettingsWrite, true))
	secret, _ := e.seedCredential(t, true, identity.ScopeSettingsWrite)

	params := map[string]any{"name": "thing"}
	dry := e.do(Request{Credential: secret, Action: "echo.write", DryRun: true,
		IdempotencyKey: "k1", Params: params})
	if dry.Status != StatusAllowed {
		t.Fatalf("dry run failed: %+v", dry.Err)
	}
	if dry.Data["impact"] == nil {
		t.Fatalf("dry run returned no impact: %v", dry.Data)
	}
	if e.calls.Load() != 0 {
		t.Fatal("dry run executed the side effect")
	}

	// The key was not consumed; the real call still executes.
	real := e.do(Request{Credential: secret, Action: "echo.write",
		IdempotencyKey: "k1", Params: params})
	if real.Status != StatusAllowed || real.Replayed {
		t.Fatalf("real call after dry run: %+v", real)
	}
	if e.calls.Load() != 1 {
		t.Fatalf("handler ran %d times, want 1", e.calls.Load())
	}
}

func TestDryRunUnsupported(t *testing.T) {
	e := newRouterEnv(t)
	def := ActionDef{
		Name:          "echo.write",
		RequiredScope: identity.ScopeSettingsWrite,
		SideEffecting: true,
		Handler:       noopHandler,
	}
	e.build(t, ratelimit.Limits{}, def)
	secret, _ := e.seedCredential(t, true, identity.ScopeSettingsWrite)

	resp := e.do(Request{Credential: secret, Action: "echo.write", DryRun: true})
	wantCode(t, resp, StatusError, CodeValidationError)
}

func TestSchemaViolationRejected(t *testing.T) {
	e := newRouterEnv(t)
	def := e.countingDef("echo.write", identity.ScopeSettingsWrite, true)
	def.InputSchema = map[string]any{
		"type":       "object",
		"required":   []string{"name"},
		"properties": map[string]any{"name": map[string]any{"type": "string"}},
	}
	e.build(t, ratelimit.Limits{}, def)
	secret, _ := e.seedCredential(t, true, identity.ScopeSettingsWrite)

	resp := e.do(Request{Credential: secret, Action: "echo.write", Params: map[string]any{"name": 7}})
	wantCode(t, resp, StatusError, CodeValidationError)
	if e.calls.Load() != 0 {
		t.Fatal("handler ran on invalid input")
	}
}

func TestGuardBlocksSideEffectingOnly(t *testing.T) {
	e := newRouterEnv(t)
	e.build(t, ratelimit.Limits{},
		e.countingDef("echo.write", identity.ScopeSettingsWrite, true),
		e.countingDef("echo.read", identity.ScopeSettingsRead, false))
	const deny = "package guard\n\ndefault decide = {\"allow\": false, \"reasons\": [\"frozen\"]}\n"
	e.router.guard = guard.NewEvaluator(func(ctx context.Context, tenantID string) (string, error) {
		return deny, nil
	}, nil)
	secret, _ := e.seedCredential(t, true, identity.ScopeSettingsWrite, identity.ScopeSettingsRead)

	resp := e.do(Request{Credential: secret, Action: "echo.write"})
	wantCode(t, resp, StatusDenied, CodePolicyBlocked)
	reasons, _ := resp.Err.Detail["reasons"].([]string)
	if len(reasons) != 1 || reasons[0] != "frozen" {
		t.Fatalf("reasons detail = %v", resp.Err.Detail)
	}

	// Reads never consult the guard.
	resp = e.do(Request{Credential: secret, Action: "echo.read"})
	if resp.Status != StatusAllowed {
		t.Fatalf("read blocked by guard: %+v", resp.Err)
	}
}

func TestHandlerTimeoutKeepsReservation(t *testing.T) {
	e := newRouterEnv(t)
	stuck := ActionDef{
		Name:          "echo.write",
		RequiredScope: identity.ScopeSettingsWrite,
		SideEffecting: true,
		Handler: func(ctx context.Context, hc *HandlerContext, params map[string]any) (map[string]any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	e.build(t, ratelimit.Limits{}, stuck)
	secret, _ := e.seedCredential(t, true, identity.ScopeSettingsWrite)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	resp := e.router.Dispatch(ctx, Request{Credential: secret, Action: "echo.write",
		IdempotencyKey: "abc", Params: map[string]any{"n": 1}})
	wantCode(t, resp, StatusError, CodeTimeout)

	// The handler may still be running, so the reservation stays and an
	// immediate twin is told the request is in flight.
	twin := e.do(Request{Credential: secret, Action: "echo.write",
		IdempotencyKey: "abc", Params: map[string]any{"n": 1}})
	wantCode(t, twin, StatusDenied, CodeIdempotencyInFlight)
}

func TestHandlerFailureReleasesReservation(t *testing.T) {
	e := newRouterEnv(t)
	var failOnce atomic.Bool
	failOnce.Store(true)
	flaky := ActionDef{
		Name:          "echo.write",
		RequiredScope: identity.ScopeSettingsWrite,
		SideEffecting: true,
		Handler: func(ctx context.Context, hc *HandlerContext, params map[string]any) (map[string]any, error) {
			if failOnce.Swap(false) {
				return nil, errors.New("backend hiccup")
			}
			return map[string]any{"call": e.calls.Add(1)}, nil
		},
	}
	e.build(t, ratelimit.Limits{}, flaky)
	secret, _ := e.seedCredential(t, true, identity.ScopeSettingsWrite)

	params := map[string]any{"n": 1}
	first := e.do(Request{Credential: secret, Action: "echo.write", IdempotencyKey: "abc", Params: params})
	wantCode(t, first, StatusError, CodeInternal)
	if first.Err.Message != "internal error" {
		t.Fatalf("internal cause leaked: %q", first.Err.Message)
	}

	retry := e.do(Request{Credential: secret, Action: "echo.write", IdempotencyKey: "abc", Params: params})
	if retry.Status != StatusAllowed || retry.Replayed {
		t.Fatalf("retry after failure: %+v", retry)
	}
}

func TestHandlerKernelErrorKeepsKind(t *testing.T) {
	e := newRouterEnv(t)
	def := ActionDef{
		Name:          "echo.verify",
		RequiredScope: identity.ScopeIAMVerify,
		SideEffecting: true,
		Handler: func(ctx context.Context, hc *HandlerContext, params map[string]any) (map[string]any, error) {
			return nil, ErrInvalidVerificationToken()
		},
	}
	e.build(t, ratelimit.Limits{}, def)
	secret, _ := e.seedCredential(t, true, identity.ScopeIAMVerify)

	resp := e.do(Request{Credential: secret, Action: "echo.verify"})
	wantCode(t, resp, StatusDenied, CodeInvalidVerificationToken)
}

func TestUnauthenticatedAttemptsAreAudited(t *testing.T) {
	e := newRouterEnv(t)
	e.build(t, ratelimit.Limits{}, e.countingDef("echo.read", identity.ScopeSettingsRead, false))

	e.do(Request{Credential: "ak_nosuchkey00", Action: "echo.read", SourceIP: "203.0.113.9"})
	entries := e.flushedEntries(t, audit.Filter{Action: "echo.read"})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	en := entries[0]
	if en.TenantID != "" || en.Code != CodeInvalidAPIKey || en.SourceIP != "203.0.113.9" {
		t.Fatalf("unexpected entry: %+v", en)
	}
}

func TestAuditRedaction(t *testing.T) {
	e := newRouterEnv(t)
	e.build(t, ratelimit.Limits{}, e.countingDef("echo.write", identity.ScopeSettingsWrite, true))
	secret, tenantID := e.seedCredential(t, true, identity.ScopeSettingsWrite)

	e.do(Request{Credential: secret, Action: "echo.write",
		Params: map[string]any{"password": "hunter2", "name": "x"}})
	entries := e.flushedEntries(t, audit.Filter{TenantID: tenantID})
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	en := entries[0]
	if len(en.ParamKeys) != 2 || en.ParamKeys[0] != "name" || en.ParamKeys[1] != "password" {
		t.Fatalf("param keys = %v", en.ParamKeys)
	}
	if len(en.PayloadHash) != 64 {
		t.Fatalf("payload hash = %q", en.PayloadHash)
	}
	// Raw values never reach the trail.
	raw, _ := json.Marshal(en)
	if strings.Contains(string(raw), "hunter2") {
		t.Fatalf("param value leaked into audit entry: %s", raw)
	}
}
