// Package kernel is the action dispatch core: one authenticated entry point
// through which every pack action is resolved, quota-checked, deduplicated,
// validated, executed and audited.
package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"actionplane/internal/audit"
	"actionplane/internal/guard"
	"actionplane/internal/idempotency"
	"actionplane/internal/identity"
	"actionplane/internal/ratelimit"
)

// storageRetryMax bounds transient storage retries. Only reads are retried;
// a handler, once invoked, is never re-invoked, and counter increments are
// never replayed (a phantom increment is worse than a spurious rejection).
const storageRetryMax = 3

// Deps wires a Router. Guard and Audit may be nil (no tenant policies, no
// audit trail); everything else is required.
type Deps struct {
	Log         *zap.SugaredLogger
	Registry    *Registry
	Resolver    *identity.Resolver
	Idempotency *idempotency.Store
	Limiter     *ratelimit.Limiter
	Ceilings    *ratelimit.CeilingEnforcer
	Guard       *guard.Evaluator
	Audit       *audit.Writer

	// TierLimits maps a tenant tier onto its window table.
	TierLimits func(tier string) ratelimit.Limits
	// Timeout bounds the whole dispatch including the handler. Zero means
	// the caller's context deadline alone applies.
	Timeout time.Duration
}

type Router struct {
	log      *zap.SugaredLogger
	registry *Registry
	resolver *identity.Resolver
	idem     *idempotency.Store
	limiter  *ratelimit.Limiter
	ceilings *ratelimit.CeilingEnforcer
	guard    *guard.Evaluator
	auditw   *audit.Writer

	tierLimits func(tier string) ratelimit.Limits
	timeout    time.Duration
}

func NewRouter(d Deps) *Router {
	log := d.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	tl := d.TierLimits
	if tl == nil {
		tl = func(string) ratelimit.Limits { return ratelimit.Limits{} }
	}
	return &Router{
		log:        log,
		registry:   d.Registry,
		resolver:   d.Resolver,
		idem:       d.Idempotency,
		limiter:    d.Limiter,
		ceilings:   d.Ceilings,
		guard:      d.Guard,
		auditw:     d.Audit,
		tierLimits: tl,
		timeout:    d.Timeout,
	}
}

// dispatch carries one request's state through the pipeline.
type dispatch struct {
	req       Request
	requestID string
	start     time.Time
	fp        string
	id        *identity.Identity
	act       *RegisteredAction
}

// Dispatch runs the full pipeline for one request. Every outcome, success
// or failure, produces an audit entry; nothing unstructured escapes.
func (r *Router) Dispatch(ctx context.Context, req Request) Response {
	d := &dispatch{
		req:       req,
		requestID: req.RequestID,
		start:     time.Now(),
		fp:        Fingerprint(req.Action, req.Params),
	}
	if d.requestID == "" {
		d.requestID = uuid.NewString()
	}
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	id, err := r.resolve(ctx, req.Credential)
	if err != nil {
		if errors.Is(err, identity.ErrUnauthenticated) {
			return r.fail(d, ErrUnauthenticated())
		}
		return r.fail(d, mapStorageErr(err))
	}
	d.id = id
	// A tenant hint that contradicts the credential is treated exactly like
	// a bad credential so callers cannot probe tenant ownership.
	if req.TenantHint != "" && req.TenantHint != id.Tenant.ID {
		return r.fail(d, ErrUnauthenticated())
	}

	act, ok := r.registry.Lookup(req.Action)
	if !ok {
		return r.fail(d, ErrUnknownAction(req.Action))
	}
	d.act = act

	if act.RequiredScope != "" && !identity.HasScope(id.Scopes, act.RequiredScope) {
		return r.fail(d, ErrForbidden(string(act.RequiredScope)))
	}
	if req.DryRun && !act.SupportsDryRun {
		return r.fail(d, ErrInvalidInput("action does not support dry_run"))
	}

	// Replay pre-check before any quota accounting: a completed identical
	// request is served from cache without consuming quota twice.
	dedup := act.SideEffecting && req.IdempotencyKey != ""
	if dedup {
		res, err := r.idemCheck(ctx, id.Tenant.ID, req.IdempotencyKey, d.fp)
		if err != nil {
			return r.fail(d, mapStorageErr(err))
		}
		if res.Outcome == idempotency.InFlight {
			res, err = r.idem.Await(ctx, id.Tenant.ID, req.IdempotencyKey, d.fp)
			if err != nil {
				return r.fail(d, mapStorageErr(err))
			}
		}
		if resp, done := r.settleIdempotency(d, res); done {
			return resp
		}
	}

	ceil, err := r.ceilings.Check(ctx, id.Credential.ID, id.Tenant.ID)
	if err != nil {
		return r.fail(d, mapStorageErr(err))
	}
	if !ceil.Allowed {
		r.log.Errorw("ceiling exceeded",
			"request_id", d.requestID, "tenant", id.Tenant.ID, "dimension", ceil.Dimension, "count", ceil.Count)
		return r.fail(d, ErrCeilingExceeded(ceil.RetryAfter))
	}

	limit, err := r.limiter.Allow(ctx, id.Credential.ID, id.Tenant.ID, req.SourceIP, r.tierLimits(id.Tenant.Tier))
	if err != nil {
		return r.fail(d, mapStorageErr(err))
	}
	if !limit.Allowed {
		r.log.Infow("rate limited",
			"request_id", d.requestID, "tenant", id.Tenant.ID, "dimension", limit.Dimension, "window", limit.Window)
		return r.fail(d, ErrRateLimited(string(limit.Dimension), limit.Window, limit.RetryAfter))
	}

	if err := act.ValidateInput(req.Params); err != nil {
		if ke, ok := AsError(err); ok {
			return r.fail(d, ke)
		}
		return r.fail(d, ErrInternal(err))
	}

	if act.SideEffecting && r.guard != nil {
		scopes := identity.ScopeStrings(id.Scopes)
		if ok, reasons := r.guard.Allow(ctx, id.Tenant.ID, req.Action, req.Params, scopes); !ok {
			return r.fail(d, ErrPolicyBlocked(reasons))
		}
	}

	// Dry runs never reserve or complete: they have no side effects to
	// deduplicate, and must not block a later real call on the same key.
	reserved := false
	if dedup && !req.DryRun {
		res, err := r.idem.Reserve(ctx, id.Tenant.ID, req.IdempotencyKey, d.fp)
		if err != nil {
			return r.fail(d, mapStorageErr(err))
		}
		if res.Outcome == idempotency.Miss {
			reserved = true
		} else if resp, done := r.settleIdempotency(d, res); done {
			return resp
		}
	}

	hc := &HandlerContext{
		Tenant:     id.Tenant,
		Credential: id.Credential,
		Scopes:     id.Scopes,
		DryRun:     req.DryRun,
		RequestID:  d.requestID,
		SourceIP:   req.SourceIP,
	}
	data, err := act.Handler(ctx, hc, req.Params)
	if err != nil {
		ke := mapHandlerErr(err)
		// A timed-out handler may still be running, so its reservation is
		// left to expire instead of being reopened for a concurrent twin.
		if reserved && ke.Kind != KindTimeout {
			if rerr := r.idem.Release(ctx, id.Tenant.ID, req.IdempotencyKey); rerr != nil {
				r.log.Errorw("idempotency release failed", "request_id", d.requestID, "err", rerr)
			}
		}
		return r.fail(d, ke)
	}

	if reserved {
		raw, merr := json.Marshal(data)
		if merr != nil {
			r.log.Errorw("idempotency record marshal failed", "request_id", d.requestID, "err", merr)
		} else if cerr := r.idem.Complete(ctx, id.Tenant.ID, req.IdempotencyKey, d.fp, StatusAllowed, raw); cerr != nil {
			// The handler already ran; a lost record only costs dedup for
			// this key, it must not turn success into failure.
			r.log.Errorw("idempotency complete failed", "request_id", d.requestID, "err", cerr)
		}
	}

	r.audit(d, StatusAllowed, "", "")
	return Response{Status: StatusAllowed, RequestID: d.requestID, Data: data}
}

// settleIdempotency turns a non-miss store result into its response. The
// second return is false for Miss, meaning the pipeline continues.
func (r *Router) settleIdempotency(d *dispatch, res idempotency.Result) (Response, bool) {
	switch res.Outcome {
	case idempotency.Hit:
		var data map[string]any
		if len(res.Data) > 0 {
			if err := json.Unmarshal(res.Data, &data); err != nil {
				return r.fail(d, ErrInternal(err)), true
			}
		}
		status := res.Status
		if status == "" {
			status = StatusAllowed
		}
		r.audit(d, status, CodeIdempotentReplay, "served from idempotency cache")
		return Response{Status: status, RequestID: d.requestID, Data: data, Replayed: true}, true
	case idempotency.Conflict:
		return r.fail(d, ErrIdempotencyConflict()), true
	case idempotency.InFlight:
		return r.fail(d, ErrIdempotencyInFlight()), true
	default:
		return Response{}, false
	}
}

// resolve authenticates with bounded retries on transient storage errors.
// Credential rejections are permanent and never retried.
func (r *Router) resolve(ctx context.Context, credential string) (*identity.Identity, error) {
	var id *identity.Identity
	op := func() error {
		var err error
		id, err = r.resolver.Resolve(ctx, credential)
		if errors.Is(err, identity.ErrUnauthenticated) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, r.retryPolicy(ctx)); err != nil {
		return nil, err
	}
	return id, nil
}

// idemCheck retries the read-only pre-check. Reserve is deliberately not
// retried: an errored SetNX may have applied, and retrying it could make
// the caller wait on its own reservation.
func (r *Router) idemCheck(ctx context.Context, tenant, key, fp string) (idempotency.Result, error) {
	var res idempotency.Result
	op := func() error {
		var err error
		res, err = r.idem.Check(ctx, tenant, key, fp)
		return err
	}
	err := backoff.Retry(op, r.retryPolicy(ctx))
	return res, err
}

func (r *Router) retryPolicy(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 20 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	return backoff.WithContext(backoff.WithMaxRetries(bo, storageRetryMax), ctx)
}

func (r *Router) fail(d *dispatch, ke *Error) Response {
	if ke.Kind == KindInternal && ke.cause != nil {
		r.log.Errorw("dispatch failed",
			"request_id", d.requestID, "action", d.req.Action, "err", ke.cause)
	}
	r.audit(d, ke.Status(), ke.Code, ke.Message)
	return Response{Status: ke.Status(), RequestID: d.requestID, Err: ke}
}

// audit records the attempt and, for resolved callers, a usage event. The
// writer is fire-and-forget; this never blocks or fails the request.
func (r *Router) audit(d *dispatch, outcome, code, message string) {
	if r.auditw == nil {
		return
	}
	e := audit.Entry{
		ID:             uuid.NewString(),
		Time:           d.start,
		RequestID:      d.requestID,
		ActorType:      audit.ActorAPIKey,
		Action:         d.req.Action,
		Outcome:        outcome,
		Code:           code,
		DryRun:         d.req.DryRun,
		IdempotencyKey: d.req.IdempotencyKey,
		SourceIP:       d.req.SourceIP,
		PayloadHash:    audit.HashPayload(d.req.Params),
		ParamKeys:      audit.ParamKeys(d.req.Params),
		DurationMs:     time.Since(d.start).Milliseconds(),
		Message:        message,
	}
	if d.id != nil {
		e.TenantID = d.id.Tenant.ID
		e.ActorID = d.id.Credential.ID
	}
	r.auditw.Record(e)
	if d.id != nil {
		r.auditw.RecordUsage(audit.UsageEvent{
			TenantID:   e.TenantID,
			Action:     d.req.Action,
			Outcome:    outcome,
			Time:       d.start,
			DurationMs: e.DurationMs,
		})
	}
}

func mapHandlerErr(err error) *Error {
	if ke, ok := AsError(err); ok {
		return ke
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout()
	}
	return ErrInternal(err)
}

func mapStorageErr(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout()
	}
	return ErrInternal(err)
}
