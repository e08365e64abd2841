// Package guard evaluates per-tenant Rego policies ahead of side-effecting
// actions. Evaluation failure of any sort blocks the request; only a tenant
// with no installed module skips the check entirely.
package guard

import (
	"context"

	"github.com/open-policy-agent/opa/rego"
	"go.uber.org/zap"
)

// Source returns the tenant's installed policy module, or "" when none is set.
type Source func(ctx context.Context, tenantID string) (string, error)

type Evaluator struct {
	source Source
	log    *zap.SugaredLogger
}

func NewEvaluator(source Source, log *zap.SugaredLogger) *Evaluator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Evaluator{source: source, log: log}
}

// Allow queries data.guard.decide with the pending action. The module may
// return a bare boolean or an object {"allow": bool, "reasons": [...]}.
func (e *Evaluator) Allow(ctx context.Context, tenantID, action string, params map[string]any, scopes []string) (bool, []string) {
	src, err := e.source(ctx, tenantID)
	if err != nil {
		e.log.Warnw("guard source lookup failed", "tenant", tenantID, "err", err)
		return false, []string{"policy_error"}
	}
	if src == "" {
		return true, nil
	}
	r := rego.New(
		rego.Query("data.guard.decide"),
		rego.Module("guard.rego", src),
		rego.Input(map[string]any{
			"action": action,
			"params": params,
			"tenant": tenantID,
			"scopes": scopes,
		}),
	)
	rs, err := r.Eval(ctx)
	if err != nil || len(rs) == 0 || len(rs[0].Expressions) == 0 {
		e.log.Warnw("guard evaluation failed", "tenant", tenantID, "action", action, "err", err)
		return false, []string{"policy_error"}
	}
	switch out := rs[0].Expressions[0].Value.(type) {
	case bool:
		if out {
			return true, nil
		}
		return false, []string{"blocked_by_policy"}
	case map[string]any:
		if allow, _ := out["allow"].(bool); allow {
			return true, nil
		}
		if reasons := reasonStrings(out["reasons"]); len(reasons) > 0 {
			return false, reasons
		}
		return false, []string{"blocked_by_policy"}
	default:
		return false, []string{"policy_error"}
	}
}

// Compile rejects modules that do not parse or compile. Called before a
// tenant's module is stored so broken policies never reach the request path.
func Compile(ctx context.Context, src string) error {
	_, err := rego.New(
		rego.Query("data.guard.decide"),
		rego.Module("guard.rego", src),
	).PrepareForEval(ctx)
	return err
}

func reasonStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
