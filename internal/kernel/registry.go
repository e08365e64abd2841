package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"actionplane/internal/identity"
)

// RegisteredAction pairs a definition with its compiled input schema.
type RegisteredAction struct {
	ActionDef
	input *jsonschema.Schema
}

// Registry is the immutable action catalog. Built once at startup, read-only
// afterwards, so request handling needs no synchronization around it.
type Registry struct {
	actions map[string]*RegisteredAction
	packs   []PackInfo
}

// BuildRegistry composes the enabled packs plus the built-in discovery
// action. Name collisions and malformed definitions are startup errors,
// never runtime conditions.
func BuildRegistry(packs ...Pack) (*Registry, error) {
	r := &Registry{actions: map[string]*RegisteredAction{}}
	for _, p := range packs {
		ns := p.Namespace()
		if ns == "" {
			return nil, errors.New("pack with empty namespace")
		}
		r.packs = append(r.packs, p.Describe())
		for _, def := range p.Actions() {
			if err := r.register(ns, def); err != nil {
				return nil, err
			}
		}
	}
	if err := r.register("meta", metaActions(r)); err != nil {
		return nil, err
	}
	r.packs = append(r.packs, PackInfo{Namespace: "meta", Title: "Discovery"})
	return r, nil
}

func (r *Registry) register(ns string, def ActionDef) error {
	if def.Name == "" {
		return fmt.Errorf("pack %s contributes an action with no name", ns)
	}
	if !strings.HasPrefix(def.Name, ns+".") {
		return fmt.Errorf("action %q is outside pack namespace %q", def.Name, ns)
	}
	if def.Handler == nil {
		return fmt.Errorf("action %q has no handler", def.Name)
	}
	if _, dup := r.actions[def.Name]; dup {
		return fmt.Errorf("duplicate action name %q", def.Name)
	}
	reg := &RegisteredAction{ActionDef: def}
	if def.InputSchema != nil {
		raw, err := json.Marshal(def.InputSchema)
		if err != nil {
			return fmt.Errorf("action %q: input schema: %w", def.Name, err)
		}
		sch, err := jsonschema.CompileString(def.Name+".json", string(raw))
		if err != nil {
			return fmt.Errorf("action %q: input schema: %w", def.Name, err)
		}
		reg.input = sch
	}
	r.actions[def.Name] = reg
	return nil
}

func (r *Registry) Lookup(name string) (*RegisteredAction, bool) {
	a, ok := r.actions[name]
	return a, ok
}

// List returns every action's discovery projection, sorted by name.
func (r *Registry) List() []ActionInfo {
	names := make([]string, 0, len(r.actions))
	for n := range r.actions {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]ActionInfo, 0, len(names))
	for _, n := range names {
		a := r.actions[n]
		out = append(out, ActionInfo{
			Name:           a.Name,
			Description:    a.Description,
			RequiredScope:  string(a.RequiredScope),
			InputSchema:    a.InputSchema,
			OutputSchema:   a.OutputSchema,
			SideEffecting:  a.SideEffecting,
			SupportsDryRun: a.SupportsDryRun,
		})
	}
	return out
}

func (r *Registry) Packs() []PackInfo { return r.packs }

// ValidateInput checks params against the declared schema. Params are
// round-tripped through JSON first so the validator sees the same value
// types the wire delivers regardless of how the caller built the map.
func (a *RegisteredAction) ValidateInput(params map[string]any) error {
	if a.input == nil {
		return nil
	}
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return ErrInvalidInput("params are not JSON-serializable")
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ErrInvalidInput("params are not JSON-serializable")
	}
	if err := a.input.Validate(v); err != nil {
		return ErrInvalidInput(schemaErrorMessage(err))
	}
	return nil
}

// schemaErrorMessage flattens a jsonschema validation error to its most
// specific cause, which is the line a caller can actually act on.
func schemaErrorMessage(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	leaf := ve
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	if leaf.InstanceLocation != "" {
		return fmt.Sprintf("params%s: %s", leaf.InstanceLocation, leaf.Message)
	}
	return leaf.Message
}

func metaActions(r *Registry) ActionDef {
	return ActionDef{
		Name:          "meta.actions",
		Description:   "List every registered action with its required scope and schemas.",
		RequiredScope: identity.ScopeMetaRead,
		Handler: func(ctx context.Context, hc *HandlerContext, params map[string]any) (map[string]any, error) {
			return map[string]any{"actions": r.List(), "packs": r.Packs()}, nil
		},
	}
}
