// Package gate evaluates step guards. Evaluation is a pure function of the
// guard and an immutable per-instance context, so predicates can be tested
// without running anything.
package gate

import (
	"path"

	"github.com/gantry-labs/gantry-go/internal/domain"
)

// Context carries everything a guard may inspect. It is built once per job
// instance and never mutated during execution.
type Context struct {
	Event  domain.EventKind
	Ref    string
	Params map[string]string
}

func NewContext(event domain.TriggerEvent, binding domain.Binding) Context {
	return Context{
		Event:  event.Kind,
		Ref:    event.Ref,
		Params: binding.Map(),
	}
}

// Decision explains why a guard passed or failed.
type Decision struct {
	Allowed bool
	Reason  string
}

const (
	ReasonAllowed       = "allowed"
	ReasonEventMismatch = "event_mismatch"
	ReasonRefMismatch   = "ref_mismatch"
	ReasonParamMismatch = "param_mismatch"
)

// Evaluate reports whether every present clause of the guard holds.
func Evaluate(guard domain.Guard, ctx Context) bool {
	return Decide(guard, ctx).Allowed
}

// Decide evaluates the guard clause by clause. Clauses combine with AND; an
// absent clause always holds. Ref patterns match the fully qualified ref
// with path-style globbing.
func Decide(guard domain.Guard, ctx Context) Decision {
	if guard.Event != "" && guard.Event != ctx.Event {
		return Decision{Reason: ReasonEventMismatch}
	}
	if guard.Ref != "" {
		ok, err := path.Match(guard.Ref, ctx.Ref)
		if err != nil || !ok {
			return Decision{Reason: ReasonRefMismatch}
		}
	}
	for name, want := range guard.Matrix {
		if ctx.Params[name] != want {
			return Decision{Reason: ReasonParamMismatch + ":" + name}
		}
	}
	return Decision{Allowed: true, Reason: ReasonAllowed}
}
