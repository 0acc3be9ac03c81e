package capnweb

import (
	"context"
)

// CapabilityResolver looks up a capability by its integer ID within a
// session's capability registry, used by Call{} and CapRef{} and by
// Remap{} to resolve an IL plan's captures.
type CapabilityResolver interface {
	Capability(id int64) (RpcTarget, bool)
}

// EvalContext bundles what Evaluate needs to resolve imports,
// dispatch calls, and run nested IL plans. Spec.md §4.3 (C4).
type EvalContext struct {
	Imports      *ImportTable
	Capabilities CapabilityResolver
	Runner       *PlanRunner
	Params       Value
}

// Evaluate reduces a WireExpression to a Value, resolving imports,
// pipelines, calls and nested forms. Grounded in spec.md §4.3 and the
// Rust original's expression-handling narrative; property-path
// walking generalizes the teacher's resolvePipelineReferences/
// traversePath (rpc.go) from a single flat PendingResults map to the
// full import-table/capability-registry model.
func Evaluate(ctx context.Context, expr *WireExpression, ec *EvalContext) (Value, error) {
	if expr == nil {
		return Null(), nil
	}

	switch expr.Kind {
	case ExprNull:
		return Null(), nil
	case ExprBool:
		return Bool(expr.Bool), nil
	case ExprNumber:
		return Number(expr.Number), nil
	case ExprString:
		return String(expr.Str), nil

	case ExprArray:
		items := make([]Value, len(expr.Array))
		for i := range expr.Array {
			v, err := Evaluate(ctx, &expr.Array[i], ec)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Array(items), nil

	case ExprObject:
		fields := make(map[string]Value, len(expr.Object))
		for k, sub := range expr.Object {
			sub := sub
			v, err := Evaluate(ctx, &sub, ec)
			if err != nil {
				return Value{}, err
			}
			fields[k] = v
		}
		return Object(fields), nil

	case ExprError:
		return ErrorValue(&ProtoError{Type: ErrorType(expr.ErrorType), Message: expr.ErrorMessage, Stack: derefStr(expr.ErrorStack)}), nil

	case ExprDate:
		return Date(millisToTime(expr.DateMillis)), nil

	case ExprImport:
		return resolveImport(ctx, expr.ID, ec)

	case ExprCapRef:
		cap, ok := ec.Capabilities.Capability(expr.ID)
		if !ok {
			return Value{}, NewErrorf(ErrNotFound, "unknown capability: %d", expr.ID)
		}
		return StubValue(cap), nil

	case ExprPipeline:
		base, err := resolveImport(ctx, expr.ID, ec)
		if err != nil {
			return Value{}, err
		}
		return evalPathAndCall(ctx, base, expr.Path, expr.Args, ec)

	case ExprCall:
		cap, ok := ec.Capabilities.Capability(expr.ID)
		if !ok {
			return Value{}, NewErrorf(ErrNotFound, "unknown capability: %d", expr.ID)
		}
		return evalPathAndCall(ctx, StubValue(cap), expr.Path, expr.Args, ec)

	case ExprRemap:
		return evalRemap(ctx, expr, ec)

	case ExprExport, ExprPromise:
		// These forms only ever appear embedded inside values produced
		// by this side; receiving one to *evaluate* indicates the peer
		// handed us a reference rather than asking for computation.
		return Value{}, NewErrorf(ErrBadRequest, "expression kind %d is not directly evaluable", expr.Kind)

	default:
		return Value{}, NewErrorf(ErrBadRequest, "unknown expression kind %d", expr.Kind)
	}
}

// resolveImport looks up id in the import table, suspending on a
// pending entry until it resolves, rejects, or ctx is done.
func resolveImport(ctx context.Context, id int64, ec *EvalContext) (Value, error) {
	entry, ok := ec.Imports.Get(id)
	if !ok {
		return Value{}, NewErrorf(ErrNotFound, "unknown import: %d", id)
	}
	v, err := entry.Wait(ctx)
	if err != nil {
		return Value{}, err
	}
	return v, nil
}

// evalPathAndCall implements the shared pipeline/call property-walk
// and terminal-call semantics described in spec.md §4.3: an empty
// path with no args returns the base; a path with no args walks to a
// property; a path with args walks to the penultimate segment and
// invokes the final segment as a method.
func evalPathAndCall(ctx context.Context, base Value, path []PropertyKey, args *WireExpression, ec *EvalContext) (Value, error) {
	if len(path) == 0 {
		if args == nil {
			return base, nil
		}
		return Value{}, NewErrorf(ErrBadRequest, "call requires a non-empty member path")
	}

	current := base
	for i, key := range path {
		last := i == len(path)-1
		if last && args != nil {
			argVal, err := Evaluate(ctx, args, ec)
			if err != nil {
				return Value{}, err
			}
			return callMember(ctx, current, key, spreadArgs(argVal))
		}
		next, err := getProperty(ctx, current, key)
		if err != nil {
			return Value{}, err
		}
		current = next
	}
	return current, nil
}

// spreadArgs implements Open Question decision #2 (DESIGN.md): accept
// both a spread array of positional arguments and a single bare value
// passed as one positional argument.
func spreadArgs(v Value) []Value {
	if v.Kind == VArray {
		return v.Array
	}
	return []Value{v}
}

func getProperty(ctx context.Context, v Value, key PropertyKey) (Value, error) {
	if v.Kind == VStub {
		if key.IsNumber {
			return Value{}, NewErrorf(ErrBadRequest, "cannot index a capability with a numeric key")
		}
		return v.Stub.GetProperty(ctx, key.Str)
	}
	if key.IsNumber {
		if v.Kind != VArray {
			return Value{}, NewErrorf(ErrBadRequest, "cannot traverse numeric key on non-array")
		}
		if key.Num < 0 || key.Num >= len(v.Array) {
			return Value{}, NewErrorf(ErrNotFound, "array index out of bounds: %d", key.Num)
		}
		return v.Array[key.Num], nil
	}
	if v.Kind != VObject {
		return Value{}, NewErrorf(ErrBadRequest, "cannot traverse string key on non-object")
	}
	val, ok := v.Object[key.Str]
	if !ok {
		return Value{}, NewErrorf(ErrNotFound, "property not found: %s", key.Str)
	}
	return val, nil
}

func callMember(ctx context.Context, v Value, key PropertyKey, args []Value) (Value, error) {
	if key.IsNumber {
		return Value{}, NewErrorf(ErrBadRequest, "method name must be a string")
	}
	if v.Kind != VStub {
		return Value{}, NewErrorf(ErrBadRequest, "cannot call method %q on a non-capability value", key.Str)
	}
	return v.Stub.Call(ctx, key.Str, args)
}

func evalRemap(ctx context.Context, expr *WireExpression, ec *EvalContext) (Value, error) {
	if ec.Runner == nil {
		return Value{}, NewErrorf(ErrInternal, "no IL plan runner configured")
	}
	plan, err := PlanFromJSON(expr.RemapPlan)
	if err != nil {
		return Value{}, NewErrorf(ErrBadRequest, "invalid remap plan: %v", err)
	}
	captures := make([]RpcTarget, len(plan.Captures))
	for i, capID := range plan.Captures {
		cap, ok := ec.Capabilities.Capability(capID)
		if !ok {
			return Value{}, NewErrorf(ErrNotFound, "unknown capture capability: %d", capID)
		}
		captures[i] = cap
	}
	return ec.Runner.ExecutePlan(ctx, plan, ec.Params, captures)
}

func derefStr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
