package capnweb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// IL plan runner (C6). Near-1:1 grounded in
// capnweb-core/src/protocol/il_runner.rs (ExecutionContext,
// PlanRunner::execute_plan, PlanBuilder, PlanOptimizer) — the richest
// single grounding source in the pack for this component.

// OpKind identifies which instruction an Op is.
type OpKind int

const (
	OpCall OpKind = iota
	OpObject
	OpArray
)

// SourceKind identifies which instruction input a Source is.
type SourceKind int

const (
	SrcCapture SourceKind = iota
	SrcResult
	SrcParam
	SrcByValue
)

// Source is one operand reference used by an Op: a captured
// capability, a prior op's result, a path into the plan's parameters,
// or an embedded literal.
type Source struct {
	Kind SourceKind

	CaptureIndex uint32
	ResultIndex  uint32
	ParamPath    []string
	Literal      Value
}

func CaptureSource(i uint32) Source   { return Source{Kind: SrcCapture, CaptureIndex: i} }
func ResultSource(i uint32) Source    { return Source{Kind: SrcResult, ResultIndex: i} }
func ParamSource(path ...string) Source { return Source{Kind: SrcParam, ParamPath: path} }
func ByValueSource(v Value) Source    { return Source{Kind: SrcByValue, Literal: v} }

// Op is a single IL instruction.
type Op struct {
	Kind OpKind

	// call
	Target Source
	Member string
	Args   []Source

	// object
	Fields map[string]Source

	// array
	Items []Source

	Result uint32
}

func CallOp(target Source, member string, args []Source, result uint32) Op {
	return Op{Kind: OpCall, Target: target, Member: member, Args: args, Result: result}
}
func ObjectOp(fields map[string]Source, result uint32) Op {
	return Op{Kind: OpObject, Fields: fields, Result: result}
}
func ArrayOp(items []Source, result uint32) Op {
	return Op{Kind: OpArray, Items: items, Result: result}
}

// Plan is a dependency-ordered list of operations with captured
// capability indices and a final result Source. Spec.md §3 "IL Plan".
type Plan struct {
	Captures []int64 // capability IDs captured from the enclosing session
	Ops      []Op
	Result   Source
}

// Validate checks the structural invariants from spec.md §4.5 before
// execution: every Result source refers to an earlier op, result
// indices are unique and below len(Ops), and capture indices are checked at
// execution time against the resolved capture list.
func (p *Plan) Validate() error {
	assigned := make(map[uint32]bool, len(p.Ops))
	for i, op := range p.Ops {
		if int(op.Result) >= len(p.Ops) {
			return fmt.Errorf("capnweb: result index %d at op %d out of range", op.Result, i)
		}
		if assigned[op.Result] {
			return fmt.Errorf("capnweb: duplicate result index %d at op %d", op.Result, i)
		}
		assigned[op.Result] = true
		if err := validateSources(op.sources(), assigned, i); err != nil {
			return err
		}
	}
	if err := validateSources([]Source{p.Result}, assigned, len(p.Ops)); err != nil {
		return err
	}
	return nil
}

func validateSources(sources []Source, assigned map[uint32]bool, opIndex int) error {
	for _, s := range sources {
		if s.Kind == SrcResult && !assigned[s.ResultIndex] {
			return fmt.Errorf("capnweb: op %d references unset result %d", opIndex, s.ResultIndex)
		}
	}
	return nil
}

func (op Op) sources() []Source {
	switch op.Kind {
	case OpCall:
		all := make([]Source, 0, len(op.Args)+1)
		all = append(all, op.Target)
		all = append(all, op.Args...)
		return all
	case OpObject:
		all := make([]Source, 0, len(op.Fields))
		for _, s := range op.Fields {
			all = append(all, s)
		}
		return all
	case OpArray:
		return op.Items
	default:
		return nil
	}
}

// PlanExecutionError is the typed error taxonomy for IL execution
// (spec.md §4.5).
type PlanExecutionError struct {
	Kind string
	msg  string
}

func (e *PlanExecutionError) Error() string { return e.msg }

func planErr(kind, format string, args ...any) *PlanExecutionError {
	return &PlanExecutionError{Kind: kind, msg: "capnweb: " + fmt.Sprintf(format, args...)}
}

// executionContext holds per-execution intermediate state.
type executionContext struct {
	results  []*Value
	params   Value
	captures []RpcTarget
}

func (c *executionContext) setResult(index uint32, v Value) {
	for uint32(len(c.results)) <= index {
		c.results = append(c.results, nil)
	}
	vv := v
	c.results[index] = &vv
}

func (c *executionContext) getSource(s Source) (Value, error) {
	switch s.Kind {
	case SrcCapture:
		if int(s.CaptureIndex) >= len(c.captures) {
			return Value{}, planErr("InvalidCaptureIndex", "invalid capture index: %d", s.CaptureIndex)
		}
		return Object(map[string]Value{"$cap": Number(float64(s.CaptureIndex))}), nil
	case SrcResult:
		if int(s.ResultIndex) >= len(c.results) || c.results[s.ResultIndex] == nil {
			return Value{}, planErr("ResultNotSet", "result not set: %d", s.ResultIndex)
		}
		return *c.results[s.ResultIndex], nil
	case SrcParam:
		return getNestedParam(c.params, s.ParamPath)
	case SrcByValue:
		return s.Literal, nil
	default:
		return Value{}, planErr("ValidationError", "unknown source kind")
	}
}

func getNestedParam(root Value, path []string) (Value, error) {
	current := root
	for _, segment := range path {
		if current.Kind != VObject {
			return Value{}, planErr("ParameterNotObject", "parameter path segment %q traverses a non-object", segment)
		}
		v, ok := current.Object[segment]
		if !ok {
			return Value{}, planErr("ParameterNotFound", "parameter not found: %s", segment)
		}
		current = v
	}
	return current, nil
}

func (c *executionContext) resolveTarget(s Source) (RpcTarget, error) {
	switch s.Kind {
	case SrcCapture:
		if int(s.CaptureIndex) >= len(c.captures) {
			return nil, planErr("InvalidCaptureIndex", "invalid capture index: %d", s.CaptureIndex)
		}
		return c.captures[s.CaptureIndex], nil
	case SrcResult:
		v, err := c.getSource(s)
		if err != nil {
			return nil, err
		}
		if v.Kind == VStub {
			return v.Stub, nil
		}
		if v.Kind == VObject {
			if capRef, ok := v.Object["$cap"]; ok && capRef.Kind == VNumber {
				idx := int(capRef.Number)
				if idx < 0 || idx >= len(c.captures) {
					return nil, planErr("InvalidCaptureIndex", "invalid capture index: %d", idx)
				}
				return c.captures[idx], nil
			}
		}
		return nil, planErr("InvalidTarget", "result is not a capability")
	default:
		return nil, planErr("InvalidTarget", "source cannot be used as a call target")
	}
}

// PlanRunner executes IL plans with bounded operations and a wall
// clock timeout. Spec.md §4.5 (C6).
type PlanRunner struct {
	timeout       time.Duration
	maxOperations int
}

// NewPlanRunner builds a runner with the spec's defaults: 1000 max
// operations, 30s timeout.
func NewPlanRunner() *PlanRunner {
	return &PlanRunner{timeout: 30 * time.Second, maxOperations: 1000}
}

// WithLimits returns a runner configured with custom bounds.
func WithLimits(timeout time.Duration, maxOperations int) *PlanRunner {
	return &PlanRunner{timeout: timeout, maxOperations: maxOperations}
}

// ExecutePlan validates and runs a plan to completion or error.
// Spec.md §4.5/§8 property 6: validated plans never panic, they either
// produce a value or an error from the declared taxonomy.
func (r *PlanRunner) ExecutePlan(ctx context.Context, plan *Plan, parameters Value, captures []RpcTarget) (Value, error) {
	if err := plan.Validate(); err != nil {
		return Value{}, planErr("ValidationError", "%v", err)
	}
	if len(plan.Ops) > r.maxOperations {
		return Value{}, planErr("TooManyOperations", "plan has %d operations, limit is %d", len(plan.Ops), r.maxOperations)
	}
	for _, s := range allCaptureSources(plan) {
		if int(s) >= len(captures) {
			return Value{}, planErr("InvalidCaptureIndex", "invalid capture index: %d", s)
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	ec := &executionContext{params: parameters, captures: captures}

	done := make(chan error, 1)
	go func() {
		for _, op := range plan.Ops {
			v, err := r.executeOp(runCtx, op, ec)
			if err != nil {
				done <- err
				return
			}
			ec.setResult(op.Result, v)
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err != nil {
			return Value{}, err
		}
	case <-runCtx.Done():
		return Value{}, planErr("Timeout", "plan execution timed out")
	}

	return ec.getSource(plan.Result)
}

func allCaptureSources(plan *Plan) []uint32 {
	var out []uint32
	for _, op := range plan.Ops {
		for _, s := range op.sources() {
			if s.Kind == SrcCapture {
				out = append(out, s.CaptureIndex)
			}
		}
	}
	return out
}

func (r *PlanRunner) executeOp(ctx context.Context, op Op, ec *executionContext) (Value, error) {
	switch op.Kind {
	case OpCall:
		target, err := ec.resolveTarget(op.Target)
		if err != nil {
			return Value{}, err
		}
		args := make([]Value, len(op.Args))
		for i, src := range op.Args {
			v, err := ec.getSource(src)
			if err != nil {
				return Value{}, err
			}
			args[i] = v
		}
		v, err := target.Call(ctx, op.Member, args)
		if err != nil {
			return Value{}, planErr("CallFailed", "%v", err)
		}
		return v, nil

	case OpObject:
		fields := make(map[string]Value, len(op.Fields))
		for k, src := range op.Fields {
			v, err := ec.getSource(src)
			if err != nil {
				return Value{}, err
			}
			fields[k] = v
		}
		return Object(fields), nil

	case OpArray:
		items := make([]Value, len(op.Items))
		for i, src := range op.Items {
			v, err := ec.getSource(src)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Array(items), nil

	default:
		return Value{}, planErr("ValidationError", "unknown op kind")
	}
}

// AnalyzePlan is a pure read over plan.ops returning shape statistics,
// supplementing spec.md §4.5's "plan complexity analysis" operation.
type PlanStats struct {
	CallOps      int
	ObjectOps    int
	ArrayOps     int
	MaxWidth     int
	TotalArgs    int
	CaptureCount int
}

func AnalyzePlan(plan *Plan) PlanStats {
	stats := PlanStats{CaptureCount: len(plan.Captures)}
	for _, op := range plan.Ops {
		switch op.Kind {
		case OpCall:
			stats.CallOps++
			stats.TotalArgs += len(op.Args)
			if len(op.Args) > stats.MaxWidth {
				stats.MaxWidth = len(op.Args)
			}
		case OpObject:
			stats.ObjectOps++
			if len(op.Fields) > stats.MaxWidth {
				stats.MaxWidth = len(op.Fields)
			}
		case OpArray:
			stats.ArrayOps++
			if len(op.Items) > stats.MaxWidth {
				stats.MaxWidth = len(op.Items)
			}
		}
	}
	return stats
}

// PlanBuilder assembles a Plan incrementally, grounded in
// il_runner.rs's PlanBuilder.
type PlanBuilder struct {
	captures        []int64
	ops             []Op
	nextResultIndex uint32
}

func NewPlanBuilder() *PlanBuilder { return &PlanBuilder{} }

func (b *PlanBuilder) AddCapture(capID int64) uint32 {
	idx := uint32(len(b.captures))
	b.captures = append(b.captures, capID)
	return idx
}

func (b *PlanBuilder) AddCall(target Source, member string, args []Source) uint32 {
	idx := b.nextResultIndex
	b.nextResultIndex++
	b.ops = append(b.ops, CallOp(target, member, args, idx))
	return idx
}

func (b *PlanBuilder) AddObject(fields map[string]Source) uint32 {
	idx := b.nextResultIndex
	b.nextResultIndex++
	b.ops = append(b.ops, ObjectOp(fields, idx))
	return idx
}

func (b *PlanBuilder) AddArray(items []Source) uint32 {
	idx := b.nextResultIndex
	b.nextResultIndex++
	b.ops = append(b.ops, ArrayOp(items, idx))
	return idx
}

func (b *PlanBuilder) Build(result Source) *Plan {
	return &Plan{Captures: b.captures, Ops: b.ops, Result: result}
}

// --- JSON encoding for the ["remap", plan] wire form ---

type jsonSource struct {
	Kind    string   `json:"kind"`
	Index   uint32   `json:"index,omitempty"`
	Path    []string `json:"path,omitempty"`
	Value   any      `json:"value,omitempty"`
}

type jsonOp struct {
	Kind   string                `json:"kind"`
	Target *jsonSource           `json:"target,omitempty"`
	Member string                `json:"member,omitempty"`
	Args   []jsonSource          `json:"args,omitempty"`
	Fields map[string]jsonSource `json:"fields,omitempty"`
	Items  []jsonSource          `json:"items,omitempty"`
	Result uint32                `json:"result"`
}

type jsonPlan struct {
	Captures []int64    `json:"captures"`
	Ops      []jsonOp   `json:"ops"`
	Result   jsonSource `json:"result"`
}

// PlanFromJSON decodes the opaque ["remap", plan] payload into a Plan.
func PlanFromJSON(raw json.RawMessage) (*Plan, error) {
	var jp jsonPlan
	if err := json.Unmarshal(raw, &jp); err != nil {
		return nil, err
	}
	ops := make([]Op, len(jp.Ops))
	for i, jo := range jp.Ops {
		op, err := jo.toOp()
		if err != nil {
			return nil, err
		}
		ops[i] = op
	}
	result, err := jp.Result.toSource()
	if err != nil {
		return nil, err
	}
	return &Plan{Captures: jp.Captures, Ops: ops, Result: result}, nil
}

// ToJSON encodes a Plan back into its wire-ready representation
// (useful for capabilities that synthesize plans to hand back to a
// peer as a ["remap", plan] value).
func (p *Plan) ToJSON() (json.RawMessage, error) {
	jp := jsonPlan{Captures: p.Captures, Result: sourceToJSON(p.Result)}
	jp.Ops = make([]jsonOp, len(p.Ops))
	for i, op := range p.Ops {
		jp.Ops[i] = opToJSON(op)
	}
	return json.Marshal(jp)
}

func (js jsonSource) toSource() (Source, error) {
	switch js.Kind {
	case "capture":
		return CaptureSource(js.Index), nil
	case "result":
		return ResultSource(js.Index), nil
	case "param":
		return ParamSource(js.Path...), nil
	case "value":
		return ByValueSource(jsonAnyToValue(js.Value)), nil
	default:
		return Source{}, fmt.Errorf("capnweb: unknown source kind %q", js.Kind)
	}
}

func sourceToJSON(s Source) jsonSource {
	switch s.Kind {
	case SrcCapture:
		return jsonSource{Kind: "capture", Index: s.CaptureIndex}
	case SrcResult:
		return jsonSource{Kind: "result", Index: s.ResultIndex}
	case SrcParam:
		return jsonSource{Kind: "param", Path: s.ParamPath}
	case SrcByValue:
		return jsonSource{Kind: "value", Value: valueToJSONAny(s.Literal)}
	default:
		return jsonSource{}
	}
}

func (jo jsonOp) toOp() (Op, error) {
	switch jo.Kind {
	case "call":
		if jo.Target == nil {
			return Op{}, fmt.Errorf("capnweb: call op missing target")
		}
		target, err := jo.Target.toSource()
		if err != nil {
			return Op{}, err
		}
		args := make([]Source, len(jo.Args))
		for i, a := range jo.Args {
			s, err := a.toSource()
			if err != nil {
				return Op{}, err
			}
			args[i] = s
		}
		return CallOp(target, jo.Member, args, jo.Result), nil
	case "object":
		fields := make(map[string]Source, len(jo.Fields))
		for k, v := range jo.Fields {
			s, err := v.toSource()
			if err != nil {
				return Op{}, err
			}
			fields[k] = s
		}
		return ObjectOp(fields, jo.Result), nil
	case "array":
		items := make([]Source, len(jo.Items))
		for i, v := range jo.Items {
			s, err := v.toSource()
			if err != nil {
				return Op{}, err
			}
			items[i] = s
		}
		return ArrayOp(items, jo.Result), nil
	default:
		return Op{}, fmt.Errorf("capnweb: unknown op kind %q", jo.Kind)
	}
}

func opToJSON(op Op) jsonOp {
	switch op.Kind {
	case OpCall:
		target := sourceToJSON(op.Target)
		args := make([]jsonSource, len(op.Args))
		for i, a := range op.Args {
			args[i] = sourceToJSON(a)
		}
		return jsonOp{Kind: "call", Target: &target, Member: op.Member, Args: args, Result: op.Result}
	case OpObject:
		fields := make(map[string]jsonSource, len(op.Fields))
		for k, v := range op.Fields {
			fields[k] = sourceToJSON(v)
		}
		return jsonOp{Kind: "object", Fields: fields, Result: op.Result}
	case OpArray:
		items := make([]jsonSource, len(op.Items))
		for i, v := range op.Items {
			items[i] = sourceToJSON(v)
		}
		return jsonOp{Kind: "array", Items: items, Result: op.Result}
	default:
		return jsonOp{}
	}
}

