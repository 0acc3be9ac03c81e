package capnweb

import (
	"context"
	"testing"
)

type mapResolver map[int64]RpcTarget

func (m mapResolver) Capability(id int64) (RpcTarget, bool) {
	t, ok := m[id]
	return t, ok
}

func newEchoTarget() *BaseRpcTarget {
	target := NewBaseRpcTarget()
	target.Method("greet", func(ctx context.Context, args []Value) (Value, error) {
		if len(args) == 0 {
			return String("hello, nobody"), nil
		}
		return String("hello, " + args[0].Str), nil
	})
	target.Property("name", String("echo"))
	return target
}

func TestEvaluateLiterals(t *testing.T) {
	ec := &EvalContext{Imports: NewImportTable(nil)}

	cases := []struct {
		expr WireExpression
		want Value
	}{
		{NullExpr(), Null()},
		{BoolExpr(true), Bool(true)},
		{NumberExpr(3.5), Number(3.5)},
		{StringExpr("x"), String("x")},
	}
	for _, c := range cases {
		got, err := Evaluate(context.Background(), &c.expr, ec)
		if err != nil {
			t.Fatalf("Evaluate(%+v): %v", c.expr, err)
		}
		if got.Kind != c.want.Kind {
			t.Fatalf("Kind = %v, want %v", got.Kind, c.want.Kind)
		}
	}
}

func TestEvaluateImportResolution(t *testing.T) {
	imports := NewImportTable(nil)
	_ = imports.Insert(1, newResolvedEntry(Number(99)))
	ec := &EvalContext{Imports: imports}

	expr := WireExpression{Kind: ExprImport, ID: 1}
	got, err := Evaluate(context.Background(), &expr, ec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got.Number != 99 {
		t.Fatalf("got %v, want 99", got.Number)
	}
}

func TestEvaluateUnknownImport(t *testing.T) {
	ec := &EvalContext{Imports: NewImportTable(nil)}
	expr := WireExpression{Kind: ExprImport, ID: 42}
	_, err := Evaluate(context.Background(), &expr, ec)
	if err == nil {
		t.Fatalf("expected error for unknown import")
	}
}

func TestEvaluatePipelinePropertyWalk(t *testing.T) {
	imports := NewImportTable(nil)
	_ = imports.Insert(0, newResolvedEntry(Object(map[string]Value{
		"nested": Object(map[string]Value{"value": String("deep")}),
	})))
	ec := &EvalContext{Imports: imports}

	expr := WireExpression{
		Kind: ExprPipeline,
		ID:   0,
		Path: []PropertyKey{StringKey("nested"), StringKey("value")},
	}
	got, err := Evaluate(context.Background(), &expr, ec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got.Str != "deep" {
		t.Fatalf("got %q, want %q", got.Str, "deep")
	}
}

func TestEvaluatePipelineCallMethod(t *testing.T) {
	target := newEchoTarget()
	imports := NewImportTable(nil)
	_ = imports.Insert(0, newStubEntry(target))
	ec := &EvalContext{Imports: imports}

	args := ArrayExpr([]WireExpression{StringExpr("world")})
	expr := WireExpression{
		Kind: ExprPipeline,
		ID:   0,
		Path: []PropertyKey{StringKey("greet")},
		Args: &args,
	}
	got, err := Evaluate(context.Background(), &expr, ec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got.Str != "hello, world" {
		t.Fatalf("got %q, want %q", got.Str, "hello, world")
	}
}

func TestSpreadArgsAcceptsArrayAndBareValue(t *testing.T) {
	arr := spreadArgs(Array([]Value{Number(1), Number(2)}))
	if len(arr) != 2 {
		t.Fatalf("array spread len = %d, want 2", len(arr))
	}

	single := spreadArgs(String("solo"))
	if len(single) != 1 || single[0].Str != "solo" {
		t.Fatalf("bare-value spread = %+v, want one-element [%q]", single, "solo")
	}
}

func TestEvaluateCallOnCapability(t *testing.T) {
	target := newEchoTarget()
	resolver := mapResolver{7: target}
	ec := &EvalContext{Imports: NewImportTable(nil), Capabilities: resolver}

	args := StringExpr("bare")
	expr := WireExpression{
		Kind: ExprCall,
		ID:   7,
		Path: []PropertyKey{StringKey("greet")},
		Args: &args,
	}
	got, err := Evaluate(context.Background(), &expr, ec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got.Str != "hello, bare" {
		t.Fatalf("got %q, want %q", got.Str, "hello, bare")
	}
}

func TestEvaluateCapRef(t *testing.T) {
	target := newEchoTarget()
	resolver := mapResolver{3: target}
	ec := &EvalContext{Imports: NewImportTable(nil), Capabilities: resolver}

	expr := WireExpression{Kind: ExprCapRef, ID: 3}
	got, err := Evaluate(context.Background(), &expr, ec)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if got.Kind != VStub || got.Stub != target {
		t.Fatalf("got %+v, want stub wrapping target", got)
	}
}

func TestEvaluateUnknownCapability(t *testing.T) {
	ec := &EvalContext{Imports: NewImportTable(nil), Capabilities: mapResolver{}}
	expr := WireExpression{Kind: ExprCapRef, ID: 1}
	if _, err := Evaluate(context.Background(), &expr, ec); err == nil {
		t.Fatalf("expected error for unknown capability")
	}
}

func TestEvaluateExportAndPromiseAreNotEvaluable(t *testing.T) {
	ec := &EvalContext{Imports: NewImportTable(nil)}
	for _, kind := range []ExprKind{ExprExport, ExprPromise} {
		expr := WireExpression{Kind: kind}
		if _, err := Evaluate(context.Background(), &expr, ec); err == nil {
			t.Fatalf("expected error evaluating expr kind %v directly", kind)
		}
	}
}

func TestGetPropertyArrayBounds(t *testing.T) {
	arr := Array([]Value{String("a"), String("b")})
	if _, err := getProperty(context.Background(), arr, NumberKey(5)); err == nil {
		t.Fatalf("expected out-of-bounds error")
	}
	v, err := getProperty(context.Background(), arr, NumberKey(1))
	if err != nil {
		t.Fatalf("getProperty: %v", err)
	}
	if v.Str != "b" {
		t.Fatalf("got %q, want %q", v.Str, "b")
	}
}
