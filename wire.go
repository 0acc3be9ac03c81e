package capnweb

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Wire protocol: newline-delimited JSON arrays, each a Message whose
// first element is a tag string. Grounded in
// capnweb-core/src/protocol/wire.rs (WireMessage/WireExpression) and
// the teacher's own ad hoc []interface{} decoding in rpc.go.

// MessageKind identifies the positional shape of a Message.
type MessageKind int

const (
	MsgPush MessageKind = iota
	MsgPull
	MsgResolve
	MsgReject
	MsgRelease
	MsgAbort
)

func (k MessageKind) String() string {
	switch k {
	case MsgPush:
		return "push"
	case MsgPull:
		return "pull"
	case MsgResolve:
		return "resolve"
	case MsgReject:
		return "reject"
	case MsgRelease:
		return "release"
	case MsgAbort:
		return "abort"
	default:
		return "unknown"
	}
}

// Message is one decoded line of the wire protocol.
type Message struct {
	Kind       MessageKind
	ID         int64            // pull, resolve, reject
	Expr       *WireExpression  // push, resolve, reject, abort
	ReleaseIDs []int64          // release
}

// ExprKind identifies the shape of a WireExpression.
type ExprKind int

const (
	ExprNull ExprKind = iota
	ExprBool
	ExprNumber
	ExprString
	ExprArray
	ExprObject
	ExprError
	ExprImport
	ExprExport
	ExprPromise
	ExprPipeline
	ExprCall
	ExprDate
	ExprRemap
	ExprCapRef
)

// PropertyKey is a single segment of a pipeline/call property path: a
// string (object key) or a non-negative integer (array index).
type PropertyKey struct {
	IsNumber bool
	Str      string
	Num      int
}

func StringKey(s string) PropertyKey { return PropertyKey{Str: s} }
func NumberKey(n int) PropertyKey    { return PropertyKey{IsNumber: true, Num: n} }

// WireExpression is the recursive expression grammar: JSON literals,
// arrays/objects of expressions, and the reserved special forms.
type WireExpression struct {
	Kind ExprKind

	Bool   bool
	Number float64
	Str    string
	Array  []WireExpression
	Object map[string]WireExpression

	// error
	ErrorType    string
	ErrorMessage string
	ErrorStack   *string

	// import / export / promise / capref / pipeline(import) / call(cap)
	ID int64

	// export
	IsPromise bool

	// pipeline / call
	Path []PropertyKey
	Args *WireExpression

	// date
	DateMillis float64

	// remap
	RemapPlan json.RawMessage
}

func NullExpr() WireExpression               { return WireExpression{Kind: ExprNull} }
func BoolExpr(b bool) WireExpression         { return WireExpression{Kind: ExprBool, Bool: b} }
func NumberExpr(n float64) WireExpression    { return WireExpression{Kind: ExprNumber, Number: n} }
func StringExpr(s string) WireExpression     { return WireExpression{Kind: ExprString, Str: s} }
func ArrayExpr(items []WireExpression) WireExpression {
	return WireExpression{Kind: ExprArray, Array: items}
}
func ObjectExpr(fields map[string]WireExpression) WireExpression {
	return WireExpression{Kind: ExprObject, Object: fields}
}
func ImportExpr(id int64) WireExpression { return WireExpression{Kind: ExprImport, ID: id} }
func ExportExpr(id int64, isPromise bool) WireExpression {
	return WireExpression{Kind: ExprExport, ID: id, IsPromise: isPromise}
}
func ErrorExpr(errType, message string, stack *string) WireExpression {
	return WireExpression{Kind: ExprError, ErrorType: errType, ErrorMessage: message, ErrorStack: stack}
}
func CapRefExpr(id int64) WireExpression { return WireExpression{Kind: ExprCapRef, ID: id} }
func DateExpr(ms float64) WireExpression { return WireExpression{Kind: ExprDate, DateMillis: ms} }

// reservedTags are the special-form leading tags; any other
// string-leading array is plain data.
var reservedTags = map[string]bool{
	"error": true, "import": true, "export": true, "promise": true,
	"pipeline": true, "call": true, "date": true, "remap": true, "capref": true,
}

// ParseError reports a wire-codec failure (spec.md §4.1).
type ParseError struct{ msg string }

func (e *ParseError) Error() string { return e.msg }

func parseErrf(format string, args ...any) error {
	return &ParseError{msg: fmt.Sprintf(format, args...)}
}

// ParseBatch splits bytes on '\n', skips empty lines, and decodes each
// remaining line as a Message.
func ParseBatch(data []byte) ([]Message, error) {
	lines := bytes.Split(data, []byte("\n"))
	msgs := make([]Message, 0, len(lines))
	for _, line := range lines {
		trimmed := bytes.TrimSpace(line)
		if len(trimmed) == 0 {
			continue
		}
		var raw []json.RawMessage
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return nil, parseErrf("invalid message line: %v", err)
		}
		msg, err := parseMessage(raw)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

func decodeAny(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func parseMessage(arr []json.RawMessage) (Message, error) {
	if len(arr) == 0 {
		return Message{}, parseErrf("empty message array")
	}
	var tag string
	if err := json.Unmarshal(arr[0], &tag); err != nil {
		return Message{}, parseErrf("message type must be a string")
	}

	switch tag {
	case "push":
		if len(arr) != 2 {
			return Message{}, parseErrf("push requires exactly 2 elements")
		}
		expr, err := parseExprRaw(arr[1])
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: MsgPush, Expr: &expr}, nil

	case "pull":
		if len(arr) != 2 {
			return Message{}, parseErrf("pull requires exactly 2 elements")
		}
		id, err := parseIntRaw(arr[1], "pull")
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: MsgPull, ID: id}, nil

	case "resolve":
		if len(arr) != 3 {
			return Message{}, parseErrf("resolve requires exactly 3 elements")
		}
		id, err := parseIntRaw(arr[1], "resolve")
		if err != nil {
			return Message{}, err
		}
		expr, err := parseExprRaw(arr[2])
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: MsgResolve, ID: id, Expr: &expr}, nil

	case "reject":
		if len(arr) != 3 {
			return Message{}, parseErrf("reject requires exactly 3 elements")
		}
		id, err := parseIntRaw(arr[1], "reject")
		if err != nil {
			return Message{}, err
		}
		expr, err := parseExprRaw(arr[2])
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: MsgReject, ID: id, Expr: &expr}, nil

	case "release":
		if len(arr) != 2 {
			return Message{}, parseErrf("release requires exactly 2 elements")
		}
		var rawIDs []json.RawMessage
		if err := json.Unmarshal(arr[1], &rawIDs); err != nil {
			return Message{}, parseErrf("release requires an array of IDs")
		}
		ids := make([]int64, 0, len(rawIDs))
		for _, r := range rawIDs {
			id, err := parseIntRaw(r, "release")
			if err != nil {
				return Message{}, err
			}
			ids = append(ids, id)
		}
		return Message{Kind: MsgRelease, ReleaseIDs: ids}, nil

	case "abort":
		if len(arr) != 2 {
			return Message{}, parseErrf("abort requires exactly 2 elements")
		}
		expr, err := parseExprRaw(arr[1])
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: MsgAbort, Expr: &expr}, nil

	default:
		return Message{}, parseErrf("unknown message tag: %q", tag)
	}
}

// parseIntRaw decodes the non-negative integer ID carried by pull,
// resolve, reject, and release messages (spec.md §4.1: "non-negative
// integer" / "non-negative IDs" for all four). These tokens mirror the
// peer's import id back at it, so a negative value here is always a
// protocol violation, not a legitimate export reference.
func parseIntRaw(raw json.RawMessage, ctx string) (int64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, parseErrf("%s requires an integer ID", ctx)
	}
	if f != float64(int64(f)) {
		return 0, parseErrf("%s ID must be an integer, got %v", ctx, f)
	}
	if f < 0 {
		return 0, parseErrf("%s ID must be non-negative, got %v", ctx, f)
	}
	return int64(f), nil
}

func parseExprRaw(raw json.RawMessage) (WireExpression, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return WireExpression{}, parseErrf("invalid expression: %v", err)
	}
	return parseExpr(v, raw)
}

func parseExpr(v any, raw json.RawMessage) (WireExpression, error) {
	switch t := v.(type) {
	case nil:
		return NullExpr(), nil
	case bool:
		return BoolExpr(t), nil
	case float64:
		return NumberExpr(t), nil
	case string:
		return StringExpr(t), nil
	case map[string]any:
		fields := make(map[string]WireExpression, len(t))
		for k, elem := range t {
			encoded, err := json.Marshal(elem)
			if err != nil {
				return WireExpression{}, parseErrf("object field %q: %v", k, err)
			}
			fieldExpr, err := parseExprRaw(encoded)
			if err != nil {
				return WireExpression{}, err
			}
			fields[k] = fieldExpr
		}
		return ObjectExpr(fields), nil
	case []any:
		if len(t) == 0 {
			return ArrayExpr(nil), nil
		}
		if tag, ok := t[0].(string); ok && reservedTags[tag] {
			return parseSpecialForm(tag, t)
		}
		items := make([]WireExpression, 0, len(t))
		for i, elem := range t {
			encoded, err := json.Marshal(elem)
			if err != nil {
				return WireExpression{}, parseErrf("array element %d: %v", i, err)
			}
			itemExpr, err := parseExprRaw(encoded)
			if err != nil {
				return WireExpression{}, err
			}
			items = append(items, itemExpr)
		}
		return ArrayExpr(items), nil
	default:
		return WireExpression{}, parseErrf("unsupported JSON value type %T", v)
	}
}

func parseSpecialForm(tag string, arr []any) (WireExpression, error) {
	switch tag {
	case "error":
		if len(arr) < 3 || len(arr) > 4 {
			return WireExpression{}, parseErrf("error requires 3-4 elements")
		}
		errType, ok := arr[1].(string)
		if !ok {
			return WireExpression{}, parseErrf("error type must be a string")
		}
		message, ok := arr[2].(string)
		if !ok {
			return WireExpression{}, parseErrf("error message must be a string")
		}
		var stack *string
		if len(arr) == 4 {
			if s, ok := arr[3].(string); ok {
				stack = &s
			}
		}
		return ErrorExpr(errType, message, stack), nil

	case "import":
		if len(arr) != 2 {
			return WireExpression{}, parseErrf("import requires exactly 2 elements")
		}
		id, err := asInt(arr[1], "import ID")
		if err != nil {
			return WireExpression{}, err
		}
		return ImportExpr(id), nil

	case "export":
		if len(arr) < 2 || len(arr) > 3 {
			return WireExpression{}, parseErrf("export requires 2-3 elements")
		}
		id, err := asInt(arr[1], "export ID")
		if err != nil {
			return WireExpression{}, err
		}
		isPromise := false
		if len(arr) == 3 {
			if b, ok := arr[2].(bool); ok {
				isPromise = b
			}
		}
		return ExportExpr(id, isPromise), nil

	case "promise":
		if len(arr) != 2 {
			return WireExpression{}, parseErrf("promise requires exactly 2 elements")
		}
		id, err := asInt(arr[1], "promise ID")
		if err != nil {
			return WireExpression{}, err
		}
		return WireExpression{Kind: ExprPromise, ID: id}, nil

	case "pipeline":
		if len(arr) < 2 || len(arr) > 4 {
			return WireExpression{}, parseErrf("pipeline requires 2-4 elements")
		}
		importID, err := asInt(arr[1], "pipeline import ID")
		if err != nil {
			return WireExpression{}, err
		}
		var path []PropertyKey
		if len(arr) >= 3 && arr[2] != nil {
			path, err = parsePath(arr[2])
			if err != nil {
				return WireExpression{}, err
			}
		}
		var args *WireExpression
		if len(arr) == 4 {
			encoded, err := json.Marshal(arr[3])
			if err != nil {
				return WireExpression{}, err
			}
			a, err := parseExprRaw(encoded)
			if err != nil {
				return WireExpression{}, err
			}
			args = &a
		}
		return WireExpression{Kind: ExprPipeline, ID: importID, Path: path, Args: args}, nil

	case "call":
		if len(arr) != 4 {
			return WireExpression{}, parseErrf("call requires exactly 4 elements")
		}
		capID, err := asInt(arr[1], "call cap ID")
		if err != nil {
			return WireExpression{}, err
		}
		path, err := parsePath(arr[2])
		if err != nil {
			return WireExpression{}, err
		}
		encoded, err := json.Marshal(arr[3])
		if err != nil {
			return WireExpression{}, err
		}
		args, err := parseExprRaw(encoded)
		if err != nil {
			return WireExpression{}, err
		}
		return WireExpression{Kind: ExprCall, ID: capID, Path: path, Args: &args}, nil

	case "date":
		if len(arr) != 2 {
			return WireExpression{}, parseErrf("date requires exactly 2 elements")
		}
		ms, ok := arr[1].(float64)
		if !ok {
			return WireExpression{}, parseErrf("date timestamp must be a number")
		}
		return DateExpr(ms), nil

	case "remap":
		if len(arr) != 2 {
			return WireExpression{}, parseErrf("remap requires exactly 2 elements")
		}
		encoded, err := json.Marshal(arr[1])
		if err != nil {
			return WireExpression{}, err
		}
		return WireExpression{Kind: ExprRemap, RemapPlan: encoded}, nil

	case "capref":
		if len(arr) != 2 {
			return WireExpression{}, parseErrf("capref requires exactly 2 elements")
		}
		id, err := asInt(arr[1], "capref ID")
		if err != nil {
			return WireExpression{}, err
		}
		return CapRefExpr(id), nil

	default:
		return WireExpression{}, parseErrf("unknown special form: %q", tag)
	}
}

func asInt(v any, ctx string) (int64, error) {
	f, ok := v.(float64)
	if !ok {
		return 0, parseErrf("%s must be an integer", ctx)
	}
	if f != float64(int64(f)) {
		return 0, parseErrf("%s must be an integer, got %v", ctx, f)
	}
	return int64(f), nil
}

func parsePath(v any) ([]PropertyKey, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, parseErrf("property path must be an array")
	}
	path := make([]PropertyKey, 0, len(arr))
	for _, key := range arr {
		switch k := key.(type) {
		case string:
			path = append(path, StringKey(k))
		case float64:
			if k < 0 || k != float64(int(k)) {
				return nil, parseErrf("property key must be string or non-negative integer")
			}
			path = append(path, NumberKey(int(k)))
		default:
			return nil, parseErrf("property key must be string or non-negative integer")
		}
	}
	return path, nil
}

// SerializeBatch renders messages as one JSON array per line, joined
// by '\n', with no trailing newline.
func SerializeBatch(msgs []Message) ([]byte, error) {
	var buf bytes.Buffer
	for i, msg := range msgs {
		line, err := json.Marshal(msg.toJSON())
		if err != nil {
			return nil, err
		}
		if i > 0 {
			buf.WriteByte('\n')
		}
		buf.Write(line)
	}
	return buf.Bytes(), nil
}

func (m Message) toJSON() []any {
	switch m.Kind {
	case MsgPush:
		return []any{"push", m.Expr.toJSON()}
	case MsgPull:
		return []any{"pull", m.ID}
	case MsgResolve:
		return []any{"resolve", m.ID, m.Expr.toJSON()}
	case MsgReject:
		return []any{"reject", m.ID, m.Expr.toJSON()}
	case MsgRelease:
		ids := make([]any, len(m.ReleaseIDs))
		for i, id := range m.ReleaseIDs {
			ids[i] = id
		}
		return []any{"release", ids}
	case MsgAbort:
		return []any{"abort", m.Expr.toJSON()}
	default:
		return nil
	}
}

func (e *WireExpression) toJSON() any {
	if e == nil {
		return nil
	}
	switch e.Kind {
	case ExprNull:
		return nil
	case ExprBool:
		return e.Bool
	case ExprNumber:
		return e.Number
	case ExprString:
		return e.Str
	case ExprArray:
		items := make([]any, len(e.Array))
		for i := range e.Array {
			items[i] = e.Array[i].toJSON()
		}
		return items
	case ExprObject:
		obj := make(map[string]any, len(e.Object))
		for k, v := range e.Object {
			vv := v
			obj[k] = vv.toJSON()
		}
		return obj
	case ExprError:
		arr := []any{"error", e.ErrorType, e.ErrorMessage}
		if e.ErrorStack != nil {
			arr = append(arr, *e.ErrorStack)
		}
		return arr
	case ExprImport:
		return []any{"import", e.ID}
	case ExprExport:
		arr := []any{"export", e.ID}
		if e.IsPromise {
			arr = append(arr, true)
		}
		return arr
	case ExprPromise:
		return []any{"promise", e.ID}
	case ExprPipeline:
		arr := []any{"pipeline", e.ID}
		if e.Path != nil || e.Args != nil {
			arr = append(arr, pathToJSON(e.Path))
		}
		if e.Args != nil {
			arr = append(arr, e.Args.toJSON())
		}
		return arr
	case ExprCall:
		return []any{"call", e.ID, pathToJSON(e.Path), e.Args.toJSON()}
	case ExprDate:
		return []any{"date", e.DateMillis}
	case ExprRemap:
		var raw any
		_ = json.Unmarshal(e.RemapPlan, &raw)
		return []any{"remap", raw}
	case ExprCapRef:
		return []any{"capref", e.ID}
	default:
		return nil
	}
}

func pathToJSON(path []PropertyKey) []any {
	out := make([]any, len(path))
	for i, k := range path {
		if k.IsNumber {
			out[i] = k.Num
		} else {
			out[i] = k.Str
		}
	}
	return out
}
