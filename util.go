package capnweb

import (
	"encoding/json"
	"time"
)

func millisToTime(ms float64) time.Time {
	return time.UnixMilli(int64(ms)).UTC()
}

func timeToMillis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// ValueFromGo converts an arbitrary Go value into a Value by round
// tripping it through encoding/json, the same convention the teacher's
// capability methods use to accept/return plain structs
// (examples/*/main.go's User/Profile types). Capabilities should
// prefer building Value literals directly when they need to return a
// stub; this helper is for the common case of plain data.
func ValueFromGo(v any) (Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Value{}, err
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return Value{}, err
	}
	return jsonAnyToValue(decoded), nil
}

// Decode renders a Value back into a Go value via encoding/json,
// the inverse of ValueFromGo.
func (v Value) Decode(out any) error {
	raw, err := json.Marshal(valueToJSONAny(v))
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func jsonAnyToValue(v any) Value {
	switch t := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case string:
		return String(t)
	case []any:
		items := make([]Value, len(t))
		for i, e := range t {
			items[i] = jsonAnyToValue(e)
		}
		return Array(items)
	case map[string]any:
		fields := make(map[string]Value, len(t))
		for k, e := range t {
			fields[k] = jsonAnyToValue(e)
		}
		return Object(fields)
	default:
		return Null()
	}
}

func valueToJSONAny(v Value) any {
	switch v.Kind {
	case VNull:
		return nil
	case VBool:
		return v.Bool
	case VNumber:
		return v.Number
	case VString:
		return v.Str
	case VArray:
		items := make([]any, len(v.Array))
		for i, e := range v.Array {
			items[i] = valueToJSONAny(e)
		}
		return items
	case VObject:
		fields := make(map[string]any, len(v.Object))
		for k, e := range v.Object {
			fields[k] = valueToJSONAny(e)
		}
		return fields
	case VDate:
		return timeToMillis(v.Date)
	default:
		return nil
	}
}
