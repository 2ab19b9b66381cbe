// Package value implements the engine's self-describing value encoding.
//
// Flow data survives process restarts and flow-kind code changes between the
// write and the read, so it cannot be persisted as raw Go values: a renamed
// struct field or a changed type would silently corrupt a resumed flow. Every
// value that crosses into a Flow's data map is instead wrapped in a SafeValue,
// a small tagged envelope that knows its own shape and can rebuild itself
// against a possibly-different target type at decode time.
package value

import (
	"encoding/json"
	"time"
)

// Kind discriminates the shape carried by a SafeValue.
type Kind string

const (
	KindNull     Kind = "null"
	KindBool     Kind = "bool"
	KindInt      Kind = "int"
	KindUint     Kind = "uint"
	KindFloat    Kind = "float"
	KindDecimal  Kind = "decimal" // decimal-as-string, arbitrary precision preserved
	KindString   Kind = "string"
	KindTime     Kind = "time"
	KindDuration Kind = "duration"
	KindUUID     Kind = "uuid"
	KindEnum     Kind = "enum" // enum-as-string
	KindSlice    Kind = "slice"
	KindMap      Kind = "map"
	KindRecord   Kind = "record"
	KindOpaque   Kind = "opaque" // unencodable shape, replaced by a safe summary
	KindCycle    Kind = "cycle"  // cycle sentinel
)

// SafeValue is the self-describing, restorable encoding of an arbitrary Go
// value. It is what actually gets stored in a Flow's data map, a Step's
// result, or a pause record.
//
// Hint carries the original type name (e.g. "mypkg.OrderStatus"). Decoding
// does not read it: a Record decoded into an interface{} comes back as a
// map[string]any.
type SafeValue struct {
	Type  Kind   `json:"t"`
	Value any    `json:"v"`
	Hint  string `json:"hint,omitempty"`
}

// Null is the canonical encoding of a nil value.
var Null = SafeValue{Type: KindNull}

// UnmarshalJSON restores a SafeValue from its wire form. Value needs
// type-directed handling here because encoding/json would otherwise decode a
// nested slice or map of SafeValue as []interface{} / map[string]interface{},
// which breaks decodeSlice/decodeMap/decodeRecord's type assertions on
// anything that has made a round trip through a JSON-backed store.
func (sv *SafeValue) UnmarshalJSON(data []byte) error {
	var wire struct {
		Type  Kind            `json:"t"`
		Value json.RawMessage `json:"v"`
		Hint  string          `json:"hint,omitempty"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	sv.Type = wire.Type
	sv.Hint = wire.Hint

	if len(wire.Value) == 0 || string(wire.Value) == "null" {
		sv.Value = nil
		return nil
	}

	switch wire.Type {
	case KindSlice:
		var raw []json.RawMessage
		if err := json.Unmarshal(wire.Value, &raw); err != nil {
			return err
		}
		items := make([]SafeValue, len(raw))
		for i, r := range raw {
			if err := json.Unmarshal(r, &items[i]); err != nil {
				return err
			}
		}
		sv.Value = items
	case KindMap, KindRecord:
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(wire.Value, &raw); err != nil {
			return err
		}
		fields := make(map[string]SafeValue, len(raw))
		for k, r := range raw {
			var item SafeValue
			if err := json.Unmarshal(r, &item); err != nil {
				return err
			}
			fields[k] = item
		}
		sv.Value = fields
	default:
		var v any
		if err := json.Unmarshal(wire.Value, &v); err != nil {
			return err
		}
		sv.Value = v
	}
	return nil
}

// DefaultMaxDepth bounds recursion while walking nested slices/maps/structs.
const DefaultMaxDepth = 100

// DefaultMaxLength bounds the number of elements encoded from a single
// slice or map before the overflow sentinel is substituted for the rest.
const DefaultMaxLength = 50

// overflowSentinel marks a collection that was truncated at DefaultMaxLength.
const overflowSentinel = "[overflow:truncated]"

// cycleSentinel marks a value whose encoding would otherwise recurse through
// an already-visited pointer.
const cycleSentinel = "[cycle]"

// RecordSchema is a map of field name to a decode target. Decode and
// DecodeAs do not consult it: a Record decodes into a struct by matching
// field names against the target type, and into a map or interface{} as a
// mapping. Dictionaries always decode as mappings.
type RecordSchema = map[string]any

// timeLayout is the wire format used for KindTime payloads.
const timeLayout = time.RFC3339Nano
