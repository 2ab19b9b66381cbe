package value

import (
	"fmt"
	"reflect"
	"time"
)

// Encode converts an arbitrary Go value into its SafeValue form.
//
// Encode never panics and never returns an error: shapes it cannot safely
// represent (reflection handles, channels, functions, unsafe pointers) are
// replaced with an opaque summary string, and a reference back to a value
// already being encoded is replaced with the cycle sentinel, instead of
// failing the whole encode, so a single bad field in a large struct never
// blocks a flow from checkpointing.
func Encode(v any) SafeValue {
	return encode(reflect.ValueOf(v), 0, map[uintptr]bool{})
}

func encode(rv reflect.Value, depth int, seen map[uintptr]bool) SafeValue {
	if !rv.IsValid() {
		return Null
	}
	if depth > DefaultMaxDepth {
		return SafeValue{Type: KindOpaque, Value: fmt.Sprintf("[unencodable:max-depth-%d]", DefaultMaxDepth)}
	}

	// time.Duration's Kind() is Int64, so it must be special-cased ahead of
	// the generic integer branch below or it would round-trip as a bare int.
	if rv.CanInterface() {
		if d, ok := rv.Interface().(time.Duration); ok {
			return SafeValue{Type: KindDuration, Value: d.String()}
		}
	}

	switch rv.Kind() {
	case reflect.Invalid:
		return Null

	case reflect.Interface, reflect.Ptr:
		if rv.IsNil() {
			return Null
		}
		if rv.Kind() == reflect.Ptr {
			addr := rv.Pointer()
			if seen[addr] {
				return SafeValue{Type: KindCycle, Value: cycleSentinel}
			}
			seen = withSeen(seen, addr)
		}
		return encode(rv.Elem(), depth+1, seen)

	case reflect.Bool:
		return SafeValue{Type: KindBool, Value: rv.Bool()}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return SafeValue{Type: KindInt, Value: rv.Int()}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return SafeValue{Type: KindUint, Value: rv.Uint()}

	case reflect.Float32, reflect.Float64:
		return SafeValue{Type: KindFloat, Value: rv.Float()}

	case reflect.String:
		return encodeStringLike(rv)

	case reflect.Slice, reflect.Array:
		return encodeSequence(rv, depth, seen)

	case reflect.Map:
		return encodeMap(rv, depth, seen)

	case reflect.Struct:
		return encodeStruct(rv, depth, seen)

	default:
		return SafeValue{Type: KindOpaque, Value: fmt.Sprintf("[unencodable:%s]", rv.Kind())}
	}
}

// withSeen returns a copy of seen with addr added, so sibling branches of a
// graph (e.g. two map values pointing at the same leaf) don't falsely trip
// the cycle sentinel — only a value's own ancestors count as a cycle.
func withSeen(seen map[uintptr]bool, addr uintptr) map[uintptr]bool {
	next := make(map[uintptr]bool, len(seen)+1)
	for k := range seen {
		next[k] = true
	}
	next[addr] = true
	return next
}

func encodeStringLike(rv reflect.Value) SafeValue {
	t := rv.Type()
	if t.Name() != "string" && t.PkgPath() != "" {
		// Named string type: treat as enum-as-string, preserving the type hint.
		return SafeValue{Type: KindEnum, Value: rv.String(), Hint: t.String()}
	}
	return SafeValue{Type: KindString, Value: rv.String()}
}

func encodeSequence(rv reflect.Value, depth int, seen map[uintptr]bool) SafeValue {
	// []byte is common and opaque as a byte-by-byte sequence; keep it as a string.
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
		return SafeValue{Type: KindString, Value: string(rv.Bytes()), Hint: "[]byte"}
	}

	n := rv.Len()
	limit := n
	truncated := false
	if limit > DefaultMaxLength {
		limit = DefaultMaxLength
		truncated = true
	}

	out := make([]SafeValue, 0, limit+1)
	for i := 0; i < limit; i++ {
		out = append(out, encode(rv.Index(i), depth+1, seen))
	}
	if truncated {
		out = append(out, SafeValue{Type: KindOpaque, Value: overflowSentinel})
	}
	return SafeValue{Type: KindSlice, Value: out}
}

func encodeMap(rv reflect.Value, depth int, seen map[uintptr]bool) SafeValue {
	if rv.IsNil() {
		return SafeValue{Type: KindMap, Value: map[string]SafeValue{}}
	}
	addr := rv.Pointer()
	if seen[addr] {
		return SafeValue{Type: KindCycle, Value: cycleSentinel}
	}
	seen = withSeen(seen, addr)

	keys := rv.MapKeys()
	out := make(map[string]SafeValue, len(keys))
	count := 0
	overflow := false
	for _, k := range keys {
		if count >= DefaultMaxLength {
			overflow = true
			break
		}
		out[fmt.Sprint(k.Interface())] = encode(rv.MapIndex(k), depth+1, seen)
		count++
	}
	if overflow {
		out["__overflow__"] = SafeValue{Type: KindOpaque, Value: overflowSentinel}
	}
	return SafeValue{Type: KindMap, Value: out}
}

func encodeStruct(rv reflect.Value, depth int, seen map[uintptr]bool) SafeValue {
	if t, ok := rv.Interface().(time.Time); ok {
		return SafeValue{Type: KindTime, Value: t.Format(timeLayout)}
	}
	// Duck-type a UUID-shaped [16]byte array with a String() method (covers
	// google/uuid.UUID without importing it, so the encoder has no hard
	// dependency on any particular UUID library).
	if s, ok := asUUIDString(rv); ok {
		return SafeValue{Type: KindUUID, Value: s}
	}

	t := rv.Type()
	fields := make(map[string]SafeValue, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if sf.PkgPath != "" { // unexported
			continue
		}
		fields[fieldName(sf)] = encode(rv.Field(i), depth+1, seen)
	}
	return SafeValue{Type: KindRecord, Value: fields, Hint: t.String()}
}

func fieldName(sf reflect.StructField) string {
	if tag, ok := sf.Tag.Lookup("json"); ok {
		name := tag
		for i, c := range tag {
			if c == ',' {
				name = tag[:i]
				break
			}
		}
		if name != "" && name != "-" {
			return name
		}
	}
	return sf.Name
}

func asUUIDString(rv reflect.Value) (string, bool) {
	t := rv.Type()
	if t.Kind() != reflect.Array || t.Len() != 16 || t.Elem().Kind() != reflect.Uint8 {
		return "", false
	}
	if t.Name() != "UUID" {
		return "", false
	}
	m, ok := t.MethodByName("String")
	if !ok {
		return "", false
	}
	out := m.Func.Call([]reflect.Value{rv})
	if len(out) != 1 {
		return "", false
	}
	return out[0].String(), true
}
