package value_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/flowforge/engine/flow/value"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Run("primitives", func(t *testing.T) {
		cases := []any{
			true,
			int64(42),
			uint64(7),
			3.14,
			"hello",
			time.Duration(5 * time.Second),
		}
		for _, c := range cases {
			sv := value.Encode(c)
			switch want := c.(type) {
			case bool:
				got, err := value.DecodeAs[bool](sv)
				if err != nil || got != want {
					t.Fatalf("bool round trip: got %v, %v want %v", got, err, want)
				}
			case int64:
				got, err := value.DecodeAs[int64](sv)
				if err != nil || got != want {
					t.Fatalf("int64 round trip: got %v, %v want %v", got, err, want)
				}
			case uint64:
				got, err := value.DecodeAs[uint64](sv)
				if err != nil || got != want {
					t.Fatalf("uint64 round trip: got %v, %v want %v", got, err, want)
				}
			case float64:
				got, err := value.DecodeAs[float64](sv)
				if err != nil || got != want {
					t.Fatalf("float64 round trip: got %v, %v want %v", got, err, want)
				}
			case string:
				got, err := value.DecodeAs[string](sv)
				if err != nil || got != want {
					t.Fatalf("string round trip: got %v, %v want %v", got, err, want)
				}
			case time.Duration:
				got, err := value.DecodeAs[time.Duration](sv)
				if err != nil || got != want {
					t.Fatalf("duration round trip: got %v, %v want %v", got, err, want)
				}
			}
		}
	})

	t.Run("time", func(t *testing.T) {
		now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
		sv := value.Encode(now)
		got, err := value.DecodeAs[time.Time](sv)
		if err != nil {
			t.Fatalf("decode time: %v", err)
		}
		if !got.Equal(now) {
			t.Fatalf("time round trip: got %v want %v", got, now)
		}
	})

	t.Run("slice", func(t *testing.T) {
		in := []int{1, 2, 3}
		sv := value.Encode(in)
		got, err := value.DecodeAs[[]int64](sv)
		if err != nil {
			t.Fatalf("decode slice: %v", err)
		}
		if len(got) != 3 || got[0] != 1 || got[2] != 3 {
			t.Fatalf("slice round trip mismatch: %v", got)
		}
	})

	t.Run("map", func(t *testing.T) {
		in := map[string]int{"a": 1, "b": 2}
		sv := value.Encode(in)
		got, err := value.DecodeAs[map[string]int64](sv)
		if err != nil {
			t.Fatalf("decode map: %v", err)
		}
		if got["a"] != 1 || got["b"] != 2 {
			t.Fatalf("map round trip mismatch: %v", got)
		}
	})

	t.Run("record restored by field-name lookup", func(t *testing.T) {
		type Inner struct {
			Name string `json:"name"`
		}
		type Outer struct {
			Inner Inner `json:"inner"`
			Count int   `json:"count"`
		}
		in := Outer{Inner: Inner{Name: "x"}, Count: 3}
		sv := value.Encode(in)
		got, err := value.DecodeAs[Outer](sv)
		if err != nil {
			t.Fatalf("decode record: %v", err)
		}
		if got.Count != 3 || got.Inner.Name != "x" {
			t.Fatalf("record round trip mismatch: %+v", got)
		}
	})

	t.Run("record decodes as mapping when target is a map", func(t *testing.T) {
		type Inner struct {
			Name string `json:"name"`
		}
		sv := value.Encode(Inner{Name: "x"})
		got, err := value.DecodeAs[map[string]any](sv)
		if err != nil {
			t.Fatalf("decode record as map: %v", err)
		}
		if got["name"] != "x" {
			t.Fatalf("expected mapping, got %v", got)
		}
	})
}

func TestEncodeCycleDetection(t *testing.T) {
	type node struct {
		Name string
		Next *node
	}
	a := &node{Name: "a"}
	b := &node{Name: "b"}
	a.Next = b
	b.Next = a // cycle

	sv := value.Encode(a)
	if sv.Type != value.KindRecord {
		t.Fatalf("expected record, got %s", sv.Type)
	}
	fields, ok := sv.Value.(map[string]value.SafeValue)
	if !ok {
		t.Fatalf("expected record fields map, got %T", sv.Value)
	}
	next := fields["Next"]
	nextFields, ok := next.Value.(map[string]value.SafeValue)
	if !ok {
		t.Fatalf("expected nested record fields map, got %T", next.Value)
	}
	if nextFields["Next"].Type != value.KindCycle {
		t.Fatalf("expected cycle sentinel, got %v", nextFields["Next"])
	}
}

func TestEncodeUnencodableShape(t *testing.T) {
	ch := make(chan int)
	sv := value.Encode(ch)
	if sv.Type != value.KindOpaque {
		t.Fatalf("expected opaque kind for channel, got %s", sv.Type)
	}
}

func TestEncodeOverflowSentinel(t *testing.T) {
	big := make([]int, value.DefaultMaxLength+10)
	sv := value.Encode(big)
	items, ok := sv.Value.([]value.SafeValue)
	if !ok {
		t.Fatalf("expected slice items, got %T", sv.Value)
	}
	if len(items) != value.DefaultMaxLength+1 {
		t.Fatalf("expected truncated length %d, got %d", value.DefaultMaxLength+1, len(items))
	}
	if items[len(items)-1].Type != value.KindOpaque {
		t.Fatalf("expected overflow sentinel at tail, got %v", items[len(items)-1])
	}
}

func TestJSONRoundTripPreservesNestedShape(t *testing.T) {
	type Inner struct {
		Name string `json:"name"`
	}
	type Outer struct {
		Inner Inner   `json:"inner"`
		Tags  []int   `json:"tags"`
		Count int     `json:"count"`
	}
	in := Outer{Inner: Inner{Name: "x"}, Tags: []int{1, 2, 3}, Count: 3}
	sv := value.Encode(in)

	raw, err := json.Marshal(sv)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var restored value.SafeValue
	if err := json.Unmarshal(raw, &restored); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	got, err := value.DecodeAs[Outer](restored)
	if err != nil {
		t.Fatalf("decode after json round trip: %v", err)
	}
	if got.Count != 3 || got.Inner.Name != "x" || len(got.Tags) != 3 || got.Tags[2] != 3 {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	sliceSV := value.Encode([]int{10, 20, 30})
	raw, err = json.Marshal(sliceSV)
	if err != nil {
		t.Fatalf("marshal slice: %v", err)
	}
	var restoredSlice value.SafeValue
	if err := json.Unmarshal(raw, &restoredSlice); err != nil {
		t.Fatalf("unmarshal slice: %v", err)
	}
	gotSlice, err := value.DecodeAs[[]int64](restoredSlice)
	if err != nil {
		t.Fatalf("decode slice after json round trip: %v", err)
	}
	if len(gotSlice) != 3 || gotSlice[1] != 20 {
		t.Fatalf("slice round trip mismatch: %v", gotSlice)
	}
}

func TestDecodeIncompatibleTypeFails(t *testing.T) {
	sv := value.Encode("not-a-number")
	if _, err := value.DecodeAs[int64](sv); err == nil {
		t.Fatal("expected type mismatch error, got nil")
	}
}
