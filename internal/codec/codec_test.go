package codec

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/cockroachdb/apd/v3"
)

var fixedNow = time.Unix(1700000000, 0)

func newTestEncoder(opts ...Option) *Encoder {
	return New(append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)...)
}

func manyKeys(n int) Record {
	rec := make(Record, n)
	for i := 0; i < n; i++ {
		rec[fmt.Sprintf("k%03d", i)] = i
	}
	return rec
}

func TestEncode_InjectsTime(t *testing.T) {
	tests := []struct {
		name      string
		rec       Record
		eventTime time.Time
		want      int64
	}{
		{"event timestamp", Record{"a": 1}, time.Unix(1600000000, 0), 1600000000},
		{"falls back to clock", Record{"a": 1}, time.Time{}, fixedNow.Unix()},
		{"existing time kept", Record{"time": int64(42)}, time.Unix(1600000000, 0), 42},
		{"nil time replaced", Record{"time": nil, "a": 1}, time.Unix(1700000000, 0), 1700000000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newTestEncoder().Encode(tt.rec, tt.eventTime)
			if err != nil {
				t.Fatalf("Encode() error: %v", err)
			}
			got, err := Decode(res.Row)
			if err != nil {
				t.Fatalf("Decode() error: %v", err)
			}
			if got[TimeField] != tt.want {
				t.Errorf("time = %v (%T), want %d", got[TimeField], got[TimeField], tt.want)
			}
		})
	}
}

func TestEncode_DoesNotMutateInput(t *testing.T) {
	rec := Record{"a": "b"}
	if _, err := newTestEncoder().Encode(rec, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if _, ok := rec[TimeField]; ok {
		t.Error("caller's record was modified")
	}
}

func TestEncode_KeyLimitCountsInjectedTime(t *testing.T) {
	enc := newTestEncoder()

	if _, err := enc.Encode(manyKeys(MaxKeys-1), time.Time{}); err != nil {
		t.Errorf("511 keys + time should pass: %v", err)
	}

	_, err := enc.Encode(manyKeys(MaxKeys), time.Time{})
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("512 keys + injected time: expected validation error, got %v", err)
	}
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Reason != ReasonTooManyKeys || ve.Keys != MaxKeys+1 {
		t.Errorf("unexpected error detail: %#v", ve)
	}

	withTime := manyKeys(MaxKeys - 1)
	withTime[TimeField] = int64(1)
	if _, err := enc.Encode(withTime, time.Time{}); err != nil {
		t.Errorf("512 keys including time should pass: %v", err)
	}
}

func TestEncode_RowSizeLimit(t *testing.T) {
	enc := newTestEncoder(WithLimits(MaxKeys, 256))

	if _, err := enc.Encode(Record{"msg": strings.Repeat("x", 100)}, time.Time{}); err != nil {
		t.Fatalf("small record rejected: %v", err)
	}

	_, err := enc.Encode(Record{"msg": strings.Repeat("x", 300)}, time.Time{})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected *ValidationError, got %v", err)
	}
	if ve.Reason != ReasonTooLarge || ve.Size <= 256 {
		t.Errorf("unexpected detail: %+v", ve)
	}
	if !reflect.DeepEqual(ve.Fields, []string{"msg", "time"}) {
		t.Errorf("Fields = %v", ve.Fields)
	}
}

func TestEncode_DirectStrategy(t *testing.T) {
	rec := Record{
		"str":    "hello",
		"int":    7,
		"neg":    int64(-3),
		"float":  1.5,
		"bool":   true,
		"nil":    nil,
		"bytes":  []byte("raw"),
		"nested": map[string]interface{}{"a": []interface{}{1, "two"}},
	}
	res, err := newTestEncoder().Encode(rec, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Strategy != StrategyDirect {
		t.Errorf("Strategy = %s, want direct", res.Strategy)
	}
	got, err := Decode(res.Row)
	if err != nil {
		t.Fatal(err)
	}
	if got["int"] != int64(7) || got["neg"] != int64(-3) || got["float"] != 1.5 || got["bool"] != true {
		t.Errorf("scalar mismatch: %v", got)
	}
	nested := got["nested"].(map[string]interface{})
	list := nested["a"].([]interface{})
	if list[0] != int64(1) || list[1] != "two" {
		t.Errorf("nested mismatch: %v", nested)
	}
}

func TestEncode_FallbackForTypedWrappers(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	price := apd.New(12345, -2) // 123.45
	type point struct {
		X int `json:"x"`
		Y int `json:"y"`
	}

	rec := Record{
		"@timestamp": ts,
		"price":      price,
		"where":      point{X: 1, Y: 2},
		"count":      uint64(1) << 63,
	}
	res, err := newTestEncoder().Encode(rec, time.Time{})
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if res.Strategy != StrategyFallback {
		t.Fatalf("Strategy = %s, want fallback", res.Strategy)
	}

	got, err := Decode(res.Row)
	if err != nil {
		t.Fatal(err)
	}
	if got["@timestamp"] != "2024-05-01T12:00:00Z" {
		t.Errorf("@timestamp = %v", got["@timestamp"])
	}
	if got["price"] != "123.45" {
		t.Errorf("price = %#v", got["price"])
	}
	where := got["where"].(map[string]interface{})
	if where["x"] != int64(1) || where["y"] != int64(2) {
		t.Errorf("where = %v", where)
	}
	if got["count"] != uint64(1)<<63 {
		t.Errorf("count = %#v", got["count"])
	}
	if got[TimeField] != fixedNow.Unix() {
		t.Errorf("time = %v", got[TimeField])
	}
}

func TestEncode_FallbackExhausted(t *testing.T) {
	_, err := newTestEncoder().Encode(Record{"ch": make(chan int)}, time.Time{})
	if !errors.Is(err, ErrEncoding) {
		t.Fatalf("expected encoding error, got %v", err)
	}
	if errors.Is(err, ErrValidation) {
		t.Error("encoding failure must not look like a validation error")
	}
}

func TestEncode_Deterministic(t *testing.T) {
	rec := Record{"b": 1, "a": 2, "c": map[string]interface{}{"z": 1, "y": 2}, "time": int64(5)}
	enc := newTestEncoder()
	first, err := enc.Encode(rec, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		again, err := enc.Encode(rec, time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		if string(again.Row) != string(first.Row) {
			t.Fatal("encoding is not deterministic")
		}
	}
}

func TestNumber(t *testing.T) {
	tests := []struct {
		in   string
		want interface{}
	}{
		{"1", int64(1)},
		{"-42", int64(-42)},
		{"1.0", 1.0},
		{"2.5e3", 2500.0},
		{"18446744073709551615", uint64(18446744073709551615)},
	}
	for _, tt := range tests {
		got, err := number(jsonNumber(tt.in))
		if err != nil {
			t.Errorf("number(%s) error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("number(%s) = %#v, want %#v", tt.in, got, tt.want)
		}
	}
}
