package receiver

import (
	"errors"
	"testing"

	"github.com/vmihailenco/msgpack/v5"
)

func TestFormatFromContentType(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		err  bool
	}{
		{"", FormatJSON, false},
		{"application/json", FormatJSON, false},
		{"application/json; charset=utf-8", FormatJSON, false},
		{"application/x-ndjson", FormatNDJSON, false},
		{"application/msgpack", FormatMsgpack, false},
		{"application/x-msgpack", FormatMsgpack, false},
		{"text/csv", "", true},
		{";;;", "", true},
	}
	for _, tt := range tests {
		got, err := FormatFromContentType(tt.in)
		if (err != nil) != tt.err || got != tt.want {
			t.Errorf("FormatFromContentType(%q) = %q, %v", tt.in, got, err)
		}
		if err != nil && !errors.Is(err, ErrUnsupportedFormat) {
			t.Errorf("error %v does not match ErrUnsupportedFormat", err)
		}
	}
}

func TestDecodeRecords_JSONNumbers(t *testing.T) {
	recs, err := DecodeRecords(FormatJSON, []byte(`{"big":18446744073709551615,"neg":-3,"f":1e3,"nested":{"n":[1,2]}}`))
	if err != nil {
		t.Fatal(err)
	}
	rec := recs[0]
	if v, ok := rec["big"].(uint64); !ok || v != 18446744073709551615 {
		t.Errorf("big = %#v", rec["big"])
	}
	if v, ok := rec["neg"].(int64); !ok || v != -3 {
		t.Errorf("neg = %#v", rec["neg"])
	}
	if v, ok := rec["f"].(float64); !ok || v != 1000 {
		t.Errorf("f = %#v", rec["f"])
	}
	list := rec["nested"].(map[string]interface{})["n"].([]interface{})
	if v, ok := list[1].(int64); !ok || v != 2 {
		t.Errorf("nested = %#v", list)
	}
}

func TestDecodeRecords_Errors(t *testing.T) {
	arrayOfScalars, _ := msgpack.Marshal([]int{1, 2})
	tests := []struct {
		name   string
		format Format
		body   string
	}{
		{"json trailing data", FormatJSON, `{"a":1} {"b":2}`},
		{"json array of scalars", FormatJSON, `[1,2]`},
		{"ndjson non-object", FormatNDJSON, "{\"a\":1}\n[1]\n"},
		{"ndjson malformed", FormatNDJSON, "{\"a\":1}\n{\n"},
		{"msgpack empty", FormatMsgpack, ""},
		{"msgpack scalars", FormatMsgpack, string(arrayOfScalars)},
		{"msgpack garbage", FormatMsgpack, "\xc1"},
		{"unknown format", Format("xml"), "<a/>"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeRecords(tt.format, []byte(tt.body)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestDecodeRecords_MsgpackStream(t *testing.T) {
	a, _ := msgpack.Marshal(map[string]interface{}{"n": 1})
	b, _ := msgpack.Marshal(map[string]interface{}{"n": 2})
	recs, err := DecodeRecords(FormatMsgpack, append(a, b...))
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Errorf("records = %d, want 2", len(recs))
	}
}

func TestPayloadFormat(t *testing.T) {
	m, _ := msgpack.Marshal(map[string]interface{}{"a": 1})
	if payloadFormat(m) != FormatMsgpack {
		t.Error("msgpack map sniffed as JSON")
	}
	if payloadFormat([]byte("  {\"a\":1}")) != FormatJSON || payloadFormat([]byte("[]")) != FormatJSON {
		t.Error("JSON not sniffed")
	}
}
