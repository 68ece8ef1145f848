package shipper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/goleak"

	"github.com/szibis/td-shipper/internal/buffer"
	"github.com/szibis/td-shipper/internal/cardinality"
	"github.com/szibis/td-shipper/internal/codec"
	"github.com/szibis/td-shipper/internal/compression"
	"github.com/szibis/td-shipper/internal/tdclient"
)

// fakeAPI is a minimal in-memory import API.
type fakeAPI struct {
	mu        sync.Mutex
	databases map[string]bool
	tables    map[string]bool
	imports   map[string][]byte
	calls     []string
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		databases: map[string]bool{},
		tables:    map[string]bool{},
		imports:   map[string][]byte{},
	}
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v3/"), "/")
	body, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case len(parts) == 3 && parts[0] == "database" && parts[1] == "create":
		f.calls = append(f.calls, "create_database")
		if f.databases[parts[2]] {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.databases[parts[2]] = true
	case len(parts) == 5 && parts[0] == "table" && parts[1] == "create":
		f.calls = append(f.calls, "create_table")
		if !f.databases[parts[2]] {
			http.Error(w, `{"error":"database not found"}`, http.StatusNotFound)
			return
		}
		key := parts[2] + "." + parts[3]
		if f.tables[key] {
			w.WriteHeader(http.StatusConflict)
			return
		}
		f.tables[key] = true
	case len(parts) == 6 && parts[0] == "table" && parts[1] == "import_with_id":
		f.calls = append(f.calls, "import")
		if !f.tables[parts[2]+"."+parts[3]] {
			http.Error(w, `{"error":"table not found"}`, http.StatusNotFound)
			return
		}
		f.imports[parts[4]] = body
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	_, _ = io.WriteString(w, `{}`)
}

func (f *fakeAPI) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Rows decodes every imported chunk.
func (f *fakeAPI) Rows(t *testing.T) []map[string]interface{} {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	var rows []map[string]interface{}
	for token, data := range f.imports {
		raw, err := compression.Gunzip(data)
		if err != nil {
			t.Fatalf("chunk %s: %v", token, err)
		}
		dec := msgpack.NewDecoder(bytes.NewReader(raw))
		for {
			var row map[string]interface{}
			if err := dec.Decode(&row); err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				t.Fatalf("chunk %s: decode: %v", token, err)
			}
			rows = append(rows, row)
		}
	}
	return rows
}

func newClient(t *testing.T, api http.Handler) *tdclient.Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)

	cfg := tdclient.DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.APIKey = "test-key"
	cfg.MaxTries = 1
	c, err := tdclient.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(c.Close)
	return c
}

func testConfig() Config {
	return Config{
		Database:        "app_logs",
		Table:           "access",
		AutoCreateTable: true,
		FlushSize:       2,
		FlushInterval:   time.Hour,
	}
}

func TestOutput_EndToEnd_AutoCreate(t *testing.T) {
	api := newFakeAPI()
	out, err := New(testConfig(), newClient(t, api))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	go out.Start(ctx)

	eventTime := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		if err := out.Receive(ctx, codec.Record{"seq": i, "path": "/index"}, eventTime); err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
	}
	if err := out.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	calls := api.Calls()
	want := []string{"import", "create_table", "create_database", "create_table", "import"}
	if len(calls) < len(want) {
		t.Fatalf("calls = %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("calls = %v, want prefix %v", calls, want)
		}
	}

	rows := api.Rows(t)
	if len(rows) != 5 {
		t.Fatalf("imported rows = %d, want 5", len(rows))
	}
	seen := map[int64]bool{}
	for _, row := range rows {
		if fmt.Sprint(row["time"]) != "1700000000" {
			t.Errorf("time = %v", row["time"])
		}
		seen[toInt64(row["seq"])] = true
	}
	if len(seen) != 5 {
		t.Errorf("distinct seq = %d", len(seen))
	}
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	}
	return -1
}

func TestOutput_AutoCreateDisabled(t *testing.T) {
	api := newFakeAPI()
	cfg := testConfig()
	cfg.AutoCreateTable = false

	var mu sync.Mutex
	var flushErrs []*buffer.FlushError
	cfg.OnFlushError = func(fe *buffer.FlushError) {
		mu.Lock()
		flushErrs = append(flushErrs, fe)
		mu.Unlock()
	}

	out, err := New(cfg, newClient(t, api))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_ = out.Receive(ctx, codec.Record{"a": 1}, time.Time{})

	err = out.Close(ctx)
	if !errors.Is(err, tdclient.ErrNotFound) {
		t.Fatalf("Close = %v, want not found", err)
	}
	if calls := api.Calls(); len(calls) != 1 || calls[0] != "import" {
		t.Errorf("calls = %v", calls)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(flushErrs) != 1 || !flushErrs[0].Final || flushErrs[0].Rows != 1 {
		t.Errorf("flush errors = %+v", flushErrs)
	}
}

func TestReceive_InvalidRecordNotBuffered(t *testing.T) {
	out, err := New(testConfig(), newClient(t, newFakeAPI()))
	if err != nil {
		t.Fatal(err)
	}

	rec := codec.Record{}
	for i := 0; i < 600; i++ {
		rec[fmt.Sprintf("k%d", i)] = i
	}
	err = out.Receive(context.Background(), rec, time.Time{})
	var verr *codec.ValidationError
	if !errors.As(err, &verr) || !IsRecordError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if pending, outgoing := out.Stats(); pending != 0 || outgoing != 0 {
		t.Errorf("buffer changed: pending=%d outgoing=%d", pending, outgoing)
	}
	_ = out.Close(context.Background())
}

func TestReceive_AfterClose(t *testing.T) {
	out, err := New(testConfig(), newClient(t, newFakeAPI()))
	if err != nil {
		t.Fatal(err)
	}
	if err := out.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	err = out.Receive(context.Background(), codec.Record{"a": 1}, time.Time{})
	if !errors.Is(err, buffer.ErrClosed) || IsRecordError(err) {
		t.Errorf("Receive after Close = %v", err)
	}
}

func TestReceive_TracksFields(t *testing.T) {
	cfg := testConfig()
	cfg.Fields = &cardinality.Config{Mode: cardinality.ModeExact}
	out, err := New(cfg, newClient(t, newFakeAPI()))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	_ = out.Receive(ctx, codec.Record{"host": "a"}, time.Time{})
	if !out.fields.Known("host") {
		t.Error("field not tracked")
	}
	if err := out.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestReceive_RejectedRecordFieldsNotTracked(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPending = 2
	cfg.FullBufferPolicy = buffer.PolicyReject
	cfg.Fields = &cardinality.Config{Mode: cardinality.ModeExact}
	out, err := New(cfg, newClient(t, newFakeAPI()))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	// Without Start the drained batch stays outgoing, so the buffer is full.
	for i := 0; i < 2; i++ {
		if err := out.Receive(ctx, codec.Record{"host": "a"}, time.Time{}); err != nil {
			t.Fatalf("Receive %d: %v", i, err)
		}
	}
	err = out.Receive(ctx, codec.Record{"late_field": 1}, time.Time{})
	if !errors.Is(err, buffer.ErrBufferFull) {
		t.Fatalf("Receive = %v, want ErrBufferFull", err)
	}
	if out.fields.Known("late_field") {
		t.Error("field of a rejected record was tracked")
	}
	if !out.fields.Known("host") {
		t.Error("field of an accepted record was not tracked")
	}
	if err := out.Close(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad database", func(c *Config) { c.Database = "Bad-Name" }},
		{"short table", func(c *Config) { c.Table = "ab" }},
		{"zero flush size", func(c *Config) { c.FlushSize = 0 }},
		{"zero interval", func(c *Config) { c.FlushInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected error")
			}
		})
	}
	if err := testConfig().Validate(); err != nil {
		t.Errorf("valid config rejected: %v", err)
	}
}

func TestOutput_NoLeaks(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	api := newFakeAPI()
	api.databases["app_logs"] = true
	api.tables["app_logs.access"] = true

	srv := httptest.NewServer(api)
	cfg := tdclient.DefaultConfig()
	cfg.Endpoint = srv.URL
	client, err := tdclient.New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	out, err := New(testConfig(), client)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		out.Start(ctx)
		close(done)
	}()
	for i := 0; i < 3; i++ {
		_ = out.Receive(ctx, codec.Record{"i": i}, time.Time{})
	}
	cancel()
	<-done
	client.Close()
	srv.Close()
}
