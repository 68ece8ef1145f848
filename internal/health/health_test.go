package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func probe(t *testing.T, c *Checker, path string) (int, Response) {
	t.Helper()
	mux := http.NewServeMux()
	c.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %s", ct)
	}
	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	return rec.Code, resp
}

func TestLive_Healthy(t *testing.T) {
	code, resp := probe(t, New(0), "/live")
	if code != http.StatusOK || resp.Status != StatusUp {
		t.Fatalf("got %d %s", code, resp.Status)
	}
}

func TestLive_ShuttingDown(t *testing.T) {
	c := New(0)
	c.SetShuttingDown()

	code, resp := probe(t, c, "/live")
	if code != http.StatusServiceUnavailable || resp.Status != StatusDown {
		t.Fatalf("got %d %s", code, resp.Status)
	}
	if resp.Components["process"].Message != "shutting down" {
		t.Errorf("message = %q", resp.Components["process"].Message)
	}
}

func TestFatalTakesPrecedence(t *testing.T) {
	c := New(0)
	c.RegisterReadiness("http_receiver", func(context.Context) error { return nil })
	c.SetShuttingDown()
	c.SetFatal(errors.New("table events not found after provisioning"))

	for _, path := range []string{"/live", "/ready"} {
		code, resp := probe(t, c, path)
		if code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, code)
		}
		if got := resp.Components["process"].Message; got != "table events not found after provisioning" {
			t.Errorf("%s: message = %q", path, got)
		}
	}
}

func TestReady_AllHealthy(t *testing.T) {
	c := New(0)
	c.RegisterReadiness("http_receiver", func(context.Context) error { return nil })
	c.RegisterReadiness("redis", func(context.Context) error { return nil })

	code, resp := probe(t, c, "/ready")
	if code != http.StatusOK || resp.Status != StatusUp {
		t.Fatalf("got %d %s", code, resp.Status)
	}
	if len(resp.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(resp.Components))
	}
}

func TestReady_OneDown(t *testing.T) {
	c := New(0)
	c.RegisterReadiness("http_receiver", func(context.Context) error { return nil })
	c.RegisterReadiness("redis", func(context.Context) error {
		return errors.New("connection refused")
	})

	code, resp := probe(t, c, "/ready")
	if code != http.StatusServiceUnavailable || resp.Status != StatusDown {
		t.Fatalf("got %d %s", code, resp.Status)
	}
	comp := resp.Components["redis"]
	if comp.Status != StatusDown || comp.Message != "connection refused" {
		t.Fatalf("redis = %+v", comp)
	}
	if resp.Components["http_receiver"].Status != StatusUp {
		t.Error("healthy component reported down")
	}
}

func TestReady_CheckTimeout(t *testing.T) {
	c := New(20 * time.Millisecond)
	c.RegisterReadiness("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	start := time.Now()
	code, resp := probe(t, c, "/ready")
	if code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", code)
	}
	if resp.Components["slow"].Message != context.DeadlineExceeded.Error() {
		t.Errorf("message = %q", resp.Components["slow"].Message)
	}
	if time.Since(start) > time.Second {
		t.Error("check timeout not applied")
	}
}

func TestReady_NoChecks(t *testing.T) {
	code, _ := probe(t, New(0), "/ready")
	if code != http.StatusOK {
		t.Fatalf("expected 200 with no checks, got %d", code)
	}
}

func TestRegisterReadiness_Replaces(t *testing.T) {
	c := New(0)
	c.RegisterReadiness("buffer", func(context.Context) error { return errors.New("full") })
	c.RegisterReadiness("buffer", func(context.Context) error { return nil })

	results := c.Run(context.Background())
	if len(results) != 1 || results["buffer"].Status != StatusUp {
		t.Fatalf("results = %+v", results)
	}
}
