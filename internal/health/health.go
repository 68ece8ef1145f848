// Package health serves the /live and /ready probes of the stats listener.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCheckTimeout bounds one readiness check.
const DefaultCheckTimeout = 2 * time.Second

// Status is the state of a probe or one of its components.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// ComponentCheck is the result of one named check.
type ComponentCheck struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// Response is the probe body.
type Response struct {
	Status     Status                    `json:"status"`
	Components map[string]ComponentCheck `json:"components,omitempty"`
	Timestamp  string                    `json:"timestamp"`
}

// CheckFunc returns nil when the component can take traffic.
type CheckFunc func(ctx context.Context) error

// Checker aggregates readiness checks. Liveness only fails on shutdown or
// after a fatal shipping error has been recorded.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration

	shuttingDown atomic.Bool
	fatal        atomic.Pointer[string]
}

// New creates a Checker. A zero timeout means DefaultCheckTimeout.
func New(timeout time.Duration) *Checker {
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}
	return &Checker{
		checks:  make(map[string]CheckFunc),
		timeout: timeout,
	}
}

// RegisterReadiness adds or replaces a named readiness check.
func (c *Checker) RegisterReadiness(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
}

// SetShuttingDown makes both probes report down.
func (c *Checker) SetShuttingDown() {
	c.shuttingDown.Store(true)
}

// SetFatal records an unrecoverable shipping error. Both probes report
// down from then on with err as the message.
func (c *Checker) SetFatal(err error) {
	msg := err.Error()
	c.fatal.Store(&msg)
}

// down returns the process-level failure, if any.
func (c *Checker) down() (ComponentCheck, bool) {
	if msg := c.fatal.Load(); msg != nil {
		return ComponentCheck{Status: StatusDown, Message: *msg}, true
	}
	if c.shuttingDown.Load() {
		return ComponentCheck{Status: StatusDown, Message: "shutting down"}, true
	}
	return ComponentCheck{}, false
}

// LiveHandler serves /live.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check, down := c.down(); down {
			writeJSON(w, http.StatusServiceUnavailable, Response{
				Status:     StatusDown,
				Components: map[string]ComponentCheck{"process": check},
				Timestamp:  now(),
			})
			return
		}
		writeJSON(w, http.StatusOK, Response{Status: StatusUp, Timestamp: now()})
	}
}

// ReadyHandler serves /ready. Checks run concurrently, each under the
// checker timeout; any failure makes the response 503.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check, down := c.down(); down {
			writeJSON(w, http.StatusServiceUnavailable, Response{
				Status:     StatusDown,
				Components: map[string]ComponentCheck{"process": check},
				Timestamp:  now(),
			})
			return
		}

		components := c.Run(r.Context())
		overall := StatusUp
		for _, comp := range components {
			if comp.Status == StatusDown {
				overall = StatusDown
				break
			}
		}

		code := http.StatusOK
		if overall == StatusDown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, Response{
			Status:     overall,
			Components: components,
			Timestamp:  now(),
		})
	}
}

// Run executes every readiness check and returns their results by name.
func (c *Checker) Run(ctx context.Context) map[string]ComponentCheck {
	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make([]CheckFunc, len(names))
	for i, name := range names {
		checks[i] = c.checks[name]
	}
	c.mu.RUnlock()

	results := make([]ComponentCheck, len(names))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func(i int, check CheckFunc) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			if err := check(cctx); err != nil {
				results[i] = ComponentCheck{Status: StatusDown, Message: err.Error()}
				return
			}
			results[i] = ComponentCheck{Status: StatusUp}
		}(i, check)
	}
	wg.Wait()

	out := make(map[string]ComponentCheck, len(names))
	for i, name := range names {
		out[name] = results[i]
	}
	return out
}

// Register mounts /live and /ready on mux.
func (c *Checker) Register(mux *http.ServeMux) {
	mux.HandleFunc("/live", c.LiveHandler())
	mux.HandleFunc("/ready", c.ReadyHandler())
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func writeJSON(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
