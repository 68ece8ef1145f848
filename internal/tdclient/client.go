// Package tdclient is a small HTTP client for the Treasure Data bulk import
// API: database and log table creation, and chunk import with an
// idempotency token.
package tdclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/td-shipper/internal/logging"
	tlspkg "github.com/szibis/td-shipper/internal/tls"
)

var (
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "td_shipper_api_requests_total",
			Help: "Total API requests by operation and status code",
		},
		[]string{"op", "status"},
	)

	apiErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "td_shipper_api_errors_total",
			Help: "Total failed API requests by operation and error kind",
		},
		[]string{"op", "kind"},
	)

	apiRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "td_shipper_api_retries_total",
			Help: "Total API request retries by operation",
		},
		[]string{"op"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "td_shipper_api_request_duration_seconds",
			Help:    "Duration of single API request attempts",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(apiRequestsTotal)
	prometheus.MustRegister(apiErrorsTotal)
	prometheus.MustRegister(apiRetriesTotal)
	prometheus.MustRegister(apiRequestDuration)
}

const (
	opCreateDatabase = "create_database"
	opCreateTable    = "create_table"
	opImport         = "import"

	// maxErrorBody bounds how much of an error response is read.
	maxErrorBody = 64 * 1024
)

// Config holds client settings.
type Config struct {
	APIKey   string
	Endpoint string
	UseSSL   bool
	// HTTPProxy overrides the proxy from the environment.
	HTTPProxy      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// SendTimeout bounds one whole request attempt.
	SendTimeout time.Duration
	TLS         tlspkg.ClientConfig
	// Version is reported in the User-Agent.
	Version string

	// MaxTries bounds attempts per call, including the first. 1 disables retries.
	MaxTries             uint
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
	RetryMaxElapsedTime  time.Duration
}

// DefaultConfig returns a Config with the API defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:             DefaultEndpoint,
		UseSSL:               true,
		ConnectTimeout:       60 * time.Second,
		ReadTimeout:          60 * time.Second,
		SendTimeout:          60 * time.Second,
		Version:              "dev",
		MaxTries:             5,
		RetryInitialInterval: 500 * time.Millisecond,
		RetryMaxInterval:     10 * time.Second,
		RetryMaxElapsedTime:  2 * time.Minute,
	}
}

// Client talks to the bulk import API. Safe for concurrent use.
type Client struct {
	base      *url.URL
	http      *http.Client
	transport *http.Transport
	auth      *authTransport
	cfg       Config
}

// New creates a Client.
func New(cfg Config) (*Client, error) {
	base, err := baseURL(cfg.Endpoint, cfg.UseSSL)
	if err != nil {
		return nil, err
	}
	transport, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 1
	}
	auth := newAuthTransport(transport, cfg.APIKey, "td-shipper/"+cfg.Version)

	return &Client{
		base:      base,
		transport: transport,
		auth:      auth,
		cfg:       cfg,
		http: &http.Client{
			Transport: auth,
			Timeout:   cfg.SendTimeout,
		},
	}, nil
}

// SetAPIKey replaces the key used by subsequent requests.
func (c *Client) SetAPIKey(key string) {
	c.auth.setAPIKey(key)
}

// Close releases idle connections.
func (c *Client) Close() {
	c.transport.CloseIdleConnections()
}

// CreateDatabase creates a database. An existing database yields an error
// matching ErrAlreadyExists.
func (c *Client) CreateDatabase(ctx context.Context, db string) error {
	return c.do(ctx, opCreateDatabase, http.MethodPost, c.path("v3", "database", "create", db), nil)
}

// CreateLogTable creates a log table. A missing database yields an error
// matching ErrNotFound, an existing table one matching ErrAlreadyExists.
func (c *Client) CreateLogTable(ctx context.Context, db, table string) error {
	return c.do(ctx, opCreateTable, http.MethodPost, c.path("v3", "table", "create", db, table, "log"), nil)
}

// Import uploads one chunk. With a token the call goes to import_with_id and
// the server deduplicates repeated uploads, so retrying is safe.
func (c *Client) Import(ctx context.Context, db, table, format string, data []byte, size int, token string) error {
	if size != len(data) {
		return fmt.Errorf("tdclient: import size %d does not match payload length %d", size, len(data))
	}
	var p string
	if token != "" {
		p = c.path("v3", "table", "import_with_id", db, table, token, format)
	} else {
		p = c.path("v3", "table", "import", db, table, format)
	}
	return c.do(ctx, opImport, http.MethodPut, p, data)
}

func (c *Client) path(segments ...string) string {
	u := *c.base
	for _, s := range segments {
		u.Path += "/" + url.PathEscape(s)
	}
	return u.String()
}

// do runs one API call with retries on transient failures.
func (c *Client) do(ctx context.Context, op, method, target string, body []byte) error {
	b := backoff.NewExponentialBackOff()
	if c.cfg.RetryInitialInterval > 0 {
		b.InitialInterval = c.cfg.RetryInitialInterval
	}
	if c.cfg.RetryMaxInterval > 0 {
		b.MaxInterval = c.cfg.RetryMaxInterval
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := c.attempt(ctx, op, method, target, body)
		var apiErr *APIError
		if err != nil && (!errors.As(err, &apiErr) || !apiErr.IsRetryable() || ctx.Err() != nil) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.MaxTries),
		backoff.WithMaxElapsedTime(c.cfg.RetryMaxElapsedTime),
		backoff.WithNotify(func(err error, next time.Duration) {
			apiRetriesTotal.WithLabelValues(op).Inc()
			logging.Warn("retrying API request", logging.F(
				"component", "tdclient",
				"op", op,
				"error", err.Error(),
				"backoff", next.String(),
			))
		}),
	)
	return err
}

// attempt performs a single request.
func (c *Client) attempt(ctx context.Context, op, method, target string, body []byte) error {
	var reader io.Reader = http.NoBody
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("tdclient: failed to create request: %w", err)
	}
	req.ContentLength = int64(len(body))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	apiRequestDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		kind := classifyError(err)
		apiRequestsTotal.WithLabelValues(op, "error").Inc()
		apiErrorsTotal.WithLabelValues(op, string(kind)).Inc()
		return &APIError{Op: op, Kind: kind, Err: err}
	}
	defer resp.Body.Close()

	apiRequestsTotal.WithLabelValues(op, strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	kind := classifyStatus(resp.StatusCode)
	apiErrorsTotal.WithLabelValues(op, string(kind)).Inc()
	return &APIError{
		Op:         op,
		Kind:       kind,
		StatusCode: resp.StatusCode,
		Message:    responseMessage(respBody),
	}
}
