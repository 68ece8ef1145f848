package receiver

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/szibis/td-shipper/internal/buffer"
	"github.com/szibis/td-shipper/internal/compression"
	"github.com/szibis/td-shipper/internal/logging"
	tlspkg "github.com/szibis/td-shipper/internal/tls"
)

// RecordsPath is the ingestion endpoint.
const RecordsPath = "/v1/records"

// HTTPServerConfig holds HTTP server settings.
type HTTPServerConfig struct {
	// MaxRequestBodySize limits the request body, before and after gzip
	// decoding. Zero means 16 MiB.
	MaxRequestBodySize int64
	ReadTimeout        time.Duration
	ReadHeaderTimeout  time.Duration
	WriteTimeout       time.Duration
	IdleTimeout        time.Duration
}

// HTTPConfig holds the HTTP receiver configuration.
type HTTPConfig struct {
	Addr   string
	TLS    tlspkg.ServerConfig
	Server HTTPServerConfig
}

// HTTPReceiver accepts records on POST /v1/records.
type HTTPReceiver struct {
	server             *http.Server
	sink               Sink
	addr               string
	tlsConfig          *tls.Config
	maxRequestBodySize int64
	closed             atomic.Bool
}

type acceptedResponse struct {
	Accepted int    `json:"accepted"`
	Error    string `json:"error,omitempty"`
}

// NewHTTP creates an HTTP receiver.
func NewHTTP(cfg HTTPConfig, sink Sink) (*HTTPReceiver, error) {
	r := &HTTPReceiver{
		sink:               sink,
		addr:               cfg.Addr,
		maxRequestBodySize: cfg.Server.MaxRequestBodySize,
	}
	if r.maxRequestBodySize <= 0 {
		r.maxRequestBodySize = 16 * 1024 * 1024
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := tlspkg.NewServerTLSConfig(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("http receiver TLS: %w", err)
		}
		r.tlsConfig = tlsConfig
	}

	mux := http.NewServeMux()
	mux.HandleFunc(RecordsPath, r.handleRecords)

	readHeaderTimeout := cfg.Server.ReadHeaderTimeout
	if readHeaderTimeout == 0 {
		readHeaderTimeout = 1 * time.Minute
	}
	writeTimeout := cfg.Server.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 30 * time.Second
	}
	idleTimeout := cfg.Server.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 1 * time.Minute
	}

	r.server = &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		TLSConfig:         r.tlsConfig,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	return r, nil
}

// Handler returns the request handler, for tests and embedding.
func (r *HTTPReceiver) Handler() http.Handler {
	return r.server.Handler
}

func (r *HTTPReceiver) handleRecords(w http.ResponseWriter, req *http.Request) {
	receiverRequestsTotal.WithLabelValues(sourceHTTP).Inc()

	if req.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if r.closed.Load() {
		writeJSON(w, http.StatusServiceUnavailable, acceptedResponse{Error: "shutting down"})
		return
	}

	format, err := FormatFromContentType(req.Header.Get("Content-Type"))
	if err != nil {
		incError(sourceHTTP, "decode")
		http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, r.maxRequestBodySize))
	req.Body.Close()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			incError(sourceHTTP, "read")
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		incError(sourceHTTP, "read")
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	if req.Header.Get("Content-Encoding") == "gzip" {
		body, err = compression.GunzipLimit(body, r.maxRequestBodySize)
		if errors.Is(err, compression.ErrTooLarge) {
			incError(sourceHTTP, "read")
			http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		if err != nil {
			incError(sourceHTTP, "decode")
			http.Error(w, "Failed to decompress body", http.StatusBadRequest)
			return
		}
	}

	records, err := DecodeRecords(format, body)
	if err != nil {
		incError(sourceHTTP, "decode")
		writeJSON(w, http.StatusBadRequest, acceptedResponse{Error: err.Error()})
		return
	}

	eventTime := time.Now()
	for i, rec := range records {
		if err := r.sink.Receive(req.Context(), rec, eventTime); err != nil {
			status := http.StatusBadRequest
			typ := "invalid"
			if isBackpressure(err) {
				status = http.StatusServiceUnavailable
				typ = "rejected"
				w.Header().Set("Retry-After", "5")
			}
			incError(sourceHTTP, typ)
			receiverRecordsTotal.WithLabelValues(sourceHTTP).Add(float64(i))
			writeJSON(w, status, acceptedResponse{
				Accepted: i,
				Error:    fmt.Sprintf("record %d: %v", i, err),
			})
			return
		}
	}

	receiverRecordsTotal.WithLabelValues(sourceHTTP).Add(float64(len(records)))
	writeJSON(w, http.StatusAccepted, acceptedResponse{Accepted: len(records)})
}

// isBackpressure reports errors that reject a record for buffer state
// rather than for its content.
func isBackpressure(err error) bool {
	return errors.Is(err, buffer.ErrClosed) ||
		errors.Is(err, buffer.ErrBufferFull) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start serves until Stop. It returns http.ErrServerClosed after Stop.
func (r *HTTPReceiver) Start() error {
	logging.Info("HTTP receiver started", logging.F(
		"component", "receiver",
		"addr", r.addr,
		"tls", r.tlsConfig != nil,
	))
	if r.tlsConfig != nil {
		return r.server.ListenAndServeTLS("", "")
	}
	return r.server.ListenAndServe()
}

// Serve serves on an existing listener.
func (r *HTTPReceiver) Serve(ln net.Listener) error {
	if r.tlsConfig != nil {
		return r.server.ServeTLS(ln, "", "")
	}
	return r.server.Serve(ln)
}

// Stop rejects new records with 503 and shuts the server down gracefully.
func (r *HTTPReceiver) Stop(ctx context.Context) error {
	r.closed.Store(true)
	return r.server.Shutdown(ctx)
}

// HealthCheck returns nil if the receiver port accepts connections.
func (r *HTTPReceiver) HealthCheck() error {
	conn, err := net.DialTimeout("tcp", r.addr, 1*time.Second)
	if err != nil {
		return fmt.Errorf("http receiver not accepting connections: %w", err)
	}
	return conn.Close()
}
