// Package sender imports chunks and drives the one-shot
// provision-and-retry policy for missing targets.
package sender

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/td-shipper/internal/chunk"
	"github.com/szibis/td-shipper/internal/logging"
	"github.com/szibis/td-shipper/internal/tdclient"
)

var (
	importsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "td_shipper_imports_total",
		Help: "Total chunks imported successfully",
	})

	importBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "td_shipper_import_bytes_total",
		Help: "Total compressed bytes imported successfully",
	})

	importRowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "td_shipper_import_rows_total",
		Help: "Total rows imported successfully",
	})

	sendFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "td_shipper_send_failures_total",
			Help: "Total failed chunk sends by the state the failure happened in",
		},
		[]string{"state"},
	)

	provisionRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "td_shipper_provision_retries_total",
		Help: "Total chunks re-sent after provisioning a missing target",
	})

	sendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "td_shipper_send_duration_seconds",
		Help:    "Duration of chunk sends including provisioning and retry",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})
)

func init() {
	prometheus.MustRegister(importsTotal)
	prometheus.MustRegister(importBytesTotal)
	prometheus.MustRegister(importRowsTotal)
	prometheus.MustRegister(sendFailuresTotal)
	prometheus.MustRegister(provisionRetriesTotal)
	prometheus.MustRegister(sendDuration)
}

// State is a step of the send state machine.
type State string

const (
	StateBuilding          State = "building"
	StateSending           State = "sending"
	StateProvisionAndRetry State = "provision_and_retry"
	StateSendingRetry      State = "sending_retry"
	StateSucceeded         State = "succeeded"
	StateFailed            State = "failed"
)

// SendError reports a chunk that reached the failed state. State is where
// the failure happened. Fatal marks failures that retrying the chunk
// cannot fix, such as a target that could not be provisioned.
type SendError struct {
	Token string
	State State
	Fatal bool
	Err   error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send chunk %s: %s: %v", e.Token, e.State, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err carries a fatal SendError.
func IsFatal(err error) bool {
	var se *SendError
	return errors.As(err, &se) && se.Fatal
}

// Importer uploads one chunk.
type Importer interface {
	Import(ctx context.Context, db, table, format string, data []byte, size int, token string) error
}

// Provisioner creates a missing target.
type Provisioner interface {
	Ensure(ctx context.Context, database, table string) error
}

// Option configures a Sender.
type Option func(*Sender)

// WithAutoCreate enables provisioning on a not-found import.
func WithAutoCreate(p Provisioner) Option {
	return func(s *Sender) {
		s.provisioner = p
	}
}

// Sender ships chunks to one database and table.
type Sender struct {
	importer    Importer
	provisioner Provisioner
	assembler   *chunk.Assembler
	database    string
	table       string
}

// New creates a Sender. Without WithAutoCreate a missing target fails the
// chunk immediately.
func New(importer Importer, assembler *chunk.Assembler, database, table string, opts ...Option) *Sender {
	s := &Sender{
		importer:  importer,
		assembler: assembler,
		database:  database,
		table:     table,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ship builds a chunk from the batch and sends it. It returns the chunk
// token, also on failure once a token was assigned, so a retry of the batch
// can reuse it. An empty batch makes no remote calls.
func (s *Sender) Ship(ctx context.Context, b chunk.Batch) (string, error) {
	c, err := s.assembler.Build(b)
	if err != nil {
		sendFailuresTotal.WithLabelValues(string(StateBuilding)).Inc()
		return b.Token, &SendError{Token: b.Token, State: StateBuilding, Err: err}
	}
	if c == nil {
		return "", nil
	}
	return c.Token, s.Send(ctx, c)
}

// Send imports the chunk. A not-found answer with auto-create enabled
// provisions the target and re-sends the identical chunk exactly once.
func (s *Sender) Send(ctx context.Context, c *chunk.Chunk) error {
	start := time.Now()
	defer func() {
		sendDuration.Observe(time.Since(start).Seconds())
	}()

	logging.Debug("sending chunk", logging.F(
		"component", "sender",
		"token", c.Token,
		"rows", c.Rows,
		"bytes", len(c.Data),
		"raw_bytes", c.RawBytes,
	))

	err := s.importChunk(ctx, c)
	if err == nil {
		return s.succeeded(c)
	}
	if !errors.Is(err, tdclient.ErrNotFound) || s.provisioner == nil {
		return s.failed(c, StateSending, false, err)
	}

	logging.Warn("target not found, provisioning", logging.F(
		"component", "sender",
		"token", c.Token,
		"database", s.database,
		"table", s.table,
	))
	if err := s.provisioner.Ensure(ctx, s.database, s.table); err != nil {
		return s.failed(c, StateProvisionAndRetry, true, err)
	}

	provisionRetriesTotal.Inc()
	if err := s.importChunk(ctx, c); err != nil {
		return s.failed(c, StateSendingRetry, errors.Is(err, tdclient.ErrNotFound), err)
	}
	return s.succeeded(c)
}

func (s *Sender) importChunk(ctx context.Context, c *chunk.Chunk) error {
	return s.importer.Import(ctx, s.database, s.table, chunk.Format, c.Data, len(c.Data), c.Token)
}

func (s *Sender) succeeded(c *chunk.Chunk) error {
	importsTotal.Inc()
	importBytesTotal.Add(float64(len(c.Data)))
	importRowsTotal.Add(float64(c.Rows))
	logging.Debug("chunk imported", logging.F(
		"component", "sender",
		"token", c.Token,
		"state", string(StateSucceeded),
	))
	return nil
}

func (s *Sender) failed(c *chunk.Chunk, state State, fatal bool, err error) error {
	sendFailuresTotal.WithLabelValues(string(state)).Inc()
	return &SendError{Token: c.Token, State: state, Fatal: fatal, Err: err}
}
