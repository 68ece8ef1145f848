// Package shipper is the record intake facade: it validates and encodes
// records, feeds the buffer, and owns the flush lifecycle.
package shipper

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/td-shipper/internal/buffer"
	"github.com/szibis/td-shipper/internal/cardinality"
	"github.com/szibis/td-shipper/internal/chunk"
	"github.com/szibis/td-shipper/internal/codec"
	"github.com/szibis/td-shipper/internal/compression"
	"github.com/szibis/td-shipper/internal/provision"
	"github.com/szibis/td-shipper/internal/sender"
	"github.com/szibis/td-shipper/internal/tdclient"
)

var recordsReceivedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "td_shipper_records_received_total",
		Help: "Total records received by result (accepted, invalid, rejected)",
	},
	[]string{"result"},
)

func init() {
	prometheus.MustRegister(recordsReceivedTotal)
	for _, r := range []string{"accepted", "invalid", "rejected"} {
		recordsReceivedTotal.WithLabelValues(r).Add(0)
	}
}

// Client is the remote API surface the pipeline needs.
type Client interface {
	sender.Importer
	provision.Client
}

// RetryQueueConfig configures the in-memory retry queue for failed batches.
type RetryQueueConfig struct {
	Enabled    bool
	MaxBatches int
	MaxBytes   int64
	Interval   time.Duration
}

// Config wires one Output to one database and table.
type Config struct {
	Database         string
	Table            string
	AutoCreateTable  bool
	FlushSize        int
	FlushInterval    time.Duration
	MaxPending       int
	FullBufferPolicy buffer.Policy
	TokenReuse       chunk.TokenMode
	Compression      compression.Level
	RetryQueue       RetryQueueConfig
	// Fields enables field cardinality tracking when non-nil.
	Fields *cardinality.Config

	OnFlushError func(*buffer.FlushError)
	OnFullBuffer func(buffer.FullBufferEvent)
}

// Validate checks the target names and thresholds.
func (c Config) Validate() error {
	if err := tdclient.ValidateDatabaseName(c.Database); err != nil {
		return err
	}
	if err := tdclient.ValidateTableName(c.Table); err != nil {
		return err
	}
	if c.FlushSize <= 0 {
		return fmt.Errorf("flush size must be positive, got %d", c.FlushSize)
	}
	if c.FlushInterval <= 0 {
		return fmt.Errorf("flush interval must be positive, got %s", c.FlushInterval)
	}
	return nil
}

// Output accepts records and ships them in batches.
type Output struct {
	encoder *codec.Encoder
	buffer  *buffer.RowBuffer
	fields  *cardinality.FieldTracker
	closed  atomic.Bool
}

// New assembles the encode, buffer and send pipeline for cfg.
func New(cfg Config, client Client, opts ...codec.Option) (*Output, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var senderOpts []sender.Option
	if cfg.AutoCreateTable {
		senderOpts = append(senderOpts, sender.WithAutoCreate(provision.New(client)))
	}
	snd := sender.New(client, chunk.NewAssembler(cfg.TokenReuse, cfg.Compression), cfg.Database, cfg.Table, senderOpts...)

	bufOpts := []buffer.BufferOption{buffer.WithPolicy(cfg.FullBufferPolicy)}
	if cfg.MaxPending > 0 {
		bufOpts = append(bufOpts, buffer.WithMaxPending(cfg.MaxPending))
	}
	if cfg.RetryQueue.Enabled {
		q := buffer.NewMemoryQueue(cfg.RetryQueue.MaxBatches, cfg.RetryQueue.MaxBytes)
		bufOpts = append(bufOpts, buffer.WithFailoverQueue(q, cfg.RetryQueue.Interval))
	}
	if cfg.OnFlushError != nil {
		bufOpts = append(bufOpts, buffer.WithFlushErrorHandler(cfg.OnFlushError))
	}
	if cfg.OnFullBuffer != nil {
		bufOpts = append(bufOpts, buffer.WithFullBufferHandler(cfg.OnFullBuffer))
	}

	out := &Output{
		encoder: codec.New(opts...),
		buffer:  buffer.New(snd, cfg.FlushSize, cfg.FlushInterval, bufOpts...),
	}
	if cfg.Fields != nil {
		out.fields = cardinality.NewFieldTracker(*cfg.Fields)
	}
	return out, nil
}

// Start runs the flush loop until ctx ends; it then flushes once more.
func (o *Output) Start(ctx context.Context) {
	o.buffer.Start(ctx)
}

// Receive encodes one record and buffers it. Validation and encoding
// errors are returned here and the record is not buffered. eventTime fills
// a missing time field; zero means now.
func (o *Output) Receive(ctx context.Context, rec codec.Record, eventTime time.Time) error {
	if o.closed.Load() {
		recordsReceivedTotal.WithLabelValues("rejected").Inc()
		return buffer.ErrClosed
	}

	res, err := o.encoder.Encode(rec, eventTime)
	if err != nil {
		recordsReceivedTotal.WithLabelValues("invalid").Inc()
		return err
	}
	if err := o.buffer.Append(ctx, res.Row); err != nil {
		recordsReceivedTotal.WithLabelValues("rejected").Inc()
		return err
	}
	if o.fields != nil {
		o.fields.Observe(rec)
	}
	recordsReceivedTotal.WithLabelValues("accepted").Inc()
	return nil
}

// Close rejects further records and flushes everything buffered. Only the
// first call flushes.
func (o *Output) Close(ctx context.Context) error {
	o.closed.Store(true)
	return o.buffer.Close(ctx)
}

// Stats returns the buffered row counts.
func (o *Output) Stats() (pending, outgoing int) {
	return o.buffer.Stats()
}

// IsRecordError reports whether err rejects a single record rather than
// signalling buffer state.
func IsRecordError(err error) bool {
	return errors.Is(err, codec.ErrValidation) || errors.Is(err, codec.ErrEncoding)
}
