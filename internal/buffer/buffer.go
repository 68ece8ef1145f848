// Package buffer accumulates encoded rows from concurrent producers and
// flushes them as batches on a count or time trigger.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/td-shipper/internal/chunk"
	"github.com/szibis/td-shipper/internal/codec"
	"github.com/szibis/td-shipper/internal/logging"
)

var (
	pendingRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "td_shipper_buffer_pending_rows",
		Help: "Rows appended and not yet drained into a batch",
	})

	outgoingRows = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "td_shipper_buffer_outgoing_rows",
		Help: "Rows drained into batches that are not flushed yet",
	})

	bufferFullTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "td_shipper_buffer_full_total",
		Help: "Total appends that found the buffer at its hard cap",
	})

	flushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "td_shipper_buffer_flushes_total",
		Help: "Total non-empty flushes by trigger (count, interval, final)",
	}, []string{"trigger"})

	flushErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "td_shipper_buffer_flush_errors_total",
		Help: "Total failed flushes by trigger",
	}, []string{"trigger"})

	flushRows = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "td_shipper_buffer_flush_rows",
		Help:    "Rows per flushed batch",
		Buckets: prometheus.ExponentialBuckets(1, 4, 10),
	})

	failoverQueuePushTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "td_shipper_retry_queue_push_total",
		Help: "Total failed batches saved to the retry queue",
	})

	failoverQueueDrainTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "td_shipper_retry_queue_drain_total",
		Help: "Total batches flushed successfully from the retry queue",
	})

	failoverQueueDrainErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "td_shipper_retry_queue_drain_errors_total",
		Help: "Total retry queue flush attempts that failed",
	})
)

func init() {
	prometheus.MustRegister(pendingRows)
	prometheus.MustRegister(outgoingRows)
	prometheus.MustRegister(bufferFullTotal)
	prometheus.MustRegister(flushesTotal)
	prometheus.MustRegister(flushErrorsTotal)
	prometheus.MustRegister(flushRows)
	prometheus.MustRegister(failoverQueuePushTotal)
	prometheus.MustRegister(failoverQueueDrainTotal)
	prometheus.MustRegister(failoverQueueDrainErrorsTotal)

	for _, trigger := range []string{triggerCount, triggerInterval, triggerFinal} {
		flushesTotal.WithLabelValues(trigger).Add(0)
		flushErrorsTotal.WithLabelValues(trigger).Add(0)
	}
}

const (
	triggerCount    = "count"
	triggerInterval = "interval"
	triggerFinal    = "final"

	// maxDrainPerTick bounds retry queue flushes per retry interval.
	maxDrainPerTick = 10
)

var (
	// ErrClosed is returned by Append once Close has begun.
	ErrClosed = errors.New("buffer: closed")
	// ErrBufferFull is returned by Append under PolicyReject when the
	// buffer is at its hard cap.
	ErrBufferFull = errors.New("buffer: full")
)

// Shipper builds and sends one batch, returning the token it used.
type Shipper interface {
	Ship(ctx context.Context, b chunk.Batch) (string, error)
}

// FailoverQueue holds failed batches for a later re-flush.
type FailoverQueue interface {
	Push(b chunk.Batch) error
	Pop() (chunk.Batch, bool)
	Len() int
	Size() int64
}

// Policy is what Append does at the hard cap.
type Policy string

const (
	// PolicyBlock waits until the flush task frees space.
	PolicyBlock Policy = "block"
	// PolicyReject fails the append with ErrBufferFull.
	PolicyReject Policy = "reject"
)

// ParsePolicy parses a full_buffer_policy setting.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyBlock:
		return PolicyBlock, nil
	case PolicyReject:
		return PolicyReject, nil
	default:
		return "", fmt.Errorf("unknown full buffer policy: %q", s)
	}
}

// FullBufferEvent reports backpressure: the row counts at the moment an
// append hit the hard cap.
type FullBufferEvent struct {
	Pending  int
	Outgoing int
}

// FlushError describes a failed flush. Token is the chunk token the batch
// was sent with, if one was assigned.
type FlushError struct {
	Token string
	Rows  int
	Final bool
	Err   error
}

func (e *FlushError) Error() string {
	return fmt.Sprintf("flush of %d rows (token %s, final=%t) failed: %v", e.Rows, e.Token, e.Final, e.Err)
}

func (e *FlushError) Unwrap() error {
	return e.Err
}

// BufferOption is a functional option for RowBuffer.
type BufferOption func(*RowBuffer)

// WithMaxPending sets the hard cap on pending plus outgoing rows. It is
// raised to maxItems when lower.
func WithMaxPending(n int) BufferOption {
	return func(b *RowBuffer) { b.maxPending = n }
}

// WithPolicy sets the full-buffer policy.
func WithPolicy(p Policy) BufferOption {
	return func(b *RowBuffer) { b.policy = p }
}

// WithFailoverQueue keeps failed batches in q and re-flushes them every
// interval with their original token.
func WithFailoverQueue(q FailoverQueue, interval time.Duration) BufferOption {
	return func(b *RowBuffer) {
		b.failoverQueue = q
		b.retryInterval = interval
	}
}

// WithFlushErrorHandler sets the callback for failed flushes. It runs on
// the flush goroutine.
func WithFlushErrorHandler(fn func(*FlushError)) BufferOption {
	return func(b *RowBuffer) { b.onFlushError = fn }
}

// WithFullBufferHandler sets the backpressure callback. It runs on the
// appending goroutine without the buffer lock held.
func WithFullBufferHandler(fn func(FullBufferEvent)) BufferOption {
	return func(b *RowBuffer) { b.onFullBuffer = fn }
}

type outgoingBatch struct {
	rows    []codec.Row
	trigger string
}

// RowBuffer buffers rows and flushes them from a single goroutine.
type RowBuffer struct {
	mu           sync.Mutex
	pending      []codec.Row
	outgoing     []outgoingBatch
	outgoingRows int
	lastFlush    time.Time
	space        chan struct{}
	started      bool
	closed       bool
	finalCtx     context.Context

	maxItems      int
	maxInterval   time.Duration
	maxPending    int
	policy        Policy
	shipper       Shipper
	failoverQueue FailoverQueue
	retryInterval time.Duration
	onFlushError  func(*FlushError)
	onFullBuffer  func(FullBufferEvent)

	flushChan chan struct{}
	closing   chan struct{}
	doneChan  chan struct{}
	finalErr  error
}

// New creates a RowBuffer that drains every maxItems rows and at least
// every maxInterval.
func New(shipper Shipper, maxItems int, maxInterval time.Duration, opts ...BufferOption) *RowBuffer {
	if maxItems <= 0 {
		maxItems = 1
	}
	b := &RowBuffer{
		pending:     make([]codec.Row, 0, maxItems),
		lastFlush:   time.Now(),
		space:       make(chan struct{}),
		maxItems:    maxItems,
		maxInterval: maxInterval,
		maxPending:  4 * maxItems,
		policy:      PolicyBlock,
		shipper:     shipper,
		flushChan:   make(chan struct{}, 1),
		closing:     make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.maxPending < maxItems {
		b.maxPending = maxItems
	}
	if b.retryInterval <= 0 {
		b.retryInterval = 30 * time.Second
	}
	return b
}

// Append adds a row. Reaching maxItems drains the pending rows into one
// batch and wakes the flush goroutine; Append itself never flushes.
func (b *RowBuffer) Append(ctx context.Context, row codec.Row) error {
	reported := false
	b.mu.Lock()
	for {
		if b.closed {
			b.mu.Unlock()
			return ErrClosed
		}
		if len(b.pending)+b.outgoingRows < b.maxPending {
			break
		}

		event := FullBufferEvent{Pending: len(b.pending), Outgoing: b.outgoingRows}
		space := b.space
		b.mu.Unlock()

		// One event per Append, however often a blocked caller wakes.
		if !reported {
			reported = true
			bufferFullTotal.Inc()
			if b.onFullBuffer != nil {
				b.onFullBuffer(event)
			}
		}
		if b.policy == PolicyReject {
			return ErrBufferFull
		}

		select {
		case <-space:
		case <-b.closing:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.mu.Lock()
	}

	b.pending = append(b.pending, row)
	if len(b.pending) >= b.maxItems {
		b.drainLocked(triggerCount)
		select {
		case b.flushChan <- struct{}{}:
		default:
		}
	}
	pendingRows.Set(float64(len(b.pending)))
	b.mu.Unlock()
	return nil
}

// drainLocked moves all pending rows into one outgoing batch. Must be called
// with b.mu held.
func (b *RowBuffer) drainLocked(trigger string) {
	if len(b.pending) == 0 {
		return
	}
	b.outgoing = append(b.outgoing, outgoingBatch{rows: b.pending, trigger: trigger})
	b.outgoingRows += len(b.pending)
	b.pending = make([]codec.Row, 0, b.maxItems)
	pendingRows.Set(0)
	outgoingRows.Set(float64(b.outgoingRows))
}

// Start runs the flush loop until ctx ends or Close is called, then flushes
// everything outstanding once with final=true.
func (b *RowBuffer) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started || b.closed {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	timer := time.NewTimer(b.maxInterval)
	defer timer.Stop()

	var drainC <-chan time.Time
	if b.failoverQueue != nil {
		drainTicker := time.NewTicker(b.retryInterval)
		defer drainTicker.Stop()
		drainC = drainTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			b.mu.Lock()
			if !b.closed {
				b.closed = true
				b.finalCtx = context.Background()
				close(b.closing)
			}
			finalCtx := b.finalCtx
			b.mu.Unlock()
			b.finish(finalCtx)
			return
		case <-b.closing:
			b.mu.Lock()
			finalCtx := b.finalCtx
			b.mu.Unlock()
			b.finish(finalCtx)
			return
		case <-timer.C:
			b.mu.Lock()
			b.drainLocked(triggerInterval)
			b.mu.Unlock()
			b.flushOutgoing(ctx, false)
			timer.Reset(b.maxInterval)
		case <-b.flushChan:
			b.flushOutgoing(ctx, false)
			timer.Reset(b.maxInterval)
		case <-drainC:
			b.drainFailoverQueue(ctx)
		}
	}
}

// Close stops accepting rows and flushes everything outstanding once. It
// returns the joined errors of the final flush. Later calls only wait for
// the first to finish.
func (b *RowBuffer) Close(ctx context.Context) error {
	b.mu.Lock()
	first := !b.closed
	if first {
		b.closed = true
		b.finalCtx = ctx
		close(b.closing)
	}
	inline := first && !b.started
	b.mu.Unlock()

	if inline {
		b.finish(ctx)
	}

	select {
	case <-b.doneChan:
		return b.finalErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the final flush has completed.
func (b *RowBuffer) Wait() {
	<-b.doneChan
}

// finish performs the final flush and one retry queue pass.
func (b *RowBuffer) finish(ctx context.Context) {
	b.mu.Lock()
	b.drainLocked(triggerFinal)
	b.mu.Unlock()

	errs := b.flushOutgoing(ctx, true)
	b.drainFailoverQueue(ctx)
	if b.failoverQueue != nil {
		if n := b.failoverQueue.Len(); n > 0 {
			logging.Error("batches left in retry queue at shutdown", logging.F(
				"component", "buffer",
				"batches", n,
				"bytes", b.failoverQueue.Size(),
			))
		}
	}

	b.finalErr = errors.Join(errs...)
	close(b.doneChan)
}

// flushOutgoing flushes drained batches one at a time in drain order.
func (b *RowBuffer) flushOutgoing(ctx context.Context, final bool) []error {
	var errs []error
	for {
		b.mu.Lock()
		if len(b.outgoing) == 0 {
			b.mu.Unlock()
			return errs
		}
		next := b.outgoing[0]
		b.mu.Unlock()

		trigger := next.trigger
		if final {
			trigger = triggerFinal
		}
		if err := b.flush(ctx, chunk.Batch{Rows: next.rows}, trigger); err != nil {
			errs = append(errs, err)
		}

		b.mu.Lock()
		b.outgoing[0] = outgoingBatch{}
		b.outgoing = b.outgoing[1:]
		b.outgoingRows -= len(next.rows)
		b.lastFlush = time.Now()
		close(b.space)
		b.space = make(chan struct{})
		outgoingRows.Set(float64(b.outgoingRows))
		b.mu.Unlock()
	}
}

// flush ships one batch. Failures go to the flush error handler and the
// retry queue.
func (b *RowBuffer) flush(ctx context.Context, batch chunk.Batch, trigger string) error {
	if len(batch.Rows) == 0 {
		return nil
	}

	flushesTotal.WithLabelValues(trigger).Inc()
	flushRows.Observe(float64(len(batch.Rows)))

	token, err := b.shipper.Ship(ctx, batch)
	if err == nil {
		return nil
	}

	flushErrorsTotal.WithLabelValues(trigger).Inc()
	fe := &FlushError{Token: token, Rows: len(batch.Rows), Final: trigger == triggerFinal, Err: err}
	if b.onFlushError != nil {
		b.onFlushError(fe)
	}

	if b.failoverQueue != nil {
		if chunk.IsToken(token) {
			batch.Token = token
		}
		if qErr := b.failoverQueue.Push(batch); qErr != nil {
			logging.Error("flush failed and retry queue push failed, rows lost", logging.F(
				"component", "buffer",
				"error", err.Error(),
				"queue_error", qErr.Error(),
				"rows", len(batch.Rows),
			))
		} else {
			failoverQueuePushTotal.Inc()
			logging.Warn("flush failed, batch saved to retry queue", logging.F(
				"component", "buffer",
				"error", err.Error(),
				"token", batch.Token,
				"rows", len(batch.Rows),
				"queue_size", b.failoverQueue.Len(),
			))
		}
	}
	return fe
}

// drainFailoverQueue re-flushes up to maxDrainPerTick queued batches,
// stopping at the first failure.
func (b *RowBuffer) drainFailoverQueue(ctx context.Context) {
	if b.failoverQueue == nil || b.failoverQueue.Len() == 0 {
		return
	}

	for i := 0; i < maxDrainPerTick; i++ {
		batch, ok := b.failoverQueue.Pop()
		if !ok {
			return
		}

		token, err := b.shipper.Ship(ctx, batch)
		if err != nil {
			failoverQueueDrainErrorsTotal.Inc()
			if batch.Token == "" && chunk.IsToken(token) {
				batch.Token = token
			}
			if pushErr := b.failoverQueue.Push(batch); pushErr != nil {
				logging.Error("retry queue re-push failed, rows lost", logging.F(
					"component", "buffer",
					"error", err.Error(),
					"push_error", pushErr.Error(),
					"rows", len(batch.Rows),
				))
			}
			return
		}
		failoverQueueDrainTotal.Inc()
		logging.Info("retried batch flushed", logging.F(
			"component", "buffer",
			"token", token,
			"rows", len(batch.Rows),
		))
	}
}

// Stats returns the current pending and outgoing row counts.
func (b *RowBuffer) Stats() (pending, outgoing int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending), b.outgoingRows
}

// LastFlush returns when the last batch flush completed.
func (b *RowBuffer) LastFlush() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFlush
}
