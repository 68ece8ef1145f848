package buffer

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/td-shipper/internal/chunk"
	"github.com/szibis/td-shipper/internal/logging"
)

var (
	memqueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "td_shipper_retry_queue_batches",
		Help: "Current number of failed batches held for retry",
	})

	memqueueBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "td_shipper_retry_queue_bytes",
		Help: "Current raw row bytes held in the retry queue",
	})

	memqueueEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "td_shipper_retry_queue_evictions_total",
		Help: "Total batches evicted from the retry queue when full",
	})

	memqueueEvictedRowsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "td_shipper_retry_queue_evicted_rows_total",
		Help: "Total rows lost to retry queue eviction",
	})
)

func init() {
	prometheus.MustRegister(memqueueSize)
	prometheus.MustRegister(memqueueBytes)
	prometheus.MustRegister(memqueueEvictionsTotal)
	prometheus.MustRegister(memqueueEvictedRowsTotal)
}

// MemoryQueue is a bounded FIFO of failed batches, bounded by batch count
// and raw byte size. When full the oldest batches are evicted.
type MemoryQueue struct {
	mu       sync.Mutex
	entries  []chunk.Batch
	bytes    int64
	maxSize  int
	maxBytes int64
}

// NewMemoryQueue creates a MemoryQueue. Non-positive limits select
// 100 batches and 256 MiB.
func NewMemoryQueue(maxSize int, maxBytes int64) *MemoryQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	if maxBytes <= 0 {
		maxBytes = 256 * 1024 * 1024
	}
	return &MemoryQueue{
		maxSize:  maxSize,
		maxBytes: maxBytes,
	}
}

// Push appends a batch, evicting the oldest entries to make room. It fails
// only when the batch alone exceeds the byte limit.
func (q *MemoryQueue) Push(b chunk.Batch) error {
	size := int64(b.Size())
	if size > q.maxBytes {
		return fmt.Errorf("batch size %d exceeds max retry queue bytes %d", size, q.maxBytes)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.entries) >= q.maxSize {
		q.evictOldest()
	}
	for q.bytes+size > q.maxBytes && len(q.entries) > 0 {
		q.evictOldest()
	}

	q.entries = append(q.entries, b)
	q.bytes += size
	q.updateGauges()
	return nil
}

// Pop removes the oldest batch. ok is false when the queue is empty.
func (q *MemoryQueue) Pop() (b chunk.Batch, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.entries) == 0 {
		return chunk.Batch{}, false
	}
	b = q.entries[0]
	q.entries[0] = chunk.Batch{}
	q.entries = q.entries[1:]
	q.bytes -= int64(b.Size())
	if q.bytes < 0 {
		q.bytes = 0
	}
	q.maybeCompact()
	q.updateGauges()
	return b, true
}

// Len returns the number of queued batches.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Size returns the queued raw bytes.
func (q *MemoryQueue) Size() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}

// evictOldest must be called with q.mu held.
func (q *MemoryQueue) evictOldest() {
	if len(q.entries) == 0 {
		return
	}
	evicted := q.entries[0]
	q.entries[0] = chunk.Batch{}
	q.entries = q.entries[1:]
	q.bytes -= int64(evicted.Size())
	if q.bytes < 0 {
		q.bytes = 0
	}
	memqueueEvictionsTotal.Inc()
	memqueueEvictedRowsTotal.Add(float64(len(evicted.Rows)))
	logging.Error("retry queue full, oldest batch dropped", logging.F(
		"component", "buffer",
		"token", evicted.Token,
		"rows", len(evicted.Rows),
	))
	q.maybeCompact()
}

// maybeCompact must be called with q.mu held.
func (q *MemoryQueue) maybeCompact() {
	if cap(q.entries) > 256 && cap(q.entries) > len(q.entries)+64 {
		compacted := make([]chunk.Batch, len(q.entries))
		copy(compacted, q.entries)
		q.entries = compacted
	}
}

func (q *MemoryQueue) updateGauges() {
	memqueueSize.Set(float64(len(q.entries)))
	memqueueBytes.Set(float64(q.bytes))
}
