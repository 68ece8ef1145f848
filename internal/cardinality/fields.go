// Package cardinality tracks the top-level field names seen in records.
// Tables are schemaless, so every new field name becomes a new column on
// import; this package makes that growth visible.
package cardinality

import (
	"sync"

	"github.com/axiomhq/hyperloglog"
	"github.com/bits-and-blooms/bloom/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/szibis/td-shipper/internal/logging"
)

var (
	newFieldsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "td_shipper_fields_new_total",
		Help: "Total first sightings of top-level field names",
	})

	distinctFields = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "td_shipper_fields_distinct_estimate",
		Help: "Estimated number of distinct top-level field names seen",
	})
)

func init() {
	prometheus.MustRegister(newFieldsTotal)
	prometheus.MustRegister(distinctFields)
}

// fieldNames is the membership set behind first-sighting detection.
// Callers hold FieldTracker.mu.
type fieldNames interface {
	// insert adds name and reports whether it was unseen.
	insert(name string) bool
	contains(name string) bool
}

// bloomNames may treat an unseen name as known at the configured false
// positive rate; such a column simply goes unreported.
type bloomNames struct {
	filter *bloom.BloomFilter
}

func (b *bloomNames) insert(name string) bool {
	return !b.filter.TestOrAddString(name)
}

func (b *bloomNames) contains(name string) bool {
	return b.filter.TestString(name)
}

type exactNames map[string]struct{}

func (e exactNames) insert(name string) bool {
	if _, ok := e[name]; ok {
		return false
	}
	e[name] = struct{}{}
	return true
}

func (e exactNames) contains(name string) bool {
	_, ok := e[name]
	return ok
}

func newFieldNames(cfg Config) fieldNames {
	if cfg.Mode == ModeExact {
		return exactNames{}
	}
	expected, rate := cfg.ExpectedItems, cfg.FalsePositiveRate
	if expected == 0 {
		expected = DefaultConfig().ExpectedItems
	}
	if rate <= 0 || rate >= 1 {
		rate = DefaultConfig().FalsePositiveRate
	}
	return &bloomNames{filter: bloom.NewWithEstimates(expected, rate)}
}

// FieldTracker detects new top-level field names and estimates how many
// distinct names the table has received.
type FieldTracker struct {
	mu            sync.Mutex
	names         fieldNames
	sketch        *hyperloglog.Sketch
	warnThreshold int64
	warned        bool
}

// NewFieldTracker creates a FieldTracker.
func NewFieldTracker(cfg Config) *FieldTracker {
	return &FieldTracker{
		names:         newFieldNames(cfg),
		sketch:        hyperloglog.New(),
		warnThreshold: cfg.WarnThreshold,
	}
}

// Observe records the field names of one record and returns the names seen
// for the first time.
func (f *FieldTracker) Observe(rec map[string]interface{}) []string {
	f.mu.Lock()
	var fresh []string
	for name := range rec {
		f.sketch.Insert([]byte(name))
		if f.names.insert(name) {
			fresh = append(fresh, name)
		}
	}
	if len(fresh) == 0 {
		f.mu.Unlock()
		return nil
	}
	estimate := int64(f.sketch.Estimate())
	warn := f.warnThreshold > 0 && estimate >= f.warnThreshold && !f.warned
	if warn {
		f.warned = true
	}
	f.mu.Unlock()

	newFieldsTotal.Add(float64(len(fresh)))
	distinctFields.Set(float64(estimate))
	for _, name := range fresh {
		logging.Debug("new field", logging.F(
			"component", "cardinality",
			"field", name,
		))
	}
	if warn {
		logging.Warn("distinct field count crossed threshold", logging.F(
			"component", "cardinality",
			"estimate", estimate,
			"threshold", f.warnThreshold,
		))
	}
	return fresh
}

// Estimate returns the distinct field name estimate.
func (f *FieldTracker) Estimate() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(f.sketch.Estimate())
}

// Known reports whether name has been seen.
func (f *FieldTracker) Known(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.names.contains(name)
}

// Warned reports whether the threshold warning has fired.
func (f *FieldTracker) Warned() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.warned
}
