// Package codec validates records and serializes them into msgpack rows.
//
// Encoding is a two-step strategy. Records made only of msgpack-native
// values are encoded directly. Anything else (time.Time, decimals, structs,
// custom marshalers) is decomposed through JSON into a plain value tree
// first and then encoded.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// MaxKeys is the maximum number of top-level keys per record.
	MaxKeys = 512
	// MaxRowBytes is the maximum encoded size of one row.
	MaxRowBytes = 32 * 1024 * 1024
	// TimeField is the field every row must carry (Unix seconds).
	TimeField = "time"

	// maxDepth bounds the plain-value walk; deeper trees take the fallback.
	maxDepth = 64
)

var (
	recordsEncodedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "td_shipper_codec_records_total",
		Help: "Total records encoded, by encoding strategy",
	}, []string{"strategy"})

	recordsRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "td_shipper_codec_rejected_total",
		Help: "Total records rejected by the codec, by reason",
	}, []string{"reason"})

	rowBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "td_shipper_codec_row_bytes",
		Help:    "Encoded row size in bytes",
		Buckets: prometheus.ExponentialBuckets(64, 4, 10),
	})
)

func init() {
	prometheus.MustRegister(recordsEncodedTotal)
	prometheus.MustRegister(recordsRejectedTotal)
	prometheus.MustRegister(rowBytes)

	recordsEncodedTotal.WithLabelValues(string(StrategyDirect)).Add(0)
	recordsEncodedTotal.WithLabelValues(string(StrategyFallback)).Add(0)
}

// Record is one logical event: field name to dynamically typed value.
type Record map[string]interface{}

// Row is the msgpack encoding of one Record.
type Row []byte

// Strategy names the path that produced a row.
type Strategy string

const (
	StrategyDirect   Strategy = "direct"
	StrategyFallback Strategy = "json_fallback"
)

// Result is the outcome of a successful Encode.
type Result struct {
	Row      Row
	Strategy Strategy
}

// Option configures an Encoder.
type Option func(*Encoder)

// WithClock overrides the time source used when a record has neither a
// time field nor an event timestamp.
func WithClock(now func() time.Time) Option {
	return func(e *Encoder) { e.now = now }
}

// WithLimits overrides the key-count and row-size limits. Intended for tests.
func WithLimits(maxKeys, maxRowBytes int) Option {
	return func(e *Encoder) {
		e.maxKeys = maxKeys
		e.maxRowBytes = maxRowBytes
	}
}

// Encoder turns records into rows. It is stateless and safe for concurrent use.
type Encoder struct {
	now         func() time.Time
	maxKeys     int
	maxRowBytes int
}

// New creates an Encoder with the default limits.
func New(opts ...Option) *Encoder {
	e := &Encoder{
		now:         time.Now,
		maxKeys:     MaxKeys,
		maxRowBytes: MaxRowBytes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Encode validates rec and serializes it. The caller's record is not
// modified; a time field is injected into a copy when missing or nil, using
// eventTime or, when that is zero, the current time.
func (e *Encoder) Encode(rec Record, eventTime time.Time) (Result, error) {
	out := make(Record, len(rec)+1)
	for k, v := range rec {
		out[k] = v
	}
	if v, ok := out[TimeField]; !ok || v == nil {
		ts := eventTime
		if ts.IsZero() {
			ts = e.now()
		}
		out[TimeField] = ts.Unix()
	}

	if len(out) > e.maxKeys {
		recordsRejectedTotal.WithLabelValues(ReasonTooManyKeys).Inc()
		return Result{}, &ValidationError{Reason: ReasonTooManyKeys, Keys: len(out)}
	}

	res, err := encode(out)
	if err != nil {
		recordsRejectedTotal.WithLabelValues("encoding").Inc()
		return Result{}, err
	}

	if len(res.Row) > e.maxRowBytes {
		recordsRejectedTotal.WithLabelValues(ReasonTooLarge).Inc()
		return Result{}, &ValidationError{
			Reason: ReasonTooLarge,
			Keys:   len(out),
			Size:   len(res.Row),
			Fields: sortedKeys(out),
		}
	}

	recordsEncodedTotal.WithLabelValues(string(res.Strategy)).Inc()
	rowBytes.Observe(float64(len(res.Row)))
	return res, nil
}

// encode runs the direct strategy and falls back to the JSON round trip.
func encode(rec Record) (Result, error) {
	var directErr error
	if isPlain(map[string]interface{}(rec), 0) {
		row, err := marshal(map[string]interface{}(rec))
		if err == nil {
			return Result{Row: row, Strategy: StrategyDirect}, nil
		}
		directErr = err
	} else {
		directErr = errors.New("record contains values msgpack cannot encode natively")
	}

	tree, err := plainTree(rec)
	if err != nil {
		return Result{}, &EncodingError{Direct: directErr, Fallback: err}
	}
	row, err := marshal(tree)
	if err != nil {
		return Result{}, &EncodingError{Direct: directErr, Fallback: err}
	}
	return Result{Row: row, Strategy: StrategyFallback}, nil
}

// marshal encodes with sorted map keys and compact integers so equal
// records always produce byte-identical rows.
func marshal(v map[string]interface{}) (Row, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	enc.UseCompactInts(true)
	enc.UseCompactFloats(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return Row(buf.Bytes()), nil
}

// isPlain reports whether v is made only of values the msgpack encoder
// represents natively.
func isPlain(v interface{}, depth int) bool {
	if depth > maxDepth {
		return false
	}
	switch val := v.(type) {
	case nil, bool, string, []byte,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, []string:
		return true
	case map[string]interface{}:
		for _, item := range val {
			if !isPlain(item, depth+1) {
				return false
			}
		}
		return true
	case Record:
		return isPlain(map[string]interface{}(val), depth)
	case []interface{}:
		for _, item := range val {
			if !isPlain(item, depth+1) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// plainTree serializes rec to JSON and parses it back into maps, slices,
// strings, bools, int64 and float64.
func plainTree(rec Record) (map[string]interface{}, error) {
	text, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(text))
	dec.UseNumber()
	var tree map[string]interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("json decode: %w", err)
	}
	normalized, err := Normalize(tree)
	if err != nil {
		return nil, err
	}
	return normalized.(map[string]interface{}), nil
}

// Normalize replaces the json.Number values left by a UseNumber decoder
// with int64, uint64 or float64, in place.
func Normalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		for k, item := range val {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			val[k] = n
		}
		return val, nil
	case []interface{}:
		for i, item := range val {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			val[i] = n
		}
		return val, nil
	case json.Number:
		return number(val)
	default:
		return val, nil
	}
}

// number converts a JSON number into int64 when it is written as an
// integer, uint64 when it only fits unsigned, and float64 otherwise.
func number(n json.Number) (interface{}, error) {
	s := n.String()
	d, _, err := apd.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("json number %q: %w", s, err)
	}
	if !strings.ContainsAny(s, ".eE") {
		if i, err := d.Int64(); err == nil {
			return i, nil
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return u, nil
		}
	}
	f, err := d.Float64()
	if err != nil {
		return nil, fmt.Errorf("json number %q: %w", s, err)
	}
	return f, nil
}

// Decode parses a row back into a Record. Integers decode as int64 (uint64
// only above math.MaxInt64) and floats as float64.
func Decode(row Row) (Record, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(row))
	dec.UseLooseInterfaceDecoding(true)
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return nil, err
	}
	return Record(signed(m).(map[string]interface{})), nil
}

// signed undoes compact-int encoding, which writes non-negative integers
// with unsigned type codes.
func signed(v interface{}) interface{} {
	switch val := v.(type) {
	case uint64:
		if val <= math.MaxInt64 {
			return int64(val)
		}
		return val
	case map[string]interface{}:
		for k, item := range val {
			val[k] = signed(item)
		}
		return val
	case []interface{}:
		for i, item := range val {
			val[i] = signed(item)
		}
		return val
	default:
		return val
	}
}

func sortedKeys(rec Record) []string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
