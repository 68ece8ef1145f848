// Package receiver accepts records over HTTP and from a Redis list and
// hands them to the shipper.
package receiver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/szibis/td-shipper/internal/codec"
)

// Sink consumes decoded records.
type Sink interface {
	Receive(ctx context.Context, rec codec.Record, eventTime time.Time) error
}

// Format is a record payload encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatNDJSON  Format = "ndjson"
	FormatMsgpack Format = "msgpack"
)

// ErrUnsupportedFormat is returned for unknown content types.
var ErrUnsupportedFormat = errors.New("unsupported content type")

// FormatFromContentType maps a Content-Type header to a Format. An empty
// header means JSON.
func FormatFromContentType(contentType string) (Format, error) {
	if contentType == "" {
		return FormatJSON, nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, contentType)
	}
	switch mediaType {
	case "application/json":
		return FormatJSON, nil
	case "application/x-ndjson", "application/ndjson", "application/jsonlines":
		return FormatNDJSON, nil
	case "application/msgpack", "application/x-msgpack":
		return FormatMsgpack, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, mediaType)
	}
}

// DecodeRecords parses a payload into records. JSON accepts one object or
// an array of objects, NDJSON one object per line, msgpack a stream of maps
// or arrays of maps.
func DecodeRecords(format Format, body []byte) ([]codec.Record, error) {
	switch format {
	case FormatJSON:
		dec := jsonDecoder(body)
		var v interface{}
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		if dec.More() {
			return nil, errors.New("invalid JSON: trailing data after value")
		}
		return jsonRecords(v)
	case FormatNDJSON:
		dec := jsonDecoder(body)
		var out []codec.Record
		for line := 1; ; line++ {
			var v interface{}
			err := dec.Decode(&v)
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			if err != nil {
				return nil, fmt.Errorf("invalid JSON on record %d: %w", line, err)
			}
			rec, ok := v.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("record %d is not an object", line)
			}
			n, err := codec.Normalize(rec)
			if err != nil {
				return nil, err
			}
			out = append(out, codec.Record(n.(map[string]interface{})))
		}
	case FormatMsgpack:
		dec := msgpack.NewDecoder(bytes.NewReader(body))
		dec.UseLooseInterfaceDecoding(true)
		var out []codec.Record
		for {
			v, err := dec.DecodeInterface()
			if errors.Is(err, io.EOF) {
				if len(out) == 0 {
					return nil, errors.New("invalid msgpack: empty payload")
				}
				return out, nil
			}
			if err != nil {
				return nil, fmt.Errorf("invalid msgpack: %w", err)
			}
			recs, err := msgpackRecords(v)
			if err != nil {
				return nil, err
			}
			out = append(out, recs...)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}

func jsonDecoder(body []byte) *json.Decoder {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	return dec
}

func jsonRecords(v interface{}) ([]codec.Record, error) {
	n, err := codec.Normalize(v)
	if err != nil {
		return nil, err
	}
	switch val := n.(type) {
	case map[string]interface{}:
		return []codec.Record{codec.Record(val)}, nil
	case []interface{}:
		out := make([]codec.Record, 0, len(val))
		for i, item := range val {
			rec, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("element %d is not an object", i)
			}
			out = append(out, codec.Record(rec))
		}
		return out, nil
	default:
		return nil, errors.New("payload must be an object or an array of objects")
	}
}

func msgpackRecords(v interface{}) ([]codec.Record, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		return []codec.Record{codec.Record(val)}, nil
	case []interface{}:
		out := make([]codec.Record, 0, len(val))
		for i, item := range val {
			rec, ok := item.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("element %d is not a map with string keys", i)
			}
			out = append(out, codec.Record(rec))
		}
		return out, nil
	default:
		return nil, errors.New("msgpack payload must be a map or an array of maps")
	}
}
