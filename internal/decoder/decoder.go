// Package decoder turns raw broker payloads into typed records validated
// against a stream schema.
package decoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/lsm/cityingest/internal/schema"
	"github.com/lsm/cityingest/internal/source"
)

// Record is a decoded message. It is never mutated after Decode returns.
type Record struct {
	Stream    string
	Partition int32
	Offset    int64
	EventTime time.Time
	// Fields holds string, int64, float64, time.Time or nil values keyed by field name.
	Fields map[string]any
}

// DecodeError describes why a message could not be decoded.
type DecodeError struct {
	Reason    string
	Partition int32
	Offset    int64
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode partition %d offset %d: %s", e.Partition, e.Offset, e.Reason)
}

// timestampLayouts are tried in order for string timestamps. Values without a
// zone are taken as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Decode parses msg as a JSON object conforming to s. Fields not in the schema
// are ignored.
func Decode(msg source.Message, s schema.Schema) (Record, error) {
	fail := func(format string, args ...any) (Record, error) {
		return Record{}, &DecodeError{
			Reason:    fmt.Sprintf(format, args...),
			Partition: msg.Partition,
			Offset:    msg.Offset,
		}
	}

	dec := json.NewDecoder(bytes.NewReader(msg.Value))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return fail("malformed json: %v", err)
	}
	if raw == nil {
		return fail("payload is not a json object")
	}
	if dec.More() {
		return fail("trailing data after json object")
	}

	rec := Record{
		Stream:    s.Stream,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Fields:    make(map[string]any, len(s.Fields)),
	}

	for _, f := range s.Fields {
		v, present := raw[f.Name]
		if !present || v == nil {
			if !f.Nullable {
				return fail("missing required field %q", f.Name)
			}
			rec.Fields[f.Name] = nil
			continue
		}

		val, err := convert(f, v)
		if err != nil {
			return fail("field %q: %v", f.Name, err)
		}
		rec.Fields[f.Name] = val
	}

	et, ok := rec.Fields[s.EventTimeField].(time.Time)
	if !ok {
		return fail("missing event time field %q", s.EventTimeField)
	}
	rec.EventTime = et

	return rec, nil
}

func convert(f schema.Field, v any) (any, error) {
	switch f.Type {
	case schema.String:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected string, got %s", jsonKind(v))
		}
		return s, nil

	case schema.Integer:
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("expected integer, got %s", jsonKind(v))
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("expected integer, got %s", n.String())
		}
		return i, nil

	case schema.Double:
		n, ok := v.(json.Number)
		if !ok {
			return nil, fmt.Errorf("expected double, got %s", jsonKind(v))
		}
		d, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("expected double, got %s", n.String())
		}
		return d, nil

	case schema.Timestamp:
		return parseTimestamp(v)

	default:
		return nil, fmt.Errorf("unsupported field type %s", f.Type)
	}
}

// parseTimestamp accepts ISO-8601 strings or numeric epoch seconds.
func parseTimestamp(v any) (time.Time, error) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", t)
	case json.Number:
		f, err := t.Float64()
		if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
			return time.Time{}, fmt.Errorf("invalid epoch timestamp %s", t.String())
		}
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("expected timestamp, got %s", jsonKind(v))
	}
}

func jsonKind(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}
