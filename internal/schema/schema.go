// Package schema holds the fixed field tables for the five city event streams.
package schema

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownStream is returned when a stream name is not one of the registered streams.
var ErrUnknownStream = errors.New("unknown stream")

// Type is the semantic type of a field.
type Type int

const (
	String Type = iota + 1
	Integer
	Double
	Timestamp
)

func (t Type) String() string {
	switch t {
	case String:
		return "string"
	case Integer:
		return "integer"
	case Double:
		return "double"
	case Timestamp:
		return "timestamp"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Field is one column of a stream schema.
type Field struct {
	Name     string
	Type     Type
	Nullable bool
}

// Schema is the ordered field list of a stream. EventTimeField names the
// timestamp field used for watermarking; it is always required.
type Schema struct {
	Stream         string
	Fields         []Field
	EventTimeField string
}

// Field returns the named field and whether it exists.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Stream names.
const (
	Vehicle   = "vehicle"
	GPS       = "gps"
	Traffic   = "traffic"
	Weather   = "weather"
	Emergency = "emergency"
)

const eventTime = "timestamp"

func str(name string) Field { return Field{Name: name, Type: String, Nullable: true} }
func dbl(name string) Field { return Field{Name: name, Type: Double, Nullable: true} }
func num(name string) Field { return Field{Name: name, Type: Integer, Nullable: true} }
func ts(name string) Field  { return Field{Name: name, Type: Timestamp} }

var catalog = map[string]Schema{
	Vehicle: {
		Stream:         Vehicle,
		EventTimeField: eventTime,
		Fields: []Field{
			str("id"), str("deviceId"), ts(eventTime), str("location"), dbl("speed"),
			str("direction"), str("make"), str("model"), num("year"), str("fuelType"),
		},
	},
	GPS: {
		Stream:         GPS,
		EventTimeField: eventTime,
		Fields: []Field{
			str("id"), str("deviceId"), ts(eventTime), dbl("speed"), str("direction"), str("vehicleType"),
		},
	},
	Traffic: {
		Stream:         Traffic,
		EventTimeField: eventTime,
		Fields: []Field{
			str("id"), str("deviceId"), str("cameraId"), str("location"), ts(eventTime), str("snapshot"),
		},
	},
	Weather: {
		Stream:         Weather,
		EventTimeField: eventTime,
		Fields: []Field{
			str("id"), str("deviceId"), str("location"), ts(eventTime), dbl("temperature"),
			str("weatherCondition"), dbl("precipitation"), dbl("windSpeed"), num("humidity"),
			dbl("airQualityIndex"),
		},
	},
	Emergency: {
		Stream:         Emergency,
		EventTimeField: eventTime,
		Fields: []Field{
			str("id"), str("deviceId"), str("incidentId"), str("type"), ts(eventTime),
			str("location"), str("status"), str("description"),
		},
	},
}

// For returns the schema registered for stream.
func For(stream string) (Schema, error) {
	s, ok := catalog[stream]
	if !ok {
		return Schema{}, fmt.Errorf("%w: %q", ErrUnknownStream, stream)
	}
	out := s
	out.Fields = append([]Field(nil), s.Fields...)
	return out, nil
}

// Names returns all registered stream names in sorted order.
func Names() []string {
	names := make([]string, 0, len(catalog))
	for name := range catalog {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultTopic is the broker topic a stream is read from unless overridden.
func DefaultTopic(stream string) string {
	return stream + "_data"
}
