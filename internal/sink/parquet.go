package sink

import (
	"bytes"
	"fmt"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/parquet"
	"github.com/apache/arrow-go/v18/parquet/compress"
	"github.com/apache/arrow-go/v18/parquet/pqarrow"

	"github.com/lsm/cityingest/internal/decoder"
	"github.com/lsm/cityingest/internal/schema"
)

// ArrowSchema maps a stream schema to its columnar layout.
func ArrowSchema(s schema.Schema) *arrow.Schema {
	fields := make([]arrow.Field, len(s.Fields))
	for i, f := range s.Fields {
		fields[i] = arrow.Field{Name: f.Name, Type: arrowType(f.Type), Nullable: f.Nullable}
	}
	return arrow.NewSchema(fields, nil)
}

func arrowType(t schema.Type) arrow.DataType {
	switch t {
	case schema.Integer:
		return arrow.PrimitiveTypes.Int64
	case schema.Double:
		return arrow.PrimitiveTypes.Float64
	case schema.Timestamp:
		return &arrow.TimestampType{Unit: arrow.Microsecond, TimeZone: "UTC"}
	default:
		return arrow.BinaryTypes.String
	}
}

// EncodeParquet encodes records as a single snappy-compressed parquet file.
func EncodeParquet(alloc memory.Allocator, s schema.Schema, records []decoder.Record) ([]byte, error) {
	sc := ArrowSchema(s)

	rb := array.NewRecordBuilder(alloc, sc)
	defer rb.Release()

	for _, rec := range records {
		for i, f := range s.Fields {
			if err := appendValue(rb.Field(i), rec.Fields[f.Name]); err != nil {
				return nil, fmt.Errorf("offset %d field %q: %w", rec.Offset, f.Name, err)
			}
		}
	}

	batch := rb.NewRecord()
	defer batch.Release()

	var buf bytes.Buffer
	props := parquet.NewWriterProperties(
		parquet.WithCompression(compress.Codecs.Snappy),
		parquet.WithAllocator(alloc),
	)
	w, err := pqarrow.NewFileWriter(sc, &buf, props, pqarrow.NewArrowWriterProperties(pqarrow.WithStoreSchema()))
	if err != nil {
		return nil, fmt.Errorf("parquet writer: %w", err)
	}
	if err := w.Write(batch); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("parquet write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("parquet close: %w", err)
	}
	return buf.Bytes(), nil
}

func appendValue(bldr array.Builder, val any) error {
	if val == nil {
		bldr.AppendNull()
		return nil
	}
	switch b := bldr.(type) {
	case *array.StringBuilder:
		v, ok := val.(string)
		if !ok {
			return fmt.Errorf("expected string, got %T", val)
		}
		b.Append(v)
	case *array.Int64Builder:
		v, ok := val.(int64)
		if !ok {
			return fmt.Errorf("expected int64, got %T", val)
		}
		b.Append(v)
	case *array.Float64Builder:
		v, ok := val.(float64)
		if !ok {
			return fmt.Errorf("expected float64, got %T", val)
		}
		b.Append(v)
	case *array.TimestampBuilder:
		v, ok := val.(time.Time)
		if !ok {
			return fmt.Errorf("expected time.Time, got %T", val)
		}
		b.Append(arrow.Timestamp(v.UnixMicro()))
	default:
		return fmt.Errorf("unsupported builder %T", bldr)
	}
	return nil
}
