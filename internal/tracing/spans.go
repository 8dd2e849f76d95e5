package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys.
const (
	AttrStream         = "cityingest.stream"
	AttrBatchID        = "cityingest.batch.id"
	AttrRecords        = "cityingest.batch.records"
	AttrLate           = "cityingest.batch.late"
	AttrDecodeErrors   = "cityingest.batch.decode_errors"
	AttrObjectKey      = "cityingest.object.key"
	AttrKafkaTopic     = "messaging.kafka.topic"
	AttrKafkaPartition = "messaging.kafka.partition"
	AttrKafkaOffset    = "messaging.kafka.offset"
)

// Span names.
const (
	SpanBatch      = "cityingest.batch"
	SpanFetch      = "kafka.fetch"
	SpanSinkWrite  = "cityingest.sink.write"
	SpanCommit     = "cityingest.checkpoint.commit"
	SpanDeadLetter = "kafka.publish.dlq"
)

// StartSpan starts a span on tracer. A nil tracer yields the span already in ctx.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// End sets the span status from err and ends it.
func End(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func StreamAttr(stream string) attribute.KeyValue {
	return attribute.String(AttrStream, stream)
}

func BatchAttr(id uint64) attribute.KeyValue {
	return attribute.Int64(AttrBatchID, int64(id))
}

func RecordsAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrRecords, n)
}

func LateAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrLate, n)
}

func DecodeErrorsAttr(n int) attribute.KeyValue {
	return attribute.Int(AttrDecodeErrors, n)
}

func ObjectKeyAttr(key string) attribute.KeyValue {
	return attribute.String(AttrObjectKey, key)
}

func KafkaTopicAttr(topic string) attribute.KeyValue {
	return attribute.String(AttrKafkaTopic, topic)
}

func KafkaPartitionAttr(partition int32) attribute.KeyValue {
	return attribute.Int64(AttrKafkaPartition, int64(partition))
}

func KafkaOffsetAttr(offset int64) attribute.KeyValue {
	return attribute.Int64(AttrKafkaOffset, offset)
}
