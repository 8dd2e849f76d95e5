// Package kafka reads one stream's topic partition by partition, resuming
// from an explicit source.Position instead of consumer-group offsets.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/lsm/cityingest/internal/kafka"
	"github.com/lsm/cityingest/internal/source"
	"github.com/lsm/cityingest/internal/tracing"
)

// DefaultPollTimeout bounds how long one Fetch waits for records.
const DefaultPollTimeout = time.Second

// Config holds reader configuration.
type Config struct {
	Cluster     *kafka.ClusterConfig // required
	Stream      string
	Topic       string
	PollTimeout time.Duration
}

// consumer abstracts the kgo.Client methods used by Reader for testing.
type consumer interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	AddConsumePartitions(partitions map[string]map[int32]kgo.Offset)
	RemoveConsumePartitions(partitions map[string][]int32)
	Close()
}

// Reader implements source.Reader over a direct, group-less Kafka consumer.
type Reader struct {
	stream      string
	topic       string
	pollTimeout time.Duration
	logger      *slog.Logger
	tracer      trace.Tracer

	listPartitions func(ctx context.Context) ([]int32, error)
	newConsumer    func(offsets map[int32]kgo.Offset) (consumer, error)
	closeAdmin     func()

	mu     sync.Mutex
	client consumer
	parts  []int32
	cursor source.Position
}

// NewReader validates cfg and connects an admin client. Partitions are
// assigned lazily on the first Fetch.
func NewReader(cfg Config, logger *slog.Logger) (*Reader, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if logger == nil {
		logger = slog.Default().With("topic", cfg.Topic)
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	admin, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka admin client: %w", err)
	}

	r := newReader(cfg, logger)
	r.listPartitions = func(ctx context.Context) ([]int32, error) {
		return kafka.TopicPartitions(ctx, admin, cfg.Topic)
	}
	r.newConsumer = func(offsets map[int32]kgo.Offset) (consumer, error) {
		consumeOpts := append(slices.Clip(opts),
			kgo.ConsumePartitions(map[string]map[int32]kgo.Offset{cfg.Topic: offsets}),
			kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		)
		return kgo.NewClient(consumeOpts...)
	}
	r.closeAdmin = admin.Close
	return r, nil
}

func newReader(cfg Config, logger *slog.Logger) *Reader {
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = DefaultPollTimeout
	}
	stream := cfg.Stream
	if stream == "" {
		stream = cfg.Topic
	}
	return &Reader{
		stream:      stream,
		topic:       cfg.Topic,
		pollTimeout: timeout,
		logger:      logger,
		tracer:      noop.NewTracerProvider().Tracer("kafka-reader"),
		closeAdmin:  func() {},
	}
}

// SetTracer sets the tracer for fetch spans.
func (r *Reader) SetTracer(tracer trace.Tracer) {
	r.tracer = tracer
}

// Fetch implements source.Reader.
func (r *Reader) Fetch(ctx context.Context, from source.Position, limit int) ([]source.Message, source.Position, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ctx, span := tracing.StartSpan(ctx, r.tracer, tracing.SpanFetch,
		trace.WithAttributes(tracing.StreamAttr(r.stream), tracing.KafkaTopicAttr(r.topic)))
	msgs, pos, err := r.fetch(ctx, from, limit)
	span.SetAttributes(tracing.RecordsAttr(len(msgs)))
	tracing.End(span, err)
	return msgs, pos, err
}

func (r *Reader) fetch(ctx context.Context, from source.Position, limit int) ([]source.Message, source.Position, error) {
	if err := r.assign(ctx, from); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, from, ctxErr
		}
		return nil, from, fmt.Errorf("%w: %w", source.ErrUnavailable, err)
	}

	pollCtx, cancel := context.WithTimeout(ctx, r.pollTimeout)
	fetches := r.client.PollRecords(pollCtx, limit)
	cancel()

	var errs []error
	fetches.EachError(func(_ string, partition int32, err error) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		errs = append(errs, fmt.Errorf("partition %d: %w", partition, err))
	})

	pos := from.Clone()
	msgs := make([]source.Message, 0, fetches.NumRecords())
	fetches.EachRecord(func(rec *kgo.Record) {
		if rec.Topic != r.topic {
			return
		}
		msgs = append(msgs, source.Message{
			Stream:    r.stream,
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Offset:    rec.Offset,
			Key:       rec.Key,
			Value:     rec.Value,
			Timestamp: rec.Timestamp,
		})
		pos.Advance(rec.Partition, rec.Offset)
	})

	if len(msgs) == 0 {
		if err := ctx.Err(); err != nil {
			return nil, from, err
		}
		if len(errs) > 0 {
			return nil, from, fmt.Errorf("%w: %w", source.ErrUnavailable, errors.Join(errs...))
		}
		return nil, from, nil
	}
	for _, err := range errs {
		r.logger.Warn("partial fetch error", "error", err)
	}

	r.cursor = pos.Clone()
	return msgs, pos, nil
}

// assign creates the consumer on first use and re-seeks it whenever the
// caller asks for a position other than where the last fetch ended.
func (r *Reader) assign(ctx context.Context, from source.Position) error {
	if r.client == nil {
		parts, err := r.listPartitions(ctx)
		if err != nil {
			return err
		}
		cl, err := r.newConsumer(offsetsFor(parts, from))
		if err != nil {
			return fmt.Errorf("kafka consumer client: %w", err)
		}
		r.client, r.parts, r.cursor = cl, parts, from.Clone()
		r.logger.Info("partitions assigned", "partitions", parts, "resume", from.Offsets)
		return nil
	}
	if from.Equal(r.cursor) {
		return nil
	}

	r.client.RemoveConsumePartitions(map[string][]int32{r.topic: r.parts})
	r.client.AddConsumePartitions(map[string]map[int32]kgo.Offset{r.topic: offsetsFor(r.parts, from)})
	r.cursor = from.Clone()
	r.logger.Info("partitions re-seeked", "resume", from.Offsets)
	return nil
}

func offsetsFor(parts []int32, from source.Position) map[int32]kgo.Offset {
	offsets := make(map[int32]kgo.Offset, len(parts))
	for _, p := range parts {
		if next, ok := from.Next(p); ok {
			offsets[p] = kgo.NewOffset().At(next)
		} else {
			offsets[p] = kgo.NewOffset().AtStart()
		}
	}
	return offsets
}

// Close releases the consumer and admin clients.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client != nil {
		r.client.Close()
		r.client = nil
	}
	r.closeAdmin()
	return nil
}

var _ source.Reader = (*Reader)(nil)
