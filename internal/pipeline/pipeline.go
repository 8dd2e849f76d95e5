// Package pipeline runs the fetch, decode, watermark, write and commit loop
// for a single stream.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"

	"github.com/lsm/cityingest/internal/checkpoint"
	"github.com/lsm/cityingest/internal/decoder"
	"github.com/lsm/cityingest/internal/dlq"
	"github.com/lsm/cityingest/internal/observability"
	"github.com/lsm/cityingest/internal/retry"
	"github.com/lsm/cityingest/internal/schema"
	"github.com/lsm/cityingest/internal/sink"
	"github.com/lsm/cityingest/internal/source"
	"github.com/lsm/cityingest/internal/tracing"
	"github.com/lsm/cityingest/internal/watermark"
)

// DefaultBatchSize caps the number of raw messages per batch.
const DefaultBatchSize = 500

// Config holds per-stream pipeline settings.
type Config struct {
	Stream          string
	Topic           string
	BatchSize       int
	AllowedLateness time.Duration

	// MaxBatchesPerSecond paces the loop. Zero means unpaced.
	MaxBatchesPerSecond float64

	// FetchRetry and CommitRetry are always applied without an attempt
	// bound. WriteRetry is bounded; exhausting it fails the pipeline.
	FetchRetry  retry.Config
	WriteRetry  retry.Config
	CommitRetry retry.Config
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.AllowedLateness <= 0 {
		c.AllowedLateness = watermark.DefaultAllowedLateness
	}
	if c.FetchRetry.InitialInterval <= 0 {
		c.FetchRetry = retry.DefaultConfig()
	}
	if c.WriteRetry.InitialInterval <= 0 {
		c.WriteRetry = retry.DefaultConfig()
		c.WriteRetry.MaxAttempts = 5
	}
	if c.WriteRetry.MaxAttempts <= 0 {
		c.WriteRetry.MaxAttempts = 1
	}
	if c.CommitRetry.InitialInterval <= 0 {
		c.CommitRetry = retry.DefaultConfig()
	}
}

// Stats is a point-in-time view of a pipeline.
type Stats struct {
	Stream       string          `json:"stream"`
	Status       Status          `json:"status"`
	Fetched      uint64          `json:"fetched"`
	Decoded      uint64          `json:"decoded"`
	DecodeErrors uint64          `json:"decodeErrors"`
	Late         uint64          `json:"late"`
	Written      uint64          `json:"written"`
	Batches      uint64          `json:"batches"`
	Partitions   uint64          `json:"partitions"`
	BatchSeq     uint64          `json:"batchSeq"`
	Position     source.Position `json:"position"`
	Watermark    time.Time       `json:"watermark"`
	LastError    string          `json:"lastError,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Pipeline ingests one stream. Run may be called once.
type Pipeline struct {
	cfg     Config
	schema  schema.Schema
	reader  source.Reader
	writer  sink.Writer
	store   checkpoint.Store
	dlq     *dlq.Handler
	limiter *rate.Limiter
	metrics *observability.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time

	onStatus func(stream string, s Status)

	mu    sync.Mutex
	stats Stats
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDLQ forwards undecodable records to h.
func WithDLQ(h *dlq.Handler) Option {
	return func(p *Pipeline) { p.dlq = h }
}

// WithMetrics records metrics on m.
func WithMetrics(m *observability.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithLogger sets the logger. Callers are expected to attach the stream
// attributes themselves.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// WithTracer sets the tracer for batch spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// WithStatusHook is called on every status change.
func WithStatusHook(fn func(stream string, s Status)) Option {
	return func(p *Pipeline) { p.onStatus = fn }
}

// New creates a pipeline for the stream described by s.
func New(cfg Config, s schema.Schema, r source.Reader, w sink.Writer, store checkpoint.Store, opts ...Option) (*Pipeline, error) {
	if cfg.Stream == "" {
		cfg.Stream = s.Stream
	}
	if cfg.Stream != s.Stream {
		return nil, fmt.Errorf("pipeline stream %q does not match schema %q", cfg.Stream, s.Stream)
	}
	if r == nil || w == nil || store == nil {
		return nil, fmt.Errorf("pipeline %s: reader, writer and checkpoint store are required", cfg.Stream)
	}
	cfg.applyDefaults()

	p := &Pipeline{
		cfg:    cfg,
		schema: s,
		reader: r,
		writer: w,
		store:  store,
		logger: slog.Default().With("stream", cfg.Stream),
		tracer: noop.NewTracerProvider().Tracer("pipeline"),
		now:    time.Now,
		stats:  Stats{Stream: cfg.Stream, Status: Stopped},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observability.NewMetrics(prometheus.NewRegistry())
	}
	if cfg.MaxBatchesPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(cfg.MaxBatchesPerSecond), 1)
	}
	return p, nil
}

// Stream returns the stream name.
func (p *Pipeline) Stream() string { return p.cfg.Stream }

// Snapshot returns a copy of the current stats.
func (p *Pipeline) Snapshot() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Position = s.Position.Clone()
	return s
}

// Status returns the current status.
func (p *Pipeline) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.Status
}

func (p *Pipeline) setStatus(s Status, cause error) {
	p.mu.Lock()
	prev := p.stats.Status
	p.stats.Status = s
	if cause != nil {
		p.stats.LastError = cause.Error()
	}
	p.stats.UpdatedAt = p.now()
	p.mu.Unlock()

	if prev == s {
		return
	}
	p.metrics.SetStatus(p.cfg.Stream, s.String(), statusNames())
	if p.onStatus != nil {
		p.onStatus(p.cfg.Stream, s)
	}
}

// recovered moves a Degraded pipeline back to Running.
func (p *Pipeline) recovered() {
	if p.Status() == Degraded {
		p.logger.Info("pipeline recovered")
		p.setStatus(Running, nil)
	}
}

// retryHook marks the pipeline Degraded while op is being retried.
func (p *Pipeline) retryHook(ctx context.Context, op string) func(int, error, time.Duration) {
	return func(attempt int, err error, wait time.Duration) {
		if ctx.Err() != nil {
			return
		}
		p.metrics.RetriesTotal.WithLabelValues(p.cfg.Stream, op).Inc()
		p.logger.Warn("retrying", "operation", op, "attempt", attempt, "backoff", wait, "error", err)
		p.setStatus(Degraded, err)
	}
}

// cursor is the committed resume state carried between batches.
type cursor struct {
	pos source.Position
	wm  watermark.State
	seq uint64
}

// errShutdown ends the loop without failing the pipeline.
var errShutdown = errors.New("shutdown requested")

// Run executes batches until ctx is cancelled or an unrecoverable error
// occurs. Cancellation is honoured only between batches; a batch whose
// output was published is committed before Run returns, unless shutdown is
// requested while the commit itself is being retried. It returns nil on
// clean shutdown.
func (p *Pipeline) Run(ctx context.Context) error {
	p.setStatus(Running, nil)
	p.logger.Info("pipeline starting", "batch_size", p.cfg.BatchSize)

	cur, err := p.resume(ctx)
	if err != nil {
		return p.exit(err)
	}

	for {
		if ctx.Err() != nil {
			return p.exit(errShutdown)
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return p.exit(errShutdown)
			}
		}
		if err := p.step(ctx, &cur); err != nil {
			return p.exit(err)
		}
	}
}

func (p *Pipeline) exit(err error) error {
	if errors.Is(err, errShutdown) {
		p.setStatus(Stopped, nil)
		p.logger.Info("pipeline stopped")
		return nil
	}
	p.setStatus(Failed, err)
	p.logger.Error("pipeline failed", "error", err)
	return err
}

func (p *Pipeline) resume(ctx context.Context) (cursor, error) {
	cfg := p.cfg.CommitRetry.Unlimited()
	cfg.OnRetry = p.retryHook(ctx, "checkpoint_load")

	var rec checkpoint.Record
	err := retry.Do(ctx, cfg, func() error {
		var err error
		rec, err = p.store.Load(ctx, p.cfg.Stream)
		if errors.Is(err, checkpoint.ErrCorrupt) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, checkpoint.ErrCorrupt) {
			return cursor{}, fmt.Errorf("refusing to start: %w", err)
		}
		if ctx.Err() != nil {
			return cursor{}, errShutdown
		}
		return cursor{}, fmt.Errorf("load checkpoint: %w", err)
	}
	p.recovered()

	cur := cursor{pos: rec.Position.Clone(), wm: rec.Watermark, seq: rec.BatchSeq}
	p.mu.Lock()
	p.stats.Position = cur.pos.Clone()
	p.stats.Watermark = cur.wm.Watermark()
	p.stats.BatchSeq = cur.seq
	p.mu.Unlock()

	p.logger.Info("resuming from checkpoint",
		"offsets", cur.pos.Offsets,
		"batch_seq", cur.seq,
		"max_event_time", cur.wm.MaxEventTime,
	)
	return cur, nil
}

// step runs one batch. A nil return with no progress means the source was empty.
func (p *Pipeline) step(ctx context.Context, cur *cursor) error {
	msgs, next, err := p.fetch(ctx, cur.pos)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return nil
	}
	for _, m := range msgs {
		next.Advance(m.Partition, m.Offset)
	}

	batchID := cur.seq + 1
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanBatch,
		trace.WithAttributes(tracing.StreamAttr(p.cfg.Stream), tracing.BatchAttr(batchID)))
	err = p.process(ctx, cur, msgs, next, batchID, span)
	if errors.Is(err, errShutdown) {
		tracing.End(span, nil)
	} else {
		tracing.End(span, err)
	}
	return err
}

func (p *Pipeline) process(ctx context.Context, cur *cursor, msgs []source.Message, next source.Position, batchID uint64, span trace.Span) error {
	records, decodeErrs := p.decode(ctx, msgs, batchID)

	tracker := watermark.NewTracker(cur.wm, p.cfg.AllowedLateness)
	onTime := make([]decoder.Record, 0, len(records))
	for _, r := range records {
		if tracker.Observe(r.EventTime) == watermark.OnTime {
			onTime = append(onTime, r)
		}
	}
	late := len(records) - len(onTime)
	span.SetAttributes(
		tracing.RecordsAttr(len(msgs)),
		tracing.DecodeErrorsAttr(decodeErrs),
		tracing.LateAttr(late),
	)
	if late > 0 {
		p.metrics.RecordsTotal.WithLabelValues(p.cfg.Stream, observability.ResultLate).Add(float64(late))
		p.logger.Debug("dropped late records", "batch_id", batchID, "late", late, "watermark", tracker.State().Watermark())
	}

	var parts []sink.Partition
	if len(onTime) > 0 {
		var err error
		parts, err = p.write(ctx, batchID, onTime)
		if err != nil {
			return err
		}
	}

	rec := checkpoint.Record{
		Stream:      p.cfg.Stream,
		Position:    next,
		Watermark:   tracker.State(),
		BatchSeq:    batchID,
		CommittedAt: p.now().UTC(),
	}
	if err := p.commit(ctx, rec, len(parts) > 0); err != nil {
		return err
	}

	*cur = cursor{pos: next.Clone(), wm: rec.Watermark, seq: batchID}
	p.record(msgs, len(records), decodeErrs, late, onTime, parts, rec)
	return nil
}

func (p *Pipeline) fetch(ctx context.Context, from source.Position) ([]source.Message, source.Position, error) {
	start := p.now()
	cfg := p.cfg.FetchRetry.Unlimited()
	cfg.OnRetry = p.retryHook(ctx, "fetch")

	var (
		msgs []source.Message
		next source.Position
	)
	err := retry.Do(ctx, cfg, func() error {
		var err error
		msgs, next, err = p.reader.Fetch(ctx, from, p.cfg.BatchSize)
		if err != nil && ctx.Err() != nil {
			return retry.Permanent(ctx.Err())
		}
		return err
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, from, errShutdown
		}
		return nil, from, fmt.Errorf("fetch: %w", err)
	}
	p.recovered()
	p.metrics.StageDuration.WithLabelValues(p.cfg.Stream, "fetch").Observe(p.now().Sub(start).Seconds())
	return msgs, next.Clone(), nil
}

// decode parses every message. Failures are counted, dead-lettered and skipped.
func (p *Pipeline) decode(ctx context.Context, msgs []source.Message, batchID uint64) ([]decoder.Record, int) {
	start := p.now()
	records := make([]decoder.Record, 0, len(msgs))
	failed := 0
	for _, m := range msgs {
		r, err := decoder.Decode(m, p.schema)
		if err != nil {
			failed++
			p.deadLetter(ctx, m, batchID, err)
			continue
		}
		records = append(records, r)
	}
	p.metrics.StageDuration.WithLabelValues(p.cfg.Stream, "decode").Observe(p.now().Sub(start).Seconds())
	return records, failed
}

func (p *Pipeline) deadLetter(ctx context.Context, m source.Message, batchID uint64, cause error) {
	p.logger.Warn("skipping undecodable record", "partition", m.Partition, "offset", m.Offset, "error", cause)
	if p.dlq == nil {
		return
	}
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanDeadLetter,
		trace.WithAttributes(tracing.KafkaPartitionAttr(m.Partition), tracing.KafkaOffsetAttr(m.Offset)))
	err := p.dlq.Send(ctx, m.Key, m.Value, dlq.FailureInfo{
		Stream:    p.cfg.Stream,
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Reason:    cause.Error(),
		BatchID:   batchID,
	})
	tracing.End(span, err)
	if errors.Is(err, dlq.ErrSuppressed) {
		p.metrics.DLQTotal.WithLabelValues(p.cfg.Stream, "suppressed").Inc()
		p.logger.Debug("dead-letter publish suppressed", "offset", m.Offset)
		return
	}
	if err != nil {
		p.metrics.DLQTotal.WithLabelValues(p.cfg.Stream, "error").Inc()
		observability.WithTrace(ctx, p.logger).Error("dead-letter publish failed", "offset", m.Offset, "error", err)
		return
	}
	p.metrics.DLQTotal.WithLabelValues(p.cfg.Stream, "ok").Inc()
}

// write publishes the batch, retrying the same records on failure. A single
// attempt is never interrupted by shutdown.
func (p *Pipeline) write(ctx context.Context, batchID uint64, records []decoder.Record) ([]sink.Partition, error) {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanSinkWrite,
		trace.WithAttributes(tracing.BatchAttr(batchID), tracing.RecordsAttr(len(records))))
	start := p.now()

	cfg := p.cfg.WriteRetry
	cfg.OnRetry = func(attempt int, err error, wait time.Duration) {
		p.metrics.RetriesTotal.WithLabelValues(p.cfg.Stream, "write").Inc()
		p.logger.Warn("sink write failed, retrying batch", "batch_id", batchID, "attempt", attempt, "backoff", wait, "error", err)
	}

	var parts []sink.Partition
	attemptCtx := context.WithoutCancel(ctx)
	err := retry.Do(ctx, cfg, func() error {
		var err error
		parts, err = p.writer.Write(attemptCtx, batchID, records)
		return err
	})
	p.metrics.StageDuration.WithLabelValues(p.cfg.Stream, "write").Observe(p.now().Sub(start).Seconds())

	if err != nil {
		if ctx.Err() != nil {
			tracing.End(span, nil)
			p.logger.Warn("shutdown during sink retry, batch not committed", "batch_id", batchID)
			return nil, errShutdown
		}
		tracing.End(span, err)
		return nil, fmt.Errorf("batch %d: %w", batchID, err)
	}
	for _, part := range parts {
		span.AddEvent("partition published", trace.WithAttributes(tracing.ObjectKeyAttr(part.Key)))
	}
	tracing.End(span, nil)
	return parts, nil
}

// commit persists rec. Store outages are retried without bound.
func (p *Pipeline) commit(ctx context.Context, rec checkpoint.Record, published bool) error {
	ctx, span := tracing.StartSpan(ctx, p.tracer, tracing.SpanCommit, trace.WithAttributes(tracing.BatchAttr(rec.BatchSeq)))
	start := p.now()

	cfg := p.cfg.CommitRetry.Unlimited()
	cfg.OnRetry = p.retryHook(ctx, "commit")
	attemptCtx := context.WithoutCancel(ctx)
	err := retry.Do(ctx, cfg, func() error {
		err := p.store.Commit(attemptCtx, p.cfg.Stream, rec)
		if errors.Is(err, checkpoint.ErrStale) || errors.Is(err, checkpoint.ErrCorrupt) {
			return retry.Permanent(err)
		}
		return err
	})
	p.metrics.StageDuration.WithLabelValues(p.cfg.Stream, "commit").Observe(p.now().Sub(start).Seconds())

	if err != nil {
		if ctx.Err() != nil && !retry.IsPermanent(err) {
			tracing.End(span, nil)
			if published {
				p.logger.Warn("shutdown during checkpoint retry, published batch will be replayed", "batch_id", rec.BatchSeq)
			}
			return errShutdown
		}
		tracing.End(span, err)
		return fmt.Errorf("commit batch %d: %w", rec.BatchSeq, err)
	}
	tracing.End(span, nil)
	p.recovered()
	return nil
}

func (p *Pipeline) record(msgs []source.Message, decoded, decodeErrs, late int, written []decoder.Record, parts []sink.Partition, rec checkpoint.Record) {
	stream := p.cfg.Stream
	p.metrics.RecordsTotal.WithLabelValues(stream, observability.ResultFetched).Add(float64(len(msgs)))
	p.metrics.RecordsTotal.WithLabelValues(stream, observability.ResultDecodeError).Add(float64(decodeErrs))
	p.metrics.RecordsTotal.WithLabelValues(stream, observability.ResultWritten).Add(float64(len(written)))
	p.metrics.BatchesTotal.WithLabelValues(stream).Inc()
	p.metrics.PartitionsTotal.WithLabelValues(stream).Add(float64(len(parts)))
	for _, part := range parts {
		p.metrics.BytesWritten.WithLabelValues(stream).Add(float64(part.Bytes))
	}
	if wm := rec.Watermark.Watermark(); !wm.IsZero() {
		p.metrics.Watermark.WithLabelValues(stream).Set(float64(wm.Unix()))
	}
	for part, off := range rec.Position.Offsets {
		p.metrics.CommittedOffset.WithLabelValues(stream, strconv.FormatInt(int64(part), 10)).Set(float64(off))
	}

	p.mu.Lock()
	p.stats.Fetched += uint64(len(msgs))
	p.stats.Decoded += uint64(decoded)
	p.stats.DecodeErrors += uint64(decodeErrs)
	p.stats.Late += uint64(late)
	p.stats.Written += uint64(len(written))
	p.stats.Batches++
	p.stats.Partitions += uint64(len(parts))
	p.stats.BatchSeq = rec.BatchSeq
	p.stats.Position = rec.Position.Clone()
	p.stats.Watermark = rec.Watermark.Watermark()
	p.stats.UpdatedAt = p.now()
	p.mu.Unlock()

	p.logger.Debug("batch committed",
		"batch_id", rec.BatchSeq,
		"fetched", len(msgs),
		"decode_errors", decodeErrs,
		"late", late,
		"written", len(written),
		"partitions", len(parts),
	)
}

// Close releases the reader. The checkpoint store and DLQ handler are
// shared between pipelines and closed by their owner.
func (p *Pipeline) Close() error {
	if err := p.reader.Close(); err != nil {
		return fmt.Errorf("pipeline %s: reader close: %w", p.cfg.Stream, err)
	}
	return nil
}
