// Package dlq forwards records that cannot be decoded to a dead-letter topic
// so they are skipped by the pipeline without being lost.
package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

const (
	// DefaultSuffix is appended to the source topic to name its dead-letter topic.
	DefaultSuffix = ".dlq"
	// DefaultPublishTimeout bounds a single dead-letter publish.
	DefaultPublishTimeout = 10 * time.Second
)

// FailureInfo describes where a rejected record came from and why.
type FailureInfo struct {
	Stream    string
	Topic     string
	Partition int32
	Offset    int64
	Reason    string
	BatchID   uint64
}

// Handler publishes rejected records to a dead-letter topic.
type Handler struct {
	publisher Publisher
	topicFn   func(sourceTopic string) string
	now       func() time.Time
	breaker   *breaker
	timeout   time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopicFunc overrides dead-letter topic naming.
func WithTopicFunc(fn func(sourceTopic string) string) Option {
	return func(h *Handler) {
		h.topicFn = fn
	}
}

// WithBreaker sets how many consecutive publish failures suspend
// dead-lettering and for how long.
func WithBreaker(failures int, cooldown time.Duration) Option {
	return func(h *Handler) {
		h.breaker = newBreaker(failures, cooldown)
	}
}

// WithPublishTimeout bounds how long Send waits for the broker. A publish
// that times out counts as a failure for the breaker.
func WithPublishTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// NewHandler creates a new dead-letter handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topicFn:   func(t string) string { return t + DefaultSuffix },
		now:       time.Now,
		breaker:   newBreaker(DefaultFailureThreshold, DefaultCooldown),
		timeout:   DefaultPublishTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Send publishes the raw record with failure metadata as headers. It returns
// ErrSuppressed without publishing while the breaker is open.
func (h *Handler) Send(ctx context.Context, key, value []byte, info FailureInfo) error {
	topic := h.topicFn(info.Topic)
	if !h.breaker.allow(h.now()) {
		return fmt.Errorf("%w: %s", ErrSuppressed, topic)
	}

	headers := map[string]string{
		"cityingest-stream":         info.Stream,
		"cityingest-original-topic": info.Topic,
		"cityingest-partition":      strconv.FormatInt(int64(info.Partition), 10),
		"cityingest-offset":         strconv.FormatInt(info.Offset, 10),
		"cityingest-error":          info.Reason,
		"cityingest-batch-id":       strconv.FormatUint(info.BatchID, 10),
		"cityingest-failed-at":      h.now().UTC().Format(time.RFC3339),
	}

	pctx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.publisher.Publish(pctx, topic, key, value, headers)
	cancel()
	h.breaker.record(err, h.now())
	if err != nil {
		return fmt.Errorf("dlq publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases the publisher.
func (h *Handler) Close() error {
	return h.publisher.Close()
}
