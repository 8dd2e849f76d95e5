// Package sink groups on-time records into time-bucketed partitions and
// publishes them as parquet objects.
package sink

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/lsm/cityingest/internal/decoder"
	"github.com/lsm/cityingest/internal/schema"
	"github.com/lsm/cityingest/internal/storage"
)

// ErrWrite wraps every failure to durably publish a batch. A failed Write
// leaves no partially written object visible and may be retried.
var ErrWrite = errors.New("sink write failed")

// Partition describes one published object.
type Partition struct {
	Stream  string
	Bucket  time.Time
	BatchID uint64
	Key     string
	Records int
	Bytes   int
}

// Writer durably writes a batch of records for one stream.
type Writer interface {
	// Write publishes records under batchID and returns the partitions
	// created, one per event-time bucket. It returns only after every
	// partition is durable.
	Write(ctx context.Context, batchID uint64, records []decoder.Record) ([]Partition, error)
}

// Options configures a ParquetWriter.
type Options struct {
	// Prefix is the key prefix under the object store, e.g. "data".
	Prefix string
	// Dir names the stream's directory below Prefix, usually its topic.
	Dir string
	// RunID distinguishes objects written by different process runs so a
	// replayed batch never overwrites a published object.
	RunID string
	// BucketSize is the event-time granularity of partitions. Defaults to one hour.
	BucketSize time.Duration
	Allocator  memory.Allocator
}

// ParquetWriter implements Writer for one stream.
type ParquetWriter struct {
	schema schema.Schema
	store  storage.ObjectStore
	opts   Options

	mu sync.Mutex
	// batch and published track keys of the current batch that are already
	// durable, so a retried Write never publishes the same key twice.
	batch     uint64
	published map[string]struct{}
}

// NewParquetWriter creates a writer for s publishing to store.
func NewParquetWriter(s schema.Schema, store storage.ObjectStore, opts Options) (*ParquetWriter, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if opts.RunID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if opts.Dir == "" {
		opts.Dir = s.Stream
	}
	if opts.BucketSize <= 0 {
		opts.BucketSize = time.Hour
	}
	if opts.Allocator == nil {
		opts.Allocator = memory.DefaultAllocator
	}
	return &ParquetWriter{schema: s, store: store, opts: opts}, nil
}

type encoded struct {
	part Partition
	body []byte
}

// Write implements Writer. Every bucket is encoded before anything is
// published. If a publish fails, objects already published for the batch
// are removed again so it leaves nothing visible.
func (w *ParquetWriter) Write(ctx context.Context, batchID uint64, records []decoder.Record) ([]Partition, error) {
	if len(records) == 0 {
		return nil, nil
	}

	groups := make(map[time.Time][]decoder.Record)
	for _, rec := range records {
		b := rec.EventTime.UTC().Truncate(w.opts.BucketSize)
		groups[b] = append(groups[b], rec)
	}
	buckets := make([]time.Time, 0, len(groups))
	for b := range groups {
		buckets = append(buckets, b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Before(buckets[j]) })

	objs := make([]encoded, 0, len(buckets))
	for _, b := range buckets {
		body, err := EncodeParquet(w.opts.Allocator, w.schema, groups[b])
		if err != nil {
			return nil, fmt.Errorf("%w: encode: %w", ErrWrite, err)
		}
		objs = append(objs, encoded{
			part: Partition{
				Stream:  w.schema.Stream,
				Bucket:  b,
				BatchID: batchID,
				Key:     w.Key(b, batchID),
				Records: len(groups[b]),
				Bytes:   len(body),
			},
			body: body,
		})
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.published == nil || w.batch != batchID {
		w.batch = batchID
		w.published = make(map[string]struct{})
	}

	for _, o := range objs {
		key := o.part.Key
		if _, ok := w.published[key]; ok {
			continue
		}
		if err := w.store.Publish(ctx, key, o.body); err != nil {
			err = fmt.Errorf("%w: %w", ErrWrite, err)
			if rbErr := w.rollback(ctx); rbErr != nil {
				err = errors.Join(err, rbErr)
			}
			return nil, err
		}
		w.published[key] = struct{}{}
	}

	parts := make([]Partition, len(objs))
	for i, o := range objs {
		parts[i] = o.part
	}
	return parts, nil
}

// rollback deletes every object published for the current batch. A key
// that cannot be deleted stays recorded so the next attempt does not write
// it again.
func (w *ParquetWriter) rollback(ctx context.Context) error {
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for key := range w.published {
		if err := w.store.Delete(ctx, key); err != nil {
			errs = append(errs, fmt.Errorf("rollback: %w", err))
			continue
		}
		delete(w.published, key)
	}
	return errors.Join(errs...)
}

// Key returns the object key for a bucket and batch.
func (w *ParquetWriter) Key(bucket time.Time, batchID uint64) string {
	bucket = bucket.UTC()
	return path.Join(
		w.opts.Prefix,
		w.opts.Dir,
		"date="+bucket.Format("2006-01-02"),
		fmt.Sprintf("hour=%02d", bucket.Hour()),
		fmt.Sprintf("part-%020d-%s.parquet", batchID, w.opts.RunID),
	)
}
