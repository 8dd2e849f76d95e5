package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/lsm/cityingest/internal/checkpoint"
	"github.com/lsm/cityingest/internal/decoder"
	"github.com/lsm/cityingest/internal/retry"
	"github.com/lsm/cityingest/internal/schema"
	"github.com/lsm/cityingest/internal/sink"
	"github.com/lsm/cityingest/internal/source"
)

// fakeReader serves msgs from partition 0, where a message's offset is its
// index. Once drained it signals idle and blocks until ctx is done.
type fakeReader struct {
	mu          sync.Mutex
	msgs        []source.Message
	unavailable int
	calls       int
	idle        chan struct{}
	closed      bool
}

func newFakeReader(msgs []source.Message) *fakeReader {
	return &fakeReader{msgs: msgs, idle: make(chan struct{}, 1)}
}

func (r *fakeReader) Fetch(ctx context.Context, from source.Position, limit int) ([]source.Message, source.Position, error) {
	r.mu.Lock()
	r.calls++
	if r.unavailable > 0 {
		r.unavailable--
		r.mu.Unlock()
		return nil, from, fmt.Errorf("%w: connection refused", source.ErrUnavailable)
	}
	start := int64(0)
	if next, ok := from.Next(0); ok {
		start = next
	}
	end := min(start+int64(limit), int64(len(r.msgs)))
	if start >= end {
		r.mu.Unlock()
		select {
		case r.idle <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, from, ctx.Err()
	}
	out := append([]source.Message(nil), r.msgs[start:end]...)
	r.mu.Unlock()

	pos := from.Clone()
	pos.Advance(0, end-1)
	return out, pos, nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type writeCall struct {
	batchID uint64
	offsets []int64
}

type fakeWriter struct {
	mu       sync.Mutex
	calls    []writeCall
	failures int // fail this many calls before succeeding; negative fails forever
	attempts int
}

func (w *fakeWriter) Write(_ context.Context, batchID uint64, records []decoder.Record) ([]sink.Partition, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts++
	if w.failures != 0 {
		if w.failures > 0 {
			w.failures--
		}
		return nil, fmt.Errorf("%w: storage offline", sink.ErrWrite)
	}
	call := writeCall{batchID: batchID}
	for _, r := range records {
		call.offsets = append(call.offsets, r.Offset)
	}
	w.calls = append(w.calls, call)
	return []sink.Partition{{Stream: schema.GPS, BatchID: batchID, Key: fmt.Sprintf("k-%d", batchID), Records: len(records), Bytes: 100}}, nil
}

func (w *fakeWriter) written() []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []int64
	for _, c := range w.calls {
		out = append(out, c.offsets...)
	}
	return out
}

// flakyStore fails Load and Commit a configurable number of times, and can
// run a hook before every commit attempt.
type flakyStore struct {
	checkpoint.Store
	mu           sync.Mutex
	loadFails    int
	commitFails  int
	commits      []checkpoint.Record
	beforeCommit func(rec checkpoint.Record) error
}

var errStoreDown = errors.New("checkpoint store unreachable")

func (s *flakyStore) Load(ctx context.Context, stream string) (checkpoint.Record, error) {
	s.mu.Lock()
	if s.loadFails > 0 {
		s.loadFails--
		s.mu.Unlock()
		return checkpoint.Record{}, errStoreDown
	}
	s.mu.Unlock()
	return s.Store.Load(ctx, stream)
}

func (s *flakyStore) Commit(ctx context.Context, stream string, rec checkpoint.Record) error {
	s.mu.Lock()
	hook := s.beforeCommit
	if s.commitFails > 0 {
		s.commitFails--
		s.mu.Unlock()
		return errStoreDown
	}
	s.mu.Unlock()
	if hook != nil {
		if err := hook(rec); err != nil {
			return err
		}
	}
	if err := s.Store.Commit(ctx, stream, rec); err != nil {
		return err
	}
	s.mu.Lock()
	s.commits = append(s.commits, rec)
	s.mu.Unlock()
	return nil
}

func (s *flakyStore) committed() []checkpoint.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]checkpoint.Record(nil), s.commits...)
}

func newFileStore(t *testing.T, dir string) *flakyStore {
	t.Helper()
	fs, err := checkpoint.NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	return &flakyStore{Store: fs}
}

var base = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func gpsMessage(offset int64, at time.Time) source.Message {
	return source.Message{
		Stream:    schema.GPS,
		Topic:     "gps_data",
		Partition: 0,
		Offset:    offset,
		Value: []byte(fmt.Sprintf(
			`{"id":"g-%d","deviceId":"bus-7","timestamp":%q,"speed":31.5,"direction":"north-east","vehicleType":"bus"}`,
			offset, at.Format(time.RFC3339Nano))),
	}
}

func gpsMessages(n int) []source.Message {
	msgs := make([]source.Message, n)
	for i := range msgs {
		msgs[i] = gpsMessage(int64(i), base.Add(time.Duration(i)*time.Second))
	}
	return msgs
}

func fastRetry(attempts int) retry.Config {
	return retry.Config{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func testConfig(batchSize int) Config {
	return Config{
		Stream:      schema.GPS,
		Topic:       "gps_data",
		BatchSize:   batchSize,
		FetchRetry:  fastRetry(0),
		WriteRetry:  fastRetry(3),
		CommitRetry: fastRetry(0),
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPipeline(t *testing.T, cfg Config, r source.Reader, w sink.Writer, store checkpoint.Store, opts ...Option) *Pipeline {
	t.Helper()
	s, err := schema.For(schema.GPS)
	if err != nil {
		t.Fatal(err)
	}
	p, err := New(cfg, s, r, w, store, append([]Option{WithLogger(quietLogger())}, opts...)...)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

// runUntilIdle runs p until the reader is drained, then shuts it down.
func runUntilIdle(t *testing.T, p *Pipeline, r *fakeReader) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-r.idle:
		cancel()
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not drain the reader")
	}

	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after cancel")
	}
	return nil
}
