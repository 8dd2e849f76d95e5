package pipeline

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lsm/cityingest/internal/checkpoint"
	"github.com/lsm/cityingest/internal/dlq"
	"github.com/lsm/cityingest/internal/schema"
	"github.com/lsm/cityingest/internal/sink"
	"github.com/lsm/cityingest/internal/source"
	"github.com/lsm/cityingest/internal/storage"
	"github.com/lsm/cityingest/internal/watermark"
)

type statusLog struct {
	mu   sync.Mutex
	seen []Status
}

func (l *statusLog) hook(_ string, s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seen = append(l.seen, s)
}

func (l *statusLog) list() []Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Status(nil), l.seen...)
}

type mockPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (m *mockPublisher) Publish(_ context.Context, topic string, _, _ []byte, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	return nil
}

func (m *mockPublisher) Close() error { return nil }

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// stalledPublisher never reaches the broker and waits for its context.
type stalledPublisher struct{}

func (stalledPublisher) Publish(ctx context.Context, _ string, _, _ []byte, _ map[string]string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (stalledPublisher) Close() error { return nil }

// splitStore fails every publish whose key contains failKey.
type splitStore struct {
	*storage.LocalStore
	failKey string
}

func (s *splitStore) Publish(ctx context.Context, key string, body []byte) error {
	if strings.Contains(key, s.failKey) {
		return errors.New("bucket unavailable")
	}
	return s.LocalStore.Publish(ctx, key, body)
}

func loadCheckpoint(t *testing.T, store checkpoint.Store) checkpoint.Record {
	t.Helper()
	rec, err := store.Load(context.Background(), schema.GPS)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return rec
}

func TestPipeline_CommitsPositionOfLastRecord(t *testing.T) {
	reader := newFakeReader(gpsMessages(25))
	writer := &fakeWriter{}
	store := newFileStore(t, t.TempDir())
	p := newPipeline(t, testConfig(10), reader, writer, store)

	if err := runUntilIdle(t, p, reader); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	rec := loadCheckpoint(t, store)
	if last, _ := rec.Position.Last(0); last != 24 {
		t.Errorf("committed offset = %d, want 24", last)
	}
	if rec.BatchSeq != 3 {
		t.Errorf("batch seq = %d, want 3", rec.BatchSeq)
	}
	if got := writer.written(); len(got) != 25 {
		t.Errorf("wrote %d records, want 25", len(got))
	}

	stats := p.Snapshot()
	if stats.Status != Stopped {
		t.Errorf("status = %v, want stopped", stats.Status)
	}
	if stats.Fetched != 25 || stats.Written != 25 || stats.Batches != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if !stats.Position.Equal(rec.Position) {
		t.Errorf("snapshot position %v differs from checkpoint %v", stats.Position.Offsets, rec.Position.Offsets)
	}
}

func TestPipeline_DecodeFailureIsSkipped(t *testing.T) {
	msgs := gpsMessages(10)
	msgs[2].Value = []byte(`{"id":"g-2","timestamp":`)

	reader := newFakeReader(msgs)
	writer := &fakeWriter{}
	store := newFileStore(t, t.TempDir())
	pub := &mockPublisher{}
	p := newPipeline(t, testConfig(10), reader, writer, store, WithDLQ(dlq.NewHandler(pub)))

	if err := runUntilIdle(t, p, reader); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	stats := p.Snapshot()
	if stats.Decoded != 9 || stats.DecodeErrors != 1 {
		t.Errorf("decoded=%d decodeErrors=%d, want 9 and 1", stats.Decoded, stats.DecodeErrors)
	}
	if got := writer.written(); len(got) != 9 || slices.Contains(got, 2) {
		t.Errorf("written offsets = %v, want all but 2", got)
	}
	if last, _ := loadCheckpoint(t, store).Position.Last(0); last != 9 {
		t.Errorf("committed offset = %d, want 9", last)
	}
	if len(pub.topics) != 1 || pub.topics[0] != "gps_data.dlq" {
		t.Errorf("dead-lettered to %v, want [gps_data.dlq]", pub.topics)
	}
}

func TestPipeline_LogsStreamOnce(t *testing.T) {
	msgs := gpsMessages(3)
	msgs[1].Value = []byte(`not json`)

	var buf syncBuffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil)).With("stream", schema.GPS, "topic", "gps_data")
	reader := newFakeReader(msgs)
	p := newPipeline(t, testConfig(10), reader, &fakeWriter{}, newFileStore(t, t.TempDir()), WithLogger(logger))

	if err := runUntilIdle(t, p, reader); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) == 0 || lines[0] == "" {
		t.Fatal("expected log output")
	}
	for _, line := range lines {
		if n := strings.Count(line, `"stream":`); n != 1 {
			t.Errorf("stream attribute appears %d times in %s", n, line)
		}
	}
}

func TestPipeline_UnreachableDeadLetterTopicDoesNotBlock(t *testing.T) {
	msgs := gpsMessages(10)
	msgs[1].Value = []byte(`not json`)
	msgs[4].Value = []byte(`not json`)

	reader := newFakeReader(msgs)
	writer := &fakeWriter{}
	store := newFileStore(t, t.TempDir())
	h := dlq.NewHandler(stalledPublisher{}, dlq.WithPublishTimeout(20*time.Millisecond))
	p := newPipeline(t, testConfig(10), reader, writer, store, WithDLQ(h))

	if err := runUntilIdle(t, p, reader); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got := writer.written(); len(got) != 8 {
		t.Errorf("written offsets = %v, want 8 records", got)
	}
	if last, _ := loadCheckpoint(t, store).Position.Last(0); last != 9 {
		t.Errorf("committed offset = %d, want 9", last)
	}
}

func TestPipeline_PartialMultiBucketWriteLeavesNothing(t *testing.T) {
	root := t.TempDir()
	local, err := storage.NewLocalStore(root)
	if err != nil {
		t.Fatal(err)
	}
	objects := &splitStore{LocalStore: local, failKey: "hour=11"}
	s, _ := schema.For(schema.GPS)
	w, err := sink.NewParquetWriter(s, objects, sink.Options{Prefix: "data", Dir: "gps_data", RunID: "run1"})
	if err != nil {
		t.Fatal(err)
	}

	msgs := []source.Message{
		gpsMessage(0, base.Add(59*time.Minute)),
		gpsMessage(1, base.Add(60*time.Minute)),
	}
	store := newFileStore(t, filepath.Join(root, "checkpoints"))
	p := newPipeline(t, testConfig(10), newFakeReader(msgs), w, store)

	if err := p.Run(context.Background()); !errors.Is(err, sink.ErrWrite) {
		t.Fatalf("Run() error = %v, want ErrWrite", err)
	}
	if p.Status() != Failed {
		t.Errorf("status = %v, want failed", p.Status())
	}
	files, err := filepath.Glob(filepath.Join(root, "data", "gps_data", "*", "*", "*.parquet"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 0 {
		t.Errorf("objects visible after failed write: %v", files)
	}
	if rec := loadCheckpoint(t, store); !rec.Position.IsZero() {
		t.Errorf("checkpoint advanced to %v", rec.Position.Offsets)
	}
}

func TestPipeline_AllLateBatchStillAdvances(t *testing.T) {
	dir := t.TempDir()
	store := newFileStore(t, dir)
	seed := checkpoint.Record{
		Stream:    schema.GPS,
		Watermark: watermark.State{MaxEventTime: time.Unix(215, 0).UTC(), AllowedLateness: 100 * time.Second},
	}
	if err := store.Commit(context.Background(), schema.GPS, seed); err != nil {
		t.Fatal(err)
	}

	msgs := []source.Message{
		{Stream: schema.GPS, Topic: "gps_data", Offset: 0, Value: []byte(`{"id":"1","timestamp":100}`)},
		{Stream: schema.GPS, Topic: "gps_data", Offset: 1, Value: []byte(`{"id":"2","timestamp":95}`)},
	}
	reader := newFakeReader(msgs)
	writer := &fakeWriter{}
	cfg := testConfig(10)
	cfg.AllowedLateness = 100 * time.Second
	p := newPipeline(t, cfg, reader, writer, store)

	if err := runUntilIdle(t, p, reader); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if writer.attempts != 0 {
		t.Errorf("sink called %d times, want 0", writer.attempts)
	}
	if p.Snapshot().Late != 2 {
		t.Errorf("late = %d, want 2", p.Snapshot().Late)
	}
	rec := loadCheckpoint(t, store)
	if last, _ := rec.Position.Last(0); last != 1 {
		t.Errorf("committed offset = %d, want 1", last)
	}
	if !rec.Watermark.MaxEventTime.Equal(time.Unix(215, 0)) {
		t.Errorf("max event time = %v, want unchanged 215", rec.Watermark.MaxEventTime.Unix())
	}
}

func TestPipeline_LateRecordWithinBatch(t *testing.T) {
	msgs := []source.Message{
		gpsMessage(0, base),
		gpsMessage(1, base.Add(5*time.Minute)),
		gpsMessage(2, base.Add(3*time.Minute)),             // exactly at watermark
		gpsMessage(3, base.Add(3*time.Minute-time.Second)), // one second late
	}
	reader := newFakeReader(msgs)
	writer := &fakeWriter{}
	p := newPipeline(t, testConfig(10), reader, writer, newFileStore(t, t.TempDir()))

	if err := runUntilIdle(t, p, reader); err != nil {
		t.Fatal(err)
	}
	if got := writer.written(); !slices.Equal(got, []int64{0, 1, 2}) {
		t.Errorf("written offsets = %v, want [0 1 2]", got)
	}
	if p.Snapshot().Late != 1 {
		t.Errorf("late = %d, want 1", p.Snapshot().Late)
	}
}

func TestPipeline_ResumesFromCheckpoint(t *testing.T) {
	store := newFileStore(t, t.TempDir())
	var pos source.Position
	pos.Advance(0, 4)
	seed := checkpoint.Record{Stream: schema.GPS, Position: pos, BatchSeq: 7}
	if err := store.Commit(context.Background(), schema.GPS, seed); err != nil {
		t.Fatal(err)
	}

	reader := newFakeReader(gpsMessages(10))
	writer := &fakeWriter{}
	p := newPipeline(t, testConfig(100), reader, writer, store)
	if err := runUntilIdle(t, p, reader); err != nil {
		t.Fatal(err)
	}

	if got := writer.written(); !slices.Equal(got, []int64{5, 6, 7, 8, 9}) {
		t.Errorf("written offsets = %v, want 5..9", got)
	}
	if writer.calls[0].batchID != 8 {
		t.Errorf("batch id = %d, want 8", writer.calls[0].batchID)
	}
}

func TestPipeline_CrashBetweenPublishAndCommitReplays(t *testing.T) {
	root := t.TempDir()
	objects, err := storage.NewLocalStore(filepath.Join(root, "out"))
	if err != nil {
		t.Fatal(err)
	}
	store := newFileStore(t, filepath.Join(root, "checkpoints"))
	s, _ := schema.For(schema.GPS)
	msgs := gpsMessages(30)

	newWriter := func(runID string) *sink.ParquetWriter {
		w, err := sink.NewParquetWriter(s, objects, sink.Options{Prefix: "data", Dir: "gps_data", RunID: runID})
		if err != nil {
			t.Fatal(err)
		}
		return w
	}

	// First run: batch 2 is published, then the process dies before its commit.
	ctx, crash := context.WithCancel(context.Background())
	defer crash()
	store.beforeCommit = func(rec checkpoint.Record) error {
		if rec.BatchSeq == 2 {
			crash()
			return errStoreDown
		}
		return nil
	}
	first := newPipeline(t, testConfig(10), newFakeReader(msgs), newWriter("run1"), store)
	if err := first.Run(ctx); err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	if last, _ := loadCheckpoint(t, store).Position.Last(0); last != 9 {
		t.Fatalf("after crash committed offset = %d, want 9", last)
	}

	// Second run resumes after batch 1 and republishes batch 2 under a new run id.
	store.beforeCommit = nil
	reader := newFakeReader(msgs)
	second := newPipeline(t, testConfig(10), reader, newWriter("run2"), store)
	if err := runUntilIdle(t, second, reader); err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	rec := loadCheckpoint(t, store)
	if last, _ := rec.Position.Last(0); last != 29 || rec.BatchSeq != 3 {
		t.Errorf("final checkpoint offset=%d seq=%d, want 29 and 3", last, rec.BatchSeq)
	}

	var prev int64 = -1
	for _, c := range store.committed() {
		last, _ := c.Position.Last(0)
		if last < prev {
			t.Errorf("checkpoint regressed from %d to %d", prev, last)
		}
		prev = last
	}

	files, err := filepath.Glob(filepath.Join(root, "out", "data", "gps_data", "date=2024-05-01", "hour=10", "*.parquet"))
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"part-00000000000000000001-run1.parquet",
		"part-00000000000000000002-run1.parquet",
		"part-00000000000000000002-run2.parquet",
		"part-00000000000000000003-run2.parquet",
	}
	var got []string
	for _, f := range files {
		got = append(got, filepath.Base(f))
	}
	slices.Sort(got)
	if !slices.Equal(got, want) {
		t.Errorf("published files = %v, want %v", got, want)
	}
}

func TestPipeline_SinkRetriesSameBatch(t *testing.T) {
	reader := newFakeReader(gpsMessages(5))
	writer := &fakeWriter{failures: 2}
	store := newFileStore(t, t.TempDir())
	p := newPipeline(t, testConfig(10), reader, writer, store)

	if err := runUntilIdle(t, p, reader); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if writer.attempts != 3 {
		t.Errorf("write attempts = %d, want 3", writer.attempts)
	}
	if len(writer.calls) != 1 || writer.calls[0].batchID != 1 {
		t.Errorf("successful writes = %+v, want one call for batch 1", writer.calls)
	}
}

func TestPipeline_PersistentSinkFailureFails(t *testing.T) {
	reader := newFakeReader(gpsMessages(5))
	writer := &fakeWriter{failures: -1}
	store := newFileStore(t, t.TempDir())
	p := newPipeline(t, testConfig(10), reader, writer, store)

	err := p.Run(context.Background())
	if !errors.Is(err, sink.ErrWrite) {
		t.Fatalf("Run() error = %v, want ErrWrite", err)
	}
	if p.Status() != Failed {
		t.Errorf("status = %v, want failed", p.Status())
	}
	if writer.attempts != 3 {
		t.Errorf("write attempts = %d, want 3", writer.attempts)
	}
	if rec := loadCheckpoint(t, store); !rec.Position.IsZero() {
		t.Errorf("checkpoint advanced to %v despite failed write", rec.Position.Offsets)
	}
}

func TestPipeline_DegradedWhileSourceUnavailable(t *testing.T) {
	reader := newFakeReader(gpsMessages(3))
	reader.unavailable = 3
	log := &statusLog{}
	p := newPipeline(t, testConfig(10), reader, &fakeWriter{}, newFileStore(t, t.TempDir()), WithStatusHook(log.hook))

	if err := runUntilIdle(t, p, reader); err != nil {
		t.Fatal(err)
	}
	want := []Status{Running, Degraded, Running, Stopped}
	if got := log.list(); !slices.Equal(got, want) {
		t.Errorf("status transitions = %v, want %v", got, want)
	}
	if p.Snapshot().Written != 3 {
		t.Errorf("written = %d, want 3", p.Snapshot().Written)
	}
}

func TestPipeline_CheckpointStoreOutageDoesNotRewrite(t *testing.T) {
	reader := newFakeReader(gpsMessages(4))
	writer := &fakeWriter{}
	store := newFileStore(t, t.TempDir())
	store.loadFails = 1
	store.commitFails = 2
	log := &statusLog{}
	p := newPipeline(t, testConfig(10), reader, writer, store, WithStatusHook(log.hook))

	if err := runUntilIdle(t, p, reader); err != nil {
		t.Fatal(err)
	}
	if writer.attempts != 1 {
		t.Errorf("write attempts = %d, want 1", writer.attempts)
	}
	if last, _ := loadCheckpoint(t, store).Position.Last(0); last != 3 {
		t.Errorf("committed offset = %d, want 3", last)
	}
	if got := log.list(); !slices.Contains(got, Degraded) || got[len(got)-1] != Stopped {
		t.Errorf("status transitions = %v", got)
	}
}

func TestPipeline_CorruptCheckpointRefusesToStart(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, schema.GPS), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, schema.GPS, "checkpoint.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	reader := newFakeReader(gpsMessages(3))
	p := newPipeline(t, testConfig(10), reader, &fakeWriter{}, newFileStore(t, dir))

	err := p.Run(context.Background())
	if !errors.Is(err, checkpoint.ErrCorrupt) {
		t.Fatalf("Run() error = %v, want ErrCorrupt", err)
	}
	if p.Status() != Failed {
		t.Errorf("status = %v, want failed", p.Status())
	}
	if reader.calls != 0 {
		t.Errorf("reader called %d times before checkpoint was trusted", reader.calls)
	}
}

func TestPipeline_ShutdownBeforeStart(t *testing.T) {
	reader := newFakeReader(gpsMessages(3))
	p := newPipeline(t, testConfig(10), reader, &fakeWriter{}, newFileStore(t, t.TempDir()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if p.Status() != Stopped {
		t.Errorf("status = %v, want stopped", p.Status())
	}
}

func TestNew_Validation(t *testing.T) {
	s, _ := schema.For(schema.Weather)
	store := newFileStore(t, t.TempDir())

	if _, err := New(Config{Stream: schema.GPS}, s, newFakeReader(nil), &fakeWriter{}, store); err == nil {
		t.Error("expected error for stream/schema mismatch")
	}
	if _, err := New(Config{}, s, nil, &fakeWriter{}, store); err == nil {
		t.Error("expected error for missing reader")
	}
	p, err := New(Config{}, s, newFakeReader(nil), &fakeWriter{}, store)
	if err != nil {
		t.Fatal(err)
	}
	if p.Stream() != schema.Weather || p.cfg.BatchSize != DefaultBatchSize {
		t.Errorf("defaults not applied: stream=%s batch=%d", p.Stream(), p.cfg.BatchSize)
	}
}

func TestStatus_String(t *testing.T) {
	for s, want := range map[Status]string{Stopped: "stopped", Running: "running", Degraded: "degraded", Failed: "failed"} {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
		text, _ := s.MarshalText()
		if string(text) != want {
			t.Errorf("MarshalText() = %q", text)
		}
	}
}
