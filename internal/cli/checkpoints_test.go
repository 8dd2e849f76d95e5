package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lsm/cityingest/internal/checkpoint"
	"github.com/lsm/cityingest/internal/source"
	"github.com/lsm/cityingest/internal/watermark"
)

func checkpointConfig(t *testing.T, dir string) string {
	t.Helper()
	return writeTestFile(t, dir, "c.yaml", fmt.Sprintf(`
streams:
  - name: gps
  - name: weather
checkpoint:
  dir: %s
`, filepath.Join(dir, "ckpt")))
}

func gpsCheckpoint(offset int64, seq uint64) checkpoint.Record {
	var pos source.Position
	pos.Advance(0, offset)
	pos.Advance(2, offset*2)
	return checkpoint.Record{
		Stream:   "gps",
		Position: pos,
		Watermark: watermark.State{
			MaxEventTime:    time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC),
			AllowedLateness: 2 * time.Minute,
		},
		BatchSeq: seq,
	}
}

func TestRunCheckpoints_List(t *testing.T) {
	dir := t.TempDir()
	path := checkpointConfig(t, dir)
	store, err := checkpoint.NewFileStore(filepath.Join(dir, "ckpt"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := store.Commit(context.Background(), "gps", gpsCheckpoint(4, 2)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var out bytes.Buffer
	if err := RunCheckpoints(context.Background(), []string{"--config", path}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %q", out.String())
	}
	for _, want := range []string{"gps", "batch=2", "offsets=[0:4 2:8]", "watermark=2024-05-01T10:03:00Z"} {
		if !strings.Contains(lines[0], want) {
			t.Errorf("gps line missing %q: %s", want, lines[0])
		}
	}
	if !strings.Contains(lines[1], "weather") || !strings.Contains(lines[1], "no checkpoint") {
		t.Errorf("unexpected weather line: %s", lines[1])
	}
}

func TestRunCheckpoints_JSON(t *testing.T) {
	dir := t.TempDir()
	path := checkpointConfig(t, dir)
	store, _ := checkpoint.NewFileStore(filepath.Join(dir, "ckpt"))
	if err := store.Commit(context.Background(), "gps", gpsCheckpoint(9, 5)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var out bytes.Buffer
	if err := RunCheckpoints(context.Background(), []string{"--config", path, "--json"}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := strings.SplitN(out.String(), "\n", 2)[0]
	var rec checkpoint.Record
	if err := json.Unmarshal([]byte(first), &rec); err != nil {
		t.Fatalf("unmarshal %q: %v", first, err)
	}
	if rec.Stream != "gps" || rec.BatchSeq != 5 {
		t.Errorf("unexpected record %+v", rec)
	}
}

func TestRunCheckpoints_CorruptShownPerStream(t *testing.T) {
	dir := t.TempDir()
	path := checkpointConfig(t, dir)
	ckpt := filepath.Join(dir, "ckpt", "gps")
	if err := os.MkdirAll(ckpt, 0o755); err != nil {
		t.Fatal(err)
	}
	writeTestFile(t, ckpt, "checkpoint.json", "{not json")

	var out bytes.Buffer
	if err := RunCheckpoints(context.Background(), []string{"--config", path}, &out); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out.String(), "gps        error:") {
		t.Errorf("expected corrupt gps checkpoint to be reported, got:\n%s", out.String())
	}
}

type plainStore struct{}

func (plainStore) Load(_ context.Context, stream string) (checkpoint.Record, error) {
	return checkpoint.Record{Stream: stream}, nil
}
func (plainStore) Commit(context.Context, string, checkpoint.Record) error { return nil }
func (plainStore) Close() error                                            { return nil }

func TestRunCheckpoints_WatchUnsupported(t *testing.T) {
	orig := newStoreFunc
	defer func() { newStoreFunc = orig }()
	newStoreFunc = func(checkpoint.Config) (checkpoint.Store, error) { return plainStore{}, nil }

	path := checkpointConfig(t, t.TempDir())
	err := RunCheckpoints(context.Background(), []string{"--config", path, "--watch"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "--watch") {
		t.Fatalf("expected unsupported watch error, got %v", err)
	}
}

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

func TestRunCheckpoints_Watch(t *testing.T) {
	dir := t.TempDir()
	path := checkpointConfig(t, dir)
	store, _ := checkpoint.NewFileStore(filepath.Join(dir, "ckpt"))

	ctx, cancel := context.WithCancel(context.Background())
	out := &syncBuffer{}
	done := make(chan error, 1)
	go func() { done <- RunCheckpoints(ctx, []string{"--config", path, "--watch"}, out) }()

	time.Sleep(200 * time.Millisecond)
	if err := store.Commit(context.Background(), "gps", gpsCheckpoint(12, 1)); err != nil {
		t.Fatalf("commit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "batch=1") {
		if time.Now().After(deadline) {
			t.Fatalf("watch did not report the commit:\n%s", out.String())
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("watch returned %v", err)
	}
}
