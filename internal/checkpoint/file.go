package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
)

const fileName = "checkpoint.json"

// envelope guards the record bytes with a checksum so torn or tampered files
// are detected at load time.
type envelope struct {
	Checksum string          `json:"checksum"`
	Record   json.RawMessage `json:"record"`
}

// FileStore keeps one checkpoint file per stream under <dir>/<stream>/. The
// location does not depend on the run, so a restarted process resumes where
// the previous one committed.
type FileStore struct {
	dir string
	now func() time.Time
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir, now: time.Now}, nil
}

func (s *FileStore) path(stream string) string {
	return filepath.Join(s.dir, stream, fileName)
}

// Load reads the checkpoint for stream.
func (s *FileStore) Load(_ context.Context, stream string) (Record, error) {
	data, err := os.ReadFile(s.path(stream))
	if errors.Is(err, fs.ErrNotExist) {
		return initial(stream), nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("read checkpoint %s: %w", stream, err)
	}
	return decodeFile(stream, data)
}

func decodeFile(stream string, data []byte) (Record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Record{}, fmt.Errorf("%w: stream %s: %v", ErrCorrupt, stream, err)
	}
	if env.Checksum != checksum(env.Record) {
		return Record{}, fmt.Errorf("%w: stream %s: checksum mismatch", ErrCorrupt, stream)
	}
	return decodeRecord(stream, env.Record)
}

func decodeRecord(stream string, data []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, fmt.Errorf("%w: stream %s: %v", ErrCorrupt, stream, err)
	}
	if rec.Version != recordVersion {
		return Record{}, fmt.Errorf("%w: stream %s: unsupported version %d", ErrCorrupt, stream, rec.Version)
	}
	if rec.Stream != stream {
		return Record{}, fmt.Errorf("%w: stream %s: record belongs to %q", ErrCorrupt, stream, rec.Stream)
	}
	return rec, nil
}

// Commit writes rec to a temporary file, syncs it and renames it over the
// previous checkpoint.
func (s *FileStore) Commit(ctx context.Context, stream string, rec Record) error {
	stored, err := s.Load(ctx, stream)
	if err != nil {
		return err
	}
	write, err := checkCommit(stream, stored, rec)
	if err != nil || !write {
		return err
	}

	rec.Version = recordVersion
	if rec.CommittedAt.IsZero() {
		rec.CommittedAt = s.now().UTC()
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	data, err := json.Marshal(envelope{Checksum: checksum(body), Record: body})
	if err != nil {
		return fmt.Errorf("marshal checkpoint envelope: %w", err)
	}

	dir := filepath.Dir(s.path(stream))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	return writeAtomic(dir, s.path(stream), data)
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

func checksum(b []byte) string {
	return strconv.FormatUint(xxhash.Sum64(b), 16)
}

func writeAtomic(dir, target string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		cleanup()
		return fmt.Errorf("publish checkpoint: %w", err)
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open checkpoint dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync checkpoint dir: %w", err)
	}
	return nil
}
