// Package checkpoint persists, per stream, the last committed read position
// and the watermark state at that position.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lsm/cityingest/internal/source"
	"github.com/lsm/cityingest/internal/watermark"
)

const recordVersion = 1

var (
	// ErrCorrupt is returned by Load when a stored checkpoint cannot be
	// trusted. Pipelines must refuse to start rather than guess a position.
	ErrCorrupt = errors.New("checkpoint corrupt")

	// ErrStale is returned by Commit when the new position would move behind
	// the stored one on some partition.
	ErrStale = errors.New("checkpoint position behind stored position")
)

// Record is the durable resume state of one stream.
type Record struct {
	Version     int             `json:"version"`
	Stream      string          `json:"stream"`
	Position    source.Position `json:"position"`
	Watermark   watermark.State `json:"watermark"`
	BatchSeq    uint64          `json:"batchSeq"`
	CommittedAt time.Time       `json:"committedAt"`
}

// Same reports whether r and o describe the same resume state, ignoring
// bookkeeping fields.
func (r Record) Same(o Record) bool {
	return r.Stream == o.Stream &&
		r.BatchSeq == o.BatchSeq &&
		r.Position.Equal(o.Position) &&
		r.Watermark.MaxEventTime.Equal(o.Watermark.MaxEventTime) &&
		r.Watermark.AllowedLateness == o.Watermark.AllowedLateness
}

// Store persists checkpoint records.
type Store interface {
	// Load returns the stored record for stream, or a zero record positioned
	// at earliest when none exists.
	Load(ctx context.Context, stream string) (Record, error)

	// Commit atomically replaces the stored record for stream. Committing a
	// record equal to the stored one is a no-op.
	Commit(ctx context.Context, stream string, rec Record) error

	// Close releases resources.
	Close() error
}

// Config selects and configures a checkpoint backend.
type Config struct {
	Backend string     `yaml:"backend"` // "file" (default) or "etcd"
	Dir     string     `yaml:"dir,omitempty"`
	Etcd    EtcdConfig `yaml:"etcd,omitempty"`
}

// New returns a checkpoint store based on configuration.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		return NewFileStore(cfg.Dir)
	case "etcd":
		return NewEtcdStore(cfg.Etcd)
	default:
		return nil, fmt.Errorf("unsupported checkpoint backend: %s", cfg.Backend)
	}
}

func initial(stream string) Record {
	return Record{Version: recordVersion, Stream: stream}
}

// checkCommit validates rec against the currently stored record and reports
// whether a write is needed.
func checkCommit(stream string, stored, rec Record) (bool, error) {
	if rec.Stream != stream {
		return false, fmt.Errorf("record stream %q does not match %q", rec.Stream, stream)
	}
	if stored.Same(rec) {
		return false, nil
	}
	if !rec.Position.Covers(stored.Position) {
		return false, fmt.Errorf("%w: stream %s", ErrStale, stream)
	}
	return true, nil
}
