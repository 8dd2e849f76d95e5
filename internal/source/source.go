package source

import (
	"context"
	"errors"
	"maps"
	"time"
)

// ErrUnavailable is returned by a Reader when the broker cannot be reached.
// Callers retry with backoff; it is never fatal to a pipeline.
var ErrUnavailable = errors.New("source unavailable")

// Message is a raw record consumed from the broker for one stream.
type Message struct {
	Stream    string
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Position is a stream-scoped read position: for every partition, the offset
// of the last consumed record. The zero value means "start from earliest".
type Position struct {
	Offsets map[int32]int64 `json:"offsets,omitempty"`
}

// IsZero reports whether no record has been consumed yet.
func (p Position) IsZero() bool {
	return len(p.Offsets) == 0
}

// Clone returns a deep copy of p.
func (p Position) Clone() Position {
	if p.Offsets == nil {
		return Position{}
	}
	return Position{Offsets: maps.Clone(p.Offsets)}
}

// Last returns the offset of the last consumed record on partition.
func (p Position) Last(partition int32) (int64, bool) {
	off, ok := p.Offsets[partition]
	return off, ok
}

// Next returns the offset to resume reading partition from, or false when the
// partition has no recorded position and must start from earliest.
func (p Position) Next(partition int32) (int64, bool) {
	off, ok := p.Offsets[partition]
	if !ok {
		return 0, false
	}
	return off + 1, true
}

// Advance records that offset on partition was consumed. Offsets never move backwards.
func (p *Position) Advance(partition int32, offset int64) {
	if p.Offsets == nil {
		p.Offsets = make(map[int32]int64)
	}
	if cur, ok := p.Offsets[partition]; ok && cur >= offset {
		return
	}
	p.Offsets[partition] = offset
}

// Covers reports whether p is at or past q on every partition q knows about.
func (p Position) Covers(q Position) bool {
	for part, off := range q.Offsets {
		cur, ok := p.Offsets[part]
		if !ok || cur < off {
			return false
		}
	}
	return true
}

// Equal reports whether p and q record the same offsets.
func (p Position) Equal(q Position) bool {
	return maps.Equal(p.Offsets, q.Offsets)
}

// Reader pulls raw messages for a single stream.
type Reader interface {
	// Fetch returns up to max messages starting at from, in broker order per
	// partition, along with the position after the last returned message.
	// An empty slice with a nil error means nothing is currently available.
	Fetch(ctx context.Context, from Position, max int) ([]Message, Position, error)

	// Close performs graceful shutdown.
	Close() error
}
