package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/lsm/cityingest/internal/checkpoint"
)

// watcher is implemented by checkpoint stores that can stream updates.
type watcher interface {
	Watch(ctx context.Context, fn func(stream string, rec checkpoint.Record, err error)) error
}

// newStoreFunc opens the configured checkpoint store. Tests replace it.
var newStoreFunc = checkpoint.New

// RunCheckpoints prints the stored checkpoint of every configured stream,
// and with --watch keeps printing each new commit until ctx is done.
func RunCheckpoints(ctx context.Context, args []string, w io.Writer) error {
	if isHelp(args) {
		fmt.Fprintln(w, `Usage: cityingest checkpoints [--config <path>] [--json] [--watch]

Prints the committed position, watermark and batch sequence of every
configured stream.

Flags:
  --json    Print one JSON record per line
  --watch   Keep printing checkpoints as pipelines commit (file backend only)`)
		return nil
	}

	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	store, err := newStoreFunc(cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer func() { _ = store.Close() }()

	asJSON := hasFlag(args, "--json")
	for _, s := range cfg.Streams {
		rec, loadErr := store.Load(ctx, s.Name)
		if err := printCheckpoint(w, s.Name, rec, loadErr, asJSON); err != nil {
			return err
		}
	}

	if !hasFlag(args, "--watch") {
		return nil
	}
	wt, ok := store.(watcher)
	if !ok {
		return fmt.Errorf("--watch is not supported by the %s checkpoint backend", cfg.Checkpoint.Backend)
	}
	return wt.Watch(ctx, func(stream string, rec checkpoint.Record, err error) {
		_ = printCheckpoint(w, stream, rec, err, asJSON)
	})
}

func printCheckpoint(w io.Writer, stream string, rec checkpoint.Record, loadErr error, asJSON bool) error {
	if loadErr != nil {
		fmt.Fprintf(w, "%-10s error: %v\n", stream, loadErr)
		return nil
	}
	if asJSON {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal checkpoint %s: %w", stream, err)
		}
		fmt.Fprintln(w, string(data))
		return nil
	}
	if rec.BatchSeq == 0 && rec.Position.IsZero() {
		fmt.Fprintf(w, "%-10s no checkpoint (starts at earliest)\n", stream)
		return nil
	}
	wm := "none"
	if !rec.Watermark.MaxEventTime.IsZero() {
		wm = rec.Watermark.Watermark().UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(w, "%-10s batch=%d offsets=%s watermark=%s committed=%s\n",
		stream, rec.BatchSeq, formatOffsets(rec.Position.Offsets), wm,
		rec.CommittedAt.UTC().Format(time.RFC3339))
	return nil
}

func formatOffsets(offsets map[int32]int64) string {
	parts := make([]int32, 0, len(offsets))
	for p := range offsets {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i] < parts[j] })
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = fmt.Sprintf("%d:%d", p, offsets[p])
	}
	return "[" + strings.Join(out, " ") + "]"
}
