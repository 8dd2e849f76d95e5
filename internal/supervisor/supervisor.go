// Package supervisor runs one pipeline per stream concurrently, keeps a
// failure in one pipeline from affecting the others, and reports the
// combined outcome once every pipeline has exited.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/lsm/cityingest/internal/pipeline"
)

// Runner is the subset of *pipeline.Pipeline the supervisor drives.
type Runner interface {
	Stream() string
	Run(ctx context.Context) error
	Snapshot() pipeline.Stats
	Close() error
}

// Report is the outcome of a supervised run.
type Report struct {
	// Errors holds the terminal error of every pipeline that failed.
	Errors map[string]error
}

// Failed returns the failed streams in sorted order.
func (r Report) Failed() []string {
	out := make([]string, 0, len(r.Errors))
	for s := range r.Errors {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// OK reports whether every pipeline stopped cleanly.
func (r Report) OK() bool { return len(r.Errors) == 0 }

// Supervisor owns the lifecycle of a fixed set of pipelines.
type Supervisor struct {
	runners []Runner
	logger  *slog.Logger

	mu     sync.Mutex
	exited map[string]error
}

// New creates a supervisor. Stream names must be unique.
func New(logger *slog.Logger, runners ...Runner) (*Supervisor, error) {
	if len(runners) == 0 {
		return nil, fmt.Errorf("no pipelines configured")
	}
	seen := make(map[string]bool, len(runners))
	for _, r := range runners {
		if seen[r.Stream()] {
			return nil, fmt.Errorf("duplicate pipeline for stream %q", r.Stream())
		}
		seen[r.Stream()] = true
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{runners: runners, logger: logger, exited: make(map[string]error)}, nil
}

// Run starts every pipeline and blocks until all of them have exited, which
// happens when ctx is cancelled or when each has failed on its own.
func (s *Supervisor) Run(ctx context.Context) Report {
	s.logger.Info("starting pipelines", "count", len(s.runners))

	// A plain Group: one pipeline's error must not cancel the others.
	var g errgroup.Group
	for _, r := range s.runners {
		g.Go(func() error {
			err := s.runOne(ctx, r)
			s.mu.Lock()
			s.exited[r.Stream()] = err
			s.mu.Unlock()
			if err != nil {
				s.logger.Error("pipeline exited with failure", "stream", r.Stream(), "error", err)
			} else {
				s.logger.Info("pipeline exited", "stream", r.Stream())
			}
			return nil
		})
	}
	_ = g.Wait()

	report := Report{Errors: make(map[string]error)}
	s.mu.Lock()
	for stream, err := range s.exited {
		if err != nil {
			report.Errors[stream] = err
		}
	}
	s.mu.Unlock()
	s.logger.Info("all pipelines exited", "failed", report.Failed())
	return report
}

func (s *Supervisor) runOne(ctx context.Context, r Runner) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = fmt.Errorf("pipeline %s panicked: %v", r.Stream(), v)
			s.logger.Error("pipeline panic", "stream", r.Stream(), "panic", v, "stack", string(debug.Stack()))
		}
	}()
	return r.Run(ctx)
}

// Snapshot returns the stats of every pipeline, ordered by stream. A
// pipeline that exited with an error is always reported as Failed.
func (s *Supervisor) Snapshot() []pipeline.Stats {
	s.mu.Lock()
	exited := make(map[string]error, len(s.exited))
	for k, v := range s.exited {
		exited[k] = v
	}
	s.mu.Unlock()

	out := make([]pipeline.Stats, 0, len(s.runners))
	for _, r := range s.runners {
		st := r.Snapshot()
		if err, done := exited[r.Stream()]; done && err != nil && st.Status != pipeline.Failed {
			st.Status = pipeline.Failed
			st.LastError = err.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out
}

// Ready reports whether every pipeline is Running.
func (s *Supervisor) Ready() bool {
	for _, st := range s.Snapshot() {
		if st.Status != pipeline.Running {
			return false
		}
	}
	return true
}

// Close closes every pipeline.
func (s *Supervisor) Close() error {
	var errs []error
	for _, r := range s.runners {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
