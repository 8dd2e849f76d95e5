package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/cityingest/internal/checkpoint"
	"github.com/lsm/cityingest/internal/cli"
	"github.com/lsm/cityingest/internal/config"
	"github.com/lsm/cityingest/internal/dlq"
	"github.com/lsm/cityingest/internal/kafka"
	"github.com/lsm/cityingest/internal/observability"
	"github.com/lsm/cityingest/internal/pipeline"
	"github.com/lsm/cityingest/internal/schema"
	"github.com/lsm/cityingest/internal/sink"
	kafkasrc "github.com/lsm/cityingest/internal/source/kafka"
	"github.com/lsm/cityingest/internal/storage"
	"github.com/lsm/cityingest/internal/supervisor"
	"github.com/lsm/cityingest/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

type runOptions struct {
	configPath string
	logLevel   string
}

func serve(ctx context.Context, opts runOptions) error {
	path := opts.configPath
	if path == "" {
		var err error
		if path, err = cli.ConfigPath(nil); err != nil {
			return err
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger("cityingest", observability.LogLevel(opts.logLevel, cfg.LogLevel))
	slog.SetDefault(logger)

	tracer, shutdownTracing, err := tracing.Initialize(ctx, cfg.Tracing, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Error("tracing shutdown error", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	store, err := storage.New(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open object store: %w", err)
	}
	checkpoints, err := checkpoint.New(cfg.Checkpoint)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer func() { _ = checkpoints.Close() }()

	var deadLetters *dlq.Handler
	if cfg.DLQ.Enabled {
		pub, err := kafka.NewPublisher(&cfg.Kafka)
		if err != nil {
			return fmt.Errorf("dlq publisher: %w", err)
		}
		suffix := cfg.DLQ.Suffix
		deadLetters = dlq.NewHandler(pub,
			dlq.WithTopicFunc(func(topic string) string { return topic + suffix }),
			dlq.WithBreaker(cfg.DLQ.FailureThreshold, cfg.DLQ.Cooldown),
			dlq.WithPublishTimeout(cfg.DLQ.PublishTimeout))
		defer func() { _ = deadLetters.Close() }()
	}

	health := observability.NewHealthServer(reg)
	var sup *supervisor.Supervisor
	onStatus := func(string, pipeline.Status) {
		if sup != nil {
			health.SetReady(sup.Ready())
		}
	}

	runID := uuid.NewString()
	logger.Info("starting", "run_id", runID, "streams", len(cfg.Streams))

	runners := make([]supervisor.Runner, 0, len(cfg.Streams))
	closeAll := func() {
		for _, r := range runners {
			_ = r.Close()
		}
	}
	for _, sc := range cfg.Streams {
		p, err := buildPipeline(cfg, sc, store, checkpoints, pipelineDeps{
			runID:    runID,
			logger:   logger,
			tracer:   tracer,
			metrics:  metrics,
			dlq:      deadLetters,
			onStatus: onStatus,
		})
		if err != nil {
			closeAll()
			return fmt.Errorf("build pipeline %s: %w", sc.Name, err)
		}
		runners = append(runners, p)
	}

	sup, err = supervisor.New(logger, runners...)
	if err != nil {
		closeAll()
		return err
	}
	health.SetStatusFunc(func() any { return sup.Snapshot() })

	httpServer := &http.Server{Addr: cfg.Health.Addr, Handler: health.Handler(), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("health server starting", "addr", cfg.Health.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("health server error", "error", err)
		}
	}()

	report := sup.Run(ctx)

	health.SetReady(false)
	if err := sup.Close(); err != nil {
		logger.Error("pipeline close error", "error", err)
	}
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(sctx); err != nil {
		logger.Error("health server shutdown error", "error", err)
	}

	if !report.OK() {
		failed := report.Failed()
		for _, stream := range failed {
			logger.Error("pipeline failed", "stream", stream, "error", report.Errors[stream])
		}
		return &exitError{
			code: exitPipeline,
			err:  fmt.Errorf("%d pipeline(s) failed: %s", len(failed), strings.Join(failed, ", ")),
		}
	}
	logger.Info("shutdown complete")
	return nil
}

type pipelineDeps struct {
	runID    string
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *observability.Metrics
	dlq      *dlq.Handler
	onStatus func(string, pipeline.Status)
}

func buildPipeline(cfg *config.Config, sc config.StreamConfig, store storage.ObjectStore, checkpoints checkpoint.Store, deps pipelineDeps) (*pipeline.Pipeline, error) {
	s, err := schema.For(sc.Name)
	if err != nil {
		return nil, err
	}
	logger := deps.logger.With("stream", sc.Name, "topic", sc.Topic)

	reader, err := kafkasrc.NewReader(kafkasrc.Config{
		Cluster:     &cfg.Kafka,
		Stream:      sc.Name,
		Topic:       sc.Topic,
		PollTimeout: cfg.Pipeline.PollTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("kafka reader: %w", err)
	}
	reader.SetTracer(deps.tracer)

	writer, err := sink.NewParquetWriter(s, store, sink.Options{
		Prefix:     cfg.Output.Prefix,
		Dir:        sc.Topic,
		RunID:      deps.runID,
		BucketSize: cfg.Output.BucketSize,
	})
	if err != nil {
		_ = reader.Close()
		return nil, fmt.Errorf("parquet writer: %w", err)
	}

	retries := cfg.Pipeline.Retry
	opts := []pipeline.Option{
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(deps.metrics),
		pipeline.WithTracer(deps.tracer),
		pipeline.WithStatusHook(deps.onStatus),
	}
	if deps.dlq != nil {
		opts = append(opts, pipeline.WithDLQ(deps.dlq))
	}

	p, err := pipeline.New(pipeline.Config{
		Stream:              sc.Name,
		Topic:               sc.Topic,
		BatchSize:           cfg.Pipeline.BatchSize,
		AllowedLateness:     cfg.Pipeline.AllowedLateness,
		MaxBatchesPerSecond: cfg.Pipeline.MaxBatchesPerSecond,
		FetchRetry:          retries.Fetch.Retry(),
		WriteRetry:          retries.Write.Retry(),
		CommitRetry:         retries.Commit.Retry(),
	}, s, reader, writer, checkpoints, opts...)
	if err != nil {
		_ = reader.Close()
		return nil, err
	}
	return p, nil
}
