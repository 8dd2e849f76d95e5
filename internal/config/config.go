// Package config loads the ingest process configuration from YAML with
// environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lsm/cityingest/internal/checkpoint"
	"github.com/lsm/cityingest/internal/dlq"
	"github.com/lsm/cityingest/internal/kafka"
	"github.com/lsm/cityingest/internal/retry"
	"github.com/lsm/cityingest/internal/schema"
	"github.com/lsm/cityingest/internal/storage"
	"github.com/lsm/cityingest/internal/tracing"
	"github.com/lsm/cityingest/internal/watermark"
)

// Defaults.
const (
	DefaultBroker      = "broker:29092"
	DefaultRoot        = "./output"
	DefaultDataPrefix  = "data"
	DefaultHealthAddr  = ":9090"
	DefaultBatchSize   = 500
	DefaultPollTimeout = time.Second
)

// Config is the full process configuration.
type Config struct {
	Kafka      kafka.ClusterConfig `yaml:"kafka"`
	Streams    []StreamConfig      `yaml:"streams,omitempty"`
	Pipeline   PipelineConfig      `yaml:"pipeline"`
	Output     OutputConfig        `yaml:"output"`
	Storage    storage.Config      `yaml:"storage"`
	Checkpoint checkpoint.Config   `yaml:"checkpoint"`
	DLQ        DLQConfig           `yaml:"dlq"`
	Health     HealthConfig        `yaml:"health"`
	Tracing    tracing.Config      `yaml:"tracing"`
	LogLevel   string              `yaml:"logLevel,omitempty"`
}

// StreamConfig selects one stream and optionally overrides its topic.
type StreamConfig struct {
	Name  string `yaml:"name"`
	Topic string `yaml:"topic,omitempty"`
}

// PipelineConfig holds settings shared by every pipeline.
type PipelineConfig struct {
	BatchSize           int           `yaml:"batchSize,omitempty"`
	AllowedLateness     time.Duration `yaml:"allowedLateness,omitempty"`
	PollTimeout         time.Duration `yaml:"pollTimeout,omitempty"`
	MaxBatchesPerSecond float64       `yaml:"maxBatchesPerSecond,omitempty"`
	Retry               RetryPolicies `yaml:"retry"`
}

// RetryPolicies configures backoff per operation.
type RetryPolicies struct {
	Fetch  RetryConfig `yaml:"fetch"`
	Write  RetryConfig `yaml:"write"`
	Commit RetryConfig `yaml:"commit"`
}

// RetryConfig is the YAML form of retry.Config.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"maxAttempts,omitempty"`
	InitialInterval time.Duration `yaml:"initialInterval,omitempty"`
	MaxInterval     time.Duration `yaml:"maxInterval,omitempty"`
	Jitter          float64       `yaml:"jitter,omitempty"`
}

// Retry converts to a retry.Config.
func (r RetryConfig) Retry() retry.Config {
	return retry.Config{
		MaxAttempts:     r.MaxAttempts,
		InitialInterval: r.InitialInterval,
		MaxInterval:     r.MaxInterval,
		Jitter:          r.Jitter,
	}
}

// OutputConfig controls object keys.
type OutputConfig struct {
	Prefix     string        `yaml:"prefix,omitempty"`
	BucketSize time.Duration `yaml:"bucketSize,omitempty"`
}

// DLQConfig enables dead-lettering of undecodable records.
type DLQConfig struct {
	Enabled bool   `yaml:"enabled"`
	Suffix  string `yaml:"suffix,omitempty"`
	// FailureThreshold consecutive publish failures suspend dead-lettering
	// for Cooldown.
	FailureThreshold int           `yaml:"failureThreshold,omitempty"`
	Cooldown         time.Duration `yaml:"cooldown,omitempty"`
	PublishTimeout   time.Duration `yaml:"publishTimeout,omitempty"`
}

// HealthConfig configures the health and metrics listener.
type HealthConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

// Load reads path, applies defaults and environment overrides, and
// validates the result. An empty path yields the default configuration.
func Load(path string) (*Config, error) {
	cfg, err := Parse(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse is Load without validation. Environment overrides are applied
// before defaults so derived values such as the checkpoint directory follow
// an overridden storage root.
func Parse(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills every unset field.
func (c *Config) ApplyDefaults() {
	if len(c.Kafka.Brokers) == 0 {
		c.Kafka.Brokers = []string{DefaultBroker}
	}
	if len(c.Streams) == 0 {
		for _, name := range schema.Names() {
			c.Streams = append(c.Streams, StreamConfig{Name: name})
		}
	}
	for i := range c.Streams {
		if c.Streams[i].Topic == "" {
			c.Streams[i].Topic = schema.DefaultTopic(c.Streams[i].Name)
		}
	}

	p := &c.Pipeline
	if p.BatchSize == 0 {
		p.BatchSize = DefaultBatchSize
	}
	if p.AllowedLateness == 0 {
		p.AllowedLateness = watermark.DefaultAllowedLateness
	}
	if p.PollTimeout == 0 {
		p.PollTimeout = DefaultPollTimeout
	}
	defaultRetry(&p.Retry.Fetch, 0)
	defaultRetry(&p.Retry.Write, 5)
	defaultRetry(&p.Retry.Commit, 0)

	if c.Output.Prefix == "" {
		c.Output.Prefix = DefaultDataPrefix
	}
	if c.Output.BucketSize == 0 {
		c.Output.BucketSize = time.Hour
	}
	if c.Storage.Type == "" {
		c.Storage.Type = "local"
	}
	if c.Storage.Type == "local" && c.Storage.Root == "" {
		c.Storage.Root = DefaultRoot
	}
	if c.Checkpoint.Backend == "" {
		c.Checkpoint.Backend = "file"
	}
	if c.Checkpoint.Backend == "file" && c.Checkpoint.Dir == "" {
		root := c.Storage.Root
		if root == "" {
			root = DefaultRoot
		}
		c.Checkpoint.Dir = filepath.Join(root, "checkpoints")
	}
	if c.DLQ.Suffix == "" {
		c.DLQ.Suffix = dlq.DefaultSuffix
	}
	if c.DLQ.FailureThreshold == 0 {
		c.DLQ.FailureThreshold = dlq.DefaultFailureThreshold
	}
	if c.DLQ.Cooldown == 0 {
		c.DLQ.Cooldown = dlq.DefaultCooldown
	}
	if c.DLQ.PublishTimeout == 0 {
		c.DLQ.PublishTimeout = dlq.DefaultPublishTimeout
	}
	if c.Health.Addr == "" {
		c.Health.Addr = DefaultHealthAddr
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "cityingest"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func defaultRetry(r *RetryConfig, attempts int) {
	d := retry.DefaultConfig()
	if r.MaxAttempts == 0 {
		r.MaxAttempts = attempts
	}
	if r.InitialInterval == 0 {
		r.InitialInterval = d.InitialInterval
	}
	if r.MaxInterval == 0 {
		r.MaxInterval = d.MaxInterval
	}
	if r.Jitter == 0 {
		r.Jitter = d.Jitter
	}
}

// ApplyEnv overlays CITYINGEST_* environment variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv("CITYINGEST_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv("CITYINGEST_STREAMS"); v != "" {
		var streams []StreamConfig
		for _, name := range splitList(v) {
			streams = append(streams, StreamConfig{Name: name, Topic: c.topicFor(name)})
		}
		c.Streams = streams
	}
	if v := os.Getenv("CITYINGEST_STORAGE_ROOT"); v != "" {
		c.Storage.Root = v
	}
	if v := os.Getenv("CITYINGEST_S3_BUCKET"); v != "" {
		c.Storage.Type = "s3"
		c.Storage.S3.Bucket = v
	}
	if v := os.Getenv("CITYINGEST_CHECKPOINT_DIR"); v != "" {
		c.Checkpoint.Dir = v
	}
	if v := os.Getenv("CITYINGEST_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CITYINGEST_BATCH_SIZE: %w", err)
		}
		c.Pipeline.BatchSize = n
	}
	if v := os.Getenv("CITYINGEST_METRICS_ADDR"); v != "" {
		c.Health.Addr = v
	}
	if v := os.Getenv("CITYINGEST_DLQ_ENABLED"); v != "" {
		c.DLQ.Enabled = strings.EqualFold(v, "true")
	}
	c.Tracing = tracing.WithEnv(c.Tracing)
	return nil
}

func (c *Config) topicFor(name string) string {
	for _, s := range c.Streams {
		if s.Name == name && s.Topic != "" {
			return s.Topic
		}
	}
	return schema.DefaultTopic(name)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate reports every configuration problem at once. Unknown stream
// names are rejected here so no pipeline is launched.
func (c *Config) Validate() error {
	var errs []error

	if err := c.Kafka.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}

	if len(c.Streams) == 0 {
		errs = append(errs, errors.New("streams: at least one stream is required"))
	}
	seen := make(map[string]bool)
	topics := make(map[string]string)
	for i, s := range c.Streams {
		if _, err := schema.For(s.Name); err != nil {
			errs = append(errs, fmt.Errorf("streams[%d]: %w", i, err))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("streams[%d]: duplicate stream %q", i, s.Name))
		}
		seen[s.Name] = true
		if other, ok := topics[s.Topic]; ok {
			errs = append(errs, fmt.Errorf("streams[%d]: topic %q already used by %q", i, s.Topic, other))
		}
		topics[s.Topic] = s.Name
	}

	p := c.Pipeline
	if p.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("pipeline.batchSize must be positive, got %d", p.BatchSize))
	}
	if p.AllowedLateness < 0 {
		errs = append(errs, errors.New("pipeline.allowedLateness must not be negative"))
	}
	if p.MaxBatchesPerSecond < 0 {
		errs = append(errs, errors.New("pipeline.maxBatchesPerSecond must not be negative"))
	}
	if p.Retry.Write.MaxAttempts < 1 {
		errs = append(errs, errors.New("pipeline.retry.write.maxAttempts must be at least 1"))
	}

	switch c.Storage.Type {
	case "local":
		if c.Storage.Root == "" {
			errs = append(errs, errors.New("storage.root is required for local storage"))
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required for s3 storage"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.type %q is not local or s3", c.Storage.Type))
	}

	switch c.Checkpoint.Backend {
	case "file":
		if c.Checkpoint.Dir == "" {
			errs = append(errs, errors.New("checkpoint.dir is required for the file backend"))
		}
	case "etcd":
		if len(c.Checkpoint.Etcd.Endpoints) == 0 {
			errs = append(errs, errors.New("checkpoint.etcd.endpoints is required for the etcd backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoint.backend %q is not file or etcd", c.Checkpoint.Backend))
	}

	return errors.Join(errs...)
}
