package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/lsm/cityingest/internal/decoder"
	"github.com/lsm/cityingest/internal/kafka"
	"github.com/lsm/cityingest/internal/schema"
	"github.com/lsm/cityingest/internal/source"
)

// publisher is an interface that allows mocking the Kafka publisher for testing.
type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// newPublisherFunc is the function used to create a Kafka publisher.
// Tests can replace this to stub out the actual publisher.
var newPublisherFunc = func(cluster *kafka.ClusterConfig) (publisher, error) {
	return kafka.NewPublisher(cluster)
}

type produceJob struct {
	stream       string
	topic        string
	schema       schema.Schema
	count        int
	rate         time.Duration
	allowInvalid bool
	out          io.Writer
}

// RunProduce publishes sample events to a stream's topic.
func RunProduce(ctx context.Context, args []string, w io.Writer) error {
	if isHelp(args) {
		fmt.Fprintln(w, `Usage: cityingest produce --stream <name> [--file <path>] [--json <data>] [--count <n>] [--rate <duration>] [--allow-invalid] [--config <path>]

Publishes test events to the topic a stream is read from. Each event is
decoded against the stream schema first and rejected if it does not fit.

Flags:
  --stream          Stream name: vehicle, gps, traffic, weather or emergency (required)
  --file            Path to a JSON Lines file
  --json            Inline JSON for a single event
  --count           Number of events to produce (default: 1 for --json, all lines for --file)
  --rate            Pause between events (e.g. 100ms)
  --allow-invalid   Publish events that fail to decode, to exercise the dead-letter path

Examples:
  cityingest produce --stream gps --json '{"id":"g1","deviceId":"d1","timestamp":"2024-05-01T10:00:00Z","speed":42.5,"direction":"N","vehicleType":"car"}'
  cityingest produce --stream weather --file weather.jsonl --rate 200ms`)
		return nil
	}

	stream, err := parseStringFlag(args, "--stream")
	if err != nil {
		return err
	}
	if stream == "" {
		return fmt.Errorf("--stream flag is required")
	}
	s, err := schema.For(stream)
	if err != nil {
		return err
	}

	filePath, _ := parseStringFlag(args, "--file")
	inlineJSON, _ := parseStringFlag(args, "--json")
	if filePath == "" && inlineJSON == "" {
		return fmt.Errorf("either --file or --json must be specified")
	}
	if filePath != "" && inlineJSON != "" {
		return fmt.Errorf("cannot specify both --file and --json")
	}

	defaultCount := 1
	if filePath != "" {
		defaultCount = 0
	}
	job := produceJob{
		stream:       stream,
		schema:       s,
		allowInvalid: hasFlag(args, "--allow-invalid"),
		out:          w,
	}
	if hasFlag(args, "--count") {
		if job.count, err = parseIntFlag(args, "--count", 1); err != nil {
			return err
		}
	} else {
		job.count = defaultCount
	}
	if rateStr, _ := parseStringFlag(args, "--rate"); rateStr != "" {
		if job.rate, err = time.ParseDuration(rateStr); err != nil {
			return fmt.Errorf("invalid rate duration: %w", err)
		}
	}

	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}
	for _, sc := range cfg.Streams {
		if sc.Name == stream {
			job.topic = sc.Topic
		}
	}
	if job.topic == "" {
		job.topic = schema.DefaultTopic(stream)
	}

	pub, err := newPublisherFunc(&cfg.Kafka)
	if err != nil {
		return fmt.Errorf("create kafka publisher: %w", err)
	}
	defer func() { _ = pub.Close() }()

	if inlineJSON != "" {
		return job.produceInline(ctx, pub, inlineJSON)
	}
	return job.produceFile(ctx, pub, filePath)
}

// check decodes value against the stream schema so only well-formed events
// reach the topic unless invalid ones were asked for.
func (j produceJob) check(value []byte) error {
	if j.allowInvalid {
		return nil
	}
	_, err := decoder.Decode(source.Message{Stream: j.stream, Topic: j.topic, Value: value}, j.schema)
	return err
}

func (j produceJob) produceInline(ctx context.Context, pub publisher, jsonStr string) error {
	value := []byte(jsonStr)
	if !j.allowInvalid && !json.Valid(value) {
		return fmt.Errorf("invalid json")
	}
	if err := j.check(value); err != nil {
		return err
	}

	for i := 0; i < j.count; i++ {
		if err := pub.Publish(ctx, j.topic, nil, value, nil); err != nil {
			return fmt.Errorf("publish event %d: %w", i+1, err)
		}
		if j.rate > 0 && i < j.count-1 {
			if err := sleep(ctx, j.rate); err != nil {
				return err
			}
		}
	}

	fmt.Fprintf(j.out, "Produced %d event(s) to %s\n", j.count, j.topic)
	return nil
}

func (j produceJob) produceFile(ctx context.Context, pub publisher, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	produced := 0
	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := j.check([]byte(line)); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}
		if err := pub.Publish(ctx, j.topic, nil, []byte(line), nil); err != nil {
			return fmt.Errorf("publish event from line %d: %w", lineNum, err)
		}

		produced++
		if j.count > 0 && produced >= j.count {
			break
		}
		if j.rate > 0 {
			if err := sleep(ctx, j.rate); err != nil {
				return err
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if produced == 0 {
		return fmt.Errorf("no events found in %s", filePath)
	}

	fmt.Fprintf(j.out, "Produced %d event(s) to %s\n", produced, j.topic)
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
