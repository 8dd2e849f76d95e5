package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/lsm/cityingest/internal/config"
)

// RunValidate loads and validates the configuration and prints the
// resolved streams.
func RunValidate(args []string, w io.Writer) error {
	if isHelp(args) {
		fmt.Fprintln(w, `Usage: cityingest validate [--config <path>]

Loads the configuration, applies defaults and CITYINGEST_* overrides, and
reports every problem found. Prints the resolved streams when valid.`)
		return nil
	}

	path, err := ConfigPath(args)
	if err != nil {
		return err
	}
	cfg, err := config.Parse(path)
	if err != nil {
		return err
	}

	if err := cfg.Validate(); err != nil {
		msgs := splitErrors(err)
		fmt.Fprintf(w, "Found %d validation error(s):\n\n", len(msgs))
		for _, msg := range msgs {
			fmt.Fprintf(w, "  %s\n", msg)
		}
		return fmt.Errorf("%d validation error(s) found", len(msgs))
	}

	fmt.Fprintf(w, "brokers:    %s\n", strings.Join(cfg.Kafka.Brokers, ","))
	fmt.Fprintf(w, "storage:    %s\n", describeStorage(cfg))
	fmt.Fprintf(w, "checkpoint: %s\n", describeCheckpoint(cfg))
	fmt.Fprintln(w, "streams:")
	for _, s := range cfg.Streams {
		fmt.Fprintf(w, "  %-10s <- %s\n", s.Name, s.Topic)
	}
	fmt.Fprintln(w, "Configuration is valid.")
	return nil
}

func describeStorage(cfg *config.Config) string {
	if cfg.Storage.Type == "s3" {
		return "s3://" + strings.TrimSuffix(cfg.Storage.S3.Bucket+"/"+cfg.Storage.S3.Prefix, "/")
	}
	return cfg.Storage.Root
}

func describeCheckpoint(cfg *config.Config) string {
	if cfg.Checkpoint.Backend == "etcd" {
		return "etcd " + strings.Join(cfg.Checkpoint.Etcd.Endpoints, ",")
	}
	return cfg.Checkpoint.Dir
}

// splitErrors breaks an errors.Join result into individual error strings.
func splitErrors(err error) []string {
	if err == nil {
		return nil
	}
	var result []string
	for _, p := range strings.Split(err.Error(), "\n") {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}
