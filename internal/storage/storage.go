// Package storage publishes immutable objects to a local directory or an S3 bucket.
package storage

import (
	"context"
	"fmt"
)

// ObjectStore publishes objects atomically: after Publish returns nil the
// whole object is visible under key, and on failure nothing is.
type ObjectStore interface {
	Publish(ctx context.Context, key string, body []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Config selects and configures an object store backend.
type Config struct {
	Type string   `yaml:"type"` // "local" (default) or "s3"
	Root string   `yaml:"root,omitempty"`
	S3   S3Config `yaml:"s3,omitempty"`
}

// New returns an object store based on configuration.
func New(ctx context.Context, cfg Config) (ObjectStore, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStore(cfg.Root)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
