package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const defaultEtcdPrefix = "/cityingest/checkpoints/"

// EtcdConfig configures the etcd checkpoint backend.
type EtcdConfig struct {
	Endpoints   []string      `yaml:"endpoints"`
	Username    string        `yaml:"username,omitempty"`
	Password    string        `yaml:"password,omitempty"`
	Prefix      string        `yaml:"prefix,omitempty"`
	DialTimeout time.Duration `yaml:"dialTimeout,omitempty"`
}

// EtcdStore keeps one key per stream under a fixed prefix.
type EtcdStore struct {
	client *clientv3.Client
	kv     clientv3.KV
	prefix string
	now    func() time.Time
}

// NewEtcdStore connects to etcd.
func NewEtcdStore(cfg EtcdConfig) (*EtcdStore, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("etcd endpoints are required")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		Username:    cfg.Username,
		Password:    cfg.Password,
		DialTimeout: timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd client: %w", err)
	}
	s := newEtcdStore(client, cfg.Prefix)
	s.client = client
	return s, nil
}

func newEtcdStore(kv clientv3.KV, prefix string) *EtcdStore {
	if prefix == "" {
		prefix = defaultEtcdPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &EtcdStore{kv: kv, prefix: prefix, now: time.Now}
}

func (s *EtcdStore) key(stream string) string {
	return s.prefix + stream
}

// Load reads the checkpoint for stream.
func (s *EtcdStore) Load(ctx context.Context, stream string) (Record, error) {
	rec, _, err := s.load(ctx, stream)
	return rec, err
}

func (s *EtcdStore) load(ctx context.Context, stream string) (Record, int64, error) {
	resp, err := s.kv.Get(ctx, s.key(stream))
	if err != nil {
		return Record{}, 0, fmt.Errorf("etcd get %s: %w", stream, err)
	}
	if len(resp.Kvs) == 0 {
		return initial(stream), 0, nil
	}
	kv := resp.Kvs[0]
	rec, err := decodeRecord(stream, kv.Value)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, kv.ModRevision, nil
}

// Commit replaces the stored record only if it has not changed since it was
// read, so two writers can never interleave a regression.
func (s *EtcdStore) Commit(ctx context.Context, stream string, rec Record) error {
	stored, rev, err := s.load(ctx, stream)
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
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	key := s.key(stream)
	resp, err := s.kv.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(key), "=", rev)).
		Then(clientv3.OpPut(key, string(data))).
		Commit()
	if err != nil {
		return fmt.Errorf("etcd commit %s: %w", stream, err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("etcd commit %s: checkpoint changed concurrently", stream)
	}
	return nil
}

// Close closes the etcd client when the store owns it.
func (s *EtcdStore) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
