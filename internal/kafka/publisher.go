package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// DeliveryTimeout caps how long a record may be retried before the
// producer fails it.
const DeliveryTimeout = 30 * time.Second

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// Publisher writes single records synchronously. It backs the dead-letter
// handler.
type Publisher struct {
	client producer
}

// NewPublisher connects a producer to the cluster.
func NewPublisher(cluster *ClusterConfig) (*Publisher, error) {
	opts, err := ClientOptions(cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}
	opts = append(opts,
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordDeliveryTimeout(DeliveryTimeout),
	)

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka publisher client: %w", err)
	}
	return &Publisher{client: cl}, nil
}

// Publish sends one record and waits for the broker acknowledgement.
func (p *Publisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	for k, v := range headers {
		rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	if err := p.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Close releases the underlying client.
func (p *Publisher) Close() error {
	p.client.Close()
	return nil
}
