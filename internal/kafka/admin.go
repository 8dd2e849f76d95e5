package kafka

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"
)

// ErrTopicNotFound is returned when the broker does not know the topic.
var ErrTopicNotFound = errors.New("topic not found")

// TopicPartitions returns the sorted partition ids of topic.
func TopicPartitions(ctx context.Context, cl *kgo.Client, topic string) ([]int32, error) {
	adm := kadm.NewClient(cl)
	details, err := adm.ListTopics(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("list topic %s: %w", topic, err)
	}
	td, ok := details[topic]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTopicNotFound, topic)
	}
	if td.Err != nil {
		return nil, fmt.Errorf("describe topic %s: %w", topic, td.Err)
	}
	parts := td.Partitions.Numbers()
	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: %s has no partitions", ErrTopicNotFound, topic)
	}
	slices.Sort(parts)
	return parts, nil
}
