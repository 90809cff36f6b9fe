// Package broker wraps the Kafka client behind the small publish/consume
// surface the pipeline needs. Messages are keyed by tenant id so that all
// events of one tenant land on the same partition and keep their order.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// Message is one record received from the broker.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int
	Offset    int64
	Time      time.Time

	raw kafka.Message
}

// Publisher publishes records to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
	Close() error
}

// Consumer fetches records from a fixed topic set and commits positions
// explicitly. Fetch is bounded: when no record arrives within the poll
// timeout it returns ok=false with a nil error so callers stay responsive
// to cancellation.
type Consumer interface {
	Fetch(ctx context.Context) (Message, bool, error)
	Commit(ctx context.Context, msg Message) error
	Close() error
}

// KafkaPublisher implements Publisher on a kafka-go Writer.
type KafkaPublisher struct {
	writer *kafka.Writer
}

// NewKafkaPublisher creates a publisher. The hash balancer maps equal keys
// to equal partitions.
func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Balancer:               &kafka.Hash{},
			AllowAutoTopicCreation: true,
			RequiredAcks:           kafka.RequireAll,
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic string, key, value []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// KafkaConsumer implements Consumer on a kafka-go Reader with a consumer
// group over an explicit topic list.
type KafkaConsumer struct {
	reader      *kafka.Reader
	pollTimeout time.Duration
}

type ConsumerConfig struct {
	Brokers     []string
	GroupID     string
	Topics      []string
	PollTimeout time.Duration
}

func NewKafkaConsumer(cfg ConsumerConfig) *KafkaConsumer {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	return &KafkaConsumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:     cfg.Brokers,
			GroupID:     cfg.GroupID,
			GroupTopics: cfg.Topics,
			MinBytes:    1,
			MaxBytes:    10e6,
		}),
		pollTimeout: cfg.PollTimeout,
	}
}

// Fetch blocks up to the poll timeout for the next record. The record is
// not committed; callers must Commit after processing it.
func (c *KafkaConsumer) Fetch(ctx context.Context) (Message, bool, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	raw, err := c.reader.FetchMessage(fetchCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return Message{}, false, nil
		}
		return Message{}, false, err
	}

	return Message{
		Topic:     raw.Topic,
		Key:       raw.Key,
		Value:     raw.Value,
		Partition: raw.Partition,
		Offset:    raw.Offset,
		Time:      raw.Time,
		raw:       raw,
	}, true, nil
}

// Commit records the read position of the message's partition.
func (c *KafkaConsumer) Commit(ctx context.Context, msg Message) error {
	if err := c.reader.CommitMessages(ctx, msg.raw); err != nil {
		return fmt.Errorf("failed to commit offset %d on %s[%d]: %w",
			msg.Offset, msg.Topic, msg.Partition, err)
	}
	return nil
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}
