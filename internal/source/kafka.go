package source

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/otb-data/gkg-ingest/internal/gkg"
)

// KafkaConfig selects the topic carrying raw GKG lines.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Kafka streams records from a topic, one GKG line per message value.
// A fetched message is committed when the following record is requested:
// documents are idempotent upserts keyed by source and offset, so replaying
// the in-flight tail after a crash cannot duplicate data.
type Kafka struct {
	reader  *kafka.Reader
	pending *kafka.Message
}

// OpenKafka creates a consumer for the raw-record topic.
func OpenKafka(cfg KafkaConfig) *Kafka {
	return &Kafka{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			Topic:          cfg.Topic,
			GroupID:        cfg.GroupID,
			MinBytes:       1e3,
			MaxBytes:       10e6,
			CommitInterval: 0, // manual commit only
		}),
	}
}

// Next commits the previously handed-out message and fetches the next one.
func (s *Kafka) Next(ctx context.Context) (gkg.Record, error) {
	if s.pending != nil {
		if err := s.reader.CommitMessages(ctx, *s.pending); err != nil {
			return gkg.Record{}, fmt.Errorf("commit message: %w", err)
		}
		s.pending = nil
	}

	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		return gkg.Record{}, err
	}
	s.pending = &msg

	return gkg.Record{
		Line:   string(msg.Value),
		Source: fmt.Sprintf("%s/%d", msg.Topic, msg.Partition),
		Offset: msg.Offset,
	}, nil
}

// Close commits the in-flight message and releases the consumer.
func (s *Kafka) Close() error {
	if s.pending != nil {
		// Best effort; an uncommitted tail replays as idempotent upserts.
		_ = s.reader.CommitMessages(context.Background(), *s.pending)
		s.pending = nil
	}
	return s.reader.Close()
}
