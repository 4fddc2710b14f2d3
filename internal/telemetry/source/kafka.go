package source

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"iot-dataflow/internal/telemetry/domain"
)

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures the consumer group reader.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// KafkaSource feeds records from a Kafka topic through a Handler, one message at
// a time, committing each offset once the message has been handled.
// The message key, when present, is used as the channel topic.
type KafkaSource struct {
	reader       messageReader
	handler      Handler
	defaultTopic string
	log          *slog.Logger
}

// NewKafkaSource creates the consumer group reader.
func NewKafkaSource(cfg KafkaConfig, h Handler, log *slog.Logger) (*KafkaSource, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka source: brokers are required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka source: topic is required")
	}
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6, // 10MB
		MaxWait:        time.Second,
	})
	return newKafkaSource(r, cfg.Topic, h, log), nil
}

func newKafkaSource(r messageReader, topic string, h Handler, log *slog.Logger) *KafkaSource {
	if log == nil {
		log = slog.Default()
	}
	return &KafkaSource{reader: r, handler: h, defaultTopic: topic, log: log}
}

// Run consumes until ctx is cancelled, then closes the reader.
func (k *KafkaSource) Run(ctx context.Context) error {
	defer k.reader.Close()
	for {
		msg, err := k.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			k.log.Warn("kafka fetch failed", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		topic := k.defaultTopic
		if len(msg.Key) > 0 {
			topic = string(msg.Key)
		}
		if _, err := k.handler.Handle(ctx, topic, msg.Value); err != nil {
			var perr *domain.ParseError
			if !errors.As(err, &perr) {
				k.log.Error("kafka message not stored", "topic", topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
			}
		}
		if err := k.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			k.log.Warn("kafka commit failed", "partition", msg.Partition, "offset", msg.Offset, "error", err)
		}
	}
}
