package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	kgo "github.com/segmentio/kafka-go"

	"github.com/openfroyo/ec2-manager/pkg/engine"
	"github.com/openfroyo/ec2-manager/pkg/telemetry"
)

const transportName = "kafka"

// Reader is the subset of *kafka.Reader used by the consumer.
type Reader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Writer is the subset of *kafka.Writer used for dead-lettering.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Handler processes one message value. A nil return commits the message.
type Handler func(ctx context.Context, payload []byte) error

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Reader Reader

	// DeadLetter receives malformed messages. Without it a malformed
	// message stops the consumer uncommitted.
	DeadLetter Writer

	// RetryInterval is the pause before a failed message is handled again.
	RetryInterval time.Duration

	// CommitTimeout bounds each commit.
	CommitTimeout time.Duration

	Handler Handler
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Consumer reads lifecycle events from a Kafka consumer group with manual
// commits. Offsets are committed only after the handler succeeds or the
// message has been written to the dead-letter topic.
type Consumer struct {
	reader        Reader
	deadLetter    Writer
	retryInterval time.Duration
	commitTimeout time.Duration
	handler       Handler
	logger        zerolog.Logger
	metrics       *telemetry.Metrics
}

// ReaderConfig describes the consumer group to join.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewReader creates a group reader with manual commits.
func NewReader(cfg ReaderConfig) *kgo.Reader {
	return kgo.NewReader(kgo.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0,
	})
}

// NewWriter creates a writer for the dead-letter topic.
func NewWriter(brokers []string, topic string) *kgo.Writer {
	return &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kgo.LeastBytes{},
		RequiredAcks: kgo.RequireAll,
	}
}

// NewConsumer creates a consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Reader == nil {
		return nil, fmt.Errorf("kafka reader is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}

	retry := cfg.RetryInterval
	if retry <= 0 {
		retry = time.Second
	}
	commitTimeout := cfg.CommitTimeout
	if commitTimeout <= 0 {
		commitTimeout = 3 * time.Second
	}

	return &Consumer{
		reader:        cfg.Reader,
		deadLetter:    cfg.DeadLetter,
		retryInterval: retry,
		commitTimeout: commitTimeout,
		handler:       cfg.Handler,
		logger:        cfg.Logger.With().Str("component", "kafka-consumer").Logger(),
		metrics:       cfg.Metrics,
	}, nil
}

// Run consumes until ctx is cancelled or a message can neither be handled
// nor dead-lettered.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to fetch message: %w", err)
		}

		if err := c.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// process handles one message until it is committed. A failing handler is
// retried on the same message so later offsets never commit past it.
func (c *Consumer) process(ctx context.Context, msg kgo.Message) error {
	logger := c.logger.With().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	for {
		err := c.handler(ctx, msg.Value)
		if err == nil {
			if err := c.commit(ctx, msg); err != nil {
				return err
			}
			c.metrics.RecordQueueMessage(transportName, "acked")
			return nil
		}

		if engine.IsMalformedEvent(err) {
			return c.deadLetterMessage(ctx, logger, msg, err)
		}

		c.metrics.RecordQueueMessage(transportName, "retry")
		logger.Warn().Err(err).Dur("retry_in", c.retryInterval).Msg("Failed to handle lifecycle event")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryInterval):
		}
	}
}

func (c *Consumer) deadLetterMessage(ctx context.Context, logger zerolog.Logger, msg kgo.Message, cause error) error {
	if c.deadLetter == nil {
		logger.Error().Err(cause).Msg("Malformed lifecycle event and no dead-letter topic")
		return fmt.Errorf("malformed message at partition %d offset %d: %w", msg.Partition, msg.Offset, cause)
	}

	headers := append([]kgo.Header{}, msg.Headers...)
	headers = append(headers,
		kgo.Header{Key: "x-source-topic", Value: []byte(msg.Topic)},
		kgo.Header{Key: "x-error", Value: []byte(truncate(cause.Error(), 1024))},
	)

	err := c.deadLetter.WriteMessages(ctx, kgo.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
		Time:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to dead-letter message at offset %d: %w", msg.Offset, err)
	}

	if err := c.commit(ctx, msg); err != nil {
		return err
	}

	c.metrics.RecordQueueMessage(transportName, "dead-lettered")
	logger.Error().Err(cause).Msg("Malformed lifecycle event dead-lettered")
	return nil
}

func (c *Consumer) commit(ctx context.Context, msg kgo.Message) error {
	cctx, cancel := context.WithTimeout(ctx, c.commitTimeout)
	defer cancel()

	if err := c.reader.CommitMessages(cctx, msg); err != nil {
		return fmt.Errorf("failed to commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

// Close closes the reader and the dead-letter writer.
func (c *Consumer) Close() error {
	err := c.reader.Close()
	if c.deadLetter != nil {
		if dlqErr := c.deadLetter.Close(); dlqErr != nil && err == nil {
			err = dlqErr
		}
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
