package sqs

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/rs/zerolog"

	"github.com/openfroyo/ec2-manager/pkg/engine"
	"github.com/openfroyo/ec2-manager/pkg/telemetry"
)

const transportName = "sqs"

// Client is the subset of the SQS API used by the consumer.
type Client interface {
	GetQueueUrl(ctx context.Context, in *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Handler processes one message body. A nil return acknowledges the message.
type Handler func(ctx context.Context, payload []byte) error

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Client Client

	// Region is used for logging and metrics only.
	Region string

	// QueueName is resolved to a URL on Run unless QueueURL is set.
	QueueName string
	QueueURL  string

	// MaxMessages per receive, at most 10.
	MaxMessages int32

	// WaitTime is the long-poll duration, at most 20s.
	WaitTime time.Duration

	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration

	Handler Handler
	Logger  zerolog.Logger
	Metrics *telemetry.Metrics
}

// Consumer long-polls one SQS queue and deletes messages only after the
// handler succeeds. Failed messages become visible again after the queue's
// visibility timeout; the queue's redrive policy dead-letters them.
type Consumer struct {
	client       Client
	region       string
	queueName    string
	queueURL     string
	maxMessages  int32
	waitSeconds  int32
	errorBackoff time.Duration
	handler      Handler
	logger       zerolog.Logger
	metrics      *telemetry.Metrics
}

// NewConsumer creates a consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("sqs client is required")
	}
	if cfg.Handler == nil {
		return nil, fmt.Errorf("handler is required")
	}
	if cfg.QueueName == "" && cfg.QueueURL == "" {
		return nil, fmt.Errorf("queue name or url is required")
	}

	maxMessages := cfg.MaxMessages
	if maxMessages <= 0 || maxMessages > 10 {
		maxMessages = 10
	}
	wait := cfg.WaitTime
	if wait <= 0 || wait > 20*time.Second {
		wait = 20 * time.Second
	}
	backoff := cfg.ErrorBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	return &Consumer{
		client:       cfg.Client,
		region:       cfg.Region,
		queueName:    cfg.QueueName,
		queueURL:     cfg.QueueURL,
		maxMessages:  maxMessages,
		waitSeconds:  int32(wait / time.Second),
		errorBackoff: backoff,
		handler:      cfg.Handler,
		logger: cfg.Logger.With().
			Str("component", "sqs-consumer").
			Str("region", cfg.Region).
			Logger(),
		metrics: cfg.Metrics,
	}, nil
}

// Run polls until ctx is cancelled. Receive failures are logged and retried
// after ErrorBackoff.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.resolveQueueURL(ctx); err != nil {
		return err
	}

	c.logger.Info().Str("queue_url", c.queueURL).Msg("Consuming lifecycle events")

	for {
		if ctx.Err() != nil {
			return nil
		}

		if _, err := c.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Msg("Failed to receive messages")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.errorBackoff):
			}
		}
	}
}

// Poll performs one receive and handles every returned message. It returns
// the number of messages acknowledged.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	if err := c.resolveQueueURL(ctx); err != nil {
		return 0, err
	}

	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.maxMessages,
		WaitTimeSeconds:     c.waitSeconds,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to receive messages: %w", err)
	}

	acked := 0
	for _, msg := range out.Messages {
		logger := c.logger.With().Str("message_id", aws.ToString(msg.MessageId)).Logger()

		if err := c.handler(ctx, []byte(aws.ToString(msg.Body))); err != nil {
			c.metrics.RecordQueueMessage(transportName, "retry")
			if engine.IsMalformedEvent(err) {
				logger.Error().Err(err).Msg("Malformed lifecycle event left on queue")
			} else {
				logger.Warn().Err(err).Msg("Failed to handle lifecycle event")
			}
			continue
		}

		_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(c.queueURL),
			ReceiptHandle: msg.ReceiptHandle,
		})
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to delete handled message")
			continue
		}

		c.metrics.RecordQueueMessage(transportName, "acked")
		acked++
	}

	return acked, nil
}

func (c *Consumer) resolveQueueURL(ctx context.Context) error {
	if c.queueURL != "" {
		return nil
	}

	out, err := c.client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(c.queueName)})
	if err != nil {
		return fmt.Errorf("failed to resolve queue %s in %s: %w", c.queueName, c.region, err)
	}
	c.queueURL = aws.ToString(out.QueueUrl)
	return nil
}
