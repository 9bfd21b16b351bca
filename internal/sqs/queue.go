// Package sqs moves vendor receipts through an SQS queue. Webhook handlers
// publish receipts instead of touching the database inline; a consumer loop
// drains the queue into the reconciler. The queue is the buffer that absorbs
// vendor receipt bursts after a large dispatch.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/beaconcrm/beacon/internal/metrics"
	"github.com/beaconcrm/beacon/internal/vendor"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	DLQURL   string
}

// Envelope is the queue payload wrapping one vendor receipt.
type Envelope struct {
	Receipt    vendor.Receipt `json:"receipt"`
	Source     string         `json:"source"`
	EnqueuedAt int64          `json:"enqueued_at"`
}

// Producer publishes receipts to SQS.
type Producer struct {
	client   *sqs.Client
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(ctx context.Context, cfg Config, logger *zap.Logger) (*Producer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}, nil
}

// Publish sends one receipt to the queue. Returns the SQS message ID.
func (p *Producer) Publish(ctx context.Context, rcpt vendor.Receipt, source string) (string, error) {
	body, err := json.Marshal(Envelope{
		Receipt:    rcpt,
		Source:     source,
		EnqueuedAt: time.Now().UnixNano(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("failed to publish receipt",
			zap.Error(err),
			zap.String("message_id", rcpt.MessageID.String()),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return *result.MessageId, nil
}

// PublishBatch publishes multiple receipts, skipping individual failures.
func (p *Producer) PublishBatch(ctx context.Context, receipts []vendor.Receipt, source string) int {
	published := 0
	for _, rcpt := range receipts {
		if _, err := p.Publish(ctx, rcpt, source); err != nil {
			p.logger.Warn("failed to publish receipt", zap.Error(err))
			continue
		}
		published++
	}
	return published
}

// Close closes the SQS producer.
func (p *Producer) Close() {
	// AWS SDK v2 clients don't require explicit Close()
}

// Sink adapts the producer to vendor.ReceiptSink so receipt emitters can
// publish to the queue without knowing about SQS.
func (p *Producer) Sink(source string) vendor.ReceiptSink {
	return sinkAdapter{producer: p, source: source}
}

type sinkAdapter struct {
	producer *Producer
	source   string
}

func (s sinkAdapter) Apply(ctx context.Context, rcpt vendor.Receipt) error {
	_, err := s.producer.Publish(ctx, rcpt, s.source)
	return err
}

// Consumer drains receipt envelopes from SQS into a sink.
type Consumer struct {
	client   *sqs.Client
	queueURL string
	sink     vendor.ReceiptSink
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer feeding the given sink.
func NewConsumer(ctx context.Context, cfg Config, sink vendor.ReceiptSink, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		sink:     sink,
		logger:   logger,
	}, nil
}

// Run polls the queue until the context is cancelled. A receipt that fails to
// apply stays on the queue and becomes visible again after the timeout; SQS
// redrive policy moves repeat offenders to the DLQ.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("receipt consumer started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("receipt consumer stopped")
			return
		default:
		}

		if err := c.poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("receive failed, backing off", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (c *Consumer) poll(ctx context.Context) error {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return fmt.Errorf("sqs receive failed: %w", err)
	}

	metrics.SetSQSMessagesInFlight(len(result.Messages))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, msg := range result.Messages {
		var env Envelope
		if err := json.Unmarshal([]byte(*msg.Body), &env); err != nil {
			// Malformed payloads can never succeed; drop them.
			c.logger.Error("dropping malformed envelope", zap.Error(err))
			c.delete(ctx, *msg.ReceiptHandle)
			continue
		}

		if err := c.sink.Apply(ctx, env.Receipt); err != nil {
			c.logger.Error("failed to apply receipt, leaving on queue",
				zap.Error(err),
				zap.String("message_id", env.Receipt.MessageID.String()),
			)
			continue
		}

		c.delete(ctx, *msg.ReceiptHandle)
	}
	return nil
}

func (c *Consumer) delete(ctx context.Context, receiptHandle string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		c.logger.Error("sqs delete failed", zap.Error(err))
	}
}

// Close closes the SQS consumer.
func (c *Consumer) Close() {
	// AWS SDK v2 clients don't require explicit Close()
}
