// Package sqs carries worker requests over an SQS queue.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	// WaitTimeSeconds is the long-poll wait. Defaults to 20.
	WaitTimeSeconds int32
	// VisibilityTimeout hides a received request from other pollers while a
	// run is in progress. Runs are throttled per participant, so this is
	// much longer than a typical message handler. Defaults to 1 hour.
	VisibilityTimeout int32
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewAPI builds an SQS client from the default AWS credential chain.
func NewAPI(ctx context.Context, region string) (API, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg), nil
}

// Producer puts worker requests on the queue.
type Producer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewProducer creates a new SQS producer.
func NewProducer(client API, cfg Config, logger *zap.Logger) *Producer {
	logger.Info("sqs producer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Producer{
		client:   client,
		queueURL: cfg.QueueURL,
		logger:   logger,
	}
}

// Enqueue sends a request and returns the SQS message ID.
func (p *Producer) Enqueue(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	result, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		p.logger.Error("failed to send request to sqs",
			zap.Error(err),
			zap.String("study_id", req.StudyID),
			zap.String("date", req.DateString()),
		)
		return "", fmt.Errorf("sqs send failed: %w", err)
	}

	return aws.ToString(result.MessageId), nil
}

// Message is a received queue message. Body is left undecoded so a bad
// request can still be acknowledged.
type Message struct {
	ID            string
	Body          []byte
	ReceiptHandle string
}

// Consumer reads worker requests from the queue.
type Consumer struct {
	client            API
	queueURL          string
	waitTimeSeconds   int32
	visibilityTimeout int32
	logger            *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(client API, cfg Config, logger *zap.Logger) *Consumer {
	wait := cfg.WaitTimeSeconds
	if wait <= 0 {
		wait = 20
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 3600
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:            client,
		queueURL:          cfg.QueueURL,
		waitTimeSeconds:   wait,
		visibilityTimeout: visibility,
		logger:            logger,
	}
}

// ReceiveMessage long-polls for one message. It returns nil when the poll
// timed out empty.
func (c *Consumer) ReceiveMessage(ctx context.Context) (*Message, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     c.waitTimeSeconds,
		VisibilityTimeout:   c.visibilityTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive failed: %w", err)
	}

	if len(result.Messages) == 0 {
		return nil, nil
	}

	m := result.Messages[0]
	return &Message{
		ID:            aws.ToString(m.MessageId),
		Body:          []byte(aws.ToString(m.Body)),
		ReceiptHandle: aws.ToString(m.ReceiptHandle),
	}, nil
}

// DeleteMessage acknowledges a message.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}

	return nil
}

// ChangeVisibility sets the visibility timeout of a received message. Zero
// makes it visible again immediately.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}

	return nil
}
