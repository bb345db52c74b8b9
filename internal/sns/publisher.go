// Package sns publishes run lifecycle events to an SNS topic so downstream
// dashboards and alerting can follow nudge runs.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/burstnudge/internal/db"
)

// EventRunCompleted is the event type carried by every run message.
const EventRunCompleted = "run_completed"

// API is the subset of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Config holds the topic settings.
type Config struct {
	Region   string
	TopicARN string
	// Endpoint overrides the SNS endpoint (LocalStack).
	Endpoint string
}

// Publisher sends run events to a topic.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

// RunEvent is the JSON body of a run_completed message.
type RunEvent struct {
	Event string `json:"event"`
	*db.WorkerLogEntry
}

// NewPublisher creates a publisher backed by the default AWS credential chain.
func NewPublisher(ctx context.Context, cfg Config, logger *zap.Logger) (*Publisher, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})

	return NewPublisherWithClient(client, cfg.TopicARN, logger), nil
}

// NewPublisherWithClient wraps an existing SNS client.
func NewPublisherWithClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

// PublishRunCompleted announces a finished run. Attributes carry the study
// and completeness so subscribers can filter without parsing the body.
func (p *Publisher) PublishRunCompleted(ctx context.Context, entry *db.WorkerLogEntry) error {
	payload, err := json.Marshal(RunEvent{Event: EventRunCompleted, WorkerLogEntry: entry})
	if err != nil {
		return fmt.Errorf("failed to marshal run event: %w", err)
	}

	complete := "true"
	if !entry.Complete {
		complete = "false"
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventRunCompleted),
			},
			"study_id": {
				DataType:    aws.String("String"),
				StringValue: aws.String(entry.StudyID),
			},
			"complete": {
				DataType:    aws.String("String"),
				StringValue: aws.String(complete),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("run event published",
		zap.String("run_id", entry.RunID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}
