package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/burstnudge/internal/bridge"
)

// ErrNoPhone is returned when a participant has no phone number to text.
var ErrNoPhone = errors.New("participant has no phone number")

// SNSPublisher is the subset of the SNS client used to send SMS.
type SNSPublisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSSender sends SMS notifications directly via AWS SNS
type SNSSender struct {
	client SNSPublisher
	logger *zap.Logger
}

type SNSConfig struct {
	Region string
}

// NewSNSSender creates a new SNS sender for SMS notifications
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}

	return NewSNSSenderWithClient(sns.NewFromConfig(awsCfg), logger), nil
}

// NewSNSSenderWithClient wraps an existing SNS client.
func NewSNSSenderWithClient(client SNSPublisher, logger *zap.Logger) *SNSSender {
	return &SNSSender{client: client, logger: logger}
}

// Send publishes message to the participant's phone. Nudges are sent as
// transactional SMS so they are not dropped by promotional quiet hours.
func (s *SNSSender) Send(ctx context.Context, studyID string, p *bridge.Participant, message string) error {
	if p.Phone == nil || p.Phone.Number == "" {
		return ErrNoPhone
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber: aws.String(p.Phone.Number),
		Message:     aws.String(message),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"AWS.SNS.SMS.SMSType": {
				DataType:    aws.String("String"),
				StringValue: aws.String("Transactional"),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Info("SMS sent via SNS",
		zap.String("study_id", studyID),
		zap.String("user_id", p.ID),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}
