package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/lalithlochan/burstnudge/internal/bridge"
)

// SMSSender delivers one text message to a participant.
// Implementations: directory SMS endpoint, AWS SNS, log-only.
type SMSSender interface {
	Send(ctx context.Context, studyID string, p *bridge.Participant, message string) error
}

// IsParticipantFault reports send errors caused by the participant or the
// request rather than by the provider. These must not trip a breaker.
func IsParticipantFault(err error) bool {
	return errors.Is(err, ErrNoPhone) || bridge.IsClientError(err)
}

// SMSDirectory is the directory's SMS endpoint.
type SMSDirectory interface {
	SendSMS(ctx context.Context, studyID, userID, message string) error
}

// BridgeSender sends through the participant directory, which owns the
// phone number and the SMS provider account.
type BridgeSender struct {
	directory SMSDirectory
}

// NewBridgeSender creates a sender backed by the directory SMS endpoint.
func NewBridgeSender(directory SMSDirectory) *BridgeSender {
	return &BridgeSender{directory: directory}
}

// Send asks the directory to text the participant.
func (s *BridgeSender) Send(ctx context.Context, studyID string, p *bridge.Participant, message string) error {
	return s.directory.SendSMS(ctx, studyID, p.ID, message)
}

// LogSender only logs the message (for testing/development).
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a log-only sender.
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the message and always succeeds.
func (s *LogSender) Send(ctx context.Context, studyID string, p *bridge.Participant, message string) error {
	s.logger.Info("logging sms (development mode)",
		zap.String("study_id", studyID),
		zap.String("user_id", p.ID),
		zap.String("message", message),
	)
	return nil
}
