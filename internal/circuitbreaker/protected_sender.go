package circuitbreaker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/burstnudge/internal/bridge"
)

// Sender matches worker.SMSSender. Declared here so the worker package
// does not depend on the breaker.
type Sender interface {
	Send(ctx context.Context, studyID string, p *bridge.Participant, message string) error
}

// ProtectedSender wraps an SMS sender with a CircuitBreaker.
type ProtectedSender struct {
	sender  Sender
	breaker *CircuitBreaker
	logger  *zap.Logger

	// ignore reports errors that say nothing about provider health,
	// such as a participant without a phone number.
	ignore func(error) bool
}

// NewProtectedSender wraps sender. ignore may be nil.
func NewProtectedSender(sender Sender, breaker *CircuitBreaker, ignore func(error) bool, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
		ignore:  ignore,
	}
}

// Send fails fast with ErrCircuitOpen while the circuit is open.
func (p *ProtectedSender) Send(ctx context.Context, studyID string, participant *bridge.Participant, message string) error {
	if !p.breaker.Allow() {
		p.logger.Warn("sms circuit open, skipping send",
			zap.String("provider", p.breaker.config.Name),
			zap.String("study_id", studyID),
			zap.String("user_id", participant.ID),
		)
		return fmt.Errorf("%w: %s sms provider unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, studyID, participant, message)
	switch {
	case err == nil:
		p.breaker.RecordSuccess()
	case errors.Is(err, context.Canceled), p.ignore != nil && p.ignore(err):
		p.breaker.ReleaseProbe()
	default:
		p.breaker.RecordFailure()
		p.logger.Debug("sms circuit breaker recorded failure",
			zap.String("provider", p.breaker.config.Name),
			zap.Error(err),
		)
	}
	return err
}

// Ready reports whether the next Send would reach the provider.
func (p *ProtectedSender) Ready() bool {
	return p.breaker.Ready()
}

// Breaker returns the wrapped breaker for the admin API.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
