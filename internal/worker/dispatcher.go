package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/burstnudge/internal/bridge"
	"github.com/lalithlochan/burstnudge/internal/db"
	"github.com/lalithlochan/burstnudge/internal/metrics"
)

// NotificationLog appends sent notifications.
type NotificationLog interface {
	PutNotificationLog(ctx context.Context, entry db.NotificationLogEntry) error
}

// ErrSenderUnavailable is returned when the sender refuses sends up front,
// for example while its circuit breaker is open. No log row is written.
var ErrSenderUnavailable = errors.New("sms sender unavailable")

// ReadySender is implemented by senders that can tell ahead of a send
// whether it would reach the provider.
type ReadySender interface {
	Ready() bool
}

// Dispatcher records a nudge and then sends it.
type Dispatcher struct {
	log      NotificationLog
	sender   SMSSender
	provider string
	now      func() time.Time
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. provider labels send metrics.
func NewDispatcher(log NotificationLog, sender SMSSender, provider string, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		log:      log,
		sender:   sender,
		provider: provider,
		now:      time.Now,
		logger:   logger,
	}
}

// Notify writes the notification log row, then sends the study's message.
// The row is written first, so a failed send still suppresses the next
// nudge for the burst duration. A sender that is not ready gets neither.
func (d *Dispatcher) Notify(ctx context.Context, cfg *db.StudyConfig, p *bridge.Participant) error {
	if rs, ok := d.sender.(ReadySender); ok && !rs.Ready() {
		return fmt.Errorf("notify %s: %w", p.ID, ErrSenderUnavailable)
	}

	entry := db.NotificationLogEntry{UserID: p.ID, NotificationTime: d.now()}
	if err := d.log.PutNotificationLog(ctx, entry); err != nil {
		return fmt.Errorf("write notification log: %w", err)
	}

	err := d.sender.Send(ctx, cfg.StudyID, p, cfg.NotificationMessage)
	metrics.RecordSMS(d.provider, err)
	if err != nil {
		return fmt.Errorf("send sms: %w", err)
	}

	d.logger.Info("notification sent",
		zap.String("study_id", cfg.StudyID),
		zap.String("user_id", p.ID),
	)
	return nil
}
