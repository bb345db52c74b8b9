package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/burstnudge/internal/sqs"
)

// Queue delivers run requests.
type Queue interface {
	ReceiveMessage(ctx context.Context) (*sqs.Message, error)
	DeleteMessage(ctx context.Context, receiptHandle string) error
	ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error
}

// RunLock keeps redelivered requests from starting a second run.
type RunLock interface {
	Acquire(ctx context.Context, key string) (bool, error)
	MarkDone(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
	Extend(ctx context.Context, key string) error
}

// RequestRunner executes one run request.
type RequestRunner interface {
	Run(ctx context.Context, req sqs.Request) (*RunResult, error)
}

// PollerConfig tunes a Poller.
type PollerConfig struct {
	// ErrorBackoff is the pause after a failed receive.
	ErrorBackoff time.Duration
	// VisibilityTimeout must match the consumer's. A running request's
	// visibility and run lock are refreshed every HeartbeatInterval, which
	// defaults to a third of it.
	VisibilityTimeout time.Duration
	HeartbeatInterval time.Duration
}

// Poller pulls run requests off the queue and runs them one after another.
type Poller struct {
	queue  Queue
	runner RequestRunner
	lock   RunLock
	config PollerConfig
	logger *zap.Logger
}

// NewPoller creates a poller. lock may be nil, which disables the duplicate
// run guard.
func NewPoller(queue Queue, runner RequestRunner, lock RunLock, cfg PollerConfig, logger *zap.Logger) *Poller {
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = time.Hour
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = cfg.VisibilityTimeout / 3
	}

	return &Poller{
		queue:  queue,
		runner: runner,
		lock:   lock,
		config: cfg,
		logger: logger,
	}
}

// RunKey identifies a request for the duplicate run guard.
func RunKey(req sqs.Request) string {
	return fmt.Sprintf("%s:%s:%s", req.StudyID, req.DateString(), req.Tag)
}

// Start polls until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("poller started")

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("poller stopping")
			return
		default:
		}

		if err := p.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Error("failed to receive request", zap.Error(err))

			select {
			case <-ctx.Done():
			case <-time.After(p.config.ErrorBackoff):
			}
		}
	}
}

// pollOnce receives and handles at most one message. Only receive errors
// are returned; handling errors are logged.
func (p *Poller) pollOnce(ctx context.Context) error {
	msg, err := p.queue.ReceiveMessage(ctx)
	if err != nil {
		return err
	}
	if msg == nil {
		return nil
	}

	p.handle(ctx, msg)
	return nil
}

func (p *Poller) handle(ctx context.Context, msg *sqs.Message) {
	logger := p.logger.With(zap.String("message_id", msg.ID))

	req, err := sqs.ParseRequest(msg.Body)
	if err != nil {
		logger.Warn("dropping bad request", zap.Error(err))
		p.ack(ctx, logger, msg)
		return
	}

	logger = logger.With(
		zap.String("study_id", req.StudyID),
		zap.String("date", req.DateString()),
		zap.String("tag", req.Tag),
	)
	key := RunKey(req)

	locked := false
	if p.lock != nil {
		acquired, err := p.lock.Acquire(ctx, key)
		switch {
		case err != nil:
			logger.Warn("run lock unavailable, running without duplicate guard", zap.Error(err))
		case !acquired:
			logger.Info("request already running or done, dropping duplicate")
			p.ack(ctx, logger, msg)
			return
		default:
			locked = true
		}
	}

	stop := p.keepAlive(ctx, logger, msg.ReceiptHandle, key, locked)
	_, err = p.runner.Run(ctx, req)
	stop()
	if err != nil {
		logger.Error("run failed, leaving request for redelivery", zap.Error(err))

		cleanupCtx := context.WithoutCancel(ctx)
		if locked {
			if err := p.lock.Release(cleanupCtx, key); err != nil {
				logger.Warn("failed to release run lock", zap.Error(err))
			}
		}
		if errors.Is(err, context.Canceled) {
			if err := p.queue.ChangeVisibility(cleanupCtx, msg.ReceiptHandle, 0); err != nil {
				logger.Warn("failed to return request to queue", zap.Error(err))
			}
		}
		return
	}

	if locked {
		if err := p.lock.MarkDone(ctx, key); err != nil {
			logger.Warn("failed to mark run done", zap.Error(err))
		}
	}
	p.ack(ctx, logger, msg)
}

// keepAlive extends the message visibility, and the run lock when held,
// until the returned func is called. The func waits for the heartbeat to
// exit.
func (p *Poller) keepAlive(ctx context.Context, logger *zap.Logger, receiptHandle, key string, locked bool) func() {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	seconds := int32(p.config.VisibilityTimeout / time.Second)

	go func() {
		defer close(done)
		ticker := time.NewTicker(p.config.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}

			if err := p.queue.ChangeVisibility(hbCtx, receiptHandle, seconds); err != nil && hbCtx.Err() == nil {
				logger.Warn("failed to extend request visibility", zap.Error(err))
			}
			if locked {
				if err := p.lock.Extend(hbCtx, key); err != nil && hbCtx.Err() == nil {
					logger.Warn("failed to extend run lock", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (p *Poller) ack(ctx context.Context, logger *zap.Logger, msg *sqs.Message) {
	if err := p.queue.DeleteMessage(ctx, msg.ReceiptHandle); err != nil {
		logger.Error("failed to delete request", zap.Error(err))
	}
}
