package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/burstnudge/internal/bridge"
	"github.com/lalithlochan/burstnudge/internal/db"
	"github.com/lalithlochan/burstnudge/internal/metrics"
	"github.com/lalithlochan/burstnudge/internal/sqs"
)

// Participant outcomes, used as metric labels and in RunResult.Outcomes.
// Exclusions are recorded as "skipped_" plus the exclusion reason.
const (
	OutcomeNotified   = "notified"
	OutcomeNoBurst    = "no_burst"
	OutcomeInBlackout = "in_blackout"
	OutcomeAdherent   = "adherent"
	OutcomeError      = "error"
)

// Directory is the participant directory as seen by the runner.
type Directory interface {
	AccountSummaries(studyID string) *bridge.Iterator[bridge.AccountSummary]
	GetParticipant(ctx context.Context, studyID, userID string) (*bridge.Participant, error)
	GetActivityEvents(ctx context.Context, studyID, userID string) ([]bridge.ActivityEvent, error)
	TaskHistory(studyID, userID, taskID string, start, end time.Time) *bridge.Iterator[bridge.ScheduledActivity]
}

// WorkerLog records finished runs.
type WorkerLog interface {
	PutWorkerLog(ctx context.Context, entry *db.WorkerLogEntry) error
}

// RunPublisher announces finished runs.
type RunPublisher interface {
	PublishRunCompleted(ctx context.Context, entry *db.WorkerLogEntry) error
}

// Deps are the collaborators of a Runner. Publisher may be nil.
type Deps struct {
	Directory  Directory
	Configs    *ConfigCache
	Filter     *EligibilityFilter
	Evaluator  *AdherenceEvaluator
	Dispatcher *Dispatcher
	WorkerLog  WorkerLog
	Publisher  RunPublisher
}

// RunnerConfig tunes a Runner.
type RunnerConfig struct {
	// PerUserRate is the number of participants processed per second.
	PerUserRate float64
	// ReportingInterval is how many participants pass between progress logs.
	ReportingInterval int
}

// RunResult summarizes one run.
type RunResult struct {
	RunID     uuid.UUID
	Processed int
	Notified  int
	Errors    int
	Outcomes  map[string]int
	// Complete is false when the run stopped before reaching the end of the
	// participant listing.
	Complete bool
	Duration time.Duration
}

// Runner evaluates every participant of a study for one date, one at a
// time, at a fixed rate.
type Runner struct {
	deps              Deps
	limiter           *rate.Limiter
	reportingInterval int
	now               func() time.Time
	logger            *zap.Logger
}

// NewRunner creates a Runner. A non-positive rate defaults to one
// participant per second and a non-positive reporting interval to 250.
func NewRunner(deps Deps, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if cfg.PerUserRate <= 0 {
		cfg.PerUserRate = 1
	}
	if cfg.ReportingInterval <= 0 {
		cfg.ReportingInterval = 250
	}

	return &Runner{
		deps:              deps,
		limiter:           rate.NewLimiter(rate.Limit(cfg.PerUserRate), 1),
		reportingInterval: cfg.ReportingInterval,
		now:               time.Now,
		logger:            logger,
	}
}

// Run processes req. Failures on one participant are logged and counted
// and the run moves on. A failure to page the participant listing ends the
// loop early. Either way a worker log row is written at the end.
//
// Run returns an error, and writes no worker log row, when the study config
// cannot be loaded. It also returns an error when ctx is cancelled mid-run
// or the worker log row cannot be written.
func (r *Runner) Run(ctx context.Context, req sqs.Request) (*RunResult, error) {
	start := r.now()
	result := &RunResult{
		RunID:    uuid.New(),
		Outcomes: make(map[string]int),
		Complete: true,
	}

	logger := r.logger.With(
		zap.String("study_id", req.StudyID),
		zap.String("date", req.DateString()),
		zap.String("tag", req.Tag),
		zap.String("run_id", result.RunID.String()),
	)

	if _, err := r.deps.Configs.Get(ctx, req.StudyID); err != nil {
		metrics.RecordRun("failed", r.now().Sub(start))
		return nil, err
	}

	metrics.RunStarted()
	defer metrics.RunFinished()

	logger.Info("run started")

	accounts := r.deps.Directory.AccountSummaries(req.StudyID)
	for accounts.Next(ctx) {
		if err := r.limiter.Wait(ctx); err != nil {
			logger.Warn("rate limiter wait interrupted", zap.Error(err))
			result.Complete = false
			break
		}

		userID := accounts.Value().ID
		outcome, err := r.processParticipant(ctx, req, userID)
		if err != nil {
			logger.Error("failed to process participant",
				zap.String("user_id", userID),
				zap.Error(err),
			)
			outcome = OutcomeError
			result.Errors++
		}
		if outcome == OutcomeNotified {
			result.Notified++
		}
		result.Outcomes[outcome]++
		metrics.RecordParticipant(outcome)

		result.Processed++
		if result.Processed%r.reportingInterval == 0 {
			logger.Info("run progress",
				zap.Int("processed", result.Processed),
				zap.Duration("elapsed", r.now().Sub(start)),
			)
		}
	}
	if err := accounts.Err(); err != nil {
		if ctx.Err() != nil {
			logger.Warn("run cancelled while paging participants",
				zap.Int("processed", result.Processed),
				zap.Error(err),
			)
		} else {
			logger.Error("failed to page participants, ending run early",
				zap.Int("processed", result.Processed),
				zap.Error(err),
			)
		}
		result.Complete = false
	}

	result.Duration = r.now().Sub(start)

	entry := &db.WorkerLogEntry{
		WorkerID:              db.WorkerID,
		FinishTime:            r.now(),
		Tag:                   req.Tag,
		RunID:                 result.RunID,
		StudyID:               req.StudyID,
		RunDate:               req.DateString(),
		ParticipantsProcessed: result.Processed,
		NotificationsSent:     result.Notified,
		ParticipantErrors:     result.Errors,
		Complete:              result.Complete,
	}

	// The row is written even after cancellation so callers waiting on it
	// see the partial run.
	markerCtx := context.WithoutCancel(ctx)
	if err := r.deps.WorkerLog.PutWorkerLog(markerCtx, entry); err != nil {
		metrics.RecordRun("failed", result.Duration)
		return result, fmt.Errorf("write worker log: %w", err)
	}

	if r.deps.Publisher != nil {
		if err := r.deps.Publisher.PublishRunCompleted(markerCtx, entry); err != nil {
			logger.Warn("failed to publish run completed event", zap.Error(err))
		}
	}

	runResult := "complete"
	if !result.Complete {
		runResult = "partial"
	}
	metrics.RecordRun(runResult, result.Duration)

	logger.Info("run finished",
		zap.Int("processed", result.Processed),
		zap.Int("notified", result.Notified),
		zap.Int("errors", result.Errors),
		zap.Bool("complete", result.Complete),
		zap.Duration("duration", result.Duration),
	)

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("run interrupted: %w", err)
	}
	return result, nil
}

// processParticipant runs one participant through the filter, locator,
// evaluator and dispatcher and returns the outcome.
func (r *Runner) processParticipant(ctx context.Context, req sqs.Request, userID string) (string, error) {
	cfg, err := r.deps.Configs.Get(ctx, req.StudyID)
	if err != nil {
		return "", err
	}

	p, err := r.deps.Directory.GetParticipant(ctx, req.StudyID, userID)
	if err != nil {
		return "", err
	}

	excluded, reason, err := r.deps.Filter.IsExcluded(ctx, cfg, p)
	if err != nil {
		return "", err
	}
	if excluded {
		return "skipped_" + reason, nil
	}

	loc, err := p.Location()
	if err != nil {
		return "", err
	}

	events, err := r.deps.Directory.GetActivityEvents(ctx, req.StudyID, userID)
	if err != nil {
		return "", err
	}

	window, status := LocateBurst(cfg, events, loc, req.Date)
	switch status {
	case NoBurst:
		return OutcomeNoBurst, nil
	case InBlackout:
		return OutcomeInBlackout, nil
	}

	from, to := HistoryRange(window, loc, req.Date)
	history, err := bridge.Collect(ctx, r.deps.Directory.TaskHistory(req.StudyID, userID, cfg.BurstTaskID, from, to))
	if err != nil {
		return "", err
	}

	if !r.deps.Evaluator.ShouldNotify(cfg, window, history, loc, req.Date) {
		return OutcomeAdherent, nil
	}

	if err := r.deps.Dispatcher.Notify(ctx, cfg, p); err != nil {
		return "", err
	}
	return OutcomeNotified, nil
}
