package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// ErrConfigNotFound is returned when a study has no notification config row.
var ErrConfigNotFound = errors.New("notification config not found")

// Store handles the notification config, notification log, and worker log tables.
type Store struct {
	db     *DB
	logger *zap.Logger
}

// NewStore creates a new Store
func NewStore(db *DB, logger *zap.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// GetStudyConfig loads the notification config for a study. The returned
// config is normalized: set-valued fields are never nil.
func (s *Store) GetStudyConfig(ctx context.Context, studyID string) (*StudyConfig, error) {
	query := `
		SELECT
			study_id, burst_duration_days, burst_start_event_ids, burst_task_id,
			excluded_data_groups, blackout_days_from_start, blackout_days_from_end,
			notification_message, num_missed_days_to_notify,
			num_missed_consecutive_days_to_notify, required_subpopulation_guids
		FROM notification_config
		WHERE study_id = $1
	`

	var cfg StudyConfig
	var burstEvents, excludedGroups, subpops []string
	err := s.db.Pool().QueryRow(ctx, query, studyID).Scan(
		&cfg.StudyID,
		&cfg.BurstDurationDays,
		&burstEvents,
		&cfg.BurstTaskID,
		&excludedGroups,
		&cfg.BlackoutDaysFromStart,
		&cfg.BlackoutDaysFromEnd,
		&cfg.NotificationMessage,
		&cfg.NumMissedDaysToNotify,
		&cfg.NumMissedConsecutiveDaysToNotify,
		&subpops,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: study %s", ErrConfigNotFound, studyID)
	}

	if err != nil {
		s.logger.Error("failed to get notification config",
			zap.Error(err),
			zap.String("study_id", studyID),
		)
		return nil, fmt.Errorf("query notification config: %w", err)
	}

	cfg.BurstStartEventIDs = NewStringSet(burstEvents...)
	cfg.ExcludedDataGroups = NewStringSet(excludedGroups...)
	cfg.RequiredSubpopulationGUIDs = NewStringSet(subpops...)

	return cfg.Normalize(), nil
}

// GetLastNotificationTime returns the most recent notification time for a
// user. ok is false if the user was never notified.
func (s *Store) GetLastNotificationTime(ctx context.Context, userID string) (t time.Time, ok bool, err error) {
	query := `
		SELECT notification_time
		FROM notification_log
		WHERE user_id = $1
		ORDER BY notification_time DESC
		LIMIT 1
	`

	var millis int64
	err = s.db.Pool().QueryRow(ctx, query, userID).Scan(&millis)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("query last notification time: %w", err)
	}

	return time.UnixMilli(millis).UTC(), true, nil
}

// PutNotificationLog appends a notification log row.
func (s *Store) PutNotificationLog(ctx context.Context, entry NotificationLogEntry) error {
	query := `
		INSERT INTO notification_log (user_id, notification_time)
		VALUES ($1, $2)
	`

	_, err := s.db.Pool().Exec(ctx, query, entry.UserID, entry.NotificationTime.UnixMilli())
	if err != nil {
		s.logger.Error("failed to write notification log",
			zap.Error(err),
			zap.String("user_id", entry.UserID),
		)
		return fmt.Errorf("insert notification log: %w", err)
	}

	return nil
}

// PutWorkerLog appends a worker log row marking a finished run.
func (s *Store) PutWorkerLog(ctx context.Context, entry *WorkerLogEntry) error {
	query := `
		INSERT INTO worker_log (
			worker_id, finish_time, tag, run_id, study_id, run_date,
			participants_processed, notifications_sent, participant_errors, complete
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.Pool().Exec(ctx, query,
		entry.WorkerID,
		entry.FinishTime.UnixMilli(),
		nullableString(entry.Tag),
		entry.RunID,
		entry.StudyID,
		entry.RunDate,
		entry.ParticipantsProcessed,
		entry.NotificationsSent,
		entry.ParticipantErrors,
		entry.Complete,
	)
	if err != nil {
		s.logger.Error("failed to write worker log",
			zap.Error(err),
			zap.String("run_id", entry.RunID.String()),
		)
		return fmt.Errorf("insert worker log: %w", err)
	}

	s.logger.Info("worker log written",
		zap.String("run_id", entry.RunID.String()),
		zap.String("study_id", entry.StudyID),
		zap.String("tag", entry.Tag),
	)

	return nil
}

// ListWorkerLogs returns the newest worker log rows for this worker, optionally
// filtered by tag.
func (s *Store) ListWorkerLogs(ctx context.Context, tag string, limit int) ([]*WorkerLogEntry, error) {
	query := `
		SELECT
			worker_id, finish_time, COALESCE(tag, ''), run_id, study_id, run_date,
			participants_processed, notifications_sent, participant_errors, complete
		FROM worker_log
		WHERE worker_id = $1 AND ($2 = '' OR tag = $2)
		ORDER BY finish_time DESC
		LIMIT $3
	`

	rows, err := s.db.Pool().Query(ctx, query, WorkerID, tag, limit)
	if err != nil {
		return nil, fmt.Errorf("query worker log: %w", err)
	}
	defer rows.Close()

	var entries []*WorkerLogEntry
	for rows.Next() {
		var (
			entry  WorkerLogEntry
			millis int64
		)
		err := rows.Scan(
			&entry.WorkerID,
			&millis,
			&entry.Tag,
			&entry.RunID,
			&entry.StudyID,
			&entry.RunDate,
			&entry.ParticipantsProcessed,
			&entry.NotificationsSent,
			&entry.ParticipantErrors,
			&entry.Complete,
		)
		if err != nil {
			return nil, fmt.Errorf("scan worker log: %w", err)
		}
		entry.FinishTime = time.UnixMilli(millis).UTC()
		entries = append(entries, &entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return entries, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
