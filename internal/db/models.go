package db

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// WorkerID identifies this worker in the worker_log table. External callers
// poll worker_log for this ID to detect that a run has finished.
const WorkerID = "ActivityNotificationWorker"

// StringSet is a set of strings. A nil StringSet behaves as empty for reads,
// but StudyConfig never hands one out.
type StringSet map[string]struct{}

// NewStringSet builds a set from the given items.
func NewStringSet(items ...string) StringSet {
	s := make(StringSet, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

// Has reports whether v is in the set.
func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Items returns the members in sorted order.
func (s StringSet) Items() []string {
	items := make([]string, 0, len(s))
	for item := range s {
		items = append(items, item)
	}
	sort.Strings(items)
	return items
}

// StudyConfig holds the per-study values that decide if and when a
// participant gets an adherence notification.
type StudyConfig struct {
	StudyID string `json:"study_id"`

	// BurstDurationDays is the length of a study burst, in days.
	BurstDurationDays int `json:"burst_duration_days"`
	// BurstStartEventIDs are the activity event IDs that mark a burst start.
	BurstStartEventIDs StringSet `json:"burst_start_event_ids"`
	// BurstTaskID is the task participants are expected to finish daily.
	BurstTaskID string `json:"burst_task_id"`
	// ExcludedDataGroups never receive notifications.
	ExcludedDataGroups StringSet `json:"excluded_data_groups"`

	BlackoutDaysFromStart int `json:"blackout_days_from_start"`
	BlackoutDaysFromEnd   int `json:"blackout_days_from_end"`

	NotificationMessage string `json:"notification_message"`

	// NumMissedDaysToNotify is the cumulative missed-day threshold within a burst.
	NumMissedDaysToNotify int `json:"num_missed_days_to_notify"`
	// NumMissedConsecutiveDaysToNotify is the consecutive missed-day threshold.
	NumMissedConsecutiveDaysToNotify int `json:"num_missed_consecutive_days_to_notify"`

	// RequiredSubpopulationGUIDs must all carry an active, unwithdrawn consent.
	RequiredSubpopulationGUIDs StringSet `json:"required_subpopulation_guids"`
}

// Normalize replaces nil sets with empty ones. Every StudyConfig leaving
// this package has been normalized.
func (c *StudyConfig) Normalize() *StudyConfig {
	if c.BurstStartEventIDs == nil {
		c.BurstStartEventIDs = StringSet{}
	}
	if c.ExcludedDataGroups == nil {
		c.ExcludedDataGroups = StringSet{}
	}
	if c.RequiredSubpopulationGUIDs == nil {
		c.RequiredSubpopulationGUIDs = StringSet{}
	}
	return c
}

// NotificationLogEntry is one row per SMS sent.
type NotificationLogEntry struct {
	UserID           string    `json:"user_id"`
	NotificationTime time.Time `json:"notification_time"`
}

// WorkerLogEntry marks the end of a run.
type WorkerLogEntry struct {
	WorkerID   string    `json:"worker_id"`
	FinishTime time.Time `json:"finish_time"`
	Tag        string    `json:"tag,omitempty"`

	RunID                 uuid.UUID `json:"run_id"`
	StudyID               string    `json:"study_id"`
	RunDate               string    `json:"run_date"`
	ParticipantsProcessed int       `json:"participants_processed"`
	NotificationsSent     int       `json:"notifications_sent"`
	ParticipantErrors     int       `json:"participant_errors"`
	// Complete is false when paging through participants failed and the
	// run stopped before the end of the study population.
	Complete bool `json:"complete"`
}
