package worker

import (
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/burstnudge/internal/bridge"
	"github.com/lalithlochan/burstnudge/internal/db"
)

// AdherenceEvaluator decides from a participant's task history whether they
// have missed enough burst days to be nudged.
type AdherenceEvaluator struct {
	logger *zap.Logger
}

// NewAdherenceEvaluator creates an evaluator that logs history anomalies to
// logger.
func NewAdherenceEvaluator(logger *zap.Logger) *AdherenceEvaluator {
	return &AdherenceEvaluator{logger: logger}
}

// HistoryRange returns the instants bounding the task history needed for
// window on target: the start of the burst's first day up to, but not
// including, the start of the day after target.
func HistoryRange(window BurstWindow, loc *time.Location, target time.Time) (time.Time, time.Time) {
	return startOfDay(window.Start, loc), startOfDay(addDays(target, 1), loc)
}

// ShouldNotify walks the burst from its first day to target and returns true
// on the first missed day that reaches either the cumulative or the
// consecutive threshold. An empty history never notifies, and neither does
// a finished task on target.
func (e *AdherenceEvaluator) ShouldNotify(cfg *db.StudyConfig, window BurstWindow, history []bridge.ScheduledActivity, loc *time.Location, target time.Time) bool {
	if len(history) == 0 {
		return false
	}

	byDate := make(map[string]bridge.ScheduledActivity, len(history))
	for _, activity := range history {
		date := LocalDate(activity.ScheduledOn, loc).Format(dateLayout)
		if kept, dup := byDate[date]; dup {
			e.logger.Warn("duplicate scheduled activity for date",
				zap.String("date", date),
				zap.String("task_id", activity.TaskID),
				zap.String("kept_guid", kept.GUID),
				zap.String("dropped_guid", activity.GUID),
			)
			continue
		}
		byDate[date] = activity
	}

	if today, ok := byDate[target.Format(dateLayout)]; ok && today.Status == bridge.StatusFinished {
		return false
	}

	daysMissed := 0
	consecutiveMissed := 0
	for date := window.Start; !date.After(target); date = addDays(date, 1) {
		activity, ok := byDate[date.Format(dateLayout)]
		if ok && activity.Status == bridge.StatusFinished {
			consecutiveMissed = 0
			continue
		}

		daysMissed++
		consecutiveMissed++
		if daysMissed >= cfg.NumMissedDaysToNotify || consecutiveMissed >= cfg.NumMissedConsecutiveDaysToNotify {
			return true
		}
	}

	return false
}
