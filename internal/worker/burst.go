package worker

import (
	"time"

	"github.com/lalithlochan/burstnudge/internal/bridge"
	"github.com/lalithlochan/burstnudge/internal/db"
)

// Calendar dates are carried as time.Time at midnight UTC. Only the year,
// month and day are meaningful; the participant's zone is applied when an
// instant is turned into a date and back.

const dateLayout = "2006-01-02"

// LocalDate returns the calendar date of t in loc.
func LocalDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// startOfDay returns the instant the calendar date begins in loc.
func startOfDay(date time.Time, loc *time.Location) time.Time {
	y, m, d := date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}

func addDays(date time.Time, n int) time.Time {
	return date.AddDate(0, 0, n)
}

// BurstStatus is the outcome of locating a burst on a target date.
type BurstStatus int

const (
	// NoBurst means no burst contains the target date.
	NoBurst BurstStatus = iota
	// BurstActive means the target date is inside a burst's notifiable range.
	BurstActive
	// InBlackout means the target date is inside a burst but in a blackout
	// period at its start or end.
	InBlackout
)

func (s BurstStatus) String() string {
	switch s {
	case NoBurst:
		return "no_burst"
	case BurstActive:
		return "active"
	case InBlackout:
		return "in_blackout"
	default:
		return "unknown"
	}
}

// BurstWindow is one study burst in participant-local calendar dates. All
// bounds are inclusive.
type BurstWindow struct {
	Start time.Time
	End   time.Time
	// NotifyFrom and NotifyTo bound the days a nudge may go out. The range
	// is empty when NotifyFrom is after NotifyTo.
	NotifyFrom time.Time
	NotifyTo   time.Time
}

// NewBurstWindow builds the window for a burst starting on start.
func NewBurstWindow(start time.Time, cfg *db.StudyConfig) BurstWindow {
	end := addDays(start, cfg.BurstDurationDays-1)
	return BurstWindow{
		Start:      start,
		End:        end,
		NotifyFrom: addDays(start, cfg.BlackoutDaysFromStart),
		NotifyTo:   addDays(end, -cfg.BlackoutDaysFromEnd),
	}
}

// Contains reports whether date falls within the burst.
func (w BurstWindow) Contains(date time.Time) bool {
	return !date.Before(w.Start) && !date.After(w.End)
}

// Notifiable reports whether date is outside both blackout periods.
func (w BurstWindow) Notifiable(date time.Time) bool {
	return !date.Before(w.NotifyFrom) && !date.After(w.NotifyTo)
}

// LocateBurst finds the burst containing target. Events are scanned in the
// order given and only burst-start events count. Bursts do not overlap, so
// the first containing window decides the result.
func LocateBurst(cfg *db.StudyConfig, events []bridge.ActivityEvent, loc *time.Location, target time.Time) (BurstWindow, BurstStatus) {
	for _, event := range events {
		if !cfg.BurstStartEventIDs.Has(event.EventID) {
			continue
		}

		window := NewBurstWindow(LocalDate(event.Timestamp, loc), cfg)
		if !window.Contains(target) {
			continue
		}
		if !window.Notifiable(target) {
			return window, InBlackout
		}
		return window, BurstActive
	}

	return BurstWindow{}, NoBurst
}
