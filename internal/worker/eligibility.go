package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/lalithlochan/burstnudge/internal/bridge"
	"github.com/lalithlochan/burstnudge/internal/db"
)

// Exclusion reasons reported by EligibilityFilter.
const (
	ReasonPhoneUnverified   = "phone_unverified"
	ReasonNoTimeZone        = "no_timezone"
	ReasonNotConsented      = "not_consented"
	ReasonExcludedDataGroup = "excluded_data_group"
	ReasonRecentlyNotified  = "recently_notified"
)

// NotificationHistory reads the most recent notification sent to a user.
type NotificationHistory interface {
	GetLastNotificationTime(ctx context.Context, userID string) (time.Time, bool, error)
}

// EligibilityFilter applies the hard exclusions that keep a participant
// from ever being nudged today.
type EligibilityFilter struct {
	history NotificationHistory
	now     func() time.Time
}

// NewEligibilityFilter creates a filter that checks notification recency
// against history.
func NewEligibilityFilter(history NotificationHistory) *EligibilityFilter {
	return &EligibilityFilter{history: history, now: time.Now}
}

// IsExcluded reports whether p must be skipped, and why. Checks run in a
// fixed order and stop at the first hit; only the recency check touches the
// store.
func (f *EligibilityFilter) IsExcluded(ctx context.Context, cfg *db.StudyConfig, p *bridge.Participant) (bool, string, error) {
	if p.PhoneVerified != nil && !*p.PhoneVerified {
		return true, ReasonPhoneUnverified, nil
	}

	if p.TimeZone == "" {
		return true, ReasonNoTimeZone, nil
	}

	if !hasRequiredConsents(cfg, p) {
		return true, ReasonNotConsented, nil
	}

	for _, group := range p.DataGroups {
		if cfg.ExcludedDataGroups.Has(group) {
			return true, ReasonExcludedDataGroup, nil
		}
	}

	last, ok, err := f.history.GetLastNotificationTime(ctx, p.ID)
	if err != nil {
		return false, "", fmt.Errorf("get last notification time: %w", err)
	}
	if ok {
		cutoff := f.now().AddDate(0, 0, -cfg.BurstDurationDays)
		if last.After(cutoff) {
			return true, ReasonRecentlyNotified, nil
		}
	}

	return false, "", nil
}

// hasRequiredConsents checks that the newest consent record of every
// required subpopulation is signed and not withdrawn.
func hasRequiredConsents(cfg *db.StudyConfig, p *bridge.Participant) bool {
	for guid := range cfg.RequiredSubpopulationGUIDs {
		records := p.ConsentHistories[guid]
		if len(records) == 0 {
			return false
		}
		newest := records[len(records)-1]
		if !newest.HasSignedActiveConsent || newest.WithdrewOn != nil {
			return false
		}
	}
	return true
}
