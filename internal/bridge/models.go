package bridge

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoTimeZone is returned by Participant.Location when no offset is set.
var ErrNoTimeZone = errors.New("participant has no time zone")

// AccountSummary is one entry of the study's participant listing.
type AccountSummary struct {
	ID string `json:"id"`
}

// Phone is a participant phone number in E.164 form.
type Phone struct {
	Number     string `json:"number"`
	RegionCode string `json:"regionCode,omitempty"`
}

// UserConsentHistory is one consent record for a subpopulation.
type UserConsentHistory struct {
	SubpopulationGUID      string     `json:"subpopulationGuid"`
	HasSignedActiveConsent bool       `json:"hasSignedActiveConsent"`
	SignedOn               *time.Time `json:"signedOn,omitempty"`
	WithdrewOn             *time.Time `json:"withdrewOn,omitempty"`
}

// Participant is the detail record for one study participant.
type Participant struct {
	ID    string `json:"id"`
	Phone *Phone `json:"phone,omitempty"`
	// PhoneVerified is nil when the directory does not know.
	PhoneVerified *bool `json:"phoneVerified,omitempty"`
	// TimeZone is a UTC offset such as "-07:00".
	TimeZone   string   `json:"timeZone,omitempty"`
	DataGroups []string `json:"dataGroups"`
	// ConsentHistories maps subpopulation GUID to records, oldest first.
	ConsentHistories map[string][]UserConsentHistory `json:"consentHistories"`
}

// Location returns the participant's fixed-offset time zone.
func (p *Participant) Location() (*time.Location, error) {
	if p.TimeZone == "" {
		return nil, ErrNoTimeZone
	}
	return ParseTimeZone(p.TimeZone)
}

// ParseTimeZone turns an offset string ("+05:30", "-07:00", "Z") into a
// fixed zone.
func ParseTimeZone(offset string) (*time.Location, error) {
	t, err := time.Parse("Z07:00", offset)
	if err != nil {
		return nil, fmt.Errorf("invalid time zone offset %q: %w", offset, err)
	}
	_, seconds := t.Zone()
	return time.FixedZone(offset, seconds), nil
}

// ActivityEvent is a one-time occurrence in a participant's timeline, such
// as enrollment or a custom burst trigger.
type ActivityEvent struct {
	EventID   string    `json:"eventId"`
	Timestamp time.Time `json:"timestamp"`
}

// ScheduleStatus is the lifecycle status of a scheduled activity.
type ScheduleStatus string

const (
	StatusScheduled ScheduleStatus = "scheduled"
	StatusAvailable ScheduleStatus = "available"
	StatusStarted   ScheduleStatus = "started"
	StatusFinished  ScheduleStatus = "finished"
	StatusExpired   ScheduleStatus = "expired"
)

// ScheduledActivity is one instance of a task on one day.
type ScheduledActivity struct {
	GUID        string         `json:"guid"`
	TaskID      string         `json:"taskId"`
	ScheduledOn time.Time      `json:"scheduledOn"`
	Status      ScheduleStatus `json:"status"`
}

type accountSummaryPage struct {
	Items []AccountSummary `json:"items"`
	Total int              `json:"total"`
}

type activityEventList struct {
	Items []ActivityEvent `json:"items"`
}

type scheduledActivityPage struct {
	Items             []ScheduledActivity `json:"items"`
	NextPageOffsetKey string              `json:"nextPageOffsetKey,omitempty"`
}

type smsRequest struct {
	Message string `json:"message"`
}
