package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lalithlochan/burstnudge/internal/bridge"
	"github.com/lalithlochan/burstnudge/internal/db"
)

func newTestFilter(store *fakeStore, now time.Time) *EligibilityFilter {
	f := NewEligibilityFilter(store)
	f.now = func() time.Time { return now }
	return f
}

func signed() bridge.UserConsentHistory {
	return bridge.UserConsentHistory{SubpopulationGUID: "main", HasSignedActiveConsent: true}
}

func withdrawn() bridge.UserConsentHistory {
	at := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	return bridge.UserConsentHistory{SubpopulationGUID: "main", HasSignedActiveConsent: true, WithdrewOn: &at}
}

func TestIsExcluded(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		required   []string
		excluded   []string
		mutate     func(p *bridge.Participant)
		wantExcl   bool
		wantReason string
	}{
		{
			name:     "eligible",
			wantExcl: false,
		},
		{
			name:     "phone verification unknown is not excluded",
			mutate:   func(p *bridge.Participant) { p.PhoneVerified = nil },
			wantExcl: false,
		},
		{
			name:       "phone unverified",
			mutate:     func(p *bridge.Participant) { p.PhoneVerified = boolPtr(false) },
			wantExcl:   true,
			wantReason: ReasonPhoneUnverified,
		},
		{
			name:       "no time zone",
			mutate:     func(p *bridge.Participant) { p.TimeZone = "" },
			wantExcl:   true,
			wantReason: ReasonNoTimeZone,
		},
		{
			name:       "required consent missing",
			required:   []string{"main"},
			wantExcl:   true,
			wantReason: ReasonNotConsented,
		},
		{
			name:     "required consent empty list",
			required: []string{"main"},
			mutate: func(p *bridge.Participant) {
				p.ConsentHistories = map[string][]bridge.UserConsentHistory{"main": {}}
			},
			wantExcl:   true,
			wantReason: ReasonNotConsented,
		},
		{
			name:     "newest consent not signed",
			required: []string{"main"},
			mutate: func(p *bridge.Participant) {
				p.ConsentHistories = map[string][]bridge.UserConsentHistory{
					"main": {signed(), {SubpopulationGUID: "main"}},
				}
			},
			wantExcl:   true,
			wantReason: ReasonNotConsented,
		},
		{
			name:     "newest consent withdrawn",
			required: []string{"main"},
			mutate: func(p *bridge.Participant) {
				p.ConsentHistories = map[string][]bridge.UserConsentHistory{"main": {signed(), withdrawn()}}
			},
			wantExcl:   true,
			wantReason: ReasonNotConsented,
		},
		{
			name:     "older withdrawal followed by new consent",
			required: []string{"main"},
			mutate: func(p *bridge.Participant) {
				p.ConsentHistories = map[string][]bridge.UserConsentHistory{"main": {withdrawn(), signed()}}
			},
			wantExcl: false,
		},
		{
			name:     "one of two required subpopulations missing",
			required: []string{"main", "genetics"},
			mutate: func(p *bridge.Participant) {
				p.ConsentHistories = map[string][]bridge.UserConsentHistory{"main": {signed()}}
			},
			wantExcl:   true,
			wantReason: ReasonNotConsented,
		},
		{
			name:       "excluded data group",
			excluded:   []string{"test_user"},
			mutate:     func(p *bridge.Participant) { p.DataGroups = []string{"cohort_a", "test_user"} },
			wantExcl:   true,
			wantReason: ReasonExcludedDataGroup,
		},
		{
			name:     "other data groups",
			excluded: []string{"test_user"},
			mutate:   func(p *bridge.Participant) { p.DataGroups = []string{"cohort_a"} },
			wantExcl: false,
		},
		{
			name:       "unverified wins over other failures",
			required:   []string{"main"},
			excluded:   []string{"test_user"},
			mutate: func(p *bridge.Participant) {
				p.PhoneVerified = boolPtr(false)
				p.DataGroups = []string{"test_user"}
			},
			wantExcl:   true,
			wantReason: ReasonPhoneUnverified,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.RequiredSubpopulationGUIDs = db.NewStringSet(tt.required...)
			cfg.ExcludedDataGroups = db.NewStringSet(tt.excluded...)

			p := eligibleParticipant("user-1")
			if tt.mutate != nil {
				tt.mutate(p)
			}

			excluded, reason, err := newTestFilter(newFakeStore(), now).IsExcluded(context.Background(), cfg, p)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if excluded != tt.wantExcl {
				t.Errorf("excluded = %v, want %v", excluded, tt.wantExcl)
			}
			if reason != tt.wantReason {
				t.Errorf("reason = %q, want %q", reason, tt.wantReason)
			}
		})
	}
}

func TestIsExcluded_UnverifiedAlwaysExcluded(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	variants := []func(p *bridge.Participant){
		func(p *bridge.Participant) {},
		func(p *bridge.Participant) { p.TimeZone = "" },
		func(p *bridge.Participant) { p.DataGroups = []string{"cohort_a"} },
		func(p *bridge.Participant) {
			p.ConsentHistories = map[string][]bridge.UserConsentHistory{"main": {signed()}}
		},
	}

	for i, mutate := range variants {
		p := eligibleParticipant("user-1")
		mutate(p)
		p.PhoneVerified = boolPtr(false)

		excluded, _, err := newTestFilter(newFakeStore(), now).IsExcluded(context.Background(), testConfig(), p)
		if err != nil {
			t.Fatalf("variant %d: unexpected error: %v", i, err)
		}
		if !excluded {
			t.Errorf("variant %d: unverified phone should always be excluded", i)
		}
	}
}

func TestIsExcluded_EmptyRequiredSetNeverExcludesOnConsent(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.RequiredSubpopulationGUIDs = db.NewStringSet()

	histories := []map[string][]bridge.UserConsentHistory{
		nil,
		{"main": {}},
		{"main": {withdrawn()}},
		{"main": {{SubpopulationGUID: "main"}}},
	}

	for i, h := range histories {
		p := eligibleParticipant("user-1")
		p.ConsentHistories = h

		excluded, reason, err := newTestFilter(newFakeStore(), now).IsExcluded(context.Background(), cfg, p)
		if err != nil {
			t.Fatalf("case %d: unexpected error: %v", i, err)
		}
		if excluded {
			t.Errorf("case %d: excluded with reason %q", i, reason)
		}
	}
}

func TestIsExcluded_RecentlyNotified(t *testing.T) {
	notifiedAt := time.Date(2024, 1, 1, 15, 0, 0, 0, time.UTC)
	cfg := testConfig()
	cfg.BurstDurationDays = 14

	tests := []struct {
		name     string
		now      time.Time
		wantExcl bool
	}{
		{"ten days later", notifiedAt.AddDate(0, 0, 10), true},
		{"fifteen days later", notifiedAt.AddDate(0, 0, 15), false},
		{"exactly at the cutoff", notifiedAt.AddDate(0, 0, 14), false},
		{"just inside the cutoff", notifiedAt.AddDate(0, 0, 14).Add(-time.Millisecond), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newFakeStore()
			store.lastNotified["user-1"] = notifiedAt

			excluded, reason, err := newTestFilter(store, tt.now).IsExcluded(context.Background(), cfg, eligibleParticipant("user-1"))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if excluded != tt.wantExcl {
				t.Errorf("excluded = %v, want %v", excluded, tt.wantExcl)
			}
			if excluded && reason != ReasonRecentlyNotified {
				t.Errorf("reason = %q, want %q", reason, ReasonRecentlyNotified)
			}
		})
	}
}

func TestIsExcluded_NeverNotified(t *testing.T) {
	now := time.Date(2024, 1, 10, 12, 0, 0, 0, time.UTC)

	excluded, _, err := newTestFilter(newFakeStore(), now).IsExcluded(context.Background(), testConfig(), eligibleParticipant("user-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if excluded {
		t.Error("participant with no notification history should not be excluded")
	}
}

func TestIsExcluded_StoreError(t *testing.T) {
	store := newFakeStore()
	store.historyErr = errBoom

	_, _, err := newTestFilter(store, time.Now()).IsExcluded(context.Background(), testConfig(), eligibleParticipant("user-1"))
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected store error, got %v", err)
	}
}
