package worker

import (
	"testing"
	"time"

	"github.com/lalithlochan/burstnudge/internal/bridge"
	"github.com/lalithlochan/burstnudge/internal/db"
)

func TestNewBurstWindow_EndIsDurationInclusive(t *testing.T) {
	start := date(2024, 1, 1)

	for duration := 1; duration <= 60; duration++ {
		cfg := testConfig()
		cfg.BurstDurationDays = duration

		w := NewBurstWindow(start, cfg)

		days := 0
		for d := w.Start; !d.After(w.End); d = addDays(d, 1) {
			days++
		}
		if days != duration {
			t.Errorf("duration %d: window spans %d days", duration, days)
		}
		if !w.End.Equal(addDays(start, duration-1)) {
			t.Errorf("duration %d: end = %v", duration, w.End)
		}
	}
}

func TestLocateBurst_ScenarioBlackoutAtStart(t *testing.T) {
	cfg := testConfig()
	cfg.BurstDurationDays = 10
	cfg.BlackoutDaysFromStart = 2
	cfg.BlackoutDaysFromEnd = 1

	events := []bridge.ActivityEvent{
		{EventID: "enrollment", Timestamp: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
	}

	w, status := LocateBurst(cfg, events, time.UTC, date(2024, 1, 2))
	if status != InBlackout {
		t.Fatalf("expected in blackout, got %s", status)
	}
	if !w.NotifyFrom.Equal(date(2024, 1, 3)) || !w.NotifyTo.Equal(date(2024, 1, 9)) {
		t.Errorf("notifiable range = %v..%v, want 2024-01-03..2024-01-09", w.NotifyFrom, w.NotifyTo)
	}

	for d := date(2024, 1, 1); !d.After(date(2024, 1, 10)); d = addDays(d, 1) {
		_, status := LocateBurst(cfg, events, time.UTC, d)
		want := BurstActive
		if d.Before(date(2024, 1, 3)) || d.After(date(2024, 1, 9)) {
			want = InBlackout
		}
		if status != want {
			t.Errorf("%s: got %s, want %s", d.Format(dateLayout), status, want)
		}
	}
}

func TestLocateBurst_BlackoutCoversWholeBurst(t *testing.T) {
	events := []bridge.ActivityEvent{
		{EventID: "enrollment", Timestamp: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
	}

	tests := []struct{ duration, fromStart, fromEnd int }{
		{10, 5, 5},
		{10, 10, 0},
		{10, 0, 10},
		{7, 4, 6},
		{1, 1, 0},
	}

	for _, tt := range tests {
		cfg := testConfig()
		cfg.BurstDurationDays = tt.duration
		cfg.BlackoutDaysFromStart = tt.fromStart
		cfg.BlackoutDaysFromEnd = tt.fromEnd

		for i := 0; i < tt.duration; i++ {
			target := addDays(date(2024, 1, 1), i)
			if _, status := LocateBurst(cfg, events, time.UTC, target); status != InBlackout {
				t.Errorf("%+v day %d: got %s, want in_blackout", tt, i, status)
			}
		}
	}
}

func TestLocateBurst_NoBurst(t *testing.T) {
	cfg := testConfig()
	events := []bridge.ActivityEvent{
		{EventID: "enrollment", Timestamp: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
		{EventID: "study_start_date", Timestamp: time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)},
	}

	if _, status := LocateBurst(cfg, events, time.UTC, date(2024, 2, 3)); status != NoBurst {
		t.Errorf("expected no burst after the window, got %s", status)
	}
	if _, status := LocateBurst(cfg, events, time.UTC, date(2023, 12, 31)); status != NoBurst {
		t.Errorf("expected no burst before the window, got %s", status)
	}
	if _, status := LocateBurst(cfg, nil, time.UTC, date(2024, 1, 3)); status != NoBurst {
		t.Errorf("expected no burst without events, got %s", status)
	}
}

func TestLocateBurst_SkipsNonStartEvents(t *testing.T) {
	cfg := testConfig()
	cfg.BurstStartEventIDs = db.NewStringSet("custom:burst2")

	events := []bridge.ActivityEvent{
		{EventID: "enrollment", Timestamp: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
	}

	if _, status := LocateBurst(cfg, events, time.UTC, date(2024, 1, 3)); status != NoBurst {
		t.Errorf("non-start events must be ignored, got %s", status)
	}
}

func TestLocateBurst_FindsLaterBurst(t *testing.T) {
	cfg := testConfig()
	events := []bridge.ActivityEvent{
		{EventID: "enrollment", Timestamp: time.Date(2024, 1, 1, 8, 0, 0, 0, time.UTC)},
		{EventID: "custom:burst2", Timestamp: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)},
	}

	w, status := LocateBurst(cfg, events, time.UTC, date(2024, 3, 4))
	if status != BurstActive {
		t.Fatalf("expected active burst, got %s", status)
	}
	if !w.Start.Equal(date(2024, 3, 1)) {
		t.Errorf("expected second burst, got start %v", w.Start)
	}
}

func TestLocateBurst_StartUsesParticipantZone(t *testing.T) {
	cfg := testConfig()
	cfg.BlackoutDaysFromStart = 1

	// 03:00 UTC on Jan 2 is still Jan 1 at UTC-7.
	events := []bridge.ActivityEvent{
		{EventID: "enrollment", Timestamp: time.Date(2024, 1, 2, 3, 0, 0, 0, time.UTC)},
	}
	loc, err := bridge.ParseTimeZone("-07:00")
	if err != nil {
		t.Fatal(err)
	}

	w, status := LocateBurst(cfg, events, loc, date(2024, 1, 2))
	if status != BurstActive {
		t.Fatalf("expected active burst, got %s", status)
	}
	if !w.Start.Equal(date(2024, 1, 1)) {
		t.Errorf("expected local start 2024-01-01, got %v", w.Start)
	}

	if _, status := LocateBurst(cfg, events, time.UTC, date(2024, 1, 2)); status != InBlackout {
		t.Errorf("in UTC the same date is the first burst day, got %s", status)
	}
}

func TestBurstStatusString(t *testing.T) {
	tests := []struct {
		s    BurstStatus
		want string
	}{
		{NoBurst, "no_burst"},
		{BurstActive, "active"},
		{InBlackout, "in_blackout"},
		{BurstStatus(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("BurstStatus(%d) = %s, want %s", tt.s, got, tt.want)
		}
	}
}
