package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/lalithlochan/burstnudge/internal/bridge"
	"github.com/lalithlochan/burstnudge/internal/db"
)

var errBoom = errors.New("boom")

// fakeStore implements ConfigStore, NotificationHistory, NotificationLog and
// WorkerLog in memory.
type fakeStore struct {
	mu sync.Mutex

	configs     map[string]*db.StudyConfig
	configErr   error
	configCalls int

	lastNotified map[string]time.Time
	historyErr   error

	notificationLog []db.NotificationLogEntry
	logErr          error

	workerLogs   []*db.WorkerLogEntry
	workerLogErr error

	// events records the order of side effects across collaborators.
	events *[]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		configs:      make(map[string]*db.StudyConfig),
		lastNotified: make(map[string]time.Time),
	}
}

func (s *fakeStore) GetStudyConfig(ctx context.Context, studyID string) (*db.StudyConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.configCalls++
	if s.configErr != nil {
		return nil, s.configErr
	}
	cfg, ok := s.configs[studyID]
	if !ok {
		return nil, db.ErrConfigNotFound
	}
	return cfg, nil
}

func (s *fakeStore) GetLastNotificationTime(ctx context.Context, userID string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.historyErr != nil {
		return time.Time{}, false, s.historyErr
	}
	t, ok := s.lastNotified[userID]
	return t, ok, nil
}

func (s *fakeStore) PutNotificationLog(ctx context.Context, entry db.NotificationLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.events != nil {
		*s.events = append(*s.events, "log:"+entry.UserID)
	}
	if s.logErr != nil {
		return s.logErr
	}
	s.notificationLog = append(s.notificationLog, entry)
	s.lastNotified[entry.UserID] = entry.NotificationTime
	return nil
}

func (s *fakeStore) PutWorkerLog(ctx context.Context, entry *db.WorkerLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.workerLogErr != nil {
		return s.workerLogErr
	}
	s.workerLogs = append(s.workerLogs, entry)
	return nil
}

type historyCall struct {
	userID, taskID string
	start, end     time.Time
}

// fakeDirectory serves accounts in pages of pageSize. When failAtOffset is
// positive, the page starting at that offset fails.
type fakeDirectory struct {
	accounts     []string
	pageSize     int
	failAtOffset int

	participants   map[string]*bridge.Participant
	participantErr map[string]error
	events         map[string][]bridge.ActivityEvent
	eventsErr      map[string]error
	history        map[string][]bridge.ScheduledActivity
	historyPageErr map[string]error
	historyCalls   []historyCall
}

func newFakeDirectory(accounts ...string) *fakeDirectory {
	return &fakeDirectory{
		accounts:       accounts,
		pageSize:       2,
		participants:   make(map[string]*bridge.Participant),
		participantErr: make(map[string]error),
		events:         make(map[string][]bridge.ActivityEvent),
		eventsErr:      make(map[string]error),
		history:        make(map[string][]bridge.ScheduledActivity),
		historyPageErr: make(map[string]error),
	}
}

func (d *fakeDirectory) AccountSummaries(studyID string) *bridge.Iterator[bridge.AccountSummary] {
	return bridge.NewIterator(func(ctx context.Context, cursor string) ([]bridge.AccountSummary, string, error) {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		offset := 0
		if cursor != "" {
			offset, _ = strconv.Atoi(cursor)
		}
		if d.failAtOffset > 0 && offset == d.failAtOffset {
			return nil, "", errBoom
		}

		end := min(offset+d.pageSize, len(d.accounts))
		page := make([]bridge.AccountSummary, 0, end-offset)
		for _, id := range d.accounts[offset:end] {
			page = append(page, bridge.AccountSummary{ID: id})
		}

		next := ""
		if end < len(d.accounts) {
			next = strconv.Itoa(end)
		}
		return page, next, nil
	})
}

func (d *fakeDirectory) GetParticipant(ctx context.Context, studyID, userID string) (*bridge.Participant, error) {
	if err := d.participantErr[userID]; err != nil {
		return nil, err
	}
	p, ok := d.participants[userID]
	if !ok {
		return nil, bridge.ErrNotFound
	}
	return p, nil
}

func (d *fakeDirectory) GetActivityEvents(ctx context.Context, studyID, userID string) ([]bridge.ActivityEvent, error) {
	if err := d.eventsErr[userID]; err != nil {
		return nil, err
	}
	return d.events[userID], nil
}

func (d *fakeDirectory) TaskHistory(studyID, userID, taskID string, start, end time.Time) *bridge.Iterator[bridge.ScheduledActivity] {
	d.historyCalls = append(d.historyCalls, historyCall{userID: userID, taskID: taskID, start: start, end: end})
	items, pageErr := d.history[userID], d.historyPageErr[userID]
	return bridge.NewIterator(func(ctx context.Context, cursor string) ([]bridge.ScheduledActivity, string, error) {
		if pageErr != nil {
			return nil, "", pageErr
		}
		return items, "", nil
	})
}

type sentSMS struct {
	studyID, userID, message string
}

type fakeSender struct {
	sent   []sentSMS
	err    error
	errFor map[string]error
	events *[]string
}

func (s *fakeSender) Send(ctx context.Context, studyID string, p *bridge.Participant, message string) error {
	if s.events != nil {
		*s.events = append(*s.events, "send:"+p.ID)
	}
	if s.err != nil {
		return s.err
	}
	if err := s.errFor[p.ID]; err != nil {
		return err
	}
	s.sent = append(s.sent, sentSMS{studyID: studyID, userID: p.ID, message: message})
	return nil
}

func boolPtr(b bool) *bool { return &b }

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func testConfig() *db.StudyConfig {
	cfg := &db.StudyConfig{
		StudyID:                          "study-1",
		BurstDurationDays:                10,
		BurstStartEventIDs:               db.NewStringSet("enrollment", "custom:burst2"),
		BurstTaskID:                      "tapping",
		ExcludedDataGroups:               db.NewStringSet("test_user"),
		BlackoutDaysFromStart:            0,
		BlackoutDaysFromEnd:              0,
		NotificationMessage:              "Don't forget your tapping task today!",
		NumMissedDaysToNotify:            4,
		NumMissedConsecutiveDaysToNotify: 3,
		RequiredSubpopulationGUIDs:       db.NewStringSet(),
	}
	return cfg
}

func eligibleParticipant(id string) *bridge.Participant {
	return &bridge.Participant{
		ID:            id,
		Phone:         &bridge.Phone{Number: "+12065550100"},
		PhoneVerified: boolPtr(true),
		TimeZone:      "+00:00",
	}
}

// activity builds a scheduled activity at noon UTC on the given day.
func activity(guid string, day time.Time, status bridge.ScheduleStatus) bridge.ScheduledActivity {
	return bridge.ScheduledActivity{
		GUID:        guid,
		TaskID:      "tapping",
		ScheduledOn: day.Add(12 * time.Hour),
		Status:      status,
	}
}
