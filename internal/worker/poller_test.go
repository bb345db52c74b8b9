package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/burstnudge/internal/sqs"
)

type fakeQueue struct {
	messages   []*sqs.Message
	receiveErr error
	deleted    []string
	visibility map[string]int32
}

func (q *fakeQueue) ReceiveMessage(ctx context.Context) (*sqs.Message, error) {
	if q.receiveErr != nil {
		return nil, q.receiveErr
	}
	if len(q.messages) == 0 {
		return nil, nil
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	return msg, nil
}

func (q *fakeQueue) DeleteMessage(ctx context.Context, receiptHandle string) error {
	q.deleted = append(q.deleted, receiptHandle)
	return nil
}

func (q *fakeQueue) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	if q.visibility == nil {
		q.visibility = make(map[string]int32)
	}
	q.visibility[receiptHandle] = seconds
	return nil
}

type fakeRunner struct {
	requests []sqs.Request
	err      error
}

func (r *fakeRunner) Run(ctx context.Context, req sqs.Request) (*RunResult, error) {
	r.requests = append(r.requests, req)
	if r.err != nil {
		return nil, r.err
	}
	return &RunResult{Complete: true}, nil
}

type fakeLock struct {
	held     map[string]bool
	err      error
	done     []string
	released []string
	extended []string
}

func newFakeLock() *fakeLock {
	return &fakeLock{held: make(map[string]bool)}
}

func (l *fakeLock) Acquire(ctx context.Context, key string) (bool, error) {
	if l.err != nil {
		return false, l.err
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *fakeLock) MarkDone(ctx context.Context, key string) error {
	l.done = append(l.done, key)
	return nil
}

func (l *fakeLock) Release(ctx context.Context, key string) error {
	delete(l.held, key)
	l.released = append(l.released, key)
	return nil
}

func (l *fakeLock) Extend(ctx context.Context, key string) error {
	l.extended = append(l.extended, key)
	return nil
}

func message(receipt, body string) *sqs.Message {
	return &sqs.Message{ID: "id-" + receipt, Body: []byte(body), ReceiptHandle: receipt}
}

const validBody = `{"studyId":"study-1","date":"2024-01-05","tag":"nightly"}`

func TestPoller_RunsAndDeletes(t *testing.T) {
	queue := &fakeQueue{messages: []*sqs.Message{message("rh-1", validBody)}}
	runner := &fakeRunner{}
	lock := newFakeLock()
	p := NewPoller(queue, runner, lock, PollerConfig{}, zap.NewNop())

	if err := p.pollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(runner.requests) != 1 || runner.requests[0].StudyID != "study-1" || runner.requests[0].Tag != "nightly" {
		t.Fatalf("unexpected runs: %+v", runner.requests)
	}
	if len(queue.deleted) != 1 || queue.deleted[0] != "rh-1" {
		t.Errorf("expected message deleted, got %v", queue.deleted)
	}
	if len(lock.done) != 1 || lock.done[0] != "study-1:2024-01-05:nightly" {
		t.Errorf("expected run marked done, got %v", lock.done)
	}
}

func TestPoller_BadRequestDeletedWithoutRun(t *testing.T) {
	queue := &fakeQueue{messages: []*sqs.Message{
		message("rh-1", `{"date":"2024-01-05"}`),
		message("rh-2", `{"studyId":"s","date":"yesterday"}`),
	}}
	runner := &fakeRunner{}
	p := NewPoller(queue, runner, newFakeLock(), PollerConfig{}, zap.NewNop())

	for i := 0; i < 2; i++ {
		if err := p.pollOnce(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if len(runner.requests) != 0 {
		t.Errorf("bad requests must not run, got %+v", runner.requests)
	}
	if len(queue.deleted) != 2 {
		t.Errorf("bad requests should be deleted, got %v", queue.deleted)
	}
}

func TestPoller_DuplicateDropped(t *testing.T) {
	queue := &fakeQueue{messages: []*sqs.Message{
		message("rh-1", validBody),
		message("rh-2", validBody),
	}}
	runner := &fakeRunner{}
	p := NewPoller(queue, runner, newFakeLock(), PollerConfig{}, zap.NewNop())

	_ = p.pollOnce(context.Background())
	_ = p.pollOnce(context.Background())

	if len(runner.requests) != 1 {
		t.Errorf("expected a single run, got %d", len(runner.requests))
	}
	if len(queue.deleted) != 2 {
		t.Errorf("duplicate should be deleted, got %v", queue.deleted)
	}
}

func TestPoller_RunFailureLeavesMessage(t *testing.T) {
	queue := &fakeQueue{messages: []*sqs.Message{message("rh-1", validBody)}}
	runner := &fakeRunner{err: errBoom}
	lock := newFakeLock()
	p := NewPoller(queue, runner, lock, PollerConfig{}, zap.NewNop())

	_ = p.pollOnce(context.Background())

	if len(queue.deleted) != 0 {
		t.Errorf("failed run must leave the message, got deletes %v", queue.deleted)
	}
	if len(lock.released) != 1 {
		t.Errorf("failed run should release the lock, got %v", lock.released)
	}
	if _, changed := queue.visibility["rh-1"]; changed {
		t.Error("visibility should only be reset on shutdown")
	}
}

func TestPoller_CancelledRunReturnsMessage(t *testing.T) {
	queue := &fakeQueue{messages: []*sqs.Message{message("rh-1", validBody)}}
	runner := &fakeRunner{err: context.Canceled}
	p := NewPoller(queue, runner, newFakeLock(), PollerConfig{}, zap.NewNop())

	_ = p.pollOnce(context.Background())

	if v, ok := queue.visibility["rh-1"]; !ok || v != 0 {
		t.Errorf("expected visibility reset to 0, got %v", queue.visibility)
	}
}

func TestPoller_LockErrorStillRuns(t *testing.T) {
	queue := &fakeQueue{messages: []*sqs.Message{message("rh-1", validBody)}}
	runner := &fakeRunner{}
	lock := newFakeLock()
	lock.err = errors.New("redis down")
	p := NewPoller(queue, runner, lock, PollerConfig{}, zap.NewNop())

	_ = p.pollOnce(context.Background())

	if len(runner.requests) != 1 {
		t.Errorf("expected run without lock, got %d runs", len(runner.requests))
	}
	if len(lock.done) != 0 {
		t.Error("lock should not be marked when it was never acquired")
	}
	if len(queue.deleted) != 1 {
		t.Errorf("expected message deleted, got %v", queue.deleted)
	}
}

func TestPoller_NilLock(t *testing.T) {
	queue := &fakeQueue{messages: []*sqs.Message{message("rh-1", validBody)}}
	runner := &fakeRunner{}
	p := NewPoller(queue, runner, nil, PollerConfig{}, zap.NewNop())

	_ = p.pollOnce(context.Background())

	if len(runner.requests) != 1 || len(queue.deleted) != 1 {
		t.Errorf("expected run and delete, got runs=%d deletes=%v", len(runner.requests), queue.deleted)
	}
}

func TestPoller_ReceiveError(t *testing.T) {
	queue := &fakeQueue{receiveErr: errBoom}
	p := NewPoller(queue, &fakeRunner{}, nil, PollerConfig{}, zap.NewNop())

	if err := p.pollOnce(context.Background()); !errors.Is(err, errBoom) {
		t.Fatalf("expected receive error, got %v", err)
	}
}

func TestPoller_StartStopsOnCancel(t *testing.T) {
	queue := &fakeQueue{receiveErr: errBoom}
	p := NewPoller(queue, &fakeRunner{}, nil, PollerConfig{ErrorBackoff: time.Millisecond}, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		p.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("poller did not stop after cancellation")
	}
}

// slowRunner blocks for d or until ctx is done.
type slowRunner struct {
	d time.Duration
}

func (r *slowRunner) Run(ctx context.Context, req sqs.Request) (*RunResult, error) {
	select {
	case <-time.After(r.d):
		return &RunResult{Complete: true}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestPoller_LongRunKeepsRequestHidden(t *testing.T) {
	queue := &fakeQueue{messages: []*sqs.Message{message("rh-1", validBody)}}
	lock := newFakeLock()
	p := NewPoller(queue, &slowRunner{d: 100 * time.Millisecond}, lock, PollerConfig{
		VisibilityTimeout: 15 * time.Minute,
		HeartbeatInterval: 10 * time.Millisecond,
	}, zap.NewNop())

	if err := p.pollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := queue.visibility["rh-1"]; got != 900 {
		t.Errorf("expected visibility extended to 900s, got %d", got)
	}
	if len(lock.extended) == 0 || lock.extended[0] != "study-1:2024-01-05:nightly" {
		t.Errorf("expected run lock extended, got %v", lock.extended)
	}
	if len(queue.deleted) != 1 {
		t.Errorf("expected message deleted after the run, got %v", queue.deleted)
	}
}

func TestPoller_HeartbeatSkipsLockWhenNotHeld(t *testing.T) {
	queue := &fakeQueue{messages: []*sqs.Message{message("rh-1", validBody)}}
	lock := newFakeLock()
	lock.err = errBoom
	p := NewPoller(queue, &slowRunner{d: 50 * time.Millisecond}, lock, PollerConfig{
		HeartbeatInterval: 5 * time.Millisecond,
	}, zap.NewNop())

	if err := p.pollOnce(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := queue.visibility["rh-1"]; got != 3600 {
		t.Errorf("expected default visibility 3600s, got %d", got)
	}
	if len(lock.extended) != 0 {
		t.Errorf("lock that was never acquired must not be extended, got %v", lock.extended)
	}
}

func TestNewPoller_HeartbeatDefaults(t *testing.T) {
	p := NewPoller(&fakeQueue{}, &fakeRunner{}, nil, PollerConfig{VisibilityTimeout: 30 * time.Minute}, zap.NewNop())
	if p.config.HeartbeatInterval != 10*time.Minute {
		t.Errorf("expected 10m heartbeat, got %s", p.config.HeartbeatInterval)
	}
}
