package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"fhirag/internal/config"
	"fhirag/internal/model"
	"fhirag/internal/obs"
)

func testQueueConfig(t *testing.T) config.QueueConfig {
	t.Helper()
	dir := t.TempDir()
	return config.QueueConfig{
		Capacity:        10,
		WorkerCount:     2,
		MaxRetries:      5,
		RetryBaseDelayS: 0, // overridden to milliseconds below via direct field assignment in tests that need speed
		RetryMaxDelayS:  1,
		DrainTimeoutS:   5,
		JournalPath:     filepath.Join(dir, "journal.db"),
	}
}

func submission(id string) model.ResourceSubmission {
	return model.ResourceSubmission{
		ResourceID:   id,
		ResourceType: "Observation",
		Content:      "text",
		ResourceJSON: `{"resourceType":"Observation"}`,
	}
}

func TestQueue_SuccessfulItemReachesDone(t *testing.T) {
	var calls atomic.Int32
	process := func(ctx context.Context, sub model.ResourceSubmission) error {
		calls.Add(1)
		return nil
	}
	q, err := New(testQueueConfig(t), process, obs.NewMockMetrics())
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.baseDelay = time.Millisecond
	q.maxDelay = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	if _, err := q.Enqueue(ctx, submission("r1"), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if calls.Load() == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected process called once, got %d", calls.Load())
	}

	if err := q.Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	dls, err := q.DeadLetters()
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dls) != 0 {
		t.Fatalf("expected no dead letters, got %d", len(dls))
	}
}

// TestQueue_RetryThenSucceed mirrors scenario S7: a worker encounters a
// retryable failure three times then succeeds, with no dead-letter record.
func TestQueue_RetryThenSucceed(t *testing.T) {
	var calls atomic.Int32
	process := func(ctx context.Context, sub model.ResourceSubmission) error {
		n := calls.Add(1)
		if n <= 3 {
			return model.Classify(model.ErrorClassRetryable, errors.New("transient store unavailable"))
		}
		return nil
	}
	q, err := New(testQueueConfig(t), process, obs.NewMockMetrics())
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.baseDelay = time.Millisecond
	q.maxDelay = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	if _, err := q.Enqueue(ctx, submission("r2"), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if calls.Load() == 4 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if calls.Load() != 4 {
		t.Fatalf("expected process called 4 times (3 failures + success), got %d", calls.Load())
	}

	if err := q.Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	dls, err := q.DeadLetters()
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dls) != 0 {
		t.Fatalf("expected no dead letters after eventual success, got %d", len(dls))
	}
}

// TestQueue_ExhaustsRetriesToDeadLetter mirrors scenario S8: every attempt
// fails retryably; after 5 attempts the item is dead-lettered as max_retries
// with retry_count=5.
func TestQueue_ExhaustsRetriesToDeadLetter(t *testing.T) {
	var calls atomic.Int32
	process := func(ctx context.Context, sub model.ResourceSubmission) error {
		calls.Add(1)
		return model.Classify(model.ErrorClassRetryable, errors.New("store down"))
	}
	q, err := New(testQueueConfig(t), process, obs.NewMockMetrics())
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	q.baseDelay = time.Millisecond
	q.maxDelay = 5 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	if _, err := q.Enqueue(ctx, submission("r3"), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var dls []model.DeadLetterRecord
	for time.Now().Before(deadline) {
		dls, err = q.DeadLetters()
		if err != nil {
			t.Fatalf("dead letters: %v", err)
		}
		if len(dls) == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(dls) != 1 {
		t.Fatalf("expected exactly one dead letter, got %d", len(dls))
	}
	if dls[0].ErrorClass != model.ErrorClassMaxRetries {
		t.Fatalf("expected class max_retries, got %s", dls[0].ErrorClass)
	}
	if dls[0].RetryCount != 5 {
		t.Fatalf("expected retry_count 5, got %d", dls[0].RetryCount)
	}
	if calls.Load() != 5 {
		t.Fatalf("expected 5 process attempts, got %d", calls.Load())
	}

	if err := q.Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestQueue_DuplicateIsTreatedAsDone(t *testing.T) {
	process := func(ctx context.Context, sub model.ResourceSubmission) error {
		return model.Classify(model.ErrorClassDuplicate, errors.New("unique violation"))
	}
	q, err := New(testQueueConfig(t), process, obs.NewMockMetrics())
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	if _, err := q.Enqueue(ctx, submission("r4"), 0); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		st := q.Stats()
		if st.Pending == 0 && st.InFlight == 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	dls, err := q.DeadLetters()
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dls) != 0 {
		t.Fatalf("duplicate should not be dead-lettered, got %d", len(dls))
	}
	if err := q.Shutdown(context.Background(), time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestQueue_RejectsWhenFullWithoutWait(t *testing.T) {
	block := make(chan struct{})
	process := func(ctx context.Context, sub model.ResourceSubmission) error {
		<-block
		return nil
	}
	cfg := testQueueConfig(t)
	cfg.Capacity = 1
	cfg.WorkerCount = 1
	q, err := New(cfg, process, obs.NewMockMetrics())
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	defer close(block)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)

	if _, err := q.Enqueue(ctx, submission("a"), 0); err != nil {
		t.Fatalf("first enqueue should succeed: %v", err)
	}
	// give the worker a moment to pick up item "a", freeing the admission slot
	time.Sleep(20 * time.Millisecond)
	if _, err := q.Enqueue(ctx, submission("b"), 0); err != nil {
		t.Fatalf("second enqueue should succeed: %v", err)
	}
	_, err = q.Enqueue(ctx, submission("c"), 0)
	if err == nil {
		t.Fatalf("expected queue_full rejection")
	}
	if model.ClassOf(err) != model.ErrorClassQueueFull {
		t.Fatalf("expected queue_full class, got %s", model.ClassOf(err))
	}
}

func TestOpenJournal_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "j.db")
	j, err := openJournal(path)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	defer j.close()
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected journal file to exist: %v", err)
	}
}

func TestBackoffDelay_GrowsExponentiallyAndCaps(t *testing.T) {
	base := 1 * time.Second
	capD := 60 * time.Second
	if got := backoffDelay(1, base, capD); got != 2*time.Second {
		t.Fatalf("attempt 1: expected 2s, got %v", got)
	}
	if got := backoffDelay(3, base, capD); got != 8*time.Second {
		t.Fatalf("attempt 3: expected 8s, got %v", got)
	}
	if got := backoffDelay(10, base, capD); got != capD {
		t.Fatalf("attempt 10: expected cap %v, got %v", capD, got)
	}
}
