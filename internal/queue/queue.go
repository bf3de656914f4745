// Package queue implements the Ingestion Queue (C6): a bounded FIFO work
// queue backed by a disk-journaled work-item log, processed by a pool of
// workers with classified-error retry and a dead-letter sink.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fhirag/internal/config"
	"fhirag/internal/model"
	"fhirag/internal/obs"
)

// ItemState is one state of the work-item state machine:
//
//	pending -> in_flight -> (done | retry_scheduled | dead_letter)
//	retry_scheduled -> pending (after backoff elapses)
type ItemState string

const (
	StatePending        ItemState = "pending"
	StateInFlight       ItemState = "in_flight"
	StateRetryScheduled ItemState = "retry_scheduled"
	StateDone           ItemState = "done"
	StateDeadLetter     ItemState = "dead_letter"
)

// Item is one unit of queued work: a submission plus its retry bookkeeping.
type Item struct {
	ID         string                    `json:"id"`
	Submission model.ResourceSubmission `json:"submission"`
	State      ItemState                `json:"state"`
	Attempt    int                       `json:"attempt"`
	LastError  string                    `json:"lastError,omitempty"`
	LastClass  model.ErrorClass          `json:"lastClass,omitempty"`
	FirstSeen  time.Time                 `json:"firstSeen"`
	LastSeen   time.Time                 `json:"lastSeen"`
}

// ProcessFunc runs the per-item pipeline (chunk, embed, store) for a
// submission. Its returned error, if any, must be a *model.ClassifiedError
// (or wrap one) so the queue can apply the retry policy correctly.
type ProcessFunc func(ctx context.Context, sub model.ResourceSubmission) error

// ErrQueueFull is returned by Enqueue when admission is refused under
// backpressure.
var ErrQueueFull = errors.New("queue is full")

// Stats mirrors GET /stats/queue.
type Stats struct {
	Pending         int64 `json:"pending"`
	InFlight        int64 `json:"in_flight"`
	RetryScheduled  int64 `json:"retry_scheduled"`
	DeadLetterCount int64 `json:"dead_letter_count"`
}

// Queue is the C6 Ingestion Queue.
type Queue struct {
	cfg     config.QueueConfig
	process ProcessFunc
	metrics obs.Metrics
	journal *journal

	admitCh   chan *Item
	accepting atomic.Bool

	pendingCount        atomic.Int64
	inFlightCount       atomic.Int64
	retryScheduledCount atomic.Int64
	deadLetterCount     atomic.Int64

	baseDelay time.Duration
	maxDelay  time.Duration

	wg         sync.WaitGroup
	retryTimers sync.WaitGroup
	shutdownCh chan struct{}
	closeOnce  sync.Once
}

// New constructs a Queue, opens its journal, and reloads every previously
// journaled pending or retry_scheduled item (including items that were
// in_flight at the last stop, which the journal resets to pending) into
// the admission channel. Call Start to begin processing.
func New(cfg config.QueueConfig, process ProcessFunc, metrics obs.Metrics) (*Queue, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 2
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if metrics == nil {
		metrics = obs.NoopMetrics{}
	}

	j, err := openJournal(cfg.JournalPath)
	if err != nil {
		return nil, err
	}

	q := &Queue{
		cfg:        cfg,
		process:    process,
		metrics:    metrics,
		journal:    j,
		admitCh:    make(chan *Item, cfg.Capacity),
		baseDelay:  time.Duration(cfg.RetryBaseDelayS) * time.Second,
		maxDelay:   time.Duration(cfg.RetryMaxDelayS) * time.Second,
		shutdownCh: make(chan struct{}),
	}
	if q.baseDelay <= 0 {
		q.baseDelay = time.Second
	}
	if q.maxDelay <= 0 {
		q.maxDelay = 60 * time.Second
	}

	items, err := j.loadItems()
	if err != nil {
		j.close()
		return nil, fmt.Errorf("reload journal: %w", err)
	}
	dl, err := j.countDeadLetters()
	if err != nil {
		j.close()
		return nil, fmt.Errorf("count dead letters: %w", err)
	}
	q.deadLetterCount.Store(int64(dl))

	for _, item := range items {
		switch item.State {
		case StatePending, StateRetryScheduled:
			item.State = StatePending
			q.pendingCount.Add(1)
			select {
			case q.admitCh <- item:
			default:
				log.Warn().Str("item_id", item.ID).Msg("journal reload exceeded admission capacity")
			}
		}
	}

	return q, nil
}

// Start launches the worker pool. Workers run until Shutdown is called.
func (q *Queue) Start(ctx context.Context) {
	q.accepting.Store(true)
	for i := 0; i < q.cfg.WorkerCount; i++ {
		q.wg.Add(1)
		go q.runWorker(ctx)
	}
}

func (q *Queue) runWorker(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case item, ok := <-q.admitCh:
			if !ok {
				return
			}
			q.pendingCount.Add(-1)
			q.processItem(ctx, item)
		case <-q.shutdownCh:
			return
		}
	}
}

// Enqueue journals and admits a new submission. It returns ErrQueueFull
// (classified model.ErrorClassQueueFull) when the queue is at capacity and
// no bounded wait is configured, or the wait elapses.
func (q *Queue) Enqueue(ctx context.Context, sub model.ResourceSubmission, admitWait time.Duration) (string, error) {
	if !q.accepting.Load() {
		return "", model.Classify(model.ErrorClassQueueFull, errors.New("queue is shutting down"))
	}
	now := time.Now()
	item := &Item{
		ID:         uuid.NewString(),
		Submission: sub,
		State:      StatePending,
		FirstSeen:  now,
		LastSeen:   now,
	}
	if err := q.journal.putItem(item); err != nil {
		return "", model.Classify(model.ErrorClassFatal, err)
	}

	select {
	case q.admitCh <- item:
		q.pendingCount.Add(1)
		q.metrics.IncCounter(obs.MetricQueueItemEnqueued, nil)
		return item.ID, nil
	default:
	}

	if admitWait <= 0 {
		_ = q.journal.deleteItem(item.ID)
		q.metrics.IncCounter(obs.MetricQueueRejectedFull, nil)
		return "", model.Classify(model.ErrorClassQueueFull, ErrQueueFull)
	}

	waitCtx, cancel := context.WithTimeout(ctx, admitWait)
	defer cancel()
	select {
	case q.admitCh <- item:
		q.pendingCount.Add(1)
		q.metrics.IncCounter(obs.MetricQueueItemEnqueued, nil)
		return item.ID, nil
	case <-waitCtx.Done():
		_ = q.journal.deleteItem(item.ID)
		q.metrics.IncCounter(obs.MetricQueueRejectedFull, nil)
		return "", model.Classify(model.ErrorClassQueueFull, ErrQueueFull)
	}
}

func (q *Queue) processItem(ctx context.Context, item *Item) {
	item.State = StateInFlight
	q.inFlightCount.Add(1)
	_ = q.journal.putItem(item)

	err := q.process(ctx, item.Submission)
	q.inFlightCount.Add(-1)

	if err == nil {
		q.finishDone(item)
		return
	}

	class := model.ClassOf(err)
	item.LastError = err.Error()
	item.LastClass = class
	item.LastSeen = time.Now()

	switch class {
	case model.ErrorClassDuplicate:
		log.Info().Str("item_id", item.ID).Str("resource_id", item.Submission.ResourceID).
			Msg("duplicate chunk write treated as success")
		q.finishDone(item)
	case model.ErrorClassRetryable:
		item.Attempt++
		if item.Attempt >= q.cfg.MaxRetries {
			item.LastClass = model.ErrorClassMaxRetries
			q.deadLetter(item)
			return
		}
		item.State = StateRetryScheduled
		_ = q.journal.putItem(item)
		q.retryScheduledCount.Add(1)
		delay := backoffDelay(item.Attempt, q.baseDelay, q.maxDelay)
		q.scheduleRetry(ctx, item, delay)
	default: // validation, fatal
		q.deadLetter(item)
	}
}

func (q *Queue) finishDone(item *Item) {
	_ = q.journal.deleteItem(item.ID)
	q.metrics.IncCounter(obs.MetricQueueItemDone, nil)
}

func (q *Queue) deadLetter(item *Item) {
	rec := model.DeadLetterRecord{
		ChunkID:      item.ID,
		ResourceID:   item.Submission.ResourceID,
		ErrorClass:   item.LastClass,
		ErrorMessage: item.LastError,
		RetryCount:   item.Attempt,
		FirstSeen:    item.FirstSeen,
		LastSeen:     item.LastSeen,
		Metadata: map[string]any{
			"resourceType": item.Submission.ResourceType,
		},
	}
	if err := q.journal.putDeadLetter(rec); err != nil {
		log.Error().Err(err).Str("item_id", item.ID).Msg("failed to write dead letter record")
	}
	_ = q.journal.deleteItem(item.ID)
	q.deadLetterCount.Add(1)
	q.metrics.IncCounter(obs.MetricQueueItemDeadLetter, map[string]string{"class": string(item.LastClass)})
	log.Warn().Str("item_id", item.ID).Str("class", string(item.LastClass)).
		Int("retry_count", item.Attempt).Msg("item dead-lettered")
}

// scheduleRetry requeues item after delay, unless the queue has since
// stopped accepting admissions (shutdown in progress); the item then stays
// retry_scheduled in the journal and is reloaded on the next start.
func (q *Queue) scheduleRetry(ctx context.Context, item *Item, delay time.Duration) {
	q.retryTimers.Add(1)
	go func() {
		defer q.retryTimers.Done()
		select {
		case <-time.After(delay):
		case <-q.shutdownCh:
			return
		case <-ctx.Done():
			return
		}
		q.retryScheduledCount.Add(-1)
		item.State = StatePending
		_ = q.journal.putItem(item)
		if !q.accepting.Load() {
			return
		}
		select {
		case q.admitCh <- item:
			q.pendingCount.Add(1)
		case <-q.shutdownCh:
		}
	}()
}

// backoffDelay implements delay = min(base * 2^attempt, cap).
func backoffDelay(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	shift := attempt
	if shift > 20 {
		shift = 20
	}
	d := base * time.Duration(uint64(1)<<uint(shift))
	if d <= 0 || d > maxDelay {
		return maxDelay
	}
	return d
}

// Shutdown stops admission, waits for in-flight workers up to drainTimeout,
// then flushes and closes the journal. Undrained items remain journaled as
// pending for the next run.
func (q *Queue) Shutdown(ctx context.Context, drainTimeout time.Duration) error {
	var shutdownErr error
	q.closeOnce.Do(func() {
		q.accepting.Store(false)
		close(q.shutdownCh)

		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			q.retryTimers.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(drainTimeout):
			log.Warn().Msg("queue shutdown drain timeout elapsed; abandoning in-flight workers")
		case <-ctx.Done():
		}

		shutdownErr = q.journal.close()
	})
	return shutdownErr
}

// Stats reports the current queue state for GET /stats/queue.
func (q *Queue) Stats() Stats {
	return Stats{
		Pending:         q.pendingCount.Load(),
		InFlight:        q.inFlightCount.Load(),
		RetryScheduled:  q.retryScheduledCount.Load(),
		DeadLetterCount: q.deadLetterCount.Load(),
	}
}

// DeadLetters returns every dead-letter record currently journaled.
func (q *Queue) DeadLetters() ([]model.DeadLetterRecord, error) {
	return q.journal.listDeadLetters()
}
