// Package ingest implements the Ingestion API (C7): validate a resource
// submission and hand it to the queue without awaiting processing.
package ingest

import (
	"context"
	"time"

	"fhirag/internal/model"
	"fhirag/internal/obs"
)

// Enqueuer is the minimal capability the ingestion service needs from the
// queue, kept narrow so tests can substitute a fake.
type Enqueuer interface {
	Enqueue(ctx context.Context, sub model.ResourceSubmission, admitWait time.Duration) (string, error)
}

// Service is the C7 Ingestion API.
type Service struct {
	queue     Enqueuer
	admitWait time.Duration
	metrics   obs.Metrics
}

// New constructs a Service. admitWait is the bounded backpressure wait
// (default 0, i.e. reject immediately under load).
func New(queue Enqueuer, admitWait time.Duration, metrics obs.Metrics) *Service {
	if metrics == nil {
		metrics = obs.NoopMetrics{}
	}
	return &Service{queue: queue, admitWait: admitWait, metrics: metrics}
}

// Outcome is the immediate, synchronous result of Submit.
type Outcome struct {
	Accepted bool
	ItemID   string
	Reason   string
}

// Submit validates sub and, if valid, hands it to the queue. It never
// blocks on processing: the caller is acknowledged as soon as the item is
// durably enqueued (or rejected).
func (s *Service) Submit(ctx context.Context, sub model.ResourceSubmission) (Outcome, error) {
	if err := sub.Validate(); err != nil {
		s.metrics.IncCounter(obs.MetricIngestRejected, map[string]string{"reason": "validation"})
		return Outcome{Accepted: false, Reason: err.Error()}, err
	}

	id, err := s.queue.Enqueue(ctx, sub, s.admitWait)
	if err != nil {
		s.metrics.IncCounter(obs.MetricIngestRejected, map[string]string{"reason": string(model.ClassOf(err))})
		return Outcome{Accepted: false, Reason: err.Error()}, err
	}

	s.metrics.IncCounter(obs.MetricIngestAccepted, nil)
	return Outcome{Accepted: true, ItemID: id}, nil
}
