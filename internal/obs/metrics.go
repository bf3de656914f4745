// Package obs provides the ambient observability stack: an OpenTelemetry
// metrics adapter and zerolog-based logging setup shared by every component.
package obs

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics is the narrow interface every component depends on, so tests can
// substitute NoopMetrics or MockMetrics without touching the OTel SDK.
type Metrics interface {
	IncCounter(name string, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
}

// Named instruments recorded across ingestion and retrieval, collected here
// so call sites share one vocabulary instead of scattering string literals.
const (
	MetricQueueItemEnqueued    = "queue_item_enqueued"
	MetricQueueRejectedFull    = "queue_rejected_full"
	MetricQueueItemDone        = "queue_item_done"
	MetricQueueItemDeadLetter  = "queue_item_dead_letter"
	MetricIngestChunkCount     = "ingest_chunk_count"
	MetricIngestPipelineMS     = "ingest_pipeline_ms"
	MetricIngestRejected       = "ingest_rejected"
	MetricIngestAccepted       = "ingest_accepted"
	MetricRerankDegraded       = "rerank_degraded"
	MetricStoreDuplicateUpsert = "store_duplicate_upsert"
)

// instrumentUnits carries the unit of measure for instruments where it isn't
// the implicit "1" (a count); applied once, at instrument creation.
var instrumentUnits = map[string]string{
	MetricIngestPipelineMS: "ms",
}

// instrumentCache lazily creates and caches an OTel instrument of type T by
// name behind a read-mostly lock. One generic cache replaces what would
// otherwise be near-identical counter and histogram bookkeeping.
type instrumentCache[T any] struct {
	mu     sync.RWMutex
	byName map[string]T
	create func(name string) (T, error)
}

func newInstrumentCache[T any](create func(name string) (T, error)) *instrumentCache[T] {
	return &instrumentCache[T]{byName: make(map[string]T), create: create}
}

func (c *instrumentCache[T]) get(name string) (T, bool) {
	c.mu.RLock()
	v, ok := c.byName[name]
	c.mu.RUnlock()
	if ok {
		return v, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok = c.byName[name]; ok {
		return v, true
	}
	v, err := c.create(name)
	if err != nil {
		var zero T
		return zero, false
	}
	c.byName[name] = v
	return v, true
}

// OtelMetrics adapts the global OpenTelemetry meter provider to Metrics,
// caching instruments by name behind a read-mostly lock.
type OtelMetrics struct {
	meter      metric.Meter
	counters   *instrumentCache[metric.Int64Counter]
	histograms *instrumentCache[metric.Float64Histogram]
}

// NewOtelMetrics constructs an OtelMetrics using the global meter provider
// under the "fhirag" instrumentation name. Instruments named in
// instrumentUnits are created with their documented unit of measure.
func NewOtelMetrics() *OtelMetrics {
	meter := otel.Meter("fhirag")
	return &OtelMetrics{
		meter: meter,
		counters: newInstrumentCache(func(name string) (metric.Int64Counter, error) {
			if unit, ok := instrumentUnits[name]; ok {
				return meter.Int64Counter(name, metric.WithUnit(unit))
			}
			return meter.Int64Counter(name)
		}),
		histograms: newInstrumentCache(func(name string) (metric.Float64Histogram, error) {
			if unit, ok := instrumentUnits[name]; ok {
				return meter.Float64Histogram(name, metric.WithUnit(unit))
			}
			return meter.Float64Histogram(name)
		}),
	}
}

func (o *OtelMetrics) IncCounter(name string, labels map[string]string) {
	if o == nil {
		return
	}
	c, ok := o.counters.get(name)
	if !ok {
		return
	}
	c.Add(context.Background(), 1, metric.WithAttributes(toAttrs(labels)...))
}

func (o *OtelMetrics) ObserveHistogram(name string, value float64, labels map[string]string) {
	if o == nil {
		return
	}
	h, ok := o.histograms.get(name)
	if !ok {
		return
	}
	h.Record(context.Background(), value, metric.WithAttributes(toAttrs(labels)...))
}

func toAttrs(labels map[string]string) []attribute.KeyValue {
	if len(labels) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		out = append(out, attribute.String(k, v))
	}
	return out
}

// NoopMetrics discards everything; the zero value is ready to use.
type NoopMetrics struct{}

func (NoopMetrics) IncCounter(string, map[string]string)                {}
func (NoopMetrics) ObserveHistogram(string, float64, map[string]string) {}

// MockMetrics is an in-memory sink for tests.
type MockMetrics struct {
	mu       sync.Mutex
	Counters map[string]int
	Hists    map[string][]float64
}

func NewMockMetrics() *MockMetrics {
	return &MockMetrics{Counters: map[string]int{}, Hists: map[string][]float64{}}
}

func (m *MockMetrics) IncCounter(name string, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Counters[name]++
}

func (m *MockMetrics) ObserveHistogram(name string, value float64, _ map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Hists[name] = append(m.Hists[name], value)
}

func (m *MockMetrics) Count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Counters[name]
}
