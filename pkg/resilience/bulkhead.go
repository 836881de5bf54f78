// Package resilience provides bulkhead-style resource isolation and
// token-bucket rate limiting for the Service Registry, Invoker, and
// Command Pipeline. The orchestrator's services already have upstream
// admission control in the pipeline, so the bulkhead rejects
// immediately instead of queuing a second time.
package resilience

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/voicecore/orchestrator/pkg/models"
	"github.com/voicecore/orchestrator/pkg/observability"
)

// Bulkhead caps the number of concurrent in-flight calls to a single
// downstream service.
type Bulkhead struct {
	name      string
	semaphore chan struct{}

	active atomic.Int64
	total  atomic.Int64
	reject atomic.Int64

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewBulkhead creates a bulkhead admitting at most maxConcurrent calls.
// maxConcurrent <= 0 is treated as unlimited: a service with no
// declared limit is never bulkhead-rejected.
func NewBulkhead(name string, maxConcurrent int, logger observability.Logger, metrics observability.MetricsClient) *Bulkhead {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	var sem chan struct{}
	if maxConcurrent > 0 {
		sem = make(chan struct{}, maxConcurrent)
	}
	return &Bulkhead{name: name, semaphore: sem, logger: logger, metrics: metrics}
}

// TryAcquire claims a slot without blocking, returning false when the
// service is already at MaxConcurrency. Callers that acquire must
// Release exactly once.
func (b *Bulkhead) TryAcquire() bool {
	b.total.Add(1)
	if b.semaphore != nil {
		select {
		case b.semaphore <- struct{}{}:
		default:
			b.reject.Add(1)
			b.metrics.IncrementCounterWithLabels("bulkhead_rejected_total", 1, map[string]string{"service": b.name})
			return false
		}
	}
	b.metrics.RecordGauge("bulkhead_active", float64(b.active.Add(1)), map[string]string{"service": b.name})
	return true
}

// Release returns a slot claimed by TryAcquire.
func (b *Bulkhead) Release() {
	if b.semaphore != nil {
		select {
		case <-b.semaphore:
		default:
		}
	}
	b.metrics.RecordGauge("bulkhead_active", float64(b.active.Add(-1)), map[string]string{"service": b.name})
}

// Execute runs fn while holding a bulkhead slot, rejecting immediately
// (ErrRejectedOverload) when the service is already at MaxConcurrency.
func (b *Bulkhead) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !b.TryAcquire() {
		return models.NewError(models.ErrRejectedOverload, "bulkhead full: "+b.name)
	}
	defer b.Release()
	return fn(ctx)
}

// Stats is a point-in-time snapshot for registry health reporting.
type Stats struct {
	Name     string
	Active   int64
	Total    int64
	Rejected int64
}

func (b *Bulkhead) Snapshot() Stats {
	return Stats{Name: b.name, Active: b.active.Load(), Total: b.total.Load(), Rejected: b.reject.Load()}
}

// Manager owns one Bulkhead per service name, created lazily;
// concurrency limits are per-ServiceDescriptor, discovered at
// registration time.
type Manager struct {
	mu        sync.RWMutex
	bulkheads map[string]*Bulkhead
	logger    observability.Logger
	metrics   observability.MetricsClient
}

func NewManager(logger observability.Logger, metrics observability.MetricsClient) *Manager {
	return &Manager{bulkheads: make(map[string]*Bulkhead), logger: logger, metrics: metrics}
}

// Get returns the bulkhead for name, creating it with maxConcurrent if
// this is the first reference. Later calls with a different
// maxConcurrent do not resize an existing bulkhead; call Reset first.
func (m *Manager) Get(name string, maxConcurrent int) *Bulkhead {
	m.mu.RLock()
	b, ok := m.bulkheads[name]
	m.mu.RUnlock()
	if ok {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.bulkheads[name]; ok {
		return b
	}
	b = NewBulkhead(name, maxConcurrent, m.logger, m.metrics)
	m.bulkheads[name] = b
	return b
}

// Reset drops the bulkhead for name so the next Get recreates it, used
// when a service's MaxConcurrency changes on re-registration.
func (m *Manager) Reset(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bulkheads, name)
}

func (m *Manager) SnapshotAll() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Stats, len(m.bulkheads))
	for name, b := range m.bulkheads {
		out[name] = b.Snapshot()
	}
	return out
}
