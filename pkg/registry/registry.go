// Package registry implements the Service Registry: a
// capability-indexed, health-checked directory of downstream services
// with a deterministic selection policy.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/voicecore/orchestrator/pkg/models"
	"github.com/voicecore/orchestrator/pkg/observability"
	"github.com/voicecore/orchestrator/pkg/resilience"
)

// Registry owns all ServiceDescriptor state.
type Registry struct {
	mu       sync.Mutex
	services map[string]*entry

	heartbeatInterval time.Duration
	evictionWindow    time.Duration
	latencyThreshold  func(capability string) time.Duration
	bulkheads         *resilience.Manager

	logger  observability.Logger
	metrics observability.MetricsClient
}

type entry struct {
	descriptor models.ServiceDescriptor
	// bulkhead enforces the descriptor's declared MaxConcurrency; the
	// descriptor's InFlight int mirrors it for sorting and snapshots.
	bulkhead *resilience.Bulkhead

	consecutiveSoftFailures int
	consecutiveHardFailures int
	consecutiveSuccesses    int
	softFailureWindowStart  time.Time
	hardFailureWindowStart  time.Time
	unhealthySince          time.Time
	missedHeartbeats        int
	recentLatencies         []time.Duration
}

// Options configures time-based thresholds.
type Options struct {
	HeartbeatInterval time.Duration
	EvictionWindow    time.Duration
	LatencyThreshold  func(capability string) time.Duration
}

func New(opts Options, logger observability.Logger, metrics observability.MetricsClient) *Registry {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.EvictionWindow <= 0 {
		opts.EvictionWindow = 10 * time.Minute
	}
	if opts.LatencyThreshold == nil {
		opts.LatencyThreshold = func(string) time.Duration { return 500 * time.Millisecond }
	}
	return &Registry{
		services:          make(map[string]*entry),
		heartbeatInterval: opts.HeartbeatInterval,
		evictionWindow:    opts.EvictionWindow,
		latencyThreshold:  opts.LatencyThreshold,
		bulkheads:         resilience.NewManager(logger, metrics),
		logger:            logger.WithPrefix("registry"),
		metrics:           metrics,
	}
}

// RegisterService adds or atomically replaces a service descriptor.
// Re-registration with the same name resets health to unknown only
// if the endpoint (host:port) changed; otherwise existing health state is
// preserved so a restart-induced heartbeat gap doesn't demote a healthy
// service needlessly.
func (r *Registry) RegisterService(d models.ServiceDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	d.LastSeen = time.Now()
	existing, ok := r.services[d.Name]
	if !ok {
		d.Health = models.HealthUnknown
		d.InFlight = 0
		r.services[d.Name] = &entry{descriptor: d, bulkhead: r.bulkheads.Get(d.Name, d.MaxConcurrency)}
		r.metrics.IncrementCounter("registry_services_registered", 1)
		return
	}
	if existing.descriptor.Host != d.Host || existing.descriptor.Port != d.Port {
		d.Health = models.HealthUnknown
		d.InFlight = 0
		r.bulkheads.Reset(d.Name)
		r.services[d.Name] = &entry{descriptor: d, bulkhead: r.bulkheads.Get(d.Name, d.MaxConcurrency)}
		return
	}
	if existing.descriptor.MaxConcurrency != d.MaxConcurrency {
		r.bulkheads.Reset(d.Name)
		existing.bulkhead = r.bulkheads.Get(d.Name, d.MaxConcurrency)
	}
	d.Health = existing.descriptor.Health
	d.InFlight = existing.descriptor.InFlight
	existing.descriptor = d
}

// UnregisterService removes a service immediately.
func (r *Registry) UnregisterService(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, name)
	r.bulkheads.Reset(name)
}

// ListServices returns a snapshot of every known descriptor.
func (r *Registry) ListServices() []models.ServiceDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ServiceDescriptor, 0, len(r.services))
	for _, e := range r.services {
		out = append(out, e.descriptor)
	}
	return out
}

// FindByCapability returns descriptors advertising tag, restricted to
// healthy/degraded, sorted by (health rank, in-flight, name)
// ascending.
func (r *Registry) FindByCapability(tag string) []models.ServiceDescriptor {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []models.ServiceDescriptor
	for _, e := range r.services {
		d := e.descriptor
		if d.Health != models.HealthHealthy && d.Health != models.HealthDegraded {
			continue
		}
		if !d.HasCapability(tag) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Health.Rank() != out[j].Health.Rank() {
			return out[i].Health.Rank() < out[j].Health.Rank()
		}
		if out[i].InFlight != out[j].InFlight {
			return out[i].InFlight < out[j].InFlight
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Select picks one eligible service for tag: health in {healthy,
// degraded} and in-flight < max concurrency, minimizing (in-flight,
// name). Returns no-service if nothing qualifies. On success the
// chosen service's in-flight count is
// incremented atomically before return.
func (r *Registry) Select(tag string) (models.ServiceDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []*entry
	for _, e := range r.services {
		d := e.descriptor
		if d.Health != models.HealthHealthy && d.Health != models.HealthDegraded {
			continue
		}
		if !d.HasCapability(tag) {
			continue
		}
		if d.MaxConcurrency > 0 && d.InFlight >= d.MaxConcurrency {
			continue
		}
		candidates = append(candidates, e)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].descriptor.InFlight != candidates[j].descriptor.InFlight {
			return candidates[i].descriptor.InFlight < candidates[j].descriptor.InFlight
		}
		return candidates[i].descriptor.Name < candidates[j].descriptor.Name
	})
	for _, chosen := range candidates {
		if chosen.bulkhead != nil && !chosen.bulkhead.TryAcquire() {
			continue
		}
		chosen.descriptor.InFlight++
		return chosen.descriptor, nil
	}
	return models.ServiceDescriptor{}, models.NewError(models.ErrNoService, "no eligible service for capability: "+tag)
}

// ReleaseInFlight returns the bulkhead slot claimed by Select and
// decrements the in-flight count, invoked on dispatch paths that bypass
// RecordInvocationResult.
func (r *Registry) ReleaseInFlight(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[name]
	if !ok {
		return
	}
	if e.descriptor.InFlight > 0 {
		e.descriptor.InFlight--
		if e.bulkhead != nil {
			e.bulkhead.Release()
		}
	}
}

// Snapshot returns the single descriptor for name, if known.
func (r *Registry) Snapshot(name string) (models.ServiceDescriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[name]
	if !ok {
		return models.ServiceDescriptor{}, false
	}
	return e.descriptor, true
}
