package registry

import (
	"sort"
	"time"

	"github.com/voicecore/orchestrator/pkg/models"
)

// latencyWindowSize bounds the sliding window used to approximate p95
// latency for the healthy<->degraded transition.
const latencyWindowSize = 20

const (
	softFailureWindow  = 30 * time.Second
	hardFailureWindow  = 30 * time.Second
	softFailureLimit   = 2
	hardFailureLimit   = 3
	healthySuccessGate = 3
)

// RecordHeartbeat applies an externally observed health reading. A
// probe success transitions unknown/unhealthy
// toward healthier states; it never demotes.
func (r *Registry) RecordHeartbeat(name string, observed models.HealthStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[name]
	if !ok {
		return
	}
	e.descriptor.LastSeen = time.Now()
	e.missedHeartbeats = 0

	switch {
	case observed == models.HealthHealthy && e.descriptor.Health == models.HealthUnknown:
		e.descriptor.Health = models.HealthHealthy
	case observed == models.HealthHealthy && e.descriptor.Health == models.HealthUnhealthy:
		e.descriptor.Health = models.HealthDegraded
	case observed != models.HealthHealthy && e.descriptor.Health == models.HealthUnknown:
		e.descriptor.Health = observed
	}
}

// RecordInvocationResult feeds an invocation outcome into the health
// machine and decrements in-flight. outcome distinguishes
// soft failures (service-error-equivalent) from hard failures (timeout,
// transport-error); success clears both streaks.
func (r *Registry) RecordInvocationResult(name, capability string, outcome Outcome, latency time.Duration) {
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
	now := time.Now()

	switch outcome {
	case OutcomeSuccess:
		e.consecutiveSoftFailures = 0
		e.consecutiveHardFailures = 0
		e.consecutiveSuccesses++
		e.recentLatencies = append(e.recentLatencies, latency)
		if len(e.recentLatencies) > latencyWindowSize {
			e.recentLatencies = e.recentLatencies[len(e.recentLatencies)-latencyWindowSize:]
		}
		if e.descriptor.Health == models.HealthUnknown {
			e.descriptor.Health = models.HealthHealthy
		}
		if e.descriptor.Health == models.HealthUnhealthy {
			e.descriptor.Health = models.HealthDegraded
		}
		threshold := r.latencyThreshold(capability)
		if e.descriptor.Health == models.HealthHealthy && p95(e.recentLatencies) > threshold {
			e.descriptor.Health = models.HealthDegraded
		} else if e.descriptor.Health == models.HealthDegraded && e.consecutiveSuccesses >= healthySuccessGate && latency < threshold {
			e.descriptor.Health = models.HealthHealthy
			e.consecutiveSuccesses = 0
		}
	case OutcomeSoftFailure:
		e.consecutiveSuccesses = 0
		if e.softFailureWindowStart.IsZero() || now.Sub(e.softFailureWindowStart) > softFailureWindow {
			e.softFailureWindowStart = now
			e.consecutiveSoftFailures = 0
		}
		e.consecutiveSoftFailures++
		if e.descriptor.Health == models.HealthHealthy && e.consecutiveSoftFailures >= softFailureLimit {
			e.descriptor.Health = models.HealthDegraded
		}
	case OutcomeHardFailure:
		e.consecutiveSuccesses = 0
		if e.hardFailureWindowStart.IsZero() || now.Sub(e.hardFailureWindowStart) > hardFailureWindow {
			e.hardFailureWindowStart = now
			e.consecutiveHardFailures = 0
		}
		e.consecutiveHardFailures++
		// healthy -> degraded one failure before the unhealthy gate,
		// degraded -> unhealthy at the gate: three consecutive hard
		// failures take a healthy service all the way down.
		if e.descriptor.Health == models.HealthHealthy && e.consecutiveHardFailures >= hardFailureLimit-1 {
			e.descriptor.Health = models.HealthDegraded
		}
		if e.descriptor.Health == models.HealthDegraded && e.consecutiveHardFailures >= hardFailureLimit {
			e.descriptor.Health = models.HealthUnhealthy
			e.unhealthySince = now
		}
	}
}

// p95 returns the 95th-percentile value of a small unsorted latency
// sample, used only as an approximation over the bounded window kept
// per service (not a true streaming quantile estimator).
func p95(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := (len(sorted) * 95) / 100
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Outcome classifies an invocation result for the health machine.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeSoftFailure
	OutcomeHardFailure
)

// MarkUnhealthy forces a service unhealthy with a logged reason.
func (r *Registry) MarkUnhealthy(name, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[name]
	if !ok {
		return
	}
	e.descriptor.Health = models.HealthUnhealthy
	e.unhealthySince = time.Now()
	r.logger.Warn("service marked unhealthy", map[string]interface{}{"service": name, "reason": reason})
}

// MarkHealthy forces a service healthy, clearing failure streaks.
func (r *Registry) MarkHealthy(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.services[name]
	if !ok {
		return
	}
	e.descriptor.Health = models.HealthHealthy
	e.consecutiveSoftFailures = 0
	e.consecutiveHardFailures = 0
	e.unhealthySince = time.Time{}
}

// Sweep applies time-based demotion (missed heartbeat) and eviction
// rules: last-seen age against 3x/5x heartbeat interval, and
// unhealthy-for-eviction-window removal. Intended to run once per
// heartbeat tick alongside the probe loop.
func (r *Registry) Sweep() (evicted []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for name, e := range r.services {
		age := now.Sub(e.descriptor.LastSeen)
		switch {
		case age >= 5*r.heartbeatInterval:
			switch e.descriptor.Health {
			case models.HealthDegraded:
				e.descriptor.Health = models.HealthUnhealthy
				e.unhealthySince = now
			case models.HealthHealthy:
				e.descriptor.Health = models.HealthDegraded
			}
		case age >= 3*r.heartbeatInterval:
			if e.descriptor.Health == models.HealthHealthy {
				e.descriptor.Health = models.HealthDegraded
			}
		}
		if e.descriptor.Health == models.HealthUnhealthy && !e.unhealthySince.IsZero() &&
			now.Sub(e.unhealthySince) >= r.evictionWindow {
			evicted = append(evicted, name)
		}
	}
	for _, name := range evicted {
		delete(r.services, name)
		r.bulkheads.Reset(name)
		r.metrics.IncrementCounter("registry_services_evicted", 1)
	}
	return evicted
}
