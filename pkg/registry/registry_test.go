package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicecore/orchestrator/pkg/models"
)

func newTestRegistry() *Registry {
	return New(Options{HeartbeatInterval: time.Second, EvictionWindow: time.Minute}, nil, nil)
}

func TestSelectEligibleByHealthAndInFlight(t *testing.T) {
	r := newTestRegistry()
	r.RegisterService(models.ServiceDescriptor{Name: "a", Capabilities: []string{"music"}, MaxConcurrency: 1})
	r.RegisterService(models.ServiceDescriptor{Name: "b", Capabilities: []string{"music"}, MaxConcurrency: 1})
	r.MarkHealthy("a")
	r.MarkHealthy("b")

	chosen, err := r.Select("music")
	require.NoError(t, err)
	assert.Equal(t, "a", chosen.Name) // lexicographically first among equal in-flight
}

func TestSelectReturnsNoServiceWhenNoneEligible(t *testing.T) {
	r := newTestRegistry()
	r.RegisterService(models.ServiceDescriptor{Name: "a", Capabilities: []string{"music"}})
	// left at initial "unknown" health: not eligible

	_, err := r.Select("music")
	require.Error(t, err)
	assert.Equal(t, models.ErrNoService, models.KindOf(err))
}

func TestUnhealthyServiceNeverSelected(t *testing.T) {
	r := newTestRegistry()
	r.RegisterService(models.ServiceDescriptor{Name: "a", Capabilities: []string{"music"}, MaxConcurrency: 5})
	r.MarkHealthy("a")
	r.MarkUnhealthy("a", "test")

	found := r.FindByCapability("music")
	assert.Empty(t, found)
}

func TestMaxConcurrencyEnforced(t *testing.T) {
	r := newTestRegistry()
	r.RegisterService(models.ServiceDescriptor{Name: "a", Capabilities: []string{"music"}, MaxConcurrency: 1})
	r.MarkHealthy("a")

	_, err := r.Select("music")
	require.NoError(t, err)

	_, err = r.Select("music")
	require.Error(t, err)
	assert.Equal(t, models.ErrNoService, models.KindOf(err))
}

func TestHealthDegradesOnConsecutiveSoftFailures(t *testing.T) {
	r := newTestRegistry()
	r.RegisterService(models.ServiceDescriptor{Name: "a", Capabilities: []string{"music"}, MaxConcurrency: 5})
	r.MarkHealthy("a")

	r.RecordInvocationResult("a", "music", OutcomeSoftFailure, 10*time.Millisecond)
	d, _ := r.Snapshot("a")
	assert.Equal(t, models.HealthHealthy, d.Health)

	r.RecordInvocationResult("a", "music", OutcomeSoftFailure, 10*time.Millisecond)
	d, _ = r.Snapshot("a")
	assert.Equal(t, models.HealthDegraded, d.Health)
}

func TestHealthCascadesOnConsecutiveHardFailures(t *testing.T) {
	r := newTestRegistry()
	r.RegisterService(models.ServiceDescriptor{Name: "a", Capabilities: []string{"music"}, MaxConcurrency: 5})
	r.MarkHealthy("a")

	r.RecordInvocationResult("a", "music", OutcomeHardFailure, 10*time.Millisecond)
	d, _ := r.Snapshot("a")
	assert.Equal(t, models.HealthHealthy, d.Health)

	r.RecordInvocationResult("a", "music", OutcomeHardFailure, 10*time.Millisecond)
	d, _ = r.Snapshot("a")
	assert.Equal(t, models.HealthDegraded, d.Health)

	r.RecordInvocationResult("a", "music", OutcomeHardFailure, 10*time.Millisecond)
	d, _ = r.Snapshot("a")
	assert.Equal(t, models.HealthUnhealthy, d.Health)

	// The only candidate is now unhealthy: routing must fail over to
	// no-service rather than keep selecting it.
	assert.Empty(t, r.FindByCapability("music"))
	_, err := r.Select("music")
	require.Error(t, err)
	assert.Equal(t, models.ErrNoService, models.KindOf(err))
}

func TestSelectReleaseRoundTripKeepsInFlightZero(t *testing.T) {
	r := newTestRegistry()
	r.RegisterService(models.ServiceDescriptor{Name: "a", Capabilities: []string{"music"}, MaxConcurrency: 1})
	r.MarkHealthy("a")

	chosen, err := r.Select("music")
	require.NoError(t, err)
	r.ReleaseInFlight(chosen.Name)

	d, _ := r.Snapshot("a")
	assert.Equal(t, 0, d.InFlight)

	// The bulkhead slot freed with the count: the service is selectable again.
	_, err = r.Select("music")
	require.NoError(t, err)
}

func TestHealthEvictsAfterSustainedUnhealthy(t *testing.T) {
	r := New(Options{HeartbeatInterval: time.Millisecond, EvictionWindow: time.Millisecond}, nil, nil)
	r.RegisterService(models.ServiceDescriptor{Name: "a", Capabilities: []string{"music"}})
	r.MarkUnhealthy("a", "test")
	time.Sleep(5 * time.Millisecond)

	evicted := r.Sweep()
	assert.Contains(t, evicted, "a")

	_, ok := r.Snapshot("a")
	assert.False(t, ok)
}

func TestSweepDemotesOnMissedHeartbeats(t *testing.T) {
	r := New(Options{HeartbeatInterval: time.Millisecond, EvictionWindow: time.Minute}, nil, nil)
	r.RegisterService(models.ServiceDescriptor{Name: "a", Capabilities: []string{"music"}})
	r.MarkHealthy("a")

	time.Sleep(6 * time.Millisecond) // last-seen age past 5x interval
	r.Sweep()
	d, _ := r.Snapshot("a")
	assert.Equal(t, models.HealthDegraded, d.Health)

	r.Sweep()
	d, _ = r.Snapshot("a")
	assert.Equal(t, models.HealthUnhealthy, d.Health)
}

func TestRecordHeartbeatPromotesUnknown(t *testing.T) {
	r := newTestRegistry()
	r.RegisterService(models.ServiceDescriptor{Name: "a", Capabilities: []string{"music"}})

	r.RecordHeartbeat("a", models.HealthHealthy)
	d, _ := r.Snapshot("a")
	assert.Equal(t, models.HealthHealthy, d.Health)
}

func TestReRegisterSameEndpointPreservesHealth(t *testing.T) {
	r := newTestRegistry()
	r.RegisterService(models.ServiceDescriptor{Name: "a", Host: "h", Port: 1, Capabilities: []string{"music"}})
	r.MarkHealthy("a")

	r.RegisterService(models.ServiceDescriptor{Name: "a", Host: "h", Port: 1, Capabilities: []string{"music"}})
	d, _ := r.Snapshot("a")
	assert.Equal(t, models.HealthHealthy, d.Health)
}
