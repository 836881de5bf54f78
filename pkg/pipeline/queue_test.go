package pipeline

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicecore/orchestrator/pkg/models"
)

func req(id string, prio models.Priority) *models.CommandRequest {
	return &models.CommandRequest{ID: id, Priority: prio}
}

func TestQueuePriorityOrdering(t *testing.T) {
	q := NewAdmissionQueue(16)

	accepted, _ := q.Enqueue(req("low", models.PriorityLow))
	require.True(t, accepted)
	accepted, _ = q.Enqueue(req("critical", models.PriorityCritical))
	require.True(t, accepted)
	accepted, _ = q.Enqueue(req("normal", models.PriorityNormal))
	require.True(t, accepted)
	accepted, _ = q.Enqueue(req("high", models.PriorityHigh))
	require.True(t, accepted)

	var order []string
	for i := 0; i < 4; i++ {
		r, ok := q.Dequeue()
		require.True(t, ok)
		order = append(order, r.ID)
	}
	assert.Equal(t, []string{"critical", "high", "normal", "low"}, order)
}

func TestQueueFIFOWithinBand(t *testing.T) {
	q := NewAdmissionQueue(16)
	for i := 0; i < 5; i++ {
		accepted, _ := q.Enqueue(req("n"+strconv.Itoa(i), models.PriorityNormal))
		require.True(t, accepted)
	}
	for i := 0; i < 5; i++ {
		r, ok := q.Dequeue()
		require.True(t, ok)
		assert.Equal(t, "n"+strconv.Itoa(i), r.ID)
	}
}

func TestQueueFullRejectsNormalAndLow(t *testing.T) {
	q := NewAdmissionQueue(2)
	q.Enqueue(req("a", models.PriorityNormal))
	q.Enqueue(req("b", models.PriorityNormal))

	accepted, displaced := q.Enqueue(req("c", models.PriorityNormal))
	assert.False(t, accepted)
	assert.Nil(t, displaced)

	accepted, displaced = q.Enqueue(req("d", models.PriorityLow))
	assert.False(t, accepted)
	assert.Nil(t, displaced)
}

func TestQueueFullCriticalDisplacesOldestLow(t *testing.T) {
	q := NewAdmissionQueue(3)
	q.Enqueue(req("low1", models.PriorityLow))
	q.Enqueue(req("low2", models.PriorityLow))
	q.Enqueue(req("normal", models.PriorityNormal))

	accepted, displaced := q.Enqueue(req("crit", models.PriorityCritical))
	require.True(t, accepted)
	require.NotNil(t, displaced)
	assert.Equal(t, "low1", displaced.ID)

	r, _ := q.Dequeue()
	assert.Equal(t, "crit", r.ID)
}

func TestQueueFullHighWithoutLowVictimRejected(t *testing.T) {
	q := NewAdmissionQueue(2)
	q.Enqueue(req("a", models.PriorityNormal))
	q.Enqueue(req("b", models.PriorityNormal))

	accepted, displaced := q.Enqueue(req("h", models.PriorityHigh))
	assert.False(t, accepted)
	assert.Nil(t, displaced)
}

func TestQueueCloseWakesDequeue(t *testing.T) {
	q := NewAdmissionQueue(4)
	done := make(chan bool)
	go func() {
		_, ok := q.Dequeue()
		done <- ok
	}()
	q.Close()
	assert.False(t, <-done)
}

func TestQueueDrainAll(t *testing.T) {
	q := NewAdmissionQueue(8)
	q.Enqueue(req("a", models.PriorityNormal))
	q.Enqueue(req("b", models.PriorityLow))

	drained := q.DrainAll()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, q.Len())
}
