package dispatch

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicecore/orchestrator/pkg/models"
)

type fakeAdapter struct {
	tag models.InterfaceTag

	mu        sync.Mutex
	delivered []models.CommandResult
	available bool
}

func (a *fakeAdapter) Tag() models.InterfaceTag         { return a.tag }
func (a *fakeAdapter) Start(ctx context.Context) error  { return nil }
func (a *fakeAdapter) Stop(ctx context.Context) error   { return nil }

func (a *fakeAdapter) Deliver(r models.CommandResult) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.available {
		return errors.New("adapter offline")
	}
	a.delivered = append(a.delivered, r)
	return nil
}

func (a *fakeAdapter) results() []models.CommandResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.CommandResult(nil), a.delivered...)
}

type fakePipeline struct {
	mu        sync.Mutex
	submitted []*models.CommandRequest
}

func (p *fakePipeline) Submit(req *models.CommandRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, req)
	return nil
}

func TestSubmitUnknownAdapterRejected(t *testing.T) {
	d := New(&fakePipeline{}, 4, nil, nil)

	err := d.Submit(&models.CommandRequest{Interface: models.InterfaceVoice, Text: "hello"})
	require.Error(t, err)
	assert.Equal(t, models.ErrAdapterUnknown, models.KindOf(err))
}

func TestSubmitAssignsRequestIDAndDefaults(t *testing.T) {
	pipe := &fakePipeline{}
	d := New(pipe, 4, nil, nil)
	d.RegisterAdapter(&fakeAdapter{tag: models.InterfaceText, available: true})

	err := d.Submit(&models.CommandRequest{Interface: models.InterfaceText, Text: "play jazz"})
	require.NoError(t, err)

	require.Len(t, pipe.submitted, 1)
	req := pipe.submitted[0]
	assert.NotEmpty(t, req.ID)
	assert.False(t, req.SubmittedAt.IsZero())
	assert.Equal(t, models.PriorityNormal, req.Priority)
}

func TestDeliverRoutesToMatchingAdapter(t *testing.T) {
	d := New(&fakePipeline{}, 4, nil, nil)
	text := &fakeAdapter{tag: models.InterfaceText, available: true}
	voice := &fakeAdapter{tag: models.InterfaceVoice, available: true}
	d.RegisterAdapter(text)
	d.RegisterAdapter(voice)

	d.Deliver(models.CommandResult{RequestID: "r1", Interface: models.InterfaceVoice})

	assert.Empty(t, text.results())
	require.Len(t, voice.results(), 1)
	assert.Equal(t, "r1", voice.results()[0].RequestID)
}

func TestUnavailableAdapterBuffersAndFlushesOnRegister(t *testing.T) {
	d := New(&fakePipeline{}, 4, nil, nil)
	a := &fakeAdapter{tag: models.InterfaceWeb, available: false}
	d.RegisterAdapter(a)

	d.Deliver(models.CommandResult{RequestID: "r1", Interface: models.InterfaceWeb})
	assert.Empty(t, a.results())

	a.mu.Lock()
	a.available = true
	a.mu.Unlock()
	d.RegisterAdapter(a) // re-registration flushes the buffer

	require.Len(t, a.results(), 1)
	assert.Equal(t, "r1", a.results()[0].RequestID)
}

func TestBufferOverflowDiscardsOldestFirst(t *testing.T) {
	const depth = 4
	d := New(&fakePipeline{}, depth, nil, nil)
	a := &fakeAdapter{tag: models.InterfaceMobile, available: false}
	d.RegisterAdapter(a)

	for i := 0; i < depth+2; i++ {
		d.Deliver(models.CommandResult{RequestID: "r" + strconv.Itoa(i), Interface: models.InterfaceMobile})
	}

	a.mu.Lock()
	a.available = true
	a.mu.Unlock()
	d.RegisterAdapter(a)

	got := a.results()
	require.Len(t, got, depth)
	assert.Equal(t, "r2", got[0].RequestID) // r0, r1 discarded
	assert.Equal(t, "r5", got[depth-1].RequestID)
}

func TestStopAcceptingRejectsSubmissions(t *testing.T) {
	d := New(&fakePipeline{}, 4, nil, nil)
	d.RegisterAdapter(&fakeAdapter{tag: models.InterfaceText, available: true})
	d.StopAccepting()

	err := d.Submit(&models.CommandRequest{Interface: models.InterfaceText, Text: "hi"})
	require.Error(t, err)
	assert.Equal(t, models.ErrRejectedOverload, models.KindOf(err))
}
