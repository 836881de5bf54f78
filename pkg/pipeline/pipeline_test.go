package pipeline

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicecore/orchestrator/pkg/config"
	"github.com/voicecore/orchestrator/pkg/contextmgr"
	"github.com/voicecore/orchestrator/pkg/invoker"
	"github.com/voicecore/orchestrator/pkg/models"
	"github.com/voicecore/orchestrator/pkg/nlp"
	"github.com/voicecore/orchestrator/pkg/persistence"
	"github.com/voicecore/orchestrator/pkg/registry"
)

type chanSink struct {
	ch chan models.CommandResult
}

func (s *chanSink) Deliver(r models.CommandResult) { s.ch <- r }

type testHarness struct {
	pipe    *Pipeline
	ctxMgr  *contextmgr.Manager
	reg     *registry.Registry
	inv     *invoker.Invoker
	results chan models.CommandResult
	cancel  context.CancelFunc
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	port, err := persistence.NewFilePort(t.TempDir(), nil)
	require.NoError(t, err)
	ctxMgr, err := contextmgr.New(port, nil, nil, config.SessionConfig{
		TTLMinutes: 30, CleanupIntervalSeconds: 60, CleanupSliceMs: 10, HistoryCap: 50,
	})
	require.NoError(t, err)

	reg := registry.New(registry.Options{HeartbeatInterval: time.Second, EvictionWindow: time.Minute}, nil, nil)
	inv := invoker.New(nil, nil, nil)
	sink := &chanSink{ch: make(chan models.CommandResult, 64)}

	cfg := config.PipelineConfig{
		QueueCapacity:     64,
		WorkerCount:       4,
		DefaultDeadlineMs: 2000,
		Retry:             config.RetryConfig{MaxAttempts: 1, BaseMs: 10, CapMs: 50, JitterPct: 20},
	}
	pipe := New(cfg, Deps{
		Classifier: nlp.NewDefault(nil),
		ContextMgr: ctxMgr,
		Registry:   reg,
		Invoker:    inv,
		Sink:       sink,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	go func() { _ = pipe.Run(runCtx) }()
	t.Cleanup(cancel)

	return &testHarness{pipe: pipe, ctxMgr: ctxMgr, reg: reg, inv: inv, results: sink.ch, cancel: cancel}
}

func (h *testHarness) registerInproc(t *testing.T, name, capability string, maxConc int, handler invoker.InprocHandler) {
	t.Helper()
	h.reg.RegisterService(models.ServiceDescriptor{
		Name:           name,
		Transport:      models.TransportInproc,
		Capabilities:   []string{capability},
		MaxConcurrency: maxConc,
	})
	h.reg.MarkHealthy(name)
	h.inv.RegisterInproc(name, handler)
}

func (h *testHarness) await(t *testing.T) models.CommandResult {
	t.Helper()
	select {
	case r := <-h.results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return models.CommandResult{}
	}
}

func TestDispatchPlayMusicEndToEnd(t *testing.T) {
	h := newHarness(t)
	var gotParams map[string]any
	var mu sync.Mutex
	h.registerInproc(t, "music-svc", "music", 4, func(ctx context.Context, intent models.IntentName, params map[string]any) (invoker.Response, error) {
		mu.Lock()
		gotParams = params
		mu.Unlock()
		return invoker.Response{Success: true, Payload: "now playing jazz"}, nil
	})

	err := h.pipe.Submit(&models.CommandRequest{
		ID: "r1", UserID: "u1", Interface: models.InterfaceText,
		Text: "play jazz music", Priority: models.PriorityNormal, SubmittedAt: time.Now(),
	})
	require.NoError(t, err)

	result := h.await(t)
	assert.True(t, result.Success)
	assert.Equal(t, "r1", result.RequestID)
	assert.NotEmpty(t, result.Response)
	assert.Equal(t, models.InterfaceText, result.Interface)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "jazz", gotParams["genre"])
}

func TestClarifyOnUnknownIntent(t *testing.T) {
	h := newHarness(t)

	err := h.pipe.Submit(&models.CommandRequest{
		ID: "r1", Interface: models.InterfaceText,
		Text: "the weather is nice today", Priority: models.PriorityNormal, SubmittedAt: time.Now(),
	})
	require.NoError(t, err)

	result := h.await(t)
	assert.True(t, result.Success)
	assert.Empty(t, result.ErrorKind)
	assert.Contains(t, result.Response, "understand")
}

func TestNoServiceRegistered(t *testing.T) {
	h := newHarness(t)

	err := h.pipe.Submit(&models.CommandRequest{
		ID: "r1", Interface: models.InterfaceText,
		Text: "set volume to 75", Priority: models.PriorityNormal, SubmittedAt: time.Now(),
	})
	require.NoError(t, err)

	result := h.await(t)
	assert.False(t, result.Success)
	assert.Equal(t, models.ErrNoService, result.ErrorKind)
}

func TestDeadlineExpiryTimesOutAndReleasesInFlight(t *testing.T) {
	h := newHarness(t)
	h.registerInproc(t, "slow-svc", "music", 4, func(ctx context.Context, intent models.IntentName, params map[string]any) (invoker.Response, error) {
		select {
		case <-time.After(300 * time.Millisecond):
			return invoker.Response{Success: true, Payload: "late"}, nil
		case <-ctx.Done():
			return invoker.Response{}, ctx.Err()
		}
	})

	sessionID, err := h.ctxMgr.CreateSession(context.Background(), "u1", models.InterfaceText)
	require.NoError(t, err)

	err = h.pipe.Submit(&models.CommandRequest{
		ID: "r1", SessionID: sessionID, Interface: models.InterfaceText,
		Text: "play jazz music", Priority: models.PriorityNormal,
		SubmittedAt: time.Now(), Deadline: time.Now().Add(50 * time.Millisecond),
	})
	require.NoError(t, err)

	result := h.await(t)
	assert.False(t, result.Success)
	assert.Equal(t, models.ErrTimedOut, result.ErrorKind)

	d, ok := h.reg.Snapshot("slow-svc")
	require.True(t, ok)
	assert.Equal(t, 0, d.InFlight)

	history, err := h.ctxMgr.GetRecentCommands(context.Background(), sessionID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Failed)
}

func TestPerSessionFIFO(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var order []string
	inFlight := 0
	maxInFlight := 0
	h.registerInproc(t, "music-svc", "music", 8, func(ctx context.Context, intent models.IntentName, params map[string]any) (invoker.Response, error) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		order = append(order, params["genre"].(string))
		inFlight--
		mu.Unlock()
		return invoker.Response{Success: true, Payload: "ok"}, nil
	})

	sessionID, err := h.ctxMgr.CreateSession(context.Background(), "u1", models.InterfaceText)
	require.NoError(t, err)

	const n = 5
	for i := 0; i < n; i++ {
		err := h.pipe.Submit(&models.CommandRequest{
			ID: "r" + strconv.Itoa(i), SessionID: sessionID, Interface: models.InterfaceText,
			Text: "play genre" + strconv.Itoa(i), Priority: models.PriorityNormal, SubmittedAt: time.Now(),
		})
		require.NoError(t, err)
	}
	for i := 0; i < n; i++ {
		h.await(t)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, "genre"+strconv.Itoa(i), order[i])
	}
	assert.Equal(t, 1, maxInFlight, "same-session requests must never overlap")
}

func TestContextualInferenceFillsMissingSlot(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var lastParams map[string]any
	h.registerInproc(t, "audio-svc", "audio", 4, func(ctx context.Context, intent models.IntentName, params map[string]any) (invoker.Response, error) {
		mu.Lock()
		lastParams = params
		mu.Unlock()
		return invoker.Response{Success: true, Payload: "ok"}, nil
	})

	sessionID, err := h.ctxMgr.CreateSession(context.Background(), "u1", models.InterfaceVoice)
	require.NoError(t, err)

	err = h.pipe.Submit(&models.CommandRequest{
		ID: "r1", SessionID: sessionID, Interface: models.InterfaceVoice,
		Text: "set volume to 75", Priority: models.PriorityNormal, SubmittedAt: time.Now(),
	})
	require.NoError(t, err)
	h.await(t)

	err = h.pipe.Submit(&models.CommandRequest{
		ID: "r2", SessionID: sessionID, Interface: models.InterfaceVoice,
		Text: "turn up the volume", Priority: models.PriorityNormal, SubmittedAt: time.Now(),
	})
	require.NoError(t, err)
	h.await(t)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "75", lastParams["level"], "level should be inferred from lastParameters")
}

func TestCancelledRequestCompletesWithCancelled(t *testing.T) {
	h := newHarness(t)
	cancelled := make(chan struct{})
	close(cancelled)

	err := h.pipe.Submit(&models.CommandRequest{
		ID: "r1", Interface: models.InterfaceText,
		Text: "play jazz music", Priority: models.PriorityNormal,
		SubmittedAt: time.Now(), Cancel: cancelled,
	})
	require.NoError(t, err)

	result := h.await(t)
	assert.False(t, result.Success)
	assert.Equal(t, models.ErrCancelled, result.ErrorKind)
}

func TestTransportErrorSurfacedAfterRetries(t *testing.T) {
	h := newHarness(t)
	h.registerInproc(t, "flaky-svc", "music", 4, func(ctx context.Context, intent models.IntentName, params map[string]any) (invoker.Response, error) {
		return invoker.Response{}, assert.AnError
	})

	err := h.pipe.Submit(&models.CommandRequest{
		ID: "r1", Interface: models.InterfaceText,
		Text: "play jazz music", Priority: models.PriorityNormal, SubmittedAt: time.Now(),
	})
	require.NoError(t, err)

	result := h.await(t)
	assert.False(t, result.Success)
	assert.Equal(t, models.ErrTransportError, result.ErrorKind)
}

func TestHistoryRecordsSingleEntryPerCommand(t *testing.T) {
	h := newHarness(t)
	h.registerInproc(t, "music-svc", "music", 4, func(ctx context.Context, intent models.IntentName, params map[string]any) (invoker.Response, error) {
		return invoker.Response{Success: true, Payload: "now playing"}, nil
	})

	sessionID, err := h.ctxMgr.CreateSession(context.Background(), "u1", models.InterfaceText)
	require.NoError(t, err)

	err = h.pipe.Submit(&models.CommandRequest{
		ID: "r1", SessionID: sessionID, Interface: models.InterfaceText,
		Text: "play jazz music", Priority: models.PriorityNormal, SubmittedAt: time.Now(),
	})
	require.NoError(t, err)
	result := h.await(t)
	require.True(t, result.Success)

	history, err := h.ctxMgr.GetRecentCommands(context.Background(), sessionID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "play jazz music", history[0].Command)
	assert.Equal(t, "now playing", history[0].Response)
	assert.False(t, history[0].Failed)
}
