package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/voicecore/orchestrator/pkg/config"
	"github.com/voicecore/orchestrator/pkg/contextmgr"
	"github.com/voicecore/orchestrator/pkg/invoker"
	"github.com/voicecore/orchestrator/pkg/models"
	"github.com/voicecore/orchestrator/pkg/nlp"
	"github.com/voicecore/orchestrator/pkg/observability"
	"github.com/voicecore/orchestrator/pkg/registry"
	"github.com/voicecore/orchestrator/pkg/resilience"
)

// ResultSink receives a terminal CommandResult. UI
// Dispatch implements this to fan results back to the originating adapter.
type ResultSink interface {
	Deliver(result models.CommandResult)
}

// Pipeline is the Command Pipeline: admission, NLP, context, routing,
// invocation, and retry orchestration.
type Pipeline struct {
	queue *AdmissionQueue
	cfg   config.PipelineConfig

	classifier *nlp.Classifier
	contextMgr *contextmgr.Manager
	reg        *registry.Registry
	inv        *invoker.Invoker
	sink       ResultSink
	limiter    *resilience.RateLimiter

	sessionMu     sync.Mutex
	sessionQueues map[string]*sessionQueue

	logger  observability.Logger
	metrics observability.MetricsClient
}

type Deps struct {
	Classifier *nlp.Classifier
	ContextMgr *contextmgr.Manager
	Registry   *registry.Registry
	Invoker    *invoker.Invoker
	Sink       ResultSink
	// Limiter, when set, rate-limits normal/low admissions ahead of the
	// priority queue; critical/high bypass it.
	Limiter *resilience.RateLimiter
	Logger  observability.Logger
	Metrics observability.MetricsClient
}

func New(cfg config.PipelineConfig, deps Deps) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	return &Pipeline{
		queue:        NewAdmissionQueue(cfg.QueueCapacity),
		cfg:          cfg,
		classifier:   deps.Classifier,
		contextMgr:   deps.ContextMgr,
		reg:          deps.Registry,
		inv:          deps.Invoker,
		sink:         deps.Sink,
		limiter:      deps.Limiter,
		sessionQueues: make(map[string]*sessionQueue),
		logger:       logger.WithPrefix("pipeline"),
		metrics:      metrics,
	}
}

// Submit admits req. A full queue rejects
// normal/low immediately; critical/high displace the oldest low item.
// Normal/low submissions additionally pass the admission rate limiter
// before reaching the queue.
func (p *Pipeline) Submit(req *models.CommandRequest) error {
	if p.limiter != nil &&
		(req.Priority == models.PriorityNormal || req.Priority == models.PriorityLow) &&
		!p.limiter.Allow() {
		p.metrics.IncrementCounter("pipeline_rejected_ratelimit", 1)
		return models.NewError(models.ErrRejectedOverload, "admission rate exceeded")
	}
	accepted, displaced := p.queue.Enqueue(req)
	if displaced != nil {
		p.complete(displaced, models.CommandResult{
			RequestID: displaced.ID,
			Success:   false,
			Interface: displaced.Interface,
			ErrorKind: models.ErrRejectedOverload,
		})
	}
	if !accepted {
		p.metrics.IncrementCounter("pipeline_rejected_overload", 1)
		return models.NewError(models.ErrRejectedOverload, "queue full")
	}
	return nil
}

// Run launches the fixed-size worker pool
// and blocks until ctx is cancelled and every worker has exited.
func (p *Pipeline) Run(ctx context.Context) error {
	workers := p.cfg.WorkerCount
	if workers <= 0 {
		workers = 8
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			p.workerLoop(ctx)
			return nil
		})
	}
	<-ctx.Done()
	p.queue.Close()
	return g.Wait()
}

func (p *Pipeline) workerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		req, run, ok := p.queue.DequeueRouted(p.route)
		if !ok {
			return
		}
		if !run {
			// The request joined a session queue another worker owns.
			continue
		}
		key, serialize := sessionKey(req)
		if !serialize {
			p.complete(req, p.process(ctx, req))
			continue
		}
		p.drainSession(ctx, key)
	}
}

// sessionKey decides the serialization scope for a request: session id,
// else interface+user, else none (fully concurrent).
func sessionKey(req *models.CommandRequest) (key string, serialize bool) {
	if req.SessionID != "" {
		return "session:" + req.SessionID, true
	}
	if req.UserID != "" {
		return "user:" + string(req.Interface) + ":" + req.UserID, true
	}
	return "", false
}

// sessionQueue binds a serialization key to at most one in-flight
// worker: requests arriving while the key is busy queue behind it in
// dequeue order, preserving per-session FIFO under contention.
type sessionQueue struct {
	pending []*models.CommandRequest
	running bool
}

// route runs under the admission queue's lock (via DequeueRouted). It
// appends the request to its session queue and reports whether the
// calling worker should become that session's runner.
func (p *Pipeline) route(req *models.CommandRequest) bool {
	key, serialize := sessionKey(req)
	if !serialize {
		return true
	}
	p.sessionMu.Lock()
	defer p.sessionMu.Unlock()
	sq, ok := p.sessionQueues[key]
	if !ok {
		sq = &sessionQueue{}
		p.sessionQueues[key] = sq
	}
	sq.pending = append(sq.pending, req)
	if sq.running {
		return false
	}
	sq.running = true
	return true
}

// drainSession processes the session's pending requests in order until
// none remain, then releases the key.
func (p *Pipeline) drainSession(ctx context.Context, key string) {
	for {
		p.sessionMu.Lock()
		sq := p.sessionQueues[key]
		if sq == nil || len(sq.pending) == 0 {
			if sq != nil {
				sq.running = false
				delete(p.sessionQueues, key)
			}
			p.sessionMu.Unlock()
			return
		}
		next := sq.pending[0]
		sq.pending = sq.pending[1:]
		p.sessionMu.Unlock()

		p.complete(next, p.process(ctx, next))
	}
}

func (p *Pipeline) complete(req *models.CommandRequest, result models.CommandResult) {
	if p.sink != nil {
		p.sink.Deliver(result)
	}
}

// process runs the dispatch stages for a single dequeued request:
// cancellation/deadline checks, intent parse, context attach, routing,
// invocation with retry, and history persistence.
func (p *Pipeline) process(ctx context.Context, req *models.CommandRequest) models.CommandResult {
	start := time.Now()
	deadline := req.EffectiveDeadline(p.cfg.DefaultDeadline())

	base := models.CommandResult{RequestID: req.ID, Interface: req.Interface}

	// Stage 1: cancellation/deadline.
	if req.Cancelled() {
		return finish(base, false, "", models.ErrCancelled, start)
	}
	if time.Now().After(deadline) {
		return finish(base, false, "", models.ErrTimedOut, start)
	}

	// Stage 2: intent classification.
	intent := p.classifier.Parse(req.Text)

	// Stage 3: context attach + contextual inference.
	var session *models.SessionRecord
	historyStarted := false
	if req.SessionID != "" {
		s, err := p.contextMgr.GetSessionContext(ctx, req.SessionID)
		if err == nil {
			session = s
			intent = applyContextualInference(intent, session)
			_ = p.contextMgr.AddCommandToHistory(ctx, req.SessionID, req.Text, "", false)
			historyStarted = true
		}
	}
	if session != nil && intent.Dispatchable() {
		_ = p.contextMgr.UpdateLastIntent(ctx, req.SessionID, string(intent.Name), stringifyParams(intent.Parameters))
	}

	if req.Cancelled() {
		if historyStarted {
			_ = p.contextMgr.RecordCancellation(ctx, req.SessionID, req.Text)
		}
		return finish(base, false, "", models.ErrCancelled, start)
	}

	// Stage 4: clarify short-circuit.
	if !intent.Dispatchable() {
		response := "I didn't understand that command."
		p.persistOutcome(ctx, req, historyStarted, response, true)
		return finish(base, true, response, "", start)
	}

	// Stage 5: capability lookup + selection.
	capability, ok := nlp.Capability(intent.Name)
	if !ok {
		p.persistOutcome(ctx, req, historyStarted, "", false)
		return finish(base, false, "", models.ErrCapabilityUnknown, start)
	}

	resp, serviceName, errKind := p.invokeWithRetry(ctx, req, intent, capability, deadline)
	success := errKind == ""
	if success && session != nil && serviceName != "" {
		_ = p.contextMgr.UpdateServiceState(ctx, req.SessionID, serviceName, nil)
	}
	p.persistOutcome(ctx, req, historyStarted, resp, success)
	return finish(base, success, resp, errKind, start)
}

// stringifyParams flattens the classifier's parameter map into the
// string-to-string shape SessionRecord.LastParameters carries; list
// values (e.g. __errors) join with commas.
func stringifyParams(params map[string]any) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		switch val := v.(type) {
		case string:
			out[k] = val
		case []string:
			out[k] = strings.Join(val, ",")
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}

func applyContextualInference(intent models.Intent, session *models.SessionRecord) models.Intent {
	if session == nil || string(intent.Name) != session.LastIntent {
		return intent
	}
	if intent.Parameters == nil {
		intent.Parameters = map[string]any{}
	}
	for k, v := range session.LastParameters {
		if _, set := intent.Parameters[k]; !set {
			intent.Parameters[k] = v
		}
	}
	return intent
}

// persistOutcome closes out the tentative history entry recorded at
// context-attach time: success and clarify persist the response, a
// failure persists a failure marker.
func (p *Pipeline) persistOutcome(ctx context.Context, req *models.CommandRequest, historyStarted bool, response string, success bool) {
	if req.SessionID == "" || !historyStarted {
		return
	}
	_ = p.contextMgr.CompleteCommandInHistory(ctx, req.SessionID, req.Text, response, !success)
}

// invokeWithRetry performs stages 6-7: invoke, then retry on transport
// or timeout with a fresh service selection each time. The
// service name of the attempt that produced the returned outcome is the
// second return value.
func (p *Pipeline) invokeWithRetry(ctx context.Context, req *models.CommandRequest, intent models.Intent, capability string, deadline time.Time) (string, string, models.ErrorKind) {
	maxAttempts := p.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 2
	}

	bo := p.retryBackoff()
	var lastKind models.ErrorKind
	var lastService string
	for attempt := 0; attempt <= maxAttempts; attempt++ {
		if req.Cancelled() {
			return "", lastService, models.ErrCancelled
		}
		if time.Now().After(deadline) {
			return "", lastService, models.ErrTimedOut
		}

		selected, err := p.reg.Select(capability)
		if err != nil {
			return "", lastService, models.ErrNoService
		}
		lastService = selected.Name

		attemptStart := time.Now()
		resp, invErr := p.inv.Invoke(ctx, selected, intent.Name, intent.Parameters, deadline, req.Cancel)
		latency := time.Since(attemptStart)

		if invErr == nil {
			p.reg.RecordInvocationResult(selected.Name, capability, registry.OutcomeSuccess, latency)
			return resp.Payload, selected.Name, ""
		}

		kind := models.KindOf(invErr)
		lastKind = kind
		switch kind {
		case models.ErrServiceError:
			p.reg.RecordInvocationResult(selected.Name, capability, registry.OutcomeSoftFailure, latency)
			return "", selected.Name, models.ErrServiceError
		case models.ErrCancelled:
			p.reg.ReleaseInFlight(selected.Name)
			return "", selected.Name, models.ErrCancelled
		case models.ErrTimedOut, models.ErrTransportError:
			p.reg.RecordInvocationResult(selected.Name, capability, registry.OutcomeHardFailure, latency)
			if attempt == maxAttempts {
				return "", selected.Name, kind
			}
			p.waitBackoff(ctx, bo, req.Cancel)
			continue
		default:
			p.reg.ReleaseInFlight(selected.Name)
			return "", selected.Name, models.ErrInternal
		}
	}
	return "", lastService, lastKind
}

// retryBackoff builds the jittered exponential policy for pipeline-level
// retries.
func (p *Pipeline) retryBackoff() backoff.BackOff {
	base := time.Duration(p.cfg.Retry.BaseMs) * time.Millisecond
	capMs := time.Duration(p.cfg.Retry.CapMs) * time.Millisecond
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if capMs <= 0 {
		capMs = 2 * time.Second
	}
	jitterPct := p.cfg.Retry.JitterPct
	if jitterPct <= 0 {
		jitterPct = 20
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.MaxInterval = capMs
	bo.RandomizationFactor = float64(jitterPct) / 100
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	return bo
}

// waitBackoff sleeps for one NextBackOff() interval, honoring
// cancellation.
func (p *Pipeline) waitBackoff(ctx context.Context, bo backoff.BackOff, cancel <-chan struct{}) {
	delay := bo.NextBackOff()
	if delay == backoff.Stop {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-cancel:
	}
}

// QueueLen reports the current admission queue depth, polled by the
// lifecycle supervisor's drain loop.
func (p *Pipeline) QueueLen() int { return p.queue.Len() }

// RejectRemaining drains whatever is still queued after the shutdown
// grace window and completes each item with rejected-overload, returning
// how many were rejected.
func (p *Pipeline) RejectRemaining() int {
	remaining := p.queue.DrainAll()
	for _, req := range remaining {
		p.complete(req, models.CommandResult{
			RequestID: req.ID,
			Success:   false,
			Interface: req.Interface,
			ErrorKind: models.ErrRejectedOverload,
		})
	}
	return len(remaining)
}

func finish(base models.CommandResult, success bool, response string, kind models.ErrorKind, start time.Time) models.CommandResult {
	base.Success = success
	base.Response = response
	base.ErrorKind = kind
	base.Latency = time.Since(start)
	return base
}
