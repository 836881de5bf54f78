// Package dispatch implements UI Dispatch: the uniform
// bridge between heterogeneous front-end adapters and the Command
// Pipeline, with exactly-once result delivery and bounded per-adapter
// buffering when an adapter is unavailable.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicecore/orchestrator/pkg/models"
	"github.com/voicecore/orchestrator/pkg/observability"
)

// Adapter is the capability set every front-end adapter satisfies: a
// single interface, not a type hierarchy.
type Adapter interface {
	Tag() models.InterfaceTag
	Deliver(result models.CommandResult) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Submitter is the narrow pipeline surface the dispatcher needs.
type Submitter interface {
	Submit(req *models.CommandRequest) error
}

// Dispatcher routes submissions from registered adapters into the
// pipeline and fans results back out by interface tag.
type Dispatcher struct {
	pipeline Submitter
	depth    int

	mu        sync.Mutex
	adapters  map[models.InterfaceTag]*adapterState
	accepting bool

	logger  observability.Logger
	metrics observability.MetricsClient
}

type adapterState struct {
	adapter Adapter
	// buffer holds undelivered results oldest-first, capped at depth.
	buffer []models.CommandResult
}

// New creates a Dispatcher. queueDepth bounds each adapter's outbound
// buffer (default 64).
func New(pipeline Submitter, queueDepth int, logger observability.Logger, metrics observability.MetricsClient) *Dispatcher {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	return &Dispatcher{
		pipeline:  pipeline,
		depth:     queueDepth,
		adapters:  make(map[models.InterfaceTag]*adapterState),
		accepting: true,
		logger:    logger.WithPrefix("dispatch"),
		metrics:   metrics,
	}
}

// BindPipeline sets the submission target after construction, breaking
// the dispatcher<->pipeline construction cycle: narrow interfaces are
// passed downward, never upward.
func (d *Dispatcher) BindPipeline(p Submitter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pipeline = p
}

// RegisterAdapter makes tag routable and flushes any results buffered
// while no adapter was registered for it.
func (d *Dispatcher) RegisterAdapter(a Adapter) {
	d.mu.Lock()
	state, ok := d.adapters[a.Tag()]
	if !ok {
		state = &adapterState{}
		d.adapters[a.Tag()] = state
	}
	state.adapter = a
	buffered := state.buffer
	state.buffer = nil
	d.mu.Unlock()

	for _, r := range buffered {
		d.Deliver(r)
	}
}

// UnregisterAdapter stops routing to tag; results arriving afterwards
// are buffered up to the depth bound.
func (d *Dispatcher) UnregisterAdapter(tag models.InterfaceTag) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if state, ok := d.adapters[tag]; ok {
		state.adapter = nil
	}
}

// Submit validates the originating adapter and forwards req to the
// pipeline, assigning a request id when the adapter left it blank.
func (d *Dispatcher) Submit(req *models.CommandRequest) error {
	d.mu.Lock()
	state, registered := d.adapters[req.Interface]
	accepting := d.accepting
	pipe := d.pipeline
	d.mu.Unlock()

	if !registered || state.adapter == nil {
		d.metrics.IncrementCounter("dispatch_unknown_adapter", 1)
		return models.NewError(models.ErrAdapterUnknown, "no adapter registered for interface: "+string(req.Interface))
	}
	if !accepting || pipe == nil {
		return models.NewError(models.ErrRejectedOverload, "dispatcher is not accepting submissions")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	return pipe.Submit(req)
}

// Deliver routes result to the adapter matching its interface tag,
// exactly once. An unavailable adapter buffers the result, discarding
// oldest-first on overflow.
func (d *Dispatcher) Deliver(result models.CommandResult) {
	d.mu.Lock()
	state, ok := d.adapters[result.Interface]
	if !ok {
		state = &adapterState{}
		d.adapters[result.Interface] = state
	}
	adapter := state.adapter
	d.mu.Unlock()

	if adapter != nil {
		if err := adapter.Deliver(result); err == nil {
			return
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	state.buffer = append(state.buffer, result)
	if len(state.buffer) > d.depth {
		dropped := len(state.buffer) - d.depth
		state.buffer = state.buffer[dropped:]
		d.metrics.IncrementCounterWithLabels("dispatch_results_discarded", float64(dropped),
			map[string]string{"interface": string(result.Interface)})
	}
}

// StopAccepting rejects all further submissions; in-flight results still
// deliver. Part of the shutdown sequence.
func (d *Dispatcher) StopAccepting() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accepting = false
}

// StartAdapters starts every registered adapter, stopping at the first
// error. The order in which adapters are started is not defined.
func (d *Dispatcher) StartAdapters(ctx context.Context) error {
	for _, a := range d.listAdapters() {
		if err := a.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// StopAdapters stops every registered adapter.
func (d *Dispatcher) StopAdapters(ctx context.Context) {
	for _, a := range d.listAdapters() {
		if err := a.Stop(ctx); err != nil {
			d.logger.Warn("adapter stop failed", map[string]interface{}{
				"interface": string(a.Tag()), "error": err.Error(),
			})
		}
	}
}

func (d *Dispatcher) listAdapters() []Adapter {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Adapter, 0, len(d.adapters))
	for _, state := range d.adapters {
		if state.adapter != nil {
			out = append(out, state.adapter)
		}
	}
	return out
}
