// Package invoker implements the Service Invoker: transport-agnostic,
// single-shot invocation of a selected service, wrapped per-service in
// a gobreaker circuit breaker.
package invoker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/voicecore/orchestrator/pkg/models"
	"github.com/voicecore/orchestrator/pkg/observability"
)

// Response is the structured result of a downstream service call.
type Response struct {
	Success bool
	Payload string
	Error   string
}

// Transport performs one raw call to a service over a specific wire
// protocol. HTTP and in-proc are implemented; MQTT returns
// ErrTransportError until a broker client is wired.
type Transport interface {
	Call(ctx context.Context, d models.ServiceDescriptor, intent models.IntentName, params map[string]any) (Response, error)
}

// InprocHandler is a locally registered function satisfying the same
// {intent, parameters, context} -> {success, response, error} contract
// as a remote call.
type InprocHandler func(ctx context.Context, intent models.IntentName, params map[string]any) (Response, error)

// Invoker dispatches to the transport matching a descriptor's Transport
// tag. It does not report outcomes to the registry health machine; the
// Command Pipeline records each invocation result there.
type Invoker struct {
	http  Transport
	mqtt  Transport
	inproc map[string]InprocHandler

	mu       sync.RWMutex
	breakers map[string]*gobreaker.CircuitBreaker[Response]

	logger  observability.Logger
	metrics observability.MetricsClient
}

func New(httpClient *http.Client, logger observability.Logger, metrics observability.MetricsClient) *Invoker {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Invoker{
		http:     &httpTransport{client: httpClient},
		mqtt:     unconfiguredMQTTTransport{},
		inproc:   make(map[string]InprocHandler),
		breakers: make(map[string]*gobreaker.CircuitBreaker[Response]),
		logger:   logger.WithPrefix("invoker"),
		metrics:  metrics,
	}
}

// RegisterInproc wires a local handler for a service reachable by
// in-process function call.
func (inv *Invoker) RegisterInproc(serviceName string, handler InprocHandler) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.inproc[serviceName] = handler
}

func (inv *Invoker) breakerFor(name string) *gobreaker.CircuitBreaker[Response] {
	inv.mu.RLock()
	b, ok := inv.breakers[name]
	inv.mu.RUnlock()
	if ok {
		return b
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if b, ok = inv.breakers[name]; ok {
		return b
	}
	b = gobreaker.NewCircuitBreaker[Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	inv.breakers[name] = b
	return b
}

// Invoke calls d once, honoring deadline and cancel, with at most one
// internal retry for transport errors when deadline budget remains.
// All further retries belong to the Command Pipeline.
func (inv *Invoker) Invoke(ctx context.Context, d models.ServiceDescriptor, intentName models.IntentName, params map[string]any, deadline time.Time, cancel <-chan struct{}) (Response, error) {
	resp, err := inv.attempt(ctx, d, intentName, params, deadline, cancel)
	if err == nil {
		return resp, nil
	}
	if models.KindOf(err) == models.ErrTransportError && budgetRemains(deadline) && !ctxCancelled(cancel) {
		inv.metrics.IncrementCounterWithLabels("invoker_transport_retries", 1, map[string]string{"service": d.Name})
		return inv.attempt(ctx, d, intentName, params, deadline, cancel)
	}
	return resp, err
}

func budgetRemains(deadline time.Time) bool {
	return deadline.IsZero() || time.Until(deadline) > 0
}

func (inv *Invoker) attempt(ctx context.Context, d models.ServiceDescriptor, intentName models.IntentName, params map[string]any, deadline time.Time, cancel <-chan struct{}) (Response, error) {
	select {
	case <-cancel:
		return Response{}, models.NewError(models.ErrCancelled, "invocation cancelled before start")
	default:
	}

	attemptCtx := ctx
	var stop context.CancelFunc
	if !deadline.IsZero() {
		attemptCtx, stop = context.WithDeadline(ctx, deadline)
		defer stop()
	}

	transport, err := inv.transportFor(d)
	if err != nil {
		return Response{}, err
	}

	breaker := inv.breakerFor(d.Name)
	start := time.Now()
	resp, err := breaker.Execute(func() (Response, error) {
		return transport.Call(attemptCtx, d, intentName, params)
	})
	latency := time.Since(start)
	inv.metrics.RecordDuration("invoker_latency", latency, map[string]string{"service": d.Name})

	if err != nil {
		if attemptCtx.Err() != nil {
			if ctxCancelled(cancel) {
				return Response{}, models.NewError(models.ErrCancelled, "invocation cancelled")
			}
			return Response{}, models.Wrap(models.ErrTimedOut, "invocation deadline exceeded", err)
		}
		return Response{}, models.Wrap(models.ErrTransportError, "transport call failed", err)
	}
	if !resp.Success {
		return resp, models.NewError(models.ErrServiceError, resp.Error)
	}
	return resp, nil
}

func ctxCancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

func (inv *Invoker) transportFor(d models.ServiceDescriptor) (Transport, error) {
	switch d.Transport {
	case models.TransportHTTP:
		return inv.http, nil
	case models.TransportMQTT:
		return inv.mqtt, nil
	case models.TransportInproc:
		inv.mu.RLock()
		h, ok := inv.inproc[d.Name]
		inv.mu.RUnlock()
		if !ok {
			return nil, models.NewError(models.ErrTransportError, "no in-process handler registered for "+d.Name)
		}
		return inprocTransport{handler: h}, nil
	default:
		return nil, models.NewError(models.ErrTransportError, "unknown transport tag")
	}
}
