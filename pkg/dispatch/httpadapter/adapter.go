// Package httpadapter is the reference front-end adapter: a gin-served
// HTTP surface speaking the orchestrator's JSON submission/delivery schema.
// It satisfies the dispatch.Adapter capability set and holds each HTTP
// request open until its CommandResult is delivered back.
package httpadapter

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/voicecore/orchestrator/pkg/dispatch"
	"github.com/voicecore/orchestrator/pkg/models"
	"github.com/voicecore/orchestrator/pkg/observability"
)

// RegistryView is the read-only registry surface backing /readyz.
type RegistryView interface {
	ListServices() []models.ServiceDescriptor
}

// submission is the inbound JSON schema.
type submission struct {
	Text       string `json:"text" binding:"required"`
	UserID     string `json:"userId"`
	SessionID  string `json:"sessionId"`
	Priority   string `json:"priority"`
	DeadlineMs int    `json:"deadlineMs"`
}

// delivery is the outbound JSON schema.
type delivery struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Response  string `json:"response"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Adapter serves the web interface tag over HTTP.
type Adapter struct {
	addr       string
	dispatcher *dispatch.Dispatcher
	registry   RegistryView
	metricsH   http.Handler

	srv *http.Server

	mu      sync.Mutex
	pending map[string]chan models.CommandResult

	logger observability.Logger
}

// New builds the adapter. metricsHandler may be nil to skip /metrics.
func New(addr string, dispatcher *dispatch.Dispatcher, registry RegistryView, metricsHandler http.Handler, logger observability.Logger) *Adapter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	a := &Adapter{
		addr:       addr,
		dispatcher: dispatcher,
		registry:   registry,
		metricsH:   metricsHandler,
		pending:    make(map[string]chan models.CommandResult),
		logger:     logger.WithPrefix("httpadapter"),
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.POST("/commands", a.handleCommand)
	engine.GET("/healthz", a.handleHealthz)
	engine.GET("/readyz", a.handleReadyz)
	if metricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(metricsHandler))
	}
	a.srv = &http.Server{Addr: addr, Handler: engine}
	return a
}

// Tag identifies this adapter's interface.
func (a *Adapter) Tag() models.InterfaceTag { return models.InterfaceWeb }

// Start begins serving in the background.
func (a *Adapter) Start(ctx context.Context) error {
	go func() {
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http adapter serve failed", map[string]interface{}{"error": err.Error()})
		}
	}()
	a.logger.Info("http adapter listening", map[string]interface{}{"addr": a.addr})
	return nil
}

// Stop shuts the server down gracefully within ctx's deadline.
func (a *Adapter) Stop(ctx context.Context) error {
	return a.srv.Shutdown(ctx)
}

// Deliver resolves the pending HTTP request waiting on result. A result
// with no waiter (client disconnected) is reported as undeliverable so
// the dispatcher buffers it.
func (a *Adapter) Deliver(result models.CommandResult) error {
	a.mu.Lock()
	ch, ok := a.pending[result.RequestID]
	if ok {
		delete(a.pending, result.RequestID)
	}
	a.mu.Unlock()
	if !ok {
		return errors.New("no pending request: " + result.RequestID)
	}
	ch <- result
	return nil
}

func (a *Adapter) handleCommand(c *gin.Context) {
	var sub submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := &models.CommandRequest{
		ID:          uuid.NewString(),
		UserID:      sub.UserID,
		SessionID:   sub.SessionID,
		Interface:   models.InterfaceWeb,
		Text:        sub.Text,
		Priority:    parsePriority(sub.Priority),
		SubmittedAt: time.Now(),
	}
	waitBudget := 15 * time.Second
	if sub.DeadlineMs > 0 {
		req.Deadline = req.SubmittedAt.Add(time.Duration(sub.DeadlineMs) * time.Millisecond)
		waitBudget = time.Duration(sub.DeadlineMs)*time.Millisecond + 5*time.Second
	}

	ch := make(chan models.CommandResult, 1)
	a.mu.Lock()
	a.pending[req.ID] = ch
	a.mu.Unlock()

	if err := a.dispatcher.Submit(req); err != nil {
		a.mu.Lock()
		delete(a.pending, req.ID)
		a.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, delivery{
			RequestID: req.ID,
			Success:   false,
			Error:     string(models.KindOf(err)),
		})
		return
	}

	select {
	case result := <-ch:
		c.JSON(http.StatusOK, delivery{
			RequestID: result.RequestID,
			Success:   result.Success,
			Response:  result.Response,
			Error:     string(result.ErrorKind),
			LatencyMs: result.Latency.Milliseconds(),
		})
	case <-time.After(waitBudget):
		a.mu.Lock()
		delete(a.pending, req.ID)
		a.mu.Unlock()
		c.JSON(http.StatusGatewayTimeout, delivery{
			RequestID: req.ID,
			Success:   false,
			Error:     string(models.ErrTimedOut),
		})
	case <-c.Request.Context().Done():
		a.mu.Lock()
		delete(a.pending, req.ID)
		a.mu.Unlock()
	}
}

func (a *Adapter) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleReadyz reports the registry snapshot; ready means at least one
// routable service is known (or none have been registered yet, which is
// a valid cold-start state).
func (a *Adapter) handleReadyz(c *gin.Context) {
	services := a.registry.ListServices()
	routable := 0
	for _, d := range services {
		if d.Health == models.HealthHealthy || d.Health == models.HealthDegraded {
			routable++
		}
	}
	status := http.StatusOK
	if len(services) > 0 && routable == 0 {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"services": services, "routable": routable})
}

func parsePriority(s string) models.Priority {
	switch models.Priority(s) {
	case models.PriorityCritical, models.PriorityHigh, models.PriorityNormal, models.PriorityLow:
		return models.Priority(s)
	default:
		return models.PriorityNormal
	}
}
