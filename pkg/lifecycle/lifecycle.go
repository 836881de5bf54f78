// Package lifecycle owns start/stop ordering and background-task
// supervision for the orchestrator: components are
// constructed bottom-up, started with their background tasks under a
// single errgroup, and shut down in reverse with a drain grace window.
package lifecycle

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/voicecore/orchestrator/pkg/config"
	"github.com/voicecore/orchestrator/pkg/contextmgr"
	"github.com/voicecore/orchestrator/pkg/dispatch"
	"github.com/voicecore/orchestrator/pkg/dispatch/httpadapter"
	"github.com/voicecore/orchestrator/pkg/invoker"
	"github.com/voicecore/orchestrator/pkg/nlp"
	"github.com/voicecore/orchestrator/pkg/observability"
	"github.com/voicecore/orchestrator/pkg/persistence"
	"github.com/voicecore/orchestrator/pkg/pipeline"
	"github.com/voicecore/orchestrator/pkg/registry"
	"github.com/voicecore/orchestrator/pkg/resilience"
)

// Supervisor wires and owns every long-lived component. Workers receive
// components by reference; nothing global survives outside this struct.
type Supervisor struct {
	cfg     *config.Config
	logger  observability.Logger
	metrics observability.MetricsClient

	port       *persistence.FilePort
	contextMgr *contextmgr.Manager
	classifier *nlp.Classifier
	reg        *registry.Registry
	inv        *invoker.Invoker
	pipe       *pipeline.Pipeline
	dispatcher *dispatch.Dispatcher
	web        *httpadapter.Adapter
}

// New constructs every component in dependency order: persistence ->
// context -> classifier -> registry -> invoker -> pipeline -> dispatch.
// Construction errors are fatal-init.
func New(cfg *config.Config, logger observability.Logger) (*Supervisor, error) {
	if logger == nil {
		logger = observability.NewLogger("orchestrator")
	}
	metrics, metricsHandler := observability.NewPrometheusMetrics("orchestrator")

	port, err := persistence.NewFilePort(cfg.Persistence.RootDir, logger)
	if err != nil {
		return nil, errors.Wrap(err, "init persistence port")
	}

	ctxMgr, err := contextmgr.New(port, logger, metrics, cfg.Session)
	if err != nil {
		return nil, errors.Wrap(err, "init context manager")
	}

	classifier := nlp.NewDefault(logger)

	reg := registry.New(registry.Options{
		HeartbeatInterval: cfg.Registry.HeartbeatInterval(),
		EvictionWindow:    cfg.Registry.EvictionWindow(),
		LatencyThreshold:  cfg.Registry.LatencyThreshold,
	}, logger, metrics)

	inv := invoker.New(&http.Client{}, logger, metrics)

	var limiter *resilience.RateLimiter
	if cfg.Pipeline.AdmissionRatePerSec > 0 {
		limiter = resilience.NewRateLimiter("admission", resilience.RateLimiterConfig{
			Limit:       cfg.Pipeline.AdmissionRatePerSec,
			Period:      time.Second,
			BurstFactor: 2,
		}, logger, metrics)
	}

	s := &Supervisor{
		cfg:        cfg,
		logger:     logger.WithPrefix("lifecycle"),
		metrics:    metrics,
		port:       port,
		contextMgr: ctxMgr,
		classifier: classifier,
		reg:        reg,
		inv:        inv,
	}

	// Dispatcher and pipeline reference each other (submit downward,
	// deliver upward); the dispatcher is built first and bound to the
	// pipeline once it exists.
	s.dispatcher = dispatch.New(nil, cfg.Dispatch.AdapterQueueDepth, logger, metrics)
	s.pipe = pipeline.New(cfg.Pipeline, pipeline.Deps{
		Classifier: classifier,
		ContextMgr: ctxMgr,
		Registry:   reg,
		Invoker:    inv,
		Sink:       s.dispatcher,
		Limiter:    limiter,
		Logger:     logger,
		Metrics:    metrics,
	})
	s.dispatcher.BindPipeline(s.pipe)

	s.web = httpadapter.New(cfg.HTTPAddr, s.dispatcher, reg, metricsHandler, logger)
	s.dispatcher.RegisterAdapter(s.web)
	return s, nil
}

// Registry exposes the service registry for operational wiring
// (registering downstream services at boot, tests).
func (s *Supervisor) Registry() *registry.Registry { return s.reg }

// Invoker exposes the invoker for in-process service registration.
func (s *Supervisor) Invoker() *invoker.Invoker { return s.inv }

// Dispatcher exposes UI Dispatch for additional adapter registration.
func (s *Supervisor) Dispatcher() *dispatch.Dispatcher { return s.dispatcher }

// ContextManager exposes the context manager.
func (s *Supervisor) ContextManager() *contextmgr.Manager { return s.contextMgr }

// Run starts background tasks and adapters, blocks until ctx is
// cancelled, then performs the ordered graceful shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	bgCtx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()
	pipeCtx, stopPipeline := context.WithCancel(context.Background())
	defer stopPipeline()

	g := &errgroup.Group{}
	g.Go(func() error {
		return s.pipe.Run(pipeCtx)
	})
	g.Go(func() error {
		prober := registry.NewHTTPProber(s.cfg.Registry.ProbeTimeout())
		s.reg.RunHeartbeatLoop(bgCtx, prober, s.cfg.Registry.HeartbeatInterval())
		return nil
	})
	g.Go(func() error {
		s.runSessionCleanup(bgCtx)
		return nil
	})

	if err := s.dispatcher.StartAdapters(ctx); err != nil {
		stopBackground()
		stopPipeline()
		_ = g.Wait()
		return errors.Wrap(err, "start adapters")
	}
	s.logger.Info("orchestrator started", map[string]interface{}{
		"workers": s.cfg.Pipeline.WorkerCount,
		"addr":    s.cfg.HTTPAddr,
	})

	<-ctx.Done()
	return s.shutdown(g, stopBackground, stopPipeline)
}

// shutdown stops accepting, drains within the grace window, cancels
// the remainder, stops workers and background tasks, then stops the
// adapters.
func (s *Supervisor) shutdown(g *errgroup.Group, stopBackground, stopPipeline context.CancelFunc) error {
	s.logger.Info("shutdown started", map[string]interface{}{"queue_depth": s.pipe.QueueLen()})
	s.dispatcher.StopAccepting()

	graceDeadline := time.Now().Add(s.cfg.Pipeline.DrainGrace())
	for s.pipe.QueueLen() > 0 && time.Now().Before(graceDeadline) {
		time.Sleep(50 * time.Millisecond)
	}
	rejected := s.pipe.RejectRemaining()
	if rejected > 0 {
		s.metrics.IncrementCounter("lifecycle_shutdown_rejected", float64(rejected))
	}

	stopPipeline()
	stopBackground()
	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.dispatcher.StopAdapters(stopCtx)

	s.logger.Info("shutdown complete", map[string]interface{}{"rejected": rejected})
	return err
}

// runSessionCleanup evicts expired sessions on the configured
// interval.
func (s *Supervisor) runSessionCleanup(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Session.CleanupInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := s.contextMgr.CleanupExpiredSessions(ctx); evicted > 0 {
				s.logger.Debug("expired sessions evicted", map[string]interface{}{"count": evicted})
			}
		}
	}
}
