package resilience

import (
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/voicecore/orchestrator/pkg/models"
	"github.com/voicecore/orchestrator/pkg/observability"
)

// ErrRateLimited is the cause wrapped in the rejected-overload error
// Execute returns when the bucket is empty.
var ErrRateLimited = errors.New("rate limit exceeded")

// RateLimiterConfig configures a token bucket limiter.
type RateLimiterConfig struct {
	Limit       int           // tokens refilled per period
	Period      time.Duration // refill period
	BurstFactor int           // bucket capacity = Limit * BurstFactor
}

// RateLimiter is a token bucket gating normal/low-priority command
// admission ahead of the pipeline's priority queue. Critical and high
// submissions never pass through it.
type RateLimiter struct {
	name   string
	config RateLimiterConfig

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time

	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewRateLimiter creates a limiter starting with a full bucket.
func NewRateLimiter(name string, config RateLimiterConfig, logger observability.Logger, metrics observability.MetricsClient) *RateLimiter {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	if config.Limit <= 0 {
		config.Limit = 100
	}
	if config.Period <= 0 {
		config.Period = time.Second
	}
	if config.BurstFactor <= 0 {
		config.BurstFactor = 2
	}
	return &RateLimiter{
		name:       name,
		config:     config,
		tokens:     float64(config.Limit * config.BurstFactor),
		lastRefill: time.Now(),
		logger:     logger,
		metrics:    metrics,
	}
}

// Allow consumes one token if available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.refillLocked()
	if r.tokens < 1 {
		r.metrics.IncrementCounterWithLabels("ratelimiter_rejected_total", 1, map[string]string{"limiter": r.name})
		return false
	}
	r.tokens--
	return true
}

// Execute runs fn if a token is available, else returns a
// rejected-overload CoreError wrapping ErrRateLimited.
func (r *RateLimiter) Execute(fn func() error) error {
	if !r.Allow() {
		return models.Wrap(models.ErrRejectedOverload, "rate limited: "+r.name, ErrRateLimited)
	}
	return fn()
}

func (r *RateLimiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill)
	if elapsed <= 0 {
		return
	}
	refill := float64(r.config.Limit) * (float64(elapsed) / float64(r.config.Period))
	max := float64(r.config.Limit * r.config.BurstFactor)
	r.tokens += refill
	if r.tokens > max {
		r.tokens = max
	}
	r.lastRefill = now
}
