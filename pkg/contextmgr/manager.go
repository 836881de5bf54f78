// Package contextmgr implements the Context Manager: an in-memory
// authoritative view of User/Session/Device records with write-through
// persistence, TTL-based session expiry, and bounded command history.
package contextmgr

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/voicecore/orchestrator/pkg/config"
	"github.com/voicecore/orchestrator/pkg/models"
	"github.com/voicecore/orchestrator/pkg/observability"
	"github.com/voicecore/orchestrator/pkg/persistence"
)

// maxBoundedEntities caps the non-expiring user/device caches so a
// long-running process doesn't grow unboundedly; eviction here only
// drops the in-memory cache entry, never the persisted record.
const maxBoundedEntities = 100_000

// Manager is the Context Manager. One instance is shared by the Command
// Pipeline's workers.
type Manager struct {
	port    persistence.Port
	logger  observability.Logger
	metrics observability.MetricsClient
	cfg     config.SessionConfig

	userMu   sync.RWMutex
	users    *lru.Cache[string, *models.UserRecord]

	sessionMu sync.RWMutex
	sessions  *expirable.LRU[string, *models.SessionRecord]

	deviceMu sync.RWMutex
	devices  *lru.Cache[string, *models.DeviceRecord]
}

// New constructs a Context Manager. cfg.TTL() governs the session
// cache's expiry window; a TTL of zero or less disables time-based
// expiry of the cache.
func New(port persistence.Port, logger observability.Logger, metrics observability.MetricsClient, cfg config.SessionConfig) (*Manager, error) {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	users, err := lru.New[string, *models.UserRecord](maxBoundedEntities)
	if err != nil {
		return nil, err
	}
	devices, err := lru.New[string, *models.DeviceRecord](maxBoundedEntities)
	if err != nil {
		return nil, err
	}
	sessions := expirable.NewLRU[string, *models.SessionRecord](0, nil, cfg.TTL())
	return &Manager{
		port:     port,
		logger:   logger.WithPrefix("contextmgr"),
		metrics:  metrics,
		cfg:      cfg,
		users:    users,
		sessions: sessions,
		devices:  devices,
	}, nil
}

// saveWithRetry write-throughs data to the Persistence Port, retrying
// transient failures with exponential backoff (3 attempts, 50ms base,
// 500ms cap) and surfacing permanent failures immediately.
func (m *Manager) saveWithRetry(ctx context.Context, kind persistence.Kind, id string, data []byte) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = 0 // bounded by attempt count instead, via WithMaxRetries
	policy := backoff.WithMaxRetries(bo, 2) // 3 total attempts

	var lastErr error
	op := func() error {
		err := m.port.Save(ctx, kind, id, data)
		if err == nil {
			return nil
		}
		lastErr = err
		if models.KindOf(err) == models.ErrTransient {
			return err // retryable
		}
		return backoff.Permanent(err) // permanent errors stop immediately
	}
	if err := backoff.Retry(op, policy); err != nil {
		m.metrics.IncrementCounterWithLabels("contextmgr_persist_failures", 1, map[string]string{"kind": string(kind)})
		if lastErr != nil {
			return lastErr
		}
		return err
	}
	return nil
}

func marshal(v any) ([]byte, error) { return json.Marshal(v) }

func unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
