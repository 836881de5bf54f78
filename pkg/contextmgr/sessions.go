package contextmgr

import (
	"context"
	"time"

	"github.com/voicecore/orchestrator/pkg/models"
	"github.com/voicecore/orchestrator/pkg/persistence"
)

// CreateSession generates a fresh session id and persists the
// new SessionRecord immediately.
func (m *Manager) CreateSession(ctx context.Context, userID string, iface models.InterfaceTag) (string, error) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	id, err := generateSessionID(func(candidate string) bool {
		_, ok := m.sessions.Get(candidate)
		return ok
	})
	if err != nil {
		return "", err
	}

	now := time.Now()
	record := &models.SessionRecord{
		ID:             id,
		UserID:         userID,
		Interface:      iface,
		CreatedAt:      now,
		LastAccessed:   now,
		History:        nil,
		Variables:      map[string]string{},
		LastParameters: map[string]string{},
		ServiceState:   map[string]map[string]any{},
	}
	data, err := marshal(record)
	if err != nil {
		return "", models.Wrap(models.ErrInternal, "marshal session record", err)
	}
	if err := m.saveWithRetry(ctx, persistence.KindSession, id, data); err != nil {
		return "", err
	}
	m.sessions.Add(id, record)
	return id, nil
}

// GetSessionContext returns the session, touching last-accessed on a
// hit. last-accessed is monotonically non-decreasing.
func (m *Manager) GetSessionContext(ctx context.Context, id string) (*models.SessionRecord, error) {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()
	return m.touchLocked(ctx, id)
}

func (m *Manager) touchLocked(ctx context.Context, id string) (*models.SessionRecord, error) {
	record, err := m.loadSessionLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	if now.After(record.LastAccessed) {
		record.LastAccessed = now
	}
	m.sessions.Add(id, record)
	if err := m.persistSessionLocked(ctx, record); err != nil {
		return nil, err
	}
	return record.Clone(), nil
}

func (m *Manager) loadSessionLocked(ctx context.Context, id string) (*models.SessionRecord, error) {
	if v, ok := m.sessions.Get(id); ok {
		return v, nil
	}
	data, err := m.port.Load(ctx, persistence.KindSession, id)
	if err != nil {
		if models.KindOf(err) == models.ErrNotFound {
			return nil, models.NewError(models.ErrNotFound, "session not found: "+id)
		}
		return nil, models.Wrap(models.ErrInternal, "load session", err)
	}
	var record models.SessionRecord
	if err := unmarshal(data, &record); err != nil {
		return nil, models.Wrap(models.ErrInternal, "decode session record", err)
	}
	m.sessions.Add(id, &record)
	return &record, nil
}

func (m *Manager) persistSessionLocked(ctx context.Context, record *models.SessionRecord) error {
	data, err := marshal(record)
	if err != nil {
		return models.Wrap(models.ErrInternal, "marshal session record", err)
	}
	return m.saveWithRetry(ctx, persistence.KindSession, record.ID, data)
}

// UpdateSession replaces the full stored record.
func (m *Manager) UpdateSession(ctx context.Context, id string, record *models.SessionRecord) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	existing, err := m.loadSessionLocked(ctx, id)
	if err != nil {
		return err
	}
	cp := record.Clone()
	cp.ID = id
	if cp.LastAccessed.Before(existing.LastAccessed) {
		cp.LastAccessed = existing.LastAccessed
	}
	if err := m.persistSessionLocked(ctx, cp); err != nil {
		return err
	}
	m.sessions.Add(id, cp)
	return nil
}

// DeleteSession removes the session from cache and persistence.
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	if _, ok := m.sessions.Get(id); !ok {
		if _, err := m.port.Load(ctx, persistence.KindSession, id); err != nil {
			return models.NewError(models.ErrNotFound, "session not found: "+id)
		}
	}
	if err := m.port.Delete(ctx, persistence.KindSession, id); err != nil {
		return models.Wrap(models.ErrInternal, "delete session", err)
	}
	m.sessions.Remove(id)
	return nil
}

// AddCommandToHistory appends a (command, response) pair, evicting the
// oldest entry FIFO-style once the configured cap is exceeded
// (default 50).
func (m *Manager) AddCommandToHistory(ctx context.Context, id, command, response string, failed bool) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	record, err := m.loadSessionLocked(ctx, id)
	if err != nil {
		return err
	}
	record.History = append(record.History, models.HistoryEntry{
		Command:  command,
		Response: response,
		Failed:   failed,
		At:       time.Now(),
	})
	record.History = trimHistory(record.History, m.historyCap())
	now := time.Now()
	if now.After(record.LastAccessed) {
		record.LastAccessed = now
	}
	if err := m.persistSessionLocked(ctx, record); err != nil {
		return err
	}
	m.sessions.Add(id, record)
	return nil
}

// CompleteCommandInHistory fills in the response on the tentative entry
// recorded at dispatch start (the most recent open entry for command),
// so a command occupies exactly one history slot from start to terminal
// state. Falls back to appending when no tentative entry survives (e.g.
// it was FIFO-evicted mid-flight).
func (m *Manager) CompleteCommandInHistory(ctx context.Context, id, command, response string, failed bool) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	record, err := m.loadSessionLocked(ctx, id)
	if err != nil {
		return err
	}
	if e := lastTentative(record.History, command); e != nil {
		e.Response = response
		e.Failed = failed
	} else {
		record.History = append(record.History, models.HistoryEntry{
			Command:  command,
			Response: response,
			Failed:   failed,
			At:       time.Now(),
		})
		record.History = trimHistory(record.History, m.historyCap())
	}
	now := time.Now()
	if now.After(record.LastAccessed) {
		record.LastAccessed = now
	}
	if err := m.persistSessionLocked(ctx, record); err != nil {
		return err
	}
	m.sessions.Add(id, record)
	return nil
}

// RecordCancellation marks the tentative entry for command as cancelled.
// If no tentative entry exists nothing is recorded — a cancelled request
// only leaves a trace when the session already observed its start.
func (m *Manager) RecordCancellation(ctx context.Context, id, command string) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	record, err := m.loadSessionLocked(ctx, id)
	if err != nil {
		return err
	}
	e := lastTentative(record.History, command)
	if e == nil {
		return nil
	}
	e.Cancelled = true
	if err := m.persistSessionLocked(ctx, record); err != nil {
		return err
	}
	m.sessions.Add(id, record)
	return nil
}

// lastTentative finds the most recent open (no response, not failed, not
// cancelled) entry for command, scanning newest-first.
func lastTentative(history []models.HistoryEntry, command string) *models.HistoryEntry {
	for i := len(history) - 1; i >= 0; i-- {
		e := &history[i]
		if e.Command == command && e.Response == "" && !e.Failed && !e.Cancelled {
			return e
		}
	}
	return nil
}

func (m *Manager) historyCap() int {
	if m.cfg.HistoryCap > 0 {
		return m.cfg.HistoryCap
	}
	return 50
}

func trimHistory(history []models.HistoryEntry, cap int) []models.HistoryEntry {
	if len(history) > cap {
		return history[len(history)-cap:]
	}
	return history
}

// SetSessionVariable stores an arbitrary session-scoped variable.
func (m *Manager) SetSessionVariable(ctx context.Context, id, key, value string) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	record, err := m.loadSessionLocked(ctx, id)
	if err != nil {
		return err
	}
	if record.Variables == nil {
		record.Variables = map[string]string{}
	}
	record.Variables[key] = value
	if err := m.persistSessionLocked(ctx, record); err != nil {
		return err
	}
	m.sessions.Add(id, record)
	return nil
}

// GetSessionVariable reads a session-scoped variable.
func (m *Manager) GetSessionVariable(ctx context.Context, id, key string) (string, bool, error) {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()

	record, err := m.loadSessionLocked(ctx, id)
	if err != nil {
		return "", false, err
	}
	v, ok := record.Variables[key]
	return v, ok, nil
}

// UpdateLastIntent records the most recently classified intent and its
// parameters, used by the pipeline's contextual-inference step.
func (m *Manager) UpdateLastIntent(ctx context.Context, id, intentName string, params map[string]string) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	record, err := m.loadSessionLocked(ctx, id)
	if err != nil {
		return err
	}
	record.LastIntent = intentName
	record.LastParameters = map[string]string{}
	for k, v := range params {
		record.LastParameters[k] = v
	}
	if err := m.persistSessionLocked(ctx, record); err != nil {
		return err
	}
	m.sessions.Add(id, record)
	return nil
}

// UpdateServiceState merges state into the session's per-service state,
// stored as ServiceState[serviceName][key], and records serviceName as
// the last-used service. No flat "serviceName.key" entries are written;
// each service's keys live in their own inner map.
func (m *Manager) UpdateServiceState(ctx context.Context, id, serviceName string, state map[string]any) error {
	m.sessionMu.Lock()
	defer m.sessionMu.Unlock()

	record, err := m.loadSessionLocked(ctx, id)
	if err != nil {
		return err
	}
	if record.ServiceState == nil {
		record.ServiceState = map[string]map[string]any{}
	}
	record.LastService = serviceName
	bucket, ok := record.ServiceState[serviceName]
	if !ok {
		bucket = map[string]any{}
		record.ServiceState[serviceName] = bucket
	}
	for k, v := range state {
		bucket[k] = v
	}
	if err := m.persistSessionLocked(ctx, record); err != nil {
		return err
	}
	m.sessions.Add(id, record)
	return nil
}

// GetRecentCommands returns up to count of the most recent history
// entries; asking for more than the history holds returns everything.
func (m *Manager) GetRecentCommands(ctx context.Context, id string, count int) ([]models.HistoryEntry, error) {
	m.sessionMu.RLock()
	defer m.sessionMu.RUnlock()

	record, err := m.loadSessionLocked(ctx, id)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, nil
	}
	if count >= len(record.History) {
		return append([]models.HistoryEntry(nil), record.History...), nil
	}
	return append([]models.HistoryEntry(nil), record.History[len(record.History)-count:]...), nil
}

// CleanupExpiredSessions scans the session cache and evicts entries
// inactive for >= TTL, deleting them from persistence too.
// The scan is bounded by cfg.CleanupSlice() to avoid starving the
// command pipeline; sessions beyond the slice are left for the next tick.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (evicted int) {
	deadline := time.Now().Add(m.cfg.CleanupSlice())
	ttl := m.cfg.TTL()

	m.sessionMu.Lock()
	keys := m.sessions.Keys()
	var expired []string
	now := time.Now()
	for _, k := range keys {
		if time.Now().After(deadline) {
			break
		}
		v, ok := m.sessions.Peek(k)
		if !ok {
			continue
		}
		if now.Sub(v.LastAccessed) >= ttl {
			expired = append(expired, k)
		}
	}
	for _, k := range expired {
		m.sessions.Remove(k)
	}
	m.sessionMu.Unlock()

	for _, k := range expired {
		if err := m.port.Delete(ctx, persistence.KindSession, k); err != nil {
			m.logger.Warn("failed to delete expired session from persistence", map[string]interface{}{
				"session_id": k, "error": err.Error(),
			})
			continue
		}
		evicted++
	}
	if evicted > 0 {
		m.metrics.IncrementCounter("contextmgr_sessions_expired", float64(evicted))
	}
	return evicted
}
