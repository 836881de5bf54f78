package contextmgr

import (
	"context"

	"github.com/voicecore/orchestrator/pkg/models"
	"github.com/voicecore/orchestrator/pkg/persistence"
)

// CreateUser persists a brand-new UserRecord and caches it. Returns
// already-exists if the id is already known to the persistence layer.
func (m *Manager) CreateUser(ctx context.Context, id string, record *models.UserRecord) error {
	m.userMu.Lock()
	defer m.userMu.Unlock()

	if _, err := m.port.Load(ctx, persistence.KindUser, id); err == nil {
		return models.NewError(models.ErrPermanent, "user already exists: "+id)
	}

	record = record.Clone()
	record.ID = id
	data, err := marshal(record)
	if err != nil {
		return models.Wrap(models.ErrInternal, "marshal user record", err)
	}
	if err := m.saveWithRetry(ctx, persistence.KindUser, id, data); err != nil {
		return err
	}
	m.users.Add(id, record)
	return nil
}

// UpdateUser replaces the full stored record; partial updates are the
// caller's responsibility via read-modify-write.
func (m *Manager) UpdateUser(ctx context.Context, id string, record *models.UserRecord) error {
	m.userMu.Lock()
	defer m.userMu.Unlock()

	if _, err := m.loadUserLocked(ctx, id); err != nil {
		return err
	}
	record = record.Clone()
	record.ID = id
	data, err := marshal(record)
	if err != nil {
		return models.Wrap(models.ErrInternal, "marshal user record", err)
	}
	if err := m.saveWithRetry(ctx, persistence.KindUser, id, data); err != nil {
		return err
	}
	m.users.Add(id, record)
	return nil
}

// GetUserContext returns the cached record on a hit, else loads from the
// Persistence Port. The cache is never populated from a failed load.
func (m *Manager) GetUserContext(ctx context.Context, id string) (*models.UserRecord, error) {
	m.userMu.RLock()
	if v, ok := m.users.Get(id); ok {
		m.userMu.RUnlock()
		return v.Clone(), nil
	}
	m.userMu.RUnlock()

	m.userMu.Lock()
	defer m.userMu.Unlock()
	return m.loadUserLocked(ctx, id)
}

func (m *Manager) loadUserLocked(ctx context.Context, id string) (*models.UserRecord, error) {
	if v, ok := m.users.Get(id); ok {
		return v.Clone(), nil
	}
	data, err := m.port.Load(ctx, persistence.KindUser, id)
	if err != nil {
		if models.KindOf(err) == models.ErrNotFound {
			return nil, models.NewError(models.ErrNotFound, "user not found: "+id)
		}
		return nil, models.Wrap(models.ErrInternal, "load user", err)
	}
	var record models.UserRecord
	if err := unmarshal(data, &record); err != nil {
		return nil, models.Wrap(models.ErrInternal, "decode user record", err)
	}
	m.users.Add(id, &record)
	return record.Clone(), nil
}

// DeleteUser removes the user from cache and persistence. Idempotent:
// deleting an already-deleted user returns not-found, not an error that
// should alarm callers.
func (m *Manager) DeleteUser(ctx context.Context, id string) error {
	m.userMu.Lock()
	defer m.userMu.Unlock()

	if _, ok := m.users.Get(id); !ok {
		if _, err := m.port.Load(ctx, persistence.KindUser, id); err != nil {
			return models.NewError(models.ErrNotFound, "user not found: "+id)
		}
	}
	if err := m.port.Delete(ctx, persistence.KindUser, id); err != nil {
		return models.Wrap(models.ErrInternal, "delete user", err)
	}
	m.users.Remove(id)
	return nil
}
