package contextmgr

import (
	"context"
	"time"

	"github.com/voicecore/orchestrator/pkg/models"
	"github.com/voicecore/orchestrator/pkg/persistence"
)

// RegisterDevice creates or replaces a DeviceRecord.
func (m *Manager) RegisterDevice(ctx context.Context, id string, record *models.DeviceRecord) error {
	m.deviceMu.Lock()
	defer m.deviceMu.Unlock()

	cp := *record
	cp.ID = id
	cp.LastUpdate = time.Now()
	data, err := marshal(&cp)
	if err != nil {
		return models.Wrap(models.ErrInternal, "marshal device record", err)
	}
	if err := m.saveWithRetry(ctx, persistence.KindDevice, id, data); err != nil {
		return err
	}
	m.devices.Add(id, &cp)
	return nil
}

// GetDeviceContext returns the cached or persisted DeviceRecord for id.
func (m *Manager) GetDeviceContext(ctx context.Context, id string) (*models.DeviceRecord, error) {
	m.deviceMu.RLock()
	if v, ok := m.devices.Get(id); ok {
		m.deviceMu.RUnlock()
		cp := *v
		return &cp, nil
	}
	m.deviceMu.RUnlock()

	m.deviceMu.Lock()
	defer m.deviceMu.Unlock()
	if v, ok := m.devices.Get(id); ok {
		cp := *v
		return &cp, nil
	}
	data, err := m.port.Load(ctx, persistence.KindDevice, id)
	if err != nil {
		if models.KindOf(err) == models.ErrNotFound {
			return nil, models.NewError(models.ErrNotFound, "device not found: "+id)
		}
		return nil, models.Wrap(models.ErrInternal, "load device", err)
	}
	var record models.DeviceRecord
	if err := unmarshal(data, &record); err != nil {
		return nil, models.Wrap(models.ErrInternal, "decode device record", err)
	}
	m.devices.Add(id, &record)
	cp := record
	return &cp, nil
}

// DeleteDevice removes the device from cache and persistence.
func (m *Manager) DeleteDevice(ctx context.Context, id string) error {
	m.deviceMu.Lock()
	defer m.deviceMu.Unlock()

	if _, ok := m.devices.Get(id); !ok {
		if _, err := m.port.Load(ctx, persistence.KindDevice, id); err != nil {
			return models.NewError(models.ErrNotFound, "device not found: "+id)
		}
	}
	if err := m.port.Delete(ctx, persistence.KindDevice, id); err != nil {
		return models.Wrap(models.ErrInternal, "delete device", err)
	}
	m.devices.Remove(id)
	return nil
}
