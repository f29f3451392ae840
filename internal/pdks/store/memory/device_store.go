package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/types"
)

type DeviceStore struct {
	mu      sync.RWMutex
	devices map[int64]types.Device
}

func NewDeviceStore(devices ...types.Device) *DeviceStore {
	s := &DeviceStore{devices: make(map[int64]types.Device, len(devices))}
	for _, d := range devices {
		s.devices[d.ID] = d
	}
	return s
}

func (s *DeviceStore) Put(d types.Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.ID] = d
}

func (s *DeviceStore) GetDevice(_ context.Context, id int64) (types.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[id]
	if !ok {
		return types.Device{}, store.ErrNotFound
	}
	return d, nil
}

func (s *DeviceStore) ListDevices(_ context.Context, activeOnly bool) ([]types.Device, error) {
	return s.list(func(d types.Device) bool { return !activeOnly || d.IsActive }), nil
}

func (s *DeviceStore) ListDevicesByLocation(_ context.Context, locationID int64) ([]types.Device, error) {
	return s.list(func(d types.Device) bool {
		return d.IsActive && d.LocationID != nil && *d.LocationID == locationID
	}), nil
}

func (s *DeviceStore) list(keep func(types.Device) bool) []types.Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Device, 0, len(s.devices))
	for _, d := range s.devices {
		if keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *DeviceStore) SetOnline(_ context.Context, id int64, online bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return store.ErrNotFound
	}
	d.IsOnline = online
	if online {
		t := at.UTC()
		d.LastOnlineAt = &t
	}
	s.devices[id] = d
	return nil
}

func (s *DeviceStore) SetLastSync(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.devices[id]
	if !ok {
		return store.ErrNotFound
	}
	t := at.UTC()
	d.LastSyncAt = &t
	s.devices[id] = d
	return nil
}
