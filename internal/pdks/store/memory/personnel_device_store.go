package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/types"
)

type pdKey struct{ personnelID, deviceID int64 }

type PersonnelDeviceStore struct {
	mu   sync.Mutex
	rows map[pdKey]types.PersonnelDevice
}

func NewPersonnelDeviceStore() *PersonnelDeviceStore {
	return &PersonnelDeviceStore{rows: make(map[pdKey]types.PersonnelDevice)}
}

func (s *PersonnelDeviceStore) UpsertPersonnelDevice(_ context.Context, rec types.PersonnelDevice) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[pdKey{rec.PersonnelID, rec.DeviceID}] = rec
	return nil
}

func (s *PersonnelDeviceStore) GetPersonnelDevice(_ context.Context, personnelID, deviceID int64) (types.PersonnelDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.rows[pdKey{personnelID, deviceID}]
	if !ok {
		return types.PersonnelDevice{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *PersonnelDeviceStore) DeletePersonnelDevice(_ context.Context, personnelID, deviceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, pdKey{personnelID, deviceID})
	return nil
}

func (s *PersonnelDeviceStore) ListPersonnelDevices(_ context.Context, deviceID int64) ([]types.PersonnelDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.PersonnelDevice
	for k, rec := range s.rows {
		if k.deviceID == deviceID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PersonnelID < out[j].PersonnelID })
	return out, nil
}
