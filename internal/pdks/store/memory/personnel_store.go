package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/types"
)

// PersonnelStore holds personnel and their temp card assignments, since
// device user resolution consults both.
type PersonnelStore struct {
	mu        sync.RWMutex
	personnel map[int64]types.Personnel
	tempCards map[int64]types.TempCardAssignment
}

func NewPersonnelStore(people ...types.Personnel) *PersonnelStore {
	s := &PersonnelStore{
		personnel: make(map[int64]types.Personnel, len(people)),
		tempCards: make(map[int64]types.TempCardAssignment),
	}
	for _, p := range people {
		s.personnel[p.ID] = p
	}
	return s
}

func (s *PersonnelStore) Put(p types.Personnel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.personnel[p.ID] = p
}

func (s *PersonnelStore) PutTempCard(a types.TempCardAssignment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tempCards[a.ID] = a
}

func (s *PersonnelStore) GetPersonnel(_ context.Context, id int64) (types.Personnel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.personnel[id]
	if !ok {
		return types.Personnel{}, store.ErrNotFound
	}
	return p, nil
}

func (s *PersonnelStore) ListActivePersonnel(_ context.Context, locationID *int64) ([]types.Personnel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.Personnel, 0, len(s.personnel))
	for _, p := range s.personnel {
		if !p.IsActive {
			continue
		}
		if locationID != nil && (p.LocationID == nil || *p.LocationID != *locationID) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *PersonnelStore) ResolveDeviceUser(_ context.Context, uid int, userID string, at time.Time) (*int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cards := make([]types.TempCardAssignment, 0, len(s.tempCards))
	for _, a := range s.tempCards {
		cards = append(cards, a)
	}
	sort.Slice(cards, func(i, j int) bool { return cards[i].ID > cards[j].ID })
	for _, a := range cards {
		if a.TempUID == uid && a.Status == types.TempCardActive && at.Before(a.ExpiresAt) {
			id := a.PersonnelID
			return &id, nil
		}
	}

	people := make([]types.Personnel, 0, len(s.personnel))
	for _, p := range s.personnel {
		people = append(people, p)
	}
	// Same preference as the sqlite store: active first, then lowest id.
	sort.Slice(people, func(i, j int) bool {
		if people[i].IsActive != people[j].IsActive {
			return people[i].IsActive
		}
		return people[i].ID < people[j].ID
	})

	if uid > 0 {
		for _, p := range people {
			if p.DeviceUserID == uid {
				id := p.ID
				return &id, nil
			}
		}
		// Personnel without a device uid are enrolled under their id.
		for _, p := range people {
			if p.DeviceUserID == 0 && p.ID == int64(uid) {
				id := p.ID
				return &id, nil
			}
		}
	}

	if userID = strings.TrimSpace(userID); userID != "" {
		for _, p := range people {
			if p.CardNumber == userID {
				id := p.ID
				return &id, nil
			}
		}
	}
	return nil, nil
}

func (s *PersonnelStore) GetTempCard(_ context.Context, id int64) (types.TempCardAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.tempCards[id]
	if !ok {
		return types.TempCardAssignment{}, store.ErrNotFound
	}
	return a, nil
}

func (s *PersonnelStore) ListExpiredTempCards(_ context.Context, now time.Time) ([]types.TempCardAssignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.TempCardAssignment
	for _, a := range s.tempCards {
		if a.Status == types.TempCardActive && !a.ExpiresAt.After(now) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *PersonnelStore) SetTempCardStatus(_ context.Context, id int64, status types.TempCardStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.tempCards[id]
	if !ok {
		return store.ErrNotFound
	}
	a.Status = status
	s.tempCards[id] = a
	return nil
}
