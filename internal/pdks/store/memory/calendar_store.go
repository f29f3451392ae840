package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/types"
)

type CalendarStore struct {
	mu        sync.RWMutex
	locations map[int64]types.Location
	schedules map[int64]types.WorkSchedule
	holidays  []types.Holiday
}

func NewCalendarStore() *CalendarStore {
	return &CalendarStore{
		locations: make(map[int64]types.Location),
		schedules: make(map[int64]types.WorkSchedule),
	}
}

func (s *CalendarStore) PutLocation(l types.Location) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locations[l.ID] = l
}

func (s *CalendarStore) PutSchedule(ws types.WorkSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules[ws.ID] = ws
}

func (s *CalendarStore) PutHoliday(h types.Holiday) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holidays = append(s.holidays, h)
}

func (s *CalendarStore) GetLocation(_ context.Context, id int64) (types.Location, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.locations[id]
	if !ok {
		return types.Location{}, store.ErrNotFound
	}
	return l, nil
}

func (s *CalendarStore) GetWorkSchedule(_ context.Context, id int64) (types.WorkSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ws, ok := s.schedules[id]
	if !ok {
		return types.WorkSchedule{}, store.ErrNotFound
	}
	return ws, nil
}

func (s *CalendarStore) ListHolidays(_ context.Context, from, to time.Time) ([]types.Holiday, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	lo, hi := dateKey(from), dateKey(to)
	var out []types.Holiday
	for _, h := range s.holidays {
		if k := dateKey(h.Date); k >= lo && k <= hi {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func dateKey(t time.Time) string { return t.Format("2006-01-02") }
