package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/types"
)

type SyncHistoryStore struct {
	mu   sync.Mutex
	rows map[string]types.SyncHistory
}

func NewSyncHistoryStore() *SyncHistoryStore {
	return &SyncHistoryStore{rows: make(map[string]types.SyncHistory)}
}

func (s *SyncHistoryStore) StartSync(_ context.Context, h types.SyncHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[h.ID] = h
	return nil
}

func (s *SyncHistoryStore) CompleteSync(_ context.Context, h types.SyncHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[h.ID]; !ok {
		return store.ErrNotFound
	}
	s.rows[h.ID] = h
	return nil
}

func (s *SyncHistoryStore) ListSyncHistory(_ context.Context, deviceID int64, limit int) ([]types.SyncHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.SyncHistory
	for _, h := range s.rows {
		if deviceID == 0 || h.DeviceID == deviceID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *SyncHistoryStore) PruneSyncHistory(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, h := range s.rows {
		if h.StartedAt.Before(cutoff) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}
