package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/types"
)

type accessKey struct {
	deviceID     int64
	deviceUserID string
	eventMs      int64
}

// AccessLogStore enforces the same uniqueness as the sqlite table.
type AccessLogStore struct {
	mu     sync.Mutex
	logs   []types.AccessLog
	index  map[accessKey]int
	nextID int64

	// FailWrite, when set, is consulted before every insert; a non-nil
	// result fails that write. Test hook.
	FailWrite func(rec types.AccessLog) error
}

func NewAccessLogStore() *AccessLogStore {
	return &AccessLogStore{index: make(map[accessKey]int)}
}

func keyOf(rec types.AccessLog) accessKey {
	return accessKey{deviceID: rec.DeviceID, deviceUserID: rec.DeviceUserID, eventMs: rec.EventTime.UTC().UnixMilli()}
}

func (s *AccessLogStore) UpsertAccessLog(_ context.Context, rec types.AccessLog) (types.AccessLog, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := keyOf(rec)
	if i, ok := s.index[k]; ok {
		return s.logs[i], false, nil
	}
	if s.FailWrite != nil {
		if err := s.FailWrite(rec); err != nil {
			return types.AccessLog{}, false, store.Wrap("UpsertAccessLog", err)
		}
	}

	s.nextID++
	rec.ID = s.nextID
	rec.EventTime = time.UnixMilli(k.eventMs).UTC()
	s.index[k] = len(s.logs)
	s.logs = append(s.logs, rec)
	return rec, true, nil
}

func (s *AccessLogStore) LastDirection(_ context.Context, key store.DirectionKey, from, before time.Time) (types.Direction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best   types.Direction
		bestAt time.Time
	)
	for _, l := range s.logs {
		if l.Direction == "" || l.EventTime.Before(from) || !l.EventTime.Before(before) {
			continue
		}
		if key.PersonnelID != nil {
			if l.PersonnelID == nil || *l.PersonnelID != *key.PersonnelID {
				continue
			}
		} else if l.PersonnelID != nil || l.DeviceID != key.DeviceID || l.DeviceUserID != key.DeviceUserID {
			continue
		}
		if best == "" || !l.EventTime.Before(bestAt) {
			best, bestAt = l.Direction, l.EventTime
		}
	}
	return best, nil
}

func (s *AccessLogStore) ListAccessLogs(_ context.Context, q store.AccessLogQuery) ([]types.AccessLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []types.AccessLog
	for _, l := range s.logs {
		if l.EventTime.Before(q.From) || !l.EventTime.Before(q.To) {
			continue
		}
		if q.PersonnelOnly && l.PersonnelID == nil {
			continue
		}
		if q.LocationID != nil && (l.LocationID == nil || *l.LocationID != *q.LocationID) {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EventTime.Before(out[j].EventTime) })
	return out, nil
}

// All returns a copy of every stored row. Test helper.
func (s *AccessLogStore) All() []types.AccessLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AccessLog, len(s.logs))
	copy(out, s.logs)
	return out
}
