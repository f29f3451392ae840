// Package events is the in-process publish/subscribe channel the core uses to
// announce device status changes, new access logs and finished syncs to
// external consumers such as a websocket gateway or the gRPC health bridge.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindDeviceStatusChanged Kind = "device_status_changed"
	KindAccessLogCreated    Kind = "access_log_created"
	KindSyncCompleted       Kind = "sync_completed"
)

type Event struct {
	ID         string
	Kind       Kind
	OccurredAt time.Time
	Payload    any
}

type DeviceStatusChanged struct {
	DeviceID int64
	Online   bool
	Reason   string
}

type AccessLogCreated struct {
	AccessLogID int64
	DeviceID    int64
	PersonnelID *int64
	EventTime   time.Time
	Direction   string
}

type SyncCompleted struct {
	DeviceID      int64
	Status        string
	RecordsSynced int
}

// Publisher is what the core depends on.
type Publisher interface {
	Publish(kind Kind, payload any)
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose
// buffer is full misses the event and its drop counter is incremented.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*subscription
	nextID int
}

type subscription struct {
	ch      chan Event
	kinds   map[Kind]bool // nil means every kind
	dropped atomic.Uint64
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]*subscription)}
}

func (b *Bus) Publish(kind Kind, payload any) {
	ev := Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		OccurredAt: time.Now().UTC(),
		Payload:    payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if s.kinds != nil && !s.kinds[kind] {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Subscribe returns a channel receiving every subsequent event of the given
// kinds (all kinds when none are named) and a cancel function that closes it.
// Events of other kinds neither fill the buffer nor count as drops.
func (b *Bus) Subscribe(buffer int, kinds ...Kind) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscription{ch: make(chan Event, buffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
	return s.ch, cancel
}

// Dropped reports how many events were lost across all live subscribers.
func (b *Bus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n uint64
	for _, s := range b.subs {
		n += s.dropped.Load()
	}
	return n
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Kind, any) {}
