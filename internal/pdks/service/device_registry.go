package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pdks/engine/internal/pdks/events"
	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/transport"
	"github.com/pdks/engine/internal/pdks/types"
)

// HealthPolicy decides when failed exchanges take a device offline.
// Timeouts are counted separately so a single dropped reply does not flap
// the device. A successful exchange always brings it back immediately.
type HealthPolicy struct {
	// FailureThreshold is the number of consecutive connection, auth or
	// protocol failures that mark a device offline. Defaults to 1.
	FailureThreshold int
	// TimeoutThreshold is the number of consecutive timeouts that mark a
	// device offline. Defaults to 2.
	TimeoutThreshold int
}

func (p HealthPolicy) withDefaults() HealthPolicy {
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = 1
	}
	if p.TimeoutThreshold <= 0 {
		p.TimeoutThreshold = 2
	}
	return p
}

type healthState struct {
	known    bool
	online   bool
	failures int
	timeouts int
}

// DeviceRegistry serializes command sessions per device and tracks whether
// each device is reachable.
type DeviceRegistry struct {
	store  store.DeviceStore
	events events.Publisher
	policy HealthPolicy
	logger *zap.SugaredLogger
	now    func() time.Time

	mu     sync.Mutex
	locks  map[int64]chan struct{}
	health map[int64]*healthState
}

func NewDeviceRegistry(st store.DeviceStore, pub events.Publisher, policy HealthPolicy, logger *zap.SugaredLogger) *DeviceRegistry {
	if pub == nil {
		pub = events.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DeviceRegistry{
		store:  st,
		events: pub,
		policy: policy.withDefaults(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[int64]chan struct{}),
		health: make(map[int64]*healthState),
	}
}

// Device loads a device, mapping a missing row to ErrUnknownDevice.
func (r *DeviceRegistry) Device(ctx context.Context, id int64) (types.Device, error) {
	d, err := r.store.GetDevice(ctx, id)
	if err != nil {
		return types.Device{}, lookupError(err, ErrUnknownDevice, id)
	}
	return d, nil
}

// Endpoint is where the transport reaches d.
func (r *DeviceRegistry) Endpoint(d types.Device) transport.Endpoint {
	return transport.Endpoint{Host: d.IPAddress, Port: d.Port, CommKey: d.CommKey}
}

// WithDeviceLock runs fn while holding the exclusive lock for deviceID.
// Waiting for the lock gives up when ctx is done.
func (r *DeviceRegistry) WithDeviceLock(ctx context.Context, deviceID int64, fn func(ctx context.Context) error) error {
	l := r.lockFor(deviceID)
	select {
	case l <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l }()
	return fn(ctx)
}

func (r *DeviceRegistry) lockFor(deviceID int64) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[deviceID]
	if !ok {
		l = make(chan struct{}, 1)
		r.locks[deviceID] = l
	}
	return l
}

// MarkOnline records a successful exchange with the device.
func (r *DeviceRegistry) MarkOnline(ctx context.Context, deviceID int64) {
	st := r.state(ctx, deviceID)

	r.mu.Lock()
	changed := !st.online
	st.online = true
	st.failures, st.timeouts = 0, 0
	r.mu.Unlock()

	if err := r.store.SetOnline(ctx, deviceID, true, r.now()); err != nil {
		r.logger.Warnw("persist device online", "device_id", deviceID, "error", err)
	}
	if changed {
		r.logger.Infow("device online", "device_id", deviceID)
		r.events.Publish(events.KindDeviceStatusChanged, events.DeviceStatusChanged{DeviceID: deviceID, Online: true})
	}
}

// MarkOffline records a failed exchange. The device is only flipped offline
// once the policy threshold for the failure's kind is reached.
func (r *DeviceRegistry) MarkOffline(ctx context.Context, deviceID int64, reason error) {
	st := r.state(ctx, deviceID)

	r.mu.Lock()
	if transport.KindOf(reason) == transport.KindTimeout {
		st.timeouts++
	} else {
		st.failures++
	}
	trip := st.failures >= r.policy.FailureThreshold || st.timeouts >= r.policy.TimeoutThreshold
	changed := trip && st.online
	if trip {
		st.online = false
	}
	r.mu.Unlock()

	if !changed {
		return
	}
	msg := ""
	if reason != nil {
		msg = reason.Error()
	}
	if err := r.store.SetOnline(ctx, deviceID, false, r.now()); err != nil {
		r.logger.Warnw("persist device offline", "device_id", deviceID, "error", err)
	}
	r.logger.Warnw("device offline", "device_id", deviceID, "reason", msg)
	r.events.Publish(events.KindDeviceStatusChanged, events.DeviceStatusChanged{DeviceID: deviceID, Online: false, Reason: msg})
}

// Observe feeds the outcome of a device exchange into the health monitor.
// A device that refused a command still answered, so it counts as online.
// Cancellations and non-transport errors leave the state alone.
func (r *DeviceRegistry) Observe(ctx context.Context, deviceID int64, err error) {
	switch kind := transport.KindOf(err); {
	case err == nil, kind == transport.KindRejected:
		r.MarkOnline(ctx, deviceID)
	case errors.Is(err, context.Canceled):
	case kind != 0:
		r.MarkOffline(ctx, deviceID, err)
	}
}

// IsOnline reports the monitor's current view of the device.
func (r *DeviceRegistry) IsOnline(ctx context.Context, deviceID int64) bool {
	st := r.state(ctx, deviceID)
	r.mu.Lock()
	defer r.mu.Unlock()
	return st.online
}

// state returns the health entry for deviceID, seeding it from the stored
// device the first time the device is seen.
func (r *DeviceRegistry) state(ctx context.Context, deviceID int64) *healthState {
	r.mu.Lock()
	st, ok := r.health[deviceID]
	if !ok {
		st = &healthState{}
		r.health[deviceID] = st
	}
	known := st.known
	r.mu.Unlock()

	if known {
		return st
	}
	online := false
	if d, err := r.store.GetDevice(ctx, deviceID); err == nil {
		online = d.IsOnline
	}
	r.mu.Lock()
	if !st.known {
		st.known = true
		st.online = online
	}
	r.mu.Unlock()
	return st
}
