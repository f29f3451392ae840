package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pdks/engine/internal/pdks/types"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrPersistence = errors.New("storage write failed")
)

// PersistenceError marks a storage failure so callers can tell it apart from
// device errors.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }
func (e *PersistenceError) Unwrap() error { return e.Err }
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

// Wrap turns err into a PersistenceError. nil and ErrNotFound pass through.
func Wrap(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

type DeviceStore interface {
	GetDevice(ctx context.Context, id int64) (types.Device, error)
	ListDevices(ctx context.Context, activeOnly bool) ([]types.Device, error)
	// ListDevicesByLocation returns the active devices at a location.
	ListDevicesByLocation(ctx context.Context, locationID int64) ([]types.Device, error)
	// SetOnline records reachability; an online transition also stamps
	// last_online_at.
	SetOnline(ctx context.Context, id int64, online bool, at time.Time) error
	SetLastSync(ctx context.Context, id int64, at time.Time) error
}

type PersonnelStore interface {
	GetPersonnel(ctx context.Context, id int64) (types.Personnel, error)
	// ListActivePersonnel returns active personnel, optionally only those
	// assigned to locationID.
	ListActivePersonnel(ctx context.Context, locationID *int64) ([]types.Personnel, error)
	// ResolveDeviceUser maps a terminal uid / user id seen at time at to a
	// person: an active temp card with that uid first, then the person's
	// device uid, then their card number. Returns nil when nobody matches.
	ResolveDeviceUser(ctx context.Context, uid int, userID string, at time.Time) (*int64, error)
}

// DirectionKey identifies whose punches alternate together: a person across
// all devices, or an unresolved user on one device.
type DirectionKey struct {
	PersonnelID  *int64
	DeviceID     int64
	DeviceUserID string
}

type AccessLogQuery struct {
	From, To   time.Time // [From, To)
	LocationID *int64
	// PersonnelOnly drops punches that were never matched to a person.
	PersonnelOnly bool
}

type AccessLogStore interface {
	// UpsertAccessLog inserts rec unless (device_id, device_user_id,
	// event_time) already exists. It returns the stored row and whether it
	// was inserted by this call.
	UpsertAccessLog(ctx context.Context, rec types.AccessLog) (types.AccessLog, bool, error)
	// LastDirection returns the direction of the latest directed punch for
	// key in [from, before), or "" if there is none.
	LastDirection(ctx context.Context, key DirectionKey, from, before time.Time) (types.Direction, error)
	ListAccessLogs(ctx context.Context, q AccessLogQuery) ([]types.AccessLog, error)
}

type SyncHistoryStore interface {
	StartSync(ctx context.Context, h types.SyncHistory) error
	CompleteSync(ctx context.Context, h types.SyncHistory) error
	ListSyncHistory(ctx context.Context, deviceID int64, limit int) ([]types.SyncHistory, error)
	PruneSyncHistory(ctx context.Context, cutoff time.Time) (int64, error)
}

type PersonnelDeviceStore interface {
	UpsertPersonnelDevice(ctx context.Context, rec types.PersonnelDevice) error
	GetPersonnelDevice(ctx context.Context, personnelID, deviceID int64) (types.PersonnelDevice, error)
	DeletePersonnelDevice(ctx context.Context, personnelID, deviceID int64) error
	ListPersonnelDevices(ctx context.Context, deviceID int64) ([]types.PersonnelDevice, error)
}

// CalendarStore serves the read-only schedule inputs of the reconciliation
// engine.
type CalendarStore interface {
	GetLocation(ctx context.Context, id int64) (types.Location, error)
	GetWorkSchedule(ctx context.Context, id int64) (types.WorkSchedule, error)
	// ListHolidays returns holidays whose date falls in [from, to].
	ListHolidays(ctx context.Context, from, to time.Time) ([]types.Holiday, error)
}

type TempCardStore interface {
	GetTempCard(ctx context.Context, id int64) (types.TempCardAssignment, error)
	// ListExpiredTempCards returns active assignments whose expiry is at or
	// before now.
	ListExpiredTempCards(ctx context.Context, now time.Time) ([]types.TempCardAssignment, error)
	SetTempCardStatus(ctx context.Context, id int64, status types.TempCardStatus) error
}
