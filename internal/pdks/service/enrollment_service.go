package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/transport"
	"github.com/pdks/engine/internal/pdks/types"
)

// EnrollmentService pushes personnel identities to devices and keeps the
// per-(personnel, device) enrollment state.
type EnrollmentService struct {
	registry *DeviceRegistry
	dialer   transport.Dialer
	stores   Stores
	workers  int
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewEnrollmentService(reg *DeviceRegistry, d transport.Dialer, st Stores, workers int, logger *zap.SugaredLogger) *EnrollmentService {
	if workers <= 0 {
		workers = 5
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EnrollmentService{
		registry: reg,
		dialer:   d,
		stores:   st,
		workers:  workers,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// deviceOp is one user write or delete within a device session.
type deviceOp struct {
	personnelID int64
	user        transport.DeviceUser
	delete      bool
}

// DeviceUserFor builds the terminal user record for p. Personnel without a
// device uid are stored under their id.
func DeviceUserFor(p types.Personnel) transport.DeviceUser {
	uid := p.DeviceUserID
	if uid == 0 {
		uid = int(p.ID)
	}
	return transport.DeviceUser{
		UID:        uid,
		UserID:     strconv.Itoa(uid),
		Name:       p.FullName(),
		CardNumber: p.CardNumber,
		Role:       transport.RoleUser,
	}
}

// runOnDevice executes ops on one device in a single session under the
// device lock and returns one error slot per op. A refused command only
// fails its own op; a broken session fails it and every op after it.
func (s *EnrollmentService) runOnDevice(ctx context.Context, d types.Device, ops []deviceOp) ([]error, error) {
	errs := make([]error, len(ops))
	err := s.registry.WithDeviceLock(ctx, d.ID, func(ctx context.Context) error {
		sess, err := s.dialer.Dial(ctx, s.registry.Endpoint(d))
		if err != nil {
			s.registry.Observe(ctx, d.ID, err)
			for i := range errs {
				errs[i] = err
			}
			return nil
		}
		defer sess.Close()

		var sessionErr error
		for i, op := range ops {
			if sessionErr != nil {
				errs[i] = sessionErr
				continue
			}
			if op.delete {
				errs[i] = sess.DeleteUser(ctx, op.user.UID)
			} else {
				errs[i] = sess.SetUser(ctx, op.user)
			}
			if k := transport.KindOf(errs[i]); errs[i] != nil && k != transport.KindRejected {
				sessionErr = errs[i]
			}
		}
		s.registry.Observe(ctx, d.ID, sessionErr)
		return nil
	})
	return errs, err
}

// enrollOnDevice pushes people to one device and records the outcome for
// each in PersonnelDevice.
func (s *EnrollmentService) enrollOnDevice(ctx context.Context, d types.Device, people []types.Personnel, by string) ([]types.EnrollResult, error) {
	results := make([]types.EnrollResult, len(people))
	ops := make([]deviceOp, len(people))
	for i, p := range people {
		results[i] = types.EnrollResult{PersonnelID: p.ID, DeviceID: d.ID}
		ops[i] = deviceOp{personnelID: p.ID, user: DeviceUserFor(p)}
		s.markPending(ctx, p.ID, d.ID, by)
	}

	errs, err := s.runOnDevice(ctx, d, ops)
	if err != nil {
		return nil, err
	}

	for i, opErr := range errs {
		now := s.now()
		rec := types.PersonnelDevice{
			PersonnelID: people[i].ID,
			DeviceID:    d.ID,
			EnrolledBy:  by,
			UpdatedAt:   now,
		}
		if opErr == nil {
			rec.Status = types.EnrollEnrolled
			rec.EnrolledAt = &now
			results[i].Success = true
		} else {
			rec.Status = types.EnrollFailed
			rec.ErrorMessage = opErr.Error()
			results[i].Error = opErr.Error()
		}
		if err := s.stores.PersonnelDevices.UpsertPersonnelDevice(ctx, rec); err != nil {
			s.logger.Errorw("persist enrollment", "personnel_id", rec.PersonnelID, "device_id", d.ID, "error", err)
			results[i].Success = false
			results[i].Error = err.Error()
		}
	}
	return results, nil
}

// markPending creates the row for a first attempt. Existing rows keep their
// state until the attempt finishes.
func (s *EnrollmentService) markPending(ctx context.Context, personnelID, deviceID int64, by string) {
	_, err := s.stores.PersonnelDevices.GetPersonnelDevice(ctx, personnelID, deviceID)
	if !errors.Is(err, store.ErrNotFound) {
		return
	}
	err = s.stores.PersonnelDevices.UpsertPersonnelDevice(ctx, types.PersonnelDevice{
		PersonnelID: personnelID,
		DeviceID:    deviceID,
		Status:      types.EnrollPending,
		EnrolledBy:  by,
		UpdatedAt:   s.now(),
	})
	if err != nil {
		s.logger.Warnw("persist pending enrollment", "personnel_id", personnelID, "device_id", deviceID, "error", err)
	}
}

func (s *EnrollmentService) personnel(ctx context.Context, id int64) (types.Personnel, error) {
	p, err := s.stores.Personnel.GetPersonnel(ctx, id)
	if err != nil {
		return types.Personnel{}, lookupError(err, ErrUnknownPersonnel, id)
	}
	return p, nil
}

// Enroll pushes one person to one device.
func (s *EnrollmentService) Enroll(ctx context.Context, personnelID, deviceID int64, by string) (types.EnrollResult, error) {
	p, err := s.personnel(ctx, personnelID)
	if err != nil {
		return types.EnrollResult{}, err
	}
	d, err := s.activeDevice(ctx, deviceID)
	if err != nil {
		return types.EnrollResult{}, err
	}
	results, err := s.enrollOnDevice(ctx, d, []types.Personnel{p}, by)
	if err != nil {
		return types.EnrollResult{}, err
	}
	s.logger.Infow("enroll", "personnel_id", personnelID, "device_id", deviceID, "success", results[0].Success)
	return results[0], nil
}

// EnrollMany pushes one person to several devices, different devices in
// parallel. Results follow the order of deviceIDs.
func (s *EnrollmentService) EnrollMany(ctx context.Context, personnelID int64, deviceIDs []int64, by string) ([]types.EnrollResult, error) {
	p, err := s.personnel(ctx, personnelID)
	if err != nil {
		return nil, err
	}
	devices, err := s.devices(ctx, deviceIDs, true)
	if err != nil {
		return nil, err
	}

	return s.fanOut(ctx, devices, func(ctx context.Context, d types.Device) (types.EnrollResult, error) {
		rs, err := s.enrollOnDevice(ctx, d, []types.Personnel{p}, by)
		if err != nil {
			return types.EnrollResult{}, err
		}
		return rs[0], nil
	}, personnelID)
}

// EnrollAll pushes every active person to one device in a single session.
func (s *EnrollmentService) EnrollAll(ctx context.Context, deviceID int64, by string) ([]types.EnrollResult, error) {
	d, err := s.activeDevice(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	people, err := s.stores.Personnel.ListActivePersonnel(ctx, nil)
	if err != nil {
		return nil, store.Wrap("ListActivePersonnel", err)
	}
	results, err := s.enrollOnDevice(ctx, d, people, by)
	if err != nil {
		return nil, err
	}

	ok := 0
	for _, r := range results {
		if r.Success {
			ok++
		}
	}
	s.logger.Infow("enroll all", "device_id", deviceID, "personnel", len(results), "enrolled", ok, "failed", len(results)-ok)
	return results, nil
}

// AssignByLocation enrolls a person on every active device at a location.
func (s *EnrollmentService) AssignByLocation(ctx context.Context, personnelID, locationID int64, by string) ([]types.EnrollResult, error) {
	if _, err := s.stores.Calendar.GetLocation(ctx, locationID); err != nil {
		return nil, lookupError(err, ErrUnknownLocation, locationID)
	}
	devices, err := s.stores.Devices.ListDevicesByLocation(ctx, locationID)
	if err != nil {
		return nil, store.Wrap("ListDevicesByLocation", err)
	}
	ids := make([]int64, len(devices))
	for i, d := range devices {
		ids[i] = d.ID
	}
	return s.EnrollMany(ctx, personnelID, ids, by)
}

// Unassign deletes a person from devices. A successful delete removes the
// PersonnelDevice row; a failed one marks an existing row failed.
func (s *EnrollmentService) Unassign(ctx context.Context, personnelID int64, deviceIDs []int64) ([]types.EnrollResult, error) {
	p, err := s.personnel(ctx, personnelID)
	if err != nil {
		return nil, err
	}
	devices, err := s.devices(ctx, deviceIDs, false)
	if err != nil {
		return nil, err
	}
	user := DeviceUserFor(p)

	return s.fanOut(ctx, devices, func(ctx context.Context, d types.Device) (types.EnrollResult, error) {
		errs, err := s.runOnDevice(ctx, d, []deviceOp{{personnelID: p.ID, user: user, delete: true}})
		if err != nil {
			return types.EnrollResult{}, err
		}
		res := types.EnrollResult{PersonnelID: p.ID, DeviceID: d.ID}
		if errs[0] == nil {
			res.Success = true
			if err := s.stores.PersonnelDevices.DeletePersonnelDevice(ctx, p.ID, d.ID); err != nil {
				res.Success = false
				res.Error = err.Error()
			}
			return res, nil
		}
		res.Error = errs[0].Error()
		if _, err := s.stores.PersonnelDevices.GetPersonnelDevice(ctx, p.ID, d.ID); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				s.logger.Errorw("load enrollment", "personnel_id", p.ID, "device_id", d.ID, "error", err)
			}
			return res, nil
		}
		if err := s.stores.PersonnelDevices.UpsertPersonnelDevice(ctx, types.PersonnelDevice{
			PersonnelID:  p.ID,
			DeviceID:     d.ID,
			Status:       types.EnrollFailed,
			ErrorMessage: "unassign: " + errs[0].Error(),
			UpdatedAt:    s.now(),
		}); err != nil {
			s.logger.Errorw("persist unassign failure", "personnel_id", p.ID, "device_id", d.ID, "error", err)
		}
		return res, nil
	}, personnelID)
}

// IssueTempCard pushes an active temp card to every device it lists. Temp
// cards do not touch PersonnelDevice.
func (s *EnrollmentService) IssueTempCard(ctx context.Context, assignmentID int64) ([]types.EnrollResult, error) {
	a, p, err := s.tempCard(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	if a.Status != types.TempCardActive {
		return nil, fmt.Errorf("%w: temp card %d is %s", ErrInvalidArgument, a.ID, a.Status)
	}
	user := tempCardUser(a, p)
	return s.tempCardOnDevices(ctx, a, deviceOp{personnelID: p.ID, user: user}, true)
}

// RevokeTempCard deletes the temp card uid from its devices and moves the
// assignment to status (expired or revoked). The status changes even when
// some devices could not be reached; those failures are in the results.
func (s *EnrollmentService) RevokeTempCard(ctx context.Context, assignmentID int64, status types.TempCardStatus) ([]types.EnrollResult, error) {
	if status != types.TempCardExpired && status != types.TempCardRevoked {
		return nil, fmt.Errorf("%w: revoke status %q", ErrInvalidArgument, status)
	}
	a, p, err := s.tempCard(ctx, assignmentID)
	if err != nil {
		return nil, err
	}
	results, err := s.tempCardOnDevices(ctx, a, deviceOp{personnelID: p.ID, user: tempCardUser(a, p), delete: true}, false)
	if err != nil {
		return nil, err
	}
	if err := s.stores.TempCards.SetTempCardStatus(ctx, a.ID, status); err != nil {
		return results, store.Wrap("SetTempCardStatus", err)
	}
	s.logger.Infow("temp card revoked", "assignment_id", a.ID, "status", status, "devices", len(results))
	return results, nil
}

func (s *EnrollmentService) tempCard(ctx context.Context, id int64) (types.TempCardAssignment, types.Personnel, error) {
	a, err := s.stores.TempCards.GetTempCard(ctx, id)
	if err != nil {
		return types.TempCardAssignment{}, types.Personnel{}, lookupError(err, ErrUnknownTempCard, id)
	}
	p, err := s.personnel(ctx, a.PersonnelID)
	if err != nil {
		return types.TempCardAssignment{}, types.Personnel{}, err
	}
	return a, p, nil
}

func tempCardUser(a types.TempCardAssignment, p types.Personnel) transport.DeviceUser {
	return transport.DeviceUser{
		UID:        a.TempUID,
		UserID:     strconv.Itoa(a.TempUID),
		Name:       p.FullName(),
		CardNumber: a.TempCardNumber,
		Role:       transport.RoleUser,
	}
}

func (s *EnrollmentService) tempCardOnDevices(ctx context.Context, a types.TempCardAssignment, op deviceOp, activeOnly bool) ([]types.EnrollResult, error) {
	devices, err := s.devices(ctx, a.DeviceIDs, activeOnly)
	if err != nil {
		return nil, err
	}
	return s.fanOut(ctx, devices, func(ctx context.Context, d types.Device) (types.EnrollResult, error) {
		errs, err := s.runOnDevice(ctx, d, []deviceOp{op})
		if err != nil {
			return types.EnrollResult{}, err
		}
		res := types.EnrollResult{PersonnelID: op.personnelID, DeviceID: d.ID, Success: errs[0] == nil}
		if errs[0] != nil {
			res.Error = errs[0].Error()
		}
		return res, nil
	}, op.personnelID)
}

// devices loads ids in order. Pushing users requires active devices;
// removals may still target a decommissioned one.
func (s *EnrollmentService) devices(ctx context.Context, ids []int64, activeOnly bool) ([]types.Device, error) {
	out := make([]types.Device, 0, len(ids))
	for _, id := range ids {
		d, err := s.registry.Device(ctx, id)
		if err != nil {
			return nil, err
		}
		if activeOnly && !d.IsActive {
			return nil, fmt.Errorf("%w: %d", ErrInactiveDevice, id)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *EnrollmentService) activeDevice(ctx context.Context, id int64) (types.Device, error) {
	ds, err := s.devices(ctx, []int64{id}, true)
	if err != nil {
		return types.Device{}, err
	}
	return ds[0], nil
}

// fanOut runs fn for each device with bounded concurrency. An item whose
// device lock could not be taken before ctx ended is reported as failed.
func (s *EnrollmentService) fanOut(ctx context.Context, devices []types.Device,
	fn func(context.Context, types.Device) (types.EnrollResult, error), personnelID int64) ([]types.EnrollResult, error) {

	results := make([]types.EnrollResult, len(devices))
	var g errgroup.Group
	g.SetLimit(s.workers)
	for i, d := range devices {
		g.Go(func() error {
			res, err := fn(ctx, d)
			if err != nil {
				res = types.EnrollResult{PersonnelID: personnelID, DeviceID: d.ID, Error: err.Error()}
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}
