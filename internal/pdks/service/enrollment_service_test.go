package service_test

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdks/engine/internal/pdks/service"
	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/transport"
	"github.com/pdks/engine/internal/pdks/types"
)

func TestEnroll_PushesUserAndRecordsEnrolled(t *testing.T) {
	f := newFixture(t, 0)
	srv := f.addTerminal(t, 1, types.DirectionBoth)
	p := person(10, 100)
	p.CardNumber = "123456"
	f.personnel.Put(p)
	ctx := context.Background()

	res, err := f.enrollment.Enroll(ctx, 10, 1, "admin")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Error)

	u, ok := srv.Users()[100]
	require.True(t, ok)
	assert.Equal(t, "123456", u.CardNumber)
	assert.Equal(t, "100", u.UserID)
	assert.Equal(t, "P Person", u.Name)

	pd, err := f.enrolled.GetPersonnelDevice(ctx, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, types.EnrollEnrolled, pd.Status)
	assert.Equal(t, "admin", pd.EnrolledBy)
	assert.NotNil(t, pd.EnrolledAt)
}

func TestEnroll_FailureIsCapturedNotReturned(t *testing.T) {
	f := newFixture(t, 0)
	srv := f.addTerminal(t, 1, types.DirectionBoth)
	f.personnel.Put(person(10, 100))
	ctx := context.Background()

	_, err := f.enrollment.Enroll(ctx, 10, 1, "admin")
	require.NoError(t, err)

	// A later failure moves enrolled to failed.
	srv.RejectUID(100)
	res, err := f.enrollment.Enroll(ctx, 10, 1, "admin")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "rejected")

	pd, err := f.enrolled.GetPersonnelDevice(ctx, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, types.EnrollFailed, pd.Status)
	assert.Contains(t, pd.ErrorMessage, "rejected")
}

func TestEnroll_UnreachableDevice(t *testing.T) {
	f := newFixture(t, 0)
	f.addUnreachable(t, 1)
	f.personnel.Put(person(10, 100))

	res, err := f.enrollment.Enroll(context.Background(), 10, 1, "admin")
	require.NoError(t, err)
	assert.False(t, res.Success)

	pd, err := f.enrolled.GetPersonnelDevice(context.Background(), 10, 1)
	require.NoError(t, err)
	assert.Equal(t, types.EnrollFailed, pd.Status)
	assert.Nil(t, pd.EnrolledAt)
}

func TestEnroll_CallerErrors(t *testing.T) {
	f := newFixture(t, 0)
	f.addTerminal(t, 1, types.DirectionBoth)
	f.personnel.Put(person(10, 100))

	_, err := f.enrollment.Enroll(context.Background(), 99, 1, "")
	assert.ErrorIs(t, err, service.ErrUnknownPersonnel)

	_, err = f.enrollment.Enroll(context.Background(), 10, 99, "")
	assert.ErrorIs(t, err, service.ErrUnknownDevice)
}

func TestEnrollAll_IsolatesRejections(t *testing.T) {
	f := newFixture(t, 0)
	srv := f.addTerminal(t, 1, types.DirectionBoth)
	for i := 1; i <= 50; i++ {
		f.personnel.Put(person(int64(i), i))
	}
	inactive := person(51, 51)
	inactive.IsActive = false
	f.personnel.Put(inactive)
	for _, uid := range []int{7, 19, 33} {
		srv.RejectUID(uid)
	}
	ctx := context.Background()

	results, err := f.enrollment.EnrollAll(ctx, 1, "supervisor")
	require.NoError(t, err)
	require.Len(t, results, 50)

	ok, failed := 0, 0
	for _, r := range results {
		if r.Success {
			ok++
		} else {
			failed++
		}
	}
	assert.Equal(t, 47, ok)
	assert.Equal(t, 3, failed)
	assert.Len(t, srv.Users(), 47)
	assert.Equal(t, 1, srv.Sessions(), "the whole batch uses one session")

	rows, err := f.enrolled.ListPersonnelDevices(ctx, 1)
	require.NoError(t, err)
	require.Len(t, rows, 50)
	byStatus := map[types.EnrollStatus]int{}
	for _, r := range rows {
		byStatus[r.Status]++
	}
	assert.Equal(t, 47, byStatus[types.EnrollEnrolled])
	assert.Equal(t, 3, byStatus[types.EnrollFailed])

	pd, err := f.enrolled.GetPersonnelDevice(ctx, 19, 1)
	require.NoError(t, err)
	assert.Equal(t, types.EnrollFailed, pd.Status)
}

func TestEnrollMany_PerDeviceIsolation(t *testing.T) {
	f := newFixture(t, 0)
	a := f.addTerminal(t, 1, types.DirectionIn)
	f.addUnreachable(t, 2)
	b := f.addTerminal(t, 3, types.DirectionOut)
	f.personnel.Put(person(10, 100))

	results, err := f.enrollment.EnrollMany(context.Background(), 10, []int64{1, 2, 3}, "admin")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Equal(t, int64(2), results[1].DeviceID)
	assert.True(t, results[2].Success)
	assert.Contains(t, a.Users(), 100)
	assert.Contains(t, b.Users(), 100)
}

func TestAssignByLocation(t *testing.T) {
	f := newFixture(t, 0)
	f.calendar.PutLocation(types.Location{ID: 5, Name: "Plant"})
	a := f.addTerminal(t, 1, types.DirectionIn)
	other := f.addTerminal(t, 2, types.DirectionIn)
	b := f.addTerminal(t, 3, types.DirectionOut)
	for _, id := range []int64{1, 3} {
		d, err := f.devices.GetDevice(context.Background(), id)
		require.NoError(t, err)
		d.LocationID = ptr(int64(5))
		f.devices.Put(d)
	}
	f.personnel.Put(person(10, 100))

	results, err := f.enrollment.AssignByLocation(context.Background(), 10, 5, "admin")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Contains(t, a.Users(), 100)
	assert.Contains(t, b.Users(), 100)
	assert.Empty(t, other.Users())

	_, err = f.enrollment.AssignByLocation(context.Background(), 10, 6, "admin")
	assert.ErrorIs(t, err, service.ErrUnknownLocation)
}

func TestUnassign(t *testing.T) {
	f := newFixture(t, 0)
	srv := f.addTerminal(t, 1, types.DirectionBoth)
	f.addUnreachable(t, 2)
	f.addUnreachable(t, 3)
	f.personnel.Put(person(10, 100))
	ctx := context.Background()

	_, err := f.enrollment.Enroll(ctx, 10, 1, "admin")
	require.NoError(t, err)
	require.Contains(t, srv.Users(), 100)
	require.NoError(t, f.enrolled.UpsertPersonnelDevice(ctx, types.PersonnelDevice{
		PersonnelID: 10, DeviceID: 2, Status: types.EnrollEnrolled, UpdatedAt: time.Now(),
	}))

	results, err := f.enrollment.Unassign(ctx, 10, []int64{1, 2, 3})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.False(t, results[2].Success)
	assert.NotEmpty(t, results[2].Error)

	assert.NotContains(t, srv.Users(), 100)
	_, err = f.enrolled.GetPersonnelDevice(ctx, 10, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)

	pd, err := f.enrolled.GetPersonnelDevice(ctx, 10, 2)
	require.NoError(t, err)
	assert.Equal(t, types.EnrollFailed, pd.Status)
	assert.Contains(t, pd.ErrorMessage, "unassign: ")

	// A failed removal from a device the person was never assigned to
	// leaves no row behind.
	_, err = f.enrolled.GetPersonnelDevice(ctx, 10, 3)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestEnrollment_RefusesInactiveDevice(t *testing.T) {
	f := newFixture(t, 0)
	active := f.addTerminal(t, 1, types.DirectionIn)
	retired := f.addTerminal(t, 2, types.DirectionOut)
	d, err := f.devices.GetDevice(context.Background(), 2)
	require.NoError(t, err)
	d.IsActive = false
	f.devices.Put(d)
	f.personnel.Put(person(10, 100))
	f.personnel.PutTempCard(types.TempCardAssignment{
		ID: 1, PersonnelID: 10, TempCardNumber: "900001", TempUID: 9001,
		DeviceIDs: []int64{1, 2}, ExpiresAt: time.Now().Add(time.Hour), Status: types.TempCardActive,
	})
	ctx := context.Background()

	_, err = f.enrollment.Enroll(ctx, 10, 2, "admin")
	assert.ErrorIs(t, err, service.ErrInactiveDevice)
	_, err = f.enrollment.EnrollMany(ctx, 10, []int64{1, 2}, "admin")
	assert.ErrorIs(t, err, service.ErrInactiveDevice)
	_, err = f.enrollment.EnrollAll(ctx, 2, "admin")
	assert.ErrorIs(t, err, service.ErrInactiveDevice)
	_, err = f.enrollment.IssueTempCard(ctx, 1)
	assert.ErrorIs(t, err, service.ErrInactiveDevice)

	assert.Zero(t, active.Sessions(), "a refused batch touches no device")
	assert.Zero(t, retired.Sessions())
	_, err = f.enrolled.GetPersonnelDevice(ctx, 10, 2)
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Removals still reach a retired device.
	retired.AddUser(transport.DeviceUser{UID: 100, UserID: "10"})
	results, err := f.enrollment.Unassign(ctx, 10, []int64{2})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success, results[0].Error)
	assert.NotContains(t, retired.Users(), 100)
}

func TestTempCard_IssueRevokeAndSweep(t *testing.T) {
	f := newFixture(t, 0)
	a := f.addTerminal(t, 1, types.DirectionIn)
	b := f.addTerminal(t, 2, types.DirectionOut)
	f.personnel.Put(person(10, 100))
	ctx := context.Background()

	f.personnel.PutTempCard(types.TempCardAssignment{
		ID: 1, PersonnelID: 10, TempCardNumber: "900001", TempUID: 9001,
		DeviceIDs: []int64{1, 2}, ExpiresAt: time.Now().Add(-time.Minute), Status: types.TempCardActive,
	})
	f.personnel.PutTempCard(types.TempCardAssignment{
		ID: 2, PersonnelID: 10, TempCardNumber: "900002", TempUID: 9002,
		DeviceIDs: []int64{2}, ExpiresAt: time.Now().Add(time.Hour), Status: types.TempCardActive,
	})

	for _, id := range []int64{1, 2} {
		results, err := f.enrollment.IssueTempCard(ctx, id)
		require.NoError(t, err)
		for _, r := range results {
			assert.True(t, r.Success, "assignment %d device %d: %s", id, r.DeviceID, r.Error)
		}
	}
	assert.Equal(t, "900001", a.Users()[9001].CardNumber)
	assert.Contains(t, b.Users(), 9001)
	assert.Contains(t, b.Users(), 9002)

	// Temp cards never touch the permanent enrollment rows.
	rows, err := f.enrolled.ListPersonnelDevices(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, rows)

	sweeper := service.NewTempCardSweeper(f.personnel, f.enrollment, time.Minute, nil)
	assert.Equal(t, 1, sweeper.Sweep(ctx))
	assert.NotContains(t, a.Users(), 9001)
	assert.NotContains(t, b.Users(), 9001)
	assert.Contains(t, b.Users(), 9002)

	expired, err := f.personnel.GetTempCard(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TempCardExpired, expired.Status)
	assert.Equal(t, 0, sweeper.Sweep(ctx))

	_, err = f.enrollment.IssueTempCard(ctx, 1)
	assert.ErrorIs(t, err, service.ErrInvalidArgument)

	results, err := f.enrollment.RevokeTempCard(ctx, 2, types.TempCardRevoked)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.NotContains(t, b.Users(), 9002)

	_, err = f.enrollment.RevokeTempCard(ctx, 2, types.TempCardActive)
	assert.ErrorIs(t, err, service.ErrInvalidArgument)
	_, err = f.enrollment.RevokeTempCard(ctx, 77, types.TempCardRevoked)
	assert.ErrorIs(t, err, service.ErrUnknownTempCard)
}

func TestDeviceUserFor(t *testing.T) {
	u := service.DeviceUserFor(types.Personnel{ID: 42, FirstName: "Ali", CardNumber: "1"})
	assert.Equal(t, 42, u.UID)
	assert.Equal(t, strconv.Itoa(42), u.UserID)
	assert.Equal(t, "Ali", u.Name)
}
