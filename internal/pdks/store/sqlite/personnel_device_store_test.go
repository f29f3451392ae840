package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdks/engine/internal/pdks/store"
	sqlitestore "github.com/pdks/engine/internal/pdks/store/sqlite"
	"github.com/pdks/engine/internal/pdks/types"
)

func TestPersonnelDeviceStore_UpsertOverwrites(t *testing.T) {
	conn := openTestDB(t)
	pds := sqlitestore.NewPersonnelDeviceStore(conn, newTestWriter(t, conn))
	seedDevice(t, conn, 1, "both", nil)
	seedPersonnel(t, conn, 1, 100, "C1", nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, pds.UpsertPersonnelDevice(ctx, types.PersonnelDevice{
		PersonnelID: 1, DeviceID: 1, Status: types.EnrollFailed, ErrorMessage: "rejected", UpdatedAt: now,
	}))
	require.NoError(t, pds.UpsertPersonnelDevice(ctx, types.PersonnelDevice{
		PersonnelID: 1, DeviceID: 1, Status: types.EnrollEnrolled, EnrolledBy: "admin",
		EnrolledAt: &now, UpdatedAt: now.Add(time.Minute),
	}))

	pd, err := pds.GetPersonnelDevice(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, types.EnrollEnrolled, pd.Status)
	assert.Empty(t, pd.ErrorMessage)
	require.NotNil(t, pd.EnrolledAt)
	assert.True(t, pd.EnrolledAt.Equal(now))

	list, err := pds.ListPersonnelDevices(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, pds.DeletePersonnelDevice(ctx, 1, 1))
	require.NoError(t, pds.DeletePersonnelDevice(ctx, 1, 1))
	_, err = pds.GetPersonnelDevice(ctx, 1, 1)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
