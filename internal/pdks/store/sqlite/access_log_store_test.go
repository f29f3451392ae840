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

func newAccessLogFixture(t *testing.T) *sqlitestore.AccessLogStore {
	t.Helper()
	conn := openTestDB(t)
	seedLocation(t, conn, 1)
	seedDevice(t, conn, 1, "both", 1)
	seedDevice(t, conn, 2, "both", 1)
	seedPersonnel(t, conn, 10, 100, "C100", 1)
	seedPersonnel(t, conn, 11, 101, "C101", 1)
	return sqlitestore.NewAccessLogStore(conn, newTestWriter(t, conn))
}

func TestAccessLogStore_UpsertIsIdempotent(t *testing.T) {
	as := newAccessLogFixture(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 5, 5, 0, 0, time.UTC)

	rec := types.AccessLog{
		PersonnelID:  ptr(int64(10)),
		DeviceID:     1,
		LocationID:   ptr(int64(1)),
		EventTime:    at,
		Direction:    types.DirectionIn,
		DeviceUserID: "100",
		RawData:      "00ff",
	}
	first, inserted, err := as.UpsertAccessLog(ctx, rec)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotZero(t, first.ID)
	assert.Equal(t, types.SourceSync, first.Source)

	// A replay with a different direction keeps the stored row.
	rec.Direction = types.DirectionOut
	second, inserted, err := as.UpsertAccessLog(ctx, rec)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, types.DirectionIn, second.Direction)

	logs, err := as.ListAccessLogs(ctx, store.AccessLogQuery{From: at.Add(-time.Hour), To: at.Add(time.Hour)})
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestAccessLogStore_SameTimeDifferentDeviceIsDistinct(t *testing.T) {
	as := newAccessLogFixture(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 2, 5, 5, 0, 0, time.UTC)

	for _, dev := range []int64{1, 2} {
		_, inserted, err := as.UpsertAccessLog(ctx, types.AccessLog{DeviceID: dev, EventTime: at, DeviceUserID: "100"})
		require.NoError(t, err)
		assert.True(t, inserted)
	}
}

func TestAccessLogStore_LastDirection(t *testing.T) {
	as := newAccessLogFixture(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	put := func(pid *int64, dev int64, uid string, h int, dir types.Direction) {
		_, _, err := as.UpsertAccessLog(ctx, types.AccessLog{
			PersonnelID: pid, DeviceID: dev, EventTime: day.Add(time.Duration(h) * time.Hour),
			Direction: dir, DeviceUserID: uid,
		})
		require.NoError(t, err)
	}
	put(ptr(int64(10)), 1, "100", 8, types.DirectionIn)
	put(ptr(int64(10)), 2, "100", 12, types.DirectionOut)
	put(ptr(int64(11)), 1, "101", 13, types.DirectionIn)
	put(nil, 1, "555", 9, types.DirectionIn)
	put(ptr(int64(10)), 1, "100", 14, "")

	person := store.DirectionKey{PersonnelID: ptr(int64(10)), DeviceID: 1, DeviceUserID: "100"}

	dir, err := as.LastDirection(ctx, person, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.DirectionOut, dir, "spans devices and skips undirected rows")

	dir, err = as.LastDirection(ctx, person, day, day.Add(10*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.DirectionIn, dir)

	dir, err = as.LastDirection(ctx, person, day.Add(24*time.Hour), day.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, dir)

	unresolved := store.DirectionKey{DeviceID: 1, DeviceUserID: "555"}
	dir, err = as.LastDirection(ctx, unresolved, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.DirectionIn, dir)

	dir, err = as.LastDirection(ctx, store.DirectionKey{DeviceID: 2, DeviceUserID: "555"}, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, dir)
}

func TestAccessLogStore_ListFilters(t *testing.T) {
	as := newAccessLogFixture(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	_, _, err := as.UpsertAccessLog(ctx, types.AccessLog{PersonnelID: ptr(int64(10)), DeviceID: 1, LocationID: ptr(int64(1)),
		EventTime: day.Add(9 * time.Hour), DeviceUserID: "100"})
	require.NoError(t, err)
	_, _, err = as.UpsertAccessLog(ctx, types.AccessLog{DeviceID: 1, LocationID: ptr(int64(1)),
		EventTime: day.Add(8 * time.Hour), DeviceUserID: "999"})
	require.NoError(t, err)
	_, _, err = as.UpsertAccessLog(ctx, types.AccessLog{PersonnelID: ptr(int64(11)), DeviceID: 2,
		EventTime: day.Add(25 * time.Hour), DeviceUserID: "101"})
	require.NoError(t, err)

	logs, err := as.ListAccessLogs(ctx, store.AccessLogQuery{From: day, To: day.Add(24 * time.Hour)})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, "999", logs[0].DeviceUserID, "ordered by event time")

	logs, err = as.ListAccessLogs(ctx, store.AccessLogQuery{From: day, To: day.Add(48 * time.Hour), PersonnelOnly: true})
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	logs, err = as.ListAccessLogs(ctx, store.AccessLogQuery{From: day, To: day.Add(48 * time.Hour), LocationID: ptr(int64(1))})
	require.NoError(t, err)
	assert.Len(t, logs, 2)
}

func TestAccessLogStore_UnknownDeviceIsPersistenceError(t *testing.T) {
	as := newAccessLogFixture(t)

	_, _, err := as.UpsertAccessLog(context.Background(), types.AccessLog{
		DeviceID: 404, EventTime: time.Now(), DeviceUserID: "1",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrPersistence)
}
