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

func TestPersonnelStore_GetAndList(t *testing.T) {
	conn := openTestDB(t)
	ps := sqlitestore.NewPersonnelStore(conn, newTestWriter(t, conn))
	seedLocation(t, conn, 1)
	seedLocation(t, conn, 2)
	seedPersonnel(t, conn, 1, 100, "C1", 1)
	seedPersonnel(t, conn, 2, 101, "C2", 2)
	seedPersonnel(t, conn, 3, 102, "C3", 1)
	exec(t, conn, `UPDATE personnel SET is_active = 0 WHERE id = 3;`)
	ctx := context.Background()

	p, err := ps.GetPersonnel(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "Ayse Yilmaz", p.FullName())
	assert.Equal(t, 100, p.DeviceUserID)

	_, err = ps.GetPersonnel(ctx, 9)
	assert.ErrorIs(t, err, store.ErrNotFound)

	all, err := ps.ListActivePersonnel(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	loc1, err := ps.ListActivePersonnel(ctx, ptr(int64(1)))
	require.NoError(t, err)
	require.Len(t, loc1, 1)
	assert.Equal(t, int64(1), loc1[0].ID)
}

func TestPersonnelStore_ResolveDeviceUser(t *testing.T) {
	conn := openTestDB(t)
	ps := sqlitestore.NewPersonnelStore(conn, newTestWriter(t, conn))
	seedDevice(t, conn, 1, "both", nil)
	seedPersonnel(t, conn, 1, 100, "C1", nil)
	seedPersonnel(t, conn, 2, 0, "C2", nil)
	seedPersonnel(t, conn, 3, 300, "", nil)
	seedPersonnel(t, conn, 5, 0, "", nil)
	seedPersonnel(t, conn, 6, 5, "", nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	exec(t, conn, `
INSERT INTO temp_card_assignments(id, personnel_id, temp_card_number, temp_uid, expires_at_ms, status)
VALUES (1, 3, 'T-1', 9001, ?, 'active');`, now.Add(time.Hour).UnixMilli())

	cases := []struct {
		name   string
		uid    int
		userID string
		at     time.Time
		want   *int64
	}{
		{"device uid", 100, "100", now, ptr(int64(1))},
		{"card number", 0, "C2", now, ptr(int64(2))},
		{"id when no device uid", 2, "2", now, ptr(int64(2))},
		{"explicit uid beats id", 5, "5", now, ptr(int64(6))},
		{"id ignored when person has a uid", 1, "1", now, nil},
		{"temp card", 9001, "9001", now, ptr(int64(3))},
		{"expired temp card", 9001, "9001", now.Add(2 * time.Hour), nil},
		{"unknown", 777, "777", now, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ps.ResolveDeviceUser(ctx, tc.uid, tc.userID, tc.at)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPersonnelStore_TempCards(t *testing.T) {
	conn := openTestDB(t)
	ps := sqlitestore.NewPersonnelStore(conn, newTestWriter(t, conn))
	seedDevice(t, conn, 1, "both", nil)
	seedDevice(t, conn, 2, "both", nil)
	seedPersonnel(t, conn, 1, 100, "C1", nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	exec(t, conn, `
INSERT INTO temp_card_assignments(id, personnel_id, temp_card_number, temp_uid, expires_at_ms, status)
VALUES (1, 1, 'T-1', 9001, ?, 'active'), (2, 1, 'T-2', 9002, ?, 'active');`,
		now.Add(-time.Minute).UnixMilli(), now.Add(time.Hour).UnixMilli())
	exec(t, conn, `INSERT INTO temp_card_devices(assignment_id, device_id) VALUES (1, 2), (1, 1);`)

	a, err := ps.GetTempCard(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 9001, a.TempUID)
	assert.Equal(t, []int64{1, 2}, a.DeviceIDs)
	assert.Equal(t, types.TempCardActive, a.Status)

	expired, err := ps.ListExpiredTempCards(ctx, now)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, int64(1), expired[0].ID)
	assert.Len(t, expired[0].DeviceIDs, 2)

	require.NoError(t, ps.SetTempCardStatus(ctx, 1, types.TempCardExpired))
	expired, err = ps.ListExpiredTempCards(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, expired)

	assert.ErrorIs(t, ps.SetTempCardStatus(ctx, 99, types.TempCardRevoked), store.ErrNotFound)
}
