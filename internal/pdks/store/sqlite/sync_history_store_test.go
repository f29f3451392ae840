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

func TestSyncHistoryStore_Lifecycle(t *testing.T) {
	conn := openTestDB(t)
	hs := sqlitestore.NewSyncHistoryStore(conn, newTestWriter(t, conn))
	seedDevice(t, conn, 1, "both", nil)
	ctx := context.Background()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	require.NoError(t, hs.StartSync(ctx, types.SyncHistory{ID: "h1", DeviceID: 1, SyncType: "manual", StartedAt: start}))

	rows, err := hs.ListSyncHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.SyncFailed, rows[0].Status, "an unfinished attempt reads as failed")
	assert.Nil(t, rows[0].CompletedAt)

	done := start.Add(3 * time.Second)
	require.NoError(t, hs.CompleteSync(ctx, types.SyncHistory{
		ID: "h1", Status: types.SyncPartial, RecordsSynced: 4, ErrorMessage: "1 write failed", CompletedAt: &done,
	}))

	rows, err = hs.ListSyncHistory(ctx, 1, 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.SyncPartial, rows[0].Status)
	assert.Equal(t, 4, rows[0].RecordsSynced)
	require.NotNil(t, rows[0].CompletedAt)
	assert.True(t, rows[0].CompletedAt.Equal(done))

	assert.ErrorIs(t, hs.CompleteSync(ctx, types.SyncHistory{ID: "missing", Status: types.SyncSuccess}), store.ErrNotFound)
}

func TestSyncHistoryStore_Prune(t *testing.T) {
	conn := openTestDB(t)
	hs := sqlitestore.NewSyncHistoryStore(conn, newTestWriter(t, conn))
	seedDevice(t, conn, 1, "both", nil)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	for i, age := range []time.Duration{100 * 24 * time.Hour, 91 * 24 * time.Hour, time.Hour} {
		require.NoError(t, hs.StartSync(ctx, types.SyncHistory{
			ID: string(rune('a' + i)), DeviceID: 1, SyncType: "scheduled", StartedAt: now.Add(-age),
		}))
	}

	n, err := hs.PruneSyncHistory(ctx, now.Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	rows, err := hs.ListSyncHistory(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "c", rows[0].ID)
}
