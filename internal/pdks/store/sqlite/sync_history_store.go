package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/pdks/engine/internal/db"
	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/types"
)

type SyncHistoryStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewSyncHistoryStore(db *sql.DB, writer *dbpkg.Worker) *SyncHistoryStore {
	return &SyncHistoryStore{db: db, writer: writer}
}

// StartSync inserts the row for a sync attempt. Status starts as failed so an
// attempt that never completes is not mistaken for a success.
func (s *SyncHistoryStore) StartSync(ctx context.Context, h types.SyncHistory) error {
	status := h.Status
	if status == "" {
		status = types.SyncFailed
	}
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO sync_history(id, device_id, sync_type, status, records_synced, error_message, started_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?);
`, h.ID, h.DeviceID, h.SyncType, string(status), h.RecordsSynced, h.ErrorMessage, toMs(h.StartedAt))
		if err != nil {
			return fmt.Errorf("insert sync_history: %w", err)
		}
		return nil
	})
	return store.Wrap("StartSync", err)
}

func (s *SyncHistoryStore) CompleteSync(ctx context.Context, h types.SyncHistory) error {
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE sync_history
SET status = ?,
    records_synced = ?,
    error_message = ?,
    completed_at_ms = ?
WHERE id = ?;
`, string(h.Status), h.RecordsSynced, h.ErrorMessage, nullableMs(h.CompletedAt), h.ID)
		if err != nil {
			return fmt.Errorf("update sync_history: %w", err)
		}
		return requireRow(res)
	})
	return store.Wrap("CompleteSync", err)
}

// ListSyncHistory returns the newest rows first. deviceID 0 lists every device.
func (s *SyncHistoryStore) ListSyncHistory(ctx context.Context, deviceID int64, limit int) ([]types.SyncHistory, error) {
	q := `SELECT id, device_id, sync_type, status, records_synced, error_message, started_at_ms, completed_at_ms
FROM sync_history`
	var args []any
	if deviceID != 0 {
		q += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	q += ` ORDER BY started_at_ms DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q+`;`, args...)
	if err != nil {
		return nil, fmt.Errorf("ListSyncHistory query: %w", err)
	}
	defer rows.Close()

	var out []types.SyncHistory
	for rows.Next() {
		var (
			h         types.SyncHistory
			status    string
			startedMs int64
			completed sql.NullInt64
		)
		if err := rows.Scan(&h.ID, &h.DeviceID, &h.SyncType, &status, &h.RecordsSynced, &h.ErrorMessage,
			&startedMs, &completed); err != nil {
			return nil, fmt.Errorf("ListSyncHistory scan: %w", err)
		}
		h.Status = types.SyncStatus(status)
		h.StartedAt = fromMs(startedMs)
		h.CompletedAt = timePtr(completed)
		out = append(out, h)
	}
	return out, rows.Err()
}

// PruneSyncHistory deletes rows started before cutoff.
func (s *SyncHistoryStore) PruneSyncHistory(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sync_history WHERE started_at_ms < ?;`, toMs(cutoff))
		if err != nil {
			return fmt.Errorf("prune sync_history: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, store.Wrap("PruneSyncHistory", err)
	}
	return n, nil
}
