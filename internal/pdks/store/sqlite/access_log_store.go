package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	dbpkg "github.com/pdks/engine/internal/db"
	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/types"
)

type AccessLogStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewAccessLogStore(db *sql.DB, writer *dbpkg.Worker) *AccessLogStore {
	return &AccessLogStore{db: db, writer: writer}
}

const accessLogColumns = `id, personnel_id, device_id, location_id, event_time_ms, direction,
  source, device_user_id, raw_data`

func scanAccessLog(r rowScanner) (types.AccessLog, error) {
	var (
		l                   types.AccessLog
		personnel, location sql.NullInt64
		eventMs             int64
		direction           sql.NullString
		source              string
	)
	if err := r.Scan(&l.ID, &personnel, &l.DeviceID, &location, &eventMs, &direction,
		&source, &l.DeviceUserID, &l.RawData); err != nil {
		return types.AccessLog{}, err
	}
	l.PersonnelID = idPtr(personnel)
	l.LocationID = idPtr(location)
	l.EventTime = fromMs(eventMs)
	l.Direction = types.Direction(direction.String)
	l.Source = types.AccessSource(source)
	return l, nil
}

func (s *AccessLogStore) UpsertAccessLog(ctx context.Context, rec types.AccessLog) (types.AccessLog, bool, error) {
	var (
		out      types.AccessLog
		inserted bool
	)
	if rec.Source == "" {
		rec.Source = types.SourceSync
	}
	var direction any
	if rec.Direction != "" {
		direction = string(rec.Direction)
	}

	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO access_logs(
  personnel_id, device_id, location_id, event_time_ms, direction,
  source, device_user_id, raw_data, created_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(device_id, device_user_id, event_time_ms) DO NOTHING;
`,
			nullableID(rec.PersonnelID), rec.DeviceID, nullableID(rec.LocationID), toMs(rec.EventTime), direction,
			string(rec.Source), rec.DeviceUserID, rec.RawData, time.Now().UTC().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("insert access_log: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1

		out, err = scanAccessLog(tx.QueryRowContext(ctx, `
SELECT `+accessLogColumns+` FROM access_logs
WHERE device_id = ? AND device_user_id = ? AND event_time_ms = ?;
`, rec.DeviceID, rec.DeviceUserID, toMs(rec.EventTime)))
		if err != nil {
			return fmt.Errorf("reload access_log: %w", err)
		}
		return nil
	})
	if err != nil {
		return types.AccessLog{}, false, store.Wrap("UpsertAccessLog", err)
	}
	return out, inserted, nil
}

func (s *AccessLogStore) LastDirection(ctx context.Context, key store.DirectionKey, from, before time.Time) (types.Direction, error) {
	var (
		q    string
		args []any
	)
	if key.PersonnelID != nil {
		q = `
SELECT direction FROM access_logs
WHERE personnel_id = ? AND direction IS NOT NULL
  AND event_time_ms >= ? AND event_time_ms < ?
ORDER BY event_time_ms DESC, id DESC LIMIT 1;`
		args = []any{*key.PersonnelID, toMs(from), toMs(before)}
	} else {
		q = `
SELECT direction FROM access_logs
WHERE personnel_id IS NULL AND device_id = ? AND device_user_id = ? AND direction IS NOT NULL
  AND event_time_ms >= ? AND event_time_ms < ?
ORDER BY event_time_ms DESC, id DESC LIMIT 1;`
		args = []any{key.DeviceID, key.DeviceUserID, toMs(from), toMs(before)}
	}

	var dir string
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&dir)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("LastDirection query: %w", err)
	}
	return types.Direction(dir), nil
}

func (s *AccessLogStore) ListAccessLogs(ctx context.Context, q store.AccessLogQuery) ([]types.AccessLog, error) {
	query := `SELECT ` + accessLogColumns + ` FROM access_logs
WHERE event_time_ms >= ? AND event_time_ms < ?`
	args := []any{toMs(q.From), toMs(q.To)}
	if q.PersonnelOnly {
		query += ` AND personnel_id IS NOT NULL`
	}
	if q.LocationID != nil {
		query += ` AND location_id = ?`
		args = append(args, *q.LocationID)
	}

	rows, err := s.db.QueryContext(ctx, query+` ORDER BY event_time_ms, id;`, args...)
	if err != nil {
		return nil, fmt.Errorf("ListAccessLogs query: %w", err)
	}
	defer rows.Close()

	var out []types.AccessLog
	for rows.Next() {
		l, err := scanAccessLog(rows)
		if err != nil {
			return nil, fmt.Errorf("ListAccessLogs scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
