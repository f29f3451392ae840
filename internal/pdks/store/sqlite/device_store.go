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

type DeviceStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewDeviceStore(db *sql.DB, writer *dbpkg.Worker) *DeviceStore {
	return &DeviceStore{db: db, writer: writer}
}

const deviceColumns = `id, name, ip_address, port, direction, comm_key, is_online,
  last_sync_at_ms, last_online_at_ms, is_active, location_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(r rowScanner) (types.Device, error) {
	var (
		d                    types.Device
		direction            string
		online, active       int
		lastSync, lastOnline sql.NullInt64
		location             sql.NullInt64
	)
	if err := r.Scan(&d.ID, &d.Name, &d.IPAddress, &d.Port, &direction, &d.CommKey, &online,
		&lastSync, &lastOnline, &active, &location); err != nil {
		return types.Device{}, err
	}
	d.Direction = types.Direction(direction)
	d.IsOnline = online == 1
	d.IsActive = active == 1
	d.LastSyncAt = timePtr(lastSync)
	d.LastOnlineAt = timePtr(lastOnline)
	d.LocationID = idPtr(location)
	return d, nil
}

func (s *DeviceStore) GetDevice(ctx context.Context, id int64) (types.Device, error) {
	d, err := scanDevice(s.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM devices WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Device{}, store.ErrNotFound
	}
	if err != nil {
		return types.Device{}, fmt.Errorf("GetDevice query: %w", err)
	}
	return d, nil
}

func (s *DeviceStore) ListDevices(ctx context.Context, activeOnly bool) ([]types.Device, error) {
	q := `SELECT ` + deviceColumns + ` FROM devices`
	if activeOnly {
		q += ` WHERE is_active = 1`
	}
	return s.query(ctx, "ListDevices", q+` ORDER BY id;`)
}

func (s *DeviceStore) ListDevicesByLocation(ctx context.Context, locationID int64) ([]types.Device, error) {
	return s.query(ctx, "ListDevicesByLocation",
		`SELECT `+deviceColumns+` FROM devices WHERE is_active = 1 AND location_id = ? ORDER BY id;`, locationID)
}

func (s *DeviceStore) query(ctx context.Context, op, q string, args ...any) ([]types.Device, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("%s query: %w", op, err)
	}
	defer rows.Close()

	var out []types.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("%s scan: %w", op, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *DeviceStore) SetOnline(ctx context.Context, id int64, online bool, at time.Time) error {
	ms := toMs(at)
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var res sql.Result
		var err error
		if online {
			res, err = tx.ExecContext(ctx, `
UPDATE devices
SET is_online = 1,
    last_online_at_ms = ?,
    updated_at_ms = ?
WHERE id = ?;
`, ms, ms, id)
		} else {
			res, err = tx.ExecContext(ctx, `
UPDATE devices
SET is_online = 0,
    updated_at_ms = ?
WHERE id = ?;
`, ms, id)
		}
		if err != nil {
			return fmt.Errorf("SetOnline: %w", err)
		}
		return requireRow(res)
	})
	return store.Wrap("SetOnline", err)
}

func (s *DeviceStore) SetLastSync(ctx context.Context, id int64, at time.Time) error {
	ms := toMs(at)
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE devices
SET last_sync_at_ms = ?,
    updated_at_ms = ?
WHERE id = ?;
`, ms, ms, id)
		if err != nil {
			return fmt.Errorf("SetLastSync: %w", err)
		}
		return requireRow(res)
	})
	return store.Wrap("SetLastSync", err)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}
