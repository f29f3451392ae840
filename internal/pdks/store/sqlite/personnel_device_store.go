package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	dbpkg "github.com/pdks/engine/internal/db"
	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/types"
)

type PersonnelDeviceStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewPersonnelDeviceStore(db *sql.DB, writer *dbpkg.Worker) *PersonnelDeviceStore {
	return &PersonnelDeviceStore{db: db, writer: writer}
}

func (s *PersonnelDeviceStore) UpsertPersonnelDevice(ctx context.Context, rec types.PersonnelDevice) error {
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO personnel_devices(personnel_id, device_id, status, enrolled_by, error_message, enrolled_at_ms, updated_at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(personnel_id, device_id) DO UPDATE SET
  status         = excluded.status,
  enrolled_by    = excluded.enrolled_by,
  error_message  = excluded.error_message,
  enrolled_at_ms = excluded.enrolled_at_ms,
  updated_at_ms  = excluded.updated_at_ms;
`, rec.PersonnelID, rec.DeviceID, string(rec.Status), rec.EnrolledBy, rec.ErrorMessage,
			nullableMs(rec.EnrolledAt), toMs(rec.UpdatedAt))
		if err != nil {
			return fmt.Errorf("upsert personnel_device: %w", err)
		}
		return nil
	})
	return store.Wrap("UpsertPersonnelDevice", err)
}

const personnelDeviceColumns = `personnel_id, device_id, status, enrolled_by, error_message, enrolled_at_ms, updated_at_ms`

func scanPersonnelDevice(r rowScanner) (types.PersonnelDevice, error) {
	var (
		pd        types.PersonnelDevice
		status    string
		enrolled  sql.NullInt64
		updatedMs int64
	)
	if err := r.Scan(&pd.PersonnelID, &pd.DeviceID, &status, &pd.EnrolledBy, &pd.ErrorMessage,
		&enrolled, &updatedMs); err != nil {
		return types.PersonnelDevice{}, err
	}
	pd.Status = types.EnrollStatus(status)
	pd.EnrolledAt = timePtr(enrolled)
	pd.UpdatedAt = fromMs(updatedMs)
	return pd, nil
}

func (s *PersonnelDeviceStore) GetPersonnelDevice(ctx context.Context, personnelID, deviceID int64) (types.PersonnelDevice, error) {
	pd, err := scanPersonnelDevice(s.db.QueryRowContext(ctx,
		`SELECT `+personnelDeviceColumns+` FROM personnel_devices WHERE personnel_id = ? AND device_id = ?;`,
		personnelID, deviceID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.PersonnelDevice{}, store.ErrNotFound
	}
	if err != nil {
		return types.PersonnelDevice{}, fmt.Errorf("GetPersonnelDevice query: %w", err)
	}
	return pd, nil
}

// DeletePersonnelDevice is a no-op when the pair has no row.
func (s *PersonnelDeviceStore) DeletePersonnelDevice(ctx context.Context, personnelID, deviceID int64) error {
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM personnel_devices WHERE personnel_id = ? AND device_id = ?;`, personnelID, deviceID)
		if err != nil {
			return fmt.Errorf("delete personnel_device: %w", err)
		}
		return nil
	})
	return store.Wrap("DeletePersonnelDevice", err)
}

func (s *PersonnelDeviceStore) ListPersonnelDevices(ctx context.Context, deviceID int64) ([]types.PersonnelDevice, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+personnelDeviceColumns+` FROM personnel_devices WHERE device_id = ? ORDER BY personnel_id;`, deviceID)
	if err != nil {
		return nil, fmt.Errorf("ListPersonnelDevices query: %w", err)
	}
	defer rows.Close()

	var out []types.PersonnelDevice
	for rows.Next() {
		pd, err := scanPersonnelDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("ListPersonnelDevices scan: %w", err)
		}
		out = append(out, pd)
	}
	return out, rows.Err()
}
