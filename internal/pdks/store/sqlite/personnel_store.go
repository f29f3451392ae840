package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/pdks/engine/internal/db"
	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/types"
)

// PersonnelStore reads personnel and manages temp card assignments.
type PersonnelStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewPersonnelStore(db *sql.DB, writer *dbpkg.Worker) *PersonnelStore {
	return &PersonnelStore{db: db, writer: writer}
}

const personnelColumns = `id, first_name, last_name, employee_no, department, card_number,
  device_user_id, location_id, is_active`

func scanPersonnel(r rowScanner) (types.Personnel, error) {
	var (
		p        types.Personnel
		location sql.NullInt64
		active   int
	)
	if err := r.Scan(&p.ID, &p.FirstName, &p.LastName, &p.EmployeeNo, &p.Department, &p.CardNumber,
		&p.DeviceUserID, &location, &active); err != nil {
		return types.Personnel{}, err
	}
	p.LocationID = idPtr(location)
	p.IsActive = active == 1
	return p, nil
}

func (s *PersonnelStore) GetPersonnel(ctx context.Context, id int64) (types.Personnel, error) {
	p, err := scanPersonnel(s.db.QueryRowContext(ctx,
		`SELECT `+personnelColumns+` FROM personnel WHERE id = ?;`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return types.Personnel{}, store.ErrNotFound
	}
	if err != nil {
		return types.Personnel{}, fmt.Errorf("GetPersonnel query: %w", err)
	}
	return p, nil
}

func (s *PersonnelStore) ListActivePersonnel(ctx context.Context, locationID *int64) ([]types.Personnel, error) {
	q := `SELECT ` + personnelColumns + ` FROM personnel WHERE is_active = 1`
	var args []any
	if locationID != nil {
		q += ` AND location_id = ?`
		args = append(args, *locationID)
	}
	rows, err := s.db.QueryContext(ctx, q+` ORDER BY id;`, args...)
	if err != nil {
		return nil, fmt.Errorf("ListActivePersonnel query: %w", err)
	}
	defer rows.Close()

	var out []types.Personnel
	for rows.Next() {
		p, err := scanPersonnel(rows)
		if err != nil {
			return nil, fmt.Errorf("ListActivePersonnel scan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PersonnelStore) ResolveDeviceUser(ctx context.Context, uid int, userID string, at time.Time) (*int64, error) {
	var id int64

	err := s.db.QueryRowContext(ctx, `
SELECT personnel_id FROM temp_card_assignments
WHERE temp_uid = ? AND status = 'active' AND expires_at_ms > ?
ORDER BY id DESC LIMIT 1;
`, uid, toMs(at)).Scan(&id)
	switch {
	case err == nil:
		return &id, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("ResolveDeviceUser temp card: %w", err)
	}

	if uid > 0 {
		// Personnel without a device uid are enrolled under their id.
		err = s.db.QueryRowContext(ctx, `
SELECT id FROM personnel
WHERE device_user_id = ? OR (device_user_id = 0 AND id = ?)
ORDER BY (device_user_id = ?) DESC, is_active DESC, id
LIMIT 1;`, uid, uid, uid).Scan(&id)
		switch {
		case err == nil:
			return &id, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("ResolveDeviceUser uid: %w", err)
		}
	}

	if userID = strings.TrimSpace(userID); userID != "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT id FROM personnel WHERE card_number = ? ORDER BY is_active DESC, id LIMIT 1;`, userID).Scan(&id)
		switch {
		case err == nil:
			return &id, nil
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("ResolveDeviceUser card: %w", err)
		}
	}
	return nil, nil
}

func (s *PersonnelStore) GetTempCard(ctx context.Context, id int64) (types.TempCardAssignment, error) {
	var (
		a         types.TempCardAssignment
		expiresMs int64
		status    string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, personnel_id, temp_card_number, temp_uid, expires_at_ms, status
FROM temp_card_assignments WHERE id = ?;
`, id).Scan(&a.ID, &a.PersonnelID, &a.TempCardNumber, &a.TempUID, &expiresMs, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return types.TempCardAssignment{}, store.ErrNotFound
	}
	if err != nil {
		return types.TempCardAssignment{}, fmt.Errorf("GetTempCard query: %w", err)
	}
	a.ExpiresAt = fromMs(expiresMs)
	a.Status = types.TempCardStatus(status)

	if a.DeviceIDs, err = s.tempCardDevices(ctx, a.ID); err != nil {
		return types.TempCardAssignment{}, err
	}
	return a, nil
}

func (s *PersonnelStore) tempCardDevices(ctx context.Context, assignmentID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT device_id FROM temp_card_devices WHERE assignment_id = ? ORDER BY device_id;`, assignmentID)
	if err != nil {
		return nil, fmt.Errorf("tempCardDevices query: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("tempCardDevices scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PersonnelStore) ListExpiredTempCards(ctx context.Context, now time.Time) ([]types.TempCardAssignment, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id FROM temp_card_assignments
WHERE status = 'active' AND expires_at_ms <= ?
ORDER BY id;
`, toMs(now))
	if err != nil {
		return nil, fmt.Errorf("ListExpiredTempCards query: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("ListExpiredTempCards scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Second pass after closing the cursor: the pool has one connection.
	out := make([]types.TempCardAssignment, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetTempCard(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *PersonnelStore) SetTempCardStatus(ctx context.Context, id int64, status types.TempCardStatus) error {
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE temp_card_assignments SET status = ? WHERE id = ?;`, string(status), id)
		if err != nil {
			return fmt.Errorf("SetTempCardStatus: %w", err)
		}
		return requireRow(res)
	})
	return store.Wrap("SetTempCardStatus", err)
}
