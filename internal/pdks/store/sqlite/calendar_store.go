package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/types"
)

const dateLayout = "2006-01-02"

// CalendarStore is read-only; locations, schedules and holidays are
// maintained elsewhere.
type CalendarStore struct {
	db *sql.DB
}

func NewCalendarStore(db *sql.DB) *CalendarStore {
	return &CalendarStore{db: db}
}

func (s *CalendarStore) GetLocation(ctx context.Context, id int64) (types.Location, error) {
	var (
		l        types.Location
		schedule sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, work_schedule_id FROM locations WHERE id = ?;`, id).Scan(&l.ID, &l.Name, &schedule)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Location{}, store.ErrNotFound
	}
	if err != nil {
		return types.Location{}, fmt.Errorf("GetLocation query: %w", err)
	}
	l.WorkScheduleID = idPtr(schedule)
	return l, nil
}

func (s *CalendarStore) GetWorkSchedule(ctx context.Context, id int64) (types.WorkSchedule, error) {
	var (
		ws       types.WorkSchedule
		flexible int
		mode     string
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, name, work_start_time, work_end_time, is_flexible, flex_grace_minutes, calculation_mode
FROM work_schedules WHERE id = ?;
`, id).Scan(&ws.ID, &ws.Name, &ws.WorkStartTime, &ws.WorkEndTime, &flexible, &ws.FlexGraceMinutes, &mode)
	if errors.Is(err, sql.ErrNoRows) {
		return types.WorkSchedule{}, store.ErrNotFound
	}
	if err != nil {
		return types.WorkSchedule{}, fmt.Errorf("GetWorkSchedule query: %w", err)
	}
	ws.IsFlexible = flexible == 1
	ws.CalculationMode = types.CalculationMode(mode)
	return ws, nil
}

// ListHolidays compares calendar dates as text, so from and to should carry
// the caller's local date.
func (s *CalendarStore) ListHolidays(ctx context.Context, from, to time.Time) ([]types.Holiday, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT date, name FROM holidays WHERE date >= ? AND date <= ? ORDER BY date;`,
		from.Format(dateLayout), to.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("ListHolidays query: %w", err)
	}
	defer rows.Close()

	loc := from.Location()
	var out []types.Holiday
	for rows.Next() {
		var (
			h    types.Holiday
			date string
		)
		if err := rows.Scan(&date, &h.Name); err != nil {
			return nil, fmt.Errorf("ListHolidays scan: %w", err)
		}
		if h.Date, err = time.ParseInLocation(dateLayout, date, loc); err != nil {
			return nil, fmt.Errorf("ListHolidays date %q: %w", date, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
