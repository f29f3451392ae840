package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/pdks/engine/internal/db"
)

// openTestDB returns an in-memory SQLite connection with the same PRAGMAs
// and schema as production. The connection is closed when the test ends.
func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	dsn := fmt.Sprintf(
		"file:test_%s?mode=memory&cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)",
		name,
	)

	conn, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	require.NoError(t, conn.Ping())
	require.NoError(t, db.Migrate(context.Background(), conn))

	t.Cleanup(func() { conn.Close() })
	return conn
}

// newTestWriter returns a db.Worker backed by conn, closed when the test ends.
func newTestWriter(t *testing.T, conn *sql.DB) *db.Worker {
	t.Helper()

	w := db.NewWorker(conn, nil)
	t.Cleanup(w.Close)
	return w
}

func exec(t *testing.T, conn *sql.DB, q string, args ...any) {
	t.Helper()
	_, err := conn.ExecContext(context.Background(), q, args...)
	require.NoError(t, err)
}

func seedLocation(t *testing.T, conn *sql.DB, id int64) {
	t.Helper()
	exec(t, conn, `
INSERT INTO work_schedules(id, name, work_start_time, work_end_time, calculation_mode)
VALUES (?, 'Standard', '08:00', '17:00', 'firstLast');`, id)
	exec(t, conn, `INSERT INTO locations(id, name, work_schedule_id) VALUES (?, 'Site', ?);`, id, id)
}

func seedDevice(t *testing.T, conn *sql.DB, id int64, direction string, locationID any) {
	t.Helper()
	now := time.Now().UTC().UnixMilli()
	exec(t, conn, `
INSERT INTO devices(id, name, ip_address, port, direction, is_active, location_id, created_at_ms, updated_at_ms)
VALUES (?, ?, '10.0.0.1', 4370, ?, 1, ?, ?, ?);`, id, fmt.Sprintf("dev-%d", id), direction, locationID, now, now)
}

func seedPersonnel(t *testing.T, conn *sql.DB, id int64, uid int, card string, locationID any) {
	t.Helper()
	exec(t, conn, `
INSERT INTO personnel(id, first_name, last_name, department, card_number, device_user_id, location_id, is_active)
VALUES (?, 'Ayse', 'Yilmaz', 'Ops', ?, ?, ?, 1);`, id, card, uid, locationID)
}

func ptr[T any](v T) *T { return &v }
