package db_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbpkg "github.com/pdks/engine/internal/db"
)

func openFileDB(t *testing.T) *sql.DB {
	t.Helper()
	conn, err := dbpkg.Open(context.Background(), dbpkg.Config{
		Path: filepath.Join(t.TempDir(), "nested", "pdks.db"),
		Env:  "dev",
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestOpen_MigratesOnce(t *testing.T) {
	ctx := context.Background()
	conn := openFileDB(t)

	v, err := dbpkg.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, dbpkg.Migrate(ctx, conn))
	v, err = dbpkg.Version(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	var fk int
	require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA foreign_keys;").Scan(&fk))
	assert.Equal(t, 1, fk)
}

func TestSeedDev_Idempotent(t *testing.T) {
	ctx := context.Background()
	conn := openFileDB(t)

	require.NoError(t, dbpkg.SeedDev(ctx, conn, dbpkg.SeedDevOptions{}))
	require.NoError(t, dbpkg.SeedDev(ctx, conn, dbpkg.SeedDevOptions{DeviceAddr: "10.0.0.9"}))

	var n int
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM devices;").Scan(&n))
	assert.Equal(t, 1, n)

	var addr, dir string
	require.NoError(t, conn.QueryRowContext(ctx, "SELECT ip_address, direction FROM devices WHERE id = 1;").Scan(&addr, &dir))
	assert.Equal(t, "10.0.0.9", addr)
	assert.Equal(t, "both", dir)
}

func TestWorker_CommitsAndRollsBack(t *testing.T) {
	ctx := context.Background()
	conn := openFileDB(t)
	w := dbpkg.NewWorker(conn, nil)
	defer w.Close()

	insert := func(name string) dbpkg.TxFn {
		return func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `INSERT INTO work_schedules(name, work_start_time, work_end_time) VALUES (?, '08:00', '17:00');`, name)
			return err
		}
	}
	require.NoError(t, w.Do(ctx, insert("day")))

	boom := errors.New("boom")
	err := w.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := insert("night")(ctx, tx); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	var names []string
	rows, err := conn.QueryContext(ctx, "SELECT name FROM work_schedules ORDER BY id;")
	require.NoError(t, err)
	for rows.Next() {
		var s string
		require.NoError(t, rows.Scan(&s))
		names = append(names, s)
	}
	require.NoError(t, rows.Close())
	assert.Equal(t, []string{"day"}, names)
}

func TestWorker_Closed(t *testing.T) {
	conn := openFileDB(t)
	w := dbpkg.NewWorker(conn, nil)
	w.Close()
	w.Close()

	err := w.Do(context.Background(), func(context.Context, *sql.Tx) error { return nil })
	assert.ErrorIs(t, err, dbpkg.ErrWorkerClosed)
}
