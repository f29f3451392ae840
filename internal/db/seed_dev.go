package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type SeedDevOptions struct {
	// DeviceAddr is the terminal seeded in dev, host only; port 4370.
	DeviceAddr string
}

// SeedDev creates a default schedule, a head-office location and one
// both-direction terminal so a fresh dev database can sync immediately.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC().UnixMilli()
	addr := opt.DeviceAddr
	if addr == "" {
		addr = "192.168.1.201"
	}

	if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO work_schedules(id, name, work_start_time, work_end_time, is_flexible, flex_grace_minutes, calculation_mode)
VALUES (1, 'Standard', '08:00', '17:00', 0, 0, 'firstLast');`); err != nil {
		return fmt.Errorf("seed work_schedules: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO locations(id, name, work_schedule_id)
VALUES (1, 'Head Office', 1);`); err != nil {
		return fmt.Errorf("seed locations: %w", err)
	}

	if _, err := db.ExecContext(ctx, `
INSERT INTO devices(
  id, name, ip_address, port, direction, is_active, location_id,
  created_at_ms, updated_at_ms
) VALUES (1, 'Main Entrance', ?, 4370, 'both', 1, 1, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  ip_address    = excluded.ip_address,
  is_active     = 1,
  updated_at_ms = excluded.updated_at_ms;
`, addr, now, now); err != nil {
		return fmt.Errorf("seed device 1: %w", err)
	}

	return nil
}
