package service

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pdks/engine/internal/pdks/events"
	"github.com/pdks/engine/internal/pdks/store"
	"github.com/pdks/engine/internal/pdks/transport"
	"github.com/pdks/engine/internal/pdks/types"
)

const (
	SyncTypeManual    = "manual"
	SyncTypeScheduled = "scheduled"
	SyncTypeFleet     = "fleet"
)

type SyncConfig struct {
	// Workers bounds how many devices SyncAll talks to at once. Defaults to 5.
	Workers int
	// Overlap is subtracted from a device's last sync time when asking for
	// new records, so small clock skews between server and terminal do not
	// lose punches. Replayed records are absorbed by the idempotent upsert.
	Overlap time.Duration
	// Location is the local timezone; direction alternation resets at local
	// midnight.
	Location *time.Location
}

func (c SyncConfig) withDefaults() SyncConfig {
	if c.Workers <= 0 {
		c.Workers = 5
	}
	if c.Overlap < 0 {
		c.Overlap = 0
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return c
}

type SyncOptions struct {
	SyncType string // defaults to manual
	// ClearAfterSync clears the terminal's attendance log after a sync
	// in which every record was stored.
	ClearAfterSync bool
}

// SyncService pulls attendance records from devices into the access log.
type SyncService struct {
	registry *DeviceRegistry
	dialer   transport.Dialer
	stores   Stores
	events   events.Publisher
	cfg      SyncConfig
	logger   *zap.SugaredLogger
	now      func() time.Time
}

func NewSyncService(reg *DeviceRegistry, d transport.Dialer, st Stores, pub events.Publisher, cfg SyncConfig, logger *zap.SugaredLogger) *SyncService {
	if pub == nil {
		pub = events.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &SyncService{
		registry: reg,
		dialer:   d,
		stores:   st,
		events:   pub,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SyncDevice pulls new records from one device under its lock. Device and
// storage failures are reported in the result; only an unknown or inactive
// device, or ctx ending while waiting for the lock, return an error.
func (s *SyncService) SyncDevice(ctx context.Context, deviceID int64, opts SyncOptions) (types.SyncResult, error) {
	d, err := s.registry.Device(ctx, deviceID)
	if err != nil {
		return types.SyncResult{}, err
	}
	if !d.IsActive {
		return types.SyncResult{}, fmt.Errorf("%w: %d", ErrInactiveDevice, deviceID)
	}
	if opts.SyncType == "" {
		opts.SyncType = SyncTypeManual
	}

	var res types.SyncResult
	err = s.registry.WithDeviceLock(ctx, deviceID, func(ctx context.Context) error {
		// Reload under the lock: a sync that just finished moved the cursor.
		if fresh, err := s.registry.Device(ctx, deviceID); err == nil {
			d = fresh
		}
		res = s.syncLocked(ctx, d, opts)
		return nil
	})
	if err != nil {
		return types.SyncResult{}, err
	}
	return res, nil
}

func (s *SyncService) syncLocked(ctx context.Context, d types.Device, opts SyncOptions) types.SyncResult {
	started := s.now()
	res := types.SyncResult{
		DeviceID:   d.ID,
		DeviceName: d.Name,
		HistoryID:  uuid.NewString(),
		Status:     types.SyncFailed,
		StartedAt:  started,
	}
	hist := types.SyncHistory{
		ID:        res.HistoryID,
		DeviceID:  d.ID,
		SyncType:  opts.SyncType,
		Status:    types.SyncFailed,
		StartedAt: started,
	}
	if err := s.stores.SyncHistory.StartSync(ctx, hist); err != nil {
		s.logger.Errorw("sync history start", "device_id", d.ID, "error", err)
		res.HistoryID = ""
		res.Error = err.Error()
		res.CompletedAt = s.now()
		return res
	}

	var since time.Time
	if d.LastSyncAt != nil {
		since = d.LastSyncAt.Add(-s.cfg.Overlap)
	}

	var (
		stored    int
		failed    int
		lastErr   error
		clearErr  error
		deviceErr error
	)
	deviceErr = transport.WithSession(ctx, s.dialer, s.registry.Endpoint(d), func(sess transport.Session) error {
		punches, err := sess.GetAttendanceLog(ctx, since)
		if err != nil {
			return err
		}
		res.RecordsPulled = len(punches)
		stored, failed, lastErr = s.persist(ctx, d, punches)

		if opts.ClearAfterSync && failed == 0 && len(punches) > 0 {
			clearErr = sess.ClearAttendanceLog(ctx)
		}
		return nil
	})
	s.registry.Observe(ctx, d.ID, deviceErr)
	if clearErr != nil {
		s.logger.Warnw("clear attendance log", "device_id", d.ID, "error", clearErr)
	}

	res.RecordsSynced = stored
	res.Failed = failed
	switch {
	case deviceErr != nil:
		res.Status = types.SyncFailed
		res.Error = deviceErr.Error()
	case failed == 0:
		res.Status = types.SyncSuccess
	case failed < res.RecordsPulled:
		res.Status = types.SyncPartial
		res.Error = fmt.Sprintf("%d of %d records not stored: %v", failed, res.RecordsPulled, lastErr)
	default:
		res.Status = types.SyncFailed
		res.Error = fmt.Sprintf("no records stored: %v", lastErr)
	}

	if res.Status == types.SyncSuccess || res.Status == types.SyncPartial {
		if err := s.stores.Devices.SetLastSync(ctx, d.ID, started); err != nil {
			s.logger.Errorw("update last sync", "device_id", d.ID, "error", err)
		}
	}

	res.CompletedAt = s.now()
	hist.Status = res.Status
	hist.RecordsSynced = res.RecordsSynced
	hist.ErrorMessage = res.Error
	hist.CompletedAt = &res.CompletedAt
	if err := s.stores.SyncHistory.CompleteSync(ctx, hist); err != nil {
		s.logger.Errorw("sync history complete", "device_id", d.ID, "history_id", hist.ID, "error", err)
	}

	s.events.Publish(events.KindSyncCompleted, events.SyncCompleted{
		DeviceID:      d.ID,
		Status:        string(res.Status),
		RecordsSynced: res.RecordsSynced,
	})

	log := s.logger.With("device_id", d.ID, "status", res.Status, "pulled", res.RecordsPulled,
		"synced", res.RecordsSynced, "duration", res.CompletedAt.Sub(started))
	if res.Status == types.SyncSuccess {
		log.Infow("sync finished")
	} else {
		log.Warnw("sync finished", "error", res.Error)
	}
	return res
}

// persist upserts punches in ascending time order and returns how many rows
// were newly stored and how many could not be written.
func (s *SyncService) persist(ctx context.Context, d types.Device, punches []transport.RawPunch) (stored, failed int, lastErr error) {
	sort.SliceStable(punches, func(i, j int) bool { return punches[i].Timestamp.Before(punches[j].Timestamp) })

	inf := newDirectionInferrer(d, s.stores.AccessLogs, s.cfg.Location)
	for _, p := range punches {
		userID := p.UserID
		if userID == "" {
			userID = strconv.Itoa(p.UID)
		}

		personnelID, err := s.stores.Personnel.ResolveDeviceUser(ctx, p.UID, userID, p.Timestamp)
		if err != nil {
			failed++
			lastErr = store.Wrap("ResolveDeviceUser", err)
			continue
		}

		dir, err := inf.next(ctx, personnelID, userID, p.Timestamp)
		if err != nil {
			failed++
			lastErr = store.Wrap("LastDirection", err)
			continue
		}

		row, inserted, err := s.stores.AccessLogs.UpsertAccessLog(ctx, types.AccessLog{
			PersonnelID:  personnelID,
			DeviceID:     d.ID,
			LocationID:   d.LocationID,
			EventTime:    p.Timestamp,
			Direction:    dir,
			Source:       types.SourceSync,
			DeviceUserID: userID,
			RawData:      p.RawHex(),
		})
		if err != nil {
			failed++
			lastErr = err
			continue
		}
		// A replayed record keeps its stored direction; later punches
		// alternate from that.
		inf.record(personnelID, userID, p.Timestamp, row.Direction)

		if inserted {
			stored++
			s.events.Publish(events.KindAccessLogCreated, events.AccessLogCreated{
				AccessLogID: row.ID,
				DeviceID:    row.DeviceID,
				PersonnelID: row.PersonnelID,
				EventTime:   row.EventTime,
				Direction:   string(row.Direction),
			})
		}
	}
	return stored, failed, lastErr
}

// SyncAll syncs every active device with bounded concurrency and returns one
// result per device, in device order. A device that has not started when ctx
// is cancelled is reported as skipped; a started one runs to completion.
func (s *SyncService) SyncAll(ctx context.Context, opts SyncOptions) ([]types.SyncResult, error) {
	devices, err := s.stores.Devices.ListDevices(ctx, true)
	if err != nil {
		return nil, store.Wrap("ListDevices", err)
	}
	if opts.SyncType == "" {
		opts.SyncType = SyncTypeFleet
	}

	results := make([]types.SyncResult, len(devices))
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)

	for i, d := range devices {
		skipped := types.SyncResult{DeviceID: d.ID, DeviceName: d.Name, Status: types.SyncSkipped}
		if err := ctx.Err(); err != nil {
			skipped.Error = err.Error()
			results[i] = skipped
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				skipped.Error = err.Error()
				results[i] = skipped
				return nil
			}
			res, err := s.SyncDevice(context.WithoutCancel(ctx), d.ID, opts)
			if err != nil {
				skipped.Error = err.Error()
				results[i] = skipped
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	counts := make(map[types.SyncStatus]int)
	for _, r := range results {
		counts[r.Status]++
	}
	s.logger.Infow("fleet sync finished", "devices", len(results),
		"success", counts[types.SyncSuccess], "partial", counts[types.SyncPartial],
		"failed", counts[types.SyncFailed], "skipped", counts[types.SyncSkipped])
	return results, nil
}

// directionInferrer assigns in/out to punches of one device. Fixed devices
// always report their own direction. On a both-way device each person's
// punches alternate within a local calendar day, starting with in, taking
// into account what is already stored for that day on any device.
// Unresolved users alternate per device.
type directionInferrer struct {
	device types.Device
	logs   store.AccessLogStore
	loc    *time.Location
	last   map[dirKey]types.Direction
}

type dirKey struct {
	personnelID  int64
	deviceUserID string
	day          string
}

func newDirectionInferrer(d types.Device, logs store.AccessLogStore, loc *time.Location) *directionInferrer {
	return &directionInferrer{device: d, logs: logs, loc: loc, last: make(map[dirKey]types.Direction)}
}

func (f *directionInferrer) key(personnelID *int64, userID string, at time.Time) dirKey {
	k := dirKey{day: at.In(f.loc).Format("2006-01-02")}
	if personnelID != nil {
		k.personnelID = *personnelID
	} else {
		k.deviceUserID = userID
	}
	return k
}

func (f *directionInferrer) next(ctx context.Context, personnelID *int64, userID string, at time.Time) (types.Direction, error) {
	switch f.device.Direction {
	case types.DirectionIn, types.DirectionOut:
		return f.device.Direction, nil
	}

	k := f.key(personnelID, userID, at)
	prev, ok := f.last[k]
	if !ok {
		local := at.In(f.loc)
		dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, f.loc)
		var err error
		prev, err = f.logs.LastDirection(ctx, store.DirectionKey{
			PersonnelID:  personnelID,
			DeviceID:     f.device.ID,
			DeviceUserID: userID,
		}, dayStart, at)
		if err != nil {
			return "", err
		}
	}
	if prev == "" {
		return types.DirectionIn, nil
	}
	return prev.Flip(), nil
}

func (f *directionInferrer) record(personnelID *int64, userID string, at time.Time, dir types.Direction) {
	if dir == "" {
		return
	}
	f.last[f.key(personnelID, userID, at)] = dir
}
