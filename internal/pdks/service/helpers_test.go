package service_test

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pdks/engine/internal/pdks/events"
	"github.com/pdks/engine/internal/pdks/service"
	"github.com/pdks/engine/internal/pdks/store/memory"
	"github.com/pdks/engine/internal/pdks/transport"
	"github.com/pdks/engine/internal/pdks/transport/terminaltest"
	"github.com/pdks/engine/internal/pdks/types"
)

// day is a Monday.
var day = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func at(hour, minute int) time.Time {
	return day.Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)
}

type fixture struct {
	devices   *memory.DeviceStore
	personnel *memory.PersonnelStore
	logs      *memory.AccessLogStore
	history   *memory.SyncHistoryStore
	enrolled  *memory.PersonnelDeviceStore
	calendar  *memory.CalendarStore
	bus       *events.Bus

	registry   *service.DeviceRegistry
	sync       *service.SyncService
	enrollment *service.EnrollmentService
	ops        *service.DeviceOps
}

func newFixture(t *testing.T, commandTimeout time.Duration) *fixture {
	t.Helper()
	if commandTimeout == 0 {
		commandTimeout = 2 * time.Second
	}
	logger := zap.NewNop().Sugar()

	f := &fixture{
		devices:   memory.NewDeviceStore(),
		personnel: memory.NewPersonnelStore(),
		logs:      memory.NewAccessLogStore(),
		history:   memory.NewSyncHistoryStore(),
		enrolled:  memory.NewPersonnelDeviceStore(),
		calendar:  memory.NewCalendarStore(),
		bus:       events.NewBus(),
	}
	st := service.Stores{
		Devices:          f.devices,
		Personnel:        f.personnel,
		AccessLogs:       f.logs,
		SyncHistory:      f.history,
		PersonnelDevices: f.enrolled,
		Calendar:         f.calendar,
		TempCards:        f.personnel,
	}
	dialer := transport.NewDialer(transport.Config{
		ConnectTimeout: time.Second,
		CommandTimeout: commandTimeout,
		Location:       time.UTC,
	})

	f.registry = service.NewDeviceRegistry(f.devices, f.bus, service.HealthPolicy{}, logger)
	f.sync = service.NewSyncService(f.registry, dialer, st, f.bus, service.SyncConfig{
		Workers:  5,
		Overlap:  10 * time.Minute,
		Location: time.UTC,
	}, logger)
	f.enrollment = service.NewEnrollmentService(f.registry, dialer, st, 5, logger)
	f.ops = service.NewDeviceOps(f.registry, dialer, logger)
	return f
}

// addTerminal starts a fake terminal and registers it as device id.
func (f *fixture) addTerminal(t *testing.T, id int64, dir types.Direction) *terminaltest.Server {
	t.Helper()
	srv := terminaltest.NewServer(t)
	f.devices.Put(types.Device{
		ID:        id,
		Name:      "terminal",
		IPAddress: srv.Host(),
		Port:      srv.Port(),
		Direction: dir,
		IsActive:  true,
	})
	return srv
}

// addUnreachable registers device id at an address nothing listens on.
func (f *fixture) addUnreachable(t *testing.T, id int64) {
	t.Helper()
	host, port := terminaltest.UnreachableAddr(t)
	f.devices.Put(types.Device{ID: id, Name: "dead", IPAddress: host, Port: port, Direction: types.DirectionBoth, IsActive: true})
}

func person(id int64, uid int) types.Personnel {
	return types.Personnel{
		ID:           id,
		FirstName:    "P",
		LastName:     "Person",
		Department:   "Ops",
		CardNumber:   "",
		DeviceUserID: uid,
		IsActive:     true,
	}
}

func ptr[T any](v T) *T { return &v }

func directions(logs []types.AccessLog) []types.Direction {
	out := make([]types.Direction, len(logs))
	for i, l := range logs {
		out[i] = l.Direction
	}
	return out
}
