package httpapi_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/pdks/engine/internal/httpapi"
	"github.com/pdks/engine/internal/pdks/attendance"
	"github.com/pdks/engine/internal/pdks/events"
	"github.com/pdks/engine/internal/pdks/service"
	"github.com/pdks/engine/internal/pdks/store/memory"
	"github.com/pdks/engine/internal/pdks/transport"
	"github.com/pdks/engine/internal/pdks/transport/terminaltest"
	"github.com/pdks/engine/internal/pdks/types"
)

type testEnv struct {
	ts        *httptest.Server
	terminal  *terminaltest.Server
	devices   *memory.DeviceStore
	personnel *memory.PersonnelStore
	logs      *memory.AccessLogStore
	calendar  *memory.CalendarStore
}

// newTestServer wires up the full dependency graph using in-memory stores
// and one fake terminal registered as device 1.
func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()

	env := &testEnv{
		terminal:  terminaltest.NewServer(t),
		personnel: memory.NewPersonnelStore(),
		logs:      memory.NewAccessLogStore(),
		calendar:  memory.NewCalendarStore(),
	}
	env.devices = memory.NewDeviceStore(types.Device{
		ID: 1, Name: "gate", IPAddress: env.terminal.Host(), Port: env.terminal.Port(),
		Direction: types.DirectionBoth, IsActive: true,
	})
	history := memory.NewSyncHistoryStore()
	st := service.Stores{
		Devices:          env.devices,
		Personnel:        env.personnel,
		AccessLogs:       env.logs,
		SyncHistory:      history,
		PersonnelDevices: memory.NewPersonnelDeviceStore(),
		Calendar:         env.calendar,
		TempCards:        env.personnel,
	}
	dialer := transport.NewDialer(transport.Config{
		ConnectTimeout: time.Second,
		CommandTimeout: 2 * time.Second,
		Location:       time.UTC,
	})
	bus := events.NewBus()
	registry := service.NewDeviceRegistry(env.devices, bus, service.HealthPolicy{}, logger)

	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:   logger,
		Addr:     ":0",
		Location: time.UTC,
		Sync: service.NewSyncService(registry, dialer, st, bus, service.SyncConfig{
			Workers: 2, Location: time.UTC,
		}, logger),
		Enrollment: service.NewEnrollmentService(registry, dialer, st, 2, logger),
		DeviceOps:  service.NewDeviceOps(registry, dialer, logger),
		Attendance: attendance.NewEngine(attendance.Stores{
			Personnel: env.personnel, AccessLogs: env.logs, Calendar: env.calendar,
		}, attendance.Settings{Location: time.UTC}),
		SyncHistory: history,
	})

	env.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(env.ts.Close)
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, header ...string) *http.Response {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rd)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

var monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

func TestSyncDevice_StoresPunches(t *testing.T) {
	env := newTestServer(t)
	env.personnel.Put(types.Personnel{ID: 10, FirstName: "Ali", DeviceUserID: 5, IsActive: true})
	env.terminal.AddPunch(5, "5", monday.Add(8*time.Hour))
	env.terminal.AddPunch(5, "5", monday.Add(17*time.Hour))

	resp := env.do(t, http.MethodPost, "/v1/devices/1/sync", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decode[types.SyncResult](t, resp)
	assert.Equal(t, types.SyncSuccess, res.Status)
	assert.Equal(t, 2, res.RecordsSynced)
	assert.Len(t, env.logs.All(), 2)

	resp = env.do(t, http.MethodGet, "/v1/sync-history?device_id=1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hist := decode[[]map[string]any](t, resp)
	require.Len(t, hist, 1)
	assert.Equal(t, "manual", hist[0]["sync_type"])
}

func TestSyncDevice_Errors(t *testing.T) {
	env := newTestServer(t)

	resp := env.do(t, http.MethodPost, "/v1/devices/abc/sync", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/devices/99/sync", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "unknown_device", body["error"])

	env.devices.Put(types.Device{ID: 2, Name: "off", IsActive: false})
	resp = env.do(t, http.MethodPost, "/v1/devices/2/sync", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/devices/1/sync", `{"nope":true}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSyncAll(t *testing.T) {
	env := newTestServer(t)
	host, port := terminaltest.UnreachableAddr(t)
	env.devices.Put(types.Device{ID: 2, Name: "dead", IPAddress: host, Port: port, Direction: types.DirectionIn, IsActive: true})

	resp := env.do(t, http.MethodPost, "/v1/devices/sync-all", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, body["success"])
	assert.EqualValues(t, 1, body["failed"])
}

func TestDeviceOps(t *testing.T) {
	env := newTestServer(t)
	env.terminal.AddUser(transport.DeviceUser{UID: 3, UserID: "3", Name: "Zeynep", Password: "1234"})

	resp := env.do(t, http.MethodPost, "/v1/devices/1/test", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	ct := decode[service.ConnectionTest](t, resp)
	assert.True(t, ct.Online)
	assert.Equal(t, "TST0000001", ct.Info["serial_number"])

	resp = env.do(t, http.MethodGet, "/v1/devices/1/users", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"name":"Zeynep"`)
	assert.NotContains(t, string(raw), "1234")

	host, port := terminaltest.UnreachableAddr(t)
	env.devices.Put(types.Device{ID: 2, Name: "dead", IPAddress: host, Port: port, IsActive: true})
	resp = env.do(t, http.MethodGet, "/v1/devices/2/info", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestEnrollment(t *testing.T) {
	env := newTestServer(t)
	env.personnel.Put(types.Personnel{ID: 10, FirstName: "Ali", DeviceUserID: 5, IsActive: true})

	resp := env.do(t, http.MethodPost, "/v1/personnel/10/enroll", `{"device_ids":[1]}`, "X-Operator", "hr")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]any](t, resp)
	assert.EqualValues(t, 1, body["succeeded"])
	assert.Contains(t, env.terminal.Users(), 5)

	resp = env.do(t, http.MethodPost, "/v1/personnel/10/unassign", `{"device_ids":[1]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotContains(t, env.terminal.Users(), 5)

	resp = env.do(t, http.MethodPost, "/v1/personnel/77/enroll", `{"device_ids":[1]}`)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/v1/personnel/10/assign-location/4", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_location", decode[map[string]string](t, resp)["error"])
}

func TestDailyReport(t *testing.T) {
	env := newTestServer(t)
	env.personnel.Put(types.Personnel{ID: 10, FirstName: "Ali", Department: "Ops", IsActive: true})
	id := int64(10)
	for i, ts := range []time.Time{monday.Add(8*time.Hour + 5*time.Minute), monday.Add(17*time.Hour + 10*time.Minute)} {
		dir := types.DirectionIn
		if i == 1 {
			dir = types.DirectionOut
		}
		_, _, err := env.logs.UpsertAccessLog(t.Context(), types.AccessLog{
			PersonnelID: &id, DeviceID: 1, EventTime: ts, Direction: dir, DeviceUserID: "10",
		})
		require.NoError(t, err)
	}

	resp := env.do(t, http.MethodGet, "/v1/reports/daily?date=2026-03-02", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rep := decode[attendance.DailyReport](t, resp)
	require.Len(t, rep.Entries, 1)
	assert.True(t, rep.Entries[0].IsLate)
	assert.Equal(t, 9.08, rep.Entries[0].TotalHours)

	resp = env.do(t, http.MethodGet, "/v1/reports/daily?date=02.03.2026", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/reports/monthly?year=2026&month=13", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/reports/department?start=2026-03-03&end=2026-03-02", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/v1/reports/department?start=2000-01-01&end=2099-12-31", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/v1/reports/paired?date=2026-03-02", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	paired := decode[[]attendance.PairedEntry](t, resp)
	require.Len(t, paired, 1)
	require.NotNil(t, paired[0].DurationMinutes)
	assert.Equal(t, 545, *paired[0].DurationMinutes)
}

func TestProtobufNegotiation(t *testing.T) {
	env := newTestServer(t)

	resp := env.do(t, http.MethodGet, "/v1/reports/monthly?year=2026&month=3", "", "Accept", "application/x-protobuf")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var doc structpb.Struct
	require.NoError(t, proto.Unmarshal(raw, &doc))
	assert.EqualValues(t, 22, doc.GetFields()["work_days"].GetNumberValue())

	resp = env.do(t, http.MethodGet, "/v1/reports/paired?date=2026-03-02", "", "Accept", "application/x-protobuf")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, proto.Unmarshal(raw, &doc))
	assert.NotNil(t, doc.GetFields()["data"].GetListValue())
}

func TestHealthz(t *testing.T) {
	env := newTestServer(t)
	resp := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
