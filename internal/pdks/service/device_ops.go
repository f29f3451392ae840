package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/pdks/engine/internal/pdks/transport"
	"github.com/pdks/engine/internal/pdks/types"
)

// ConnectionTest is the outcome of TestConnection.
type ConnectionTest struct {
	DeviceID  int64             `json:"device_id"`
	Online    bool              `json:"online"`
	LatencyMs int64             `json:"latency_ms"`
	Info      map[string]string `json:"info,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// DeviceOps runs one-off diagnostic commands against a device. Each call
// holds the device lock and feeds the health monitor.
type DeviceOps struct {
	registry *DeviceRegistry
	dialer   transport.Dialer
	logger   *zap.SugaredLogger
}

func NewDeviceOps(reg *DeviceRegistry, d transport.Dialer, logger *zap.SugaredLogger) *DeviceOps {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DeviceOps{registry: reg, dialer: d, logger: logger}
}

func (o *DeviceOps) withSession(ctx context.Context, deviceID int64, fn func(transport.Session) error) (types.Device, error) {
	d, err := o.registry.Device(ctx, deviceID)
	if err != nil {
		return types.Device{}, err
	}
	var opErr error
	err = o.registry.WithDeviceLock(ctx, deviceID, func(ctx context.Context) error {
		opErr = transport.WithSession(ctx, o.dialer, o.registry.Endpoint(d), fn)
		o.registry.Observe(ctx, deviceID, opErr)
		return nil
	})
	if err != nil {
		return d, err
	}
	return d, opErr
}

// TestConnection dials the device and reads its info. Device failures are
// reported in the result, not as an error.
func (o *DeviceOps) TestConnection(ctx context.Context, deviceID int64) (ConnectionTest, error) {
	res := ConnectionTest{DeviceID: deviceID}
	start := time.Now()
	_, err := o.withSession(ctx, deviceID, func(s transport.Session) error {
		info, err := s.GetDeviceInfo(ctx)
		res.Info = info
		return err
	})
	res.LatencyMs = time.Since(start).Milliseconds()

	switch {
	case err == nil:
		res.Online = true
	case transport.KindOf(err) != 0:
		res.Error = err.Error()
	default:
		return ConnectionTest{}, err
	}
	o.logger.Infow("connection test", "device_id", deviceID, "online", res.Online, "latency_ms", res.LatencyMs)
	return res, nil
}

// PullDeviceInfo returns firmware, serial number, counts and capacities.
func (o *DeviceOps) PullDeviceInfo(ctx context.Context, deviceID int64) (map[string]string, error) {
	var info map[string]string
	_, err := o.withSession(ctx, deviceID, func(s transport.Session) error {
		var err error
		info, err = s.GetDeviceInfo(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// FetchDeviceUsers lists the user slots stored on the device.
func (o *DeviceOps) FetchDeviceUsers(ctx context.Context, deviceID int64) ([]transport.DeviceUser, error) {
	var users []transport.DeviceUser
	_, err := o.withSession(ctx, deviceID, func(s transport.Session) error {
		var err error
		users, err = s.GetUserList(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return users, nil
}
