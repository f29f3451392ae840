// Package statusrpc exposes terminal reachability over the standard gRPC
// health protocol. Each device is a service named "device/<id>" that is
// SERVING while the device is online; the empty service name reports the
// process itself.
package statusrpc

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/pdks/engine/internal/pdks/events"
	"github.com/pdks/engine/internal/pdks/store"
)

// ServiceName is the health service name of a device.
func ServiceName(deviceID int64) string {
	return "device/" + strconv.FormatInt(deviceID, 10)
}

type Bridge struct {
	health  *health.Server
	devices store.DeviceStore
	logger  *zap.SugaredLogger
}

func NewBridge(devices store.DeviceStore, logger *zap.SugaredLogger) *Bridge {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Bridge{health: health.NewServer(), devices: devices, logger: logger}
}

// Health is the health service backing the bridge.
func (b *Bridge) Health() healthpb.HealthServer { return b.health }

// Seed publishes the stored reachability of every active device.
func (b *Bridge) Seed(ctx context.Context) error {
	devs, err := b.devices.ListDevices(ctx, true)
	if err != nil {
		return fmt.Errorf("list devices: %w", err)
	}
	for _, d := range devs {
		b.set(d.ID, d.IsOnline)
	}
	return nil
}

// Run applies device status events until ch is closed or ctx is done.
func (b *Bridge) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Kind != events.KindDeviceStatusChanged {
				continue
			}
			st, ok := ev.Payload.(events.DeviceStatusChanged)
			if !ok {
				continue
			}
			b.set(st.DeviceID, st.Online)
		}
	}
}

func (b *Bridge) set(deviceID int64, online bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if online {
		status = healthpb.HealthCheckResponse_SERVING
	}
	b.health.SetServingStatus(ServiceName(deviceID), status)
	b.logger.Debugw("device health", "device_id", deviceID, "status", status.String())
}

// Shutdown flips every service to NOT_SERVING.
func (b *Bridge) Shutdown() { b.health.Shutdown() }

// Server is a gRPC server carrying only the health service.
type Server struct {
	addr   string
	grpc   *grpc.Server
	logger *zap.SugaredLogger
}

func NewServer(addr string, b *Bridge, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, b.Health())
	return &Server{addr: addr, grpc: gs, logger: logger}
}

// Start listens and serves until Stop. It returns nil after a clean stop.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	return s.Serve(lis)
}

func (s *Server) Serve(lis net.Listener) error {
	s.logger.Infow("status rpc listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

func (s *Server) Stop() { s.grpc.GracefulStop() }
