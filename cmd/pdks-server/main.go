package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pdks/engine/internal/config"
	dbpkg "github.com/pdks/engine/internal/db"
	"github.com/pdks/engine/internal/httpapi"
	"github.com/pdks/engine/internal/logging"
	"github.com/pdks/engine/internal/pdks/attendance"
	"github.com/pdks/engine/internal/pdks/events"
	"github.com/pdks/engine/internal/pdks/service"
	"github.com/pdks/engine/internal/pdks/store/sqlite"
	"github.com/pdks/engine/internal/pdks/transport"
	"github.com/pdks/engine/internal/statusrpc"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pdks-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env == "dev")
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// DB
	db, err := dbpkg.Open(ctx, dbpkg.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		return err
	}
	defer db.Close()
	if cfg.Env == "dev" {
		if err := dbpkg.SeedDev(ctx, db, dbpkg.SeedDevOptions{DeviceAddr: cfg.DevDeviceAddr}); err != nil {
			return fmt.Errorf("seed dev: %w", err)
		}
	}
	writer := dbpkg.NewWorker(db, logger.Named("db"))
	defer writer.Close()

	// Stores
	personnel := sqlite.NewPersonnelStore(db, writer)
	stores := service.Stores{
		Devices:          sqlite.NewDeviceStore(db, writer),
		Personnel:        personnel,
		AccessLogs:       sqlite.NewAccessLogStore(db, writer),
		SyncHistory:      sqlite.NewSyncHistoryStore(db, writer),
		PersonnelDevices: sqlite.NewPersonnelDeviceStore(db, writer),
		Calendar:         sqlite.NewCalendarStore(db),
		TempCards:        personnel,
	}

	// Services
	bus := events.NewBus()
	dialer := transport.NewDialer(transport.Config{
		ConnectTimeout: cfg.ConnectTimeout(),
		CommandTimeout: cfg.CommandTimeout(),
		Location:       cfg.Location,
	})
	registry := service.NewDeviceRegistry(stores.Devices, bus, service.HealthPolicy{
		FailureThreshold: cfg.OfflineFailureThreshold,
		TimeoutThreshold: cfg.OfflineTimeoutThreshold,
	}, logger.Named("health"))
	syncSvc := service.NewSyncService(registry, dialer, stores, bus, service.SyncConfig{
		Workers:  cfg.SyncWorkers,
		Overlap:  cfg.SyncOverlap(),
		Location: cfg.Location,
	}, logger.Named("sync"))
	enrollment := service.NewEnrollmentService(registry, dialer, stores, cfg.SyncWorkers, logger.Named("enroll"))
	ops := service.NewDeviceOps(registry, dialer, logger.Named("ops"))

	workWeek, err := cfg.Weekdays()
	if err != nil {
		return err
	}
	engine := attendance.NewEngine(attendance.Stores{
		Personnel:  stores.Personnel,
		AccessLogs: stores.AccessLogs,
		Calendar:   stores.Calendar,
	}, attendance.Settings{
		Location:     cfg.Location,
		DefaultStart: cfg.WorkStart,
		DefaultEnd:   cfg.WorkEnd,
		WorkWeek:     workWeek,
	})

	// Background jobs
	scheduler := service.NewSyncScheduler(syncSvc, cfg.SyncInterval(), logger.Named("scheduler"))
	scheduler.Start(ctx)
	defer scheduler.Stop()

	pruner := service.NewSyncHistoryPruner(stores.SyncHistory, service.PrunerConfig{
		RetentionDays: cfg.SyncHistoryRetentionDays,
		IntervalHours: cfg.PruneIntervalHours,
	}, logger.Named("pruner"))
	pruner.Start(ctx)
	defer pruner.Stop()

	sweeper := service.NewTempCardSweeper(personnel, enrollment, cfg.TempCardSweepInterval(), logger.Named("sweeper"))
	sweeper.Start(ctx)
	defer sweeper.Stop()

	// Status RPC
	errCh := make(chan error, 2)
	var rpc *statusrpc.Server
	if cfg.GRPCAddr != "" {
		bridge := statusrpc.NewBridge(stores.Devices, logger.Named("statusrpc"))
		if err := bridge.Seed(ctx); err != nil {
			return err
		}
		sub, unsubscribe := bus.Subscribe(64, events.KindDeviceStatusChanged)
		defer unsubscribe()
		go bridge.Run(ctx, sub)
		defer bridge.Shutdown()

		rpc = statusrpc.NewServer(cfg.GRPCAddr, bridge, logger.Named("statusrpc"))
		go func() { errCh <- rpc.Start() }()
	}

	// HTTP
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:      logger.Named("http"),
		Addr:        cfg.HTTPAddr,
		Location:    cfg.Location,
		Sync:        syncSvc,
		Enrollment:  enrollment,
		DeviceOps:   ops,
		Attendance:  engine,
		SyncHistory: stores.SyncHistory,
	})
	go func() {
		logger.Infow("listening", "addr", cfg.HTTPAddr, "env", cfg.Env, "timezone", cfg.Timezone)
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logger.Errorw("server error", "err", err)
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnw("http shutdown", "err", err)
	}
	if rpc != nil {
		rpc.Stop()
	}
	logger.Infow("stopped", "dropped_events", bus.Dropped())
	return nil
}
