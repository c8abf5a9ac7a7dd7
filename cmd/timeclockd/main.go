// Command timeclockd verifies the scan ledger, derives attendance, manages
// badges and watches scanner health.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/BrandonDHaskell/Portunus/timeclock/internal/config"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/db"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/grpcapi"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/httpapi"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/logging"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/metrics"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/notify"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/service"
	"github.com/BrandonDHaskell/Portunus/timeclock/internal/timeclock/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	if err != nil {
		logrus.WithError(err).Fatal("configure logging")
	}
	log := logger.WithField("app", "timeclockd")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("timeclockd stopped")
	}
}

func run(cfg config.Config, log logrus.FieldLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		return err
	}
	defer conn.Close()
	writer := db.NewWorker(conn)
	defer writer.Close()

	if cfg.Env == "dev" && len(cfg.Devices) == 0 {
		if err := db.SeedDev(ctx, conn, db.SeedDevOptions{}); err != nil {
			return err
		}
	}

	m := metrics.New()

	// Stores
	ledgerStore := sqlite.NewLedgerStore(conn)
	chainStore := sqlite.NewChainStore(conn, writer)
	attendanceStore := sqlite.NewAttendanceStore(conn, writer)
	badgeStore := sqlite.NewBadgeStore(conn, writer)
	deviceStore := sqlite.NewDeviceStore(conn, writer)
	heartbeatStore := sqlite.NewHeartbeatStore(conn, writer)

	// Notifications
	hub := notify.NewHub(log.WithField("component", "hub"))
	defer hub.Close()
	sinks := map[string]notify.Dispatcher{
		"log": notify.NewLogDispatcher(log.WithField("component", "notify")),
		"hub": hub,
	}
	if cfg.WebhookURL != "" {
		sinks["webhook"] = notify.NewWebhook(cfg.WebhookURL, cfg.NotifyTimeout)
	}
	notifier := notify.NewFanOut(m, sinks)

	// Services
	registry := service.NewDeviceRegistry(deviceStore, log.WithField("component", "registry"))
	for _, d := range cfg.Devices {
		if _, err := registry.Register(ctx, service.RegisterRequest{
			DeviceID:  d.DeviceID,
			Name:      d.Name,
			Location:  d.Location,
			PublicKey: d.PublicKey,
		}); err != nil {
			return err
		}
	}

	grpcSrv := grpcapi.New(log.WithField("component", "grpc"))

	badges := service.NewBadgeService(badgeStore, log.WithField("component", "badges"), m)
	deriver := service.NewDeriver(ledgerStore, attendanceStore, chainStore, deviceStore, badges,
		notifier, log.WithField("component", "deriver"), m, service.DeriverConfig{
			DedupWindow:   cfg.DedupWindow,
			BatchSize:     cfg.BatchSize,
			NotifyTimeout: cfg.NotifyTimeout,
		})
	pipeline := service.NewPipeline(ledgerStore, chainStore, attendanceStore, deriver, grpcSrv,
		notifier, log.WithField("component", "pipeline"), m, service.PipelineConfig{
			BatchSize:     cfg.BatchSize,
			NotifyTimeout: cfg.NotifyTimeout,
		})
	monitor := service.NewDeviceMonitor(deviceStore, ledgerStore, notifier,
		log.WithField("component", "monitor"), m, service.DeviceMonitorConfig{
			OfflineThreshold: cfg.OfflineThreshold,
			EscalateAfter:    cfg.EscalateAfter,
			RenotifyInterval: cfg.RenotifyInterval,
			NotifyTimeout:    cfg.NotifyTimeout,
		})
	cleaner := service.NewDedupCleaner(attendanceStore, cfg.DedupWindow, log.WithField("component", "dedup"), m)
	heartbeats := service.NewHeartbeatService(heartbeatStore, registry, log.WithField("component", "heartbeat"), m)

	// Background jobs
	taskLog := log.WithField("component", "tasks")
	now := func() time.Time { return time.Now().UTC() }
	tasks := []*service.PeriodicTask{
		service.NewPeriodicTask("process-ledger", cfg.PipelineInterval, func(ctx context.Context) error {
			_, err := pipeline.RunOnce(ctx)
			return err
		}, taskLog),
		service.NewPeriodicTask("check-device-health", cfg.HealthInterval, func(ctx context.Context) error {
			_, err := monitor.Check(ctx, now())
			return err
		}, taskLog),
		service.NewPeriodicTask("cleanup-dedup", cfg.CleanupInterval, func(ctx context.Context) error {
			_, err := cleaner.Cleanup(ctx, now())
			return err
		}, taskLog),
		service.NewPeriodicTask("expire-badges", cfg.ExpiryInterval, func(ctx context.Context) error {
			_, err := badges.Expire(ctx)
			return err
		}, taskLog),
		service.NewPeriodicTask("prune-heartbeats", cfg.PruneInterval,
			service.PruneHeartbeats(heartbeatStore, cfg.HeartbeatRetention, now, taskLog), taskLog),
	}
	for _, t := range tasks {
		t.Start(ctx)
	}
	defer func() {
		for _, t := range tasks {
			t.Stop()
		}
	}()

	// HTTP
	httpSrv := httpapi.NewServer(httpapi.Dependencies{
		Logger:           log.WithField("component", "http"),
		Addr:             cfg.HTTPAddr,
		Metrics:          m,
		Now:              now,
		HeartbeatService: heartbeats,
		Registry:         registry,
		Monitor:          monitor,
		Badges:           badges,
		Pipeline:         pipeline,
		Cleaner:          cleaner,
		Attendance:       attendanceStore,
		Chain:            chainStore,
		Hub:              hub,
	})

	errc := make(chan error, 2)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http listening")
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	go func() {
		if err := grpcSrv.Serve(lis); err != nil {
			errc <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err = <-errc:
		log.WithError(err).Error("server error")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := httpSrv.Shutdown(shutdownCtx); serr != nil {
		log.WithError(serr).Warn("http shutdown")
	}
	grpcSrv.Shutdown(shutdownCtx)
	return err
}
