package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/admin"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/audit"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/commands"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/config"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/logging"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/metrics"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/schema"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/server"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/simulator"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/state"
	"github.com/lsst-ts/ts-atpneumaticssimulator/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	logger, logCloser := logging.New(cfg.Logging)
	defer func() { _ = logCloser.Close() }()

	logger.WithFields(logrus.Fields{
		"host":           cfg.Network.Host,
		"port":           cfg.Network.Port,
		"telemetryMs":    cfg.Telemetry.IntervalMs,
		"offlinePolicy":  cfg.Protocol.OfflinePolicy,
		"strictSequence": cfg.Protocol.StrictSequence,
	}).Info("Starting ATPneumatics simulator")

	schemas, err := schema.NewRegistry()
	if err != nil {
		logger.WithError(err).Fatal("Failed to load message schemas")
	}
	logger.WithField("schemas", schemas.Len()).Debug("Message schemas loaded")

	m := metrics.New()
	model := state.NewModel(cfg.Simulation)

	registry := commands.NewCommandRegistry()
	commands.RegisterHardwareCommands(registry, model)

	procOpts := []commands.ProcessorOption{
		commands.WithStrictSequence(cfg.Protocol.StrictSequence),
		commands.WithMetrics(m),
	}
	var auditLogger *audit.Logger
	if cfg.Audit.Enabled {
		auditLogger, err = audit.NewLogger(cfg.Audit.Dir)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open command audit log")
		}
		procOpts = append(procOpts, commands.WithAudit(auditLogger))
		logger.WithField("path", auditLogger.GetFilePath()).Info("Command audit enabled")
	}
	processor := commands.NewProcessor(registry, schemas, logger, procOpts...)

	engine := simulator.New(model, processor, schemas, logger,
		simulator.WithMetrics(m),
		simulator.WithOutboundValidation(cfg.Protocol.ValidateOutbound),
		simulator.WithInitialEvents(cfg.Protocol.SendInitialEvents),
		simulator.WithInboxSize(cfg.Protocol.InboxSize),
	)

	srv := server.NewServer(cfg, engine, m, logger)
	if err := srv.Listen(); err != nil {
		logger.WithError(err).Fatal("Failed to bind command port")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engine.Start(ctx, srv)

	go func() {
		if err := srv.Serve(); err != nil {
			logger.WithError(err).Fatal("Command server failed")
		}
	}()

	publisher := telemetry.NewPublisher(model, engine, cfg.TelemetryInterval(), logger)
	go publisher.Run(ctx)

	var adminServer *admin.Server
	if cfg.Admin.Enabled {
		adminServer, err = admin.NewServer(cfg.Admin, model, srv, m, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to configure admin server")
		}
		if err := adminServer.Listen(); err != nil {
			logger.WithError(err).Fatal("Failed to bind admin port")
		}
		go func() {
			if err := adminServer.Serve(); err != nil {
				logger.WithError(err).Fatal("Admin server failed")
			}
		}()
	}

	// SIGHUP rotates the audit log; SIGINT and SIGTERM shut down
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s == syscall.SIGHUP {
			if auditLogger != nil {
				if err := auditLogger.Rotate(); err != nil {
					logger.WithError(err).Warn("Audit log rotation failed")
				}
			}
			continue
		}
		break
	}

	logger.Info("Shutting down simulator...")

	if adminServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := adminServer.Stop(shutdownCtx); err != nil {
			logger.WithError(err).Warn("Admin server shutdown error")
		}
		shutdownCancel()
	}

	// Stop accepting before the engine so no frame is submitted to a stopped worker
	if err := srv.Close(); err != nil {
		logger.WithError(err).Warn("Command server shutdown error")
	}
	cancel()
	if err := engine.Close(); err != nil {
		logger.WithError(err).Warn("Engine shutdown error")
	}
	if auditLogger != nil {
		if err := auditLogger.Close(); err != nil {
			logger.WithError(err).Warn("Audit log close error")
		}
	}

	logger.Info("Simulator stopped")
}
