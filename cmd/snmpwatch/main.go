package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/HerbHall/snmpwatch/internal/config"
	"github.com/HerbHall/snmpwatch/internal/logging"
	"github.com/HerbHall/snmpwatch/internal/poller"
	"github.com/HerbHall/snmpwatch/internal/publish"
	"github.com/HerbHall/snmpwatch/internal/server"
	"github.com/HerbHall/snmpwatch/internal/sink"
	"github.com/HerbHall/snmpwatch/internal/snapshot"
	"github.com/HerbHall/snmpwatch/internal/snmp"
	"github.com/HerbHall/snmpwatch/internal/store"
	"github.com/HerbHall/snmpwatch/internal/telemetry"
	"github.com/HerbHall/snmpwatch/internal/version"
	"github.com/HerbHall/snmpwatch/pkg/catalog"
)

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		return
	}

	// Load configuration
	settings, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "snmpwatch: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := logging.New(settings.Log.Level, settings.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "snmpwatch: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("snmpwatch starting", zap.String("version", version.Short()))

	cat, err := catalog.LoadFile(settings.Catalog.Path)
	if err != nil {
		logger.Fatal("failed to load catalog", zap.Error(err))
	}

	target, err := settings.SNMPTarget()
	if err != nil {
		logger.Fatal("invalid target", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := telemetry.New()

	session, err := snmp.Open(ctx, target,
		snmp.WithLogger(logger.Named("snmp")),
		snmp.WithMetrics(metrics),
	)
	if err != nil {
		logger.Fatal("failed to open snmp session", zap.Error(err))
	}
	defer session.Close()

	builderOpts := []snapshot.Option{
		snapshot.WithLogger(logger.Named("snapshot")),
		snapshot.WithMetrics(metrics),
	}
	for _, g := range settings.ExtraGroups() {
		builderOpts = append(builderOpts, snapshot.WithGroup(g.Name, g.Metrics...))
	}
	builder, err := snapshot.NewBuilder(cat, session, builderOpts...)
	if err != nil {
		logger.Fatal("invalid group configuration", zap.Error(err))
	}

	db, err := store.New(settings.Store.Path)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer db.Close()

	// Register sinks (delivery order follows registration)
	snapshots := store.NewSnapshots(db, logger.Named("store"))
	hub := server.NewHub(logger.Named("stream"))
	sinks := sink.NewRegistry(logger.Named("sink"))
	registered := []sink.Sink{snapshots, hub}
	if settings.MQTT.Broker != "" {
		registered = append(registered, publish.NewMQTT(publish.Config{
			Broker:   settings.MQTT.Broker,
			Topic:    settings.MQTT.Topic,
			ClientID: settings.MQTT.ClientID,
		}, logger.Named("mqtt")))
	}
	for _, s := range registered {
		if err := sinks.Register(s); err != nil {
			logger.Fatal("failed to register sink", zap.Error(err))
		}
	}
	if err := sinks.StartAll(ctx); err != nil {
		logger.Fatal("failed to start sinks", zap.Error(err))
	}
	logger.Info("sinks started", zap.Strings("sinks", sinks.Names()))

	sched := poller.New(builder, sinks,
		poller.WithLogger(logger.Named("poller")),
		poller.WithMetrics(metrics),
	)

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		if settings.Poll.Interval <= 0 {
			logger.Info("periodic polling disabled; refresh on demand only")
			return
		}
		if err := sched.Run(ctx, settings.Poll.Interval); err != nil {
			logger.Error("poll loop stopped", zap.Error(err))
		}
	}()

	addr := settings.ServerAddr()
	srv := server.New(addr, server.Deps{
		Refresher:   sched,
		Snapshots:   snapshots,
		Hub:         hub,
		Metrics:     metrics.Handler(),
		RefreshRate: settings.Server.RefreshRate,
	}, logger.Named("http"))

	// Start server in background
	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	logger.Info("snmpwatch ready",
		zap.String("addr", addr),
		zap.String("target", target.Address()),
		zap.Strings("groups", sched.Groups()),
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	cancel()
	<-pollDone

	// Stopping sinks closes stream subscriptions so HTTP shutdown does not
	// wait on open websockets.
	sinks.StopAll()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	logger.Info("snmpwatch stopped")
}
