package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/me/gomh/internal/config"
	"github.com/me/gomh/internal/dispatcher"
	"github.com/me/gomh/internal/events"
	"github.com/me/gomh/internal/logging"
	"github.com/me/gomh/internal/scheduler"
	"github.com/me/gomh/internal/server"
	"github.com/me/gomh/internal/store"
	"github.com/me/gomh/internal/tracing"
)

const version = "0.1.0"

func main() {
	configFile := flag.String("config", "", "Path to YAML config file")
	addr := flag.String("addr", "", "Listen address (overrides config)")
	dbPath := flag.String("db", "", "Database path (overrides config)")
	debug := flag.Bool("debug", false, "Shorthand for log_level=debug")
	flag.Parse()

	cfg, err := config.LoadServer(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: cfg.ServiceName})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}

	// Open store and run migrations.
	st, err := store.NewSQLiteStore(cfg.DBPath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "migrate database: %v\n", err)
		os.Exit(1)
	}
	logger.Info("database ready", "path", cfg.DBPath)

	if err := tracing.Init(cfg.ServiceName, version, cfg.TraceOutput); err != nil {
		fmt.Fprintf(os.Stderr, "init tracing: %v\n", err)
		os.Exit(1)
	}

	var publisher events.Publisher = events.NewLogPublisher(logger)
	if cfg.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.NATSURL, cfg.NATSPrefix, logger)
		if err != nil {
			fmt.Fprintf(os.Stderr, "connect nats: %v\n", err)
			os.Exit(1)
		}
		defer np.Close()
		publisher = np
		logger.Info("publishing events to nats", "url", cfg.NATSURL, "prefix", cfg.NATSPrefix)
	}

	d := dispatcher.New(dispatcher.Config{
		GateTimeout:      cfg.GateTimeout,
		MaxRetries:       cfg.MaxRetries,
		ConditionTimeout: dispatcher.DefaultConfig().ConditionTimeout,
	}, logger,
		dispatcher.WithPublisher(publisher),
		dispatcher.WithTracer(tracing.NewTracer(nil)),
	)

	sched := scheduler.NewLoop(d, st, scheduler.Config{
		PollInterval:     cfg.TickInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, logger)
	if err := sched.Recover(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "recover state: %v\n", err)
		os.Exit(1)
	}

	var serverOpts []server.Option
	keys, err := server.LoadProcessorKeyConfig(cfg.ProcessorKeysFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load processor keys: %v\n", err)
		os.Exit(1)
	}
	if keys.IsEnabled() {
		serverOpts = append(serverOpts, server.WithProcessorKeys(keys))
		logger.Info("processor key authentication enabled", "keys", len(keys.Keys))
	}

	srv := server.New(cfg, d, st, sched, logger, serverOpts...)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: srv.Handler(),
	}

	// Graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start scheduler in background.
	srv.StartScheduler(ctx)

	go func() {
		logger.Info("server starting", "addr", cfg.Addr, "version", version)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown error: %v\n", err)
		os.Exit(1)
	}

	// One last checkpoint so a restart resumes from the latest state.
	if err := sched.Tick(shutdownCtx); err != nil {
		logger.Error("final checkpoint", "error", err)
	}
	logger.Info("server stopped")
}
