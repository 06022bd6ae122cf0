package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/me/gomh/internal/config"
	"github.com/me/gomh/internal/logging"
	"github.com/me/gomh/internal/worker"
)

func main() {
	configFile := flag.String("config", "", "Path to YAML config file")
	serverURL := flag.String("server", "", "Dispatcher URL (overrides config)")
	name := flag.String("name", "", "Processor name (default: hostname)")

	// TLS flags (apply to the dispatcher API and asset downloads).
	caCert := flag.String("ca-cert", "", "Path to CA certificate PEM file for internal PKI")
	insecure := flag.Bool("insecure", false, "Skip TLS verification (testing only)")

	debug := flag.Bool("debug", false, "Shorthand for log_level=debug")
	flag.Parse()

	cfg, err := config.LoadProcessor(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.ServerURL = *serverURL
	}
	if *name != "" {
		cfg.Name = *name
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: "gomh-processor"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logging: %v\n", err)
		os.Exit(1)
	}

	// Default processor name to hostname.
	hostname, _ := os.Hostname()
	if cfg.Name == "" {
		cfg.Name = hostname
		if cfg.Name == "" {
			cfg.Name = "processor"
		}
	}

	tlsCfg, err := loadTLSConfig(*caCert, *insecure)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tls: %v\n", err)
		os.Exit(1)
	}

	index, err := worker.OpenAssetIndex(cfg.IndexPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open asset index: %v\n", err)
		os.Exit(1)
	}
	defer index.Close()
	// Downloads interrupted by the last shutdown never finished.
	if n, err := index.ResetInFlight(); err != nil {
		fmt.Fprintf(os.Stderr, "reset asset index: %v\n", err)
		os.Exit(1)
	} else if n > 0 {
		logger.Info("discarded interrupted downloads", "count", n)
	}

	dlCfg := worker.DefaultDownloadConfig()
	dlCfg.Workers = cfg.Downloaders
	downloader, err := worker.NewDownloader(dlCfg, index, cfg.ServerURL, tlsCfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init downloader: %v\n", err)
		os.Exit(1)
	}

	rt, err := worker.NewRuntime(cfg.Runtime)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init runtime: %v\n", err)
		os.Exit(1)
	}
	functions := make(map[string]worker.Function, len(cfg.Functions))
	for code, fn := range cfg.Functions {
		functions[code] = worker.Function{Command: fn.Command, Image: fn.Image, GPU: fn.GPU}
	}

	client := worker.NewClient(cfg.ServerURL, tlsCfg)
	if cfg.Key != "" {
		client.SetKey(cfg.Key)
		downloader.SetHeader("X-Processor-Key", cfg.Key)
	}

	p := worker.New(worker.Config{
		Name:         cfg.Name,
		Hostname:     hostname,
		Cores:        cfg.Cores,
		WorkDir:      cfg.WorkDir,
		AssetDir:     cfg.AssetDir,
		PollInterval: cfg.PollInterval,
		Heartbeat:    cfg.Heartbeat,
		KeepWorkDirs: cfg.KeepWorkDirs,
	}, client, downloader, worker.NewCommandRunner(rt, functions, logger), logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting processor",
		"server", cfg.ServerURL,
		"runtime", cfg.Runtime,
		"cores", len(cfg.Cores),
		"functions", len(functions),
		"workdir", cfg.WorkDir,
	)

	if err := p.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "processor error: %v\n", err)
		os.Exit(1)
	}

	logger.Info("processor stopped")
}

// loadTLSConfig returns nil when neither a CA file nor insecure mode is set
// so the system defaults apply.
func loadTLSConfig(caFile string, insecure bool) (*tls.Config, error) {
	if caFile == "" && !insecure {
		return nil, nil
	}
	cfg := &tls.Config{InsecureSkipVerify: insecure}
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("read CA cert: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", caFile)
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}
