package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"darn/internal/config"
	"darn/internal/discovery"
	"darn/internal/geo"
	"darn/internal/metrics"
	"darn/internal/pipeline"
	"darn/internal/store"
	"darn/internal/web"
)

const version = "1.0.0"

func main() {
	configFile := flag.String("config", "config.yaml", "Configuration file path")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("DARN verification pipeline v%s\n", version)
		os.Exit(0)
	}

	// Secrets (Shodan API key) come from the environment; .env is optional.
	_ = godotenv.Load()

	cfg := loadConfig(*configFile)
	setupLogging(cfg.Logging)

	logrus.WithFields(logrus.Fields{
		"config_file": *configFile,
		"port":        cfg.Server.Port,
		"workers":     cfg.Pipeline.Workers,
	}).Info("Starting DARN pipeline")

	st, err := store.NewBoltStore(cfg.Database.Path)
	if err != nil {
		logrus.Fatalf("Failed to initialize database: %v", err)
	}
	defer st.Close()

	collector := metrics.NewCollector(st)

	resolver, err := geo.NewResolver(st, cfg.Geo, cfg.Pipeline.ReverifyAfter)
	if err != nil {
		logrus.Fatalf("Failed to initialize geo resolver: %v", err)
	}

	var discoverer discovery.Discoverer
	if apiKey := os.Getenv(cfg.Discovery.APIKeyEnv); apiKey != "" {
		discoverer = discovery.NewShodanClient(apiKey, cfg.Discovery.Query, cfg.Discovery.Limit)
	} else {
		logrus.WithField("env", cfg.Discovery.APIKeyEnv).Warn("No discovery API key set; refresh will only re-verify known hosts")
	}

	engine := pipeline.NewEngine(cfg, st, collector, resolver, discoverer)
	webServer := web.NewServer(cfg, st, engine, collector)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		logrus.Fatalf("Failed to start pipeline engine: %v", err)
	}
	go webServer.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logrus.WithField("signal", sig).Info("Received shutdown signal")

	// Graceful shutdown: stop scheduling, let in-flight probes complete,
	// then drain the HTTP server.
	engine.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := webServer.Stop(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("Web server shutdown incomplete")
	}

	logrus.Info("Shutdown complete")
}

func loadConfig(path string) *config.Config {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logrus.WithField("config_file", path).Warn("Config file not found, using defaults")
		return config.Default()
	}

	cfg, err := config.Load(path)
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
}
