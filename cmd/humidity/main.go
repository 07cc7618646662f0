package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/stormseeker/humidity/internal/app"
	"github.com/stormseeker/humidity/internal/config"
	"github.com/stormseeker/humidity/internal/logger"
	"github.com/stormseeker/humidity/internal/version"
)

const (
	defaultConfigPath = "/etc/stormseeker/humidity.yaml"
	defaultLogLevel   = ""
)

func main() {
	var (
		configPath  = flag.String("config", defaultConfigPath, "Path to configuration file (empty for environment only)")
		logLevel    = flag.String("log-level", defaultLogLevel, "Log level override (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	// Show version
	if *showVersion {
		fmt.Printf("Humidity Publisher %s\n", version.GetFullVersion())
		return
	}

	cfg, err := loadConfig(*configPath, *logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instance, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to create humidity publisher")
	}

	if err := instance.Start(); err != nil {
		_ = instance.Stop()
		log.WithError(err).Fatal("Failed to start humidity publisher")
	}

	log.Info("Humidity publisher started successfully")

	// Wait for shutdown or reload signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			reload(instance, *configPath, *logLevel, log)
			continue
		}

		log.WithField("signal", sig.String()).Info("Shutting down humidity publisher...")
		if err := instance.Stop(); err != nil {
			log.WithError(err).Error("Error during shutdown")
		}
		return
	}
}

// loadConfig reads the file, if any, and applies HUMIDITY_* overrides.
// A missing file at the default path falls back to environment only.
func loadConfig(path, logLevel string) (*config.Config, error) {
	if path == defaultConfigPath {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			path = ""
		}
	}

	cfg, err := config.LoadConfigWithEnv(path, os.Getenv)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func reload(instance *app.App, path, logLevel string, log *logrus.Logger) {
	log.Info("Reloading configuration")

	cfg, err := loadConfig(path, logLevel)
	if err != nil {
		log.WithError(err).Error("Failed to reload configuration, keeping the current one")
		return
	}
	instance.Reload(cfg)
}
