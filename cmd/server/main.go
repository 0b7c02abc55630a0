package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"anchorwatch/internal/config"
	"anchorwatch/internal/server"
	"anchorwatch/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the JSON config file (default ./config.json when present)")
	logLevel := flag.String("log-level", "", "debug, info, warn or error; overrides log.level")
	logDir := flag.String("log-dir", "", "also write logs into this directory; overrides log.dir")
	flag.Parse()

	logger.Init()
	defer logger.Sync()

	displayBanner()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", err)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *logDir != "" {
		cfg.Log.Dir = *logDir
	}

	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Warnf("%v; using info", err)
	}
	logger.SetLevel(level)
	if cfg.Log.Dir != "" {
		if err := logger.EnableFileLogging(cfg.Log.Dir, "anchorwatch"); err != nil {
			logger.Error("File logging disabled", err)
		}
	}

	logger.Infof("Configuration loaded: gps %s, storage %s, relay %s, sync enabled %t",
		cfg.GPS.Source, cfg.Storage.Backend, cfg.Relay.Backend, cfg.Sync.Enabled)

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	srv, err := server.NewServer(initCtx, cfg)
	cancelInit()
	if err != nil {
		logger.Fatal("Failed to create server", err)
	}

	errs := make(chan error, 1)
	go func() {
		errs <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Infof("Received %s", sig)
	case err := <-errs:
		if err != nil {
			logger.Error("Server stopped", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Shutdown incomplete", err)
		os.Exit(1)
	}
}

func displayBanner() {
	banner := `
   __ _ _ __   ___| |__   ___  _ ____      ____ _| |_ ___| |__
  / _' | '_ \ / __| '_ \ / _ \| '__\ \ /\ / / _' | __/ __| '_ \
 | (_| | | | | (__| | | | (_) | |   \ V  V / (_| | || (__| | | |
  \__,_|_| |_|\___|_| |_|\___/|_|    \_/\_/ \__,_|\__\___|_| |_|
`
	fmt.Println(banner)
	fmt.Printf("Starting at %s\n\n", time.Now().Format("2006-01-02 15:04:05"))
}
