package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/redbco/readbridge/internal/engine"
	"github.com/redbco/readbridge/pkg/config"
	"github.com/redbco/readbridge/pkg/logger"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

var (
	configFile  = flag.String("config", "readbridge.yaml", "Configuration file path")
	envFile     = flag.String("env-file", "", "Optional .env file with READBRIDGE_* overrides")
	healthEvery = flag.Duration("health-interval", 30*time.Second, "Interval between health check runs")
	versionFlag = flag.Bool("version", false, "Show version information and exit")
)

func printVersionInfo() {
	fmt.Printf("readbridge v%s (build %s)\n", Version, GitCommit)
	fmt.Printf("Built: %s\n", BuildTime)
	fmt.Printf("Go version: %s\n", runtime.Version())
	fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
}

func main() {
	flag.Parse()

	if *versionFlag {
		printVersionInfo()
		os.Exit(0)
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load env file: %v\n", err)
			os.Exit(1)
		}
	}

	log := logger.New("readbridge", Version)

	cfg := config.New()
	if err := cfg.LoadFile(*configFile); err != nil {
		// a missing file is fine when the environment carries the settings
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("Failed to load config file: %v", err)
		}
	}
	cfg.ApplyEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng := engine.NewEngine(cfg)
	eng.SetLogger(log)

	startCtx, startCancel := context.WithTimeout(ctx, 60*time.Second)
	if err := eng.Start(startCtx); err != nil {
		startCancel()
		log.Fatalf("Failed to start engine: %v", err)
	}
	startCancel()

	go runHealthLoop(ctx, eng, log)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Infof("Received signal %s, shutting down", sig)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := eng.Stop(stopCtx); err != nil {
		log.Errorf("Shutdown error: %v", err)
		os.Exit(1)
	}
}

func runHealthLoop(ctx context.Context, eng *engine.Engine, log *logger.Logger) {
	ticker := time.NewTicker(*healthEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			if err := eng.CheckHealth(checkCtx); err != nil {
				log.Warnf("Health check failed: %v", err)
			}
			cancel()
		}
	}
}
