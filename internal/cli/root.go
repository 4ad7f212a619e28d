package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/shepherd/internal/control"
	"github.com/vietddude/shepherd/internal/core/config"
	"github.com/vietddude/shepherd/internal/engine"
	"github.com/vietddude/shepherd/internal/engine/grpcengine"
	"github.com/vietddude/shepherd/internal/engine/sim"
)

var (
	cfgPath      string
	isDebug      bool
	restartQueue bool
)

var rootCmd = &cobra.Command{
	Use:   "shepherd",
	Short: "Shepherd stream supervision service",
	Long:  `Shepherd supervises many independently failing media stream sources with circuit breaking, bounded recovery, and quarantine.`,
	Run:   runShepherd,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&restartQueue, "restart-queue", true, "enable restart request processing")
}

func runShepherd(cmd *cobra.Command, args []string) {
	_ = godotenv.Load()

	// Load Configuration
	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	// Setup logging
	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}

	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})

	// Select engine backend
	var eng engine.Engine
	switch cfg.Engine.Backend {
	case "sim":
		eng = sim.New()
		slog.Info("Using simulated engine")
	default:
		eng = grpcengine.New(cfg.Engine.GRPC)
	}

	// Transform config
	controlCfg := control.Config{
		Port:                cfg.Server.Port,
		Sources:             cfg.Sources,
		Breaker:             cfg.Breaker,
		Recovery:            cfg.Recovery,
		Health:              cfg.Health,
		Isolation:           cfg.Isolation,
		Redis:               cfg.Redis,
		Database:            cfg.Database,
		JournalCapacity:     cfg.Journal.Capacity,
		JournalRetention:    cfg.Journal.Retention,
		RestartQueueEnabled: restartQueue,
	}

	// Initialize Controller
	app, err := control.NewController(controlCfg, eng)
	if err != nil {
		slog.Error("Failed to initialize controller", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start controller", "error", err)
		os.Exit(1)
	}

	slog.Info("Shepherd started", "config", cfgPath)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}
