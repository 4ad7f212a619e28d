package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vietddude/shepherd/internal/core/config"
	"github.com/vietddude/shepherd/internal/core/domain"
	redisclient "github.com/vietddude/shepherd/internal/infra/redis"
)

var restartCmd = &cobra.Command{
	Use:   "restart [source_id]",
	Short: "Queue a restart request for an exhausted or quarantined source",
	Args:  cobra.ExactArgs(1),
	Run:   runRestart,
}

func init() {
	rootCmd.AddCommand(restartCmd)
}

func runRestart(cmd *cobra.Command, args []string) {
	id, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("Invalid source id: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Redis.URL == "" {
		slog.Error("restart requires redis, none configured")
		os.Exit(1)
	}

	client, err := redisclient.NewClient(cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = client.Close()
	}()

	if err := client.PushRestart(context.Background(), domain.SourceID(id)); err != nil {
		slog.Error("Failed to queue restart", "error", err)
		os.Exit(1)
	}

	fmt.Printf("Restart queued for source %d\n", id)
}
