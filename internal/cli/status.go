package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/shepherd/internal/core/config"
	"github.com/vietddude/shepherd/internal/infra/journal/postgres"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show recent source events from the journal",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 50, "maximum number of events to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}
	if cfg.Database.URL == "" {
		slog.Error("status requires a database journal, none configured")
		os.Exit(1)
	}

	ctx := context.Background()
	j, err := postgres.NewJournal(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = j.Close()
	}()

	events, err := j.Recent(ctx, statusLimit)
	if err != nil {
		slog.Error("Failed to query events", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "TIME\tSOURCE\tEVENT\tSTATE\tCATEGORY\tERROR")

	for _, ev := range events {
		category := ""
		if ev.Classification != nil {
			category = string(ev.Classification.Category)
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\n",
			ev.EmittedAt.Format("2006-01-02 15:04:05"),
			ev.SourceID,
			ev.Type,
			ev.NewState,
			category,
			ev.Error,
		)
	}
	_ = w.Flush()
}
