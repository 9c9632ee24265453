package commands

import (
	"fmt"
	"io"
	"sort"

	"github.com/dyluth/tether/internal/printer"
	"github.com/dyluth/tether/pkg/envelope"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show push server statistics",
	Long: `Ask the push server for connected clients and per-feature subscriber counts.

Examples:
  tether stats --url ws://localhost:8080/ws`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, _, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	ch, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	stats, err := ch.Stats(ctx)
	if err != nil {
		return printer.Error("stats request failed", err.Error(), []string{"The server may not support get_stats"})
	}
	writeStats(cmd.OutOrStdout(), stats)
	return nil
}

func writeStats(w io.Writer, stats *envelope.Stats) {
	fmt.Fprintf(w, "Connected clients: %d\n", stats.ConnectedClients)
	if stats.ServerTime != "" {
		fmt.Fprintf(w, "Server time:       %s\n", stats.ServerTime)
	}
	if len(stats.Subscribers) == 0 {
		fmt.Fprintln(w, "No feature subscriptions")
		return
	}

	features := make([]string, 0, len(stats.Subscribers))
	for f := range stats.Subscribers {
		features = append(features, f)
	}
	sort.Strings(features)

	fmt.Fprintln(w, "Subscribers:")
	for _, f := range features {
		fmt.Fprintf(w, "  %-20s %d\n", f, stats.Subscribers[f])
	}
}
