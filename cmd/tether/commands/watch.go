package commands

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/dyluth/tether/internal/config"
	"github.com/dyluth/tether/internal/logging"
	"github.com/dyluth/tether/internal/printer"
	"github.com/dyluth/tether/pkg/envelope"
	"github.com/dyluth/tether/pkg/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	watchFeatures    []string
	watchEntity      string
	watchMinPriority string
	watchOutput      string
	watchReload      bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream feature events as they arrive",
	Long: `Subscribe to one or more features and print every event pushed for them.

Connection status changes are printed to stderr. The channel reconnects with
backoff after a dropped connection and re-subscribes the same features.

Output Formats:
  default - Human-readable colored lines
  json    - Line-delimited JSON envelopes

Examples:
  # Watch user events
  tether watch --feature users

  # Only high priority task events, as JSON
  tether watch --feature tasks --min-priority high --output json > events.jsonl`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringSliceVarP(&watchFeatures, "feature", "f", nil, "Feature to subscribe to (repeatable)")
	watchCmd.Flags().StringVarP(&watchEntity, "entity", "e", "", "Only print events for this entity type")
	watchCmd.Flags().StringVar(&watchMinPriority, "min-priority", string(envelope.PriorityLow), "Lowest priority to print (low, normal, high, critical)")
	watchCmd.Flags().StringVarP(&watchOutput, "output", "o", "default", "Output format (default or json)")
	watchCmd.Flags().BoolVar(&watchReload, "reload", true, "Apply log level changes from the config file while running")
	_ = watchCmd.MarkFlagRequired("feature")
	rootCmd.AddCommand(watchCmd)
}

// eventFilter decides which envelopes watch prints.
type eventFilter struct {
	entity      string
	minPriority envelope.Priority
}

func (f eventFilter) match(env *envelope.Envelope) bool {
	if f.entity != "" && env.Entity != f.entity {
		return false
	}
	return env.Meta.Priority.Rank() >= f.minPriority.Rank()
}

func runWatch(cmd *cobra.Command, args []string) error {
	var asJSON bool
	switch watchOutput {
	case "default":
	case "json":
		asJSON = true
	default:
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutput),
			[]string{"Valid formats: default, json"},
		)
	}

	filter := eventFilter{entity: watchEntity, minPriority: envelope.Priority(watchMinPriority)}
	if err := filter.minPriority.Validate(); err != nil {
		return printer.Error(
			"invalid priority",
			err.Error(),
			[]string{"Valid priorities: low, normal, high, critical"},
		)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, level, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ch, err := connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer ch.Close()

	var outMu sync.Mutex
	cleanup := streamEvents(ch, watchFeatures, filter, asJSON, cmd.OutOrStdout(), cmd.ErrOrStderr(), &outMu)
	defer cleanup()

	if err := ch.Subscribe(ctx, watchFeatures...); err != nil {
		return printer.Error("subscribe failed", err.Error(), nil)
	}
	logger.Info("watching", zap.Strings("features", watchFeatures))

	if watchReload {
		if _, err := os.Stat(configPath); err == nil {
			go reloadLogLevel(ctx, logger, level)
		}
	}

	<-ctx.Done()
	return nil
}

// streamEvents prints matching envelopes for each feature and every status
// change. The returned func detaches all handlers.
func streamEvents(ch *transport.Channel, features []string, filter eventFilter, asJSON bool, out, errOut io.Writer, mu *sync.Mutex) func() {
	var closers []func()
	for _, feature := range features {
		sub := ch.OnMessage(feature, func(env *envelope.Envelope) error {
			if !filter.match(env) {
				return nil
			}
			mu.Lock()
			defer mu.Unlock()
			return printer.Envelope(out, env, asJSON)
		})
		closers = append(closers, func() { sub.Close() })
	}
	closers = append(closers, ch.OnStatus(func(s transport.StatusInfo) {
		mu.Lock()
		defer mu.Unlock()
		printer.Status(errOut, s)
	}))

	return func() {
		for _, c := range closers {
			c()
		}
	}
}

func reloadLogLevel(ctx context.Context, logger *zap.Logger, level zap.AtomicLevel) {
	err := config.Watch(ctx, configPath, func(c *config.TetherConfig, err error) {
		if err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		if err := logging.SetLevel(level, c.Logging.Level); err != nil {
			logger.Warn("config reload failed", zap.Error(err))
			return
		}
		logger.Info("log level reloaded", zap.String("level", c.Logging.Level))
	})
	if err != nil {
		logger.Warn("config watch stopped", zap.Error(err))
	}
}
