package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/dyluth/tether/internal/config"
	"github.com/dyluth/tether/internal/printer"
	"github.com/dyluth/tether/internal/restgateway"
	"github.com/dyluth/tether/pkg/reconcile"
	"github.com/dyluth/tether/pkg/transport"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	syncFeature    string
	syncEntity     string
	syncCollection string
	syncAPI        string
	syncFollow     bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fetch a collection and print the reconciled state",
	Long: `Fetch every entity of a collection from the REST API and print the
reconciled local state and any conflicts.

With --follow the command also connects to the push server and reprints the
state whenever a push changes it, until interrupted.

Examples:
  # One-off sync of users from GET http://localhost:8080/api/users
  tether sync --feature users --entity user --api http://localhost:8080/api

  # Keep the state live
  tether sync --feature users --entity user --follow`,
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVarP(&syncFeature, "feature", "f", "", "Feature the entity belongs to")
	syncCmd.Flags().StringVarP(&syncEntity, "entity", "e", "", "Entity type (defaults to the feature)")
	syncCmd.Flags().StringVar(&syncCollection, "collection", "", "REST collection path (defaults to the feature)")
	syncCmd.Flags().StringVar(&syncAPI, "api", "", "REST API base URL (defaults to api.base_url)")
	syncCmd.Flags().BoolVar(&syncFollow, "follow", false, "Stay connected and reprint on every change")
	_ = syncCmd.MarkFlagRequired("feature")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, _, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	entity := syncEntity
	if entity == "" {
		entity = syncFeature
	}
	collection := syncCollection
	if collection == "" {
		collection = syncFeature
	}
	base := syncAPI
	if base == "" {
		base = cfg.API.BaseURL
	}
	if base == "" {
		return printer.Error(
			"no API URL",
			"sync needs the REST API that owns the collection.",
			[]string{"Pass --api http://host/api", fmt.Sprintf("Set api.base_url in %s", config.DefaultPath)},
		)
	}

	gw, err := restgateway.New(restgateway.Options{
		BaseURL:    base,
		Entity:     collection,
		Token:      cfg.Transport.Token,
		HTTPClient: &http.Client{Timeout: cfg.API.Timeout},
		Logger:     logger,
	})
	if err != nil {
		return printer.Error("invalid API settings", err.Error(), nil)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := reconcile.Options[reconcile.Record]{
		Feature: syncFeature,
		Entity:  entity,
		Gateway: gw,
		Config:  cfg.EngineOptions(),
		Logger:  logger,
	}

	var ch *transport.Channel
	if syncFollow {
		ch, err = connect(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer ch.Close()
		opts.Transport = ch
		opts.Registry = transport.NewRegistry(ch)
		opts.SelfID = ch.UserID()
	}

	engine, err := reconcile.New(opts)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer engine.Close()

	out := cmd.OutOrStdout()
	if err := engine.SyncWithServer(ctx); err != nil {
		return printer.ErrorWithContext(
			"sync failed",
			err.Error(),
			map[string]string{"API": base, "Collection": collection},
			[]string{"Check the API is reachable and the token is valid"},
		)
	}
	if err := writeState(out, engine); err != nil {
		return err
	}
	if !syncFollow {
		return nil
	}

	return followEngine(ctx, engine, out, logger)
}

// followEngine reprints the state after every change until ctx is done.
func followEngine(ctx context.Context, engine *reconcile.Engine[reconcile.Record], out io.Writer, logger *zap.Logger) error {
	var mu sync.Mutex
	unsubscribe := engine.OnChange(func() {
		mu.Lock()
		defer mu.Unlock()
		if err := writeState(out, engine); err != nil {
			logger.Warn("failed to print state", zap.Error(err))
		}
	})
	defer unsubscribe()

	if err := engine.Attach(ctx); err != nil {
		return printer.Error("attach failed", err.Error(), nil)
	}
	<-ctx.Done()
	return nil
}

// writeState prints one compact JSON line per entity, then the conflicts.
func writeState(w io.Writer, engine *reconcile.Engine[reconcile.Record]) error {
	local := engine.Local()
	fmt.Fprintf(w, "%s/%s: %d entit%s, %d pending\n",
		engine.Feature(), engine.Entity(), len(local), plural(len(local), "y", "ies"), engine.PendingCount())
	for _, rec := range local {
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to encode entity: %w", err)
		}
		fmt.Fprintf(w, "  %s\n", raw)
	}
	for _, c := range engine.Conflicts() {
		fmt.Fprintf(w, "  conflict on %s: %s\n", c.EntityID, strings.Join(c.ConflictedFields, ", "))
	}
	return nil
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
