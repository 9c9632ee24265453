package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/dyluth/tether/internal/config"
	"github.com/dyluth/tether/internal/logging"
	"github.com/dyluth/tether/internal/printer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	version string
	commit  string
	date    string
)

var (
	configPath string
	flagURL    string
	flagDriver string
	flagToken  string
	flagLevel  string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tether",
	Short: "Tether - real-time sync client for optimistic UIs",
	Long: `Tether connects to a push server over WebSocket or Redis, streams
feature events, and reconciles local state against a REST API.

Settings are read from tether.yml when present. Flags override the file,
and TETHER_URL / TETHER_TOKEN override both the file and the defaults.`,
	Version: version,
	// Prevent silent success when unknown flags are passed to root command
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to the config file")
	flags.StringVar(&flagURL, "url", "", "Push server URL (ws:// or redis://)")
	flags.StringVar(&flagDriver, "driver", "", "Transport driver (websocket or redis)")
	flags.StringVar(&flagToken, "token", "", "Authentication token")
	flags.StringVar(&flagLevel, "log-level", "", "Log level (debug, info, warn, error)")
}

// loadConfig reads the config file when it exists and layers flags on top.
// A missing file is only an error when --config was given explicitly.
func loadConfig(cmd *cobra.Command) (*config.TetherConfig, error) {
	var cfg *config.TetherConfig
	_, statErr := os.Stat(configPath)
	switch {
	case statErr == nil:
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, printer.ErrorWithContext(
				"invalid configuration",
				err.Error(),
				map[string]string{"Path": configPath},
				[]string{"Fix the file and try again"},
			)
		}
		cfg = loaded
	case errors.Is(statErr, fs.ErrNotExist) && !cmd.Flags().Changed("config"):
		cfg = config.Default()
		cfg.ApplyEnv()
	default:
		return nil, printer.Error(
			"config file not found",
			fmt.Sprintf("Could not read %s: %v", configPath, statErr),
			[]string{"Check the --config path"},
		)
	}

	if flagURL != "" {
		cfg.Transport.URL = flagURL
	}
	if flagDriver != "" {
		cfg.Transport.Driver = flagDriver
	}
	if flagToken != "" {
		cfg.Transport.Token = flagToken
	}
	if flagLevel != "" {
		cfg.Logging.Level = flagLevel
	}

	if err := cfg.Validate(); err != nil {
		return nil, printer.Error("invalid settings", err.Error(), nil)
	}
	return cfg, nil
}

func newLogger(cfg *config.TetherConfig) (*zap.Logger, zap.AtomicLevel, error) {
	logger, level, err := logging.New(cfg.Logging.Level, cfg.Logging.JSON)
	if err != nil {
		return nil, level, printer.Error("invalid logging settings", err.Error(), nil)
	}
	return logger, level, nil
}
