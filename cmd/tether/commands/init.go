package commands

import (
	"errors"

	"github.com/dyluth/tether/internal/printer"
	"github.com/dyluth/tether/internal/scaffold"
	"github.com/spf13/cobra"
)

var forceInit bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a tether.yml with every setting documented",
	Long: `Write an annotated tether.yml to the --config path (./tether.yml by default).

Use --force to overwrite an existing file.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVar(&forceInit, "force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	if err := scaffold.Initialize(configPath, forceInit); err != nil {
		if errors.Is(err, scaffold.ErrExists) {
			return printer.Error(
				"config already exists",
				err.Error(),
				nil,
			)
		}
		return printer.Error("initialization failed", err.Error(), nil)
	}
	scaffold.PrintSuccess(cmd.OutOrStdout(), configPath)
	return nil
}
