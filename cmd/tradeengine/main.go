// Command tradeengine runs the Sector Wars port trading service.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/sectorwars/trade-engine/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("tradeengine failed", "err", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var cfg *config.Config

	root := &cobra.Command{
		Use:           "tradeengine",
		Short:         "Sector Wars port trading engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := loaded.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			level, _ := config.ParseLevel(loaded.Logging.Level)
			opts := &slog.HandlerOptions{Level: level}
			var handler slog.Handler = slog.NewJSONHandler(os.Stdout, opts)
			if loaded.Logging.Format == "text" {
				handler = slog.NewTextHandler(os.Stdout, opts)
			}
			slog.SetDefault(slog.New(handler))
			cfg = loaded
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file (SECTORWARS_* env vars override it)")

	current := func() *config.Config { return cfg }
	root.AddCommand(newServeCmd(current), newMigrateCmd(current), newSeedCmd(current))
	return root
}
