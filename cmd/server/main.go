package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/stonkschool/contest-engine/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		cfg        *config.Config
	)

	root := &cobra.Command{
		Use:   "contest-engine",
		Short: "Virtual-currency trading contest and ledger engine",
		Long: `contest-engine runs virtual-currency trading contests.

It custodies virtual wallets, moves contests through their lifecycle,
values locked allocations against market candles, ranks participants and
pays out prize pools when a contest ends.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cfg, err = config.Load(configPath)
			if err != nil {
				return err
			}
			level, _ := cfg.LogLevel()
			logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
			slog.SetDefault(logger)
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", os.Getenv("CONFIG_PATH"), "path to a YAML config file")

	cfgFn := func() *config.Config { return cfg }
	root.AddCommand(newServeCmd(cfgFn), newIngestCmd(cfgFn))
	return root
}
