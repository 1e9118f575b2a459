package main

import (
	"context"
	"errors"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/stonkschool/contest-engine/internal/config"
	"github.com/stonkschool/contest-engine/internal/marketdata"
)

func newIngestCmd(cfg func() *config.Config) *cobra.Command {
	var instruments map[string]string
	cmd := &cobra.Command{
		Use:   "ingest FILE",
		Short: "Aggregate a CSV tick file into candles",
		Long: `Reads ticks from FILE (instrument_id,price,volume,observed_at) and folds
them into candles in the configured store. Ticks for instruments without an
asset mapping are dropped with a warning.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			if c.MarketData.Instruments == nil {
				c.MarketData.Instruments = make(map[string]string)
			}
			for k, v := range instruments {
				c.MarketData.Instruments[k] = v
			}
			return ingest(cmd.Context(), c, args[0])
		},
	}
	cmd.Flags().StringToStringVar(&instruments, "map", nil, "extra instrument=asset mappings")
	return cmd
}

func ingest(ctx context.Context, cfg *config.Config, path string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	svcs, err := newServices(ctx, st, cfg)
	if err != nil {
		return err
	}

	src, err := marketdata.OpenCSVSource(path)
	if err != nil {
		return err
	}
	defer src.Close()

	slog.Info("ingesting ticks", "file", path, "bucket", cfg.MarketData.BucketWidth)
	if err := svcs.agg.Run(ctx, src); !errors.Is(err, marketdata.ErrStreamClosed) {
		return err
	}
	return nil
}
