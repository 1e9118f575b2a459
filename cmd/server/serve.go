package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stonkschool/contest-engine/internal/config"
	"github.com/stonkschool/contest-engine/internal/marketdata"
)

func newServeCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the background contest loops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), cfg())
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	svcs, err := newServices(ctx, st, cfg)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      newRouter(svcs),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return quiet(svcs.hub.Run(ctx)) })
	g.Go(func() error { return quiet(svcs.contests.RunScheduler(ctx, cfg.Contest.SchedulerInterval)) })
	g.Go(func() error { return quiet(svcs.board.Supervise(ctx, cfg.Contest.LeaderboardInterval)) })

	if url := cfg.MarketData.FeedURL; url != "" {
		open := func(ctx context.Context) (marketdata.Source, error) {
			src, err := marketdata.DialWSSource(ctx, url)
			if err != nil {
				return nil, err
			}
			return src, nil
		}
		g.Go(func() error { return quiet(svcs.agg.RunFeed(ctx, open, cfg.MarketData.FeedBackoff)) })
	} else {
		slog.Warn("TICK_FEED_URL not set, candles only arrive through the ingest command")
	}

	g.Go(func() error {
		slog.Info("contest-engine listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown.
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down contest-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return nil
	})

	err = g.Wait()
	fmt.Fprintln(os.Stdout, "contest-engine stopped")
	return err
}

// quiet treats cancellation as a clean exit.
func quiet(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
