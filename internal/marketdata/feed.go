package marketdata

import (
	"context"
	"log/slog"
	"time"

	"github.com/stonkschool/contest-engine/internal/metrics"
)

// OpenFunc opens a fresh tick stream.
type OpenFunc func(ctx context.Context) (Source, error)

// RunFeed keeps a tick stream flowing into the aggregator until ctx is
// cancelled. A live feed never ends on its own, so every stream end or dial
// failure is logged as a fault and the stream is reopened after backoff.
func (a *Aggregator) RunFeed(ctx context.Context, open OpenFunc, backoff time.Duration) error {
	for {
		if err := a.LoadMappings(ctx); err != nil && ctx.Err() == nil {
			slog.Error("tick feed: reload mappings", "err", err)
		}

		src, err := open(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("tick feed: open failed", "err", err, "retry_in", backoff)
		} else {
			err = a.Run(ctx, src)
			src.Close()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("tick feed stopped", "err", err, "retry_in", backoff)
		}
		metrics.FeedRestarts.Inc()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
}
