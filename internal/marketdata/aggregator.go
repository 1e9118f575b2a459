// Package marketdata folds raw price ticks into fixed-width OHLCV candles.
//
// Ticks arrive from a Source (a CSV file or a JSON WebSocket feed), are
// mapped from the feed's instrument id to a contest asset id, and are
// upserted into the candle for their time bucket. Aggregation is
// order-independent within a bucket: high and low are max and min, and
// open and close follow the tick timestamps rather than arrival order.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stonkschool/contest-engine/internal/metrics"
	"github.com/stonkschool/contest-engine/internal/store"
)

// DefaultBucketWidth is the candle width when none is configured.
const DefaultBucketWidth = time.Minute

var (
	ErrUnmapped     = errors.New("marketdata: instrument has no asset mapping")
	ErrLateTick     = errors.New("marketdata: tick older than the grace window")
	ErrInvalidTick  = errors.New("marketdata: tick needs a positive price and an observation time")
	ErrStreamClosed = errors.New("marketdata: tick stream ended")
)

// Tick is one price observation from an external feed. Volume is optional.
type Tick struct {
	InstrumentID string           `json:"instrument_id"`
	Price        decimal.Decimal  `json:"price"`
	Volume       *decimal.Decimal `json:"volume,omitempty"`
	ObservedAt   time.Time        `json:"observed_at"`
}

// Source yields ticks until it returns io.EOF.
type Source interface {
	Next(ctx context.Context) (Tick, error)
	Close() error
}

// Aggregator maps ticks to assets and writes them into candles.
type Aggregator struct {
	store store.PriceStore
	width time.Duration
	grace time.Duration

	mu        sync.RWMutex
	mappings  map[string]string    // instrument id -> asset id
	watermark map[string]time.Time // asset id -> newest tick seen
}

// NewAggregator creates an aggregator writing candles of the given width.
// Ticks whose bucket is more than one bucket behind the newest tick of the
// same asset are dropped as late.
func NewAggregator(st store.PriceStore, width time.Duration) *Aggregator {
	if width <= 0 {
		width = DefaultBucketWidth
	}
	return &Aggregator{
		store:     st,
		width:     width,
		grace:     width,
		mappings:  make(map[string]string),
		watermark: make(map[string]time.Time),
	}
}

// BucketOf returns the start of the bucket containing t.
func (a *Aggregator) BucketOf(t time.Time) time.Time {
	return t.UTC().Truncate(a.width)
}

// LoadMappings refreshes the instrument map from the store.
func (a *Aggregator) LoadMappings(ctx context.Context) error {
	m, err := a.store.ListInstrumentMappings(ctx)
	if err != nil {
		return fmt.Errorf("load instrument mappings: %w", err)
	}
	a.mu.Lock()
	a.mappings = m
	a.mu.Unlock()
	slog.Info("instrument mappings loaded", "count", len(m))
	return nil
}

// Map registers instrumentID → assetID in the store and in memory.
func (a *Aggregator) Map(ctx context.Context, instrumentID, assetID string) error {
	if err := a.store.PutInstrumentMapping(ctx, instrumentID, assetID); err != nil {
		return err
	}
	a.mu.Lock()
	a.mappings[instrumentID] = assetID
	a.mu.Unlock()
	return nil
}

// Process folds one tick into its candle. Rejected ticks return ErrUnmapped,
// ErrLateTick or ErrInvalidTick; callers log them and move on.
func (a *Aggregator) Process(ctx context.Context, t Tick) error {
	if !t.Price.IsPositive() || t.ObservedAt.IsZero() {
		metrics.Ticks.WithLabelValues("invalid").Inc()
		return ErrInvalidTick
	}

	a.mu.Lock()
	assetID, ok := a.mappings[t.InstrumentID]
	if !ok {
		a.mu.Unlock()
		metrics.Ticks.WithLabelValues("unmapped").Inc()
		return ErrUnmapped
	}
	bucket := a.BucketOf(t.ObservedAt)
	if wm, seen := a.watermark[assetID]; seen && bucket.Before(a.BucketOf(wm).Add(-a.grace)) {
		a.mu.Unlock()
		metrics.Ticks.WithLabelValues("late").Inc()
		return ErrLateTick
	}
	if t.ObservedAt.After(a.watermark[assetID]) {
		a.watermark[assetID] = t.ObservedAt
	}
	a.mu.Unlock()

	volume := decimal.Zero
	if t.Volume != nil {
		volume = *t.Volume
	}
	if err := a.store.UpsertCandle(ctx, assetID, bucket, t.Price, volume, t.ObservedAt.UTC()); err != nil {
		metrics.Ticks.WithLabelValues("error").Inc()
		return fmt.Errorf("upsert candle %s@%s: %w", assetID, bucket.Format(time.RFC3339), err)
	}
	metrics.Ticks.WithLabelValues("stored").Inc()
	return nil
}

// Run processes ticks from src until it ends or ctx is cancelled. Rejected
// ticks are logged and skipped; a store failure is logged per tick. A clean
// end of stream returns ErrStreamClosed.
func (a *Aggregator) Run(ctx context.Context, src Source) error {
	var stored, dropped int
	defer func() {
		slog.Info("tick stream finished", "stored", stored, "dropped", dropped)
	}()

	for {
		t, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return ErrStreamClosed
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read tick: %w", err)
		}

		switch err := a.Process(ctx, t); {
		case err == nil:
			stored++
		case errors.Is(err, ErrUnmapped):
			dropped++
			slog.Warn("dropping tick for unmapped instrument", "instrument", t.InstrumentID)
		case errors.Is(err, ErrLateTick), errors.Is(err, ErrInvalidTick):
			dropped++
			slog.Warn("dropping tick", "instrument", t.InstrumentID, "observed_at", t.ObservedAt, "reason", err)
		default:
			dropped++
			slog.Error("tick aggregation failed", "instrument", t.InstrumentID, "err", err)
		}
	}
}
