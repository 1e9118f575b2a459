// Package valuation computes the current worth of a participant's locked
// allocation. It is read-only and never writes.
package valuation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stonkschool/contest-engine/internal/apperr"
	"github.com/stonkschool/contest-engine/internal/model"
	"github.com/stonkschool/contest-engine/internal/store"
)

// ValueScale is the number of decimal places a portfolio value keeps.
const ValueScale = 8

var (
	ErrNotLocked      = apperr.Conflict("allocation is not locked")
	ErrZeroEntryPrice = apperr.New(apperr.KindInternal, "entry price is zero")
)

var hundred = decimal.NewFromInt(100)

// PriceSource returns the close of the latest candle at or before at.
type PriceSource interface {
	PriceAt(ctx context.Context, assetID string, at time.Time) (decimal.Decimal, error)
}

// AllocationSource returns a participant's locked allocation.
type AllocationSource interface {
	GetAllocations(ctx context.Context, participantID string) ([]model.Allocation, error)
}

// Engine values portfolios against stored candles.
type Engine struct {
	prices PriceSource
	allocs AllocationSource
}

// NewEngine creates a valuation engine.
func NewEngine(prices PriceSource, allocs AllocationSource) *Engine {
	return &Engine{prices: prices, allocs: allocs}
}

// Value returns
//
//	Σ capital · pct/100 · price(asset, at) / price(asset, locked_at)
//
// over the participant's allocation. Any missing price fails the whole
// valuation; a missing price is never read as zero.
func (e *Engine) Value(ctx context.Context, c *model.Contest, p *model.Participant, at time.Time) (decimal.Decimal, error) {
	if !p.Locked() {
		return decimal.Zero, ErrNotLocked
	}
	allocs, err := e.allocs.GetAllocations(ctx, p.ID)
	if err != nil {
		return decimal.Zero, err
	}

	total := decimal.Zero
	for _, a := range allocs {
		entry, err := e.price(ctx, a.AssetID, *p.LockedAt)
		if err != nil {
			return decimal.Zero, err
		}
		if entry.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: %s at %s", ErrZeroEntryPrice, a.AssetID, p.LockedAt.Format(time.RFC3339))
		}
		current, err := e.price(ctx, a.AssetID, at)
		if err != nil {
			return decimal.Zero, err
		}

		stake := c.VirtualCapital.Mul(a.Percentage).Div(hundred)
		total = total.Add(stake.Mul(current).Div(entry))
	}
	return total.Round(ValueScale), nil
}

func (e *Engine) price(ctx context.Context, assetID string, at time.Time) (decimal.Decimal, error) {
	px, err := e.prices.PriceAt(ctx, assetID, at)
	if errors.Is(err, store.ErrNoPrice) {
		return decimal.Zero, fmt.Errorf("%w: %s at %s", err, assetID, at.Format(time.RFC3339))
	}
	return px, err
}
