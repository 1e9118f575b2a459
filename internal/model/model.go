// Package model defines the core domain types shared across the contest engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// LedgerKind classifies a wallet ledger entry.
type LedgerKind string

const (
	KindInitial    LedgerKind = "initial"
	KindEntryFee   LedgerKind = "entry_fee"
	KindPayout     LedgerKind = "payout"
	KindAdjustment LedgerKind = "adjustment"
)

// Valid reports whether k is one of the known ledger kinds.
func (k LedgerKind) Valid() bool {
	switch k {
	case KindInitial, KindEntryFee, KindPayout, KindAdjustment:
		return true
	}
	return false
}

// Wallet holds a user's virtual currency. Balance is a cache of the sum of
// the wallet's ledger entries and is never negative.
type Wallet struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// LedgerEntry is an immutable record of money moving into or out of a wallet.
// Once created, these are never modified or deleted.
type LedgerEntry struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Amount    decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	Kind      LedgerKind      `json:"type" db:"kind"`
	Ref       string          `json:"reference_id,omitempty" db:"reference_id"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Contest is a timed competition with an entry fee, a virtual capital grant
// and a fixed asset universe.
type Contest struct {
	ID                 string          `json:"id" db:"id"`
	Title              string          `json:"title" db:"title"`
	Track              string          `json:"track" db:"track"`
	EntryFee           decimal.Decimal `json:"entry_fee" db:"entry_fee"`
	VirtualCapital     decimal.Decimal `json:"virtual_capital" db:"virtual_capital"`
	MaxParticipants    int             `json:"max_participants,omitempty" db:"max_participants"` // 0 = unlimited
	OpenTime           time.Time       `json:"open_time" db:"open_time"`
	AllocationDeadline time.Time       `json:"allocation_deadline" db:"allocation_deadline"`
	StartTime          time.Time       `json:"start_time" db:"start_time"`
	EndTime            time.Time       `json:"end_time" db:"end_time"`
	Status             ContestStatus   `json:"status" db:"status"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// ClockStatus returns the furthest status the wall clock alone entitles the
// contest to at now. It never returns StatusSettled; that step belongs to
// settlement.
func (c *Contest) ClockStatus(now time.Time) ContestStatus {
	switch {
	case !now.Before(c.EndTime):
		return StatusEnded
	case !now.Before(c.StartTime):
		return StatusLive
	case !now.Before(c.AllocationDeadline):
		return StatusAllocationLocked
	case !now.Before(c.OpenTime):
		return StatusJoiningOpen
	}
	return StatusUpcoming
}

// ContestAsset is one tradable asset of a contest's fixed universe.
type ContestAsset struct {
	ContestID string `json:"-" db:"contest_id"`
	AssetID   string `json:"id" db:"asset_id"`
	Symbol    string `json:"symbol" db:"symbol"`
}

// Participant is one user's enrollment in a contest. LockedAt is set exactly
// once by the allocation lock; the Final* fields and Payout exactly once by
// settlement.
type Participant struct {
	ID         string           `json:"id" db:"id"`
	ContestID  string           `json:"contest_id" db:"contest_id"`
	UserID     string           `json:"user_id" db:"user_id"`
	JoinedAt   time.Time        `json:"joined_at" db:"joined_at"`
	LockedAt   *time.Time       `json:"locked_at,omitempty" db:"locked_at"`
	FinalRank  *int             `json:"final_rank,omitempty" db:"final_rank"`
	FinalValue *decimal.Decimal `json:"final_value,omitempty" db:"final_value"`
	Payout     *decimal.Decimal `json:"payout,omitempty" db:"payout"`
}

// Locked reports whether the participant's allocation has been locked.
func (p *Participant) Locked() bool { return p.LockedAt != nil }

// Allocation is the percentage of virtual capital a participant puts into
// one contest asset.
type Allocation struct {
	ParticipantID string          `json:"-" db:"participant_id"`
	AssetID       string          `json:"asset_id" db:"asset_id"`
	Percentage    decimal.Decimal `json:"pct" db:"allocation_pct"`
}

// LeaderboardEntry is one row of a contest's ranking snapshot. Snapshots are
// recomputable and never a source of truth.
type LeaderboardEntry struct {
	ContestID      string          `json:"-" db:"contest_id"`
	UserID         string          `json:"user" db:"user_id"`
	Rank           int             `json:"rank" db:"rank"`
	PortfolioValue decimal.Decimal `json:"value" db:"portfolio_value"`
	ComputedAt     time.Time       `json:"computed_at" db:"computed_at"`
}

// Candle is one OHLCV record for an asset over a fixed time bucket.
// OpenAt/CloseAt carry the tick timestamps that set Open/Close so that
// aggregation does not depend on arrival order.
type Candle struct {
	AssetID string          `json:"asset_id" db:"asset_id"`
	Bucket  time.Time       `json:"timestamp" db:"bucket"`
	Open    decimal.Decimal `json:"open" db:"open"`
	High    decimal.Decimal `json:"high" db:"high"`
	Low     decimal.Decimal `json:"low" db:"low"`
	Close   decimal.Decimal `json:"close" db:"close"`
	Volume  decimal.Decimal `json:"volume" db:"volume"`
	OpenAt  time.Time       `json:"-" db:"open_at"`
	CloseAt time.Time       `json:"-" db:"close_at"`
}

// Settlement is the outcome settlement assigns to one participant.
// PayoutEntry is nil when the participant wins nothing.
type Settlement struct {
	ParticipantID string
	UserID        string
	FinalRank     int
	FinalValue    decimal.Decimal
	Payout        decimal.Decimal
	PayoutEntry   *LedgerEntry
}

// ReplaySession is a user's request to replay stored candles for one asset
// over a historical window.
type ReplaySession struct {
	ID        string    `json:"replay_id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	AssetID   string    `json:"asset_id" db:"asset_id"`
	From      time.Time `json:"from" db:"start_time"`
	To        time.Time `json:"to" db:"end_time"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
