// Package store defines the persistence interface for the contest engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every method that bundles several effects (join, lock, settle, snapshot
// replacement, ledger application) is atomic: either all of its effects are
// visible or none are.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stonkschool/contest-engine/internal/model"
)

// WalletStore persists wallets and their append-only ledger.
type WalletStore interface {
	// ProvisionWallet creates the user's wallet and applies the initial
	// grant entry in one unit. If the wallet already exists nothing is
	// written and created is false.
	ProvisionWallet(ctx context.Context, userID string, grant *model.LedgerEntry) (w *model.Wallet, created bool, err error)

	// GetWallet returns the user's wallet or ErrWalletNotFound.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// ApplyEntry appends entry and moves the cached balance by entry.Amount.
	// A debit that would take the balance below zero fails with
	// ErrInsufficientFunds and writes nothing.
	ApplyEntry(ctx context.Context, entry *model.LedgerEntry) (*model.Wallet, error)

	// ListLedgerEntries returns the newest entries first; limit <= 0 means all.
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error)

	// SumLedgerEntries returns Σ amount over the user's ledger.
	SumLedgerEntries(ctx context.Context, userID string) (decimal.Decimal, error)
}

// ContestStore persists contests, participants and their allocations.
type ContestStore interface {
	CreateContest(ctx context.Context, c *model.Contest, assets []model.ContestAsset) error
	GetContest(ctx context.Context, id string) (*model.Contest, error)

	// ListContests returns contests in any of the given statuses ordered by
	// start time; no statuses means all contests.
	ListContests(ctx context.Context, statuses ...model.ContestStatus) ([]model.Contest, error)
	ListContestAssets(ctx context.Context, contestID string) ([]model.ContestAsset, error)

	// AdvanceContestStatus moves the contest from → to if and only if its
	// current status is from and the move is legal. A lost race returns
	// ErrStatusConflict.
	AdvanceContestStatus(ctx context.Context, contestID string, from, to model.ContestStatus) error

	// JoinContest debits the entry fee and creates the participant in one
	// unit. The contest must be joining_open and have a free slot.
	JoinContest(ctx context.Context, p *model.Participant, fee *model.LedgerEntry) error

	// LockAllocation persists allocs and sets locked_at in one unit, only if
	// the participant is unlocked and the contest has not started.
	LockAllocation(ctx context.Context, contestID, userID string, allocs []model.Allocation, at time.Time) (*model.Participant, error)

	GetParticipant(ctx context.Context, contestID, userID string) (*model.Participant, error)
	ListParticipants(ctx context.Context, contestID string) ([]model.Participant, error)
	GetAllocations(ctx context.Context, participantID string) ([]model.Allocation, error)

	// ContestPool returns the entry fees collected for the contest.
	ContestPool(ctx context.Context, contestID string) (decimal.Decimal, error)

	// SettleContest claims the contest (ended → settled) and records every
	// participant's outcome and payout credit in one unit. If the claim is
	// lost it returns ErrStatusConflict and writes nothing.
	SettleContest(ctx context.Context, contestID string, results []model.Settlement) error
}

// LeaderboardStore persists ranking snapshots.
type LeaderboardStore interface {
	// ReplaceLeaderboard swaps the contest's snapshot wholesale.
	ReplaceLeaderboard(ctx context.Context, contestID string, entries []model.LeaderboardEntry) error

	// GetLeaderboard returns the snapshot ordered by rank; limit <= 0 means all.
	GetLeaderboard(ctx context.Context, contestID string, limit int) ([]model.LeaderboardEntry, error)

	// GetLeaderboardEntry returns one user's row or ErrNotRanked.
	GetLeaderboardEntry(ctx context.Context, contestID, userID string) (*model.LeaderboardEntry, error)
}

// PriceStore persists OHLCV candles and the instrument → asset mapping.
type PriceStore interface {
	// UpsertCandle folds one tick into the (asset, bucket) candle.
	// High/low are max/min; open/close follow tick time, not arrival order.
	UpsertCandle(ctx context.Context, assetID string, bucket time.Time, price, volume decimal.Decimal, observedAt time.Time) error

	GetCandle(ctx context.Context, assetID string, bucket time.Time) (*model.Candle, error)

	// PriceAt returns the close of the latest candle whose bucket starts at
	// or before at, or ErrNoPrice.
	PriceAt(ctx context.Context, assetID string, at time.Time) (decimal.Decimal, error)

	// ListCandles returns candles with from <= bucket <= to in time order.
	ListCandles(ctx context.Context, assetID string, from, to time.Time) ([]model.Candle, error)

	ListInstrumentMappings(ctx context.Context) (map[string]string, error)
	PutInstrumentMapping(ctx context.Context, instrumentID, assetID string) error
}

// ReplayStore persists historical replay sessions.
type ReplayStore interface {
	CreateReplaySession(ctx context.Context, s *model.ReplaySession) error
	GetReplaySession(ctx context.Context, id string) (*model.ReplaySession, error)
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	WalletStore
	ContestStore
	LeaderboardStore
	PriceStore
	ReplayStore
}
