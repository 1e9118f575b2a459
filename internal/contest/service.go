// Package contest implements the contest lifecycle: creation, joining,
// allocation locking, and the scheduler that moves contests through their
// statuses as the clock advances.
//
// All monetary values use shopspring/decimal, never float64 for money.
package contest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/stonkschool/contest-engine/internal/allocation"
	"github.com/stonkschool/contest-engine/internal/apperr"
	"github.com/stonkschool/contest-engine/internal/metrics"
	"github.com/stonkschool/contest-engine/internal/model"
	"github.com/stonkschool/contest-engine/internal/store"
	"github.com/stonkschool/contest-engine/internal/wallet"
)

var (
	ErrNotSettled   = apperr.Conflict("contest not yet settled")
	ErrNoEntryPrice = apperr.Conflict("asset has no price yet, try again once market data arrives")

	ErrTitleRequired   = apperr.Validation("title is required")
	ErrNoAssets        = apperr.Validation("contest needs at least one asset")
	ErrBadSchedule     = apperr.Validation("schedule must satisfy open_time <= allocation_deadline <= start_time < end_time")
	ErrBadEntryFee     = apperr.Validation("entry_fee must be non-negative with at most 2 decimal places")
	ErrBadCapital      = apperr.Validation("virtual_capital must be positive")
	ErrBadMaxPlayers   = apperr.Validation("max_participants must not be negative")
	ErrDuplicateSymbol = apperr.Validation("duplicate asset in contest")
)

// EndedFunc is invoked by the scheduler once per pass for every contest in
// the ended status, including the pass that moved it there.
type EndedFunc func(ctx context.Context, contestID string)

// Service handles contest operations.
type Service struct {
	store   store.Store
	ledger  *wallet.Ledger
	onEnded EndedFunc
	now     func() time.Time
}

// NewService creates a new contest service.
func NewService(st store.Store, ledger *wallet.Ledger) *Service {
	return &Service{
		store:  st,
		ledger: ledger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// OnEnded registers the settlement trigger.
func (s *Service) OnEnded(fn EndedFunc) { s.onEnded = fn }

// --- Commands ---

// CreateParams describes a new contest.
type CreateParams struct {
	Title              string
	Track              string
	EntryFee           decimal.Decimal
	VirtualCapital     decimal.Decimal
	MaxParticipants    int
	OpenTime           time.Time // zero → creation time
	AllocationDeadline time.Time // zero → StartTime
	StartTime          time.Time
	EndTime            time.Time
	Assets             []model.ContestAsset
}

// Create validates p and stores a new upcoming contest.
func (s *Service) Create(ctx context.Context, p CreateParams) (*model.Contest, []model.ContestAsset, error) {
	now := s.now()
	if p.OpenTime.IsZero() {
		p.OpenTime = now
	}
	if p.AllocationDeadline.IsZero() {
		p.AllocationDeadline = p.StartTime
	}
	if err := validateCreate(p); err != nil {
		return nil, nil, err
	}

	c := &model.Contest{
		ID:                 uuid.New().String(),
		Title:              strings.TrimSpace(p.Title),
		Track:              p.Track,
		EntryFee:           p.EntryFee,
		VirtualCapital:     p.VirtualCapital,
		MaxParticipants:    p.MaxParticipants,
		OpenTime:           p.OpenTime.UTC(),
		AllocationDeadline: p.AllocationDeadline.UTC(),
		StartTime:          p.StartTime.UTC(),
		EndTime:            p.EndTime.UTC(),
		Status:             model.StatusUpcoming,
		CreatedAt:          now,
	}
	assets := make([]model.ContestAsset, len(p.Assets))
	for i, a := range p.Assets {
		if a.AssetID == "" {
			a.AssetID = a.Symbol
		}
		a.ContestID = c.ID
		assets[i] = a
	}

	if err := s.store.CreateContest(ctx, c, assets); err != nil {
		return nil, nil, err
	}

	slog.Info("contest created",
		"id", c.ID,
		"title", c.Title,
		"entry_fee", c.EntryFee.String(),
		"assets", len(assets),
		"start", c.StartTime,
	)
	return c, assets, nil
}

func validateCreate(p CreateParams) error {
	if strings.TrimSpace(p.Title) == "" {
		return ErrTitleRequired
	}
	if p.EntryFee.IsNegative() || !p.EntryFee.Round(wallet.AmountScale).Equal(p.EntryFee) {
		return ErrBadEntryFee
	}
	if !p.VirtualCapital.IsPositive() {
		return ErrBadCapital
	}
	if p.MaxParticipants < 0 {
		return ErrBadMaxPlayers
	}
	if p.StartTime.IsZero() || p.AllocationDeadline.Before(p.OpenTime) ||
		p.StartTime.Before(p.AllocationDeadline) || !p.StartTime.Before(p.EndTime) {
		return ErrBadSchedule
	}
	if len(p.Assets) == 0 {
		return ErrNoAssets
	}
	seen := make(map[string]bool, len(p.Assets))
	for _, a := range p.Assets {
		key := a.AssetID
		if key == "" {
			key = a.Symbol
		}
		if key == "" {
			return ErrNoAssets
		}
		if seen[key] {
			return ErrDuplicateSymbol
		}
		seen[key] = true
	}
	return nil
}

// Join enrolls userID in the contest, debiting the entry fee in the same
// store operation.
func (s *Service) Join(ctx context.Context, contestID, userID string) (*model.Participant, *model.Contest, error) {
	c, err := s.store.GetContest(ctx, contestID)
	if err != nil {
		return nil, nil, err
	}

	p := &model.Participant{
		ID:        uuid.New().String(),
		ContestID: contestID,
		UserID:    userID,
		JoinedAt:  s.now(),
	}
	fee := s.ledger.NewEntry(userID, c.EntryFee.Neg(), model.KindEntryFee, contestID)

	if err := s.store.JoinContest(ctx, p, fee); err != nil {
		return nil, nil, err
	}

	metrics.ContestJoins.Inc()
	metrics.LedgerEntries.WithLabelValues(string(model.KindEntryFee)).Inc()
	slog.Info("contest joined",
		"contest", contestID,
		"user", userID,
		"participant", p.ID,
		"fee", c.EntryFee.String(),
	)
	return p, c, nil
}

// LockAllocation validates and locks the participant's allocation. The
// allocation is checked before the participant is looked up.
func (s *Service) LockAllocation(ctx context.Context, contestID, userID string, allocs []model.Allocation) (*model.Participant, error) {
	c, err := s.store.GetContest(ctx, contestID)
	if err != nil {
		return nil, err
	}
	assets, err := s.store.ListContestAssets(ctx, contestID)
	if err != nil {
		return nil, err
	}
	if err := allocation.Validate(allocs, allocation.NewUniverse(assets)); err != nil {
		return nil, err
	}

	// Every allocated asset needs an entry price at locked_at; a price that
	// exists then exists at every later instant too.
	now := s.now()
	for _, a := range allocs {
		if _, err := s.store.PriceAt(ctx, a.AssetID, now); err != nil {
			if errors.Is(err, store.ErrNoPrice) {
				return nil, fmt.Errorf("%s: %w", a.AssetID, ErrNoEntryPrice)
			}
			return nil, err
		}
	}

	p, err := s.store.LockAllocation(ctx, contestID, userID, allocs, now)
	if err != nil {
		return nil, err
	}

	metrics.AllocationLocks.Inc()
	slog.Info("allocation locked",
		"contest", contestID,
		"user", userID,
		"assets", len(allocs),
	)

	if c.Status == model.StatusJoiningOpen {
		if err := s.closeJoiningIfFull(ctx, c); err != nil {
			slog.Warn("close joining after lock", "contest", contestID, "err", err)
		}
	}
	return p, nil
}

// --- Queries ---

// StatusView is a participant's view of a running contest.
type StatusView struct {
	Status         model.ContestStatus `json:"status"`
	CurrentRank    *int                `json:"current_rank"`
	PortfolioValue *decimal.Decimal    `json:"portfolio_value"`
}

// Status returns the contest status and, when ranked, userID's latest rank.
func (s *Service) Status(ctx context.Context, contestID, userID string) (*StatusView, error) {
	c, err := s.store.GetContest(ctx, contestID)
	if err != nil {
		return nil, err
	}
	view := &StatusView{Status: c.Status}

	e, err := s.store.GetLeaderboardEntry(ctx, contestID, userID)
	switch {
	case err == nil:
		rank, value := e.Rank, e.PortfolioValue
		view.CurrentRank = &rank
		view.PortfolioValue = &value
	case !errors.Is(err, store.ErrNotRanked):
		return nil, err
	}
	return view, nil
}

// ResultView is a participant's final outcome.
type ResultView struct {
	Rank       int              `json:"rank"`
	FinalValue decimal.Decimal  `json:"final_value"`
	Payout     *decimal.Decimal `json:"payout"`
}

// Results returns userID's final outcome, or ErrNotSettled.
func (s *Service) Results(ctx context.Context, contestID, userID string) (*ResultView, error) {
	if _, err := s.store.GetContest(ctx, contestID); err != nil {
		return nil, err
	}
	p, err := s.store.GetParticipant(ctx, contestID, userID)
	if err != nil {
		return nil, err
	}
	if p.FinalRank == nil || p.FinalValue == nil {
		return nil, ErrNotSettled
	}
	return &ResultView{Rank: *p.FinalRank, FinalValue: *p.FinalValue, Payout: p.Payout}, nil
}

// Get returns the contest and its asset universe.
func (s *Service) Get(ctx context.Context, contestID string) (*model.Contest, []model.ContestAsset, error) {
	c, err := s.store.GetContest(ctx, contestID)
	if err != nil {
		return nil, nil, err
	}
	assets, err := s.store.ListContestAssets(ctx, contestID)
	if err != nil {
		return nil, nil, err
	}
	return c, assets, nil
}

// List returns contests that have not ended, ordered by start time.
func (s *Service) List(ctx context.Context) ([]model.Contest, error) {
	return s.store.ListContests(ctx,
		model.StatusUpcoming,
		model.StatusJoiningOpen,
		model.StatusAllocationLocked,
		model.StatusLive,
	)
}
