// Package settlement pays out an ended contest exactly once.
//
// The ended → settled status claim, every participant's final outcome and
// every payout credit are written by a single store call. A crash before
// that call commits leaves the contest ended, and the scheduler retries it
// on its next pass. Once the call commits, further attempts lose the claim
// and do nothing.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/stonkschool/contest-engine/internal/apperr"
	"github.com/stonkschool/contest-engine/internal/metrics"
	"github.com/stonkschool/contest-engine/internal/model"
	"github.com/stonkschool/contest-engine/internal/payout"
	"github.com/stonkschool/contest-engine/internal/store"
)

// ErrNotEnded is returned when settlement is requested for a contest that
// has not reached the ended status.
var ErrNotEnded = apperr.Conflict("contest has not ended")

// Finalizer produces the final ranking snapshot of an ended contest.
type Finalizer interface {
	Finalize(ctx context.Context, c *model.Contest) ([]model.LeaderboardEntry, error)
}

// EntryFactory builds unsaved ledger entries.
type EntryFactory interface {
	NewEntry(userID string, amount decimal.Decimal, kind model.LedgerKind, ref string) *model.LedgerEntry
}

// Outcome reports what a Settle call did.
type Outcome string

const (
	OutcomeSettled        Outcome = "settled"
	OutcomeAlreadySettled Outcome = "already_settled"
)

// Service settles contests.
type Service struct {
	store     store.ContestStore
	finalizer Finalizer
	entries   EntryFactory
	curve     payout.Curve
}

// NewService creates a settlement service paying ranks along curve.
func NewService(st store.ContestStore, finalizer Finalizer, entries EntryFactory, curve payout.Curve) *Service {
	return &Service{store: st, finalizer: finalizer, entries: entries, curve: curve}
}

// Settle computes final ranks and payouts for an ended contest and commits
// them together with the settled status. Calling it again, concurrently or
// after success, returns OutcomeAlreadySettled and writes nothing.
func (s *Service) Settle(ctx context.Context, contestID string) (Outcome, error) {
	outcome, err := s.settle(ctx, contestID)
	switch {
	case err != nil:
		metrics.Settlements.WithLabelValues("error").Inc()
	default:
		metrics.Settlements.WithLabelValues(string(outcome)).Inc()
	}
	return outcome, err
}

func (s *Service) settle(ctx context.Context, contestID string) (Outcome, error) {
	c, err := s.store.GetContest(ctx, contestID)
	if err != nil {
		return "", err
	}
	switch c.Status {
	case model.StatusSettled:
		return OutcomeAlreadySettled, nil
	case model.StatusEnded:
	default:
		return "", ErrNotEnded
	}

	ranked, err := s.finalizer.Finalize(ctx, c)
	if err != nil {
		return "", fmt.Errorf("finalize %s: %w", contestID, err)
	}
	participants, err := s.store.ListParticipants(ctx, contestID)
	if err != nil {
		return "", err
	}
	pool, err := s.store.ContestPool(ctx, contestID)
	if err != nil {
		return "", err
	}

	results, paid, err := s.results(contestID, ranked, participants, pool)
	if err != nil {
		return "", err
	}

	if err := s.store.SettleContest(ctx, contestID, results); err != nil {
		if errors.Is(err, store.ErrStatusConflict) {
			slog.Info("settlement claim lost", "contest", contestID)
			return OutcomeAlreadySettled, nil
		}
		return "", err
	}

	paidFloat, _ := paid.Float64()
	metrics.PayoutVolume.Add(paidFloat)
	metrics.StatusTransitions.WithLabelValues(model.StatusSettled.String()).Inc()
	metrics.LedgerEntries.WithLabelValues(string(model.KindPayout)).Add(float64(countPaid(results)))
	slog.Info("contest settled",
		"contest", contestID,
		"participants", len(results),
		"ranked", len(ranked),
		"pool", pool.String(),
		"paid", paid.String(),
	)
	return OutcomeSettled, nil
}

// results assigns every participant its final rank. Ranked participants
// keep their snapshot order and share the pool along the curve.
// Participants that never locked follow in join order with a zero value
// and no payout.
func (s *Service) results(contestID string, ranked []model.LeaderboardEntry, participants []model.Participant, pool decimal.Decimal) ([]model.Settlement, decimal.Decimal, error) {
	shares, err := s.curve.Distribute(pool, len(ranked))
	if err != nil {
		return nil, decimal.Zero, err
	}

	byUser := make(map[string]model.Participant, len(participants))
	for _, p := range participants {
		byUser[p.UserID] = p
	}

	results := make([]model.Settlement, 0, len(participants))
	paid := decimal.Zero
	seen := make(map[string]bool, len(ranked))
	for i, e := range ranked {
		p, ok := byUser[e.UserID]
		if !ok {
			return nil, decimal.Zero, fmt.Errorf("ranked user %s is not a participant of %s: %w", e.UserID, contestID, store.ErrParticipantNotFound)
		}
		seen[e.UserID] = true
		r := model.Settlement{
			ParticipantID: p.ID,
			UserID:        p.UserID,
			FinalRank:     i + 1,
			FinalValue:    e.PortfolioValue,
			Payout:        shares[i],
		}
		if shares[i].IsPositive() {
			r.PayoutEntry = s.entries.NewEntry(p.UserID, shares[i], model.KindPayout, contestID)
			paid = paid.Add(shares[i])
		}
		results = append(results, r)
	}

	var unranked []model.Participant
	for _, p := range participants {
		if !seen[p.UserID] {
			unranked = append(unranked, p)
		}
	}
	sort.SliceStable(unranked, func(i, j int) bool {
		if !unranked[i].JoinedAt.Equal(unranked[j].JoinedAt) {
			return unranked[i].JoinedAt.Before(unranked[j].JoinedAt)
		}
		return unranked[i].UserID < unranked[j].UserID
	})
	for _, p := range unranked {
		results = append(results, model.Settlement{
			ParticipantID: p.ID,
			UserID:        p.UserID,
			FinalRank:     len(results) + 1,
			FinalValue:    decimal.Zero,
			Payout:        decimal.Zero,
		})
	}
	return results, paid, nil
}

func countPaid(results []model.Settlement) int {
	n := 0
	for _, r := range results {
		if r.PayoutEntry != nil {
			n++
		}
	}
	return n
}
