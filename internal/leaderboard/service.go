// Package leaderboard ranks contest participants by portfolio value and
// publishes the ranking as a wholesale-replaced snapshot.
package leaderboard

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stonkschool/contest-engine/internal/apperr"
	"github.com/stonkschool/contest-engine/internal/metrics"
	"github.com/stonkschool/contest-engine/internal/model"
	"github.com/stonkschool/contest-engine/internal/store"
)

// DefaultTopK is the number of rows served by Top when no limit is given.
const DefaultTopK = 100

var (
	// ErrNotEnded is returned when Finalize is called before the contest ended.
	ErrNotEnded = apperr.Conflict("contest has not ended")
	// ErrNotActive is returned when Recompute is called for a contest that is
	// not allocation_locked or live.
	ErrNotActive = apperr.Conflict("contest is not being ranked")
)

// Valuer values one participant's portfolio at an instant.
type Valuer interface {
	Value(ctx context.Context, c *model.Contest, p *model.Participant, at time.Time) (decimal.Decimal, error)
}

// Standing is a participant with its computed portfolio value.
type Standing struct {
	Participant model.Participant
	Value       decimal.Decimal
}

// Service computes and serves leaderboards.
type Service struct {
	store  store.Store
	valuer Valuer
	hub    *Hub // optional; nil disables push
	now    func() time.Time
}

// NewService creates a new leaderboard service.
// Pass nil for hub if WebSocket push is not needed.
func NewService(st store.Store, valuer Valuer, hub *Hub) *Service {
	return &Service{
		store:  st,
		valuer: valuer,
		hub:    hub,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Rank orders standings by value descending, breaking ties by earlier
// locked_at, then earlier joined_at, then user id. Ranks start at 1 and are
// dense: every entry gets a distinct rank.
func Rank(contestID string, standings []Standing, at time.Time) []model.LeaderboardEntry {
	sorted := make([]Standing, len(standings))
	copy(sorted, standings)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if c := a.Value.Cmp(b.Value); c != 0 {
			return c > 0
		}
		if la, lb := lockedAt(a.Participant), lockedAt(b.Participant); !la.Equal(lb) {
			return la.Before(lb)
		}
		if !a.Participant.JoinedAt.Equal(b.Participant.JoinedAt) {
			return a.Participant.JoinedAt.Before(b.Participant.JoinedAt)
		}
		return a.Participant.UserID < b.Participant.UserID
	})

	entries := make([]model.LeaderboardEntry, len(sorted))
	for i, s := range sorted {
		entries[i] = model.LeaderboardEntry{
			ContestID:      contestID,
			UserID:         s.Participant.UserID,
			Rank:           i + 1,
			PortfolioValue: s.Value,
			ComputedAt:     at,
		}
	}
	return entries
}

func lockedAt(p model.Participant) time.Time {
	if p.LockedAt == nil {
		return time.Time{}
	}
	return *p.LockedAt
}

// Recompute values every locked participant now, never later than the end
// time, and replaces the snapshot. If any valuation fails the previous
// snapshot is kept.
func (s *Service) Recompute(ctx context.Context, contestID string) ([]model.LeaderboardEntry, error) {
	start := time.Now()
	c, err := s.store.GetContest(ctx, contestID)
	if err != nil {
		return nil, err
	}
	if !c.Status.Ranked() {
		return nil, ErrNotActive
	}
	// A recompute racing the move to ended writes the same values Finalize does.
	at := s.now()
	if at.After(c.EndTime) {
		at = c.EndTime
	}
	entries, err := s.rebuild(ctx, c, at)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.LeaderboardRecompute.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return entries, err
}

// Finalize values every locked participant at the contest's end time and
// replaces the snapshot. Settlement ranks from this snapshot.
func (s *Service) Finalize(ctx context.Context, c *model.Contest) ([]model.LeaderboardEntry, error) {
	if c.Status != model.StatusEnded {
		return nil, ErrNotEnded
	}
	return s.rebuild(ctx, c, c.EndTime)
}

func (s *Service) rebuild(ctx context.Context, c *model.Contest, at time.Time) ([]model.LeaderboardEntry, error) {
	participants, err := s.store.ListParticipants(ctx, c.ID)
	if err != nil {
		return nil, err
	}

	standings := make([]Standing, 0, len(participants))
	for _, p := range participants {
		if !p.Locked() {
			continue
		}
		v, err := s.valuer.Value(ctx, c, &p, at)
		if err != nil {
			return nil, fmt.Errorf("value %s in %s: %w", p.UserID, c.ID, err)
		}
		standings = append(standings, Standing{Participant: p, Value: v})
	}

	entries := Rank(c.ID, standings, s.now())
	if err := s.store.ReplaceLeaderboard(ctx, c.ID, entries); err != nil {
		return nil, err
	}

	slog.Debug("leaderboard recomputed", "contest", c.ID, "entries", len(entries), "at", at)
	if s.hub != nil {
		s.hub.Publish(c.ID, top(entries, DefaultTopK))
	}
	return entries, nil
}

func top(entries []model.LeaderboardEntry, k int) []model.LeaderboardEntry {
	if len(entries) > k {
		return entries[:k]
	}
	return entries
}

// Top returns the first limit rows of the contest's snapshot. A
// non-positive limit uses DefaultTopK.
func (s *Service) Top(ctx context.Context, contestID string, limit int) ([]model.LeaderboardEntry, error) {
	if _, err := s.store.GetContest(ctx, contestID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultTopK
	}
	return s.store.GetLeaderboard(ctx, contestID, limit)
}

// UserRank returns userID's row of the contest's snapshot.
func (s *Service) UserRank(ctx context.Context, contestID, userID string) (*model.LeaderboardEntry, error) {
	return s.store.GetLeaderboardEntry(ctx, contestID, userID)
}
