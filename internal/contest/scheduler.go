package contest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/stonkschool/contest-engine/internal/metrics"
	"github.com/stonkschool/contest-engine/internal/model"
	"github.com/stonkschool/contest-engine/internal/store"
)

// RunScheduler runs Advance every interval until ctx is cancelled.
func (s *Service) RunScheduler(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("contest scheduler started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Advance(ctx, s.now()); err != nil && ctx.Err() == nil {
				slog.Error("scheduler pass failed", "err", err)
			}
		}
	}
}

// Advance runs one scheduler pass: every unsettled contest is moved forward
// to the status the clock entitles it to, one legal step at a time, and the
// settlement trigger fires for every contest found or left in ended.
func (s *Service) Advance(ctx context.Context, now time.Time) error {
	contests, err := s.store.ListContests(ctx,
		model.StatusUpcoming,
		model.StatusJoiningOpen,
		model.StatusAllocationLocked,
		model.StatusLive,
		model.StatusEnded,
	)
	if err != nil {
		return err
	}

	active := 0
	for i := range contests {
		c := &contests[i]
		if err := s.advanceContest(ctx, c, now); err != nil {
			slog.Error("advance contest", "contest", c.ID, "status", c.Status, "err", err)
			continue
		}
		if c.Status.Ranked() {
			active++
		}
		if c.Status == model.StatusEnded && s.onEnded != nil {
			s.onEnded(ctx, c.ID)
		}
	}
	metrics.ActiveContests.Set(float64(active))
	return nil
}

// advanceContest steps c towards its clock status, updating c.Status as it
// goes. Losing a race to another scheduler reloads the contest and carries on
// from wherever the winner left it.
func (s *Service) advanceContest(ctx context.Context, c *model.Contest, now time.Time) error {
	for {
		target := c.ClockStatus(now)
		if c.Status == model.StatusJoiningOpen && target == model.StatusJoiningOpen {
			full, err := s.allSlotsLocked(ctx, c)
			if err != nil {
				return err
			}
			if full {
				target = model.StatusAllocationLocked
			}
		}
		if c.Status >= target {
			return nil
		}

		next, ok := c.Status.Next()
		if !ok {
			return nil
		}
		err := s.store.AdvanceContestStatus(ctx, c.ID, c.Status, next)
		if errors.Is(err, store.ErrStatusConflict) {
			fresh, err := s.store.GetContest(ctx, c.ID)
			if err != nil {
				return err
			}
			*c = *fresh
			continue
		}
		if err != nil {
			return err
		}

		metrics.StatusTransitions.WithLabelValues(next.String()).Inc()
		slog.Info("contest status advanced",
			"contest", c.ID,
			"from", c.Status,
			"to", next,
		)
		c.Status = next
	}
}

// allSlotsLocked reports whether a capped contest is full and every
// participant has locked.
func (s *Service) allSlotsLocked(ctx context.Context, c *model.Contest) (bool, error) {
	if c.MaxParticipants <= 0 {
		return false, nil
	}
	participants, err := s.store.ListParticipants(ctx, c.ID)
	if err != nil {
		return false, err
	}
	if len(participants) < c.MaxParticipants {
		return false, nil
	}
	for i := range participants {
		if !participants[i].Locked() {
			return false, nil
		}
	}
	return true, nil
}

// closeJoiningIfFull moves a joining_open contest to allocation_locked as
// soon as its last slot locks, without waiting for the next scheduler pass.
func (s *Service) closeJoiningIfFull(ctx context.Context, c *model.Contest) error {
	full, err := s.allSlotsLocked(ctx, c)
	if err != nil || !full {
		return err
	}
	err = s.store.AdvanceContestStatus(ctx, c.ID, model.StatusJoiningOpen, model.StatusAllocationLocked)
	if errors.Is(err, store.ErrStatusConflict) {
		return nil
	}
	if err != nil {
		return err
	}
	metrics.StatusTransitions.WithLabelValues(model.StatusAllocationLocked.String()).Inc()
	slog.Info("contest status advanced",
		"contest", c.ID,
		"from", model.StatusJoiningOpen,
		"to", model.StatusAllocationLocked,
		"reason", "all slots locked",
	)
	return nil
}
