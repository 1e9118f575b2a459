package leaderboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/stonkschool/contest-engine/internal/model"
)

// Supervise keeps one recompute loop running per contest in
// allocation_locked or live. It polls for newly ranked contests every
// interval and returns once ctx is cancelled and every loop has exited.
func (s *Service) Supervise(ctx context.Context, interval time.Duration) error {
	var (
		mu      sync.Mutex
		running = make(map[string]bool)
		wg      sync.WaitGroup
	)

	spawn := func() {
		contests, err := s.store.ListContests(ctx, model.StatusAllocationLocked, model.StatusLive)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("list ranked contests", "err", err)
			}
			return
		}

		mu.Lock()
		defer mu.Unlock()
		for _, c := range contests {
			if running[c.ID] {
				continue
			}
			running[c.ID] = true
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				defer func() {
					mu.Lock()
					delete(running, id)
					mu.Unlock()
				}()
				s.loop(ctx, id, interval)
			}(c.ID)
		}
	}

	slog.Info("leaderboard supervisor started", "interval", interval)
	spawn()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			spawn()
		}
	}
}

// loop recomputes one contest's leaderboard every interval while the
// contest is ranked.
func (s *Service) loop(ctx context.Context, contestID string, interval time.Duration) {
	slog.Info("leaderboard loop started", "contest", contestID)
	defer slog.Info("leaderboard loop stopped", "contest", contestID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		c, err := s.store.GetContest(ctx, contestID)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("leaderboard loop: load contest", "contest", contestID, "err", err)
			}
			return
		}
		if !c.Status.Ranked() {
			return
		}
		_, err = s.Recompute(ctx, contestID)
		switch {
		case errors.Is(err, ErrNotActive):
			return
		case err != nil && ctx.Err() == nil:
			// The previous snapshot stays in place; try again next tick.
			slog.Warn("leaderboard recompute failed", "contest", contestID, "err", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
