package contest_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonkschool/contest-engine/internal/contest"
	"github.com/stonkschool/contest-engine/internal/model"
)

func scheduledContest(t *testing.T, env *testEnv, open time.Time, maxParticipants int) *model.Contest {
	t.Helper()
	c, _, err := env.svc.Create(context.Background(), contest.CreateParams{
		Title:              "Scheduled",
		EntryFee:           d("10"),
		VirtualCapital:     d("1000"),
		MaxParticipants:    maxParticipants,
		OpenTime:           open,
		AllocationDeadline: open.Add(time.Hour),
		StartTime:          open.Add(2 * time.Hour),
		EndTime:            open.Add(3 * time.Hour),
		Assets:             []model.ContestAsset{{AssetID: "asset-a", Symbol: "AAA"}},
	})
	require.NoError(t, err)
	return c
}

func statusOf(t *testing.T, env *testEnv, id string) model.ContestStatus {
	t.Helper()
	c, err := env.store.GetContest(context.Background(), id)
	require.NoError(t, err)
	return c.Status
}

func TestAdvance_FollowsClock(t *testing.T) {
	env := newTestEnv(t)
	open := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	c := scheduledContest(t, env, open, 0)
	ctx := context.Background()

	steps := []struct {
		at   time.Time
		want model.ContestStatus
	}{
		{open.Add(-time.Minute), model.StatusUpcoming},
		{open, model.StatusJoiningOpen},
		{open.Add(time.Hour), model.StatusAllocationLocked},
		{open.Add(2 * time.Hour), model.StatusLive},
		{open.Add(3 * time.Hour), model.StatusEnded},
	}
	for _, s := range steps {
		require.NoError(t, env.svc.Advance(ctx, s.at))
		assert.Equal(t, s.want, statusOf(t, env, c.ID), "at %s", s.at)
	}
}

func TestAdvance_CatchesUpOneStepAtATime(t *testing.T) {
	env := newTestEnv(t)
	open := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	c := scheduledContest(t, env, open, 0)

	// A scheduler that was down for the whole contest still walks every
	// legal transition and lands on ended, never settled.
	require.NoError(t, env.svc.Advance(context.Background(), open.Add(24*time.Hour)))
	assert.Equal(t, model.StatusEnded, statusOf(t, env, c.ID))
}

func TestAdvance_FiresEndedEveryPassUntilSettled(t *testing.T) {
	env := newTestEnv(t)
	open := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	c := scheduledContest(t, env, open, 0)
	ctx := context.Background()

	var mu sync.Mutex
	var fired []string
	env.svc.OnEnded(func(_ context.Context, id string) {
		mu.Lock()
		fired = append(fired, id)
		mu.Unlock()
	})

	require.NoError(t, env.svc.Advance(ctx, open.Add(2*time.Hour)))
	assert.Empty(t, fired)

	require.NoError(t, env.svc.Advance(ctx, open.Add(3*time.Hour)))
	require.NoError(t, env.svc.Advance(ctx, open.Add(3*time.Hour+time.Second)))
	assert.Equal(t, []string{c.ID, c.ID}, fired)

	require.NoError(t, env.store.AdvanceContestStatus(ctx, c.ID, model.StatusEnded, model.StatusSettled))
	require.NoError(t, env.svc.Advance(ctx, open.Add(4*time.Hour)))
	assert.Len(t, fired, 2)
	assert.Equal(t, model.StatusSettled, statusOf(t, env, c.ID))
}

func TestAdvance_AllSlotsLockedClosesJoining(t *testing.T) {
	env := newTestEnv(t)
	open := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	c := scheduledContest(t, env, open, 1)
	ctx := context.Background()

	require.NoError(t, env.svc.Advance(ctx, open))
	require.Equal(t, model.StatusJoiningOpen, statusOf(t, env, c.ID))

	env.fund(t, "alice", "100")
	_, _, err := env.svc.Join(ctx, c.ID, "alice")
	require.NoError(t, err)
	// Lock straight through the store so only the scheduler can close joining.
	_, err = env.store.LockAllocation(ctx, c.ID, "alice",
		[]model.Allocation{{AssetID: "asset-a", Percentage: d("100")}}, open)
	require.NoError(t, err)

	require.NoError(t, env.svc.Advance(ctx, open.Add(time.Minute)))
	assert.Equal(t, model.StatusAllocationLocked, statusOf(t, env, c.ID))
}

func TestAdvance_UnlimitedContestWaitsForDeadline(t *testing.T) {
	env := newTestEnv(t)
	open := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	c := scheduledContest(t, env, open, 0)
	ctx := context.Background()

	require.NoError(t, env.svc.Advance(ctx, open))
	env.fund(t, "alice", "100")
	_, _, err := env.svc.Join(ctx, c.ID, "alice")
	require.NoError(t, err)
	_, err = env.svc.LockAllocation(ctx, c.ID, "alice",
		[]model.Allocation{{AssetID: "asset-a", Percentage: d("100")}})
	require.NoError(t, err)

	require.NoError(t, env.svc.Advance(ctx, open.Add(time.Minute)))
	assert.Equal(t, model.StatusJoiningOpen, statusOf(t, env, c.ID))
}

func TestAdvance_ConcurrentSchedulers(t *testing.T) {
	env := newTestEnv(t)
	open := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	c := scheduledContest(t, env, open, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.svc.Advance(context.Background(), open.Add(3*time.Hour)))
		}()
	}
	wg.Wait()
	assert.Equal(t, model.StatusEnded, statusOf(t, env, c.ID))
}
