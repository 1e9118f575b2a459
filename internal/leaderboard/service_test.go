package leaderboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonkschool/contest-engine/internal/model"
	"github.com/stonkschool/contest-engine/internal/store"
	"github.com/stonkschool/contest-engine/internal/valuation"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fixture struct {
	ms  *store.MemoryStore
	svc *Service
	c   *model.Contest
}

func newFixture(t *testing.T, hub *Hub) *fixture {
	t.Helper()
	ms := store.NewMemoryStore()
	c := &model.Contest{
		ID:                 "c1",
		Title:              "Sprint",
		EntryFee:           d("10"),
		VirtualCapital:     d("1000"),
		OpenTime:           t0.Add(-time.Hour),
		AllocationDeadline: t0.Add(time.Hour),
		StartTime:          t0.Add(time.Hour),
		EndTime:            t0.Add(3 * time.Hour),
		Status:             model.StatusJoiningOpen,
	}
	require.NoError(t, ms.CreateContest(context.Background(), c, []model.ContestAsset{
		{ContestID: "c1", AssetID: "x"}, {ContestID: "c1", AssetID: "y"},
	}))
	svc := NewService(ms, valuation.NewEngine(ms, ms), hub)
	return &fixture{ms: ms, svc: svc, c: c}
}

// enter joins user and, when asset is non-empty, locks 100% into it at lockAt.
func (f *fixture) enter(t *testing.T, user, asset string, lockAt time.Time) {
	t.Helper()
	ctx := context.Background()
	_, _, err := f.ms.ProvisionWallet(ctx, user, &model.LedgerEntry{ID: "g-" + user, UserID: user, Amount: d("100"), Kind: model.KindInitial})
	require.NoError(t, err)
	require.NoError(t, f.ms.JoinContest(ctx,
		&model.Participant{ID: "p-" + user, ContestID: "c1", UserID: user, JoinedAt: t0},
		&model.LedgerEntry{ID: "f-" + user, UserID: user, Amount: d("-10"), Kind: model.KindEntryFee, Ref: "c1"}))
	if asset == "" {
		return
	}
	_, err = f.ms.LockAllocation(ctx, "c1", user, []model.Allocation{{AssetID: asset, Percentage: d("100")}}, lockAt)
	require.NoError(t, err)
}

func (f *fixture) price(t *testing.T, asset string, at time.Time, px string) {
	t.Helper()
	require.NoError(t, f.ms.UpsertCandle(context.Background(), asset, at.Truncate(time.Minute), d(px), decimal.Zero, at))
}

func (f *fixture) setStatus(t *testing.T, to model.ContestStatus) {
	t.Helper()
	ctx := context.Background()
	for f.c.Status < to {
		next, _ := f.c.Status.Next()
		require.NoError(t, f.ms.AdvanceContestStatus(ctx, "c1", f.c.Status, next))
		f.c.Status = next
	}
}

func TestRank_ValueDescThenEarlierLock(t *testing.T) {
	early, late := t0, t0.Add(time.Minute)
	standings := []Standing{
		{Participant: model.Participant{UserID: "late", LockedAt: &late}, Value: d("1200")},
		{Participant: model.Participant{UserID: "low", LockedAt: &early}, Value: d("900")},
		{Participant: model.Participant{UserID: "early", LockedAt: &early}, Value: d("1200")},
		{Participant: model.Participant{UserID: "top", LockedAt: &late}, Value: d("1500.5")},
	}

	entries := Rank("c1", standings, t0)
	require.Len(t, entries, 4)
	want := []string{"top", "early", "late", "low"}
	for i, e := range entries {
		assert.Equal(t, want[i], e.UserID)
		assert.Equal(t, i+1, e.Rank)
		assert.Equal(t, "c1", e.ContestID)
	}
}

func TestRecompute_RanksByValue(t *testing.T) {
	f := newFixture(t, nil)
	f.price(t, "x", t0, "100")
	f.price(t, "y", t0, "100")
	f.enter(t, "alice", "x", t0)
	f.enter(t, "bob", "y", t0)
	f.enter(t, "carol", "", t0) // joined, never locked
	f.setStatus(t, model.StatusLive)

	f.price(t, "x", t0.Add(time.Hour), "150")
	f.price(t, "y", t0.Add(time.Hour), "120")
	f.svc.now = func() time.Time { return t0.Add(90 * time.Minute) }

	entries, err := f.svc.Recompute(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "alice", entries[0].UserID)
	assert.True(t, entries[0].PortfolioValue.Equal(d("1500")))
	assert.Equal(t, "bob", entries[1].UserID)
	assert.True(t, entries[1].PortfolioValue.Equal(d("1200")))

	me, err := f.svc.UserRank(context.Background(), "c1", "bob")
	require.NoError(t, err)
	assert.Equal(t, 2, me.Rank)
	_, err = f.svc.UserRank(context.Background(), "c1", "carol")
	assert.ErrorIs(t, err, store.ErrNotRanked)
}

func TestRecompute_TieGoesToEarlierLock(t *testing.T) {
	f := newFixture(t, nil)
	f.price(t, "x", t0, "100")
	f.enter(t, "second", "x", t0.Add(30*time.Second))
	f.enter(t, "first", "x", t0.Add(10*time.Second))
	f.setStatus(t, model.StatusLive)
	f.svc.now = func() time.Time { return t0.Add(time.Hour) }

	entries, err := f.svc.Recompute(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].UserID)
	assert.Equal(t, "second", entries[1].UserID)
}

// flakyValuer fails for one user once failFor is set.
type flakyValuer struct {
	inner   Valuer
	failFor string
}

func (v *flakyValuer) Value(ctx context.Context, c *model.Contest, p *model.Participant, at time.Time) (decimal.Decimal, error) {
	if p.UserID == v.failFor {
		return decimal.Zero, store.ErrNoPrice
	}
	return v.inner.Value(ctx, c, p, at)
}

func TestRecompute_FailureKeepsPreviousSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	valuer := &flakyValuer{inner: f.svc.valuer}
	f.svc.valuer = valuer
	f.price(t, "x", t0, "100")
	f.enter(t, "alice", "x", t0)
	f.enter(t, "bob", "x", t0.Add(time.Second))
	f.setStatus(t, model.StatusLive)
	f.svc.now = func() time.Time { return t0.Add(time.Hour) }

	_, err := f.svc.Recompute(context.Background(), "c1")
	require.NoError(t, err)

	valuer.failFor = "bob"
	_, err = f.svc.Recompute(context.Background(), "c1")
	require.ErrorIs(t, err, store.ErrNoPrice)

	snapshot, err := f.svc.Top(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, snapshot, 2)
	assert.Equal(t, "alice", snapshot[0].UserID)
	assert.Equal(t, "bob", snapshot[1].UserID)
}

func TestRecompute_OnlyWhileRanked(t *testing.T) {
	f := newFixture(t, nil)
	f.price(t, "x", t0, "100")
	f.enter(t, "alice", "x", t0)

	_, err := f.svc.Recompute(context.Background(), "c1")
	require.ErrorIs(t, err, ErrNotActive)

	f.setStatus(t, model.StatusEnded)
	_, err = f.svc.Recompute(context.Background(), "c1")
	require.ErrorIs(t, err, ErrNotActive)

	_, err = f.ms.GetLeaderboardEntry(context.Background(), "c1", "alice")
	assert.ErrorIs(t, err, store.ErrNotRanked)
}

func TestRecompute_NeverValuesPastEndTime(t *testing.T) {
	f := newFixture(t, nil)
	f.price(t, "x", t0, "100")
	f.enter(t, "alice", "x", t0)
	f.setStatus(t, model.StatusLive)
	f.price(t, "x", f.c.EndTime.Add(-time.Minute), "110")
	f.price(t, "x", f.c.EndTime.Add(time.Hour), "999")

	// The clock passed the end but the scheduler has not moved the contest yet.
	f.svc.now = func() time.Time { return f.c.EndTime.Add(2 * time.Hour) }
	entries, err := f.svc.Recompute(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].PortfolioValue.Equal(d("1100")), "value = %s", entries[0].PortfolioValue)
}

func TestFinalize_ValuesAtEndTime(t *testing.T) {
	f := newFixture(t, nil)
	f.price(t, "x", t0, "100")
	f.enter(t, "alice", "x", t0)
	f.price(t, "x", f.c.EndTime.Add(-time.Minute), "110")
	f.price(t, "x", f.c.EndTime.Add(time.Hour), "999")

	_, err := f.svc.Finalize(context.Background(), f.c)
	assert.ErrorIs(t, err, ErrNotEnded)

	f.setStatus(t, model.StatusEnded)
	entries, err := f.svc.Finalize(context.Background(), f.c)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].PortfolioValue.Equal(d("1100")), "value = %s", entries[0].PortfolioValue)
}

func TestTop_UnknownContest(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.svc.Top(context.Background(), "nope", 0)
	assert.ErrorIs(t, err, store.ErrContestNotFound)
}

func TestGetLeaderboard_Handler(t *testing.T) {
	f := newFixture(t, nil)
	require.NoError(t, f.ms.ReplaceLeaderboard(context.Background(), "c1", []model.LeaderboardEntry{
		{ContestID: "c1", UserID: "alice", Rank: 1, PortfolioValue: d("1500")},
		{ContestID: "c1", UserID: "bob", Rank: 2, PortfolioValue: d("1200")},
	}))
	r := chi.NewRouter()
	r.Get("/api/v1/contests/{contestID}/leaderboard", f.svc.GetLeaderboard)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/contests/c1/leaderboard", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var got []Row
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, []Row{{1, "alice", "1500"}, {2, "bob", "1200"}}, got)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/contests/nope/leaderboard", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/contests/c1/leaderboard?limit=abc", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSupervise_RecomputesRankedContests(t *testing.T) {
	f := newFixture(t, nil)
	f.price(t, "x", t0, "100")
	f.enter(t, "alice", "x", t0)
	f.setStatus(t, model.StatusLive)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.svc.Supervise(ctx, 10*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		e, err := f.ms.GetLeaderboardEntry(context.Background(), "c1", "alice")
		return err == nil && e.Rank == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestHub_PushesSnapshots(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	f := newFixture(t, hub)
	f.price(t, "x", t0, "100")
	f.enter(t, "alice", "x", t0)
	f.setStatus(t, model.StatusLive)
	f.svc.now = func() time.Time { return t0.Add(time.Hour) }

	r := chi.NewRouter()
	r.Get("/ws/contests/{contestID}", f.svc.HandleWS)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/contests/c1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Initial snapshot is empty: nothing has been computed yet.
	var initial []Row
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Empty(t, initial)

	require.Eventually(t, func() bool { return hub.Subscribers("c1") == 1 }, time.Second, 5*time.Millisecond)
	_, err = f.svc.Recompute(context.Background(), "c1")
	require.NoError(t, err)

	var pushed []Row
	require.NoError(t, conn.ReadJSON(&pushed))
	require.Len(t, pushed, 1)
	assert.Equal(t, Row{Rank: 1, User: "alice", Value: "1000"}, pushed[0])
}

func TestHandleWS_UnknownContest(t *testing.T) {
	hub := NewHub()
	f := newFixture(t, hub)
	r := chi.NewRouter()
	r.Get("/ws/contests/{contestID}", f.svc.HandleWS)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ws/contests/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
