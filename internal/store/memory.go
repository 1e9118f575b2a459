package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/stonkschool/contest-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex makes every multi-effect operation one critical section,
// which gives the same all-or-nothing guarantee as a database transaction.
type MemoryStore struct {
	mu sync.RWMutex

	wallets map[string]*model.Wallet
	ledger  []model.LedgerEntry

	contests     map[string]*model.Contest
	assets       map[string][]model.ContestAsset
	participants map[string]*model.Participant // participant ID →
	enrollments  map[enrollment]string         // (contest, user) → participant ID
	allocations  map[string][]model.Allocation // participant ID →

	leaderboards map[string][]model.LeaderboardEntry

	candles     map[string]map[int64]*model.Candle // asset → bucket unix →
	instruments map[string]string

	replays map[string]*model.ReplaySession
}

type enrollment struct {
	contestID string
	userID    string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets:      make(map[string]*model.Wallet),
		contests:     make(map[string]*model.Contest),
		assets:       make(map[string][]model.ContestAsset),
		participants: make(map[string]*model.Participant),
		enrollments:  make(map[enrollment]string),
		allocations:  make(map[string][]model.Allocation),
		leaderboards: make(map[string][]model.LeaderboardEntry),
		candles:      make(map[string]map[int64]*model.Candle),
		instruments:  make(map[string]string),
		replays:      make(map[string]*model.ReplaySession),
	}
}

// --- Wallets ---

func (s *MemoryStore) ProvisionWallet(_ context.Context, userID string, grant *model.LedgerEntry) (*model.Wallet, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w, ok := s.wallets[userID]; ok {
		copy := *w
		return &copy, false, nil
	}

	s.wallets[userID] = &model.Wallet{
		UserID:    userID,
		Balance:   decimal.Zero,
		CreatedAt: grant.CreatedAt,
		UpdatedAt: grant.CreatedAt,
	}
	w, err := s.applyEntryLocked(grant)
	if err != nil {
		delete(s.wallets, userID)
		return nil, false, err
	}
	return w, true, nil
}

func (s *MemoryStore) GetWallet(_ context.Context, userID string) (*model.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[userID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	copy := *w
	return &copy, nil
}

func (s *MemoryStore) ApplyEntry(_ context.Context, entry *model.LedgerEntry) (*model.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.applyEntryLocked(entry)
}

// applyEntryLocked is the single place balances move. Caller holds s.mu.
func (s *MemoryStore) applyEntryLocked(entry *model.LedgerEntry) (*model.Wallet, error) {
	w, ok := s.wallets[entry.UserID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	next := w.Balance.Add(entry.Amount)
	if next.IsNegative() {
		return nil, ErrInsufficientFunds
	}
	w.Balance = next
	w.UpdatedAt = entry.CreatedAt
	s.ledger = append(s.ledger, *entry)

	copy := *w
	return &copy, nil
}

func (s *MemoryStore) ListLedgerEntries(_ context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.LedgerEntry
	for i := len(s.ledger) - 1; i >= 0; i-- {
		if s.ledger[i].UserID != userID {
			continue
		}
		result = append(result, s.ledger[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

func (s *MemoryStore) SumLedgerEntries(_ context.Context, userID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := decimal.Zero
	for _, e := range s.ledger {
		if e.UserID == userID {
			sum = sum.Add(e.Amount)
		}
	}
	return sum, nil
}

// --- Contests ---

func (s *MemoryStore) CreateContest(_ context.Context, c *model.Contest, assets []model.ContestAsset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.contests[c.ID]; exists {
		return ErrContestExists
	}
	copy := *c
	s.contests[c.ID] = &copy
	s.assets[c.ID] = append([]model.ContestAsset(nil), assets...)
	return nil
}

func (s *MemoryStore) GetContest(_ context.Context, id string) (*model.Contest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contests[id]
	if !ok {
		return nil, ErrContestNotFound
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) ListContests(_ context.Context, statuses ...model.ContestStatus) ([]model.Contest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[model.ContestStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	contests := make([]model.Contest, 0, len(s.contests))
	for _, c := range s.contests {
		if len(want) > 0 && !want[c.Status] {
			continue
		}
		contests = append(contests, *c)
	}
	sort.Slice(contests, func(i, j int) bool {
		return contests[i].StartTime.Before(contests[j].StartTime)
	})
	return contests, nil
}

func (s *MemoryStore) ListContestAssets(_ context.Context, contestID string) ([]model.ContestAsset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.contests[contestID]; !ok {
		return nil, ErrContestNotFound
	}
	return append([]model.ContestAsset(nil), s.assets[contestID]...), nil
}

func (s *MemoryStore) AdvanceContestStatus(_ context.Context, contestID string, from, to model.ContestStatus) error {
	if !model.CanTransition(from, to) {
		return ErrIllegalTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contests[contestID]
	if !ok {
		return ErrContestNotFound
	}
	if c.Status != from {
		return ErrStatusConflict
	}
	c.Status = to
	return nil
}

func (s *MemoryStore) JoinContest(_ context.Context, p *model.Participant, fee *model.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contests[p.ContestID]
	if !ok {
		return ErrContestNotFound
	}
	if c.Status != model.StatusJoiningOpen {
		return ErrContestNotOpen
	}
	key := enrollment{p.ContestID, p.UserID}
	if _, joined := s.enrollments[key]; joined {
		return ErrAlreadyJoined
	}
	if c.MaxParticipants > 0 && s.countParticipantsLocked(p.ContestID) >= c.MaxParticipants {
		return ErrContestFull
	}

	// Debit last among the checks: a failed debit leaves nothing behind.
	if _, err := s.applyEntryLocked(fee); err != nil {
		return err
	}

	copy := *p
	s.participants[p.ID] = &copy
	s.enrollments[key] = p.ID
	return nil
}

func (s *MemoryStore) countParticipantsLocked(contestID string) int {
	n := 0
	for k := range s.enrollments {
		if k.contestID == contestID {
			n++
		}
	}
	return n
}

func (s *MemoryStore) LockAllocation(_ context.Context, contestID, userID string, allocs []model.Allocation, at time.Time) (*model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contests[contestID]
	if !ok {
		return nil, ErrContestNotFound
	}
	pid, ok := s.enrollments[enrollment{contestID, userID}]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	p := s.participants[pid]
	if p.Locked() {
		return nil, ErrAlreadyLocked
	}
	if c.Status.Started() {
		return nil, ErrContestStarted
	}

	stored := make([]model.Allocation, len(allocs))
	for i, a := range allocs {
		a.ParticipantID = pid
		stored[i] = a
	}
	s.allocations[pid] = stored
	lockedAt := at
	p.LockedAt = &lockedAt

	copy := *p
	return &copy, nil
}

func (s *MemoryStore) GetParticipant(_ context.Context, contestID, userID string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pid, ok := s.enrollments[enrollment{contestID, userID}]
	if !ok {
		return nil, ErrParticipantNotFound
	}
	copy := *s.participants[pid]
	return &copy, nil
}

func (s *MemoryStore) ListParticipants(_ context.Context, contestID string) ([]model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Participant
	for k, pid := range s.enrollments {
		if k.contestID == contestID {
			result = append(result, *s.participants[pid])
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].JoinedAt.Before(result[j].JoinedAt)
	})
	return result, nil
}

func (s *MemoryStore) GetAllocations(_ context.Context, participantID string) ([]model.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]model.Allocation(nil), s.allocations[participantID]...), nil
}

func (s *MemoryStore) ContestPool(_ context.Context, contestID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pool := decimal.Zero
	for _, e := range s.ledger {
		if e.Kind == model.KindEntryFee && e.Ref == contestID {
			pool = pool.Sub(e.Amount)
		}
	}
	return pool, nil
}

func (s *MemoryStore) SettleContest(_ context.Context, contestID string, results []model.Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contests[contestID]
	if !ok {
		return ErrContestNotFound
	}
	if c.Status != model.StatusEnded {
		return ErrStatusConflict
	}

	// Validate everything before the first write so a failure leaves the
	// contest ended and retryable.
	for _, r := range results {
		p, ok := s.participants[r.ParticipantID]
		if !ok || p.ContestID != contestID {
			return ErrParticipantNotFound
		}
		if r.PayoutEntry != nil {
			if _, ok := s.wallets[r.PayoutEntry.UserID]; !ok {
				return ErrWalletNotFound
			}
		}
	}

	for _, r := range results {
		if r.PayoutEntry != nil {
			if _, err := s.applyEntryLocked(r.PayoutEntry); err != nil {
				return err
			}
		}
		p := s.participants[r.ParticipantID]
		rank, value, paid := r.FinalRank, r.FinalValue, r.Payout
		p.FinalRank = &rank
		p.FinalValue = &value
		p.Payout = &paid
	}
	c.Status = model.StatusSettled
	return nil
}

// --- Leaderboard ---

func (s *MemoryStore) ReplaceLeaderboard(_ context.Context, contestID string, entries []model.LeaderboardEntry) error {
	snapshot := make([]model.LeaderboardEntry, len(entries))
	copy(snapshot, entries)
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Rank < snapshot[j].Rank })

	s.mu.Lock()
	defer s.mu.Unlock()

	s.leaderboards[contestID] = snapshot
	return nil
}

func (s *MemoryStore) GetLeaderboard(_ context.Context, contestID string, limit int) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.leaderboards[contestID]
	if limit > 0 && len(snapshot) > limit {
		snapshot = snapshot[:limit]
	}
	return append([]model.LeaderboardEntry(nil), snapshot...), nil
}

func (s *MemoryStore) GetLeaderboardEntry(_ context.Context, contestID, userID string) (*model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.leaderboards[contestID] {
		if e.UserID == userID {
			copy := e
			return &copy, nil
		}
	}
	return nil, ErrNotRanked
}

// --- Prices ---

func (s *MemoryStore) UpsertCandle(_ context.Context, assetID string, bucket time.Time, price, volume decimal.Decimal, observedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byBucket, ok := s.candles[assetID]
	if !ok {
		byBucket = make(map[int64]*model.Candle)
		s.candles[assetID] = byBucket
	}

	key := bucket.UTC().Unix()
	c, ok := byBucket[key]
	if !ok {
		byBucket[key] = &model.Candle{
			AssetID: assetID,
			Bucket:  bucket.UTC(),
			Open:    price,
			High:    price,
			Low:     price,
			Close:   price,
			Volume:  volume,
			OpenAt:  observedAt,
			CloseAt: observedAt,
		}
		return nil
	}

	c.High = decimal.Max(c.High, price)
	c.Low = decimal.Min(c.Low, price)
	if observedAt.Before(c.OpenAt) {
		c.Open, c.OpenAt = price, observedAt
	}
	if !observedAt.Before(c.CloseAt) {
		c.Close, c.CloseAt = price, observedAt
	}
	c.Volume = c.Volume.Add(volume)
	return nil
}

func (s *MemoryStore) GetCandle(_ context.Context, assetID string, bucket time.Time) (*model.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.candles[assetID][bucket.UTC().Unix()]
	if !ok {
		return nil, ErrCandleNotFound
	}
	copy := *c
	return &copy, nil
}

func (s *MemoryStore) PriceAt(_ context.Context, assetID string, at time.Time) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *model.Candle
	for _, c := range s.candles[assetID] {
		if c.Bucket.After(at) {
			continue
		}
		if best == nil || c.Bucket.After(best.Bucket) {
			best = c
		}
	}
	if best == nil {
		return decimal.Zero, ErrNoPrice
	}
	return best.Close, nil
}

func (s *MemoryStore) ListCandles(_ context.Context, assetID string, from, to time.Time) ([]model.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Candle
	for _, c := range s.candles[assetID] {
		if c.Bucket.Before(from) || c.Bucket.After(to) {
			continue
		}
		result = append(result, *c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Bucket.Before(result[j].Bucket) })
	return result, nil
}

func (s *MemoryStore) ListInstrumentMappings(_ context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.instruments))
	for k, v := range s.instruments {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) PutInstrumentMapping(_ context.Context, instrumentID, assetID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.instruments[instrumentID] = assetID
	return nil
}

// --- Replay sessions ---

func (s *MemoryStore) CreateReplaySession(_ context.Context, r *model.ReplaySession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *r
	s.replays[r.ID] = &copy
	return nil
}

func (s *MemoryStore) GetReplaySession(_ context.Context, id string) (*model.ReplaySession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.replays[id]
	if !ok {
		return nil, ErrReplayNotFound
	}
	copy := *r
	return &copy, nil
}
