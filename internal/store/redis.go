package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stonkschool/contest-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Methods not overridden
// here are promoted from the embedded primary uncached.
//
// Every cached key has a generation counter bumped on each invalidation. A
// read-through fill only lands if the generation it saw before reading the
// primary is still current, so a reader that loaded a row before a
// concurrent write cannot put the old row back.
type CachedStore struct {
	Store
	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) ProvisionWallet(ctx context.Context, userID string, grant *model.LedgerEntry) (*model.Wallet, bool, error) {
	w, created, err := s.Store.ProvisionWallet(ctx, userID, grant)
	if err != nil {
		return nil, false, err
	}
	s.invalidate(ctx, walletKey(userID))
	return w, created, nil
}

func (s *CachedStore) ApplyEntry(ctx context.Context, entry *model.LedgerEntry) (*model.Wallet, error) {
	w, err := s.Store.ApplyEntry(ctx, entry)
	if err != nil {
		return nil, err
	}
	// Invalidate rather than write: concurrent entries may finish out of order.
	s.invalidate(ctx, walletKey(entry.UserID))
	return w, nil
}

func (s *CachedStore) AdvanceContestStatus(ctx context.Context, contestID string, from, to model.ContestStatus) error {
	err := s.Store.AdvanceContestStatus(ctx, contestID, from, to)
	// A lost race still means the cached status is stale.
	s.invalidate(ctx, contestKey(contestID))
	return err
}

func (s *CachedStore) JoinContest(ctx context.Context, p *model.Participant, fee *model.LedgerEntry) error {
	if err := s.Store.JoinContest(ctx, p, fee); err != nil {
		return err
	}
	s.invalidate(ctx, walletKey(p.UserID))
	return nil
}

func (s *CachedStore) SettleContest(ctx context.Context, contestID string, results []model.Settlement) error {
	err := s.Store.SettleContest(ctx, contestID, results)
	if err != nil {
		return err
	}
	keys := []string{contestKey(contestID)}
	for _, r := range results {
		keys = append(keys, walletKey(r.UserID))
	}
	s.invalidate(ctx, keys...)
	return nil
}

func (s *CachedStore) ReplaceLeaderboard(ctx context.Context, contestID string, entries []model.LeaderboardEntry) error {
	if err := s.Store.ReplaceLeaderboard(ctx, contestID, entries); err != nil {
		return err
	}
	s.publish(ctx, leaderboardKey(contestID), entries)
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if s.get(ctx, walletKey(userID), &w) {
		return &w, nil
	}

	// Cache miss: read from primary.
	gen := s.generation(ctx, walletKey(userID))
	wp, err := s.Store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, walletKey(userID), gen, wp)
	return wp, nil
}

func (s *CachedStore) GetContest(ctx context.Context, id string) (*model.Contest, error) {
	var c model.Contest
	if s.get(ctx, contestKey(id), &c) {
		return &c, nil
	}

	gen := s.generation(ctx, contestKey(id))
	cp, err := s.Store.GetContest(ctx, id)
	if err != nil {
		return nil, err
	}
	s.fill(ctx, contestKey(id), gen, cp)
	return cp, nil
}

func (s *CachedStore) GetLeaderboard(ctx context.Context, contestID string, limit int) ([]model.LeaderboardEntry, error) {
	entries, err := s.snapshot(ctx, contestID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *CachedStore) GetLeaderboardEntry(ctx context.Context, contestID, userID string) (*model.LeaderboardEntry, error) {
	entries, err := s.snapshot(ctx, contestID)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.UserID == userID {
			copy := e
			return &copy, nil
		}
	}
	return nil, ErrNotRanked
}

// snapshot returns the contest's full ranking, loading it from the primary
// on a miss.
func (s *CachedStore) snapshot(ctx context.Context, contestID string) ([]model.LeaderboardEntry, error) {
	var entries []model.LeaderboardEntry
	if !s.get(ctx, leaderboardKey(contestID), &entries) {
		gen := s.generation(ctx, leaderboardKey(contestID))
		var err error
		entries, err = s.Store.GetLeaderboard(ctx, contestID, 0)
		if err != nil {
			return nil, err
		}
		s.fill(ctx, leaderboardKey(contestID), gen, entries)
	}
	for i := range entries {
		entries[i].ContestID = contestID
	}
	return entries, nil
}

// --- Cache helpers ---

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

// generation returns key's invalidation counter; a missing counter is 0.
func (s *CachedStore) generation(ctx context.Context, key string) int64 {
	gen, _ := s.rdb.Get(ctx, genKey(key)).Int64()
	return gen
}

// fill caches v under key if key has not been invalidated since gen was read.
// A lost race leaves the key empty for the next reader.
func (s *CachedStore) fill(ctx context.Context, key string, gen int64, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.rdb.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey(key)).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, s.ttl)
			return nil
		})
		return err
	}, genKey(key))
}

// invalidate drops keys and bumps their generations in one transaction.
func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Incr(ctx, genKey(k))
			p.Del(ctx, k)
		}
		return nil
	})
}

// publish writes v through to key, fencing out in-flight fills.
func (s *CachedStore) publish(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, genKey(key))
		p.Set(ctx, key, data, s.ttl)
		return nil
	})
}

func walletKey(uid string) string { return fmt.Sprintf("wallet:%s", uid) }
func contestKey(id string) string { return fmt.Sprintf("contest:%s", id) }
func leaderboardKey(id string) string { return fmt.Sprintf("leaderboard:%s", id) }
func genKey(key string) string { return "gen:" + key }
