package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/stonkschool/contest-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

const pgUniqueViolation = "23505"

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision and
// every multi-effect operation runs in a single transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Wallets ---

func (s *PostgresStore) ProvisionWallet(ctx context.Context, userID string, grant *model.LedgerEntry) (*model.Wallet, bool, error) {
	var (
		w       *model.Wallet
		created bool
	)
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO wallets (user_id, balance, created_at, updated_at)
			 VALUES ($1, 0, $2, $2)
			 ON CONFLICT (user_id) DO NOTHING`,
			userID, grant.CreatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			w, err = getWallet(ctx, tx, userID)
			return err
		}
		created = true
		w, err = applyEntryTx(ctx, tx, grant)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return w, created, nil
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	return getWallet(ctx, s.pool, userID)
}

func (s *PostgresStore) ApplyEntry(ctx context.Context, entry *model.LedgerEntry) (*model.Wallet, error) {
	var w *model.Wallet
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		w, err = applyEntryTx(ctx, tx, entry)
		return err
	})
	return w, err
}

// applyEntryTx moves the balance with a single conditional UPDATE so the
// funds check and the decrement cannot be separated by a concurrent debit.
func applyEntryTx(ctx context.Context, tx pgx.Tx, e *model.LedgerEntry) (*model.Wallet, error) {
	var w model.Wallet
	var balance string
	err := tx.QueryRow(ctx,
		`UPDATE wallets
		 SET balance = balance + $2::NUMERIC, updated_at = $3
		 WHERE user_id = $1 AND balance + $2::NUMERIC >= 0
		 RETURNING user_id, balance::TEXT, created_at, updated_at`,
		e.UserID, e.Amount.String(), e.CreatedAt).
		Scan(&w.UserID, &balance, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM wallets WHERE user_id = $1)`, e.UserID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, ErrWalletNotFound
		}
		return nil, ErrInsufficientFunds
	}
	if err != nil {
		return nil, fmt.Errorf("update wallet %s: %w", e.UserID, err)
	}
	w.Balance, _ = decimal.NewFromString(balance)

	_, err = tx.Exec(ctx,
		`INSERT INTO wallet_transactions (id, user_id, amount, kind, reference_id, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6)`,
		e.ID, e.UserID, e.Amount.String(), string(e.Kind), e.Ref, e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	return &w, nil
}

func getWallet(ctx context.Context, q querier, userID string) (*model.Wallet, error) {
	var w model.Wallet
	var balance string
	err := q.QueryRow(ctx,
		`SELECT user_id, balance::TEXT, created_at, updated_at FROM wallets WHERE user_id = $1`,
		userID).Scan(&w.UserID, &balance, &w.CreatedAt, &w.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get wallet %s: %w", userID, err)
	}
	w.Balance, _ = decimal.NewFromString(balance)
	return &w, nil
}

func (s *PostgresStore) ListLedgerEntries(ctx context.Context, userID string, limit int) ([]model.LedgerEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, amount::TEXT, kind, reference_id, created_at
		 FROM wallet_transactions WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`, userID, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		var e model.LedgerEntry
		var amount, kind string
		if err := rows.Scan(&e.ID, &e.UserID, &amount, &kind, &e.Ref, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Amount, _ = decimal.NewFromString(amount)
		e.Kind = model.LedgerKind(kind)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) SumLedgerEntries(ctx context.Context, userID string) (decimal.Decimal, error) {
	var sum string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::TEXT FROM wallet_transactions WHERE user_id = $1`,
		userID).Scan(&sum)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(sum)
}

// --- Contests ---

const contestColumns = `id, title, track, entry_fee::TEXT, virtual_capital::TEXT, max_participants,
	open_time, allocation_deadline, start_time, end_time, status, created_at`

func (s *PostgresStore) CreateContest(ctx context.Context, c *model.Contest, assets []model.ContestAsset) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO contests (id, title, track, entry_fee, virtual_capital, max_participants,
			                       open_time, allocation_deadline, start_time, end_time, status, created_at)
			 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9, $10, $11, $12)`,
			c.ID, c.Title, c.Track, c.EntryFee.String(), c.VirtualCapital.String(), c.MaxParticipants,
			c.OpenTime, c.AllocationDeadline, c.StartTime, c.EndTime, c.Status.String(), c.CreatedAt)
		if isUniqueViolation(err) {
			return ErrContestExists
		}
		if err != nil {
			return err
		}

		batch := &pgx.Batch{}
		for _, a := range assets {
			batch.Queue(`INSERT INTO contest_assets (contest_id, asset_id, symbol) VALUES ($1, $2, $3)`,
				c.ID, a.AssetID, a.Symbol)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStore) GetContest(ctx context.Context, id string) (*model.Contest, error) {
	c, err := scanContest(s.pool.QueryRow(ctx,
		`SELECT `+contestColumns+` FROM contests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrContestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contest %s: %w", id, err)
	}
	return c, nil
}

func (s *PostgresStore) ListContests(ctx context.Context, statuses ...model.ContestStatus) ([]model.Contest, error) {
	query := `SELECT ` + contestColumns + ` FROM contests`
	var args []any
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, st := range statuses {
			names[i] = st.String()
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, names)
	}
	query += ` ORDER BY start_time ASC`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contests []model.Contest
	for rows.Next() {
		c, err := scanContest(rows)
		if err != nil {
			return nil, err
		}
		contests = append(contests, *c)
	}
	return contests, rows.Err()
}

func (s *PostgresStore) ListContestAssets(ctx context.Context, contestID string) ([]model.ContestAsset, error) {
	if _, err := s.GetContest(ctx, contestID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT contest_id, asset_id, symbol FROM contest_assets WHERE contest_id = $1 ORDER BY symbol`,
		contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var assets []model.ContestAsset
	for rows.Next() {
		var a model.ContestAsset
		if err := rows.Scan(&a.ContestID, &a.AssetID, &a.Symbol); err != nil {
			return nil, err
		}
		assets = append(assets, a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) AdvanceContestStatus(ctx context.Context, contestID string, from, to model.ContestStatus) error {
	if !model.CanTransition(from, to) {
		return ErrIllegalTransition
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE contests SET status = $3 WHERE id = $1 AND status = $2`,
		contestID, from.String(), to.String())
	if err != nil {
		return fmt.Errorf("advance contest %s: %w", contestID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.statusMiss(ctx, s.pool, contestID)
	}
	return nil
}

// statusMiss explains a compare-and-set that touched no row.
func (s *PostgresStore) statusMiss(ctx context.Context, q querier, contestID string) error {
	var exists bool
	if err := q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM contests WHERE id = $1)`, contestID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrContestNotFound
	}
	return ErrStatusConflict
}

func (s *PostgresStore) JoinContest(ctx context.Context, p *model.Participant, fee *model.LedgerEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		// Row lock serializes joins per contest against the slot count and
		// against the scheduler closing the joining window.
		var status string
		var maxParticipants int
		err := tx.QueryRow(ctx,
			`SELECT status, max_participants FROM contests WHERE id = $1 FOR UPDATE`,
			p.ContestID).Scan(&status, &maxParticipants)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrContestNotFound
		}
		if err != nil {
			return err
		}
		if status != model.StatusJoiningOpen.String() {
			return ErrContestNotOpen
		}

		var joined bool
		var count int
		err = tx.QueryRow(ctx,
			`SELECT COALESCE(BOOL_OR(user_id = $2), false), COUNT(*)
			 FROM contest_participants WHERE contest_id = $1`,
			p.ContestID, p.UserID).Scan(&joined, &count)
		if err != nil {
			return err
		}
		if joined {
			return ErrAlreadyJoined
		}
		if maxParticipants > 0 && count >= maxParticipants {
			return ErrContestFull
		}

		if _, err := applyEntryTx(ctx, tx, fee); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO contest_participants (id, contest_id, user_id, joined_at)
			 VALUES ($1, $2, $3, $4)`,
			p.ID, p.ContestID, p.UserID, p.JoinedAt)
		if isUniqueViolation(err) {
			return ErrAlreadyJoined
		}
		return err
	})
}

func (s *PostgresStore) LockAllocation(ctx context.Context, contestID, userID string, allocs []model.Allocation, at time.Time) (*model.Participant, error) {
	var p *model.Participant
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT `+participantColumns("p")+`, c.status
			 FROM contest_participants p
			 JOIN contests c ON c.id = p.contest_id
			 WHERE p.contest_id = $1 AND p.user_id = $2
			 FOR UPDATE OF p FOR SHARE OF c`,
			contestID, userID)

		var status string
		var err error
		p, err = scanParticipant(row, &status)
		if errors.Is(err, pgx.ErrNoRows) {
			if _, err := getContestTx(ctx, tx, contestID); err != nil {
				return err
			}
			return ErrParticipantNotFound
		}
		if err != nil {
			return err
		}
		if p.Locked() {
			return ErrAlreadyLocked
		}
		st, err := model.ParseContestStatus(status)
		if err != nil {
			return err
		}
		if st.Started() {
			return ErrContestStarted
		}

		batch := &pgx.Batch{}
		for _, a := range allocs {
			batch.Queue(`INSERT INTO contest_allocations (participant_id, asset_id, allocation_pct)
			             VALUES ($1, $2, $3::NUMERIC)`, p.ID, a.AssetID, a.Percentage.String())
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert allocations: %w", err)
		}

		tag, err := tx.Exec(ctx,
			`UPDATE contest_participants SET locked_at = $2 WHERE id = $1 AND locked_at IS NULL`,
			p.ID, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrAlreadyLocked
		}
		lockedAt := at
		p.LockedAt = &lockedAt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func getContestTx(ctx context.Context, q querier, id string) (*model.Contest, error) {
	c, err := scanContest(q.QueryRow(ctx, `SELECT `+contestColumns+` FROM contests WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrContestNotFound
	}
	return c, err
}

func (s *PostgresStore) GetParticipant(ctx context.Context, contestID, userID string) (*model.Participant, error) {
	p, err := scanParticipant(s.pool.QueryRow(ctx,
		`SELECT `+participantColumns("p")+` FROM contest_participants p
		 WHERE p.contest_id = $1 AND p.user_id = $2`, contestID, userID), nil)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrParticipantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get participant: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, contestID string) ([]model.Participant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns("p")+` FROM contest_participants p
		 WHERE p.contest_id = $1 ORDER BY p.joined_at`, contestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var participants []model.Participant
	for rows.Next() {
		p, err := scanParticipant(rows, nil)
		if err != nil {
			return nil, err
		}
		participants = append(participants, *p)
	}
	return participants, rows.Err()
}

func (s *PostgresStore) GetAllocations(ctx context.Context, participantID string) ([]model.Allocation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT participant_id, asset_id, allocation_pct::TEXT
		 FROM contest_allocations WHERE participant_id = $1 ORDER BY asset_id`, participantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var allocs []model.Allocation
	for rows.Next() {
		var a model.Allocation
		var pct string
		if err := rows.Scan(&a.ParticipantID, &a.AssetID, &pct); err != nil {
			return nil, err
		}
		a.Percentage, _ = decimal.NewFromString(pct)
		allocs = append(allocs, a)
	}
	return allocs, rows.Err()
}

func (s *PostgresStore) ContestPool(ctx context.Context, contestID string) (decimal.Decimal, error) {
	var pool string
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(-SUM(amount), 0)::TEXT FROM wallet_transactions
		 WHERE reference_id = $1 AND kind = $2`,
		contestID, string(model.KindEntryFee)).Scan(&pool)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(pool)
}

func (s *PostgresStore) SettleContest(ctx context.Context, contestID string, results []model.Settlement) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		// The claim. Concurrent settlers block on the row lock and then see
		// zero rows; the claim and every payout commit or roll back together.
		tag, err := tx.Exec(ctx,
			`UPDATE contests SET status = $3 WHERE id = $1 AND status = $2`,
			contestID, model.StatusEnded.String(), model.StatusSettled.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return s.statusMiss(ctx, tx, contestID)
		}

		for _, r := range results {
			if r.PayoutEntry != nil {
				if _, err := applyEntryTx(ctx, tx, r.PayoutEntry); err != nil {
					return fmt.Errorf("credit payout to %s: %w", r.UserID, err)
				}
			}
			tag, err := tx.Exec(ctx,
				`UPDATE contest_participants
				 SET final_rank = $3, final_value = $4::NUMERIC, payout = $5::NUMERIC
				 WHERE id = $1 AND contest_id = $2 AND final_rank IS NULL`,
				r.ParticipantID, contestID, r.FinalRank, r.FinalValue.String(), r.Payout.String())
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return ErrParticipantNotFound
			}
		}
		return nil
	})
}

// --- Leaderboard ---

func (s *PostgresStore) ReplaceLeaderboard(ctx context.Context, contestID string, entries []model.LeaderboardEntry) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM contest_leaderboard WHERE contest_id = $1`, contestID); err != nil {
			return err
		}
		batch := &pgx.Batch{}
		for _, e := range entries {
			batch.Queue(`INSERT INTO contest_leaderboard (contest_id, user_id, rank, portfolio_value, computed_at)
			             VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
				contestID, e.UserID, e.Rank, e.PortfolioValue.String(), e.ComputedAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStore) GetLeaderboard(ctx context.Context, contestID string, limit int) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT contest_id, user_id, rank, portfolio_value::TEXT, computed_at
		 FROM contest_leaderboard WHERE contest_id = $1
		 ORDER BY rank ASC LIMIT $2`, contestID, limitArg(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		e, err := scanLeaderboardEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) GetLeaderboardEntry(ctx context.Context, contestID, userID string) (*model.LeaderboardEntry, error) {
	e, err := scanLeaderboardEntry(s.pool.QueryRow(ctx,
		`SELECT contest_id, user_id, rank, portfolio_value::TEXT, computed_at
		 FROM contest_leaderboard WHERE contest_id = $1 AND user_id = $2`, contestID, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotRanked
	}
	return e, err
}

// --- Prices ---

func (s *PostgresStore) UpsertCandle(ctx context.Context, assetID string, bucket time.Time, price, volume decimal.Decimal, observedAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO market_prices (asset_id, bucket, open, high, low, close, volume, open_at, close_at)
		 VALUES ($1, $2, $3::NUMERIC, $3::NUMERIC, $3::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5, $5)
		 ON CONFLICT (asset_id, bucket) DO UPDATE SET
		     high     = GREATEST(market_prices.high, EXCLUDED.high),
		     low      = LEAST(market_prices.low, EXCLUDED.low),
		     open     = CASE WHEN EXCLUDED.open_at < market_prices.open_at
		                     THEN EXCLUDED.open ELSE market_prices.open END,
		     open_at  = LEAST(market_prices.open_at, EXCLUDED.open_at),
		     close    = CASE WHEN EXCLUDED.close_at >= market_prices.close_at
		                     THEN EXCLUDED.close ELSE market_prices.close END,
		     close_at = GREATEST(market_prices.close_at, EXCLUDED.close_at),
		     volume   = market_prices.volume + EXCLUDED.volume`,
		assetID, bucket.UTC(), price.String(), volume.String(), observedAt)
	if err != nil {
		return fmt.Errorf("upsert candle %s@%s: %w", assetID, bucket.Format(time.RFC3339), err)
	}
	return nil
}

const candleColumns = `asset_id, bucket, open::TEXT, high::TEXT, low::TEXT, close::TEXT, volume::TEXT, open_at, close_at`

func (s *PostgresStore) GetCandle(ctx context.Context, assetID string, bucket time.Time) (*model.Candle, error) {
	c, err := scanCandle(s.pool.QueryRow(ctx,
		`SELECT `+candleColumns+` FROM market_prices WHERE asset_id = $1 AND bucket = $2`,
		assetID, bucket.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCandleNotFound
	}
	return c, err
}

func (s *PostgresStore) PriceAt(ctx context.Context, assetID string, at time.Time) (decimal.Decimal, error) {
	var closeS string
	err := s.pool.QueryRow(ctx,
		`SELECT close::TEXT FROM market_prices
		 WHERE asset_id = $1 AND bucket <= $2
		 ORDER BY bucket DESC LIMIT 1`, assetID, at).Scan(&closeS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, ErrNoPrice
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("price of %s at %s: %w", assetID, at.Format(time.RFC3339), err)
	}
	return decimal.NewFromString(closeS)
}

func (s *PostgresStore) ListCandles(ctx context.Context, assetID string, from, to time.Time) ([]model.Candle, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+candleColumns+` FROM market_prices
		 WHERE asset_id = $1 AND bucket BETWEEN $2 AND $3
		 ORDER BY bucket ASC`, assetID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		c, err := scanCandle(rows)
		if err != nil {
			return nil, err
		}
		candles = append(candles, *c)
	}
	return candles, rows.Err()
}

func (s *PostgresStore) ListInstrumentMappings(ctx context.Context) (map[string]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT instrument_id, asset_id FROM instrument_mappings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var instrument, asset string
		if err := rows.Scan(&instrument, &asset); err != nil {
			return nil, err
		}
		out[instrument] = asset
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutInstrumentMapping(ctx context.Context, instrumentID, assetID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO instrument_mappings (instrument_id, asset_id) VALUES ($1, $2)
		 ON CONFLICT (instrument_id) DO UPDATE SET asset_id = EXCLUDED.asset_id`,
		instrumentID, assetID)
	return err
}

// --- Replay sessions ---

func (s *PostgresStore) CreateReplaySession(ctx context.Context, r *model.ReplaySession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO replay_sessions (id, user_id, asset_id, start_time, end_time, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		r.ID, r.UserID, r.AssetID, r.From, r.To, r.CreatedAt)
	return err
}

func (s *PostgresStore) GetReplaySession(ctx context.Context, id string) (*model.ReplaySession, error) {
	var r model.ReplaySession
	err := s.pool.QueryRow(ctx,
		`SELECT id, user_id, asset_id, start_time, end_time, created_at
		 FROM replay_sessions WHERE id = $1`, id).
		Scan(&r.ID, &r.UserID, &r.AssetID, &r.From, &r.To, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrReplayNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// --- Scan helpers ---

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanContest(row rowScanner) (*model.Contest, error) {
	var c model.Contest
	var fee, capital, status string
	if err := row.Scan(&c.ID, &c.Title, &c.Track, &fee, &capital, &c.MaxParticipants,
		&c.OpenTime, &c.AllocationDeadline, &c.StartTime, &c.EndTime, &status, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.EntryFee, _ = decimal.NewFromString(fee)
	c.VirtualCapital, _ = decimal.NewFromString(capital)
	st, err := model.ParseContestStatus(status)
	if err != nil {
		return nil, err
	}
	c.Status = st
	return &c, nil
}

func participantColumns(alias string) string {
	cols := []string{"id", "contest_id", "user_id", "joined_at", "locked_at", "final_rank",
		"final_value::TEXT", "payout::TEXT"}
	for i, col := range cols {
		cols[i] = alias + "." + col
	}
	return strings.Join(cols, ", ")
}

// scanParticipant reads participantColumns, plus one trailing status column
// when status is non-nil.
func scanParticipant(row rowScanner, status *string) (*model.Participant, error) {
	var p model.Participant
	var finalRank *int32
	var finalValue, payout *string
	dest := []any{&p.ID, &p.ContestID, &p.UserID, &p.JoinedAt, &p.LockedAt, &finalRank, &finalValue, &payout}
	if status != nil {
		dest = append(dest, status)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	if finalRank != nil {
		r := int(*finalRank)
		p.FinalRank = &r
	}
	if finalValue != nil {
		v, _ := decimal.NewFromString(*finalValue)
		p.FinalValue = &v
	}
	if payout != nil {
		v, _ := decimal.NewFromString(*payout)
		p.Payout = &v
	}
	return &p, nil
}

func scanLeaderboardEntry(row rowScanner) (*model.LeaderboardEntry, error) {
	var e model.LeaderboardEntry
	var value string
	if err := row.Scan(&e.ContestID, &e.UserID, &e.Rank, &value, &e.ComputedAt); err != nil {
		return nil, err
	}
	e.PortfolioValue, _ = decimal.NewFromString(value)
	return &e, nil
}

func scanCandle(row rowScanner) (*model.Candle, error) {
	var c model.Candle
	var o, h, l, cl, v string
	if err := row.Scan(&c.AssetID, &c.Bucket, &o, &h, &l, &cl, &v, &c.OpenAt, &c.CloseAt); err != nil {
		return nil, err
	}
	c.Open, _ = decimal.NewFromString(o)
	c.High, _ = decimal.NewFromString(h)
	c.Low, _ = decimal.NewFromString(l)
	c.Close, _ = decimal.NewFromString(cl)
	c.Volume, _ = decimal.NewFromString(v)
	return &c, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// limitArg turns a non-positive limit into SQL NULL, which LIMIT treats as
// "no limit".
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
