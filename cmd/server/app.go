package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/stonkschool/contest-engine/internal/config"
	"github.com/stonkschool/contest-engine/internal/contest"
	"github.com/stonkschool/contest-engine/internal/identity"
	"github.com/stonkschool/contest-engine/internal/leaderboard"
	"github.com/stonkschool/contest-engine/internal/marketdata"
	"github.com/stonkschool/contest-engine/internal/metrics"
	"github.com/stonkschool/contest-engine/internal/replay"
	"github.com/stonkschool/contest-engine/internal/settlement"
	"github.com/stonkschool/contest-engine/internal/store"
	"github.com/stonkschool/contest-engine/internal/valuation"
	"github.com/stonkschool/contest-engine/internal/wallet"
)

// openStore connects the configured backends. Postgres is the source of
// truth, optionally fronted by a Redis read-through cache; without a
// database URL everything lives in memory.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	if cfg.Storage.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), closeAll, nil
	}

	pool, err := pgxpool.New(ctx, cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)

	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.Storage.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.Storage.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.Storage.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.Storage.CacheTTL)
	}
	return st, closeAll, nil
}

// services is the wired engine.
type services struct {
	ledger   *wallet.Ledger
	contests *contest.Service
	hub      *leaderboard.Hub
	board    *leaderboard.Service
	settle   *settlement.Service
	agg      *marketdata.Aggregator
	history  *marketdata.History
	replays  *replay.Service
}

func newServices(ctx context.Context, st store.Store, cfg *config.Config) (*services, error) {
	grant, err := cfg.Grant()
	if err != nil {
		return nil, err
	}
	curve, err := cfg.Curve()
	if err != nil {
		return nil, err
	}

	s := &services{
		ledger:  wallet.NewLedger(st, grant, cfg.Wallet.Currency),
		hub:     leaderboard.NewHub(),
		agg:     marketdata.NewAggregator(st, cfg.MarketData.BucketWidth),
		history: marketdata.NewHistory(st),
		replays: replay.NewService(st, cfg.Replay.Pacing),
	}
	s.contests = contest.NewService(st, s.ledger)
	s.board = leaderboard.NewService(st, valuation.NewEngine(st, st), s.hub)
	s.settle = settlement.NewService(st, s.board, s.ledger, curve)

	s.contests.OnEnded(func(ctx context.Context, contestID string) {
		if _, err := s.settle.Settle(ctx, contestID); err != nil {
			slog.Error("settlement failed, will retry", "contest", contestID, "err", err)
		}
	})

	for instrument, asset := range cfg.MarketData.Instruments {
		if err := s.agg.Map(ctx, instrument, asset); err != nil {
			return nil, fmt.Errorf("map instrument %s: %w", instrument, err)
		}
	}
	if err := s.agg.LoadMappings(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// cors allows browser clients to send the identity header cross-origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+identity.Header)
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newRouter(s *services) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"contest-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())

	// Long-lived streams stay outside the request timeout.
	r.Get("/ws/contests/{contestID}", s.board.HandleWS)
	r.Get("/ws/replay/{replayID}", s.replays.HandleWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		// Contest catalog.
		r.Get("/contests", s.contests.ListContests)
		r.Post("/contests", s.contests.CreateContest)
		r.Get("/contests/{contestID}", s.contests.GetContest)
		r.Get("/contests/{contestID}/leaderboard", s.board.GetLeaderboard)

		// Market data.
		r.Get("/market-data/{assetID}", s.history.GetCandles)

		r.Group(func(r chi.Router) {
			r.Use(identity.Require)

			r.Post("/contests/{contestID}/join", s.contests.JoinContest)
			r.Post("/contests/{contestID}/allocate", s.contests.Allocate)
			r.Get("/contests/{contestID}/status", s.contests.GetStatus)
			r.Get("/contests/{contestID}/results", s.contests.GetResults)

			r.Get("/wallet", s.ledger.GetWallet)
			r.Post("/wallet", s.ledger.ProvisionWallet)
			r.Get("/wallet/transactions", s.ledger.ListTransactions)

			r.Post("/replay", s.replays.CreateSession)
		})
	})
	return r
}
