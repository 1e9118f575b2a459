// Package replay streams stored candles for a historical window to a
// WebSocket client at a fixed pace.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/stonkschool/contest-engine/internal/api"
	"github.com/stonkschool/contest-engine/internal/apperr"
	"github.com/stonkschool/contest-engine/internal/identity"
	"github.com/stonkschool/contest-engine/internal/marketdata"
	"github.com/stonkschool/contest-engine/internal/metrics"
	"github.com/stonkschool/contest-engine/internal/model"
	"github.com/stonkschool/contest-engine/internal/store"
)

// DefaultPacing is one replayed price per second.
const DefaultPacing = time.Second

var ErrAssetRequired = apperr.Validation("asset_id is required")

type replayStore interface {
	store.ReplayStore
	ListCandles(ctx context.Context, assetID string, from, to time.Time) ([]model.Candle, error)
}

// Service creates replay sessions and streams them.
type Service struct {
	store  replayStore
	pacing time.Duration
	now    func() time.Time
}

// NewService creates a replay service emitting one price per pacing interval.
func NewService(st replayStore, pacing time.Duration) *Service {
	if pacing <= 0 {
		pacing = DefaultPacing
	}
	return &Service{
		store:  st,
		pacing: pacing,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create stores a replay session of assetID over [from, to].
func (s *Service) Create(ctx context.Context, userID, assetID string, from, to time.Time) (*model.ReplaySession, error) {
	assetID = strings.TrimSpace(assetID)
	if assetID == "" {
		return nil, ErrAssetRequired
	}
	if from.After(to) {
		return nil, marketdata.ErrBadWindow
	}
	rs := &model.ReplaySession{
		ID:        uuid.New().String(),
		UserID:    userID,
		AssetID:   assetID,
		From:      from.UTC(),
		To:        to.UTC(),
		CreatedAt: s.now(),
	}
	if err := s.store.CreateReplaySession(ctx, rs); err != nil {
		return nil, err
	}
	slog.Info("replay session created", "id", rs.ID, "user", userID, "asset", assetID, "from", rs.From, "to", rs.To)
	return rs, nil
}

// CreateRequest is the body of POST /api/v1/replay.
type CreateRequest struct {
	AssetID string `json:"asset_id"`
	From    string `json:"from"`
	To      string `json:"to"`
}

// CreateResponse tells the client where to stream the session.
type CreateResponse struct {
	ReplayID string `json:"replay_id"`
	WSURL    string `json:"ws_url"`
}

// StreamPath returns the WebSocket path of a session.
func StreamPath(id string) string {
	return fmt.Sprintf("/ws/replay/%s", id)
}

// CreateSession handles POST /api/v1/replay
func (s *Service) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, r, err)
		return
	}
	from, to, err := marketdata.ParseWindow(req.From, req.To)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}

	userID, _ := identity.UserID(r.Context())
	rs, err := s.Create(r.Context(), userID, req.AssetID, from, to)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, CreateResponse{ReplayID: rs.ID, WSURL: StreamPath(rs.ID)})
}

// Frame is one replayed price.
type Frame struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
}

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Origin policy is enforced by the gateway.
	},
}

// HandleWS handles GET /ws/replay/{replayID}. It sends one Frame per candle
// in the session window, oldest first, then a normal close frame. An unknown
// session gets an error message and a close frame.
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	metrics.WebSocketClients.WithLabelValues("replay").Inc()
	defer metrics.WebSocketClients.WithLabelValues("replay").Dec()

	// The client never sends data; reading only notices a disconnect.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	id := chi.URLParam(r, "replayID")
	if err := s.stream(ctx, conn, id); err != nil {
		if ctx.Err() == nil {
			slog.Warn("replay stream aborted", "id", id, "err", err)
		}
		return
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (s *Service) stream(ctx context.Context, conn *websocket.Conn, id string) error {
	rs, err := s.store.GetReplaySession(ctx, id)
	if err != nil {
		msg := "Replay not found"
		if apperr.KindOf(err) != apperr.KindNotFound {
			slog.Error("load replay session", "id", id, "err", err)
			msg = "Replay unavailable"
		}
		return writeJSON(conn, map[string]string{"error": msg})
	}

	candles, err := s.store.ListCandles(ctx, rs.AssetID, rs.From, rs.To)
	if err != nil {
		slog.Error("load replay candles", "id", id, "err", err)
		return writeJSON(conn, map[string]string{"error": "Replay unavailable"})
	}

	slog.Info("replay streaming", "id", id, "asset", rs.AssetID, "frames", len(candles), "pacing", s.pacing)
	limiter := rate.NewLimiter(rate.Every(s.pacing), 1)
	for _, c := range candles {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		if err := writeJSON(conn, Frame{Timestamp: c.Bucket, Price: c.Close}); err != nil {
			return err
		}
	}
	return nil
}

func writeJSON(conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
