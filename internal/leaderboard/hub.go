package leaderboard

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/stonkschool/contest-engine/internal/api"
	"github.com/stonkschool/contest-engine/internal/metrics"
	"github.com/stonkschool/contest-engine/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Row is the wire form of one leaderboard entry.
type Row struct {
	Rank  int    `json:"rank"`
	User  string `json:"user"`
	Value string `json:"value"`
}

func rows(entries []model.LeaderboardEntry) []Row {
	out := make([]Row, len(entries))
	for i, e := range entries {
		out[i] = Row{Rank: e.Rank, User: e.UserID, Value: e.PortfolioValue.String()}
	}
	return out
}

// subscriber is one WebSocket client of one contest. send holds at most
// one pending snapshot; a newer snapshot replaces an undelivered one.
type subscriber struct {
	contestID string
	conn      *websocket.Conn
	send      chan []byte
}

type publication struct {
	contestID string
	data      []byte
}

// Hub manages WebSocket subscribers per contest and pushes every new
// leaderboard snapshot to them. Delivery is best-effort: a slow client
// skips intermediate snapshots rather than blocking the recompute loop.
type Hub struct {
	subs       map[string]map[*subscriber]bool
	publish    chan publication
	register   chan *subscriber
	unregister chan *subscriber
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new leaderboard hub.
func NewHub() *Hub {
	return &Hub{
		subs:       make(map[string]map[*subscriber]bool),
		publish:    make(chan publication, 256),
		register:   make(chan *subscriber),
		unregister: make(chan *subscriber),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop and returns when ctx is cancelled,
// closing every connection.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, set := range h.subs {
				for sub := range set {
					close(sub.send)
				}
			}
			h.subs = make(map[string]map[*subscriber]bool)
			h.mu.Unlock()
			metrics.WebSocketClients.WithLabelValues("leaderboard").Set(0)
			return ctx.Err()

		case sub := <-h.register:
			h.mu.Lock()
			set, ok := h.subs[sub.contestID]
			if !ok {
				set = make(map[*subscriber]bool)
				h.subs[sub.contestID] = set
			}
			set[sub] = true
			h.mu.Unlock()
			metrics.WebSocketClients.WithLabelValues("leaderboard").Inc()
			slog.Info("ws client connected", "contest", sub.contestID, "total", len(set))

		case sub := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.subs[sub.contestID]; ok && set[sub] {
				delete(set, sub)
				if len(set) == 0 {
					delete(h.subs, sub.contestID)
				}
				close(sub.send)
				metrics.WebSocketClients.WithLabelValues("leaderboard").Dec()
			}
			h.mu.Unlock()

		case p := <-h.publish:
			h.mu.RLock()
			for sub := range h.subs[p.contestID] {
				offer(sub.send, p.data)
			}
			h.mu.RUnlock()
		}
	}
}

// offer puts data into a one-slot channel, replacing any undelivered value.
func offer(ch chan []byte, data []byte) {
	for {
		select {
		case ch <- data:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// Publish queues a snapshot for the contest's subscribers.
func (h *Hub) Publish(contestID string, entries []model.LeaderboardEntry) {
	data, err := json.Marshal(rows(entries))
	if err != nil {
		return
	}
	select {
	case h.publish <- publication{contestID: contestID, data: data}:
	default:
		// Drop if buffer full to avoid blocking the recompute loop.
	}
}

// Subscribers returns the number of clients watching contestID.
func (h *Hub) Subscribers(contestID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[contestID])
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Origin policy is enforced by the gateway.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /ws/contests/{contestID}.
// The current snapshot is sent first, then every recompute.
func (s *Service) HandleWS(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		http.NotFound(w, r)
		return
	}
	contestID := chi.URLParam(r, "contestID")
	initial, err := s.Top(r.Context(), contestID, DefaultTopK)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	sub := &subscriber{contestID: contestID, conn: conn, send: make(chan []byte, 1)}
	if data, err := json.Marshal(rows(initial)); err == nil {
		sub.send <- data
	}
	select {
	case s.hub.register <- sub:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go s.hub.writePump(sub)
	go s.hub.readPump(sub)
}

// readPump keeps the connection alive and detects disconnects.
func (h *Hub) readPump(sub *subscriber) {
	defer func() {
		select {
		case h.unregister <- sub:
		case <-h.done:
		}
	}()
	sub.conn.SetReadDeadline(time.Now().Add(pongWait))
	sub.conn.SetPongHandler(func(string) error {
		sub.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the connection's only writer. It exits when send is closed
// or a write fails.
func (h *Hub) writePump(sub *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.conn.Close()
	}()

	for {
		select {
		case data, ok := <-sub.send:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sub.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			sub.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sub.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
