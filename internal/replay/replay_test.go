package replay_test

import (
	"bytes"
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

	"github.com/stonkschool/contest-engine/internal/identity"
	"github.com/stonkschool/contest-engine/internal/marketdata"
	"github.com/stonkschool/contest-engine/internal/replay"
	"github.com/stonkschool/contest-engine/internal/store"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type env struct {
	ms  *store.MemoryStore
	svc *replay.Service
	srv *httptest.Server
}

func newEnv(t *testing.T) *env {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := replay.NewService(ms, time.Millisecond)

	r := chi.NewRouter()
	r.With(identity.Require).Post("/api/v1/replay", svc.CreateSession)
	r.Get("/ws/replay/{replayID}", svc.HandleWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	ctx := context.Background()
	for i, px := range []string{"100", "101.5", "99"} {
		at := t0.Add(time.Duration(i) * time.Minute)
		require.NoError(t, ms.UpsertCandle(ctx, "nifty", at, d(px), decimal.Zero, at))
	}
	// Outside the replay window below.
	require.NoError(t, ms.UpsertCandle(ctx, "nifty", t0.Add(time.Hour), d("500"), decimal.Zero, t0.Add(time.Hour)))
	return &env{ms: ms, svc: svc, srv: srv}
}

func (e *env) post(t *testing.T, user string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/api/v1/replay", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(identity.Header, user)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *env) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(e.srv.URL, "http")+path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func TestCreateSession(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name string
		user string
		body replay.CreateRequest
		want int
	}{
		{"ok", "alice", replay.CreateRequest{AssetID: "nifty", From: "2026-06-01T10:00:00Z", To: "2026-06-01T10:02:00Z"}, http.StatusOK},
		{"unauthenticated", "", replay.CreateRequest{AssetID: "nifty", From: "2026-06-01T10:00:00Z", To: "2026-06-01T10:02:00Z"}, http.StatusUnauthorized},
		{"bad timestamp", "alice", replay.CreateRequest{AssetID: "nifty", From: "10am", To: "2026-06-01T10:02:00Z"}, http.StatusBadRequest},
		{"inverted window", "alice", replay.CreateRequest{AssetID: "nifty", From: "2026-06-01T11:00:00Z", To: "2026-06-01T10:00:00Z"}, http.StatusBadRequest},
		{"no asset", "alice", replay.CreateRequest{From: "2026-06-01T10:00:00Z", To: "2026-06-01T10:02:00Z"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := e.post(t, tt.user, tt.body)
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestStream_EmitsWindowThenCloses(t *testing.T) {
	e := newEnv(t)
	resp := e.post(t, "alice", replay.CreateRequest{
		AssetID: "nifty", From: "2026-06-01T10:00:00Z", To: "2026-06-01T10:02:00Z",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var created replay.CreateResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, replay.StreamPath(created.ReplayID), created.WSURL)

	rs, err := e.ms.GetReplaySession(context.Background(), created.ReplayID)
	require.NoError(t, err)
	assert.Equal(t, "alice", rs.UserID)

	conn := e.dial(t, created.WSURL)
	var frames []replay.Frame
	for {
		var f replay.Frame
		if err := conn.ReadJSON(&f); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
		frames = append(frames, f)
	}

	require.Len(t, frames, 3)
	assert.Equal(t, t0, frames[0].Timestamp.UTC())
	assert.True(t, frames[1].Price.Equal(d("101.5")))
	assert.True(t, frames[2].Price.Equal(d("99")))
}

func TestStream_UnknownSession(t *testing.T) {
	e := newEnv(t)
	conn := e.dial(t, "/ws/replay/does-not-exist")

	var msg map[string]string
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "Replay not found", msg["error"])

	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestCreate_Validation(t *testing.T) {
	e := newEnv(t)
	_, err := e.svc.Create(context.Background(), "alice", "nifty", t0.Add(time.Hour), t0)
	assert.ErrorIs(t, err, marketdata.ErrBadWindow)
	_, err = e.svc.Create(context.Background(), "alice", "  ", t0, t0.Add(time.Hour))
	assert.ErrorIs(t, err, replay.ErrAssetRequired)
}
