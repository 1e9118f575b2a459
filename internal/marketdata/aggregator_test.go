package marketdata_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stonkschool/contest-engine/internal/marketdata"
	"github.com/stonkschool/contest-engine/internal/model"
	"github.com/stonkschool/contest-engine/internal/store"
)

var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func tick(instrument, price string, at time.Time) marketdata.Tick {
	vol := d("1")
	return marketdata.Tick{InstrumentID: instrument, Price: d(price), Volume: &vol, ObservedAt: at}
}

func newAggregator(t *testing.T) (*marketdata.Aggregator, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	agg := marketdata.NewAggregator(ms, time.Minute)
	require.NoError(t, agg.Map(context.Background(), "256265", "nifty"))
	return agg, ms
}

func candle(t *testing.T, ms *store.MemoryStore, asset string, bucket time.Time) *model.Candle {
	t.Helper()
	c, err := ms.GetCandle(context.Background(), asset, bucket)
	require.NoError(t, err)
	return c
}

func TestProcess_OutOfOrderTicksWithinBucket(t *testing.T) {
	agg, ms := newAggregator(t)
	ctx := context.Background()

	// Arrival order differs from observation order.
	for _, tk := range []marketdata.Tick{
		tick("256265", "100", t0.Add(20*time.Second)),
		tick("256265", "90", t0.Add(50*time.Second)),
		tick("256265", "92", t0.Add(10*time.Second)),
		tick("256265", "95", t0.Add(30*time.Second)),
	} {
		require.NoError(t, agg.Process(ctx, tk))
	}

	c := candle(t, ms, "nifty", t0)
	assert.True(t, c.Open.Equal(d("92")), "open %s", c.Open)
	assert.True(t, c.High.Equal(d("100")), "high %s", c.High)
	assert.True(t, c.Low.Equal(d("90")), "low %s", c.Low)
	assert.True(t, c.Close.Equal(d("90")), "close %s", c.Close)
	assert.True(t, c.Volume.Equal(d("4")), "volume %s", c.Volume)
}

func TestProcess_BucketsByWidth(t *testing.T) {
	ms := store.NewMemoryStore()
	agg := marketdata.NewAggregator(ms, 5*time.Minute)
	require.NoError(t, agg.Map(context.Background(), "i", "a"))

	assert.Equal(t, t0, agg.BucketOf(t0.Add(4*time.Minute+59*time.Second)))
	require.NoError(t, agg.Process(context.Background(), tick("i", "10", t0.Add(3*time.Minute))))
	require.NoError(t, agg.Process(context.Background(), tick("i", "11", t0.Add(6*time.Minute))))

	candles, err := ms.ListCandles(context.Background(), "a", t0, t0.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, candles, 2)
	assert.Equal(t, t0, candles[0].Bucket)
	assert.Equal(t, t0.Add(5*time.Minute), candles[1].Bucket)
}

func TestProcess_Rejections(t *testing.T) {
	agg, ms := newAggregator(t)
	ctx := context.Background()

	err := agg.Process(ctx, tick("unknown", "100", t0))
	assert.ErrorIs(t, err, marketdata.ErrUnmapped)

	err = agg.Process(ctx, tick("256265", "0", t0))
	assert.ErrorIs(t, err, marketdata.ErrInvalidTick)

	// A feed message without observed_at decodes to the zero time.
	var undated marketdata.Tick
	require.NoError(t, json.Unmarshal([]byte(`{"instrument_id":"256265","price":"101"}`), &undated))
	err = agg.Process(ctx, undated)
	assert.ErrorIs(t, err, marketdata.ErrInvalidTick)
	_, err = ms.GetCandle(ctx, "nifty", time.Time{})
	assert.ErrorIs(t, err, store.ErrCandleNotFound)

	_, err = ms.GetCandle(ctx, "nifty", t0)
	assert.ErrorIs(t, err, store.ErrCandleNotFound)
}

func TestProcess_LateTicksOutsideGrace(t *testing.T) {
	agg, ms := newAggregator(t)
	ctx := context.Background()

	require.NoError(t, agg.Process(ctx, tick("256265", "100", t0.Add(5*time.Minute+30*time.Second))))
	// One bucket behind the newest tick is still accepted.
	require.NoError(t, agg.Process(ctx, tick("256265", "99", t0.Add(4*time.Minute+10*time.Second))))
	err := agg.Process(ctx, tick("256265", "98", t0.Add(3*time.Minute+59*time.Second)))
	assert.ErrorIs(t, err, marketdata.ErrLateTick)

	_, err = ms.GetCandle(ctx, "nifty", t0.Add(3*time.Minute))
	assert.ErrorIs(t, err, store.ErrCandleNotFound)
	assert.True(t, candle(t, ms, "nifty", t0.Add(4*time.Minute)).Close.Equal(d("99")))
}

func TestLoadMappings(t *testing.T) {
	ms := store.NewMemoryStore()
	require.NoError(t, ms.PutInstrumentMapping(context.Background(), "738561", "reliance"))
	agg := marketdata.NewAggregator(ms, 0)

	assert.ErrorIs(t, agg.Process(context.Background(), tick("738561", "2500", t0)), marketdata.ErrUnmapped)
	require.NoError(t, agg.LoadMappings(context.Background()))
	require.NoError(t, agg.Process(context.Background(), tick("738561", "2500", t0)))
}

const csvTicks = `instrument_id,price,volume,observed_at
256265,100.5,10,2026-06-01T10:00:05Z
999999,1,1,2026-06-01T10:00:06Z
256265,101,,2026-06-01T10:00:40Z
256265,99.75,3,2026-06-01T10:01:02Z
`

func TestRun_CSVSource(t *testing.T) {
	agg, ms := newAggregator(t)

	err := agg.Run(context.Background(), marketdata.NewCSVSource(strings.NewReader(csvTicks)))
	assert.ErrorIs(t, err, marketdata.ErrStreamClosed)

	first := candle(t, ms, "nifty", t0)
	assert.True(t, first.Open.Equal(d("100.5")))
	assert.True(t, first.Close.Equal(d("101")))
	assert.True(t, first.Volume.Equal(d("10")))
	assert.True(t, candle(t, ms, "nifty", t0.Add(time.Minute)).Close.Equal(d("99.75")))
}

func TestRun_CSVSkipsMalformedRows(t *testing.T) {
	agg, ms := newAggregator(t)
	src := marketdata.NewCSVSource(strings.NewReader(
		"256265,100,1,2026-06-01T10:00:05Z\n" +
			"256265,abc,1,2026-06-01T10:00:06Z\n" +
			"256265,105,1,yesterday\n" +
			"256265,120,1,2026-06-01T10:00:07Z\n"))

	err := agg.Run(context.Background(), src)
	assert.ErrorIs(t, err, marketdata.ErrStreamClosed)
	assert.Equal(t, 2, src.Skipped())

	c := candle(t, ms, "nifty", t0)
	assert.True(t, c.High.Equal(d("120")), "high %s", c.High)
	assert.True(t, c.Close.Equal(d("120")), "close %s", c.Close)
	assert.True(t, c.Volume.Equal(d("2")), "volume %s", c.Volume)
}

func TestRun_CSVReaderFailureEndsStream(t *testing.T) {
	agg, ms := newAggregator(t)
	readErr := errors.New("disk gone")
	src := marketdata.NewCSVSource(io.MultiReader(
		strings.NewReader("256265,100,1,2026-06-01T10:00:05Z\n"),
		iotest.ErrReader(readErr)))

	err := agg.Run(context.Background(), src)
	require.ErrorIs(t, err, readErr)
	assert.False(t, errors.Is(err, marketdata.ErrStreamClosed))
	assert.True(t, candle(t, ms, "nifty", t0).Close.Equal(d("100")))
}

// feedServer streams msgs over a WebSocket and then closes normally.
func feedServer(t *testing.T, msgs ...string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range msgs {
			conn.WriteMessage(websocket.TextMessage, []byte(m))
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.ReadMessage() // wait for the client's close reply
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestRun_WSSource(t *testing.T) {
	agg, ms := newAggregator(t)
	srv := feedServer(t,
		`{"instrument_id":"256265","price":"100","observed_at":"2026-06-01T10:00:10Z"}`,
		`not json`,
		`{"instrument_id":"256265","price":104.25,"volume":"2","observed_at":"2026-06-01T10:00:20Z"}`,
	)

	src, err := marketdata.DialWSSource(context.Background(), wsURL(srv))
	require.NoError(t, err)
	defer src.Close()

	err = agg.Run(context.Background(), src)
	assert.ErrorIs(t, err, marketdata.ErrStreamClosed)

	c := candle(t, ms, "nifty", t0)
	assert.True(t, c.Open.Equal(d("100")))
	assert.True(t, c.Close.Equal(d("104.25")))
	assert.True(t, c.Volume.Equal(d("2")))
}

func TestRunFeed_RestartsEndedStreams(t *testing.T) {
	agg, ms := newAggregator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opens := 0
	open := func(context.Context) (marketdata.Source, error) {
		opens++
		if opens == 3 {
			cancel()
			return nil, context.Canceled
		}
		return marketdata.NewCSVSource(strings.NewReader(csvTicks)), nil
	}

	err := agg.RunFeed(ctx, open, time.Millisecond)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, opens)
	assert.True(t, candle(t, ms, "nifty", t0).Volume.Equal(d("20")))
}

func TestGetCandles(t *testing.T) {
	agg, ms := newAggregator(t)
	ctx := context.Background()
	require.NoError(t, agg.Process(ctx, tick("256265", "100", t0.Add(time.Minute))))
	require.NoError(t, agg.Process(ctx, tick("256265", "101", t0)))

	r := chi.NewRouter()
	r.Get("/api/v1/market-data/{assetID}", marketdata.NewHistory(ms).GetCandles)

	tests := []struct {
		name  string
		query string
		want  int
	}{
		{"ok", "from=2026-06-01T09:00:00Z&to=2026-06-01T11:00:00Z", http.StatusOK},
		{"bad from", "from=yesterday&to=2026-06-01T11:00:00Z", http.StatusBadRequest},
		{"missing to", "from=2026-06-01T09:00:00Z", http.StatusBadRequest},
		{"inverted", "from=2026-06-01T11:00:00Z&to=2026-06-01T09:00:00Z", http.StatusBadRequest},
		{"empty range", "from=2026-06-02T09:00:00Z&to=2026-06-02T11:00:00Z", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/market-data/nifty?"+tt.query, nil))
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet,
		"/api/v1/market-data/nifty?from=2026-06-01T09:00:00Z&to=2026-06-01T11:00:00Z", nil))
	var got []model.Candle
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	require.Len(t, got, 2)
	assert.Equal(t, t0, got[0].Bucket.UTC())
	assert.True(t, got[1].Close.Equal(d("100")))
}
