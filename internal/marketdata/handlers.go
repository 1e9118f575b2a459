package marketdata

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stonkschool/contest-engine/internal/api"
	"github.com/stonkschool/contest-engine/internal/apperr"
	"github.com/stonkschool/contest-engine/internal/store"
)

var (
	ErrBadFrom   = apperr.Validation("invalid 'from' timestamp format")
	ErrBadTo     = apperr.Validation("invalid 'to' timestamp format")
	ErrBadWindow = apperr.Validation("'from' must not be after 'to'")
	ErrNoCandles = apperr.NotFound("no price data in range")
)

// History serves stored candles.
type History struct {
	store store.PriceStore
}

// NewHistory creates a candle history reader.
func NewHistory(st store.PriceStore) *History {
	return &History{store: st}
}

// ParseWindow parses RFC 3339 from/to bounds.
func ParseWindow(from, to string) (time.Time, time.Time, error) {
	f, err := time.Parse(time.RFC3339Nano, from)
	if err != nil {
		return time.Time{}, time.Time{}, ErrBadFrom
	}
	t, err := time.Parse(time.RFC3339Nano, to)
	if err != nil {
		return time.Time{}, time.Time{}, ErrBadTo
	}
	if f.After(t) {
		return time.Time{}, time.Time{}, ErrBadWindow
	}
	return f.UTC(), t.UTC(), nil
}

// GetCandles handles GET /api/v1/market-data/{assetID}?from=...&to=...
func (h *History) GetCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, to, err := ParseWindow(q.Get("from"), q.Get("to"))
	if err != nil {
		api.WriteError(w, r, err)
		return
	}

	candles, err := h.store.ListCandles(r.Context(), chi.URLParam(r, "assetID"), from, to)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	if len(candles) == 0 {
		api.WriteError(w, r, ErrNoCandles)
		return
	}
	api.WriteJSON(w, http.StatusOK, candles)
}
