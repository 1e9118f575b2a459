package leaderboard

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stonkschool/contest-engine/internal/api"
	"github.com/stonkschool/contest-engine/internal/apperr"
)

// GetLeaderboard handles GET /api/v1/contests/{contestID}/leaderboard
func (s *Service) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := DefaultTopK
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > DefaultTopK {
			api.WriteError(w, r, apperr.Validation("limit must be between 1 and 100"))
			return
		}
		limit = n
	}

	entries, err := s.Top(r.Context(), chi.URLParam(r, "contestID"), limit)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, rows(entries))
}
