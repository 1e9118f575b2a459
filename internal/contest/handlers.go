package contest

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/stonkschool/contest-engine/internal/api"
	"github.com/stonkschool/contest-engine/internal/identity"
	"github.com/stonkschool/contest-engine/internal/model"
)

// --- Request/Response types ---

// CreateContestRequest is the JSON body for POST /contests.
type CreateContestRequest struct {
	Title              string               `json:"title"`
	Track              string               `json:"track"`
	EntryFee           decimal.Decimal      `json:"entry_fee"`
	VirtualCapital     decimal.Decimal      `json:"virtual_capital"`
	MaxParticipants    int                  `json:"max_participants"`
	OpenTime           *time.Time           `json:"open_time"`
	AllocationDeadline *time.Time           `json:"allocation_deadline"`
	StartTime          time.Time            `json:"start_time"`
	EndTime            time.Time            `json:"end_time"`
	Assets             []model.ContestAsset `json:"assets"`
}

// ContestDetails is the JSON body of GET /contests/{contestID}.
type ContestDetails struct {
	model.Contest
	Assets []model.ContestAsset `json:"assets"`
}

// ContestListItem is one row of GET /contests.
type ContestListItem struct {
	ID        string              `json:"id"`
	Title     string              `json:"title"`
	Track     string              `json:"track"`
	EntryFee  decimal.Decimal     `json:"entry_fee"`
	StartTime time.Time           `json:"start_time"`
	Status    model.ContestStatus `json:"status"`
}

// JoinResponse is the JSON body returned from POST /contests/{contestID}/join.
type JoinResponse struct {
	ParticipantID  string          `json:"participant_id"`
	VirtualCapital decimal.Decimal `json:"virtual_capital"`
}

// AllocateRequest is the JSON body for POST /contests/{contestID}/allocate.
type AllocateRequest struct {
	Allocations []model.Allocation `json:"allocations"`
}

// --- HTTP Handlers ---

// ListContests handles GET /api/v1/contests
func (s *Service) ListContests(w http.ResponseWriter, r *http.Request) {
	contests, err := s.List(r.Context())
	if err != nil {
		api.WriteError(w, r, err)
		return
	}

	out := make([]ContestListItem, 0, len(contests))
	for _, c := range contests {
		out = append(out, ContestListItem{
			ID:        c.ID,
			Title:     c.Title,
			Track:     c.Track,
			EntryFee:  c.EntryFee,
			StartTime: c.StartTime,
			Status:    c.Status,
		})
	}
	api.WriteJSON(w, http.StatusOK, out)
}

// GetContest handles GET /api/v1/contests/{contestID}
func (s *Service) GetContest(w http.ResponseWriter, r *http.Request) {
	c, assets, err := s.Get(r.Context(), chi.URLParam(r, "contestID"))
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, ContestDetails{Contest: *c, Assets: assets})
}

// CreateContest handles POST /api/v1/contests
func (s *Service) CreateContest(w http.ResponseWriter, r *http.Request) {
	var req CreateContestRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, r, err)
		return
	}

	params := CreateParams{
		Title:           req.Title,
		Track:           req.Track,
		EntryFee:        req.EntryFee,
		VirtualCapital:  req.VirtualCapital,
		MaxParticipants: req.MaxParticipants,
		StartTime:       req.StartTime,
		EndTime:         req.EndTime,
		Assets:          req.Assets,
	}
	if req.OpenTime != nil {
		params.OpenTime = *req.OpenTime
	}
	if req.AllocationDeadline != nil {
		params.AllocationDeadline = *req.AllocationDeadline
	}

	c, assets, err := s.Create(r.Context(), params)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, ContestDetails{Contest: *c, Assets: assets})
}

// JoinContest handles POST /api/v1/contests/{contestID}/join
func (s *Service) JoinContest(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.FromRequest(r)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}

	p, c, err := s.Join(r.Context(), chi.URLParam(r, "contestID"), userID)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, JoinResponse{ParticipantID: p.ID, VirtualCapital: c.VirtualCapital})
}

// Allocate handles POST /api/v1/contests/{contestID}/allocate
func (s *Service) Allocate(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.FromRequest(r)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	var req AllocateRequest
	if err := api.DecodeJSON(r, &req); err != nil {
		api.WriteError(w, r, err)
		return
	}

	if _, err := s.LockAllocation(r.Context(), chi.URLParam(r, "contestID"), userID, req.Allocations); err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]bool{"locked": true})
}

// GetStatus handles GET /api/v1/contests/{contestID}/status
func (s *Service) GetStatus(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.FromRequest(r)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}

	view, err := s.Status(r.Context(), chi.URLParam(r, "contestID"), userID)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, view)
}

// GetResults handles GET /api/v1/contests/{contestID}/results
func (s *Service) GetResults(w http.ResponseWriter, r *http.Request) {
	userID, err := identity.FromRequest(r)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}

	res, err := s.Results(r.Context(), chi.URLParam(r, "contestID"), userID)
	if err != nil {
		api.WriteError(w, r, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, res)
}
