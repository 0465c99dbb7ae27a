package trade

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fantalega/trade-engine/internal/auth"
	"github.com/fantalega/trade-engine/internal/model"
	"github.com/fantalega/trade-engine/internal/settlement"
	"github.com/fantalega/trade-engine/internal/validator"
)

// RegisterRoutes mounts the trade API on r. Callers must be authenticated
// by auth.Verifier.Middleware upstream.
func (s *Service) RegisterRoutes(r chi.Router) {
	// Trade lifecycle.
	r.Post("/trades", s.HandlePropose)
	r.Get("/trades/history", s.HandleGlobalHistory)
	r.Get("/trades/{tradeID}", s.HandleGetTrade)
	r.Post("/trades/{tradeID}/accept", s.HandleAccept)
	r.Post("/trades/{tradeID}/reject", s.HandleReject)
	r.Post("/trades/{tradeID}/cancel", s.HandleCancel)

	// Participant views.
	r.Get("/participants/{participantID}/trades/received", s.HandlePendingReceived)
	r.Get("/participants/{participantID}/trades/sent", s.HandlePendingSent)
	r.Get("/participants/{participantID}/trades/history", s.HandleHistory)
	r.Get("/participants/{participantID}/squad", s.HandleSquad)

	// Administration.
	r.Post("/admin/trades/{tradeID}/revert", s.HandleRevert)
	r.Get("/admin/settlements", s.HandleListSettlements)
	r.Get("/admin/settlements/{settlementID}", s.HandleGetSettlement)
	r.Post("/admin/settlements/{settlementID}/resume", s.HandleResume)
	r.Post("/admin/settlements/{settlementID}/compensate", s.HandleCompensate)
}

// HandlePropose handles POST /api/v1/trades
func (s *Service) HandlePropose(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	var c model.Candidate
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if c.ProposerID == "" {
		c.ProposerID = caller.ParticipantID
	}

	p, err := s.ProposeTrade(r.Context(), caller, c)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// HandleGetTrade handles GET /api/v1/trades/{tradeID}
func (s *Service) HandleGetTrade(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	p, err := s.GetTrade(r.Context(), caller, chi.URLParam(r, "tradeID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleAccept handles POST /api/v1/trades/{tradeID}/accept
func (s *Service) HandleAccept(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	res, err := s.AcceptTrade(r.Context(), caller, chi.URLParam(r, "tradeID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleReject handles POST /api/v1/trades/{tradeID}/reject
func (s *Service) HandleReject(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	p, err := s.RejectTrade(r.Context(), caller, chi.URLParam(r, "tradeID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleCancel handles POST /api/v1/trades/{tradeID}/cancel
func (s *Service) HandleCancel(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	p, err := s.CancelTrade(r.Context(), caller, chi.URLParam(r, "tradeID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// HandleRevert handles POST /api/v1/admin/trades/{tradeID}/revert
func (s *Service) HandleRevert(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	res, err := s.RevertSettledTrade(r.Context(), caller, chi.URLParam(r, "tradeID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandlePendingReceived handles GET /api/v1/participants/{participantID}/trades/received
func (s *Service) HandlePendingReceived(w http.ResponseWriter, r *http.Request) {
	s.handleList(w, r, s.ListPendingReceived, chi.URLParam(r, "participantID"))
}

// HandlePendingSent handles GET /api/v1/participants/{participantID}/trades/sent
func (s *Service) HandlePendingSent(w http.ResponseWriter, r *http.Request) {
	s.handleList(w, r, s.ListPendingSent, chi.URLParam(r, "participantID"))
}

// HandleHistory handles GET /api/v1/participants/{participantID}/trades/history
func (s *Service) HandleHistory(w http.ResponseWriter, r *http.Request) {
	s.handleList(w, r, s.ListSettledHistory, chi.URLParam(r, "participantID"))
}

// HandleGlobalHistory handles GET /api/v1/trades/history
func (s *Service) HandleGlobalHistory(w http.ResponseWriter, r *http.Request) {
	s.handleList(w, r, s.ListSettledHistory, "")
}

type listFunc func(ctx context.Context, participantID string) ([]model.Proposal, error)

func (s *Service) handleList(w http.ResponseWriter, r *http.Request, fn listFunc, participantID string) {
	if _, ok := identity(w, r); !ok {
		return
	}
	out, err := fn(r.Context(), participantID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleSquad handles GET /api/v1/participants/{participantID}/squad
func (s *Service) HandleSquad(w http.ResponseWriter, r *http.Request) {
	if _, ok := identity(w, r); !ok {
		return
	}
	sq, err := s.Squad(r.Context(), chi.URLParam(r, "participantID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sq)
}

// HandleListSettlements handles GET /api/v1/admin/settlements?stalled=10m&limit=50
func (s *Service) HandleListSettlements(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	var olderThan time.Duration
	if v := r.URL.Query().Get("stalled"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, "stalled must be a non-negative duration such as 10m", http.StatusBadRequest)
			return
		}
		olderThan = d
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	out, err := s.Settlements(r.Context(), caller, olderThan, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleGetSettlement handles GET /api/v1/admin/settlements/{settlementID}
func (s *Service) HandleGetSettlement(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	st, err := s.GetSettlement(r.Context(), caller, chi.URLParam(r, "settlementID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleResume handles POST /api/v1/admin/settlements/{settlementID}/resume
func (s *Service) HandleResume(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	st, err := s.ResumeSettlement(r.Context(), caller, chi.URLParam(r, "settlementID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// HandleCompensate handles POST /api/v1/admin/settlements/{settlementID}/compensate
func (s *Service) HandleCompensate(w http.ResponseWriter, r *http.Request) {
	caller, ok := identity(w, r)
	if !ok {
		return
	}
	st, err := s.CompensateSettlement(r.Context(), caller, chi.URLParam(r, "settlementID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, auth.ErrMissingToken.Error(), http.StatusUnauthorized)
	}
	return id, ok
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error        string                `json:"error"`
	Rule         validator.Rule        `json:"rule,omitempty"`
	Detail       string                `json:"detail,omitempty"`
	Imbalances   []validator.Imbalance `json:"imbalances,omitempty"`
	SettlementID string                `json:"settlement_id,omitempty"`
	Step         *model.SettlementStep `json:"step,omitempty"`
}

// writeServiceError maps service errors to HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	var (
		verr    *validator.Error
		partial *settlement.PartialSettlementError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:      "trade rejected: " + verr.Detail,
			Rule:       verr.Rule,
			Detail:     verr.Detail,
			Imbalances: verr.Imbalances,
		})
	case errors.As(err, &partial):
		step := partial.Step
		writeJSON(w, http.StatusInternalServerError, errorBody{
			Error:        "settlement stopped partway, an administrator must resume or compensate it",
			Detail:       partial.Error(),
			SettlementID: partial.SettlementID,
			Step:         &step,
		})
	case errors.Is(err, ErrNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrInvalidTransition):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, ErrForbidden):
		writeError(w, err.Error(), http.StatusForbidden)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorBody{Error: message})
}
