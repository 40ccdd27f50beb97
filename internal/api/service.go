// Package api provides the HTTP handlers of the relay: bid submission and
// status, and opportunity registration, listing and bidding.
//
// All wei amounts use shopspring/decimal, never float64.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/atmx/auction-relay/internal/apierr"
	"github.com/atmx/auction-relay/internal/auction"
	"github.com/atmx/auction-relay/internal/model"
	"github.com/atmx/auction-relay/internal/opportunity"
)

// Service serves the REST surface over the opportunity registry and the
// bid ledger.
type Service struct {
	opps     *opportunity.Registry
	ledger   *auction.Ledger
	validate *validator.Validate
}

// NewService creates the HTTP service.
func NewService(opps *opportunity.Registry, ledger *auction.Ledger) *Service {
	return &Service{
		opps:     opps,
		ledger:   ledger,
		validate: validator.New(),
	}
}

// Routes mounts the handlers on r. The caller chooses the prefix.
func (s *Service) Routes(r chi.Router) {
	r.Post("/bids", s.PostBid)
	r.Get("/bids/{bid_id}", s.GetBidStatus)
	r.Get("/opportunities", s.ListOpportunities)
	r.Post("/opportunities", s.PostOpportunity)
	r.Post("/opportunities/{opportunity_id}/bids", s.PostOpportunityBid)
}

// --- HTTP Handlers ---

// PostBid handles POST /v1/bids
// Admits a raw bid; the auction runs asynchronously.
func (s *Service) PostBid(w http.ResponseWriter, r *http.Request) {
	var bid model.Bid
	if err := json.NewDecoder(r.Body).Decode(&bid); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", apierr.ErrInvalidBid))
		return
	}
	if err := s.validate.Struct(bid); err != nil {
		writeError(w, fmt.Errorf("%w: %v", apierr.ErrInvalidBid, err))
		return
	}

	res, err := s.ledger.SubmitRawBid(r.Context(), bid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

// GetBidStatus handles GET /v1/bids/{bid_id}
func (s *Service) GetBidStatus(w http.ResponseWriter, r *http.Request) {
	bidID := chi.URLParam(r, "bid_id")

	st, err := s.ledger.GetStatus(r.Context(), bidID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, model.JSONStatus{BidStatus: st})
}

// ListOpportunities handles GET /v1/opportunities?chain_id=
func (s *Service) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	chainID := r.URL.Query().Get("chain_id")

	opps, err := s.opps.List(r.Context(), chainID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, opps)
}

// PostOpportunity handles POST /v1/opportunities
func (s *Service) PostOpportunity(w http.ResponseWriter, r *http.Request) {
	var params model.OpportunityParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", apierr.ErrInvalidOpportunity))
		return
	}
	if err := s.validate.Struct(params); err != nil {
		writeError(w, fmt.Errorf("%w: %v", apierr.ErrInvalidOpportunity, err))
		return
	}

	opp, err := s.opps.Submit(r.Context(), params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, opp)
}

// PostOpportunityBid handles POST /v1/opportunities/{opportunity_id}/bids
func (s *Service) PostOpportunityBid(w http.ResponseWriter, r *http.Request) {
	opportunityID := chi.URLParam(r, "opportunity_id")

	var bid model.OpportunityBid
	if err := json.NewDecoder(r.Body).Decode(&bid); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", apierr.ErrInvalidBid))
		return
	}
	if err := s.validate.Struct(bid); err != nil {
		writeError(w, fmt.Errorf("%w: %v", apierr.ErrInvalidBid, err))
		return
	}

	res, err := s.ledger.SubmitOpportunityBid(r.Context(), opportunityID, bid)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, res)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response with the status the error maps
// to. Internal errors are logged and not echoed.
func writeError(w http.ResponseWriter, err error) {
	status := apierr.Status(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		message = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
