/**
 * @description
 * This file contains the HTTP handlers for the bridge-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the
 * appropriate methods on the application service, and writing the HTTP
 * response. They act as the bridge between the web layer and the saga
 * orchestration logic.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chainbridge/bridge-service/internal/app"
	"github.com/chainbridge/bridge-service/internal/chains"
	"github.com/chainbridge/bridge-service/internal/domain"
	"github.com/chainbridge/bridge-service/internal/rates"
	"github.com/chainbridge/bridge-service/internal/store"
)

// BridgeHandlers holds the application service that handlers will use.
type BridgeHandlers struct {
	service *app.Service
}

// NewBridgeHandlers creates a new instance of BridgeHandlers.
func NewBridgeHandlers(service *app.Service) *BridgeHandlers {
	return &BridgeHandlers{service: service}
}

// swapSubmissionRequest is the wire format for POST /swaps. The signing key
// travels only in the request body; it is never echoed back or persisted.
type swapSubmissionRequest struct {
	SourceChain      string  `json:"source_chain"`
	DestChain        string  `json:"dest_chain"`
	SourceAddress    string  `json:"source_address"`
	SourcePrivateKey string  `json:"source_private_key"`
	DestAddress      string  `json:"dest_address"`
	Amount           float64 `json:"amount"`
	IdempotencyKey   string  `json:"idempotency_key"`
}

// swapAcceptedResponse is returned once a swap has been durably recorded.
type swapAcceptedResponse struct {
	SwapID  string `json:"swap_id"`
	State   string `json:"state"`
	Outcome string `json:"outcome"`
	Message string `json:"message"`
}

// SubmitSwapHandler accepts a new swap and starts its saga.
func (h *BridgeHandlers) SubmitSwapHandler(w http.ResponseWriter, r *http.Request) {
	callerID, ok := GetCallerID(r.Context())
	if !ok {
		http.Error(w, "Could not get caller ID from context", http.StatusInternalServerError)
		return
	}

	var req swapSubmissionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=submit_swap outcome=reject reason=invalid_json err=%v", err)
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}

	record, err := h.service.SubmitSwap(r.Context(), domain.SwapRequest{
		SourceChain:    req.SourceChain,
		DestChain:      req.DestChain,
		SourceAddress:  req.SourceAddress,
		SourceKeyRef:   req.SourcePrivateKey,
		DestAddress:    req.DestAddress,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		RequestedAt:    time.Now().UTC(),
	})
	if err != nil {
		var verr *app.ValidationError
		switch {
		case errors.As(err, &verr):
			log.Printf("level=warn component=api endpoint=submit_swap outcome=reject reason=validation caller=%s err=%v", callerID, err)
			h.writeError(w, http.StatusBadRequest, verr.Error())
		case errors.Is(err, app.ErrRateLimited):
			h.writeError(w, http.StatusTooManyRequests, err.Error())
		default:
			log.Printf("level=error component=api endpoint=submit_swap outcome=error caller=%s err=%v", callerID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to accept swap")
		}
		return
	}

	log.Printf("level=info component=api endpoint=submit_swap outcome=accepted caller=%s swap_id=%s pair=%s/%s amount=%f",
		callerID, record.ID, record.SourceChain, record.DestChain, record.SourceAmount)

	h.writeJSON(w, http.StatusAccepted, swapAcceptedResponse{
		SwapID:  record.ID.String(),
		State:   string(record.State),
		Outcome: string(domain.OutcomeForState(record.State)),
		Message: "Swap accepted for processing",
	})
}

// GetSwapHandler returns the current status of a swap.
func (h *BridgeHandlers) GetSwapHandler(w http.ResponseWriter, r *http.Request) {
	swapID, err := uuid.Parse(chi.URLParam(r, "swapID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid swap ID format")
		return
	}

	status, err := h.service.GetSwapStatus(r.Context(), swapID)
	if err != nil {
		if errors.Is(err, store.ErrSwapNotFound) {
			h.writeError(w, http.StatusNotFound, "Swap not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_swap outcome=error swap_id=%s err=%v", swapID, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load swap")
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// CancelSwapHandler cancels a swap that has not yet crossed the commit point.
func (h *BridgeHandlers) CancelSwapHandler(w http.ResponseWriter, r *http.Request) {
	swapID, err := uuid.Parse(chi.URLParam(r, "swapID"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid swap ID format")
		return
	}

	record, err := h.service.CancelSwap(r.Context(), swapID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrSwapNotFound):
			h.writeError(w, http.StatusNotFound, "Swap not found")
		case errors.Is(err, app.ErrNotCancellable):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			log.Printf("level=error component=api endpoint=cancel_swap outcome=error swap_id=%s err=%v", swapID, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to cancel swap")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, swapAcceptedResponse{
		SwapID:  record.ID.String(),
		State:   string(record.State),
		Outcome: string(domain.OutcomeForState(record.State)),
		Message: "Swap cancelled",
	})
}

type rateResponse struct {
	SourceChain string  `json:"source_chain"`
	DestChain   string  `json:"dest_chain"`
	Rate        float64 `json:"rate"`
	ObservedAt  string  `json:"observed_at"`
	Provider    string  `json:"provider"`
}

// GetRateHandler returns the current conversion rate for a chain pair without
// creating a swap.
func (h *BridgeHandlers) GetRateHandler(w http.ResponseWriter, r *http.Request) {
	sourceChain := r.URL.Query().Get("from")
	destChain := r.URL.Query().Get("to")
	if sourceChain == "" || destChain == "" {
		h.writeError(w, http.StatusBadRequest, "Query parameters 'from' and 'to' are required")
		return
	}

	quote, err := h.service.GetExchangeRate(r.Context(), sourceChain, destChain)
	if err != nil {
		switch {
		case errors.Is(err, chains.ErrUnknownChain):
			h.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, rates.ErrRateUnavailable):
			h.writeError(w, http.StatusServiceUnavailable, "Exchange rate currently unavailable")
		default:
			log.Printf("level=error component=api endpoint=get_rate outcome=error pair=%s/%s err=%v", sourceChain, destChain, err)
			h.writeError(w, http.StatusInternalServerError, "Unable to fetch rate")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, rateResponse{
		SourceChain: sourceChain,
		DestChain:   destChain,
		Rate:        quote.Rate,
		ObservedAt:  quote.ObservedAt.UTC().Format(time.RFC3339),
		Provider:    quote.Provider,
	})
}

// ListChainsHandler returns the chain ids this deployment supports.
func (h *BridgeHandlers) ListChainsHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string][]string{"chains": h.service.SupportedChains()})
}

// writeJSON is a helper for writing JSON responses.
func (h *BridgeHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *BridgeHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
