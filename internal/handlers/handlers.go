// Package handlers exposes the auction core over HTTP.
package handlers

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/aaronwang/auction-core/internal/models"
	"github.com/aaronwang/auction-core/internal/reconcile"
	"github.com/aaronwang/auction-core/internal/service"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Handler contains HTTP request handlers
type Handler struct {
	bidding  *service.BiddingService
	auctions *service.AuctionService
	view     *reconcile.View
	auth     *Authenticator
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(bidding *service.BiddingService, auctions *service.AuctionService, view *reconcile.View, auth *Authenticator, logger *zap.Logger) *Handler {
	return &Handler{
		bidding:  bidding,
		auctions: auctions,
		view:     view,
		auth:     auth,
		logger:   logger.With(zap.String("component", "http")),
	}
}

// SetupRoutes configures all HTTP routes. stream serves the per-auction
// WebSocket; it may be nil.
func (h *Handler) SetupRoutes(stream http.Handler) *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/health", h.HealthCheck).Methods("GET")
	if stream != nil {
		router.Handle("/ws/auctions/{id}", stream)
	}

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/auctions", h.ListAuctions).Methods("GET")
	api.HandleFunc("/auctions", h.CreateAuction).Methods("POST")
	api.HandleFunc("/auctions/{id}", h.GetAuction).Methods("GET")
	api.HandleFunc("/auctions/{id}/bids", h.PlaceBid).Methods("POST")
	api.HandleFunc("/auctions/{id}/watch", h.Watch).Methods("POST")
	api.HandleFunc("/auctions/{id}/watch", h.Unwatch).Methods("DELETE")
	api.HandleFunc("/auctions/{id}/cancel", h.CancelAuction).Methods("POST")
	api.HandleFunc("/auctions/{id}/settlement", h.Settle).Methods("POST")
	api.HandleFunc("/auctions/{id}/payment", h.UpdatePayment).Methods("PUT")

	router.Use(h.loggingMiddleware)
	router.Use(corsMiddleware)
	router.Use(h.auth.Middleware)

	return router
}

// HealthCheck returns service health status
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "healthy",
		"service":  "auctiond",
		"auctions": h.view.Len(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

// ListAuctions returns the reconciled view ordered by start time
func (h *Handler) ListAuctions(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.view.Snapshot())
}

// GetAuction returns one auction, from the view when it has it
func (h *Handler) GetAuction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if a, ok := h.view.Get(id); ok {
		respondJSON(w, http.StatusOK, a)
		return
	}
	a, err := h.auctions.Get(r.Context(), id)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// CreateAuction lists a new auction for the caller
func (h *Handler) CreateAuction(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())

	var in service.CreateAuctionInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	a, err := h.auctions.Create(r.Context(), caller.UserID, in)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, a)
}

// PlaceBid handles bid placement requests
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	caller, _ := IdentityFrom(r.Context())

	var req models.BidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	bidder := models.Bidder{ID: caller.UserID, Name: caller.Name}
	receipt, err := h.bidding.PlaceBid(r.Context(), id, bidder, req.Amount)
	resp := service.Response(req.Amount, receipt, err)
	if err != nil {
		status := statusFor(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Bid failed", zap.String("auction_id", id), zap.Error(err))
		}
		respondJSON(w, status, resp)
		return
	}
	respondJSON(w, http.StatusCreated, resp)
}

// Watch adds the caller to the watch-list
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	if err := h.auctions.Watch(r.Context(), caller.UserID, mux.Vars(r)["id"]); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Unwatch removes the caller from the watch-list
func (h *Handler) Unwatch(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	if err := h.auctions.Unwatch(r.Context(), caller.UserID, mux.Vars(r)["id"]); err != nil {
		h.respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CancelAuction withdraws the caller's auction
func (h *Handler) CancelAuction(w http.ResponseWriter, r *http.Request) {
	caller, _ := IdentityFrom(r.Context())
	a, err := h.auctions.Cancel(r.Context(), caller.UserID, mux.Vars(r)["id"])
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

type settlementRequest struct {
	TransactionRef string              `json:"transaction_ref"`
	State          models.PaymentState `json:"state,omitempty"`
}

// Settle is called by the payment service once the winner has paid
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	if _, ok := IdentityFrom(r.Context()); !ok {
		h.respondErr(w, models.ErrUserNotAuthenticated)
		return
	}

	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	a, err := h.auctions.Settle(r.Context(), mux.Vars(r)["id"], req.TransactionRef)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// UpdatePayment records a payment-state change from the payment service
func (h *Handler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	if _, ok := IdentityFrom(r.Context()); !ok {
		h.respondErr(w, models.ErrUserNotAuthenticated)
		return
	}

	var req settlementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	a, err := h.auctions.UpdatePayment(r.Context(), mux.Vars(r)["id"], req.State, req.TransactionRef)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	respondJSON(w, http.StatusOK, a)
}

// statusFor maps the error taxonomy onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrUserNotAuthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrNotSeller):
		return http.StatusForbidden
	case errors.Is(err, models.ErrAuctionNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAuctionNotActive),
		errors.Is(err, models.ErrStaleWrite),
		errors.Is(err, models.ErrAuctionExists),
		errors.Is(err, models.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrInvalidBidAmount),
		errors.Is(err, models.ErrInvalidAuction):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (h *Handler) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		h.logger.Error("Request failed", zap.Error(err))
		respondError(w, status, "Internal error")
		return
	}
	respondError(w, status, err.Error())
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, map[string]string{
		"error": message,
	})
}

// statusRecorder captures the response code for the access log
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrade through the recorder
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// loggingMiddleware logs all HTTP requests
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		h.logger.Debug("Request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)))
	})
}

// corsMiddleware adds CORS headers (for development)
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
