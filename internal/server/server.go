// Package server exposes the operational HTTP surface: invoice creation and
// inspection plus push-transport health, for stores and operators.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lntools/paywatch/internal/domain"
	"github.com/lntools/paywatch/internal/monitor"
	"github.com/lntools/paywatch/internal/service"
)

// Server wires the HTTP handlers over the detector facade.
type Server struct {
	detector *service.Detector
	monitor  *monitor.Monitor
}

// New creates the ops server.
func New(detector *service.Detector, mon *monitor.Monitor) *Server {
	return &Server{detector: detector, monitor: mon}
}

// Router builds the chi router for the ops API.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/invoices", s.handleListInvoices)
		r.Post("/invoices", s.handleCreateInvoice)
		r.Get("/invoices/{id}", s.handleGetInvoice)
		r.Get("/connection", s.handleConnection)
	})
	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// createInvoiceRequest is the POST /invoices body.
type createInvoiceRequest struct {
	Amount int64  `json:"amount"`
	Memo   string `json:"memo"`
	CardID string `json:"card_id"`
}

func (s *Server) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req createInvoiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, http.StatusBadRequest, "INVALID_REQUEST", "Failed to parse request body", err.Error())
		return
	}

	inv, err := s.detector.CreateInvoice(r.Context(), req.Amount, req.Memo, req.CardID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidAmount):
			sendErrorResponse(w, http.StatusBadRequest, "INVALID_AMOUNT", "Amount must be positive", err.Error())
		case errors.Is(err, domain.ErrDuplicateInvoice):
			sendErrorResponse(w, http.StatusConflict, "DUPLICATE_INVOICE", "Invoice already registered with a different amount", err.Error())
		default:
			sendErrorResponse(w, http.StatusBadGateway, "UPSTREAM_ERROR", "Failed to create invoice upstream", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, toInvoiceResponse(inv))
}

func (s *Server) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	snapshot := s.detector.GetPendingInvoices()
	out := make([]invoiceResponse, 0, len(snapshot))
	for _, inv := range snapshot {
		out = append(out, toInvoiceResponse(inv))
	}
	writeJSON(w, http.StatusOK, map[string]any{"invoices": out})
}

func (s *Server) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	inv, err := s.detector.GetInvoice(id)
	if err != nil {
		sendErrorResponse(w, http.StatusNotFound, "NOT_FOUND", "Unknown invoice", id)
		return
	}
	writeJSON(w, http.StatusOK, toInvoiceResponse(inv))
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"state":  string(s.monitor.PushState()),
		"health": s.monitor.Health().Snapshot(),
	})
}

// invoiceResponse is the JSON shape of an invoice on the ops API.
type invoiceResponse struct {
	ID             string `json:"id"`
	PaymentRequest string `json:"payment_request,omitempty"`
	ExpectedAmount int64  `json:"expected_amount"`
	CardID         string `json:"card_id,omitempty"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
	PaidAt         string `json:"paid_at,omitempty"`
	PaidAmount     int64  `json:"paid_amount,omitempty"`
}

func toInvoiceResponse(inv domain.PendingInvoice) invoiceResponse {
	resp := invoiceResponse{
		ID:             inv.ID,
		PaymentRequest: inv.PaymentRequest,
		ExpectedAmount: inv.ExpectedAmount,
		CardID:         inv.CardID,
		Status:         string(inv.Status),
		CreatedAt:      inv.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		PaidAmount:     inv.PaidAmount,
	}
	if inv.PaidAt != nil {
		resp.PaidAt = inv.PaidAt.Format("2006-01-02T15:04:05Z07:00")
	}
	return resp
}

// errorResponse is the envelope for error payloads.
type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func sendErrorResponse(w http.ResponseWriter, status int, code, message, details string) {
	writeJSON(w, status, errorResponse{Code: code, Message: message, Details: details})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
