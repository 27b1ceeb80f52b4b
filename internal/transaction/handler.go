package transaction

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	errors "github.com/lafaom/payment-service/internal"
	"github.com/lafaom/payment-service/internal/transport"
)

type Handler struct {
	*transport.BaseHandler
	Service ServiceAPI
	Logger  *slog.Logger
}

func NewHandler(baseHandler *transport.BaseHandler, service ServiceAPI, logger *slog.Logger) *Handler {
	return &Handler{
		BaseHandler: baseHandler,
		Service:     service,
		Logger:      logger,
	}
}

// InitiatePayment handles POST /api/v1/payments/initiate
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	var req InitiatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.Logger.Error("InitiatePayment: failed to parse request body", "error", err)
		h.HandleError(w, errors.NewValidationError("invalid request body", errors.ErrCodeValidationFailed))
		return
	}

	tx, err := h.Service.Create(r.Context(), &req)
	if err != nil {
		h.Logger.Error("InitiatePayment: service error",
			"error", err,
			"payer_id", req.PayerID,
			"context_id", req.ContextID)
		h.HandleServiceError(w, err)
		return
	}

	h.Logger.Info("InitiatePayment: transaction initiated",
		"transaction_id", tx.ID,
		"external_reference", tx.ExternalReference)

	h.WriteJSON(w, http.StatusCreated, NewInitiatePaymentResponse(tx))
}

// GetByID handles GET /api/v1/payments/{id}
func (h *Handler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		h.HandleError(w, errors.NewValidationError("invalid transaction ID", errors.ErrCodeValidationFailed))
		return
	}

	tx, err := h.Service.GetByID(r.Context(), id)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, tx)
}

// GetByReference handles GET /api/v1/payments/transaction/{reference}
func (h *Handler) GetByReference(w http.ResponseWriter, r *http.Request) {
	reference := chi.URLParam(r, "reference")
	if reference == "" {
		h.HandleError(w, errors.NewValidationError("reference is required", errors.ErrCodeValidationFailed))
		return
	}

	tx, err := h.Service.GetByReference(r.Context(), reference)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, tx)
}

// ListByPayer handles GET /api/v1/payments/payer/{payerID}
func (h *Handler) ListByPayer(w http.ResponseWriter, r *http.Request) {
	payerID, err := strconv.ParseInt(chi.URLParam(r, "payerID"), 10, 64)
	if err != nil {
		h.HandleError(w, errors.NewValidationError("invalid payer ID", errors.ErrCodeValidationFailed))
		return
	}

	transactions, err := h.Service.ListByPayer(r.Context(), payerID)
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"payer_id":     payerID,
		"transactions": transactions,
	})
}

// GetStats handles GET /api/v1/payments/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Service.Stats(r.Context())
	if err != nil {
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, stats)
}
