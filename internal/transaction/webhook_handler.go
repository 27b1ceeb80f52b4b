package transaction

import (
	"log/slog"
	"net/http"

	errors "github.com/lafaom/payment-service/internal"
	"github.com/lafaom/payment-service/internal/gateway"
	"github.com/lafaom/payment-service/internal/metrics"
	"github.com/lafaom/payment-service/internal/transport"
)

// WebhookConfig carries what the handler needs to authenticate callbacks.
type WebhookConfig struct {
	SecretKey       string
	SignatureHeader string
}

// WebhookHandler receives the gateway's form-encoded payment notifications.
// The notification is only a wake-up call: the status written to the ledger
// always comes from a server-to-server verification.
type WebhookHandler struct {
	*transport.BaseHandler
	service ServiceAPI
	config  WebhookConfig
	logger  *slog.Logger
}

func NewWebhookHandler(baseHandler *transport.BaseHandler, service ServiceAPI, config WebhookConfig, logger *slog.Logger) *WebhookHandler {
	if config.SignatureHeader == "" {
		config.SignatureHeader = "x-token"
	}
	return &WebhookHandler{
		BaseHandler: baseHandler,
		service:     service,
		config:      config,
		logger:      logger,
	}
}

// HandleNotification handles POST /api/v1/payments/notification
func (h *WebhookHandler) HandleNotification(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.logger.Error("notification: malformed form body", "error", err)
		h.HandleError(w, errors.NewValidationError("malformed notification body", errors.ErrCodeValidationFailed))
		return
	}

	token := r.Header.Get(h.config.SignatureHeader)
	if !gateway.VerifySignature(r.PostForm, h.config.SecretKey, token) {
		metrics.WebhookAuthFailures.Inc()
		h.logger.Warn("notification: signature verification failed",
			"reference", r.PostForm.Get(FormFieldTransID),
			"remote_addr", r.RemoteAddr,
			"token_present", token != "")
		h.HandleError(w, errors.ErrAuthenticationFailed)
		return
	}

	reference := r.PostForm.Get(FormFieldTransID)
	if reference == "" {
		h.HandleError(w, errors.NewValidationError("cpm_trans_id is required", errors.ErrCodeValidationFailed))
		return
	}

	h.logger.Info("notification received",
		"external_reference", reference,
		"site_id", r.PostForm.Get(FormFieldSiteID))

	tx, err := h.service.ProcessNotification(r.Context(), reference)
	if err != nil {
		h.logger.Error("notification: processing failed",
			"external_reference", reference,
			"error", err)
		h.HandleServiceError(w, err)
		return
	}

	h.WriteJSON(w, http.StatusOK, NotificationResponse{
		Status:  string(tx.Status),
		Message: "notification processed",
	})
}
