package transaction

import (
	errors "github.com/lafaom/payment-service/internal"
	"github.com/lafaom/payment-service/internal/core/common/validation"
	"github.com/lafaom/payment-service/internal/core/datamodel/transaction"
)

// InitiatePaymentRequest is the payload for POST /api/v1/payments/initiate.
type InitiatePaymentRequest struct {
	PayerID     int64  `json:"payer_id"`
	ContextID   int64  `json:"context_id"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

func (r *InitiatePaymentRequest) Validate() error {
	validator := validation.NewValidator()

	validator.Field("payer_id", r.PayerID).Required()
	validator.Field("context_id", r.ContextID).Required()
	validator.Field("amount", r.Amount).Required().MinIntMsg(1, "amount must be positive", errors.ErrCodeInvalidAmount)
	validator.Field("currency", r.Currency).Required().Custom(func(value interface{}) *errors.AppError {
		if v, ok := value.(string); ok && v != "" && len(v) != 3 {
			return errors.NewValidationFieldError("currency", "currency must be a 3-letter ISO code", errors.ErrCodeInvalidCurrency)
		}
		return nil
	})
	validator.Field("kind", r.Kind).Required().OneOf([]string{
		string(transaction.KindRegistrationFee),
		string(transaction.KindTuitionFee),
	}, errors.ErrCodeInvalidKind)
	validator.Field("description", r.Description).MaxLength(255)

	if appErr := validator.Validate(); appErr != nil {
		return appErr
	}
	return nil
}

// InitiatePaymentResponse is returned on 201. PaymentURL is empty when the
// gateway could not be reached at creation time; reconciliation picks the
// transaction up later.
type InitiatePaymentResponse struct {
	TransactionID     int64  `json:"transaction_id"`
	ExternalReference string `json:"external_reference"`
	PaymentURL        string `json:"payment_url,omitempty"`
	Status            string `json:"status"`
}

func NewInitiatePaymentResponse(tx *transaction.Transaction) *InitiatePaymentResponse {
	return &InitiatePaymentResponse{
		TransactionID:     tx.ID,
		ExternalReference: tx.ExternalReference,
		PaymentURL:        tx.PaymentURL,
		Status:            string(tx.Status),
	}
}

// Notification form field names, as the gateway posts them.
const (
	FormFieldTransID      = "cpm_trans_id"
	FormFieldSiteID       = "cpm_site_id"
	FormFieldErrorMessage = "cpm_error_message"
)

type NotificationResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}
