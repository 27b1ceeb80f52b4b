package events

import (
	"time"

	"github.com/google/uuid"

	"github.com/lafaom/payment-service/internal/core/datamodel/transaction"
)

const (
	EventTypeTransactionStatusChanged = "transaction.status_changed"
)

// TransactionStatusChangedEvent is emitted whenever a transaction reaches a
// terminal status. The surrounding platform consumes it to update enrollment
// records or trigger notification emails.
type TransactionStatusChangedEvent struct {
	BaseEvent
	TransactionID     int64              `json:"transaction_id"`
	ExternalReference string             `json:"external_reference"`
	PayerID           int64              `json:"payer_id"`
	ContextID         int64              `json:"context_id"`
	Kind              transaction.Kind   `json:"kind"`
	Status            transaction.Status `json:"status"`
	Amount            int64              `json:"amount"`
	Currency          string             `json:"currency"`
}

func NewTransactionStatusChangedEvent(tx *transaction.Transaction) *TransactionStatusChangedEvent {
	return &TransactionStatusChangedEvent{
		BaseEvent: BaseEvent{
			ID:        uuid.New().String(),
			Type:      EventTypeTransactionStatusChanged,
			Timestamp: time.Now(),
			Data: map[string]interface{}{
				"transaction_id":     tx.ID,
				"external_reference": tx.ExternalReference,
				"payer_id":           tx.PayerID,
				"context_id":         tx.ContextID,
				"kind":               string(tx.Kind),
				"status":             string(tx.Status),
				"amount":             tx.Amount,
				"currency":           tx.Currency,
			},
		},
		TransactionID:     tx.ID,
		ExternalReference: tx.ExternalReference,
		PayerID:           tx.PayerID,
		ContextID:         tx.ContextID,
		Kind:              tx.Kind,
		Status:            tx.Status,
		Amount:            tx.Amount,
		Currency:          tx.Currency,
	}
}
