package transaction

import (
	"time"
)

// Status is the canonical transaction status. PENDING is the only
// non-terminal state; ACCEPTED, REFUSED and FAILED are terminal.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusRefused  Status = "REFUSED"
	StatusFailed   Status = "FAILED"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusAccepted, StatusRefused, StatusFailed:
		return true
	}
	return false
}

// Kind describes what the payment funds.
type Kind string

const (
	KindRegistrationFee Kind = "REGISTRATION_FEE"
	KindTuitionFee      Kind = "TUITION_FEE"
)

func ValidKind(k Kind) bool {
	switch k {
	case KindRegistrationFee, KindTuitionFee:
		return true
	}
	return false
}

type Transaction struct {
	ID                int64  `json:"id" gorm:"primaryKey"`
	ExternalReference string `json:"external_reference" gorm:"column:external_reference;not null;uniqueIndex"`
	PayerID           int64  `json:"payer_id" gorm:"column:payer_id;not null;index"`
	ContextID         int64  `json:"context_id" gorm:"column:context_id;not null"`
	Amount            int64  `json:"amount" gorm:"column:amount;not null"`
	Currency          string `json:"currency" gorm:"column:currency;not null"`
	Kind              Kind   `json:"kind" gorm:"column:kind;not null"`
	Operator          string `json:"operator" gorm:"column:operator;not null"`
	Status            Status `json:"status" gorm:"column:status;default:PENDING"`
	Description       string `json:"description,omitempty" gorm:"column:description"`

	// Gateway-supplied metadata, additive only.
	PaymentURL    string     `json:"payment_url,omitempty" gorm:"column:payment_url"`
	PaymentToken  string     `json:"-" gorm:"column:payment_token"`
	OperatorID    string     `json:"operator_id,omitempty" gorm:"column:operator_id"`
	PaymentMethod string     `json:"payment_method,omitempty" gorm:"column:payment_method"`
	ErrorMessage  string     `json:"error_message,omitempty" gorm:"column:error_message"`
	PaidAt        *time.Time `json:"paid_at,omitempty" gorm:"column:paid_at"`

	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;default:now()"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;default:now()"`
}

func (Transaction) TableName() string {
	return "transactions"
}

// GatewayMetadata carries the opaque fields a status update may attach to
// the ledger row. Empty fields are left untouched: metadata is never cleared.
type GatewayMetadata struct {
	OperatorID    string
	PaymentMethod string
	ErrorMessage  string
	PaidAt        *time.Time
}

// Stats aggregates transaction counts per status plus the settled amount.
type Stats struct {
	Total          int64  `json:"total"`
	Pending        int64  `json:"pending"`
	Accepted       int64  `json:"accepted"`
	Refused        int64  `json:"refused"`
	Failed         int64  `json:"failed"`
	AcceptedAmount int64  `json:"accepted_amount"`
	Currency       string `json:"currency"`
}
