package postgres

import (
	"errors"
	"time"

	"gorm.io/gorm"

	apperrors "github.com/lafaom/payment-service/internal"
	"github.com/lafaom/payment-service/internal/core/datamodel/transaction"
	transactionpkg "github.com/lafaom/payment-service/internal/transaction"
)

type TransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) transactionpkg.RepositoryAPI {
	return &TransactionRepository{
		db: db,
	}
}

func (r *TransactionRepository) Create(tx *transaction.Transaction) error {
	err := r.db.Create(tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return apperrors.ErrDuplicateReference
		}
		return err
	}
	return nil
}

func (r *TransactionRepository) GetByID(id int64) (*transaction.Transaction, error) {
	var tx transaction.Transaction
	err := r.db.First(&tx, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

func (r *TransactionRepository) GetByReference(reference string) (*transaction.Transaction, error) {
	var tx transaction.Transaction
	err := r.db.Where("external_reference = ?", reference).First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

func (r *TransactionRepository) ListByPayer(payerID int64) ([]*transaction.Transaction, error) {
	var transactions []*transaction.Transaction
	err := r.db.Where("payer_id = ?", payerID).Order("created_at DESC").Find(&transactions).Error
	return transactions, err
}

func (r *TransactionRepository) ListPending(limit int) ([]*transaction.Transaction, error) {
	var transactions []*transaction.Transaction
	query := r.db.Where("status = ?", transaction.StatusPending).Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&transactions).Error
	return transactions, err
}

func (r *TransactionRepository) SaveInitiationArtifacts(id int64, paymentURL, paymentToken string) error {
	return r.db.Model(&transaction.Transaction{}).Where("id = ?", id).Updates(map[string]interface{}{
		"payment_url":   paymentURL,
		"payment_token": paymentToken,
		"updated_at":    time.Now(),
	}).Error
}

// UpdateStatusFromPending performs the guarded transition. The WHERE clause
// on status makes double resolution safe: whoever lands second affects zero
// rows and the caller treats it as a duplicate. Metadata is additive, empty
// fields never overwrite stored values.
func (r *TransactionRepository) UpdateStatusFromPending(reference string, status transaction.Status, meta transaction.GatewayMetadata) (int64, error) {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}

	if meta.OperatorID != "" {
		updates["operator_id"] = meta.OperatorID
	}
	if meta.PaymentMethod != "" {
		updates["payment_method"] = meta.PaymentMethod
	}
	if meta.ErrorMessage != "" {
		updates["error_message"] = meta.ErrorMessage
	}
	if meta.PaidAt != nil {
		updates["paid_at"] = *meta.PaidAt
	}

	result := r.db.Model(&transaction.Transaction{}).
		Where("external_reference = ? AND status = ?", reference, transaction.StatusPending).
		Updates(updates)
	return result.RowsAffected, result.Error
}

func (r *TransactionRepository) Stats() (*transaction.Stats, error) {
	stats := &transaction.Stats{}

	if err := r.db.Model(&transaction.Transaction{}).Count(&stats.Total).Error; err != nil {
		return nil, err
	}

	counts := []struct {
		status transaction.Status
		target *int64
	}{
		{transaction.StatusPending, &stats.Pending},
		{transaction.StatusAccepted, &stats.Accepted},
		{transaction.StatusRefused, &stats.Refused},
		{transaction.StatusFailed, &stats.Failed},
	}
	for _, c := range counts {
		if err := r.db.Model(&transaction.Transaction{}).Where("status = ?", c.status).Count(c.target).Error; err != nil {
			return nil, err
		}
	}

	err := r.db.Model(&transaction.Transaction{}).
		Where("status = ?", transaction.StatusAccepted).
		Select("COALESCE(SUM(amount), 0)").
		Scan(&stats.AcceptedAmount).Error
	if err != nil {
		return nil, err
	}

	return stats, nil
}
