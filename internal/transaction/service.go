package transaction

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jaevor/go-nanoid"

	errors "github.com/lafaom/payment-service/internal"
	"github.com/lafaom/payment-service/internal/core/datamodel/transaction"
	"github.com/lafaom/payment-service/internal/core/events"
	"github.com/lafaom/payment-service/internal/gateway"
	"github.com/lafaom/payment-service/internal/metrics"
)

// Sources for status transitions, used in logs and metrics labels.
const (
	SourceInitiation = "initiation"
	SourceWebhook    = "webhook"
	SourceReconciler = "reconciler"
)

// RepositoryAPI is the persistence surface the service needs. The postgres
// package provides the implementation.
type RepositoryAPI interface {
	Create(tx *transaction.Transaction) error
	GetByID(id int64) (*transaction.Transaction, error)
	GetByReference(reference string) (*transaction.Transaction, error)
	ListByPayer(payerID int64) ([]*transaction.Transaction, error)
	ListPending(limit int) ([]*transaction.Transaction, error)
	SaveInitiationArtifacts(id int64, paymentURL, paymentToken string) error
	UpdateStatusFromPending(reference string, status transaction.Status, meta transaction.GatewayMetadata) (int64, error)
	Stats() (*transaction.Stats, error)
}

// QueueEntry is a claimed reconciliation queue item.
type QueueEntry struct {
	Reference   string
	Attempts    int
	MaxAttempts int
}

// Queue is the reconciliation schedule. The redis package provides the
// implementation; the worker drains it.
type Queue interface {
	Enqueue(ctx context.Context, reference string, delay time.Duration) error
	DueEntries(ctx context.Context, now time.Time, limit int) ([]QueueEntry, error)
	Reschedule(ctx context.Context, reference string, attempts int, next time.Time) error
	Remove(ctx context.Context, reference string) error
	Depth(ctx context.Context) (int64, error)
}

// GatewayAPI is the payment gateway surface the service needs.
type GatewayAPI interface {
	Initiate(ctx context.Context, req gateway.InitiationRequest) (*gateway.InitiationResult, error)
	Verify(ctx context.Context, reference string) (*gateway.VerificationResult, error)
}

// ServiceAPI is what the HTTP handlers depend on.
type ServiceAPI interface {
	Create(ctx context.Context, req *InitiatePaymentRequest) (*transaction.Transaction, error)
	GetByID(ctx context.Context, id int64) (*transaction.Transaction, error)
	GetByReference(ctx context.Context, reference string) (*transaction.Transaction, error)
	ListByPayer(ctx context.Context, payerID int64) ([]*transaction.Transaction, error)
	ProcessNotification(ctx context.Context, reference string) (*transaction.Transaction, error)
	Stats(ctx context.Context) (*transaction.Stats, error)
}

type ServiceConfig struct {
	Operator        string
	FirstCheckDelay time.Duration
}

type Service struct {
	repo     RepositoryAPI
	queue    Queue
	gateway  GatewayAPI
	eventBus *events.EventBus
	config   ServiceConfig
	suffix   func() string
	logger   *slog.Logger
}

func NewService(repo RepositoryAPI, queue Queue, gw GatewayAPI, eventBus *events.EventBus, config ServiceConfig, logger *slog.Logger) (*Service, error) {
	suffix, err := nanoid.CustomASCII("0123456789abcdefghijklmnopqrstuvwxyz", 8)
	if err != nil {
		return nil, fmt.Errorf("init reference generator: %w", err)
	}

	if config.FirstCheckDelay <= 0 {
		config.FirstCheckDelay = 15 * time.Second
	}

	return &Service{
		repo:     repo,
		queue:    queue,
		gateway:  gw,
		eventBus: eventBus,
		config:   config,
		suffix:   suffix,
		logger:   logger,
	}, nil
}

// newReference builds the gateway-facing identifier. The operator prefix is
// fixed at creation time and stored on the row.
func (s *Service) newReference(payerID, contextID int64) string {
	return fmt.Sprintf("%s_%d_%d_%d_%s", s.config.Operator, payerID, contextID, time.Now().Unix(), s.suffix())
}

// Create inserts a PENDING transaction, registers it with the gateway and
// schedules it for reconciliation. A gateway outage does not fail the call:
// the row stays PENDING without a payment URL and the worker picks it up.
func (s *Service) Create(ctx context.Context, req *InitiatePaymentRequest) (*transaction.Transaction, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	tx := &transaction.Transaction{
		ExternalReference: s.newReference(req.PayerID, req.ContextID),
		PayerID:           req.PayerID,
		ContextID:         req.ContextID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Kind:              transaction.Kind(req.Kind),
		Operator:          s.config.Operator,
		Status:            transaction.StatusPending,
		Description:       req.Description,
	}

	if err := s.repo.Create(tx); err != nil {
		s.logger.Error("failed to create transaction",
			"payer_id", req.PayerID,
			"context_id", req.ContextID,
			"error", err)
		return nil, err
	}

	s.logger.Info("transaction created",
		"transaction_id", tx.ID,
		"external_reference", tx.ExternalReference,
		"amount", tx.Amount,
		"kind", tx.Kind)

	result, err := s.gateway.Initiate(ctx, gateway.InitiationRequest{
		Reference:   tx.ExternalReference,
		Amount:      tx.Amount,
		Currency:    tx.Currency,
		Description: tx.Description,
	})
	switch {
	case err == nil:
		if saveErr := s.repo.SaveInitiationArtifacts(tx.ID, result.PaymentURL, result.PaymentToken); saveErr != nil {
			s.logger.Error("failed to save initiation artifacts",
				"external_reference", tx.ExternalReference,
				"error", saveErr)
		}
		tx.PaymentURL = result.PaymentURL
		tx.PaymentToken = result.PaymentToken

	case gateway.IsUnavailable(err):
		// Stay PENDING; the reconciliation worker retries the gateway.
		s.logger.Warn("gateway unavailable at initiation, deferring to reconciliation",
			"external_reference", tx.ExternalReference,
			"error", err)

	default:
		if rejected, ok := gateway.AsRejected(err); ok {
			if _, applyErr := s.ApplyStatus(ctx, tx.ExternalReference, transaction.StatusFailed, transaction.GatewayMetadata{
				ErrorMessage: rejected.Message,
			}, SourceInitiation); applyErr != nil {
				s.logger.Error("failed to mark rejected transaction",
					"external_reference", tx.ExternalReference,
					"error", applyErr)
			}
			return nil, errors.NewExternalError("payment gateway rejected the initiation", errors.ErrCodeGatewayRejected, err)
		}
		return nil, errors.NewExternalError("payment gateway call failed", errors.ErrCodeGatewayUnavailable, err)
	}

	if err := s.queue.Enqueue(ctx, tx.ExternalReference, s.config.FirstCheckDelay); err != nil {
		s.logger.Error("failed to enqueue transaction for reconciliation",
			"external_reference", tx.ExternalReference,
			"error", err)
	}

	return tx, nil
}

func (s *Service) GetByID(ctx context.Context, id int64) (*transaction.Transaction, error) {
	return s.repo.GetByID(id)
}

func (s *Service) GetByReference(ctx context.Context, reference string) (*transaction.Transaction, error) {
	return s.repo.GetByReference(reference)
}

func (s *Service) ListByPayer(ctx context.Context, payerID int64) ([]*transaction.Transaction, error) {
	return s.repo.ListByPayer(payerID)
}

// ApplyStatus is the single mutator for transaction status. The conditional
// update in the repository makes it idempotent: once a transaction is
// terminal, later calls log a duplicate resolution and return the stored row
// unchanged. The status event is published only when this call actually
// performed the transition; the queue entry is removed whenever the row is
// terminal, so a stale entry cannot keep the worker polling a resolved
// transaction.
func (s *Service) ApplyStatus(ctx context.Context, reference string, newStatus transaction.Status, meta transaction.GatewayMetadata, source string) (*transaction.Transaction, error) {
	if !CanTransition(transaction.StatusPending, newStatus) {
		// PENDING to PENDING is an explicit no-op.
		return s.repo.GetByReference(reference)
	}

	rows, err := s.repo.UpdateStatusFromPending(reference, newStatus, meta)
	if err != nil {
		return nil, err
	}

	tx, err := s.repo.GetByReference(reference)
	if err != nil {
		return nil, err
	}

	if rows == 0 {
		metrics.DuplicateResolutions.Inc()
		s.logger.Info("duplicate resolution ignored",
			"external_reference", reference,
			"current_status", tx.Status,
			"attempted_status", newStatus,
			"source", source)
		// A queue entry can outlive the resolution when the earlier Remove
		// failed or the process crashed between the update and the removal;
		// Remove is idempotent, so clear it again here.
		if tx.Status.Terminal() {
			if err := s.queue.Remove(ctx, reference); err != nil {
				s.logger.Error("failed to remove stale reconciliation entry",
					"external_reference", reference,
					"error", err)
			}
		}
		return tx, nil
	}

	metrics.StatusTransitions.WithLabelValues(string(newStatus), source).Inc()
	s.logger.Info("transaction resolved",
		"external_reference", reference,
		"status", newStatus,
		"source", source)

	if err := s.queue.Remove(ctx, reference); err != nil {
		s.logger.Error("failed to remove reconciliation entry",
			"external_reference", reference,
			"error", err)
	}

	if s.eventBus != nil {
		s.eventBus.Publish(ctx, events.NewTransactionStatusChangedEvent(tx))
	}

	return tx, nil
}

// ProcessNotification handles an authenticated gateway callback. The webhook
// payload is never trusted for the status itself: the gateway is asked
// server-to-server and the answer drives the transition.
func (s *Service) ProcessNotification(ctx context.Context, reference string) (*transaction.Transaction, error) {
	tx, err := s.repo.GetByReference(reference)
	if err != nil {
		return nil, err
	}

	if tx.Status.Terminal() {
		metrics.DuplicateResolutions.Inc()
		s.logger.Info("notification for already-resolved transaction",
			"external_reference", reference,
			"status", tx.Status)
		if err := s.queue.Remove(ctx, reference); err != nil {
			s.logger.Error("failed to remove stale reconciliation entry",
				"external_reference", reference,
				"error", err)
		}
		return tx, nil
	}

	result, err := s.gateway.Verify(ctx, reference)
	if err != nil {
		if gateway.IsUnavailable(err) {
			// Leave the queue entry alone; the worker retries.
			s.logger.Warn("gateway unavailable during notification verify",
				"external_reference", reference,
				"error", err)
			return tx, nil
		}
		return nil, errors.NewExternalError("payment verification failed", errors.ErrCodeGatewayUnavailable, err)
	}

	if !result.Status.Terminal() {
		s.logger.Info("notification verified but transaction still pending",
			"external_reference", reference)
		return tx, nil
	}

	return s.ApplyStatus(ctx, reference, result.Status, transaction.GatewayMetadata{
		OperatorID:    result.OperatorID,
		PaymentMethod: result.PaymentMethod,
		ErrorMessage:  result.ErrorMessage,
		PaidAt:        result.PaidAt,
	}, SourceWebhook)
}

func (s *Service) Stats(ctx context.Context) (*transaction.Stats, error) {
	return s.repo.Stats()
}

// RebuildQueue re-enqueues every PENDING transaction. Used after a Redis
// flush or data loss; existing schedules are preserved because Enqueue
// never overwrites a live entry.
func (s *Service) RebuildQueue(ctx context.Context) (int, error) {
	pending, err := s.repo.ListPending(0)
	if err != nil {
		return 0, err
	}

	enqueued := 0
	for _, tx := range pending {
		if err := s.queue.Enqueue(ctx, tx.ExternalReference, 0); err != nil {
			s.logger.Error("failed to re-enqueue transaction",
				"external_reference", tx.ExternalReference,
				"error", err)
			continue
		}
		enqueued++
	}

	s.logger.Info("reconciliation queue rebuilt",
		"pending", len(pending),
		"enqueued", enqueued)
	return enqueued, nil
}
