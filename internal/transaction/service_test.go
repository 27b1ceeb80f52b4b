package transaction_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	apperrors "github.com/lafaom/payment-service/internal"
	"github.com/lafaom/payment-service/internal/core/datamodel/transaction"
	"github.com/lafaom/payment-service/internal/core/events"
	"github.com/lafaom/payment-service/internal/gateway"
	transactionPkg "github.com/lafaom/payment-service/internal/transaction"
)

// Mock repository for testing
type mockRepository struct {
	mu           sync.Mutex
	byReference  map[string]*transaction.Transaction
	nextID       int64
	createError  error
	updateError  error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		byReference: make(map[string]*transaction.Transaction),
	}
}

func (m *mockRepository) Create(tx *transaction.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createError != nil {
		return m.createError
	}
	if _, exists := m.byReference[tx.ExternalReference]; exists {
		return apperrors.ErrDuplicateReference
	}
	m.nextID++
	tx.ID = m.nextID
	tx.CreatedAt = time.Now()
	tx.UpdatedAt = time.Now()
	m.byReference[tx.ExternalReference] = tx
	return nil
}

func (m *mockRepository) GetByID(id int64) (*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.byReference {
		if tx.ID == id {
			return tx, nil
		}
	}
	return nil, apperrors.ErrTransactionNotFound
}

func (m *mockRepository) GetByReference(reference string) (*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, exists := m.byReference[reference]
	if !exists {
		return nil, apperrors.ErrTransactionNotFound
	}
	return tx, nil
}

func (m *mockRepository) ListByPayer(payerID int64) ([]*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*transaction.Transaction
	for _, tx := range m.byReference {
		if tx.PayerID == payerID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *mockRepository) ListPending(limit int) ([]*transaction.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*transaction.Transaction
	for _, tx := range m.byReference {
		if tx.Status == transaction.StatusPending {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (m *mockRepository) SaveInitiationArtifacts(id int64, paymentURL, paymentToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, tx := range m.byReference {
		if tx.ID == id {
			tx.PaymentURL = paymentURL
			tx.PaymentToken = paymentToken
			return nil
		}
	}
	return apperrors.ErrTransactionNotFound
}

func (m *mockRepository) UpdateStatusFromPending(reference string, status transaction.Status, meta transaction.GatewayMetadata) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateError != nil {
		return 0, m.updateError
	}
	tx, exists := m.byReference[reference]
	if !exists || tx.Status != transaction.StatusPending {
		return 0, nil
	}
	tx.Status = status
	if meta.OperatorID != "" {
		tx.OperatorID = meta.OperatorID
	}
	if meta.PaymentMethod != "" {
		tx.PaymentMethod = meta.PaymentMethod
	}
	if meta.ErrorMessage != "" {
		tx.ErrorMessage = meta.ErrorMessage
	}
	if meta.PaidAt != nil {
		tx.PaidAt = meta.PaidAt
	}
	tx.UpdatedAt = time.Now()
	return 1, nil
}

func (m *mockRepository) Stats() (*transaction.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &transaction.Stats{}
	for _, tx := range m.byReference {
		stats.Total++
		switch tx.Status {
		case transaction.StatusPending:
			stats.Pending++
		case transaction.StatusAccepted:
			stats.Accepted++
			stats.AcceptedAmount += tx.Amount
		case transaction.StatusRefused:
			stats.Refused++
		case transaction.StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Mock queue for testing
type mockQueue struct {
	mu         sync.Mutex
	entries    map[string]int // reference -> attempts
	enqueues   []string
	removals   []string
	enqueueErr error
}

func newMockQueue() *mockQueue {
	return &mockQueue{entries: make(map[string]int)}
}

func (m *mockQueue) Enqueue(ctx context.Context, reference string, delay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.enqueueErr != nil {
		return m.enqueueErr
	}
	if _, exists := m.entries[reference]; !exists {
		m.entries[reference] = 0
	}
	m.enqueues = append(m.enqueues, reference)
	return nil
}

func (m *mockQueue) DueEntries(ctx context.Context, now time.Time, limit int) ([]transactionPkg.QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []transactionPkg.QueueEntry
	for ref, attempts := range m.entries {
		if len(out) >= limit {
			break
		}
		out = append(out, transactionPkg.QueueEntry{Reference: ref, Attempts: attempts, MaxAttempts: 20})
	}
	return out, nil
}

func (m *mockQueue) Reschedule(ctx context.Context, reference string, attempts int, next time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.entries[reference]; exists {
		m.entries[reference] = attempts
	}
	return nil
}

func (m *mockQueue) Remove(ctx context.Context, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, reference)
	m.removals = append(m.removals, reference)
	return nil
}

func (m *mockQueue) Depth(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.entries)), nil
}

func (m *mockQueue) contains(reference string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.entries[reference]
	return exists
}

// Mock gateway for testing
type mockGateway struct {
	mu             sync.Mutex
	initiateResult *gateway.InitiationResult
	initiateErr    error
	verifyResult   *gateway.VerificationResult
	verifyErr      error
	verifyCalls    int
}

func (m *mockGateway) Initiate(ctx context.Context, req gateway.InitiationRequest) (*gateway.InitiationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initiateErr != nil {
		return nil, m.initiateErr
	}
	return m.initiateResult, nil
}

func (m *mockGateway) Verify(ctx context.Context, reference string) (*gateway.VerificationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.verifyCalls++
	if m.verifyErr != nil {
		return nil, m.verifyErr
	}
	return m.verifyResult, nil
}

var _ = Describe("Service", func() {
	var (
		service  *transactionPkg.Service
		mockRepo *mockRepository
		queue    *mockQueue
		gw       *mockGateway
		logger   *slog.Logger
	)

	validRequest := func() *transactionPkg.InitiatePaymentRequest {
		return &transactionPkg.InitiatePaymentRequest{
			PayerID:     42,
			ContextID:   7,
			Amount:      5000,
			Currency:    "XOF",
			Kind:        string(transaction.KindRegistrationFee),
			Description: "Registration fee",
		}
	}

	BeforeEach(func() {
		mockRepo = newMockRepository()
		queue = newMockQueue()
		gw = &mockGateway{
			initiateResult: &gateway.InitiationResult{
				PaymentURL:   "https://checkout.example.com/pay/xyz",
				PaymentToken: "tok_123",
			},
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

		var err error
		service, err = transactionPkg.NewService(mockRepo, queue, gw, events.NewEventBus(logger), transactionPkg.ServiceConfig{
			Operator:        "CINETPAY",
			FirstCheckDelay: 15 * time.Second,
		}, logger)
		Expect(err).ToNot(HaveOccurred())
	})

	Describe("Create", func() {
		Context("when the gateway accepts the initiation", func() {
			It("should store the payment URL and enqueue the transaction", func() {
				// When
				tx, err := service.Create(context.Background(), validRequest())

				// Then
				Expect(err).ToNot(HaveOccurred())
				Expect(tx.ID).To(BeNumerically(">", 0))
				Expect(tx.Status).To(Equal(transaction.StatusPending))
				Expect(tx.Operator).To(Equal("CINETPAY"))
				Expect(tx.ExternalReference).To(HavePrefix("CINETPAY_42_7_"))
				Expect(tx.PaymentURL).To(Equal("https://checkout.example.com/pay/xyz"))
				Expect(queue.contains(tx.ExternalReference)).To(BeTrue())
			})
		})

		Context("when the amount is not positive", func() {
			It("should return a validation error without touching the gateway", func() {
				// Given
				req := validRequest()
				req.Amount = 0

				// When
				tx, err := service.Create(context.Background(), req)

				// Then
				Expect(tx).To(BeNil())
				Expect(err).To(HaveOccurred())
				appErr, ok := apperrors.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.Type).To(Equal(apperrors.ErrorTypeValidation))
			})
		})

		Context("when the amount is negative", func() {
			It("should report that the amount must be positive", func() {
				req := validRequest()
				req.Amount = -500

				_, err := service.Create(context.Background(), req)

				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(Equal("amount must be positive"))
			})
		})

		Context("when the kind is unknown", func() {
			It("should return a validation error", func() {
				req := validRequest()
				req.Kind = "LIBRARY_FINE"

				_, err := service.Create(context.Background(), req)

				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("kind must be one of"))
			})
		})

		Context("when the gateway is unavailable", func() {
			It("should keep the transaction PENDING and still enqueue it", func() {
				// Given
				gw.initiateErr = fmt.Errorf("%w: connection refused", gateway.ErrUnavailable)

				// When
				tx, err := service.Create(context.Background(), validRequest())

				// Then
				Expect(err).ToNot(HaveOccurred())
				Expect(tx.Status).To(Equal(transaction.StatusPending))
				Expect(tx.PaymentURL).To(BeEmpty())
				Expect(queue.contains(tx.ExternalReference)).To(BeTrue())
			})
		})

		Context("when the gateway rejects the initiation", func() {
			It("should fail the transaction and return a gateway error", func() {
				// Given
				gw.initiateErr = &gateway.RejectedError{Code: "608", Message: "MINIMUM_REQUIRED_FIELDS"}

				// When
				tx, err := service.Create(context.Background(), validRequest())

				// Then
				Expect(tx).To(BeNil())
				Expect(err).To(HaveOccurred())
				appErr, ok := apperrors.IsAppError(err)
				Expect(ok).To(BeTrue())
				Expect(appErr.Code).To(Equal(apperrors.ErrCodeGatewayRejected))

				// The row is FAILED and nothing stays queued
				var stored *transaction.Transaction
				for _, candidate := range mockRepo.byReference {
					stored = candidate
				}
				Expect(stored).ToNot(BeNil())
				Expect(stored.Status).To(Equal(transaction.StatusFailed))
				Expect(stored.ErrorMessage).To(Equal("MINIMUM_REQUIRED_FIELDS"))
				Expect(queue.contains(stored.ExternalReference)).To(BeFalse())
			})
		})
	})

	Describe("ApplyStatus", func() {
		var reference string

		BeforeEach(func() {
			tx, err := service.Create(context.Background(), validRequest())
			Expect(err).ToNot(HaveOccurred())
			reference = tx.ExternalReference
		})

		Context("when the transaction is PENDING", func() {
			It("should transition it and remove the queue entry", func() {
				// When
				tx, err := service.ApplyStatus(context.Background(), reference, transaction.StatusAccepted, transaction.GatewayMetadata{
					PaymentMethod: "OMCIV2",
				}, transactionPkg.SourceWebhook)

				// Then
				Expect(err).ToNot(HaveOccurred())
				Expect(tx.Status).To(Equal(transaction.StatusAccepted))
				Expect(queue.contains(reference)).To(BeFalse())
			})
		})

		Context("when two resolutions race", func() {
			It("should keep the first terminal status and ignore the second", func() {
				// Given an ACCEPTED transaction
				_, err := service.ApplyStatus(context.Background(), reference, transaction.StatusAccepted, transaction.GatewayMetadata{}, transactionPkg.SourceWebhook)
				Expect(err).ToNot(HaveOccurred())

				// When a late REFUSED arrives
				tx, err := service.ApplyStatus(context.Background(), reference, transaction.StatusRefused, transaction.GatewayMetadata{}, transactionPkg.SourceReconciler)

				// Then the stored status is untouched and no error surfaces
				Expect(err).ToNot(HaveOccurred())
				Expect(tx.Status).To(Equal(transaction.StatusAccepted))
			})
		})

		Context("when a queue entry outlives the resolution", func() {
			It("should remove the stale entry on the duplicate resolution", func() {
				// Given a resolved transaction whose queue entry resurfaced
				// (crash or Redis failure between the update and the removal)
				_, err := service.ApplyStatus(context.Background(), reference, transaction.StatusAccepted, transaction.GatewayMetadata{}, transactionPkg.SourceWebhook)
				Expect(err).ToNot(HaveOccurred())
				Expect(queue.contains(reference)).To(BeFalse())
				Expect(queue.Enqueue(context.Background(), reference, 0)).To(Succeed())

				// When a late resolution lands on the terminal row
				tx, err := service.ApplyStatus(context.Background(), reference, transaction.StatusAccepted, transaction.GatewayMetadata{}, transactionPkg.SourceReconciler)

				// Then the stale entry is cleared instead of polling forever
				Expect(err).ToNot(HaveOccurred())
				Expect(tx.Status).To(Equal(transaction.StatusAccepted))
				Expect(queue.contains(reference)).To(BeFalse())
			})
		})

		Context("when the new status is PENDING", func() {
			It("should be a no-op", func() {
				tx, err := service.ApplyStatus(context.Background(), reference, transaction.StatusPending, transaction.GatewayMetadata{}, transactionPkg.SourceWebhook)

				Expect(err).ToNot(HaveOccurred())
				Expect(tx.Status).To(Equal(transaction.StatusPending))
				Expect(queue.contains(reference)).To(BeTrue())
			})
		})

		Context("when the transaction does not exist", func() {
			It("should return not found", func() {
				_, err := service.ApplyStatus(context.Background(), "CINETPAY_0_0_0_missing", transaction.StatusAccepted, transaction.GatewayMetadata{}, transactionPkg.SourceWebhook)

				Expect(errors.Is(err, apperrors.ErrTransactionNotFound)).To(BeTrue())
			})
		})
	})

	Describe("ProcessNotification", func() {
		var reference string

		BeforeEach(func() {
			tx, err := service.Create(context.Background(), validRequest())
			Expect(err).ToNot(HaveOccurred())
			reference = tx.ExternalReference
		})

		Context("when the gateway confirms an accepted payment", func() {
			It("should resolve the transaction from the verify result", func() {
				// Given
				paidAt := time.Now()
				gw.verifyResult = &gateway.VerificationResult{
					Status:        transaction.StatusAccepted,
					OperatorID:    "op-789",
					PaymentMethod: "OMCIV2",
					PaidAt:        &paidAt,
				}

				// When
				tx, err := service.ProcessNotification(context.Background(), reference)

				// Then
				Expect(err).ToNot(HaveOccurred())
				Expect(tx.Status).To(Equal(transaction.StatusAccepted))
				Expect(tx.OperatorID).To(Equal("op-789"))
				Expect(queue.contains(reference)).To(BeFalse())
			})
		})

		Context("when the notification is a duplicate", func() {
			It("should not verify again and return the stored row", func() {
				// Given an already resolved transaction
				gw.verifyResult = &gateway.VerificationResult{Status: transaction.StatusAccepted}
				_, err := service.ProcessNotification(context.Background(), reference)
				Expect(err).ToNot(HaveOccurred())
				callsAfterFirst := gw.verifyCalls

				// When
				tx, err := service.ProcessNotification(context.Background(), reference)

				// Then
				Expect(err).ToNot(HaveOccurred())
				Expect(tx.Status).To(Equal(transaction.StatusAccepted))
				Expect(gw.verifyCalls).To(Equal(callsAfterFirst))
			})

			It("should clear a stale queue entry without verifying again", func() {
				// Given a resolved transaction whose queue entry resurfaced
				gw.verifyResult = &gateway.VerificationResult{Status: transaction.StatusAccepted}
				_, err := service.ProcessNotification(context.Background(), reference)
				Expect(err).ToNot(HaveOccurred())
				Expect(queue.Enqueue(context.Background(), reference, 0)).To(Succeed())
				callsAfterFirst := gw.verifyCalls

				// When the gateway redelivers the notification
				_, err = service.ProcessNotification(context.Background(), reference)

				// Then the stale entry is gone and the gateway untouched
				Expect(err).ToNot(HaveOccurred())
				Expect(queue.contains(reference)).To(BeFalse())
				Expect(gw.verifyCalls).To(Equal(callsAfterFirst))
			})
		})

		Context("when the gateway is unavailable during verification", func() {
			It("should leave the transaction PENDING for the worker", func() {
				// Given
				gw.verifyErr = fmt.Errorf("%w: timeout", gateway.ErrUnavailable)

				// When
				tx, err := service.ProcessNotification(context.Background(), reference)

				// Then
				Expect(err).ToNot(HaveOccurred())
				Expect(tx.Status).To(Equal(transaction.StatusPending))
				Expect(queue.contains(reference)).To(BeTrue())
			})
		})

		Context("when the gateway still reports the payment as pending", func() {
			It("should not mutate the transaction", func() {
				gw.verifyResult = &gateway.VerificationResult{Status: transaction.StatusPending}

				tx, err := service.ProcessNotification(context.Background(), reference)

				Expect(err).ToNot(HaveOccurred())
				Expect(tx.Status).To(Equal(transaction.StatusPending))
				Expect(queue.contains(reference)).To(BeTrue())
			})
		})

		Context("when the reference is unknown", func() {
			It("should return not found", func() {
				_, err := service.ProcessNotification(context.Background(), "CINETPAY_0_0_0_missing")

				Expect(errors.Is(err, apperrors.ErrTransactionNotFound)).To(BeTrue())
			})
		})
	})

	Describe("RebuildQueue", func() {
		It("should re-enqueue only PENDING transactions", func() {
			// Given one pending and one resolved transaction
			pending, err := service.Create(context.Background(), validRequest())
			Expect(err).ToNot(HaveOccurred())

			resolvedReq := validRequest()
			resolvedReq.PayerID = 99
			resolved, err := service.Create(context.Background(), resolvedReq)
			Expect(err).ToNot(HaveOccurred())
			_, err = service.ApplyStatus(context.Background(), resolved.ExternalReference, transaction.StatusAccepted, transaction.GatewayMetadata{}, transactionPkg.SourceWebhook)
			Expect(err).ToNot(HaveOccurred())

			// When
			count, err := service.RebuildQueue(context.Background())

			// Then
			Expect(err).ToNot(HaveOccurred())
			Expect(count).To(Equal(1))
			Expect(queue.contains(pending.ExternalReference)).To(BeTrue())
			Expect(queue.contains(resolved.ExternalReference)).To(BeFalse())
		})
	})
})
