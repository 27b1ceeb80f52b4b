package transaction_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/lafaom/payment-service/internal/core/datamodel/transaction"
	"github.com/lafaom/payment-service/internal/core/events"
	"github.com/lafaom/payment-service/internal/gateway"
	transactionPkg "github.com/lafaom/payment-service/internal/transaction"
	"github.com/lafaom/payment-service/internal/transport"
)

var _ = Describe("WebhookHandler", func() {
	const secretKey = "test-secret-key"

	var (
		handler   *transactionPkg.WebhookHandler
		service   *transactionPkg.Service
		mockRepo  *mockRepository
		queue     *mockQueue
		gw        *mockGateway
		logger    *slog.Logger
		reference string
	)

	notificationForm := func(reference string) url.Values {
		form := url.Values{}
		form.Set("cpm_site_id", "105885")
		form.Set("cpm_trans_id", reference)
		form.Set("cpm_trans_date", "2026-08-24 10:00:00")
		form.Set("cpm_amount", "5000")
		form.Set("cpm_currency", "XOF")
		form.Set("payment_method", "OMCIV2")
		return form
	}

	postNotification := func(form url.Values, token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/notification", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if token != "" {
			req.Header.Set("x-token", token)
		}
		recorder := httptest.NewRecorder()
		handler.HandleNotification(recorder, req)
		return recorder
	}

	BeforeEach(func() {
		mockRepo = newMockRepository()
		queue = newMockQueue()
		gw = &mockGateway{
			initiateResult: &gateway.InitiationResult{
				PaymentURL:   "https://checkout.example.com/pay/xyz",
				PaymentToken: "tok_123",
			},
			verifyResult: &gateway.VerificationResult{
				Status:        transaction.StatusAccepted,
				PaymentMethod: "OMCIV2",
			},
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

		var err error
		service, err = transactionPkg.NewService(mockRepo, queue, gw, events.NewEventBus(logger), transactionPkg.ServiceConfig{
			Operator:        "CINETPAY",
			FirstCheckDelay: 15 * time.Second,
		}, logger)
		Expect(err).ToNot(HaveOccurred())

		handler = transactionPkg.NewWebhookHandler(transport.NewBaseHandler(logger), service, transactionPkg.WebhookConfig{
			SecretKey:       secretKey,
			SignatureHeader: "x-token",
		}, logger)

		tx, err := service.Create(context.Background(), &transactionPkg.InitiatePaymentRequest{
			PayerID:   42,
			ContextID: 7,
			Amount:    5000,
			Currency:  "XOF",
			Kind:      string(transaction.KindRegistrationFee),
		})
		Expect(err).ToNot(HaveOccurred())
		reference = tx.ExternalReference
	})

	Context("when the signature is valid", func() {
		It("should verify server-to-server and resolve the transaction", func() {
			// Given
			form := notificationForm(reference)
			token := gateway.ComputeSignature(form, secretKey)

			// When
			recorder := postNotification(form, token)

			// Then
			Expect(recorder.Code).To(Equal(http.StatusOK))
			stored, err := mockRepo.GetByReference(reference)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(transaction.StatusAccepted))
			Expect(queue.contains(reference)).To(BeFalse())
		})

		It("should treat a duplicate delivery as a no-op", func() {
			// Given a first, successful delivery
			form := notificationForm(reference)
			token := gateway.ComputeSignature(form, secretKey)
			Expect(postNotification(form, token).Code).To(Equal(http.StatusOK))

			// When the gateway redelivers
			recorder := postNotification(form, token)

			// Then
			Expect(recorder.Code).To(Equal(http.StatusOK))
			stored, err := mockRepo.GetByReference(reference)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(transaction.StatusAccepted))
		})
	})

	Context("when the signature is invalid", func() {
		It("should reject with 400 and never mutate the ledger", func() {
			// Given
			form := notificationForm(reference)
			token := gateway.ComputeSignature(form, "wrong-secret")

			// When
			recorder := postNotification(form, token)

			// Then
			Expect(recorder.Code).To(Equal(http.StatusBadRequest))
			stored, err := mockRepo.GetByReference(reference)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(transaction.StatusPending))
			Expect(queue.contains(reference)).To(BeTrue())
			Expect(gw.verifyCalls).To(Equal(0))
		})
	})

	Context("when the signature header is missing", func() {
		It("should reject with 400", func() {
			form := notificationForm(reference)

			recorder := postNotification(form, "")

			Expect(recorder.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("when the transaction reference is missing", func() {
		It("should reject with 400", func() {
			// Given a signed form without cpm_trans_id
			form := notificationForm("")
			form.Del("cpm_trans_id")
			token := gateway.ComputeSignature(form, secretKey)

			// When
			recorder := postNotification(form, token)

			// Then
			Expect(recorder.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Context("when the reference is unknown", func() {
		It("should return 404", func() {
			form := notificationForm("CINETPAY_0_0_0_missing")
			token := gateway.ComputeSignature(form, secretKey)

			recorder := postNotification(form, token)

			Expect(recorder.Code).To(Equal(http.StatusNotFound))
		})
	})

	Context("when the gateway is unavailable during verification", func() {
		It("should still respond 200 and leave the queue entry alone", func() {
			// Given
			gw.verifyErr = gateway.ErrUnavailable
			form := notificationForm(reference)
			token := gateway.ComputeSignature(form, secretKey)

			// When
			recorder := postNotification(form, token)

			// Then
			Expect(recorder.Code).To(Equal(http.StatusOK))
			stored, err := mockRepo.GetByReference(reference)
			Expect(err).ToNot(HaveOccurred())
			Expect(stored.Status).To(Equal(transaction.StatusPending))
			Expect(queue.contains(reference)).To(BeTrue())
		})
	})
})
