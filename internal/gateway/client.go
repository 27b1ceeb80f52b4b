package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/lafaom/payment-service/internal/core/datamodel/transaction"
	"github.com/lafaom/payment-service/internal/metrics"
)

// ErrUnavailable covers timeouts, connection failures and 5xx answers from
// the gateway. Callers treat it as transient: the transaction stays PENDING
// and reconciliation retries later.
var ErrUnavailable = errors.New("payment gateway unavailable")

// RejectedError is a definitive refusal from the gateway at initiation time.
type RejectedError struct {
	Code    string
	Message string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway rejected initiation: code=%s message=%s", e.Code, e.Message)
}

// IsUnavailable reports whether the error is a transient gateway failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrUnavailable)
}

// AsRejected unwraps a definitive gateway refusal, if the error is one.
func AsRejected(err error) (*RejectedError, bool) {
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return rejected, true
	}
	return nil, false
}

type InitiationRequest struct {
	Reference   string
	Amount      int64
	Currency    string
	Description string
}

type InitiationResult struct {
	PaymentURL   string
	PaymentToken string
}

// VerificationResult is the gateway's current view of a transaction. Status
// is already mapped to the canonical set; unrecognized vendor statuses map
// to PENDING so the poller keeps checking.
type VerificationResult struct {
	Status        transaction.Status
	OperatorID    string
	PaymentMethod string
	ErrorMessage  string
	PaidAt        *time.Time
}

type Config struct {
	BaseURL   string
	APIKey    string
	SiteID    string
	SecretKey string
	NotifyURL string
	ReturnURL string
	Channels  string
	Timeout   time.Duration
}

type Client struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

func NewClient(config Config, logger *slog.Logger) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if config.Channels == "" {
		config.Channels = "ALL"
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger,
	}
}

type initiateResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		PaymentURL   string `json:"payment_url"`
		PaymentToken string `json:"payment_token"`
	} `json:"data"`
}

// Initiate registers the transaction with the gateway and returns the hosted
// payment page URL. A "201" code is the only success answer.
func (c *Client) Initiate(ctx context.Context, req InitiationRequest) (*InitiationResult, error) {
	payload := map[string]interface{}{
		"apikey":         c.config.APIKey,
		"site_id":        c.config.SiteID,
		"transaction_id": req.Reference,
		"amount":         req.Amount,
		"currency":       req.Currency,
		"description":    req.Description,
		"notify_url":     c.config.NotifyURL,
		"return_url":     c.config.ReturnURL,
		"channels":       c.config.Channels,
	}

	start := time.Now()
	var apiResp initiateResponse
	err := c.post(ctx, "/v2/payment", payload, &apiResp)
	metrics.GatewayRequestDuration.WithLabelValues("initiate").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	if apiResp.Code != "201" {
		c.logger.Warn("gateway refused initiation",
			"reference", req.Reference,
			"code", apiResp.Code,
			"message", apiResp.Message)
		return nil, &RejectedError{Code: apiResp.Code, Message: apiResp.Message}
	}

	c.logger.Info("payment initiated with gateway",
		"reference", req.Reference,
		"payment_url", apiResp.Data.PaymentURL)

	return &InitiationResult{
		PaymentURL:   apiResp.Data.PaymentURL,
		PaymentToken: apiResp.Data.PaymentToken,
	}, nil
}

type verifyResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Status        string `json:"status"`
		PaymentMethod string `json:"payment_method"`
		OperatorID    string `json:"operator_id"`
		PaymentDate   string `json:"payment_date"`
		ErrorMessage  string `json:"error_message"`
	} `json:"data"`
}

// Verify asks the gateway for the authoritative status of a transaction.
func (c *Client) Verify(ctx context.Context, reference string) (*VerificationResult, error) {
	payload := map[string]interface{}{
		"apikey":         c.config.APIKey,
		"site_id":        c.config.SiteID,
		"transaction_id": reference,
	}

	start := time.Now()
	var apiResp verifyResponse
	err := c.post(ctx, "/v2/payment/check", payload, &apiResp)
	metrics.GatewayRequestDuration.WithLabelValues("verify").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	result := &VerificationResult{
		Status:        mapVendorStatus(apiResp.Data.Status),
		OperatorID:    apiResp.Data.OperatorID,
		PaymentMethod: apiResp.Data.PaymentMethod,
		ErrorMessage:  apiResp.Data.ErrorMessage,
	}

	if result.Status == transaction.StatusAccepted && apiResp.Data.PaymentDate != "" {
		if paidAt, err := time.Parse("2006-01-02 15:04:05", apiResp.Data.PaymentDate); err == nil {
			result.PaidAt = &paidAt
		}
	}

	c.logger.Debug("gateway verification result",
		"reference", reference,
		"vendor_status", apiResp.Data.Status,
		"status", result.Status)

	return result, nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal gateway request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("gateway request failed", "path", path, "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		c.logger.Warn("gateway returned server error", "path", path, "status_code", resp.StatusCode)
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}

	return nil
}

// mapVendorStatus folds the gateway's status vocabulary into the canonical
// set. Anything unknown stays PENDING rather than guessing a terminal state.
func mapVendorStatus(vendor string) transaction.Status {
	switch vendor {
	case "ACCEPTED", "SUCCES", "SUCCESS":
		return transaction.StatusAccepted
	case "REFUSED", "CANCELLED":
		return transaction.StatusRefused
	case "FAILED":
		return transaction.StatusFailed
	default:
		return transaction.StatusPending
	}
}
