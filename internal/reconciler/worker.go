package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/lafaom/payment-service/internal/core/datamodel/transaction"
	"github.com/lafaom/payment-service/internal/gateway"
	"github.com/lafaom/payment-service/internal/metrics"
	transactionpkg "github.com/lafaom/payment-service/internal/transaction"
)

// Ledger is the slice of the transaction service the worker mutates through.
type Ledger interface {
	ApplyStatus(ctx context.Context, reference string, status transaction.Status, meta transaction.GatewayMetadata, source string) (*transaction.Transaction, error)
}

// Verifier asks the gateway for the authoritative transaction status.
type Verifier interface {
	Verify(ctx context.Context, reference string) (*gateway.VerificationResult, error)
}

type Config struct {
	Interval time.Duration
	Batch    int
	PoolSize int
}

// Worker drains the reconciliation queue on a fixed interval. Every due
// entry gets one verify per tick; transactions the gateway never resolves
// are failed once the attempt budget is spent.
type Worker struct {
	queue    transactionpkg.Queue
	ledger   Ledger
	verifier Verifier
	config   Config
	pool     *ants.Pool
	logger   *slog.Logger
}

func NewWorker(queue transactionpkg.Queue, ledger Ledger, verifier Verifier, config Config, logger *slog.Logger) (*Worker, error) {
	if config.Interval <= 0 {
		config.Interval = 15 * time.Second
	}
	if config.Batch <= 0 {
		config.Batch = 10
	}
	if config.PoolSize <= 0 {
		config.PoolSize = 5
	}

	pool, err := ants.NewPool(config.PoolSize, ants.WithNonblocking(false))
	if err != nil {
		return nil, err
	}

	return &Worker{
		queue:    queue,
		ledger:   ledger,
		verifier: verifier,
		config:   config,
		pool:     pool,
		logger:   logger,
	}, nil
}

// Run blocks until the context is cancelled. In-flight verifications finish
// before the pool is released.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("reconciliation worker started",
		"interval", w.config.Interval,
		"batch", w.config.Batch,
		"pool_size", w.config.PoolSize)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("reconciliation worker stopping")
			w.pool.Release()
			return ctx.Err()
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Worker) tick(ctx context.Context) {
	entries, err := w.queue.DueEntries(ctx, time.Now(), w.config.Batch)
	if err != nil {
		w.logger.Error("failed to claim due entries", "error", err)
		return
	}

	if depth, err := w.queue.Depth(ctx); err == nil {
		metrics.QueueDepth.Set(float64(depth))
	}

	if len(entries) == 0 {
		return
	}

	w.logger.Debug("reconciling due transactions", "count", len(entries))

	for _, entry := range entries {
		entry := entry
		if err := w.pool.Submit(func() {
			w.process(ctx, entry)
		}); err != nil {
			w.logger.Error("failed to submit reconciliation task",
				"external_reference", entry.Reference,
				"error", err)
		}
	}
}

// process performs one poll. The order matters: the verify counts as this
// entry's attempt, so a transaction is failed on exactly its last allowed
// poll instead of one tick later.
func (w *Worker) process(ctx context.Context, entry transactionpkg.QueueEntry) {
	result, err := w.verifier.Verify(ctx, entry.Reference)
	if err == nil && result.Status.Terminal() {
		if _, applyErr := w.ledger.ApplyStatus(ctx, entry.Reference, result.Status, transaction.GatewayMetadata{
			OperatorID:    result.OperatorID,
			PaymentMethod: result.PaymentMethod,
			ErrorMessage:  result.ErrorMessage,
			PaidAt:        result.PaidAt,
		}, transactionpkg.SourceReconciler); applyErr != nil {
			w.logger.Error("failed to apply verified status",
				"external_reference", entry.Reference,
				"status", result.Status,
				"error", applyErr)
			return
		}
		metrics.ReconcilePolls.WithLabelValues("resolved").Inc()
		return
	}

	outcome := "pending"
	if err != nil {
		if gateway.IsUnavailable(err) {
			outcome = "unavailable"
		} else {
			outcome = "error"
		}
		w.logger.Warn("reconciliation verify failed",
			"external_reference", entry.Reference,
			"attempts", entry.Attempts,
			"error", err)
	}

	attempts := entry.Attempts + 1
	if attempts >= entry.MaxAttempts {
		w.logger.Warn("verification attempts exhausted, failing transaction",
			"external_reference", entry.Reference,
			"attempts", attempts)
		if _, applyErr := w.ledger.ApplyStatus(ctx, entry.Reference, transaction.StatusFailed, transaction.GatewayMetadata{
			ErrorMessage: "verification attempts exhausted",
		}, transactionpkg.SourceReconciler); applyErr != nil {
			w.logger.Error("failed to mark transaction as exhausted",
				"external_reference", entry.Reference,
				"error", applyErr)
			return
		}
		metrics.ReconcilePolls.WithLabelValues("exhausted").Inc()
		return
	}

	metrics.ReconcilePolls.WithLabelValues(outcome).Inc()
	if err := w.queue.Reschedule(ctx, entry.Reference, attempts, time.Now().Add(w.config.Interval)); err != nil {
		w.logger.Error("failed to reschedule transaction",
			"external_reference", entry.Reference,
			"error", err)
	}
}
