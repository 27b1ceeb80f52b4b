package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lafaom/payment-service/internal/reconciler"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start background workers",
	Long:  `Start and manage long-running workers such as the reconciliation poller.`,
}

// Reconciliation worker command
var reconcileWorkerCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Start the reconciliation worker",
	Long:  `Poll the payment gateway for PENDING transactions until each one resolves or exhausts its attempts`,
	Run: func(cmd *cobra.Command, args []string) {
		startReconcileWorker()
	},
}

var (
	reconcileInterval time.Duration
	reconcileBatch    int
	reconcilePoolSize int
)

func startReconcileWorker() {
	deps, err := initializeDependencies()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer closeDependencies(deps)

	cfg := reconciler.Config{
		Interval: deps.Config.Reconciler.Interval,
		Batch:    int(deps.Config.Reconciler.BatchSize),
		PoolSize: deps.Config.Reconciler.PoolSize,
	}
	if reconcileInterval > 0 {
		cfg.Interval = reconcileInterval
	}
	if reconcileBatch > 0 {
		cfg.Batch = reconcileBatch
	}
	if reconcilePoolSize > 0 {
		cfg.PoolSize = reconcilePoolSize
	}

	worker, err := reconciler.NewWorker(deps.Queue, deps.Service, deps.Gateway, cfg, deps.Logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize reconciliation worker: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := worker.Run(ctx); err != nil && err != context.Canceled {
			deps.Logger.Error("reconciliation worker stopped with error", "error", err)
		}
	}()

	deps.Logger.Info("reconciliation worker is running. Press Ctrl+C to stop.")

	sig := <-sigChan
	deps.Logger.Info("received signal, shutting down reconciliation worker", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	select {
	case <-workerDone:
		deps.Logger.Info("reconciliation worker shutdown complete")
	case <-shutdownCtx.Done():
		deps.Logger.Warn("shutdown timeout reached, forcing exit")
	}
}

func init() {
	reconcileWorkerCmd.Flags().DurationVar(&reconcileInterval, "interval", 0, "Polling interval (overrides config)")
	reconcileWorkerCmd.Flags().IntVar(&reconcileBatch, "batch", 0, "Entries claimed per tick (overrides config)")
	reconcileWorkerCmd.Flags().IntVar(&reconcilePoolSize, "pool-size", 0, "Concurrent verifications (overrides config)")

	workerCmd.AddCommand(reconcileWorkerCmd)
}
