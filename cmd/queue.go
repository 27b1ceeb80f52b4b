package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Manage the reconciliation queue",
}

// queue rebuild re-enqueues all PENDING transactions, used after a Redis
// flush or data loss. Live entries keep their schedule and attempt count.
var queueRebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-enqueue all PENDING transactions for reconciliation",
	Run: func(cmd *cobra.Command, args []string) {
		deps, err := initializeDependencies()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
			os.Exit(1)
		}
		defer closeDependencies(deps)

		enqueued, err := deps.Service.RebuildQueue(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to rebuild queue: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("reconciliation queue rebuilt: %d transactions enqueued\n", enqueued)
	},
}

func init() {
	queueCmd.AddCommand(queueRebuildCmd)
}
