package transaction

import (
	"github.com/lafaom/payment-service/internal/core/datamodel/transaction"
)

// CanTransition reports whether a status change is a real transition.
// PENDING may move to any terminal status. Terminal states never move:
// a late or duplicate resolution against them is ignored, not rejected.
func CanTransition(from, to transaction.Status) bool {
	return from == transaction.StatusPending && to.Terminal()
}
