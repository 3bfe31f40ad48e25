package fsm

import (
	"context"
	"database/sql"

	"pesabridge/internal/models"
)

// Status constants used by the invoice state machine.
const (
	StatusPending       = "pending"
	StatusPendingReview = "pending_review"
	StatusPaid          = "paid"
	StatusExpired       = "expired"
	StatusCancelled     = "cancelled"
)

// The lifecycle is monotonic: the only forward path is pending/pending_review
// to paid, the terminal states are reachable from any non-terminal state, and
// paid is never left.
var transitions = map[string]map[string]struct{}{
	StatusPending: {
		StatusPendingReview: {},
		StatusPaid:          {},
		StatusExpired:       {},
		StatusCancelled:     {},
	},
	StatusPendingReview: {
		StatusPaid:      {},
		StatusExpired:   {},
		StatusCancelled: {},
	},
	StatusPaid:      {},
	StatusExpired:   {},
	StatusCancelled: {},
}

// Terminal reports whether the status admits no further transitions besides itself.
func Terminal(status string) bool {
	return status == StatusPaid || status == StatusExpired || status == StatusCancelled
}

// CanTransition returns whether an invoice can move from one status to another.
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	allowed, ok := transitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[to]
	return ok
}

// Execer is the subset of database/sql used to apply transitions.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Apply updates an invoice status using optimistic validation. The UPDATE is
// conditional on the current status so concurrent writers cannot apply the
// same transition twice; callers distinguish a lost race via ErrNoRecord.
func Apply(ctx context.Context, ex Execer, invoiceID, fromStatus, toStatus string) error {
	if !CanTransition(fromStatus, toStatus) {
		return models.ErrInvalidTransition
	}
	res, err := ex.ExecContext(ctx,
		`UPDATE invoices SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2 AND status = $3`,
		toStatus, invoiceID, fromStatus)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return models.ErrNoRecord
	}
	return nil
}
