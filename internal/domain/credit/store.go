package credit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reader is the read side shared by Store and Tx.
type Reader interface {
	GetAggregate(ctx context.Context, userID uuid.UUID) (*UserCreditAggregate, error)
	ListBatches(ctx context.Context, userID uuid.UUID, filter BatchFilter, now, soon time.Time, limit int) ([]*CreditBatch, error)
	GetBatchesByIDs(ctx context.Context, ids []uuid.UUID) ([]*CreditBatch, error)
	GetBalanceSnapshot(ctx context.Context, userID uuid.UUID, now time.Time) (*BalanceSnapshot, error)
	SumBatches(ctx context.Context, userID uuid.UUID) (*BatchTotals, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]*CreditTransaction, error)
	ListAlerts(ctx context.Context, userID uuid.UUID, limit int) ([]*CreditAlert, error)
	ListExpiringBalances(ctx context.Context, from, until time.Time) ([]ExpiringBalance, error)
	ListUsersPastExpiry(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// Tx is a unit of work holding row locks until it returns.
type Tx interface {
	Reader

	// LockSpendableBatches locks the user's batches that are not expired, have
	// credits remaining and expire after now, ordered oldest first.
	LockSpendableBatches(ctx context.Context, userID uuid.UUID, now time.Time) ([]*CreditBatch, error)

	// LockPastExpiryBatches locks the user's unexpired batches with credits
	// remaining whose expiry date is at or before now.
	LockPastExpiryBatches(ctx context.Context, userID uuid.UUID, now time.Time) ([]*CreditBatch, error)

	// LockAggregate locks the user's aggregate row, creating it when absent.
	LockAggregate(ctx context.Context, userID uuid.UUID, now time.Time) (*UserCreditAggregate, error)

	InsertBatch(ctx context.Context, b *CreditBatch) error

	// ConsumeBatch moves amount from remaining to used. It fails with
	// ErrInvariantViolation if the batch is expired or remaining would go negative.
	ConsumeBatch(ctx context.Context, batchID uuid.UUID, amount decimal.Decimal) error

	// ExpireBatch flips is_expired and sets expired_at. It fails with
	// ErrInvariantViolation if the batch is already expired.
	ExpireBatch(ctx context.Context, batchID uuid.UUID, at time.Time) error

	SaveAggregate(ctx context.Context, a *UserCreditAggregate) error
	InsertTransaction(ctx context.Context, t *CreditTransaction) error
	FindTransactionByReference(ctx context.Context, userID uuid.UUID, txType TxType, reference string) (*CreditTransaction, error)
	FindBatchesByPaymentRef(ctx context.Context, paymentRef string) ([]*CreditBatch, error)
	AlertExistsSince(ctx context.Context, userID uuid.UUID, alertType AlertType, since time.Time) (bool, error)
	InsertAlert(ctx context.Context, a *CreditAlert) error
}

// Store is the persistence contract used by the ledger components.
type Store interface {
	Reader
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
