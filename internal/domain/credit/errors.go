package credit

import "errors"

var (
	// ErrInsufficientCredits is returned when the spendable batches cannot cover a deduction.
	// It is an expected outcome and is never retried.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidAmount is returned when amount is <= 0 or finer than CreditScale
	ErrInvalidAmount = errors.New("invalid amount: must be greater than 0 with at most 4 decimal places")

	ErrInvalidUser      = errors.New("invalid user id")
	ErrMissingReference = errors.New("idempotency reference is required")
	ErrInvalidFilter    = errors.New("invalid batch filter")
	ErrInvalidBatchType = errors.New("invalid batch type")

	// ErrReferenceConflict is returned when an operation reference is reused with a different amount.
	ErrReferenceConflict = errors.New("reference already used with a different amount")

	// ErrDuplicatePurchase marks a payment reference that already produced batches.
	ErrDuplicatePurchase = errors.New("duplicate purchase reference")

	// ErrTransientStorage covers lock timeouts, serialization failures and connection loss.
	ErrTransientStorage = errors.New("transient storage error")

	// ErrInvariantViolation means a write would break a ledger invariant. The transaction is aborted.
	ErrInvariantViolation = errors.New("ledger invariant violation")

	ErrBatchNotFound = errors.New("batch not found")

	ErrInternal = errors.New("internal error")
)

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransientStorage)
}
