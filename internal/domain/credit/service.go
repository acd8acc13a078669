package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mwork/credit-ledger/internal/pkg/retry"
)

// Options configures the ledger. Zero fields take the defaults below.
type Options struct {
	ExpiryDays         int
	WarningLeadDays    int
	AlertCooldown      time.Duration
	LowCreditThreshold decimal.Decimal
	OpTimeout          time.Duration
	SweepUserLimit     int
	Retry              retry.Policy

	// Now is the ledger clock.
	Now func() time.Time

	// Publisher receives every alert after it is stored.
	Publisher AlertPublisher
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		ExpiryDays:         30,
		WarningLeadDays:    7,
		AlertCooldown:      24 * time.Hour,
		LowCreditThreshold: decimal.NewFromInt(10),
		OpTimeout:          10 * time.Second,
		SweepUserLimit:     500,
		Retry:              retry.DefaultPolicy(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.ExpiryDays <= 0 {
		o.ExpiryDays = d.ExpiryDays
	}
	if o.WarningLeadDays <= 0 {
		o.WarningLeadDays = d.WarningLeadDays
	}
	if o.AlertCooldown <= 0 {
		o.AlertCooldown = d.AlertCooldown
	}
	if o.LowCreditThreshold.IsZero() {
		o.LowCreditThreshold = d.LowCreditThreshold
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = d.OpTimeout
	}
	if o.SweepUserLimit <= 0 {
		o.SweepUserLimit = d.SweepUserLimit
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = d.Retry
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Publisher == nil {
		o.Publisher = noopPublisher{}
	}
	return o
}

// Service is the credit ledger.
type Service interface {
	// Purchase turns a confirmed payment into a purchase batch plus an optional
	// bonus batch. A repeated payment reference returns the original batches.
	Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error)

	// Grant creates a single adjustment or refund batch, idempotent on reference.
	Grant(ctx context.Context, req GrantRequest) (*PurchaseResult, error)

	// Deduct spends credits oldest batch first. ErrInsufficientCredits is a
	// normal outcome; the check is repeated under lock whatever the caller saw.
	Deduct(ctx context.Context, req DeductRequest) (*DeductResult, error)

	// Sweep expires every batch past its expiry date, one user per transaction.
	Sweep(ctx context.Context) (*SweepResult, error)

	SendExpirationWarnings(ctx context.Context, leadDays int) (*NotificationResult, error)
	SendExpirationNotifications(ctx context.Context, expiredBatchIDs []uuid.UUID) (*NotificationResult, error)

	GetBalance(ctx context.Context, userID uuid.UUID) (*Balance, error)
	CheckSufficient(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (bool, error)

	ListBatches(ctx context.Context, userID uuid.UUID, filter BatchFilter, limit int) ([]*CreditBatch, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*CreditTransaction, error)
	ListAlerts(ctx context.Context, userID uuid.UUID, limit int) ([]*CreditAlert, error)

	// Reconcile recomputes the aggregate from the batch set and optionally rewrites it.
	Reconcile(ctx context.Context, userID uuid.UUID, repair bool) (*Reconciliation, error)
}

// service implements the Service interface
type service struct {
	store Store
	opts  Options
}

// NewService creates a new credit service
func NewService(store Store, opts Options) Service {
	return &service{store: store, opts: opts.withDefaults()}
}

func (s *service) now() time.Time {
	return s.opts.Now().UTC()
}

// inTx runs fn in a store transaction bounded by OpTimeout, retrying transient failures.
func (s *service) inTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	return retry.Do(ctx, s.opts.Retry, IsTransient, func() error {
		return s.store.WithTx(ctx, fn)
	})
}

// read runs a read-only query with the same retry policy.
func (s *service) read(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OpTimeout)
	defer cancel()

	return retry.Do(ctx, s.opts.Retry, IsTransient, func() error {
		return fn(ctx)
	})
}

func (s *service) ListBatches(ctx context.Context, userID uuid.UUID, filter BatchFilter, limit int) ([]*CreditBatch, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidUser
	}
	now := s.now()
	soon := now.AddDate(0, 0, s.opts.WarningLeadDays)

	var batches []*CreditBatch
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		batches, err = s.store.ListBatches(ctx, userID, filter, now, soon, limit)
		return err
	})
	return batches, err
}

// ListTransactions returns paginated transaction history for a user
func (s *service) ListTransactions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*CreditTransaction, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidUser
	}
	if limit <= 0 {
		limit = 20
	}

	var txs []*CreditTransaction
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		txs, err = s.store.ListTransactions(ctx, userID, Pagination{Limit: limit, Offset: offset})
		return err
	})
	return txs, err
}

func (s *service) ListAlerts(ctx context.Context, userID uuid.UUID, limit int) ([]*CreditAlert, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidUser
	}

	var alerts []*CreditAlert
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		alerts, err = s.store.ListAlerts(ctx, userID, limit)
		return err
	})
	return alerts, err
}

func newTransaction(userID uuid.UUID, txType TxType, amount, before, after decimal.Decimal, now time.Time) *CreditTransaction {
	return &CreditTransaction{
		ID:            uuid.New(),
		UserID:        userID,
		TxType:        txType,
		Amount:        amount,
		BalanceBefore: before,
		BalanceAfter:  after,
		CreatedAt:     now,
	}
}

func checkAggregate(a *UserCreditAggregate) error {
	if a.Available().IsNegative() {
		return fmt.Errorf("%w: user %s available %s is negative", ErrInvariantViolation, a.UserID, a.Available())
	}
	return nil
}
