package credit

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
)

const queryTimeout = 3 * time.Second

const batchColumns = `id, seq, user_id, credits_purchased, credits_remaining, credits_used,
	purchase_date, expiry_date, is_expired, expired_at, batch_type, payment_reference, metadata`

const aggregateColumns = `user_id, total_credits, used_credits, expired_credits,
	last_purchase_at, last_usage_at, last_expiry_at, updated_at`

const transactionColumns = `id, user_id, tx_type, amount, balance_before, balance_after,
	operation_type, reference, description, metadata, created_at`

const alertColumns = `id, user_id, alert_type, threshold_value, current_value, metadata, created_at`

var errUniqueViolation = errors.New("unique violation")

// PostgresStore provides the credit ledger on PostgreSQL. Row locks are taken
// with SELECT ... FOR UPDATE, and every transaction sets a lock_timeout so a
// blocked deduction or sweep gives up instead of waiting forever.
type PostgresStore struct {
	pgReader
	db          *sqlx.DB
	lockTimeout time.Duration
}

func NewRepository(db *sqlx.DB, lockTimeout time.Duration) *PostgresStore {
	return &PostgresStore{pgReader: pgReader{q: db}, db: db, lockTimeout: lockTimeout}
}

func (r *PostgresStore) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return classify(err, "begin tx")
	}
	defer tx.Rollback()

	if r.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", r.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return classify(err, "set lock timeout")
		}
	}

	if err := fn(ctx, &pgTx{pgReader: pgReader{q: tx}}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(err, "commit tx")
	}
	return nil
}

type pgReader struct {
	q sqlx.ExtContext
}

func (r pgReader) GetAggregate(ctx context.Context, userID uuid.UUID) (*UserCreditAggregate, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var a UserCreditAggregate
	err := sqlx.GetContext(ctx2, r.q, &a, `SELECT `+aggregateColumns+` FROM user_credit_aggregate WHERE user_id = $1`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err, "get aggregate")
	}
	return &a, nil
}

func (r pgReader) ListBatches(ctx context.Context, userID uuid.UUID, filter BatchFilter, now, soon time.Time, limit int) ([]*CreditBatch, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 50
	}

	var where, order string
	args := []interface{}{userID, limit}
	switch filter {
	case FilterActive:
		where = `AND is_expired = false AND credits_remaining > 0 AND expiry_date > $3`
		order = `purchase_date ASC, seq ASC`
		args = append(args, now)
	case FilterExpiringSoon:
		where = `AND is_expired = false AND credits_remaining > 0 AND expiry_date > $3 AND expiry_date <= $4`
		order = `expiry_date ASC, seq ASC`
		args = append(args, now, soon)
	case FilterExpired:
		where = `AND (is_expired = true OR expiry_date <= $3)`
		order = `expiry_date DESC, seq DESC`
		args = append(args, now)
	case FilterAll:
		order = `purchase_date ASC, seq ASC`
	default:
		return nil, ErrInvalidFilter
	}

	batches := make([]*CreditBatch, 0)
	query := `SELECT ` + batchColumns + ` FROM credit_batches WHERE user_id = $1 ` + where + ` ORDER BY ` + order + ` LIMIT $2`
	if err := sqlx.SelectContext(ctx2, r.q, &batches, query, args...); err != nil {
		return nil, classify(err, "list batches")
	}
	return batches, nil
}

func (r pgReader) GetBatchesByIDs(ctx context.Context, ids []uuid.UUID) ([]*CreditBatch, error) {
	batches := make([]*CreditBatch, 0, len(ids))
	if len(ids) == 0 {
		return batches, nil
	}

	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	err := sqlx.SelectContext(ctx2, r.q, &batches, `
		SELECT `+batchColumns+`
		FROM credit_batches
		WHERE id = ANY($1::uuid[])
		ORDER BY user_id, purchase_date ASC, seq ASC
	`, pq.StringArray(raw))
	if err != nil {
		return nil, classify(err, "get batches by ids")
	}
	return batches, nil
}

func (r pgReader) GetBalanceSnapshot(ctx context.Context, userID uuid.UUID, now time.Time) (*BalanceSnapshot, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	// One statement so the aggregate and the past-expiry sum come from the same snapshot.
	var snap BalanceSnapshot
	err := sqlx.GetContext(ctx2, r.q, &snap, `
		SELECT a.user_id, a.total_credits, a.used_credits, a.expired_credits,
		       a.last_purchase_at, a.last_usage_at, a.last_expiry_at, a.updated_at,
		       COALESCE((
		           SELECT SUM(b.credits_remaining)
		           FROM credit_batches b
		           WHERE b.user_id = a.user_id
		             AND b.is_expired = false
		             AND b.credits_remaining > 0
		             AND b.expiry_date <= $2
		       ), 0) AS past_expiry
		FROM user_credit_aggregate a
		WHERE a.user_id = $1
	`, userID, now)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err, "get balance snapshot")
	}
	return &snap, nil
}

func (r pgReader) SumBatches(ctx context.Context, userID uuid.UUID) (*BatchTotals, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var totals BatchTotals
	err := sqlx.GetContext(ctx2, r.q, &totals, `
		SELECT COALESCE(SUM(credits_purchased), 0) AS total,
		       COALESCE(SUM(credits_used), 0) AS used,
		       COALESCE(SUM(credits_remaining) FILTER (WHERE is_expired), 0) AS expired,
		       COALESCE(SUM(credits_remaining) FILTER (WHERE NOT is_expired), 0) AS available
		FROM credit_batches
		WHERE user_id = $1
	`, userID)
	if err != nil {
		return nil, classify(err, "sum batches")
	}
	return &totals, nil
}

func (r pgReader) ListTransactions(ctx context.Context, userID uuid.UUID, pagination Pagination) ([]*CreditTransaction, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	limit := pagination.Limit
	if limit <= 0 {
		limit = 20
	}

	transactions := make([]*CreditTransaction, 0)
	err := sqlx.SelectContext(ctx2, r.q, &transactions, `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, userID, limit, pagination.Offset)
	if err != nil {
		return nil, classify(err, "list transactions")
	}
	return transactions, nil
}

func (r pgReader) ListAlerts(ctx context.Context, userID uuid.UUID, limit int) ([]*CreditAlert, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 20
	}

	alerts := make([]*CreditAlert, 0)
	err := sqlx.SelectContext(ctx2, r.q, &alerts, `
		SELECT `+alertColumns+`
		FROM credit_alerts
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, classify(err, "list alerts")
	}
	return alerts, nil
}

func (r pgReader) ListExpiringBalances(ctx context.Context, from, until time.Time) ([]ExpiringBalance, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	balances := make([]ExpiringBalance, 0)
	err := sqlx.SelectContext(ctx2, r.q, &balances, `
		SELECT user_id,
		       SUM(credits_remaining) AS credits,
		       COUNT(*) AS batch_count,
		       MIN(expiry_date) AS earliest_expiry
		FROM credit_batches
		WHERE is_expired = false
		  AND credits_remaining > 0
		  AND expiry_date > $1
		  AND expiry_date <= $2
		GROUP BY user_id
		ORDER BY user_id
	`, from, until)
	if err != nil {
		return nil, classify(err, "list expiring balances")
	}
	return balances, nil
}

func (r pgReader) ListUsersPastExpiry(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	ctx2, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 500
	}

	users := make([]uuid.UUID, 0)
	err := sqlx.SelectContext(ctx2, r.q, &users, `
		SELECT DISTINCT user_id
		FROM credit_batches
		WHERE is_expired = false AND credits_remaining > 0 AND expiry_date <= $1
		ORDER BY user_id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, classify(err, "list users past expiry")
	}
	return users, nil
}

// pgTx carries the write operations. Its statements run under the caller's
// context so the transaction deadline applies, not queryTimeout.
type pgTx struct {
	pgReader
}

func (t *pgTx) LockSpendableBatches(ctx context.Context, userID uuid.UUID, now time.Time) ([]*CreditBatch, error) {
	batches := make([]*CreditBatch, 0)
	err := sqlx.SelectContext(ctx, t.q, &batches, `
		SELECT `+batchColumns+`
		FROM credit_batches
		WHERE user_id = $1
		  AND is_expired = false
		  AND credits_remaining > 0
		  AND expiry_date > $2
		ORDER BY purchase_date ASC, seq ASC
		FOR UPDATE
	`, userID, now)
	if err != nil {
		return nil, classify(err, "lock spendable batches")
	}
	return batches, nil
}

func (t *pgTx) LockPastExpiryBatches(ctx context.Context, userID uuid.UUID, now time.Time) ([]*CreditBatch, error) {
	batches := make([]*CreditBatch, 0)
	err := sqlx.SelectContext(ctx, t.q, &batches, `
		SELECT `+batchColumns+`
		FROM credit_batches
		WHERE user_id = $1
		  AND is_expired = false
		  AND credits_remaining > 0
		  AND expiry_date <= $2
		ORDER BY purchase_date ASC, seq ASC
		FOR UPDATE
	`, userID, now)
	if err != nil {
		return nil, classify(err, "lock past expiry batches")
	}
	return batches, nil
}

func (t *pgTx) LockAggregate(ctx context.Context, userID uuid.UUID, now time.Time) (*UserCreditAggregate, error) {
	if _, err := t.q.ExecContext(ctx, `
		INSERT INTO user_credit_aggregate (user_id, total_credits, used_credits, expired_credits, updated_at)
		VALUES ($1, 0, 0, 0, $2)
		ON CONFLICT (user_id) DO NOTHING
	`, userID, now); err != nil {
		return nil, classify(err, "ensure aggregate")
	}

	var a UserCreditAggregate
	err := sqlx.GetContext(ctx, t.q, &a, `SELECT `+aggregateColumns+` FROM user_credit_aggregate WHERE user_id = $1 FOR UPDATE`, userID)
	if err != nil {
		return nil, classify(err, "lock aggregate")
	}
	return &a, nil
}

func (t *pgTx) InsertBatch(ctx context.Context, b *CreditBatch) error {
	err := sqlx.GetContext(ctx, t.q, &b.Seq, `
		INSERT INTO credit_batches (
			id, user_id, credits_purchased, credits_remaining, credits_used,
			purchase_date, expiry_date, is_expired, batch_type, payment_reference, metadata
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, false, $8, $9, $10)
		RETURNING seq
	`, b.ID, b.UserID, b.CreditsPurchased, b.CreditsRemaining, b.CreditsUsed,
		b.PurchaseDate, b.ExpiryDate, b.BatchType, b.PaymentReference, b.Metadata)
	if err != nil {
		err = classify(err, "insert batch")
		if errors.Is(err, errUniqueViolation) {
			return fmt.Errorf("%w: %v", ErrDuplicatePurchase, err)
		}
		return err
	}
	return nil
}

func (t *pgTx) ConsumeBatch(ctx context.Context, batchID uuid.UUID, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("%w: non-positive consumption %s on batch %s", ErrInvariantViolation, amount, batchID)
	}

	result, err := t.q.ExecContext(ctx, `
		UPDATE credit_batches
		SET credits_remaining = credits_remaining - $2,
		    credits_used = credits_used + $2
		WHERE id = $1 AND is_expired = false AND credits_remaining >= $2
	`, batchID, amount)
	if err != nil {
		return classify(err, "consume batch")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return classify(err, "rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("%w: batch %s cannot give %s", ErrInvariantViolation, batchID, amount)
	}
	return nil
}

func (t *pgTx) ExpireBatch(ctx context.Context, batchID uuid.UUID, at time.Time) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE credit_batches
		SET is_expired = true, expired_at = $2
		WHERE id = $1 AND is_expired = false
	`, batchID, at)
	if err != nil {
		return classify(err, "expire batch")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return classify(err, "rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("%w: batch %s already expired", ErrInvariantViolation, batchID)
	}
	return nil
}

func (t *pgTx) SaveAggregate(ctx context.Context, a *UserCreditAggregate) error {
	result, err := t.q.ExecContext(ctx, `
		UPDATE user_credit_aggregate
		SET total_credits = $2,
		    used_credits = $3,
		    expired_credits = $4,
		    last_purchase_at = $5,
		    last_usage_at = $6,
		    last_expiry_at = $7,
		    updated_at = $8
		WHERE user_id = $1
	`, a.UserID, a.TotalCredits, a.UsedCredits, a.ExpiredCredits,
		a.LastPurchaseAt, a.LastUsageAt, a.LastExpiryAt, a.UpdatedAt)
	if err != nil {
		return classify(err, "save aggregate")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return classify(err, "rows affected")
	}
	if rows == 0 {
		return fmt.Errorf("%w: aggregate for %s not locked", ErrInvariantViolation, a.UserID)
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, ct *CreditTransaction) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO credit_transactions (
			id, user_id, tx_type, amount, balance_before, balance_after,
			operation_type, reference, description, metadata, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, ct.ID, ct.UserID, ct.TxType, ct.Amount, ct.BalanceBefore, ct.BalanceAfter,
		ct.OperationType, ct.Reference, ct.Description, ct.Metadata, ct.CreatedAt)
	if err != nil {
		err = classify(err, "insert transaction")
		if errors.Is(err, errUniqueViolation) {
			return fmt.Errorf("%w: %v", ErrReferenceConflict, err)
		}
		return err
	}
	return nil
}

func (t *pgTx) FindTransactionByReference(ctx context.Context, userID uuid.UUID, txType TxType, reference string) (*CreditTransaction, error) {
	var ct CreditTransaction
	err := sqlx.GetContext(ctx, t.q, &ct, `
		SELECT `+transactionColumns+`
		FROM credit_transactions
		WHERE user_id = $1 AND tx_type = $2 AND reference = $3
		LIMIT 1
	`, userID, txType, reference)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err, "find transaction by reference")
	}
	return &ct, nil
}

func (t *pgTx) FindBatchesByPaymentRef(ctx context.Context, paymentRef string) ([]*CreditBatch, error) {
	batches := make([]*CreditBatch, 0)
	err := sqlx.SelectContext(ctx, t.q, &batches, `
		SELECT `+batchColumns+`
		FROM credit_batches
		WHERE payment_reference = $1
		ORDER BY seq ASC
	`, paymentRef)
	if err != nil {
		return nil, classify(err, "find batches by payment ref")
	}
	return batches, nil
}

func (t *pgTx) AlertExistsSince(ctx context.Context, userID uuid.UUID, alertType AlertType, since time.Time) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, t.q, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM credit_alerts
			WHERE user_id = $1 AND alert_type = $2 AND created_at >= $3
		)
	`, userID, alertType, since)
	if err != nil {
		return false, classify(err, "check recent alert")
	}
	return exists, nil
}

func (t *pgTx) InsertAlert(ctx context.Context, a *CreditAlert) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO credit_alerts (id, user_id, alert_type, threshold_value, current_value, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.UserID, a.AlertType, a.ThresholdValue, a.CurrentValue, a.Metadata, a.CreatedAt)
	if err != nil {
		return classify(err, "insert alert")
	}
	return nil
}

// classify maps driver errors onto the ledger error taxonomy.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrTransientStorage, op, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01", "55P03", "57014":
			return fmt.Errorf("%w: %s: %w", ErrTransientStorage, op, err)
		case "23505":
			return fmt.Errorf("%w: %s: %w", errUniqueViolation, op, err)
		case "23514":
			return fmt.Errorf("%w: %s: %w", ErrInvariantViolation, op, err)
		}
		if pqErr.Code.Class() == "08" {
			return fmt.Errorf("%w: %s: %w", ErrTransientStorage, op, err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %s: %w", ErrTransientStorage, op, err)
	}

	return fmt.Errorf("%w: %s: %w", ErrInternal, op, err)
}
