package credit

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreditScale is the number of decimal places the ledger stores for amounts.
const CreditScale = 4

// withinScale reports whether d needs no more than CreditScale decimal places.
func withinScale(d decimal.Decimal) bool {
	return d.Equal(d.Truncate(CreditScale))
}

func validAmount(d decimal.Decimal) bool {
	return d.IsPositive() && withinScale(d)
}

// BatchType records where a batch of credits came from.
type BatchType string

const (
	BatchTypePurchase   BatchType = "purchase"
	BatchTypeBonus      BatchType = "bonus"
	BatchTypeAdjustment BatchType = "adjustment"
	BatchTypeRefund     BatchType = "refund"
)

// TxType defines supported credit transaction types.
type TxType string

const (
	TxTypePurchase   TxType = "purchase"
	TxTypeUsage      TxType = "usage"
	TxTypeAdjustment TxType = "adjustment"
	TxTypeRefund     TxType = "refund"
	TxTypeExpiry     TxType = "expiry"
)

// AlertType is the kind of credit alert raised for a user.
type AlertType string

const (
	AlertCreditsExpiring AlertType = "credits_expiring"
	AlertCreditsExpired  AlertType = "credits_expired"
	AlertLowCredits      AlertType = "low_credits"
	AlertNoCredits       AlertType = "no_credits"
)

// BatchFilter selects batches for listing.
type BatchFilter string

const (
	FilterActive       BatchFilter = "active"
	FilterExpiringSoon BatchFilter = "expiring_soon"
	FilterExpired      BatchFilter = "expired"
	FilterAll          BatchFilter = "all"
)

// ParseBatchFilter maps a query value to a filter, defaulting to active.
func ParseBatchFilter(s string) (BatchFilter, error) {
	switch BatchFilter(s) {
	case "", FilterActive:
		return FilterActive, nil
	case FilterExpiringSoon, FilterExpired, FilterAll:
		return BatchFilter(s), nil
	}
	return "", fmt.Errorf("%w: unknown batch filter %q", ErrInvalidFilter, s)
}

// JSONRawMessage handles NULL json fields from DB
type JSONRawMessage []byte

func (j *JSONRawMessage) Scan(src any) error {
	if src == nil {
		*j = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		*j = append((*j)[0:0], v...)
	case string:
		*j = []byte(v)
	default:
		return fmt.Errorf("unsupported type: %T", src)
	}
	return nil
}

// Value stores empty metadata as NULL.
func (j JSONRawMessage) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return string(j), nil
}

func (j JSONRawMessage) MarshalJSON() ([]byte, error) {
	if len(j) == 0 {
		return []byte("null"), nil
	}
	return j, nil
}

func (j *JSONRawMessage) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*j = nil
		return nil
	}
	*j = append((*j)[0:0], data...)
	return nil
}

// CreditBatch is one discrete grant of credits with its own expiry.
type CreditBatch struct {
	ID               uuid.UUID       `db:"id" json:"batch_id"`
	UserID           uuid.UUID       `db:"user_id" json:"user_id"`
	CreditsPurchased decimal.Decimal `db:"credits_purchased" json:"credits_purchased"`
	CreditsRemaining decimal.Decimal `db:"credits_remaining" json:"credits_remaining"`
	CreditsUsed      decimal.Decimal `db:"credits_used" json:"credits_used"`
	PurchaseDate     time.Time       `db:"purchase_date" json:"purchase_date"`
	ExpiryDate       time.Time       `db:"expiry_date" json:"expiry_date"`
	IsExpired        bool            `db:"is_expired" json:"is_expired"`
	ExpiredAt        *time.Time      `db:"expired_at" json:"expired_at,omitempty"`
	BatchType        BatchType       `db:"batch_type" json:"batch_type"`
	PaymentReference *string         `db:"payment_reference" json:"payment_reference,omitempty"`
	Metadata         JSONRawMessage  `db:"metadata" json:"metadata,omitempty"`
	Seq              int64           `db:"seq" json:"-"`
}

// Spendable reports whether the batch may be deducted from at now.
// A batch whose expiry date has passed is unspendable even before the sweep marks it.
func (b *CreditBatch) Spendable(now time.Time) bool {
	return !b.IsExpired && b.CreditsRemaining.IsPositive() && now.Before(b.ExpiryDate)
}

// PastExpiry reports whether the batch is due for the sweep.
func (b *CreditBatch) PastExpiry(now time.Time) bool {
	return !b.IsExpired && b.CreditsRemaining.IsPositive() && !now.Before(b.ExpiryDate)
}

// UserCreditAggregate is the per-user summary row. Available is derived.
type UserCreditAggregate struct {
	UserID         uuid.UUID       `db:"user_id" json:"user_id"`
	TotalCredits   decimal.Decimal `db:"total_credits" json:"total_credits"`
	UsedCredits    decimal.Decimal `db:"used_credits" json:"used_credits"`
	ExpiredCredits decimal.Decimal `db:"expired_credits" json:"expired_credits"`
	LastPurchaseAt *time.Time      `db:"last_purchase_at" json:"last_purchase_at,omitempty"`
	LastUsageAt    *time.Time      `db:"last_usage_at" json:"last_usage_at,omitempty"`
	LastExpiryAt   *time.Time      `db:"last_expiry_at" json:"last_expiry_at,omitempty"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// Available is total - used - expired.
func (a *UserCreditAggregate) Available() decimal.Decimal {
	return a.TotalCredits.Sub(a.UsedCredits).Sub(a.ExpiredCredits)
}

// NewAggregate returns an empty aggregate row for userID.
func NewAggregate(userID uuid.UUID, now time.Time) *UserCreditAggregate {
	return &UserCreditAggregate{
		UserID:         userID,
		TotalCredits:   decimal.Zero,
		UsedCredits:    decimal.Zero,
		ExpiredCredits: decimal.Zero,
		UpdatedAt:      now,
	}
}

// CreditTransaction is an immutable audit row.
type CreditTransaction struct {
	ID            uuid.UUID       `db:"id" json:"id"`
	UserID        uuid.UUID       `db:"user_id" json:"user_id"`
	TxType        TxType          `db:"tx_type" json:"type"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	BalanceBefore decimal.Decimal `db:"balance_before" json:"balance_before"`
	BalanceAfter  decimal.Decimal `db:"balance_after" json:"balance_after"`
	OperationType *string         `db:"operation_type" json:"operation_type,omitempty"`
	Reference     *string         `db:"reference" json:"reference,omitempty"`
	Description   string          `db:"description" json:"description"`
	Metadata      JSONRawMessage  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}

// CreditAlert is a notification record; delivery happens elsewhere.
type CreditAlert struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	UserID         uuid.UUID       `db:"user_id" json:"user_id"`
	AlertType      AlertType       `db:"alert_type" json:"alert_type"`
	ThresholdValue decimal.Decimal `db:"threshold_value" json:"threshold_value"`
	CurrentValue   decimal.Decimal `db:"current_value" json:"current_value"`
	Metadata       JSONRawMessage  `db:"metadata" json:"metadata,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

// BatchAllocation is the share of a deduction taken from one batch.
type BatchAllocation struct {
	BatchID         uuid.UUID       `json:"batch_id"`
	Amount          decimal.Decimal `json:"amount"`
	RemainingAfter  decimal.Decimal `json:"remaining_after"`
	BatchExpiryDate time.Time       `json:"expiry_date"`
}

// usageMeta is stored on usage transactions so a replayed deduction can return its allocations.
type usageMeta struct {
	Batches []BatchAllocation `json:"batches"`
}

// batchMeta is stored on every batch for provenance.
type batchMeta struct {
	PackageRef  string `json:"package_ref,omitempty"`
	PaymentRef  string `json:"payment_ref,omitempty"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source,omitempty"`
}

// ExpiringBalance summarises one user's credits expiring within a window.
type ExpiringBalance struct {
	UserID         uuid.UUID       `db:"user_id" json:"user_id"`
	Credits        decimal.Decimal `db:"credits" json:"credits"`
	BatchCount     int             `db:"batch_count" json:"batch_count"`
	EarliestExpiry time.Time       `db:"earliest_expiry" json:"earliest_expiry"`
}

// BalanceSnapshot is the aggregate row plus the unswept credits already past expiry.
type BalanceSnapshot struct {
	UserCreditAggregate
	PastExpiry decimal.Decimal `db:"past_expiry"`
}

// BatchTotals are the ledger totals recomputed from the batch set.
type BatchTotals struct {
	Total     decimal.Decimal `db:"total" json:"total"`
	Used      decimal.Decimal `db:"used" json:"used"`
	Expired   decimal.Decimal `db:"expired" json:"expired"`
	Available decimal.Decimal `db:"available" json:"available"`
}

// Pagination controls simple list pagination.
type Pagination struct {
	Limit  int
	Offset int
}

func marshalMeta(v any) JSONRawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
