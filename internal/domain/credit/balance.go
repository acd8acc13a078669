package credit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Balance is the read view of a user's credits.
//
// Credits in batches whose expiry date has passed are reported as expired
// and excluded from Available even before the sweep has marked them.
// PendingExpiry is that not-yet-swept amount.
type Balance struct {
	UserID         uuid.UUID       `json:"user_id"`
	Total          decimal.Decimal `json:"total_credits"`
	Used           decimal.Decimal `json:"used_credits"`
	Expired        decimal.Decimal `json:"expired_credits"`
	Available      decimal.Decimal `json:"available_credits"`
	PendingExpiry  decimal.Decimal `json:"pending_expiry"`
	LastPurchaseAt *time.Time      `json:"last_purchase_at,omitempty"`
	LastUsageAt    *time.Time      `json:"last_usage_at,omitempty"`
	LastExpiryAt   *time.Time      `json:"last_expiry_at,omitempty"`
}

// GetBalance returns the user's balance. Users with no credit history get zeros.
func (s *service) GetBalance(ctx context.Context, userID uuid.UUID) (*Balance, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidUser
	}
	now := s.now()

	var snap *BalanceSnapshot
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		snap, err = s.store.GetBalanceSnapshot(ctx, userID, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return newBalance(userID, snap), nil
}

// CheckSufficient reports whether amount could be deducted right now. The
// answer can be stale by the time Deduct runs; Deduct re-checks under lock.
func (s *service) CheckSufficient(ctx context.Context, userID uuid.UUID, amount decimal.Decimal) (bool, error) {
	if !validAmount(amount) {
		return false, ErrInvalidAmount
	}
	balance, err := s.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.Available.GreaterThanOrEqual(amount), nil
}

func newBalance(userID uuid.UUID, snap *BalanceSnapshot) *Balance {
	if snap == nil {
		return &Balance{
			UserID:        userID,
			Total:         decimal.Zero,
			Used:          decimal.Zero,
			Expired:       decimal.Zero,
			Available:     decimal.Zero,
			PendingExpiry: decimal.Zero,
		}
	}

	available := snap.Available().Sub(snap.PastExpiry)
	if available.IsNegative() {
		available = decimal.Zero
	}
	return &Balance{
		UserID:         userID,
		Total:          snap.TotalCredits,
		Used:           snap.UsedCredits,
		Expired:        snap.ExpiredCredits.Add(snap.PastExpiry),
		Available:      available,
		PendingExpiry:  snap.PastExpiry,
		LastPurchaseAt: snap.LastPurchaseAt,
		LastUsageAt:    snap.LastUsageAt,
		LastExpiryAt:   snap.LastExpiryAt,
	}
}
