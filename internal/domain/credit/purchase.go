package credit

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// PurchaseRequest is a confirmed external payment to be turned into credits.
type PurchaseRequest struct {
	UserID        uuid.UUID
	CreditsAmount decimal.Decimal
	BonusCredits  decimal.Decimal
	PackageRef    string
	PaymentRef    string
	ExpiryDays    int
}

// GrantRequest creates credits outside the payment flow (support adjustments, refunds).
type GrantRequest struct {
	UserID      uuid.UUID
	Credits     decimal.Decimal
	BatchType   BatchType
	Reference   string
	ExpiryDays  int
	Description string
}

// PurchaseResult lists the batches backing a purchase or grant.
// AlreadyProcessed is set when the reference had been allocated before.
type PurchaseResult struct {
	Batches          []*CreditBatch  `json:"batches"`
	TotalCredits     decimal.Decimal `json:"total_credits"`
	ExpiryDate       time.Time       `json:"expiry_date"`
	AlreadyProcessed bool            `json:"already_processed"`
}

func (r PurchaseRequest) validate() error {
	if r.UserID == uuid.Nil {
		return ErrInvalidUser
	}
	if !validAmount(r.CreditsAmount) {
		return ErrInvalidAmount
	}
	if r.BonusCredits.IsNegative() || !withinScale(r.BonusCredits) {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(r.PaymentRef) == "" {
		return ErrMissingReference
	}
	return nil
}

func (r GrantRequest) validate() error {
	if r.UserID == uuid.Nil {
		return ErrInvalidUser
	}
	if !validAmount(r.Credits) {
		return ErrInvalidAmount
	}
	if r.BatchType != BatchTypeAdjustment && r.BatchType != BatchTypeRefund {
		return fmt.Errorf("%w: grants must be adjustment or refund, got %q", ErrInvalidBatchType, r.BatchType)
	}
	if strings.TrimSpace(r.Reference) == "" {
		return ErrMissingReference
	}
	return nil
}

// NewBatch builds an unsaved batch of amount credits expiring expiryDays after now.
func NewBatch(userID uuid.UUID, amount decimal.Decimal, expiryDays int, batchType BatchType, meta any, now time.Time) *CreditBatch {
	return &CreditBatch{
		ID:               uuid.New(),
		UserID:           userID,
		CreditsPurchased: amount,
		CreditsRemaining: amount,
		CreditsUsed:      decimal.Zero,
		PurchaseDate:     now,
		ExpiryDate:       now.AddDate(0, 0, expiryDays),
		BatchType:        batchType,
		Metadata:         marshalMeta(meta),
	}
}

// Purchase creates a purchase batch and, when BonusCredits > 0, a bonus batch
// with the same expiry. PaymentRef is the dedup key: a repeat returns the
// batches created the first time with AlreadyProcessed set.
func (s *service) Purchase(ctx context.Context, req PurchaseRequest) (*PurchaseResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	req.PaymentRef = strings.TrimSpace(req.PaymentRef)
	if req.ExpiryDays <= 0 {
		req.ExpiryDays = s.opts.ExpiryDays
	}

	build := func(now time.Time) []*CreditBatch {
		meta := batchMeta{PackageRef: req.PackageRef, PaymentRef: req.PaymentRef, Source: "payment"}
		batches := []*CreditBatch{NewBatch(req.UserID, req.CreditsAmount, req.ExpiryDays, BatchTypePurchase, meta, now)}
		if req.BonusCredits.IsPositive() {
			meta.Description = "bonus credits"
			batches = append(batches, NewBatch(req.UserID, req.BonusCredits, req.ExpiryDays, BatchTypeBonus, meta, now))
		}
		return batches
	}

	result, err := s.allocate(ctx, allocation{
		userID:      req.UserID,
		ref:         req.PaymentRef,
		txType:      TxTypePurchase,
		kinds:       []BatchType{BatchTypePurchase, BatchTypeBonus},
		description: fmt.Sprintf("purchase %s", req.PackageRef),
		build:       build,
	})
	if err != nil {
		log.Error().Err(err).
			Str("user_id", req.UserID.String()).
			Str("payment_ref", req.PaymentRef).
			Msg("Credit purchase failed")
		return nil, err
	}

	log.Info().
		Str("user_id", req.UserID.String()).
		Str("payment_ref", req.PaymentRef).
		Str("package_ref", req.PackageRef).
		Str("credits", result.TotalCredits.String()).
		Bool("already_processed", result.AlreadyProcessed).
		Msg("Credits purchased")
	return result, nil
}

// Grant creates a single adjustment or refund batch.
func (s *service) Grant(ctx context.Context, req GrantRequest) (*PurchaseResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	req.Reference = strings.TrimSpace(req.Reference)
	if req.ExpiryDays <= 0 {
		req.ExpiryDays = s.opts.ExpiryDays
	}

	txType := TxTypeAdjustment
	if req.BatchType == BatchTypeRefund {
		txType = TxTypeRefund
	}
	description := req.Description
	if description == "" {
		description = string(req.BatchType)
	}

	build := func(now time.Time) []*CreditBatch {
		meta := batchMeta{PaymentRef: req.Reference, Description: req.Description, Source: "grant"}
		return []*CreditBatch{NewBatch(req.UserID, req.Credits, req.ExpiryDays, req.BatchType, meta, now)}
	}

	result, err := s.allocate(ctx, allocation{
		userID:      req.UserID,
		ref:         req.Reference,
		txType:      txType,
		kinds:       []BatchType{req.BatchType},
		description: description,
		build:       build,
	})
	if err != nil {
		log.Error().Err(err).
			Str("user_id", req.UserID.String()).
			Str("reference", req.Reference).
			Msg("Credit grant failed")
		return nil, err
	}

	log.Info().
		Str("user_id", req.UserID.String()).
		Str("reference", req.Reference).
		Str("batch_type", string(req.BatchType)).
		Str("credits", result.TotalCredits.String()).
		Bool("already_processed", result.AlreadyProcessed).
		Msg("Credits granted")
	return result, nil
}

// allocation is one purchase or grant. kinds lists the batch types build
// produces; a reference already holding batches of any other type belongs to
// a different kind of request.
type allocation struct {
	userID      uuid.UUID
	ref         string
	txType      TxType
	kinds       []BatchType
	description string
	build       func(now time.Time) []*CreditBatch
}

// allocate inserts the batches from build under the aggregate lock and writes
// one transaction row. A concurrent duplicate is detected by the unique
// payment reference index and answered with the winner's batches.
func (s *service) allocate(ctx context.Context, a allocation) (*PurchaseResult, error) {
	var result *PurchaseResult
	err := s.inTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		result, err = s.allocateTx(ctx, tx, a)
		return err
	})
	if errors.Is(err, ErrDuplicatePurchase) {
		return s.existingAllocation(ctx, a)
	}
	return result, err
}

func (s *service) allocateTx(ctx context.Context, tx Tx, a allocation) (*PurchaseResult, error) {
	now := s.now()

	agg, err := tx.LockAggregate(ctx, a.userID, now)
	if err != nil {
		return nil, err
	}

	existing, err := tx.FindBatchesByPaymentRef(ctx, a.ref)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return alreadyAllocated(existing, a)
	}

	batches := a.build(now)
	total := decimal.Zero
	for _, b := range batches {
		b.PaymentReference = &a.ref
		if err := tx.InsertBatch(ctx, b); err != nil {
			return nil, err
		}
		total = total.Add(b.CreditsPurchased)
	}

	before := agg.Available()
	agg.TotalCredits = agg.TotalCredits.Add(total)
	agg.LastPurchaseAt = &now
	agg.UpdatedAt = now
	if err := tx.SaveAggregate(ctx, agg); err != nil {
		return nil, err
	}

	ct := newTransaction(a.userID, a.txType, total, before, agg.Available(), now)
	ct.Reference = &a.ref
	ct.Description = a.description
	ct.Metadata = marshalMeta(map[string]any{"batch_ids": batchIDs(batches)})
	if err := tx.InsertTransaction(ctx, ct); err != nil {
		if errors.Is(err, ErrReferenceConflict) {
			return nil, fmt.Errorf("%w: %v", ErrDuplicatePurchase, err)
		}
		return nil, err
	}

	return &PurchaseResult{
		Batches:      batches,
		TotalCredits: total,
		ExpiryDate:   batches[0].ExpiryDate,
	}, nil
}

func (s *service) existingAllocation(ctx context.Context, a allocation) (*PurchaseResult, error) {
	var result *PurchaseResult
	err := s.inTx(ctx, func(ctx context.Context, tx Tx) error {
		existing, err := tx.FindBatchesByPaymentRef(ctx, a.ref)
		if err != nil {
			return err
		}
		if len(existing) == 0 {
			return fmt.Errorf("%w: duplicate reference %q has no batches", ErrInternal, a.ref)
		}
		result, err = alreadyAllocated(existing, a)
		return err
	})
	return result, err
}

func alreadyAllocated(existing []*CreditBatch, a allocation) (*PurchaseResult, error) {
	total := decimal.Zero
	for _, b := range existing {
		if b.UserID != a.userID {
			return nil, fmt.Errorf("%w: reference %q belongs to another user", ErrReferenceConflict, a.ref)
		}
		if !slices.Contains(a.kinds, b.BatchType) {
			return nil, fmt.Errorf("%w: reference %q already used for a %s batch", ErrReferenceConflict, a.ref, b.BatchType)
		}
		total = total.Add(b.CreditsPurchased)
	}
	return &PurchaseResult{
		Batches:          existing,
		TotalCredits:     total,
		ExpiryDate:       existing[0].ExpiryDate,
		AlreadyProcessed: true,
	}, nil
}

func batchIDs(batches []*CreditBatch) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(batches))
	for _, b := range batches {
		ids = append(ids, b.ID)
	}
	return ids
}
