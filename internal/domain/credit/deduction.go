package credit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// DeductRequest describes one billable operation.
type DeductRequest struct {
	UserID        uuid.UUID
	Amount        decimal.Decimal
	OperationType string
	OperationRef  string
	Description   string
}

// DeductResult reports what a deduction took and from where.
type DeductResult struct {
	TransactionID   uuid.UUID         `json:"transaction_id"`
	CreditsDeducted decimal.Decimal   `json:"credits_deducted"`
	BatchesAffected []BatchAllocation `json:"batches_affected"`
	BalanceAfter    decimal.Decimal   `json:"balance_after"`
	Replayed        bool              `json:"replayed"`
}

func (r DeductRequest) validate() error {
	if r.UserID == uuid.Nil {
		return ErrInvalidUser
	}
	if !validAmount(r.Amount) {
		return ErrInvalidAmount
	}
	if strings.TrimSpace(r.OperationRef) == "" {
		return ErrMissingReference
	}
	return nil
}

// Deduct atomically deducts credits from a user.
//
// Callers usually run CheckSufficient first, but that check and this call are
// separate and another deduction or the sweep can win in between. The batch
// locks taken here are what prevent overspending: if the locked batches cannot
// cover the amount the whole transaction rolls back with ErrInsufficientCredits.
func (s *service) Deduct(ctx context.Context, req DeductRequest) (*DeductResult, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	req.OperationRef = strings.TrimSpace(req.OperationRef)

	var result *DeductResult
	err := s.inTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		result, err = s.deductTx(ctx, tx, req, s.now())
		return err
	})
	if err != nil {
		event := log.Error()
		if errors.Is(err, ErrInsufficientCredits) {
			event = log.Warn()
		}
		event.Err(err).
			Str("user_id", req.UserID.String()).
			Str("amount", req.Amount.String()).
			Str("operation_type", req.OperationType).
			Str("operation_ref", req.OperationRef).
			Msg("Credit deduction failed")
		return nil, err
	}

	log.Info().
		Str("user_id", req.UserID.String()).
		Str("amount", result.CreditsDeducted.String()).
		Str("operation_type", req.OperationType).
		Str("operation_ref", req.OperationRef).
		Int("batches", len(result.BatchesAffected)).
		Bool("replayed", result.Replayed).
		Msg("Credits deducted")

	if !result.Replayed {
		s.checkLowBalance(ctx, req.UserID)
	}
	return result, nil
}

func (s *service) deductTx(ctx context.Context, tx Tx, req DeductRequest, now time.Time) (*DeductResult, error) {
	batches, err := tx.LockSpendableBatches(ctx, req.UserID, now)
	if err != nil {
		return nil, err
	}

	agg, err := tx.LockAggregate(ctx, req.UserID, now)
	if err != nil {
		return nil, err
	}

	prior, err := tx.FindTransactionByReference(ctx, req.UserID, TxTypeUsage, req.OperationRef)
	if err != nil {
		return nil, err
	}
	if prior != nil {
		return replayDeduction(prior, req.Amount)
	}

	allocations, err := allocateFIFO(ctx, tx, batches, req.Amount)
	if err != nil {
		return nil, err
	}

	before := agg.Available()
	agg.UsedCredits = agg.UsedCredits.Add(req.Amount)
	agg.LastUsageAt = &now
	agg.UpdatedAt = now
	if err := checkAggregate(agg); err != nil {
		return nil, err
	}
	if err := tx.SaveAggregate(ctx, agg); err != nil {
		return nil, err
	}

	ct := newTransaction(req.UserID, TxTypeUsage, req.Amount, before, agg.Available(), now)
	ct.OperationType = strPtr(req.OperationType)
	ct.Reference = strPtr(req.OperationRef)
	ct.Description = req.Description
	if ct.Description == "" {
		ct.Description = "credit usage"
	}
	ct.Metadata = marshalMeta(usageMeta{Batches: allocations})
	if err := tx.InsertTransaction(ctx, ct); err != nil {
		return nil, err
	}

	return &DeductResult{
		TransactionID:   ct.ID,
		CreditsDeducted: req.Amount,
		BatchesAffected: allocations,
		BalanceAfter:    ct.BalanceAfter,
	}, nil
}

// allocateFIFO walks batches in the order given and takes from each until
// amount is covered.
func allocateFIFO(ctx context.Context, tx Tx, batches []*CreditBatch, amount decimal.Decimal) ([]BatchAllocation, error) {
	left := amount
	spendable := decimal.Zero
	allocations := make([]BatchAllocation, 0, 2)

	for _, b := range batches {
		spendable = spendable.Add(b.CreditsRemaining)
		if !left.IsPositive() {
			continue
		}
		if b.IsExpired || b.CreditsRemaining.IsNegative() || b.CreditsRemaining.GreaterThan(b.CreditsPurchased) {
			return nil, fmt.Errorf("%w: batch %s is not spendable", ErrInvariantViolation, b.ID)
		}

		take := decimal.Min(left, b.CreditsRemaining)
		if !take.IsPositive() {
			continue
		}
		if err := tx.ConsumeBatch(ctx, b.ID, take); err != nil {
			return nil, err
		}

		left = left.Sub(take)
		allocations = append(allocations, BatchAllocation{
			BatchID:         b.ID,
			Amount:          take,
			RemainingAfter:  b.CreditsRemaining.Sub(take),
			BatchExpiryDate: b.ExpiryDate,
		})
	}

	if left.IsPositive() {
		return nil, fmt.Errorf("%w: requested %s, spendable %s", ErrInsufficientCredits, amount, spendable)
	}
	return allocations, nil
}

func replayDeduction(prior *CreditTransaction, amount decimal.Decimal) (*DeductResult, error) {
	if !prior.Amount.Equal(amount) {
		return nil, fmt.Errorf("%w: reference used for %s, got %s", ErrReferenceConflict, prior.Amount, amount)
	}

	var meta usageMeta
	if len(prior.Metadata) > 0 {
		if err := json.Unmarshal(prior.Metadata, &meta); err != nil {
			return nil, fmt.Errorf("%w: decode usage metadata: %v", ErrInternal, err)
		}
	}

	return &DeductResult{
		TransactionID:   prior.ID,
		CreditsDeducted: prior.Amount,
		BatchesAffected: meta.Batches,
		BalanceAfter:    prior.BalanceAfter,
		Replayed:        true,
	}, nil
}
