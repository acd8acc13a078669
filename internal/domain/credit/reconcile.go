package credit

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Reconciliation compares the stored aggregate with totals recomputed from batches.
type Reconciliation struct {
	UserID   uuid.UUID   `json:"user_id"`
	Stored   BatchTotals `json:"stored"`
	Computed BatchTotals `json:"computed"`
	Diverged bool        `json:"diverged"`
	Repaired bool        `json:"repaired"`
}

// Reconcile recomputes the user's totals from the batch set. With repair set,
// a diverged aggregate is overwritten with the computed totals and a
// zero-amount adjustment transaction records the before and after balances.
func (s *service) Reconcile(ctx context.Context, userID uuid.UUID, repair bool) (*Reconciliation, error) {
	if userID == uuid.Nil {
		return nil, ErrInvalidUser
	}

	var rec *Reconciliation
	err := s.inTx(ctx, func(ctx context.Context, tx Tx) error {
		now := s.now()

		agg, err := tx.LockAggregate(ctx, userID, now)
		if err != nil {
			return err
		}
		computed, err := tx.SumBatches(ctx, userID)
		if err != nil {
			return err
		}

		rec = &Reconciliation{
			UserID:   userID,
			Stored:   totalsOf(agg),
			Computed: *computed,
		}
		rec.Diverged = !sameTotals(rec.Stored, rec.Computed)
		if !rec.Diverged || !repair {
			return nil
		}

		before := agg.Available()
		agg.TotalCredits = computed.Total
		agg.UsedCredits = computed.Used
		agg.ExpiredCredits = computed.Expired
		agg.UpdatedAt = now
		if err := checkAggregate(agg); err != nil {
			return err
		}
		if err := tx.SaveAggregate(ctx, agg); err != nil {
			return err
		}

		ct := newTransaction(userID, TxTypeAdjustment, decimal.Zero, before, agg.Available(), now)
		ct.Description = "aggregate reconciled from batches"
		ct.Metadata = marshalMeta(map[string]any{"stored": rec.Stored, "computed": rec.Computed})
		if err := tx.InsertTransaction(ctx, ct); err != nil {
			return err
		}
		rec.Repaired = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if rec.Diverged {
		log.Warn().
			Str("user_id", userID.String()).
			Str("stored_available", rec.Stored.Available.String()).
			Str("computed_available", rec.Computed.Available.String()).
			Bool("repaired", rec.Repaired).
			Msg("Credit aggregate diverged from batches")
	}
	return rec, nil
}

func totalsOf(a *UserCreditAggregate) BatchTotals {
	return BatchTotals{
		Total:     a.TotalCredits,
		Used:      a.UsedCredits,
		Expired:   a.ExpiredCredits,
		Available: a.Available(),
	}
}

func sameTotals(a, b BatchTotals) bool {
	return a.Total.Equal(b.Total) &&
		a.Used.Equal(b.Used) &&
		a.Expired.Equal(b.Expired) &&
		a.Available.Equal(b.Available)
}
