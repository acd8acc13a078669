package credit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// SweepResult summarises one run of the expiration sweep.
type SweepResult struct {
	ExpiredBatchCount   int             `json:"expired_batch_count"`
	TotalCreditsExpired decimal.Decimal `json:"total_credits_expired"`
	ExpiredBatchIDs     []uuid.UUID     `json:"expired_batch_ids"`
	UsersAffected       []uuid.UUID     `json:"users_affected"`
	FailedUsers         []uuid.UUID     `json:"failed_users,omitempty"`
	RanAt               time.Time       `json:"ran_at"`
}

type expiryMeta struct {
	BatchIDs []uuid.UUID `json:"batch_ids"`
}

// Sweep expires batches whose expiry date has passed. Each user is committed
// in its own transaction so locks are held briefly and an interrupted sweep
// keeps the users it already finished. Re-running is harmless: expired
// batches no longer match the lock query.
//
// A non-nil error with a non-nil result means some users failed; the rest
// were committed.
func (s *service) Sweep(ctx context.Context) (*SweepResult, error) {
	now := s.now()
	result := &SweepResult{
		TotalCreditsExpired: decimal.Zero,
		ExpiredBatchIDs:     make([]uuid.UUID, 0),
		UsersAffected:       make([]uuid.UUID, 0),
		RanAt:               now,
	}

	attempted := make(map[uuid.UUID]bool)
	var errs []error

	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		var users []uuid.UUID
		err := s.read(ctx, func(ctx context.Context) error {
			var err error
			users, err = s.store.ListUsersPastExpiry(ctx, now, s.opts.SweepUserLimit)
			return err
		})
		if err != nil {
			errs = append(errs, err)
			break
		}

		fresh := 0
		for _, userID := range users {
			if attempted[userID] {
				continue
			}
			attempted[userID] = true
			fresh++

			expired, amount, err := s.expireUser(ctx, userID, now)
			if err != nil {
				log.Error().Err(err).Str("user_id", userID.String()).Msg("Failed to expire credits for user")
				result.FailedUsers = append(result.FailedUsers, userID)
				errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
				if ctx.Err() != nil {
					break
				}
				continue
			}
			if len(expired) == 0 {
				continue
			}

			result.ExpiredBatchCount += len(expired)
			result.ExpiredBatchIDs = append(result.ExpiredBatchIDs, expired...)
			result.TotalCreditsExpired = result.TotalCreditsExpired.Add(amount)
			result.UsersAffected = append(result.UsersAffected, userID)
		}

		if fresh == 0 || len(users) < s.opts.SweepUserLimit {
			break
		}
	}

	log.Info().
		Int("expired_batches", result.ExpiredBatchCount).
		Str("credits_expired", result.TotalCreditsExpired.String()).
		Int("users", len(result.UsersAffected)).
		Int("failed_users", len(result.FailedUsers)).
		Msg("Credit expiration sweep finished")

	return result, errors.Join(errs...)
}

// expireUser locks the user's past-expiry batches, marks them expired and
// folds their remaining credits into expired_credits. credits_remaining is
// left as it was for audit.
func (s *service) expireUser(ctx context.Context, userID uuid.UUID, now time.Time) ([]uuid.UUID, decimal.Decimal, error) {
	var (
		ids    []uuid.UUID
		amount decimal.Decimal
	)

	err := s.inTx(ctx, func(ctx context.Context, tx Tx) error {
		ids = nil
		amount = decimal.Zero

		batches, err := tx.LockPastExpiryBatches(ctx, userID, now)
		if err != nil {
			return err
		}
		if len(batches) == 0 {
			return nil
		}

		agg, err := tx.LockAggregate(ctx, userID, now)
		if err != nil {
			return err
		}

		for _, b := range batches {
			if err := tx.ExpireBatch(ctx, b.ID, now); err != nil {
				return err
			}
			ids = append(ids, b.ID)
			amount = amount.Add(b.CreditsRemaining)
		}

		before := agg.Available()
		agg.ExpiredCredits = agg.ExpiredCredits.Add(amount)
		agg.LastExpiryAt = &now
		agg.UpdatedAt = now
		if err := checkAggregate(agg); err != nil {
			return err
		}
		if err := tx.SaveAggregate(ctx, agg); err != nil {
			return err
		}

		ct := newTransaction(userID, TxTypeExpiry, amount, before, agg.Available(), now)
		ct.Description = fmt.Sprintf("%d credit batch(es) expired", len(ids))
		ct.Metadata = marshalMeta(expiryMeta{BatchIDs: ids})
		return tx.InsertTransaction(ctx, ct)
	})
	if err != nil {
		return nil, decimal.Zero, err
	}

	if len(ids) > 0 {
		log.Info().
			Str("user_id", userID.String()).
			Int("batches", len(ids)).
			Str("credits_expired", amount.String()).
			Msg("Credits expired")
	}
	return ids, amount, nil
}
