package credit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// AlertChannel is the Redis channel alerts are published on for delivery workers.
const AlertChannel = "credits:alerts"

// AlertPublisher hands a stored alert to whatever delivers it (email, push).
type AlertPublisher interface {
	Publish(ctx context.Context, alert *CreditAlert) error
}

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, *CreditAlert) error { return nil }

// RedisAlertPublisher publishes alerts as JSON on AlertChannel.
type RedisAlertPublisher struct {
	client *redis.Client
}

// NewRedisAlertPublisher returns nil when client is nil so callers fall back to no publishing.
func NewRedisAlertPublisher(client *redis.Client) AlertPublisher {
	if client == nil {
		return nil
	}
	return &RedisAlertPublisher{client: client}
}

func (p *RedisAlertPublisher) Publish(ctx context.Context, alert *CreditAlert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return p.client.Publish(ctx, AlertChannel, payload).Err()
}

// NotificationResult reports one notification scan.
type NotificationResult struct {
	NotificationsSent int         `json:"notifications_sent"`
	Users             []uuid.UUID `json:"users"`
	Skipped           int         `json:"skipped"`
}

// SendExpirationWarnings raises a credits_expiring alert for every user with
// unexpired credits whose expiry falls within leadDays.
func (s *service) SendExpirationWarnings(ctx context.Context, leadDays int) (*NotificationResult, error) {
	if leadDays <= 0 {
		leadDays = s.opts.WarningLeadDays
	}
	now := s.now()
	until := now.AddDate(0, 0, leadDays)

	var balances []ExpiringBalance
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		balances, err = s.store.ListExpiringBalances(ctx, now, until)
		return err
	})
	if err != nil {
		return nil, err
	}

	result := &NotificationResult{Users: make([]uuid.UUID, 0)}
	var errs []error
	for _, b := range balances {
		alert := &CreditAlert{
			UserID:         b.UserID,
			AlertType:      AlertCreditsExpiring,
			ThresholdValue: decimal.NewFromInt(int64(leadDays)),
			CurrentValue:   b.Credits,
			Metadata: marshalMeta(map[string]any{
				"batch_count":     b.BatchCount,
				"earliest_expiry": b.EarliestExpiry,
				"lead_days":       leadDays,
			}),
		}
		sent, err := s.raiseAlert(ctx, alert)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", b.UserID, err))
			continue
		}
		result.record(b.UserID, sent)
	}

	log.Info().
		Int("sent", result.NotificationsSent).
		Int("skipped", result.Skipped).
		Int("lead_days", leadDays).
		Msg("Credit expiration warnings processed")
	return result, errors.Join(errs...)
}

// SendExpirationNotifications raises one credits_expired alert per user owning
// any of the given batches. Batches that are not expired are ignored.
func (s *service) SendExpirationNotifications(ctx context.Context, expiredBatchIDs []uuid.UUID) (*NotificationResult, error) {
	result := &NotificationResult{Users: make([]uuid.UUID, 0)}
	if len(expiredBatchIDs) == 0 {
		return result, nil
	}

	var batches []*CreditBatch
	err := s.read(ctx, func(ctx context.Context) error {
		var err error
		batches, err = s.store.GetBatchesByIDs(ctx, expiredBatchIDs)
		return err
	})
	if err != nil {
		return nil, err
	}

	type expiredGroup struct {
		credits decimal.Decimal
		ids     []uuid.UUID
	}
	groups := make(map[uuid.UUID]*expiredGroup)
	order := make([]uuid.UUID, 0)
	for _, b := range batches {
		if !b.IsExpired {
			continue
		}
		g, ok := groups[b.UserID]
		if !ok {
			g = &expiredGroup{credits: decimal.Zero}
			groups[b.UserID] = g
			order = append(order, b.UserID)
		}
		g.credits = g.credits.Add(b.CreditsRemaining)
		g.ids = append(g.ids, b.ID)
	}

	var errs []error
	for _, userID := range order {
		g := groups[userID]
		alert := &CreditAlert{
			UserID:         userID,
			AlertType:      AlertCreditsExpired,
			ThresholdValue: decimal.Zero,
			CurrentValue:   g.credits,
			Metadata:       marshalMeta(expiryMeta{BatchIDs: g.ids}),
		}
		sent, err := s.raiseAlert(ctx, alert)
		if err != nil {
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
			continue
		}
		result.record(userID, sent)
	}

	log.Info().
		Int("sent", result.NotificationsSent).
		Int("skipped", result.Skipped).
		Int("batches", len(expiredBatchIDs)).
		Msg("Credit expiration notifications processed")
	return result, errors.Join(errs...)
}

// checkLowBalance raises no_credits or low_credits after a deduction. It reads
// the balance the way GetBalance reports it, so credits past expiry that the
// sweeper has not reached yet do not count. It is best effort: the deduction
// has already committed.
func (s *service) checkLowBalance(ctx context.Context, userID uuid.UUID) {
	current, err := s.GetBalance(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID.String()).Msg("Failed to read balance for alert check")
		return
	}
	balance := current.Available

	var alert *CreditAlert
	switch {
	case !balance.IsPositive():
		alert = &CreditAlert{UserID: userID, AlertType: AlertNoCredits, ThresholdValue: decimal.Zero, CurrentValue: balance}
	case balance.LessThan(s.opts.LowCreditThreshold):
		alert = &CreditAlert{UserID: userID, AlertType: AlertLowCredits, ThresholdValue: s.opts.LowCreditThreshold, CurrentValue: balance}
	default:
		return
	}

	if _, err := s.raiseAlert(ctx, alert); err != nil {
		log.Warn().Err(err).
			Str("user_id", userID.String()).
			Str("alert_type", string(alert.AlertType)).
			Msg("Failed to raise balance alert")
	}
}

// raiseAlert stores alert unless one of the same type was stored for the user
// within the cooldown. The user's aggregate row is locked so concurrent scans
// cannot both pass the check.
func (s *service) raiseAlert(ctx context.Context, alert *CreditAlert) (bool, error) {
	sent := false
	err := s.inTx(ctx, func(ctx context.Context, tx Tx) error {
		sent = false
		now := s.now()

		if _, err := tx.LockAggregate(ctx, alert.UserID, now); err != nil {
			return err
		}
		exists, err := tx.AlertExistsSince(ctx, alert.UserID, alert.AlertType, now.Add(-s.opts.AlertCooldown))
		if err != nil {
			return err
		}
		if exists {
			return nil
		}

		alert.ID = uuid.New()
		alert.CreatedAt = now
		if err := tx.InsertAlert(ctx, alert); err != nil {
			return err
		}
		sent = true
		return nil
	})
	if err != nil || !sent {
		return false, err
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
	defer cancel()
	if err := s.opts.Publisher.Publish(pubCtx, alert); err != nil {
		log.Error().Err(err).
			Str("alert_id", alert.ID.String()).
			Str("alert_type", string(alert.AlertType)).
			Msg("Failed to publish credit alert")
	}
	return true, nil
}

func (r *NotificationResult) record(userID uuid.UUID, sent bool) {
	if !sent {
		r.Skipped++
		return
	}
	r.NotificationsSent++
	r.Users = append(r.Users, userID)
}
