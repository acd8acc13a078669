package credit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Locker guards a job so only one worker instance runs it at a time.
type Locker interface {
	// TryLock returns ok=false without error when another holder has the lock.
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

const sweepLockKey = "credits:sweep:lock"

// RunReport is the outcome of one scheduled run.
type RunReport struct {
	Sweep         *SweepResult        `json:"sweep,omitempty"`
	Notifications *NotificationResult `json:"notifications,omitempty"`
	Warnings      *NotificationResult `json:"warnings,omitempty"`
	Skipped       bool                `json:"skipped"`
}

// Scheduler runs the sweep followed by the notification scans.
type Scheduler struct {
	svc      Service
	leadDays int
	locker   Locker
	lockTTL  time.Duration
	wake     chan struct{}
}

// NewScheduler creates a scheduler. locker may be nil for single-instance deployments.
func NewScheduler(svc Service, leadDays int, locker Locker) *Scheduler {
	return &Scheduler{
		svc:      svc,
		leadDays: leadDays,
		locker:   locker,
		lockTTL:  30 * time.Minute,
		wake:     make(chan struct{}, 1),
	}
}

// Wake asks a running scheduler to start a run now. Calls collapse while a
// run is pending.
func (j *Scheduler) Wake() {
	select {
	case j.wake <- struct{}{}:
	default:
	}
}

// Start runs immediately and then on every tick or Wake until ctx is done.
func (j *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Credit expiration scheduler stopped")
			return
		case <-ticker.C:
			j.runLogged(ctx)
		case <-j.wake:
			j.runLogged(ctx)
		}
	}
}

func (j *Scheduler) runLogged(ctx context.Context) {
	if _, err := j.RunOnce(ctx); err != nil {
		log.Error().Err(err).Msg("Credit expiration run finished with errors")
	}
}

// RunOnce sweeps, notifies owners of the batches it expired and then sends
// expiry warnings. Later steps still run when an earlier one partly failed.
func (j *Scheduler) RunOnce(ctx context.Context) (*RunReport, error) {
	report := &RunReport{}

	if j.locker != nil {
		release, ok, err := j.locker.TryLock(ctx, sweepLockKey, j.lockTTL)
		if err != nil {
			return report, err
		}
		if !ok {
			log.Info().Msg("Credit expiration run already in progress elsewhere, skipping")
			report.Skipped = true
			return report, nil
		}
		defer release()
	}

	var errs []error

	sweep, err := j.svc.Sweep(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	report.Sweep = sweep

	if sweep != nil && len(sweep.ExpiredBatchIDs) > 0 {
		notified, err := j.svc.SendExpirationNotifications(ctx, sweep.ExpiredBatchIDs)
		if err != nil {
			errs = append(errs, err)
		}
		report.Notifications = notified
	}

	warned, err := j.svc.SendExpirationWarnings(ctx, j.leadDays)
	if err != nil {
		errs = append(errs, err)
	}
	report.Warnings = warned

	return report, errors.Join(errs...)
}
