package credit_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwork/credit-ledger/internal/domain/credit"
	"github.com/mwork/credit-ledger/internal/domain/credit/memstore"
	"github.com/mwork/credit-ledger/internal/pkg/retry"
)

type fakeClock struct {
	nanos atomic.Int64
}

func newFakeClock(t time.Time) *fakeClock {
	c := &fakeClock{}
	c.nanos.Store(t.UnixNano())
	return c
}

func (c *fakeClock) Now() time.Time          { return time.Unix(0, c.nanos.Load()).UTC() }
func (c *fakeClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }
func (c *fakeClock) Set(t time.Time)         { c.nanos.Store(t.UnixNano()) }

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []*credit.CreditAlert
}

func (p *recordingPublisher) Publish(_ context.Context, a *credit.CreditAlert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a)
	return nil
}

func (p *recordingPublisher) count(alertType credit.AlertType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.alerts {
		if a.AlertType == alertType {
			n++
		}
	}
	return n
}

type fixture struct {
	store *memstore.Store
	clock *fakeClock
	pub   *recordingPublisher
	svc   credit.Service
}

var epoch = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store: memstore.New(),
		clock: newFakeClock(epoch),
		pub:   &recordingPublisher{},
	}
	f.svc = credit.NewService(f.store, credit.Options{
		Now:       f.clock.Now,
		Publisher: f.pub,
		Retry:     retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	})
	return f
}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func (f *fixture) purchase(t *testing.T, userID uuid.UUID, credits, bonus int64, expiryDays int) *credit.PurchaseResult {
	t.Helper()
	res, err := f.svc.Purchase(context.Background(), credit.PurchaseRequest{
		UserID:        userID,
		CreditsAmount: dec(credits),
		BonusCredits:  dec(bonus),
		PackageRef:    "pkg-standard",
		PaymentRef:    "pay-" + uuid.NewString(),
		ExpiryDays:    expiryDays,
	})
	require.NoError(t, err)
	assertLedgerInvariants(t, f.store, userID)
	return res
}

func (f *fixture) deduct(userID uuid.UUID, amount int64) (*credit.DeductResult, error) {
	return f.svc.Deduct(context.Background(), credit.DeductRequest{
		UserID:        userID,
		Amount:        dec(amount),
		OperationType: "call_minute",
		OperationRef:  "op-" + uuid.NewString(),
	})
}

// assertLedgerInvariants checks the aggregate against the batch set.
func assertLedgerInvariants(t *testing.T, store *memstore.Store, userID uuid.UUID) {
	t.Helper()

	agg, err := store.GetAggregate(context.Background(), userID)
	require.NoError(t, err)
	batches := store.Batches(userID)
	if agg == nil {
		assert.Empty(t, batches, "batches without an aggregate row")
		return
	}

	total, used, expired, live := decimal.Zero, decimal.Zero, decimal.Zero, decimal.Zero
	for _, b := range batches {
		assert.False(t, b.CreditsRemaining.IsNegative(), "batch %s remaining negative", b.ID)
		assert.True(t, b.CreditsRemaining.LessThanOrEqual(b.CreditsPurchased), "batch %s remaining above purchased", b.ID)
		assert.True(t, b.CreditsRemaining.Add(b.CreditsUsed).Equal(b.CreditsPurchased),
			"batch %s: remaining %s + used %s != purchased %s", b.ID, b.CreditsRemaining, b.CreditsUsed, b.CreditsPurchased)

		total = total.Add(b.CreditsPurchased)
		used = used.Add(b.CreditsUsed)
		if b.IsExpired {
			assert.NotNil(t, b.ExpiredAt, "expired batch %s has no expired_at", b.ID)
			expired = expired.Add(b.CreditsRemaining)
		} else {
			live = live.Add(b.CreditsRemaining)
		}
	}

	assert.Truef(t, agg.Available().Equal(live), "available %s != live remaining %s", agg.Available(), live)
	assert.Truef(t, agg.TotalCredits.Equal(total), "total %s != purchased %s", agg.TotalCredits, total)
	assert.Truef(t, agg.UsedCredits.Equal(used), "used %s != batch used %s", agg.UsedCredits, used)
	assert.Truef(t, agg.ExpiredCredits.Equal(expired), "expired %s != batch expired %s", agg.ExpiredCredits, expired)
	assert.True(t, agg.TotalCredits.Equal(agg.UsedCredits.Add(agg.ExpiredCredits).Add(agg.Available())))
}

func assertDecimal(t *testing.T, want int64, got decimal.Decimal, msgAndArgs ...any) {
	t.Helper()
	assert.Truef(t, dec(want).Equal(got), "want %d, got %s %s", want, got, fmt.Sprint(msgAndArgs...))
}
