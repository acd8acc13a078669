package credit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwork/credit-ledger/internal/domain/credit"
)

func TestSweepExpiresPastDueBatches(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	short := f.purchase(t, userID, 40, 0, 1).Batches[0]
	f.purchase(t, userID, 60, 0, 30)
	_, err := f.deduct(userID, 15)
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)

	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExpiredBatchCount)
	assertDecimal(t, 25, res.TotalCreditsExpired)
	assert.Equal(t, []uuid.UUID{short.ID}, res.ExpiredBatchIDs)
	assert.Equal(t, []uuid.UUID{userID}, res.UsersAffected)

	batches := f.store.Batches(userID)
	require.Len(t, batches, 2)
	assert.True(t, batches[0].IsExpired)
	require.NotNil(t, batches[0].ExpiredAt)
	assert.True(t, batches[0].ExpiredAt.Equal(f.clock.Now()))
	// remaining is frozen for audit, not zeroed
	assertDecimal(t, 25, batches[0].CreditsRemaining)
	assert.False(t, batches[1].IsExpired)

	balance, err := f.svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assertDecimal(t, 25, balance.Expired)
	assertDecimal(t, 60, balance.Available)
	assertDecimal(t, 0, balance.PendingExpiry)
	require.NotNil(t, balance.LastExpiryAt)
	assertLedgerInvariants(t, f.store, userID)

	txs, err := f.svc.ListTransactions(ctx, userID, 1, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, credit.TxTypeExpiry, txs[0].TxType)
	assertDecimal(t, 25, txs[0].Amount)
	assertDecimal(t, 85, txs[0].BalanceBefore)
	assertDecimal(t, 60, txs[0].BalanceAfter)
}

func TestSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userA, userB := uuid.New(), uuid.New()
	f.purchase(t, userA, 10, 5, 1)
	f.purchase(t, userB, 20, 0, 1)

	f.clock.Advance(25 * time.Hour)

	first, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, first.ExpiredBatchCount)
	assertDecimal(t, 35, first.TotalCreditsExpired)
	assert.ElementsMatch(t, []uuid.UUID{userA, userB}, first.UsersAffected)

	second, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.ExpiredBatchCount)
	assertDecimal(t, 0, second.TotalCreditsExpired)
	assert.Empty(t, second.ExpiredBatchIDs)

	assertLedgerInvariants(t, f.store, userA)
	assertLedgerInvariants(t, f.store, userB)
}

func TestSweepSkipsExhaustedAndFutureBatches(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.purchase(t, userID, 10, 0, 1)
	f.purchase(t, userID, 10, 0, 30)
	_, err := f.deduct(userID, 10)
	require.NoError(t, err)

	f.clock.Advance(48 * time.Hour)

	res, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.ExpiredBatchCount)
	assertLedgerInvariants(t, f.store, userID)
}

func TestSweepExpiryBoundaryIsInclusive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	b := f.purchase(t, userID, 10, 0, 1).Batches[0]

	f.clock.Set(b.ExpiryDate.Add(-time.Nanosecond))
	res, err := f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.ExpiredBatchCount)

	f.clock.Set(b.ExpiryDate)
	res, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExpiredBatchCount)
}

func TestSweepPagesThroughUsers(t *testing.T) {
	f := newFixture(t)
	f.svc = credit.NewService(f.store, credit.Options{Now: f.clock.Now, SweepUserLimit: 2})

	users := make([]uuid.UUID, 5)
	for i := range users {
		users[i] = uuid.New()
		f.purchase(t, users[i], 10, 0, 1)
	}
	f.clock.Advance(48 * time.Hour)

	res, err := f.svc.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, res.ExpiredBatchCount)
	assert.ElementsMatch(t, users, res.UsersAffected)
}

func TestSweepReportsFailedUsersAndKeepsOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.purchase(t, userID, 10, 0, 1)
	f.clock.Advance(48 * time.Hour)

	failure := credit.ErrInternal
	f.store.FailNextTx(failure)

	res, err := f.svc.Sweep(ctx)
	require.Error(t, err)
	require.NotNil(t, res)
	assert.Equal(t, []uuid.UUID{userID}, res.FailedUsers)
	assert.Zero(t, res.ExpiredBatchCount)
	assertLedgerInvariants(t, f.store, userID)

	// A later run picks the user up again.
	res, err = f.svc.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ExpiredBatchCount)
	assertLedgerInvariants(t, f.store, userID)
}

func TestSweepRacesDeduction(t *testing.T) {
	for i := 0; i < 25; i++ {
		f := newFixture(t)
		ctx := context.Background()
		userID := uuid.New()
		b := f.purchase(t, userID, 30, 0, 1).Batches[0]
		f.clock.Set(b.ExpiryDate.Add(-time.Millisecond))

		var wg sync.WaitGroup
		for j := 0; j < 3; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, _ = f.deduct(userID, 10)
			}()
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			f.clock.Advance(time.Millisecond)
		}()
		go func() {
			defer wg.Done()
			_, _ = f.svc.Sweep(ctx)
		}()
		wg.Wait()

		f.clock.Set(b.ExpiryDate.Add(time.Hour))
		_, err := f.svc.Sweep(ctx)
		require.NoError(t, err)

		batches := f.store.Batches(userID)
		require.Len(t, batches, 1)
		got := batches[0]
		assert.True(t, got.IsExpired || got.CreditsRemaining.IsZero())
		assert.True(t, got.CreditsUsed.Add(got.CreditsRemaining).Equal(got.CreditsPurchased))

		agg, err := f.store.GetAggregate(ctx, userID)
		require.NoError(t, err)
		assertDecimal(t, 30, agg.UsedCredits.Add(agg.ExpiredCredits).Add(agg.Available()))
		assertDecimal(t, 0, agg.Available())
		assertLedgerInvariants(t, f.store, userID)
	}
}
