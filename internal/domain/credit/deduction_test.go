package credit_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwork/credit-ledger/internal/domain/credit"
)

func TestDeductPurchaseWithBonusScenario(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()

	res := f.purchase(t, userID, 100, 50, 30)
	require.Len(t, res.Batches, 2)
	batchA, batchB := res.Batches[0], res.Batches[1]
	assert.Equal(t, credit.BatchTypePurchase, batchA.BatchType)
	assert.Equal(t, credit.BatchTypeBonus, batchB.BatchType)
	assert.True(t, batchA.ExpiryDate.Equal(batchB.ExpiryDate))
	assert.True(t, batchA.ExpiryDate.Equal(epoch.AddDate(0, 0, 30)))

	out, err := f.deduct(userID, 120)
	require.NoError(t, err)
	assertDecimal(t, 120, out.CreditsDeducted)
	require.Len(t, out.BatchesAffected, 2)
	assert.Equal(t, batchA.ID, out.BatchesAffected[0].BatchID)
	assertDecimal(t, 100, out.BatchesAffected[0].Amount)
	assert.Equal(t, batchB.ID, out.BatchesAffected[1].BatchID)
	assertDecimal(t, 20, out.BatchesAffected[1].Amount)

	batches := f.store.Batches(userID)
	require.Len(t, batches, 2)
	assertDecimal(t, 0, batches[0].CreditsRemaining)
	assertDecimal(t, 100, batches[0].CreditsUsed)
	assertDecimal(t, 30, batches[1].CreditsRemaining)
	assertDecimal(t, 20, batches[1].CreditsUsed)

	balance, err := f.svc.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assertDecimal(t, 30, balance.Available)
	assertDecimal(t, 150, balance.Total)
	assertDecimal(t, 120, balance.Used)
	assertLedgerInvariants(t, f.store, userID)
}

func TestDeductFIFOOrder(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()

	first := f.purchase(t, userID, 50, 0, 30).Batches[0]
	f.clock.Advance(time.Hour)
	second := f.purchase(t, userID, 50, 0, 30).Batches[0]
	f.clock.Advance(time.Hour)
	third := f.purchase(t, userID, 50, 0, 30).Batches[0]

	out, err := f.deduct(userID, 20)
	require.NoError(t, err)
	require.Len(t, out.BatchesAffected, 1)
	assert.Equal(t, first.ID, out.BatchesAffected[0].BatchID)

	byID := remainingByID(f, userID)
	assertDecimal(t, 30, byID[first.ID])
	assertDecimal(t, 50, byID[second.ID])
	assertDecimal(t, 50, byID[third.ID])

	// Spans the rest of the first batch and part of the second.
	out, err = f.deduct(userID, 40)
	require.NoError(t, err)
	require.Len(t, out.BatchesAffected, 2)
	assertDecimal(t, 0, out.BatchesAffected[0].RemainingAfter)

	byID = remainingByID(f, userID)
	assertDecimal(t, 0, byID[first.ID])
	assertDecimal(t, 40, byID[second.ID])
	assertDecimal(t, 50, byID[third.ID])
	assertLedgerInvariants(t, f.store, userID)
}

func TestDeductFIFOBeatsExpiryOrder(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()

	// Older purchase with the later expiry is still spent first.
	older := f.purchase(t, userID, 10, 0, 60).Batches[0]
	f.clock.Advance(time.Minute)
	f.purchase(t, userID, 10, 0, 5)

	out, err := f.deduct(userID, 5)
	require.NoError(t, err)
	assert.Equal(t, older.ID, out.BatchesAffected[0].BatchID)
}

func TestDeductInsufficientRollsBack(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.purchase(t, userID, 30, 10, 30)

	_, err := f.deduct(userID, 41)
	require.ErrorIs(t, err, credit.ErrInsufficientCredits)
	assert.False(t, credit.IsTransient(err))

	for _, b := range f.store.Batches(userID) {
		assertDecimal(t, 0, b.CreditsUsed, "partial deduction left applied")
	}
	balance, err := f.svc.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assertDecimal(t, 40, balance.Available)
	assertLedgerInvariants(t, f.store, userID)
}

func TestDeductUnknownUser(t *testing.T) {
	f := newFixture(t)
	_, err := f.deduct(uuid.New(), 1)
	require.ErrorIs(t, err, credit.ErrInsufficientCredits)
}

func TestDeductValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.svc.Deduct(ctx, credit.DeductRequest{UserID: userID, Amount: dec(0), OperationRef: "op"})
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)

	_, err = f.svc.Deduct(ctx, credit.DeductRequest{UserID: userID, Amount: dec(-5), OperationRef: "op"})
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)

	_, err = f.svc.Deduct(ctx, credit.DeductRequest{UserID: userID, Amount: decimal.RequireFromString("0.00005"), OperationRef: "op"})
	assert.ErrorIs(t, err, credit.ErrInvalidAmount, "below the stored precision")

	_, err = f.svc.Deduct(ctx, credit.DeductRequest{UserID: userID, Amount: dec(1), OperationRef: "  "})
	assert.ErrorIs(t, err, credit.ErrMissingReference)

	_, err = f.svc.Deduct(ctx, credit.DeductRequest{Amount: dec(1), OperationRef: "op"})
	assert.ErrorIs(t, err, credit.ErrInvalidUser)

	assert.Zero(t, f.store.TxCount())
}

func TestDeductReplayIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.purchase(t, userID, 100, 0, 30)

	req := credit.DeductRequest{UserID: userID, Amount: dec(40), OperationType: "call", OperationRef: "call-123"}
	first, err := f.svc.Deduct(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.svc.Deduct(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.Equal(t, first.BatchesAffected[0].BatchID, second.BatchesAffected[0].BatchID)
	assertDecimal(t, 60, second.BalanceAfter)

	balance, err := f.svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assertDecimal(t, 60, balance.Available)

	req.Amount = dec(41)
	_, err = f.svc.Deduct(ctx, req)
	require.ErrorIs(t, err, credit.ErrReferenceConflict)
	assertLedgerInvariants(t, f.store, userID)
}

func TestDeductWritesUsageTransaction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	f.purchase(t, userID, 100, 0, 30)

	_, err := f.svc.Deduct(ctx, credit.DeductRequest{
		UserID: userID, Amount: dec(25), OperationType: "workflow_run", OperationRef: "wf-9", Description: "workflow run",
	})
	require.NoError(t, err)

	txs, err := f.svc.ListTransactions(ctx, userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	usage := txs[0]
	assert.Equal(t, credit.TxTypeUsage, usage.TxType)
	assertDecimal(t, 25, usage.Amount)
	assertDecimal(t, 100, usage.BalanceBefore)
	assertDecimal(t, 75, usage.BalanceAfter)
	require.NotNil(t, usage.Reference)
	assert.Equal(t, "wf-9", *usage.Reference)
	require.NotNil(t, usage.OperationType)
	assert.Equal(t, "workflow_run", *usage.OperationType)
	assert.Contains(t, string(usage.Metadata), "batches")
	assert.Equal(t, credit.TxTypePurchase, txs[1].TxType)
}

func TestDeductConcurrentNoDoubleSpend(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()

	const workers = 20
	const amount = 5
	f.purchase(t, userID, workers*amount, 0, 30)

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.deduct(userID, amount)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}

	balance, err := f.svc.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assertDecimal(t, 0, balance.Available)
	assertDecimal(t, workers*amount, balance.Used)
	assertLedgerInvariants(t, f.store, userID)

	_, err = f.deduct(userID, 1)
	assert.ErrorIs(t, err, credit.ErrInsufficientCredits)
}

func TestDeductConcurrentOversubscribed(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.purchase(t, userID, 50, 0, 30)

	const workers = 30
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Deduct(context.Background(), credit.DeductRequest{
				UserID: userID, Amount: dec(5), OperationRef: fmt.Sprintf("op-%d", i),
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			if !errors.Is(err, credit.ErrInsufficientCredits) {
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 10, succeeded)
	assertLedgerInvariants(t, f.store, userID)
}

func TestDeductRetriesTransientFailures(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.purchase(t, userID, 100, 0, 30)

	before := f.store.TxCount()
	transient := fmt.Errorf("%w: connection reset", credit.ErrTransientStorage)
	f.store.FailNextTx(transient, transient)

	_, err := f.deduct(userID, 10)
	require.NoError(t, err)
	assert.Equal(t, before+3, f.store.TxCount())
}

func TestDeductGivesUpAfterMaxAttempts(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.purchase(t, userID, 100, 0, 30)

	transient := fmt.Errorf("%w: lock timeout", credit.ErrTransientStorage)
	f.store.FailNextTx(transient, transient, transient)

	_, err := f.deduct(userID, 10)
	require.Error(t, err)
	assert.True(t, credit.IsTransient(err))

	balance, err := f.svc.GetBalance(context.Background(), userID)
	require.NoError(t, err)
	assertDecimal(t, 100, balance.Available)
}

func TestDeductInsufficientIsNotRetried(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	f.purchase(t, userID, 5, 0, 30)

	before := f.store.TxCount()
	_, err := f.deduct(userID, 10)
	require.ErrorIs(t, err, credit.ErrInsufficientCredits)
	assert.Equal(t, before+1, f.store.TxCount())
}

func remainingByID(f *fixture, userID uuid.UUID) map[uuid.UUID]decimal.Decimal {
	out := make(map[uuid.UUID]decimal.Decimal)
	for _, b := range f.store.Batches(userID) {
		out[b.ID] = b.CreditsRemaining
	}
	return out
}
