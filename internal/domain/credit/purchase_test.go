package credit_test

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mwork/credit-ledger/internal/domain/credit"
)

func TestPurchaseDuplicatePaymentRef(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()
	req := credit.PurchaseRequest{
		UserID:        userID,
		CreditsAmount: dec(100),
		BonusCredits:  dec(50),
		PackageRef:    "pkg-pro",
		PaymentRef:    "stripe_pi_1",
	}

	first, err := f.svc.Purchase(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.AlreadyProcessed)
	assertDecimal(t, 150, first.TotalCredits)

	second, err := f.svc.Purchase(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.AlreadyProcessed)
	require.Len(t, second.Batches, 2)
	assert.Equal(t, first.Batches[0].ID, second.Batches[0].ID)
	assert.Equal(t, first.Batches[1].ID, second.Batches[1].ID)
	assertDecimal(t, 150, second.TotalCredits)

	assert.Len(t, f.store.Batches(userID), 2)
	balance, err := f.svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assertDecimal(t, 150, balance.Total)
	assertLedgerInvariants(t, f.store, userID)
}

func TestPurchaseConcurrentDuplicates(t *testing.T) {
	f := newFixture(t)
	userID := uuid.New()
	req := credit.PurchaseRequest{UserID: userID, CreditsAmount: dec(10), PaymentRef: "webhook-retry"}

	var wg sync.WaitGroup
	results := make(chan *credit.PurchaseResult, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Purchase(context.Background(), req)
			if err != nil {
				t.Errorf("purchase failed: %v", err)
				return
			}
			results <- res
		}()
	}
	wg.Wait()
	close(results)

	fresh := 0
	for res := range results {
		if !res.AlreadyProcessed {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Len(t, f.store.Batches(userID), 1)
	assertLedgerInvariants(t, f.store, userID)
}

func TestPurchaseRefOwnedByAnotherUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Purchase(ctx, credit.PurchaseRequest{UserID: uuid.New(), CreditsAmount: dec(10), PaymentRef: "pay-x"})
	require.NoError(t, err)

	_, err = f.svc.Purchase(ctx, credit.PurchaseRequest{UserID: uuid.New(), CreditsAmount: dec(10), PaymentRef: "pay-x"})
	require.ErrorIs(t, err, credit.ErrReferenceConflict)
}

func TestPurchaseDefaultsAndValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	res, err := f.svc.Purchase(ctx, credit.PurchaseRequest{UserID: userID, CreditsAmount: dec(10), PaymentRef: "p1"})
	require.NoError(t, err)
	require.Len(t, res.Batches, 1, "no bonus batch when bonus is zero")
	assert.True(t, res.ExpiryDate.Equal(epoch.AddDate(0, 0, 30)))
	require.NotNil(t, res.Batches[0].PaymentReference)
	assert.Equal(t, "p1", *res.Batches[0].PaymentReference)
	assert.Contains(t, string(res.Batches[0].Metadata), "p1")

	_, err = f.svc.Purchase(ctx, credit.PurchaseRequest{UserID: userID, CreditsAmount: dec(0), PaymentRef: "p2"})
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)
	_, err = f.svc.Purchase(ctx, credit.PurchaseRequest{UserID: userID, CreditsAmount: dec(5), BonusCredits: dec(-1), PaymentRef: "p2"})
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)
	_, err = f.svc.Purchase(ctx, credit.PurchaseRequest{UserID: userID, CreditsAmount: dec(5)})
	assert.ErrorIs(t, err, credit.ErrMissingReference)
	_, err = f.svc.Purchase(ctx, credit.PurchaseRequest{CreditsAmount: dec(5), PaymentRef: "p3"})
	assert.ErrorIs(t, err, credit.ErrInvalidUser)
}

func TestPurchaseUpdatesAggregate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	f.purchase(t, userID, 100, 20, 30)

	agg, err := f.store.GetAggregate(ctx, userID)
	require.NoError(t, err)
	assertDecimal(t, 120, agg.TotalCredits)
	require.NotNil(t, agg.LastPurchaseAt)
	assert.True(t, agg.LastPurchaseAt.Equal(epoch))

	txs, err := f.svc.ListTransactions(ctx, userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, credit.TxTypePurchase, txs[0].TxType)
	assertDecimal(t, 0, txs[0].BalanceBefore)
	assertDecimal(t, 120, txs[0].BalanceAfter)
}

func TestGrantRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	req := credit.GrantRequest{
		UserID: userID, Credits: dec(15), BatchType: credit.BatchTypeRefund,
		Reference: "ticket-42", ExpiryDays: 90, Description: "failed call refund",
	}
	res, err := f.svc.Grant(ctx, req)
	require.NoError(t, err)
	require.Len(t, res.Batches, 1)
	assert.Equal(t, credit.BatchTypeRefund, res.Batches[0].BatchType)
	assert.True(t, res.ExpiryDate.Equal(epoch.AddDate(0, 0, 90)))

	again, err := f.svc.Grant(ctx, req)
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)

	txs, err := f.svc.ListTransactions(ctx, userID, 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, credit.TxTypeRefund, txs[0].TxType)
	assert.Equal(t, "failed call refund", txs[0].Description)
	assertLedgerInvariants(t, f.store, userID)

	_, err = f.svc.Grant(ctx, credit.GrantRequest{UserID: userID, Credits: dec(1), BatchType: credit.BatchTypePurchase, Reference: "r"})
	assert.ErrorIs(t, err, credit.ErrInvalidBatchType)
}

func TestGrantReusingPurchaseRefConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.svc.Purchase(ctx, credit.PurchaseRequest{UserID: userID, CreditsAmount: dec(100), PaymentRef: "ref-1"})
	require.NoError(t, err)

	_, err = f.svc.Grant(ctx, credit.GrantRequest{
		UserID: userID, Credits: dec(25), BatchType: credit.BatchTypeRefund, Reference: "ref-1",
	})
	require.ErrorIs(t, err, credit.ErrReferenceConflict)

	balance, err := f.svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assertDecimal(t, 100, balance.Available)
	assert.Len(t, f.store.Batches(userID), 1)
	assertLedgerInvariants(t, f.store, userID)
}

func TestPurchaseReusingGrantRefConflicts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.svc.Grant(ctx, credit.GrantRequest{
		UserID: userID, Credits: dec(5), BatchType: credit.BatchTypeAdjustment, Reference: "ticket-7",
	})
	require.NoError(t, err)

	_, err = f.svc.Purchase(ctx, credit.PurchaseRequest{UserID: userID, CreditsAmount: dec(50), PaymentRef: "ticket-7"})
	require.ErrorIs(t, err, credit.ErrReferenceConflict)

	_, err = f.svc.Grant(ctx, credit.GrantRequest{
		UserID: userID, Credits: dec(5), BatchType: credit.BatchTypeRefund, Reference: "ticket-7",
	})
	require.ErrorIs(t, err, credit.ErrReferenceConflict, "refund may not reuse an adjustment reference")

	again, err := f.svc.Grant(ctx, credit.GrantRequest{
		UserID: userID, Credits: dec(5), BatchType: credit.BatchTypeAdjustment, Reference: "ticket-7",
	})
	require.NoError(t, err)
	assert.True(t, again.AlreadyProcessed)

	balance, err := f.svc.GetBalance(ctx, userID)
	require.NoError(t, err)
	assertDecimal(t, 5, balance.Available)
	assertLedgerInvariants(t, f.store, userID)
}

func TestPurchaseAndGrantRejectExtraDecimalPlaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := f.svc.Purchase(ctx, credit.PurchaseRequest{
		UserID: userID, CreditsAmount: decimal.RequireFromString("10.00005"), PaymentRef: "p-fine",
	})
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)

	_, err = f.svc.Purchase(ctx, credit.PurchaseRequest{
		UserID: userID, CreditsAmount: dec(10), BonusCredits: decimal.RequireFromString("0.00001"), PaymentRef: "p-fine",
	})
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)

	_, err = f.svc.Grant(ctx, credit.GrantRequest{
		UserID: userID, Credits: decimal.RequireFromString("0.12345"), BatchType: credit.BatchTypeRefund, Reference: "g-fine",
	})
	assert.ErrorIs(t, err, credit.ErrInvalidAmount)
	assert.Empty(t, f.store.Batches(userID))

	res, err := f.svc.Purchase(ctx, credit.PurchaseRequest{
		UserID: userID, CreditsAmount: decimal.RequireFromString("1.50000"), PaymentRef: "p-ok",
	})
	require.NoError(t, err)
	assert.True(t, res.TotalCredits.Equal(decimal.RequireFromString("1.5")))
}
