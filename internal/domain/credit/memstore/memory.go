// Package memstore is an in-memory credit.Store for tests and local runs.
//
// A single mutex is held for the whole of WithTx, so transactions are fully
// serialized. That is stronger than the per-user row locks of the Postgres
// store but gives the same guarantees to callers.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/mwork/credit-ledger/internal/domain/credit"
)

type refKey struct {
	UserID    uuid.UUID
	TxType    credit.TxType
	Reference string
}

type payRefKey struct {
	Reference string
	BatchType credit.BatchType
}

type state struct {
	seq          int64
	batches      map[uuid.UUID]*credit.CreditBatch
	aggregates   map[uuid.UUID]*credit.UserCreditAggregate
	transactions []*credit.CreditTransaction
	txRefs       map[refKey]int
	payRefs      map[payRefKey]uuid.UUID
	alerts       []*credit.CreditAlert
}

// Store is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	st      *state
	failTx  []error
	txCount int
}

var _ credit.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState()}
}

func newState() *state {
	return &state{
		batches:    make(map[uuid.UUID]*credit.CreditBatch),
		aggregates: make(map[uuid.UUID]*credit.UserCreditAggregate),
		txRefs:     make(map[refKey]int),
		payRefs:    make(map[payRefKey]uuid.UUID),
	}
}

// FailNextTx makes the next len(errs) calls to WithTx fail with errs in order
// before fn runs.
func (s *Store) FailNextTx(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failTx = append(s.failTx, errs...)
}

// TxCount is the number of WithTx calls so far, including failed ones.
func (s *Store) TxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

// WithTx runs fn against a snapshot-backed view and restores the snapshot if fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx credit.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txCount++
	if len(s.failTx) > 0 {
		err := s.failTx[0]
		s.failTx = s.failTx[1:]
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", credit.ErrTransientStorage, err)
	}

	snapshot := s.st.clone()
	if err := fn(ctx, &memTx{state: s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

func (s *Store) GetAggregate(ctx context.Context, userID uuid.UUID) (*credit.UserCreditAggregate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetAggregate(ctx, userID)
}

func (s *Store) ListBatches(ctx context.Context, userID uuid.UUID, filter credit.BatchFilter, now, soon time.Time, limit int) ([]*credit.CreditBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListBatches(ctx, userID, filter, now, soon, limit)
}

func (s *Store) GetBatchesByIDs(ctx context.Context, ids []uuid.UUID) ([]*credit.CreditBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetBatchesByIDs(ctx, ids)
}

func (s *Store) GetBalanceSnapshot(ctx context.Context, userID uuid.UUID, now time.Time) (*credit.BalanceSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.GetBalanceSnapshot(ctx, userID, now)
}

func (s *Store) SumBatches(ctx context.Context, userID uuid.UUID) (*credit.BatchTotals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.SumBatches(ctx, userID)
}

func (s *Store) ListTransactions(ctx context.Context, userID uuid.UUID, p credit.Pagination) ([]*credit.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListTransactions(ctx, userID, p)
}

func (s *Store) ListAlerts(ctx context.Context, userID uuid.UUID, limit int) ([]*credit.CreditAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListAlerts(ctx, userID, limit)
}

func (s *Store) ListExpiringBalances(ctx context.Context, from, until time.Time) ([]credit.ExpiringBalance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListExpiringBalances(ctx, from, until)
}

func (s *Store) ListUsersPastExpiry(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.ListUsersPastExpiry(ctx, now, limit)
}

// Batches returns every batch of userID in FIFO order. Test helper.
func (s *Store) Batches(userID uuid.UUID) []*credit.CreditBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.userBatches(userID, func(*credit.CreditBatch) bool { return true })
}

// MutateAggregate lets tests corrupt the aggregate row to exercise reconciliation.
func (s *Store) MutateAggregate(userID uuid.UUID, fn func(a *credit.UserCreditAggregate)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.st.aggregates[userID]; ok {
		fn(a)
	}
}

func (st *state) clone() *state {
	c := &state{
		seq:          st.seq,
		batches:      make(map[uuid.UUID]*credit.CreditBatch, len(st.batches)),
		aggregates:   make(map[uuid.UUID]*credit.UserCreditAggregate, len(st.aggregates)),
		transactions: append([]*credit.CreditTransaction(nil), st.transactions...),
		txRefs:       make(map[refKey]int, len(st.txRefs)),
		payRefs:      make(map[payRefKey]uuid.UUID, len(st.payRefs)),
		alerts:       append([]*credit.CreditAlert(nil), st.alerts...),
	}
	for id, b := range st.batches {
		c.batches[id] = copyBatch(b)
	}
	for id, a := range st.aggregates {
		cp := *a
		c.aggregates[id] = &cp
	}
	for k, v := range st.txRefs {
		c.txRefs[k] = v
	}
	for k, v := range st.payRefs {
		c.payRefs[k] = v
	}
	return c
}

func copyBatch(b *credit.CreditBatch) *credit.CreditBatch {
	cp := *b
	if b.ExpiredAt != nil {
		t := *b.ExpiredAt
		cp.ExpiredAt = &t
	}
	if b.PaymentReference != nil {
		r := *b.PaymentReference
		cp.PaymentReference = &r
	}
	cp.Metadata = append(credit.JSONRawMessage(nil), b.Metadata...)
	return &cp
}

func fifoLess(a, b *credit.CreditBatch) bool {
	if !a.PurchaseDate.Equal(b.PurchaseDate) {
		return a.PurchaseDate.Before(b.PurchaseDate)
	}
	return a.Seq < b.Seq
}

func (st *state) userBatches(userID uuid.UUID, keep func(*credit.CreditBatch) bool) []*credit.CreditBatch {
	out := make([]*credit.CreditBatch, 0)
	for _, b := range st.batches {
		if b.UserID == userID && keep(b) {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return fifoLess(out[i], out[j]) })
	return out
}

func (st *state) GetAggregate(_ context.Context, userID uuid.UUID) (*credit.UserCreditAggregate, error) {
	a, ok := st.aggregates[userID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (st *state) ListBatches(_ context.Context, userID uuid.UUID, filter credit.BatchFilter, now, soon time.Time, limit int) ([]*credit.CreditBatch, error) {
	if limit <= 0 {
		limit = 50
	}

	var keep func(b *credit.CreditBatch) bool
	switch filter {
	case credit.FilterActive:
		keep = func(b *credit.CreditBatch) bool { return b.Spendable(now) }
	case credit.FilterExpiringSoon:
		keep = func(b *credit.CreditBatch) bool { return b.Spendable(now) && !b.ExpiryDate.After(soon) }
	case credit.FilterExpired:
		keep = func(b *credit.CreditBatch) bool { return b.IsExpired || !now.Before(b.ExpiryDate) }
	case credit.FilterAll:
		keep = func(*credit.CreditBatch) bool { return true }
	default:
		return nil, credit.ErrInvalidFilter
	}

	out := st.userBatches(userID, keep)
	switch filter {
	case credit.FilterExpiringSoon:
		sort.SliceStable(out, func(i, j int) bool { return out[i].ExpiryDate.Before(out[j].ExpiryDate) })
	case credit.FilterExpired:
		sort.SliceStable(out, func(i, j int) bool {
			if !out[i].ExpiryDate.Equal(out[j].ExpiryDate) {
				return out[i].ExpiryDate.After(out[j].ExpiryDate)
			}
			return out[i].Seq > out[j].Seq
		})
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st *state) GetBatchesByIDs(_ context.Context, ids []uuid.UUID) ([]*credit.CreditBatch, error) {
	out := make([]*credit.CreditBatch, 0, len(ids))
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		if b, ok := st.batches[id]; ok {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (st *state) GetBalanceSnapshot(ctx context.Context, userID uuid.UUID, now time.Time) (*credit.BalanceSnapshot, error) {
	a, _ := st.GetAggregate(ctx, userID)
	if a == nil {
		return nil, nil
	}
	past := decimal.Zero
	for _, b := range st.batches {
		if b.UserID == userID && b.PastExpiry(now) {
			past = past.Add(b.CreditsRemaining)
		}
	}
	return &credit.BalanceSnapshot{UserCreditAggregate: *a, PastExpiry: past}, nil
}

func (st *state) SumBatches(_ context.Context, userID uuid.UUID) (*credit.BatchTotals, error) {
	t := &credit.BatchTotals{Total: decimal.Zero, Used: decimal.Zero, Expired: decimal.Zero, Available: decimal.Zero}
	for _, b := range st.batches {
		if b.UserID != userID {
			continue
		}
		t.Total = t.Total.Add(b.CreditsPurchased)
		t.Used = t.Used.Add(b.CreditsUsed)
		if b.IsExpired {
			t.Expired = t.Expired.Add(b.CreditsRemaining)
		} else {
			t.Available = t.Available.Add(b.CreditsRemaining)
		}
	}
	return t, nil
}

func (st *state) ListTransactions(_ context.Context, userID uuid.UUID, p credit.Pagination) ([]*credit.CreditTransaction, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}
	out := make([]*credit.CreditTransaction, 0)
	skipped := 0
	// Newest first.
	for i := len(st.transactions) - 1; i >= 0 && len(out) < limit; i-- {
		t := st.transactions[i]
		if t.UserID != userID {
			continue
		}
		if skipped < p.Offset {
			skipped++
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (st *state) ListAlerts(_ context.Context, userID uuid.UUID, limit int) ([]*credit.CreditAlert, error) {
	if limit <= 0 {
		limit = 50
	}
	out := make([]*credit.CreditAlert, 0)
	for i := len(st.alerts) - 1; i >= 0 && len(out) < limit; i-- {
		if a := st.alerts[i]; a.UserID == userID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (st *state) ListExpiringBalances(_ context.Context, from, until time.Time) ([]credit.ExpiringBalance, error) {
	byUser := make(map[uuid.UUID]*credit.ExpiringBalance)
	for _, b := range st.batches {
		if !b.Spendable(from) || b.ExpiryDate.After(until) {
			continue
		}
		eb, ok := byUser[b.UserID]
		if !ok {
			eb = &credit.ExpiringBalance{UserID: b.UserID, Credits: decimal.Zero, EarliestExpiry: b.ExpiryDate}
			byUser[b.UserID] = eb
		}
		eb.Credits = eb.Credits.Add(b.CreditsRemaining)
		eb.BatchCount++
		if b.ExpiryDate.Before(eb.EarliestExpiry) {
			eb.EarliestExpiry = b.ExpiryDate
		}
	}

	out := make([]credit.ExpiringBalance, 0, len(byUser))
	for _, eb := range byUser {
		out = append(out, *eb)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EarliestExpiry.Equal(out[j].EarliestExpiry) {
			return out[i].EarliestExpiry.Before(out[j].EarliestExpiry)
		}
		return out[i].UserID.String() < out[j].UserID.String()
	})
	return out, nil
}

func (st *state) ListUsersPastExpiry(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	seen := make(map[uuid.UUID]bool)
	out := make([]uuid.UUID, 0)
	for _, b := range st.batches {
		if b.PastExpiry(now) && !seen[b.UserID] {
			seen[b.UserID] = true
			out = append(out, b.UserID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// memTx mutates the live state; WithTx restores the snapshot on failure.
type memTx struct {
	*state
}

func (t *memTx) LockSpendableBatches(_ context.Context, userID uuid.UUID, now time.Time) ([]*credit.CreditBatch, error) {
	return t.userBatches(userID, func(b *credit.CreditBatch) bool { return b.Spendable(now) }), nil
}

func (t *memTx) LockPastExpiryBatches(_ context.Context, userID uuid.UUID, now time.Time) ([]*credit.CreditBatch, error) {
	return t.userBatches(userID, func(b *credit.CreditBatch) bool { return b.PastExpiry(now) }), nil
}

func (t *memTx) LockAggregate(_ context.Context, userID uuid.UUID, now time.Time) (*credit.UserCreditAggregate, error) {
	a, ok := t.aggregates[userID]
	if !ok {
		a = credit.NewAggregate(userID, now)
		t.aggregates[userID] = a
	}
	cp := *a
	return &cp, nil
}

func (t *memTx) InsertBatch(_ context.Context, b *credit.CreditBatch) error {
	if _, ok := t.batches[b.ID]; ok {
		return fmt.Errorf("%w: batch %s exists", credit.ErrInvariantViolation, b.ID)
	}
	if b.CreditsRemaining.IsNegative() || b.CreditsRemaining.GreaterThan(b.CreditsPurchased) ||
		!b.CreditsRemaining.Add(b.CreditsUsed).Equal(b.CreditsPurchased) {
		return fmt.Errorf("%w: batch %s amounts are inconsistent", credit.ErrInvariantViolation, b.ID)
	}
	if b.PaymentReference != nil {
		k := payRefKey{Reference: *b.PaymentReference, BatchType: b.BatchType}
		if _, ok := t.payRefs[k]; ok {
			return fmt.Errorf("%w: payment reference %q", credit.ErrDuplicatePurchase, *b.PaymentReference)
		}
		t.payRefs[k] = b.ID
	}

	t.seq++
	b.Seq = t.seq
	t.batches[b.ID] = copyBatch(b)
	return nil
}

func (t *memTx) ConsumeBatch(_ context.Context, batchID uuid.UUID, amount decimal.Decimal) error {
	b, ok := t.batches[batchID]
	if !ok {
		return credit.ErrBatchNotFound
	}
	if !amount.IsPositive() || b.IsExpired || b.CreditsRemaining.LessThan(amount) {
		return fmt.Errorf("%w: batch %s cannot give %s", credit.ErrInvariantViolation, batchID, amount)
	}
	b.CreditsRemaining = b.CreditsRemaining.Sub(amount)
	b.CreditsUsed = b.CreditsUsed.Add(amount)
	return nil
}

func (t *memTx) ExpireBatch(_ context.Context, batchID uuid.UUID, at time.Time) error {
	b, ok := t.batches[batchID]
	if !ok {
		return credit.ErrBatchNotFound
	}
	if b.IsExpired {
		return fmt.Errorf("%w: batch %s already expired", credit.ErrInvariantViolation, batchID)
	}
	b.IsExpired = true
	b.ExpiredAt = &at
	return nil
}

func (t *memTx) SaveAggregate(_ context.Context, a *credit.UserCreditAggregate) error {
	if _, ok := t.aggregates[a.UserID]; !ok {
		return fmt.Errorf("%w: aggregate for %s not locked", credit.ErrInvariantViolation, a.UserID)
	}
	if a.Available().IsNegative() {
		return fmt.Errorf("%w: aggregate for %s would go negative", credit.ErrInvariantViolation, a.UserID)
	}
	cp := *a
	t.aggregates[a.UserID] = &cp
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, ct *credit.CreditTransaction) error {
	if ct.Reference != nil {
		k := refKey{UserID: ct.UserID, TxType: ct.TxType, Reference: *ct.Reference}
		if _, ok := t.txRefs[k]; ok {
			return fmt.Errorf("%w: %s reference %q", credit.ErrReferenceConflict, ct.TxType, *ct.Reference)
		}
		t.txRefs[k] = len(t.transactions)
	}
	cp := *ct
	t.transactions = append(t.transactions, &cp)
	return nil
}

func (t *memTx) FindTransactionByReference(_ context.Context, userID uuid.UUID, txType credit.TxType, reference string) (*credit.CreditTransaction, error) {
	i, ok := t.txRefs[refKey{UserID: userID, TxType: txType, Reference: reference}]
	if !ok {
		return nil, nil
	}
	cp := *t.transactions[i]
	return &cp, nil
}

func (t *memTx) FindBatchesByPaymentRef(_ context.Context, paymentRef string) ([]*credit.CreditBatch, error) {
	out := make([]*credit.CreditBatch, 0)
	for _, b := range t.batches {
		if b.PaymentReference != nil && *b.PaymentReference == paymentRef {
			out = append(out, copyBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (t *memTx) AlertExistsSince(_ context.Context, userID uuid.UUID, alertType credit.AlertType, since time.Time) (bool, error) {
	for _, a := range t.alerts {
		if a.UserID == userID && a.AlertType == alertType && !a.CreatedAt.Before(since) {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertAlert(_ context.Context, a *credit.CreditAlert) error {
	cp := *a
	t.alerts = append(t.alerts, &cp)
	return nil
}
