package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/cimillas/donation-hub/services/verify/internal/clock"
	"github.com/cimillas/donation-hub/services/verify/internal/domain"
	"github.com/cimillas/donation-hub/services/verify/internal/gateway"
	"github.com/cimillas/donation-hub/services/verify/internal/lease"
)

func newTestService(repo *fakeOrderRepo, gw GatewayClient, now time.Time) *VerifyService {
	guard := lease.NewMemoryGuard(lease.Options{TTL: time.Minute, AcquireWait: time.Second}, clock.NewSystem())
	return NewVerifyService(repo, gw, guard, clock.NewFixed(now), zap.NewNop())
}

func pendingOrder(id string, amount int64) domain.DonationOrder {
	return domain.DonationOrder{
		ID:          id,
		AmountCents: amount,
		Currency:    "IDR",
		Status:      domain.OrderStatusPending,
	}
}

func TestVerifyDonation_Confirmed(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	repo := newFakeOrderRepo(pendingOrder("O1", 5000))
	gw := &fakeGateway{outcome: gateway.Outcome{
		Status:           gateway.OutcomeConfirmed,
		AmountCents:      5000,
		Currency:         "IDR",
		GatewayReference: "ref-1",
	}}
	svc := newTestService(repo, gw, now)

	res, err := svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "O1", TransactionID: "T1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected status paid, got %s", res.Order.Status)
	}
	if res.Order.VerifiedTransactionID != "T1" {
		t.Fatalf("expected verified transaction T1, got %q", res.Order.VerifiedTransactionID)
	}
	if res.Replayed {
		t.Fatalf("expected a fresh verification, not a replay")
	}

	stored := repo.order("O1")
	if stored.Status != domain.OrderStatusPaid || stored.VerifiedTransactionID != "T1" {
		t.Fatalf("order not persisted as paid: %+v", stored)
	}
	if tx := repo.transaction("T1"); tx == nil || tx.OrderID != "O1" {
		t.Fatalf("transaction observation not recorded: %+v", tx)
	}
	if gw.calls.Load() != 1 {
		t.Fatalf("expected exactly one gateway call, got %d", gw.calls.Load())
	}
}

func TestVerifyDonation_IdempotentReplay(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	repo := newFakeOrderRepo(pendingOrder("O1", 5000))
	gw := &fakeGateway{outcome: gateway.Outcome{Status: gateway.OutcomeConfirmed, AmountCents: 5000}}
	svc := newTestService(repo, gw, now)

	first, err := svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "O1", TransactionID: "T1"})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	second, err := svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "O1", TransactionID: "T1"})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}

	if !second.Replayed {
		t.Fatalf("expected second call to be a replay")
	}
	if first.Order.Status != second.Order.Status ||
		first.Order.VerifiedTransactionID != second.Order.VerifiedTransactionID {
		t.Fatalf("replay differs: first=%+v second=%+v", first.Order, second.Order)
	}
	if gw.calls.Load() != 1 {
		t.Fatalf("expected the gateway to be invoked once across both calls, got %d", gw.calls.Load())
	}
}

func TestVerifyDonation_PaidWithDifferentTransactionConflicts(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	repo := newFakeOrderRepo(pendingOrder("O1", 5000))
	gw := &fakeGateway{outcome: gateway.Outcome{Status: gateway.OutcomeConfirmed, AmountCents: 5000}}
	svc := newTestService(repo, gw, now)

	if _, err := svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "O1", TransactionID: "T1"}); err != nil {
		t.Fatalf("setup verification: %v", err)
	}

	_, err := svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "O1", TransactionID: "T2"})
	if !errors.Is(err, domain.ErrTransactionConflict) {
		t.Fatalf("expected transaction conflict, got %v", err)
	}
	if gw.calls.Load() != 1 {
		t.Fatalf("conflicting call must not reach the gateway, calls=%d", gw.calls.Load())
	}
}

func TestVerifyDonation_ExclusiveBinding(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	repo := newFakeOrderRepo(pendingOrder("O1", 5000), pendingOrder("O2", 5000))
	gw := &fakeGateway{outcome: gateway.Outcome{Status: gateway.OutcomeConfirmed, AmountCents: 5000}}
	svc := newTestService(repo, gw, now)

	if _, err := svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "O1", TransactionID: "T1"}); err != nil {
		t.Fatalf("first binding: %v", err)
	}

	// The same transaction can never pay a second order.
	_, err := svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "O2", TransactionID: "T1"})
	if !errors.Is(err, domain.ErrTransactionConflict) {
		t.Fatalf("expected transaction conflict, got %v", err)
	}
	if repo.order("O2").Status != domain.OrderStatusPending {
		t.Fatalf("conflicting order must be left retryable, got %s", repo.order("O2").Status)
	}
}

func TestVerifyDonation_Declined(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	repo := newFakeOrderRepo(pendingOrder("O1", 5000))
	gw := &fakeGateway{outcome: gateway.Outcome{Status: gateway.OutcomeDeclined, ReasonCode: "card_expired"}}
	svc := newTestService(repo, gw, now)

	res, err := svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "O1", TransactionID: "T1"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if res.Order.Status != domain.OrderStatusFailed {
		t.Fatalf("expected status failed, got %s", res.Order.Status)
	}
	if res.Order.FailureCode != "card_expired" {
		t.Fatalf("expected failure code recorded, got %q", res.Order.FailureCode)
	}

	// Replay of the decline, without a second gateway call.
	replay, err := svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "O1", TransactionID: "T1"})
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !replay.Replayed || replay.Order.Status != domain.OrderStatusFailed {
		t.Fatalf("expected failed replay, got %+v", replay)
	}
	if gw.calls.Load() != 1 {
		t.Fatalf("expected one gateway call, got %d", gw.calls.Load())
	}

	// A different transaction against the failed order conflicts.
	_, err = svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "O1", TransactionID: "T9"})
	if !errors.Is(err, domain.ErrTransactionConflict) {
		t.Fatalf("expected transaction conflict, got %v", err)
	}
}

func TestVerifyDonation_UnknownOutcomeRollsBack(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	repo := newFakeOrderRepo(pendingOrder("O1", 5000))
	gw := &fakeGateway{outcome: gateway.Outcome{Status: gateway.OutcomeUnknown}}
	svc := newTestService(repo, gw, now)

	for i := 0; i < 3; i++ {
		_, err := svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "O1", TransactionID: "T1"})
		if !errors.Is(err, domain.ErrGatewayUnavailable) {
			t.Fatalf("attempt %d: expected gateway unavailable, got %v", i, err)
		}
		if got := repo.order("O1").Status; got != domain.OrderStatusPending {
			t.Fatalf("attempt %d: order must return to pending, got %s", i, got)
		}
	}

	// The order stays verifiable once the gateway recovers.
	gw.setOutcome(gateway.Outcome{Status: gateway.OutcomeConfirmed, AmountCents: 5000})
	res, err := svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "O1", TransactionID: "T1"})
	if err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if res.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid after recovery, got %s", res.Order.Status)
	}
}

func TestVerifyDonation_Validation(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	repo := newFakeOrderRepo(pendingOrder("O1", 5000))
	gw := &fakeGateway{}
	svc := newTestService(repo, gw, now)

	for _, in := range []VerifyInput{
		{},
		{OrderID: "O1"},
		{TransactionID: "T1"},
	} {
		_, err := svc.VerifyDonation(context.Background(), in)
		if !errors.Is(err, domain.ErrInvalidRequest) {
			t.Fatalf("input %+v: expected invalid request, got %v", in, err)
		}
	}
	if gw.calls.Load() != 0 {
		t.Fatalf("invalid input must not reach the gateway")
	}
	if repo.order("O1").Status != domain.OrderStatusPending {
		t.Fatalf("invalid input must not change order state")
	}

	_, err := svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "missing", TransactionID: "T1"})
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected order not found, got %v", err)
	}
}

func TestVerifyDonation_ConcurrentCallsSingleGatewayInvocation(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	repo := newFakeOrderRepo(pendingOrder("O1", 5000))
	gw := &fakeGateway{
		outcome: gateway.Outcome{Status: gateway.OutcomeConfirmed, AmountCents: 5000},
		delay:   20 * time.Millisecond,
	}
	svc := newTestService(repo, gw, now)

	const n = 16
	var wg sync.WaitGroup
	results := make([]VerifyResult, n)
	errs := make([]error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = svc.VerifyDonation(context.Background(),
				VerifyInput{OrderID: "O1", TransactionID: "T1"})
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if results[i].Order.Status != domain.OrderStatusPaid {
			t.Fatalf("call %d: expected paid, got %s", i, results[i].Order.Status)
		}
		if results[i].Order.VerifiedTransactionID != "T1" {
			t.Fatalf("call %d: wrong transaction binding", i)
		}
	}
	if gw.calls.Load() != 1 {
		t.Fatalf("expected exactly one gateway invocation, got %d", gw.calls.Load())
	}
}

func TestVerifyDonation_StaleVerifyingIsRolledBack(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	// An order stuck in verifying models a crashed attempt whose lease
	// already expired.
	stuck := pendingOrder("O1", 5000)
	stuck.Status = domain.OrderStatusVerifying
	repo := newFakeOrderRepo(stuck)
	gw := &fakeGateway{outcome: gateway.Outcome{Status: gateway.OutcomeConfirmed, AmountCents: 5000}}
	svc := newTestService(repo, gw, now)

	res, err := svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "O1", TransactionID: "T1"})
	if err != nil {
		t.Fatalf("expected recovery from stale verifying, got %v", err)
	}
	if res.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid, got %s", res.Order.Status)
	}
}

func TestVerifyDonation_AmountMismatch(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	repo := newFakeOrderRepo(pendingOrder("O1", 5000))
	gw := &fakeGateway{outcome: gateway.Outcome{Status: gateway.OutcomeConfirmed, AmountCents: 100}}
	svc := newTestService(repo, gw, now)

	_, err := svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "O1", TransactionID: "T1"})
	if !errors.Is(err, domain.ErrInternal) {
		t.Fatalf("expected internal failure, got %v", err)
	}
	if repo.order("O1").Status != domain.OrderStatusPending {
		t.Fatalf("mismatched order must be rolled back to pending, got %s", repo.order("O1").Status)
	}
}

func TestVerifyDonation_FailedRollbackKeepsOriginalCause(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	// Confirm hits a binding conflict and the compensating rollback also
	// fails; the caller must still see the conflict, not the rollback fault.
	repo := &brokenRepo{
		fakeOrderRepo: newFakeOrderRepo(pendingOrder("O1", 5000)),
		confirmErr:    domain.ErrTransactionConflict,
		rollbackErr:   domain.E(domain.KindInternal, "connection lost"),
	}
	gw := &fakeGateway{outcome: gateway.Outcome{Status: gateway.OutcomeConfirmed, AmountCents: 5000}}
	guard := lease.NewMemoryGuard(lease.Options{TTL: time.Minute, AcquireWait: time.Second}, clock.NewSystem())
	svc := NewVerifyService(repo, gw, guard, clock.NewFixed(now), zap.NewNop())

	_, err := svc.VerifyDonation(context.Background(), VerifyInput{OrderID: "O1", TransactionID: "T1"})
	if !errors.Is(err, domain.ErrTransactionConflict) {
		t.Fatalf("expected the original conflict to survive the failed rollback, got %v", err)
	}
}

// --- fakes ---

// brokenRepo fails ConfirmOrder and the verifying->pending rollback while
// delegating everything else.
type brokenRepo struct {
	*fakeOrderRepo
	confirmErr  error
	rollbackErr error
}

func (r *brokenRepo) ConfirmOrder(context.Context, string, string, time.Time) error {
	return r.confirmErr
}

func (r *brokenRepo) UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus, now time.Time) error {
	if from == domain.OrderStatusVerifying && to == domain.OrderStatusPending {
		return r.rollbackErr
	}
	return r.fakeOrderRepo.UpdateStatus(ctx, orderID, from, to, now)
}

type fakeGateway struct {
	mu      sync.Mutex
	outcome gateway.Outcome
	delay   time.Duration
	calls   atomic.Int32
}

func (g *fakeGateway) Verify(_ context.Context, _, _ string) gateway.Outcome {
	g.calls.Add(1)
	if g.delay > 0 {
		time.Sleep(g.delay)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.outcome
}

func (g *fakeGateway) setOutcome(o gateway.Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.outcome = o
}

type fakeOrderRepo struct {
	mu     sync.Mutex
	orders map[string]domain.DonationOrder
	txs    map[string]domain.PaymentTransaction
}

func newFakeOrderRepo(orders ...domain.DonationOrder) *fakeOrderRepo {
	r := &fakeOrderRepo{
		orders: make(map[string]domain.DonationOrder),
		txs:    make(map[string]domain.PaymentTransaction),
	}
	for _, o := range orders {
		r.orders[o.ID] = o
	}
	return r
}

func (r *fakeOrderRepo) order(id string) domain.DonationOrder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id]
}

func (r *fakeOrderRepo) transaction(id string) *domain.PaymentTransaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	if !ok {
		return nil
	}
	return &tx
}

func (r *fakeOrderRepo) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (r *fakeOrderRepo) GetOrder(_ context.Context, orderID string) (domain.DonationOrder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return domain.DonationOrder{}, domain.ErrOrderNotFound
	}
	return o, nil
}

func (r *fakeOrderRepo) UpdateStatus(_ context.Context, orderID string, from, to domain.OrderStatus, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.Status != from {
		return domain.E(domain.KindInternal, "status compare-and-set failed")
	}
	o.Status = to
	o.UpdatedAt = now
	r.orders[orderID] = o
	return nil
}

func (r *fakeOrderRepo) ConfirmOrder(_ context.Context, orderID, transactionID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, o := range r.orders {
		if id != orderID && o.VerifiedTransactionID == transactionID {
			return domain.ErrTransactionConflict
		}
	}
	o, ok := r.orders[orderID]
	if !ok || o.Status != domain.OrderStatusVerifying || o.VerifiedTransactionID != "" {
		return domain.E(domain.KindInternal, "order not confirmable")
	}
	o.Status = domain.OrderStatusPaid
	o.VerifiedTransactionID = transactionID
	o.UpdatedAt = now
	r.orders[orderID] = o
	return nil
}

func (r *fakeOrderRepo) FailOrder(_ context.Context, orderID, reasonCode string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok || o.Status != domain.OrderStatusVerifying {
		return domain.E(domain.KindInternal, "order not failable")
	}
	o.Status = domain.OrderStatusFailed
	o.FailureCode = reasonCode
	o.UpdatedAt = now
	r.orders[orderID] = o
	return nil
}

func (r *fakeOrderRepo) FindTransaction(_ context.Context, transactionID string) (*domain.PaymentTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[transactionID]
	if !ok {
		return nil, nil
	}
	return &tx, nil
}

func (r *fakeOrderRepo) RecordTransaction(_ context.Context, tx domain.PaymentTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.txs[tx.ID]; ok && existing.OrderID != tx.OrderID {
		return domain.ErrTransactionConflict
	}
	r.txs[tx.ID] = tx
	return nil
}
