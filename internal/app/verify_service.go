package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/cimillas/donation-hub/services/verify/internal/clock"
	"github.com/cimillas/donation-hub/services/verify/internal/domain"
	"github.com/cimillas/donation-hub/services/verify/internal/gateway"
	"github.com/cimillas/donation-hub/services/verify/internal/lease"
	"github.com/cimillas/donation-hub/services/verify/internal/metrics"
)

// OrderRepository is the storage contract the verification flow needs. All
// status transitions are compare-and-set on the current status; ConfirmOrder
// additionally binds the transaction id under a unique constraint.
type OrderRepository interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetOrder(ctx context.Context, orderID string) (domain.DonationOrder, error)
	UpdateStatus(ctx context.Context, orderID string, from, to domain.OrderStatus, now time.Time) error
	ConfirmOrder(ctx context.Context, orderID, transactionID string, now time.Time) error
	FailOrder(ctx context.Context, orderID, reasonCode string, now time.Time) error
	FindTransaction(ctx context.Context, transactionID string) (*domain.PaymentTransaction, error)
	RecordTransaction(ctx context.Context, tx domain.PaymentTransaction) error
}

// GatewayClient observes the authoritative payment status of a transaction.
type GatewayClient interface {
	Verify(ctx context.Context, transactionID, orderID string) gateway.Outcome
}

// VerifyService decides, exactly once per order, whether a donation payment
// succeeded, and replays that decision to any number of retried callers.
type VerifyService struct {
	repo    OrderRepository
	gateway GatewayClient
	guard   lease.Guard
	clock   clock.Clock
	log     *zap.Logger
}

func NewVerifyService(repo OrderRepository, gw GatewayClient, guard lease.Guard, clk clock.Clock, log *zap.Logger) *VerifyService {
	return &VerifyService{
		repo:    repo,
		gateway: gw,
		guard:   guard,
		clock:   clk,
		log:     log,
	}
}

type VerifyInput struct {
	OrderID       string
	TransactionID string
}

type VerifyResult struct {
	Order domain.DonationOrder
	// Replayed is true when this call returned a previously decided
	// outcome instead of performing the verification itself.
	Replayed bool
}

// VerifyDonation verifies the payment for one order. The result is identical
// whether this is the first attempt or the Nth retry of the same
// (order, transaction) pair.
func (s *VerifyService) VerifyDonation(ctx context.Context, in VerifyInput) (VerifyResult, error) {
	res, err := s.verify(ctx, in)
	metrics.VerificationsTotal.WithLabelValues(outcomeLabel(res, err)).Inc()
	if err != nil && domain.KindOf(err) == domain.KindInternal {
		s.log.Error("verification internal failure",
			zap.String("order_id", in.OrderID),
			zap.String("transaction_id", in.TransactionID),
			zap.Error(err),
		)
	}
	return res, err
}

func (s *VerifyService) verify(ctx context.Context, in VerifyInput) (VerifyResult, error) {
	if in.OrderID == "" || in.TransactionID == "" {
		return VerifyResult{}, domain.E(domain.KindInvalidRequest, "order_id and transaction_id are required")
	}

	order, err := s.repo.GetOrder(ctx, in.OrderID)
	if err != nil {
		return VerifyResult{}, err
	}

	// A decided order answers without touching the gateway.
	if order.Status.Terminal() {
		return s.replayTerminal(ctx, order, in.TransactionID)
	}

	// Fail fast when the transaction already belongs to another order.
	if known, err := s.repo.FindTransaction(ctx, in.TransactionID); err != nil {
		return VerifyResult{}, err
	} else if known != nil && known.OrderID != in.OrderID {
		return VerifyResult{}, domain.E(domain.KindTransactionConflict,
			fmt.Sprintf("transaction %s is bound to a different order", in.TransactionID))
	}

	held, err := s.guard.Acquire(ctx, in.OrderID)
	if err != nil {
		if errors.Is(err, lease.ErrNotAcquired) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return VerifyResult{}, domain.Wrap(domain.KindGatewayUnavailable,
				"verification already in progress, retry later", err)
		}
		return VerifyResult{}, domain.Wrap(domain.KindInternal, "acquire order lease", err)
	}

	// From here on the attempt must run to completion even if the caller
	// hangs up: tearing down a half-applied transition would break the
	// at-most-once guarantee. The abandoned caller just never sees the
	// result.
	dctx := context.WithoutCancel(ctx)
	defer func() {
		if rerr := held.Release(dctx); rerr != nil {
			s.log.Warn("release order lease", zap.String("order_id", in.OrderID), zap.Error(rerr))
		}
	}()

	// Re-read under the lease: a concurrent attempt may have decided the
	// order while we waited.
	order, err = s.repo.GetOrder(dctx, in.OrderID)
	if err != nil {
		return VerifyResult{}, err
	}
	if order.Status.Terminal() {
		return s.replayTerminal(dctx, order, in.TransactionID)
	}

	// A verifying order under a freshly acquired lease means the previous
	// holder expired mid-flight. Roll it back as if the gateway outcome had
	// been unknown, then proceed with this attempt.
	if order.Status == domain.OrderStatusVerifying {
		s.log.Warn("rolling back order abandoned by expired lease holder",
			zap.String("order_id", in.OrderID))
		if err := s.repo.UpdateStatus(dctx, in.OrderID, domain.OrderStatusVerifying, domain.OrderStatusPending, s.clock.Now()); err != nil {
			return VerifyResult{}, err
		}
		order.Status = domain.OrderStatusPending
	}

	if order.Status != domain.OrderStatusPending {
		return VerifyResult{}, domain.E(domain.KindInternal,
			fmt.Sprintf("order %s in unexpected status %s", in.OrderID, order.Status))
	}

	if err := s.repo.UpdateStatus(dctx, in.OrderID, domain.OrderStatusPending, domain.OrderStatusVerifying, s.clock.Now()); err != nil {
		return VerifyResult{}, err
	}

	outcome := s.gateway.Verify(dctx, in.TransactionID, in.OrderID)
	return s.applyOutcome(dctx, order, in.TransactionID, outcome)
}

// applyOutcome drives the verifying order to its next status based on what
// the gateway said. Every path leaves the order either terminal or back at
// pending.
func (s *VerifyService) applyOutcome(ctx context.Context, order domain.DonationOrder, transactionID string, outcome gateway.Outcome) (VerifyResult, error) {
	now := s.clock.Now()

	switch outcome.Status {
	case gateway.OutcomeConfirmed:
		if outcome.AmountCents != order.AmountCents {
			// Policy undecided for mismatched amounts; fail loudly and
			// leave the order retryable.
			s.log.Error("gateway confirmed amount differs from order amount",
				zap.String("order_id", order.ID),
				zap.String("transaction_id", transactionID),
				zap.Int64("order_amount_cents", order.AmountCents),
				zap.Int64("reported_amount_cents", outcome.AmountCents),
			)
			if err := s.rollback(ctx, order.ID, now); err != nil {
				return VerifyResult{}, err
			}
			return VerifyResult{}, domain.E(domain.KindInternal, "gateway reported a different amount")
		}

		err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
			if err := s.repo.RecordTransaction(txCtx, domain.PaymentTransaction{
				ID:                  transactionID,
				OrderID:             order.ID,
				GatewayReference:    outcome.GatewayReference,
				ReportedAmountCents: outcome.AmountCents,
				GatewayStatus:       string(gateway.OutcomeConfirmed),
				ObservedAt:          now,
			}); err != nil {
				return err
			}
			return s.repo.ConfirmOrder(txCtx, order.ID, transactionID, now)
		})
		if err != nil {
			if rbErr := s.rollback(ctx, order.ID, now); rbErr != nil {
				// The order is stuck in verifying until the lease TTL
				// recovery path picks it up; the caller still gets the
				// cause that failed the confirm.
				s.log.Error("rollback after failed confirm",
					zap.String("order_id", order.ID),
					zap.Error(rbErr),
				)
			}
			return VerifyResult{}, err
		}

		order.Status = domain.OrderStatusPaid
		order.VerifiedTransactionID = transactionID
		order.UpdatedAt = now
		return VerifyResult{Order: order}, nil

	case gateway.OutcomeDeclined:
		err := s.repo.WithTx(ctx, func(txCtx context.Context) error {
			if err := s.repo.RecordTransaction(txCtx, domain.PaymentTransaction{
				ID:                  transactionID,
				OrderID:             order.ID,
				GatewayReference:    outcome.GatewayReference,
				ReportedAmountCents: outcome.AmountCents,
				GatewayStatus:       string(gateway.OutcomeDeclined),
				ObservedAt:          now,
			}); err != nil {
				return err
			}
			return s.repo.FailOrder(txCtx, order.ID, outcome.ReasonCode, now)
		})
		if err != nil {
			if rbErr := s.rollback(ctx, order.ID, now); rbErr != nil {
				s.log.Error("rollback after failed decline",
					zap.String("order_id", order.ID),
					zap.Error(rbErr),
				)
			}
			return VerifyResult{}, err
		}

		order.Status = domain.OrderStatusFailed
		order.FailureCode = outcome.ReasonCode
		order.UpdatedAt = now
		return VerifyResult{Order: order}, nil

	default:
		// Unknown: put the order back so a future attempt can retry.
		if err := s.rollback(ctx, order.ID, now); err != nil {
			return VerifyResult{}, err
		}
		return VerifyResult{}, domain.E(domain.KindGatewayUnavailable,
			"payment gateway did not answer, retry later")
	}
}

func (s *VerifyService) rollback(ctx context.Context, orderID string, now time.Time) error {
	return s.repo.UpdateStatus(ctx, orderID, domain.OrderStatusVerifying, domain.OrderStatusPending, now)
}

// replayTerminal returns the previously decided outcome for a terminal
// order, or a conflict when the caller's transaction is not the one that
// decided it.
func (s *VerifyService) replayTerminal(ctx context.Context, order domain.DonationOrder, transactionID string) (VerifyResult, error) {
	switch order.Status {
	case domain.OrderStatusPaid:
		if order.VerifiedTransactionID == transactionID {
			return VerifyResult{Order: order, Replayed: true}, nil
		}
		return VerifyResult{}, domain.E(domain.KindTransactionConflict,
			fmt.Sprintf("order %s is already paid by a different transaction", order.ID))

	case domain.OrderStatusFailed:
		// Failed orders carry no verified transaction id; the recorded
		// observation tells us which transaction was declined.
		known, err := s.repo.FindTransaction(ctx, transactionID)
		if err != nil {
			return VerifyResult{}, err
		}
		if known != nil && known.OrderID == order.ID {
			return VerifyResult{Order: order, Replayed: true}, nil
		}
		return VerifyResult{}, domain.E(domain.KindTransactionConflict,
			fmt.Sprintf("order %s already failed with a different transaction", order.ID))

	default:
		return VerifyResult{}, domain.E(domain.KindInternal,
			fmt.Sprintf("order %s is not terminal", order.ID))
	}
}

func outcomeLabel(res VerifyResult, err error) string {
	if err == nil {
		if res.Replayed {
			return "replayed"
		}
		if res.Order.Status == domain.OrderStatusPaid {
			return "paid"
		}
		return "failed"
	}
	switch domain.KindOf(err) {
	case domain.KindInvalidRequest:
		return "invalid"
	case domain.KindOrderNotFound:
		return "not_found"
	case domain.KindTransactionConflict:
		return "conflict"
	case domain.KindGatewayUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}
