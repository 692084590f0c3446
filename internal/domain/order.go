package domain

import "time"

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusVerifying OrderStatus = "verifying"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusFailed    OrderStatus = "failed"
)

// DonationOrder is a donation awaiting or having received payment
// confirmation. Status changes only through the verification flow; once a
// terminal status is reached it never changes again.
type DonationOrder struct {
	ID          string
	AmountCents int64
	Currency    string
	Status      OrderStatus
	// VerifiedTransactionID is set exactly once, when the order becomes paid.
	VerifiedTransactionID string
	// FailureCode carries the gateway decline reason for failed orders.
	FailureCode string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Terminal reports whether no further status transition is permitted.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusPaid || s == OrderStatusFailed
}

// CanTransition reports whether from -> to is a legal order transition.
// The only backward edge is verifying -> pending, the rollback taken when
// the gateway outcome is unknown.
func CanTransition(from, to OrderStatus) bool {
	switch from {
	case OrderStatusPending:
		return to == OrderStatusVerifying
	case OrderStatusVerifying:
		return to == OrderStatusPaid || to == OrderStatusFailed || to == OrderStatusPending
	default:
		return false
	}
}
