package domain

import "time"

// PaymentTransaction is the gateway's record of a single payment attempt as
// observed by this service. A transaction id may be bound to at most one
// order; a second binding attempt is a conflict, never an overwrite.
type PaymentTransaction struct {
	ID                  string
	OrderID             string
	GatewayReference    string
	ReportedAmountCents int64
	GatewayStatus       string
	ObservedAt          time.Time
}
