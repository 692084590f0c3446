package domain

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure classes this service reports. Every
// error that crosses a component boundary carries exactly one kind; raw
// transport or storage faults never leak past the layer that saw them.
type Kind int

const (
	// KindInvalidRequest: missing or malformed caller input.
	KindInvalidRequest Kind = iota
	// KindOrderNotFound: the order id references no known order.
	KindOrderNotFound
	// KindTransactionConflict: the transaction id is bound to a different
	// order, or the order is terminal with a different outcome.
	KindTransactionConflict
	// KindGatewayUnavailable: the gateway outcome stayed unknown after
	// retries were exhausted. The caller may retry after a delay.
	KindGatewayUnavailable
	// KindInternal: invariant violation or unclassified fault. Logged for
	// operator attention before it is returned.
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidRequest:
		return "invalid_request"
	case KindOrderNotFound:
		return "order_not_found"
	case KindTransactionConflict:
		return "transaction_conflict"
	case KindGatewayUnavailable:
		return "gateway_unavailable"
	default:
		return "internal_failure"
	}
}

// Retryable reports whether the caller may usefully repeat the request.
func (k Kind) Retryable() bool {
	return k == KindGatewayUnavailable
}

// Error is a classified failure. The kind travels as data so the
// transport-status mapping happens once, at the ingress boundary.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes two taxonomy errors match on kind, so callers can compare
// against the exported sentinels with errors.Is.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return te.Kind == e.Kind
}

// E builds a classified error.
func E(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies an underlying fault.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the kind from err. Unclassified errors count as internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Sentinels for the common comparisons. These carry no message of their own;
// use E/Wrap to raise, errors.Is against these to test.
var (
	ErrInvalidRequest      = E(KindInvalidRequest, "invalid request")
	ErrOrderNotFound       = E(KindOrderNotFound, "order not found")
	ErrTransactionConflict = E(KindTransactionConflict, "transaction conflict")
	ErrGatewayUnavailable  = E(KindGatewayUnavailable, "gateway unavailable")
	ErrInternal            = E(KindInternal, "internal failure")
)
