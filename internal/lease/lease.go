// Package lease implements the per-order exclusive lease that serializes
// verification attempts. Whoever holds the lease for an order id is the only
// attempt allowed to call the gateway and move the order's status; everyone
// else waits a bounded time for the holder to finish, then gives up so the
// caller can retry externally.
package lease

import (
	"context"
	"errors"
	"time"
)

// ErrNotAcquired is returned when the lease is still held by another attempt
// after the bounded acquire wait.
var ErrNotAcquired = errors.New("lease not acquired")

// Lease is a held lease. Release must be called on every exit path so no
// order can be permanently stuck; a lease that is never released expires
// after the guard's TTL.
type Lease interface {
	Release(ctx context.Context) error
}

// Guard hands out exclusive, TTL-bounded leases keyed by order id.
type Guard interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Options are shared by the guard implementations.
type Options struct {
	// TTL is the hard upper bound on how long one attempt may hold a
	// lease. An expired lease can be taken over by the next acquirer.
	TTL time.Duration
	// AcquireWait bounds how long Acquire blocks on a held lease.
	AcquireWait time.Duration
}
