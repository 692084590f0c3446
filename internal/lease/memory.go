package lease

import (
	"context"
	"sync"
	"time"

	"github.com/cimillas/donation-hub/services/verify/internal/clock"
	"github.com/cimillas/donation-hub/services/verify/internal/metrics"
)

// MemoryGuard is the in-process lease, suitable for a single replica.
type MemoryGuard struct {
	mu      sync.Mutex
	opts    Options
	clk     clock.Clock
	entries map[string]*memEntry
}

type memEntry struct {
	// done is closed when the holder releases or is taken over.
	done      chan struct{}
	expiresAt time.Time
}

func NewMemoryGuard(opts Options, clk clock.Clock) *MemoryGuard {
	return &MemoryGuard{
		opts:    opts,
		clk:     clk,
		entries: make(map[string]*memEntry),
	}
}

func (g *MemoryGuard) Acquire(ctx context.Context, key string) (Lease, error) {
	start := time.Now()
	defer func() {
		metrics.LeaseWaitSeconds.Observe(time.Since(start).Seconds())
	}()

	deadline := time.NewTimer(g.opts.AcquireWait)
	defer deadline.Stop()

	for {
		entry, acquired := g.tryAcquire(key)
		if acquired {
			return &memLease{guard: g, key: key, entry: entry}, nil
		}

		select {
		case <-entry.done:
			// Holder finished; race for the lease again.
		case <-deadline.C:
			return nil, ErrNotAcquired
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// tryAcquire installs a fresh entry when the key is free or the current
// holder's TTL has passed. It returns the installed entry and true, or the
// blocking holder's entry and false.
func (g *MemoryGuard) tryAcquire(key string) (*memEntry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clk.Now()
	if existing, ok := g.entries[key]; ok {
		if now.Before(existing.expiresAt) {
			return existing, false
		}
		// Expired holder: take over and wake its waiters.
		close(existing.done)
	}

	entry := &memEntry{
		done:      make(chan struct{}),
		expiresAt: now.Add(g.opts.TTL),
	}
	g.entries[key] = entry
	return entry, true
}

type memLease struct {
	guard *MemoryGuard
	key   string
	entry *memEntry
}

func (l *memLease) Release(context.Context) error {
	g := l.guard
	g.mu.Lock()
	defer g.mu.Unlock()

	// Only remove the entry we installed; a takeover after expiry means the
	// key now belongs to someone else.
	if current, ok := g.entries[l.key]; ok && current == l.entry {
		delete(g.entries, l.key)
		close(l.entry.done)
	}
	return nil
}
