// Package poll implements interval-based snapshot polling. Each fetch
// produces a complete snapshot that replaces the previous one; consumers
// never see partial or merged state.
package poll

import (
	"context"
	"log"
	"time"
)

// Fetcher produces a full snapshot of some remote state.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Poller runs a Fetcher at a fixed interval and delivers snapshots on a
// channel. Delivery is latest-wins: if the consumer is slow, stale snapshots
// are dropped so only the newest is ever pending.
type Poller[T any] struct {
	interval time.Duration
	fetch    Fetcher[T]
	updates  chan T
}

// New creates a poller. A non-positive interval defaults to 3 seconds.
func New[T any](interval time.Duration, fetch Fetcher[T]) *Poller[T] {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &Poller[T]{
		interval: interval,
		fetch:    fetch,
		updates:  make(chan T, 1),
	}
}

// Updates returns the snapshot channel. It is closed when Run returns.
func (p *Poller[T]) Updates() <-chan T {
	return p.updates
}

// Run polls until ctx is cancelled. The first fetch happens immediately,
// not after the first interval. Fetch errors are logged and the previous
// snapshot stands until the next successful fetch.
func (p *Poller[T]) Run(ctx context.Context) {
	defer close(p.updates)

	p.poll(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller[T]) poll(ctx context.Context) {
	snapshot, err := p.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("poll: fetch failed: %v", err)
		}
		return
	}

	// Drop the undelivered snapshot, if any, then queue the new one.
	select {
	case <-p.updates:
	default:
	}
	p.updates <- snapshot
}
