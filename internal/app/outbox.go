package app

import (
	"context"

	"candlesync/internal/domain"
)

// Outbox is a bounded FIFO queue of candle updates owned by one subscriber.
// On overflow the oldest queued event is evicted to admit the new one: for a
// live chart the newest event is the most actionable, so drop-oldest, never
// drop-newest.
type Outbox struct {
	ch chan domain.CandleUpdate
}

func newOutbox(capacity int) *Outbox {
	return &Outbox{ch: make(chan domain.CandleUpdate, capacity)}
}

// TrySend enqueues the update without blocking. When the queue is full, the
// oldest event is evicted and the send retried once. Returns false only when
// even eviction cannot make room (concurrent contention); the caller is then
// expected to tear the outbox down rather than stall the broadcaster.
func (o *Outbox) TrySend(update domain.CandleUpdate) bool {
	select {
	case o.ch <- update:
		return true
	default:
	}

	// Evict the oldest queued event, if any, and retry.
	select {
	case <-o.ch:
	default:
	}
	select {
	case o.ch <- update:
		return true
	default:
		return false
	}
}

// Receive blocks until the next update is available or ctx is done.
func (o *Outbox) Receive(ctx context.Context) (domain.CandleUpdate, error) {
	select {
	case update := <-o.ch:
		return update, nil
	case <-ctx.Done():
		return domain.CandleUpdate{}, ctx.Err()
	}
}

// Len reports the number of currently queued updates.
func (o *Outbox) Len() int {
	return len(o.ch)
}
