package app

import (
	"context"
	"sync"
	"time"

	"candlesync/internal/domain"
	"candlesync/internal/ports"

	"github.com/jpillora/backoff"
)

// tickBuffer is the per-session buffer between the push connection's read
// goroutine and the coordinator loop.
const tickBuffer = 64

type streamKey struct {
	symbol   string
	interval string
}

// streamState holds the live-stream bookkeeping for one (symbol, interval)
// pair. It is created on first subscription and lives for the process
// lifetime. latestFinal/hasLatest are mutated only by the coordinator
// goroutine for this key, so they need no lock.
type streamState struct {
	instrument domain.Instrument
	interval   string
	step       int64

	mu          sync.Mutex // guards running and subscribers
	running     bool
	subscribers map[*Outbox]struct{}

	latestFinal int64
	hasLatest   bool
}

// streamFor returns the stream state for the key, creating it and starting
// its coordinator if needed. Creation is check-then-create under the registry
// lock; the coordinator start is guarded by the state's own lock so concurrent
// subscribers never spawn duplicate coordinators for the same key.
func (s *Service) streamFor(inst domain.Instrument, interval string, step int64) *streamState {
	key := streamKey{symbol: inst.Symbol, interval: interval}

	s.streamsMu.Lock()
	st, ok := s.streams[key]
	if !ok {
		st = &streamState{
			instrument:  inst,
			interval:    interval,
			step:        step,
			subscribers: make(map[*Outbox]struct{}),
		}
		s.streams[key] = st
	}
	s.streamsMu.Unlock()

	st.mu.Lock()
	if !st.running {
		st.running = true
		go s.runStream(s.rootCtx, st)
	}
	st.mu.Unlock()

	return st
}

// subscribe registers a new outbox on the stream state.
func (s *Service) subscribe(st *streamState) *Outbox {
	outbox := newOutbox(s.outboxCapacity)
	st.mu.Lock()
	st.subscribers[outbox] = struct{}{}
	st.mu.Unlock()
	return outbox
}

// unsubscribe removes the outbox from the stream state.
func (s *Service) unsubscribe(st *streamState, outbox *Outbox) {
	st.mu.Lock()
	delete(st.subscribers, outbox)
	st.mu.Unlock()
}

// broadcast pushes an update to every subscriber. The subscriber set is
// snapshotted under the lock and the sends happen outside it, so a slow
// fan-out never blocks new subscriptions. Outboxes that cannot admit the
// update even after evicting their oldest event are torn down.
func (s *Service) broadcast(ctx context.Context, st *streamState, update domain.CandleUpdate) {
	st.mu.Lock()
	if len(st.subscribers) == 0 {
		st.mu.Unlock()
		return
	}
	snapshot := make([]*Outbox, 0, len(st.subscribers))
	for outbox := range st.subscribers {
		snapshot = append(snapshot, outbox)
	}
	st.mu.Unlock()

	var dead []*Outbox
	for _, outbox := range snapshot {
		if !outbox.TrySend(update) {
			dead = append(dead, outbox)
		}
	}

	if len(dead) > 0 {
		st.mu.Lock()
		for _, outbox := range dead {
			delete(st.subscribers, outbox)
		}
		st.mu.Unlock()
		s.logger.Warn(ctx, "Dropped stalled subscribers", map[string]interface{}{
			"symbol": st.instrument.Symbol, "interval": st.interval, "count": len(dead)})
	}
}

// runStream is the coordinator loop for one stream key: connect, stream,
// and on any non-cancellation failure reconnect after an exponentially
// increasing delay. Cancellation is terminal and bypasses the retry logic.
func (s *Service) runStream(ctx context.Context, st *streamState) {
	defer func() {
		st.mu.Lock()
		st.running = false
		st.mu.Unlock()
	}()

	delay := &backoff.Backoff{
		Min:    s.reconnectMinDelay,
		Max:    s.reconnectMaxDelay,
		Factor: 2,
	}

	for {
		connected, err := s.runStreamSession(ctx, st)
		if ctx.Err() != nil {
			s.logger.Info(ctx, "Stream coordinator stopped", map[string]interface{}{
				"symbol": st.instrument.Symbol, "interval": st.interval})
			return
		}
		if connected {
			// A session that reached streaming resets the backoff seed.
			delay.Reset()
		}

		wait := delay.Duration()
		s.logger.Warn(ctx, "Stream session ended, reconnecting", map[string]interface{}{
			"symbol": st.instrument.Symbol, "interval": st.interval,
			"error": errString(err), "retryIn": wait.String()})

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			s.logger.Info(ctx, "Stream coordinator stopped during backoff", map[string]interface{}{
				"symbol": st.instrument.Symbol, "interval": st.interval})
			return
		}
	}
}

// runStreamSession runs one reconcile-connect-stream cycle. The returned bool
// reports whether the push connection was established (used to reset the
// reconnect backoff).
func (s *Service) runStreamSession(ctx context.Context, st *streamState) (bool, error) {
	// Reconcile before connecting: seed the finalized cursor from the store
	// so no candle backfilled by a concurrent request is silently skipped.
	latest, ok, err := s.ensureLatest(ctx, st.instrument, st.interval, st.step)
	if err != nil {
		return false, err
	}
	if ok {
		st.latestFinal = latest
	} else {
		st.latestFinal = domain.AlignTimestamp(s.nowUnix(), st.step)
	}
	st.hasLatest = true

	pending, err := s.store.QueryAfter(ctx, st.instrument.Symbol, st.interval, st.latestFinal)
	if err != nil {
		return false, err
	}
	for _, candle := range pending {
		st.latestFinal = candle.OpenTime
		s.broadcast(ctx, st, domain.CandleUpdate{Candle: candle, Final: true})
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticks := make(chan *domain.CandleUpdate, tickBuffer)
	streamErrs := make(chan error, 1)

	doneCh, stopCh, err := s.market.StreamKlines(sessionCtx, st.instrument.BinanceSymbol, st.interval,
		func(update *domain.CandleUpdate) {
			select {
			case ticks <- update:
			case <-sessionCtx.Done():
			}
		},
		func(err error) {
			select {
			case streamErrs <- err:
			default:
			}
		},
	)
	if err != nil {
		return false, err
	}
	defer func() {
		select {
		case stopCh <- struct{}{}:
		default:
		}
	}()

	s.logger.Info(ctx, "Streaming candles", map[string]interface{}{
		"symbol": st.instrument.Symbol, "interval": st.interval})

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case update := <-ticks:
			if err := s.handleTick(ctx, st, update); err != nil {
				return true, err
			}
		case err := <-streamErrs:
			return true, err
		case <-doneCh:
			return true, ports.ErrStreamClosed
		}
	}
}

// handleTick processes one push-feed message against the finalized cursor.
//
// Provisional ticks are forwarded only when they describe the still-open slot.
// Final ticks at or behind the cursor are duplicates and dropped. A final tick
// more than one step ahead means the feed skipped slots (e.g., after a
// reconnect): the hole is backfilled and replayed in open-time order before
// the tick itself is persisted and forwarded, so subscribers observe every
// finalized candle exactly once, in order.
func (s *Service) handleTick(ctx context.Context, st *streamState, update *domain.CandleUpdate) error {
	candle := update.Candle

	if !update.Final {
		if !st.hasLatest || candle.OpenTime >= st.latestFinal {
			s.broadcast(ctx, st, domain.CandleUpdate{Candle: candle, Final: false})
		}
		return nil
	}

	if st.hasLatest && candle.OpenTime <= st.latestFinal {
		return nil
	}

	if st.hasLatest && candle.OpenTime > st.latestFinal+st.step {
		if err := s.ensureRange(ctx, st.instrument, st.interval, st.latestFinal+st.step, candle.OpenTime, st.step); err != nil {
			return err
		}
		backfilled, err := s.store.QueryAfter(ctx, st.instrument.Symbol, st.interval, st.latestFinal)
		if err != nil {
			return err
		}
		for _, existing := range backfilled {
			if existing.OpenTime <= st.latestFinal || existing.OpenTime >= candle.OpenTime {
				continue
			}
			st.latestFinal = existing.OpenTime
			s.broadcast(ctx, st, domain.CandleUpdate{Candle: existing, Final: true})
		}
		if candle.OpenTime <= st.latestFinal {
			return nil
		}
	}

	if err := s.store.UpsertCandles(ctx, st.instrument.Symbol, st.interval, []*domain.Candle{candle}); err != nil {
		return err
	}
	st.latestFinal = candle.OpenTime
	st.hasLatest = true
	s.broadcast(ctx, st, domain.CandleUpdate{Candle: candle, Final: true})
	return nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
