package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"candlesync/config"
	"candlesync/internal/domain"
	"candlesync/internal/ports"
)

// defaultWindowSize is the number of candles served when a request names
// neither a start bound nor a limit.
const defaultWindowSize = 500

// Service is the candle synchronization engine: it keeps a gap-free local
// series per (symbol, interval) reconciled against the remote exchange and
// fans live updates out to subscribers. One instance per process owns the
// stream registry; consumers receive it by injection.
type Service struct {
	cfg    *config.Config
	logger ports.Logger
	store  ports.CandleStore
	market ports.MarketDataClient

	instruments map[string]domain.Instrument

	outboxCapacity    int
	reconnectMinDelay time.Duration
	reconnectMaxDelay time.Duration

	streamsMu sync.Mutex
	streams   map[streamKey]*streamState

	rootCtx    context.Context
	cancelRoot context.CancelFunc

	// now is the clock used for interval alignment; overridable in tests.
	now func() time.Time
}

// NewService creates the engine service instance.
func NewService(cfg *config.Config, logger ports.Logger, store ports.CandleStore, market ports.MarketDataClient) (*Service, error) {
	if cfg == nil || logger == nil || store == nil || market == nil {
		return nil, fmt.Errorf("missing required dependencies for Service")
	}
	if len(cfg.Instruments) == 0 {
		return nil, fmt.Errorf("configuration must name at least one instrument")
	}
	if cfg.OutboxCapacity <= 0 {
		return nil, fmt.Errorf("configuration OutboxCapacity must be positive")
	}

	instruments := make(map[string]domain.Instrument, len(cfg.Instruments))
	for _, inst := range cfg.Instruments {
		instruments[inst.Symbol] = inst
	}

	rootCtx, cancel := context.WithCancel(context.Background())

	return &Service{
		cfg:               cfg,
		logger:            logger,
		store:             store,
		market:            market,
		instruments:       instruments,
		outboxCapacity:    cfg.OutboxCapacity,
		reconnectMinDelay: cfg.ReconnectMinDelay,
		reconnectMaxDelay: cfg.ReconnectMaxDelay,
		streams:           make(map[streamKey]*streamState),
		rootCtx:           rootCtx,
		cancelRoot:        cancel,
		now:               func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close stops all stream coordinators. Explicit cancellation propagates
// immediately without passing through the reconnect logic.
func (s *Service) Close() {
	s.cancelRoot()
}

// Instruments returns the instruments served by this process.
func (s *Service) Instruments() []domain.Instrument {
	return s.cfg.Instruments
}

func (s *Service) nowUnix() int64 {
	return s.now().Unix()
}

func (s *Service) resolveInstrument(symbol, interval string) (domain.Instrument, int64, error) {
	step, err := domain.IntervalStep(interval)
	if err != nil {
		return domain.Instrument{}, 0, fmt.Errorf("%w: %v", ports.ErrInvalidRequest, err)
	}
	inst, ok := s.instruments[symbol]
	if !ok {
		return domain.Instrument{}, 0, fmt.Errorf("%w: unsupported symbol %s", ports.ErrInvalidRequest, symbol)
	}
	return inst, step, nil
}

// Candles serves a time window of the series, backfilling any gap first.
// start and end are inclusive second bounds; a negative bound is unset. An
// unset end defaults to the current aligned time; an unset start is derived
// from the limit. After serving, the window is validity-checked and at most
// one repair pass is attempted; if invalid candles persist the window is
// still returned, wrapped with ports.ErrBestEffortData so the caller can
// decide whether to treat it as success.
func (s *Service) Candles(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*domain.Candle, error) {
	inst, step, err := s.resolveInstrument(symbol, interval)
	if err != nil {
		return nil, err
	}

	nowAligned := domain.AlignTimestamp(s.nowUnix(), step)
	if end < 0 || end > nowAligned {
		end = nowAligned
	} else {
		end = domain.AlignTimestamp(end, step)
	}

	if start < 0 {
		size := limit
		if size <= 0 {
			size = defaultWindowSize
		}
		start = end - step*int64(size-1)
		if start < 0 {
			start = 0
		}
	} else {
		start = domain.AlignTimestamp(start, step)
		if start > end {
			start, end = end, start
		}
	}

	// A limit bounds the span too, so the window always ends at `end`.
	if limit > 0 {
		maxSpan := step * int64(limit-1)
		if start < end-maxSpan {
			start = end - maxSpan
		}
	}

	if err := s.ensureRange(ctx, inst, interval, start, end, step); err != nil {
		return nil, err
	}
	candles, err := s.store.QueryRange(ctx, inst.Symbol, interval, start, end, limit)
	if err != nil {
		return nil, err
	}

	invalid := invalidCandleTimes(candles, step)
	if len(invalid) == 0 {
		return candles, nil
	}

	// One repair pass: refetch the invalid span, re-query, re-validate.
	repairStart := domain.AlignTimestamp(minInt64(invalid), step)
	repairEnd := domain.AlignTimestamp(maxInt64(invalid), step)
	s.logger.Warn(ctx, "Repairing invalid candles", map[string]interface{}{
		"symbol": symbol, "interval": interval, "count": len(invalid),
		"repairStart": repairStart, "repairEnd": repairEnd})

	if err := s.ensureRange(ctx, inst, interval, repairStart, repairEnd, step); err != nil {
		return nil, err
	}
	candles, err = s.store.QueryRange(ctx, inst.Symbol, interval, start, end, limit)
	if err != nil {
		return nil, err
	}

	if invalid = invalidCandleTimes(candles, step); len(invalid) > 0 {
		s.logger.Warn(ctx, "Invalid candles persist after repair, serving best-effort data", map[string]interface{}{
			"symbol": symbol, "interval": interval, "count": len(invalid)})
		return candles, fmt.Errorf("%w: %d invalid candles in %s %s", ports.ErrBestEffortData, len(invalid), symbol, interval)
	}
	return candles, nil
}

// AvailableTimeRange reports the earliest and latest open times obtainable
// for the series, bringing the local tail current first. The earliest bound
// falls back to a remote history-start probe when the store holds nothing
// older.
func (s *Service) AvailableTimeRange(ctx context.Context, symbol, interval string) (int64, int64, error) {
	inst, step, err := s.resolveInstrument(symbol, interval)
	if err != nil {
		return 0, 0, err
	}

	latest, ok, err := s.ensureLatest(ctx, inst, interval, step)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		latest = domain.AlignTimestamp(s.nowUnix(), step)
	}

	earliest, storedLatest, stored, err := s.store.TimeRange(ctx, inst.Symbol, interval)
	if err != nil {
		return 0, 0, err
	}
	if stored && storedLatest > latest {
		latest = storedLatest
	}

	if !stored {
		remoteEarliest, found, err := s.market.EarliestOpenTime(ctx, inst.BinanceSymbol, interval)
		if err != nil {
			return 0, 0, err
		}
		if found {
			earliest = remoteEarliest
		} else {
			earliest = latest
		}
	}

	return earliest, latest, nil
}

// StreamCandles delivers the live feed for the series to fn: first any stored
// backlog newer than the catch-up point, then live updates, until ctx is done
// or fn returns an error. Final candles arrive in strictly increasing
// open-time order with no duplicates; provisional updates never describe a
// slot older than the last final one. The subscription is torn down on every
// exit path.
func (s *Service) StreamCandles(ctx context.Context, symbol, interval string, fn func(update domain.CandleUpdate) error) error {
	inst, step, err := s.resolveInstrument(symbol, interval)
	if err != nil {
		return err
	}

	lastFinal, ok, err := s.ensureLatest(ctx, inst, interval, step)
	if err != nil {
		return err
	}
	if !ok {
		lastFinal = domain.AlignTimestamp(s.nowUnix(), step)
	}

	deliver := func(candles []*domain.Candle) error {
		for _, candle := range candles {
			if candle.OpenTime <= lastFinal {
				continue
			}
			lastFinal = candle.OpenTime
			if err := fn(domain.CandleUpdate{Candle: candle, Final: true}); err != nil {
				return err
			}
		}
		return nil
	}

	pending, err := s.store.QueryAfter(ctx, inst.Symbol, interval, lastFinal)
	if err != nil {
		return err
	}
	if err := deliver(pending); err != nil {
		return err
	}

	st := s.streamFor(inst, interval, step)
	outbox := s.subscribe(st)
	defer s.unsubscribe(st, outbox)

	// Second drain: candles finalized between the first drain and the
	// subscription are picked up here; the cursor filter below drops the
	// overlap the outbox may also carry.
	extra, err := s.store.QueryAfter(ctx, inst.Symbol, interval, lastFinal)
	if err != nil {
		return err
	}
	if err := deliver(extra); err != nil {
		return err
	}

	for {
		update, err := outbox.Receive(ctx)
		if err != nil {
			return err
		}
		if update.Candle == nil {
			continue
		}

		if update.Final {
			if update.Candle.OpenTime <= lastFinal {
				continue
			}
			lastFinal = update.Candle.OpenTime
		} else if update.Candle.OpenTime < lastFinal {
			continue
		}

		if err := fn(update); err != nil {
			return err
		}
	}
}

// RefreshAfter deletes all candles at or after the aligned cutoff and
// re-backfills the tail from upstream. Maintenance entry point for repairing
// a known-bad stretch of recent data.
func (s *Service) RefreshAfter(ctx context.Context, symbol, interval string, cutoff int64) error {
	inst, step, err := s.resolveInstrument(symbol, interval)
	if err != nil {
		return err
	}

	cutoff = domain.AlignTimestamp(cutoff, step)
	if err := s.store.DeleteAfter(ctx, inst.Symbol, interval, cutoff); err != nil {
		return err
	}
	s.logger.Info(ctx, "Deleted candle tail, refetching", map[string]interface{}{
		"symbol": symbol, "interval": interval, "cutoff": cutoff})

	nowAligned := domain.AlignTimestamp(s.nowUnix(), step)
	return s.ensureRange(ctx, inst, interval, cutoff, nowAligned, step)
}

// PruneBefore removes all candles older than the aligned keepStart.
func (s *Service) PruneBefore(ctx context.Context, symbol, interval string, keepStart int64) error {
	inst, step, err := s.resolveInstrument(symbol, interval)
	if err != nil {
		return err
	}
	return s.store.DeleteBefore(ctx, inst.Symbol, interval, domain.AlignTimestamp(keepStart, step))
}

func minInt64(values []int64) int64 {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

func maxInt64(values []int64) int64 {
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}
