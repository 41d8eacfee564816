package app

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"candlesync/config"
	"candlesync/internal/domain"
	"candlesync/internal/ports"
)

// Mock implementations

type mockLogger struct {
	mu        sync.Mutex
	debugMsgs []string
	infoMsgs  []string
	warnMsgs  []string
	errorMsgs []string
}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.debugMsgs = append(m.debugMsgs, msg)
}

func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.infoMsgs = append(m.infoMsgs, msg)
}

func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnMsgs = append(m.warnMsgs, msg)
}

func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorMsgs = append(m.errorMsgs, msg)
}

type seriesKey struct {
	symbol   string
	interval string
}

// memoryStore is an in-memory ports.CandleStore with the same filtering
// semantics as the sqlite adapter.
type memoryStore struct {
	mu     sync.Mutex
	series map[seriesKey]map[int64]*domain.Candle
}

func newMemoryStore() *memoryStore {
	return &memoryStore{series: make(map[seriesKey]map[int64]*domain.Candle)}
}

// seed stores candles verbatim, bypassing the completeness filter. Used to
// model corrupted rows that only external writers could have produced.
func (m *memoryStore) seed(symbol, interval string, candles ...*domain.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := seriesKey{symbol, interval}
	rows, ok := m.series[key]
	if !ok {
		rows = make(map[int64]*domain.Candle)
		m.series[key] = rows
	}
	for _, c := range candles {
		cp := *c
		rows[c.OpenTime] = &cp
	}
}

func (m *memoryStore) sorted(symbol, interval string, start, end int64) []*domain.Candle {
	key := seriesKey{symbol, interval}
	out := make([]*domain.Candle, 0)
	for _, c := range m.series[key] {
		if c.OpenTime < start {
			continue
		}
		if end >= 0 && c.OpenTime > end {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenTime < out[j].OpenTime })
	return out
}

func (m *memoryStore) UpsertCandles(ctx context.Context, symbol, interval string, candles []*domain.Candle) error {
	step, err := domain.IntervalStep(interval)
	if err != nil {
		return err
	}
	complete := make([]*domain.Candle, 0, len(candles))
	for _, c := range candles {
		if c.IsComplete(step) {
			complete = append(complete, c)
		}
	}
	m.seed(symbol, interval, complete...)
	return nil
}

func (m *memoryStore) QueryRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*domain.Candle, error) {
	step, err := domain.IntervalStep(interval)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	rows := m.sorted(symbol, interval, start, end)
	m.mu.Unlock()
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	filtered := make([]*domain.Candle, 0, len(rows))
	for idx, c := range rows {
		if c.IsComplete(step) || idx == len(rows)-1 {
			filtered = append(filtered, c)
		}
	}
	return filtered, nil
}

func (m *memoryStore) QueryAfter(ctx context.Context, symbol, interval string, afterOpenTime int64) ([]*domain.Candle, error) {
	step, err := domain.IntervalStep(interval)
	if err != nil {
		return nil, err
	}
	return m.QueryRange(ctx, symbol, interval, afterOpenTime+step, -1, 0)
}

func (m *memoryStore) LatestOpenTime(ctx context.Context, symbol, interval string) (int64, bool, error) {
	m.mu.Lock()
	rows := m.sorted(symbol, interval, 0, -1)
	m.mu.Unlock()
	if len(rows) == 0 {
		return 0, false, nil
	}
	return rows[len(rows)-1].OpenTime, true, nil
}

func (m *memoryStore) TimeRange(ctx context.Context, symbol, interval string) (int64, int64, bool, error) {
	m.mu.Lock()
	rows := m.sorted(symbol, interval, 0, -1)
	m.mu.Unlock()
	if len(rows) == 0 {
		return 0, 0, false, nil
	}
	return rows[0].OpenTime, rows[len(rows)-1].OpenTime, true, nil
}

func (m *memoryStore) FindMissingSegment(ctx context.Context, symbol, interval string, start, end int64) (*domain.MissingSegment, error) {
	if start > end {
		return nil, nil
	}
	step, err := domain.IntervalStep(interval)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	rows := m.sorted(symbol, interval, start, end)
	m.mu.Unlock()

	expected := start
	for _, c := range rows {
		if c.OpenTime > expected {
			missingEnd := c.OpenTime - step
			if missingEnd > end {
				missingEnd = end
			}
			if missingEnd >= expected {
				return &domain.MissingSegment{Start: expected, End: missingEnd}, nil
			}
		}
		if c.CloseTime < c.OpenTime+step-1 && c.OpenTime < end {
			return &domain.MissingSegment{Start: c.OpenTime, End: c.OpenTime}, nil
		}
		expected = c.OpenTime + step
	}
	if expected <= end {
		return &domain.MissingSegment{Start: expected, End: end}, nil
	}
	return nil, nil
}

func (m *memoryStore) DeleteAfter(ctx context.Context, symbol, interval string, cutoff int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ot := range m.series[seriesKey{symbol, interval}] {
		if ot >= cutoff {
			delete(m.series[seriesKey{symbol, interval}], ot)
		}
	}
	return nil
}

func (m *memoryStore) DeleteBefore(ctx context.Context, symbol, interval string, keepStart int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ot := range m.series[seriesKey{symbol, interval}] {
		if ot < keepStart {
			delete(m.series[seriesKey{symbol, interval}], ot)
		}
	}
	return nil
}

type fetchCall struct {
	symbol   string
	interval string
	start    int64
	end      int64
	limit    int
}

type mockMarket struct {
	mu          sync.Mutex
	calls       []fetchCall
	fetchFn     func(symbol, interval string, start, end int64, limit int) []*domain.Candle
	fetchErr    error
	earliest    int64
	hasEarliest bool
	streamFn    func(ctx context.Context, symbol, interval string, handler func(*domain.CandleUpdate), errHandler func(error)) (chan struct{}, chan struct{}, error)
}

func (m *mockMarket) FetchKlines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*domain.Candle, error) {
	m.mu.Lock()
	m.calls = append(m.calls, fetchCall{symbol, interval, start, end, limit})
	fn := m.fetchFn
	err := m.fetchErr
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if fn == nil {
		return nil, nil
	}
	return fn(symbol, interval, start, end, limit), nil
}

func (m *mockMarket) EarliestOpenTime(ctx context.Context, symbol, interval string) (int64, bool, error) {
	return m.earliest, m.hasEarliest, nil
}

func (m *mockMarket) StreamKlines(ctx context.Context, symbol, interval string, handler func(*domain.CandleUpdate), errHandler func(error)) (chan struct{}, chan struct{}, error) {
	if m.streamFn != nil {
		return m.streamFn(ctx, symbol, interval, handler, errHandler)
	}
	// Default: a session that stays open until stopped.
	doneCh := make(chan struct{})
	stopCh := make(chan struct{}, 1)
	go func() {
		select {
		case <-stopCh:
		case <-ctx.Done():
		}
		close(doneCh)
	}()
	return doneCh, stopCh, nil
}

func (m *mockMarket) fetchCalls() []fetchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]fetchCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// genCandles produces complete candles for every aligned slot in [start, end].
func genCandles(start, end, step int64, limit int) []*domain.Candle {
	var out []*domain.Candle
	for ot := domain.AlignTimestamp(start, step); ot <= end; ot += step {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, &domain.Candle{
			OpenTime:  ot,
			CloseTime: ot + step - 1,
			Open:      100,
			High:      110,
			Low:       90,
			Close:     105,
			Volume:    1,
		})
	}
	return out
}

func testConfig() *config.Config {
	return &config.Config{
		Instruments: []domain.Instrument{
			{Symbol: "ETH", Name: "Ethereum", BinanceSymbol: "ETHUSDT"},
			{Symbol: "BTC", Name: "Bitcoin", BinanceSymbol: "BTCUSDT"},
		},
		DBPath:            "unused",
		OutboxCapacity:    512,
		ReconnectMinDelay: 10 * time.Millisecond,
		ReconnectMaxDelay: 50 * time.Millisecond,
		HistoryTimeout:    time.Second,
	}
}

func newTestService(t *testing.T, store ports.CandleStore, market ports.MarketDataClient, nowSec int64) *Service {
	t.Helper()
	svc, err := NewService(testConfig(), &mockLogger{}, store, market)
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Unix(nowSec, 0).UTC() }
	t.Cleanup(svc.Close)
	return svc
}

func TestNewService_Validation(t *testing.T) {
	store := newMemoryStore()
	market := &mockMarket{}

	_, err := NewService(nil, &mockLogger{}, store, market)
	assert.Error(t, err)

	_, err = NewService(testConfig(), nil, store, market)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.Instruments = nil
	_, err = NewService(cfg, &mockLogger{}, store, market)
	assert.Error(t, err)
}

func TestCandles_EmptyStoreSingleBackfill(t *testing.T) {
	const now = 1_700_000_040 // aligned to 60 by construction below
	nowAligned := domain.AlignTimestamp(now, 60)

	store := newMemoryStore()
	market := &mockMarket{
		fetchFn: func(symbol, interval string, start, end int64, limit int) []*domain.Candle {
			return genCandles(start, end, 60, limit)
		},
	}
	svc := newTestService(t, store, market, now)

	candles, err := svc.Candles(context.Background(), "ETH", "1m", -1, -1, 3)
	require.NoError(t, err)

	// Exactly one history call, covering the closed part of the window.
	calls := market.fetchCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ETHUSDT", calls[0].symbol)
	assert.Equal(t, nowAligned-120, calls[0].start)
	assert.Equal(t, nowAligned-60, calls[0].end)

	// The still-forming current slot cannot be served from an empty store.
	require.Len(t, candles, 2)
	assert.Equal(t, nowAligned-120, candles[0].OpenTime)
	assert.Equal(t, nowAligned-60, candles[1].OpenTime)
}

func TestCandles_NoFetchWhenCovered(t *testing.T) {
	store := newMemoryStore()
	store.seed("ETH", "1m", genCandles(0, 540, 60, 0)...)
	market := &mockMarket{}
	svc := newTestService(t, store, market, 660)

	candles, err := svc.Candles(context.Background(), "ETH", "1m", 0, 540, 0)
	require.NoError(t, err)
	assert.Len(t, candles, 10)
	assert.Empty(t, market.fetchCalls())
}

func TestCandles_RefetchesIncompleteSlot(t *testing.T) {
	store := newMemoryStore()
	store.seed("ETH", "1m", genCandles(0, 540, 60, 0)...)
	// Corrupt one mid-window row into a short span; only a writer outside the
	// engine could have produced it.
	store.seed("ETH", "1m", &domain.Candle{OpenTime: 180, CloseTime: 200, Open: 100, High: 110, Low: 90, Close: 105})

	market := &mockMarket{
		fetchFn: func(symbol, interval string, start, end int64, limit int) []*domain.Candle {
			return genCandles(start, end, 60, limit)
		},
	}
	svc := newTestService(t, store, market, 660)

	candles, err := svc.Candles(context.Background(), "ETH", "1m", 0, 540, 0)
	require.NoError(t, err)
	assert.Len(t, candles, 10)

	calls := market.fetchCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(180), calls[0].start)
	assert.Equal(t, int64(180), calls[0].end)
}

func TestCandles_RepairBound(t *testing.T) {
	store := newMemoryStore()
	store.seed("ETH", "1m", genCandles(0, 540, 60, 0)...)
	// Two structurally invalid rows (high below low) with full spans. Gap
	// detection sees them as complete, so even the repair pass cannot obtain
	// replacements; the service must stop after one attempt.
	for _, ot := range []int64{180, 240} {
		store.seed("ETH", "1m", &domain.Candle{OpenTime: ot, CloseTime: ot + 59, Open: 100, High: 80, Low: 90, Close: 100})
	}

	market := &mockMarket{
		fetchFn: func(symbol, interval string, start, end int64, limit int) []*domain.Candle {
			return genCandles(start, end, 60, limit)
		},
	}
	svc := newTestService(t, store, market, 660)

	candles, err := svc.Candles(context.Background(), "ETH", "1m", 0, 540, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ports.ErrBestEffortData))
	// Best-effort data still accompanies the error.
	assert.Len(t, candles, 10)
}

func TestCandles_PaginatesThroughSegment(t *testing.T) {
	store := newMemoryStore()
	// Upstream serves at most two candles per request.
	market := &mockMarket{
		fetchFn: func(symbol, interval string, start, end int64, limit int) []*domain.Candle {
			return genCandles(start, end, 60, 2)
		},
	}
	svc := newTestService(t, store, market, 360)

	candles, err := svc.Candles(context.Background(), "ETH", "1m", 0, 240, 0)
	require.NoError(t, err)
	assert.Len(t, candles, 5)

	calls := market.fetchCalls()
	require.Len(t, calls, 3)
	assert.Equal(t, int64(0), calls[0].start)
	assert.Equal(t, int64(120), calls[1].start)
	assert.Equal(t, int64(240), calls[2].start)
	for _, call := range calls {
		assert.Equal(t, int64(240), call.end)
	}
}

func TestCandles_UpstreamExhausted(t *testing.T) {
	store := newMemoryStore()
	market := &mockMarket{} // every fetch returns an empty batch
	svc := newTestService(t, store, market, 1_700_000_040)

	candles, err := svc.Candles(context.Background(), "ETH", "1m", -1, -1, 3)
	require.NoError(t, err)
	assert.Empty(t, candles)
	assert.Len(t, market.fetchCalls(), 1)
}

func TestCandles_SwapsInvertedBounds(t *testing.T) {
	store := newMemoryStore()
	store.seed("ETH", "1m", genCandles(0, 540, 60, 0)...)
	svc := newTestService(t, store, &mockMarket{}, 660)

	candles, err := svc.Candles(context.Background(), "ETH", "1m", 300, 120, 0)
	require.NoError(t, err)
	require.Len(t, candles, 4)
	assert.Equal(t, int64(120), candles[0].OpenTime)
	assert.Equal(t, int64(300), candles[len(candles)-1].OpenTime)
}

func TestCandles_UnsupportedInput(t *testing.T) {
	svc := newTestService(t, newMemoryStore(), &mockMarket{}, 660)

	_, err := svc.Candles(context.Background(), "DOGE", "1m", -1, -1, 10)
	assert.True(t, errors.Is(err, ports.ErrInvalidRequest))

	_, err = svc.Candles(context.Background(), "ETH", "3m", -1, -1, 10)
	assert.True(t, errors.Is(err, ports.ErrInvalidRequest))
}

func TestAvailableTimeRange(t *testing.T) {
	const now = 1_700_000_100
	nowAligned := domain.AlignTimestamp(now, 60)

	t.Run("stored history", func(t *testing.T) {
		store := newMemoryStore()
		historyStart := nowAligned - 300
		market := &mockMarket{
			fetchFn: func(symbol, interval string, start, end int64, limit int) []*domain.Candle {
				if start < historyStart {
					start = historyStart
				}
				return genCandles(start, end, 60, limit)
			},
		}
		svc := newTestService(t, store, market, now)

		earliest, latest, err := svc.AvailableTimeRange(context.Background(), "ETH", "1m")
		require.NoError(t, err)
		assert.Equal(t, historyStart, earliest)
		assert.Equal(t, nowAligned-60, latest)
	})

	t.Run("empty upstream falls back to now", func(t *testing.T) {
		store := newMemoryStore()
		market := &mockMarket{}
		svc := newTestService(t, store, market, now)

		earliest, latest, err := svc.AvailableTimeRange(context.Background(), "ETH", "1m")
		require.NoError(t, err)
		assert.Equal(t, nowAligned, latest)
		assert.Equal(t, latest, earliest)
	})
}

func TestRefreshAfter(t *testing.T) {
	store := newMemoryStore()
	store.seed("ETH", "1m", genCandles(0, 540, 60, 0)...)
	market := &mockMarket{
		fetchFn: func(symbol, interval string, start, end int64, limit int) []*domain.Candle {
			return genCandles(start, end, 60, limit)
		},
	}
	svc := newTestService(t, store, market, 660)

	require.NoError(t, svc.RefreshAfter(context.Background(), "ETH", "1m", 300))

	// Tail deleted and refetched through to the last closed slot.
	calls := market.fetchCalls()
	require.NotEmpty(t, calls)
	assert.Equal(t, int64(300), calls[0].start)
	assert.Equal(t, int64(600), calls[0].end)

	candles, err := store.QueryRange(context.Background(), "ETH", "1m", 0, -1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(600), candles[len(candles)-1].OpenTime)
}

func TestPruneBefore(t *testing.T) {
	store := newMemoryStore()
	store.seed("ETH", "1m", genCandles(0, 540, 60, 0)...)
	svc := newTestService(t, store, &mockMarket{}, 660)

	require.NoError(t, svc.PruneBefore(context.Background(), "ETH", "1m", 300))

	candles, err := store.QueryRange(context.Background(), "ETH", "1m", 0, -1, 0)
	require.NoError(t, err)
	require.NotEmpty(t, candles)
	assert.Equal(t, int64(300), candles[0].OpenTime)
}

func TestInstruments(t *testing.T) {
	svc := newTestService(t, newMemoryStore(), &mockMarket{}, 660)
	instruments := svc.Instruments()
	require.Len(t, instruments, 2)
	assert.Equal(t, "ETH", instruments[0].Symbol)
	assert.Equal(t, "ETHUSDT", instruments[0].BinanceSymbol)
}
