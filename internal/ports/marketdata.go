package ports

import (
	"context"

	"candlesync/internal/domain"
)

// MaxHistoryBatch is the largest number of candles the upstream history API
// returns per request.
const MaxHistoryBatch = 1000

// MarketDataClient defines the interface for the remote exchange's candle
// data: the historical REST query and the live push feed.
// This abstraction allows decoupling the sync engine from a specific exchange.
type MarketDataClient interface {
	// FetchKlines retrieves up to limit historical candles for the symbol and
	// interval, ordered by open time ascending. start and end are inclusive
	// bounds in whole seconds; a negative bound is unset. limit is capped at
	// MaxHistoryBatch.
	FetchKlines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*domain.Candle, error)

	// EarliestOpenTime returns the open time of the oldest candle the
	// exchange holds for the symbol and interval. ok is false when the
	// exchange has no data at all. Implementations may cache the result: the
	// history start of a listed instrument never moves backward.
	EarliestOpenTime(ctx context.Context, symbol, interval string) (openTime int64, ok bool, err error)

	// StreamKlines opens a single push-feed session for candle updates.
	// handler is invoked for every well-formed update; malformed payloads are
	// logged and dropped. doneCh is closed when the session ends for any
	// reason; stopCh closes the session when signalled. The session does not
	// reconnect on its own; connection loss is reported by closing doneCh and
	// retrying is the caller's concern.
	StreamKlines(ctx context.Context, symbol, interval string, handler func(update *domain.CandleUpdate), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error)
}
