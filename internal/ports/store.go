package ports

import (
	"context"

	"candlesync/internal/domain"
)

// CandleStore defines the persistence contract for candle series. One row per
// (symbol, interval, openTime); upserts are idempotent, last writer wins.
type CandleStore interface {
	// UpsertCandles inserts or replaces the given candles. Candles whose span
	// marks them as still forming are skipped; only the exchange's live feed
	// may describe an incomplete interval, and that data is never persisted.
	UpsertCandles(ctx context.Context, symbol, interval string, candles []*domain.Candle) error

	// QueryRange returns candles with start <= openTime <= end in ascending
	// open-time order. Incomplete rows are filtered out, except the newest row
	// of the result, which may legitimately still be forming. A limit <= 0
	// means no limit.
	QueryRange(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*domain.Candle, error)

	// QueryAfter returns all candles strictly after afterOpenTime (i.e. from
	// afterOpenTime+step onward) in ascending order.
	QueryAfter(ctx context.Context, symbol, interval string, afterOpenTime int64) ([]*domain.Candle, error)

	// LatestOpenTime returns the newest stored open time.
	// ok is false when the series is empty.
	LatestOpenTime(ctx context.Context, symbol, interval string) (openTime int64, ok bool, err error)

	// TimeRange returns the earliest and latest stored open times.
	// ok is false when the series is empty.
	TimeRange(ctx context.Context, symbol, interval string) (earliest, latest int64, ok bool, err error)

	// FindMissingSegment returns the first contiguous hole, or first
	// incomplete non-tail slot, within the inclusive aligned range
	// [start, end]. Returns nil when the range is fully covered by complete
	// candles. Only the first segment is reported; callers loop until none
	// remains.
	FindMissingSegment(ctx context.Context, symbol, interval string, start, end int64) (*domain.MissingSegment, error)

	// DeleteAfter removes all candles with openTime >= cutoff.
	DeleteAfter(ctx context.Context, symbol, interval string, cutoff int64) error

	// DeleteBefore removes all candles with openTime < keepStart.
	DeleteBefore(ctx context.Context, symbol, interval string, keepStart int64) error
}
