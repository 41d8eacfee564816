package app

import (
	"context"

	"candlesync/internal/domain"
	"candlesync/internal/ports"
)

// ensureRange guarantees that, upon return, every interval-aligned slot in
// [start, min(end, now-step)] is either complete in the store or unobtainable
// from upstream. The still-forming current interval is never requested: the
// exchange cannot serve a complete candle for it yet.
//
// Each pass asks the store for the first missing segment only and paginates
// history fetches through it, persisting every batch immediately so partial
// progress survives a failure mid-range. An empty batch means the true start
// of upstream history was reached; that ends the attempt without error.
func (s *Service) ensureRange(ctx context.Context, inst domain.Instrument, interval string, start, end, step int64) error {
	if start > end {
		return nil
	}

	start = domain.AlignTimestamp(start, step)
	end = domain.AlignTimestamp(end, step)

	nowAligned := domain.AlignTimestamp(s.nowUnix(), step)
	maxClosed := nowAligned - step
	if maxClosed < 0 {
		maxClosed = 0
	}
	effectiveEnd := end
	if effectiveEnd > maxClosed {
		effectiveEnd = maxClosed
	}
	if start > effectiveEnd {
		return nil
	}

	currentStart := start
	for currentStart <= effectiveEnd {
		if err := ctx.Err(); err != nil {
			return err
		}

		segment, err := s.store.FindMissingSegment(ctx, inst.Symbol, interval, currentStart, effectiveEnd)
		if err != nil {
			return err
		}
		if segment == nil {
			break
		}

		fetchStart := segment.Start
		for fetchStart <= segment.End {
			if err := ctx.Err(); err != nil {
				return err
			}

			batch, err := s.market.FetchKlines(ctx, inst.BinanceSymbol, interval, fetchStart, segment.End, ports.MaxHistoryBatch)
			if err != nil {
				return err
			}
			if len(batch) == 0 {
				s.logger.Debug(ctx, "Backfill reached upstream history start", map[string]interface{}{
					"symbol": inst.Symbol, "interval": interval, "fetchStart": fetchStart})
				return nil
			}

			if err := s.store.UpsertCandles(ctx, inst.Symbol, interval, batch); err != nil {
				return err
			}

			lastOpenTime := batch[len(batch)-1].OpenTime
			if lastOpenTime >= segment.End {
				break
			}
			fetchStart = lastOpenTime + step
		}

		currentStart = segment.End + step
	}
	return nil
}

// ensureLatest brings the series current: it seeds an empty store with the
// most recent full history window and tops up a stale store to now, then
// returns the latest stored open time. ok is false when the store is still
// empty afterwards (upstream had nothing).
func (s *Service) ensureLatest(ctx context.Context, inst domain.Instrument, interval string, step int64) (int64, bool, error) {
	nowAligned := domain.AlignTimestamp(s.nowUnix(), step)

	latest, ok, err := s.store.LatestOpenTime(ctx, inst.Symbol, interval)
	if err != nil {
		return 0, false, err
	}

	if !ok {
		windowStart := nowAligned - step*(ports.MaxHistoryBatch-1)
		if windowStart < 0 {
			windowStart = 0
		}
		if err := s.ensureRange(ctx, inst, interval, windowStart, nowAligned, step); err != nil {
			return 0, false, err
		}
		return s.store.LatestOpenTime(ctx, inst.Symbol, interval)
	}

	if latest < nowAligned {
		if err := s.ensureRange(ctx, inst, interval, latest+step, nowAligned, step); err != nil {
			return 0, false, err
		}
		return s.store.LatestOpenTime(ctx, inst.Symbol, interval)
	}

	return latest, true, nil
}
