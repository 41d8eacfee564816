package app

import "candlesync/internal/domain"

// invalidCandleTimes returns the open times of structurally invalid candles
// in the window: a span shorter than the interval, or OHLC values outside
// their bounds. The very last candle is exempt: it may legitimately still be
// forming and realtime data will fill it later.
func invalidCandleTimes(candles []*domain.Candle, step int64) []int64 {
	var invalid []int64
	for idx, candle := range candles {
		if idx == len(candles)-1 {
			continue
		}
		if !candle.IsComplete(step) || !candle.IsValid() {
			invalid = append(invalid, candle.OpenTime)
		}
	}
	return invalid
}
