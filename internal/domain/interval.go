package domain

import "fmt"

// intervalSeconds maps each supported candle interval to its step in seconds.
var intervalSeconds = map[string]int64{
	"1m":  60,
	"5m":  300,
	"15m": 900,
	"1h":  3600,
	"4h":  14400,
	"1d":  86400,
}

// IntervalStep returns the step in seconds for a supported interval.
func IntervalStep(interval string) (int64, error) {
	step, ok := intervalSeconds[interval]
	if !ok {
		return 0, fmt.Errorf("unsupported interval: %s", interval)
	}
	return step, nil
}

// SupportedInterval reports whether interval is a known candle interval.
func SupportedInterval(interval string) bool {
	_, ok := intervalSeconds[interval]
	return ok
}

// AlignTimestamp floors ts to the interval grid. Negative timestamps clamp to 0.
func AlignTimestamp(ts, step int64) int64 {
	if ts < 0 {
		return 0
	}
	return (ts / step) * step
}
