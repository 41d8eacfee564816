package domain

// Candle represents a single OHLCV candlestick keyed by its open time.
// Timestamps are whole seconds; OpenTime is aligned to the interval step.
type Candle struct {
	OpenTime  int64   // Start of the interval window (inclusive)
	CloseTime int64   // End of the interval window (inclusive)
	Open      float64 // Opening price
	High      float64 // Highest price
	Low       float64 // Lowest price
	Close     float64 // Closing price
	Volume    float64 // Traded volume
}

// IsComplete reports whether the candle spans its full interval window.
// A candle still forming has CloseTime < OpenTime+step-1.
func (c *Candle) IsComplete(step int64) bool {
	return c.CloseTime >= c.OpenTime+step-1
}

// IsValid reports whether the candle's prices are structurally consistent:
// High >= Low and Open/Close within [Low, High].
func (c *Candle) IsValid() bool {
	if c.High < c.Low {
		return false
	}
	if c.Open < c.Low || c.Open > c.High {
		return false
	}
	if c.Close < c.Low || c.Close > c.High {
		return false
	}
	return true
}

// CandleUpdate is a single event on the live feed. Final marks a candle whose
// interval window has fully elapsed; non-final updates describe the still
// forming candle and may repeat for the same OpenTime.
type CandleUpdate struct {
	Candle *Candle
	Final  bool
}

// MissingSegment is an inclusive, interval-aligned time range for which the
// store holds no complete candles.
type MissingSegment struct {
	Start int64
	End   int64
}
