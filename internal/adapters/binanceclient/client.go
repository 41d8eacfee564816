package binanceclient

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"candlesync/internal/domain"
	"candlesync/internal/ports"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
)

// Client implements the ports.MarketDataClient interface using the go-binance library.
// Only public market-data endpoints are used, so no API keys are required.
type Client struct {
	spotClient     *binance.Client
	logger         ports.Logger
	historyTimeout time.Duration

	// earliestMu guards earliestCache. The history start of a listed pair
	// never moves backward, so one remote probe per (symbol, interval) is
	// enough for the process lifetime.
	earliestMu    sync.Mutex
	earliestCache map[string]int64
}

// Config holds configuration specific to the Binance client adapter.
type Config struct {
	Logger         ports.Logger
	HistoryTimeout time.Duration // Timeout for a single klines request (e.g., 10 * time.Second)
}

// New creates a new Binance client adapter.
func New(cfg Config) (*Client, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for Binance client")
	}

	historyTimeout := cfg.HistoryTimeout
	if historyTimeout <= 0 {
		historyTimeout = 10 * time.Second
	}

	return &Client{
		spotClient:     binance.NewClient("", ""),
		logger:         cfg.Logger,
		historyTimeout: historyTimeout,
		earliestCache:  make(map[string]int64),
	}, nil
}

// handleError translates common Binance API errors into standardized ports errors.
func (c *Client) handleError(ctx context.Context, err error, operation string) error {
	if err == nil {
		return nil
	}

	fields := map[string]interface{}{"operation": operation, "originalError": err.Error()}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		fields["apiErrorCode"] = apiErr.Code
		fields["apiErrorMessage"] = apiErr.Message

		var mappedErr error
		switch apiErr.Code {
		case -1003: // Too many requests
			mappedErr = ports.ErrRateLimited
		case -1021: // Timestamp for this request is outside of the recvWindow
			mappedErr = ports.ErrTimeout
		case -1100, -1101, -1102, -1103, -1104, -1105, -1106, -1120, -1121: // Parameter/Request format errors
			mappedErr = ports.ErrInvalidRequest
		default:
			mappedErr = ports.ErrExchangeUnavailable
		}
		finalErr := fmt.Errorf("%s failed: %w: %w", operation, mappedErr, err)
		c.logger.Error(ctx, err, fmt.Sprintf("%s failed with API error", operation), fields)
		return finalErr
	}

	// Handle non-API errors (network, context cancellation, etc.)
	var finalErr error
	if errors.Is(err, context.DeadlineExceeded) {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrTimeout, err)
	} else if errors.Is(err, context.Canceled) {
		finalErr = fmt.Errorf("%s operation canceled: %w: %w", operation, ports.ErrContextCanceled, err)
	} else if strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "connection reset by peer") {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrConnectionFailed, err)
	} else {
		finalErr = fmt.Errorf("%s failed: %w: %w", operation, ports.ErrUnknown, err)
	}

	c.logger.Error(ctx, err, fmt.Sprintf("%s failed", operation), fields)
	return finalErr
}

// FetchKlines retrieves up to limit historical candles for the symbol/interval.
// start and end are inclusive second bounds; a negative bound is unset. The
// upstream API speaks milliseconds, so bounds are scaled on the way out and
// timestamps truncated back to whole seconds on ingestion.
func (c *Client) FetchKlines(ctx context.Context, symbol, interval string, start, end int64, limit int) ([]*domain.Candle, error) {
	op := "FetchKlines"
	if start >= 0 && end >= 0 && start > end {
		return nil, nil
	}
	if limit <= 0 || limit > ports.MaxHistoryBatch {
		limit = ports.MaxHistoryBatch
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.historyTimeout)
	defer cancel()

	svc := c.spotClient.NewKlinesService().
		Symbol(strings.ToUpper(symbol)).
		Interval(interval).
		Limit(limit)
	if start >= 0 {
		svc = svc.StartTime(start * 1000)
	}
	if end >= 0 {
		svc = svc.EndTime(end * 1000)
	}

	binanceKlines, err := svc.Do(reqCtx)
	if err != nil {
		return nil, c.handleError(ctx, err, op)
	}

	candles := make([]*domain.Candle, 0, len(binanceKlines))
	for _, bk := range binanceKlines {
		candle, err := translateRestKline(bk)
		if err != nil {
			return nil, c.handleError(ctx, fmt.Errorf("failed to translate historical kline: %w", err), op)
		}
		candles = append(candles, candle)
	}
	return candles, nil
}

// EarliestOpenTime returns the open time of the oldest candle the exchange
// holds for the symbol/interval, probing with a single kline from the epoch.
func (c *Client) EarliestOpenTime(ctx context.Context, symbol, interval string) (int64, bool, error) {
	op := "EarliestOpenTime"
	key := strings.ToUpper(symbol) + "@" + interval

	c.earliestMu.Lock()
	if cached, ok := c.earliestCache[key]; ok {
		c.earliestMu.Unlock()
		return cached, true, nil
	}
	c.earliestMu.Unlock()

	candles, err := c.FetchKlines(ctx, symbol, interval, 0, -1, 1)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", op, err)
	}
	if len(candles) == 0 {
		return 0, false, nil
	}

	earliest := candles[0].OpenTime
	c.earliestMu.Lock()
	c.earliestCache[key] = earliest
	c.earliestMu.Unlock()

	c.logger.Debug(ctx, op+": resolved history start", map[string]interface{}{"symbol": symbol, "interval": interval, "openTime": earliest})
	return earliest, true, nil
}

// StreamKlines opens a single WebSocket kline session. Malformed payloads are
// logged and dropped rather than surfaced through errHandler: a translation
// failure must not tear down an otherwise healthy connection. The session does
// not reconnect; doneCh is closed when it ends and retrying is the caller's
// state machine.
func (c *Client) StreamKlines(ctx context.Context, symbol, interval string, handler func(update *domain.CandleUpdate), errHandler func(err error)) (doneCh chan struct{}, stopCh chan struct{}, err error) {
	op := "StreamKlines"

	binanceHandler := func(event *binance.WsKlineEvent) {
		update, err := translateWsKline(event)
		if err != nil {
			c.logger.Debug(ctx, op+": dropping malformed kline event", map[string]interface{}{"symbol": symbol, "interval": interval, "error": err.Error()})
			return
		}
		handler(update)
	}

	binanceErrHandler := func(err error) {
		translatedErr := fmt.Errorf("%s: %w: %w", op, ports.ErrStreamClosed, err)
		c.logger.Warn(ctx, op+": WebSocket error reported", map[string]interface{}{"symbol": symbol, "interval": interval, "error": translatedErr.Error()})
		errHandler(translatedErr)
	}

	doneCh, stopCh, err = binance.WsKlineServe(strings.ToLower(symbol), interval, binanceHandler, binanceErrHandler)
	if err != nil {
		return nil, nil, c.handleError(ctx, err, op)
	}

	c.logger.Info(ctx, op+": WebSocket session established", map[string]interface{}{"symbol": symbol, "interval": interval})
	return doneCh, stopCh, nil
}

// --- Translation Helpers ---

func translateRestKline(bk *binance.Kline) (*domain.Candle, error) {
	if bk == nil {
		return nil, errors.New("received nil historical kline")
	}
	open, err := strconv.ParseFloat(bk.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", bk.Open, err)
	}
	high, err := strconv.ParseFloat(bk.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", bk.High, err)
	}
	low, err := strconv.ParseFloat(bk.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", bk.Low, err)
	}
	cls, err := strconv.ParseFloat(bk.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", bk.Close, err)
	}
	vol, err := strconv.ParseFloat(bk.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", bk.Volume, err)
	}

	return &domain.Candle{
		OpenTime:  bk.OpenTime / 1000,
		CloseTime: bk.CloseTime / 1000,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     cls,
		Volume:    vol,
	}, nil
}

func translateWsKline(event *binance.WsKlineEvent) (*domain.CandleUpdate, error) {
	if event == nil {
		return nil, errors.New("received nil kline event")
	}
	k := event.Kline
	open, err := strconv.ParseFloat(k.Open, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing open price '%s': %w", k.Open, err)
	}
	high, err := strconv.ParseFloat(k.High, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing high price '%s': %w", k.High, err)
	}
	low, err := strconv.ParseFloat(k.Low, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing low price '%s': %w", k.Low, err)
	}
	cls, err := strconv.ParseFloat(k.Close, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing close price '%s': %w", k.Close, err)
	}
	vol, err := strconv.ParseFloat(k.Volume, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing volume '%s': %w", k.Volume, err)
	}

	return &domain.CandleUpdate{
		Candle: &domain.Candle{
			OpenTime:  k.StartTime / 1000,
			CloseTime: k.EndTime / 1000,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     cls,
			Volume:    vol,
		},
		Final: k.IsFinal,
	}, nil
}
