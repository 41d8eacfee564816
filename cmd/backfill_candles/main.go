package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"candlesync/config"
	"candlesync/internal/adapters/binanceclient"
	"candlesync/internal/adapters/logger"
	"candlesync/internal/adapters/sqlite"
	"candlesync/internal/app"
	"candlesync/internal/ports"
)

func main() {
	symbol := flag.String("symbol", "ETH", "Instrument symbol")
	interval := flag.String("interval", "1m", "Candle interval (1m, 5m, 15m, 1h, 4h, 1d)")
	days := flag.Int("days", 7, "How many days of history to ensure")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err) // Use standard log before logger is ready
	}

	// 2. Initialize Logger
	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		appLogger.Info(ctx, "Received shutdown signal, cancelling backfill")
		cancel()
	}()

	// 3. Initialize Candle Store (SQLite Adapter)
	store, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize candle store: %v", err)
	}
	defer store.Close()

	// 4. Initialize Market Data Client (Binance Adapter)
	market, err := binanceclient.New(binanceclient.Config{Logger: appLogger, HistoryTimeout: cfg.HistoryTimeout})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	// 5. Initialize Service
	service, err := app.NewService(cfg, appLogger, store, market)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize service: %v", err)
	}
	defer service.Close()

	end := time.Now().UTC().Unix()
	start := end - int64(*days)*86400

	appLogger.Info(ctx, "Ensuring candle range", map[string]interface{}{
		"symbol": *symbol, "interval": *interval, "start": start, "end": end})

	candles, err := service.Candles(ctx, *symbol, *interval, start, end, 0)
	if err != nil && !errors.Is(err, ports.ErrBestEffortData) {
		appLogger.Error(ctx, err, "Backfill finished with error")
		log.Fatalf("Backfill failed: %v", err)
	}
	if err != nil {
		// Best-effort data still describes a usable window; report and keep it.
		appLogger.Warn(ctx, "Backfill stored a window with unrepaired candles", map[string]interface{}{
			"symbol": *symbol, "interval": *interval, "error": err.Error()})
	}

	fmt.Printf("Stored %d candles for %s %s\n", len(candles), *symbol, *interval)
	if len(candles) > 0 {
		fmt.Printf("Window: %d .. %d\n", candles[0].OpenTime, candles[len(candles)-1].OpenTime)
	}
}
