package main

import (
	"context"
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
	"candlesync/internal/domain"
)

func main() {
	symbol := flag.String("symbol", "ETH", "Instrument symbol")
	interval := flag.String("interval", "1m", "Candle interval (1m, 5m, 15m, 1h, 4h, 1d)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("FATAL: Failed to load configuration: %v", err)
	}

	appLogger := logger.NewStdLogger(cfg.LogLevel)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		appLogger.Info(ctx, "Received shutdown signal, stopping stream")
		cancel()
	}()

	store, err := sqlite.NewRepository(sqlite.Config{DBPath: cfg.DBPath, Logger: appLogger})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize candle store: %v", err)
	}
	defer store.Close()

	market, err := binanceclient.New(binanceclient.Config{Logger: appLogger, HistoryTimeout: cfg.HistoryTimeout})
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize Binance client: %v", err)
	}

	service, err := app.NewService(cfg, appLogger, store, market)
	if err != nil {
		log.Fatalf("FATAL: Failed to initialize service: %v", err)
	}
	defer service.Close()

	appLogger.Info(ctx, "Streaming candles", map[string]interface{}{"symbol": *symbol, "interval": *interval})

	err = service.StreamCandles(ctx, *symbol, *interval, func(update domain.CandleUpdate) error {
		c := update.Candle
		state := "live"
		if update.Final {
			state = "final"
		}
		fmt.Printf("%s %s [%s] %s o=%.4f h=%.4f l=%.4f c=%.4f v=%.4f\n",
			*symbol, *interval, state,
			time.Unix(c.OpenTime, 0).UTC().Format(time.RFC3339),
			c.Open, c.High, c.Low, c.Close, c.Volume)
		return nil
	})
	if err != nil && ctx.Err() == nil {
		log.Fatalf("Stream failed: %v", err)
	}
}
