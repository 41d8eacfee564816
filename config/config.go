package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"candlesync/internal/adapters/logger" // Import the logger package for LogLevel
	"candlesync/internal/domain"
)

// defaultInstruments is used when INSTRUMENTS is not set.
const defaultInstruments = "ETH:Ethereum:ETHUSDT,BTC:Bitcoin:BTCUSDT"

// Config holds all application configuration.
type Config struct {
	// Instruments served by this process, mapped to upstream symbols.
	Instruments []domain.Instrument

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter

	// Stream coordinator reconnect backoff bounds
	ReconnectMinDelay time.Duration
	ReconnectMaxDelay time.Duration

	// Subscriber outbox capacity (events buffered per consumer)
	OutboxCapacity int

	// Timeout applied to a single history fetch round-trip
	HistoryTimeout time.Duration
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string // Collect validation errors

	instruments, err := parseInstruments(getEnv("INSTRUMENTS", defaultInstruments))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid INSTRUMENTS: %v", err))
	} else if len(instruments) == 0 {
		errs = append(errs, "INSTRUMENTS must name at least one instrument")
	}
	cfg.Instruments = instruments

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/candles.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Reconnect backoff
	minDelaySeconds := getEnvAsInt("RECONNECT_MIN_DELAY_SECONDS", 1)
	if minDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_MIN_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectMinDelay = time.Duration(minDelaySeconds) * time.Second

	maxDelaySeconds := getEnvAsInt("RECONNECT_MAX_DELAY_SECONDS", 30)
	if maxDelaySeconds < minDelaySeconds {
		errs = append(errs, "RECONNECT_MAX_DELAY_SECONDS must be >= RECONNECT_MIN_DELAY_SECONDS")
	}
	cfg.ReconnectMaxDelay = time.Duration(maxDelaySeconds) * time.Second

	// Fan-out
	cfg.OutboxCapacity = getEnvAsInt("OUTBOX_CAPACITY", 512)
	if cfg.OutboxCapacity <= 0 {
		errs = append(errs, "OUTBOX_CAPACITY must be positive")
	}

	// History fetch
	historyTimeoutSeconds := getEnvAsInt("HISTORY_TIMEOUT_SECONDS", 10)
	if historyTimeoutSeconds <= 0 {
		errs = append(errs, "HISTORY_TIMEOUT_SECONDS must be positive")
	}
	cfg.HistoryTimeout = time.Duration(historyTimeoutSeconds) * time.Second

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// parseInstruments parses a "SYMBOL:Name:BinanceSymbol,..." list.
func parseInstruments(raw string) ([]domain.Instrument, error) {
	var instruments []domain.Instrument
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.Split(entry, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("entry %q must be SYMBOL:Name:BinanceSymbol", entry)
		}
		symbol := strings.ToUpper(strings.TrimSpace(parts[0]))
		name := strings.TrimSpace(parts[1])
		binanceSymbol := strings.ToUpper(strings.TrimSpace(parts[2]))
		if symbol == "" || name == "" || binanceSymbol == "" {
			return nil, fmt.Errorf("entry %q has an empty field", entry)
		}
		instruments = append(instruments, domain.Instrument{
			Symbol:        symbol,
			Name:          name,
			BinanceSymbol: binanceSymbol,
		})
	}
	return instruments, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Log warning? For non-required fields, default is often acceptable.
		return defaultValue
	}
	return value
}
