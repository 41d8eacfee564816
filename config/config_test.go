package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	for _, key := range []string{
		"INSTRUMENTS", "DB_PATH", "LOG_LEVEL",
		"RECONNECT_MIN_DELAY_SECONDS", "RECONNECT_MAX_DELAY_SECONDS",
		"OUTBOX_CAPACITY", "HISTORY_TIMEOUT_SECONDS",
	} {
		t.Setenv(key, "")
	}

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Len(t, cfg.Instruments, 2)
	assert.Equal(t, "ETH", cfg.Instruments[0].Symbol)
	assert.Equal(t, "ETHUSDT", cfg.Instruments[0].BinanceSymbol)
	assert.Equal(t, "./data/candles.db", cfg.DBPath)
	assert.Equal(t, time.Second, cfg.ReconnectMinDelay)
	assert.Equal(t, 30*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 512, cfg.OutboxCapacity)
	assert.Equal(t, 10*time.Second, cfg.HistoryTimeout)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("INSTRUMENTS", "sol:Solana:solusdt")
	t.Setenv("DB_PATH", "/tmp/test-candles.db")
	t.Setenv("RECONNECT_MIN_DELAY_SECONDS", "2")
	t.Setenv("RECONNECT_MAX_DELAY_SECONDS", "60")
	t.Setenv("OUTBOX_CAPACITY", "64")
	t.Setenv("HISTORY_TIMEOUT_SECONDS", "5")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Len(t, cfg.Instruments, 1)
	assert.Equal(t, "SOL", cfg.Instruments[0].Symbol)
	assert.Equal(t, "Solana", cfg.Instruments[0].Name)
	assert.Equal(t, "SOLUSDT", cfg.Instruments[0].BinanceSymbol)
	assert.Equal(t, "/tmp/test-candles.db", cfg.DBPath)
	assert.Equal(t, 2*time.Second, cfg.ReconnectMinDelay)
	assert.Equal(t, 60*time.Second, cfg.ReconnectMaxDelay)
	assert.Equal(t, 64, cfg.OutboxCapacity)
	assert.Equal(t, 5*time.Second, cfg.HistoryTimeout)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"malformed instrument entry", "INSTRUMENTS", "ETH:Ethereum"},
		{"empty instrument field", "INSTRUMENTS", "ETH::ETHUSDT"},
		{"max delay below min", "RECONNECT_MAX_DELAY_SECONDS", "0"},
		{"non-positive outbox", "OUTBOX_CAPACITY", "-1"},
		{"non-positive history timeout", "HISTORY_TIMEOUT_SECONDS", "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestParseInstruments(t *testing.T) {
	instruments, err := parseInstruments(" eth:Ethereum:ethusdt , BTC:Bitcoin:BTCUSDT ,")
	require.NoError(t, err)
	require.Len(t, instruments, 2)
	assert.Equal(t, "ETH", instruments[0].Symbol)
	assert.Equal(t, "BTCUSDT", instruments[1].BinanceSymbol)

	_, err = parseInstruments("ETH")
	assert.Error(t, err)
}
