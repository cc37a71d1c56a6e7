package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"confluenceBot/internal/domain"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, []string{"ETHUSDT"}, cfg.Assets)
	assert.Equal(t, []domain.Timeframe{domain.TF1h, domain.TF4h}, cfg.Timeframes)
	assert.Equal(t, domain.TF1h, cfg.BaseTimeframe)
	assert.Equal(t, 100, cfg.Lookback)
	assert.True(t, cfg.RiskPerTrade.Equal(decimal.NewFromFloat(0.01)))
	assert.True(t, cfg.MaxDailyLossPercent.Equal(decimal.NewFromFloat(0.03)))
	assert.Equal(t, time.Hour, cfg.CircuitBreakerCooldown)
	assert.Equal(t, 5*time.Second, cfg.TickInterval)
	assert.True(t, cfg.IsTestnet)
}

func TestLoadConfigParsesLists(t *testing.T) {
	t.Setenv("ASSETS", "ETHUSDT, SOLUSDT")
	t.Setenv("TIMEFRAMES", "15m,1h,4h")
	t.Setenv("BASE_TIMEFRAME", "15m")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHUSDT", "SOLUSDT"}, cfg.Assets)
	assert.Equal(t, []domain.Timeframe{domain.TF15m, domain.TF1h, domain.TF4h}, cfg.Timeframes)
	assert.Equal(t, domain.TF15m, cfg.BaseTimeframe)
}

func TestLoadConfigRejectsUnknownTimeframe(t *testing.T) {
	t.Setenv("TIMEFRAMES", "1h,7h")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "7h")
}

func TestLoadConfigRejectsBaseOutsideTimeframes(t *testing.T) {
	t.Setenv("TIMEFRAMES", "1h")
	t.Setenv("BASE_TIMEFRAME", "4h")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BASE_TIMEFRAME")
}

func TestLoadConfigCollectsAllErrors(t *testing.T) {
	t.Setenv("RISK_PER_TRADE", "1.5")
	t.Setenv("LOOKBACK", "-1")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RISK_PER_TRADE")
	assert.Contains(t, err.Error(), "LOOKBACK")
}

func TestParseGroups(t *testing.T) {
	groups, err := parseGroups("layer1:ETHUSDT|SOLUSDT;meme:DOGEUSDT")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{
		"layer1": {"ETHUSDT", "SOLUSDT"},
		"meme":   {"DOGEUSDT"},
	}, groups)

	empty, err := parseGroups("")
	require.NoError(t, err)
	assert.Nil(t, empty)

	_, err = parseGroups("nomembers:")
	require.Error(t, err)

	_, err = parseGroups("justassets")
	require.Error(t, err)
}

func TestRequireAPIKeys(t *testing.T) {
	cfg := &Config{}
	require.Error(t, cfg.RequireAPIKeys())
	cfg.APIKey, cfg.SecretKey = "k", "s"
	require.NoError(t, cfg.RequireAPIKeys())
}
