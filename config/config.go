package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"confluenceBot/internal/adapters/logger" // LogLevel lives with the logger adapter
	"confluenceBot/internal/domain"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Universe
	Assets        []string
	Timeframes    []domain.Timeframe
	BaseTimeframe domain.Timeframe
	Lookback      int

	// Sizing and signal thresholds
	InitialBalance decimal.Decimal // risk ledger seed when the venue balance is unavailable
	RiskPerTrade   decimal.Decimal // fraction of balance at risk per trade
	MinScore       float64

	// Account-level risk limits
	MaxDailyLossPercent          decimal.Decimal
	EmergencyLossPercent         decimal.Decimal
	MaxRiskPerTradePercent       decimal.Decimal
	MaxCorrelatedExposurePercent decimal.Decimal
	MaxConcurrentPositions       int
	MaxConsecutiveLosses         int
	CircuitBreakerCooldown       time.Duration
	CorrelationGroups            map[string][]string

	// Position management
	TickInterval         time.Duration
	BreakevenActivationR decimal.Decimal
	MomentumPullbackR    decimal.Decimal

	// Outbound call guard
	GuardRequestsPerSecond float64
	GuardBurst             int
	GuardMaxRetries        int
	GuardFailureThreshold  int
	GuardOpenTimeout       time.Duration

	// Storage
	DBPath      string
	SnapshotDir string

	// Logging
	LogLevel logger.LogLevel

	// Connection settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
	MonitorInterval      time.Duration
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	// Universe
	cfg.Assets = splitList(getEnv("ASSETS", "ETHUSDT"))
	if len(cfg.Assets) == 0 {
		errs = append(errs, "ASSETS must list at least one symbol")
	}

	for _, raw := range splitList(getEnv("TIMEFRAMES", "1h,4h")) {
		tf := domain.Timeframe(raw)
		if tf.Duration() == 0 {
			errs = append(errs, fmt.Sprintf("unknown timeframe %q in TIMEFRAMES", raw))
			continue
		}
		cfg.Timeframes = append(cfg.Timeframes, tf)
	}
	cfg.BaseTimeframe = domain.Timeframe(getEnv("BASE_TIMEFRAME", "1h"))
	if cfg.BaseTimeframe.Duration() == 0 {
		errs = append(errs, fmt.Sprintf("unknown BASE_TIMEFRAME %q", cfg.BaseTimeframe))
	} else if !containsTimeframe(cfg.Timeframes, cfg.BaseTimeframe) {
		errs = append(errs, "BASE_TIMEFRAME must be one of TIMEFRAMES")
	}

	cfg.Lookback = getEnvAsInt("LOOKBACK", 100)
	if cfg.Lookback <= 0 {
		errs = append(errs, "LOOKBACK must be positive")
	}

	// Sizing and signal thresholds
	cfg.InitialBalance, err = getEnvAsDecimal("INITIAL_BALANCE", "10000")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid INITIAL_BALANCE: %v", err))
	} else if cfg.InitialBalance.LessThanOrEqual(decimal.Zero) {
		errs = append(errs, "INITIAL_BALANCE must be positive")
	}

	cfg.RiskPerTrade, err = getEnvAsDecimal("RISK_PER_TRADE", "0.01")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid RISK_PER_TRADE: %v", err))
	} else if cfg.RiskPerTrade.LessThanOrEqual(decimal.Zero) || cfg.RiskPerTrade.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "RISK_PER_TRADE must be between 0.0 and 1.0 (exclusive)")
	}

	cfg.MinScore = getEnvAsFloat("MIN_SCORE", 0.6)
	if cfg.MinScore <= 0 || cfg.MinScore > 1 {
		errs = append(errs, "MIN_SCORE must be in (0, 1]")
	}

	// Account-level risk limits
	cfg.MaxDailyLossPercent, err = getEnvAsDecimal("MAX_DAILY_LOSS_PERCENT", "0.03")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_DAILY_LOSS_PERCENT: %v", err))
	}
	cfg.EmergencyLossPercent, err = getEnvAsDecimal("EMERGENCY_LOSS_PERCENT", "0.06")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid EMERGENCY_LOSS_PERCENT: %v", err))
	}
	if cfg.EmergencyLossPercent.LessThan(cfg.MaxDailyLossPercent) {
		errs = append(errs, "EMERGENCY_LOSS_PERCENT must not be below MAX_DAILY_LOSS_PERCENT")
	}
	cfg.MaxRiskPerTradePercent, err = getEnvAsDecimal("MAX_RISK_PER_TRADE_PERCENT", "0.02")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_RISK_PER_TRADE_PERCENT: %v", err))
	}
	cfg.MaxCorrelatedExposurePercent, err = getEnvAsDecimal("MAX_CORRELATED_EXPOSURE_PERCENT", "0.5")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_CORRELATED_EXPOSURE_PERCENT: %v", err))
	}

	cfg.MaxConcurrentPositions = getEnvAsInt("MAX_CONCURRENT_POSITIONS", 3)
	if cfg.MaxConcurrentPositions <= 0 {
		errs = append(errs, "MAX_CONCURRENT_POSITIONS must be positive")
	}
	cfg.MaxConsecutiveLosses = getEnvAsInt("MAX_CONSECUTIVE_LOSSES", 4)
	if cfg.MaxConsecutiveLosses <= 0 {
		errs = append(errs, "MAX_CONSECUTIVE_LOSSES must be positive")
	}

	cooldownMinutes := getEnvAsInt("CIRCUIT_BREAKER_COOLDOWN_MINUTES", 60)
	if cooldownMinutes <= 0 {
		errs = append(errs, "CIRCUIT_BREAKER_COOLDOWN_MINUTES must be positive")
	}
	cfg.CircuitBreakerCooldown = time.Duration(cooldownMinutes) * time.Minute

	cfg.CorrelationGroups, err = parseGroups(getEnv("CORRELATION_GROUPS", ""))
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid CORRELATION_GROUPS: %v", err))
	}

	// Position management
	tickSeconds := getEnvAsInt("TICK_INTERVAL_SECONDS", 5)
	if tickSeconds <= 0 {
		errs = append(errs, "TICK_INTERVAL_SECONDS must be positive")
	}
	cfg.TickInterval = time.Duration(tickSeconds) * time.Second

	cfg.BreakevenActivationR, err = getEnvAsDecimal("BREAKEVEN_ACTIVATION_R", "0.1")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid BREAKEVEN_ACTIVATION_R: %v", err))
	}
	cfg.MomentumPullbackR, err = getEnvAsDecimal("MOMENTUM_PULLBACK_R", "0.3")
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MOMENTUM_PULLBACK_R: %v", err))
	}

	// Outbound call guard
	cfg.GuardRequestsPerSecond = getEnvAsFloat("GUARD_REQUESTS_PER_SECOND", 10)
	cfg.GuardBurst = getEnvAsInt("GUARD_BURST", 5)
	cfg.GuardMaxRetries = getEnvAsInt("GUARD_MAX_RETRIES", 3)
	cfg.GuardFailureThreshold = getEnvAsInt("GUARD_FAILURE_THRESHOLD", 5)
	guardOpenSeconds := getEnvAsInt("GUARD_OPEN_TIMEOUT_SECONDS", 30)
	cfg.GuardOpenTimeout = time.Duration(guardOpenSeconds) * time.Second
	if cfg.GuardRequestsPerSecond <= 0 || cfg.GuardBurst <= 0 || cfg.GuardFailureThreshold <= 0 || guardOpenSeconds <= 0 {
		errs = append(errs, "guard settings (rate, burst, failure threshold, open timeout) must be positive")
	}

	// Storage
	cfg.DBPath = getEnv("DB_PATH", "./data/confluence_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}
	cfg.SnapshotDir = getEnv("SNAPSHOT_DIR", "./data/snapshots")

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))

	// Connection settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	monitorSeconds := getEnvAsInt("MONITOR_INTERVAL_SECONDS", 15)
	if monitorSeconds <= 0 {
		errs = append(errs, "MONITOR_INTERVAL_SECONDS must be positive")
	}
	cfg.MonitorInterval = time.Duration(monitorSeconds) * time.Second

	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// RequireAPIKeys validates that exchange credentials are present. Live trading
// needs them; backtests and reports do not.
func (c *Config) RequireAPIKeys() error {
	if c.APIKey == "" || c.SecretKey == "" {
		return fmt.Errorf("BINANCE_API_KEY and BINANCE_API_SECRET must be set for live trading")
	}
	return nil
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
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDecimal(key, defaultValue string) (decimal.Decimal, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		valueStr = defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid decimal value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

// splitList parses a comma-separated list, trimming whitespace and dropping
// empty entries.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseGroups parses correlation groups of the form
// "layer1:ETHUSDT|SOLUSDT;meme:DOGEUSDT|SHIBUSDT".
func parseGroups(s string) (map[string][]string, error) {
	if s == "" {
		return nil, nil
	}
	groups := make(map[string][]string)
	for _, entry := range strings.Split(s, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, members, ok := strings.Cut(entry, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed group entry %q, want name:ASSET|ASSET", entry)
		}
		var list []string
		for _, m := range strings.Split(members, "|") {
			m = strings.TrimSpace(m)
			if m != "" {
				list = append(list, m)
			}
		}
		if len(list) == 0 {
			return nil, fmt.Errorf("group %q has no members", name)
		}
		groups[name] = list
	}
	return groups, nil
}

func containsTimeframe(list []domain.Timeframe, tf domain.Timeframe) bool {
	for _, v := range list {
		if v == tf {
			return true
		}
	}
	return false
}
