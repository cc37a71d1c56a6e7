package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"confluenceBot/internal/domain"
	"confluenceBot/internal/ports"
)

// TradingState is the account-level risk state. States escalate with losses;
// HALT clears when the circuit breaker cooldown elapses, EMERGENCY requires
// an operator reset.
type TradingState string

const (
	StateActive    TradingState = "ACTIVE"
	StateReduced   TradingState = "REDUCED"
	StateHalt      TradingState = "HALT"
	StateEmergency TradingState = "EMERGENCY"
)

// reducedAt is the fraction of the daily loss limit at which the account
// drops to REDUCED sizing.
var reducedAt = decimal.NewFromFloat(0.75)

// Limits holds the account-level guardrails.
type Limits struct {
	MaxDailyLossPercent          decimal.Decimal // fraction of day-start balance, e.g. 0.03
	EmergencyLossPercent         decimal.Decimal // force-close-all threshold, e.g. 0.06
	MaxRiskPerTradePercent       decimal.Decimal // fraction of balance at risk per trade
	MaxCorrelatedExposurePercent decimal.Decimal // fraction of balance in one correlation group
	MaxConcurrentPositions       int
	MaxConsecutiveLosses         int
	CircuitBreakerCooldown       time.Duration
	CorrelationGroups            map[string][]string // group name -> member assets
}

// Validate checks the limit configuration before any trading starts.
func (l Limits) Validate() error {
	if l.MaxDailyLossPercent.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: MaxDailyLossPercent must be positive", ports.ErrConfigurationError)
	}
	if l.EmergencyLossPercent.LessThan(l.MaxDailyLossPercent) {
		return fmt.Errorf("%w: EmergencyLossPercent must not be below MaxDailyLossPercent", ports.ErrConfigurationError)
	}
	if l.MaxRiskPerTradePercent.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%w: MaxRiskPerTradePercent must be positive", ports.ErrConfigurationError)
	}
	if l.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("%w: MaxConcurrentPositions must be positive", ports.ErrConfigurationError)
	}
	if l.MaxConsecutiveLosses <= 0 {
		return fmt.Errorf("%w: MaxConsecutiveLosses must be positive", ports.ErrConfigurationError)
	}
	if l.CircuitBreakerCooldown <= 0 {
		return fmt.Errorf("%w: CircuitBreakerCooldown must be positive", ports.ErrConfigurationError)
	}
	return nil
}

// Check is the structured outcome of a trade validation. A rejected trade is
// a normal result, not an error.
type Check struct {
	Approved      bool
	State         TradingState
	Reason        string
	SuggestedSize decimal.Decimal // non-zero when approval comes with a reduced size
}

// exposure tracks one open position's footprint for correlation and count checks.
type exposure struct {
	asset      string
	notional   decimal.Decimal
	riskAmount decimal.Decimal
}

// Config wires a Manager.
type Config struct {
	Limits         Limits
	InitialBalance decimal.Decimal
	Logger         ports.Logger
	Metrics        ports.RiskMetricsRepository // optional, persisted best-effort
	Clock          func() time.Time            // defaults to time.Now
}

// Manager is the account-level risk gate sitting above position management.
// All monetary comparisons use decimal arithmetic; a risk gate drifting by
// accumulated float error over thousands of trades defeats its purpose.
type Manager struct {
	limits  Limits
	logger  ports.Logger
	metrics ports.RiskMetricsRepository
	now     func() time.Time

	mu                sync.Mutex
	state             TradingState
	breakerUntil      time.Time // zero when breaker inactive
	balance           decimal.Decimal
	consecutiveLosses int
	open              map[string]exposure // keyed by position ID
	days              map[string]*domain.DailyRiskMetrics
	forceClose        bool
}

// NewManager creates a risk manager with the given limits and starting balance.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.Limits.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("%w: logger is required", ports.ErrConfigurationError)
	}
	if cfg.InitialBalance.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("%w: InitialBalance must be positive", ports.ErrConfigurationError)
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Manager{
		limits:  cfg.Limits,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     now,
		state:   StateActive,
		balance: cfg.InitialBalance,
		open:    make(map[string]exposure),
		days:    make(map[string]*domain.DailyRiskMetrics),
	}, nil
}

// State returns the current trading state, accounting for an elapsed breaker
// cooldown.
func (m *Manager) State() TradingState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.effectiveState()
}

// Balance returns the account balance as tracked by the risk ledger.
func (m *Manager) Balance() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

// CircuitBreakerActive reports whether the breaker currently blocks trading.
func (m *Manager) CircuitBreakerActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.breakerActive()
}

// ValidateTrade gates a proposed trade against all account-level limits.
// Pure with respect to manager state: calling it twice with identical inputs
// and no intervening state change yields identical results.
func (m *Manager) ValidateTrade(ctx context.Context, asset string, direction domain.Direction, size, entry, stop decimal.Decimal) Check {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.effectiveState()

	// 1. Hard stops first: breaker, HALT, EMERGENCY.
	if m.breakerActive() {
		return Check{State: state, Reason: fmt.Sprintf("circuit breaker active until %s", m.breakerUntil.Format(time.RFC3339))}
	}
	if state == StateHalt || state == StateEmergency {
		return Check{State: state, Reason: fmt.Sprintf("trading state is %s", state)}
	}

	// 2. Daily loss limit.
	day := m.peekDay()
	if day != nil && day.LossPercent().GreaterThanOrEqual(m.limits.MaxDailyLossPercent) {
		return Check{State: state, Reason: fmt.Sprintf("daily loss %s%% has reached the limit %s%%",
			day.LossPercent().Mul(decimal.NewFromInt(100)).StringFixed(2),
			m.limits.MaxDailyLossPercent.Mul(decimal.NewFromInt(100)).StringFixed(2))}
	}

	// 3. Concurrent position cap.
	if len(m.open) >= m.limits.MaxConcurrentPositions {
		return Check{State: state, Reason: fmt.Sprintf("open positions %d at the limit %d", len(m.open), m.limits.MaxConcurrentPositions)}
	}

	// 4. Per-trade risk.
	riskAmount := entry.Sub(stop).Abs().Mul(size)
	maxRisk := m.balance.Mul(m.limits.MaxRiskPerTradePercent)
	suggested := size
	if state == StateReduced {
		suggested = size.Div(decimal.NewFromInt(2))
		riskAmount = riskAmount.Div(decimal.NewFromInt(2))
	}
	if riskAmount.GreaterThan(maxRisk) {
		if state != StateReduced {
			return Check{State: state, Reason: fmt.Sprintf("trade risk %s exceeds per-trade limit %s", riskAmount.StringFixed(2), maxRisk.StringFixed(2))}
		}
		// In REDUCED state, shrink the size to fit instead of rejecting.
		perUnit := entry.Sub(stop).Abs()
		if perUnit.IsZero() {
			return Check{State: state, Reason: "entry equals stop, risk per unit is zero"}
		}
		suggested = maxRisk.Div(perUnit)
	}

	// 5. Correlated exposure.
	if reason := m.correlationViolation(asset, entry.Mul(suggested)); reason != "" {
		return Check{State: state, Reason: reason}
	}

	// 6. Loss streak.
	if m.consecutiveLosses >= m.limits.MaxConsecutiveLosses {
		return Check{State: state, Reason: fmt.Sprintf("consecutive loss streak %d at the limit %d", m.consecutiveLosses, m.limits.MaxConsecutiveLosses)}
	}

	check := Check{Approved: true, State: state}
	if !suggested.Equal(size) {
		check.SuggestedSize = suggested
		check.Reason = "approved with reduced size"
	}
	return check
}

// RecordOpen registers a newly opened position's exposure.
func (m *Manager) RecordOpen(ctx context.Context, positionID, asset string, notional, riskAmount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.open[positionID] = exposure{asset: asset, notional: notional, riskAmount: riskAmount}
	day := m.currentDay()
	day.TradesOpened++
	day.UpdatedAt = m.now()
	m.persistDay(ctx, day)
}

// RecordClose folds a completed trade into the daily ledger and re-evaluates
// the trading state.
func (m *Manager) RecordClose(ctx context.Context, trade *domain.TradeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.open, trade.PositionID)

	// Resolve the day record before touching the balance so the day's
	// starting balance reflects the balance at day start, not post-trade.
	day := m.currentDay()
	m.balance = m.balance.Add(trade.PnL)
	day.RealizedPnL = day.RealizedPnL.Add(trade.PnL)
	day.TradesClosed++
	if trade.IsWin() {
		day.Wins++
		m.consecutiveLosses = 0
	} else {
		day.Losses++
		m.consecutiveLosses++
	}
	m.updateDayBalance(day)
	day.UpdatedAt = m.now()
	m.persistDay(ctx, day)

	m.evaluateState(ctx, day)
}

// UpdateUnrealized feeds the latest mark-to-market P&L of all open positions
// into the daily ledger and re-evaluates state. Called on the periodic
// monitor tick.
func (m *Manager) UpdateUnrealized(ctx context.Context, unrealized decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	day := m.currentDay()
	day.UnrealizedPnL = unrealized
	m.updateDayBalance(day)
	day.UpdatedAt = m.now()
	m.persistDay(ctx, day)

	m.evaluateState(ctx, day)
}

// ForceCloseRequested reports and clears the emergency close-all flag.
func (m *Manager) ForceCloseRequested() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	requested := m.forceClose
	m.forceClose = false
	return requested
}

// Reset returns an EMERGENCY account to ACTIVE. Operator action only.
func (m *Manager) Reset(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logger.Warn(ctx, "risk manager reset by operator", map[string]interface{}{"previousState": m.state})
	m.state = StateActive
	m.breakerUntil = time.Time{}
	m.consecutiveLosses = 0
	m.forceClose = false
}

// Snapshot returns a flat key-value report of the current risk state for
// external monitoring.
func (m *Manager) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := map[string]string{
		"state":              string(m.effectiveState()),
		"balance":            m.balance.String(),
		"open_positions":     fmt.Sprintf("%d", len(m.open)),
		"consecutive_losses": fmt.Sprintf("%d", m.consecutiveLosses),
		"circuit_breaker":    fmt.Sprintf("%t", m.breakerActive()),
	}
	if m.breakerActive() {
		snap["circuit_breaker_until"] = m.breakerUntil.Format(time.RFC3339)
	}
	if day := m.peekDay(); day != nil {
		snap["daily_realized_pnl"] = day.RealizedPnL.String()
		snap["daily_unrealized_pnl"] = day.UnrealizedPnL.String()
		snap["daily_loss_percent"] = day.LossPercent().StringFixed(4)
	}
	return snap
}

// DailyMetrics returns a copy of the current day's ledger, or nil before any
// activity today.
func (m *Manager) DailyMetrics() *domain.DailyRiskMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := m.peekDay()
	if day == nil {
		return nil
	}
	copied := *day
	return &copied
}

// --- internals (callers hold m.mu) ---

func (m *Manager) breakerActive() bool {
	return !m.breakerUntil.IsZero() && m.now().Before(m.breakerUntil)
}

// effectiveState resolves HALT back to ACTIVE once the breaker cooldown has
// elapsed, clearing the latch so a later breach arms the breaker again.
// EMERGENCY never auto-clears.
func (m *Manager) effectiveState() TradingState {
	if m.state == StateHalt && !m.breakerUntil.IsZero() && !m.now().Before(m.breakerUntil) {
		m.state = StateActive
		m.breakerUntil = time.Time{}
	}
	return m.state
}

func (m *Manager) currentDay() *domain.DailyRiskMetrics {
	key := domain.DayKey(m.now())
	day, ok := m.days[key]
	if !ok {
		day = domain.NewDailyRiskMetrics(key, m.balance)
		m.days[key] = day
	}
	return day
}

func (m *Manager) peekDay() *domain.DailyRiskMetrics {
	return m.days[domain.DayKey(m.now())]
}

// persistDay writes the day's ledger through the metrics repository.
// Best-effort: the gate keeps working when persistence is down.
func (m *Manager) persistDay(ctx context.Context, day *domain.DailyRiskMetrics) {
	if m.metrics == nil {
		return
	}
	copied := *day
	if err := m.metrics.Save(ctx, &copied); err != nil {
		m.logger.Error(ctx, err, "failed to persist daily risk metrics", map[string]interface{}{"date": day.Date})
	}
}

func (m *Manager) updateDayBalance(day *domain.DailyRiskMetrics) {
	day.CurrentBalance = day.StartingBalance.Add(day.RealizedPnL).Add(day.UnrealizedPnL)
	if day.CurrentBalance.GreaterThan(day.PeakBalance) {
		day.PeakBalance = day.CurrentBalance
	}
	drawdown := day.PeakBalance.Sub(day.CurrentBalance)
	if drawdown.GreaterThan(day.MaxDrawdown) {
		day.MaxDrawdown = drawdown
	}
}

// evaluateState applies the escalation ladder after every close and monitor
// tick.
func (m *Manager) evaluateState(ctx context.Context, day *domain.DailyRiskMetrics) {
	if m.effectiveState() == StateEmergency {
		return
	}

	lossPct := day.LossPercent()
	switch {
	case lossPct.GreaterThanOrEqual(m.limits.EmergencyLossPercent):
		m.state = StateEmergency
		m.forceClose = true
		m.logger.Error(ctx, nil, "EMERGENCY: loss breached emergency threshold, forcing close of all positions", map[string]interface{}{
			"lossPercent": lossPct.String(), "threshold": m.limits.EmergencyLossPercent.String(),
		})
	case lossPct.GreaterThanOrEqual(m.limits.MaxDailyLossPercent):
		if m.state != StateHalt {
			m.state = StateHalt
			m.breakerUntil = m.now().Add(m.limits.CircuitBreakerCooldown)
			m.logger.Warn(ctx, "daily loss limit reached, trading halted", map[string]interface{}{
				"lossPercent":  lossPct.String(),
				"breakerUntil": m.breakerUntil.Format(time.RFC3339),
			})
		}
	case lossPct.GreaterThanOrEqual(m.limits.MaxDailyLossPercent.Mul(reducedAt)):
		if m.state == StateActive {
			m.state = StateReduced
			m.logger.Warn(ctx, "approaching daily loss limit, position sizes reduced", map[string]interface{}{
				"lossPercent": lossPct.String(),
			})
		}
	default:
		if m.state == StateReduced {
			m.state = StateActive
			m.logger.Info(ctx, "loss recovered below reduced threshold, normal sizing restored")
		}
	}
}

// correlationViolation checks the new notional against every correlation
// group containing the asset. Returns a reason string, empty when clear.
func (m *Manager) correlationViolation(asset string, newNotional decimal.Decimal) string {
	if m.limits.MaxCorrelatedExposurePercent.LessThanOrEqual(decimal.Zero) {
		return ""
	}
	limit := m.balance.Mul(m.limits.MaxCorrelatedExposurePercent)
	for group, members := range m.limits.CorrelationGroups {
		if !contains(members, asset) {
			continue
		}
		total := newNotional
		for _, exp := range m.open {
			if contains(members, exp.asset) {
				total = total.Add(exp.notional)
			}
		}
		if total.GreaterThan(limit) {
			return fmt.Sprintf("correlated exposure %s in group %q exceeds limit %s", total.StringFixed(2), group, limit.StringFixed(2))
		}
	}
	return ""
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
