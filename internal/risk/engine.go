// Package risk gates every order intent through a fixed sequence of limit
// checks and owns the kill switch.
package risk

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rfoley/tradewarden/internal/broker"
	"github.com/rfoley/tradewarden/internal/models"
	"github.com/rfoley/tradewarden/internal/storage"
)

// Regime labels the current market environment for a symbol.
type Regime string

const (
	RegimeTrend        Regime = "TREND"
	RegimeChop         Regime = "CHOP"
	RegimeVolExpansion Regime = "VOL_EXPANSION"
	RegimeUntradeable  Regime = "UNTRADEABLE"
)

// SizeFactor is the position size multiplier for the regime.
func (r Regime) SizeFactor() float64 {
	switch r {
	case RegimeVolExpansion:
		return 0.5
	case RegimeChop:
		return 0.7
	case RegimeUntradeable:
		return 0
	default:
		return 1.0
	}
}

// RegimeProvider classifies the market environment. Implementations may use
// realized volatility, trend filters, or an external signal feed.
type RegimeProvider interface {
	Current(ctx context.Context, symbol string) (Regime, error)
}

// CheckResult is one entry in the ordered check sequence.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details,omitempty"`
}

// Decision is the outcome of evaluating an order intent.
type Decision struct {
	Approved         bool          `json:"approved"`
	Reason           string        `json:"reason,omitempty"`
	Checks           []CheckResult `json:"checks"`
	AdjustedQuantity float64       `json:"adjusted_quantity"`
}

// Engine evaluates order intents against the persisted risk configuration.
type Engine struct {
	store  storage.Interface
	broker broker.Broker
	regime RegimeProvider
	logger *log.Logger
}

// NewEngine creates a risk engine. The regime provider may be nil, in which
// case regime checks pass unadjusted.
func NewEngine(store storage.Interface, b broker.Broker, regime RegimeProvider, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "risk: ", log.LstdFlags)
	}
	return &Engine{store: store, broker: b, regime: regime, logger: logger}
}

// Config returns the persisted risk configuration, or the defaults when no
// row exists yet.
func (e *Engine) Config(ctx context.Context) (*models.RiskConfig, error) {
	cfg, err := e.store.GetRiskConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading risk config: %w", err)
	}
	if cfg == nil {
		cfg = models.DefaultRiskConfig()
	}
	return cfg, nil
}

// CheckIntent runs the check sequence against an intent. Only the kill
// switch returns early; every other check runs and is recorded so the
// decision carries the full ordered list, and the intent is approved only
// when none failed. The intent is persisted with the outcome either way.
func (e *Engine) CheckIntent(ctx context.Context, intent *models.OrderIntent) (*Decision, error) {
	cfg, err := e.Config(ctx)
	if err != nil {
		return nil, err
	}

	if intent.ID == "" {
		intent.ID = uuid.NewString()
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now().UTC()
	}
	intent.Symbol = strings.ToUpper(strings.TrimSpace(intent.Symbol))

	decision := &Decision{AdjustedQuantity: intent.Quantity}
	failed := false
	fail := func(name, details string) {
		decision.Checks = append(decision.Checks, CheckResult{Name: name, Passed: false, Details: details})
		if !failed {
			failed = true
			decision.Reason = details
		}
	}
	pass := func(name, details string) {
		decision.Checks = append(decision.Checks, CheckResult{Name: name, Passed: true, Details: details})
	}

	defer func() {
		intent.Approved = decision.Approved
		intent.Reason = decision.Reason
		if err := e.store.RecordIntent(ctx, intent); err != nil && !storage.IsTableMissing(err) {
			e.logger.Printf("Failed to record intent %s: %v", intent.ID, err)
		}
	}()

	if !cfg.TradingEnabled {
		fail("trading_enabled", "trading is disabled (kill switch)")
		return decision, nil
	}
	pass("trading_enabled", "")

	if len(cfg.AllowedSymbols) > 0 && !containsSymbol(cfg.AllowedSymbols, intent.Symbol) {
		fail("symbol_allowed", fmt.Sprintf("symbol %s not in allowed list", intent.Symbol))
	} else {
		pass("symbol_allowed", "")
	}

	if intent.Quantity > cfg.MaxOrderSize {
		fail("order_size", fmt.Sprintf("order size %.2f exceeds max %.2f", intent.Quantity, cfg.MaxOrderSize))
	} else {
		pass("order_size", "")
	}

	current, err := e.currentExposure(ctx, intent.Symbol)
	if err != nil {
		fail("position_size", fmt.Sprintf("cannot determine current position: %v", err))
	} else {
		sign := 1.0
		if intent.Side == models.SideSell {
			sign = -1
		}
		resulting := math.Abs(current + sign*intent.Quantity)
		if resulting > cfg.MaxPositionSize {
			fail("position_size", fmt.Sprintf("resulting position %.2f exceeds max %.2f", resulting, cfg.MaxPositionSize))
		} else {
			pass("position_size", fmt.Sprintf("resulting %.2f", resulting))
		}
	}

	dailyPnL, err := e.store.GetDailyRealizedPnL(ctx, time.Now().UTC())
	if err != nil {
		fail("daily_loss_limit", fmt.Sprintf("cannot compute daily pnl: %v", err))
	} else if dailyPnL < 0 && math.Abs(dailyPnL) >= cfg.MaxDailyLoss {
		fail("daily_loss_limit", fmt.Sprintf("daily loss %.2f at limit %.2f", dailyPnL, cfg.MaxDailyLoss))
	} else {
		pass("daily_loss_limit", fmt.Sprintf("pnl %.2f", dailyPnL))
	}

	if msg, ok := sanity(intent); !ok {
		fail("sanity_check", msg)
	} else {
		pass("sanity_check", "")
	}

	if e.regime != nil {
		regime, err := e.regime.Current(ctx, intent.Symbol)
		switch {
		case err != nil:
			// Fail closed: an unreadable regime is an untradeable one.
			fail("regime_check", fmt.Sprintf("regime lookup failed: %v", err))
		case regime == RegimeUntradeable:
			fail("regime_check", "regime UNTRADEABLE")
		default:
			pass("regime_check", string(regime))
			if factor := regime.SizeFactor(); factor < 1 {
				decision.AdjustedQuantity = intent.Quantity * factor
				pass("regime_size_adjustment", fmt.Sprintf("%s factor %.1f: %.2f -> %.2f",
					regime, factor, intent.Quantity, decision.AdjustedQuantity))
			}
		}
	}

	decision.Approved = !failed
	return decision, nil
}

// currentExposure reads the signed broker position quantity for the symbol.
func (e *Engine) currentExposure(ctx context.Context, symbol string) (float64, error) {
	if e.broker == nil {
		return 0, nil
	}
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return 0, err
	}
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) {
			return p.Quantity, nil
		}
	}
	return 0, nil
}

func sanity(intent *models.OrderIntent) (string, bool) {
	if intent.Symbol == "" {
		return "symbol is empty", false
	}
	if intent.Quantity <= 0 {
		return fmt.Sprintf("quantity %.4f not positive", intent.Quantity), false
	}
	if intent.Side != models.SideBuy && intent.Side != models.SideSell {
		return fmt.Sprintf("invalid side %q", intent.Side), false
	}
	if intent.LimitPrice != nil && *intent.LimitPrice <= 0 {
		return fmt.Sprintf("limit price %.4f not positive", *intent.LimitPrice), false
	}
	return "", true
}

func containsSymbol(list []string, symbol string) bool {
	for _, s := range list {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

// ActivateKillSwitch disables trading and persists the change immediately.
func (e *Engine) ActivateKillSwitch(ctx context.Context, reason string) error {
	cfg, err := e.Config(ctx)
	if err != nil {
		return err
	}
	cfg.TradingEnabled = false
	if err := e.store.SaveRiskConfig(ctx, cfg); err != nil {
		return fmt.Errorf("persisting kill switch: %w", err)
	}
	e.logger.Printf("KILL SWITCH ACTIVATED: %s", reason)
	return nil
}

// DeactivateKillSwitch re-enables trading.
func (e *Engine) DeactivateKillSwitch(ctx context.Context) error {
	cfg, err := e.Config(ctx)
	if err != nil {
		return err
	}
	cfg.TradingEnabled = true
	if err := e.store.SaveRiskConfig(ctx, cfg); err != nil {
		return fmt.Errorf("persisting kill switch: %w", err)
	}
	e.logger.Printf("Kill switch deactivated, trading enabled")
	return nil
}

// Status summarises the current risk posture for the operational API.
type Status struct {
	TradingEnabled  bool     `json:"trading_enabled"`
	MaxOrderSize    float64  `json:"max_order_size"`
	MaxPositionSize float64  `json:"max_position_size"`
	MaxDailyLoss    float64  `json:"max_daily_loss"`
	AllowedSymbols  []string `json:"allowed_symbols"`
	DailyPnL        float64  `json:"daily_pnl"`
}

// Status reports the active configuration and today's realized pnl.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	cfg, err := e.Config(ctx)
	if err != nil {
		return nil, err
	}
	pnl, err := e.store.GetDailyRealizedPnL(ctx, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("computing daily pnl: %w", err)
	}
	return &Status{
		TradingEnabled:  cfg.TradingEnabled,
		MaxOrderSize:    cfg.MaxOrderSize,
		MaxPositionSize: cfg.MaxPositionSize,
		MaxDailyLoss:    cfg.MaxDailyLoss,
		AllowedSymbols:  cfg.AllowedSymbols,
		DailyPnL:        pnl,
	}, nil
}

// UpdateConfig persists a new risk configuration after validating limits.
func (e *Engine) UpdateConfig(ctx context.Context, cfg *models.RiskConfig) error {
	if cfg.MaxOrderSize <= 0 || cfg.MaxPositionSize <= 0 || cfg.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk limits must be positive")
	}
	for i, s := range cfg.AllowedSymbols {
		cfg.AllowedSymbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	return e.store.SaveRiskConfig(ctx, cfg)
}
