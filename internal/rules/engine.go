// Package rules manages automation rules: persistence, lifecycle, and the
// per-tick trigger evaluation that turns a crossed threshold into an order.
package rules

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rfoley/tradewarden/internal/broker"
	"github.com/rfoley/tradewarden/internal/models"
	"github.com/rfoley/tradewarden/internal/queue"
	"github.com/rfoley/tradewarden/internal/storage"
)

// TriggeredRule identifies one fired rule and the acknowledged order it
// produced.
type TriggeredRule struct {
	RuleID  string `json:"rule_id"`
	Symbol  string `json:"symbol"`
	OrderID string `json:"order_id"`
	Status  string `json:"status"`
}

// EvalResult summarises one evaluation pass over the active rules.
type EvalResult struct {
	RulesChecked   int             `json:"rules_checked"`
	RulesTriggered int             `json:"rules_triggered"`
	TriggeredRules []TriggeredRule `json:"triggered_rules,omitempty"`
	Errors         []string        `json:"errors,omitempty"`
}

// Engine owns automation rule lifecycle and evaluation.
type Engine struct {
	store  storage.Interface
	broker broker.Broker
	queue  *queue.Queue
	logger *log.Logger
}

// NewEngine creates a rule engine.
func NewEngine(store storage.Interface, b broker.Broker, q *queue.Queue, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "rules: ", log.LstdFlags)
	}
	return &Engine{store: store, broker: b, queue: q, logger: logger}
}

// CreateRule validates and persists a new rule in active state.
func (e *Engine) CreateRule(ctx context.Context, rule *models.AutomationRule) error {
	if err := e.resolveEntryPrice(ctx, rule); err != nil {
		return err
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.Status = models.RuleStatusActive
	rule.Enabled = true
	now := time.Now().UTC()
	rule.CreatedAt = now
	rule.UpdatedAt = now
	if err := e.store.CreateRule(ctx, rule); err != nil {
		return fmt.Errorf("persisting rule: %w", err)
	}
	e.logger.Printf("Created %s rule %s on %s (trigger %s %.4f)",
		rule.RuleType, rule.ID, rule.Symbol, rule.TriggerType, rule.TriggerValue)
	return nil
}

// resolveEntryPrice fills the entry price from the linked managed position
// when a relative trigger references one.
func (e *Engine) resolveEntryPrice(ctx context.Context, rule *models.AutomationRule) error {
	if rule.EntryPrice != nil || rule.PositionID == "" {
		return nil
	}
	pos, err := e.store.GetPosition(ctx, rule.PositionID)
	if err != nil {
		return fmt.Errorf("resolving position %s: %w", rule.PositionID, err)
	}
	entry := pos.EntryPrice
	rule.EntryPrice = &entry
	return nil
}

// CreateStopLossRule builds a sell-on-drop protective rule.
func (e *Engine) CreateStopLossRule(ctx context.Context, symbol string, stopPrice float64, qty *float64) (*models.AutomationRule, error) {
	rule := &models.AutomationRule{
		RuleType:     models.RuleStopLoss,
		TriggerType:  models.TriggerPriceBelow,
		Symbol:       symbol,
		TriggerValue: stopPrice,
		OrderSide:    models.SideSell,
		OrderType:    models.OrderTypeMarket,
		Quantity:     qty,
	}
	if err := e.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// CreateTakeProfitRule builds a sell-on-rise target rule.
func (e *Engine) CreateTakeProfitRule(ctx context.Context, symbol string, targetPrice float64, qty *float64) (*models.AutomationRule, error) {
	rule := &models.AutomationRule{
		RuleType:     models.RuleTakeProfit,
		TriggerType:  models.TriggerPriceAbove,
		Symbol:       symbol,
		TriggerValue: targetPrice,
		OrderSide:    models.SideSell,
		OrderType:    models.OrderTypeMarket,
		Quantity:     qty,
	}
	if err := e.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// CreateLimitOrderRule buys with a limit order once price falls to the
// trigger level.
func (e *Engine) CreateLimitOrderRule(ctx context.Context, symbol string, triggerPrice, limitPrice float64, qty float64) (*models.AutomationRule, error) {
	rule := &models.AutomationRule{
		RuleType:     models.RuleLimitOrder,
		TriggerType:  models.TriggerPriceBelow,
		Symbol:       symbol,
		TriggerValue: triggerPrice,
		OrderSide:    models.SideBuy,
		OrderType:    models.OrderTypeLimit,
		Quantity:     &qty,
		LimitPrice:   &limitPrice,
	}
	if err := e.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// CreateOCORule creates a linked stop-loss/take-profit pair sharing an OCO
// group: the first to fire cancels the other.
func (e *Engine) CreateOCORule(ctx context.Context, symbol string, stopPrice, targetPrice float64, qty *float64) (stop, target *models.AutomationRule, err error) {
	groupID := "oco_" + uuid.NewString()[:8]
	stop = &models.AutomationRule{
		RuleType:     models.RuleOCO,
		TriggerType:  models.TriggerPriceBelow,
		Symbol:       symbol,
		TriggerValue: stopPrice,
		OrderSide:    models.SideSell,
		OrderType:    models.OrderTypeMarket,
		Quantity:     qty,
		OCOGroupID:   groupID,
	}
	if err = e.CreateRule(ctx, stop); err != nil {
		return nil, nil, err
	}
	target = &models.AutomationRule{
		RuleType:     models.RuleOCO,
		TriggerType:  models.TriggerPriceAbove,
		Symbol:       symbol,
		TriggerValue: targetPrice,
		OrderSide:    models.SideSell,
		OrderType:    models.OrderTypeMarket,
		Quantity:     qty,
		OCOGroupID:   groupID,
	}
	if err = e.CreateRule(ctx, target); err != nil {
		// Leave no half-armed group behind.
		if cancelErr := e.CancelRule(ctx, stop.ID); cancelErr != nil {
			e.logger.Printf("Failed to cancel orphaned OCO leg %s: %v", stop.ID, cancelErr)
		}
		return nil, nil, err
	}
	return stop, target, nil
}

// CreateTrailingStopRule arms a trailing stop that follows the favourable
// extreme and fires on a retracePct pullback.
func (e *Engine) CreateTrailingStopRule(ctx context.Context, symbol string, retracePct float64, qty *float64, side models.OrderSide) (*models.AutomationRule, error) {
	rule := &models.AutomationRule{
		RuleType:     models.RuleTrailingStop,
		TriggerType:  models.TriggerPriceBelow,
		Symbol:       symbol,
		TriggerValue: retracePct,
		OrderSide:    side,
		OrderType:    models.OrderTypeMarket,
		Quantity:     qty,
	}
	if side == models.SideBuy {
		rule.TriggerType = models.TriggerPriceAbove
	}
	if err := e.CreateRule(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// CancelRule cancels an active rule.
func (e *Engine) CancelRule(ctx context.Context, id string) error {
	rule, err := e.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := rule.Cancel(); err != nil {
		return err
	}
	rule.UpdatedAt = time.Now().UTC()
	return e.store.UpdateRule(ctx, rule)
}

// SetRuleEnabled flips the enabled flag without changing rule status.
func (e *Engine) SetRuleEnabled(ctx context.Context, id string, enabled bool) error {
	rule, err := e.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if rule.Status != models.RuleStatusActive {
		return fmt.Errorf("rule %s is %s, not active", id, rule.Status)
	}
	rule.Enabled = enabled
	rule.UpdatedAt = time.Now().UTC()
	return e.store.UpdateRule(ctx, rule)
}

// ExpireStale flips active rules whose expiry has passed.
func (e *Engine) ExpireStale(ctx context.Context) (int64, error) {
	n, err := e.store.ExpireStaleRules(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Printf("Expired %d stale rules", n)
	}
	return n, nil
}

// EvaluateAll runs one evaluation pass over the given active rules. Quote
// failures for one symbol skip that symbol's rules and are recorded without
// aborting the pass.
func (e *Engine) EvaluateAll(ctx context.Context, rules []models.AutomationRule) *EvalResult {
	result := &EvalResult{}
	if len(rules) == 0 {
		return result
	}

	quotes, quoteErrs := e.fetchQuotes(ctx, rules)

	for i := range rules {
		rule := &rules[i]
		result.RulesChecked++

		quote, ok := quotes[rule.Symbol]
		if !ok {
			if msg, reported := quoteErrs[rule.Symbol]; reported {
				result.Errors = append(result.Errors, msg)
				delete(quoteErrs, rule.Symbol)
			}
			continue
		}
		price := quote.Mid()
		if price <= 0 {
			continue
		}

		fired, err := e.evaluateOne(ctx, rule, price)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("rule %s: %v", rule.ID, err))
			continue
		}
		if fired != nil {
			result.RulesTriggered++
			result.TriggeredRules = append(result.TriggeredRules, *fired)
		}
	}
	return result
}

// fetchQuotes fans out one quote fetch per distinct symbol.
func (e *Engine) fetchQuotes(ctx context.Context, rules []models.AutomationRule) (map[string]*models.Quote, map[string]string) {
	symbols := make(map[string]struct{})
	for i := range rules {
		symbols[rules[i].Symbol] = struct{}{}
	}

	var mu sync.Mutex
	quotes := make(map[string]*models.Quote, len(symbols))
	errs := make(map[string]string)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			quote, err := e.broker.GetLatestQuote(gctx, symbol)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs[symbol] = fmt.Sprintf("quote %s: %v", symbol, err)
				return nil
			}
			quotes[symbol] = quote
			return nil
		})
	}
	_ = g.Wait()
	return quotes, errs
}

// evaluateOne checks a single rule at the given mid price and fires it when
// its condition holds. A nil TriggeredRule with a nil error means the rule
// did not fire and stays armed.
func (e *Engine) evaluateOne(ctx context.Context, rule *models.AutomationRule, price float64) (*TriggeredRule, error) {
	if rule.RuleType == models.RuleTrailingStop {
		return e.evaluateTrailing(ctx, rule, price)
	}
	if !rule.ShouldTrigger(price) {
		return nil, nil
	}
	return e.fire(ctx, rule, price)
}

// evaluateTrailing advances the high-water mark, persisting it so the mark
// survives restarts, then fires on the retrace threshold.
func (e *Engine) evaluateTrailing(ctx context.Context, rule *models.AutomationRule, price float64) (*TriggeredRule, error) {
	if rule.Status != models.RuleStatusActive || !rule.Enabled {
		return nil, nil
	}
	if rule.AdvanceHighWaterMark(price) {
		rule.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateRule(ctx, rule); err != nil {
			return nil, fmt.Errorf("persisting high-water mark: %w", err)
		}
		return nil, nil
	}
	level, ok := rule.TrailingStopPrice()
	if !ok {
		return nil, nil
	}
	crossed := price <= level
	if rule.OrderSide == models.SideBuy {
		crossed = price >= level
	}
	if !crossed {
		return nil, nil
	}
	return e.fire(ctx, rule, price)
}

// fire submits the rule's order and, once the broker acknowledges it, records
// the trigger atomically with its OCO siblings' cancellation. The rule stays
// active until that acknowledgement: a rejected or failed submission leaves
// it armed for the next tick.
func (e *Engine) fire(ctx context.Context, rule *models.AutomationRule, price float64) (*TriggeredRule, error) {
	qty, err := e.resolveQuantity(ctx, rule)
	if err != nil {
		return nil, err
	}
	if qty <= 0 {
		// No explicit quantity and nothing held at the broker: nothing to
		// act on. Keep the rule armed.
		e.logger.Printf("Rule %s on %s fired but no position to act on, skipping", rule.ID, rule.Symbol)
		return nil, nil
	}

	req := models.OrderRequest{
		Symbol:      rule.Symbol,
		Side:        rule.OrderSide,
		OrderType:   rule.OrderType,
		Quantity:    qty,
		LimitPrice:  rule.LimitPrice,
		TimeInForce: models.TIFDay,
	}
	order, err := e.queue.SubmitNow(ctx, req, models.PriorityHigh, map[string]string{"rule_id": rule.ID})
	if err != nil {
		return nil, fmt.Errorf("submitting order: %w", err)
	}
	switch order.State {
	case models.OrderSubmitted, models.OrderPartial, models.OrderFilled:
		// Acknowledged.
	default:
		return nil, fmt.Errorf("order %s not acknowledged (state %s)", order.ID, order.State)
	}

	now := time.Now().UTC()
	if err := rule.MarkTriggered(order.ID, now); err != nil {
		return nil, err
	}
	rule.UpdatedAt = now

	triggerPrice := price
	if rule.RuleType == models.RuleTrailingStop {
		if level, ok := rule.TrailingStopPrice(); ok {
			triggerPrice = level
		}
	} else if tp, ok := rule.TriggerPrice(); ok {
		triggerPrice = tp
	}
	exec := &models.AutomationExecution{
		ID:            uuid.NewString(),
		RuleID:        rule.ID,
		TriggerPrice:  triggerPrice,
		ExecutedPrice: price,
		Quantity:      qty,
		OrderID:       order.ID,
		OrderStatus:   string(order.State),
		CreatedAt:     now,
	}
	if err := e.store.RecordTrigger(ctx, rule, exec); err != nil {
		return nil, fmt.Errorf("recording trigger: %w", err)
	}

	e.logger.Printf("Rule %s TRIGGERED on %s at %.4f (%s %.4f)",
		rule.ID, rule.Symbol, price, rule.OrderSide, qty)
	return &TriggeredRule{
		RuleID:  rule.ID,
		Symbol:  rule.Symbol,
		OrderID: order.ID,
		Status:  string(order.State),
	}, nil
}

// resolveQuantity uses the rule's explicit quantity, falling back to the
// absolute broker position size.
func (e *Engine) resolveQuantity(ctx context.Context, rule *models.AutomationRule) (float64, error) {
	if rule.Quantity != nil {
		return *rule.Quantity, nil
	}
	positions, err := e.broker.GetPositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetching positions: %w", err)
	}
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, rule.Symbol) {
			return math.Abs(p.Quantity), nil
		}
	}
	return 0, nil
}

// GetActiveRules returns active rules enriched with live market context.
// Quote failures leave the enrichment fields nil.
func (e *Engine) GetActiveRules(ctx context.Context, symbol string) ([]models.RuleView, error) {
	rules, err := e.store.GetActiveRules(ctx, symbol)
	if err != nil {
		return nil, err
	}
	quotes, _ := e.fetchQuotes(ctx, rules)

	views := make([]models.RuleView, 0, len(rules))
	for i := range rules {
		view := models.RuleView{AutomationRule: rules[i]}
		if quote, ok := quotes[rules[i].Symbol]; ok {
			price := quote.Mid()
			view.CurrentPrice = &price
			if tp, ok := rules[i].TriggerPrice(); ok {
				dist := tp - price
				view.ComputedTriggerPrice = &tp
				view.DistanceToTrigger = &dist
				if price != 0 {
					pct := dist / price * 100
					view.DistanceToTriggerPct = &pct
				}
			}
		}
		views = append(views, view)
	}
	return views, nil
}

// GetAllRules returns recent rules in any status, newest first.
func (e *Engine) GetAllRules(ctx context.Context, limit int) ([]models.AutomationRule, error) {
	return e.store.GetAllRules(ctx, limit)
}
