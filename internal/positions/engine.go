// Package positions runs automated exit management for entered positions:
// profit targets, protective stops, trailing stops, time stops, scale-outs,
// and confidence review alerts.
package positions

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rfoley/tradewarden/internal/broker"
	"github.com/rfoley/tradewarden/internal/models"
	"github.com/rfoley/tradewarden/internal/queue"
	"github.com/rfoley/tradewarden/internal/risk"
	"github.com/rfoley/tradewarden/internal/storage"
)

// timeWarningHours is how close to the time stop the one-shot warning fires.
const timeWarningHours = 1.0

// reviewEntryConfidence and reviewDropConfidence bound the confidence review
// alert: entered at or above the first, now at or below the second.
const (
	reviewEntryConfidence = 6
	reviewDropConfidence  = 3
)

// ConfidenceProvider scores a prospective or held position. Skip vetoes the
// entry entirely.
type ConfidenceProvider interface {
	Assess(ctx context.Context, symbol string, side models.OrderSide) (score int, skip bool, reason string, err error)
}

// PerformanceRecorder receives closed positions for strategy accounting.
type PerformanceRecorder interface {
	RecordClose(ctx context.Context, pos *models.ManagedPosition)
}

// PositionRequest describes a managed entry.
type PositionRequest struct {
	Symbol          string                 `json:"symbol"`
	StrategyID      string                 `json:"strategy_id,omitempty"`
	Side            models.OrderSide       `json:"side"`
	Quantity        float64                `json:"quantity"`
	EntryPrice      float64                `json:"entry_price,omitempty"`
	Confidence      int                    `json:"confidence,omitempty"`
	TakeProfitPct   float64                `json:"take_profit_pct"`
	StopLossPct     float64                `json:"stop_loss_pct"`
	TimeStopHours   float64                `json:"time_stop_hours,omitempty"`
	TrailingStopPct *float64               `json:"trailing_stop_pct,omitempty"`
	ScaleOutLevels  []models.ScaleOutLevel `json:"scale_out_levels,omitempty"`
}

// CreateResult reports the outcome of a managed entry attempt.
type CreateResult struct {
	Skipped  bool                     `json:"skipped"`
	Reason   string                   `json:"reason,omitempty"`
	Position *models.ManagedPosition  `json:"position,omitempty"`
	Order    *models.ManagedOrder     `json:"order,omitempty"`
	Checks   []risk.CheckResult       `json:"checks,omitempty"`
}

// CheckOutcome summarises one monitoring pass over active positions.
type CheckOutcome struct {
	Checked       int      `json:"checked"`
	AlertsCreated int      `json:"alerts_created"`
	Closed        int      `json:"closed"`
	Errors        []string `json:"errors,omitempty"`
}

// Engine manages position lifecycle.
type Engine struct {
	store      storage.Interface
	broker     broker.Broker
	queue      *queue.Queue
	risk       *risk.Engine
	confidence ConfidenceProvider
	perf       PerformanceRecorder
	logger     *log.Logger
}

// NewEngine creates a position engine. Confidence and performance
// collaborators may be nil.
func NewEngine(store storage.Interface, b broker.Broker, q *queue.Queue, r *risk.Engine, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "positions: ", log.LstdFlags)
	}
	return &Engine{store: store, broker: b, queue: q, risk: r, logger: logger}
}

// SetConfidenceProvider wires an optional entry scorer.
func (e *Engine) SetConfidenceProvider(p ConfidenceProvider) { e.confidence = p }

// SetPerformanceRecorder wires an optional strategy accounting sink.
func (e *Engine) SetPerformanceRecorder(p PerformanceRecorder) { e.perf = p }

// CreateManagedPosition scores, risk-checks, and enters a managed position.
// A confidence veto returns a skipped result without touching the broker.
func (e *Engine) CreateManagedPosition(ctx context.Context, req PositionRequest) (*CreateResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive")
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return nil, fmt.Errorf("invalid side %q", req.Side)
	}
	if req.TakeProfitPct <= 0 || req.StopLossPct <= 0 {
		return nil, fmt.Errorf("take profit and stop loss percents must be positive")
	}
	if req.TimeStopHours <= 0 {
		req.TimeStopHours = models.DefaultTimeStopHours
	}

	confidence := req.Confidence
	if e.confidence != nil {
		score, skip, reason, err := e.confidence.Assess(ctx, req.Symbol, req.Side)
		if err != nil {
			return nil, fmt.Errorf("confidence check: %w", err)
		}
		if skip {
			e.logger.Printf("Entry on %s skipped: %s", req.Symbol, reason)
			return &CreateResult{Skipped: true, Reason: reason}, nil
		}
		confidence = score
	}

	entryPrice := req.EntryPrice
	if entryPrice <= 0 {
		quote, err := e.broker.GetLatestQuote(ctx, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("fetching entry quote: %w", err)
		}
		entryPrice = quote.Mid()
		if entryPrice <= 0 {
			return nil, fmt.Errorf("no usable price for %s", req.Symbol)
		}
	}

	intent := &models.OrderIntent{
		Symbol:    req.Symbol,
		Side:      req.Side,
		OrderType: models.OrderTypeMarket,
		Quantity:  req.Quantity,
	}
	decision, err := e.risk.CheckIntent(ctx, intent)
	if err != nil {
		return nil, fmt.Errorf("risk check: %w", err)
	}
	if !decision.Approved {
		return &CreateResult{Skipped: true, Reason: decision.Reason, Checks: decision.Checks}, nil
	}
	qty := decision.AdjustedQuantity

	order, err := e.queue.Enqueue(ctx, models.OrderRequest{
		Symbol:      req.Symbol,
		Side:        req.Side,
		OrderType:   models.OrderTypeMarket,
		Quantity:    qty,
		TimeInForce: models.TIFDay,
	}, models.PriorityHigh, map[string]string{"managed": "entry"})
	if err != nil {
		return nil, fmt.Errorf("enqueueing entry order: %w", err)
	}

	now := time.Now().UTC()
	pos := &models.ManagedPosition{
		ID:              uuid.NewString(),
		StrategyID:      req.StrategyID,
		Symbol:          req.Symbol,
		Side:            req.Side,
		Quantity:        qty,
		EntryPrice:      entryPrice,
		Confidence:      confidence,
		TakeProfitPct:   req.TakeProfitPct,
		StopLossPct:     req.StopLossPct,
		TimeStopHours:   req.TimeStopHours,
		TrailingStopPct: req.TrailingStopPct,
		HighWaterMark:   entryPrice,
		ScaleOutLevels:  req.ScaleOutLevels,
		EnteredAt:       now,
		Status:          models.PositionActive,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := e.store.CreatePosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("persisting position: %w", err)
	}

	e.logger.Printf("Managed position %s opened: %s %s %.4f @ %.4f (tp %.1f%% sl %.1f%% ts %.1fh)",
		pos.ID, pos.Side, pos.Symbol, pos.Quantity, pos.EntryPrice,
		pos.TakeProfitPct, pos.StopLossPct, pos.TimeStopHours)
	return &CreateResult{Position: pos, Order: order, Checks: decision.Checks}, nil
}

// CheckAllPositions evaluates the exit ladder for every active position.
// Each check is independent; one position's error never blocks the rest.
func (e *Engine) CheckAllPositions(ctx context.Context, positions []models.ManagedPosition) *CheckOutcome {
	outcome := &CheckOutcome{}
	if len(positions) == 0 {
		return outcome
	}

	quotes := e.fetchQuotes(ctx, positions)

	for i := range positions {
		pos := &positions[i]
		outcome.Checked++
		quote, ok := quotes[pos.Symbol]
		if !ok {
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("position %s: no quote for %s", pos.ID, pos.Symbol))
			continue
		}
		price := quote.Mid()
		if price <= 0 {
			continue
		}
		if err := e.checkOne(ctx, pos, price, outcome); err != nil {
			outcome.Errors = append(outcome.Errors, fmt.Sprintf("position %s: %v", pos.ID, err))
		}
	}
	return outcome
}

// checkOne walks the exit ladder in priority order: scale-outs, take profit,
// stop loss, trailing stop, time stop, time warning, confidence review.
func (e *Engine) checkOne(ctx context.Context, pos *models.ManagedPosition, price float64, outcome *CheckOutcome) error {
	if pos.Status != models.PositionActive {
		return nil
	}

	if closed, err := e.checkScaleOuts(ctx, pos, price, outcome); err != nil || closed {
		return err
	}

	pnlPct := pos.UnrealizedPnLPct(price)

	if pnlPct >= pos.TakeProfitPct {
		return e.triggerClose(ctx, pos, price, models.AlertTakeProfit, models.CloseTakeProfit,
			fmt.Sprintf("%s take profit hit: %.2f%% >= %.2f%%", pos.Symbol, pnlPct, pos.TakeProfitPct), outcome)
	}

	if pnlPct <= -pos.StopLossPct {
		return e.triggerClose(ctx, pos, price, models.AlertStopLoss, models.CloseStopLoss,
			fmt.Sprintf("%s stop loss hit: %.2f%% <= -%.2f%%", pos.Symbol, pnlPct, pos.StopLossPct), outcome)
	}

	if pos.TrailingStopPct != nil {
		if pos.AdvanceHighWaterMark(price) {
			pos.UpdatedAt = time.Now().UTC()
			if err := e.store.UpdatePosition(ctx, pos); err != nil {
				return fmt.Errorf("persisting high-water mark: %w", err)
			}
		} else if level, ok := pos.TrailingStopPrice(); ok {
			crossed := price <= level
			if pos.Side == models.SideSell {
				crossed = price >= level
			}
			if crossed {
				return e.triggerClose(ctx, pos, price, models.AlertTrailing, models.CloseTrailingStop,
					fmt.Sprintf("%s trailing stop: price %.4f crossed %.4f (hwm %.4f)", pos.Symbol, price, level, pos.HighWaterMark), outcome)
			}
		}
	}

	now := time.Now().UTC()
	remaining := pos.HoursRemaining(now)
	if remaining <= 0 {
		return e.triggerClose(ctx, pos, price, models.AlertTimeStop, models.CloseTimeStop,
			fmt.Sprintf("%s time stop: %.1fh elapsed", pos.Symbol, pos.TimeStopHours), outcome)
	}
	if remaining <= timeWarningHours && pos.TimeStopHours > timeWarningHours {
		if err := e.raiseAlert(ctx, pos, models.AlertTimeWarning,
			fmt.Sprintf("%s approaching time stop: %.1fh remaining", pos.Symbol, remaining), outcome); err != nil {
			return err
		}
	}

	if e.confidence != nil && pos.Confidence >= reviewEntryConfidence {
		score, _, _, err := e.confidence.Assess(ctx, pos.Symbol, pos.Side)
		if err == nil && score <= reviewDropConfidence {
			if err := e.raiseAlert(ctx, pos, models.AlertReview,
				fmt.Sprintf("%s confidence dropped %d -> %d, review position", pos.Symbol, pos.Confidence, score), outcome); err != nil {
				return err
			}
		}
	}
	return nil
}

// checkScaleOuts fires each undone scale-out rung once its gain threshold is
// reached. Returns closed=true when a rung flattened the whole position.
func (e *Engine) checkScaleOuts(ctx context.Context, pos *models.ManagedPosition, price float64, outcome *CheckOutcome) (bool, error) {
	if len(pos.ScaleOutLevels) == 0 {
		return false, nil
	}
	pnlPct := pos.UnrealizedPnLPct(price)

	for i := range pos.ScaleOutLevels {
		level := &pos.ScaleOutLevels[i]
		if level.Done || pnlPct < level.GainPct {
			continue
		}
		exitQty := pos.Quantity * level.Fraction
		if exitQty <= 0 {
			level.Done = true
			continue
		}
		if exitQty >= pos.Quantity {
			// Final rung takes the whole position.
			return true, e.triggerClose(ctx, pos, price, models.AlertScaleOut, models.CloseScaleOut,
				fmt.Sprintf("%s scale-out at %.2f%% closes remaining %.4f", pos.Symbol, level.GainPct, pos.Quantity), outcome)
		}

		_, err := e.queue.Enqueue(ctx, models.OrderRequest{
			Symbol:      pos.Symbol,
			Side:        pos.ClosingSide(),
			OrderType:   models.OrderTypeMarket,
			Quantity:    exitQty,
			TimeInForce: models.TIFDay,
		}, models.PriorityHigh, map[string]string{"managed": "scale_out", "position_id": pos.ID})
		if err != nil {
			return false, fmt.Errorf("scale-out order: %w", err)
		}

		realized := (price - pos.EntryPrice) * exitQty
		if pos.Side == models.SideSell {
			realized = -realized
		}
		e.recordRealized(ctx, pos, exitQty, realized)

		level.Done = true
		pos.Quantity -= exitQty
		pos.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdatePosition(ctx, pos); err != nil {
			return false, fmt.Errorf("persisting scale-out: %w", err)
		}
		if err := e.raiseAlert(ctx, pos, models.AlertScaleOut,
			fmt.Sprintf("%s scaled out %.4f at %.4f (+%.2f%%)", pos.Symbol, exitQty, price, pnlPct), outcome); err != nil {
			return false, err
		}
		e.logger.Printf("Position %s scaled out %.4f of %s at %.4f", pos.ID, exitQty, pos.Symbol, price)
	}
	return false, nil
}

// triggerClose raises the alert and closes the position. The broker order
// goes out first; a queue failure leaves the position untouched so the next
// tick retries.
func (e *Engine) triggerClose(ctx context.Context, pos *models.ManagedPosition, price float64, alertType models.AlertType, reason models.CloseReason, message string, outcome *CheckOutcome) error {
	if err := e.raiseAlert(ctx, pos, alertType, message, outcome); err != nil {
		return err
	}

	_, err := e.queue.Enqueue(ctx, models.OrderRequest{
		Symbol:      pos.Symbol,
		Side:        pos.ClosingSide(),
		OrderType:   models.OrderTypeMarket,
		Quantity:    pos.Quantity,
		TimeInForce: models.TIFDay,
	}, models.PriorityCritical, map[string]string{"managed": "close", "position_id": pos.ID, "reason": string(reason)})
	if err != nil {
		return fmt.Errorf("close order: %w", err)
	}

	closeQty := pos.Quantity
	if err := pos.ApplyClose(price, reason, time.Now().UTC()); err != nil {
		return err
	}
	pos.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdatePosition(ctx, pos); err != nil {
		return fmt.Errorf("persisting close: %w", err)
	}

	if pos.PnL != nil {
		e.recordRealized(ctx, pos, closeQty, *pos.PnL)
	}
	if e.perf != nil {
		e.perf.RecordClose(ctx, pos)
	}
	outcome.Closed++
	e.logger.Printf("Position %s CLOSED (%s) at %.4f, pnl %.2f", pos.ID, reason, price, deref(pos.PnL))
	return nil
}

// ClosePosition flattens a position on operator request.
func (e *Engine) ClosePosition(ctx context.Context, id string) (*models.ManagedPosition, error) {
	pos, err := e.store.GetPosition(ctx, id)
	if err != nil {
		return nil, err
	}
	if pos.Status != models.PositionActive {
		return nil, fmt.Errorf("position %s is %s, not active", id, pos.Status)
	}
	quote, err := e.broker.GetLatestQuote(ctx, pos.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetching quote: %w", err)
	}
	price := quote.Mid()
	if price <= 0 {
		price = pos.EntryPrice
	}
	outcome := &CheckOutcome{}
	if err := e.triggerClose(ctx, pos, price, models.AlertReview, models.CloseManual,
		fmt.Sprintf("%s closed manually at %.4f", pos.Symbol, price), outcome); err != nil {
		return nil, err
	}
	return pos, nil
}

// raiseAlert creates an alert unless one of the same type already fired for
// this position.
func (e *Engine) raiseAlert(ctx context.Context, pos *models.ManagedPosition, alertType models.AlertType, message string, outcome *CheckOutcome) error {
	existing, err := e.store.FindTriggeredAlert(ctx, pos.ID, alertType)
	if err != nil {
		return fmt.Errorf("alert dedup lookup: %w", err)
	}
	if existing != nil {
		return nil
	}
	now := time.Now().UTC()
	alert := &models.Alert{
		ID:          uuid.NewString(),
		PositionID:  pos.ID,
		Type:        alertType,
		Message:     message,
		Triggered:   true,
		TriggeredAt: &now,
		CreatedAt:   now,
	}
	if err := e.store.CreateAlert(ctx, alert); err != nil {
		return fmt.Errorf("creating alert: %w", err)
	}
	outcome.AlertsCreated++
	e.logger.Printf("ALERT %s: %s", alertType, message)
	return nil
}

// recordRealized writes an approved intent row carrying the realized pnl so
// the daily loss limit sees it.
func (e *Engine) recordRealized(ctx context.Context, pos *models.ManagedPosition, qty, pnl float64) {
	intent := &models.OrderIntent{
		ID:          uuid.NewString(),
		Symbol:      pos.Symbol,
		Side:        pos.ClosingSide(),
		OrderType:   models.OrderTypeMarket,
		Quantity:    qty,
		Approved:    true,
		Reason:      "managed close",
		RealizedPnL: pnl,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.RecordIntent(ctx, intent); err != nil && !storage.IsTableMissing(err) {
		e.logger.Printf("Failed to record realized pnl for %s: %v", pos.ID, err)
	}
}

// GetActiveManagedPositions returns active positions enriched with live
// prices and their alert history. A failed quote falls back to the entry
// price so pnl reads as flat rather than absent.
func (e *Engine) GetActiveManagedPositions(ctx context.Context) ([]models.PositionView, error) {
	positions, err := e.store.GetActivePositions(ctx)
	if err != nil {
		return nil, err
	}
	quotes := e.fetchQuotes(ctx, positions)

	views := make([]models.PositionView, 0, len(positions))
	for i := range positions {
		pos := positions[i]
		price := pos.EntryPrice
		if quote, ok := quotes[pos.Symbol]; ok && quote.Mid() > 0 {
			price = quote.Mid()
		}
		view := models.PositionView{
			ManagedPosition:  pos,
			CurrentPrice:     price,
			TakeProfitTarget: pos.TakeProfitPrice(),
			StopLossTarget:   pos.StopLossPrice(),
			HoursLeft:        pos.HoursRemaining(time.Now().UTC()),
			CurrentPnL:       pos.UnrealizedPnL(price),
			CurrentPnLPct:    pos.UnrealizedPnLPct(price),
		}
		if level, ok := pos.TrailingStopPrice(); ok {
			view.TrailingStopLevel = &level
		}
		if alerts, err := e.store.GetAlerts(ctx, pos.ID); err == nil {
			view.Alerts = alerts
		}
		views = append(views, view)
	}
	return views, nil
}

// fetchQuotes fans out one quote fetch per distinct symbol. Failures simply
// leave the symbol out of the map.
func (e *Engine) fetchQuotes(ctx context.Context, positions []models.ManagedPosition) map[string]*models.Quote {
	symbols := make(map[string]struct{})
	for i := range positions {
		symbols[positions[i].Symbol] = struct{}{}
	}

	var mu sync.Mutex
	quotes := make(map[string]*models.Quote, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			quote, err := e.broker.GetLatestQuote(gctx, symbol)
			if err != nil {
				return nil
			}
			mu.Lock()
			quotes[symbol] = quote
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return quotes
}

func deref(f *float64) float64 {
	if f == nil {
		return 0
	}
	return *f
}
