// Package models provides the shared domain types for the trading service:
// automation rules, managed positions, alerts, orders, and market data shapes.
package models

import (
	"fmt"
	"strings"
	"time"
)

// RuleType classifies an automation rule.
type RuleType string

const (
	RuleStopLoss     RuleType = "STOP_LOSS"
	RuleTakeProfit   RuleType = "TAKE_PROFIT"
	RuleOCO          RuleType = "OCO"
	RuleTrailingStop RuleType = "TRAILING_STOP"
	RuleLimitOrder   RuleType = "LIMIT_ORDER"
)

// TriggerType determines how a rule's trigger value is interpreted.
type TriggerType string

const (
	TriggerPriceAbove  TriggerType = "PRICE_ABOVE"
	TriggerPriceBelow  TriggerType = "PRICE_BELOW"
	TriggerPercentGain TriggerType = "PERCENT_GAIN"
	TriggerPercentLoss TriggerType = "PERCENT_LOSS"
	TriggerDollarGain  TriggerType = "DOLLAR_GAIN"
	TriggerDollarLoss  TriggerType = "DOLLAR_LOSS"
)

// RuleStatus is the lifecycle state of an automation rule.
type RuleStatus string

const (
	RuleStatusActive    RuleStatus = "active"
	RuleStatusTriggered RuleStatus = "triggered"
	RuleStatusCancelled RuleStatus = "cancelled"
	RuleStatusExpired   RuleStatus = "expired"
)

// AutomationRule is a price or percent threshold watch that issues an order
// when it fires. Rules are persisted; only status=active enabled rules are
// evaluated.
type AutomationRule struct {
	ID            string      `json:"id" gorm:"primaryKey"`
	RuleType      RuleType    `json:"rule_type" gorm:"index"`
	TriggerType   TriggerType `json:"trigger_type"`
	Symbol        string      `json:"symbol" gorm:"index"`
	TriggerValue  float64     `json:"trigger_value"`
	EntryPrice    *float64    `json:"entry_price,omitempty"`
	OrderSide     OrderSide   `json:"order_side"`
	OrderType     OrderType   `json:"order_type"`
	Quantity      *float64    `json:"quantity,omitempty"`
	LimitPrice    *float64    `json:"limit_price,omitempty"`
	OCOGroupID    string      `json:"oco_group_id,omitempty" gorm:"index"`
	PositionID    string      `json:"position_id,omitempty"`
	Status        RuleStatus  `json:"status" gorm:"index"`
	Enabled       bool        `json:"enabled"`
	HighWaterMark *float64    `json:"high_water_mark,omitempty"`
	ExpiresAt     *time.Time  `json:"expires_at,omitempty"`
	TriggeredAt   *time.Time  `json:"triggered_at,omitempty"`
	OrderID       string      `json:"order_id,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// requiresEntryPrice reports whether the trigger type is relative to an entry
// price rather than an absolute level.
func (t TriggerType) requiresEntryPrice() bool {
	switch t {
	case TriggerPercentGain, TriggerPercentLoss, TriggerDollarGain, TriggerDollarLoss:
		return true
	default:
		return false
	}
}

// Validate checks creation invariants. Symbols are normalized to upper case.
func (r *AutomationRule) Validate() error {
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.Symbol == "" {
		return fmt.Errorf("symbol is required")
	}
	if r.TriggerValue <= 0 {
		return fmt.Errorf("Trigger value must be positive")
	}
	if r.TriggerType.requiresEntryPrice() && r.EntryPrice == nil && r.PositionID == "" {
		return fmt.Errorf("Entry price or position ID required")
	}
	if r.TriggerType.requiresEntryPrice() && r.EntryPrice != nil && *r.EntryPrice <= 0 {
		return fmt.Errorf("Entry price or position ID required")
	}
	if r.OrderSide != SideBuy && r.OrderSide != SideSell {
		return fmt.Errorf("order_side must be buy or sell")
	}
	if r.OrderType != OrderTypeMarket && r.OrderType != OrderTypeLimit {
		return fmt.Errorf("order_type must be market or limit")
	}
	if r.OrderType == OrderTypeLimit && r.LimitPrice == nil {
		return fmt.Errorf("limit_price required for limit orders")
	}
	if r.Quantity != nil && *r.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive when set")
	}
	return nil
}

// TriggerPrice computes the price level at which the rule fires. For absolute
// trigger types it is the trigger value itself; for percent and dollar types
// it is derived from the entry price. Returns false when it cannot be derived.
func (r *AutomationRule) TriggerPrice() (float64, bool) {
	switch r.TriggerType {
	case TriggerPriceAbove, TriggerPriceBelow:
		return r.TriggerValue, true
	case TriggerPercentGain:
		if r.EntryPrice == nil {
			return 0, false
		}
		return *r.EntryPrice * (1 + r.TriggerValue/100), true
	case TriggerPercentLoss:
		if r.EntryPrice == nil {
			return 0, false
		}
		return *r.EntryPrice * (1 - r.TriggerValue/100), true
	case TriggerDollarGain:
		if r.EntryPrice == nil {
			return 0, false
		}
		return *r.EntryPrice + r.TriggerValue, true
	case TriggerDollarLoss:
		if r.EntryPrice == nil {
			return 0, false
		}
		return *r.EntryPrice - r.TriggerValue, true
	default:
		return 0, false
	}
}

// ShouldTrigger evaluates the rule against the given reference price.
// Percent and dollar triggers invert for sell-side entries (a short position
// gains when price falls).
func (r *AutomationRule) ShouldTrigger(price float64) bool {
	if r.Status != RuleStatusActive || !r.Enabled {
		return false
	}
	switch r.TriggerType {
	case TriggerPriceAbove:
		return price >= r.TriggerValue
	case TriggerPriceBelow:
		return price <= r.TriggerValue
	case TriggerPercentGain:
		entry, move := r.entryAndMove(price)
		if entry == 0 {
			return false
		}
		return move/entry*100 >= r.TriggerValue
	case TriggerPercentLoss:
		entry, move := r.entryAndMove(price)
		if entry == 0 {
			return false
		}
		return -move/entry*100 >= r.TriggerValue
	case TriggerDollarGain:
		_, move := r.entryAndMove(price)
		return move >= r.TriggerValue
	case TriggerDollarLoss:
		_, move := r.entryAndMove(price)
		return -move >= r.TriggerValue
	default:
		return false
	}
}

// entryAndMove returns the entry price and the favourable-direction move.
// For sell-side rules the move sign is inverted.
func (r *AutomationRule) entryAndMove(price float64) (entry, move float64) {
	if r.EntryPrice == nil {
		return 0, 0
	}
	entry = *r.EntryPrice
	move = price - entry
	if r.OrderSide == SideBuy {
		// Percent/dollar rules guard an existing exposure; a buy-side exit
		// rule protects a short, so favourable is downward.
		move = -move
	}
	return entry, move
}

// AdvanceHighWaterMark moves the trailing mark in the favourable direction
// only. Returns true when the mark advanced.
func (r *AutomationRule) AdvanceHighWaterMark(price float64) bool {
	if r.RuleType != RuleTrailingStop {
		return false
	}
	if r.HighWaterMark == nil {
		hwm := price
		r.HighWaterMark = &hwm
		return true
	}
	if r.OrderSide == SideSell && price > *r.HighWaterMark {
		*r.HighWaterMark = price
		return true
	}
	if r.OrderSide == SideBuy && price < *r.HighWaterMark {
		*r.HighWaterMark = price
		return true
	}
	return false
}

// TrailingStopPrice is the retrace level at which a trailing rule fires.
func (r *AutomationRule) TrailingStopPrice() (float64, bool) {
	if r.RuleType != RuleTrailingStop || r.HighWaterMark == nil {
		return 0, false
	}
	if r.OrderSide == SideSell {
		return *r.HighWaterMark * (1 - r.TriggerValue/100), true
	}
	return *r.HighWaterMark * (1 + r.TriggerValue/100), true
}

// IsExpired reports whether the rule has an expiry in the past.
func (r *AutomationRule) IsExpired(now time.Time) bool {
	return r.ExpiresAt != nil && r.ExpiresAt.Before(now)
}

// MarkTriggered transitions an active rule to triggered, recording the time
// and the submitted order.
func (r *AutomationRule) MarkTriggered(orderID string, at time.Time) error {
	if r.Status != RuleStatusActive {
		return fmt.Errorf("rule %s is %s, not active", r.ID, r.Status)
	}
	r.Status = RuleStatusTriggered
	r.TriggeredAt = &at
	r.OrderID = orderID
	return nil
}

// Cancel transitions an active rule to cancelled and disables it.
func (r *AutomationRule) Cancel() error {
	if r.Status != RuleStatusActive {
		return fmt.Errorf("rule %s is %s, not active", r.ID, r.Status)
	}
	r.Status = RuleStatusCancelled
	r.Enabled = false
	return nil
}

// Expire transitions an active rule to expired.
func (r *AutomationRule) Expire() error {
	if r.Status != RuleStatusActive {
		return fmt.Errorf("rule %s is %s, not active", r.ID, r.Status)
	}
	r.Status = RuleStatusExpired
	return nil
}

// AutomationExecution records a fired rule and the order it produced.
type AutomationExecution struct {
	ID            string    `json:"id" gorm:"primaryKey"`
	RuleID        string    `json:"rule_id" gorm:"index"`
	TriggerPrice  float64   `json:"trigger_price"`
	ExecutedPrice float64   `json:"executed_price"`
	Quantity      float64   `json:"quantity"`
	OrderID       string    `json:"order_id" gorm:"uniqueIndex"`
	OrderStatus   string    `json:"order_status"`
	CreatedAt     time.Time `json:"created_at"`
}

// RuleView is an active rule enriched with live market context for read paths.
// Pointer fields stay nil when the quote fetch failed.
type RuleView struct {
	AutomationRule
	CurrentPrice         *float64 `json:"current_price,omitempty"`
	ComputedTriggerPrice *float64 `json:"trigger_price,omitempty"`
	DistanceToTrigger    *float64 `json:"distance_to_trigger,omitempty"`
	DistanceToTriggerPct *float64 `json:"distance_to_trigger_pct,omitempty"`
}
