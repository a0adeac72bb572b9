package models

import (
	"fmt"
	"time"
)

// PositionStatus is the lifecycle state of a managed position.
type PositionStatus string

const (
	PositionActive   PositionStatus = "active"
	PositionInactive PositionStatus = "inactive"
	PositionClosed   PositionStatus = "closed"
)

// CloseReason records why a managed position was closed.
type CloseReason string

const (
	CloseTakeProfit   CloseReason = "TP_HIT"
	CloseStopLoss     CloseReason = "SL_HIT"
	CloseTrailingStop CloseReason = "TRAILING_STOP"
	CloseTimeStop     CloseReason = "TIME_STOP"
	CloseManual       CloseReason = "MANUAL"
	CloseScaleOut     CloseReason = "SCALE_OUT"
	CloseUnknown      CloseReason = "UNKNOWN"
)

// DefaultTimeStopHours applies when a position request leaves the time stop
// unset.
const DefaultTimeStopHours = 4

// ScaleOutLevel is a partial-exit rung: when unrealized gain reaches GainPct,
// close Fraction of the remaining quantity. Each level fires at most once.
type ScaleOutLevel struct {
	GainPct  float64 `json:"gain_pct"`
	Fraction float64 `json:"fraction"`
	Done     bool    `json:"done"`
}

// ManagedPosition is a position under automated exit management: take-profit,
// stop-loss, time stop, trailing stop, and confidence review.
type ManagedPosition struct {
	ID              string          `json:"id" gorm:"primaryKey"`
	StrategyID      string          `json:"strategy_id,omitempty" gorm:"index"`
	Symbol          string          `json:"symbol" gorm:"index"`
	Side            OrderSide       `json:"side"`
	Quantity        float64         `json:"quantity"`
	EntryPrice      float64         `json:"entry_price"`
	Confidence      int             `json:"confidence"`
	TakeProfitPct   float64         `json:"take_profit_pct"`
	StopLossPct     float64         `json:"stop_loss_pct"`
	TimeStopHours   float64         `json:"time_stop_hours"`
	TrailingStopPct *float64        `json:"trailing_stop_pct,omitempty"`
	HighWaterMark   float64         `json:"high_water_mark"`
	ScaleOutLevels  []ScaleOutLevel `json:"scale_out_levels,omitempty" gorm:"serializer:json"`
	EnteredAt       time.Time       `json:"entered_at"`
	Status          PositionStatus  `json:"status" gorm:"index"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty"`
	ClosePrice      *float64        `json:"close_price,omitempty"`
	CloseReason     *CloseReason    `json:"close_reason,omitempty"`
	PnL             *float64        `json:"pnl,omitempty"`
	PnLPct          *float64        `json:"pnl_pct,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// sideSign is +1 for long positions, -1 for short.
func (p *ManagedPosition) sideSign() float64 {
	if p.Side == SideSell {
		return -1
	}
	return 1
}

// TakeProfitPrice is the derived profit target level.
func (p *ManagedPosition) TakeProfitPrice() float64 {
	return p.EntryPrice * (1 + p.sideSign()*p.TakeProfitPct/100)
}

// StopLossPrice is the derived protective stop level.
func (p *ManagedPosition) StopLossPrice() float64 {
	return p.EntryPrice * (1 - p.sideSign()*p.StopLossPct/100)
}

// TrailingStopPrice is the retrace level off the high-water mark, or false
// when no trailing stop is configured.
func (p *ManagedPosition) TrailingStopPrice() (float64, bool) {
	if p.TrailingStopPct == nil {
		return 0, false
	}
	return p.HighWaterMark * (1 - p.sideSign()**p.TrailingStopPct/100), true
}

// HoursRemaining is the time left before the time stop, clamped at zero.
func (p *ManagedPosition) HoursRemaining(now time.Time) float64 {
	elapsed := now.Sub(p.EnteredAt).Hours()
	remaining := p.TimeStopHours - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}

// AdvanceHighWaterMark moves the mark strictly in the favourable direction.
// Returns true when it advanced.
func (p *ManagedPosition) AdvanceHighWaterMark(price float64) bool {
	if p.Side == SideBuy && price > p.HighWaterMark {
		p.HighWaterMark = price
		return true
	}
	if p.Side == SideSell && price < p.HighWaterMark {
		p.HighWaterMark = price
		return true
	}
	return false
}

// UnrealizedPnL returns the open profit at the given price.
func (p *ManagedPosition) UnrealizedPnL(price float64) float64 {
	return (price - p.EntryPrice) * p.Quantity * p.sideSign()
}

// UnrealizedPnLPct returns the open profit as a percent of entry.
func (p *ManagedPosition) UnrealizedPnLPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	return (price - p.EntryPrice) / p.EntryPrice * 100 * p.sideSign()
}

// ApplyClose finalizes a position. Closed positions are immutable; a second
// close is rejected.
func (p *ManagedPosition) ApplyClose(price float64, reason CloseReason, at time.Time) error {
	if p.Status == PositionClosed {
		return fmt.Errorf("position %s already closed", p.ID)
	}
	pnl := p.UnrealizedPnL(price)
	pnlPct := p.UnrealizedPnLPct(price)
	p.Status = PositionClosed
	p.ClosedAt = &at
	p.ClosePrice = &price
	p.CloseReason = &reason
	p.PnL = &pnl
	p.PnLPct = &pnlPct
	return nil
}

// ClosingSide is the order side that flattens the position.
func (p *ManagedPosition) ClosingSide() OrderSide {
	if p.Side == SideBuy {
		return SideSell
	}
	return SideBuy
}

// AlertType is the taxonomy of managed-position alerts.
type AlertType string

const (
	AlertTakeProfit  AlertType = "TP_HIT"
	AlertStopLoss    AlertType = "SL_HIT"
	AlertTrailing    AlertType = "TRAILING_TRIGGERED"
	AlertTimeStop    AlertType = "TIME_STOP"
	AlertTimeWarning AlertType = "TIME_WARNING"
	AlertReview      AlertType = "REVIEW"
	AlertScaleOut    AlertType = "SCALE_OUT"
)

// Alert is a per-position notification. At most one triggered alert may exist
// per (position, type) pair; the storage layer enforces the dedup lookup.
type Alert struct {
	ID          string     `json:"id" gorm:"primaryKey"`
	PositionID  string     `json:"position_id" gorm:"index"`
	Type        AlertType  `json:"type"`
	Message     string     `json:"message"`
	Triggered   bool       `json:"triggered"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	Dismissed   bool       `json:"dismissed"`
	DismissedAt *time.Time `json:"dismissed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PositionView is an active managed position enriched with live market data.
type PositionView struct {
	ManagedPosition
	CurrentPrice      float64  `json:"current_price"`
	TakeProfitTarget  float64  `json:"take_profit_price"`
	StopLossTarget    float64  `json:"stop_loss_price"`
	TrailingStopLevel *float64 `json:"trailing_stop_price,omitempty"`
	HoursLeft         float64  `json:"hours_remaining"`
	CurrentPnL        float64  `json:"current_pnl"`
	CurrentPnLPct     float64  `json:"current_pnl_pct"`
	Alerts            []Alert  `json:"alerts,omitempty"`
}
