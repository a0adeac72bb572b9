package models

import "time"

// Quote is a point-in-time market quote.
type Quote struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"last"`
	At     time.Time `json:"at"`
}

// Mid returns the bid/ask midpoint, falling back to the last trade when
// either side of the book is empty.
func (q *Quote) Mid() float64 {
	if q.Bid == 0 || q.Ask == 0 {
		return q.Last
	}
	return (q.Bid + q.Ask) / 2
}

// OrderRequest is the outbound order shape handed to the broker.
type OrderRequest struct {
	Symbol        string      `json:"symbol"`
	Side          OrderSide   `json:"side"`
	OrderType     OrderType   `json:"type"`
	Quantity      float64     `json:"qty"`
	LimitPrice    *float64    `json:"limit_price,omitempty"`
	StopPrice     *float64    `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce `json:"time_in_force"`
	ClientOrderID string      `json:"client_order_id,omitempty"`
}

// BrokerOrder is the broker's view of an order.
type BrokerOrder struct {
	ID             string    `json:"id"`
	ClientOrderID  string    `json:"client_order_id,omitempty"`
	Status         string    `json:"status"`
	Symbol         string    `json:"symbol"`
	Side           OrderSide `json:"side"`
	Quantity       float64   `json:"qty"`
	OrderType      OrderType `json:"type"`
	LimitPrice     *float64  `json:"limit_price,omitempty"`
	FilledQty      float64   `json:"filled_qty"`
	FilledAvgPrice float64   `json:"filled_avg_price"`
}

// BrokerPosition is a live position as reported by the broker.
type BrokerPosition struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	MarketValue   float64 `json:"market_value"`
	UnrealizedPL  float64 `json:"unrealized_pl"`
	UnrealizedPLP float64 `json:"unrealized_plpc"`
}

// RiskConfig is the singleton risk configuration row; latest write wins.
type RiskConfig struct {
	ID              uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	MaxPositionSize float64   `json:"max_position_size"`
	MaxOrderSize    float64   `json:"max_order_size"`
	MaxDailyLoss    float64   `json:"max_daily_loss"`
	AllowedSymbols  []string  `json:"allowed_symbols" gorm:"serializer:json"`
	TradingEnabled  bool      `json:"trading_enabled"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DefaultRiskConfig returns the conservative defaults used when no config row
// exists. Trading starts disabled.
func DefaultRiskConfig() *RiskConfig {
	return &RiskConfig{
		MaxPositionSize: 1000,
		MaxOrderSize:    100,
		MaxDailyLoss:    1000,
		AllowedSymbols: []string{
			"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA",
			"META", "TSLA", "SPY", "QQQ", "IWM",
		},
		TradingEnabled: false,
	}
}

// PositionSnapshot is one retention-bounded time-series row per live broker
// position per monitor tick.
type PositionSnapshot struct {
	ID            uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	Symbol        string    `json:"symbol" gorm:"index"`
	Quantity      float64   `json:"quantity"`
	AvgEntryPrice float64   `json:"avg_entry_price"`
	CurrentPrice  float64   `json:"current_price"`
	MarketValue   float64   `json:"market_value"`
	UnrealizedPL  float64   `json:"unrealized_pl"`
	UnrealizedPLP float64   `json:"unrealized_pl_pct"`
	Timestamp     time.Time `json:"timestamp" gorm:"index"`
}

// OrderIntent is a proposed trade submitted to the risk engine, persisted as
// an audit record once executed so daily loss accounting can read it back.
type OrderIntent struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	Symbol      string    `json:"symbol" gorm:"index"`
	Side        OrderSide `json:"side"`
	OrderType   OrderType `json:"order_type"`
	Quantity    float64   `json:"quantity"`
	LimitPrice  *float64  `json:"limit_price,omitempty"`
	Approved    bool      `json:"approved"`
	Reason      string    `json:"reason,omitempty"`
	RealizedPnL float64   `json:"realized_pnl" gorm:"column:realized_pnl"`
	CreatedAt   time.Time `json:"created_at" gorm:"index"`
}

// OrderAuditEvent records one lifecycle edge of a queued order.
type OrderAuditEvent struct {
	ID        uint      `json:"-" gorm:"primaryKey;autoIncrement"`
	OrderID   string    `json:"order_id" gorm:"index"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Audit event names written by the order queue.
const (
	AuditQueued        = "QUEUED"
	AuditSubmitted     = "SUBMITTED"
	AuditRetry         = "RETRY_SCHEDULED"
	AuditFailed        = "FAILED"
	AuditCancelled     = "CANCELLED"
	AuditStatusUpdated = "STATUS_UPDATED"
)

// TradingStats aggregates closed managed positions.
type TradingStats struct {
	TotalTrades   int                 `json:"total_trades"`
	WinningTrades int                 `json:"winning_trades"`
	LosingTrades  int                 `json:"losing_trades"`
	WinRate       float64             `json:"win_rate"`
	TotalPnL      float64             `json:"total_pnl"`
	AvgWin        float64             `json:"avg_win"`
	AvgLoss       float64             `json:"avg_loss"`
	AvgConfidence float64             `json:"avg_confidence"`
	ByCloseReason map[CloseReason]int `json:"by_close_reason"`
}
