// Package broker defines the brokerage interface and its decorators: a
// circuit-breaker wrapper for fail-fast behaviour and per-call deadlines.
package broker

import (
	"context"
	"log"
	"time"

	"github.com/rfoley/tradewarden/internal/breaker"
	"github.com/rfoley/tradewarden/internal/models"
)

// Broker defines the interface for interacting with a brokerage.
type Broker interface {
	// Market data
	GetLatestQuote(ctx context.Context, symbol string) (*models.Quote, error)

	// Account
	GetPositions(ctx context.Context) ([]models.BrokerPosition, error)

	// Orders
	SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.BrokerOrder, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrders(ctx context.Context, status string) ([]models.BrokerOrder, error)
}

// Timeouts bound every outbound call; exceeded deadlines surface as
// retryable errors.
type Timeouts struct {
	Quote  time.Duration
	Submit time.Duration
}

// DefaultTimeouts per the latency budget: quotes are cheap, submissions get
// more room.
var DefaultTimeouts = Timeouts{
	Quote:  2 * time.Second,
	Submit: 5 * time.Second,
}

// CircuitBreakerBroker wraps a Broker with two circuit breakers: one for
// market data reads and one for trading calls, so a quote outage cannot trip
// order submission and vice versa.
type CircuitBreakerBroker struct {
	broker     Broker
	marketData *breaker.Breaker
	trading    *breaker.Breaker
	timeouts   Timeouts
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// NewCircuitBreakerBroker creates the wrapper with default settings.
func NewCircuitBreakerBroker(b Broker, logger *log.Logger) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(
		b, logger, breaker.MarketDataSettings, breaker.TradingSettings, DefaultTimeouts)
}

// NewCircuitBreakerBrokerWithSettings creates the wrapper with custom breaker
// settings and timeouts.
func NewCircuitBreakerBrokerWithSettings(
	b Broker,
	logger *log.Logger,
	marketData, trading breaker.Settings,
	timeouts Timeouts,
) *CircuitBreakerBroker {
	if timeouts.Quote <= 0 {
		timeouts.Quote = DefaultTimeouts.Quote
	}
	if timeouts.Submit <= 0 {
		timeouts.Submit = DefaultTimeouts.Submit
	}
	return &CircuitBreakerBroker{
		broker:     b,
		marketData: breaker.New(marketData, logger),
		trading:    breaker.New(trading, logger),
		timeouts:   timeouts,
	}
}

// BreakerStates reports both breaker states for the status surface.
func (c *CircuitBreakerBroker) BreakerStates() (marketData, trading string) {
	return c.marketData.State(), c.trading.State()
}

// GetLatestQuote wraps the underlying call with the market-data breaker and
// the quote deadline.
func (c *CircuitBreakerBroker) GetLatestQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Quote)
	defer cancel()
	return breaker.Execute(ctx, c.marketData, func() (*models.Quote, error) {
		return c.broker.GetLatestQuote(ctx, symbol)
	})
}

// GetPositions wraps the underlying call with the market-data breaker.
func (c *CircuitBreakerBroker) GetPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Submit)
	defer cancel()
	return breaker.Execute(ctx, c.marketData, func() ([]models.BrokerPosition, error) {
		return c.broker.GetPositions(ctx)
	})
}

// SubmitOrder wraps the underlying call with the trading breaker and the
// submit deadline.
func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.BrokerOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Submit)
	defer cancel()
	return breaker.Execute(ctx, c.trading, func() (*models.BrokerOrder, error) {
		return c.broker.SubmitOrder(ctx, req)
	})
}

// CancelOrder wraps the underlying call with the trading breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Submit)
	defer cancel()
	return c.trading.Execute(ctx, func() error {
		return c.broker.CancelOrder(ctx, brokerOrderID)
	})
}

// GetOrders wraps the underlying call with the market-data breaker.
func (c *CircuitBreakerBroker) GetOrders(ctx context.Context, status string) ([]models.BrokerOrder, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeouts.Submit)
	defer cancel()
	return breaker.Execute(ctx, c.marketData, func() ([]models.BrokerOrder, error) {
		return c.broker.GetOrders(ctx, status)
	})
}
