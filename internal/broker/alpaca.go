package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"github.com/rfoley/tradewarden/internal/models"
)

// AlpacaBroker implements Broker against the Alpaca trading and market data
// APIs. SDK decimals are converted to float64 at this boundary; the rest of
// the service works in float64.
type AlpacaBroker struct {
	tradeClient *alpaca.Client
	mdClient    *marketdata.Client
}

// Ensure AlpacaBroker implements Broker at compile time.
var _ Broker = (*AlpacaBroker)(nil)

// NewAlpacaBroker creates an Alpaca-backed broker. An empty baseURL uses the
// SDK default (paper trading when the key is a paper key).
func NewAlpacaBroker(apiKey, apiSecret, baseURL string) *AlpacaBroker {
	return &AlpacaBroker{
		tradeClient: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
			BaseURL:   baseURL,
		}),
		mdClient: marketdata.NewClient(marketdata.ClientOpts{
			APIKey:    apiKey,
			APISecret: apiSecret,
		}),
	}
}

// GetLatestQuote returns the latest bid/ask plus last trade for symbol.
func (a *AlpacaBroker) GetLatestQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	q, err := a.mdClient.GetLatestQuote(symbol, marketdata.GetLatestQuoteRequest{})
	if err != nil {
		return nil, fmt.Errorf("latest quote %s: %w", symbol, err)
	}
	if q == nil {
		return nil, fmt.Errorf("no quote found for %s", symbol)
	}

	quote := &models.Quote{
		Symbol: symbol,
		Bid:    q.BidPrice,
		Ask:    q.AskPrice,
		At:     q.Timestamp,
	}
	if trade, err := a.mdClient.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{}); err == nil && trade != nil {
		quote.Last = trade.Price
	}
	if quote.At.IsZero() {
		quote.At = time.Now().UTC()
	}
	return quote, nil
}

// GetPositions returns all open broker positions.
func (a *AlpacaBroker) GetPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	positions, err := a.tradeClient.GetPositions()
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	out := make([]models.BrokerPosition, 0, len(positions))
	for _, p := range positions {
		out = append(out, models.BrokerPosition{
			Symbol:        p.Symbol,
			Quantity:      p.Qty.InexactFloat64(),
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
			CurrentPrice:  derefDecimal(p.CurrentPrice),
			MarketValue:   derefDecimal(p.MarketValue),
			UnrealizedPL:  derefDecimal(p.UnrealizedPL),
			UnrealizedPLP: derefDecimal(p.UnrealizedPLPC),
		})
	}
	return out, nil
}

// SubmitOrder places an order and returns the broker's acknowledgement.
func (a *AlpacaBroker) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.BrokerOrder, error) {
	qty := decimal.NewFromFloat(req.Quantity)
	placeReq := alpaca.PlaceOrderRequest{
		Symbol:        req.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(req.Side),
		Type:          alpaca.OrderType(req.OrderType),
		TimeInForce:   alpaca.TimeInForce(req.TimeInForce),
		ClientOrderID: req.ClientOrderID,
	}
	if req.LimitPrice != nil {
		lp := decimal.NewFromFloat(*req.LimitPrice)
		placeReq.LimitPrice = &lp
	}
	if req.StopPrice != nil {
		sp := decimal.NewFromFloat(*req.StopPrice)
		placeReq.StopPrice = &sp
	}

	o, err := a.tradeClient.PlaceOrder(placeReq)
	if err != nil {
		return nil, fmt.Errorf("place order %s %s: %w", req.Side, req.Symbol, err)
	}
	return mapAlpacaOrder(o), nil
}

// CancelOrder cancels a working order by its broker id.
func (a *AlpacaBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := a.tradeClient.CancelOrder(brokerOrderID); err != nil {
		return fmt.Errorf("cancel order %s: %w", brokerOrderID, err)
	}
	return nil
}

// GetOrders lists orders in the given status ("open", "closed", "all") for
// reconciliation.
func (a *AlpacaBroker) GetOrders(ctx context.Context, status string) ([]models.BrokerOrder, error) {
	orders, err := a.tradeClient.GetOrders(alpaca.GetOrdersRequest{
		Status: status,
		Limit:  500,
	})
	if err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}

	out := make([]models.BrokerOrder, 0, len(orders))
	for i := range orders {
		out = append(out, *mapAlpacaOrder(&orders[i]))
	}
	return out, nil
}

func mapAlpacaOrder(o *alpaca.Order) *models.BrokerOrder {
	if o == nil {
		return nil
	}
	mapped := &models.BrokerOrder{
		ID:             o.ID,
		ClientOrderID:  o.ClientOrderID,
		Status:         string(o.Status),
		Symbol:         o.Symbol,
		Side:           models.OrderSide(o.Side),
		OrderType:      models.OrderType(o.Type),
		FilledQty:      o.FilledQty.InexactFloat64(),
		FilledAvgPrice: derefDecimal(o.FilledAvgPrice),
	}
	if o.Qty != nil {
		mapped.Quantity = o.Qty.InexactFloat64()
	}
	if o.LimitPrice != nil {
		lp := o.LimitPrice.InexactFloat64()
		mapped.LimitPrice = &lp
	}
	return mapped
}

func derefDecimal(d *decimal.Decimal) float64 {
	if d == nil {
		return 0
	}
	return d.InexactFloat64()
}
