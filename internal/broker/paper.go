package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rfoley/tradewarden/internal/models"
)

// PaperBroker is an in-memory broker used in paper mode and tests. Market
// orders fill immediately at the quote mid; limit orders rest as accepted.
type PaperBroker struct {
	mu        sync.Mutex
	quotes    map[string]models.Quote
	positions map[string]*models.BrokerPosition
	orders    map[string]*models.BrokerOrder

	// SubmitErr, when set, fails every SubmitOrder call. QuoteErrs fails
	// GetLatestQuote for specific symbols. Both are test hooks.
	SubmitErr error
	QuoteErrs map[string]error
}

// Ensure PaperBroker implements Broker at compile time.
var _ Broker = (*PaperBroker)(nil)

// NewPaperBroker creates an empty paper broker.
func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		quotes:    make(map[string]models.Quote),
		positions: make(map[string]*models.BrokerPosition),
		orders:    make(map[string]*models.BrokerOrder),
	}
}

// SetQuote seeds or updates the quote for a symbol.
func (p *PaperBroker) SetQuote(q models.Quote) {
	p.mu.Lock()
	defer p.mu.Unlock()
	q.Symbol = strings.ToUpper(q.Symbol)
	if q.At.IsZero() {
		q.At = time.Now().UTC()
	}
	p.quotes[q.Symbol] = q
}

// SetPosition seeds a broker position.
func (p *PaperBroker) SetPosition(pos models.BrokerPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos.Symbol = strings.ToUpper(pos.Symbol)
	p.positions[pos.Symbol] = &pos
}

// GetLatestQuote returns the seeded quote for symbol.
func (p *PaperBroker) GetLatestQuote(ctx context.Context, symbol string) (*models.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	symbol = strings.ToUpper(symbol)
	if err, ok := p.QuoteErrs[symbol]; ok {
		return nil, err
	}
	q, ok := p.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("symbol not found: %s", symbol)
	}
	out := q
	return &out, nil
}

// GetPositions returns all seeded positions.
func (p *PaperBroker) GetPositions(ctx context.Context) ([]models.BrokerPosition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.BrokerPosition, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

// SubmitOrder accepts the order, filling market orders at the quote mid.
func (p *PaperBroker) SubmitOrder(ctx context.Context, req models.OrderRequest) (*models.BrokerOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SubmitErr != nil {
		return nil, p.SubmitErr
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("invalid quantity %.2f", req.Quantity)
	}

	order := &models.BrokerOrder{
		ID:            uuid.NewString(),
		ClientOrderID: req.ClientOrderID,
		Status:        "accepted",
		Symbol:        strings.ToUpper(req.Symbol),
		Side:          req.Side,
		Quantity:      req.Quantity,
		OrderType:     req.OrderType,
		LimitPrice:    req.LimitPrice,
	}
	if req.OrderType == models.OrderTypeMarket {
		if q, ok := p.quotes[order.Symbol]; ok {
			order.Status = "filled"
			order.FilledQty = req.Quantity
			order.FilledAvgPrice = q.Mid()
			p.applyFill(order)
		}
	}
	p.orders[order.ID] = order
	out := *order
	return &out, nil
}

// CancelOrder cancels a resting order.
func (p *PaperBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	order, ok := p.orders[brokerOrderID]
	if !ok {
		return fmt.Errorf("order not found: %s", brokerOrderID)
	}
	if order.Status == "filled" {
		return fmt.Errorf("order %s already filled", brokerOrderID)
	}
	order.Status = "canceled"
	return nil
}

// GetOrders lists orders, optionally filtered by status.
func (p *PaperBroker) GetOrders(ctx context.Context, status string) ([]models.BrokerOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.BrokerOrder, 0, len(p.orders))
	for _, o := range p.orders {
		if status != "" && status != "all" && o.Status != status {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

// applyFill adjusts the paper position book for a filled order.
func (p *PaperBroker) applyFill(o *models.BrokerOrder) {
	signed := o.FilledQty
	if o.Side == models.SideSell {
		signed = -signed
	}
	pos, ok := p.positions[o.Symbol]
	if !ok {
		p.positions[o.Symbol] = &models.BrokerPosition{
			Symbol:        o.Symbol,
			Quantity:      signed,
			AvgEntryPrice: o.FilledAvgPrice,
			CurrentPrice:  o.FilledAvgPrice,
		}
		return
	}
	pos.Quantity += signed
	if pos.Quantity == 0 {
		delete(p.positions, o.Symbol)
	}
}
