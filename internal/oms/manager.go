// Package oms tracks every order through a validated lifecycle state machine
// with fill accounting and lookup indices.
package oms

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rfoley/tradewarden/internal/models"
)

// Config controls manager behaviour.
type Config struct {
	// ValidateTransitions rejects any event not in the transition table.
	ValidateTransitions bool
	// MaxHistoryLength bounds each order's transition log, oldest evicted.
	MaxHistoryLength int
}

// DefaultConfig is the default manager configuration.
var DefaultConfig = Config{
	ValidateTransitions: true,
	MaxHistoryLength:    100,
}

// Manager owns the in-process order book. All mutation goes through Apply,
// Acknowledge, and RecordFill so state sequences stay valid.
type Manager struct {
	mu       sync.RWMutex
	orders   map[string]*models.ManagedOrder
	byClient map[string]string
	byBroker map[string]string
	logger   *log.Logger
	config   Config

	// OnStateChange and OnFill fire synchronously while holding no lock;
	// they must not block.
	OnStateChange func(order *models.ManagedOrder, from, to models.OrderState)
	OnFill        func(order *models.ManagedOrder, fill models.Fill)
}

// NewManager creates an order manager.
func NewManager(logger *log.Logger, config ...Config) *Manager {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.MaxHistoryLength <= 0 {
		cfg.MaxHistoryLength = DefaultConfig.MaxHistoryLength
	}
	if logger == nil {
		logger = log.New(os.Stderr, "oms: ", log.LstdFlags)
	}
	return &Manager{
		orders:   make(map[string]*models.ManagedOrder),
		byClient: make(map[string]string),
		byBroker: make(map[string]string),
		logger:   logger,
		config:   cfg,
	}
}

// CreateOrder registers a new order in CREATED state.
func (m *Manager) CreateOrder(req models.OrderRequest, priority models.OrderPriority, metadata map[string]string) (*models.ManagedOrder, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %.4f", req.Quantity)
	}
	if req.Side != models.SideBuy && req.Side != models.SideSell {
		return nil, fmt.Errorf("invalid side %q", req.Side)
	}
	if priority == "" {
		priority = models.PriorityNormal
	}
	if req.TimeInForce == "" {
		req.TimeInForce = models.TIFDay
	}

	now := time.Now().UTC()
	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = "tw_" + uuid.NewString()
	}
	order := &models.ManagedOrder{
		ID:            uuid.NewString(),
		ClientOrderID: clientID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		OrderType:     req.OrderType,
		Quantity:      req.Quantity,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		TimeInForce:   req.TimeInForce,
		State:         models.OrderCreated,
		PreviousState: models.OrderCreated,
		Priority:      priority,
		Metadata:      metadata,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	m.mu.Lock()
	if _, exists := m.byClient[clientID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("duplicate client order id %s", clientID)
	}
	m.orders[order.ID] = order
	m.byClient[clientID] = order.ID
	m.mu.Unlock()

	return order, nil
}

// Apply drives an event through the state machine.
func (m *Manager) Apply(orderID string, event models.OrderEvent, reason string) error {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("order not found: %s", orderID)
	}
	from := order.State
	to, err := models.NextState(from, event)
	if err != nil {
		m.mu.Unlock()
		if m.config.ValidateTransitions {
			return err
		}
		m.logger.Printf("Unvalidated transition %s from %s on order %s", event, from, orderID)
		return nil
	}
	m.transitionLocked(order, event, from, to, reason)
	snapshot := *order
	m.mu.Unlock()

	if m.OnStateChange != nil {
		m.OnStateChange(&snapshot, from, to)
	}
	return nil
}

// Acknowledge records the broker's acceptance, assigning the broker order id
// exactly once and transitioning SUBMITTING -> SUBMITTED.
func (m *Manager) Acknowledge(orderID, brokerOrderID string) error {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("order not found: %s", orderID)
	}
	if order.BrokerOrderID != "" && order.BrokerOrderID != brokerOrderID {
		m.mu.Unlock()
		return fmt.Errorf("order %s already has broker id %s", orderID, order.BrokerOrderID)
	}
	from := order.State
	to, err := models.NextState(from, models.EventAcknowledge)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if order.BrokerOrderID == "" {
		order.BrokerOrderID = brokerOrderID
		m.byBroker[brokerOrderID] = order.ID
	}
	now := time.Now().UTC()
	order.SubmittedAt = &now
	m.transitionLocked(order, models.EventAcknowledge, from, to, "broker ack "+brokerOrderID)
	snapshot := *order
	m.mu.Unlock()

	if m.OnStateChange != nil {
		m.OnStateChange(&snapshot, from, to)
	}
	return nil
}

// RecordFill applies one execution. It emits FILL when the order is complete
// and PARTIAL_FILL on the first partial; subsequent partial fills keep the
// PARTIAL state without another transition.
func (m *Manager) RecordFill(orderID string, qty, price float64) error {
	if qty <= 0 {
		return fmt.Errorf("fill quantity must be positive, got %.4f", qty)
	}

	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("order not found: %s", orderID)
	}
	if order.State.IsTerminal() {
		m.mu.Unlock()
		return fmt.Errorf("fill on terminal order %s (%s)", orderID, order.State)
	}
	if order.State != models.OrderSubmitted && order.State != models.OrderPartial {
		m.mu.Unlock()
		return fmt.Errorf("fill on order %s in state %s", orderID, order.State)
	}
	if order.FilledQty+qty > order.Quantity+1e-9 {
		m.mu.Unlock()
		return fmt.Errorf("fill %.4f exceeds remaining %.4f on order %s", qty, order.RemainingQty(), orderID)
	}

	fill := models.Fill{Quantity: qty, Price: price, At: time.Now().UTC()}
	order.Fills = append(order.Fills, fill)
	notional := order.AvgFillPrice*order.FilledQty + price*qty
	order.FilledQty += qty
	order.AvgFillPrice = notional / order.FilledQty

	from := order.State
	var to models.OrderState
	var event models.OrderEvent
	if order.RemainingQty() <= 1e-9 {
		event, to = models.EventFill, models.OrderFilled
	} else {
		event, to = models.EventPartialFill, models.OrderPartial
	}
	changed := from != to
	if changed {
		m.transitionLocked(order, event, from, to, fmt.Sprintf("fill %.4f@%.4f", qty, price))
	} else {
		order.UpdatedAt = fill.At
	}
	snapshot := *order
	m.mu.Unlock()

	if m.OnFill != nil {
		m.OnFill(&snapshot, fill)
	}
	if changed && m.OnStateChange != nil {
		m.OnStateChange(&snapshot, from, to)
	}
	return nil
}

// transitionLocked mutates order state; callers hold m.mu.
func (m *Manager) transitionLocked(order *models.ManagedOrder, event models.OrderEvent, from, to models.OrderState, reason string) {
	now := time.Now().UTC()
	order.PreviousState = from
	order.State = to
	order.UpdatedAt = now
	if to.IsTerminal() {
		order.CompletedAt = &now
	}
	order.Transitions = append(order.Transitions, models.TransitionRecord{
		Event: event, From: from, To: to, Reason: reason, At: now,
	})
	if len(order.Transitions) > m.config.MaxHistoryLength {
		order.Transitions = order.Transitions[len(order.Transitions)-m.config.MaxHistoryLength:]
	}
}

// GetOrder returns a copy of the order by internal id.
func (m *Manager) GetOrder(orderID string) (*models.ManagedOrder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, false
	}
	cp := *order
	return &cp, true
}

// GetByClientOrderID resolves the client order id index.
func (m *Manager) GetByClientOrderID(clientOrderID string) (*models.ManagedOrder, bool) {
	m.mu.RLock()
	id, ok := m.byClient[clientOrderID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.GetOrder(id)
}

// GetByBrokerOrderID resolves the broker order id index.
func (m *Manager) GetByBrokerOrderID(brokerOrderID string) (*models.ManagedOrder, bool) {
	m.mu.RLock()
	id, ok := m.byBroker[brokerOrderID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.GetOrder(id)
}

// ActiveOrders returns copies of all orders in active states.
func (m *Manager) ActiveOrders() []models.ManagedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ManagedOrder
	for _, o := range m.orders {
		if o.State.IsActive() {
			out = append(out, *o)
		}
	}
	return out
}

// OrdersInState returns copies of all orders currently in the given state.
func (m *Manager) OrdersInState(state models.OrderState) []models.ManagedOrder {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ManagedOrder
	for _, o := range m.orders {
		if o.State == state {
			out = append(out, *o)
		}
	}
	return out
}

// PruneCompleted deletes terminal orders completed before the age cutoff and
// unregisters their index entries. Returns the number pruned.
func (m *Manager) PruneCompleted(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, o := range m.orders {
		if !o.State.IsTerminal() || o.CompletedAt == nil || !o.CompletedAt.Before(cutoff) {
			continue
		}
		delete(m.orders, id)
		delete(m.byClient, o.ClientOrderID)
		if o.BrokerOrderID != "" {
			delete(m.byBroker, o.BrokerOrderID)
		}
		pruned++
	}
	if pruned > 0 {
		m.logger.Printf("Pruned %d completed orders older than %s", pruned, maxAge)
	}
	return pruned
}
