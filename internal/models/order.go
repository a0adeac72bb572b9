package models

import (
	"fmt"
	"time"
)

// OrderSide is the direction of an order.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType is the execution style of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
	OrderTypeStop   OrderType = "stop"
)

// TimeInForce controls how long an order remains working.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
	TIFIOC TimeInForce = "ioc"
	TIFFOK TimeInForce = "fok"
)

// OrderState is a node in the order lifecycle graph.
type OrderState string

const (
	OrderCreated    OrderState = "CREATED"
	OrderPending    OrderState = "PENDING"
	OrderValidating OrderState = "VALIDATING"
	OrderSubmitting OrderState = "SUBMITTING"
	OrderSubmitted  OrderState = "SUBMITTED"
	OrderPartial    OrderState = "PARTIAL"
	OrderFilled     OrderState = "FILLED"
	OrderCancelled  OrderState = "CANCELLED"
	OrderRejected   OrderState = "REJECTED"
	OrderExpired    OrderState = "EXPIRED"
	OrderFailed     OrderState = "FAILED"
)

// OrderEvent drives a transition between order states.
type OrderEvent string

const (
	EventQueue       OrderEvent = "QUEUE"
	EventValidate    OrderEvent = "VALIDATE"
	EventSubmit      OrderEvent = "SUBMIT"
	EventAcknowledge OrderEvent = "ACKNOWLEDGE"
	EventPartialFill OrderEvent = "PARTIAL_FILL"
	EventFill        OrderEvent = "FILL"
	EventCancel      OrderEvent = "CANCEL"
	EventReject      OrderEvent = "REJECT"
	EventExpire      OrderEvent = "EXPIRE"
	EventFail        OrderEvent = "FAIL"
)

// OrderTransition defines a valid edge in the order lifecycle graph.
type OrderTransition struct {
	Event OrderEvent
	From  []OrderState
	To    OrderState
}

// ValidOrderTransitions is the authoritative transition table. Any event not
// listed for the current state is rejected.
var ValidOrderTransitions = []OrderTransition{
	{EventQueue, []OrderState{OrderCreated}, OrderPending},
	{EventValidate, []OrderState{OrderPending}, OrderValidating},
	{EventSubmit, []OrderState{OrderPending, OrderValidating}, OrderSubmitting},
	{EventAcknowledge, []OrderState{OrderSubmitting}, OrderSubmitted},
	{EventPartialFill, []OrderState{OrderSubmitted, OrderPartial}, OrderPartial},
	{EventFill, []OrderState{OrderSubmitted, OrderPartial}, OrderFilled},
	{EventCancel, []OrderState{OrderPending, OrderValidating, OrderSubmitting, OrderSubmitted, OrderPartial}, OrderCancelled},
	{EventReject, []OrderState{OrderCreated, OrderPending, OrderValidating, OrderSubmitting}, OrderRejected},
	{EventExpire, []OrderState{OrderSubmitted, OrderPartial}, OrderExpired},
}

// IsTerminal reports whether the state ends the order lifecycle.
func (s OrderState) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired, OrderFailed:
		return true
	default:
		return false
	}
}

// IsActive reports whether the order is live between queueing and completion.
func (s OrderState) IsActive() bool {
	switch s {
	case OrderPending, OrderValidating, OrderSubmitting, OrderSubmitted, OrderPartial:
		return true
	default:
		return false
	}
}

// NextState resolves an event against the transition table. EventFail is
// allowed from any non-terminal state.
func NextState(from OrderState, event OrderEvent) (OrderState, error) {
	if event == EventFail {
		if from.IsTerminal() {
			return "", fmt.Errorf("invalid transition: %s from terminal state %s", event, from)
		}
		return OrderFailed, nil
	}
	for _, t := range ValidOrderTransitions {
		if t.Event != event {
			continue
		}
		for _, f := range t.From {
			if f == from {
				return t.To, nil
			}
		}
	}
	return "", fmt.Errorf("invalid transition: %s from %s", event, from)
}

// TransitionRecord is one entry in an order's bounded transition log.
type TransitionRecord struct {
	Event  OrderEvent `json:"event"`
	From   OrderState `json:"from"`
	To     OrderState `json:"to"`
	Reason string     `json:"reason,omitempty"`
	At     time.Time  `json:"at"`
}

// Fill is a single execution against an order.
type Fill struct {
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	At       time.Time `json:"at"`
}

// OrderPriority orders queue drains. Higher weight drains first.
type OrderPriority string

const (
	PriorityCritical OrderPriority = "critical"
	PriorityHigh     OrderPriority = "high"
	PriorityNormal   OrderPriority = "normal"
	PriorityLow      OrderPriority = "low"
)

// Weight maps a priority to its sort weight.
func (p OrderPriority) Weight() int {
	switch p {
	case PriorityCritical:
		return 1000
	case PriorityHigh:
		return 100
	case PriorityNormal:
		return 10
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// ManagedOrder is an order tracked through the full lifecycle, from creation
// to a terminal state, with fill accounting.
type ManagedOrder struct {
	ID            string             `json:"id"`
	ClientOrderID string             `json:"client_order_id"`
	BrokerOrderID string             `json:"broker_order_id,omitempty"`
	Symbol        string             `json:"symbol"`
	Side          OrderSide          `json:"side"`
	OrderType     OrderType          `json:"order_type"`
	Quantity      float64            `json:"quantity"`
	LimitPrice    *float64           `json:"limit_price,omitempty"`
	StopPrice     *float64           `json:"stop_price,omitempty"`
	TimeInForce   TimeInForce        `json:"time_in_force"`
	State         OrderState         `json:"state"`
	PreviousState OrderState         `json:"previous_state"`
	Transitions   []TransitionRecord `json:"transitions"`
	Fills         []Fill             `json:"fills"`
	FilledQty     float64            `json:"filled_quantity"`
	AvgFillPrice  float64            `json:"avg_fill_price"`
	Priority      OrderPriority      `json:"priority"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	SubmittedAt   *time.Time         `json:"submitted_at,omitempty"`
	CompletedAt   *time.Time         `json:"completed_at,omitempty"`
}

// RemainingQty is the unfilled part of the order.
func (o *ManagedOrder) RemainingQty() float64 {
	r := o.Quantity - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}
