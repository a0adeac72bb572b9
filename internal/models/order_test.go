package models

import (
	"testing"
)

func TestOrderLifecycleHappyPath(t *testing.T) {
	steps := []struct {
		event OrderEvent
		want  OrderState
	}{
		{EventQueue, OrderPending},
		{EventValidate, OrderValidating},
		{EventSubmit, OrderSubmitting},
		{EventAcknowledge, OrderSubmitted},
		{EventPartialFill, OrderPartial},
		{EventFill, OrderFilled},
	}

	state := OrderCreated
	for _, step := range steps {
		next, err := NextState(state, step.event)
		if err != nil {
			t.Fatalf("NextState(%s, %s) error: %v", state, step.event, err)
		}
		if next != step.want {
			t.Fatalf("NextState(%s, %s) = %s, want %s", state, step.event, next, step.want)
		}
		state = next
	}
}

func TestOrderInvalidTransitions(t *testing.T) {
	cases := []struct {
		from  OrderState
		event OrderEvent
	}{
		{OrderCreated, EventSubmit},
		{OrderCreated, EventFill},
		{OrderPending, EventAcknowledge},
		{OrderSubmitting, EventFill},
		{OrderFilled, EventCancel},
		{OrderCancelled, EventQueue},
		{OrderSubmitted, EventReject},
		{OrderFilled, EventFill},
	}

	for _, c := range cases {
		if _, err := NextState(c.from, c.event); err == nil {
			t.Errorf("NextState(%s, %s) succeeded, want error", c.from, c.event)
		}
	}
}

func TestOrderFailFromAnyActiveState(t *testing.T) {
	active := []OrderState{
		OrderCreated, OrderPending, OrderValidating,
		OrderSubmitting, OrderSubmitted, OrderPartial,
	}
	for _, from := range active {
		next, err := NextState(from, EventFail)
		if err != nil {
			t.Errorf("NextState(%s, FAIL) error: %v", from, err)
			continue
		}
		if next != OrderFailed {
			t.Errorf("NextState(%s, FAIL) = %s, want FAILED", from, next)
		}
	}

	terminal := []OrderState{OrderFilled, OrderCancelled, OrderRejected, OrderExpired, OrderFailed}
	for _, from := range terminal {
		if _, err := NextState(from, EventFail); err == nil {
			t.Errorf("NextState(%s, FAIL) succeeded, want error", from)
		}
	}
}

func TestOrderStateClassification(t *testing.T) {
	for _, s := range []OrderState{OrderFilled, OrderCancelled, OrderRejected, OrderExpired, OrderFailed} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
		if s.IsActive() {
			t.Errorf("%s should not be active", s)
		}
	}
	for _, s := range []OrderState{OrderPending, OrderValidating, OrderSubmitting, OrderSubmitted, OrderPartial} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
		if !s.IsActive() {
			t.Errorf("%s should be active", s)
		}
	}
	if OrderCreated.IsTerminal() || OrderCreated.IsActive() {
		t.Error("CREATED is neither terminal nor active")
	}
}

func TestPriorityWeights(t *testing.T) {
	if PriorityCritical.Weight() <= PriorityHigh.Weight() ||
		PriorityHigh.Weight() <= PriorityNormal.Weight() ||
		PriorityNormal.Weight() <= PriorityLow.Weight() {
		t.Fatal("priority weights must be strictly decreasing")
	}
	if got := OrderPriority("bogus").Weight(); got != 0 {
		t.Fatalf("unknown priority weight = %d, want 0", got)
	}
}

func TestRemainingQtyClamped(t *testing.T) {
	o := &ManagedOrder{Quantity: 10, FilledQty: 4}
	if got := o.RemainingQty(); got != 6 {
		t.Fatalf("RemainingQty = %v, want 6", got)
	}
	o.FilledQty = 12
	if got := o.RemainingQty(); got != 0 {
		t.Fatalf("RemainingQty = %v, want 0 when overfilled", got)
	}
}
