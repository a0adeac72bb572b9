package oms

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfoley/tradewarden/internal/models"
)

func testRequest() models.OrderRequest {
	return models.OrderRequest{
		Symbol:    "AAPL",
		Side:      models.SideBuy,
		OrderType: models.OrderTypeMarket,
		Quantity:  10,
	}
}

func TestCreateOrderDefaults(t *testing.T) {
	m := NewManager(nil)

	order, err := m.CreateOrder(testRequest(), "", nil)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCreated, order.State)
	assert.Equal(t, models.PriorityNormal, order.Priority)
	assert.Equal(t, models.TIFDay, order.TimeInForce)
	assert.NotEmpty(t, order.ClientOrderID)

	_, err = m.CreateOrder(models.OrderRequest{Symbol: "AAPL", Side: models.SideBuy, Quantity: -1}, "", nil)
	assert.Error(t, err)

	_, err = m.CreateOrder(models.OrderRequest{Symbol: "AAPL", Side: "hold", Quantity: 1}, "", nil)
	assert.Error(t, err)
}

func TestDuplicateClientOrderID(t *testing.T) {
	m := NewManager(nil)
	req := testRequest()
	req.ClientOrderID = "dup-1"

	_, err := m.CreateOrder(req, "", nil)
	require.NoError(t, err)
	_, err = m.CreateOrder(req, "", nil)
	assert.Error(t, err)
}

func TestApplyValidatesTransitions(t *testing.T) {
	m := NewManager(nil)
	order, err := m.CreateOrder(testRequest(), "", nil)
	require.NoError(t, err)

	require.NoError(t, m.Apply(order.ID, models.EventQueue, "test"))
	// ACKNOWLEDGE from PENDING is not an edge.
	assert.Error(t, m.Apply(order.ID, models.EventAcknowledge, "test"))

	got, ok := m.GetOrder(order.ID)
	require.True(t, ok)
	assert.Equal(t, models.OrderPending, got.State)
	assert.Equal(t, models.OrderCreated, got.PreviousState)
	require.Len(t, got.Transitions, 1)
	assert.Equal(t, models.EventQueue, got.Transitions[0].Event)
}

func TestAcknowledgeSetsBrokerIDOnce(t *testing.T) {
	m := NewManager(nil)
	order, _ := m.CreateOrder(testRequest(), "", nil)
	require.NoError(t, m.Apply(order.ID, models.EventQueue, ""))
	require.NoError(t, m.Apply(order.ID, models.EventSubmit, ""))

	require.NoError(t, m.Acknowledge(order.ID, "brk-1"))
	got, _ := m.GetOrder(order.ID)
	assert.Equal(t, models.OrderSubmitted, got.State)
	assert.Equal(t, "brk-1", got.BrokerOrderID)
	assert.NotNil(t, got.SubmittedAt)

	// A different broker id for the same order is a bug upstream.
	assert.Error(t, m.Acknowledge(order.ID, "brk-2"))

	byBroker, ok := m.GetByBrokerOrderID("brk-1")
	require.True(t, ok)
	assert.Equal(t, order.ID, byBroker.ID)
}

func submittedOrder(t *testing.T, m *Manager) *models.ManagedOrder {
	t.Helper()
	order, err := m.CreateOrder(testRequest(), "", nil)
	require.NoError(t, err)
	require.NoError(t, m.Apply(order.ID, models.EventQueue, ""))
	require.NoError(t, m.Apply(order.ID, models.EventSubmit, ""))
	require.NoError(t, m.Acknowledge(order.ID, "brk-"+order.ID[:8]))
	got, _ := m.GetOrder(order.ID)
	return got
}

func TestRecordFillPartialThenComplete(t *testing.T) {
	m := NewManager(nil)
	order := submittedOrder(t, m)

	require.NoError(t, m.RecordFill(order.ID, 4, 100))
	got, _ := m.GetOrder(order.ID)
	assert.Equal(t, models.OrderPartial, got.State)
	assert.Equal(t, 4.0, got.FilledQty)
	assert.Equal(t, 100.0, got.AvgFillPrice)

	// Second partial stays in PARTIAL without a new transition record.
	transitions := len(got.Transitions)
	require.NoError(t, m.RecordFill(order.ID, 2, 103))
	got, _ = m.GetOrder(order.ID)
	assert.Equal(t, models.OrderPartial, got.State)
	assert.Len(t, got.Transitions, transitions)
	assert.InDelta(t, 101.0, got.AvgFillPrice, 1e-9)

	require.NoError(t, m.RecordFill(order.ID, 4, 104))
	got, _ = m.GetOrder(order.ID)
	assert.Equal(t, models.OrderFilled, got.State)
	assert.Equal(t, 10.0, got.FilledQty)
	assert.InDelta(t, 102.2, got.AvgFillPrice, 1e-9)
	assert.NotNil(t, got.CompletedAt)
	assert.Len(t, got.Fills, 3)
}

func TestRecordFillGuards(t *testing.T) {
	m := NewManager(nil)
	order := submittedOrder(t, m)

	assert.Error(t, m.RecordFill(order.ID, 0, 100))
	assert.Error(t, m.RecordFill(order.ID, 11, 100), "overfill must be rejected")

	require.NoError(t, m.RecordFill(order.ID, 10, 100))
	assert.Error(t, m.RecordFill(order.ID, 1, 100), "fill on terminal order must be rejected")

	fresh, _ := m.CreateOrder(testRequest(), "", nil)
	assert.Error(t, m.RecordFill(fresh.ID, 1, 100), "fill before submission must be rejected")
}

func TestCallbacks(t *testing.T) {
	m := NewManager(nil)
	var stateChanges []models.OrderState
	var fills []models.Fill
	m.OnStateChange = func(order *models.ManagedOrder, from, to models.OrderState) {
		stateChanges = append(stateChanges, to)
	}
	m.OnFill = func(order *models.ManagedOrder, fill models.Fill) {
		fills = append(fills, fill)
	}

	order := submittedOrder(t, m)
	require.NoError(t, m.RecordFill(order.ID, 10, 100))

	assert.Equal(t, []models.OrderState{
		models.OrderPending, models.OrderSubmitting, models.OrderSubmitted, models.OrderFilled,
	}, stateChanges)
	require.Len(t, fills, 1)
	assert.Equal(t, 10.0, fills[0].Quantity)
}

func TestActiveOrdersAndPrune(t *testing.T) {
	m := NewManager(nil)

	active := submittedOrder(t, m)
	done := submittedOrder(t, m)
	require.NoError(t, m.RecordFill(done.ID, 10, 100))

	actives := m.ActiveOrders()
	require.Len(t, actives, 1)
	assert.Equal(t, active.ID, actives[0].ID)

	assert.Len(t, m.OrdersInState(models.OrderFilled), 1)

	// Too recent to prune.
	assert.Equal(t, 0, m.PruneCompleted(time.Hour))
	// Zero max age prunes anything completed.
	assert.Equal(t, 1, m.PruneCompleted(0))

	_, ok := m.GetOrder(done.ID)
	assert.False(t, ok)
	_, ok = m.GetByBrokerOrderID(done.BrokerOrderID)
	assert.False(t, ok)
	_, ok = m.GetOrder(active.ID)
	assert.True(t, ok)
}
