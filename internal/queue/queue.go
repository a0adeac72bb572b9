// Package queue serialises outbound orders: priority ordering, broker
// rate-limit pacing, retry fan-in, and audit logging.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rfoley/tradewarden/internal/breaker"
	"github.com/rfoley/tradewarden/internal/broker"
	"github.com/rfoley/tradewarden/internal/models"
	"github.com/rfoley/tradewarden/internal/oms"
	"github.com/rfoley/tradewarden/internal/retry"
	"github.com/rfoley/tradewarden/internal/storage"
)

// ErrAlreadyProcessing is returned when ProcessQueue is re-entered while a
// previous drain is still in flight.
var ErrAlreadyProcessing = errors.New("queue already processing")

// Config controls queue pacing and retry behaviour.
type Config struct {
	// RateLimitDelay is the minimum spacing between submissions; the
	// default respects the broker's 10/s budget.
	RateLimitDelay time.Duration
	// MaxRetries bounds queue-level re-enqueues per order.
	MaxRetries int
	// RetryDelay scales linearly with the retry count.
	RetryDelay time.Duration
	// Retry configures the inner per-submission retry engine.
	Retry retry.Config
}

// DefaultConfig is the default queue configuration.
var DefaultConfig = Config{
	RateLimitDelay: 100 * time.Millisecond,
	MaxRetries:     3,
	RetryDelay:     time.Second,
	Retry:          retry.DefaultConfig,
}

type item struct {
	orderID    string
	priority   models.OrderPriority
	createdAt  time.Time
	retryCount int
	notBefore  time.Time
}

// Queue is the per-process outbound order queue.
type Queue struct {
	oms    *oms.Manager
	broker broker.Broker
	store  storage.Interface
	logger *log.Logger
	config Config

	limiter *rate.Limiter

	mu         sync.Mutex
	pending    []*item
	processing bool
}

// New creates an order queue. Broker, OMS, and storage are required.
func New(b broker.Broker, o *oms.Manager, store storage.Interface, logger *log.Logger, config ...Config) *Queue {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.RateLimitDelay <= 0 {
		cfg.RateLimitDelay = DefaultConfig.RateLimitDelay
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig.RetryDelay
	}
	if logger == nil {
		logger = log.New(os.Stderr, "queue: ", log.LstdFlags)
	}
	if b == nil {
		panic("queue.New: broker must not be nil")
	}
	if o == nil {
		panic("queue.New: oms manager must not be nil")
	}
	if store == nil {
		panic("queue.New: storage must not be nil")
	}
	return &Queue{
		oms:     o,
		broker:  b,
		store:   store,
		logger:  logger,
		config:  cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.RateLimitDelay), 1),
	}
}

// Enqueue registers an order with the OMS and queues it for submission.
func (q *Queue) Enqueue(ctx context.Context, req models.OrderRequest, priority models.OrderPriority, metadata map[string]string) (*models.ManagedOrder, error) {
	order, err := q.oms.CreateOrder(req, priority, metadata)
	if err != nil {
		return nil, err
	}
	if err := q.oms.Apply(order.ID, models.EventQueue, "queued"); err != nil {
		return nil, err
	}
	q.audit(ctx, order.ID, models.AuditQueued, fmt.Sprintf("%s %s %.4f %s", req.Side, req.Symbol, req.Quantity, priority))

	q.mu.Lock()
	q.pending = append(q.pending, &item{
		orderID:   order.ID,
		priority:  priority,
		createdAt: order.CreatedAt,
	})
	q.mu.Unlock()

	updated, _ := q.oms.GetOrder(order.ID)
	return updated, nil
}

// SubmitNow registers the order and drives it through submission in the same
// call, still paced by the rate limiter. Trigger paths that must observe the
// broker acknowledgement before committing their own state use it instead of
// Enqueue. Failures are not requeued: the order FAILs and the error is
// returned so the caller keeps its own retry cadence.
func (q *Queue) SubmitNow(ctx context.Context, req models.OrderRequest, priority models.OrderPriority, metadata map[string]string) (*models.ManagedOrder, error) {
	order, err := q.oms.CreateOrder(req, priority, metadata)
	if err != nil {
		return nil, err
	}
	if err := q.oms.Apply(order.ID, models.EventQueue, "queued"); err != nil {
		return nil, err
	}
	q.audit(ctx, order.ID, models.AuditQueued, fmt.Sprintf("%s %s %.4f %s immediate", req.Side, req.Symbol, req.Quantity, priority))

	// An exhausted retry budget routes any failure to FAIL instead of a
	// requeue.
	it := &item{
		orderID:    order.ID,
		priority:   priority,
		createdAt:  order.CreatedAt,
		retryCount: q.config.MaxRetries,
	}
	if err := q.limiter.Wait(ctx); err != nil {
		_ = q.handleSubmitFailure(ctx, it, err)
		updated, _ := q.oms.GetOrder(order.ID)
		return updated, err
	}
	err = q.submitOne(ctx, it)
	updated, _ := q.oms.GetOrder(order.ID)
	return updated, err
}

// EnqueueMarket queues a market order at normal priority.
func (q *Queue) EnqueueMarket(ctx context.Context, symbol string, side models.OrderSide, qty float64) (*models.ManagedOrder, error) {
	return q.Enqueue(ctx, models.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		OrderType:   models.OrderTypeMarket,
		Quantity:    qty,
		TimeInForce: models.TIFDay,
	}, models.PriorityNormal, nil)
}

// EnqueueLimit queues a limit order at normal priority.
func (q *Queue) EnqueueLimit(ctx context.Context, symbol string, side models.OrderSide, qty, limitPrice float64) (*models.ManagedOrder, error) {
	return q.Enqueue(ctx, models.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		OrderType:   models.OrderTypeLimit,
		Quantity:    qty,
		LimitPrice:  &limitPrice,
		TimeInForce: models.TIFGTC,
	}, models.PriorityNormal, nil)
}

// EnqueueStopLoss queues a protective stop at critical priority.
func (q *Queue) EnqueueStopLoss(ctx context.Context, symbol string, side models.OrderSide, qty, stopPrice float64) (*models.ManagedOrder, error) {
	return q.Enqueue(ctx, models.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		OrderType:   models.OrderTypeStop,
		Quantity:    qty,
		StopPrice:   &stopPrice,
		TimeInForce: models.TIFGTC,
	}, models.PriorityCritical, nil)
}

// EnqueueBracket queues an entry with its protective stop and profit target.
// Children carry metadata linking back to the entry order.
func (q *Queue) EnqueueBracket(ctx context.Context, symbol string, side models.OrderSide, qty, stopPrice, targetPrice float64) (entry, stop, target *models.ManagedOrder, err error) {
	entry, err = q.Enqueue(ctx, models.OrderRequest{
		Symbol:      symbol,
		Side:        side,
		OrderType:   models.OrderTypeMarket,
		Quantity:    qty,
		TimeInForce: models.TIFDay,
	}, models.PriorityHigh, map[string]string{"bracket": "entry"})
	if err != nil {
		return nil, nil, nil, err
	}

	exitSide := models.SideSell
	if side == models.SideSell {
		exitSide = models.SideBuy
	}
	childMeta := map[string]string{"bracket": "child", "bracket_entry": entry.ID}

	stop, err = q.Enqueue(ctx, models.OrderRequest{
		Symbol:      symbol,
		Side:        exitSide,
		OrderType:   models.OrderTypeStop,
		Quantity:    qty,
		StopPrice:   &stopPrice,
		TimeInForce: models.TIFGTC,
	}, models.PriorityCritical, childMeta)
	if err != nil {
		return entry, nil, nil, err
	}

	target, err = q.Enqueue(ctx, models.OrderRequest{
		Symbol:      symbol,
		Side:        exitSide,
		OrderType:   models.OrderTypeLimit,
		Quantity:    qty,
		LimitPrice:  &targetPrice,
		TimeInForce: models.TIFGTC,
	}, models.PriorityHigh, childMeta)
	return entry, stop, target, err
}

// PendingCount reports how many orders are waiting for submission.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// ProcessQueue drains pending orders in priority order, pacing submissions
// against the broker rate budget. Returns the number submitted.
func (q *Queue) ProcessQueue(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.processing {
		q.mu.Unlock()
		return 0, ErrAlreadyProcessing
	}
	q.processing = true

	now := time.Now().UTC()
	var batch, later []*item
	for _, it := range q.pending {
		if it.notBefore.After(now) {
			later = append(later, it)
		} else {
			batch = append(batch, it)
		}
	}
	q.pending = later
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.mu.Unlock()
	}()

	sort.SliceStable(batch, func(i, j int) bool {
		wi, wj := batch[i].priority.Weight(), batch[j].priority.Weight()
		if wi != wj {
			return wi > wj
		}
		return batch[i].createdAt.Before(batch[j].createdAt)
	})

	submitted := 0
	for _, it := range batch {
		if err := q.limiter.Wait(ctx); err != nil {
			q.requeue(it)
			return submitted, err
		}
		if err := q.submitOne(ctx, it); err == nil {
			submitted++
		}
	}
	return submitted, nil
}

// submitOne pushes a single order through SUBMITTING and the broker call,
// classifying failures into requeue or FAIL.
func (q *Queue) submitOne(ctx context.Context, it *item) error {
	order, ok := q.oms.GetOrder(it.orderID)
	if !ok {
		return fmt.Errorf("order %s no longer tracked", it.orderID)
	}
	if order.State == models.OrderPending || order.State == models.OrderValidating {
		if err := q.oms.Apply(it.orderID, models.EventSubmit, "queue drain"); err != nil {
			return err
		}
	} else if order.State != models.OrderSubmitting {
		// Cancelled or failed while waiting in the queue.
		return fmt.Errorf("order %s in state %s, skipping", it.orderID, order.State)
	}

	req := models.OrderRequest{
		Symbol:        order.Symbol,
		Side:          order.Side,
		OrderType:     order.OrderType,
		Quantity:      order.Quantity,
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
		TimeInForce:   order.TimeInForce,
		ClientOrderID: order.ClientOrderID,
	}

	cfg := q.config.Retry
	cfg.IsRetryable = func(err error) bool {
		// The breaker already fails fast; inner retries would only burn
		// the probe budget.
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return false
		}
		return retry.DefaultIsRetryable(err)
	}
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		q.logger.Printf("Submit retry %d for order %s in %s: %v", attempt, it.orderID, delay, err)
	}

	result := retry.DoSafe(ctx, cfg, func(ctx context.Context) (*models.BrokerOrder, error) {
		return q.broker.SubmitOrder(ctx, req)
	})
	if !result.Success {
		return q.handleSubmitFailure(ctx, it, result.Err)
	}

	resp := result.Data
	if err := q.applyBrokerStatus(ctx, it.orderID, resp); err != nil {
		q.logger.Printf("Broker status mapping failed for order %s: %v", it.orderID, err)
		return err
	}
	q.audit(ctx, it.orderID, models.AuditSubmitted, fmt.Sprintf("broker id %s status %s", resp.ID, resp.Status))
	return nil
}

// applyBrokerStatus maps a broker order response onto OMS transitions.
func (q *Queue) applyBrokerStatus(ctx context.Context, orderID string, resp *models.BrokerOrder) error {
	status := strings.ToLower(resp.Status)
	if status == "rejected" {
		return q.oms.Apply(orderID, models.EventReject, "broker rejected")
	}

	if err := q.oms.Acknowledge(orderID, resp.ID); err != nil {
		return err
	}
	switch status {
	case "new", "accepted", "pending_new":
		// SUBMITTED is the ack itself.
		return nil
	case "filled":
		order, _ := q.oms.GetOrder(orderID)
		qty := order.RemainingQty()
		if resp.FilledQty > 0 {
			qty = resp.FilledQty - order.FilledQty
		}
		if qty <= 0 {
			return nil
		}
		return q.oms.RecordFill(orderID, qty, resp.FilledAvgPrice)
	case "partially_filled":
		order, _ := q.oms.GetOrder(orderID)
		delta := resp.FilledQty - order.FilledQty
		if delta <= 0 {
			return nil
		}
		return q.oms.RecordFill(orderID, delta, resp.FilledAvgPrice)
	case "canceled", "cancelled":
		return q.oms.Apply(orderID, models.EventCancel, "broker canceled")
	default:
		q.logger.Printf("Unknown broker status %q for order %s", resp.Status, orderID)
		return nil
	}
}

// handleSubmitFailure requeues retryable failures with linear backoff and
// fails the rest.
func (q *Queue) handleSubmitFailure(ctx context.Context, it *item, err error) error {
	retryable := errors.Is(err, breaker.ErrCircuitOpen) || retry.DefaultIsRetryable(err)
	if retryable && it.retryCount < q.config.MaxRetries {
		it.retryCount++
		it.notBefore = time.Now().UTC().Add(q.config.RetryDelay * time.Duration(it.retryCount))
		q.requeue(it)
		q.audit(ctx, it.orderID, models.AuditRetry, fmt.Sprintf("attempt %d: %v", it.retryCount, err))
		q.logger.Printf("Requeued order %s (retry %d/%d): %v", it.orderID, it.retryCount, q.config.MaxRetries, err)
		return err
	}

	if applyErr := q.oms.Apply(it.orderID, models.EventFail, err.Error()); applyErr != nil {
		q.logger.Printf("Failed to fail order %s: %v", it.orderID, applyErr)
	}
	q.audit(ctx, it.orderID, models.AuditFailed, err.Error())
	return err
}

func (q *Queue) requeue(it *item) {
	q.mu.Lock()
	q.pending = append(q.pending, it)
	q.mu.Unlock()
}

// Cancel cancels an order. Orders still local transition directly to
// CANCELLED; submitted orders must first succeed against the broker cancel
// endpoint.
func (q *Queue) Cancel(ctx context.Context, orderID string) error {
	order, ok := q.oms.GetOrder(orderID)
	if !ok {
		return fmt.Errorf("order not found: %s", orderID)
	}

	switch order.State {
	case models.OrderPending, models.OrderValidating:
		q.mu.Lock()
		kept := q.pending[:0]
		for _, it := range q.pending {
			if it.orderID != orderID {
				kept = append(kept, it)
			}
		}
		q.pending = kept
		q.mu.Unlock()
		if err := q.oms.Apply(orderID, models.EventCancel, "local cancel"); err != nil {
			return err
		}
	case models.OrderSubmitted, models.OrderPartial:
		if err := q.broker.CancelOrder(ctx, order.BrokerOrderID); err != nil {
			return fmt.Errorf("broker cancel %s: %w", order.BrokerOrderID, err)
		}
		if err := q.oms.Apply(orderID, models.EventCancel, "broker cancel"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("cannot cancel order %s in state %s", orderID, order.State)
	}

	q.audit(ctx, orderID, models.AuditCancelled, string(order.State))
	return nil
}

// SyncOrderStatuses reconciles SUBMITTED/PARTIAL orders against the broker
// in one batch, updating fills and terminal states.
func (q *Queue) SyncOrderStatuses(ctx context.Context) error {
	working := append(q.oms.OrdersInState(models.OrderSubmitted), q.oms.OrdersInState(models.OrderPartial)...)
	if len(working) == 0 {
		return nil
	}

	brokerOrders, err := q.broker.GetOrders(ctx, "all")
	if err != nil {
		return fmt.Errorf("fetching broker orders: %w", err)
	}
	byID := make(map[string]models.BrokerOrder, len(brokerOrders))
	for _, bo := range brokerOrders {
		byID[bo.ID] = bo
	}

	for _, order := range working {
		bo, ok := byID[order.BrokerOrderID]
		if !ok {
			continue
		}
		if delta := bo.FilledQty - order.FilledQty; delta > 0 {
			if err := q.oms.RecordFill(order.ID, delta, bo.FilledAvgPrice); err != nil {
				q.logger.Printf("Sync fill failed for order %s: %v", order.ID, err)
				continue
			}
			q.audit(ctx, order.ID, models.AuditStatusUpdated, fmt.Sprintf("fill delta %.4f", delta))
		}
		switch strings.ToLower(bo.Status) {
		case "canceled", "cancelled":
			if err := q.oms.Apply(order.ID, models.EventCancel, "broker sync"); err == nil {
				q.audit(ctx, order.ID, models.AuditStatusUpdated, "canceled")
			}
		case "expired":
			if err := q.oms.Apply(order.ID, models.EventExpire, "broker sync"); err == nil {
				q.audit(ctx, order.ID, models.AuditStatusUpdated, "expired")
			}
		}
	}
	return nil
}

func (q *Queue) audit(ctx context.Context, orderID, event, detail string) {
	err := q.store.RecordOrderAudit(ctx, &models.OrderAuditEvent{
		OrderID: orderID,
		Event:   event,
		Detail:  detail,
	})
	if err != nil && !storage.IsTableMissing(err) {
		q.logger.Printf("Audit write failed for order %s %s: %v", orderID, event, err)
	}
}
