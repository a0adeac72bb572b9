// Package monitor drives the periodic evaluation loop: rule triggers,
// position exits, snapshots, queue draining, and retention housekeeping.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rfoley/tradewarden/internal/broker"
	"github.com/rfoley/tradewarden/internal/models"
	"github.com/rfoley/tradewarden/internal/oms"
	"github.com/rfoley/tradewarden/internal/positions"
	"github.com/rfoley/tradewarden/internal/queue"
	"github.com/rfoley/tradewarden/internal/rules"
	"github.com/rfoley/tradewarden/internal/storage"
)

// Config controls loop cadence and retention.
type Config struct {
	// Interval is the tick period. Each tick gets a deadline of half the
	// interval so a slow tick cannot bleed into the next.
	Interval time.Duration
	// SnapshotThrottle is the minimum gap between snapshots per symbol.
	SnapshotThrottle time.Duration
	// SnapshotRetention bounds the snapshot time series.
	SnapshotRetention time.Duration
	// PruneMaxAge bounds how long terminal orders stay in the OMS book.
	PruneMaxAge time.Duration
	// HousekeepingInterval spaces the cleanup pass.
	HousekeepingInterval time.Duration
}

// DefaultConfig is the default monitor configuration.
var DefaultConfig = Config{
	Interval:             10 * time.Second,
	SnapshotThrottle:     60 * time.Second,
	SnapshotRetention:    30 * 24 * time.Hour,
	PruneMaxAge:          24 * time.Hour,
	HousekeepingInterval: time.Hour,
}

// TickResult aggregates everything one tick did.
type TickResult struct {
	RulesChecked     int                   `json:"rules_checked"`
	RulesTriggered   int                   `json:"rules_triggered"`
	TriggeredRules   []rules.TriggeredRule `json:"triggered_rules,omitempty"`
	PositionsChecked int                   `json:"positions_checked"`
	PositionsClosed  int                   `json:"positions_closed"`
	AlertsCreated    int                   `json:"alerts_created"`
	OrdersSubmitted  int                   `json:"orders_submitted"`
	Snapshots        int                   `json:"snapshots"`
	Errors           []string              `json:"errors,omitempty"`
	StartedAt        time.Time             `json:"started_at"`
	Duration         time.Duration         `json:"duration"`
}

// Monitor owns the scheduled loop.
type Monitor struct {
	store     storage.Interface
	broker    broker.Broker
	rules     *rules.Engine
	positions *positions.Engine
	queue     *queue.Queue
	oms       *oms.Manager
	logger    *log.Logger
	config    Config

	tickMu  sync.Mutex
	running bool

	mu       sync.Mutex
	lastTick *TickResult
	lastSnap map[string]time.Time

	stop chan struct{}
	done chan struct{}
}

// New creates a monitor.
func New(store storage.Interface, b broker.Broker, r *rules.Engine, p *positions.Engine, q *queue.Queue, o *oms.Manager, logger *log.Logger, config ...Config) *Monitor {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig.Interval
	}
	if cfg.SnapshotThrottle <= 0 {
		cfg.SnapshotThrottle = DefaultConfig.SnapshotThrottle
	}
	if cfg.SnapshotRetention <= 0 {
		cfg.SnapshotRetention = DefaultConfig.SnapshotRetention
	}
	if cfg.PruneMaxAge <= 0 {
		cfg.PruneMaxAge = DefaultConfig.PruneMaxAge
	}
	if cfg.HousekeepingInterval <= 0 {
		cfg.HousekeepingInterval = DefaultConfig.HousekeepingInterval
	}
	if logger == nil {
		logger = log.New(os.Stderr, "monitor: ", log.LstdFlags)
	}
	return &Monitor{
		store:     store,
		broker:    b,
		rules:     r,
		positions: p,
		queue:     q,
		oms:       o,
		logger:    logger,
		config:    cfg,
		lastSnap:  make(map[string]time.Time),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the loop until Stop or context cancellation.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Printf("Monitor starting, interval %s", m.config.Interval)
	ticker := time.NewTicker(m.config.Interval)
	housekeeping := time.NewTicker(m.config.HousekeepingInterval)
	defer ticker.Stop()
	defer housekeeping.Stop()
	defer close(m.done)

	for {
		select {
		case <-ctx.Done():
			m.logger.Printf("Monitor stopping: %v", ctx.Err())
			return
		case <-m.stop:
			m.logger.Printf("Monitor stopped")
			return
		case <-ticker.C:
			m.runTick(ctx)
		case <-housekeeping.C:
			m.runHousekeeping(ctx)
		}
	}
}

// Stop signals the loop to exit and waits for it.
func (m *Monitor) Stop() {
	close(m.stop)
	<-m.done
}

// LastTick returns the most recent tick result.
func (m *Monitor) LastTick() *TickResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastTick == nil {
		return nil
	}
	cp := *m.lastTick
	return &cp
}

func (m *Monitor) runTick(ctx context.Context) {
	tickCtx, cancel := context.WithTimeout(ctx, m.config.Interval/2)
	defer cancel()
	result := m.Tick(tickCtx)
	if result == nil {
		return
	}
	m.mu.Lock()
	m.lastTick = result
	m.mu.Unlock()
	if result.RulesTriggered > 0 || result.PositionsClosed > 0 || len(result.Errors) > 0 {
		m.logger.Printf("Tick: %d rules checked, %d triggered, %d positions closed, %d alerts, %d errors (%s)",
			result.RulesChecked, result.RulesTriggered, result.PositionsClosed,
			result.AlertsCreated, len(result.Errors), result.Duration.Round(time.Millisecond))
	}
}

// Tick runs one evaluation pass. Overlapping calls are skipped, not queued:
// a second caller returns nil immediately while the first still runs.
func (m *Monitor) Tick(ctx context.Context) *TickResult {
	if !m.tickMu.TryLock() {
		m.logger.Printf("Tick overlap, skipping")
		return nil
	}
	defer m.tickMu.Unlock()

	start := time.Now().UTC()
	result := &TickResult{StartedAt: start}

	if _, err := m.rules.ExpireStale(ctx); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("expiring rules: %v", err))
	}

	var activeRules []models.AutomationRule
	var brokerPositions []models.BrokerPosition
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		activeRules, err = m.store.GetActiveRules(gctx, "")
		if err != nil {
			return fmt.Errorf("fetching active rules: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		brokerPositions, err = m.broker.GetPositions(gctx)
		if err != nil {
			return fmt.Errorf("fetching broker positions: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	if len(activeRules) > 0 {
		eval := m.rules.EvaluateAll(ctx, activeRules)
		result.RulesChecked = eval.RulesChecked
		result.RulesTriggered = eval.RulesTriggered
		result.TriggeredRules = eval.TriggeredRules
		result.Errors = append(result.Errors, eval.Errors...)
		// Rule orders are submitted inside the evaluation pass.
		result.OrdersSubmitted += eval.RulesTriggered
	}

	result.Snapshots = m.snapshotPositions(ctx, brokerPositions, result)

	managed, err := m.store.GetActivePositions(ctx)
	if err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("fetching managed positions: %v", err))
	} else if len(managed) > 0 {
		outcome := m.positions.CheckAllPositions(ctx, managed)
		result.PositionsChecked = outcome.Checked
		result.PositionsClosed = outcome.Closed
		result.AlertsCreated = outcome.AlertsCreated
		result.Errors = append(result.Errors, outcome.Errors...)
	}

	submitted, err := m.queue.ProcessQueue(ctx)
	result.OrdersSubmitted += submitted
	if err != nil && !errors.Is(err, queue.ErrAlreadyProcessing) {
		result.Errors = append(result.Errors, fmt.Sprintf("processing queue: %v", err))
	}

	if err := m.queue.SyncOrderStatuses(ctx); err != nil {
		result.Errors = append(result.Errors, fmt.Sprintf("syncing orders: %v", err))
	}

	result.Duration = time.Since(start)
	return result
}

// snapshotPositions writes one time-series row per broker position, throttled
// per symbol.
func (m *Monitor) snapshotPositions(ctx context.Context, brokerPositions []models.BrokerPosition, result *TickResult) int {
	if len(brokerPositions) == 0 {
		return 0
	}
	now := time.Now().UTC()
	written := 0
	for _, p := range brokerPositions {
		m.mu.Lock()
		last, seen := m.lastSnap[p.Symbol]
		m.mu.Unlock()
		if !seen {
			// Cold cache after restart; ask storage for the real gap.
			if t, err := m.store.LatestSnapshotTime(ctx, p.Symbol); err == nil {
				last = t
			}
		}
		if now.Sub(last) < m.config.SnapshotThrottle {
			continue
		}
		snap := &models.PositionSnapshot{
			Symbol:        p.Symbol,
			Quantity:      p.Quantity,
			AvgEntryPrice: p.AvgEntryPrice,
			CurrentPrice:  p.CurrentPrice,
			MarketValue:   p.MarketValue,
			UnrealizedPL:  p.UnrealizedPL,
			UnrealizedPLP: p.UnrealizedPLP,
			Timestamp:     now,
		}
		if err := m.store.SaveSnapshot(ctx, snap); err != nil {
			if !storage.IsTableMissing(err) {
				result.Errors = append(result.Errors, fmt.Sprintf("snapshot %s: %v", p.Symbol, err))
			}
			continue
		}
		m.mu.Lock()
		m.lastSnap[p.Symbol] = now
		m.mu.Unlock()
		written++
	}
	return written
}

// runHousekeeping prunes old snapshots and terminal orders.
func (m *Monitor) runHousekeeping(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-m.config.SnapshotRetention)
	deleted, err := m.store.CleanupSnapshots(ctx, cutoff)
	if err != nil {
		m.logger.Printf("Snapshot cleanup failed: %v", err)
	} else if deleted > 0 {
		m.logger.Printf("Deleted %d snapshots older than %s", deleted, cutoff.Format(time.RFC3339))
	}
	m.oms.PruneCompleted(m.config.PruneMaxAge)
}
