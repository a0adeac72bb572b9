// Package storage persists rules, managed positions, alerts, snapshots, and
// risk configuration.
package storage

import (
	"context"
	"time"

	"github.com/rfoley/tradewarden/internal/models"
)

// Interface defines the contract for trading data persistence.
//
// Implementations must be safe for concurrent use - callers can assume all
// methods are goroutine-safe.
//
// Read paths translate a missing table/relation into empty results; write
// paths propagate storage errors unchanged.
type Interface interface {
	// Automation rules
	CreateRule(ctx context.Context, rule *models.AutomationRule) error
	UpdateRule(ctx context.Context, rule *models.AutomationRule) error
	GetRule(ctx context.Context, id string) (*models.AutomationRule, error)
	GetActiveRules(ctx context.Context, symbol string) ([]models.AutomationRule, error)
	GetAllRules(ctx context.Context, limit int) ([]models.AutomationRule, error)
	// RecordTrigger atomically cancels active OCO siblings, marks the rule
	// triggered, and writes the execution row. Sibling cancellation is
	// ordered before the trigger update inside the transaction.
	RecordTrigger(ctx context.Context, rule *models.AutomationRule, exec *models.AutomationExecution) error
	ExpireStaleRules(ctx context.Context, now time.Time) (int64, error)

	// Managed positions and alerts
	CreatePosition(ctx context.Context, pos *models.ManagedPosition) error
	UpdatePosition(ctx context.Context, pos *models.ManagedPosition) error
	GetPosition(ctx context.Context, id string) (*models.ManagedPosition, error)
	GetActivePositions(ctx context.Context) ([]models.ManagedPosition, error)
	CreateAlert(ctx context.Context, alert *models.Alert) error
	GetAlerts(ctx context.Context, positionID string) ([]models.Alert, error)
	// FindTriggeredAlert returns nil when no triggered alert of this type
	// exists for the position; it backs the one-shot alert guarantee.
	FindTriggeredAlert(ctx context.Context, positionID string, alertType models.AlertType) (*models.Alert, error)
	DismissAlert(ctx context.Context, alertID string, at time.Time) error

	// Risk
	GetRiskConfig(ctx context.Context) (*models.RiskConfig, error)
	SaveRiskConfig(ctx context.Context, cfg *models.RiskConfig) error
	RecordIntent(ctx context.Context, intent *models.OrderIntent) error
	GetDailyRealizedPnL(ctx context.Context, day time.Time) (float64, error)

	// Snapshots
	SaveSnapshot(ctx context.Context, snap *models.PositionSnapshot) error
	LatestSnapshotTime(ctx context.Context, symbol string) (time.Time, error)
	CleanupSnapshots(ctx context.Context, olderThan time.Time) (int64, error)

	// Order audit trail
	RecordOrderAudit(ctx context.Context, event *models.OrderAuditEvent) error

	// Analytics
	GetTradingStats(ctx context.Context) (*models.TradingStats, error)
}

// Ensure both implementations satisfy Interface.
var (
	_ Interface = (*GormStorage)(nil)
	_ Interface = (*MockStorage)(nil)
)
