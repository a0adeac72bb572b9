package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rfoley/tradewarden/internal/models"
)

// GormStorage persists the trading entities in SQLite or Postgres, chosen by
// the DSN prefix.
type GormStorage struct {
	db *gorm.DB
}

// NewGormStorage opens the database and migrates the entity tables. A
// postgres:// DSN selects Postgres; anything else is treated as a SQLite
// file path (":memory:" works for tests).
func NewGormStorage(dsn string) (*GormStorage, error) {
	var db *gorm.DB
	var err error

	gormCfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err = gorm.Open(postgres.Open(dsn), gormCfg)
	} else {
		if dir := filepath.Dir(dsn); dir != "." && dsn != ":memory:" {
			if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
				return nil, fmt.Errorf("creating storage dir: %w", mkErr)
			}
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	}
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.AutomationRule{},
		&models.AutomationExecution{},
		&models.ManagedPosition{},
		&models.Alert{},
		&models.RiskConfig{},
		&models.OrderIntent{},
		&models.OrderAuditEvent{},
		&models.PositionSnapshot{},
	); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &GormStorage{db: db}, nil
}

// --- Automation rules ---

func (s *GormStorage) CreateRule(ctx context.Context, rule *models.AutomationRule) error {
	return s.db.WithContext(ctx).Create(rule).Error
}

func (s *GormStorage) UpdateRule(ctx context.Context, rule *models.AutomationRule) error {
	return s.db.WithContext(ctx).Save(rule).Error
}

func (s *GormStorage) GetRule(ctx context.Context, id string) (*models.AutomationRule, error) {
	var rule models.AutomationRule
	err := s.db.WithContext(ctx).First(&rule, "id = ?", id).Error
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

func (s *GormStorage) GetActiveRules(ctx context.Context, symbol string) ([]models.AutomationRule, error) {
	var rules []models.AutomationRule
	q := s.db.WithContext(ctx).Where("status = ?", models.RuleStatusActive)
	if symbol != "" {
		q = q.Where("symbol = ?", strings.ToUpper(symbol))
	}
	err := q.Order("created_at ASC").Find(&rules).Error
	if IsTableMissing(err) {
		return nil, nil
	}
	return rules, err
}

func (s *GormStorage) GetAllRules(ctx context.Context, limit int) ([]models.AutomationRule, error) {
	if limit <= 0 {
		limit = 100
	}
	var rules []models.AutomationRule
	err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rules).Error
	if IsTableMissing(err) {
		return nil, nil
	}
	return rules, err
}

func (s *GormStorage) RecordTrigger(ctx context.Context, rule *models.AutomationRule, exec *models.AutomationExecution) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Siblings first so a crash between the two updates leaves the
		// group cancelled and the triggering rule eligible for a retried,
		// idempotent re-fire.
		if rule.OCOGroupID != "" {
			if err := tx.Model(&models.AutomationRule{}).
				Where("oco_group_id = ? AND status = ? AND id <> ?",
					rule.OCOGroupID, models.RuleStatusActive, rule.ID).
				Updates(map[string]interface{}{
					"status":  models.RuleStatusCancelled,
					"enabled": false,
				}).Error; err != nil {
				return fmt.Errorf("cancelling oco siblings: %w", err)
			}
		}
		if err := tx.Save(rule).Error; err != nil {
			return fmt.Errorf("updating triggered rule: %w", err)
		}
		if exec != nil {
			if err := tx.Create(exec).Error; err != nil {
				return fmt.Errorf("recording execution: %w", err)
			}
		}
		return nil
	})
}

func (s *GormStorage) ExpireStaleRules(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.AutomationRule{}).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", models.RuleStatusActive, now).
		Update("status", models.RuleStatusExpired)
	if IsTableMissing(res.Error) {
		return 0, nil
	}
	return res.RowsAffected, res.Error
}

// --- Managed positions and alerts ---

func (s *GormStorage) CreatePosition(ctx context.Context, pos *models.ManagedPosition) error {
	return s.db.WithContext(ctx).Create(pos).Error
}

func (s *GormStorage) UpdatePosition(ctx context.Context, pos *models.ManagedPosition) error {
	return s.db.WithContext(ctx).Save(pos).Error
}

func (s *GormStorage) GetPosition(ctx context.Context, id string) (*models.ManagedPosition, error) {
	var pos models.ManagedPosition
	err := s.db.WithContext(ctx).First(&pos, "id = ?", id).Error
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pos, nil
}

func (s *GormStorage) GetActivePositions(ctx context.Context) ([]models.ManagedPosition, error) {
	var positions []models.ManagedPosition
	err := s.db.WithContext(ctx).
		Where("status = ?", models.PositionActive).
		Order("entered_at ASC").
		Find(&positions).Error
	if IsTableMissing(err) {
		return nil, nil
	}
	return positions, err
}

func (s *GormStorage) CreateAlert(ctx context.Context, alert *models.Alert) error {
	return s.db.WithContext(ctx).Create(alert).Error
}

func (s *GormStorage) GetAlerts(ctx context.Context, positionID string) ([]models.Alert, error) {
	var alerts []models.Alert
	err := s.db.WithContext(ctx).
		Where("position_id = ?", positionID).
		Order("created_at ASC").
		Find(&alerts).Error
	if IsTableMissing(err) {
		return nil, nil
	}
	return alerts, err
}

func (s *GormStorage) FindTriggeredAlert(ctx context.Context, positionID string, alertType models.AlertType) (*models.Alert, error) {
	var alert models.Alert
	err := s.db.WithContext(ctx).
		Where("position_id = ? AND type = ? AND triggered = ?", positionID, alertType, true).
		First(&alert).Error
	if isNotFound(err) || IsTableMissing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &alert, nil
}

func (s *GormStorage) DismissAlert(ctx context.Context, alertID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&models.Alert{}).
		Where("id = ?", alertID).
		Updates(map[string]interface{}{"dismissed": true, "dismissed_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Risk ---

func (s *GormStorage) GetRiskConfig(ctx context.Context) (*models.RiskConfig, error) {
	var cfg models.RiskConfig
	err := s.db.WithContext(ctx).Order("updated_at DESC").First(&cfg).Error
	if isNotFound(err) || IsTableMissing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *GormStorage) SaveRiskConfig(ctx context.Context, cfg *models.RiskConfig) error {
	cfg.UpdatedAt = time.Now().UTC()
	return s.db.WithContext(ctx).Save(cfg).Error
}

func (s *GormStorage) RecordIntent(ctx context.Context, intent *models.OrderIntent) error {
	return s.db.WithContext(ctx).Create(intent).Error
}

func (s *GormStorage) GetDailyRealizedPnL(ctx context.Context, day time.Time) (float64, error) {
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	var result struct{ Total float64 }
	err := s.db.WithContext(ctx).Model(&models.OrderIntent{}).
		Select("COALESCE(SUM(realized_pnl), 0) as total").
		Where("approved = ? AND created_at >= ? AND created_at < ?", true, dayStart, dayStart.Add(24*time.Hour)).
		Scan(&result).Error
	if IsTableMissing(err) {
		return 0, nil
	}
	return result.Total, err
}

// --- Snapshots ---

func (s *GormStorage) SaveSnapshot(ctx context.Context, snap *models.PositionSnapshot) error {
	return s.db.WithContext(ctx).Create(snap).Error
}

func (s *GormStorage) LatestSnapshotTime(ctx context.Context, symbol string) (time.Time, error) {
	var snap models.PositionSnapshot
	err := s.db.WithContext(ctx).
		Where("symbol = ?", strings.ToUpper(symbol)).
		Order("timestamp DESC").
		First(&snap).Error
	if isNotFound(err) || IsTableMissing(err) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return snap.Timestamp, nil
}

func (s *GormStorage) CleanupSnapshots(ctx context.Context, olderThan time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("timestamp < ?", olderThan).
		Delete(&models.PositionSnapshot{})
	if IsTableMissing(res.Error) {
		return 0, nil
	}
	return res.RowsAffected, res.Error
}

// --- Order audit trail ---

func (s *GormStorage) RecordOrderAudit(ctx context.Context, event *models.OrderAuditEvent) error {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	return s.db.WithContext(ctx).Create(event).Error
}

// --- Analytics ---

// GetTradingStats aggregates closed managed positions. A NULL pnl counts as
// zero and a losing trade; a NULL close reason counts under UNKNOWN.
func (s *GormStorage) GetTradingStats(ctx context.Context) (*models.TradingStats, error) {
	var closed []models.ManagedPosition
	err := s.db.WithContext(ctx).
		Where("status = ?", models.PositionClosed).
		Find(&closed).Error
	if IsTableMissing(err) {
		return emptyStats(), nil
	}
	if err != nil {
		return nil, err
	}

	stats := emptyStats()
	var winSum, lossSum, confSum float64
	for _, p := range closed {
		pnl := 0.0
		if p.PnL != nil {
			pnl = *p.PnL
		}
		stats.TotalTrades++
		stats.TotalPnL += pnl
		confSum += float64(p.Confidence)
		if pnl > 0 {
			stats.WinningTrades++
			winSum += pnl
		} else {
			stats.LosingTrades++
			lossSum += pnl
		}
		reason := models.CloseUnknown
		if p.CloseReason != nil {
			reason = *p.CloseReason
		}
		stats.ByCloseReason[reason]++
	}
	if stats.TotalTrades > 0 {
		stats.WinRate = float64(stats.WinningTrades) / float64(stats.TotalTrades)
		stats.AvgConfidence = confSum / float64(stats.TotalTrades)
	}
	if stats.WinningTrades > 0 {
		stats.AvgWin = winSum / float64(stats.WinningTrades)
	}
	if stats.LosingTrades > 0 {
		stats.AvgLoss = lossSum / float64(stats.LosingTrades)
	}
	return stats, nil
}

func emptyStats() *models.TradingStats {
	return &models.TradingStats{ByCloseReason: make(map[models.CloseReason]int)}
}
