package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rfoley/tradewarden/internal/models"
)

// MockStorage implements Interface in memory for tests and paper runs.
type MockStorage struct {
	mu        sync.Mutex
	rules     map[string]*models.AutomationRule
	execs     map[string]*models.AutomationExecution
	positions map[string]*models.ManagedPosition
	alerts    []*models.Alert
	config    *models.RiskConfig
	intents   []*models.OrderIntent
	snapshots []*models.PositionSnapshot
	audits    []*models.OrderAuditEvent

	// Err, when set, is returned by every method; used to exercise storage
	// failure paths.
	Err error
}

// NewMockStorage creates an empty in-memory store.
func NewMockStorage() *MockStorage {
	return &MockStorage{
		rules:     make(map[string]*models.AutomationRule),
		execs:     make(map[string]*models.AutomationExecution),
		positions: make(map[string]*models.ManagedPosition),
	}
}

func (m *MockStorage) CreateRule(ctx context.Context, rule *models.AutomationRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := *rule
	m.rules[rule.ID] = &cp
	return nil
}

func (m *MockStorage) UpdateRule(ctx context.Context, rule *models.AutomationRule) error {
	return m.CreateRule(ctx, rule)
}

func (m *MockStorage) GetRule(ctx context.Context, id string) (*models.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MockStorage) GetActiveRules(ctx context.Context, symbol string) ([]models.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []models.AutomationRule
	for _, r := range m.rules {
		if r.Status != models.RuleStatusActive {
			continue
		}
		if symbol != "" && r.Symbol != strings.ToUpper(symbol) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MockStorage) GetAllRules(ctx context.Context, limit int) ([]models.AutomationRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if limit <= 0 {
		limit = 100
	}
	var out []models.AutomationRule
	for _, r := range m.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStorage) RecordTrigger(ctx context.Context, rule *models.AutomationRule, exec *models.AutomationExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if rule.OCOGroupID != "" {
		for _, sibling := range m.rules {
			if sibling.OCOGroupID == rule.OCOGroupID &&
				sibling.Status == models.RuleStatusActive &&
				sibling.ID != rule.ID {
				sibling.Status = models.RuleStatusCancelled
				sibling.Enabled = false
			}
		}
	}
	cp := *rule
	m.rules[rule.ID] = &cp
	if exec != nil {
		ecp := *exec
		m.execs[exec.ID] = &ecp
	}
	return nil
}

func (m *MockStorage) ExpireStaleRules(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	var n int64
	for _, r := range m.rules {
		if r.Status == models.RuleStatusActive && r.IsExpired(now) {
			r.Status = models.RuleStatusExpired
			n++
		}
	}
	return n, nil
}

func (m *MockStorage) CreatePosition(ctx context.Context, pos *models.ManagedPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := *pos
	m.positions[pos.ID] = &cp
	return nil
}

func (m *MockStorage) UpdatePosition(ctx context.Context, pos *models.ManagedPosition) error {
	return m.CreatePosition(ctx, pos)
}

func (m *MockStorage) GetPosition(ctx context.Context, id string) (*models.ManagedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	p, ok := m.positions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockStorage) GetActivePositions(ctx context.Context) ([]models.ManagedPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []models.ManagedPosition
	for _, p := range m.positions {
		if p.Status == models.PositionActive {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnteredAt.Before(out[j].EnteredAt) })
	return out, nil
}

func (m *MockStorage) CreateAlert(ctx context.Context, alert *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := *alert
	m.alerts = append(m.alerts, &cp)
	return nil
}

func (m *MockStorage) GetAlerts(ctx context.Context, positionID string) ([]models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []models.Alert
	for _, a := range m.alerts {
		if a.PositionID == positionID {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (m *MockStorage) FindTriggeredAlert(ctx context.Context, positionID string, alertType models.AlertType) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, a := range m.alerts {
		if a.PositionID == positionID && a.Type == alertType && a.Triggered {
			cp := *a
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *MockStorage) DismissAlert(ctx context.Context, alertID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	for _, a := range m.alerts {
		if a.ID == alertID {
			a.Dismissed = true
			a.DismissedAt = &at
			return nil
		}
	}
	return ErrNotFound
}

func (m *MockStorage) GetRiskConfig(ctx context.Context) (*models.RiskConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.config == nil {
		return nil, nil
	}
	cp := *m.config
	return &cp, nil
}

func (m *MockStorage) SaveRiskConfig(ctx context.Context, cfg *models.RiskConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := *cfg
	cp.UpdatedAt = time.Now().UTC()
	m.config = &cp
	return nil
}

func (m *MockStorage) RecordIntent(ctx context.Context, intent *models.OrderIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := *intent
	m.intents = append(m.intents, &cp)
	return nil
}

func (m *MockStorage) GetDailyRealizedPnL(ctx context.Context, day time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	dayStart := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)
	var total float64
	for _, it := range m.intents {
		if it.Approved && !it.CreatedAt.Before(dayStart) && it.CreatedAt.Before(dayEnd) {
			total += it.RealizedPnL
		}
	}
	return total, nil
}

func (m *MockStorage) SaveSnapshot(ctx context.Context, snap *models.PositionSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := *snap
	m.snapshots = append(m.snapshots, &cp)
	return nil
}

func (m *MockStorage) LatestSnapshotTime(ctx context.Context, symbol string) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return time.Time{}, m.Err
	}
	var latest time.Time
	for _, s := range m.snapshots {
		if s.Symbol == strings.ToUpper(symbol) && s.Timestamp.After(latest) {
			latest = s.Timestamp
		}
	}
	return latest, nil
}

func (m *MockStorage) CleanupSnapshots(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	kept := m.snapshots[:0]
	var removed int64
	for _, s := range m.snapshots {
		if s.Timestamp.Before(olderThan) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	m.snapshots = kept
	return removed, nil
}

func (m *MockStorage) RecordOrderAudit(ctx context.Context, event *models.OrderAuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := *event
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.audits = append(m.audits, &cp)
	return nil
}

func (m *MockStorage) GetTradingStats(ctx context.Context) (*models.TradingStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	stats := emptyStats()
	var winSum, lossSum, confSum float64
	for _, p := range m.positions {
		if p.Status != models.PositionClosed {
			continue
		}
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

// Snapshots returns a copy of all stored snapshots; test helper.
func (m *MockStorage) Snapshots() []models.PositionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PositionSnapshot, 0, len(m.snapshots))
	for _, s := range m.snapshots {
		out = append(out, *s)
	}
	return out
}

// Audits returns a copy of the order audit trail; test helper.
func (m *MockStorage) Audits() []models.OrderAuditEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.OrderAuditEvent, 0, len(m.audits))
	for _, a := range m.audits {
		out = append(out, *a)
	}
	return out
}
