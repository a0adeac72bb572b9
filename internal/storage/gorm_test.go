package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfoley/tradewarden/internal/models"
)

func newTestStorage(t *testing.T) *GormStorage {
	t.Helper()
	s, err := NewGormStorage(":memory:")
	require.NoError(t, err)
	return s
}

func testRule(symbol string) *models.AutomationRule {
	qty := 10.0
	return &models.AutomationRule{
		ID:           uuid.NewString(),
		RuleType:     models.RuleStopLoss,
		TriggerType:  models.TriggerPriceBelow,
		Symbol:       symbol,
		TriggerValue: 140,
		OrderSide:    models.SideSell,
		OrderType:    models.OrderTypeMarket,
		Quantity:     &qty,
		Status:       models.RuleStatusActive,
		Enabled:      true,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
}

func TestRuleRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	rule := testRule("AAPL")
	require.NoError(t, s.CreateRule(ctx, rule))

	got, err := s.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, got.ID)
	assert.Equal(t, models.RuleStopLoss, got.RuleType)
	require.NotNil(t, got.Quantity)
	assert.Equal(t, 10.0, *got.Quantity)

	got.Status = models.RuleStatusCancelled
	require.NoError(t, s.UpdateRule(ctx, got))
	got, err = s.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RuleStatusCancelled, got.Status)

	_, err = s.GetRule(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetActiveRulesFiltersBySymbol(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.CreateRule(ctx, testRule("AAPL")))
	require.NoError(t, s.CreateRule(ctx, testRule("MSFT")))
	cancelled := testRule("AAPL")
	cancelled.Status = models.RuleStatusCancelled
	require.NoError(t, s.CreateRule(ctx, cancelled))

	all, err := s.GetActiveRules(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	aapl, err := s.GetActiveRules(ctx, "aapl")
	require.NoError(t, err)
	require.Len(t, aapl, 1)
	assert.Equal(t, "AAPL", aapl[0].Symbol)
}

func TestRecordTriggerCancelsOCOSiblings(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	group := "oco_test"
	stop := testRule("AAPL")
	stop.OCOGroupID = group
	target := testRule("AAPL")
	target.RuleType = models.RuleTakeProfit
	target.TriggerType = models.TriggerPriceAbove
	target.TriggerValue = 160
	target.OCOGroupID = group
	require.NoError(t, s.CreateRule(ctx, stop))
	require.NoError(t, s.CreateRule(ctx, target))

	now := time.Now().UTC()
	stop.Status = models.RuleStatusTriggered
	stop.TriggeredAt = &now
	stop.OrderID = "order-1"
	exec := &models.AutomationExecution{
		ID:           uuid.NewString(),
		RuleID:       stop.ID,
		TriggerPrice: 140,
		Quantity:     10,
		OrderID:      "order-1",
		CreatedAt:    now,
	}
	require.NoError(t, s.RecordTrigger(ctx, stop, exec))

	got, err := s.GetRule(ctx, stop.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RuleStatusTriggered, got.Status)

	sibling, err := s.GetRule(ctx, target.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RuleStatusCancelled, sibling.Status)
	assert.False(t, sibling.Enabled)

	var execs []models.AutomationExecution
	require.NoError(t, s.db.Find(&execs, "rule_id = ?", stop.ID).Error)
	require.Len(t, execs, 1)
	assert.Equal(t, "order-1", execs[0].OrderID)
}

func TestExpireStaleRules(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	expired := testRule("AAPL")
	expired.ExpiresAt = &past
	live := testRule("MSFT")
	live.ExpiresAt = &future
	open := testRule("NVDA")
	require.NoError(t, s.CreateRule(ctx, expired))
	require.NoError(t, s.CreateRule(ctx, live))
	require.NoError(t, s.CreateRule(ctx, open))

	n, err := s.ExpireStaleRules(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, _ := s.GetRule(ctx, expired.ID)
	assert.Equal(t, models.RuleStatusExpired, got.Status)
	got, _ = s.GetRule(ctx, live.ID)
	assert.Equal(t, models.RuleStatusActive, got.Status)
}

func TestDailyRealizedPnLBounds(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, time.UTC)

	write := func(pnl float64, approved bool, at time.Time) {
		require.NoError(t, s.RecordIntent(ctx, &models.OrderIntent{
			ID: uuid.NewString(), Symbol: "AAPL", Side: models.SideSell,
			OrderType: models.OrderTypeMarket, Quantity: 1,
			Approved: approved, RealizedPnL: pnl, CreatedAt: at,
		}))
	}
	write(-300, true, today)
	write(150, true, today)
	write(-999, false, today)                     // rejected, excluded
	write(-500, true, today.Add(-24*time.Hour))   // yesterday, excluded

	pnl, err := s.GetDailyRealizedPnL(ctx, today)
	require.NoError(t, err)
	assert.InDelta(t, -150.0, pnl, 1e-9)

	// A day with no rows sums to zero rather than erroring.
	pnl, err = s.GetDailyRealizedPnL(ctx, today.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0.0, pnl)
}

func TestAlertDedupAndDismiss(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()

	found, err := s.FindTriggeredAlert(ctx, "pos-1", models.AlertTimeWarning)
	require.NoError(t, err)
	assert.Nil(t, found)

	alert := &models.Alert{
		ID: uuid.NewString(), PositionID: "pos-1", Type: models.AlertTimeWarning,
		Message: "1h left", Triggered: true, TriggeredAt: &now, CreatedAt: now,
	}
	require.NoError(t, s.CreateAlert(ctx, alert))

	found, err = s.FindTriggeredAlert(ctx, "pos-1", models.AlertTimeWarning)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, alert.ID, found.ID)

	// Other type and other position do not match.
	found, err = s.FindTriggeredAlert(ctx, "pos-1", models.AlertReview)
	require.NoError(t, err)
	assert.Nil(t, found)
	found, err = s.FindTriggeredAlert(ctx, "pos-2", models.AlertTimeWarning)
	require.NoError(t, err)
	assert.Nil(t, found)

	require.NoError(t, s.DismissAlert(ctx, alert.ID, now))
	alerts, err := s.GetAlerts(ctx, "pos-1")
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Dismissed)

	assert.ErrorIs(t, s.DismissAlert(ctx, "missing", now), ErrNotFound)
}

func TestRiskConfigRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	cfg, err := s.GetRiskConfig(ctx)
	require.NoError(t, err)
	assert.Nil(t, cfg, "no row yet")

	saved := models.DefaultRiskConfig()
	saved.TradingEnabled = true
	require.NoError(t, s.SaveRiskConfig(ctx, saved))

	cfg, err = s.GetRiskConfig(ctx)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.True(t, cfg.TradingEnabled)
	assert.Equal(t, saved.AllowedSymbols, cfg.AllowedSymbols)
}

func TestSnapshotLatestAndCleanup(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	ts, err := s.LatestSnapshotTime(ctx, "AAPL")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())

	old := now.Add(-40 * 24 * time.Hour)
	require.NoError(t, s.SaveSnapshot(ctx, &models.PositionSnapshot{Symbol: "AAPL", Timestamp: old}))
	require.NoError(t, s.SaveSnapshot(ctx, &models.PositionSnapshot{Symbol: "AAPL", Timestamp: now}))
	require.NoError(t, s.SaveSnapshot(ctx, &models.PositionSnapshot{Symbol: "MSFT", Timestamp: old}))

	ts, err = s.LatestSnapshotTime(ctx, "aapl")
	require.NoError(t, err)
	assert.True(t, ts.Equal(now))

	deleted, err := s.CleanupSnapshots(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	ts, err = s.LatestSnapshotTime(ctx, "MSFT")
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}

func TestTradingStatsHandlesNullFields(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	now := time.Now().UTC()
	reason := models.CloseTakeProfit

	win := 120.0
	loss := -40.0
	closedAt := now
	positions := []*models.ManagedPosition{
		{
			ID: uuid.NewString(), Symbol: "AAPL", Side: models.SideBuy, Quantity: 10,
			EntryPrice: 100, Confidence: 8, Status: models.PositionClosed,
			ClosedAt: &closedAt, PnL: &win, CloseReason: &reason, EnteredAt: now,
		},
		{
			ID: uuid.NewString(), Symbol: "MSFT", Side: models.SideBuy, Quantity: 5,
			EntryPrice: 300, Confidence: 6, Status: models.PositionClosed,
			ClosedAt: &closedAt, PnL: &loss, CloseReason: &reason, EnteredAt: now,
		},
		{
			// Legacy row closed before pnl tracking existed.
			ID: uuid.NewString(), Symbol: "NVDA", Side: models.SideBuy, Quantity: 1,
			EntryPrice: 500, Confidence: 7, Status: models.PositionClosed,
			ClosedAt: &closedAt, EnteredAt: now,
		},
		{
			ID: uuid.NewString(), Symbol: "SPY", Side: models.SideBuy, Quantity: 1,
			EntryPrice: 400, Confidence: 5, Status: models.PositionActive, EnteredAt: now,
		},
	}
	for _, p := range positions {
		require.NoError(t, s.CreatePosition(ctx, p))
	}

	stats, err := s.GetTradingStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalTrades, "active positions excluded")
	assert.Equal(t, 1, stats.WinningTrades)
	assert.Equal(t, 2, stats.LosingTrades, "null pnl counts as a loss")
	assert.InDelta(t, 80.0, stats.TotalPnL, 1e-9)
	assert.InDelta(t, 120.0, stats.AvgWin, 1e-9)
	assert.InDelta(t, -20.0, stats.AvgLoss, 1e-9)
	assert.InDelta(t, 7.0, stats.AvgConfidence, 1e-9)
	assert.Equal(t, 2, stats.ByCloseReason[models.CloseTakeProfit])
	assert.Equal(t, 1, stats.ByCloseReason[models.CloseUnknown])
}

func TestPositionRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	pos := &models.ManagedPosition{
		ID: uuid.NewString(), Symbol: "AAPL", Side: models.SideBuy, Quantity: 10,
		EntryPrice: 100, TakeProfitPct: 5, StopLossPct: 3, TimeStopHours: 4,
		HighWaterMark: 100, EnteredAt: time.Now().UTC(), Status: models.PositionActive,
		ScaleOutLevels: []models.ScaleOutLevel{{GainPct: 2, Fraction: 0.5}},
	}
	require.NoError(t, s.CreatePosition(ctx, pos))

	active, err := s.GetActivePositions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Len(t, active[0].ScaleOutLevels, 1)
	assert.Equal(t, 0.5, active[0].ScaleOutLevels[0].Fraction)

	_, err = s.GetPosition(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrderAuditDefaultsTimestamp(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()

	event := &models.OrderAuditEvent{OrderID: "order-1", Event: models.AuditQueued}
	require.NoError(t, s.RecordOrderAudit(ctx, event))
	assert.False(t, event.CreatedAt.IsZero())
}
