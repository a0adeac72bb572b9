package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rfoley/tradewarden/internal/broker"
	"github.com/rfoley/tradewarden/internal/models"
	"github.com/rfoley/tradewarden/internal/storage"
)

type stubRegime struct {
	regime Regime
	err    error
}

func (s *stubRegime) Current(ctx context.Context, symbol string) (Regime, error) {
	return s.regime, s.err
}

func newTestEngine(t *testing.T) (*Engine, *storage.MockStorage, *broker.PaperBroker) {
	t.Helper()
	store := storage.NewMockStorage()
	pb := broker.NewPaperBroker()
	engine := NewEngine(store, pb, nil, nil)

	cfg := models.DefaultRiskConfig()
	cfg.TradingEnabled = true
	require.NoError(t, store.SaveRiskConfig(context.Background(), cfg))
	return engine, store, pb
}

func intent(symbol string, side models.OrderSide, qty float64) *models.OrderIntent {
	return &models.OrderIntent{Symbol: symbol, Side: side, OrderType: models.OrderTypeMarket, Quantity: qty}
}

func checkNames(d *Decision) []string {
	names := make([]string, 0, len(d.Checks))
	for _, c := range d.Checks {
		names = append(names, c.Name)
	}
	return names
}

func failedChecks(d *Decision) []string {
	var names []string
	for _, c := range d.Checks {
		if !c.Passed {
			names = append(names, c.Name)
		}
	}
	return names
}

var allCheckNames = []string{
	"trading_enabled", "symbol_allowed", "order_size",
	"position_size", "daily_loss_limit", "sanity_check",
}

func TestCheckIntentApproved(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	decision, err := engine.CheckIntent(context.Background(), intent("AAPL", models.SideBuy, 10))
	require.NoError(t, err)
	assert.True(t, decision.Approved)
	assert.Equal(t, 10.0, decision.AdjustedQuantity)
	assert.Equal(t, allCheckNames, checkNames(decision))
}

func TestKillSwitchBlocksEverything(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, engine.ActivateKillSwitch(ctx, "test"))

	decision, err := engine.CheckIntent(ctx, intent("AAPL", models.SideBuy, 1))
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	require.Len(t, decision.Checks, 1)
	assert.Equal(t, "trading_enabled", decision.Checks[0].Name)
	assert.False(t, decision.Checks[0].Passed)

	status, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.False(t, status.TradingEnabled)

	require.NoError(t, engine.DeactivateKillSwitch(ctx))
	decision, err = engine.CheckIntent(ctx, intent("AAPL", models.SideBuy, 1))
	require.NoError(t, err)
	assert.True(t, decision.Approved)
}

func TestSymbolAllowList(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	decision, err := engine.CheckIntent(ctx, intent("GME", models.SideBuy, 1))
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Equal(t, []string{"symbol_allowed"}, failedChecks(decision))
	// One failure does not stop the sequence; the decision carries every check.
	assert.Equal(t, allCheckNames, checkNames(decision))

	// Empty allow list means every symbol passes.
	cfg, _ := store.GetRiskConfig(ctx)
	cfg.AllowedSymbols = nil
	require.NoError(t, store.SaveRiskConfig(ctx, cfg))

	decision, err = engine.CheckIntent(ctx, intent("GME", models.SideBuy, 1))
	require.NoError(t, err)
	assert.True(t, decision.Approved)
}

func TestOrderSizeLimit(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	decision, err := engine.CheckIntent(context.Background(), intent("AAPL", models.SideBuy, 101))
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Equal(t, []string{"order_size"}, failedChecks(decision))
	assert.Equal(t, allCheckNames, checkNames(decision))
}

func TestMultipleFailuresAllRecorded(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	// Disallowed symbol and oversized order at once.
	decision, err := engine.CheckIntent(context.Background(), intent("GME", models.SideBuy, 500))
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Equal(t, []string{"symbol_allowed", "order_size"}, failedChecks(decision))
	assert.Equal(t, allCheckNames, checkNames(decision))
	assert.Contains(t, decision.Reason, "GME", "reason comes from the first failure")
}

func TestPositionSizeLimitCountsExistingExposure(t *testing.T) {
	engine, _, pb := newTestEngine(t)
	ctx := context.Background()
	pb.SetPosition(models.BrokerPosition{Symbol: "AAPL", Quantity: 950})

	decision, err := engine.CheckIntent(ctx, intent("AAPL", models.SideBuy, 60))
	require.NoError(t, err)
	assert.False(t, decision.Approved, "950 + 60 exceeds max 1000")

	decision, err = engine.CheckIntent(ctx, intent("AAPL", models.SideBuy, 50))
	require.NoError(t, err)
	assert.True(t, decision.Approved)

	// Selling reduces exposure.
	decision, err = engine.CheckIntent(ctx, intent("AAPL", models.SideSell, 60))
	require.NoError(t, err)
	assert.True(t, decision.Approved)
}

func TestDailyLossLimit(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, store.RecordIntent(ctx, &models.OrderIntent{
		ID: "loss-1", Symbol: "AAPL", Side: models.SideSell, Quantity: 10,
		Approved: true, RealizedPnL: -1200, CreatedAt: time.Now().UTC(),
	}))

	decision, err := engine.CheckIntent(ctx, intent("AAPL", models.SideBuy, 1))
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.Equal(t, []string{"daily_loss_limit"}, failedChecks(decision))
	assert.Equal(t, allCheckNames, checkNames(decision))

	status, err := engine.Status(ctx)
	require.NoError(t, err)
	assert.Less(t, status.DailyPnL, -1000.0)
}

func TestRegimeSizeAdjustment(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	engine.regime = &stubRegime{regime: RegimeVolExpansion}
	decision, err := engine.CheckIntent(ctx, intent("AAPL", models.SideBuy, 10))
	require.NoError(t, err)
	assert.True(t, decision.Approved)
	assert.Equal(t, 5.0, decision.AdjustedQuantity)
	names := checkNames(decision)
	assert.Equal(t, "regime_size_adjustment", names[len(names)-1])

	engine.regime = &stubRegime{regime: RegimeChop}
	decision, err = engine.CheckIntent(ctx, intent("AAPL", models.SideBuy, 10))
	require.NoError(t, err)
	assert.InDelta(t, 7.0, decision.AdjustedQuantity, 1e-9)

	engine.regime = &stubRegime{regime: RegimeTrend}
	decision, err = engine.CheckIntent(ctx, intent("AAPL", models.SideBuy, 10))
	require.NoError(t, err)
	assert.Equal(t, 10.0, decision.AdjustedQuantity)

	engine.regime = &stubRegime{regime: RegimeUntradeable}
	decision, err = engine.CheckIntent(ctx, intent("AAPL", models.SideBuy, 10))
	require.NoError(t, err)
	assert.False(t, decision.Approved)

	engine.regime = &stubRegime{err: errors.New("feed down")}
	decision, err = engine.CheckIntent(ctx, intent("AAPL", models.SideBuy, 10))
	require.NoError(t, err)
	assert.False(t, decision.Approved, "unreadable regime fails closed")
}

func TestDefaultsWhenNoConfigRow(t *testing.T) {
	store := storage.NewMockStorage()
	engine := NewEngine(store, broker.NewPaperBroker(), nil, nil)

	decision, err := engine.CheckIntent(context.Background(), intent("AAPL", models.SideBuy, 1))
	require.NoError(t, err)
	assert.False(t, decision.Approved, "defaults start with trading disabled")
}

func TestIntentPersistedWithOutcome(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	ctx := context.Background()

	in := intent("GME", models.SideBuy, 1)
	decision, err := engine.CheckIntent(ctx, in)
	require.NoError(t, err)
	assert.False(t, decision.Approved)
	assert.NotEmpty(t, in.ID)
	assert.False(t, in.Approved)
	assert.NotEmpty(t, in.Reason)

	// Rejected intents must not count toward the daily pnl.
	pnl, err := store.GetDailyRealizedPnL(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 0.0, pnl)
}

func TestUpdateConfigValidation(t *testing.T) {
	engine, _, _ := newTestEngine(t)
	ctx := context.Background()

	err := engine.UpdateConfig(ctx, &models.RiskConfig{MaxOrderSize: -1, MaxPositionSize: 1, MaxDailyLoss: 1})
	assert.Error(t, err)

	cfg := &models.RiskConfig{
		MaxOrderSize: 10, MaxPositionSize: 100, MaxDailyLoss: 50,
		AllowedSymbols: []string{" aapl "}, TradingEnabled: true,
	}
	require.NoError(t, engine.UpdateConfig(ctx, cfg))
	assert.Equal(t, []string{"AAPL"}, cfg.AllowedSymbols)
}
