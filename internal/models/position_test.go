package models

import (
	"testing"
	"time"
)

func longPosition() *ManagedPosition {
	return &ManagedPosition{
		ID:            "p1",
		Symbol:        "AAPL",
		Side:          SideBuy,
		Quantity:      10,
		EntryPrice:    100,
		TakeProfitPct: 5,
		StopLossPct:   3,
		TimeStopHours: 4,
		HighWaterMark: 100,
		EnteredAt:     time.Now().UTC(),
		Status:        PositionActive,
	}
}

func TestDerivedLevelsLong(t *testing.T) {
	p := longPosition()
	if got := p.TakeProfitPrice(); got != 105 {
		t.Errorf("TakeProfitPrice = %v, want 105", got)
	}
	if got := p.StopLossPrice(); got != 97 {
		t.Errorf("StopLossPrice = %v, want 97", got)
	}
}

func TestDerivedLevelsShort(t *testing.T) {
	p := longPosition()
	p.Side = SideSell
	if got := p.TakeProfitPrice(); got != 95 {
		t.Errorf("short TakeProfitPrice = %v, want 95", got)
	}
	if got := p.StopLossPrice(); got != 103 {
		t.Errorf("short StopLossPrice = %v, want 103", got)
	}
}

func TestHighWaterMarkMonotone(t *testing.T) {
	p := longPosition()
	if !p.AdvanceHighWaterMark(103) {
		t.Fatal("favourable move should advance the mark")
	}
	if p.AdvanceHighWaterMark(102) {
		t.Fatal("retrace must not move the mark")
	}
	if p.AdvanceHighWaterMark(103) {
		t.Fatal("equal price must not move the mark")
	}
	if p.HighWaterMark != 103 {
		t.Fatalf("mark = %v, want 103", p.HighWaterMark)
	}

	short := longPosition()
	short.Side = SideSell
	if !short.AdvanceHighWaterMark(97) {
		t.Fatal("short favourable move is downward")
	}
	if short.AdvanceHighWaterMark(98) {
		t.Fatal("short retrace must not move the mark")
	}
}

func TestTrailingStopPrice(t *testing.T) {
	p := longPosition()
	if _, ok := p.TrailingStopPrice(); ok {
		t.Fatal("no trailing stop configured")
	}
	pct := 2.0
	p.TrailingStopPct = &pct
	p.HighWaterMark = 110
	level, ok := p.TrailingStopPrice()
	if !ok {
		t.Fatal("trailing stop should be derivable")
	}
	want := 110 * 0.98
	if level < want-1e-9 || level > want+1e-9 {
		t.Fatalf("trailing level = %v, want %v", level, want)
	}
}

func TestUnrealizedPnL(t *testing.T) {
	p := longPosition()
	if got := p.UnrealizedPnL(103); got != 30 {
		t.Errorf("long pnl = %v, want 30", got)
	}
	if got := p.UnrealizedPnLPct(103); got != 3 {
		t.Errorf("long pnl pct = %v, want 3", got)
	}

	p.Side = SideSell
	if got := p.UnrealizedPnL(103); got != -30 {
		t.Errorf("short pnl = %v, want -30", got)
	}
	if got := p.UnrealizedPnLPct(97); got != 3 {
		t.Errorf("short pnl pct = %v, want 3", got)
	}
}

func TestHoursRemainingClamped(t *testing.T) {
	p := longPosition()
	p.EnteredAt = time.Now().UTC().Add(-5 * time.Hour)
	if got := p.HoursRemaining(time.Now().UTC()); got != 0 {
		t.Fatalf("HoursRemaining past time stop = %v, want 0", got)
	}
	p.EnteredAt = time.Now().UTC().Add(-1 * time.Hour)
	got := p.HoursRemaining(time.Now().UTC())
	if got < 2.9 || got > 3.1 {
		t.Fatalf("HoursRemaining = %v, want ~3", got)
	}
}

func TestApplyCloseImmutability(t *testing.T) {
	p := longPosition()
	at := time.Now().UTC()
	if err := p.ApplyClose(105, CloseTakeProfit, at); err != nil {
		t.Fatalf("ApplyClose: %v", err)
	}
	if p.Status != PositionClosed || p.PnL == nil || *p.PnL != 50 {
		t.Fatalf("close not recorded: status=%s pnl=%v", p.Status, p.PnL)
	}
	if p.CloseReason == nil || *p.CloseReason != CloseTakeProfit {
		t.Fatal("close reason not recorded")
	}
	if err := p.ApplyClose(90, CloseStopLoss, at); err == nil {
		t.Fatal("second close must be rejected")
	}
	if *p.ClosePrice != 105 || *p.CloseReason != CloseTakeProfit {
		t.Fatal("second close mutated a closed position")
	}
}

func TestClosingSide(t *testing.T) {
	p := longPosition()
	if p.ClosingSide() != SideSell {
		t.Error("long closes with a sell")
	}
	p.Side = SideSell
	if p.ClosingSide() != SideBuy {
		t.Error("short closes with a buy")
	}
}
