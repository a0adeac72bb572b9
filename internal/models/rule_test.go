package models

import (
	"strings"
	"testing"
	"time"
)

func fp(v float64) *float64 { return &v }

func activeRule(tt TriggerType, value float64, side OrderSide) *AutomationRule {
	return &AutomationRule{
		ID:           "r1",
		RuleType:     RuleStopLoss,
		TriggerType:  tt,
		Symbol:       "AAPL",
		TriggerValue: value,
		OrderSide:    side,
		OrderType:    OrderTypeMarket,
		Status:       RuleStatusActive,
		Enabled:      true,
	}
}

func TestRuleValidate(t *testing.T) {
	r := activeRule(TriggerPriceBelow, 150, SideSell)
	r.Symbol = " aapl "
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if r.Symbol != "AAPL" {
		t.Fatalf("symbol not normalized: %q", r.Symbol)
	}

	r = activeRule(TriggerPriceBelow, -1, SideSell)
	err := r.Validate()
	if err == nil || !strings.Contains(err.Error(), "Trigger value must be positive") {
		t.Fatalf("negative trigger: got %v", err)
	}

	r = activeRule(TriggerPercentGain, 5, SideSell)
	err = r.Validate()
	if err == nil || !strings.Contains(err.Error(), "Entry price or position ID required") {
		t.Fatalf("missing entry price: got %v", err)
	}
	r.EntryPrice = fp(100)
	if err := r.Validate(); err != nil {
		t.Fatalf("with entry price: %v", err)
	}
	r.PositionID = "p1"
	r.EntryPrice = nil
	if err := r.Validate(); err != nil {
		t.Fatalf("with position id: %v", err)
	}

	r = activeRule(TriggerPriceBelow, 150, SideSell)
	r.OrderType = OrderTypeLimit
	if err := r.Validate(); err == nil {
		t.Fatal("limit order without limit price should fail")
	}
	r.LimitPrice = fp(149)
	if err := r.Validate(); err != nil {
		t.Fatalf("limit order with price: %v", err)
	}
}

func TestRuleTriggerPrice(t *testing.T) {
	cases := []struct {
		tt    TriggerType
		value float64
		entry *float64
		want  float64
		ok    bool
	}{
		{TriggerPriceAbove, 150, nil, 150, true},
		{TriggerPriceBelow, 140, nil, 140, true},
		{TriggerPercentGain, 10, fp(100), 110, true},
		{TriggerPercentLoss, 10, fp(100), 90, true},
		{TriggerDollarGain, 5, fp(100), 105, true},
		{TriggerDollarLoss, 5, fp(100), 95, true},
		{TriggerPercentGain, 10, nil, 0, false},
	}
	for _, c := range cases {
		r := activeRule(c.tt, c.value, SideSell)
		r.EntryPrice = c.entry
		got, ok := r.TriggerPrice()
		if ok != c.ok || (ok && got != c.want) {
			t.Errorf("%s: TriggerPrice = %v,%v want %v,%v", c.tt, got, ok, c.want, c.ok)
		}
	}
}

func TestRuleShouldTriggerAbsolute(t *testing.T) {
	above := activeRule(TriggerPriceAbove, 150, SideSell)
	if above.ShouldTrigger(149.99) {
		t.Error("PRICE_ABOVE fired below threshold")
	}
	if !above.ShouldTrigger(150) {
		t.Error("PRICE_ABOVE should fire at threshold")
	}

	below := activeRule(TriggerPriceBelow, 140, SideSell)
	if below.ShouldTrigger(140.01) {
		t.Error("PRICE_BELOW fired above threshold")
	}
	if !below.ShouldTrigger(140) {
		t.Error("PRICE_BELOW should fire at threshold")
	}
}

func TestRuleShouldTriggerRelative(t *testing.T) {
	// Sell-side exit guards a long: gain means price up.
	gain := activeRule(TriggerPercentGain, 5, SideSell)
	gain.EntryPrice = fp(100)
	if gain.ShouldTrigger(104.9) {
		t.Error("PERCENT_GAIN fired early")
	}
	if !gain.ShouldTrigger(105) {
		t.Error("PERCENT_GAIN should fire at +5%")
	}

	// Buy-side exit guards a short: gain means price down.
	shortGain := activeRule(TriggerPercentGain, 5, SideBuy)
	shortGain.EntryPrice = fp(100)
	if shortGain.ShouldTrigger(105) {
		t.Error("buy-side PERCENT_GAIN fired on adverse move")
	}
	if !shortGain.ShouldTrigger(95) {
		t.Error("buy-side PERCENT_GAIN should fire at -5%")
	}

	loss := activeRule(TriggerDollarLoss, 3, SideSell)
	loss.EntryPrice = fp(100)
	if loss.ShouldTrigger(97.5) {
		t.Error("DOLLAR_LOSS fired early")
	}
	if !loss.ShouldTrigger(97) {
		t.Error("DOLLAR_LOSS should fire at -3")
	}
}

func TestRuleShouldTriggerRespectsStatus(t *testing.T) {
	r := activeRule(TriggerPriceAbove, 150, SideSell)
	r.Enabled = false
	if r.ShouldTrigger(200) {
		t.Error("disabled rule fired")
	}
	r.Enabled = true
	r.Status = RuleStatusTriggered
	if r.ShouldTrigger(200) {
		t.Error("triggered rule fired again")
	}
}

func TestTrailingHighWaterMark(t *testing.T) {
	r := activeRule(TriggerPriceBelow, 2, SideSell)
	r.RuleType = RuleTrailingStop

	if !r.AdvanceHighWaterMark(100) {
		t.Fatal("first price should initialize the mark")
	}
	if !r.AdvanceHighWaterMark(105) {
		t.Fatal("higher price should advance the mark for a sell rule")
	}
	if r.AdvanceHighWaterMark(104) {
		t.Fatal("lower price must not advance the mark")
	}
	if *r.HighWaterMark != 105 {
		t.Fatalf("mark = %v, want 105", *r.HighWaterMark)
	}

	level, ok := r.TrailingStopPrice()
	if !ok {
		t.Fatal("trailing stop price should be derivable")
	}
	want := 105 * 0.98
	if level < want-1e-9 || level > want+1e-9 {
		t.Fatalf("trailing level = %v, want %v", level, want)
	}
}

func TestRuleLifecycleGuards(t *testing.T) {
	r := activeRule(TriggerPriceAbove, 150, SideSell)
	now := time.Now().UTC()

	if err := r.MarkTriggered("o1", now); err != nil {
		t.Fatalf("MarkTriggered: %v", err)
	}
	if r.Status != RuleStatusTriggered || r.OrderID != "o1" || r.TriggeredAt == nil {
		t.Fatal("MarkTriggered did not record trigger")
	}
	if err := r.MarkTriggered("o2", now); err == nil {
		t.Fatal("second MarkTriggered should fail")
	}
	if err := r.Cancel(); err == nil {
		t.Fatal("Cancel on triggered rule should fail")
	}

	r2 := activeRule(TriggerPriceAbove, 150, SideSell)
	if err := r2.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if r2.Status != RuleStatusCancelled || r2.Enabled {
		t.Fatal("Cancel did not disable the rule")
	}

	r3 := activeRule(TriggerPriceAbove, 150, SideSell)
	if err := r3.Expire(); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if r3.Status != RuleStatusExpired {
		t.Fatal("Expire did not change status")
	}
}

func TestRuleIsExpired(t *testing.T) {
	now := time.Now().UTC()
	r := activeRule(TriggerPriceAbove, 150, SideSell)
	if r.IsExpired(now) {
		t.Error("rule without expiry is never expired")
	}
	past := now.Add(-time.Minute)
	r.ExpiresAt = &past
	if !r.IsExpired(now) {
		t.Error("past expiry should report expired")
	}
	future := now.Add(time.Minute)
	r.ExpiresAt = &future
	if r.IsExpired(now) {
		t.Error("future expiry should not report expired")
	}
}

func TestQuoteMidFallback(t *testing.T) {
	q := &Quote{Bid: 100, Ask: 102, Last: 99}
	if got := q.Mid(); got != 101 {
		t.Fatalf("Mid = %v, want 101", got)
	}
	q = &Quote{Bid: 0, Ask: 102, Last: 99}
	if got := q.Mid(); got != 99 {
		t.Fatalf("Mid with empty bid = %v, want last 99", got)
	}
	q = &Quote{Bid: 100, Ask: 0, Last: 99}
	if got := q.Mid(); got != 99 {
		t.Fatalf("Mid with empty ask = %v, want last 99", got)
	}
}
