package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestLegFilledAndRemaining(t *testing.T) {
	t.Parallel()

	leg := &Leg{Symbol: "BTC-30AUG26-100000-C", Qty: d("1.0"), Side: Buy, FilledQty: d("0.4")}
	if leg.IsFilled() {
		t.Error("leg should not be filled at 0.4/1.0")
	}
	if got := leg.RemainingQty(); !got.Equal(d("0.6")) {
		t.Errorf("RemainingQty = %v, want 0.6", got)
	}

	leg.FilledQty = d("1.0")
	if !leg.IsFilled() {
		t.Error("leg should be filled at 1.0/1.0")
	}
	if got := leg.RemainingQty(); !got.IsZero() {
		t.Errorf("RemainingQty = %v, want 0", got)
	}
}

func TestLegReversed(t *testing.T) {
	t.Parallel()

	leg := &Leg{Symbol: "S", Qty: d("2"), Side: Buy, FilledQty: d("1.5"), AvgPrice: d("10")}
	closeLeg := leg.Reversed(d("1.5"))

	if closeLeg.Symbol != leg.Symbol {
		t.Errorf("symbol = %q, want %q", closeLeg.Symbol, leg.Symbol)
	}
	if closeLeg.Side != Sell {
		t.Errorf("side = %v, want Sell", closeLeg.Side)
	}
	if !closeLeg.Qty.Equal(d("1.5")) {
		t.Errorf("qty = %v, want 1.5", closeLeg.Qty)
	}
	if !closeLeg.FilledQty.IsZero() {
		t.Error("a freshly built close-leg must start with zero fills")
	}
}

func TestQuoteTotalCostSignConvention(t *testing.T) {
	t.Parallel()

	// Maker SELL leg = taker buys = positive cost (taker pays).
	q := &Quote{Legs: []QuoteLeg{{Side: Sell, Qty: d("1"), Price: d("100")}}}
	if got := q.TotalCost(); !got.Equal(d("100")) {
		t.Errorf("TotalCost = %v, want 100 for maker SELL leg", got)
	}

	// Maker BUY leg = taker sells = negative cost (taker receives credit).
	q2 := &Quote{Legs: []QuoteLeg{{Side: Buy, Qty: d("1"), Price: d("100")}}}
	if got := q2.TotalCost(); !got.Equal(d("-100")) {
		t.Errorf("TotalCost = %v, want -100 for maker BUY leg", got)
	}
}

func TestEntryCostSignConvention(t *testing.T) {
	t.Parallel()

	trade := &Trade{OpenLegs: []*Leg{
		{Side: Buy, FilledQty: d("1"), AvgPrice: d("10")},
		{Side: Sell, FilledQty: d("1"), AvgPrice: d("3")},
	}}

	got := trade.EntryCost()
	if !got.Equal(d("7")) { // +10 - 3
		t.Errorf("EntryCost = %v, want 7", got)
	}
}

func TestPnLRatioZeroEntryCost(t *testing.T) {
	t.Parallel()

	_, ok := PnLRatio(d("5"), decimal.Zero)
	if ok {
		t.Error("PnLRatio should report not-ok for zero entry cost")
	}
}

func TestPnLRatio(t *testing.T) {
	t.Parallel()

	ratio, ok := PnLRatio(d("25"), d("-100"))
	if !ok {
		t.Fatal("expected ok=true")
	}
	if !ratio.Equal(d("25")) { // 25 / |-100| * 100
		t.Errorf("ratio = %v, want 25", ratio)
	}
}

func TestOrderBookEmptySides(t *testing.T) {
	t.Parallel()

	b := &OrderBook{Symbol: "S"}
	if _, ok := b.BestBid(); ok {
		t.Error("BestBid should be false on empty book")
	}
	if _, ok := b.BestAsk(); ok {
		t.Error("BestAsk should be false on empty book")
	}
	if _, ok := b.Mid(); ok {
		t.Error("Mid should be false on empty book")
	}

	b.Bids = []PriceLevel{{Price: d("99"), Size: d("1")}}
	if _, ok := b.Mid(); ok {
		t.Error("Mid should be false with only one side populated")
	}

	b.Asks = []PriceLevel{{Price: d("101"), Size: d("1")}}
	mid, ok := b.Mid()
	if !ok {
		t.Fatal("Mid should be true with both sides populated")
	}
	if !mid.Equal(d("100")) {
		t.Errorf("mid = %v, want 100", mid)
	}
}

func TestSmartExecConfigValidateClampsMinimums(t *testing.T) {
	t.Parallel()

	cfg := &SmartExecConfig{RepriceInterval: 2 * time.Second}
	cfg.Validate()

	if cfg.RepriceInterval != minRepriceInterval {
		t.Errorf("RepriceInterval = %v, want clamped to %v", cfg.RepriceInterval, minRepriceInterval)
	}
	if cfg.ChunkCount != 1 {
		t.Errorf("ChunkCount = %d, want defaulted to 1", cfg.ChunkCount)
	}
	if cfg.AggressiveAttempts != 3 {
		t.Errorf("AggressiveAttempts = %d, want defaulted to 3", cfg.AggressiveAttempts)
	}
}

func TestParseQuotingStrategyUnknownFallsBackToTopOfBook(t *testing.T) {
	t.Parallel()

	strat, ok := ParseQuotingStrategy("nonsense")
	if ok {
		t.Error("unknown strategy should report ok=false")
	}
	if strat != StrategyTopOfBook {
		t.Errorf("strat = %v, want StrategyTopOfBook fallback", strat)
	}
}
