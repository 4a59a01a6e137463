package store

import (
	"testing"

	"github.com/shopspring/decimal"

	"optiondaemon/pkg/types"
)

func TestSaveAndLoadTrades(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	trades := []*types.Trade{
		{
			ID:    "t1",
			State: types.Open,
			OpenLegs: []*types.Leg{
				{Symbol: "BTC-30000-C", Qty: decimal.NewFromInt(1), Side: types.Buy, FilledQty: decimal.NewFromInt(1)},
			},
			Mode: types.ModeLimit,
		},
	}

	if err := s.SaveTrades(trades); err != nil {
		t.Fatalf("SaveTrades: %v", err)
	}

	loaded, err := s.LoadTrades()
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if len(loaded) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(loaded))
	}
	if loaded[0].ID != "t1" {
		t.Errorf("ID = %q, want t1", loaded[0].ID)
	}
	if loaded[0].State != types.Open {
		t.Errorf("State = %v, want Open", loaded[0].State)
	}
	if !loaded[0].OpenLegs[0].FilledQty.Equal(decimal.NewFromInt(1)) {
		t.Errorf("FilledQty = %v, want 1", loaded[0].OpenLegs[0].FilledQty)
	}
}

func TestLoadTradesMissing(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	loaded, err := s.LoadTrades()
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if loaded != nil {
		t.Errorf("expected nil for missing snapshot, got %+v", loaded)
	}
}

func TestSaveTradesOverwrites(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	first := []*types.Trade{{ID: "t1", State: types.Open}}
	second := []*types.Trade{{ID: "t2", State: types.Closed}}

	_ = s.SaveTrades(first)
	_ = s.SaveTrades(second)

	loaded, err := s.LoadTrades()
	if err != nil {
		t.Fatalf("LoadTrades: %v", err)
	}
	if len(loaded) != 1 || loaded[0].ID != "t2" {
		t.Errorf("expected latest snapshot [t2], got %+v", loaded)
	}
}
