package execution

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"optiondaemon/internal/venue"
	"optiondaemon/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type fakeOrders struct {
	mu        sync.Mutex
	nextID    int
	createErr error
	cancelled []string
	statuses  map[string]*types.OrderStatus
}

func newFakeOrders() *fakeOrders {
	return &fakeOrders{statuses: make(map[string]*types.OrderStatus)}
}

func (f *fakeOrders) CreateOrder(ctx context.Context, req venue.CreateOrderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := string(rune('a' + f.nextID))
	f.statuses[id] = &types.OrderStatus{OrderID: id, Symbol: req.Symbol, Qty: req.Qty, State: types.OrderNew, Side: req.Side}
	return id, nil
}

func (f *fakeOrders) CancelOrder(ctx context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, orderID)
	return nil
}

func (f *fakeOrders) QueryOrder(ctx context.Context, orderID string) (*types.OrderStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.statuses[orderID]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	cp := *st
	return &cp, nil
}

func (f *fakeOrders) setFilled(orderID string, qty, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := f.statuses[orderID]
	st.FilledQty = qty
	st.AvgPrice = price
	if qty.GreaterThanOrEqual(st.Qty) {
		st.State = types.OrderFilled
	} else {
		st.State = types.OrderPartiallyFilled
	}
}

type fakeMarket struct {
	books map[string]*types.OrderBook
}

func (f *fakeMarket) GetOrderBook(ctx context.Context, symbol string) (*types.OrderBook, error) {
	b, ok := f.books[symbol]
	if !ok {
		return &types.OrderBook{Symbol: symbol}, nil
	}
	return b, nil
}
func (f *fakeMarket) GetOptionDetails(ctx context.Context, symbol string) (*types.OptionDetails, error) {
	return &types.OptionDetails{Symbol: symbol}, nil
}
func (f *fakeMarket) GetInstruments(ctx context.Context, underlying string) ([]types.Instrument, error) {
	return nil, nil
}
func (f *fakeMarket) GetFuturesPrice(ctx context.Context, underlying string, useCache bool) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func book(bid, ask string) *types.OrderBook {
	return &types.OrderBook{
		Bids: []types.PriceLevel{{Price: d(bid), Size: d("10")}},
		Asks: []types.PriceLevel{{Price: d(ask), Size: d("10")}},
	}
}

func TestPlaceInitialPricesAndRecordsOrderIDs(t *testing.T) {
	t.Parallel()

	orders := newFakeOrders()
	market := &fakeMarket{books: map[string]*types.OrderBook{"S": book("9.9", "10.1")}}
	m := NewLimitFillManager(orders, market, testLogger())

	legs := []*types.Leg{{Symbol: "S", Qty: d("1"), Side: types.Buy}}
	if err := m.PlaceInitial(context.Background(), legs, types.DefaultExecutionParams()); err != nil {
		t.Fatalf("PlaceInitial: %v", err)
	}
	if legs[0].OrderID == "" {
		t.Error("expected order id to be recorded")
	}
}

func TestPlaceInitialRollsBackOnFailure(t *testing.T) {
	t.Parallel()

	orders := newFakeOrders()
	market := &fakeMarket{books: map[string]*types.OrderBook{"A": book("1", "1.2")}}
	m := NewLimitFillManager(orders, market, testLogger())

	legs := []*types.Leg{
		{Symbol: "A", Qty: d("1"), Side: types.Buy},
		{Symbol: "B", Qty: d("1"), Side: types.Sell}, // no book entry for B -> no bids -> priceLeg fails
	}
	err := m.PlaceInitial(context.Background(), legs, types.DefaultExecutionParams())
	if err == nil {
		t.Fatal("expected failure pricing leg B")
	}
	if len(orders.cancelled) != 1 {
		t.Errorf("expected the A leg's order to be rolled back, got %d cancels", len(orders.cancelled))
	}
}

func TestTickReportsFilledWhenAllLegsFilled(t *testing.T) {
	t.Parallel()

	orders := newFakeOrders()
	market := &fakeMarket{books: map[string]*types.OrderBook{"S": book("9.9", "10.1")}}
	m := NewLimitFillManager(orders, market, testLogger())

	legs := []*types.Leg{{Symbol: "S", Qty: d("1"), Side: types.Buy}}
	params := types.DefaultExecutionParams()
	if err := m.PlaceInitial(context.Background(), legs, params); err != nil {
		t.Fatalf("PlaceInitial: %v", err)
	}
	orders.setFilled(legs[0].OrderID, d("1"), d("10.1"))

	outcome, err := m.Tick(context.Background(), legs, params)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if outcome != Filled {
		t.Errorf("outcome = %v, want Filled", outcome)
	}
	if !legs[0].FilledQty.Equal(d("1")) {
		t.Errorf("filled qty = %v, want 1", legs[0].FilledQty)
	}
}

func TestTickRequotesAfterTimeout(t *testing.T) {
	t.Parallel()

	orders := newFakeOrders()
	market := &fakeMarket{books: map[string]*types.OrderBook{"S": book("9.9", "10.1")}}
	m := NewLimitFillManager(orders, market, testLogger())

	params := types.DefaultExecutionParams()
	params.FillTimeout = 10 * time.Millisecond
	params.MaxRequoteRounds = 3

	legs := []*types.Leg{{Symbol: "S", Qty: d("1"), Side: types.Buy}}
	if err := m.PlaceInitial(context.Background(), legs, params); err != nil {
		t.Fatalf("PlaceInitial: %v", err)
	}
	firstOrderID := legs[0].OrderID
	time.Sleep(20 * time.Millisecond)

	outcome, err := m.Tick(context.Background(), legs, params)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if outcome != Requoted {
		t.Fatalf("outcome = %v, want Requoted", outcome)
	}
	if legs[0].OrderID == firstOrderID {
		t.Error("expected a new order id after requote")
	}
	if m.requotes[0] != 1 {
		t.Errorf("requote count = %d, want 1", m.requotes[0])
	}
}

func TestTickFailsAfterMaxRequoteRounds(t *testing.T) {
	t.Parallel()

	orders := newFakeOrders()
	market := &fakeMarket{books: map[string]*types.OrderBook{"S": book("9.9", "10.1")}}
	m := NewLimitFillManager(orders, market, testLogger())

	params := types.DefaultExecutionParams()
	params.FillTimeout = 5 * time.Millisecond
	params.MaxRequoteRounds = 1

	legs := []*types.Leg{{Symbol: "S", Qty: d("1"), Side: types.Buy}}
	if err := m.PlaceInitial(context.Background(), legs, params); err != nil {
		t.Fatalf("PlaceInitial: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	outcome, err := m.Tick(context.Background(), legs, params)
	if err != nil || outcome != Requoted {
		t.Fatalf("expected first timeout to requote, got %v, %v", outcome, err)
	}

	time.Sleep(10 * time.Millisecond)
	outcome, err = m.Tick(context.Background(), legs, params)
	if outcome != Failed || err == nil {
		t.Fatalf("expected Failed after exhausting requote rounds, got %v, %v", outcome, err)
	}
}

func TestCancelAllSkipsFilledLegs(t *testing.T) {
	t.Parallel()

	orders := newFakeOrders()
	market := &fakeMarket{books: map[string]*types.OrderBook{
		"A": book("1", "1.2"),
		"B": book("2", "2.2"),
	}}
	m := NewLimitFillManager(orders, market, testLogger())

	legs := []*types.Leg{
		{Symbol: "A", Qty: d("1"), Side: types.Buy},
		{Symbol: "B", Qty: d("1"), Side: types.Buy},
	}
	if err := m.PlaceInitial(context.Background(), legs, types.DefaultExecutionParams()); err != nil {
		t.Fatalf("PlaceInitial: %v", err)
	}
	orders.setFilled(legs[0].OrderID, d("1"), d("1.2"))
	legs[0].FilledQty = d("1")

	m.CancelAll(context.Background(), legs)
	if len(orders.cancelled) != 1 {
		t.Errorf("expected exactly 1 cancel (unfilled leg B), got %d", len(orders.cancelled))
	}
}
