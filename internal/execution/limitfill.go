package execution

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"optiondaemon/internal/venue"
	"optiondaemon/pkg/types"
)

// LimitFillManager drives a set of per-leg limit orders from placement to
// either all-filled or exhausted retries (§4.3). One instance is bound to a
// single leg set for the lifetime of one open or close attempt; it keeps no
// state beyond the current round's start time and per-leg requote counts.
type LimitFillManager struct {
	orders OrderClient
	market venue.MarketDataSource
	logger *slog.Logger

	roundStarted time.Time
	requotes     []int
}

// NewLimitFillManager builds a manager bound to orders/market for one
// attempt. Call PlaceInitial once, then Tick repeatedly until it returns
// Filled or Failed.
func NewLimitFillManager(orders OrderClient, market venue.MarketDataSource, logger *slog.Logger) *LimitFillManager {
	return &LimitFillManager{
		orders: orders,
		market: market,
		logger: logger.With("component", "limit_fill_manager"),
	}
}

// PlaceInitial prices and submits one order per leg. legs is mutated in
// place: each leg's OrderID is set on success. If any leg cannot be priced
// or its order rejected, every order already placed this call is cancelled
// and the first error is returned.
func (m *LimitFillManager) PlaceInitial(ctx context.Context, legs []*types.Leg, params types.ExecutionParams) error {
	m.roundStarted = time.Now()
	m.requotes = make([]int, len(legs))

	var placed []string
	for i := range legs {
		leg := legs[i]
		price, err := m.priceLeg(ctx, leg, params.AggressiveBufferPct)
		if err != nil {
			m.cancelOrderIDs(ctx, placed)
			return fmt.Errorf("price leg %s: %w", leg.Symbol, err)
		}
		orderID, err := m.orders.CreateOrder(ctx, venue.CreateOrderRequest{
			Symbol: leg.Symbol,
			Qty:    leg.Qty,
			Side:   leg.Side,
			Price:  &price,
		})
		if err != nil {
			m.cancelOrderIDs(ctx, placed)
			return fmt.Errorf("place order for %s: %w", leg.Symbol, err)
		}
		leg.OrderID = orderID
		placed = append(placed, orderID)
	}
	return nil
}

// priceLeg computes the aggressive crossing price for leg from fresh
// top-of-book data.
func (m *LimitFillManager) priceLeg(ctx context.Context, leg *types.Leg, bufferPct decimal.Decimal) (price decimal.Decimal, err error) {
	book, err := m.market.GetOrderBook(ctx, leg.Symbol)
	if err != nil {
		return price, fmt.Errorf("orderbook: %w", err)
	}
	bid, ok := book.BestBid()
	if !ok {
		return price, fmt.Errorf("no bids for %s", leg.Symbol)
	}
	ask, ok := book.BestAsk()
	if !ok {
		return price, fmt.Errorf("no asks for %s", leg.Symbol)
	}
	return aggressivePrice(leg.Side, bid, ask, bufferPct), nil
}

// Tick checks fill progress across legs and performs one step: report
// Filled, trigger a Requoted round on timeout, report Failed once any leg
// exhausts its requote budget, or report Pending.
func (m *LimitFillManager) Tick(ctx context.Context, legs []*types.Leg, params types.ExecutionParams) (FillOutcome, error) {
	for i := range legs {
		leg := legs[i]
		if leg.IsFilled() || leg.OrderID == "" {
			continue
		}
		status, err := m.orders.QueryOrder(ctx, leg.OrderID)
		if err != nil {
			m.logger.Warn("query order failed", "order_id", leg.OrderID, "error", err)
			continue
		}
		if status.FilledQty.GreaterThan(leg.FilledQty) {
			leg.FilledQty = status.FilledQty
			leg.AvgPrice = status.AvgPrice
		}
		if status.State == types.OrderCanceled && !leg.IsFilled() {
			m.logger.Warn("leg order canceled while unfilled, will requote", "symbol", leg.Symbol, "order_id", leg.OrderID)
		}
	}

	allFilled := true
	for i := range legs {
		if !legs[i].IsFilled() {
			allFilled = false
			break
		}
	}
	if allFilled {
		return Filled, nil
	}

	if time.Since(m.roundStarted) < params.FillTimeout {
		return Pending, nil
	}

	for i := range legs {
		if legs[i].IsFilled() {
			continue
		}
		if m.requotes[i] >= params.MaxRequoteRounds {
			return Failed, fmt.Errorf("leg %s exhausted %d requote rounds", legs[i].Symbol, params.MaxRequoteRounds)
		}
	}

	if err := m.requote(ctx, legs, params); err != nil {
		return Failed, err
	}
	return Requoted, nil
}

// requote cancels and re-places every unfilled leg's order at a fresh
// price, for the remaining unfilled quantity.
func (m *LimitFillManager) requote(ctx context.Context, legs []*types.Leg, params types.ExecutionParams) error {
	m.roundStarted = time.Now()

	for i := range legs {
		leg := legs[i]
		if leg.IsFilled() {
			continue
		}
		if leg.OrderID != "" {
			if err := m.orders.CancelOrder(ctx, leg.OrderID); err != nil {
				m.logger.Warn("cancel before requote failed", "order_id", leg.OrderID, "error", err)
			}
		}
		price, err := m.priceLeg(ctx, leg, params.AggressiveBufferPct)
		if err != nil {
			m.logger.Warn("reprice failed, leg stays unfilled this round", "symbol", leg.Symbol, "error", err)
			continue
		}
		remaining := leg.RemainingQty()
		orderID, err := m.orders.CreateOrder(ctx, venue.CreateOrderRequest{
			Symbol: leg.Symbol,
			Qty:    remaining,
			Side:   leg.Side,
			Price:  &price,
		})
		if err != nil {
			m.logger.Warn("requote order placement failed", "symbol", leg.Symbol, "error", err)
			continue
		}
		leg.OrderID = orderID
		m.requotes[i]++
	}
	return nil
}

// CancelAll cancels every currently unfilled order, best-effort. Called by
// the lifecycle manager on FAILED transitions or manual cancel.
func (m *LimitFillManager) CancelAll(ctx context.Context, legs []*types.Leg) {
	for i := range legs {
		leg := legs[i]
		if leg.IsFilled() || leg.OrderID == "" {
			continue
		}
		if err := m.orders.CancelOrder(ctx, leg.OrderID); err != nil {
			m.logger.Warn("cancel_all: cancel failed", "order_id", leg.OrderID, "error", err)
		}
	}
}

func (m *LimitFillManager) cancelOrderIDs(ctx context.Context, orderIDs []string) {
	for _, id := range orderIDs {
		if err := m.orders.CancelOrder(ctx, id); err != nil {
			m.logger.Warn("cancel during rollback failed", "order_id", id, "error", err)
		}
	}
}
