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

// SmartExecutor fills a multi-leg structure as a sequence of proportional
// chunks (§4.4): each chunk quotes all unfilled legs simultaneously with
// continuous repricing, falling back to aggressive limit orders when the
// quoting window lapses without a full fill.
type SmartExecutor struct {
	orders    OrderClient
	market    venue.MarketDataSource
	positions PositionClient
	logger    *slog.Logger

	sleep func(time.Duration)
}

// NewSmartExecutor builds an executor bound to the given clients. One
// instance is used for one leg set's open or close attempt.
func NewSmartExecutor(orders OrderClient, market venue.MarketDataSource, positions PositionClient, logger *slog.Logger) *SmartExecutor {
	return &SmartExecutor{
		orders:    orders,
		market:    market,
		positions: positions,
		logger:    logger.With("component", "smart_executor"),
		sleep:     time.Sleep,
	}
}

// Run drives legs to completion across cfg.ChunkCount chunks. legs is
// mutated in place as fills accumulate (Leg.FilledQty tracks cumulative
// fill since Run began). Returns nil once every chunk has been attempted;
// the caller inspects each leg's FilledQty to decide whether to continue or
// unwind — a partially filled chunk is not itself an error (§4.4 failure
// tolerance).
func (e *SmartExecutor) Run(ctx context.Context, legs []*types.Leg, cfg types.SmartExecConfig) error {
	cfg.Validate()

	starting, err := e.currentPositions(ctx, legs)
	if err != nil {
		return fmt.Errorf("read starting positions: %w", err)
	}

	chunkCount := cfg.ChunkCount
	if chunkCount < 1 {
		chunkCount = 1
	}

	for chunk := 0; chunk < chunkCount; chunk++ {
		if e.allFilled(legs) {
			return nil
		}
		remainingChunks := chunkCount - chunk
		targets := e.chunkTargets(legs, remainingChunks, cfg.MinOrderSize)
		if len(targets) == 0 {
			continue
		}
		if err := e.runChunk(ctx, legs, targets, starting, cfg); err != nil {
			e.logger.Error("chunk failed", "chunk", chunk, "error", err)
		}
	}
	return nil
}

// currentPositions reads per-symbol position quantity right now.
func (e *SmartExecutor) currentPositions(ctx context.Context, legs []*types.Leg) (map[string]decimal.Decimal, error) {
	positions, err := e.positions.GetPositions(ctx)
	if err != nil {
		return nil, err
	}
	result := make(map[string]decimal.Decimal, len(legs))
	for i := range legs {
		result[legs[i].Symbol] = decimal.Zero
	}
	for _, pos := range positions {
		if _, ok := result[pos.Symbol]; ok {
			result[pos.Symbol] = pos.Qty
		}
	}
	return result, nil
}

func (e *SmartExecutor) allFilled(legs []*types.Leg) bool {
	for i := range legs {
		if !legs[i].IsFilled() {
			return false
		}
	}
	return true
}

// chunkTargets allocates this chunk's per-leg quantity: remaining qty split
// evenly across the chunks left, with any sub-minimum remainder (or the
// final chunk) taking the whole remaining amount.
func (e *SmartExecutor) chunkTargets(legs []*types.Leg, remainingChunks int, minOrderSize decimal.Decimal) map[string]decimal.Decimal {
	targets := make(map[string]decimal.Decimal, len(legs))
	rc := decimal.NewFromInt(int64(remainingChunks))
	for i := range legs {
		leg := legs[i]
		remaining := leg.RemainingQty()
		if remaining.IsZero() {
			continue
		}
		alloc := remaining.Div(rc)
		if alloc.LessThan(minOrderSize) || remainingChunks <= 1 {
			alloc = remaining
		}
		targets[leg.Symbol] = alloc
	}
	return targets
}

// runChunk executes Phase A (quoting window) followed by Phase B
// (aggressive fallback) for one chunk. globalStart is the position snapshot
// from the start of Run, used to update each leg's cumulative FilledQty;
// chunkStart (recorded here) measures this chunk's own incremental fill
// against its target.
func (e *SmartExecutor) runChunk(ctx context.Context, legs []*types.Leg, targets map[string]decimal.Decimal, globalStart map[string]decimal.Decimal, cfg types.SmartExecConfig) error {
	chunkStart, err := e.currentPositions(ctx, legs)
	if err != nil {
		return fmt.Errorf("read chunk starting positions: %w", err)
	}

	orderIDs := make(map[string]string)
	lastPrice := make(map[string]decimal.Decimal)
	var lastRepriceAt time.Time

	deadline := time.Now().Add(cfg.TimePerChunk)
	for time.Now().Before(deadline) {
		current, err := e.currentPositions(ctx, legs)
		if err != nil {
			e.logger.Warn("poll positions failed", "error", err)
		} else {
			e.applyFills(legs, current, globalStart)
			if e.chunkFilled(targets, current, chunkStart) {
				e.cancelOrders(ctx, orderIDs)
				return nil
			}
		}

		if lastRepriceAt.IsZero() || time.Since(lastRepriceAt) >= cfg.RepriceInterval {
			e.reprice(ctx, legs, targets, orderIDs, lastPrice, cfg)
			lastRepriceAt = time.Now()
		}

		e.sleep(500 * time.Millisecond)
	}

	e.cancelOrders(ctx, orderIDs)
	return e.aggressiveFallback(ctx, legs, targets, chunkStart, globalStart, cfg)
}

// applyFills updates each leg's cumulative FilledQty from the current
// position snapshot relative to the position at the start of Run.
func (e *SmartExecutor) applyFills(legs []*types.Leg, current, globalStart map[string]decimal.Decimal) {
	for i := range legs {
		leg := legs[i]
		cur, ok := current[leg.Symbol]
		if !ok {
			continue
		}
		delta := cur.Sub(globalStart[leg.Symbol]).Abs()
		if delta.GreaterThan(leg.FilledQty) {
			leg.FilledQty = delta
		}
	}
}

// chunkFilled reports whether every leg with a chunk target has filled at
// least that much since chunkStart.
func (e *SmartExecutor) chunkFilled(targets, current, chunkStart map[string]decimal.Decimal) bool {
	for symbol, target := range targets {
		cur, ok := current[symbol]
		if !ok {
			return false
		}
		delta := cur.Sub(chunkStart[symbol]).Abs()
		if delta.LessThan(target) {
			return false
		}
	}
	return true
}

// reprice cancels and replaces orders for legs whose price moved materially
// or that have no live order yet.
func (e *SmartExecutor) reprice(ctx context.Context, legs []*types.Leg, targets map[string]decimal.Decimal, orderIDs map[string]string, lastPrice map[string]decimal.Decimal, cfg types.SmartExecConfig) {
	for i := range legs {
		leg := legs[i]
		target, ok := targets[leg.Symbol]
		if !ok {
			continue
		}
		price, err := e.quotePrice(ctx, leg.Symbol, leg.Side, cfg)
		if err != nil {
			e.logger.Warn("quote price unavailable, skipping leg this pass", "symbol", leg.Symbol, "error", err)
			continue
		}
		prev, had := lastPrice[leg.Symbol]
		if had && price.Sub(prev).Abs().LessThan(cfg.MinRepriceChange) {
			continue
		}
		if id, ok := orderIDs[leg.Symbol]; ok {
			if err := e.orders.CancelOrder(ctx, id); err != nil {
				e.logger.Warn("cancel before reprice failed", "order_id", id, "error", err)
			}
		}
		id, err := e.orders.CreateOrder(ctx, venue.CreateOrderRequest{
			Symbol: leg.Symbol, Qty: target, Side: leg.Side, Price: &price,
		})
		if err != nil {
			e.logger.Warn("reprice order placement failed", "symbol", leg.Symbol, "error", err)
			continue
		}
		orderIDs[leg.Symbol] = id
		lastPrice[leg.Symbol] = price
	}
}

// quotePrice computes a leg's price per the configured quoting strategy.
func (e *SmartExecutor) quotePrice(ctx context.Context, symbol string, side types.Side, cfg types.SmartExecConfig) (decimal.Decimal, error) {
	book, err := e.market.GetOrderBook(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	bid, bidOK := book.BestBid()
	ask, askOK := book.BestAsk()
	if !bidOK || !askOK {
		return decimal.Zero, fmt.Errorf("missing top of book for %s", symbol)
	}

	var price decimal.Decimal
	switch cfg.Strategy {
	case types.StrategyTopOfBookOffsetPct:
		offset := cfg.SpreadOffsetPct
		if side == types.Buy {
			price = bid.Mul(decimal.NewFromInt(1).Add(offset))
		} else {
			price = ask.Mul(decimal.NewFromInt(1).Sub(offset))
		}
	case types.StrategyMid, types.StrategyMark:
		price = bid.Add(ask).Div(decimal.NewFromInt(2))
	default: // StrategyTopOfBook
		if side == types.Buy {
			price = bid
		} else {
			price = ask
		}
	}

	minPrice := decimal.NewFromFloat(0.01)
	if price.LessThan(minPrice) {
		price = minPrice
	}
	return price.Round(2), nil
}

// cancelOrders cancels every live order tracked in ids, best-effort, and
// clears the map.
func (e *SmartExecutor) cancelOrders(ctx context.Context, ids map[string]string) {
	for symbol, id := range ids {
		if err := e.orders.CancelOrder(ctx, id); err != nil {
			e.logger.Warn("cancel residual order failed", "symbol", symbol, "order_id", id, "error", err)
		}
		delete(ids, symbol)
	}
}

// aggressiveFallback crosses the spread for every leg still short of its
// chunk target, up to cfg.AggressiveAttempts rounds.
func (e *SmartExecutor) aggressiveFallback(ctx context.Context, legs []*types.Leg, targets, chunkStart, globalStart map[string]decimal.Decimal, cfg types.SmartExecConfig) error {
	attempts := cfg.AggressiveAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		current, err := e.currentPositions(ctx, legs)
		if err != nil {
			e.logger.Warn("poll positions failed during aggressive fallback", "error", err)
			current = chunkStart
		}

		orderIDs := make(map[string]string)
		for i := range legs {
			leg := legs[i]
			target, ok := targets[leg.Symbol]
			if !ok {
				continue
			}
			filledThisChunk := current[leg.Symbol].Sub(chunkStart[leg.Symbol]).Abs()
			remaining := target.Sub(filledThisChunk)
			if remaining.LessThan(cfg.MinOrderSize) {
				continue
			}
			book, err := e.market.GetOrderBook(ctx, leg.Symbol)
			if err != nil {
				e.logger.Warn("orderbook unavailable for aggressive fallback", "symbol", leg.Symbol, "error", err)
				continue
			}
			bid, bidOK := book.BestBid()
			ask, askOK := book.BestAsk()
			if !bidOK || !askOK {
				continue
			}
			price := ask
			if leg.Side == types.Sell {
				price = bid
			}
			id, err := e.orders.CreateOrder(ctx, venue.CreateOrderRequest{
				Symbol: leg.Symbol, Qty: remaining, Side: leg.Side, Price: &price,
			})
			if err != nil {
				e.logger.Warn("aggressive order placement failed", "symbol", leg.Symbol, "error", err)
				continue
			}
			orderIDs[leg.Symbol] = id
		}

		waitUntil := time.Now().Add(cfg.AggressiveWaitSeconds)
		for time.Now().Before(waitUntil) {
			if cur, err := e.currentPositions(ctx, legs); err == nil {
				e.applyFills(legs, cur, globalStart)
				current = cur
			}
			e.sleep(500 * time.Millisecond)
		}
		e.cancelOrders(ctx, orderIDs)

		if e.chunkFilled(targets, current, chunkStart) {
			return nil
		}
		e.sleep(cfg.AggressiveRetryPause)
	}
	return nil
}
