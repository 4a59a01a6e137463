package execution

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"optiondaemon/internal/venue"
	"optiondaemon/pkg/types"
)

// RFQParams tunes one block-quote attempt (§4.5).
type RFQParams struct {
	PollInterval    time.Duration
	TotalWait       time.Duration
	MinImprovement  decimal.Decimal
}

// DefaultRFQParams mirrors the venue defaults named in §5: ~3s polling, 60s
// total wait capped by the venue's quoted expiry.
func DefaultRFQParams() RFQParams {
	return RFQParams{
		PollInterval: 3 * time.Second,
		TotalWait:    60 * time.Second,
	}
}

// RFQResult is what the lifecycle manager inspects after a block-quote
// attempt: the accepted quote's total cost, for persistence/logging.
type RFQResult struct {
	QuoteID   string
	TotalCost decimal.Decimal
}

// RFQExecutor submits a multi-leg structure for block quotes, polls for the
// best matching-direction quote, gates on improvement over the orderbook
// baseline, and accepts (§4.5).
type RFQExecutor struct {
	rfq    RFQClient
	market venue.MarketDataSource
	logger *slog.Logger

	sleep func(time.Duration)
}

// NewRFQExecutor builds an executor bound to the given clients. One instance
// drives one leg set's open or close attempt.
func NewRFQExecutor(rfq RFQClient, market venue.MarketDataSource, logger *slog.Logger) *RFQExecutor {
	return &RFQExecutor{
		rfq:    rfq,
		market: market,
		logger: logger.With("component", "rfq_executor"),
		sleep:  time.Sleep,
	}
}

// Run submits legs for block quotes under action (the side we take on the
// structure as a whole), polls until a suitable quote is accepted or the RFQ
// expires, and returns the accepted quote's cost. legs is mutated in place:
// on acceptance every leg's FilledQty is set to its full Qty and AvgPrice to
// its quoted per-leg price (the venue settles a block trade atomically, so
// there is no partial-fill case to track).
func (e *RFQExecutor) Run(ctx context.Context, legs []*types.Leg, action types.Side, params RFQParams) (*RFQResult, error) {
	if params.TotalWait <= 0 {
		params = DefaultRFQParams()
	}

	baseline, haveBaseline := e.orderbookBaseline(ctx, legs, action)

	rfqLegs := make([]venue.RFQLeg, len(legs))
	for i, leg := range legs {
		rfqLegs[i] = venue.RFQLeg{Symbol: leg.Symbol, Side: leg.Side, Qty: leg.Qty}
	}

	requestID, expiryMs, err := e.rfq.CreateRFQ(ctx, rfqLegs)
	if err != nil {
		return nil, fmt.Errorf("create rfq: %w", err)
	}

	deadline := time.Now().Add(params.TotalWait)
	if expiry := time.UnixMilli(expiryMs); expiryMs > 0 && expiry.Before(deadline) {
		deadline = expiry
	}

	for time.Now().Before(deadline) {
		quotes, err := e.rfq.PollQuotes(ctx, requestID)
		if err != nil {
			e.logger.Warn("poll quotes failed", "request_id", requestID, "error", err)
			e.sleep(params.PollInterval)
			continue
		}

		candidates := e.filterAndSort(quotes, action)
		for _, q := range candidates {
			improvement := quoteImprovement(baseline, haveBaseline, q.TotalCost())
			e.logger.Info("rfq candidate quote", "quote_id", q.ID, "total_cost", q.TotalCost(), "improvement_pct", improvement)
		}

		if len(candidates) > 0 {
			best := candidates[0]
			improvement := quoteImprovement(baseline, haveBaseline, best.TotalCost())
			if haveBaseline && improvement.LessThan(params.MinImprovement) {
				e.logger.Info("best rfq quote below min improvement, continuing to poll",
					"quote_id", best.ID, "improvement_pct", improvement, "min_improvement_pct", params.MinImprovement)
			} else if result, ok := e.acceptBest(ctx, requestID, candidates, legs); ok {
				return result, nil
			}
		}

		e.sleep(params.PollInterval)
	}

	if err := e.rfq.CancelRFQ(ctx, requestID); err != nil {
		e.logger.Warn("cancel expired rfq failed", "request_id", requestID, "error", err)
	}
	return nil, fmt.Errorf("rfq %s expired without an accepted quote", requestID)
}

// acceptBest tries each candidate in order until one accepts, applying fills
// to legs on success.
func (e *RFQExecutor) acceptBest(ctx context.Context, requestID string, candidates []types.Quote, legs []*types.Leg) (*RFQResult, bool) {
	for _, q := range candidates {
		if err := e.rfq.AcceptQuote(ctx, requestID, q.ID); err != nil {
			e.logger.Warn("accept quote failed, trying next-best", "quote_id", q.ID, "error", err)
			continue
		}
		e.applyQuoteFills(legs, q)
		e.logger.Info("rfq quote accepted", "quote_id", q.ID, "total_cost", q.TotalCost())
		return &RFQResult{QuoteID: q.ID, TotalCost: q.TotalCost()}, true
	}
	return nil, false
}

// applyQuoteFills marks every leg fully filled at its quoted per-leg price.
func (e *RFQExecutor) applyQuoteFills(legs []*types.Leg, q types.Quote) {
	priceBySymbol := make(map[string]decimal.Decimal, len(q.Legs))
	for i, leg := range legs {
		if i < len(q.Legs) {
			priceBySymbol[leg.Symbol] = q.Legs[i].Price
		}
	}
	for _, leg := range legs {
		leg.FilledQty = leg.Qty
		if price, ok := priceBySymbol[leg.Symbol]; ok {
			leg.AvgPrice = price
		}
	}
}

// filterAndSort keeps quotes in state OPEN, whose maker-side direction
// matches the taker's intent, whose expiry is at least 1s out, and sorts
// ascending by total_cost (lower is always better under the signed
// convention, per §4.5).
func (e *RFQExecutor) filterAndSort(quotes []types.Quote, action types.Side) []types.Quote {
	now := time.Now()
	var kept []types.Quote
	for _, q := range quotes {
		if q.State != types.QuoteOpen {
			continue
		}
		if !q.ExpiresAt().After(now.Add(time.Second)) {
			continue
		}
		if !directionMatches(q, action) {
			continue
		}
		kept = append(kept, q)
	}
	sort.Slice(kept, func(i, j int) bool {
		return kept[i].TotalCost().LessThan(kept[j].TotalCost())
	})
	return kept
}

// directionMatches reports whether every leg of q was quoted on the side
// consistent with the taker's action: buy intent keeps quotes where the
// maker is selling to us on every leg; sell intent keeps the opposite.
func directionMatches(q types.Quote, action types.Side) bool {
	if len(q.Legs) == 0 {
		return false
	}
	wantMakerSide := types.Buy
	if action == types.Buy {
		wantMakerSide = types.Sell
	}
	for _, leg := range q.Legs {
		if leg.Side != wantMakerSide {
			return false
		}
	}
	return true
}

// orderbookBaseline computes the structure's cost if executed on the live
// orderbook instead of via RFQ (§4.5 step 1). If any leg's book is
// unavailable the baseline is unknown and the improvement gate is skipped.
func (e *RFQExecutor) orderbookBaseline(ctx context.Context, legs []*types.Leg, action types.Side) (decimal.Decimal, bool) {
	total := decimal.Zero
	for _, leg := range legs {
		book, err := e.market.GetOrderBook(ctx, leg.Symbol)
		if err != nil {
			return decimal.Zero, false
		}
		effectivelyBuying := (action == types.Buy) != (leg.Side == types.Sell)
		if effectivelyBuying {
			ask, ok := book.BestAsk()
			if !ok {
				return decimal.Zero, false
			}
			total = total.Add(ask.Mul(leg.Qty))
		} else {
			bid, ok := book.BestBid()
			if !ok {
				return decimal.Zero, false
			}
			total = total.Sub(bid.Mul(leg.Qty))
		}
	}
	return total, true
}

// quoteImprovement is (baseline - quote_cost) / |baseline| * 100. Positive
// means the quote beats the book. Returns zero when no baseline is known —
// callers must separately check haveBaseline before gating on the result.
func quoteImprovement(baseline decimal.Decimal, haveBaseline bool, quoteCost decimal.Decimal) decimal.Decimal {
	if !haveBaseline || baseline.IsZero() {
		return decimal.Zero
	}
	return baseline.Sub(quoteCost).Div(baseline.Abs()).Mul(decimal.NewFromInt(100))
}
