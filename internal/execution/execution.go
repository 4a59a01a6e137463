// Package execution implements the three fill strategies the lifecycle
// manager dispatches to: the limit-fill manager, the smart multi-leg
// executor, and the block-quote (RFQ) executor.
package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"optiondaemon/internal/venue"
	"optiondaemon/pkg/types"
)

// FillOutcome is the result of one tick of a fill-in-progress executor.
type FillOutcome int

const (
	Pending FillOutcome = iota
	Filled
	Requoted
	Failed
)

func (o FillOutcome) String() string {
	switch o {
	case Filled:
		return "filled"
	case Requoted:
		return "requoted"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

// OrderClient is the subset of venue.Client the executors need for
// placing, cancelling, and querying individual orders.
type OrderClient interface {
	CreateOrder(ctx context.Context, req venue.CreateOrderRequest) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	QueryOrder(ctx context.Context, orderID string) (*types.OrderStatus, error)
}

// PositionClient is the subset of venue.Client the smart executor uses to
// measure fills indirectly through position deltas.
type PositionClient interface {
	GetPositions(ctx context.Context) ([]types.PositionSnapshot, error)
}

// RFQClient is the subset of venue.Client the RFQ executor uses.
type RFQClient interface {
	CreateRFQ(ctx context.Context, legs []venue.RFQLeg) (requestID string, expiryMs int64, err error)
	PollQuotes(ctx context.Context, requestID string) ([]types.Quote, error)
	AcceptQuote(ctx context.Context, requestID, quoteID string) error
	CancelRFQ(ctx context.Context, requestID string) error
}

// aggressivePrice computes the price a buyer/seller crosses the spread at,
// rounded to two decimals per §4.3.
func aggressivePrice(side types.Side, bestBid, bestAsk, bufferPct decimal.Decimal) decimal.Decimal {
	var price decimal.Decimal
	if side == types.Buy {
		price = bestAsk.Mul(decimal.NewFromInt(1).Add(bufferPct))
	} else {
		price = bestBid.Div(decimal.NewFromInt(1).Add(bufferPct))
	}
	return price.Round(2)
}
