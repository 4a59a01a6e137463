package api

import (
	"time"

	"github.com/shopspring/decimal"

	"optiondaemon/internal/health"
	"optiondaemon/internal/strategy"
	"optiondaemon/pkg/types"
)

// DashboardSnapshot is the complete dashboard state served at /api/snapshot
// and pushed to every newly connected WebSocket client.
type DashboardSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	Health health.Report `json:"health"`

	Trades []TradeStatus `json:"trades"`

	Strategies map[string]strategy.Stats `json:"strategies"`
}

// LegStatus is the wire representation of a single trade leg.
type LegStatus struct {
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"`
	Qty       decimal.Decimal `json:"qty"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	OrderID   string          `json:"order_id,omitempty"`
}

// TradeStatus is the wire representation of one trade's lifecycle state.
type TradeStatus struct {
	ID         string      `json:"id"`
	StrategyID string      `json:"strategy_id"`
	State      string      `json:"state"`
	Mode       string      `json:"mode"`
	OpenLegs   []LegStatus `json:"open_legs"`
	CloseLegs  []LegStatus `json:"close_legs,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	OpenedAt   time.Time   `json:"opened_at,omitempty"`
	ClosedAt   time.Time   `json:"closed_at,omitempty"`
	Error      string      `json:"error,omitempty"`
}

func legStatuses(legs []*types.Leg) []LegStatus {
	out := make([]LegStatus, len(legs))
	for i, leg := range legs {
		out[i] = LegStatus{
			Symbol:    leg.Symbol,
			Side:      leg.Side.String(),
			Qty:       leg.Qty,
			FilledQty: leg.FilledQty,
			AvgPrice:  leg.AvgPrice,
			OrderID:   leg.OrderID,
		}
	}
	return out
}

// NewTradeStatus converts a lifecycle trade into its wire representation.
func NewTradeStatus(t *types.Trade) TradeStatus {
	return TradeStatus{
		ID:         t.ID,
		StrategyID: t.StrategyID,
		State:      t.State.String(),
		Mode:       t.Mode.String(),
		OpenLegs:   legStatuses(t.OpenLegs),
		CloseLegs:  legStatuses(t.CloseLegs),
		CreatedAt:  t.CreatedAt,
		OpenedAt:   t.OpenedAt,
		ClosedAt:   t.ClosedAt,
		Error:      t.Error,
	}
}
