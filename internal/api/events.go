package api

import (
	"time"

	"optiondaemon/pkg/types"
)

// DashboardEvent is the wrapper for every event pushed to WebSocket clients.
type DashboardEvent struct {
	Type      string      `json:"type"` // "snapshot", "trade_transition", "health"
	Timestamp time.Time   `json:"timestamp"`
	TradeID   string      `json:"trade_id,omitempty"`
	Data      interface{} `json:"data"`
}

// TradeTransitionEvent is emitted whenever a trade's lifecycle state changes.
type TradeTransitionEvent struct {
	TradeID    string `json:"trade_id"`
	StrategyID string `json:"strategy_id"`
	From       string `json:"from"`
	To         string `json:"to"`
	Error      string `json:"error,omitempty"`
}

// NewTradeTransitionEvent wraps a state change for broadcast.
func NewTradeTransitionEvent(t *types.Trade, from types.TradeState) DashboardEvent {
	return DashboardEvent{
		Type:      "trade_transition",
		Timestamp: time.Now(),
		TradeID:   t.ID,
		Data: TradeTransitionEvent{
			TradeID:    t.ID,
			StrategyID: t.StrategyID,
			From:       from.String(),
			To:         t.State.String(),
			Error:      t.Error,
		},
	}
}

// NewSnapshotEvent wraps a full dashboard snapshot for broadcast.
func NewSnapshotEvent(snap DashboardSnapshot) DashboardEvent {
	return DashboardEvent{
		Type:      "snapshot",
		Timestamp: snap.Timestamp,
		Data:      snap,
	}
}

// NewHealthEvent wraps a health report for broadcast.
func NewHealthEvent(rep interface{}) DashboardEvent {
	return DashboardEvent{
		Type:      "health",
		Timestamp: time.Now(),
		Data:      rep,
	}
}
