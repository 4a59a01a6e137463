package api

import (
	"time"

	"optiondaemon/internal/health"
	"optiondaemon/internal/strategy"
	"optiondaemon/pkg/types"
)

// Provider is everything the dashboard needs to build a snapshot or serve
// live events, implemented by the engine.
type Provider interface {
	AllTrades() []*types.Trade
	HealthReport() (health.Report, bool)
	StrategyStats() map[string]strategy.Stats
	DashboardEvents() <-chan DashboardEvent
}

// BuildSnapshot aggregates state from the lifecycle manager, strategy
// runners, and health reporter into one dashboard snapshot.
func BuildSnapshot(provider Provider) DashboardSnapshot {
	trades := provider.AllTrades()
	statuses := make([]TradeStatus, len(trades))
	for i, t := range trades {
		statuses[i] = NewTradeStatus(t)
	}

	rep, _ := provider.HealthReport()

	return DashboardSnapshot{
		Timestamp:  time.Now(),
		Health:     rep,
		Trades:     statuses,
		Strategies: provider.StrategyStats(),
	}
}
