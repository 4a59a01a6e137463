// Package engine is the central orchestrator of the options trading daemon.
//
// It wires together all subsystems:
//
//  1. The account poller (internal/account) produces a fresh AccountSnapshot
//     on a fixed interval and fans it out to registered callbacks.
//  2. The lifecycle manager's Tick is the first callback: it drives every
//     non-terminal trade one step.
//  3. Each registered strategy runner's Tick is the next callback: it records
//     live PnL, detects newly-closed trades, and opens new trades when its
//     entry gates pass.
//  4. The health reporter's OnSnapshot is the last callback: it publishes
//     uptime/equity/margin/delta/open-position metrics.
//
// Lifecycle: New() → RegisterStrategy() (zero or more) → Start() → [runs
// until the caller cancels] → Stop()
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"optiondaemon/internal/account"
	"optiondaemon/internal/api"
	"optiondaemon/internal/config"
	"optiondaemon/internal/execution"
	"optiondaemon/internal/health"
	"optiondaemon/internal/lifecycle"
	"optiondaemon/internal/store"
	"optiondaemon/internal/strategy"
	"optiondaemon/internal/venue"
	"optiondaemon/pkg/types"
)

// Engine orchestrates every component of the trading daemon. It owns the
// lifecycle of the account poller's background worker and implements
// api.Provider directly, so it can be handed straight to api.NewServer.
type Engine struct {
	cfg config.Config

	store    *store.Store
	persist  *lifecycle.Persistence
	poller   *account.Poller
	manager  *lifecycle.Manager
	reporter *health.Reporter
	logger   *slog.Logger

	stratMu    sync.Mutex
	strategies map[string]*strategy.Runner

	lastStatesMu sync.Mutex
	lastStates   map[string]types.TradeState

	dashboardEvents chan api.DashboardEvent

	startOnce sync.Once
}

// New builds and wires every subsystem. It opens the trade store and
// reconciles any persisted trade book before returning, but places no
// orders and starts no goroutines — call Start for that.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	creds := venue.Credentials{
		APIKey:     cfg.Venue.APIKey,
		Secret:     cfg.Venue.Secret,
		Passphrase: cfg.Venue.Passphrase,
	}
	transport := venue.NewRESTTransport(cfg.Venue.BaseURL, creds, logger)
	client := venue.NewClient(transport, cfg.DryRun, logger)
	marketData := venue.NewCachedMarketData(transport)

	st, err := store.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	persist := lifecycle.NewPersistence(st, cfg.Store.SaveThrottle, logger)

	recovered, err := persist.Recover()
	if err != nil {
		return nil, fmt.Errorf("recover trade book: %w", err)
	}

	thresholds := lifecycle.Thresholds{
		SmartThresholdUSD: decimal.NewFromFloat(cfg.Execution.SmartThresholdUSD),
		RFQThresholdUSD:   decimal.NewFromFloat(cfg.Execution.RFQThresholdUSD),
	}
	rfqParams := rfqParamsFromConfig(cfg.Execution)

	clients := lifecycle.Clients{
		Orders:    client,
		Positions: client,
		RFQ:       client,
		Market:    marketData,
	}
	manager := lifecycle.New(clients, thresholds, rfqParams, persist, logger)
	manager.Restore(recovered)

	poller := account.New(client, cfg.Account.PollInterval, logger)
	reporter := health.New(0, logger)

	e := &Engine{
		cfg:             cfg,
		store:           st,
		persist:         persist,
		poller:          poller,
		manager:         manager,
		reporter:        reporter,
		logger:          logger.With("component", "engine"),
		strategies:      make(map[string]*strategy.Runner),
		lastStates:      make(map[string]types.TradeState),
		dashboardEvents: make(chan api.DashboardEvent, 100),
	}

	poller.RegisterCallback(e.tickLifecycle)
	poller.RegisterCallback(e.tickStrategies)
	poller.RegisterCallback(reporter.OnSnapshot)

	return e, nil
}

// rfqParamsFromConfig maps the execution config's RFQ tuning onto
// execution.RFQParams, falling back to the documented defaults for any
// zero-valued field.
func rfqParamsFromConfig(cfg config.ExecutionConfig) execution.RFQParams {
	params := execution.DefaultRFQParams()
	if cfg.RFQPollInterval > 0 {
		params.PollInterval = cfg.RFQPollInterval
	}
	if cfg.RFQTotalWait > 0 {
		params.TotalWait = cfg.RFQTotalWait
	}
	if cfg.RFQMinImprovement > 0 {
		params.MinImprovement = decimal.NewFromFloat(cfg.RFQMinImprovement)
	}
	return params
}

// RegisterStrategy adds a strategy runner to the set ticked on every account
// snapshot. Concrete strategy definitions (which legs to build, when to
// enter) are an external collaborator per spec.md §1 — the engine only
// needs a wired strategy.Config to drive it. Safe to call before or after
// Start, though trades created by a strategy registered after Start won't
// appear until the next poll.
func (e *Engine) RegisterStrategy(cfg strategy.Config) error {
	e.stratMu.Lock()
	defer e.stratMu.Unlock()

	if cfg.ID == "" {
		return fmt.Errorf("strategy config requires a non-empty ID")
	}
	if _, exists := e.strategies[cfg.ID]; exists {
		return fmt.Errorf("strategy %s already registered", cfg.ID)
	}
	e.strategies[cfg.ID] = strategy.New(cfg, e.manager, e.logger)
	return nil
}

// Start launches the account poller's background worker, which drives the
// lifecycle manager, every registered strategy, and the health reporter.
func (e *Engine) Start(ctx context.Context) {
	e.startOnce.Do(func() {
		e.logger.Info("engine starting", "dry_run", e.cfg.DryRun, "strategies", len(e.strategies))
		e.poller.Start(ctx)
	})
}

// Stop blocks until the account poller's worker exits, then force-saves the
// current trade book, bypassing the persistence throttle.
func (e *Engine) Stop() {
	e.logger.Info("engine stopping")
	e.poller.Stop()

	if err := e.persist.ForceSave(e.manager.AllTrades()); err != nil {
		e.logger.Error("final trade save failed", "error", err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("store close failed", "error", err)
	}
}

// tickLifecycle is the account poller's first callback: it drives the
// lifecycle manager one step and emits a transition event for every trade
// whose state changed since the last tick.
func (e *Engine) tickLifecycle(snap types.AccountSnapshot) {
	e.manager.Tick(context.Background(), snap)
	e.detectTransitions()
}

// tickStrategies is the account poller's second callback: it drives every
// registered strategy runner. A panicking runner is caught so it cannot
// stall the others or the poller worker.
func (e *Engine) tickStrategies(snap types.AccountSnapshot) {
	e.stratMu.Lock()
	runners := make([]*strategy.Runner, 0, len(e.strategies))
	for _, r := range e.strategies {
		runners = append(runners, r)
	}
	e.stratMu.Unlock()

	for _, r := range runners {
		e.safeTickStrategy(r, snap)
	}
}

func (e *Engine) safeTickStrategy(r *strategy.Runner, snap types.AccountSnapshot) {
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Error("strategy runner panicked", "strategy_id", r.ID(), "panic", rec)
		}
	}()
	r.Tick(context.Background(), snap)
}

// detectTransitions compares each trade's current state against the state
// observed on the previous tick and emits a DashboardEvent for any change.
// The lifecycle manager has no transition hook of its own, so the engine
// observes transitions the same way the teacher's engine diffs book/mid
// state between WS events rather than requiring push notifications.
func (e *Engine) detectTransitions() {
	e.lastStatesMu.Lock()
	defer e.lastStatesMu.Unlock()

	for _, t := range e.manager.AllTrades() {
		prev, known := e.lastStates[t.ID]
		e.lastStates[t.ID] = t.State
		if known && prev == t.State {
			continue
		}
		e.emitDashboardEvent(api.NewTradeTransitionEvent(t, prev))
	}
}

func (e *Engine) emitDashboardEvent(evt api.DashboardEvent) {
	select {
	case e.dashboardEvents <- evt:
	default:
		e.logger.Warn("dashboard event channel full, dropping event", "type", evt.Type)
	}
}

// AllTrades implements api.Provider.
func (e *Engine) AllTrades() []*types.Trade {
	return e.manager.AllTrades()
}

// HealthReport implements api.Provider.
func (e *Engine) HealthReport() (health.Report, bool) {
	return e.reporter.Latest()
}

// StrategyStats implements api.Provider.
func (e *Engine) StrategyStats() map[string]strategy.Stats {
	e.stratMu.Lock()
	defer e.stratMu.Unlock()

	stats := make(map[string]strategy.Stats, len(e.strategies))
	for id, r := range e.strategies {
		stats[id] = r.Stats()
	}
	return stats
}

// DashboardEvents implements api.Provider.
func (e *Engine) DashboardEvents() <-chan api.DashboardEvent {
	return e.dashboardEvents
}

// ForceClose force-closes a single trade by id, exposed for manual
// intervention (§4.2).
func (e *Engine) ForceClose(ctx context.Context, tradeID string) error {
	return e.manager.ForceClose(ctx, tradeID)
}

// CancelTrade cancels a single pending-open/opening trade by id.
func (e *Engine) CancelTrade(ctx context.Context, tradeID string) error {
	return e.manager.Cancel(ctx, tradeID)
}
