package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"optiondaemon/internal/lifecycle"
	"optiondaemon/pkg/types"
)

// LegBuilder resolves a strategy's leg templates to concrete, tradeable legs
// for the current market (symbol selection, strikes, expiries). It is
// supplied by the caller; the runner treats it as opaque.
type LegBuilder func(snap types.AccountSnapshot) ([]*types.Leg, error)

// Config declares one strategy: when it is allowed to open a trade, what it
// opens, and when an open trade should close.
type Config struct {
	ID string

	// CheckInterval gates how often the entry chain is evaluated; ticks
	// arriving more frequently than this are used only to service existing
	// trades (close-callback detection and live PnL tracking still run every
	// tick).
	CheckInterval time.Duration

	MaxConcurrentTrades int
	Cooldown            time.Duration
	MaxTradesPerDay     int

	EntryConditions []EntryCondition
	BuildLegs       LegBuilder

	ExitConditions []types.ExitCondition
	Mode           types.ExecutionMode
	RFQAction      types.Side
	SmartConfig    *types.SmartExecConfig
	ExecParams     types.ExecutionParams
	Metadata       map[string]string

	// OnTradeClosed fires exactly once per trade, the first tick its state
	// is observed to be CLOSED or FAILED.
	OnTradeClosed func(trade *types.Trade)
}

// Stats is a read-only snapshot of a strategy's trading activity.
type Stats struct {
	TotalClosed     int
	TodayTradeCount int
	TodayClosedPnL  decimal.Decimal
	AvgHoldDuration time.Duration
}

// Runner drives one strategy's entry/exit lifecycle against a lifecycle
// manager. Not safe for concurrent Tick calls; intended to be driven by the
// same single poller worker as the lifecycle manager.
type Runner struct {
	cfg     Config
	manager *lifecycle.Manager
	logger  *slog.Logger

	lastCheck time.Time
	disabled  bool

	knownClosed map[string]bool
	lastPnL     map[string]decimal.Decimal

	mu sync.Mutex

	totalClosed      int
	closedCount      int
	holdDurationsSum time.Duration
	statsDate        string
	todayClosedPnL   decimal.Decimal
}

// New builds a strategy runner bound to manager. manager.Create is used to
// register new trades and manager.Open to begin executing them under cfg.ID.
func New(cfg Config, manager *lifecycle.Manager, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:         cfg,
		manager:     manager,
		logger:      logger.With("component", "strategy", "strategy_id", cfg.ID),
		knownClosed: make(map[string]bool),
		lastPnL:     make(map[string]decimal.Decimal),
	}
}

// ID returns the strategy identifier this runner was configured with.
func (r *Runner) ID() string { return r.cfg.ID }

// Tick runs one evaluation pass: records live PnL on open trades, fires the
// close callback for any trade that has newly become terminal, then — if the
// check interval has elapsed and every entry gate passes — opens a new
// trade.
func (r *Runner) Tick(ctx context.Context, snap types.AccountSnapshot) {
	trades := r.manager.TradesForStrategy(r.cfg.ID)

	r.recordLivePnL(trades, snap)
	r.detectClosures(trades)

	if time.Since(r.lastCheck) < r.cfg.CheckInterval {
		return
	}
	r.lastCheck = time.Now()

	if !r.passGates(trades, snap) {
		return
	}

	legs, err := r.cfg.BuildLegs(snap)
	if err != nil {
		r.logger.Warn("leg template resolution failed, skipping entry", "error", err)
		return
	}
	if len(legs) == 0 {
		return
	}

	trade := r.manager.Create(lifecycle.NewTradeParams{
		StrategyID:     r.cfg.ID,
		OpenLegs:       legs,
		ExitConditions: r.cfg.ExitConditions,
		Mode:           r.cfg.Mode,
		RFQAction:      r.cfg.RFQAction,
		SmartConfig:    r.cfg.SmartConfig,
		ExecParams:     r.cfg.ExecParams,
		Metadata:       r.cfg.Metadata,
	})
	if err := r.manager.Open(trade.ID); err != nil {
		r.logger.Error("failed to open new trade", "trade_id", trade.ID, "error", err)
	}
}

func (r *Runner) recordLivePnL(trades []*types.Trade, snap types.AccountSnapshot) {
	for _, t := range trades {
		if t.State.IsTerminal() {
			continue
		}
		r.lastPnL[t.ID] = tradePnL(snap, t)
	}
}

// detectClosures fires OnTradeClosed exactly once per trade ID, the first
// tick its state is observed to be CLOSED or FAILED. A FAILED trade still
// fires the callback but is not counted toward closed-trade statistics.
func (r *Runner) detectClosures(trades []*types.Trade) {
	for _, t := range trades {
		if !t.State.IsTerminal() {
			continue
		}
		if r.knownClosed[t.ID] {
			continue
		}
		r.knownClosed[t.ID] = true

		if t.State == types.Closed {
			r.recordClosedStats(t)
		}
		if r.cfg.OnTradeClosed != nil {
			r.cfg.OnTradeClosed(t)
		}
	}
}

func (r *Runner) recordClosedStats(t *types.Trade) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pnl := r.lastPnL[t.ID]
	delete(r.lastPnL, t.ID)

	r.totalClosed++
	if !t.OpenedAt.IsZero() && !t.ClosedAt.IsZero() {
		r.closedCount++
		r.holdDurationsSum += t.ClosedAt.Sub(t.OpenedAt)
	}

	date := t.ClosedAt.UTC().Format("2006-01-02")
	if date != r.statsDate {
		r.statsDate = date
		r.todayClosedPnL = decimal.Zero
	}
	r.todayClosedPnL = r.todayClosedPnL.Add(pnl)
}

// passGates evaluates, in order, the built-in entry gates (max concurrent
// trades, cooldown, max trades per day) and then the strategy's own entry
// conditions, short-circuiting on the first failure.
func (r *Runner) passGates(trades []*types.Trade, snap types.AccountSnapshot) bool {
	if r.disabled {
		return false
	}

	active := 0
	var lastCreated time.Time
	for _, t := range trades {
		if !t.State.IsTerminal() {
			active++
		}
		if t.CreatedAt.After(lastCreated) {
			lastCreated = t.CreatedAt
		}
	}

	if r.cfg.MaxConcurrentTrades > 0 && active >= r.cfg.MaxConcurrentTrades {
		return false
	}

	if r.cfg.Cooldown > 0 && !lastCreated.IsZero() && time.Since(lastCreated) < r.cfg.Cooldown {
		return false
	}

	if r.cfg.MaxTradesPerDay > 0 {
		today := time.Now().UTC().Format("2006-01-02")
		todayCount := 0
		for _, t := range trades {
			if t.CreatedAt.UTC().Format("2006-01-02") == today {
				todayCount++
			}
		}
		if todayCount >= r.cfg.MaxTradesPerDay {
			if active == 0 {
				r.disabled = true
				r.logger.Info("strategy auto-disabled: daily trade limit reached with no active trades")
			}
			return false
		}
	}

	for _, cond := range r.cfg.EntryConditions {
		if !safeEvalEntry(cond, snap, r.logger) {
			return false
		}
	}
	return true
}

// safeEvalEntry mirrors the lifecycle manager's exit-condition safety net: a
// panicking or misbehaving entry predicate must not block or crash the
// runner, and defaults to "don't enter" rather than "enter".
func safeEvalEntry(cond EntryCondition, snap types.AccountSnapshot, logger *slog.Logger) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("entry condition panicked, treating as not satisfied", "condition", cond.Describe(), "panic", r)
			ok = false
		}
	}()
	return cond.Evaluate(snap)
}

// Stats returns a read-only view of this strategy's trading activity.
// TodayTradeCount is recomputed from the live trade set on every call;
// TodayClosedPnL and AvgHoldDuration are accumulated across closed trades.
func (r *Runner) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	today := time.Now().UTC().Format("2006-01-02")
	todayCount := 0
	for _, t := range r.manager.TradesForStrategy(r.cfg.ID) {
		if t.CreatedAt.UTC().Format("2006-01-02") == today {
			todayCount++
		}
	}

	todayPnL := decimal.Zero
	if r.statsDate == today {
		todayPnL = r.todayClosedPnL
	}

	var avgHold time.Duration
	if r.closedCount > 0 {
		avgHold = r.holdDurationsSum / time.Duration(r.closedCount)
	}

	return Stats{
		TotalClosed:     r.totalClosed,
		TodayTradeCount: todayCount,
		TodayClosedPnL:  todayPnL,
		AvgHoldDuration: avgHold,
	}
}
