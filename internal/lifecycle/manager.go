// Package lifecycle owns the state machine every trade moves through:
// PENDING_OPEN → OPENING → OPEN → PENDING_CLOSE → CLOSING → CLOSED, with a
// FAILED sink reachable from several points. One Manager owns the full trade
// map and drives it on every account-poller tick:
//
//  1. OPENING trades poll their open attempt; a full fill promotes to OPEN,
//     a partial-fill failure unwinds straight to PENDING_CLOSE, a no-fill
//     failure (with no fallback left) goes FAILED.
//  2. OPEN trades are checked against their exit conditions in order.
//  3. PENDING_CLOSE trades get fresh close-legs and move to CLOSING.
//  4. CLOSING trades poll their close attempt the same way OPENING does,
//     with failures retried up to a bound before giving up.
//
// Every tick ends with a throttled snapshot write to durable storage.
//
// The limit-fill manager is itself tick-driven and non-blocking, so one
// instance per in-flight attempt is kept alive across ticks. The smart and
// RFQ executors block until their whole attempt resolves; per the
// concurrency model this is intentional and they run inline on the same
// worker as everything else — no per-attempt state needs to survive between
// ticks for those two modes.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"optiondaemon/internal/execution"
	"optiondaemon/internal/venue"
	"optiondaemon/pkg/types"
)

// maxStateStepsPerTick bounds how many state transitions a single trade may
// fall through within one tick call, so a bug in a failure/retry loop cannot
// spin forever instead of yielding back to the poller.
const maxStateStepsPerTick = 20

// maxCloseAttempts bounds PENDING_CLOSE → CLOSING retries before a trade is
// given up on and moved to FAILED.
const maxCloseAttempts = 5

// Clients bundles the venue-facing dependencies a Manager needs. A single
// *venue.Client plus *venue.CachedMarketData satisfies all four.
type Clients struct {
	Orders    execution.OrderClient
	Positions execution.PositionClient
	RFQ       execution.RFQClient
	Market    venue.MarketDataSource
}

// Thresholds are the notional breakpoints used for execution-mode routing
// (§4.7): below SmartThresholdUSD stays limit, up to RFQThresholdUSD goes
// smart, at or above goes rfq.
type Thresholds struct {
	SmartThresholdUSD decimal.Decimal
	RFQThresholdUSD   decimal.Decimal
}

// Manager owns the full trade map and drives every non-terminal trade one
// step per tick. All mutation happens inside Tick, Create, Open, ForceClose,
// and Cancel; none of these are intended to be called concurrently with one
// another, matching the single-worker scheduling model. The mutex exists to
// protect read-only accessors (TradesForStrategy and friends) called from a
// strategy runner sharing the same worker.
type Manager struct {
	clients    Clients
	thresholds Thresholds
	rfqParams  execution.RFQParams
	logger     *slog.Logger
	persist    *Persistence

	mu     sync.Mutex
	trades map[string]*types.Trade

	openLimitMgrs  map[string]*execution.LimitFillManager
	closeLimitMgrs map[string]*execution.LimitFillManager
	closeAttempts  map[string]int
}

// New builds a Manager. thresholds and rfqParams tune routing and the
// block-quote executor; persist may be nil to disable snapshotting (tests).
func New(clients Clients, thresholds Thresholds, rfqParams execution.RFQParams, persist *Persistence, logger *slog.Logger) *Manager {
	return &Manager{
		clients:        clients,
		thresholds:     thresholds,
		rfqParams:      rfqParams,
		persist:        persist,
		logger:         logger.With("component", "lifecycle_manager"),
		trades:         make(map[string]*types.Trade),
		openLimitMgrs:  make(map[string]*execution.LimitFillManager),
		closeLimitMgrs: make(map[string]*execution.LimitFillManager),
		closeAttempts:  make(map[string]int),
	}
}

// NewTradeParams is everything the strategy runner (or a manual caller)
// supplies when constructing a trade. Mode may be types.ModeUnresolved to
// let the router decide on first open attempt.
type NewTradeParams struct {
	StrategyID     string
	OpenLegs       []*types.Leg
	ExitConditions []types.ExitCondition
	Mode           types.ExecutionMode
	RFQAction      types.Side
	SmartConfig    *types.SmartExecConfig
	ExecParams     types.ExecutionParams
	Metadata       map[string]string
}

// Create registers a new trade in PENDING_OPEN. It does not place any
// orders; call Open to begin execution.
func (m *Manager) Create(params NewTradeParams) *types.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()

	trade := &types.Trade{
		ID:             uuid.NewString()[:12],
		StrategyID:     params.StrategyID,
		State:          types.PendingOpen,
		OpenLegs:       params.OpenLegs,
		ExitConditions: params.ExitConditions,
		Mode:           params.Mode,
		RFQAction:      params.RFQAction,
		SmartConfig:    params.SmartConfig,
		ExecParams:     params.ExecParams,
		CreatedAt:      time.Now(),
		Metadata:       params.Metadata,
	}
	m.trades[trade.ID] = trade
	m.logger.Info("trade created", "trade_id", trade.ID, "strategy_id", trade.StrategyID, "legs", len(trade.OpenLegs))
	return trade
}

// Open transitions a PENDING_OPEN trade to OPENING, where the next tick will
// dispatch its first execution attempt. No-op (returns an error) for any
// other state.
func (m *Manager) Open(tradeID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	trade, ok := m.trades[tradeID]
	if !ok {
		return fmt.Errorf("trade %s not found", tradeID)
	}
	if trade.State != types.PendingOpen {
		return fmt.Errorf("trade %s: open called from state %s, want PENDING_OPEN", tradeID, trade.State)
	}
	trade.State = types.Opening
	m.logger.Info("trade opening", "trade_id", tradeID)
	return nil
}

// Restore seeds the trade map from a previously persisted (and already
// reconciled, see Persistence.Recover) trade book. Intended to be called once
// at startup before Tick is ever invoked.
func (m *Manager) Restore(trades []*types.Trade) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range trades {
		m.trades[t.ID] = t
	}
	m.logger.Info("restored trades from persistence", "count", len(trades))
}

// GetTrade returns the trade by id. Callers must treat the returned pointer
// as read-only.
func (m *Manager) GetTrade(tradeID string) (*types.Trade, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[tradeID]
	return t, ok
}

// TradesForStrategy returns every trade (read-only) belonging to strategyID.
func (m *Manager) TradesForStrategy(strategyID string) []*types.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*types.Trade
	for _, t := range m.trades {
		if t.StrategyID == strategyID {
			out = append(out, t)
		}
	}
	return out
}

// AllTrades returns every trade (read-only), used for persistence and the
// dashboard snapshot.
func (m *Manager) AllTrades() []*types.Trade {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Trade, 0, len(m.trades))
	for _, t := range m.trades {
		out = append(out, t)
	}
	return out
}

// Tick advances every non-terminal trade by one step and, on success,
// throttle-persists the resulting trade book. snap is the latest account
// snapshot, used for exit-condition evaluation. A panic or error inside one
// trade's step is caught and logged so it cannot stall the rest.
func (m *Manager) Tick(ctx context.Context, snap types.AccountSnapshot) {
	m.mu.Lock()
	active := make([]*types.Trade, 0, len(m.trades))
	for _, t := range m.trades {
		if !t.State.IsTerminal() {
			active = append(active, t)
		}
	}
	m.mu.Unlock()

	for _, trade := range active {
		m.safeTick(ctx, trade, snap)
	}

	if m.persist != nil {
		m.persist.MaybeSave(m.AllTrades())
	}
}

func (m *Manager) safeTick(ctx context.Context, trade *types.Trade, snap types.AccountSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("trade tick panicked", "trade_id", trade.ID, "panic", r)
		}
	}()

	for i := 0; i < maxStateStepsPerTick; i++ {
		before := trade.State
		switch trade.State {
		case types.Opening:
			m.tickOpening(ctx, trade)
		case types.Open:
			m.tickOpen(trade, snap)
		case types.PendingClose:
			m.tickPendingClose(trade)
		case types.Closing:
			m.tickClosing(ctx, trade)
		default:
			return
		}
		if trade.State == before || trade.State.IsTerminal() {
			return
		}
	}
	m.logger.Warn("trade hit max state steps in one tick, deferring to next tick", "trade_id", trade.ID, "state", trade.State)
}

// tickOpening drives or starts the trade's open attempt.
func (m *Manager) tickOpening(ctx context.Context, trade *types.Trade) {
	if trade.Mode == types.ModeUnresolved {
		trade.Mode = m.resolveMode(ctx, trade.OpenLegs)
		m.logger.Info("execution mode resolved", "trade_id", trade.ID, "mode", trade.Mode)
	}

	switch trade.Mode {
	case types.ModeLimit:
		m.tickOpeningLimit(ctx, trade)
	default:
		m.runBlockingAttempt(ctx, trade, trade.OpenLegs, trade.RFQAction)
		m.finishOpenAttempt(trade, nil)
	}
}

func (m *Manager) tickOpeningLimit(ctx context.Context, trade *types.Trade) {
	mgr, ok := m.openLimitMgrs[trade.ID]
	if !ok {
		mgr = execution.NewLimitFillManager(m.clients.Orders, m.clients.Market, m.logger)
		if err := mgr.PlaceInitial(ctx, trade.OpenLegs, trade.ExecParams); err != nil {
			m.handleOpenFailure(trade, err)
			return
		}
		m.openLimitMgrs[trade.ID] = mgr
	}

	outcome, err := mgr.Tick(ctx, trade.OpenLegs, trade.ExecParams)
	switch outcome {
	case execution.Filled:
		delete(m.openLimitMgrs, trade.ID)
		m.finishOpenAttempt(trade, nil)
	case execution.Failed:
		mgr.CancelAll(ctx, trade.OpenLegs)
		delete(m.openLimitMgrs, trade.ID)
		m.handleOpenFailure(trade, err)
	default: // Pending, Requoted
	}
}

// finishOpenAttempt checks the legs after an attempt returns (whether
// tick-based or blocking) and promotes to OPEN or routes to failure.
func (m *Manager) finishOpenAttempt(trade *types.Trade, attemptErr error) {
	if allFilled(trade.OpenLegs) {
		trade.State = types.Open
		trade.OpenedAt = time.Now()
		m.logger.Info("trade opened", "trade_id", trade.ID, "mode", trade.Mode)
		return
	}
	if attemptErr == nil {
		attemptErr = fmt.Errorf("open attempt completed without filling all legs")
	}
	m.handleOpenFailure(trade, attemptErr)
}

// handleOpenFailure implements the unwind / fallback / FAILED branch of
// step 1 in the per-tick algorithm.
func (m *Manager) handleOpenFailure(trade *types.Trade, err error) {
	if anyFilled(trade.OpenLegs) {
		m.unwindPartialOpen(trade)
		return
	}
	if trade.Mode == types.ModeRFQ {
		if fallback, ok := fallbackMode(trade); ok {
			trade.Mode = fallback
			m.logger.Warn("rfq open failed with no fills, falling back", "trade_id", trade.ID, "fallback_mode", fallback, "error", err)
			return
		}
	}
	trade.State = types.Failed
	trade.Error = errString(err)
	m.logger.Error("trade open failed", "trade_id", trade.ID, "error", err)
}

// unwindPartialOpen trims open_legs to the filled set, stamps opened_at, and
// transitions through OPEN before going straight to PENDING_CLOSE (the
// unwind path) — opened_at is only ever set alongside the OPEN state, never
// in isolation.
func (m *Manager) unwindPartialOpen(trade *types.Trade) {
	var trimmed []*types.Leg
	for _, leg := range trade.OpenLegs {
		if leg.FilledQty.IsPositive() {
			leg.Qty = leg.FilledQty
			trimmed = append(trimmed, leg)
		}
	}
	trade.OpenLegs = trimmed
	trade.OpenedAt = time.Now()
	trade.State = types.Open
	m.logger.Info("trade opened", "trade_id", trade.ID, "mode", trade.Mode)

	trade.State = types.PendingClose
	m.logger.Warn("open attempt partially filled, unwinding", "trade_id", trade.ID, "filled_legs", len(trimmed))
}

// tickOpen evaluates exit conditions in declared order; the first one that
// returns true (and does not panic) triggers PENDING_CLOSE.
func (m *Manager) tickOpen(trade *types.Trade, snap types.AccountSnapshot) {
	for _, cond := range trade.ExitConditions {
		if safeEvaluate(cond, snap, trade, m.logger) {
			trade.State = types.PendingClose
			m.logger.Info("exit condition triggered", "trade_id", trade.ID, "condition", cond.Describe())
			return
		}
	}
}

func safeEvaluate(cond types.ExitCondition, snap types.AccountSnapshot, trade *types.Trade, logger *slog.Logger) (triggered bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("exit condition panicked, skipping this evaluation", "trade_id", trade.ID, "panic", r)
			triggered = false
		}
	}()
	return cond.Evaluate(snap, trade)
}

// tickPendingClose rebuilds close-legs from scratch and enters CLOSING, or
// transitions straight to CLOSED if nothing remains to close.
func (m *Manager) tickPendingClose(trade *types.Trade) {
	trade.CloseLegs = buildCloseLegs(trade)
	if len(trade.CloseLegs) == 0 {
		trade.State = types.Closed
		trade.ClosedAt = time.Now()
		delete(m.closeAttempts, trade.ID)
		m.logger.Info("trade closed (nothing left to close)", "trade_id", trade.ID)
		return
	}
	trade.State = types.Closing
}

// buildCloseLegs is the close-leg construction rule: one reversed leg per
// open leg for qty minus whatever a prior failed attempt already closed,
// zero-qty legs omitted. This is the sole defence against double-ordering
// on retry.
func buildCloseLegs(trade *types.Trade) []*types.Leg {
	alreadyClosed := make(map[string]decimal.Decimal, len(trade.CloseLegs))
	for _, leg := range trade.CloseLegs {
		alreadyClosed[leg.Symbol] = alreadyClosed[leg.Symbol].Add(leg.FilledQty)
	}

	var fresh []*types.Leg
	for _, open := range trade.OpenLegs {
		qty := open.Qty.Sub(alreadyClosed[open.Symbol])
		if !qty.IsPositive() {
			continue
		}
		fresh = append(fresh, open.Reversed(qty))
	}
	return fresh
}

// tickClosing drives or starts the trade's close attempt, the mirror of
// tickOpening over close_legs and the opposite action.
func (m *Manager) tickClosing(ctx context.Context, trade *types.Trade) {
	if trade.Mode == types.ModeLimit {
		m.tickClosingLimit(ctx, trade)
		return
	}
	m.runBlockingAttempt(ctx, trade, trade.CloseLegs, trade.RFQAction.Opposite())
	m.finishCloseAttempt(trade, nil)
}

func (m *Manager) tickClosingLimit(ctx context.Context, trade *types.Trade) {
	mgr, ok := m.closeLimitMgrs[trade.ID]
	if !ok {
		mgr = execution.NewLimitFillManager(m.clients.Orders, m.clients.Market, m.logger)
		if err := mgr.PlaceInitial(ctx, trade.CloseLegs, trade.ExecParams); err != nil {
			m.handleCloseFailure(trade, err)
			return
		}
		m.closeLimitMgrs[trade.ID] = mgr
	}

	outcome, err := mgr.Tick(ctx, trade.CloseLegs, trade.ExecParams)
	switch outcome {
	case execution.Filled:
		delete(m.closeLimitMgrs, trade.ID)
		m.finishCloseAttempt(trade, nil)
	case execution.Failed:
		mgr.CancelAll(ctx, trade.CloseLegs)
		delete(m.closeLimitMgrs, trade.ID)
		m.handleCloseFailure(trade, err)
	default: // Pending, Requoted
	}
}

func (m *Manager) finishCloseAttempt(trade *types.Trade, attemptErr error) {
	if allFilled(trade.CloseLegs) {
		trade.State = types.Closed
		trade.ClosedAt = time.Now()
		delete(m.closeAttempts, trade.ID)
		m.logger.Info("trade closed", "trade_id", trade.ID)
		return
	}
	if attemptErr == nil {
		attemptErr = fmt.Errorf("close attempt completed without filling all legs")
	}
	m.handleCloseFailure(trade, attemptErr)
}

// handleCloseFailure implements step 4's retry/fallback/FAILED branch: an
// RFQ close falls back the same way an RFQ open does; otherwise the trade
// reverts to PENDING_CLOSE to retry, up to maxCloseAttempts.
func (m *Manager) handleCloseFailure(trade *types.Trade, err error) {
	if trade.Mode == types.ModeRFQ {
		if fallback, ok := fallbackMode(trade); ok {
			trade.Mode = fallback
			trade.State = types.PendingClose
			m.logger.Warn("rfq close failed, falling back", "trade_id", trade.ID, "fallback_mode", fallback, "error", err)
			return
		}
	}

	m.closeAttempts[trade.ID]++
	if m.closeAttempts[trade.ID] >= maxCloseAttempts {
		trade.State = types.Failed
		trade.Error = errString(err)
		delete(m.closeAttempts, trade.ID)
		m.logger.Error("trade close failed permanently", "trade_id", trade.ID, "attempts", m.closeAttempts[trade.ID], "error", err)
		return
	}
	trade.State = types.PendingClose
	m.logger.Warn("close attempt failed, retrying", "trade_id", trade.ID, "attempt", m.closeAttempts[trade.ID], "error", err)
}

// runBlockingAttempt drives a smart or RFQ attempt to completion inline,
// mutating legs as fills land. Per the concurrency model this blocks the
// calling worker for the duration of the attempt, by design.
func (m *Manager) runBlockingAttempt(ctx context.Context, trade *types.Trade, legs []*types.Leg, action types.Side) {
	switch trade.Mode {
	case types.ModeSmart:
		cfg := types.SmartExecConfig{}
		if trade.SmartConfig != nil {
			cfg = *trade.SmartConfig
		}
		exec := execution.NewSmartExecutor(m.clients.Orders, m.clients.Market, m.clients.Positions, m.logger)
		if err := exec.Run(ctx, legs, cfg); err != nil {
			m.logger.Error("smart executor run failed", "trade_id", trade.ID, "error", err)
		}
	case types.ModeRFQ:
		exec := execution.NewRFQExecutor(m.clients.RFQ, m.clients.Market, m.logger)
		result, err := exec.Run(ctx, legs, action, m.rfqParams)
		if err != nil {
			m.logger.Warn("rfq attempt failed", "trade_id", trade.ID, "error", err)
			return
		}
		if trade.Metadata == nil {
			trade.Metadata = make(map[string]string)
		}
		trade.Metadata["rfq_quote_id"] = result.QuoteID
		trade.Metadata["rfq_total_cost"] = result.TotalCost.String()
	}
}

// resolveMode implements the execution-mode routing table in §4.2/§4.7:
// single-leg is always limit; multi-leg routes on fresh notional.
func (m *Manager) resolveMode(ctx context.Context, legs []*types.Leg) types.ExecutionMode {
	if len(legs) <= 1 {
		return types.ModeLimit
	}
	notional := m.notional(ctx, legs)
	switch {
	case notional.GreaterThanOrEqual(m.thresholds.RFQThresholdUSD):
		return types.ModeRFQ
	case notional.GreaterThanOrEqual(m.thresholds.SmartThresholdUSD):
		return types.ModeSmart
	default:
		return types.ModeLimit
	}
}

// notional is Σ mark_price × qty over legs using fresh market data; a leg
// whose mark cannot be fetched contributes zero and is logged.
func (m *Manager) notional(ctx context.Context, legs []*types.Leg) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range legs {
		details, err := m.clients.Market.GetOptionDetails(ctx, leg.Symbol)
		if err != nil {
			m.logger.Warn("mark unavailable for notional calc, contributing zero", "symbol", leg.Symbol, "error", err)
			continue
		}
		total = total.Add(details.Mark.Mul(leg.Qty))
	}
	return total
}

// ForceClose implements the manual force-close control (§4.2).
func (m *Manager) ForceClose(ctx context.Context, tradeID string) error {
	m.mu.Lock()
	trade, ok := m.trades[tradeID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("trade %s not found", tradeID)
	}

	switch trade.State {
	case types.Open:
		trade.State = types.PendingClose
	case types.Opening, types.PendingOpen:
		if mgr, ok := m.openLimitMgrs[tradeID]; ok {
			mgr.CancelAll(ctx, trade.OpenLegs)
			delete(m.openLimitMgrs, tradeID)
		}
		if anyFilled(trade.OpenLegs) {
			m.unwindPartialOpen(trade)
		} else {
			trade.State = types.Failed
			trade.Error = "force closed before any fills"
		}
	case types.Closing:
		if mgr, ok := m.closeLimitMgrs[tradeID]; ok {
			// Record fills that landed since the last tick, so only unfilled
			// orders are cancelled and the rebuild excludes what already closed.
			for _, leg := range trade.CloseLegs {
				if leg.IsFilled() || leg.OrderID == "" {
					continue
				}
				if st, err := m.clients.Orders.QueryOrder(ctx, leg.OrderID); err == nil && st.FilledQty.GreaterThan(leg.FilledQty) {
					leg.FilledQty = st.FilledQty
					leg.AvgPrice = st.AvgPrice
				}
			}
			mgr.CancelAll(ctx, trade.CloseLegs)
			delete(m.closeLimitMgrs, tradeID)
		}
		trade.State = types.PendingClose
	default:
		// no-op in terminal states and PENDING_CLOSE (already headed there)
	}
	m.logger.Warn("trade force closed", "trade_id", tradeID, "resulting_state", trade.State)
	return nil
}

// Cancel implements the manual cancel control: only valid from PENDING_OPEN
// or OPENING.
func (m *Manager) Cancel(ctx context.Context, tradeID string) error {
	m.mu.Lock()
	trade, ok := m.trades[tradeID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("trade %s not found", tradeID)
	}
	if trade.State != types.PendingOpen && trade.State != types.Opening {
		return fmt.Errorf("trade %s: cancel only valid from PENDING_OPEN/OPENING, is %s", tradeID, trade.State)
	}

	if mgr, ok := m.openLimitMgrs[tradeID]; ok {
		mgr.CancelAll(ctx, trade.OpenLegs)
		delete(m.openLimitMgrs, tradeID)
	}
	if anyFilled(trade.OpenLegs) {
		m.unwindPartialOpen(trade)
	} else {
		trade.State = types.Failed
		trade.Error = "cancelled before any fills"
	}
	m.logger.Warn("trade cancelled", "trade_id", tradeID, "resulting_state", trade.State)
	return nil
}

func fallbackMode(trade *types.Trade) (types.ExecutionMode, bool) {
	switch trade.Metadata["fallback_mode"] {
	case "limit":
		return types.ModeLimit, true
	case "smart":
		return types.ModeSmart, true
	default:
		return types.ModeUnresolved, false
	}
}

func allFilled(legs []*types.Leg) bool {
	if len(legs) == 0 {
		return false
	}
	for _, leg := range legs {
		if !leg.IsFilled() {
			return false
		}
	}
	return true
}

func anyFilled(legs []*types.Leg) bool {
	for _, leg := range legs {
		if leg.FilledQty.IsPositive() {
			return true
		}
	}
	return false
}

func errString(err error) string {
	if err == nil {
		return "unknown failure"
	}
	return err.Error()
}
