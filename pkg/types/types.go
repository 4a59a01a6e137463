// Package types defines the shared data model for the trading daemon: legs,
// trades, account/position snapshots, order and quote views, and the tuning
// structs consumed by the execution layer. All monetary fields use
// decimal.Decimal — venue prices arrive as decimal strings and the daemon
// never converts them through a binary float.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or leg.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Opposite returns the reversed side, used to build close-legs from open-legs.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// ExecutionMode selects which executor drives a trade's opens and closes.
type ExecutionMode int

const (
	ModeUnresolved ExecutionMode = iota
	ModeLimit
	ModeSmart
	ModeRFQ
)

func (m ExecutionMode) String() string {
	switch m {
	case ModeLimit:
		return "limit"
	case ModeSmart:
		return "smart"
	case ModeRFQ:
		return "rfq"
	default:
		return "unresolved"
	}
}

// TradeState is one of the seven lifecycle states. Transitions never lead
// back to PENDING_OPEN; the only backward edge is CLOSING to PENDING_CLOSE
// for a close retry. See lifecycle.Manager.Tick.
type TradeState int

const (
	PendingOpen TradeState = iota
	Opening
	Open
	PendingClose
	Closing
	Closed
	Failed
)

func (s TradeState) String() string {
	switch s {
	case PendingOpen:
		return "PENDING_OPEN"
	case Opening:
		return "OPENING"
	case Open:
		return "OPEN"
	case PendingClose:
		return "PENDING_CLOSE"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further ticks will move the trade.
func (s TradeState) IsTerminal() bool {
	return s == Closed || s == Failed
}

// OrderState mirrors the venue's order-state enum (see venue.QueryOrder).
type OrderState int

const (
	OrderNew              OrderState = 0
	OrderFilled           OrderState = 1
	OrderPartiallyFilled  OrderState = 2
	OrderCanceled         OrderState = 3
	OrderPreCancel        OrderState = 4
	OrderCanceling        OrderState = 5
	OrderInvalid          OrderState = 6
	OrderCancelByExercise OrderState = 10
)

// QuoteState is the lifecycle state of an RFQ quote.
type QuoteState int

const (
	QuoteOpen QuoteState = iota
	QuoteCancelled
	QuoteFilled
)

// QuotingStrategy selects how the smart executor prices an unfilled leg.
type QuotingStrategy int

const (
	StrategyTopOfBook QuotingStrategy = iota
	StrategyTopOfBookOffsetPct
	StrategyMid
	StrategyMark
)

// ParseQuotingStrategy maps a config string to a QuotingStrategy, falling
// back to StrategyTopOfBook (with ok=false) for unknown values so callers can
// log a warning per the documented fallback behavior.
func ParseQuotingStrategy(s string) (strat QuotingStrategy, ok bool) {
	switch s {
	case "top_of_book":
		return StrategyTopOfBook, true
	case "top_of_book_offset_pct":
		return StrategyTopOfBookOffsetPct, true
	case "mid":
		return StrategyMid, true
	case "mark":
		return StrategyMark, true
	default:
		return StrategyTopOfBook, false
	}
}

// Leg is a single order intent within a trade. Once placed, Symbol/Qty/Side
// are immutable; only OrderID, FilledQty and AvgPrice change as executions
// occur.
type Leg struct {
	Symbol    string          `json:"symbol"`
	Qty       decimal.Decimal `json:"qty"`
	Side      Side            `json:"side"`
	OrderID   string          `json:"order_id,omitempty"`
	FilledQty decimal.Decimal `json:"filled_qty"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
}

// IsFilled reports filled_qty >= qty.
func (l *Leg) IsFilled() bool {
	return l.FilledQty.GreaterThanOrEqual(l.Qty)
}

// RemainingQty is qty - filled_qty, floored at zero.
func (l *Leg) RemainingQty() decimal.Decimal {
	r := l.Qty.Sub(l.FilledQty)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Reversed builds a fresh close-leg: same symbol, opposite side, the given
// quantity, and zeroed fill state. Callers are responsible for computing qty
// per the close-leg construction rule (qty minus already-closed quantity).
func (l *Leg) Reversed(qty decimal.Decimal) *Leg {
	return &Leg{
		Symbol: l.Symbol,
		Qty:    qty,
		Side:   l.Side.Opposite(),
	}
}

// ExitCondition is evaluated by the lifecycle manager on every OPEN trade,
// in declared order; the first one returning true triggers PENDING_CLOSE.
// Implementations must be cheap to copy and hold no state beyond what their
// strategy config captured at construction.
type ExitCondition interface {
	Evaluate(snap AccountSnapshot, trade *Trade) bool
	Describe() string
}

// ExecutionParams tunes the limit-fill manager for a single trade.
type ExecutionParams struct {
	FillTimeout         time.Duration   `json:"fill_timeout"`
	AggressiveBufferPct decimal.Decimal `json:"aggressive_buffer_pct"`
	MaxRequoteRounds    int             `json:"max_requote_rounds"`
}

// DefaultExecutionParams mirrors the venue defaults referenced in the
// external interface contract (30s requote round, minimal cross buffer).
func DefaultExecutionParams() ExecutionParams {
	return ExecutionParams{
		FillTimeout:         30 * time.Second,
		AggressiveBufferPct: decimal.NewFromFloat(0.01),
		MaxRequoteRounds:    3,
	}
}

// SmartExecConfig tunes the smart multi-leg executor for a single trade.
type SmartExecConfig struct {
	ChunkCount            int             `json:"chunk_count"`
	TimePerChunk          time.Duration   `json:"time_per_chunk"`
	Strategy              QuotingStrategy `json:"strategy"`
	SpreadOffsetPct       decimal.Decimal `json:"spread_offset_pct"`
	RepriceInterval       time.Duration   `json:"reprice_interval"`
	MinRepriceChange      decimal.Decimal `json:"min_reprice_change"`
	MinOrderSize          decimal.Decimal `json:"min_order_size"`
	AggressiveAttempts    int             `json:"aggressive_attempts"`
	AggressiveWaitSeconds time.Duration   `json:"aggressive_wait_seconds"`
	AggressiveRetryPause  time.Duration   `json:"aggressive_retry_pause"`
}

const minRepriceInterval = 10 * time.Second

// Validate raises reprice-interval to at least 10s and fills in zero-valued
// fields with sane defaults (a non-positive time-per-chunk becomes 60s); a
// positive time-per-chunk is kept as given, with no minimum applied. It never returns an error:
// per the data model, unknown/invalid tuning degrades to a safe default
// rather than rejecting the trade.
func (c *SmartExecConfig) Validate() {
	if c.ChunkCount <= 0 {
		c.ChunkCount = 1
	}
	if c.TimePerChunk <= 0 {
		c.TimePerChunk = 60 * time.Second
	}
	if c.RepriceInterval < minRepriceInterval {
		c.RepriceInterval = minRepriceInterval
	}
	if c.MinOrderSize.IsZero() {
		c.MinOrderSize = decimal.NewFromFloat(0.01)
	}
	if c.AggressiveAttempts <= 0 {
		c.AggressiveAttempts = 3
	}
	if c.AggressiveWaitSeconds <= 0 {
		c.AggressiveWaitSeconds = 10 * time.Second
	}
	if c.AggressiveRetryPause <= 0 {
		c.AggressiveRetryPause = 2 * time.Second
	}
}

// Trade is a group of legs managed as one unit (e.g. a 4-leg iron condor).
// A trade is never locked: all mutation happens inside the owning lifecycle
// manager's tick, open, close, force_close, cancel, or create — never
// concurrently with one another. External readers must treat a Trade as
// read-only.
type Trade struct {
	ID             string            `json:"id"`
	StrategyID     string            `json:"strategy_id"`
	State          TradeState        `json:"state"`
	OpenLegs       []*Leg            `json:"open_legs"`
	CloseLegs      []*Leg            `json:"close_legs"`
	ExitConditions []ExitCondition   `json:"-"`
	Mode           ExecutionMode     `json:"mode"`
	RFQAction      Side              `json:"rfq_action"`
	SmartConfig    *SmartExecConfig  `json:"smart_config,omitempty"`
	ExecParams     ExecutionParams   `json:"exec_params"`
	CreatedAt      time.Time         `json:"created_at"`
	OpenedAt       time.Time         `json:"opened_at,omitempty"`
	ClosedAt       time.Time         `json:"closed_at,omitempty"`
	Error          string            `json:"error,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// EntryCost is Σ sign × fill_price × filled_qty over open legs, sign +1 for
// buy legs and -1 for sell legs.
func (t *Trade) EntryCost() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range t.OpenLegs {
		contribution := leg.AvgPrice.Mul(leg.FilledQty)
		if leg.Side == Sell {
			contribution = contribution.Neg()
		}
		total = total.Add(contribution)
	}
	return total
}

// PnLRatio is pnl / |entry_cost| × 100. Returns (0, false) when entry_cost is
// zero (the trade has no fills yet), per the documented edge case.
func PnLRatio(pnl, entryCost decimal.Decimal) (decimal.Decimal, bool) {
	if entryCost.IsZero() {
		return decimal.Zero, false
	}
	return pnl.Div(entryCost.Abs()).Mul(decimal.NewFromInt(100)), true
}

// AccountSnapshot is an immutable point-in-time view of the account. It is
// safe to share across goroutines: publish via atomic.Pointer, never mutate
// in place.
type AccountSnapshot struct {
	Equity               decimal.Decimal    `json:"equity"`
	AvailableMargin      decimal.Decimal    `json:"available_margin"`
	InitialMargin        decimal.Decimal    `json:"initial_margin"`
	MaintenanceMargin    decimal.Decimal    `json:"maintenance_margin"`
	UnrealizedPnL        decimal.Decimal    `json:"unrealized_pnl"`
	MarginUtilizationPct decimal.Decimal    `json:"margin_utilization_pct"`
	Positions            []PositionSnapshot `json:"positions"`
	NetDelta             decimal.Decimal    `json:"net_delta"`
	NetGamma             decimal.Decimal    `json:"net_gamma"`
	NetTheta             decimal.Decimal    `json:"net_theta"`
	NetVega              decimal.Decimal    `json:"net_vega"`
	Timestamp            time.Time          `json:"timestamp"`
}

// PositionSnapshot is an immutable view of a single venue position.
type PositionSnapshot struct {
	PositionID    string          `json:"position_id"`
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	SideLabel     string          `json:"side"` // "long" or "short"
	EntryPrice    decimal.Decimal `json:"entry_price"`
	MarkPrice     decimal.Decimal `json:"mark_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	ROI           decimal.Decimal `json:"roi"`
	Delta         decimal.Decimal `json:"delta"`
	Gamma         decimal.Decimal `json:"gamma"`
	Theta         decimal.Decimal `json:"theta"`
	Vega          decimal.Decimal `json:"vega"`
	Timestamp     time.Time       `json:"timestamp"`
}

// OrderStatus is a transient view of a single venue order.
type OrderStatus struct {
	OrderID      string          `json:"order_id"`
	Symbol       string          `json:"symbol"`
	Qty          decimal.Decimal `json:"qty"`
	FilledQty    decimal.Decimal `json:"filled_qty"`
	RemainingQty decimal.Decimal `json:"remaining_qty"`
	AvgPrice     decimal.Decimal `json:"avg_price"`
	State        OrderState      `json:"state"`
	Side         Side            `json:"side"`
}

// QuoteLeg is one leg of a block quote, priced from the market maker's
// perspective.
type QuoteLeg struct {
	Side  Side            `json:"side"` // maker's side
	Qty   decimal.Decimal `json:"qty"`
	Price decimal.Decimal `json:"price"`
}

// Quote is a block-quote response from a market maker.
type Quote struct {
	ID        string     `json:"quote_id"`
	RequestID string     `json:"request_id"`
	State     QuoteState `json:"state"`
	Legs      []QuoteLeg `json:"legs"`
	CreatedAt time.Time  `json:"create_time"`
	ExpiryMs  int64      `json:"expiry_time"`
}

// TotalCost sums price×qty across legs, flipping sign when the maker's leg
// side is Buy (the taker sells that leg and receives a credit). A positive
// result means the taker pays to execute the whole structure.
func (q *Quote) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, leg := range q.Legs {
		contribution := leg.Price.Mul(leg.Qty)
		if leg.Side == Buy {
			contribution = contribution.Neg()
		}
		total = total.Add(contribution)
	}
	return total
}

// ExpiresAt converts ExpiryMs to a time.Time.
func (q *Quote) ExpiresAt() time.Time {
	return time.UnixMilli(q.ExpiryMs)
}

// PriceLevel is one level of an orderbook side.
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// OrderBook is a snapshot of one symbol's bids/asks. Bids are sorted
// descending, asks ascending; callers never assume a non-empty side.
type OrderBook struct {
	Symbol string           `json:"symbol"`
	Bids   []PriceLevel     `json:"bids"`
	Asks   []PriceLevel     `json:"asks"`
	Mark   *decimal.Decimal `json:"mark,omitempty"`
}

// BestBid returns the best bid and true, or (0, false) if the side is empty.
func (b *OrderBook) BestBid() (decimal.Decimal, bool) {
	if len(b.Bids) == 0 {
		return decimal.Zero, false
	}
	return b.Bids[0].Price, true
}

// BestAsk returns the best ask and true, or (0, false) if the side is empty.
func (b *OrderBook) BestAsk() (decimal.Decimal, bool) {
	if len(b.Asks) == 0 {
		return decimal.Zero, false
	}
	return b.Asks[0].Price, true
}

// Mid returns (best_bid+best_ask)/2 and true, or (0, false) if either side is
// empty.
func (b *OrderBook) Mid() (decimal.Decimal, bool) {
	bid, ok := b.BestBid()
	if !ok {
		return decimal.Zero, false
	}
	ask, ok := b.BestAsk()
	if !ok {
		return decimal.Zero, false
	}
	return bid.Add(ask).Div(decimal.NewFromInt(2)), true
}

// OptionDetails is per-contract market data: Greeks plus top-of-book/IV.
type OptionDetails struct {
	Symbol string          `json:"symbol"`
	Delta  decimal.Decimal `json:"delta"`
	Gamma  decimal.Decimal `json:"gamma"`
	Theta  decimal.Decimal `json:"theta"`
	Vega   decimal.Decimal `json:"vega"`
	Mark   decimal.Decimal `json:"mark"`
	Bid    decimal.Decimal `json:"bid"`
	Ask    decimal.Decimal `json:"ask"`
	IV     decimal.Decimal `json:"iv"`
}

// Instrument describes one entry in an underlying's option chain.
type Instrument struct {
	Symbol     string          `json:"symbol"`
	Strike     decimal.Decimal `json:"strike"`
	ExpiryMs   int64           `json:"expiry_ms"`
	OptionType string          `json:"option_type"` // "C" or "P"
}
