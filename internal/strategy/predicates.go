// Package strategy evaluates declarative trading strategies against account
// snapshots: gates that decide whether to open a new trade, and exit
// conditions attached to trades the lifecycle manager already owns.
package strategy

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"optiondaemon/pkg/types"
)

// EntryCondition gates whether a strategy may open a new trade. Unlike
// types.ExitCondition it only sees the account snapshot — there is no trade
// yet.
type EntryCondition interface {
	Evaluate(snap types.AccountSnapshot) bool
	Describe() string
}

type entryFunc struct {
	fn   func(types.AccountSnapshot) bool
	desc string
}

func (e entryFunc) Evaluate(snap types.AccountSnapshot) bool { return e.fn(snap) }
func (e entryFunc) Describe() string                         { return e.desc }

type exitFunc struct {
	fn   func(types.AccountSnapshot, *types.Trade) bool
	desc string
}

func (e exitFunc) Evaluate(snap types.AccountSnapshot, trade *types.Trade) bool {
	return e.fn(snap, trade)
}
func (e exitFunc) Describe() string { return e.desc }

// --- entry predicates ---

// MinAvailableMarginPct requires available_margin / equity * 100 >= pctMin.
// Returns false on a zero-equity snapshot rather than dividing by zero.
func MinAvailableMarginPct(pctMin decimal.Decimal) EntryCondition {
	return entryFunc{
		desc: "min_available_margin_pct(" + pctMin.String() + ")",
		fn: func(snap types.AccountSnapshot) bool {
			if snap.Equity.IsZero() {
				return false
			}
			pct := snap.AvailableMargin.Div(snap.Equity).Mul(decimal.NewFromInt(100))
			return pct.GreaterThanOrEqual(pctMin)
		},
	}
}

// TimeOfDayWindow requires the current UTC time-of-day to fall within
// [startMinute, endMinute) (minutes since midnight UTC). Supports windows
// that wrap past midnight (start > end) by construction: recomputed fresh
// on every evaluation.
func TimeOfDayWindow(startMinute, endMinute int) EntryCondition {
	return entryFunc{
		desc: "time_of_day_window",
		fn: func(types.AccountSnapshot) bool {
			now := time.Now().UTC()
			minuteOfDay := now.Hour()*60 + now.Minute()
			if startMinute <= endMinute {
				return minuteOfDay >= startMinute && minuteOfDay < endMinute
			}
			return minuteOfDay >= startMinute || minuteOfDay < endMinute
		},
	}
}

// WeekdayFilter requires the current UTC weekday to be one of the given
// three-letter abbreviations ("mon", "tue", ...), case-insensitive.
func WeekdayFilter(days ...string) EntryCondition {
	allowed := make(map[string]bool, len(days))
	for _, d := range days {
		allowed[strings.ToLower(d)] = true
	}
	return entryFunc{
		desc: "weekday_filter",
		fn: func(types.AccountSnapshot) bool {
			abbrev := strings.ToLower(time.Now().UTC().Weekday().String()[:3])
			return allowed[abbrev]
		},
	}
}

// MinEquity requires equity >= min.
func MinEquity(min decimal.Decimal) EntryCondition {
	return entryFunc{
		desc: "min_equity(" + min.String() + ")",
		fn: func(snap types.AccountSnapshot) bool {
			return snap.Equity.GreaterThanOrEqual(min)
		},
	}
}

// MaxAbsAccountDelta requires |net_delta| <= max.
func MaxAbsAccountDelta(max decimal.Decimal) EntryCondition {
	return entryFunc{
		desc: "max_abs_account_delta(" + max.String() + ")",
		fn: func(snap types.AccountSnapshot) bool {
			return snap.NetDelta.Abs().LessThanOrEqual(max)
		},
	}
}

// MaxMarginUtilization requires margin_utilization_pct <= maxPct.
func MaxMarginUtilization(maxPct decimal.Decimal) EntryCondition {
	return entryFunc{
		desc: "max_margin_utilization(" + maxPct.String() + ")",
		fn: func(snap types.AccountSnapshot) bool {
			return snap.MarginUtilizationPct.LessThanOrEqual(maxPct)
		},
	}
}

// NoExistingPositionIn requires none of the given symbols appear in the
// snapshot's open positions with non-zero quantity.
func NoExistingPositionIn(symbols ...string) EntryCondition {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return entryFunc{
		desc: "no_existing_position_in",
		fn: func(snap types.AccountSnapshot) bool {
			for _, pos := range snap.Positions {
				if set[pos.Symbol] && !pos.Qty.IsZero() {
					return false
				}
			}
			return true
		},
	}
}

// AbsoluteDateTimeWindow requires the current time to fall within [start,
// end).
func AbsoluteDateTimeWindow(start, end time.Time) EntryCondition {
	return entryFunc{
		desc: "absolute_datetime_window",
		fn: func(types.AccountSnapshot) bool {
			now := time.Now().UTC()
			return !now.Before(start) && now.Before(end)
		},
	}
}

// --- exit predicates ---

// ProfitTarget triggers when pnl_ratio >= targetPct.
func ProfitTarget(targetPct decimal.Decimal) types.ExitCondition {
	return exitFunc{
		desc: "profit_target(" + targetPct.String() + ")",
		fn: func(snap types.AccountSnapshot, trade *types.Trade) bool {
			ratio, ok := tradePnLRatio(snap, trade)
			return ok && ratio.GreaterThanOrEqual(targetPct)
		},
	}
}

// MaxLoss triggers when pnl_ratio <= -thresholdPct (thresholdPct is given as
// a positive magnitude).
func MaxLoss(thresholdPct decimal.Decimal) types.ExitCondition {
	return exitFunc{
		desc: "max_loss(" + thresholdPct.String() + ")",
		fn: func(snap types.AccountSnapshot, trade *types.Trade) bool {
			ratio, ok := tradePnLRatio(snap, trade)
			return ok && ratio.LessThanOrEqual(thresholdPct.Neg())
		},
	}
}

// MaxHoldDuration triggers once the trade has been open for at least the
// given duration.
func MaxHoldDuration(d time.Duration) types.ExitCondition {
	return exitFunc{
		desc: "max_hold_duration(" + d.String() + ")",
		fn: func(snap types.AccountSnapshot, trade *types.Trade) bool {
			if trade.OpenedAt.IsZero() {
				return false
			}
			return time.Since(trade.OpenedAt) >= d
		},
	}
}

// AbsoluteTimeOfDayExit triggers once the current UTC time-of-day has
// reached or passed minuteOfDay (minutes since midnight UTC).
func AbsoluteTimeOfDayExit(minuteOfDay int) types.ExitCondition {
	return exitFunc{
		desc: "absolute_time_of_day_exit",
		fn: func(types.AccountSnapshot, *types.Trade) bool {
			now := time.Now().UTC()
			return now.Hour()*60+now.Minute() >= minuteOfDay
		},
	}
}

// AbsoluteDateTimeExit triggers once the current time has reached t.
func AbsoluteDateTimeExit(t time.Time) types.ExitCondition {
	return exitFunc{
		desc: "absolute_datetime_exit(" + t.String() + ")",
		fn: func(types.AccountSnapshot, *types.Trade) bool {
			return !time.Now().UTC().Before(t)
		},
	}
}

// StructureDeltaLimit triggers when this trade's pro-rated delta exceeds
// maxAbs in magnitude.
func StructureDeltaLimit(maxAbs decimal.Decimal) types.ExitCondition {
	return exitFunc{
		desc: "structure_delta_limit(" + maxAbs.String() + ")",
		fn: func(snap types.AccountSnapshot, trade *types.Trade) bool {
			return tradeDelta(snap, trade).Abs().GreaterThan(maxAbs)
		},
	}
}

// AccountDeltaLimit triggers when the account-wide net delta exceeds maxAbs
// in magnitude.
func AccountDeltaLimit(maxAbs decimal.Decimal) types.ExitCondition {
	return exitFunc{
		desc: "account_delta_limit(" + maxAbs.String() + ")",
		fn: func(snap types.AccountSnapshot, trade *types.Trade) bool {
			return snap.NetDelta.Abs().GreaterThan(maxAbs)
		},
	}
}

// Comparison is the operator used by PerLegGreekThreshold.
type Comparison string

const (
	GreaterThan        Comparison = ">"
	GreaterThanOrEqual Comparison = ">="
	LessThan           Comparison = "<"
	LessThanOrEqual    Comparison = "<="
)

// Greek selects which field of a matching position's Greeks to compare.
type Greek string

const (
	Delta Greek = "delta"
	Gamma Greek = "gamma"
	Theta Greek = "theta"
	Vega  Greek = "vega"
)

// PerLegGreekThreshold triggers when the named leg's pro-rated share of its
// matching position's named Greek satisfies the comparison against value.
// legIndex indexes trade.OpenLegs; an out-of-range index never triggers.
func PerLegGreekThreshold(legIndex int, greek Greek, cmp Comparison, value decimal.Decimal) types.ExitCondition {
	return exitFunc{
		desc: "per_leg_greek_threshold",
		fn: func(snap types.AccountSnapshot, trade *types.Trade) bool {
			if legIndex < 0 || legIndex >= len(trade.OpenLegs) {
				return false
			}
			leg := trade.OpenLegs[legIndex]
			pos, ok := findPosition(snap, leg.Symbol)
			if !ok {
				return false
			}
			share := legShare(leg.Qty, pos.Qty)
			var raw decimal.Decimal
			switch greek {
			case Gamma:
				raw = pos.Gamma
			case Theta:
				raw = pos.Theta
			case Vega:
				raw = pos.Vega
			default:
				raw = pos.Delta
			}
			v := raw.Mul(share)
			switch cmp {
			case GreaterThan:
				return v.GreaterThan(value)
			case GreaterThanOrEqual:
				return v.GreaterThanOrEqual(value)
			case LessThan:
				return v.LessThan(value)
			case LessThanOrEqual:
				return v.LessThanOrEqual(value)
			default:
				return false
			}
		},
	}
}

// --- pro-rated attribution (§4.2) ---

// legShare is min(our_qty/total_qty, 1.0), zero if total is zero.
func legShare(ourQty, totalQty decimal.Decimal) decimal.Decimal {
	if totalQty.IsZero() {
		return decimal.Zero
	}
	share := ourQty.Div(totalQty.Abs())
	if share.GreaterThan(decimal.NewFromInt(1)) {
		return decimal.NewFromInt(1)
	}
	return share
}

func findPosition(snap types.AccountSnapshot, symbol string) (types.PositionSnapshot, bool) {
	for _, pos := range snap.Positions {
		if pos.Symbol == symbol {
			return pos, true
		}
	}
	return types.PositionSnapshot{}, false
}

// tradePnL sums each open leg's pro-rated share of its matching position's
// unrealized PnL.
func tradePnL(snap types.AccountSnapshot, trade *types.Trade) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range trade.OpenLegs {
		pos, ok := findPosition(snap, leg.Symbol)
		if !ok {
			continue
		}
		total = total.Add(pos.UnrealizedPnL.Mul(legShare(leg.Qty, pos.Qty)))
	}
	return total
}

// tradeDelta sums each open leg's pro-rated share of its matching position's
// delta.
func tradeDelta(snap types.AccountSnapshot, trade *types.Trade) decimal.Decimal {
	total := decimal.Zero
	for _, leg := range trade.OpenLegs {
		pos, ok := findPosition(snap, leg.Symbol)
		if !ok {
			continue
		}
		total = total.Add(pos.Delta.Mul(legShare(leg.Qty, pos.Qty)))
	}
	return total
}

// tradePnLRatio is pnl / |entry_cost| * 100, per types.PnLRatio's contract.
func tradePnLRatio(snap types.AccountSnapshot, trade *types.Trade) (decimal.Decimal, bool) {
	return types.PnLRatio(tradePnL(snap, trade), trade.EntryCost())
}
