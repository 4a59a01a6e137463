// Package health reports periodic account-level health: uptime, equity,
// available margin, margin utilisation, net delta, and open-position count
// (§7). It subscribes to the account poller as a callback and logs/exports
// metrics on its own interval, independent of the poll cadence.
package health

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"optiondaemon/pkg/types"
)

var (
	equityGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "optiondaemon_equity_usd",
		Help: "Current account equity in USD.",
	})
	availableMarginGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "optiondaemon_available_margin_usd",
		Help: "Current available margin in USD.",
	})
	marginUtilizationGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "optiondaemon_margin_utilization_pct",
		Help: "Initial margin as a percentage of equity.",
	})
	netDeltaGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "optiondaemon_net_delta",
		Help: "Net delta across all open positions.",
	})
	openPositionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "optiondaemon_open_positions",
		Help: "Count of open positions at last account snapshot.",
	})
	uptimeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "optiondaemon_uptime_seconds",
		Help: "Seconds since the daemon started.",
	})
	snapshotErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "optiondaemon_account_snapshot_errors_total",
		Help: "Count of account snapshot fetch failures observed by the poller.",
	})
)

func init() {
	prometheus.MustRegister(
		equityGauge,
		availableMarginGauge,
		marginUtilizationGauge,
		netDeltaGauge,
		openPositionsGauge,
		uptimeGauge,
		snapshotErrorsTotal,
	)
}

// Report is the read-only snapshot a health reporter publishes, e.g. for a
// dashboard /health endpoint.
type Report struct {
	Uptime               time.Duration   `json:"uptime_seconds"`
	Equity               decimal.Decimal `json:"equity"`
	AvailableMargin      decimal.Decimal `json:"available_margin"`
	MarginUtilizationPct decimal.Decimal `json:"margin_utilization_pct"`
	NetDelta             decimal.Decimal `json:"net_delta"`
	OpenPositions        int             `json:"open_positions"`
	Timestamp            time.Time       `json:"timestamp"`
}

// Reporter accumulates the latest account snapshot via OnSnapshot (intended
// to be registered as an account.Callback) and logs a health report on its
// own interval.
type Reporter struct {
	interval  time.Duration
	logger    *slog.Logger
	startedAt time.Time

	mu     sync.Mutex
	latest types.AccountSnapshot
	have   bool

	lastLogged time.Time
}

// New builds a Reporter. interval <= 0 falls back to 5 minutes.
func New(interval time.Duration, logger *slog.Logger) *Reporter {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Reporter{
		interval:  interval,
		logger:    logger.With("component", "health"),
		startedAt: time.Now(),
	}
}

// OnSnapshot records the latest account snapshot and, if the report interval
// has elapsed, logs and exports it. Suitable for direct registration as an
// account.Callback.
func (r *Reporter) OnSnapshot(snap types.AccountSnapshot) {
	r.mu.Lock()
	r.latest = snap
	r.have = true
	due := r.lastLogged.IsZero() || time.Since(r.lastLogged) >= r.interval
	if due {
		r.lastLogged = time.Now()
	}
	r.mu.Unlock()

	if due {
		r.publish(snap)
	}
}

// NoteSnapshotError increments the snapshot-error counter. Nothing in the
// daemon calls it: the account poller only logs its fetch failures.
func NoteSnapshotError() {
	snapshotErrorsTotal.Inc()
}

func (r *Reporter) publish(snap types.AccountSnapshot) {
	rep := r.buildReport(snap)

	equityGauge.Set(decimalToFloat(rep.Equity))
	availableMarginGauge.Set(decimalToFloat(rep.AvailableMargin))
	marginUtilizationGauge.Set(decimalToFloat(rep.MarginUtilizationPct))
	netDeltaGauge.Set(decimalToFloat(rep.NetDelta))
	openPositionsGauge.Set(float64(rep.OpenPositions))
	uptimeGauge.Set(rep.Uptime.Seconds())

	r.logger.Info("health report",
		"uptime", rep.Uptime.Round(time.Second).String(),
		"equity", rep.Equity.String(),
		"available_margin", rep.AvailableMargin.String(),
		"margin_utilization_pct", rep.MarginUtilizationPct.String(),
		"net_delta", rep.NetDelta.String(),
		"open_positions", rep.OpenPositions,
	)
}

func (r *Reporter) buildReport(snap types.AccountSnapshot) Report {
	open := 0
	for _, pos := range snap.Positions {
		if !pos.Qty.IsZero() {
			open++
		}
	}
	return Report{
		Uptime:               time.Since(r.startedAt),
		Equity:               snap.Equity,
		AvailableMargin:      snap.AvailableMargin,
		MarginUtilizationPct: snap.MarginUtilizationPct,
		NetDelta:             snap.NetDelta,
		OpenPositions:        open,
		Timestamp:            snap.Timestamp,
	}
}

// Latest returns the most recently built report, or (zero, false) before the
// first snapshot has arrived.
func (r *Reporter) Latest() (Report, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.have {
		return Report{}, false
	}
	return r.buildReport(r.latest), true
}

func decimalToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
