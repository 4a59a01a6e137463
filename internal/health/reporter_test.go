package health

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"optiondaemon/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestLatestBeforeFirstSnapshot(t *testing.T) {
	t.Parallel()
	r := New(time.Minute, testLogger())
	if _, ok := r.Latest(); ok {
		t.Error("expected no report before the first snapshot")
	}
}

func TestOnSnapshotBuildsReport(t *testing.T) {
	t.Parallel()
	r := New(time.Minute, testLogger())

	snap := types.AccountSnapshot{
		Equity:               d("10000"),
		AvailableMargin:      d("8000"),
		MarginUtilizationPct: d("20"),
		NetDelta:             d("3.5"),
		Positions: []types.PositionSnapshot{
			{Symbol: "A", Qty: d("1")},
			{Symbol: "B", Qty: d("0")}, // closed, should not count
		},
	}
	r.OnSnapshot(snap)

	rep, ok := r.Latest()
	if !ok {
		t.Fatal("expected a report after OnSnapshot")
	}
	if rep.OpenPositions != 1 {
		t.Errorf("open_positions = %d, want 1 (zero-qty position excluded)", rep.OpenPositions)
	}
	if !rep.Equity.Equal(d("10000")) {
		t.Errorf("equity = %s, want 10000", rep.Equity)
	}
	if rep.Uptime <= 0 {
		t.Error("expected a positive uptime once started")
	}
}

func TestOnSnapshotThrottlesLogging(t *testing.T) {
	t.Parallel()
	r := New(time.Hour, testLogger())

	r.OnSnapshot(types.AccountSnapshot{Equity: d("100")})
	first := r.lastLogged

	r.OnSnapshot(types.AccountSnapshot{Equity: d("200")})
	if !r.lastLogged.Equal(first) {
		t.Error("second snapshot within the interval should not reset lastLogged")
	}

	// Latest() always reflects the most recent snapshot regardless of the
	// logging throttle.
	rep, _ := r.Latest()
	if !rep.Equity.Equal(d("200")) {
		t.Errorf("equity = %s, want 200 (Latest must not be throttled)", rep.Equity)
	}
}
