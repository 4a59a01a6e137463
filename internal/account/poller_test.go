package account

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"optiondaemon/internal/venue"
	"optiondaemon/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mustDecimal(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type stubSource struct {
	mu        sync.Mutex
	positions []types.PositionSnapshot
	summary   *venue.AccountSummary
	err       error
	calls     int
}

func (s *stubSource) GetPositions(ctx context.Context) ([]types.PositionSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.positions, nil
}

func (s *stubSource) GetAccountSummary(ctx context.Context) (*venue.AccountSummary, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.summary, nil
}

func TestSnapshotNowAggregatesGreeksAndMarginUtilization(t *testing.T) {
	t.Parallel()

	src := &stubSource{
		positions: []types.PositionSnapshot{
			{Symbol: "A", Delta: mustDecimal("0.5"), Gamma: mustDecimal("0.01"), Theta: mustDecimal("-0.02"), Vega: mustDecimal("0.1")},
			{Symbol: "B", Delta: mustDecimal("-0.2"), Gamma: mustDecimal("0.02"), Theta: mustDecimal("-0.01"), Vega: mustDecimal("0.05")},
		},
		summary: &venue.AccountSummary{
			Equity:        mustDecimal("1000"),
			InitialMargin: mustDecimal("250"),
		},
	}
	p := New(src, time.Hour, testLogger())

	snap, err := p.SnapshotNow(context.Background())
	if err != nil {
		t.Fatalf("SnapshotNow: %v", err)
	}
	if !snap.NetDelta.Equal(mustDecimal("0.3")) {
		t.Errorf("NetDelta = %v, want 0.3", snap.NetDelta)
	}
	if !snap.MarginUtilizationPct.Equal(mustDecimal("25")) {
		t.Errorf("MarginUtilizationPct = %v, want 25", snap.MarginUtilizationPct)
	}

	latest, ok := p.Latest()
	if !ok {
		t.Fatal("expected Latest to be populated after SnapshotNow")
	}
	if !latest.Equity.Equal(mustDecimal("1000")) {
		t.Errorf("latest equity = %v, want 1000", latest.Equity)
	}
}

func TestLatestBeforeFirstSnapshot(t *testing.T) {
	t.Parallel()

	p := New(&stubSource{summary: &venue.AccountSummary{}}, time.Hour, testLogger())
	if _, ok := p.Latest(); ok {
		t.Error("expected no snapshot before SnapshotNow/Start")
	}
}

func TestStartDeliversToCallbacksInOrder(t *testing.T) {
	t.Parallel()

	src := &stubSource{summary: &venue.AccountSummary{Equity: mustDecimal("500")}}
	p := New(src, 5*time.Millisecond, testLogger())

	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, 1)

	p.RegisterCallback(func(snap types.AccountSnapshot) {
		mu.Lock()
		order = append(order, 1)
		mu.Unlock()
	})
	p.RegisterCallback(func(snap types.AccountSnapshot) {
		mu.Lock()
		order = append(order, 2)
		n := len(order)
		mu.Unlock()
		if n >= 2 {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback delivery")
	}
	p.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(order) < 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("callbacks delivered out of order: %v", order)
	}
}

func TestPanickingCallbackDoesNotBlockOthers(t *testing.T) {
	t.Parallel()

	src := &stubSource{summary: &venue.AccountSummary{}}
	p := New(src, time.Hour, testLogger())

	called := make(chan struct{}, 1)
	p.RegisterCallback(func(snap types.AccountSnapshot) {
		panic("boom")
	})
	p.RegisterCallback(func(snap types.AccountSnapshot) {
		called <- struct{}{}
	})

	if _, err := p.SnapshotNow(context.Background()); err != nil {
		t.Fatalf("SnapshotNow: %v", err)
	}
	p.deliver(types.AccountSnapshot{})

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("second callback was not invoked after first panicked")
	}
}

func TestStopReturnsPromptly(t *testing.T) {
	t.Parallel()

	src := &stubSource{summary: &venue.AccountSummary{}}
	p := New(src, time.Minute, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)
	time.Sleep(10 * time.Millisecond)

	start := time.Now()
	p.Stop()
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Stop took %v, want well under a second", elapsed)
	}
}

func TestSnapshotFetchFailureDoesNotClearLatest(t *testing.T) {
	t.Parallel()

	src := &stubSource{summary: &venue.AccountSummary{Equity: mustDecimal("100")}}
	p := New(src, time.Hour, testLogger())

	if _, err := p.SnapshotNow(context.Background()); err != nil {
		t.Fatalf("SnapshotNow: %v", err)
	}

	src.mu.Lock()
	src.err = context.DeadlineExceeded
	src.mu.Unlock()

	if _, err := p.SnapshotNow(context.Background()); err == nil {
		t.Fatal("expected error from failing source")
	}

	latest, ok := p.Latest()
	if !ok || !latest.Equity.Equal(mustDecimal("100")) {
		t.Error("expected stale snapshot to remain after a failed fetch")
	}
}
