// Package account implements the background account poller (§4.1): it
// produces immutable account snapshots on a fixed interval and fans them
// out, in registration order, to every registered callback.
package account

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"optiondaemon/internal/venue"
	"optiondaemon/pkg/types"
)

// Callback receives each fresh snapshot. It must be non-blocking or dispatch
// its own work — the poller's worker waits for it to return before calling
// the next callback.
type Callback func(snap types.AccountSnapshot)

// Source is the subset of the venue client the poller needs.
type Source interface {
	GetPositions(ctx context.Context) ([]types.PositionSnapshot, error)
	GetAccountSummary(ctx context.Context) (*venue.AccountSummary, error)
}

// Poller produces periodic AccountSnapshot values and delivers them to
// registered callbacks. The latest snapshot is published via atomic.Pointer
// so Latest is safe to call from any goroutine.
type Poller struct {
	source   Source
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	callbacks []Callback

	latest atomic.Pointer[types.AccountSnapshot]

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Poller against source, snapshotting every interval.
func New(source Source, interval time.Duration, logger *slog.Logger) *Poller {
	return &Poller{
		source:   source,
		interval: interval,
		logger:   logger.With("component", "account_poller"),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// RegisterCallback appends a callback. No deregistration is provided —
// callbacks live for the poller's lifetime.
func (p *Poller) RegisterCallback(cb Callback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks = append(p.callbacks, cb)
}

// Latest returns the most recently published snapshot, or (zero, false) if
// no snapshot has completed yet.
func (p *Poller) Latest() (types.AccountSnapshot, bool) {
	snap := p.latest.Load()
	if snap == nil {
		return types.AccountSnapshot{}, false
	}
	return *snap, true
}

// SnapshotNow synchronously fetches positions and account summary, builds a
// snapshot, installs it as the latest, and returns it. The background worker
// calls it on every poll; callers that need an up-to-date read outside the
// poll cadence may call it directly.
func (p *Poller) SnapshotNow(ctx context.Context) (types.AccountSnapshot, error) {
	positions, err := p.source.GetPositions(ctx)
	if err != nil {
		return types.AccountSnapshot{}, err
	}
	summary, err := p.source.GetAccountSummary(ctx)
	if err != nil {
		return types.AccountSnapshot{}, err
	}

	snap := buildSnapshot(positions, summary)
	p.latest.Store(&snap)
	return snap, nil
}

func buildSnapshot(positions []types.PositionSnapshot, summary *venue.AccountSummary) types.AccountSnapshot {
	now := time.Now()
	snap := types.AccountSnapshot{
		Equity:            summary.Equity,
		AvailableMargin:   summary.AvailableMargin,
		InitialMargin:     summary.InitialMargin,
		MaintenanceMargin: summary.MaintenanceMargin,
		UnrealizedPnL:     summary.UnrealizedPnL,
		Positions:         positions,
		NetDelta:          decimal.Zero,
		NetGamma:          decimal.Zero,
		NetTheta:          decimal.Zero,
		NetVega:           decimal.Zero,
		Timestamp:         now,
	}

	if !summary.Equity.IsZero() {
		snap.MarginUtilizationPct = summary.InitialMargin.Div(summary.Equity).Mul(decimal.NewFromInt(100))
	}

	for _, pos := range positions {
		snap.NetDelta = snap.NetDelta.Add(pos.Delta)
		snap.NetGamma = snap.NetGamma.Add(pos.Gamma)
		snap.NetTheta = snap.NetTheta.Add(pos.Theta)
		snap.NetVega = snap.NetVega.Add(pos.Vega)
	}

	for i := range positions {
		positions[i].Timestamp = now
	}
	return snap
}

// Start launches the background worker: snapshot, deliver to callbacks in
// registration order, sleep. The sleep is chopped into small sub-intervals
// so Stop returns within roughly 100ms of being called.
func (p *Poller) Start(ctx context.Context) {
	go p.run(ctx)
}

const stopCheckInterval = 100 * time.Millisecond

func (p *Poller) run(ctx context.Context) {
	defer close(p.doneCh)

	for {
		snap, err := p.SnapshotNow(ctx)
		if err != nil {
			p.logger.Error("snapshot fetch failed, skipping delivery", "error", err)
		} else {
			p.deliver(snap)
		}

		if p.sleepOrStop(ctx, p.interval) {
			return
		}
	}
}

// sleepOrStop sleeps for d in stopCheckInterval chunks, returning true as
// soon as ctx is cancelled or Stop is called.
func (p *Poller) sleepOrStop(ctx context.Context, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		wait := stopCheckInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return true
		case <-p.stopCh:
			return true
		case <-time.After(wait):
		}
	}
}

// deliver calls every registered callback in order. A panicking callback is
// logged and does not prevent subsequent callbacks from running.
func (p *Poller) deliver(snap types.AccountSnapshot) {
	p.mu.Lock()
	callbacks := make([]Callback, len(p.callbacks))
	copy(callbacks, p.callbacks)
	p.mu.Unlock()

	for _, cb := range callbacks {
		p.safeCall(cb, snap)
	}
}

func (p *Poller) safeCall(cb Callback, snap types.AccountSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("account poller callback panicked", "panic", r)
		}
	}()
	cb(snap)
}

// Stop signals the worker to exit and blocks until it has. It is safe to
// call more than once. It waits on the worker that Start launched, so on a
// Poller whose Start was never called Stop does not return.
func (p *Poller) Stop() {
	select {
	case <-p.stopCh:
		// already stopped
	default:
		close(p.stopCh)
	}
	<-p.doneCh
}
