package lifecycle

import (
	"log/slog"
	"sync"
	"time"

	"optiondaemon/internal/store"
	"optiondaemon/pkg/types"
)

// Persistence throttles trade-book snapshot writes to at most once per
// interval, composed on top of store's atomic file writer (§6: "throttles
// writes to ≥ 60s between disk hits").
type Persistence struct {
	store    *store.Store
	interval time.Duration
	logger   *slog.Logger

	mu        sync.Mutex
	lastSaved time.Time
}

// NewPersistence builds a throttled persistence layer. interval <= 0 falls
// back to 60s.
func NewPersistence(s *store.Store, interval time.Duration, logger *slog.Logger) *Persistence {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Persistence{store: s, interval: interval, logger: logger.With("component", "persistence")}
}

// MaybeSave writes trades to disk unless the last write happened more
// recently than interval ago.
func (p *Persistence) MaybeSave(trades []*types.Trade) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.lastSaved.IsZero() && time.Since(p.lastSaved) < p.interval {
		return
	}
	if err := p.store.SaveTrades(trades); err != nil {
		p.logger.Error("persist trades failed", "error", err)
		return
	}
	p.lastSaved = time.Now()
}

// ForceSave bypasses the throttle, used on shutdown.
func (p *Persistence) ForceSave(trades []*types.Trade) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.store.SaveTrades(trades); err != nil {
		return err
	}
	p.lastSaved = time.Now()
	return nil
}

// Recover loads the last-persisted trade book and reconciles it into a set
// ready to re-enter the Manager's trade map. A saved state's resumability is
// an open question the spec leaves to the implementer (§9): CLOSED and
// FAILED resume as-is (terminal, kept only for history/stats); OPEN resumes
// as-is, but Trade.ExitConditions is not serialized, so a recovered OPEN
// trade has no exit conditions and leaves OPEN only through a manual
// force-close; PENDING_OPEN/PENDING_CLOSE never placed an order
// and resume as-is. OPENING/CLOSING are the unsafe cases — we cannot tell
// whether orders are still live at the venue without per-attempt state that
// didn't survive the restart, so we resolve conservatively: any fills
// already recorded are unwound through PENDING_CLOSE (same as a partial-fill
// open failure); with no fills the trade is abandoned to FAILED rather than
// risk re-submitting orders that might already be working.
func (p *Persistence) Recover() ([]*types.Trade, error) {
	trades, err := p.store.LoadTrades()
	if err != nil {
		return nil, err
	}
	for _, t := range trades {
		switch t.State {
		case types.Opening:
			reconcileInterruptedOpen(t)
		case types.Closing:
			t.State = types.PendingClose
			p.logger.Warn("recovered trade was CLOSING, reverting to PENDING_CLOSE to retry", "trade_id", t.ID)
		}
	}
	return trades, nil
}

func reconcileInterruptedOpen(t *types.Trade) {
	if anyFilled(t.OpenLegs) {
		var trimmed []*types.Leg
		for _, leg := range t.OpenLegs {
			if leg.FilledQty.IsPositive() {
				leg.Qty = leg.FilledQty
				trimmed = append(trimmed, leg)
			}
		}
		t.OpenLegs = trimmed
		if t.OpenedAt.IsZero() {
			t.OpenedAt = time.Now()
		}
		t.State = types.Open
		t.State = types.PendingClose
		return
	}
	t.State = types.Failed
	t.Error = "abandoned on restart: was OPENING with no recorded fills"
}
