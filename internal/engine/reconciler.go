package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/domain"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/infra"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/metrics"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/storage"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/venue"
)

// Reconciler repairs drift between the store's beliefs and the venue's truth:
// ghost positions (closed on the venue, still filled in the store), abandoned
// resting orders, and breakeven transitions the fill monitor missed. It only
// ever moves store rows toward what the venue already says; it never places
// entry orders.
type Reconciler struct {
	unit  infra.UnitConfig
	cfg   infra.EngineConfig
	store *storage.Store
	gw    venue.Gateway
	be    *breakevenMover
	log   *slog.Logger
}

// NewReconciler builds the reconciliation loop for one unit.
func NewReconciler(unit infra.UnitConfig, cfg infra.EngineConfig, store *storage.Store, gw venue.Gateway, be *breakevenMover, log *slog.Logger) *Reconciler {
	return &Reconciler{unit: unit, cfg: cfg, store: store, gw: gw, be: be, log: log}
}

// Run ticks until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReconcileInterval())
	defer ticker.Stop()

	r.log.Info("reconciler started", "interval", r.cfg.ReconcileInterval())
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Reconciler) tick(ctx context.Context) {
	r.reconcilePositions(ctx)
	r.expireStaleOrders(ctx)
	if r.cfg.EnableBreakeven {
		r.catchMissedBreakevens(ctx)
	}
}

// reconcilePositions closes store rows whose positions no longer exist on the
// venue. A failed venue query skips the whole pass: closing rows on partial
// data would fabricate ghosts.
func (r *Reconciler) reconcilePositions(ctx context.Context) {
	believed, err := r.store.OpenEntries(ctx, r.unit.Name)
	if err != nil {
		r.log.Error("open entries query failed", "err", err)
		return
	}
	if len(believed) == 0 {
		return
	}

	positions, err := r.gw.Positions(ctx)
	if err != nil {
		r.log.Warn("positions unavailable, skipping reconciliation", "err", err)
		return
	}
	open := make(map[string]bool, len(positions))
	for _, pos := range positions {
		if pos.IsOpen() {
			open[pos.Symbol] = true
		}
	}

	var fills []domain.VenueFill
	fillsLoaded := false

	for _, sig := range believed {
		symbol := domain.NormalizeSymbol(sig.Symbol)
		if open[symbol] {
			continue
		}

		if !fillsLoaded {
			fills, err = r.gw.Fills(ctx)
			if err != nil {
				r.log.Warn("fills unavailable for pnl lookup", "err", err)
			}
			fillsLoaded = true
		}
		pnl := r.realizedPnL(sig, symbol, fills)

		note := "Position closed externally (reconciliation)"
		if pnl != nil {
			note = fmt.Sprintf("Position closed externally, pnl %.2f%% (reconciliation)", *pnl)
		}
		changed, err := r.store.MarkClosed(ctx, sig.ID, pnl, note)
		if err != nil {
			r.log.Error("ghost close failed", "signal", sig.ID, "err", err)
			continue
		}
		if changed {
			metrics.GhostClosures.WithLabelValues(r.unit.Name).Inc()
			r.log.Info("ghost position closed", "signal", sig.ID, "symbol", symbol)
		}
	}
}

// realizedPnL sums closing-fill PnL for the symbol from the recent fill
// history and converts it to a percentage of the entry notional. Nil when
// nothing usable was found.
func (r *Reconciler) realizedPnL(sig *domain.Signal, symbol string, fills []domain.VenueFill) *float64 {
	entryNotional := sig.EntryPrice * sig.ActualSize
	if entryNotional == 0 {
		return nil
	}

	scan := fills
	if len(scan) > r.cfg.PnLFillScan {
		scan = scan[:r.cfg.PnLFillScan]
	}

	var total float64
	found := false
	for _, f := range scan {
		if f.Symbol == symbol && f.IsClose() && f.ClosedPnL != 0 {
			total += f.ClosedPnL
			found = true
		}
	}
	if !found {
		return nil
	}

	pct := total / entryNotional * 100
	return &pct
}

// expireStaleOrders abandons sent rows whose resting orders never filled.
// Cancels are attempted for every recorded leg; the row is left for the next
// cycle only when the venue could not be reached at all.
func (r *Reconciler) expireStaleOrders(ctx context.Context) {
	sigs, err := r.store.StaleSentSignals(ctx, r.unit.Name, r.cfg.StaleOrderMaxAge())
	if err != nil {
		r.log.Error("stale signal query failed", "err", err)
		return
	}

	for _, sig := range sigs {
		symbol := domain.NormalizeSymbol(sig.Symbol)

		oids := []int64{sig.EntryOrderID, sig.StopOrderID}
		for _, oid := range sig.TargetOrders {
			oids = append(oids, oid)
		}

		attempted, unreachable := 0, 0
		for _, oid := range oids {
			if oid == 0 {
				continue
			}
			attempted++
			res := r.gw.CancelOrder(ctx, symbol, oid)
			if res.IsTransportError() {
				unreachable++
			}
			// Venue errors are fine here: an already-gone order cannot be
			// cancelled twice.
		}
		if attempted > 0 && unreachable == attempted {
			r.log.Warn("stale expiry deferred, venue unreachable", "signal", sig.ID)
			continue
		}

		note := fmt.Sprintf("Expired: no fill within %s", r.cfg.StaleOrderMaxAge())
		changed, err := r.store.MarkExpired(ctx, sig.ID, note)
		if err != nil {
			r.log.Error("expiry failed", "signal", sig.ID, "err", err)
			continue
		}
		if changed {
			metrics.StaleExpirations.WithLabelValues(r.unit.Name).Inc()
			r.log.Info("stale order expired", "signal", sig.ID, "symbol", symbol)
		}
	}
}

// catchMissedBreakevens is the fallback for target-1 fills the fill monitor
// never saw (process restarts, watermark gaps). Any filled entry without a
// breakeven move whose first target order appears in the venue's fill history
// gets the same claimed transition.
func (r *Reconciler) catchMissedBreakevens(ctx context.Context) {
	sigs, err := r.store.OpenEntriesWithoutBreakeven(ctx, r.unit.Name)
	if err != nil {
		r.log.Error("breakeven candidate query failed", "err", err)
		return
	}
	if len(sigs) == 0 {
		return
	}

	fills, err := r.gw.Fills(ctx)
	if err != nil {
		r.log.Warn("fills unavailable for breakeven check", "err", err)
		return
	}
	filledOIDs := make(map[int64]time.Time, len(fills))
	for _, f := range fills {
		filledOIDs[f.OrderID] = f.Time
	}

	for _, sig := range sigs {
		tp1 := sig.TargetOrders[0]
		if tp1 == 0 {
			continue
		}
		ts, ok := filledOIDs[tp1]
		if !ok {
			continue
		}

		r.log.Warn("missed target-1 fill detected", "signal", sig.ID, "oid", tp1)
		if err := r.store.SetTargetFillTime(ctx, sig.ID, 1, ts); err != nil {
			r.log.Error("target fill stamp failed", "signal", sig.ID, "err", err)
		}
		r.be.move(ctx, sig)
	}
}
