package engine

import (
	"context"
	"log/slog"
	"math"

	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/domain"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/metrics"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/storage"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/venue"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/pkg/sizing"
)

// breakevenMover moves a signal's stop-loss to the entry price after its
// first target fills. Shared by the fill monitor (primary path) and the
// reconciler (fallback when a fill was missed); the sl_moved_to_be claim in
// the store guarantees at most one replacement stop between them.
type breakevenMover struct {
	unit  string
	store *storage.Store
	gw    venue.Gateway
	meta  map[string]int
	log   *slog.Logger
}

// move performs the one-shot breakeven transition. Safe to call from both
// loops; the loser of the claim returns immediately.
func (b *breakevenMover) move(ctx context.Context, sig *domain.Signal) {
	claimed, err := b.store.ClaimBreakeven(ctx, sig.ID)
	if err != nil {
		b.log.Error("breakeven claim failed", "signal", sig.ID, "err", err)
		return
	}
	if !claimed {
		return
	}

	symbol := domain.NormalizeSymbol(sig.Symbol)

	positions, err := b.gw.Positions(ctx)
	if err != nil {
		b.release(ctx, sig.ID, "BE SL deferred: positions unavailable")
		return
	}

	var remaining float64
	for _, pos := range positions {
		if pos.Symbol == symbol {
			remaining = math.Abs(pos.Size)
			break
		}
	}
	if remaining == 0 {
		// Position already gone; the reconciler will close the row. The
		// claim stays set so no stop is ever placed for a dead position.
		b.log.Info("breakeven skipped, position closed", "unit", b.unit, "signal", sig.ID, "symbol", symbol)
		return
	}

	// Best effort: a stop that refuses to cancel is superseded by the new
	// one anyway, reduce-only keeps them from stacking exposure.
	if sig.StopOrderID != 0 {
		if res := b.gw.CancelOrder(ctx, symbol, sig.StopOrderID); !res.IsOk() {
			b.log.Warn("old stop cancel failed",
				"unit", b.unit, "signal", sig.ID, "oid", sig.StopOrderID, "msg", res.Message, "err", res.Err)
		}
	}

	szd := b.meta[symbol]
	res := b.gw.PlaceOrder(ctx, venue.OrderRequest{
		Symbol:     symbol,
		IsBuy:      !sig.IsLong(),
		Size:       sizing.RoundSize(remaining, szd),
		TriggerPx:  sizing.RoundPrice(sig.EntryPrice, szd),
		Type:       venue.OrderStopTrigger,
		ReduceOnly: true,
	})
	if !res.IsOk() {
		b.release(ctx, sig.ID, "BE SL failed: "+resultNote(res))
		return
	}

	if err := b.store.SetBreakevenOrder(ctx, sig.ID, res.OrderID); err != nil {
		b.log.Error("breakeven oid persist failed", "signal", sig.ID, "err", err)
		return
	}

	metrics.BreakevenMoves.WithLabelValues(b.unit).Inc()
	b.log.Info("stop moved to breakeven",
		"unit", b.unit, "signal", sig.ID, "symbol", symbol, "oid", res.OrderID, "size", remaining)
}

func (b *breakevenMover) release(ctx context.Context, id int64, note string) {
	if err := b.store.ReleaseBreakeven(ctx, id, note); err != nil {
		b.log.Error("breakeven release failed", "signal", id, "err", err)
	}
}

// resultNote renders a non-ok Result for the notes column.
func resultNote(res venue.Result) string {
	if res.IsTransportError() && res.Err != nil {
		return res.Err.Error()
	}
	return res.Message
}
