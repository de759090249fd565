package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/domain"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/infra"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/storage"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/venue"
)

// FillMonitor watches the venue's fill stream for the unit's target legs. It
// stamps per-target fill times and triggers the breakeven transition when the
// first target fills. An incremental watermark keeps ticks cheap; a periodic
// full rescan re-examines the whole lookback window so a missed fill is never
// missed forever.
type FillMonitor struct {
	unit  infra.UnitConfig
	cfg   infra.EngineConfig
	store *storage.Store
	gw    venue.Gateway
	be    *breakevenMover
	log   *slog.Logger

	watermark    time.Time
	lastFullScan time.Time
}

// NewFillMonitor builds the fill monitor for one unit.
func NewFillMonitor(unit infra.UnitConfig, cfg infra.EngineConfig, store *storage.Store, gw venue.Gateway, be *breakevenMover, log *slog.Logger) *FillMonitor {
	return &FillMonitor{unit: unit, cfg: cfg, store: store, gw: gw, be: be, log: log}
}

// Run ticks until the context is cancelled.
func (m *FillMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.FillMonitorInterval())
	defer ticker.Stop()

	m.log.Info("fill monitor started", "interval", m.cfg.FillMonitorInterval())
	for {
		select {
		case <-ctx.Done():
			m.log.Info("fill monitor stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *FillMonitor) tick(ctx context.Context) {
	now := time.Now()
	if m.lastFullScan.IsZero() || now.Sub(m.lastFullScan) >= m.cfg.FullScanInterval() {
		m.watermark = time.Time{}
		m.lastFullScan = now
	}

	fills, err := m.gw.Fills(ctx)
	if err != nil {
		m.log.Warn("fills unavailable", "err", err)
		return
	}

	newest := m.watermark
	for _, f := range fills {
		if !f.Time.After(m.watermark) {
			continue
		}
		if f.Time.After(newest) {
			newest = f.Time
		}
		m.processFill(ctx, f)
	}
	m.watermark = newest
}

func (m *FillMonitor) processFill(ctx context.Context, f domain.VenueFill) {
	sig, err := m.store.FindByTargetOrderID(ctx, m.unit.Name, f.OrderID, m.cfg.FillLookback())
	if err != nil {
		m.log.Error("target lookup failed", "oid", f.OrderID, "err", err)
		return
	}

	if sig == nil {
		// Not one of our target legs. A closing fill with realized PnL still
		// tells us how the symbol's latest trade went.
		if f.IsClose() && f.ClosedPnL != 0 {
			m.attributePnL(ctx, f)
		}
		return
	}

	n := sig.TargetIndexForOrder(f.OrderID)
	if n == 0 {
		return
	}

	if err := m.store.SetTargetFillTime(ctx, sig.ID, n, f.Time); err != nil {
		m.log.Error("target fill stamp failed", "signal", sig.ID, "target", n, "err", err)
		return
	}
	m.log.Info("target filled",
		"signal", sig.ID, "symbol", f.Symbol, "target", n, "px", f.Price, "sz", f.Size)

	if n == 1 && m.cfg.EnableBreakeven && !sig.SLMovedToBE {
		m.be.move(ctx, sig)
	}
}

// attributePnL pins a closing fill's realized PnL to the most recent filled
// entry for the symbol. Best effort: with overlapping trades on one symbol
// the attribution can be wrong, and the note says only what was observed.
func (m *FillMonitor) attributePnL(ctx context.Context, f domain.VenueFill) {
	sig, err := m.store.LatestFilledEntry(ctx, m.unit.Name, f.Symbol)
	if err != nil || sig == nil {
		return
	}

	entryNotional := sig.EntryPrice * sig.ActualSize
	if entryNotional == 0 {
		return
	}
	pnlPercent := f.ClosedPnL / entryNotional * 100

	if err := m.store.AttachPnL(ctx, sig.ID, pnlPercent, "PnL from venue fill"); err != nil {
		m.log.Error("pnl attach failed", "signal", sig.ID, "err", err)
	}
}
