// Package engine runs the three loops of one execution unit: the signal
// processor (order placement), the fill monitor (breakeven management), and
// the reconciler (drift repair). The shared SQLite store is the source of
// intent; the venue is the source of truth about positions and orders.
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
	"github.com/BTCJohnny/hyperliquid-fleet-execution/pkg/sizing"
)

// Processor claims pending signals and turns them into venue orders. Exits
// always drain before entries: a queue that wants out must get out before
// anything new goes on.
type Processor struct {
	unit  infra.UnitConfig
	cfg   infra.EngineConfig
	store *storage.Store
	gw    venue.Gateway
	meta  map[string]int
	log   *slog.Logger

	paused bool
}

// NewProcessor builds the signal processor for one unit.
func NewProcessor(unit infra.UnitConfig, cfg infra.EngineConfig, store *storage.Store, gw venue.Gateway, meta map[string]int, log *slog.Logger) *Processor {
	return &Processor{unit: unit, cfg: cfg, store: store, gw: gw, meta: meta, log: log}
}

// Run ticks until the context is cancelled. A failed tick never stops the
// loop.
func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval())
	defer ticker.Stop()

	p.log.Info("signal processor started", "interval", p.cfg.PollInterval())
	for {
		select {
		case <-ctx.Done():
			p.log.Info("signal processor stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	p.applyControls(ctx)
	if p.paused {
		return
	}

	p.drainExits(ctx)
	p.processEntries(ctx)
}

// applyControls consumes pending control commands, oldest first. Commands are
// consumed even while paused, so a RESUME always lands.
func (p *Processor) applyControls(ctx context.Context) {
	cmds, err := p.store.PendingControls(ctx, p.unit.Name)
	if err != nil {
		p.log.Error("control query failed", "err", err)
		return
	}

	for _, cmd := range cmds {
		switch cmd.Command {
		case domain.CommandPause:
			p.paused = true
			metrics.Paused.WithLabelValues(p.unit.Name).Set(1)
			p.log.Warn("unit paused", "command", cmd.ID)

		case domain.CommandResume:
			p.paused = false
			metrics.Paused.WithLabelValues(p.unit.Name).Set(0)
			p.log.Info("unit resumed", "command", cmd.ID)

		case domain.CommandCloseAll:
			p.log.Warn("CLOSE_ALL received", "command", cmd.ID)
			p.closeAll(ctx)

		default:
			p.log.Warn("unknown control command", "command", cmd.Command, "id", cmd.ID)
		}

		if err := p.store.MarkControlExecuted(ctx, cmd.ID); err != nil {
			p.log.Error("control flag update failed", "command", cmd.ID, "err", err)
		}
	}
}

// closeAll cancels every resting order, then flattens every position.
func (p *Processor) closeAll(ctx context.Context) {
	orders, err := p.gw.OpenOrders(ctx)
	if err != nil {
		p.log.Error("close-all: open orders unavailable", "err", err)
	}
	for _, o := range orders {
		if res := p.gw.CancelOrder(ctx, o.Symbol, o.OrderID); !res.IsOk() {
			p.log.Warn("close-all: cancel failed", "symbol", o.Symbol, "oid", o.OrderID, "msg", resultNote(res))
		}
	}

	positions, err := p.gw.Positions(ctx)
	if err != nil {
		p.log.Error("close-all: positions unavailable", "err", err)
		return
	}
	for _, pos := range positions {
		res := p.gw.MarketClose(ctx, pos.Symbol)
		if !res.IsOk() {
			p.log.Error("close-all: close failed", "symbol", pos.Symbol, "msg", resultNote(res))
			continue
		}
		p.log.Info("close-all: position flattened", "symbol", pos.Symbol, "size", pos.Size)
	}
}

// drainExits claims and executes exit signals until none remain pending.
func (p *Processor) drainExits(ctx context.Context) {
	for {
		sig, err := p.store.ClaimNextPending(ctx, p.unit.Name, domain.KindExit)
		if err != nil {
			p.log.Error("exit claim failed", "err", err)
			return
		}
		if sig == nil {
			return
		}
		p.processExit(ctx, sig)
	}
}

func (p *Processor) processExit(ctx context.Context, sig *domain.Signal) {
	symbol := domain.NormalizeSymbol(sig.Symbol)
	log := p.log.With("signal", sig.ID, "symbol", symbol)

	// Resting entry/stop/target orders for the symbol go first, otherwise a
	// stale trigger could re-open exposure after the flatten.
	orders, err := p.gw.OpenOrders(ctx)
	if err != nil {
		log.Warn("exit: open orders unavailable, closing anyway", "err", err)
	}
	for _, o := range orders {
		if o.Symbol != symbol {
			continue
		}
		if res := p.gw.CancelOrder(ctx, symbol, o.OrderID); !res.IsOk() {
			log.Warn("exit: cancel failed", "oid", o.OrderID, "msg", resultNote(res))
		}
	}

	res := p.gw.MarketClose(ctx, symbol)
	switch {
	case res.IsOk():
		note := "Closed via exit signal"
		if res.Message != "" {
			note = "Exit no-op: " + res.Message
		}
		if err := p.store.MarkExecuted(ctx, sig.ID, note); err != nil {
			log.Error("exit: status update failed", "err", err)
			return
		}
		metrics.SignalsProcessed.WithLabelValues(p.unit.Name, domain.KindExit, domain.StatusExecuted).Inc()
		log.Info("exit executed", "note", note)

	default:
		p.failSignal(ctx, sig, domain.KindExit, "Close failed: "+resultNote(res))
	}
}

// processEntries claims entry signals while no exit is pending. The gate is
// re-checked before every claim since exits can arrive mid-drain.
func (p *Processor) processEntries(ctx context.Context) {
	for {
		exits, err := p.store.PendingExitCount(ctx, p.unit.Name)
		if err != nil {
			p.log.Error("exit count failed", "err", err)
			return
		}
		if exits > 0 {
			return
		}

		sig, err := p.store.ClaimNextPending(ctx, p.unit.Name, domain.KindEntry)
		if err != nil {
			p.log.Error("entry claim failed", "err", err)
			return
		}
		if sig == nil {
			return
		}
		p.processEntry(ctx, sig)
	}
}

func (p *Processor) processEntry(ctx context.Context, sig *domain.Signal) {
	symbol := domain.NormalizeSymbol(sig.Symbol)
	log := p.log.With("signal", sig.ID, "symbol", symbol)

	szd, ok := p.meta[symbol]
	if !ok {
		p.failSignal(ctx, sig, domain.KindEntry, fmt.Sprintf("Unknown symbol %s", symbol))
		return
	}

	positions, err := p.gw.Positions(ctx)
	if err != nil {
		p.retrySignal(ctx, sig, log, err)
		return
	}
	if len(positions) >= p.unit.MaxConcurrentPositions {
		p.failSignal(ctx, sig, domain.KindEntry,
			fmt.Sprintf("Max concurrent positions reached (%d)", p.unit.MaxConcurrentPositions))
		return
	}

	equity, err := p.gw.AccountEquity(ctx)
	if err != nil {
		p.retrySignal(ctx, sig, log, err)
		return
	}

	mids, err := p.gw.AllMids(ctx)
	if err != nil {
		p.retrySignal(ctx, sig, log, err)
		return
	}
	mid := mids[symbol]

	plan, note, err := p.buildPlan(sig, symbol, szd, equity, mid)
	if err != nil {
		p.failSignal(ctx, sig, domain.KindEntry, err.Error())
		return
	}
	if note != "" {
		log.Info("entry plan adjusted", "note", note)
	}

	p.placeEntry(ctx, sig, plan, log)
}

// entryPlan is the fully resolved set of orders for one entry signal.
type entryPlan struct {
	symbol   string
	isLong   bool
	market   bool
	size     float64
	entryPx  float64
	stopPx   float64
	targets  []float64 // prices, aligned with legs
	legs     []float64 // sizes
	planNote string
}

// buildPlan runs the sizing pipeline: stop resolution, staleness check,
// risk sizing, leverage cap, precision rounding, target split. Pure given its
// inputs; any error is a safety rejection that never reaches the venue.
func (p *Processor) buildPlan(sig *domain.Signal, symbol string, szd int, equity, mid float64) (*entryPlan, string, error) {
	isLong := sig.IsLong()
	entry := sig.EntryPrice
	if entry <= 0 {
		return nil, "", fmt.Errorf("Entry price missing")
	}

	var notes string

	stop := 0.0
	if sig.StopLoss != nil {
		stop = *sig.StopLoss
	} else {
		stop = sizing.DefaultStop(entry, p.unit.DefaultStopDistance, isLong)
		notes = "Default stop applied"
	}

	// A drifted quote forces a market fill with the stop re-anchored to the
	// current mid, preserving the signal's absolute risk distance.
	market := mid > 0 && sizing.IsStale(entry, mid, p.cfg.StalenessThreshold)
	ref := entry
	if market {
		stop = sizing.AnchorStop(mid, entry, stop, isLong)
		ref = mid
		notes = "Stale entry, market fallback"
	}

	riskFrac := sizing.RiskFraction(sig.ConfidenceScore, p.unit.RiskPerTrade)
	size, err := sizing.RiskSize(equity, riskFrac, ref, stop)
	if err != nil {
		return nil, "", fmt.Errorf("Sizing failed: %v", err)
	}
	size = sizing.CapLeverage(size, ref, equity, p.unit.MaxLeverage)
	size = sizing.RoundSize(size, szd)
	if size <= 0 {
		return nil, "", fmt.Errorf("Computed size rounds to zero")
	}

	plan := &entryPlan{
		symbol:   symbol,
		isLong:   isLong,
		market:   market,
		size:     size,
		entryPx:  sizing.RoundPrice(entry, szd),
		stopPx:   sizing.RoundPrice(stop, szd),
		planNote: notes,
	}

	n := sig.TargetCount()
	if n > 0 {
		legs := sizing.SplitTargets(size, n, szd)
		leg := 0
		for _, t := range sig.Targets {
			if t == nil {
				continue
			}
			plan.targets = append(plan.targets, sizing.RoundPrice(*t, szd))
			plan.legs = append(plan.legs, legs[leg])
			leg++
		}
	}

	return plan, notes, nil
}

// placeEntry sends the plan's legs in order: entry, stop, targets. A venue
// rejection terminalizes; a transport failure before any leg is placed resets
// the row for a retry; after the first leg it terminalizes with the leg named.
func (p *Processor) placeEntry(ctx context.Context, sig *domain.Signal, plan *entryPlan, log *slog.Logger) {
	entryReq := venue.OrderRequest{
		Symbol:  plan.symbol,
		IsBuy:   plan.isLong,
		Size:    plan.size,
		LimitPx: plan.entryPx,
		Type:    venue.OrderLimit,
	}
	if plan.market {
		entryReq.Type = venue.OrderMarket
	}

	res := p.gw.PlaceOrder(ctx, entryReq)
	switch {
	case res.IsVenueError():
		metrics.VenueErrors.WithLabelValues(p.unit.Name, "rejection").Inc()
		p.failSignal(ctx, sig, domain.KindEntry, "Entry rejected: "+res.Message)
		return
	case res.IsTransportError():
		p.retrySignal(ctx, sig, log, res.Err)
		return
	}
	entryOID := res.OrderID
	entryFilled := res.Filled
	metrics.OrdersPlaced.WithLabelValues(p.unit.Name, "entry").Inc()

	var placed []int64 // venue oids placed so far, for optional compensation
	placed = append(placed, entryOID)

	stopRes := p.gw.PlaceOrder(ctx, venue.OrderRequest{
		Symbol:     plan.symbol,
		IsBuy:      !plan.isLong,
		Size:       plan.size,
		TriggerPx:  plan.stopPx,
		Type:       venue.OrderStopTrigger,
		ReduceOnly: true,
	})
	if !stopRes.IsOk() {
		p.abortPartial(ctx, sig, plan.symbol, placed, "stop-loss", stopRes)
		return
	}
	stopOID := stopRes.OrderID
	placed = append(placed, stopOID)
	metrics.OrdersPlaced.WithLabelValues(p.unit.Name, "stop").Inc()

	var targetOIDs [domain.MaxTargets]int64
	for i := range plan.targets {
		if plan.legs[i] <= 0 {
			continue // leg truncated to dust, remainder rides on later legs
		}
		tpRes := p.gw.PlaceOrder(ctx, venue.OrderRequest{
			Symbol:     plan.symbol,
			IsBuy:      !plan.isLong,
			Size:       plan.legs[i],
			TriggerPx:  plan.targets[i],
			Type:       venue.OrderTakeProfitTrigger,
			ReduceOnly: true,
		})
		if !tpRes.IsOk() {
			p.abortPartial(ctx, sig, plan.symbol, placed, fmt.Sprintf("target %d", i+1), tpRes)
			return
		}
		targetOIDs[i] = tpRes.OrderID
		placed = append(placed, tpRes.OrderID)
		metrics.OrdersPlaced.WithLabelValues(p.unit.Name, "target").Inc()
	}

	status := domain.StatusSent
	if entryFilled {
		status = domain.StatusFilled
	}
	if err := p.store.RecordEntryPlacement(ctx, sig.ID, status, plan.size, entryOID, stopOID, targetOIDs); err != nil {
		log.Error("entry: placement persist failed", "err", err)
		return
	}

	metrics.SignalsProcessed.WithLabelValues(p.unit.Name, domain.KindEntry, status).Inc()
	log.Info("entry placed",
		"status", status, "size", plan.size, "market", plan.market,
		"entry_oid", entryOID, "stop_oid", stopOID, "targets", len(plan.targets))
}

// abortPartial handles a failed leg after at least one order is live. The
// signal terminalizes either way; compensation is an operator choice because
// cancelling a live entry on a flaky connection can fail too.
func (p *Processor) abortPartial(ctx context.Context, sig *domain.Signal, symbol string, placed []int64, leg string, res venue.Result) {
	if p.cfg.CancelPartialLegs {
		for _, oid := range placed {
			if c := p.gw.CancelOrder(ctx, symbol, oid); !c.IsOk() {
				p.log.Warn("partial compensation cancel failed", "signal", sig.ID, "oid", oid, "msg", resultNote(c))
			}
		}
	}
	p.failSignal(ctx, sig, domain.KindEntry,
		fmt.Sprintf("Failed to place %s: %s", leg, resultNote(res)))
}

func (p *Processor) failSignal(ctx context.Context, sig *domain.Signal, kind, note string) {
	if err := p.store.MarkFailed(ctx, sig.ID, note); err != nil {
		p.log.Error("failure status update failed", "signal", sig.ID, "err", err)
		return
	}
	metrics.SignalsProcessed.WithLabelValues(p.unit.Name, kind, domain.StatusFailed).Inc()
	p.log.Warn("signal failed", "signal", sig.ID, "note", note)
}

// retrySignal releases a claimed row after a transport failure with no legs
// placed. The next tick tries again.
func (p *Processor) retrySignal(ctx context.Context, sig *domain.Signal, log *slog.Logger, cause error) {
	if err := p.store.ResetToPending(ctx, sig.ID); err != nil {
		log.Error("retry reset failed", "err", err)
		return
	}
	metrics.VenueErrors.WithLabelValues(p.unit.Name, "transport").Inc()
	log.Warn("signal deferred, venue unreachable", "err", cause)
}
