package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/infra"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/storage"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/venue"
)

// Unit supervises one execution identity: three loops over one wallet, one
// gateway, and the shared store. Loops are independent; a failing venue call
// in one never stalls the others.
type Unit struct {
	name      string
	processor *Processor
	monitor   *FillMonitor
	reconcile *Reconciler
	log       *slog.Logger
}

// NewUnit wires the three loops for one fleet entry.
func NewUnit(ucfg infra.UnitConfig, ecfg infra.EngineConfig, store *storage.Store, gw venue.Gateway, meta map[string]int, log *slog.Logger) *Unit {
	log = log.With("unit", ucfg.Name)

	be := &breakevenMover{
		unit:  ucfg.Name,
		store: store,
		gw:    gw,
		meta:  meta,
		log:   log,
	}

	return &Unit{
		name:      ucfg.Name,
		processor: NewProcessor(ucfg, ecfg, store, gw, meta, log),
		monitor:   NewFillMonitor(ucfg, ecfg, store, gw, be, log),
		reconcile: NewReconciler(ucfg, ecfg, store, gw, be, log),
		log:       log,
	}
}

// Run starts the loops and blocks until all three exit after cancellation.
func (u *Unit) Run(ctx context.Context) {
	u.log.Info("unit starting")

	var wg sync.WaitGroup
	for _, loop := range []func(context.Context){
		u.processor.Run,
		u.monitor.Run,
		u.reconcile.Run,
	} {
		wg.Add(1)
		go func(run func(context.Context)) {
			defer wg.Done()
			run(ctx)
		}(loop)
	}

	wg.Wait()
	u.log.Info("unit stopped")
}
