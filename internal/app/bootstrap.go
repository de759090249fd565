// Package app wires the fleet process together: config, logging, the
// single-instance lock, the shared store, and one gateway per unit.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/engine"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/infra"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/storage"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/venue"
)

// Bootstrap holds everything the fleet runner needs after initialization.
type Bootstrap struct {
	Config *infra.Config
	Store  *storage.Store
	Mids   *venue.MidCache
	Units  []*engine.Unit

	unlock func()
}

// Initialize performs the startup sequence and builds every unit. Fail fast:
// a unit that cannot reach the venue for its metadata blocks the whole fleet
// from starting, since trading without size precisions is unsafe.
func Initialize(ctx context.Context, configPath string) (*Bootstrap, error) {
	cfg, err := infra.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := infra.NewLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("fleet starting",
		"app", cfg.App.Name, "version", cfg.App.Version,
		"mode", cfg.Trading.Mode, "units", len(cfg.Fleet))

	dbDir := filepath.Dir(cfg.Database.Path)
	if err := infra.EnsureDir(dbDir); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// One fleet process per database: two processes would double-place every
	// pending signal.
	unlock, err := infra.CreateLockFile(dbDir)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(cfg.Database.Path)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("signal store ready", "path", cfg.Database.Path)

	b := &Bootstrap{
		Config: cfg,
		Store:  store,
		Mids:   venue.NewMidCache(),
		unlock: unlock,
	}

	for _, ucfg := range cfg.Fleet {
		gw, err := venue.NewGateway(cfg, ucfg, b.Mids, logger)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("unit %s: %w", ucfg.Name, err)
		}

		meta, err := gw.SizeDecimals(ctx)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("unit %s: venue metadata: %w", ucfg.Name, err)
		}

		b.Units = append(b.Units, engine.NewUnit(ucfg, cfg.Engine, store, gw, meta, logger))
		logger.Info("unit ready", "unit", ucfg.Name, "symbols", len(meta))
	}

	return b, nil
}

// Close releases the store and the instance lock.
func (b *Bootstrap) Close() {
	if b.Store != nil {
		b.Store.Close()
	}
	if b.unlock != nil {
		b.unlock()
	}
}
