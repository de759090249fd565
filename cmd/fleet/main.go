package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/app"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/engine"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/metrics"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/venue"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the fleet configuration file")
	flag.Parse()

	// Wallet keys come from the environment; .env is a convenience for dev
	// boxes and absent in production.
	if err := godotenv.Load(); err == nil {
		slog.Info("loaded .env")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b, err := app.Initialize(ctx, *configPath)
	if err != nil {
		slog.Error("bootstrap failed", "err", err)
		os.Exit(1)
	}
	defer b.Close()

	metrics.Serve(b.Config.Metrics.Addr, slog.Default())

	// One shared mids stream feeds every unit's staleness checks and market
	// fallbacks.
	if b.Config.Venue.WSURL != "" {
		worker := venue.NewMidsWorker(b.Config.Venue.WSURL, b.Mids)
		worker.Start(ctx)
		defer worker.Stop()
	}

	var wg sync.WaitGroup
	for _, unit := range b.Units {
		wg.Add(1)
		go func(u *engine.Unit) {
			defer wg.Done()
			u.Run(ctx)
		}(unit)
	}

	slog.Info("fleet operational", "units", len(b.Units))
	<-ctx.Done()
	slog.Info("shutting down")

	wg.Wait()
	slog.Info("all units stopped")
}
