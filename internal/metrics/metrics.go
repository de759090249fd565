// Package metrics exposes the fleet's operational counters on /metrics.
package metrics

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SignalsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_signals_processed_total",
		Help: "Signals processed, by unit, kind and terminal outcome.",
	}, []string{"unit", "kind", "outcome"})

	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_orders_placed_total",
		Help: "Orders accepted by the venue, by unit and leg type.",
	}, []string{"unit", "leg"})

	VenueErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_venue_errors_total",
		Help: "Venue rejections and transport failures, by unit and class.",
	}, []string{"unit", "class"})

	GhostClosures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_ghost_closures_total",
		Help: "Believed-open positions found closed on the venue.",
	}, []string{"unit"})

	BreakevenMoves = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_breakeven_moves_total",
		Help: "Stop-losses moved to breakeven after a first target fill.",
	}, []string{"unit"})

	StaleExpirations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_stale_expirations_total",
		Help: "Resting entry orders expired for never filling.",
	}, []string{"unit"})

	Paused = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_unit_paused",
		Help: "1 when the unit is paused by a control command.",
	}, []string{"unit"})
)

// Serve starts the metrics endpoint. Errors are logged, not fatal: the fleet
// trades fine without observability.
func Serve(addr string, log *slog.Logger) {
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("metrics server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", "err", err)
		}
	}()
}
