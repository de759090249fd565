package venue

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/infra"
)

const defaultPaperEquity = 10_000

// defaultPaperMeta gives the paper venue realistic size precisions for the
// usual perps without a meta fetch.
var defaultPaperMeta = map[string]int{
	"BTC":  5,
	"ETH":  4,
	"SOL":  2,
	"DOGE": 0,
	"HYPE": 2,
}

// NewGateway builds the gateway for one unit according to the trading mode.
func NewGateway(cfg *infra.Config, unit infra.UnitConfig, mids *MidCache, log *slog.Logger) (Gateway, error) {
	switch cfg.Trading.Mode {
	case "PAPER":
		log.Info("paper gateway", "unit", unit.Name, "equity", defaultPaperEquity)
		return NewPaperGateway(mids, defaultPaperEquity, defaultPaperMeta, log), nil

	case "LIVE":
		// Safety latch: live order flow requires explicit operator intent
		// beyond the config file.
		if os.Getenv("CONFIRM_REAL_MONEY") != "true" {
			return nil, fmt.Errorf("live trading requires CONFIRM_REAL_MONEY=true in the environment")
		}
		signer := NewLocalSigner(unit.WalletAddress, unit.PrivateKey)
		log.Warn("LIVE gateway", "unit", unit.Name, "wallet", unit.WalletAddress)
		return NewClient(cfg.Venue.APIURL, signer, mids, log), nil

	default:
		return nil, fmt.Errorf("unknown trading mode: %s", cfg.Trading.Mode)
	}
}
