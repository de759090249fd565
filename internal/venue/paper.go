package venue

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/domain"
)

// PaperGateway simulates the venue in memory: a virtual account whose resting
// and trigger orders fill against mid prices fed through MarkPrice. Used for
// paper trading mode and as the venue stand-in in higher-level tests.
type PaperGateway struct {
	mu         sync.Mutex
	mids       *MidCache
	szDecimals map[string]int
	log        *slog.Logger

	equity    float64
	positions map[string]*paperPosition
	orders    map[int64]OrderRequest
	fills     []domain.VenueFill
	nextOID   int64
}

type paperPosition struct {
	size    float64 // signed: positive long
	entryPx float64
}

// NewPaperGateway creates a paper venue with the given starting equity.
func NewPaperGateway(mids *MidCache, equity float64, szDecimals map[string]int, log *slog.Logger) *PaperGateway {
	return &PaperGateway{
		mids:       mids,
		szDecimals: szDecimals,
		log:        log,
		equity:     equity,
		positions:  make(map[string]*paperPosition),
		orders:     make(map[int64]OrderRequest),
		nextOID:    1000,
	}
}

// PlaceOrder fills market and crossing limit orders immediately; everything
// else rests until MarkPrice sweeps it.
func (p *PaperGateway) PlaceOrder(ctx context.Context, req OrderRequest) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.Size <= 0 {
		return Rejected("order size must be positive")
	}

	oid := p.nextOID
	p.nextOID++

	mid, hasMid := p.mids.Mid(req.Symbol)

	switch req.Type {
	case OrderMarket:
		if !hasMid {
			return Rejected(fmt.Sprintf("no price available for %s", req.Symbol))
		}
		p.fill(oid, req, mid)
		return FilledNow(oid, mid)

	case OrderLimit:
		if hasMid && crosses(req.IsBuy, mid, req.LimitPx) {
			p.fill(oid, req, req.LimitPx)
			return FilledNow(oid, req.LimitPx)
		}
		p.orders[oid] = req
		return Accepted(oid)

	default: // triggers always rest
		p.orders[oid] = req
		return Accepted(oid)
	}
}

func crosses(isBuy bool, mid, limitPx float64) bool {
	if isBuy {
		return mid <= limitPx
	}
	return mid >= limitPx
}

// fill applies an execution to the virtual account. Caller holds the mutex.
func (p *PaperGateway) fill(oid int64, req OrderRequest, px float64) {
	pos := p.positions[req.Symbol]
	if pos == nil {
		pos = &paperPosition{}
		p.positions[req.Symbol] = pos
	}

	delta := req.Size
	if !req.IsBuy {
		delta = -req.Size
	}

	var dir string
	var pnl float64
	sameSide := pos.size == 0 || (pos.size > 0) == (delta > 0)

	if sameSide {
		// Opening or adding: weighted average entry.
		total := pos.size + delta
		pos.entryPx = (pos.entryPx*math.Abs(pos.size) + px*math.Abs(delta)) / math.Abs(total)
		pos.size = total
		dir = "Open Short"
		if delta > 0 {
			dir = "Open Long"
		}
	} else {
		closed := math.Min(math.Abs(delta), math.Abs(pos.size))
		if pos.size > 0 {
			pnl = (px - pos.entryPx) * closed
			dir = "Close Long"
		} else {
			pnl = (pos.entryPx - px) * closed
			dir = "Close Short"
		}
		p.equity += pnl

		pos.size += delta
		if req.ReduceOnly {
			// Reduce-only never flips through zero.
			if (dir == "Close Long" && pos.size < 0) || (dir == "Close Short" && pos.size > 0) {
				pos.size = 0
			}
		}
		if pos.size == 0 {
			delete(p.positions, req.Symbol)
		}
	}

	p.fills = append([]domain.VenueFill{{
		Symbol:    req.Symbol,
		OrderID:   oid,
		Price:     px,
		Size:      req.Size,
		Direction: dir,
		ClosedPnL: pnl,
		Time:      time.Now(),
	}}, p.fills...)

	p.log.Info("paper fill",
		"oid", oid, "symbol", req.Symbol, "dir", dir, "px", px, "sz", req.Size, "pnl", pnl)
}

// MarkPrice updates a symbol's mid and sweeps resting orders against it.
func (p *PaperGateway) MarkPrice(symbol string, px float64) {
	p.mids.Set(symbol, px)

	p.mu.Lock()
	defer p.mu.Unlock()

	for oid, req := range p.orders {
		if req.Symbol != symbol || !triggered(req, px) {
			continue
		}
		delete(p.orders, oid)
		p.fill(oid, req, execPrice(req, px))
	}
}

func triggered(req OrderRequest, px float64) bool {
	switch req.Type {
	case OrderLimit:
		return crosses(req.IsBuy, px, req.LimitPx)
	case OrderStopTrigger:
		// A stop fires when price moves through the trigger against the
		// position: sell stops below, buy stops above.
		if req.IsBuy {
			return px >= req.TriggerPx
		}
		return px <= req.TriggerPx
	case OrderTakeProfitTrigger:
		if req.IsBuy {
			return px <= req.TriggerPx
		}
		return px >= req.TriggerPx
	}
	return false
}

func execPrice(req OrderRequest, px float64) float64 {
	if req.Type == OrderLimit {
		return req.LimitPx
	}
	return px
}

// CancelOrder removes a resting order.
func (p *PaperGateway) CancelOrder(ctx context.Context, symbol string, oid int64) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.orders[oid]; !ok {
		return Rejected(fmt.Sprintf("order %d not found", oid))
	}
	delete(p.orders, oid)
	return Accepted(oid)
}

// MarketClose flattens a symbol's position at the current mid.
func (p *PaperGateway) MarketClose(ctx context.Context, symbol string) Result {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok || pos.size == 0 {
		return Noop("no open position")
	}

	mid, hasMid := p.mids.Mid(symbol)
	if !hasMid {
		mid = pos.entryPx
	}

	oid := p.nextOID
	p.nextOID++
	p.fill(oid, OrderRequest{
		Symbol:     symbol,
		IsBuy:      pos.size < 0,
		Size:       math.Abs(pos.size),
		Type:       OrderMarket,
		ReduceOnly: true,
	}, mid)

	return FilledNow(oid, mid)
}

// OpenOrders lists resting orders.
func (p *PaperGateway) OpenOrders(ctx context.Context) ([]domain.VenueOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	orders := make([]domain.VenueOrder, 0, len(p.orders))
	for oid, req := range p.orders {
		orders = append(orders, domain.VenueOrder{
			Symbol:  req.Symbol,
			OrderID: oid,
			IsBuy:   req.IsBuy,
			LimitPx: req.LimitPx,
			Size:    req.Size,
		})
	}
	return orders, nil
}

// Positions lists open positions.
func (p *PaperGateway) Positions(ctx context.Context) ([]domain.VenuePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	positions := make([]domain.VenuePosition, 0, len(p.positions))
	for sym, pos := range p.positions {
		if pos.size == 0 {
			continue
		}
		positions = append(positions, domain.VenuePosition{
			Symbol:     sym,
			Size:       pos.size,
			EntryPrice: pos.entryPx,
		})
	}
	return positions, nil
}

// Fills returns the fill history, newest first.
func (p *PaperGateway) Fills(ctx context.Context) ([]domain.VenueFill, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]domain.VenueFill, len(p.fills))
	copy(out, p.fills)
	return out, nil
}

// AllMids returns the fed price map.
func (p *PaperGateway) AllMids(ctx context.Context) (map[string]float64, error) {
	return p.mids.Snapshot(), nil
}

// AccountEquity returns starting equity plus realized PnL.
func (p *PaperGateway) AccountEquity(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.equity, nil
}

// SizeDecimals returns the simulated per-symbol size precision.
func (p *PaperGateway) SizeDecimals(ctx context.Context) (map[string]int, error) {
	out := make(map[string]int, len(p.szDecimals))
	for sym, d := range p.szDecimals {
		out[sym] = d
	}
	return out, nil
}
