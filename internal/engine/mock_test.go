package engine

import (
	"context"
	"io"
	"log/slog"
	"sync"

	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/domain"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/venue"
)

// mockGateway is a scripted venue for loop tests. Queued results are consumed
// in order; when the queue is empty every order is accepted with an
// auto-assigned oid.
type mockGateway struct {
	mu sync.Mutex

	placeQueue  []venue.Result
	placed      []venue.OrderRequest
	cancelQueue []venue.Result
	cancelled   []int64
	closeQueue  []venue.Result
	closed      []string

	orders    []domain.VenueOrder
	positions []domain.VenuePosition
	fills     []domain.VenueFill
	mids      map[string]float64
	equity    float64
	meta      map[string]int

	positionsErr error
	fillsErr     error

	nextOID int64
}

func newMockGateway() *mockGateway {
	return &mockGateway{
		mids:    map[string]float64{},
		equity:  10_000,
		meta:    map[string]int{"BTC": 5, "ETH": 4, "SOL": 2},
		nextOID: 100,
	}
}

func (g *mockGateway) queuePlace(results ...venue.Result)  { g.placeQueue = append(g.placeQueue, results...) }
func (g *mockGateway) queueClose(results ...venue.Result)  { g.closeQueue = append(g.closeQueue, results...) }
func (g *mockGateway) queueCancel(results ...venue.Result) { g.cancelQueue = append(g.cancelQueue, results...) }

func (g *mockGateway) PlaceOrder(ctx context.Context, req venue.OrderRequest) venue.Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.placed = append(g.placed, req)
	if len(g.placeQueue) > 0 {
		res := g.placeQueue[0]
		g.placeQueue = g.placeQueue[1:]
		return res
	}
	g.nextOID++
	return venue.Accepted(g.nextOID)
}

func (g *mockGateway) CancelOrder(ctx context.Context, symbol string, oid int64) venue.Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cancelled = append(g.cancelled, oid)
	if len(g.cancelQueue) > 0 {
		res := g.cancelQueue[0]
		g.cancelQueue = g.cancelQueue[1:]
		return res
	}
	return venue.Accepted(oid)
}

func (g *mockGateway) MarketClose(ctx context.Context, symbol string) venue.Result {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.closed = append(g.closed, symbol)
	if len(g.closeQueue) > 0 {
		res := g.closeQueue[0]
		g.closeQueue = g.closeQueue[1:]
		return res
	}
	g.nextOID++
	return venue.FilledNow(g.nextOID, g.mids[symbol])
}

func (g *mockGateway) OpenOrders(ctx context.Context) ([]domain.VenueOrder, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]domain.VenueOrder(nil), g.orders...), nil
}

func (g *mockGateway) Positions(ctx context.Context) ([]domain.VenuePosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.positionsErr != nil {
		return nil, g.positionsErr
	}
	return append([]domain.VenuePosition(nil), g.positions...), nil
}

func (g *mockGateway) Fills(ctx context.Context) ([]domain.VenueFill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.fillsErr != nil {
		return nil, g.fillsErr
	}
	return append([]domain.VenueFill(nil), g.fills...), nil
}

func (g *mockGateway) AllMids(ctx context.Context) (map[string]float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]float64, len(g.mids))
	for k, v := range g.mids {
		out[k] = v
	}
	return out, nil
}

func (g *mockGateway) AccountEquity(ctx context.Context) (float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.equity, nil
}

func (g *mockGateway) SizeDecimals(ctx context.Context) (map[string]int, error) {
	return g.meta, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
