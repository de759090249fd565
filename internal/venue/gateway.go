// Package venue is the engine's only path to the exchange. Order-mutating
// calls return a tagged Result instead of a bare error so callers can tell a
// venue rejection (terminal, message preserved) from a transport failure
// (retryable) without string matching.
package venue

import (
	"context"

	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/domain"
)

// ResultKind classifies the outcome of an order-mutating call.
type ResultKind int

const (
	// ResultOk: the venue accepted the request.
	ResultOk ResultKind = iota
	// ResultVenueError: the venue answered and said no. Terminal.
	ResultVenueError
	// ResultTransportError: the answer never arrived. The order may or may
	// not exist on the venue.
	ResultTransportError
)

// Result is the outcome envelope for order-mutating gateway calls.
type Result struct {
	Kind     ResultKind
	OrderID  int64
	Filled   bool    // true when the order executed immediately
	AvgPrice float64 // fill price when Filled
	Message  string  // venue rejection text, verbatim; or an informational note
	Err      error   // transport error detail
}

// IsOk reports whether the venue accepted the request.
func (r Result) IsOk() bool { return r.Kind == ResultOk }

// IsVenueError reports a definitive venue rejection.
func (r Result) IsVenueError() bool { return r.Kind == ResultVenueError }

// IsTransportError reports an indeterminate outcome.
func (r Result) IsTransportError() bool { return r.Kind == ResultTransportError }

// Accepted builds an Ok result for a resting order.
func Accepted(oid int64) Result {
	return Result{Kind: ResultOk, OrderID: oid}
}

// FilledNow builds an Ok result for an immediately executed order.
func FilledNow(oid int64, avgPx float64) Result {
	return Result{Kind: ResultOk, OrderID: oid, Filled: true, AvgPrice: avgPx}
}

// Noop builds an Ok result for a call that had nothing to do.
func Noop(msg string) Result {
	return Result{Kind: ResultOk, Message: msg}
}

// Rejected builds a venue-error result carrying the venue's message.
func Rejected(msg string) Result {
	return Result{Kind: ResultVenueError, Message: msg}
}

// Unreachable builds a transport-error result.
func Unreachable(err error) Result {
	return Result{Kind: ResultTransportError, Err: err}
}

// OrderType selects how an order rests or triggers.
type OrderType int

const (
	// OrderLimit rests at LimitPx until filled or cancelled (Gtc).
	OrderLimit OrderType = iota
	// OrderMarket executes immediately. The live gateway expresses it as an
	// aggressive IOC limit offset from the current mid.
	OrderMarket
	// OrderStopTrigger is a reduce-only stop-loss trigger at TriggerPx.
	OrderStopTrigger
	// OrderTakeProfitTrigger is a reduce-only take-profit trigger at TriggerPx.
	OrderTakeProfitTrigger
)

// OrderRequest describes one order to place. Prices and sizes must already be
// rounded to venue precision by the caller.
type OrderRequest struct {
	Symbol     string
	IsBuy      bool
	Size       float64
	LimitPx    float64 // ignored for OrderMarket
	TriggerPx  float64 // trigger types only
	Type       OrderType
	ReduceOnly bool
}

// Gateway is the venue capability one unit operates against. Implementations
// must be safe for concurrent use by the unit's three loops.
type Gateway interface {
	PlaceOrder(ctx context.Context, req OrderRequest) Result
	CancelOrder(ctx context.Context, symbol string, oid int64) Result
	// MarketClose flattens the whole position for a symbol. Closing a
	// position that does not exist is an Ok no-op.
	MarketClose(ctx context.Context, symbol string) Result

	OpenOrders(ctx context.Context) ([]domain.VenueOrder, error)
	Positions(ctx context.Context) ([]domain.VenuePosition, error)
	Fills(ctx context.Context) ([]domain.VenueFill, error)
	AllMids(ctx context.Context) (map[string]float64, error)
	AccountEquity(ctx context.Context) (float64, error)
	SizeDecimals(ctx context.Context) (map[string]int, error)
}
