package venue

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/domain"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/infra"
	"github.com/BTCJohnny/hyperliquid-fleet-execution/pkg/sizing"
)

const (
	infoPath     = "/info"
	exchangePath = "/exchange"

	// marketSlippage is the price offset applied when expressing a market
	// order as an aggressive IOC limit.
	marketSlippage = 0.05

	// midCacheMaxAge bounds how stale the websocket mid cache may be before
	// AllMids falls back to REST.
	midCacheMaxAge = 5 * time.Second
)

// Client is the live venue gateway. One client per unit (each unit signs for
// its own wallet); the mid cache and rate limiters are shared process-wide.
type Client struct {
	baseURL string
	http    *http.Client
	signer  Signer
	mids    *MidCache
	log     *slog.Logger

	infoLimiter *infra.RateLimiter
	exchLimiter *infra.RateLimiter
	breaker     *infra.CircuitBreaker

	mu         sync.RWMutex
	assetIndex map[string]int
	szDecimals map[string]int

	nonce atomic.Int64
}

// NewClient builds a live gateway for one wallet.
func NewClient(baseURL string, signer Signer, mids *MidCache, log *slog.Logger) *Client {
	return &Client{
		baseURL:     baseURL,
		http:        &http.Client{Timeout: 10 * time.Second},
		signer:      signer,
		mids:        mids,
		log:         log,
		infoLimiter: infra.GetVenueInfoLimiter(),
		exchLimiter: infra.GetVenueExchangeLimiter(),
		breaker:     infra.NewCircuitBreaker(infra.DefaultCircuitBreakerConfig("venue-info")),
	}
}

// LoadMeta fetches the asset universe once. Must succeed before any order
// call; asset indices and size decimals are immutable afterwards.
func (c *Client) LoadMeta(ctx context.Context) error {
	var meta metaResponse
	if err := c.info(ctx, infoRequest{Type: "meta"}, &meta); err != nil {
		return fmt.Errorf("load venue meta: %w", err)
	}

	index := make(map[string]int, len(meta.Universe))
	decimals := make(map[string]int, len(meta.Universe))
	for i, asset := range meta.Universe {
		index[asset.Name] = i
		decimals[asset.Name] = asset.SzDecimals
	}

	c.mu.Lock()
	c.assetIndex = index
	c.szDecimals = decimals
	c.mu.Unlock()

	c.log.Info("venue meta loaded", "assets", len(meta.Universe))
	return nil
}

func (c *Client) asset(symbol string) (int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.assetIndex[symbol]
	return idx, ok
}

func (c *Client) sizeDecimalsFor(symbol string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.szDecimals[symbol]
}

// PlaceOrder submits one order. Market orders become IOC limits offset
// marketSlippage from the current mid.
func (c *Client) PlaceOrder(ctx context.Context, req OrderRequest) Result {
	asset, ok := c.asset(req.Symbol)
	if !ok {
		return Rejected(fmt.Sprintf("unknown symbol %s", req.Symbol))
	}

	spec := wireOrderSpec{
		Asset:      asset,
		IsBuy:      req.IsBuy,
		Size:       formatNum(req.Size),
		ReduceOnly: req.ReduceOnly,
		Cloid:      newClientOrderID(),
	}

	switch req.Type {
	case OrderLimit:
		spec.Price = formatNum(req.LimitPx)
		spec.Type.Limit = &wireLimit{Tif: "Gtc"}

	case OrderMarket:
		px, err := c.aggressivePrice(ctx, req.Symbol, req.IsBuy)
		if err != nil {
			return Unreachable(err)
		}
		spec.Price = formatNum(px)
		spec.Type.Limit = &wireLimit{Tif: "Ioc"}

	case OrderStopTrigger:
		spec.Price = formatNum(req.TriggerPx)
		spec.Type.Trigger = &wireTrigger{IsMarket: true, TriggerPx: formatNum(req.TriggerPx), TpSl: "sl"}

	case OrderTakeProfitTrigger:
		spec.Price = formatNum(req.TriggerPx)
		spec.Type.Trigger = &wireTrigger{IsMarket: true, TriggerPx: formatNum(req.TriggerPx), TpSl: "tp"}
	}

	action := wireOrderAction{Type: "order", Orders: []wireOrderSpec{spec}, Grouping: "na"}
	resp, err := c.exchange(ctx, action)
	if err != nil {
		return Unreachable(err)
	}
	if resp.Status != "ok" {
		return Rejected(resp.ErrMessage)
	}

	statuses := resp.Response.Data.Statuses
	if len(statuses) == 0 {
		return Rejected("empty status response")
	}
	st := statuses[0]
	switch {
	case st.Error != "":
		return Rejected(st.Error)
	case st.Filled != nil:
		return FilledNow(st.Filled.Oid, parseNum(st.Filled.AvgPx))
	case st.Resting != nil:
		return Accepted(st.Resting.Oid)
	default:
		return Rejected("unrecognized order status")
	}
}

// aggressivePrice computes the IOC limit for a market order: mid shifted
// marketSlippage against the taker, rounded to venue precision.
func (c *Client) aggressivePrice(ctx context.Context, symbol string, isBuy bool) (float64, error) {
	mids, err := c.AllMids(ctx)
	if err != nil {
		return 0, err
	}
	mid, ok := mids[symbol]
	if !ok || mid <= 0 {
		return 0, fmt.Errorf("no mid price for %s", symbol)
	}

	px := mid * (1 - marketSlippage)
	if isBuy {
		px = mid * (1 + marketSlippage)
	}
	return sizing.RoundPrice(px, c.sizeDecimalsFor(symbol)), nil
}

// CancelOrder cancels one resting order.
func (c *Client) CancelOrder(ctx context.Context, symbol string, oid int64) Result {
	asset, ok := c.asset(symbol)
	if !ok {
		return Rejected(fmt.Sprintf("unknown symbol %s", symbol))
	}

	action := wireCancelAction{Type: "cancel", Cancels: []wireCancel{{Asset: asset, Oid: oid}}}
	resp, err := c.exchange(ctx, action)
	if err != nil {
		return Unreachable(err)
	}
	if resp.Status != "ok" {
		return Rejected(resp.ErrMessage)
	}
	if sts := resp.Response.Data.Statuses; len(sts) > 0 && sts[0].Error != "" {
		return Rejected(sts[0].Error)
	}
	return Accepted(oid)
}

// MarketClose flattens the position for a symbol with a reduce-only IOC
// order. No position is an Ok no-op.
func (c *Client) MarketClose(ctx context.Context, symbol string) Result {
	positions, err := c.Positions(ctx)
	if err != nil {
		return Unreachable(err)
	}

	var pos *domain.VenuePosition
	for i := range positions {
		if positions[i].Symbol == symbol {
			pos = &positions[i]
			break
		}
	}
	if pos == nil || !pos.IsOpen() {
		return Noop("no open position")
	}

	return c.PlaceOrder(ctx, OrderRequest{
		Symbol:     symbol,
		IsBuy:      pos.Size < 0, // closing a short buys
		Size:       math.Abs(pos.Size),
		Type:       OrderMarket,
		ReduceOnly: true,
	})
}

// OpenOrders returns every resting order for the wallet.
func (c *Client) OpenOrders(ctx context.Context) ([]domain.VenueOrder, error) {
	var wire []wireOrder
	if err := c.info(ctx, infoRequest{Type: "openOrders", User: c.signer.Address()}, &wire); err != nil {
		return nil, err
	}

	orders := make([]domain.VenueOrder, 0, len(wire))
	for _, o := range wire {
		orders = append(orders, domain.VenueOrder{
			Symbol:    o.Coin,
			OrderID:   o.Oid,
			IsBuy:     o.Side == "B",
			LimitPx:   parseNum(o.LimitPx),
			Size:      parseNum(o.Sz),
			OrderType: o.OrderType,
		})
	}
	return orders, nil
}

// Positions returns the wallet's open positions.
func (c *Client) Positions(ctx context.Context) ([]domain.VenuePosition, error) {
	state, err := c.clearinghouse(ctx)
	if err != nil {
		return nil, err
	}

	var positions []domain.VenuePosition
	for _, ap := range state.AssetPositions {
		size := parseNum(ap.Position.Szi)
		if size == 0 {
			continue
		}
		positions = append(positions, domain.VenuePosition{
			Symbol:     ap.Position.Coin,
			Size:       size,
			EntryPrice: parseNum(ap.Position.EntryPx),
		})
	}
	return positions, nil
}

// Fills returns the wallet's recent fills, newest first as the venue reports
// them.
func (c *Client) Fills(ctx context.Context) ([]domain.VenueFill, error) {
	var wire []wireFill
	if err := c.info(ctx, infoRequest{Type: "userFills", User: c.signer.Address()}, &wire); err != nil {
		return nil, err
	}

	fills := make([]domain.VenueFill, 0, len(wire))
	for _, f := range wire {
		fills = append(fills, domain.VenueFill{
			Symbol:    f.Coin,
			OrderID:   f.Oid,
			Price:     parseNum(f.Px),
			Size:      parseNum(f.Sz),
			Direction: f.Dir,
			ClosedPnL: parseNum(f.ClosedPnl),
			Time:      time.UnixMilli(f.Time),
		})
	}
	return fills, nil
}

// AllMids serves mid prices from the websocket cache when fresh, falling back
// to REST and refreshing the cache.
func (c *Client) AllMids(ctx context.Context) (map[string]float64, error) {
	if c.mids != nil && c.mids.Fresh(midCacheMaxAge) {
		return c.mids.Snapshot(), nil
	}

	var wire map[string]string
	if err := c.info(ctx, infoRequest{Type: "allMids"}, &wire); err != nil {
		return nil, err
	}

	mids := make(map[string]float64, len(wire))
	for sym, px := range wire {
		mids[sym] = parseNum(px)
	}
	if c.mids != nil {
		c.mids.Update(mids)
	}
	return mids, nil
}

// AccountEquity returns the wallet's account value.
func (c *Client) AccountEquity(ctx context.Context) (float64, error) {
	state, err := c.clearinghouse(ctx)
	if err != nil {
		return 0, err
	}
	return parseNum(state.MarginSummary.AccountValue), nil
}

// SizeDecimals returns the per-symbol size precision from venue meta.
func (c *Client) SizeDecimals(ctx context.Context) (map[string]int, error) {
	c.mu.RLock()
	loaded := len(c.szDecimals) > 0
	c.mu.RUnlock()

	if !loaded {
		if err := c.LoadMeta(ctx); err != nil {
			return nil, err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]int, len(c.szDecimals))
	for sym, d := range c.szDecimals {
		out[sym] = d
	}
	return out, nil
}

func (c *Client) clearinghouse(ctx context.Context) (*clearinghouseState, error) {
	var state clearinghouseState
	if err := c.info(ctx, infoRequest{Type: "clearinghouseState", User: c.signer.Address()}, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

// info posts a read-only query. Guarded by the info rate limiter and circuit
// breaker: a venue outage degrades into fast local failures.
func (c *Client) info(ctx context.Context, req any, out any) error {
	if !c.breaker.Allow() {
		return fmt.Errorf("venue info circuit open")
	}
	c.infoLimiter.Wait()

	err := c.post(ctx, infoPath, req, out)
	if err != nil {
		c.breaker.RecordFailure()
		return err
	}
	c.breaker.RecordSuccess()
	return nil
}

// exchange posts a signed order-mutating action. Not behind the breaker: an
// indeterminate outcome must surface to the caller as a transport error, not
// be short-circuited locally.
func (c *Client) exchange(ctx context.Context, action any) (*exchangeResponse, error) {
	c.exchLimiter.Wait()

	raw, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}

	nonce := c.nextNonce()
	sig, err := c.signer.Sign(raw, nonce)
	if err != nil {
		return nil, fmt.Errorf("sign action: %w", err)
	}

	req := exchangeRequest{Action: raw, Nonce: nonce, Signature: sig}

	body, status, err := c.postRaw(ctx, exchangePath, req)
	if err != nil {
		return nil, err
	}

	var resp exchangeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode exchange response: %w", err)
	}
	if resp.Status != "ok" {
		// The venue carries the rejection reason in the response field as a
		// plain string when status is "err".
		var envelope struct {
			Response string `json:"response"`
		}
		if json.Unmarshal(body, &envelope) == nil && envelope.Response != "" {
			resp.ErrMessage = envelope.Response
		} else {
			resp.ErrMessage = fmt.Sprintf("exchange status %q (http %d)", resp.Status, status)
		}
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, in any, out any) error {
	body, status, err := c.postRaw(ctx, path, in)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("venue %s returned %d: %s", path, status, truncate(body, 200))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) postRaw(ctx context.Context, path string, in any) ([]byte, int, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, 0, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("venue %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read %s response: %w", path, err)
	}
	return body, resp.StatusCode, nil
}

// nextNonce returns a strictly increasing millisecond nonce even when calls
// land within the same millisecond.
func (c *Client) nextNonce() int64 {
	for {
		now := time.Now().UnixMilli()
		last := c.nonce.Load()
		if now <= last {
			now = last + 1
		}
		if c.nonce.CompareAndSwap(last, now) {
			return now
		}
	}
}

// newClientOrderID generates the 128-bit hex client order id the venue
// expects.
func newClientOrderID() string {
	id := uuid.New()
	return "0x" + hex.EncodeToString(id[:])
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
