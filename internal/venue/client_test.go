package venue

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVenue serves canned responses keyed by info request type and captures
// exchange actions for inspection.
type fakeVenue struct {
	t            *testing.T
	infoByType   map[string]string
	exchangeResp string
	lastAction   json.RawMessage
	lastNonce    int64
}

func (f *fakeVenue) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/info", func(w http.ResponseWriter, r *http.Request) {
		var req infoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		resp, ok := f.infoByType[req.Type]
		if !ok {
			http.Error(w, "unknown info type", http.StatusBadRequest)
			return
		}
		io.WriteString(w, resp)
	})
	mux.HandleFunc("/exchange", func(w http.ResponseWriter, r *http.Request) {
		var req exchangeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.lastAction = req.Action
		f.lastNonce = req.Nonce
		io.WriteString(w, f.exchangeResp)
	})
	return mux
}

func newTestClient(t *testing.T, f *fakeVenue) *Client {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)

	c := NewClient(srv.URL, NewLocalSigner("0xwallet", "testkey"), NewMidCache(), discardLogger())
	if err := c.LoadMeta(context.Background()); err != nil {
		t.Fatalf("LoadMeta() error = %v", err)
	}
	return c
}

const testMeta = `{"universe":[{"name":"BTC","szDecimals":5},{"name":"ETH","szDecimals":4}]}`

func TestClient_PlaceOrderResting(t *testing.T) {
	f := &fakeVenue{
		t:            t,
		infoByType:   map[string]string{"meta": testMeta},
		exchangeResp: `{"status":"ok","response":{"type":"order","data":{"statuses":[{"resting":{"oid":777}}]}}}`,
	}
	c := newTestClient(t, f)

	res := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTC", IsBuy: true, Size: 0.5, LimitPx: 50000, Type: OrderLimit,
	})
	if !res.IsOk() || res.OrderID != 777 || res.Filled {
		t.Fatalf("PlaceOrder() = %+v, want resting oid 777", res)
	}

	var action wireOrderAction
	if err := json.Unmarshal(f.lastAction, &action); err != nil {
		t.Fatal(err)
	}
	if len(action.Orders) != 1 {
		t.Fatalf("action carried %d orders, want 1", len(action.Orders))
	}
	o := action.Orders[0]
	if o.Asset != 0 || !o.IsBuy || o.Price != "50000" || o.Size != "0.5" {
		t.Errorf("order spec = %+v", o)
	}
	if o.Type.Limit == nil || o.Type.Limit.Tif != "Gtc" {
		t.Errorf("limit order tif = %+v, want Gtc", o.Type)
	}
	if o.Cloid == "" {
		t.Error("order carried no client order id")
	}
	if f.lastNonce == 0 {
		t.Error("exchange request carried no nonce")
	}
}

func TestClient_PlaceOrderImmediateFill(t *testing.T) {
	f := &fakeVenue{
		t:            t,
		infoByType:   map[string]string{"meta": testMeta},
		exchangeResp: `{"status":"ok","response":{"type":"order","data":{"statuses":[{"filled":{"oid":888,"avgPx":"50012.5","totalSz":"0.5"}}]}}}`,
	}
	c := newTestClient(t, f)
	c.mids.Update(map[string]float64{"BTC": 50000})

	res := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTC", IsBuy: true, Size: 0.5, Type: OrderMarket,
	})
	if !res.IsOk() || !res.Filled || res.OrderID != 888 || res.AvgPrice != 50012.5 {
		t.Fatalf("PlaceOrder(market) = %+v", res)
	}

	// Market orders go out as aggressive IOC limits.
	var action wireOrderAction
	if err := json.Unmarshal(f.lastAction, &action); err != nil {
		t.Fatal(err)
	}
	o := action.Orders[0]
	if o.Type.Limit == nil || o.Type.Limit.Tif != "Ioc" {
		t.Errorf("market order type = %+v, want Ioc limit", o.Type)
	}
	if o.Price != "52500" { // 50000 * 1.05, rounded to 5 sig figs
		t.Errorf("aggressive price = %s, want 52500", o.Price)
	}
}

func TestClient_PlaceOrderVenueRejection(t *testing.T) {
	f := &fakeVenue{
		t:            t,
		infoByType:   map[string]string{"meta": testMeta},
		exchangeResp: `{"status":"ok","response":{"type":"order","data":{"statuses":[{"error":"Insufficient margin"}]}}}`,
	}
	c := newTestClient(t, f)

	res := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "ETH", IsBuy: false, Size: 1, LimitPx: 3000, Type: OrderLimit,
	})
	if !res.IsVenueError() {
		t.Fatalf("PlaceOrder() kind = %v, want venue error", res.Kind)
	}
	if res.Message != "Insufficient margin" {
		t.Errorf("Message = %q, want verbatim venue text", res.Message)
	}
}

func TestClient_PlaceOrderUnknownSymbol(t *testing.T) {
	f := &fakeVenue{t: t, infoByType: map[string]string{"meta": testMeta}}
	c := newTestClient(t, f)

	res := c.PlaceOrder(context.Background(), OrderRequest{Symbol: "XYZ", Size: 1, Type: OrderLimit})
	if !res.IsVenueError() {
		t.Errorf("unknown symbol kind = %v, want venue error", res.Kind)
	}
}

func TestClient_TransportErrorTagged(t *testing.T) {
	f := &fakeVenue{t: t, infoByType: map[string]string{"meta": testMeta}}
	srv := httptest.NewServer(f.handler())
	c := NewClient(srv.URL, NewLocalSigner("0xwallet", "k"), NewMidCache(), discardLogger())
	if err := c.LoadMeta(context.Background()); err != nil {
		t.Fatal(err)
	}
	srv.Close() // every subsequent call fails at transport

	res := c.PlaceOrder(context.Background(), OrderRequest{
		Symbol: "BTC", IsBuy: true, Size: 1, LimitPx: 100, Type: OrderLimit,
	})
	if !res.IsTransportError() || res.Err == nil {
		t.Fatalf("PlaceOrder() after shutdown = %+v, want transport error", res)
	}
}

func TestClient_Positions(t *testing.T) {
	f := &fakeVenue{
		t: t,
		infoByType: map[string]string{
			"meta": testMeta,
			"clearinghouseState": `{
				"assetPositions":[
					{"position":{"coin":"BTC","szi":"0.5","entryPx":"48000"}},
					{"position":{"coin":"ETH","szi":"0","entryPx":"0"}}
				],
				"marginSummary":{"accountValue":"12345.6"}
			}`,
		},
	}
	c := newTestClient(t, f)

	positions, err := c.Positions(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 {
		t.Fatalf("Positions() = %d entries, want 1 (zero szi skipped)", len(positions))
	}
	if positions[0].Symbol != "BTC" || positions[0].Size != 0.5 || positions[0].EntryPrice != 48000 {
		t.Errorf("position = %+v", positions[0])
	}

	equity, err := c.AccountEquity(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if equity != 12345.6 {
		t.Errorf("AccountEquity() = %v, want 12345.6", equity)
	}
}

func TestClient_FillsAndOrders(t *testing.T) {
	f := &fakeVenue{
		t: t,
		infoByType: map[string]string{
			"meta":       testMeta,
			"userFills":  `[{"coin":"BTC","px":"52000","sz":"0.1","oid":42,"dir":"Close Long","closedPnl":"400","time":1756600000000}]`,
			"openOrders": `[{"coin":"BTC","oid":43,"side":"A","limitPx":"55000","sz":"0.2","orderType":"Limit"}]`,
		},
	}
	c := newTestClient(t, f)

	fills, err := c.Fills(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(fills) != 1 || fills[0].OrderID != 42 || !fills[0].IsClose() || fills[0].ClosedPnL != 400 {
		t.Errorf("Fills() = %+v", fills)
	}

	orders, err := c.OpenOrders(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(orders) != 1 || orders[0].OrderID != 43 || orders[0].IsBuy {
		t.Errorf("OpenOrders() = %+v", orders)
	}
}

func TestClient_AllMidsPrefersFreshCache(t *testing.T) {
	f := &fakeVenue{
		t:          t,
		infoByType: map[string]string{"meta": testMeta, "allMids": `{"BTC":"51000"}`},
	}
	c := newTestClient(t, f)

	// Cold cache: REST populates it.
	mids, err := c.AllMids(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if mids["BTC"] != 51000 {
		t.Fatalf("AllMids() = %v", mids)
	}

	// Fresh cache: served locally, so a changed REST answer is not observed.
	f.infoByType["allMids"] = `{"BTC":"99999"}`
	mids, err = c.AllMids(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if mids["BTC"] != 51000 {
		t.Errorf("AllMids() bypassed fresh cache: %v", mids)
	}
}
