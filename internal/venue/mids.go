package venue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTCJohnny/hyperliquid-fleet-execution/internal/infra"
)

// MidCache holds the latest mid price per symbol, fed by the websocket worker
// and read by every unit on the process. One cache serves the whole fleet.
type MidCache struct {
	mu      sync.RWMutex
	mids    map[string]float64
	updated time.Time
}

// NewMidCache creates an empty cache.
func NewMidCache() *MidCache {
	return &MidCache{mids: make(map[string]float64)}
}

// Update replaces prices for every symbol present in the batch.
func (c *MidCache) Update(mids map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sym, px := range mids {
		c.mids[sym] = px
	}
	c.updated = time.Now()
}

// Set updates a single symbol's mid.
func (c *MidCache) Set(symbol string, px float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mids[symbol] = px
	c.updated = time.Now()
}

// Mid returns the cached mid for a symbol.
func (c *MidCache) Mid(symbol string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	px, ok := c.mids[symbol]
	return px, ok
}

// Snapshot copies the full price map.
func (c *MidCache) Snapshot() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(c.mids))
	for sym, px := range c.mids {
		out[sym] = px
	}
	return out
}

// Fresh reports whether the cache was updated within maxAge.
func (c *MidCache) Fresh(maxAge time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.updated.IsZero() && time.Since(c.updated) <= maxAge
}

// midsHandler subscribes to the venue's allMids stream and feeds the cache.
type midsHandler struct {
	url   string
	cache *MidCache
}

type wsSubscribe struct {
	Method       string `json:"method"`
	Subscription struct {
		Type string `json:"type"`
	} `json:"subscription"`
}

type wsEnvelope struct {
	Channel string `json:"channel"`
	Data    struct {
		Mids map[string]string `json:"mids"`
	} `json:"data"`
}

func (h *midsHandler) GetURL() string { return h.url }
func (h *midsHandler) ID() string     { return "allMids" }

func (h *midsHandler) OnConnect(ctx context.Context, conn *websocket.Conn) error {
	sub := wsSubscribe{Method: "subscribe"}
	sub.Subscription.Type = "allMids"
	return conn.WriteJSON(sub)
}

func (h *midsHandler) OnMessage(ctx context.Context, msg []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return
	}
	if env.Channel != "allMids" || len(env.Data.Mids) == 0 {
		return
	}

	batch := make(map[string]float64, len(env.Data.Mids))
	for sym, px := range env.Data.Mids {
		batch[sym] = parseNum(px)
	}
	h.cache.Update(batch)
}

func (h *midsHandler) OnPing(ctx context.Context, conn *websocket.Conn) error {
	return conn.WriteJSON(map[string]string{"method": "ping"})
}

// NewMidsWorker builds the websocket worker that keeps a MidCache current.
func NewMidsWorker(wsURL string, cache *MidCache) *infra.BaseWSWorker {
	return infra.NewBaseWSWorker(&midsHandler{url: wsURL, cache: cache})
}
