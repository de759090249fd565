package venue

import (
	"encoding/json"
	"strconv"
)

// Wire types for the venue's two REST endpoints. The venue serializes every
// number as a string; parseNum converts at the boundary.

type infoRequest struct {
	Type string `json:"type"`
	User string `json:"user,omitempty"`
}

type wireAsset struct {
	Name       string `json:"name"`
	SzDecimals int    `json:"szDecimals"`
}

type metaResponse struct {
	Universe []wireAsset `json:"universe"`
}

type clearinghouseState struct {
	AssetPositions []struct {
		Position struct {
			Coin    string `json:"coin"`
			Szi     string `json:"szi"`
			EntryPx string `json:"entryPx"`
		} `json:"position"`
	} `json:"assetPositions"`
	MarginSummary struct {
		AccountValue string `json:"accountValue"`
	} `json:"marginSummary"`
}

type wireOrder struct {
	Coin      string `json:"coin"`
	Oid       int64  `json:"oid"`
	Side      string `json:"side"` // "B" or "A"
	LimitPx   string `json:"limitPx"`
	Sz        string `json:"sz"`
	OrderType string `json:"orderType"`
}

type wireFill struct {
	Coin      string `json:"coin"`
	Px        string `json:"px"`
	Sz        string `json:"sz"`
	Oid       int64  `json:"oid"`
	Dir       string `json:"dir"` // "Open Long", "Close Short", ...
	ClosedPnl string `json:"closedPnl"`
	Time      int64  `json:"time"` // unix millis
}

// Exchange actions.

type wireLimit struct {
	Tif string `json:"tif"` // "Gtc" or "Ioc"
}

type wireTrigger struct {
	IsMarket  bool   `json:"isMarket"`
	TriggerPx string `json:"triggerPx"`
	TpSl      string `json:"tpsl"` // "sl" or "tp"
}

type wireOrderType struct {
	Limit   *wireLimit   `json:"limit,omitempty"`
	Trigger *wireTrigger `json:"trigger,omitempty"`
}

type wireOrderSpec struct {
	Asset      int           `json:"a"`
	IsBuy      bool          `json:"b"`
	Price      string        `json:"p"`
	Size       string        `json:"s"`
	ReduceOnly bool          `json:"r"`
	Type       wireOrderType `json:"t"`
	Cloid      string        `json:"c,omitempty"`
}

type wireOrderAction struct {
	Type     string          `json:"type"` // "order"
	Orders   []wireOrderSpec `json:"orders"`
	Grouping string          `json:"grouping"` // "na"
}

type wireCancel struct {
	Asset int   `json:"a"`
	Oid   int64 `json:"o"`
}

type wireCancelAction struct {
	Type    string       `json:"type"` // "cancel"
	Cancels []wireCancel `json:"cancels"`
}

type exchangeRequest struct {
	Action    json.RawMessage `json:"action"`
	Nonce     int64           `json:"nonce"`
	Signature json.RawMessage `json:"signature"`
}

type orderStatus struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting,omitempty"`
	Filled *struct {
		Oid     int64  `json:"oid"`
		AvgPx   string `json:"avgPx"`
		TotalSz string `json:"totalSz"`
	} `json:"filled,omitempty"`
	Error string `json:"error,omitempty"`
}

type exchangeResponse struct {
	Status   string `json:"status"` // "ok" or "err"
	Response struct {
		Type string `json:"type"`
		Data struct {
			Statuses []orderStatus `json:"statuses"`
		} `json:"data"`
	} `json:"response"`
	// Populated instead of Response when Status is "err".
	ErrMessage string `json:"-"`
}

func parseNum(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// formatNum renders a float the way the venue expects: shortest exact
// representation, no exponent.
func formatNum(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
