package domain

import (
	"strings"
	"time"
)

// Venue-owned truth, fetched on demand and never persisted beyond what the
// engine copies into Signal rows.

// VenuePosition is an open position as the venue reports it.
// Size is signed: positive long, negative short.
type VenuePosition struct {
	Symbol     string
	Size       float64
	EntryPrice float64
}

// IsOpen reports whether the position has any exposure.
func (p *VenuePosition) IsOpen() bool { return p.Size != 0 }

// VenueOrder is a resting order on the venue's book.
type VenueOrder struct {
	Symbol    string
	OrderID   int64
	IsBuy     bool
	LimitPx   float64
	Size      float64
	OrderType string
}

// VenueFill is one execution event from the venue's fill history.
type VenueFill struct {
	Symbol    string
	OrderID   int64
	Price     float64
	Size      float64
	Direction string // e.g. "Open Long", "Close Short"
	ClosedPnL float64
	Time      time.Time
}

// IsClose reports whether the fill reduced or closed a position.
func (f *VenueFill) IsClose() bool {
	return strings.Contains(f.Direction, "Close")
}

// AssetMeta carries per-symbol venue constraints, loaded once per unit at
// startup and immutable for the unit's lifetime.
type AssetMeta struct {
	Symbol       string
	SizeDecimals int
}
