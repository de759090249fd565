package domain

import (
	"strings"
	"time"
)

// Signal statuses. Transitions are monotonic:
// pending → processing → {sent|filled} → {closed|executed} | expired | failed.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusSent       = "sent"
	StatusFilled     = "filled"
	StatusExecuted   = "executed"
	StatusClosed     = "closed"
	StatusExpired    = "expired"
	StatusFailed     = "failed"
)

// Signal kinds.
const (
	KindEntry = "entry"
	KindExit  = "exit"
)

// MaxTargets is the number of take-profit legs a signal can carry.
const MaxTargets = 5

// Signal is one trading intent row in the shared store. The ingestion side
// creates rows with status pending; this engine is the only writer afterwards
// and never touches symbol, direction, or price-level columns.
type Signal struct {
	ID        int64
	BotName   string
	Symbol    string
	Direction string // "long" or "short" (normalized at ingestion)
	Kind      string // entry or exit

	EntryPrice      float64
	Targets         [MaxTargets]*float64
	StopLoss        *float64
	Leverage        *float64 // informational hint only
	ConfidenceScore *int     // 1..5, maps to 1%..5% risk when present

	Status     string
	ActualSize float64

	EntryOrderID int64
	StopOrderID  int64
	TargetOrders [MaxTargets]int64

	SLMovedToBE      bool
	BreakevenOrderID int64

	Notes     string
	CreatedAt time.Time
}

// IsLong reports the signal direction.
func (s *Signal) IsLong() bool {
	return strings.ToLower(s.Direction) == "long"
}

// IsTerminal reports whether the status can no longer change.
func (s *Signal) IsTerminal() bool {
	switch s.Status {
	case StatusExecuted, StatusClosed, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// TargetCount returns the number of non-null target levels.
func (s *Signal) TargetCount() int {
	n := 0
	for _, t := range s.Targets {
		if t != nil {
			n++
		}
	}
	return n
}

// TargetIndexForOrder returns the 1-based target number owning the given
// venue order identifier, or 0 if none matches.
func (s *Signal) TargetIndexForOrder(oid int64) int {
	if oid == 0 {
		return 0
	}
	for i, id := range s.TargetOrders {
		if id == oid {
			return i + 1
		}
	}
	return 0
}

// NormalizeSymbol strips quote and perp suffixes and upper-cases the ticker,
// matching the coin names the venue uses. Ingestion already normalizes, but
// the engine applies it again before any venue call.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.ReplaceAll(s, "USDT", "")
	s = strings.ReplaceAll(s, "PERP", "")
	return s
}
