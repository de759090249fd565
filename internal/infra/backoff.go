package infra

import (
	"time"
)

const (
	backoffBase = 1 * time.Second
	backoffMax  = 60 * time.Second
)

// CalculateBackoff returns the exponential backoff duration for a given retry
// count: base * 2^retry, capped at backoffMax. Used by the websocket worker
// between reconnect attempts and by the loops after venue transport failures.
func CalculateBackoff(retry int) time.Duration {
	if retry < 0 {
		return backoffBase
	}

	// 2^31 seconds already exceeds the cap, avoid shift overflow.
	if retry > 30 {
		return backoffMax
	}

	d := backoffBase * time.Duration(1<<retry)
	if d > backoffMax {
		return backoffMax
	}
	return d
}
