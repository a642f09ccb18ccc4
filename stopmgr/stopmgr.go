// Package stopmgr computes initial ATR-based stops and ratchets them
// monotonically as a position's closing price makes new highs (spec.md §2
// "Stop Manager", §4.5 "ATR Trailing Stops").
package stopmgr

// InitialStop returns the ATR-multiple stop for a new long position
// (spec.md §4.5 "initial stop = entry_price - initial_atr_mult * atr").
func InitialStop(entryPrice, atr, initialATRMult float64) float64 {
	return entryPrice - initialATRMult*atr
}

// Trail computes the candidate trailing stop for the latest close and
// returns the new current stop, which never moves down (spec.md §4.5:
// "the trailing stop only ratchets up, it is never lowered"). highestClose
// must already reflect the latest close (the caller updates it before
// calling Trail, or passes the same value to leave it unchanged).
func Trail(currentStop, highestClose, atr, trailingATRMult float64) float64 {
	candidate := highestClose - trailingATRMult*atr
	if candidate > currentStop {
		return candidate
	}
	return currentStop
}

// UpdateHighestClose returns the new highest-close-since-entry, which is
// itself monotonically non-decreasing (spec.md §3 Position.HighestClose).
func UpdateHighestClose(highestClose, latestClose float64) float64 {
	if latestClose > highestClose {
		return latestClose
	}
	return highestClose
}

// StopHit reports whether the latest low/close breached the current stop,
// which triggers an internally-generated EXIT with reason STOP_LOSS
// (spec.md §4.5 "stop-hit detection").
func StopHit(currentStop, latestPrice float64) bool {
	return latestPrice <= currentStop
}

// StopLossReason is the exit reason recorded when StopHit triggers an
// internal exit (spec.md §4.5).
const StopLossReason = "STOP_LOSS"
