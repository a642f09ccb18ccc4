// Package signal models inbound TradingView-style webhook alerts, their
// stable fingerprint for deduplication, and the intake pipeline that turns a
// raw HTTP body into a validated Signal (spec.md §2 "Signal Intake & Dedup",
// §3 "Signal").
package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
)

// Kind is the webhook alert type (spec.md §3).
type Kind string

const (
	KindBaseEntry   Kind = "BASE_ENTRY"
	KindPyramid     Kind = "PYRAMID"
	KindExit        Kind = "EXIT"
	KindEODMonitor  Kind = "EOD_MONITOR"
)

// Signal is one parsed, not-yet-validated webhook alert (spec.md §3).
type Signal struct {
	Kind       Kind
	Instrument instrument.Name
	Layer      string // empty for EXIT-all / EOD_MONITOR

	Timestamp time.Time
	Price     float64
	Stop      float64

	SuggestedLots int
	ATR           float64
	ER            float64 // efficiency ratio, 0 if not supplied
	Supertrend    float64
	ROC           float64 // optional rate-of-change, used by EOD_MONITOR

	Reason string // free-text, required for EXIT (spec.md §4.2)

	RawPayload string // preserved for audit (spec.md §4.1)
}

// Fingerprint returns a stable identity for dedup purposes: instrument +
// kind + layer + timestamp truncated to the second + a coarse price bucket,
// so that two deliveries of the same alert (TradingView's at-least-once
// webhook retries) collapse to one signal even with float jitter in price
// (spec.md §4.1 "Deduplication").
func (s Signal) Fingerprint() string {
	bucket := int64(s.Price*100) / 50 // 0.50-currency-unit buckets
	raw := fmt.Sprintf("%s|%s|%s|%d|%d",
		s.Instrument, s.Kind, s.Layer, s.Timestamp.Unix(), bucket)
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:16])
}

// Age returns how long ago the signal was generated, relative to now.
func (s Signal) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}
