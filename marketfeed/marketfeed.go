// Package marketfeed defines the live-quote port used by the EOD monitor
// and stop-hit checks, plus a gorilla/websocket-backed adapter for
// streaming LTP ticks (spec.md §2 "Market Feed", §4.5/§4.9 consumers).
package marketfeed

import (
	"context"
	"time"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
)

// Quote is a single last-traded-price snapshot.
type Quote struct {
	Symbol    string
	LTP       float64
	Timestamp time.Time
}

// Feed is the port the engine depends on; it knows nothing about the
// underlying transport (spec.md §1 treats the broker/market-data
// collaborator as external).
type Feed interface {
	// GetQuote returns the latest known LTP for symbol.
	GetQuote(ctx context.Context, symbol string) (Quote, error)
	// Subscribe streams ticks for symbol until ctx is cancelled.
	Subscribe(ctx context.Context, symbol string) (<-chan Quote, error)
}

// Exchange-qualified symbol helper, mirroring broker.Symbol's shape without
// importing the broker package (marketfeed sits below broker in the
// dependency graph).
func Qualify(exch instrument.Exchange, symbol string) string {
	return string(exch) + ":" + symbol
}
