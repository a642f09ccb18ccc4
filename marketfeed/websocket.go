package marketfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/logger"
)

var log = logger.With("marketfeed")

// WebsocketFeed adapts a broker's live-tick websocket stream to the Feed
// port. It keeps the last tick per symbol in memory so GetQuote has a
// cached answer between ticks, and fans out ticks to any active
// Subscribe callers (spec.md §4.9 "EOD monitor polls LTP via the market
// feed port").
type WebsocketFeed struct {
	dialURL string
	dialer  *websocket.Dialer

	mu      sync.RWMutex
	last    map[string]Quote
	subs    map[string][]chan Quote
	connErr error
}

// NewWebsocketFeed builds a feed that will dial dialURL when Run is called.
func NewWebsocketFeed(dialURL string) *WebsocketFeed {
	return &WebsocketFeed{
		dialURL: dialURL,
		dialer:  websocket.DefaultDialer,
		last:    make(map[string]Quote),
		subs:    make(map[string][]chan Quote),
	}
}

type wireTick struct {
	Symbol string  `json:"symbol"`
	LTP    float64 `json:"ltp"`
	TS     int64   `json:"ts"` // unix millis
}

// Run dials the feed and processes ticks until ctx is cancelled, retrying
// the connection with a fixed backoff on drop (spec.md §9 design note:
// market-data reconnect is the feed's own concern, not the engine's).
func (f *WebsocketFeed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := f.runOnce(ctx); err != nil {
			f.mu.Lock()
			f.connErr = err
			f.mu.Unlock()
			log.Warnf("marketfeed: connection lost: %v; reconnecting in 3s", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(3 * time.Second):
			}
			continue
		}
		return nil
	}
}

func (f *WebsocketFeed) runOnce(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.dialURL, nil)
	if err != nil {
		return fmt.Errorf("marketfeed: dial: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("marketfeed: read: %w", err)
		}
		var tick wireTick
		if err := json.Unmarshal(payload, &tick); err != nil {
			log.Warnf("marketfeed: malformed tick: %v", err)
			continue
		}
		q := Quote{Symbol: tick.Symbol, LTP: tick.LTP, Timestamp: time.UnixMilli(tick.TS).UTC()}
		f.publish(q)
	}
}

func (f *WebsocketFeed) publish(q Quote) {
	f.mu.Lock()
	f.last[q.Symbol] = q
	subs := append([]chan Quote(nil), f.subs[q.Symbol]...)
	f.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- q:
		default: // slow subscriber; drop rather than block the feed
		}
	}
}

// GetQuote returns the last cached tick for symbol.
func (f *WebsocketFeed) GetQuote(_ context.Context, symbol string) (Quote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	q, ok := f.last[symbol]
	if !ok {
		return Quote{}, fmt.Errorf("marketfeed: no quote cached for %s", symbol)
	}
	return q, nil
}

// Subscribe registers a channel that receives every future tick for symbol
// until ctx is cancelled.
func (f *WebsocketFeed) Subscribe(ctx context.Context, symbol string) (<-chan Quote, error) {
	ch := make(chan Quote, 16)

	f.mu.Lock()
	f.subs[symbol] = append(f.subs[symbol], ch)
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		defer f.mu.Unlock()
		list := f.subs[symbol]
		for i, c := range list {
			if c == ch {
				f.subs[symbol] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}
