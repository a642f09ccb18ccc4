package signal

import (
	"fmt"

	"github.com/relvacode/iso8601"
	"github.com/valyala/fastjson"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
)

var parserPool fastjson.ParserPool

// ParsePayload turns a raw webhook JSON body into a Signal. It uses fastjson
// for a tolerant first pass (TradingView alert bodies are free-form JSON
// with optional fields depending on alert kind) and relvacode/iso8601 for
// timestamp parsing, since TradingView's `{{timenow}}` placeholder can
// render several RFC3339 variants depending on exchange feed (spec.md §4.1
// "Intake" — "tolerant of upstream timestamp format drift").
//
// The raw body is preserved verbatim on the returned Signal for the audit
// trail (spec.md §4.1).
func ParsePayload(raw []byte) (Signal, error) {
	p := parserPool.Get()
	defer parserPool.Put(p)

	v, err := p.ParseBytes(raw)
	if err != nil {
		return Signal{}, fmt.Errorf("signal: parse payload: %w", err)
	}

	sig := Signal{RawPayload: string(raw)}

	kind := string(v.GetStringBytes("kind"))
	if kind == "" {
		kind = string(v.GetStringBytes("type"))
	}
	if kind == "" {
		return Signal{}, fmt.Errorf("signal: missing kind/type field")
	}
	sig.Kind = Kind(kind)

	sig.Instrument = instrument.Name(v.GetStringBytes("instrument"))
	sig.Layer = string(v.GetStringBytes("layer"))
	sig.Reason = string(v.GetStringBytes("reason"))

	tsRaw := string(v.GetStringBytes("timestamp"))
	if tsRaw == "" {
		return Signal{}, fmt.Errorf("signal: missing timestamp field")
	}
	ts, err := iso8601.ParseString(tsRaw)
	if err != nil {
		return Signal{}, fmt.Errorf("signal: parse timestamp %q: %w", tsRaw, err)
	}
	sig.Timestamp = ts.UTC()

	sig.Price = v.GetFloat64("price")
	sig.Stop = v.GetFloat64("stop")
	sig.SuggestedLots = v.GetInt("suggested_lots")
	sig.ATR = v.GetFloat64("atr")
	sig.ER = v.GetFloat64("er")
	sig.Supertrend = v.GetFloat64("supertrend")
	sig.ROC = v.GetFloat64("roc")

	return sig, nil
}
