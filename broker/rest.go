package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// RESTBroker is a reference Broker adapter over a generic REST-style
// trading API, using hashicorp/go-retryablehttp for bounded exponential
// backoff on transient network/5xx failures (spec.md §1 — the live broker
// SDK is external; this adapter exists so the Broker port is exercised by
// something concrete rather than left interface-only).
type RESTBroker struct {
	baseURL string
	apiKey  string
	client  *retryablehttp.Client
}

// NewRESTBroker builds a RESTBroker with bounded retries (up to 3 retries
// after the first attempt, capped exponential backoff), matching the retry policy spec.md §4.6
// documents for broker calls.
func NewRESTBroker(baseURL, apiKey string) *RESTBroker {
	c := retryablehttp.NewClient()
	c.RetryMax = 3
	c.RetryWaitMin = 200 * time.Millisecond
	c.RetryWaitMax = 2 * time.Second
	c.Logger = nil
	return &RESTBroker{baseURL: baseURL, apiKey: apiKey, client: c}
}

func (b *RESTBroker) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("broker: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("broker: %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

type placeOrderWire struct {
	Symbol   string  `json:"symbol"`
	Exchange string  `json:"exchange"`
	Side     string  `json:"side"`
	Type     string  `json:"type"`
	Quantity int     `json:"quantity"`
	Price    float64 `json:"price,omitempty"`
	Tag      string  `json:"tag,omitempty"`
}

type orderWire struct {
	BrokerOrderID    string    `json:"broker_order_id"`
	Status           string    `json:"status"`
	FilledQuantity   int       `json:"filled_quantity"`
	AverageFillPrice float64   `json:"average_fill_price"`
	UpdatedAt        time.Time `json:"updated_at"`
	RejectReason     string    `json:"reject_reason,omitempty"`
}

func (w orderWire) toResult() OrderResult {
	return OrderResult{
		BrokerOrderID:    w.BrokerOrderID,
		Status:           OrderStatus(w.Status),
		FilledQuantity:   w.FilledQuantity,
		AverageFillPrice: w.AverageFillPrice,
		UpdatedAt:        w.UpdatedAt,
		RejectReason:     w.RejectReason,
	}
}

func (b *RESTBroker) PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error) {
	wire := placeOrderWire{
		Symbol: req.Symbol, Exchange: string(req.Exchange), Side: string(req.Side),
		Type: string(req.Type), Quantity: req.Quantity, Price: req.Price, Tag: req.Tag,
	}
	var out orderWire
	if err := b.do(ctx, http.MethodPost, "/orders", wire, &out); err != nil {
		return OrderResult{}, err
	}
	return out.toResult(), nil
}

func (b *RESTBroker) ModifyOrder(ctx context.Context, brokerOrderID string, newPrice float64) (OrderResult, error) {
	var out orderWire
	body := map[string]float64{"price": newPrice}
	if err := b.do(ctx, http.MethodPatch, "/orders/"+brokerOrderID, body, &out); err != nil {
		return OrderResult{}, err
	}
	return out.toResult(), nil
}

func (b *RESTBroker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	return b.do(ctx, http.MethodDelete, "/orders/"+brokerOrderID, nil, nil)
}

func (b *RESTBroker) GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderResult, error) {
	var out orderWire
	if err := b.do(ctx, http.MethodGet, "/orders/"+brokerOrderID, nil, &out); err != nil {
		return OrderResult{}, err
	}
	return out.toResult(), nil
}

func (b *RESTBroker) GetMargins(ctx context.Context) (Margins, error) {
	var out struct {
		Available float64 `json:"available"`
		Used      float64 `json:"used"`
	}
	if err := b.do(ctx, http.MethodGet, "/margins", nil, &out); err != nil {
		return Margins{}, err
	}
	return Margins{Available: out.Available, Used: out.Used}, nil
}

func (b *RESTBroker) GetQuote(ctx context.Context, symbol string) (float64, error) {
	var out struct {
		LTP float64 `json:"ltp"`
	}
	if err := b.do(ctx, http.MethodGet, "/quotes/"+symbol, nil, &out); err != nil {
		return 0, err
	}
	return out.LTP, nil
}

var _ Broker = (*RESTBroker)(nil)
