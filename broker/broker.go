// Package broker defines the order-execution port and its synthetic-leg
// and retry/progressive-limit execution strategies (spec.md §2 "Broker
// Adapter & Order Executor", §4.6 "Order Execution").
package broker

import (
	"context"
	"time"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
)

// Side is BUY or SELL.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// OrderType mirrors the subset of order types the executor issues.
type OrderType string

const (
	Limit  OrderType = "LIMIT"
	Market OrderType = "MARKET"
)

// OrderStatus is the broker-reported lifecycle of one order.
type OrderStatus string

const (
	StatusPending  OrderStatus = "PENDING"
	StatusFilled   OrderStatus = "FILLED"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusRejected OrderStatus = "REJECTED"
	StatusCancelled OrderStatus = "CANCELLED"
)

// OrderRequest is one leg to place.
type OrderRequest struct {
	Symbol   string
	Exchange instrument.Exchange
	Side     Side
	Type     OrderType
	Quantity int
	Price    float64 // ignored for Market orders
	Tag      string  // client-side correlation id
}

// OrderResult is what the broker reports back for a placed/polled order.
type OrderResult struct {
	BrokerOrderID   string
	Status          OrderStatus
	FilledQuantity  int
	AverageFillPrice float64
	UpdatedAt       time.Time
	RejectReason    string
}

// Margins is the account's current margin utilisation snapshot.
type Margins struct {
	Available float64
	Used      float64
}

// Broker is the port the engine depends on for all order/account
// operations (spec.md §1 — the live broker SDK is an external
// collaborator; core code only sees this interface).
type Broker interface {
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	ModifyOrder(ctx context.Context, brokerOrderID string, newPrice float64) (OrderResult, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrderStatus(ctx context.Context, brokerOrderID string) (OrderResult, error)
	GetMargins(ctx context.Context) (Margins, error)
	GetQuote(ctx context.Context, symbol string) (float64, error)
}
