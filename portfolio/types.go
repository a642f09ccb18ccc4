// Package portfolio persists positions, portfolio state, pyramiding
// metadata and the capital-transaction ledger with optimistic-locking
// writes (spec.md §2 "Portfolio State Store", §3 data model).
package portfolio

import (
	"time"

	"github.com/shankarv78/ITJ-BN-Trending-sub005/instrument"
)

// PositionStatus is the lifecycle state of a Position (spec.md §3).
type PositionStatus string

const (
	StatusOpen    PositionStatus = "open"
	StatusClosing PositionStatus = "closing"
	StatusClosed  PositionStatus = "closed"
	StatusPartial PositionStatus = "partial"
)

// Limiter records which sizing constraint bound the position (spec.md §4.3).
type Limiter string

const (
	LimiterRisk   Limiter = "risk"
	LimiterVol    Limiter = "volatility"
	LimiterMargin Limiter = "margin"
	LimiterFloor  Limiter = "floor"
)

// RolloverStatus tracks a position's rollover lifecycle (spec.md §3).
type RolloverStatus string

const (
	RolloverNone       RolloverStatus = "none"
	RolloverPending    RolloverStatus = "pending"
	RolloverInProgress RolloverStatus = "in_progress"
	RolloverRolled     RolloverStatus = "rolled"
	RolloverFailed     RolloverStatus = "failed"
)

// OptionLeg is one leg of a Bank Nifty synthetic-futures position.
type OptionLeg struct {
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"` // BUY | SELL
	FillPrice     float64 `json:"fill_price"`
	BrokerOrderID string  `json:"broker_order_id"`
}

// Position is one open, closing, partially-filled, or closed layer
// (spec.md §3 "Position"). PositionID is `{instrument}_{layer}`.
type Position struct {
	PositionID string
	Instrument instrument.Name
	Layer      string // Long_1..Long_6
	Status     PositionStatus

	EntryTimestamp time.Time
	EntryPrice     float64
	Lots           int
	Quantity       int // Lots * LotSize

	InitialStop float64
	CurrentStop float64
	HighestClose float64

	UnrealizedPnL float64
	RealizedPnL   float64

	ATRAtEntry float64
	Limiter    Limiter

	IsBasePosition bool
	PyramidCount   int // this layer's pyramid index (0 for the base layer, 1 for the first layer added on top, ...)

	RolloverStatus RolloverStatus
	RolloverCount  int
	OriginalExpiry string

	// Multi-leg (Bank Nifty synthetic futures) OR single futures.
	Legs []OptionLeg

	FuturesSymbol string
	ContractMonth string
	BrokerOrderID string

	StrategyID string

	ExitTimestamp *time.Time
	ExitPrice     float64
	ExitReason    string

	Version int
}

// PortfolioState is the single-row portfolio aggregate (spec.md §3).
type PortfolioState struct {
	InitialCapital float64
	ClosedEquity   float64
	EquityHigh     float64

	TotalRiskAmount float64
	TotalRiskPct    float64
	TotalVolAmount  float64
	MarginUsed      float64

	Version int
}

// PyramidingState is per-instrument pyramid bookkeeping (spec.md §3).
type PyramidingState struct {
	Instrument           instrument.Name
	LastPyramidEntryPrice float64
	BasePositionID        string
	UpdatedAt             time.Time
}

// TransactionType classifies a capital-ledger entry (spec.md §3).
type TransactionType string

const (
	TxDeposit    TransactionType = "DEPOSIT"
	TxWithdraw   TransactionType = "WITHDRAW"
	TxTradingPnL TransactionType = "TRADING_PNL"
)

// CapitalTransaction is one signed entry in the capital ledger (spec.md §3).
type CapitalTransaction struct {
	ID            int64
	Type          TransactionType
	Amount        float64 // signed
	EquityBefore  float64
	EquityAfter   float64
	PositionID    string
	CreatedAt     time.Time
}

// InstanceStatus is the lifecycle state of one engine instance (spec.md §3).
type InstanceStatus string

const (
	InstanceActive  InstanceStatus = "active"
	InstanceStandby InstanceStatus = "standby"
	InstanceCrashed InstanceStatus = "crashed"
)

// InstanceMetadata tracks one running engine process for HA (spec.md §3, §4.8).
type InstanceMetadata struct {
	InstanceID        string
	StartedAt         time.Time
	LastHeartbeat     time.Time
	LastSignalProcessed *time.Time
	IsLeader          bool
	LeaderAcquiredAt  *time.Time
	Status            InstanceStatus
}
