package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is BUY or SELL
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the side that reduces a position opened with s
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// PositionSide is the direction of an open position
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// OrderStatus tracks an order through CREATED -> SUBMITTED -> FILLED | FAILED
type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "CREATED"
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

// Terminal reports whether no further transitions are allowed
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFilled || s == OrderStatusFailed
}

// Contract is a tradable futures contract belonging to one instrument
type Contract struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Name       string          `json:"name,omitempty"`
	TickSize   decimal.Decimal `json:"tickSize"`
	Multiplier decimal.Decimal `json:"multiplier"`
	Active     bool            `json:"active"`
	Expiration time.Time       `json:"expiration,omitempty"`
}

// Instrument groups contracts under a base symbol
type Instrument struct {
	Symbol     string          `json:"symbol"`
	Multiplier decimal.Decimal `json:"multiplier"`
	TickSize   decimal.Decimal `json:"tickSize"`
	Contracts  []Contract      `json:"contracts"`
}

// Account is a venue trading account
type Account struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Balance  decimal.Decimal `json:"balance"`
	CanTrade bool            `json:"canTrade"`
}

// Order is owned by the order engine. StopLossPoints and TakeProfitPoints are
// distances in points; prices are derived once the fill price is known.
type Order struct {
	ID               string          `json:"id"`
	VenueOrderID     string          `json:"venueOrderId,omitempty"`
	Status           OrderStatus     `json:"status"`
	Instrument       string          `json:"instrument"`
	ContractID       string          `json:"contractId"`
	Side             Side            `json:"side"`
	Quantity         int64           `json:"quantity"`
	StopLossPoints   decimal.Decimal `json:"stopLossPoints"`
	TakeProfitPoints decimal.Decimal `json:"takeProfitPoints"`
	AccountID        string          `json:"accountId"`
	CreatedAt        time.Time       `json:"createdAt"`
	FillPrice        decimal.Decimal `json:"fillPrice"`
	FilledAt         time.Time       `json:"filledAt,omitempty"`
	Error            string          `json:"error,omitempty"`
}

// Position is a read-only view of a ledger entry
type Position struct {
	Instrument    string           `json:"instrument"`
	ContractID    string           `json:"contractId,omitempty"`
	AccountID     string           `json:"accountId"`
	Side          PositionSide     `json:"side"`
	Quantity      int64            `json:"quantity"`
	AveragePrice  decimal.Decimal  `json:"averagePrice"`
	RealizedPnL   decimal.Decimal  `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal  `json:"unrealizedPnl"`
	CurrentPrice  decimal.Decimal  `json:"currentPrice"`
	StopLoss      *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit    *decimal.Decimal `json:"takeProfit,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Fill is a venue confirmation that quantity executed at price
type Fill struct {
	OrderID    string          `json:"orderId"`
	AccountID  string          `json:"accountId"`
	Instrument string          `json:"instrument"`
	ContractID string          `json:"contractId"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Time       time.Time       `json:"time"`
}

// WorkingOrder is an order resting at the venue
type WorkingOrder struct {
	OrderID    string          `json:"orderId"`
	AccountID  string          `json:"accountId"`
	ContractID string          `json:"contractId"`
	Side       Side            `json:"side"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Type       string          `json:"type"`
}

// Message is a payload delivered on a bus channel
type Message struct {
	Channel string
	Payload []byte
}
