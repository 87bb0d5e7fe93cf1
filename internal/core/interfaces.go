// Package core defines the core interfaces for the execution core
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// Handler processes a message delivered on a subscribed channel
type Handler func(ctx context.Context, msg Message)

// ITransport is the publish/subscribe bus every cross-service call goes through.
// Delivery is at-most-once; order is preserved per channel for a single publisher.
type ITransport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler Handler) error
	Unsubscribe(ctx context.Context, channel string) error
	CheckHealth(ctx context.Context) error
	Close() error
}

// IPriceSource returns the latest normalized price for an instrument key
type IPriceSource interface {
	LatestPrice(key string) (decimal.Decimal, bool)
}

// IMultiplierSource returns the point value of an instrument
type IMultiplierSource interface {
	Multiplier(instrument string) (decimal.Decimal, bool)
}

// ITradingLock is the process-wide single-flight guard for trading operations
type ITradingLock interface {
	Acquire(tag string) (release func(), err error)
	Holder() (tag string, held bool)
}

// IOrderStore persists orders for lookup and audit
type IOrderStore interface {
	SaveOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	ListOrders(ctx context.Context) ([]*Order, error)
	Close() error
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// ISymbolResolver maps a bare or partial symbol (e.g. "MGC") onto the
// catalogue key it belongs to (e.g. "F.US.MGC")
type ISymbolResolver interface {
	Canonical(symbol string) string
}
