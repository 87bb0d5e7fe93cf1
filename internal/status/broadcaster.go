// Package status publishes position, order and health snapshots to the
// status channel consumed by UI and CLI clients.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/marketdata"
	"execution_core/internal/risk"
	"execution_core/internal/trading/position"
	"execution_core/pkg/concurrency"
)

// Message types
const (
	TypePosition       = "position"
	TypePositionClosed = "position_closed"
	TypeOrder          = "order"
	TypeReconciliation = "reconciliation"
	TypeMarketStatus   = "market_status"
	TypeAccounts       = "accounts"
)

// DefaultPublishTimeout bounds one publish
const DefaultPublishTimeout = 5 * time.Second

// Message is the status wire shape
type Message struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

// Broadcaster fans status messages out to the bus through a bounded keyed
// pool. Messages about the same position or order keep their order. When the
// pool is full a message is dropped rather than blocking the caller.
type Broadcaster struct {
	transport core.ITransport
	channel   string
	pool      *concurrency.KeyedPool
	logger    core.ILogger
	now       func() time.Time

	published atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewBroadcaster publishes on channel using pool
func NewBroadcaster(transport core.ITransport, channel string, pool *concurrency.KeyedPool, logger core.ILogger) *Broadcaster {
	return &Broadcaster{
		transport: transport,
		channel:   channel,
		pool:      pool,
		logger:    logger.WithField("component", "status_broadcaster"),
		now:       time.Now,
	}
}

// Publish encodes and queues one message. Messages of one type keep their order.
func (b *Broadcaster) Publish(msgType string, data interface{}) error {
	return b.publish(msgType, msgType, data)
}

// publish queues a message behind earlier messages with the same key
func (b *Broadcaster) publish(key, msgType string, data interface{}) error {
	payload, err := json.Marshal(Message{Type: msgType, Data: data, Timestamp: b.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode %s status: %w", msgType, err)
	}

	err = b.pool.Submit(key, func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultPublishTimeout)
		defer cancel()
		if err := b.transport.Publish(ctx, b.channel, payload); err != nil {
			b.failed.Add(1)
			b.logger.Warn("Failed to publish status", "type", msgType, "error", err)
			return
		}
		b.published.Add(1)
	})
	if err != nil {
		b.dropped.Add(1)
		b.logger.Warn("Status pool full, dropping message", "type", msgType)
		return err
	}
	return nil
}

// PositionEvent broadcasts a ledger event
func (b *Broadcaster) PositionEvent(ev position.Event) {
	msgType := TypePosition
	if ev.Type == position.EventPositionClosed {
		msgType = TypePositionClosed
	}
	key := "position:" + ev.Position.AccountID + "/" + ev.Position.Instrument
	_ = b.publish(key, msgType, map[string]interface{}{
		"event":    ev.Type,
		"position": ev.Position,
		"realized": ev.Realized,
	})
}

// Order broadcasts an order state change
func (b *Broadcaster) Order(o core.Order) {
	_ = b.publish("order:"+o.ID, TypeOrder, o)
}

// Reconciliation broadcasts a reconciliation pass result
func (b *Broadcaster) Reconciliation(s risk.Status) {
	_ = b.Publish(TypeReconciliation, s)
}

// MarketStatus broadcasts per-instrument market data freshness
func (b *Broadcaster) MarketStatus(statuses map[string]marketdata.Status) {
	if len(statuses) == 0 {
		return
	}
	_ = b.Publish(TypeMarketStatus, statuses)
}

// Accounts broadcasts the tradable accounts reported by the venue
func (b *Broadcaster) Accounts(accounts []core.Account) {
	_ = b.Publish(TypeAccounts, accounts)
}

// Stats returns publish counters
func (b *Broadcaster) Stats() map[string]int64 {
	return map[string]int64{
		"published": b.published.Load(),
		"failed":    b.failed.Load(),
		"dropped":   b.dropped.Load(),
	}
}
