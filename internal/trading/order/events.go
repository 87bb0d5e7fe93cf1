package order

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"execution_core/internal/core"
	"execution_core/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// Inbound venue event types
const (
	EventOrderFilled          = "ORDER_FILLED"
	EventPositionUpdate       = "POSITION_UPDATE"
	EventBracketOrderComplete = "BRACKET_ORDER_COMPLETE"
)

type eventEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Data    json.RawMessage `json:"data"`
}

func (e eventEnvelope) body() json.RawMessage {
	if len(e.Payload) > 0 && string(e.Payload) != "null" {
		return e.Payload
	}
	return e.Data
}

// eventPayload covers the fields of all three event types
type eventPayload struct {
	OrderID      string           `json:"orderId"`
	VenueOrderID string           `json:"venueOrderId"`
	AccountID    string           `json:"accountId"`
	ContractID   string           `json:"contractId"`
	Instrument   string           `json:"instrument"`
	Side         string           `json:"side"`
	Quantity     int64            `json:"quantity"`
	Size         int64            `json:"size"`
	Price        decimal.Decimal  `json:"price"`
	FillPrice    decimal.Decimal  `json:"fillPrice"`
	AveragePrice decimal.Decimal  `json:"averagePrice"`
	StopLoss     *decimal.Decimal `json:"stopLoss"`
	TakeProfit   *decimal.Decimal `json:"takeProfit"`
	Time         time.Time        `json:"time"`
}

func (p eventPayload) quantity() int64 {
	if p.Quantity != 0 {
		return p.Quantity
	}
	return p.Size
}

// instrumentKey keys an event by its contract id when it is qualified, else
// by the reported instrument mapped onto the catalogue
func (e *Engine) instrumentKey(p eventPayload) string {
	k := core.PositionKey(p.Instrument, p.ContractID)
	if r, ok := e.contracts.(core.ISymbolResolver); ok {
		k = r.Canonical(k)
	}
	return k
}

// HandleMessage is the bus handler for the venue event channel
func (e *Engine) HandleMessage(ctx context.Context, msg core.Message) {
	if err := e.HandleEvent(ctx, msg.Payload); err != nil {
		e.logger.Warn("Dropping venue event", "channel", msg.Channel, "error", err)
	}
}

// HandleEvent applies one venue event. A reported fill is applied to the
// ledger even when the order is unknown or already marked failed.
func (e *Engine) HandleEvent(ctx context.Context, raw []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("malformed event: %w", err)
	}
	var p eventPayload
	if body := env.body(); len(body) > 0 {
		if err := json.Unmarshal(body, &p); err != nil {
			return fmt.Errorf("malformed %s payload: %w", env.Type, err)
		}
	}

	switch env.Type {
	case EventOrderFilled:
		return e.onOrderFilled(ctx, p)
	case EventPositionUpdate:
		return e.onPositionUpdate(p)
	case EventBracketOrderComplete:
		return e.onBracketComplete(p)
	default:
		return fmt.Errorf("unknown event type %q", env.Type)
	}
}

func (e *Engine) lookup(p eventPayload) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if _, ok := e.orders[p.OrderID]; ok {
		return p.OrderID, true
	}
	if id, ok := e.venueIDs[p.VenueOrderID]; ok {
		return id, true
	}
	if id, ok := e.venueIDs[p.OrderID]; ok {
		return id, true
	}
	return "", false
}

func (e *Engine) onOrderFilled(ctx context.Context, p eventPayload) error {
	price := p.Price
	if price.IsZero() {
		price = p.FillPrice
	}
	fill := core.Fill{
		OrderID:    p.OrderID,
		AccountID:  p.AccountID,
		Instrument: e.instrumentKey(p),
		ContractID: p.ContractID,
		Side:       core.Side(strings.ToUpper(p.Side)),
		Quantity:   p.quantity(),
		Price:      price,
		Time:       p.Time,
	}
	if fill.Time.IsZero() {
		fill.Time = time.Now()
	}

	orderID, known := e.lookup(p)
	var order core.Order
	if known {
		order = *e.snapshot(orderID)
		fill.OrderID = order.ID
		if fill.AccountID == "" {
			fill.AccountID = order.AccountID
		}
		if fill.ContractID == "" {
			fill.ContractID = order.ContractID
		}
		fill.Instrument = order.Instrument
		if !fill.Side.Valid() {
			fill.Side = order.Side
		}
		if fill.Quantity == 0 {
			fill.Quantity = order.Quantity
		}
	}

	if _, err := e.ledger.ApplyFill(fill); err != nil {
		return fmt.Errorf("fill for order %s: %w", p.OrderID, err)
	}

	if !known {
		e.logger.Warn("Fill for unknown order applied to ledger", "order_id", p.OrderID, "venue_order_id", p.VenueOrderID)
		return nil
	}

	e.transition(ctx, orderID, func(o *core.Order) bool {
		if o.Status == core.OrderStatusFailed {
			e.logger.Warn("Fill received for failed order", "order_id", o.ID)
		}
		o.Status = core.OrderStatusFilled
		o.FillPrice = fill.Price
		o.FilledAt = fill.Time
		o.Error = ""
		if p.VenueOrderID != "" {
			o.VenueOrderID = p.VenueOrderID
		}
		return true
	})
	telemetry.GetGlobalMetrics().RecordOrder(ctx, string(core.OrderStatusFilled))
	e.logger.Info("Order filled", "order_id", orderID, "price", fill.Price, "qty", fill.Quantity)

	sl, tp := protectionLevels(order.Side, fill.Price, order.StopLossPoints, order.TakeProfitPoints)
	if sl != nil || tp != nil {
		e.protectAsync(fill.AccountID, fill.Instrument, sl, tp)
	}
	return nil
}

// protectionLevels converts point distances into prices around the fill.
// A BUY opens long: stop below, target above. A SELL mirrors it.
func protectionLevels(side core.Side, fill, slPoints, tpPoints decimal.Decimal) (sl, tp *decimal.Decimal) {
	if slPoints.IsPositive() {
		v := fill.Sub(slPoints)
		if side == core.SideSell {
			v = fill.Add(slPoints)
		}
		if v.IsPositive() {
			sl = &v
		}
	}
	if tpPoints.IsPositive() {
		v := fill.Add(tpPoints)
		if side == core.SideSell {
			v = fill.Sub(tpPoints)
		}
		if v.IsPositive() {
			tp = &v
		}
	}
	return sl, tp
}

func (e *Engine) onPositionUpdate(p eventPayload) error {
	instrument := e.instrumentKey(p)
	if instrument == "" {
		return fmt.Errorf("position update without instrument")
	}
	side, qty, err := core.ParsePositionSide(p.Side, p.quantity())
	if err != nil {
		return fmt.Errorf("position update for %s: %w", instrument, err)
	}

	avg := p.AveragePrice
	if avg.IsZero() {
		avg = p.Price
	}
	e.ledger.Upsert(core.Position{
		Instrument:   instrument,
		ContractID:   p.ContractID,
		AccountID:    p.AccountID,
		Side:         side,
		Quantity:     qty,
		AveragePrice: avg,
		StopLoss:     p.StopLoss,
		TakeProfit:   p.TakeProfit,
	})
	return nil
}

func (e *Engine) onBracketComplete(p eventPayload) error {
	instrument := e.instrumentKey(p)
	if instrument == "" {
		return fmt.Errorf("bracket event without instrument")
	}
	if p.StopLoss == nil && p.TakeProfit == nil {
		return nil
	}
	return e.ledger.SetProtection(p.AccountID, instrument, p.StopLoss, p.TakeProfit)
}
