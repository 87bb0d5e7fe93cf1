// Package order places and closes futures positions through the venue adapter
// and applies the resulting fill events to the position ledger.
package order

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/exchange"
	"execution_core/internal/rpc"
	"execution_core/internal/trading/position"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/retry"
	"execution_core/pkg/telemetry"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

// Venue is the subset of the venue client the engine drives
type Venue interface {
	PlaceOrder(ctx context.Context, p exchange.PlaceOrderParams) exchange.Reply[exchange.OrderAck]
	ClosePosition(ctx context.Context, p exchange.ClosePositionParams) exchange.Reply[exchange.OrderAck]
	UpdateSLTP(ctx context.Context, p exchange.ProtectionParams) exchange.Reply[struct{}]
}

// ContractResolver maps a symbol or contract id to a tradable contract
type ContractResolver interface {
	Resolve(symbolOrContract string) (core.Contract, error)
}

// PositionBook is the ledger surface used by the engine
type PositionBook interface {
	ApplyFill(f core.Fill) (position.Event, error)
	Get(accountID, instrument string) (core.Position, bool)
	Upsert(p core.Position) position.Event
	SetProtection(accountID, instrument string, stopLoss, takeProfit *decimal.Decimal) error
}

// AccountReconciler schedules a reconciliation of one account
type AccountReconciler interface {
	TriggerAccount(accountID string)
}

// Config tunes the engine
type Config struct {
	// Accounts restricts trading to these ids; empty allows any
	Accounts  []string
	RateLimit float64
	RateBurst int
	// SLTP is the protective-order retry policy; MaxAttempts is the default maxRetries
	SLTP retry.Policy
}

// PlaceOrderRequest is a market order request
type PlaceOrderRequest struct {
	AccountID        string
	Instrument       string
	Side             core.Side
	Quantity         int64
	StopLossPoints   decimal.Decimal
	TakeProfitPoints decimal.Decimal
}

// ClosePositionRequest flattens a position, or reduces it by Quantity when positive
type ClosePositionRequest struct {
	AccountID  string
	Instrument string
	Quantity   int64
}

// Result reports the outcome of a trading operation. Order is a copy.
type Result struct {
	Outcome      rpc.Outcome
	RequestID    string
	Order        *core.Order
	VenueOrderID string
}

// Engine owns all orders. Orders are only mutated through its methods.
type Engine struct {
	venue      Venue
	contracts  ContractResolver
	ledger     PositionBook
	lock       core.ITradingLock
	store      core.IOrderStore
	reconciler AccountReconciler
	logger     core.ILogger
	accounts   map[string]bool
	policy     retry.Policy

	rateLimiter *rate.Limiter
	tracer      trace.Tracer

	mu     sync.RWMutex
	orders map[string]*core.Order
	// venue order id -> order id
	venueIDs map[string]string

	listenersMu sync.RWMutex
	listeners   []func(core.Order)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewEngine wires the engine. store and reconciler may be nil.
func NewEngine(
	cfg Config,
	venue Venue,
	contracts ContractResolver,
	ledger PositionBook,
	lock core.ITradingLock,
	store core.IOrderStore,
	reconciler AccountReconciler,
	logger core.ILogger,
) *Engine {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.SLTP.MaxAttempts <= 0 {
		cfg.SLTP.MaxAttempts = retry.DefaultPolicy.MaxAttempts
	}
	if cfg.SLTP.InitialBackoff <= 0 {
		cfg.SLTP.InitialBackoff = retry.DefaultPolicy.InitialBackoff
	}
	if store == nil {
		store = NewMemoryStore()
	}

	accounts := make(map[string]bool, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		accounts[a] = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		venue:       venue,
		contracts:   contracts,
		ledger:      ledger,
		lock:        lock,
		store:       store,
		reconciler:  reconciler,
		logger:      logger.WithField("component", "order_engine"),
		accounts:    accounts,
		policy:      cfg.SLTP,
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		tracer:      telemetry.GetTracer("order-engine"),
		orders:      make(map[string]*core.Order),
		venueIDs:    make(map[string]string),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetRateLimit updates the submission rate limit
func (e *Engine) SetRateLimit(limit float64, burst int) {
	e.rateLimiter.SetLimit(rate.Limit(limit))
	e.rateLimiter.SetBurst(burst)
}

// OnOrder registers a listener for order state changes
func (e *Engine) OnOrder(fn func(core.Order)) {
	e.listenersMu.Lock()
	defer e.listenersMu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// Stop cancels background protective updates and waits for them
func (e *Engine) Stop() error {
	e.cancel()
	e.wg.Wait()
	return nil
}

func (e *Engine) checkAccount(accountID string) error {
	if accountID == "" {
		return &apperrors.ValidationError{Field: "accountId", Message: "required"}
	}
	if len(e.accounts) > 0 && !e.accounts[accountID] {
		return &apperrors.ValidationError{Field: "accountId", Value: accountID, Message: "unknown account"}
	}
	return nil
}

func (e *Engine) validatePlace(req PlaceOrderRequest) (core.Contract, error) {
	if err := e.checkAccount(req.AccountID); err != nil {
		return core.Contract{}, err
	}
	if !req.Side.Valid() {
		return core.Contract{}, &apperrors.ValidationError{Field: "side", Value: req.Side, Message: "must be BUY or SELL"}
	}
	if req.Quantity <= 0 {
		return core.Contract{}, &apperrors.ValidationError{Field: "quantity", Value: req.Quantity, Message: "must be positive"}
	}
	if req.StopLossPoints.IsNegative() {
		return core.Contract{}, &apperrors.ValidationError{Field: "stopLossPoints", Value: req.StopLossPoints, Message: "must not be negative"}
	}
	if req.TakeProfitPoints.IsNegative() {
		return core.Contract{}, &apperrors.ValidationError{Field: "takeProfitPoints", Value: req.TakeProfitPoints, Message: "must not be negative"}
	}
	return e.contracts.Resolve(req.Instrument)
}

// PlaceOrder submits a market order. Validation and lock failures return
// before anything is published. A timed-out submission leaves the order
// SUBMITTED and returns a TimedOut result with a nil error: the venue may
// still execute it.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "PlaceOrder",
		trace.WithAttributes(
			attribute.String("instrument", req.Instrument),
			attribute.String("side", string(req.Side)),
			attribute.Int64("quantity", req.Quantity),
		),
	)
	defer span.End()

	contract, err := e.validatePlace(req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	release, err := e.lock.Acquire("place_order:" + contract.Instrument)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer release()

	order := &core.Order{
		ID:               uuid.NewString(),
		Status:           core.OrderStatusCreated,
		Instrument:       contract.Instrument,
		ContractID:       contract.ID,
		Side:             req.Side,
		Quantity:         req.Quantity,
		StopLossPoints:   req.StopLossPoints,
		TakeProfitPoints: req.TakeProfitPoints,
		AccountID:        req.AccountID,
		CreatedAt:        time.Now(),
	}
	e.mu.Lock()
	e.orders[order.ID] = order
	e.mu.Unlock()
	e.persist(ctx, *order)
	span.SetAttributes(attribute.String("order_id", order.ID))

	if err := e.rateLimiter.Wait(ctx); err != nil {
		snap := e.fail(ctx, order.ID, "rate limiter: "+err.Error())
		return &Result{Outcome: rpc.OutcomeTransportFailure, Order: snap}, err
	}

	e.transition(ctx, order.ID, func(o *core.Order) bool {
		if o.Status != core.OrderStatusCreated {
			return false
		}
		o.Status = core.OrderStatusSubmitted
		return true
	})

	e.logger.Info("Placing order",
		"order_id", order.ID,
		"account", req.AccountID,
		"contract", contract.ID,
		"side", req.Side,
		"qty", req.Quantity)

	reply := e.venue.PlaceOrder(ctx, exchange.PlaceOrderParams{
		ClientOrderID:    order.ID,
		AccountID:        req.AccountID,
		ContractID:       contract.ID,
		Side:             req.Side,
		Quantity:         req.Quantity,
		StopLossPoints:   req.StopLossPoints,
		TakeProfitPoints: req.TakeProfitPoints,
	})
	res := &Result{Outcome: reply.Outcome, RequestID: reply.RequestID}

	switch reply.Outcome {
	case rpc.OutcomeSuccess:
		res.VenueOrderID = reply.Value.OrderID
		res.Order = e.transition(ctx, order.ID, func(o *core.Order) bool {
			o.VenueOrderID = reply.Value.OrderID
			return true
		})
		if reply.Value.OrderID != "" {
			e.mu.Lock()
			e.venueIDs[reply.Value.OrderID] = order.ID
			e.mu.Unlock()
		}
		telemetry.GetGlobalMetrics().RecordOrder(ctx, string(core.OrderStatusSubmitted))
		e.logger.Info("Order accepted", "order_id", order.ID, "venue_order_id", reply.Value.OrderID)
		return res, nil

	case rpc.OutcomeTimedOut:
		res.Order = e.snapshot(order.ID)
		span.SetStatus(codes.Error, "timed out")
		e.logger.Warn("Order submission timed out, outcome unknown", "order_id", order.ID, "request_id", reply.RequestID)
		return res, nil

	default:
		res.Order = e.fail(ctx, order.ID, reply.Err.Error())
		span.RecordError(reply.Err)
		span.SetStatus(codes.Error, reply.Err.Error())
		e.logger.Error("Order failed", "order_id", order.ID, "outcome", reply.Outcome, "error", reply.Err)
		return res, reply.Err
	}
}

// ClosePosition asks the venue to flatten or reduce a position. On success a
// reconciliation of the account is scheduled once the lock is released.
func (e *Engine) ClosePosition(ctx context.Context, req ClosePositionRequest) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "ClosePosition",
		trace.WithAttributes(attribute.String("instrument", req.Instrument)))
	defer span.End()

	if err := e.checkAccount(req.AccountID); err != nil {
		return nil, err
	}
	if req.Quantity < 0 {
		return nil, &apperrors.ValidationError{Field: "quantity", Value: req.Quantity, Message: "must not be negative"}
	}
	instrument := core.InstrumentKey(req.Instrument)
	pos, ok := e.ledger.Get(req.AccountID, instrument)
	if !ok {
		return nil, &apperrors.ValidationError{Field: "instrument", Value: req.Instrument, Message: "no open position"}
	}
	if req.Quantity > pos.Quantity {
		return nil, &apperrors.ValidationError{Field: "quantity", Value: req.Quantity, Message: fmt.Sprintf("exceeds position size %d", pos.Quantity)}
	}
	instrument = pos.Instrument
	contractID := pos.ContractID
	if contractID == "" {
		c, err := e.contracts.Resolve(instrument)
		if err != nil {
			return nil, err
		}
		contractID = c.ID
	}

	release, err := e.lock.Acquire("close_position:" + instrument)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	defer release()

	if err := e.rateLimiter.Wait(ctx); err != nil {
		return &Result{Outcome: rpc.OutcomeTransportFailure}, err
	}

	e.logger.Info("Closing position", "account", req.AccountID, "instrument", instrument, "qty", req.Quantity)
	reply := e.venue.ClosePosition(ctx, exchange.ClosePositionParams{
		AccountID:  req.AccountID,
		ContractID: contractID,
		Instrument: instrument,
		Quantity:   req.Quantity,
	})
	res := &Result{Outcome: reply.Outcome, RequestID: reply.RequestID, VenueOrderID: reply.Value.OrderID}

	switch reply.Outcome {
	case rpc.OutcomeSuccess:
		release()
		if e.reconciler != nil {
			e.reconciler.TriggerAccount(req.AccountID)
		}
		return res, nil
	case rpc.OutcomeTimedOut:
		e.logger.Warn("Close timed out, outcome unknown", "account", req.AccountID, "instrument", instrument)
		return res, nil
	default:
		span.RecordError(reply.Err)
		span.SetStatus(codes.Error, reply.Err.Error())
		e.logger.Error("Close failed", "account", req.AccountID, "instrument", instrument, "error", reply.Err)
		return res, reply.Err
	}
}

// UpdateStopLossTakeProfit sets protective levels on a position. Each attempt
// is one request on its own response channel; failed attempts are retried
// with exponential backoff up to maxRetries (the configured default when
// <= 0). The last attempt's error is returned.
func (e *Engine) UpdateStopLossTakeProfit(ctx context.Context, accountID, instrument string, stopLoss, takeProfit *decimal.Decimal, maxRetries int) error {
	if stopLoss == nil && takeProfit == nil {
		return &apperrors.ValidationError{Field: "stopLoss", Message: "stop-loss or take-profit required"}
	}
	if (stopLoss != nil && !stopLoss.IsPositive()) || (takeProfit != nil && !takeProfit.IsPositive()) {
		return &apperrors.ValidationError{Field: "stopLoss", Message: "levels must be positive prices"}
	}
	instrument = core.InstrumentKey(instrument)
	pos, ok := e.ledger.Get(accountID, instrument)
	if !ok {
		return &apperrors.ValidationError{Field: "instrument", Value: instrument, Message: "no open position"}
	}
	instrument = pos.Instrument

	policy := e.policy
	if maxRetries > 0 {
		policy.MaxAttempts = maxRetries
	}
	params := exchange.ProtectionParams{
		AccountID:  accountID,
		Instrument: instrument,
		ContractID: pos.ContractID,
		StopLoss:   stopLoss,
		TakeProfit: takeProfit,
	}

	err := retry.Do(ctx, policy, retry.Always, func(attempt int) error {
		reply := e.venue.UpdateSLTP(ctx, params)
		if reply.OK() {
			return nil
		}
		e.logger.Warn("Protective order update failed",
			"account", accountID,
			"instrument", instrument,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"outcome", reply.Outcome,
			"error", reply.Err)
		return reply.Err
	})
	if err != nil {
		return err
	}

	if err := e.ledger.SetProtection(accountID, instrument, stopLoss, takeProfit); err != nil {
		e.logger.Warn("Protection set at venue but position is gone locally", "instrument", instrument, "error", err)
	}
	e.logger.Info("Protective levels updated", "account", accountID, "instrument", instrument, "stop_loss", stopLoss, "take_profit", takeProfit)
	return nil
}

// protectAsync submits SL/TP levels derived from a fill without blocking the event path
func (e *Engine) protectAsync(accountID, instrument string, stopLoss, takeProfit *decimal.Decimal) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.UpdateStopLossTakeProfit(e.ctx, accountID, instrument, stopLoss, takeProfit, 0); err != nil {
			e.logger.Error("Failed to protect position", "account", accountID, "instrument", instrument, "error", err)
		}
	}()
}

// transition mutates an order under the engine lock. mutate returns false to
// leave the order untouched. The resulting copy is persisted and broadcast.
func (e *Engine) transition(ctx context.Context, id string, mutate func(o *core.Order) bool) *core.Order {
	e.mu.Lock()
	o, ok := e.orders[id]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	if !mutate(o) {
		snap := *o
		e.mu.Unlock()
		return &snap
	}
	snap := *o
	e.mu.Unlock()

	e.persist(ctx, snap)
	e.listenersMu.RLock()
	listeners := e.listeners
	e.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(snap)
	}
	return &snap
}

// fail marks an order FAILED unless a fill already made it terminal
func (e *Engine) fail(ctx context.Context, id, reason string) *core.Order {
	snap := e.transition(ctx, id, func(o *core.Order) bool {
		if o.Status.Terminal() {
			return false
		}
		o.Status = core.OrderStatusFailed
		o.Error = reason
		return true
	})
	telemetry.GetGlobalMetrics().RecordOrder(ctx, string(core.OrderStatusFailed))
	return snap
}

func (e *Engine) persist(ctx context.Context, o core.Order) {
	if err := e.store.SaveOrder(ctx, &o); err != nil {
		e.logger.Error("Failed to persist order", "order_id", o.ID, "error", err)
	}
}

func (e *Engine) snapshot(id string) *core.Order {
	e.mu.RLock()
	defer e.mu.RUnlock()
	o, ok := e.orders[id]
	if !ok {
		return nil
	}
	snap := *o
	return &snap
}

// Order returns a copy of an order by engine or venue id
func (e *Engine) Order(id string) (core.Order, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if o, ok := e.orders[id]; ok {
		return *o, true
	}
	if oid, ok := e.venueIDs[id]; ok {
		return *e.orders[oid], true
	}
	return core.Order{}, false
}

// Orders returns copies of all orders, oldest first
func (e *Engine) Orders() []core.Order {
	e.mu.RLock()
	out := make([]core.Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
