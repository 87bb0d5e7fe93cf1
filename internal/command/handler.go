// Package command serves trading and query requests from UI and CLI callers.
// Requests arrive on the command channel in the same flat envelope the core
// sends to the venue; each reply goes to the caller's responseChannel.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"execution_core/internal/core"
	"execution_core/internal/exchange"
	"execution_core/internal/risk"
	"execution_core/internal/rpc"
	"execution_core/internal/trading/order"
	"execution_core/pkg/concurrency"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/telemetry"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// TypeReconcile asks for an immediate reconciliation pass
const TypeReconcile rpc.RequestType = "RECONCILE"

// Error classes carried in the errorType reply field
const (
	ErrorLocked          = "LOCKED"
	ErrorValidation      = "VALIDATION"
	ErrorRemoteRejection = "REMOTE_REJECTION"
	ErrorTimeout         = "TIMEOUT"
	ErrorTransport       = "TRANSPORT"
	ErrorBusy            = "BUSY"
	ErrorInternal        = "INTERNAL"
)

// Trader is the order engine surface driven by commands
type Trader interface {
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.Result, error)
	ClosePosition(ctx context.Context, req order.ClosePositionRequest) (*order.Result, error)
	UpdateStopLossTakeProfit(ctx context.Context, accountID, instrument string, stopLoss, takeProfit *decimal.Decimal, maxRetries int) error
}

// PositionReader answers position queries from the local ledger
type PositionReader interface {
	AccountPositions(accountID string) []core.Position
	Positions() []core.Position
}

// WorkingOrderSource lists orders resting at the venue
type WorkingOrderSource interface {
	GetWorkingOrders(ctx context.Context, accountID string) exchange.Reply[[]core.WorkingOrder]
}

// Reconciler runs on-demand reconciliation
type Reconciler interface {
	TriggerManual(ctx context.Context) error
	GetStatus() risk.Status
}

// Config tunes the handler
type Config struct {
	Channel string
	// Workers bounds how many commands run at once; Buffer how many may wait
	Workers int
	Buffer  int
}

// request is the decoded command envelope plus every type-specific field
type request struct {
	Type             rpc.RequestType  `json:"type"`
	RequestID        string           `json:"requestId"`
	ResponseChannel  string           `json:"responseChannel"`
	AccountID        string           `json:"accountId"`
	Instrument       string           `json:"instrument"`
	ContractID       string           `json:"contractId"`
	Side             string           `json:"side"`
	Quantity         int64            `json:"quantity"`
	StopLossPoints   decimal.Decimal  `json:"stopLossPoints"`
	TakeProfitPoints decimal.Decimal  `json:"takeProfitPoints"`
	StopLoss         *decimal.Decimal `json:"stopLoss"`
	TakeProfit       *decimal.Decimal `json:"takeProfit"`
	MaxRetries       int              `json:"maxRetries"`
}

func (r request) instrument() string {
	if r.Instrument != "" {
		return r.Instrument
	}
	return r.ContractID
}

// reply is the outcome of one command before encoding
type reply struct {
	payload map[string]interface{}
	err     error
}

// Handler subscribes the command channel and executes each request on a
// bounded pool, so a second trading request arriving while the first is in
// flight sees the trading lock instead of queueing behind it.
type Handler struct {
	cfg        Config
	transport  core.ITransport
	trader     Trader
	positions  PositionReader
	orders     WorkingOrderSource
	reconciler Reconciler
	pool       *concurrency.WorkerPool
	logger     core.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	handled  atomic.Int64
	rejected atomic.Int64
	ignored  atomic.Int64

	counter metric.Int64Counter
}

// NewHandler wires a handler. orders and reconciler may be nil; their request
// types are then answered with an error.
func NewHandler(
	cfg Config,
	transport core.ITransport,
	trader Trader,
	positions PositionReader,
	orders WorkingOrderSource,
	reconciler Reconciler,
	logger core.ILogger,
) *Handler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 100
	}
	log := logger.WithField("component", "command_handler")
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		cfg:        cfg,
		transport:  transport,
		trader:     trader,
		positions:  positions,
		orders:     orders,
		reconciler: reconciler,
		pool: concurrency.NewWorkerPool(concurrency.PoolConfig{
			Name:        "commands",
			MaxWorkers:  cfg.Workers,
			MaxCapacity: cfg.Buffer,
			NonBlocking: true,
		}, log),
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}
	h.counter, _ = telemetry.GetMeter("command-handler").Int64Counter("commands_total",
		metric.WithDescription("Inbound commands by type and result"))
	return h
}

// Start subscribes the command channel
func (h *Handler) Start(ctx context.Context) error {
	if err := h.transport.Subscribe(ctx, h.cfg.Channel, h.handleMessage); err != nil {
		return err
	}
	h.logger.Info("Command handler started", "channel", h.cfg.Channel, "workers", h.cfg.Workers)
	return nil
}

// Stop unsubscribes, cancels running commands and waits for them
func (h *Handler) Stop(ctx context.Context) error {
	err := h.transport.Unsubscribe(ctx, h.cfg.Channel)
	h.cancel()
	h.pool.Stop()
	h.wg.Wait()
	return err
}

// Stats returns traffic counters
func (h *Handler) Stats() map[string]int64 {
	return map[string]int64{
		"handled":  h.handled.Load(),
		"rejected": h.rejected.Load(),
		"ignored":  h.ignored.Load(),
	}
}

func (h *Handler) handleMessage(_ context.Context, msg core.Message) {
	var req request
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		hdr, herr := rpc.PeekHeader(msg.Payload)
		if herr != nil || hdr.RequestID == "" || hdr.ResponseChannel == "" {
			h.ignore("malformed command", err)
			return
		}
		req = request{Type: hdr.Type, RequestID: hdr.RequestID, ResponseChannel: hdr.ResponseChannel}
		h.respond(req, reply{err: &apperrors.ValidationError{Field: "payload", Message: err.Error()}})
		return
	}
	if req.RequestID == "" || req.ResponseChannel == "" {
		h.ignore("command without requestId or responseChannel", nil)
		return
	}

	h.wg.Add(1)
	err := h.pool.Submit(func() {
		defer h.wg.Done()
		h.respond(req, h.execute(h.ctx, req))
	})
	if err != nil {
		h.wg.Done()
		h.logger.Warn("Command pool full, rejecting", "type", req.Type, "request_id", req.RequestID)
		h.respond(req, reply{err: errBusy})
	}
}

var errBusy = errors.New("too many commands in flight, retry later")

func (h *Handler) execute(ctx context.Context, req request) reply {
	switch req.Type {
	case rpc.TypePlaceOrder:
		return h.placeOrder(ctx, req)
	case rpc.TypeClosePosition:
		return h.closePosition(ctx, req)
	case rpc.TypeUpdateSLTP:
		return h.updateSLTP(ctx, req)
	case rpc.TypeGetPositions:
		return h.getPositions(req)
	case rpc.TypeGetWorkingOrders:
		return h.getWorkingOrders(ctx, req)
	case TypeReconcile:
		return h.reconcile(ctx)
	default:
		return reply{err: &apperrors.ValidationError{Field: "type", Value: req.Type, Message: "unsupported command"}}
	}
}

func (h *Handler) placeOrder(ctx context.Context, req request) reply {
	res, err := h.trader.PlaceOrder(ctx, order.PlaceOrderRequest{
		AccountID:        req.AccountID,
		Instrument:       req.instrument(),
		Side:             core.Side(strings.ToUpper(req.Side)),
		Quantity:         req.Quantity,
		StopLossPoints:   req.StopLossPoints,
		TakeProfitPoints: req.TakeProfitPoints,
	})
	return resultReply(req.Type, res, err)
}

func (h *Handler) closePosition(ctx context.Context, req request) reply {
	res, err := h.trader.ClosePosition(ctx, order.ClosePositionRequest{
		AccountID:  req.AccountID,
		Instrument: req.instrument(),
		Quantity:   req.Quantity,
	})
	return resultReply(req.Type, res, err)
}

// resultReply maps an engine result. A timed-out submission is not a success:
// the order stays SUBMITTED and the caller must check its state later.
func resultReply(t rpc.RequestType, res *order.Result, err error) reply {
	if err != nil {
		out := reply{err: err}
		if res != nil && res.Order != nil {
			out.payload = map[string]interface{}{"order": res.Order}
		}
		return out
	}
	payload := map[string]interface{}{
		"venueOrderId": res.VenueOrderID,
		"outcome":      res.Outcome.String(),
	}
	if res.Order != nil {
		payload["orderId"] = res.Order.ID
		payload["order"] = res.Order
	}
	if res.Outcome == rpc.OutcomeTimedOut {
		return reply{payload: payload, err: &apperrors.TimeoutError{RequestType: string(t), RequestID: res.RequestID}}
	}
	return reply{payload: payload}
}

func (h *Handler) updateSLTP(ctx context.Context, req request) reply {
	err := h.trader.UpdateStopLossTakeProfit(ctx, req.AccountID, req.instrument(), req.StopLoss, req.TakeProfit, req.MaxRetries)
	if err != nil {
		return reply{err: err}
	}
	return reply{payload: map[string]interface{}{
		"stopLoss":   req.StopLoss,
		"takeProfit": req.TakeProfit,
	}}
}

func (h *Handler) getPositions(req request) reply {
	positions := h.positions.Positions()
	if req.AccountID != "" {
		positions = h.positions.AccountPositions(req.AccountID)
	}
	return reply{payload: map[string]interface{}{"positions": positions}}
}

func (h *Handler) getWorkingOrders(ctx context.Context, req request) reply {
	if h.orders == nil {
		return reply{err: fmt.Errorf("working orders are not available")}
	}
	if req.AccountID == "" {
		return reply{err: &apperrors.ValidationError{Field: "accountId", Message: "required"}}
	}
	res := h.orders.GetWorkingOrders(ctx, req.AccountID)
	if !res.OK() {
		return reply{err: res.Err}
	}
	return reply{payload: map[string]interface{}{"orders": res.Value}}
}

func (h *Handler) reconcile(ctx context.Context) reply {
	if h.reconciler == nil {
		return reply{err: fmt.Errorf("reconciliation is not available")}
	}
	err := h.reconciler.TriggerManual(ctx)
	return reply{payload: map[string]interface{}{"status": h.reconciler.GetStatus()}, err: err}
}

func (h *Handler) respond(req request, r reply) {
	payload := r.payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["type"] = req.Type

	errMsg := ""
	result := "success"
	if r.err != nil {
		errMsg = r.err.Error()
		result = classify(r.err)
		payload["errorType"] = result
		var locked *apperrors.LockedError
		if errors.As(r.err, &locked) {
			payload["currentOperation"] = locked.CurrentOperation
		}
		h.rejected.Add(1)
	} else {
		h.handled.Add(1)
	}
	h.count(req.Type, result)

	raw, err := rpc.EncodeResponse(req.RequestID, r.err == nil, errMsg, payload)
	if err != nil {
		h.logger.Error("Failed to encode command reply", "type", req.Type, "request_id", req.RequestID, "error", err)
		return
	}
	if err := h.transport.Publish(context.Background(), req.ResponseChannel, raw); err != nil {
		h.logger.Error("Failed to publish command reply",
			"type", req.Type, "request_id", req.RequestID, "channel", req.ResponseChannel, "error", err)
		return
	}
	if r.err != nil {
		h.logger.Warn("Command rejected", "type", req.Type, "request_id", req.RequestID, "error_type", result, "error", r.err)
		return
	}
	h.logger.Info("Command completed", "type", req.Type, "request_id", req.RequestID)
}

func classify(err error) string {
	switch {
	case errors.Is(err, errBusy):
		return ErrorBusy
	case apperrors.IsLocked(err):
		return ErrorLocked
	case apperrors.IsValidation(err):
		return ErrorValidation
	case apperrors.IsRemoteRejection(err):
		return ErrorRemoteRejection
	case apperrors.IsTimeout(err):
		return ErrorTimeout
	case apperrors.IsTransport(err):
		return ErrorTransport
	default:
		return ErrorInternal
	}
}

func (h *Handler) ignore(reason string, err error) {
	h.ignored.Add(1)
	h.count("", "ignored")
	if err != nil {
		h.logger.Warn("Ignoring command", "reason", reason, "error", err)
		return
	}
	h.logger.Warn("Ignoring command", "reason", reason)
}

func (h *Handler) count(t rpc.RequestType, result string) {
	if h.counter != nil {
		h.counter.Add(context.Background(), 1, metric.WithAttributes(
			attribute.String("type", string(t)),
			attribute.String("result", result),
		))
	}
}
