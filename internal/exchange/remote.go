// Package exchange is the typed client for the venue adapter. Every call is a
// correlated request over the bus; callers branch on Reply.Outcome.
package exchange

import (
	"context"
	"fmt"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/rpc"
	apperrors "execution_core/pkg/errors"

	"github.com/shopspring/decimal"
)

// Timeouts per request family
type Timeouts struct {
	Query time.Duration // accounts, contracts, positions, working orders
	SLTP  time.Duration
	Trade time.Duration // place and close
}

// DefaultTimeouts are the venue adapter's expected response times
var DefaultTimeouts = Timeouts{
	Query: 10 * time.Second,
	SLTP:  15 * time.Second,
	Trade: 30 * time.Second,
}

// Reply is the typed result of a venue call. Value is only meaningful on success.
type Reply[T any] struct {
	Outcome   rpc.Outcome
	Value     T
	Err       error
	RequestID string
}

// OK reports a successful reply
func (r Reply[T]) OK() bool {
	return r.Outcome == rpc.OutcomeSuccess
}

// PlaceOrderParams describes a market order
type PlaceOrderParams struct {
	ClientOrderID    string
	AccountID        string
	ContractID       string
	Side             core.Side
	Quantity         int64
	StopLossPoints   decimal.Decimal
	TakeProfitPoints decimal.Decimal
}

// OrderAck is returned by the venue for accepted place/close requests
type OrderAck struct {
	OrderID string `json:"orderId"`
}

// ClosePositionParams closes all (Quantity 0) or part of a position
type ClosePositionParams struct {
	AccountID  string
	ContractID string
	Instrument string
	Quantity   int64
}

// ProtectionParams sets absolute stop-loss / take-profit prices. Nil leaves a level unchanged.
type ProtectionParams struct {
	AccountID  string
	Instrument string
	ContractID string
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
}

// RemoteVenue issues typed requests to the venue adapter
type RemoteVenue struct {
	client   *rpc.Client
	timeouts Timeouts
	logger   core.ILogger
}

// NewRemoteVenue wraps an RPC client
func NewRemoteVenue(client *rpc.Client, timeouts Timeouts, logger core.ILogger) *RemoteVenue {
	if timeouts.Query <= 0 {
		timeouts.Query = DefaultTimeouts.Query
	}
	if timeouts.SLTP <= 0 {
		timeouts.SLTP = DefaultTimeouts.SLTP
	}
	if timeouts.Trade <= 0 {
		timeouts.Trade = DefaultTimeouts.Trade
	}
	return &RemoteVenue{
		client:   client,
		timeouts: timeouts,
		logger:   logger.WithField("component", "remote_venue"),
	}
}

// GetAccounts lists tradable accounts
func (v *RemoteVenue) GetAccounts(ctx context.Context) Reply[[]core.Account] {
	req := rpc.NewRequest(rpc.TypeGetAccounts, nil)
	return call(ctx, v, req, rpc.CallOptions{Timeout: v.timeouts.Query}, func(resp *rpc.Response) ([]core.Account, error) {
		var body struct {
			Accounts []core.Account `json:"accounts"`
		}
		err := resp.Decode(&body)
		return body.Accounts, err
	})
}

// GetContracts lists contracts of an instrument (all instruments when empty)
func (v *RemoteVenue) GetContracts(ctx context.Context, instrument string) Reply[[]core.Contract] {
	fields := map[string]interface{}{}
	if instrument != "" {
		fields["symbol"] = instrument
	}
	req := rpc.NewRequest(rpc.TypeGetContracts, fields)
	return call(ctx, v, req, rpc.CallOptions{Timeout: v.timeouts.Query}, func(resp *rpc.Response) ([]core.Contract, error) {
		var body struct {
			Contracts []core.Contract `json:"contracts"`
		}
		if err := resp.Decode(&body); err != nil {
			return nil, err
		}
		for i := range body.Contracts {
			if body.Contracts[i].Instrument == "" {
				body.Contracts[i].Instrument = core.InstrumentKey(body.Contracts[i].ID)
			}
		}
		return body.Contracts, nil
	})
}

// venuePosition is the adapter's position shape
type venuePosition struct {
	AccountID    string          `json:"accountId"`
	ContractID   string          `json:"contractId"`
	Instrument   string          `json:"instrument"`
	Side         string          `json:"side"`
	Size         int64           `json:"size"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
}

// GetPositions returns the venue's authoritative open positions for accountID
func (v *RemoteVenue) GetPositions(ctx context.Context, accountID string) Reply[[]core.Position] {
	req := rpc.NewRequest(rpc.TypeGetPositions, map[string]interface{}{"accountId": accountID})
	return call(ctx, v, req, rpc.CallOptions{Timeout: v.timeouts.Query}, func(resp *rpc.Response) ([]core.Position, error) {
		var body struct {
			Positions []venuePosition `json:"positions"`
		}
		if err := resp.Decode(&body); err != nil {
			return nil, err
		}
		out := make([]core.Position, 0, len(body.Positions))
		for _, p := range body.Positions {
			pos, err := p.toPosition(accountID)
			if err != nil {
				return nil, err
			}
			out = append(out, pos)
		}
		return out, nil
	})
}

func (p venuePosition) toPosition(accountID string) (core.Position, error) {
	key := core.PositionKey(p.Instrument, p.ContractID)
	if key == "" {
		return core.Position{}, fmt.Errorf("position without instrument or contract id")
	}
	side, size, err := core.ParsePositionSide(p.Side, p.Size)
	if err != nil {
		return core.Position{}, fmt.Errorf("position %s: %w", key, err)
	}

	acct := p.AccountID
	if acct == "" {
		acct = accountID
	}
	return core.Position{
		Instrument:   key,
		ContractID:   p.ContractID,
		AccountID:    acct,
		Side:         side,
		Quantity:     size,
		AveragePrice: p.AveragePrice,
	}, nil
}

// GetWorkingOrders lists resting orders for accountID
func (v *RemoteVenue) GetWorkingOrders(ctx context.Context, accountID string) Reply[[]core.WorkingOrder] {
	req := rpc.NewRequest(rpc.TypeGetWorkingOrders, map[string]interface{}{"accountId": accountID})
	return call(ctx, v, req, rpc.CallOptions{Timeout: v.timeouts.Query}, func(resp *rpc.Response) ([]core.WorkingOrder, error) {
		var body struct {
			Orders []core.WorkingOrder `json:"orders"`
		}
		err := resp.Decode(&body)
		return body.Orders, err
	})
}

// PlaceOrder submits a market order
func (v *RemoteVenue) PlaceOrder(ctx context.Context, p PlaceOrderParams) Reply[OrderAck] {
	fields := map[string]interface{}{
		"clientOrderId": p.ClientOrderID,
		"accountId":     p.AccountID,
		"contractId":    p.ContractID,
		"side":          p.Side,
		"size":          p.Quantity,
		"orderType":     "MARKET",
	}
	if p.StopLossPoints.IsPositive() {
		fields["stopLossPoints"] = p.StopLossPoints
	}
	if p.TakeProfitPoints.IsPositive() {
		fields["takeProfitPoints"] = p.TakeProfitPoints
	}
	req := rpc.NewRequest(rpc.TypePlaceOrder, fields)
	return call(ctx, v, req, rpc.CallOptions{Timeout: v.timeouts.Trade}, decodeAck)
}

// ClosePosition flattens a position or reduces it by Quantity
func (v *RemoteVenue) ClosePosition(ctx context.Context, p ClosePositionParams) Reply[OrderAck] {
	fields := map[string]interface{}{
		"accountId":  p.AccountID,
		"contractId": p.ContractID,
		"instrument": p.Instrument,
	}
	if p.Quantity > 0 {
		fields["size"] = p.Quantity
	}
	req := rpc.NewRequest(rpc.TypeClosePosition, fields)
	return call(ctx, v, req, rpc.CallOptions{Timeout: v.timeouts.Trade}, decodeAck)
}

// UpdateSLTP sets protective levels. Each call uses its own response channel.
func (v *RemoteVenue) UpdateSLTP(ctx context.Context, p ProtectionParams) Reply[struct{}] {
	fields := map[string]interface{}{
		"accountId":  p.AccountID,
		"instrument": p.Instrument,
		"contractId": p.ContractID,
	}
	if p.StopLoss != nil {
		fields["stopLoss"] = *p.StopLoss
	}
	if p.TakeProfit != nil {
		fields["takeProfit"] = *p.TakeProfit
	}
	req := rpc.NewRequest(rpc.TypeUpdateSLTP, fields)
	return call(ctx, v, req, rpc.CallOptions{Timeout: v.timeouts.SLTP, Mode: rpc.ModeEphemeral}, func(*rpc.Response) (struct{}, error) {
		return struct{}{}, nil
	})
}

func decodeAck(resp *rpc.Response) (OrderAck, error) {
	var ack OrderAck
	err := resp.Decode(&ack)
	return ack, err
}

func call[T any](ctx context.Context, v *RemoteVenue, req rpc.Request, opts rpc.CallOptions, decode func(*rpc.Response) (T, error)) Reply[T] {
	res := v.client.Call(ctx, req, opts)
	reply := Reply[T]{Outcome: res.Outcome, Err: res.Err, RequestID: res.RequestID}
	if !res.OK() {
		return reply
	}

	val, err := decode(res.Response)
	if err != nil {
		v.logger.Error("Malformed venue payload", "type", req.Type, "request_id", res.RequestID, "error", err)
		reply.Outcome = rpc.OutcomeRemoteRejection
		reply.Err = &apperrors.RemoteRejectionError{RequestType: string(req.Type), Message: "malformed payload: " + err.Error()}
		return reply
	}
	reply.Value = val
	return reply
}
