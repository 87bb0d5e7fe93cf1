// Package mock provides an in-process venue adapter that answers bus requests.
// Tests drive it directly; the simulate mode of the binary runs it on the memory bus.
package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/rpc"

	"github.com/shopspring/decimal"
)

// Behavior selects how the mock answers a request type
type Behavior int

const (
	// Reply answers with success and the type's payload
	Reply Behavior = iota
	// Reject answers with success=false
	Reject
	// Silent never answers
	Silent
)

type rule struct {
	behavior  Behavior
	message   string
	remaining int // -1 means permanent
}

// ReceivedRequest is a request the mock saw
type ReceivedRequest struct {
	Header rpc.Header
	Raw    []byte
}

// MockVenue implements the venue side of the request/response protocol
type MockVenue struct {
	conn           core.ITransport
	requestChannel string
	logger         core.ILogger

	mu        sync.Mutex
	accounts  []core.Account
	contracts []core.Contract
	positions map[string][]core.Position
	working   map[string][]core.WorkingOrder
	rules     map[rpc.RequestType][]*rule
	received  []ReceivedRequest
	orderSeq  int

	fillChannel string
	fillPrice   map[string]decimal.Decimal
	delay       time.Duration
}

// NewMockVenue creates a venue that listens on requestChannel once started
func NewMockVenue(conn core.ITransport, requestChannel string, logger core.ILogger) *MockVenue {
	return &MockVenue{
		conn:           conn,
		requestChannel: requestChannel,
		logger:         logger.WithField("component", "mock_venue"),
		positions:      make(map[string][]core.Position),
		working:        make(map[string][]core.WorkingOrder),
		rules:          make(map[rpc.RequestType][]*rule),
		fillPrice:      make(map[string]decimal.Decimal),
		orderSeq:       1000,
	}
}

// Start subscribes the request channel
func (m *MockVenue) Start(ctx context.Context) error {
	return m.conn.Subscribe(ctx, m.requestChannel, m.handle)
}

// Stop unsubscribes the request channel
func (m *MockVenue) Stop(ctx context.Context) error {
	return m.conn.Unsubscribe(ctx, m.requestChannel)
}

func (m *MockVenue) SetAccounts(accounts ...core.Account) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = accounts
}

func (m *MockVenue) SetContracts(contracts ...core.Contract) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contracts = contracts
}

// SetPositions replaces the venue-side positions of an account
func (m *MockVenue) SetPositions(accountID string, positions ...core.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions[accountID] = positions
}

func (m *MockVenue) SetWorkingOrders(accountID string, orders ...core.WorkingOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.working[accountID] = orders
}

// SetBehavior makes every request of type t follow b
func (m *MockVenue) SetBehavior(t rpc.RequestType, b Behavior, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[t] = []*rule{{behavior: b, message: message, remaining: -1}}
}

// FailNext makes the next n requests of type t follow b, then reverts to the current rules
func (m *MockVenue) FailNext(t rpc.RequestType, n int, b Behavior, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[t] = append([]*rule{{behavior: b, message: message, remaining: n}}, m.rules[t]...)
}

// SetDelay delays every answer
func (m *MockVenue) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// AutoFill publishes an ORDER_FILLED event on channel for every accepted order,
// filled at the configured price of the order's instrument
func (m *MockVenue) AutoFill(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillChannel = channel
}

// SetFillPrice sets the AutoFill price for an instrument
func (m *MockVenue) SetFillPrice(instrument string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillPrice[core.InstrumentKey(instrument)] = price
}

// Requests returns requests seen for type t (all types when empty)
func (m *MockVenue) Requests(t rpc.RequestType) []ReceivedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ReceivedRequest
	for _, r := range m.received {
		if t == "" || r.Header.Type == t {
			out = append(out, r)
		}
	}
	return out
}

// Count returns how many requests of type t were seen
func (m *MockVenue) Count(t rpc.RequestType) int {
	return len(m.Requests(t))
}

func (m *MockVenue) nextRule(t rpc.RequestType) (Behavior, string) {
	rules := m.rules[t]
	if len(rules) == 0 {
		return Reply, ""
	}
	r := rules[0]
	if r.remaining > 0 {
		r.remaining--
		if r.remaining == 0 {
			m.rules[t] = rules[1:]
		}
	}
	return r.behavior, r.message
}

func (m *MockVenue) handle(ctx context.Context, msg core.Message) {
	h, err := rpc.PeekHeader(msg.Payload)
	if err != nil || h.RequestID == "" {
		m.logger.Warn("Ignoring malformed request", "error", err)
		return
	}

	m.mu.Lock()
	m.received = append(m.received, ReceivedRequest{Header: h, Raw: append([]byte(nil), msg.Payload...)})
	behavior, message := m.nextRule(h.Type)
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}

	var raw []byte
	var fill []byte
	switch behavior {
	case Silent:
		return
	case Reject:
		if message == "" {
			message = "rejected"
		}
		raw, err = rpc.EncodeResponse(h.RequestID, false, message, nil)
	default:
		var payload interface{}
		payload, fill, err = m.payload(h, msg.Payload)
		if err != nil {
			raw, err = rpc.EncodeResponse(h.RequestID, false, err.Error(), nil)
		} else {
			raw, err = rpc.EncodeResponse(h.RequestID, true, "", payload)
		}
	}
	if err != nil {
		m.logger.Error("Failed to encode response", "error", err)
		return
	}

	if h.ResponseChannel != "" {
		if err := m.conn.Publish(ctx, h.ResponseChannel, raw); err != nil {
			m.logger.Error("Failed to publish response", "channel", h.ResponseChannel, "error", err)
		}
	}
	if fill != nil {
		m.mu.Lock()
		channel := m.fillChannel
		m.mu.Unlock()
		if err := m.conn.Publish(ctx, channel, fill); err != nil {
			m.logger.Error("Failed to publish fill", "error", err)
		}
	}
}

type requestFields struct {
	AccountID     string `json:"accountId"`
	ContractID    string `json:"contractId"`
	Instrument    string `json:"instrument"`
	Symbol        string `json:"symbol"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Size          int64  `json:"size"`
}

type wirePosition struct {
	AccountID    string          `json:"accountId"`
	ContractID   string          `json:"contractId"`
	Instrument   string          `json:"instrument"`
	Side         string          `json:"side"`
	Size         int64           `json:"size"`
	AveragePrice decimal.Decimal `json:"averagePrice"`
}

func (m *MockVenue) payload(h rpc.Header, raw []byte) (interface{}, []byte, error) {
	var f requestFields
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch h.Type {
	case rpc.TypeGetAccounts:
		return map[string]interface{}{"accounts": m.accounts}, nil, nil
	case rpc.TypeGetContracts:
		var out []core.Contract
		for _, c := range m.contracts {
			if f.Symbol == "" || c.Instrument == core.InstrumentKey(f.Symbol) {
				out = append(out, c)
			}
		}
		return map[string]interface{}{"contracts": out}, nil, nil
	case rpc.TypeGetPositions:
		out := make([]wirePosition, 0, len(m.positions[f.AccountID]))
		for _, p := range m.positions[f.AccountID] {
			out = append(out, wirePosition{
				AccountID:    f.AccountID,
				ContractID:   p.ContractID,
				Instrument:   p.Instrument,
				Side:         string(p.Side),
				Size:         p.Quantity,
				AveragePrice: p.AveragePrice,
			})
		}
		return map[string]interface{}{"positions": out}, nil, nil
	case rpc.TypeGetWorkingOrders:
		return map[string]interface{}{"orders": m.working[f.AccountID]}, nil, nil
	case rpc.TypePlaceOrder:
		m.orderSeq++
		venueID := fmt.Sprintf("V-%d", m.orderSeq)
		fill, err := m.fillEvent(f, venueID)
		if err != nil {
			return nil, nil, err
		}
		return map[string]interface{}{"orderId": venueID}, fill, nil
	case rpc.TypeClosePosition:
		m.orderSeq++
		return map[string]interface{}{"orderId": fmt.Sprintf("V-%d", m.orderSeq)}, nil, nil
	case rpc.TypeUpdateSLTP:
		return map[string]interface{}{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unsupported request type %s", h.Type)
	}
}

// fillEvent builds the ORDER_FILLED event for an accepted order; nil when AutoFill is off
func (m *MockVenue) fillEvent(f requestFields, venueID string) ([]byte, error) {
	if m.fillChannel == "" {
		return nil, nil
	}
	price, ok := m.fillPrice[core.InstrumentKey(f.ContractID)]
	if !ok {
		return nil, nil
	}
	return json.Marshal(map[string]interface{}{
		"type": "ORDER_FILLED",
		"payload": map[string]interface{}{
			"orderId":      f.ClientOrderID,
			"venueOrderId": venueID,
			"accountId":    f.AccountID,
			"contractId":   f.ContractID,
			"side":         f.Side,
			"quantity":     f.Size,
			"price":        price,
			"time":         time.Now().UTC(),
		},
	})
}
