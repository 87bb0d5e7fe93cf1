package order

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/rpc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleEvent_FillKeyedByContractID(t *testing.T) {
	h := newHarness(t)

	err := h.engine.HandleEvent(context.Background(), []byte(`{
		"type": "ORDER_FILLED",
		"payload": {"orderId": "external-1", "accountId": "ACC-1", "instrument": "MGC",
			"contractId": "CON.F.US.MGC.Z25", "side": "BUY", "quantity": 2, "price": 2000}
	}`))
	require.NoError(t, err)

	pos, ok := h.ledger.Get("ACC-1", "F.US.MGC")
	require.True(t, ok)
	assert.Equal(t, "F.US.MGC", pos.Instrument)
	assert.Equal(t, int64(2), pos.Quantity)
	assert.Len(t, h.ledger.Positions(), 1)
}

func TestHandleEvent_BareSymbolMapsToCatalogue(t *testing.T) {
	h := newHarness(t)

	err := h.engine.HandleEvent(context.Background(), []byte(`{
		"type": "ORDER_FILLED",
		"data": {"orderId": "external-2", "accountId": "ACC-1", "instrument": "MGC",
			"side": "SELL", "size": 1, "fillPrice": 2010}
	}`))
	require.NoError(t, err)

	pos, ok := h.ledger.Get("ACC-1", "F.US.MGC")
	require.True(t, ok)
	assert.Equal(t, core.PositionShort, pos.Side)
	assert.True(t, pos.AveragePrice.Equal(d("2010")))
}

func TestHandleEvent_KnownOrderUsesOrderInstrument(t *testing.T) {
	h := newHarness(t)

	res, err := h.engine.PlaceOrder(context.Background(), buy(2))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		pos, ok := h.ledger.Get("ACC-1", "F.US.MGC")
		return ok && pos.Quantity == 2
	}, time.Second, 10*time.Millisecond)

	err = h.engine.HandleEvent(context.Background(), []byte(`{
		"type": "ORDER_FILLED",
		"payload": {"orderId": "`+res.Order.ID+`", "instrument": "GOLD", "quantity": 1, "price": 2001}
	}`))
	require.NoError(t, err)

	pos, ok := h.ledger.Get("ACC-1", "F.US.MGC")
	require.True(t, ok)
	assert.Equal(t, int64(3), pos.Quantity)
	_, ok = h.ledger.Get("ACC-1", "GOLD")
	assert.False(t, ok)
}

func TestHandleEvent_PositionUpdate(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		side    core.PositionSide
		qty     int64
		avg     string
	}{
		{
			name:    "sell label is short",
			payload: `{"accountId": "ACC-1", "contractId": "CON.F.US.MGC.Z25", "side": "SELL", "size": 2, "averagePrice": 2000}`,
			side:    core.PositionShort, qty: 2, avg: "2000",
		},
		{
			name:    "negative size without side is short",
			payload: `{"accountId": "ACC-1", "contractId": "CON.F.US.MGC.Z25", "size": -3, "averagePrice": 1995.5}`,
			side:    core.PositionShort, qty: 3, avg: "1995.5",
		},
		{
			name:    "lower case long falls back to price",
			payload: `{"accountId": "ACC-1", "instrument": "MGC", "side": "long", "quantity": 1, "price": 1999}`,
			side:    core.PositionLong, qty: 1, avg: "1999",
		},
		{
			name:    "average price preferred over price",
			payload: `{"accountId": "ACC-1", "instrument": "F.US.MGC", "side": "BUY", "quantity": 4, "price": 1, "averagePrice": 2002}`,
			side:    core.PositionLong, qty: 4, avg: "2002",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			err := h.engine.HandleEvent(context.Background(), []byte(`{"type": "POSITION_UPDATE", "payload": `+tt.payload+`}`))
			require.NoError(t, err)

			pos, ok := h.ledger.Get("ACC-1", "F.US.MGC")
			require.True(t, ok)
			assert.Equal(t, tt.side, pos.Side)
			assert.Equal(t, tt.qty, pos.Quantity)
			assert.True(t, pos.AveragePrice.Equal(d(tt.avg)), "avg %s", pos.AveragePrice)
		})
	}
}

func TestHandleEvent_PositionUpdateZeroRemoves(t *testing.T) {
	h := newHarness(t)
	openPosition(t, h, 2)

	err := h.engine.HandleEvent(context.Background(), []byte(`{
		"type": "POSITION_UPDATE",
		"payload": {"accountId": "ACC-1", "contractId": "CON.F.US.MGC.Z25", "quantity": 0}
	}`))
	require.NoError(t, err)

	_, ok := h.ledger.Get("ACC-1", "F.US.MGC")
	assert.False(t, ok)
}

func TestHandleEvent_PositionUpdateRejectsUnknownSide(t *testing.T) {
	h := newHarness(t)

	err := h.engine.HandleEvent(context.Background(), []byte(`{
		"type": "POSITION_UPDATE",
		"payload": {"accountId": "ACC-1", "contractId": "CON.F.US.MGC.Z25", "side": "FLAT", "size": 1}
	}`))
	assert.Error(t, err)
	assert.Empty(t, h.ledger.Positions())
}

func TestHandleEvent_BracketComplete(t *testing.T) {
	h := newHarness(t)
	openPosition(t, h, 1)

	err := h.engine.HandleEvent(context.Background(), []byte(`{
		"type": "BRACKET_ORDER_COMPLETE",
		"payload": {"accountId": "ACC-1", "instrument": "MGC", "stopLoss": 1990, "takeProfit": 2020}
	}`))
	require.NoError(t, err)

	pos, ok := h.ledger.Get("ACC-1", "F.US.MGC")
	require.True(t, ok)
	require.NotNil(t, pos.StopLoss)
	require.NotNil(t, pos.TakeProfit)
	assert.True(t, pos.StopLoss.Equal(d("1990")))
	assert.True(t, pos.TakeProfit.Equal(d("2020")))

	err = h.engine.HandleEvent(context.Background(), []byte(`{
		"type": "BRACKET_ORDER_COMPLETE",
		"payload": {"accountId": "ACC-1", "instrument": "F.US.MGC"}
	}`))
	assert.NoError(t, err, "no levels is a no-op")

	err = h.engine.HandleEvent(context.Background(), []byte(`{
		"type": "BRACKET_ORDER_COMPLETE",
		"payload": {"accountId": "ACC-1", "stopLoss": 1990}
	}`))
	assert.Error(t, err)
}

func TestHandleEvent_Rejects(t *testing.T) {
	h := newHarness(t)

	tests := map[string]string{
		"unknown type":      `{"type": "ORDER_CANCELLED", "payload": {}}`,
		"malformed json":    `{"type": `,
		"malformed payload": `{"type": "ORDER_FILLED", "payload": {"quantity": "many"}}`,
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, h.engine.HandleEvent(context.Background(), []byte(raw)))
		})
	}
	assert.Empty(t, h.ledger.Positions())
}

func TestBareSymbolCommandsUseCatalogueKey(t *testing.T) {
	h := newHarness(t)
	openPosition(t, h, 2)

	sl := d("1990")
	require.NoError(t, h.engine.UpdateStopLossTakeProfit(context.Background(), "ACC-1", "MGC", &sl, nil, 1))
	_, err := h.engine.ClosePosition(context.Background(), ClosePositionRequest{AccountID: "ACC-1", Instrument: "MGC"})
	require.NoError(t, err)

	for _, typ := range []rpc.RequestType{rpc.TypeUpdateSLTP, rpc.TypeClosePosition} {
		reqs := h.venue.Requests(typ)
		require.Len(t, reqs, 1, typ)
		var fields struct {
			Instrument string `json:"instrument"`
		}
		require.NoError(t, json.Unmarshal(reqs[0].Raw, &fields))
		assert.Equal(t, "F.US.MGC", fields.Instrument, typ)
	}
}
