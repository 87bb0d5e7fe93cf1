package exchange

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/mock"
	"execution_core/internal/rpc"
	"execution_core/internal/transport"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/logging"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*RemoteVenue, *mock.MockVenue) {
	t.Helper()
	broker := transport.NewMemoryBroker(64, logging.NopLogger{})
	venue := mock.NewMockVenue(broker.Connect("venue"), "requests", logging.NopLogger{})
	require.NoError(t, venue.Start(context.Background()))

	client := rpc.NewClient(broker.Connect("core"), rpc.NewRegistry(logging.NopLogger{}), rpc.ClientConfig{
		RequestChannel:  "requests",
		ResponseChannel: "responses",
		EphemeralPrefix: "reply",
	}, logging.NopLogger{})

	return NewRemoteVenue(client, Timeouts{Query: 200 * time.Millisecond, SLTP: 200 * time.Millisecond, Trade: 200 * time.Millisecond}, logging.NopLogger{}), venue
}

func TestRemoteVenue_GetPositions(t *testing.T) {
	remote, venue := setup(t)
	venue.SetPositions("A1", core.Position{
		ContractID:   "CON.F.US.MGC.Q25",
		Side:         core.PositionShort,
		Quantity:     2,
		AveragePrice: decimal.NewFromFloat(2401.5),
	})

	reply := remote.GetPositions(context.Background(), "A1")
	require.True(t, reply.OK(), "err %v", reply.Err)
	require.Len(t, reply.Value, 1)

	pos := reply.Value[0]
	assert.Equal(t, "F.US.MGC", pos.Instrument, "keyed by base symbol")
	assert.Equal(t, "A1", pos.AccountID)
	assert.Equal(t, core.PositionShort, pos.Side)
	assert.Equal(t, int64(2), pos.Quantity)
	assert.True(t, pos.AveragePrice.Equal(decimal.NewFromFloat(2401.5)))
}

func TestRemoteVenue_GetPositionsTimeout(t *testing.T) {
	remote, venue := setup(t)
	venue.SetBehavior(rpc.TypeGetPositions, mock.Silent, "")

	reply := remote.GetPositions(context.Background(), "A1")
	assert.Equal(t, rpc.OutcomeTimedOut, reply.Outcome)
	assert.Nil(t, reply.Value)
}

func TestRemoteVenue_PlaceOrder(t *testing.T) {
	remote, venue := setup(t)

	reply := remote.PlaceOrder(context.Background(), PlaceOrderParams{
		ClientOrderID:  "ord-1",
		AccountID:      "A1",
		ContractID:     "CON.F.US.MGC.Q25",
		Side:           core.SideBuy,
		Quantity:       3,
		StopLossPoints: decimal.NewFromInt(10),
	})
	require.True(t, reply.OK())
	assert.NotEmpty(t, reply.Value.OrderID)

	reqs := venue.Requests(rpc.TypePlaceOrder)
	require.Len(t, reqs, 1)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(reqs[0].Raw, &body))
	assert.Equal(t, "BUY", body["side"])
	assert.Equal(t, float64(3), body["size"])
	assert.Equal(t, "10", body["stopLossPoints"])
	assert.NotContains(t, body, "takeProfitPoints")
}

func TestRemoteVenue_Rejection(t *testing.T) {
	remote, venue := setup(t)
	venue.SetBehavior(rpc.TypeClosePosition, mock.Reject, "no open position")

	reply := remote.ClosePosition(context.Background(), ClosePositionParams{AccountID: "A1", Instrument: "F.US.MGC"})
	assert.Equal(t, rpc.OutcomeRemoteRejection, reply.Outcome)
	assert.True(t, apperrors.IsRemoteRejection(reply.Err))
}

func TestRemoteVenue_UpdateSLTPUsesEphemeralChannel(t *testing.T) {
	remote, venue := setup(t)
	sl := decimal.NewFromInt(2390)

	reply := remote.UpdateSLTP(context.Background(), ProtectionParams{AccountID: "A1", Instrument: "F.US.MGC", StopLoss: &sl})
	require.True(t, reply.OK())

	reqs := venue.Requests(rpc.TypeUpdateSLTP)
	require.Len(t, reqs, 1)
	assert.NotEqual(t, "responses", reqs[0].Header.ResponseChannel)
}

func TestRemoteVenue_GetContracts(t *testing.T) {
	remote, venue := setup(t)
	venue.SetContracts(
		core.Contract{ID: "CON.F.US.MGC.Q25", Multiplier: decimal.NewFromInt(10), Active: true},
		core.Contract{ID: "CON.F.US.EP.U25", Instrument: "F.US.EP", Multiplier: decimal.NewFromInt(50), Active: true},
	)

	reply := remote.GetContracts(context.Background(), "")
	require.True(t, reply.OK())
	require.Len(t, reply.Value, 2)
	assert.Equal(t, "F.US.MGC", reply.Value[0].Instrument)
}

func TestVenuePosition_SignedSize(t *testing.T) {
	pos, err := venuePosition{ContractID: "CON.F.US.EP.U25", Size: -3}.toPosition("A9")
	require.NoError(t, err)
	assert.Equal(t, core.PositionShort, pos.Side)
	assert.Equal(t, int64(3), pos.Quantity)
	assert.Equal(t, "A9", pos.AccountID)

	_, err = venuePosition{ContractID: "X", Side: "FLAT", Size: 1}.toPosition("A9")
	assert.Error(t, err)
}

func TestVenuePosition_SideLabels(t *testing.T) {
	tests := []struct {
		name string
		in   venuePosition
		side core.PositionSide
		qty  int64
		key  string
	}{
		{name: "sell label", in: venuePosition{ContractID: "CON.F.US.MGC.Z25", Side: "SELL", Size: 2}, side: core.PositionShort, qty: 2, key: "F.US.MGC"},
		{name: "lower case short", in: venuePosition{ContractID: "CON.F.US.MGC.Z25", Side: "short", Size: 1}, side: core.PositionShort, qty: 1, key: "F.US.MGC"},
		{name: "buy label", in: venuePosition{ContractID: "CON.F.US.MGC.Z25", Side: "Buy", Size: 4}, side: core.PositionLong, qty: 4, key: "F.US.MGC"},
		{name: "bare symbol with contract", in: venuePosition{Instrument: "MGC", ContractID: "CON.F.US.MGC.Z25", Side: "LONG", Size: 1}, side: core.PositionLong, qty: 1, key: "F.US.MGC"},
		{name: "instrument only", in: venuePosition{Instrument: "F.US.EP", Size: -5}, side: core.PositionShort, qty: 5, key: "F.US.EP"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pos, err := tt.in.toPosition("A9")
			require.NoError(t, err)
			assert.Equal(t, tt.side, pos.Side)
			assert.Equal(t, tt.qty, pos.Quantity)
			assert.Equal(t, tt.key, pos.Instrument)
		})
	}
}
