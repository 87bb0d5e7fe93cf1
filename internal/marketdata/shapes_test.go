package marketdata

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_Shapes(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		key   string
		price string
		shape Shape
	}{
		{
			name:  "quote envelope",
			raw:   `{"type":"QUOTE","data":{"symbol":"CON.F.US.MGC.Q25","lastPrice":2400.5,"bestBid":2400.4,"bestAsk":2400.6}}`,
			key:   "CON.F.US.MGC.Q25",
			price: "2400.5",
			shape: ShapeEnvelope,
		},
		{
			name:  "trade envelope with payload key",
			raw:   `{"type":"trade","payload":{"contractId":"CON.F.US.EP.U25","price":"5600.25"}}`,
			key:   "CON.F.US.EP.U25",
			price: "5600.25",
			shape: ShapeEnvelope,
		},
		{
			name:  "depth envelope with key outside data",
			raw:   `{"type":"DEPTH","symbol":"F.US.MNQ","data":{"bid":20000,"ask":20001}}`,
			key:   "F.US.MNQ",
			price: "20000.5",
			shape: ShapeEnvelope,
		},
		{
			name:  "nested without type",
			raw:   `{"data":{"symbol":"F.US.MGC","price":2399}}`,
			key:   "F.US.MGC",
			price: "2399",
			shape: ShapeNested,
		},
		{
			name:  "flat symbol price",
			raw:   `{"symbol":"F.US.MGC","price":2401.1}`,
			key:   "F.US.MGC",
			price: "2401.1",
			shape: ShapeFlat,
		},
		{
			name:  "flat contract last price",
			raw:   `{"contractId":"CON.F.US.MGC.Q25","lastPrice":2402}`,
			key:   "CON.F.US.MGC.Q25",
			price: "2402",
			shape: ShapeFlat,
		},
		{
			name:  "ticker last",
			raw:   `{"ticker":"MGC","last":2403.3}`,
			key:   "MGC",
			price: "2403.3",
			shape: ShapeTicker,
		},
		{
			name:  "bid ask mid",
			raw:   `{"symbol":"F.US.MGC","bid":2400,"ask":2401}`,
			key:   "F.US.MGC",
			price: "2400.5",
			shape: ShapeBidAsk,
		},
		{
			name:  "single key",
			raw:   `{"F.US.MGC":2404.7}`,
			key:   "F.US.MGC",
			price: "2404.7",
			shape: ShapeSingleKey,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := Parse([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.key, u.Key)
			assert.True(t, u.Price.Equal(decimal.RequireFromString(tt.price)), "price %s", u.Price)
			assert.Equal(t, tt.shape, u.Shape)
		})
	}
}

func TestParse_LastWinsOverMid(t *testing.T) {
	u, err := Parse([]byte(`{"symbol":"F.US.MGC","bid":1,"ask":3,"last":2.5}`))
	require.NoError(t, err)
	assert.Equal(t, "2.5", u.Price.String())
	assert.Equal(t, ShapeFlat, u.Shape)
}

func TestParse_Rejects(t *testing.T) {
	for _, raw := range []string{
		`not json`,
		`{"symbol":"F.US.MGC"}`,
		`{"a":1,"b":2}`,
		`{"F.US.MGC":"abc"}`,
		`{"symbol":"F.US.MGC","price":0}`,
		`{"symbol":"F.US.MGC","bid":0,"ask":10}`,
		`{"F.US.MGC":-1}`,
	} {
		_, err := Parse([]byte(raw))
		assert.Error(t, err, raw)
	}
}

func TestParse_EnvelopeKind(t *testing.T) {
	u, err := Parse([]byte(`{"type":"TRADE","data":{"symbol":"F.US.MGC","price":1,"timestamp":"2025-07-01T12:00:00Z"}}`))
	require.NoError(t, err)
	assert.Equal(t, "TRADE", u.Kind)
	assert.Equal(t, 2025, u.Time.Year())
}
