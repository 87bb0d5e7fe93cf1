package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBaseSymbol(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		base   string
		wantOK bool
	}{
		{name: "full contract id", input: "CON.F.US.MGC.Q25", base: "F.US.MGC", wantOK: true},
		{name: "equity index", input: "CON.F.US.EP.U25", base: "F.US.EP", wantOK: true},
		{name: "already base", input: "F.US.MGC", wantOK: false},
		{name: "short symbol", input: "MGC", wantOK: false},
		{name: "empty segment", input: "CON..US.MGC.Q25", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, ok := BaseSymbol(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.base, base)
		})
	}
}

func TestInstrumentKey(t *testing.T) {
	assert.Equal(t, "F.US.MGC", InstrumentKey("CON.F.US.MGC.Q25"))
	assert.Equal(t, "F.US.MGC", InstrumentKey("F.US.MGC"))
	assert.Equal(t, "MGC", InstrumentKey("MGC"))
}

func TestPositionKey(t *testing.T) {
	tests := []struct {
		name       string
		instrument string
		contractID string
		want       string
	}{
		{name: "contract wins over bare symbol", instrument: "MGC", contractID: "CON.F.US.MGC.Z25", want: "F.US.MGC"},
		{name: "contract only", contractID: "CON.F.US.EP.U25", want: "F.US.EP"},
		{name: "instrument only", instrument: "F.US.MGC", want: "F.US.MGC"},
		{name: "unqualified contract falls back to instrument", instrument: "F.US.MGC", contractID: "12345", want: "F.US.MGC"},
		{name: "bare symbol unchanged", instrument: "MGC", want: "MGC"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, PositionKey(tt.instrument, tt.contractID))
		})
	}
}

func TestParsePositionSide(t *testing.T) {
	tests := []struct {
		name    string
		side    string
		size    int64
		want    PositionSide
		wantQty int64
		wantErr bool
	}{
		{name: "long", side: "LONG", size: 2, want: PositionLong, wantQty: 2},
		{name: "lower case short", side: "short", size: 3, want: PositionShort, wantQty: 3},
		{name: "buy", side: "Buy", size: 1, want: PositionLong, wantQty: 1},
		{name: "sell", side: "SELL", size: 4, want: PositionShort, wantQty: 4},
		{name: "sell with negative size", side: "SELL", size: -4, want: PositionShort, wantQty: 4},
		{name: "signed short", side: "", size: -2, want: PositionShort, wantQty: 2},
		{name: "signed long", side: "", size: 5, want: PositionLong, wantQty: 5},
		{name: "unknown label", side: "FLAT", size: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			side, qty, err := ParsePositionSide(tt.side, tt.size)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, side)
			assert.Equal(t, tt.wantQty, qty)
		})
	}
}
