package core

import (
	"fmt"
	"strings"
)

// BaseSymbol derives EXCHANGE.COUNTRY.SYMBOL from a fully qualified contract id
// of the form PREFIX.EXCHANGE.COUNTRY.SYMBOL.MONTHYEAR (e.g. CON.F.US.MGC.Q25).
func BaseSymbol(contractID string) (string, bool) {
	parts := strings.Split(contractID, ".")
	if len(parts) != 5 {
		return "", false
	}
	for _, p := range parts {
		if p == "" {
			return "", false
		}
	}
	return strings.Join(parts[1:4], "."), true
}

// InstrumentKey is the canonical key positions and prices are indexed by.
// Non-qualified keys are returned unchanged.
func InstrumentKey(key string) string {
	if base, ok := BaseSymbol(key); ok {
		return base
	}
	return key
}

// PositionKey picks the key for a record that carries both a reported
// instrument and a contract id. A qualified contract id wins, so "MGC" with
// contract CON.F.US.MGC.Z25 keys as F.US.MGC.
func PositionKey(instrument, contractID string) string {
	if base, ok := BaseSymbol(contractID); ok {
		return base
	}
	if instrument != "" {
		return InstrumentKey(instrument)
	}
	return InstrumentKey(contractID)
}

// ParsePositionSide reads a venue side label. LONG/BUY and SHORT/SELL are
// accepted in any case; an empty label falls back to the sign of size. The
// returned size is the absolute quantity.
func ParsePositionSide(side string, size int64) (PositionSide, int64, error) {
	abs := size
	if abs < 0 {
		abs = -abs
	}
	switch strings.ToUpper(strings.TrimSpace(side)) {
	case string(PositionLong), string(SideBuy):
		return PositionLong, abs, nil
	case string(PositionShort), string(SideSell):
		return PositionShort, abs, nil
	case "":
		if size < 0 {
			return PositionShort, abs, nil
		}
		return PositionLong, abs, nil
	default:
		return "", 0, fmt.Errorf("unknown position side %q", side)
	}
}
