package marketdata

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Shape identifies which inbound layout a message used
type Shape int

const (
	ShapeUnrecognized Shape = iota
	// ShapeEnvelope is {type: QUOTE|TRADE|DEPTH, data|payload: {...}}
	ShapeEnvelope
	// ShapeNested is {data|payload: {...}} without an envelope type
	ShapeNested
	// ShapeFlat is {symbol|contractId, price|lastPrice}
	ShapeFlat
	// ShapeTicker is {ticker, last}
	ShapeTicker
	// ShapeBidAsk carries only bid and ask; the price is their mid
	ShapeBidAsk
	// ShapeSingleKey is {"<instrument>": price}
	ShapeSingleKey
)

func (s Shape) String() string {
	switch s {
	case ShapeEnvelope:
		return "envelope"
	case ShapeNested:
		return "nested"
	case ShapeFlat:
		return "flat"
	case ShapeTicker:
		return "ticker"
	case ShapeBidAsk:
		return "bid_ask"
	case ShapeSingleKey:
		return "single_key"
	default:
		return "unrecognized"
	}
}

// ErrUnrecognized is returned for messages matching no known shape
var ErrUnrecognized = errors.New("unrecognized market data shape")

// Update is a message reduced to its raw instrument key and price
type Update struct {
	Key   string
	Price decimal.Decimal
	Shape Shape
	Kind  string // QUOTE, TRADE or DEPTH for envelopes
	Time  time.Time
}

var (
	envelopeKinds  = map[string]bool{"QUOTE": true, "TRADE": true, "DEPTH": true}
	innerKeys      = []string{"data", "payload"}
	instrumentKeys = []string{"contractId", "symbol", "instrument", "symbolId"}
	// last-trade and quote fields win over a bid/ask mid
	lastKeys = []string{"lastPrice", "last", "price", "tradePrice"}
	bidKeys  = []string{"bestBid", "bid", "bidPrice"}
	askKeys  = []string{"bestAsk", "ask", "askPrice"}
)

// Parse tries raw in fixed priority order: envelope, nested payload, flat
// record (including ticker and bid/ask forms), then the single-key fallback.
func Parse(raw []byte) (Update, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var top map[string]interface{}
	if err := dec.Decode(&top); err != nil {
		return Update{}, fmt.Errorf("decode market data: %w", err)
	}

	if kind, ok := top["type"].(string); ok && envelopeKinds[strings.ToUpper(kind)] {
		if inner, ok := innerRecord(top); ok {
			u, err := fromRecord(inner, top)
			if err != nil {
				return Update{}, err
			}
			u.Shape = ShapeEnvelope
			u.Kind = strings.ToUpper(kind)
			return u, nil
		}
	}

	if inner, ok := innerRecord(top); ok {
		u, err := fromRecord(inner, top)
		if err != nil {
			return Update{}, err
		}
		u.Shape = ShapeNested
		return u, nil
	}

	if u, err := fromRecord(top, nil); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrUnrecognized) {
		return Update{}, err
	}

	if len(top) == 1 {
		for key, v := range top {
			price, ok := toDecimal(v)
			if !ok {
				break
			}
			if !price.IsPositive() {
				return Update{}, fmt.Errorf("%s: non-positive price %s", key, price)
			}
			return Update{Key: key, Price: price, Shape: ShapeSingleKey}, nil
		}
	}
	return Update{}, ErrUnrecognized
}

func innerRecord(top map[string]interface{}) (map[string]interface{}, bool) {
	for _, k := range innerKeys {
		if inner, ok := top[k].(map[string]interface{}); ok {
			return inner, true
		}
	}
	return nil, false
}

// fromRecord extracts key and price from one record. outer supplies the
// instrument key when the inner record lacks one.
func fromRecord(rec, outer map[string]interface{}) (Update, error) {
	key, shape := findKey(rec)
	if key == "" && outer != nil {
		key, shape = findKey(outer)
	}
	if key == "" {
		return Update{}, ErrUnrecognized
	}

	u := Update{Key: key, Shape: shape, Time: findTime(rec)}
	if price, ok := firstDecimal(rec, lastKeys); ok {
		u.Price = price
	} else {
		bid, okBid := firstDecimal(rec, bidKeys)
		ask, okAsk := firstDecimal(rec, askKeys)
		if !okBid || !okAsk {
			return Update{}, fmt.Errorf("%s: %w", key, ErrUnrecognized)
		}
		if !bid.IsPositive() || !ask.IsPositive() {
			return Update{}, fmt.Errorf("%s: non-positive bid/ask %s/%s", key, bid, ask)
		}
		u.Price = bid.Add(ask).Div(decimal.NewFromInt(2))
		u.Shape = ShapeBidAsk
	}
	if !u.Price.IsPositive() {
		return Update{}, fmt.Errorf("%s: non-positive price %s", key, u.Price)
	}
	return u, nil
}

func findKey(rec map[string]interface{}) (string, Shape) {
	for _, k := range instrumentKeys {
		if s, ok := rec[k].(string); ok && s != "" {
			return s, ShapeFlat
		}
	}
	if s, ok := rec["ticker"].(string); ok && s != "" {
		return s, ShapeTicker
	}
	return "", ShapeUnrecognized
}

func findTime(rec map[string]interface{}) time.Time {
	for _, k := range []string{"timestamp", "time"} {
		switch v := rec[k].(type) {
		case string:
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				return ts
			}
		case json.Number:
			if ms, err := v.Int64(); err == nil && ms > 0 {
				return time.UnixMilli(ms)
			}
		}
	}
	return time.Time{}
}

func firstDecimal(rec map[string]interface{}, keys []string) (decimal.Decimal, bool) {
	for _, k := range keys {
		if v, ok := rec[k]; ok {
			if d, ok := toDecimal(v); ok {
				return d, true
			}
		}
	}
	return decimal.Zero, false
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(x)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(x), true
	default:
		return decimal.Zero, false
	}
}
