// Package position keeps the live position ledger and its P&L.
package position

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"execution_core/internal/core"
	apperrors "execution_core/pkg/errors"
	"execution_core/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// EventType classifies ledger changes
type EventType string

const (
	EventPositionOpened     EventType = "POSITION_OPENED"
	EventPositionUpdated    EventType = "POSITION_UPDATED"
	EventPositionClosed     EventType = "POSITION_CLOSED"
	EventPositionReconciled EventType = "POSITION_RECONCILED"
)

// Event is emitted after every ledger mutation
type Event struct {
	Type     EventType
	Position core.Position
	// Realized is the P&L realized by the mutation that produced this event
	Realized decimal.Decimal
	Time     time.Time
}

// entry is the mutable record behind a Position. qty is signed: >0 long, <0 short.
type entry struct {
	instrument string
	contractID string
	accountID  string

	qty         int64
	totalBought int64
	avgBuy      decimal.Decimal
	totalSold   int64
	avgSell     decimal.Decimal

	avgPrice   decimal.Decimal
	realized   decimal.Decimal
	unrealized decimal.Decimal
	current    decimal.Decimal
	stopLoss   *decimal.Decimal
	takeProfit *decimal.Decimal
	updatedAt  time.Time
}

type key struct {
	account    string
	instrument string
}

// Ledger owns all positions. Every read returns a copy; every write goes
// through a method.
type Ledger struct {
	mu       sync.Mutex
	entries  map[key]*entry
	realized decimal.Decimal
	warned   map[string]bool

	prices      core.IPriceSource
	multipliers core.IMultiplierSource
	symbols     core.ISymbolResolver
	logger      core.ILogger
	now         func() time.Time

	subMu       sync.RWMutex
	subscribers []func(Event)
}

// NewLedger creates an empty ledger. prices and multipliers may be nil. When
// multipliers also resolves symbols, bare venue symbols are keyed by the
// catalogue entry they belong to.
func NewLedger(prices core.IPriceSource, multipliers core.IMultiplierSource, logger core.ILogger) *Ledger {
	symbols, _ := multipliers.(core.ISymbolResolver)
	return &Ledger{
		entries:     make(map[key]*entry),
		warned:      make(map[string]bool),
		prices:      prices,
		multipliers: multipliers,
		symbols:     symbols,
		logger:      logger.WithField("component", "position_ledger"),
		now:         time.Now,
	}
}

// Subscribe registers a listener for ledger events
func (l *Ledger) Subscribe(fn func(Event)) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

func (l *Ledger) emit(events ...Event) {
	l.subMu.RLock()
	subs := l.subscribers
	l.subMu.RUnlock()
	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// keyOf returns the ledger key for a record. A qualified contract id wins
// over the reported instrument.
func (l *Ledger) keyOf(instrument, contractID string) string {
	k := core.PositionKey(instrument, contractID)
	if l.symbols != nil {
		k = l.symbols.Canonical(k)
	}
	return k
}

// multiplierLocked returns the instrument multiplier, falling back to 1
func (l *Ledger) multiplierLocked(instrument string) decimal.Decimal {
	if l.multipliers != nil {
		if m, ok := l.multipliers.Multiplier(instrument); ok {
			return m
		}
	}
	if !l.warned[instrument] {
		l.warned[instrument] = true
		l.logger.Warn("No multiplier for instrument, using 1", "instrument", instrument)
	}
	return decimal.NewFromInt(1)
}

func validateFill(f core.Fill) error {
	switch {
	case !f.Side.Valid():
		return &apperrors.ValidationError{Field: "side", Value: f.Side, Message: "must be BUY or SELL"}
	case f.Quantity <= 0:
		return &apperrors.ValidationError{Field: "quantity", Value: f.Quantity, Message: "must be positive"}
	case !f.Price.IsPositive():
		return &apperrors.ValidationError{Field: "price", Value: f.Price, Message: "must be positive"}
	case f.Instrument == "" && f.ContractID == "":
		return &apperrors.ValidationError{Field: "instrument", Message: "fill has no instrument or contract"}
	}
	return nil
}

// ApplyFill books a venue fill. Fills for one instrument must be applied in
// delivery order; the ledger does not reorder them.
func (l *Ledger) ApplyFill(f core.Fill) (Event, error) {
	if err := validateFill(f); err != nil {
		return Event{}, err
	}
	instrument := l.keyOf(f.Instrument, f.ContractID)
	k := key{account: f.AccountID, instrument: instrument}

	l.mu.Lock()
	mult := l.multiplierLocked(instrument)
	e, exists := l.entries[k]
	if !exists {
		e = &entry{instrument: instrument, accountID: f.AccountID}
		l.entries[k] = e
	}
	if f.ContractID != "" {
		e.contractID = f.ContractID
	}

	before := e.qty
	p := f.Price
	realized := decimal.Zero

	if f.Side == core.SideBuy {
		e.avgBuy = weighted(e.totalBought, e.avgBuy, f.Quantity, p)
		e.totalBought += f.Quantity
		if before < 0 {
			closed := decimal.NewFromInt(min(f.Quantity, -before))
			realized = e.avgSell.Sub(p).Mul(closed).Mul(mult)
		}
		e.qty += f.Quantity
		if before < 0 && e.qty > 0 {
			// flipped short to long: the new side starts at the flip price
			e.totalBought, e.avgBuy = e.qty, p
			e.totalSold, e.avgSell = 0, decimal.Zero
		}
	} else {
		e.avgSell = weighted(e.totalSold, e.avgSell, f.Quantity, p)
		e.totalSold += f.Quantity
		if before > 0 {
			closed := decimal.NewFromInt(min(f.Quantity, before))
			realized = p.Sub(e.avgBuy).Mul(closed).Mul(mult)
		}
		e.qty -= f.Quantity
		if before > 0 && e.qty < 0 {
			e.totalSold, e.avgSell = -e.qty, p
			e.totalBought, e.avgBuy = 0, decimal.Zero
		}
	}

	e.realized = e.realized.Add(realized)
	l.realized = l.realized.Add(realized)
	e.updatedAt = l.now()
	if !f.Time.IsZero() {
		e.updatedAt = f.Time
	}

	ev := Event{Realized: realized, Time: e.updatedAt}
	switch {
	case e.qty == 0:
		delete(l.entries, k)
		e.unrealized = decimal.Zero
		ev.Type = EventPositionClosed
	default:
		if e.qty > 0 {
			e.avgPrice = e.avgBuy
		} else {
			e.avgPrice = e.avgSell
		}
		l.revalueLocked(e, p, mult)
		ev.Type = EventPositionUpdated
		if before == 0 {
			ev.Type = EventPositionOpened
		}
	}
	ev.Position = e.view()
	l.mu.Unlock()

	l.record(ev)
	l.logger.Info("Fill applied",
		"account", f.AccountID,
		"instrument", instrument,
		"side", f.Side,
		"qty", f.Quantity,
		"price", p,
		"position", ev.Position.Quantity,
		"position_side", ev.Position.Side,
		"realized", realized)
	l.emit(ev)
	return ev, nil
}

// weighted returns the running average after adding q units at p
func weighted(total int64, avg decimal.Decimal, q int64, p decimal.Decimal) decimal.Decimal {
	t := decimal.NewFromInt(total)
	n := decimal.NewFromInt(q)
	return t.Mul(avg).Add(n.Mul(p)).Div(t.Add(n))
}

// revalueLocked recomputes unrealized P&L from the latest known price; fallback
// is used when no market price has been seen
func (l *Ledger) revalueLocked(e *entry, fallback, mult decimal.Decimal) {
	cur := fallback
	if l.prices != nil {
		if p, ok := l.prices.LatestPrice(e.instrument); ok {
			cur = p
		}
	}
	if cur.IsZero() {
		cur = e.current
	}
	if cur.IsZero() {
		cur = e.avgPrice
	}
	e.current = cur
	e.unrealized = unrealized(e.qty, e.avgPrice, cur, mult)
}

func unrealized(qty int64, avg, cur, mult decimal.Decimal) decimal.Decimal {
	if qty > 0 {
		return cur.Sub(avg).Mul(decimal.NewFromInt(qty)).Mul(mult)
	}
	return avg.Sub(cur).Mul(decimal.NewFromInt(-qty)).Mul(mult)
}

func (e *entry) view() core.Position {
	side := core.PositionLong
	qty := e.qty
	if qty < 0 {
		side = core.PositionShort
		qty = -qty
	}
	return core.Position{
		Instrument:    e.instrument,
		ContractID:    e.contractID,
		AccountID:     e.accountID,
		Side:          side,
		Quantity:      qty,
		AveragePrice:  e.avgPrice,
		RealizedPnL:   e.realized,
		UnrealizedPnL: e.unrealized,
		CurrentPrice:  e.current,
		StopLoss:      copyDecimal(e.stopLoss),
		TakeProfit:    copyDecimal(e.takeProfit),
		UpdatedAt:     e.updatedAt,
	}
}

func copyDecimal(d *decimal.Decimal) *decimal.Decimal {
	if d == nil {
		return nil
	}
	v := *d
	return &v
}

func (l *Ledger) record(ev Event) {
	m := telemetry.GetGlobalMetrics()
	name := ev.Position.AccountID + "/" + ev.Position.Instrument
	if ev.Type == EventPositionClosed {
		m.ClearPosition(name)
	} else {
		size := float64(ev.Position.Quantity)
		if ev.Position.Side == core.PositionShort {
			size = -size
		}
		m.SetPositionSize(name, size)
		m.SetUnrealizedPnL(name, ev.Position.UnrealizedPnL.InexactFloat64())
	}
	if !ev.Realized.IsZero() {
		m.RecordRealizedPnL(context.Background(), ev.Position.Instrument, ev.Realized.InexactFloat64())
	}
}

// OnPrice revalues every position in instrument at price
func (l *Ledger) OnPrice(instrument string, price decimal.Decimal) {
	instrument = l.keyOf(instrument, "")
	m := telemetry.GetGlobalMetrics()

	l.mu.Lock()
	defer l.mu.Unlock()
	for k, e := range l.entries {
		if k.instrument != instrument {
			continue
		}
		e.current = price
		e.unrealized = unrealized(e.qty, e.avgPrice, price, l.multiplierLocked(instrument))
		m.SetUnrealizedPnL(k.account+"/"+k.instrument, e.unrealized.InexactFloat64())
	}
}

// Upsert replaces a position with venue-reported side, quantity and average
// price. Quantity 0 removes it. Realized P&L and protection levels are kept.
func (l *Ledger) Upsert(p core.Position) Event {
	ev := l.upsert(p, EventPositionUpdated)
	l.record(ev)
	l.emit(ev)
	return ev
}

func (l *Ledger) upsert(p core.Position, evType EventType) Event {
	instrument := l.keyOf(p.Instrument, p.ContractID)
	k := key{account: p.AccountID, instrument: instrument}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.entries[k]
	if p.Quantity == 0 {
		ev := Event{Type: EventPositionClosed, Time: l.now()}
		if exists {
			delete(l.entries, k)
			ev.Position = e.view()
		} else {
			ev.Position = core.Position{Instrument: instrument, AccountID: p.AccountID}
		}
		ev.Position.Quantity = 0
		return ev
	}
	if !exists {
		e = &entry{instrument: instrument, accountID: p.AccountID}
		l.entries[k] = e
		if evType == EventPositionUpdated {
			evType = EventPositionOpened
		}
	}
	if p.ContractID != "" {
		e.contractID = p.ContractID
	}

	qty := p.Quantity
	if qty < 0 {
		qty = -qty
	}
	if p.Side == core.PositionShort {
		e.qty = -qty
		e.totalSold, e.avgSell = qty, p.AveragePrice
		e.totalBought, e.avgBuy = 0, decimal.Zero
	} else {
		e.qty = qty
		e.totalBought, e.avgBuy = qty, p.AveragePrice
		e.totalSold, e.avgSell = 0, decimal.Zero
	}
	e.avgPrice = p.AveragePrice
	if p.StopLoss != nil {
		e.stopLoss = copyDecimal(p.StopLoss)
	}
	if p.TakeProfit != nil {
		e.takeProfit = copyDecimal(p.TakeProfit)
	}
	e.updatedAt = l.now()
	l.revalueLocked(e, p.CurrentPrice, l.multiplierLocked(instrument))
	return Event{Type: evType, Position: e.view(), Time: e.updatedAt}
}

// ReplaceAccount makes snapshot the ledger's view of accountID: positions of
// the account missing from snapshot are removed, the rest are upserted as
// reported. It returns the removed instruments.
func (l *Ledger) ReplaceAccount(accountID string, snapshot []core.Position) []string {
	keep := make(map[string]bool, len(snapshot))
	for _, p := range snapshot {
		keep[l.keyOf(p.Instrument, p.ContractID)] = true
	}

	var events []Event
	var removed []string
	now := l.now()

	l.mu.Lock()
	for k, e := range l.entries {
		if k.account != accountID || keep[k.instrument] {
			continue
		}
		ev := Event{Type: EventPositionClosed, Position: e.view(), Time: now}
		ev.Position.Quantity = 0
		delete(l.entries, k)
		events = append(events, ev)
		removed = append(removed, k.instrument)
	}
	l.mu.Unlock()

	for _, p := range snapshot {
		p.AccountID = accountID
		events = append(events, l.upsert(p, EventPositionReconciled))
	}

	for _, ev := range events {
		l.record(ev)
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		l.logger.Warn("Reconciliation removed positions absent at venue", "account", accountID, "instruments", removed)
	}
	l.emit(events...)
	return removed
}

// SetProtection stores stop-loss / take-profit levels. Nil leaves a level as is.
func (l *Ledger) SetProtection(accountID, instrument string, stopLoss, takeProfit *decimal.Decimal) error {
	k := key{account: accountID, instrument: l.keyOf(instrument, "")}

	l.mu.Lock()
	e, ok := l.entries[k]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("no open position for %s in account %s", k.instrument, accountID)
	}
	if stopLoss != nil {
		e.stopLoss = copyDecimal(stopLoss)
	}
	if takeProfit != nil {
		e.takeProfit = copyDecimal(takeProfit)
	}
	e.updatedAt = l.now()
	ev := Event{Type: EventPositionUpdated, Position: e.view(), Time: e.updatedAt}
	l.mu.Unlock()

	l.emit(ev)
	return nil
}

// Remove deletes a position without booking P&L
func (l *Ledger) Remove(accountID, instrument string) bool {
	k := key{account: accountID, instrument: l.keyOf(instrument, "")}
	l.mu.Lock()
	e, ok := l.entries[k]
	if ok {
		delete(l.entries, k)
	}
	l.mu.Unlock()

	if ok {
		ev := Event{Type: EventPositionClosed, Position: e.view(), Time: l.now()}
		ev.Position.Quantity = 0
		l.record(ev)
		l.emit(ev)
	}
	return ok
}

// Get returns the position of accountID in instrument
func (l *Ledger) Get(accountID, instrument string) (core.Position, bool) {
	k := key{account: accountID, instrument: l.keyOf(instrument, "")}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[k]
	if !ok {
		return core.Position{}, false
	}
	return e.view(), true
}

// ByInstrument returns every account's position in instrument
func (l *Ledger) ByInstrument(instrument string) []core.Position {
	instrument = l.keyOf(instrument, "")
	return l.filter(func(k key) bool { return k.instrument == instrument })
}

// AccountPositions returns the positions of one account
func (l *Ledger) AccountPositions(accountID string) []core.Position {
	return l.filter(func(k key) bool { return k.account == accountID })
}

// Positions returns all open positions
func (l *Ledger) Positions() []core.Position {
	return l.filter(func(key) bool { return true })
}

func (l *Ledger) filter(match func(key) bool) []core.Position {
	l.mu.Lock()
	out := make([]core.Position, 0, len(l.entries))
	for k, e := range l.entries {
		if match(k) {
			out = append(out, e.view())
		}
	}
	l.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AccountID != out[j].AccountID {
			return out[i].AccountID < out[j].AccountID
		}
		return out[i].Instrument < out[j].Instrument
	})
	return out
}

// RealizedPnL is the total realized across all positions, closed ones included
func (l *Ledger) RealizedPnL() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.realized
}
