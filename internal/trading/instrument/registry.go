// Package instrument keeps the instrument and contract catalogue used for
// order validation and P&L multipliers.
package instrument

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"execution_core/internal/core"
	"execution_core/internal/exchange"
	apperrors "execution_core/pkg/errors"

	"github.com/shopspring/decimal"
)

// ContractSource fetches contracts from the venue
type ContractSource interface {
	GetContracts(ctx context.Context, instrument string) exchange.Reply[[]core.Contract]
}

// Registry indexes instruments by base symbol and contracts by id
type Registry struct {
	mu          sync.RWMutex
	instruments map[string]*core.Instrument
	contracts   map[string]core.Contract
	logger      core.ILogger
	now         func() time.Time
}

// NewRegistry creates a registry seeded with instruments (and their contracts)
func NewRegistry(seed []core.Instrument, logger core.ILogger) *Registry {
	r := &Registry{
		instruments: make(map[string]*core.Instrument),
		contracts:   make(map[string]core.Contract),
		logger:      logger.WithField("component", "instrument_registry"),
		now:         time.Now,
	}
	for _, inst := range seed {
		r.Upsert(inst)
	}
	return r
}

// Upsert adds or replaces an instrument definition and its contracts
func (r *Registry) Upsert(inst core.Instrument) {
	key := core.InstrumentKey(inst.Symbol)
	contracts := inst.Contracts

	r.mu.Lock()
	defer r.mu.Unlock()
	stored := &core.Instrument{Symbol: key, Multiplier: inst.Multiplier, TickSize: inst.TickSize}
	if prev, ok := r.instruments[key]; ok {
		stored.Contracts = prev.Contracts
		if stored.Multiplier.IsZero() {
			stored.Multiplier = prev.Multiplier
		}
		if stored.TickSize.IsZero() {
			stored.TickSize = prev.TickSize
		}
	}
	r.instruments[key] = stored
	for _, c := range contracts {
		c.Instrument = key
		r.addContractLocked(c)
	}
}

// AddContracts merges venue contracts, creating instruments as needed. A
// contract multiplier is authoritative for its instrument.
func (r *Registry) AddContracts(contracts []core.Contract) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range contracts {
		if c.Instrument == "" {
			c.Instrument = core.InstrumentKey(c.ID)
		} else {
			c.Instrument = core.InstrumentKey(c.Instrument)
		}
		r.addContractLocked(c)
	}
}

func (r *Registry) addContractLocked(c core.Contract) {
	inst, ok := r.instruments[c.Instrument]
	if !ok {
		inst = &core.Instrument{Symbol: c.Instrument}
		r.instruments[c.Instrument] = inst
	}

	replaced := false
	for i := range inst.Contracts {
		if inst.Contracts[i].ID == c.ID {
			inst.Contracts[i] = c
			replaced = true
			break
		}
	}
	if !replaced {
		inst.Contracts = append(inst.Contracts, c)
	}
	r.contracts[c.ID] = c

	if c.Multiplier.IsPositive() {
		if !inst.Multiplier.IsZero() && !inst.Multiplier.Equal(c.Multiplier) {
			r.logger.Warn("Contract multiplier overrides instrument setting",
				"instrument", c.Instrument, "contract", c.ID,
				"configured", inst.Multiplier, "contract_multiplier", c.Multiplier)
		}
		inst.Multiplier = c.Multiplier
	}
	if c.TickSize.IsPositive() {
		inst.TickSize = c.TickSize
	}
}

// Resolve maps a contract id or instrument symbol to a tradable contract. For
// an instrument, the active contract with the nearest unexpired expiration wins.
func (r *Registry) Resolve(symbolOrContract string) (core.Contract, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if c, ok := r.contracts[symbolOrContract]; ok {
		if !c.Active {
			return core.Contract{}, &apperrors.ValidationError{Field: "contract", Value: symbolOrContract, Message: "contract is not active"}
		}
		return r.withMultiplierLocked(c), nil
	}

	inst, ok := r.instruments[r.canonicalLocked(symbolOrContract)]
	if !ok {
		return core.Contract{}, &apperrors.ValidationError{Field: "instrument", Value: symbolOrContract, Message: "unknown instrument"}
	}

	now := r.now()
	var best *core.Contract
	for i := range inst.Contracts {
		c := &inst.Contracts[i]
		if !c.Active || (!c.Expiration.IsZero() && c.Expiration.Before(now)) {
			continue
		}
		if best == nil || earlier(c, best) {
			best = c
		}
	}
	if best == nil {
		return core.Contract{}, &apperrors.ValidationError{Field: "instrument", Value: symbolOrContract, Message: "no active contract"}
	}
	return r.withMultiplierLocked(*best), nil
}

// earlier orders contracts by expiration; unknown expirations sort last
func earlier(a, b *core.Contract) bool {
	switch {
	case a.Expiration.IsZero():
		return false
	case b.Expiration.IsZero():
		return true
	default:
		return a.Expiration.Before(b.Expiration)
	}
}

func (r *Registry) withMultiplierLocked(c core.Contract) core.Contract {
	if c.Multiplier.IsZero() {
		if inst, ok := r.instruments[c.Instrument]; ok {
			c.Multiplier = inst.Multiplier
		}
	}
	return c
}

// Multiplier returns the point value of an instrument or contract
func (r *Registry) Multiplier(instrument string) (decimal.Decimal, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instruments[r.canonicalLocked(instrument)]
	if !ok || !inst.Multiplier.IsPositive() {
		return decimal.Zero, false
	}
	return inst.Multiplier, true
}

// Known reports whether the instrument is in the catalogue
func (r *Registry) Known(instrument string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.instruments[r.canonicalLocked(instrument)]
	return ok
}

// Canonical maps a symbol onto its catalogue key. Contract ids reduce to their
// base symbol; a bare symbol such as "MGC" matches the one instrument whose
// last segment it equals. Unknown or ambiguous symbols come back as
// InstrumentKey would return them.
func (r *Registry) Canonical(symbol string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.canonicalLocked(symbol)
}

func (r *Registry) canonicalLocked(symbol string) string {
	key := core.InstrumentKey(symbol)
	if _, ok := r.instruments[key]; ok || key == "" {
		return key
	}
	if c, ok := r.contracts[symbol]; ok {
		return c.Instrument
	}
	match := ""
	for k := range r.instruments {
		if !strings.EqualFold(lastSegment(k), key) {
			continue
		}
		if match != "" {
			return key
		}
		match = k
	}
	if match == "" {
		return key
	}
	return match
}

func lastSegment(key string) string {
	if i := strings.LastIndexByte(key, '.'); i >= 0 {
		return key[i+1:]
	}
	return key
}

// Instruments returns a sorted copy of the catalogue
func (r *Registry) Instruments() []core.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]core.Instrument, 0, len(r.instruments))
	for _, inst := range r.instruments {
		cp := *inst
		cp.Contracts = append([]core.Contract(nil), inst.Contracts...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Refresh loads contracts from the venue. A timed out or rejected reply
// leaves the catalogue unchanged.
func (r *Registry) Refresh(ctx context.Context, source ContractSource) error {
	reply := source.GetContracts(ctx, "")
	if !reply.OK() {
		r.logger.Warn("Contract refresh failed", "outcome", reply.Outcome, "error", reply.Err)
		return reply.Err
	}
	r.AddContracts(reply.Value)
	r.logger.Info("Contracts refreshed", "count", len(reply.Value))
	return nil
}
