// Package marketdata reduces heterogeneous market data messages to canonical
// (instrument, price) pairs and tracks their freshness.
package marketdata

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"execution_core/internal/core"
	"execution_core/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// DefaultStaleAfter is the age at which an instrument's price counts as stale
const DefaultStaleAfter = 60 * time.Second

// Status is the freshness class of an instrument
type Status string

const (
	StatusActive Status = "active"
	StatusStale  Status = "stale"
	StatusNoData Status = "no_data"
)

// Tick is emitted for every accepted price. Instrument is the canonical key.
type Tick struct {
	Instrument string
	RawKey     string
	Price      decimal.Decimal
	Time       time.Time
}

type priceEntry struct {
	price     decimal.Decimal
	updatedAt time.Time
}

// Config controls the normalizer
type Config struct {
	StaleAfter time.Duration
	Tracked    []string
}

// Normalizer owns the latest-price table
type Normalizer struct {
	cfg    Config
	logger core.ILogger
	now    func() time.Time

	mu        sync.RWMutex
	prices    map[string]priceEntry
	tracked   map[string]struct{}
	lastClass map[string]Status
	listeners []func(Tick)

	ingested atomic.Int64
	rejected atomic.Int64
}

// NewNormalizer creates an empty normalizer
func NewNormalizer(cfg Config, logger core.ILogger) *Normalizer {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	n := &Normalizer{
		cfg:       cfg,
		logger:    logger.WithField("component", "market_data"),
		now:       time.Now,
		prices:    make(map[string]priceEntry),
		tracked:   make(map[string]struct{}),
		lastClass: make(map[string]Status),
	}
	n.Track(cfg.Tracked...)
	return n
}

// OnTick registers a listener called synchronously, in arrival order, for every accepted price
func (n *Normalizer) OnTick(fn func(Tick)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

// Track adds instruments to the heartbeat report even before data arrives
func (n *Normalizer) Track(keys ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, k := range keys {
		n.tracked[core.InstrumentKey(k)] = struct{}{}
	}
}

// Ingest parses raw and applies the resulting update
func (n *Normalizer) Ingest(raw []byte) (Update, error) {
	u, err := Parse(raw)
	if err != nil {
		n.rejected.Add(1)
		return Update{}, err
	}
	n.Apply(u)
	return u, nil
}

// Apply stores the price under the raw key and, for fully qualified contract
// ids, under the base symbol as well
func (n *Normalizer) Apply(u Update) {
	ts := u.Time
	if ts.IsZero() {
		ts = n.now()
	}
	entry := priceEntry{price: u.Price, updatedAt: ts}
	base := core.InstrumentKey(u.Key)

	n.mu.Lock()
	n.prices[u.Key] = entry
	if base != u.Key {
		n.prices[base] = entry
	}
	n.tracked[base] = struct{}{}
	listeners := n.listeners
	n.mu.Unlock()

	n.ingested.Add(1)
	tick := Tick{Instrument: base, RawKey: u.Key, Price: u.Price, Time: ts}
	for _, fn := range listeners {
		fn(tick)
	}
}

// LatestPrice returns the last price for key, falling back to its base symbol
func (n *Normalizer) LatestPrice(key string) (decimal.Decimal, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if e, ok := n.prices[key]; ok {
		return e.price, true
	}
	if e, ok := n.prices[core.InstrumentKey(key)]; ok {
		return e.price, true
	}
	return decimal.Zero, false
}

// Staleness classifies every tracked instrument at now
func (n *Normalizer) Staleness(now time.Time) map[string]Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make(map[string]Status, len(n.tracked))
	for key := range n.tracked {
		e, ok := n.prices[key]
		switch {
		case !ok:
			out[key] = StatusNoData
		case now.Sub(e.updatedAt) < n.cfg.StaleAfter:
			out[key] = StatusActive
		default:
			out[key] = StatusStale
		}
	}
	return out
}

// Stats returns ingestion counters
func (n *Normalizer) Stats() map[string]int64 {
	return map[string]int64{
		"ingested": n.ingested.Load(),
		"rejected": n.rejected.Load(),
	}
}

// HandleMessage is a transport handler for market data channels
func (n *Normalizer) HandleMessage(_ context.Context, msg core.Message) {
	if _, err := n.Ingest(msg.Payload); err != nil {
		n.logger.Debug("Dropping market data message", "channel", msg.Channel, "error", err)
	}
}

// RunHeartbeat classifies instruments every interval until ctx ends. It only
// logs and exports gauges; positions are never touched.
func (n *Normalizer) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n.Heartbeat(n.now())
		}
	}
}

// Heartbeat runs one classification pass and returns the report
func (n *Normalizer) Heartbeat(now time.Time) map[string]Status {
	report := n.Staleness(now)
	metrics := telemetry.GetGlobalMetrics()

	keys := make([]string, 0, len(report))
	for k := range report {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	counts := map[Status]int{}
	n.mu.Lock()
	for _, key := range keys {
		status := report[key]
		counts[status]++
		metrics.SetMarketStatus(key, statusGauge(status))
		if prev := n.lastClass[key]; prev != status && status != StatusActive {
			n.logger.Warn("Market data not fresh", "instrument", key, "status", status, "previous", prev)
		}
		n.lastClass[key] = status
	}
	n.mu.Unlock()

	n.logger.Info("Market data heartbeat",
		"active", counts[StatusActive],
		"stale", counts[StatusStale],
		"no_data", counts[StatusNoData])
	return report
}

func statusGauge(s Status) int64 {
	switch s {
	case StatusActive:
		return telemetry.MarketStatusActive
	case StatusStale:
		return telemetry.MarketStatusStale
	default:
		return telemetry.MarketStatusNoData
	}
}
