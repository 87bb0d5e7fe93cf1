package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricPositionSize       = "execution_position_size"
	MetricPnLUnrealized      = "execution_pnl_unrealized"
	MetricPnLRealizedTotal   = "execution_pnl_realized_total"
	MetricOrdersTotal        = "execution_orders_total"
	MetricPendingRequests    = "execution_rpc_pending"
	MetricMarketDataStatus   = "execution_market_data_status"
	MetricTradingLockHeld    = "execution_trading_lock_held"
	MetricReconcileDivergent = "execution_reconcile_removed_total"
)

// Market data status gauge values
const (
	MarketStatusNoData int64 = 0
	MarketStatusActive int64 = 1
	MarketStatusStale  int64 = 2
)

// MetricsHolder holds initialized instruments and the state behind observable gauges
type MetricsHolder struct {
	PositionSize       metric.Float64ObservableGauge
	PnLUnrealized      metric.Float64ObservableGauge
	PnLRealizedTotal   metric.Float64Counter
	OrdersTotal        metric.Int64Counter
	PendingRequests    metric.Int64ObservableGauge
	MarketDataStatus   metric.Int64ObservableGauge
	TradingLockHeld    metric.Int64ObservableGauge
	ReconcileDivergent metric.Int64Counter

	mu               sync.RWMutex
	positionSizeMap  map[string]float64
	unrealizedPnLMap map[string]float64
	marketStatusMap  map[string]int64
	pendingRequests  int64
	lockHeld         int64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			positionSizeMap:  make(map[string]float64),
			unrealizedPnLMap: make(map[string]float64),
			marketStatusMap:  make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal,
		metric.WithDescription("Cumulative realized profit/loss in account currency"))
	if err != nil {
		return err
	}

	m.OrdersTotal, err = meter.Int64Counter(MetricOrdersTotal,
		metric.WithDescription("Orders by terminal or submitted status"))
	if err != nil {
		return err
	}

	m.ReconcileDivergent, err = meter.Int64Counter(MetricReconcileDivergent,
		metric.WithDescription("Local positions removed because the venue snapshot omitted them"))
	if err != nil {
		return err
	}

	m.PositionSize, err = meter.Float64ObservableGauge(MetricPositionSize,
		metric.WithDescription("Signed open position size in contracts"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for inst, val := range m.positionSizeMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", inst)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PnLUnrealized, err = meter.Float64ObservableGauge(MetricPnLUnrealized,
		metric.WithDescription("Current unrealized PnL"),
		metric.WithFloat64Callback(func(_ context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for inst, val := range m.unrealizedPnLMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", inst)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.MarketDataStatus, err = meter.Int64ObservableGauge(MetricMarketDataStatus,
		metric.WithDescription("Market data freshness (0=no data, 1=active, 2=stale)"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for inst, val := range m.marketStatusMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("instrument", inst)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.PendingRequests, err = meter.Int64ObservableGauge(MetricPendingRequests,
		metric.WithDescription("Outstanding correlated requests"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.pendingRequests)
			return nil
		}))
	if err != nil {
		return err
	}

	m.TradingLockHeld, err = meter.Int64ObservableGauge(MetricTradingLockHeld,
		metric.WithDescription("Trading lock state (1=held, 0=free)"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			obs.Observe(m.lockHeld)
			return nil
		}))
	return err
}

func (m *MetricsHolder) SetPositionSize(instrument string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[instrument] = size
}

func (m *MetricsHolder) SetUnrealizedPnL(instrument string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[instrument] = value
}

// ClearPosition drops gauges for a closed position
func (m *MetricsHolder) ClearPosition(instrument string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.positionSizeMap, instrument)
	delete(m.unrealizedPnLMap, instrument)
}

func (m *MetricsHolder) SetMarketStatus(instrument string, status int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marketStatusMap[instrument] = status
}

func (m *MetricsHolder) SetPendingRequests(n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendingRequests = n
}

func (m *MetricsHolder) SetLockHeld(held bool) {
	val := int64(0)
	if held {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lockHeld = val
}

// RecordRealizedPnL adds a realized amount; no-op before InitMetrics
func (m *MetricsHolder) RecordRealizedPnL(ctx context.Context, instrument string, amount float64) {
	if m.PnLRealizedTotal == nil {
		return
	}
	m.PnLRealizedTotal.Add(ctx, amount, metric.WithAttributes(attribute.String("instrument", instrument)))
}

// RecordOrder counts an order status transition; no-op before InitMetrics
func (m *MetricsHolder) RecordOrder(ctx context.Context, status string) {
	if m.OrdersTotal == nil {
		return
	}
	m.OrdersTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordReconcileRemoval counts positions dropped by reconciliation; no-op before InitMetrics
func (m *MetricsHolder) RecordReconcileRemoval(ctx context.Context, account string, n int) {
	if m.ReconcileDivergent == nil || n == 0 {
		return
	}
	m.ReconcileDivergent.Add(ctx, int64(n), metric.WithAttributes(attribute.String("account", account)))
}

func (m *MetricsHolder) GetPositionSize() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64, len(m.positionSizeMap))
	for k, v := range m.positionSizeMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetMarketStatus() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64, len(m.marketStatusMap))
	for k, v := range m.marketStatusMap {
		res[k] = v
	}
	return res
}
