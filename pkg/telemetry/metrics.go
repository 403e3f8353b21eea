package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricStrategyState     = "taoquant_grid_strategy_state"
	MetricStateTransitions  = "taoquant_grid_state_transitions_total"
	MetricOrderIntents      = "taoquant_grid_order_intents_total"
	MetricAuditEvents       = "taoquant_grid_audit_events_total"
	MetricInventoryRatio    = "taoquant_grid_inventory_ratio"
	MetricCoreZoneWidth     = "taoquant_grid_core_zone_width"
	MetricControlTicks      = "taoquant_grid_control_ticks_total"
	MetricExecutionFailures = "taoquant_grid_execution_failures_total"
	MetricPnLUnrealized     = "taoquant_grid_pnl_unrealized"
	MetricPositionSize      = "taoquant_grid_position_size"
)

// MetricsHolder holds initialized instruments
type MetricsHolder struct {
	StrategyState     metric.Int64ObservableGauge
	StateTransitions  metric.Int64Counter
	OrderIntents      metric.Int64Counter
	AuditEvents       metric.Int64Counter
	InventoryRatio    metric.Float64ObservableGauge
	CoreZoneWidth     metric.Float64ObservableGauge
	ControlTicks      metric.Int64Counter
	ExecutionFailures metric.Int64Counter
	PnLUnrealized     metric.Float64ObservableGauge
	PositionSize      metric.Float64ObservableGauge

	// State for observable gauges
	mu                sync.RWMutex
	stateMap          map[string]int64
	inventoryRatioMap map[string]float64
	zoneWidthMap      map[string]float64
	unrealizedPnLMap  map[string]float64
	positionSizeMap   map[string]float64
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			stateMap:          make(map[string]int64),
			inventoryRatioMap: make(map[string]float64),
			zoneWidthMap:      make(map[string]float64),
			unrealizedPnLMap:  make(map[string]float64),
			positionSizeMap:   make(map[string]float64),
		}
		// Initialization of instruments happens in InitMetrics
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.StateTransitions, err = meter.Int64Counter(MetricStateTransitions, metric.WithDescription("Strategy state transitions"))
	if err != nil {
		return err
	}

	m.OrderIntents, err = meter.Int64Counter(MetricOrderIntents, metric.WithDescription("Order intents placed or cancelled by the planner"))
	if err != nil {
		return err
	}

	m.AuditEvents, err = meter.Int64Counter(MetricAuditEvents, metric.WithDescription("Audit records written"))
	if err != nil {
		return err
	}

	m.ControlTicks, err = meter.Int64Counter(MetricControlTicks, metric.WithDescription("Control loop ticks"))
	if err != nil {
		return err
	}

	m.ExecutionFailures, err = meter.Int64Counter(MetricExecutionFailures, metric.WithDescription("Execution calls that failed after retries"))
	if err != nil {
		return err
	}

	// Observables
	m.StrategyState, err = meter.Int64ObservableGauge(MetricStrategyState, metric.WithDescription("Current strategy state (0=NORMAL 1=DEFENSIVE 2=DAMAGE_CONTROL 3=EMERGENCY_STOP)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range m.stateMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.InventoryRatio, err = m.floatGauge(meter, MetricInventoryRatio, "Held inventory over max inventory", m.inventoryRatioMap)
	if err != nil {
		return err
	}

	m.CoreZoneWidth, err = m.floatGauge(meter, MetricCoreZoneWidth, "Width of the current core zone", m.zoneWidthMap)
	if err != nil {
		return err
	}

	m.PnLUnrealized, err = m.floatGauge(meter, MetricPnLUnrealized, "Current unrealized PnL", m.unrealizedPnLMap)
	if err != nil {
		return err
	}

	m.PositionSize, err = m.floatGauge(meter, MetricPositionSize, "Current position size", m.positionSizeMap)
	if err != nil {
		return err
	}

	return nil
}

func (m *MetricsHolder) floatGauge(meter metric.Meter, name, desc string, values map[string]float64) (metric.Float64ObservableGauge, error) {
	return meter.Float64ObservableGauge(name, metric.WithDescription(desc),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for sym, val := range values {
				obs.Observe(val, metric.WithAttributes(attribute.String("symbol", sym)))
			}
			return nil
		}))
}

// Counter helpers are no-ops until InitMetrics ran

func (m *MetricsHolder) RecordTransition(ctx context.Context, symbol, from, to, reason string) {
	if m.StateTransitions == nil {
		return
	}
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("from", from),
		attribute.String("to", to),
		attribute.String("reason", reason),
	))
}

func (m *MetricsHolder) RecordIntents(ctx context.Context, symbol, action string, count int) {
	if m.OrderIntents == nil || count == 0 {
		return
	}
	m.OrderIntents.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("symbol", symbol),
		attribute.String("action", action),
	))
}

func (m *MetricsHolder) RecordAuditEvent(ctx context.Context, eventType string) {
	if m.AuditEvents == nil {
		return
	}
	m.AuditEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("type", eventType)))
}

func (m *MetricsHolder) RecordControlTick(ctx context.Context, symbol string) {
	if m.ControlTicks == nil {
		return
	}
	m.ControlTicks.Add(ctx, 1, metric.WithAttributes(attribute.String("symbol", symbol)))
}

func (m *MetricsHolder) RecordExecutionFailure(ctx context.Context, op string) {
	if m.ExecutionFailures == nil {
		return
	}
	m.ExecutionFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
}

// Helpers to update observable state

func (m *MetricsHolder) SetStrategyState(symbol string, state int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateMap[symbol] = state
}

func (m *MetricsHolder) SetInventoryRatio(symbol string, ratio float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inventoryRatioMap[symbol] = ratio
}

func (m *MetricsHolder) SetCoreZoneWidth(symbol string, width float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zoneWidthMap[symbol] = width
}

func (m *MetricsHolder) SetUnrealizedPnL(symbol string, value float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unrealizedPnLMap[symbol] = value
}

func (m *MetricsHolder) SetPositionSize(symbol string, size float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positionSizeMap[symbol] = size
}

func (m *MetricsHolder) GetStrategyState() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]int64)
	for k, v := range m.stateMap {
		res[k] = v
	}
	return res
}

func (m *MetricsHolder) GetInventoryRatio() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make(map[string]float64)
	for k, v := range m.inventoryRatioMap {
		res[k] = v
	}
	return res
}
