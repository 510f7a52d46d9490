package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric names
const (
	MetricTickOutOfOrderDrop    = "tick.out_of_order_drop"
	MetricTickSeqGap            = "tick.seq_gap"
	MetricTickReceiveToBuffer   = "tick.receive_to_buffer_ms"
	MetricTickBufferOp          = "tick.buffer_op_ns"
	MetricStrategyEval          = "strategy.eval_ms"
	MetricStrategyBudgetOverrun = "strategy.budget_overrun"
	MetricRunnerQueueDepth      = "runner.queue_depth"
	MetricSessionSendToAck      = "session.send_to_ack_ms"
	MetricSessionReconnects     = "session.reconnects_total"
	MetricOrdersPlacedTotal     = "execution.orders_placed_total"
	MetricOrdersRejectedTotal   = "execution.orders_rejected_total"
	MetricSlippageRejects       = "execution.slippage_rejects_total"
	MetricDecisionToOrder       = "execution.decision_to_order_ms"
	MetricOpenContracts         = "execution.open_contracts"
	MetricPnLRealizedTotal      = "risk.pnl_realized_total"
	MetricGateDenialsTotal      = "risk.gate_denials_total"
	MetricKillSwitchActive      = "risk.kill_switch_active"
	MetricStoreQueueDepth       = "store.queue_depth"
	MetricStoreWriteFailures    = "store.write_failures_total"
)

// MetricsHolder holds the cross-cutting domain instruments. Components that
// need private instruments create them in their constructors instead.
type MetricsHolder struct {
	TickOutOfOrderDrop    metric.Int64Counter
	TickSeqGap            metric.Int64Counter
	TickReceiveToBuffer   metric.Float64Histogram
	TickBufferOp          metric.Float64Histogram
	StrategyEval          metric.Float64Histogram
	StrategyBudgetOverrun metric.Int64Counter
	RunnerQueueDepth      metric.Int64ObservableGauge
	SessionSendToAck      metric.Float64Histogram
	SessionReconnects     metric.Int64Counter
	OrdersPlacedTotal     metric.Int64Counter
	OrdersRejectedTotal   metric.Int64Counter
	SlippageRejects       metric.Int64Counter
	DecisionToOrder       metric.Float64Histogram
	OpenContracts         metric.Int64ObservableGauge
	PnLRealizedTotal      metric.Float64Counter
	GateDenialsTotal      metric.Int64Counter
	KillSwitchActive      metric.Int64ObservableGauge
	StoreQueueDepth       metric.Int64ObservableGauge
	StoreWriteFailures    metric.Int64Counter

	// State for observable gauges
	mu                sync.RWMutex
	queueDepthMap     map[string]int64
	openContractsMap  map[string]int64
	killSwitchMap     map[string]int64
	storeQueueDepth   int64
	storeQueueTracked bool
}

var (
	globalMetrics *MetricsHolder
	initOnce      sync.Once
)

// GetGlobalMetrics returns the singleton metrics holder.
func GetGlobalMetrics() *MetricsHolder {
	initOnce.Do(func() {
		globalMetrics = &MetricsHolder{
			queueDepthMap:    make(map[string]int64),
			openContractsMap: make(map[string]int64),
			killSwitchMap:    make(map[string]int64),
		}
	})
	return globalMetrics
}

// InitMetrics initializes instruments using the meter.
func (m *MetricsHolder) InitMetrics(meter metric.Meter) error {
	var err error

	m.TickOutOfOrderDrop, err = meter.Int64Counter(MetricTickOutOfOrderDrop, metric.WithDescription("Ticks dropped for non-monotonic epoch"))
	if err != nil {
		return err
	}

	m.TickSeqGap, err = meter.Int64Counter(MetricTickSeqGap, metric.WithDescription("Epoch gaps observed on tick streams"))
	if err != nil {
		return err
	}

	m.TickReceiveToBuffer, err = meter.Float64Histogram(MetricTickReceiveToBuffer, metric.WithDescription("Socket receive to ring buffer latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.TickBufferOp, err = meter.Float64Histogram(MetricTickBufferOp, metric.WithDescription("Ring buffer operation duration"), metric.WithUnit("ns"))
	if err != nil {
		return err
	}

	m.StrategyEval, err = meter.Float64Histogram(MetricStrategyEval, metric.WithDescription("Strategy compute time"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.StrategyBudgetOverrun, err = meter.Int64Counter(MetricStrategyBudgetOverrun, metric.WithDescription("Strategy evaluations exceeding the compute budget"))
	if err != nil {
		return err
	}

	m.SessionSendToAck, err = meter.Float64Histogram(MetricSessionSendToAck, metric.WithDescription("Request send to response latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.SessionReconnects, err = meter.Int64Counter(MetricSessionReconnects, metric.WithDescription("Upstream session reconnects"))
	if err != nil {
		return err
	}

	m.OrdersPlacedTotal, err = meter.Int64Counter(MetricOrdersPlacedTotal, metric.WithDescription("Contracts opened"))
	if err != nil {
		return err
	}

	m.OrdersRejectedTotal, err = meter.Int64Counter(MetricOrdersRejectedTotal, metric.WithDescription("Execute calls rejected before buy"))
	if err != nil {
		return err
	}

	m.SlippageRejects, err = meter.Int64Counter(MetricSlippageRejects, metric.WithDescription("Proposals rejected by the slippage gate"))
	if err != nil {
		return err
	}

	m.DecisionToOrder, err = meter.Float64Histogram(MetricDecisionToOrder, metric.WithDescription("Tick receive to buy confirmation latency"), metric.WithUnit("ms"))
	if err != nil {
		return err
	}

	m.PnLRealizedTotal, err = meter.Float64Counter(MetricPnLRealizedTotal, metric.WithDescription("Cumulative realized profit/loss"))
	if err != nil {
		return err
	}

	m.GateDenialsTotal, err = meter.Int64Counter(MetricGateDenialsTotal, metric.WithDescription("Pre-trade gate denials"))
	if err != nil {
		return err
	}

	m.StoreWriteFailures, err = meter.Int64Counter(MetricStoreWriteFailures, metric.WithDescription("Persistence queue write failures"))
	if err != nil {
		return err
	}

	// Observables
	m.RunnerQueueDepth, err = meter.Int64ObservableGauge(MetricRunnerQueueDepth, metric.WithDescription("Pending ticks per bot run"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for run, val := range m.queueDepthMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("run", run)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.OpenContracts, err = meter.Int64ObservableGauge(MetricOpenContracts, metric.WithDescription("Open contracts per account"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for acc, val := range m.openContractsMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", acc)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.KillSwitchActive, err = meter.Int64ObservableGauge(MetricKillSwitchActive, metric.WithDescription("Kill switch state (1=active, 0=clear)"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			for acc, val := range m.killSwitchMap {
				obs.Observe(val, metric.WithAttributes(attribute.String("account", acc)))
			}
			return nil
		}))
	if err != nil {
		return err
	}

	m.StoreQueueDepth, err = meter.Int64ObservableGauge(MetricStoreQueueDepth, metric.WithDescription("Persistence queue depth"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			m.mu.RLock()
			defer m.mu.RUnlock()
			if m.storeQueueTracked {
				obs.Observe(m.storeQueueDepth)
			}
			return nil
		}))
	if err != nil {
		return err
	}

	return nil
}

// Helpers to update observable state

func (m *MetricsHolder) SetRunnerQueueDepth(runID string, depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queueDepthMap[runID] = depth
}

func (m *MetricsHolder) DropRunnerQueueDepth(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queueDepthMap, runID)
}

func (m *MetricsHolder) SetOpenContracts(accountID string, count int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openContractsMap[accountID] = count
}

func (m *MetricsHolder) SetKillSwitchActive(accountID string, active bool) {
	val := int64(0)
	if active {
		val = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.killSwitchMap[accountID] = val
}

func (m *MetricsHolder) SetStoreQueueDepth(depth int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeQueueDepth = depth
	m.storeQueueTracked = true
}

// OpenContractsSnapshot returns the per-account open contract counts.
func (m *MetricsHolder) OpenContractsSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.openContractsMap))
	for k, v := range m.openContractsMap {
		out[k] = v
	}
	return out
}

// KillSwitchSnapshot returns the per-account kill-switch states.
func (m *MetricsHolder) KillSwitchSnapshot() map[string]int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]int64, len(m.killSwitchMap))
	for k, v := range m.killSwitchMap {
		out[k] = v
	}
	return out
}
