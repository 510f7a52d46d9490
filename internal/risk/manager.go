package risk

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"option_trader/internal/config"
	"option_trader/internal/core"
	"option_trader/pkg/telemetry"
)

// globalKey is the settings key segment used for the account-less switch.
const globalKey = "global"

// switchState is one kill switch behind its own mutex.
type switchState struct {
	mu    sync.Mutex
	state core.KillSwitchState
}

// Manager implements core.IRiskManager: the kill-switch state machine, the
// rolling trigger counters, and the account-level pre-trade gate.
type Manager struct {
	cfg        config.RiskConfig
	failClosed bool
	store      core.IStore
	cache      core.IRiskCache
	logger     core.ILogger

	mu        sync.Mutex
	switches  map[string]*switchState
	counters  map[string]*accountCounters
	listeners []core.KillSwitchListener

	latency         latencyWindow
	latencyBreaches int

	ttl    time.Duration
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	now func() time.Time
}

// NewManager creates the risk manager. env selects the fail-closed default.
func NewManager(cfg config.RiskConfig, env string, store core.IStore, cache core.IRiskCache, logger core.ILogger) *Manager {
	return &Manager{
		cfg:        cfg,
		failClosed: cfg.FailClosedEnabled(env),
		store:      store,
		cache:      cache,
		logger:     logger.WithField("component", "risk_manager"),
		switches:   make(map[string]*switchState),
		counters:   make(map[string]*accountCounters),
		ttl:        time.Duration(cfg.KillSwitchAutoClearMS) * time.Millisecond,
		stopCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// AddListener registers a listener for switch transitions.
func (m *Manager) AddListener(fn core.KillSwitchListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) emit(ev core.KillSwitchEvent) {
	m.mu.Lock()
	listeners := append([]core.KillSwitchListener(nil), m.listeners...)
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (m *Manager) switchFor(accountID string) *switchState {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.switches[accountID]
	if !ok {
		s = &switchState{state: core.KillSwitchState{AccountID: accountID}}
		m.switches[accountID] = s
	}
	return s
}

func (m *Manager) countersFor(accountID string) *accountCounters {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.counters[accountID]
	if !ok {
		c = &accountCounters{}
		m.counters[accountID] = c
	}
	return c
}

// Trigger activates a non-manual switch. An already-active switch keeps its
// original reason.
func (m *Manager) Trigger(accountID, reason string) {
	m.trip(accountID, reason, false)
}

// TriggerManual activates a switch that never auto-clears.
func (m *Manager) TriggerManual(accountID, reason string) {
	m.trip(accountID, reason, true)
}

func (m *Manager) trip(accountID, reason string, manual bool) {
	s := m.switchFor(accountID)
	s.mu.Lock()
	if s.state.Active {
		// a manual trip upgrades an automatic one so it stops auto-clearing
		if manual && !s.state.Manual {
			s.state.Manual = true
			s.state.Reason = reason
			snap := s.state
			s.mu.Unlock()
			m.persistSwitch(snap)
			return
		}
		s.mu.Unlock()
		return
	}
	s.state.Active = true
	s.state.Reason = reason
	s.state.Manual = manual
	s.state.TriggeredAt = m.now()
	s.state.ClearedAt = time.Time{}
	snap := s.state
	s.mu.Unlock()

	m.logger.Error("Kill switch triggered", "account", m.scopeLabel(accountID), "reason", reason, "manual", manual)
	telemetry.GetGlobalMetrics().SetKillSwitchActive(m.scopeLabel(accountID), true)
	m.persistSwitch(snap)
	m.emit(core.KillSwitchEvent{AccountID: accountID, Active: true, Reason: reason, Manual: manual, At: snap.TriggeredAt})
}

// Clear deactivates the account's switch. Clearing an inactive switch is a
// no-op.
func (m *Manager) Clear(accountID string) error {
	s := m.switchFor(accountID)
	s.mu.Lock()
	if !s.state.Active {
		s.mu.Unlock()
		return nil
	}
	reason := s.state.Reason
	s.state.Active = false
	s.state.ClearedAt = m.now()
	snap := s.state
	s.mu.Unlock()

	m.logger.Warn("Kill switch cleared", "account", m.scopeLabel(accountID), "reason", reason)
	telemetry.GetGlobalMetrics().SetKillSwitchActive(m.scopeLabel(accountID), false)
	m.persistSwitch(snap)
	m.emit(core.KillSwitchEvent{AccountID: accountID, Active: false, Reason: reason, At: snap.ClearedAt})
	return nil
}

// IsActive reports whether the account's switch or the global switch is
// active. Expired non-manual switches are cleared inline.
func (m *Manager) IsActive(accountID string) bool {
	if m.checkSwitch("") {
		return true
	}
	if accountID == "" {
		return false
	}
	return m.checkSwitch(accountID)
}

// ActiveState returns the account's active switch state, falling back to the
// global switch.
func (m *Manager) ActiveState(accountID string) (core.KillSwitchState, bool) {
	for _, id := range []string{accountID, ""} {
		s := m.switchFor(id)
		m.expireIfStale(s)
		s.mu.Lock()
		if s.state.Active {
			snap := s.state
			s.mu.Unlock()
			return snap, true
		}
		s.mu.Unlock()
		if id == "" {
			break
		}
	}
	return core.KillSwitchState{}, false
}

func (m *Manager) checkSwitch(accountID string) bool {
	s := m.switchFor(accountID)
	m.expireIfStale(s)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Active
}

// expireIfStale clears a non-manual switch past its TTL.
func (m *Manager) expireIfStale(s *switchState) {
	s.mu.Lock()
	if !s.state.Active || s.state.Manual || m.ttl <= 0 {
		s.mu.Unlock()
		return
	}
	if m.now().Sub(s.state.TriggeredAt) <= m.ttl {
		s.mu.Unlock()
		return
	}
	accountID := s.state.AccountID
	reason := s.state.Reason
	s.state.Active = false
	s.state.ClearedAt = m.now()
	snap := s.state
	s.mu.Unlock()

	m.logger.Info("Kill switch auto-cleared", "account", m.scopeLabel(accountID), "reason", reason, "ttl", m.ttl)
	telemetry.GetGlobalMetrics().SetKillSwitchActive(m.scopeLabel(accountID), false)
	m.persistSwitch(snap)
	m.emit(core.KillSwitchEvent{AccountID: accountID, Active: false, Reason: reason, AutoClear: true, At: snap.ClearedAt})
}

func (m *Manager) scopeLabel(accountID string) string {
	if accountID == "" {
		return globalKey
	}
	return accountID
}

func (m *Manager) persistSwitch(state core.KillSwitchState) {
	data, err := json.Marshal(&state)
	if err != nil {
		m.logger.Error("Kill switch snapshot failed", "error", err)
		return
	}
	key := core.SettingsKey(m.scopeLabel(state.AccountID), core.SettingKillSwitch)
	if err := m.store.Upsert(context.Background(), core.NSSettings, key, data, core.OnConflictReplace); err != nil {
		m.logger.Warn("Kill switch persist enqueue failed", "account", m.scopeLabel(state.AccountID), "error", err)
	}
}

// Restore loads persisted switch rows. Expired non-manual switches are
// cleared; the rest are restored and re-announced. An unreadable store trips
// the global switch when fail-closed is enabled.
func (m *Manager) Restore(ctx context.Context) error {
	rows, err := m.store.List(ctx, core.NSSettings, "")
	if err != nil {
		if m.failClosed {
			m.logger.Error("Kill switch state unreadable, failing closed", "error", err)
			m.Trigger("", core.TriggerStateUnknown)
			return nil
		}
		m.logger.Warn("Kill switch state unreadable, continuing open", "error", err)
		return nil
	}

	restored := 0
	for _, row := range rows {
		if !strings.HasSuffix(row.Key, "/"+core.SettingKillSwitch) {
			continue
		}
		var state core.KillSwitchState
		if err := json.Unmarshal(row.Value, &state); err != nil {
			m.logger.Warn("Skipping undecodable kill switch row", "key", row.Key, "error", err)
			continue
		}
		if !state.Active {
			continue
		}
		if !state.Manual && m.ttl > 0 && m.now().Sub(state.TriggeredAt) > m.ttl {
			state.Active = false
			state.ClearedAt = m.now()
			m.persistSwitch(state)
			m.logger.Info("Expired kill switch dropped on restore", "account", m.scopeLabel(state.AccountID), "reason", state.Reason)
			continue
		}

		s := m.switchFor(state.AccountID)
		s.mu.Lock()
		s.state = state
		s.mu.Unlock()
		restored++

		telemetry.GetGlobalMetrics().SetKillSwitchActive(m.scopeLabel(state.AccountID), true)
		m.emit(core.KillSwitchEvent{AccountID: state.AccountID, Active: true, Reason: state.Reason, Manual: state.Manual, At: state.TriggeredAt})
		m.logger.Warn("Kill switch restored active", "account", m.scopeLabel(state.AccountID), "reason", state.Reason, "manual", state.Manual)
	}
	if restored > 0 {
		m.logger.Warn("Kill switches restored", "count", restored)
	}
	return nil
}

// Start launches the TTL sweep and the latency-breach evaluator.
func (m *Manager) Start(ctx context.Context) error {
	sweepEvery := time.Duration(m.cfg.SweepIntervalMS) * time.Millisecond
	if sweepEvery <= 0 {
		sweepEvery = 5 * time.Second
	}
	latencyEvery := time.Duration(m.cfg.LatencyWindowMS) * time.Millisecond
	if latencyEvery <= 0 {
		latencyEvery = 10 * time.Second
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		sweep := time.NewTicker(sweepEvery)
		defer sweep.Stop()
		latency := time.NewTicker(latencyEvery)
		defer latency.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-sweep.C:
				m.sweepExpired()
			case <-latency.C:
				m.evaluateLatencyWindow()
			}
		}
	}()
	m.logger.Info("Risk manager started", "sweep_interval", sweepEvery, "latency_window", latencyEvery)
	return nil
}

// Stop halts the background loops.
func (m *Manager) Stop() error {
	m.once.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	return nil
}

func (m *Manager) sweepExpired() {
	m.mu.Lock()
	switches := make([]*switchState, 0, len(m.switches))
	for _, s := range m.switches {
		switches = append(switches, s)
	}
	m.mu.Unlock()
	for _, s := range switches {
		m.expireIfStale(s)
	}
}

// evaluateLatencyWindow compares the window's p99 against the threshold and
// trips the global switch after N consecutive breaches.
func (m *Manager) evaluateLatencyWindow() {
	samples := m.latency.drain()
	if len(samples) == 0 || m.cfg.LatencyP99MS <= 0 {
		return
	}
	observed := p99(samples)
	if observed > m.cfg.LatencyP99MS {
		m.latencyBreaches++
		m.logger.Warn("Ack latency breach",
			"p99_ms", observed,
			"threshold_ms", m.cfg.LatencyP99MS,
			"consecutive", m.latencyBreaches)
		if m.latencyBreaches >= m.cfg.LatencyBreaches {
			m.Trigger("", core.TriggerLatencyBlowout)
			m.latencyBreaches = 0
		}
		return
	}
	m.latencyBreaches = 0
}

// ObserveAckLatency feeds one send-to-ack sample into the current window.
func (m *Manager) ObserveAckLatency(ms float64) {
	m.latency.observe(ms)
}

// RecordOrder counts an accepted order toward the rate windows.
func (m *Manager) RecordOrder(accountID string) {
	m.countersFor(accountID).orders.incr(m.now().Unix())
}

// RecordCancel counts a cancel and trips the switch on a cancel-rate spike.
func (m *Manager) RecordCancel(accountID string) {
	c := m.countersFor(accountID)
	now := m.now().Unix()
	c.cancels.incr(now)
	if m.cfg.MaxCancelsPerSecond > 0 && c.cancels.perSecond(now) > int64(m.cfg.MaxCancelsPerSecond) {
		m.Trigger(accountID, core.TriggerCancelRateSpike)
	}
}

// RecordReject counts an upstream reject and trips the switch on a spike.
func (m *Manager) RecordReject(accountID string) {
	c := m.countersFor(accountID)
	now := m.now().Unix()
	c.rejects.incr(now)
	if m.cfg.RejectSpikeLimit > 0 && c.rejects.perMinute(now) > int64(m.cfg.RejectSpikeLimit) {
		m.Trigger(accountID, core.TriggerRejectSpike)
	}
}

// RecordReconnect counts a session reconnect and trips the switch on a storm.
func (m *Manager) RecordReconnect(accountID string) {
	c := m.countersFor(accountID)
	now := m.now().Unix()
	c.reconnects.incr(now)
	if m.cfg.ReconnectStormLimit > 0 && c.reconnects.perMinute(now) > int64(m.cfg.ReconnectStormLimit) {
		m.Trigger(accountID, core.TriggerReconnectStorm)
	}
}

// RecordSlippageReject counts a slippage rejection and trips the switch on a
// spike.
func (m *Manager) RecordSlippageReject(accountID string) {
	c := m.countersFor(accountID)
	now := m.now().Unix()
	c.slippageRejects.incr(now)
	if m.cfg.SlippageSpikeLimit > 0 && c.slippageRejects.perMinute(now) > int64(m.cfg.SlippageSpikeLimit) {
		m.Trigger(accountID, core.TriggerSlippageSpike)
	}
}

// NoteSessionFailure records a session-level failure. Non-retryable failures
// count into the reject window so persistent auth or protocol breakage trips
// the switch.
func (m *Manager) NoteSessionFailure(accountID string, err error) {
	m.logger.Warn("Session failure reported", "account", accountID, "error", err)
	if !core.IsRetryable(err) {
		m.RecordReject(accountID)
	}
}

// CheckOrder is the pre-trade gate: kill switch, order size, notional,
// exposure, then order rate.
func (m *Manager) CheckOrder(accountID string, stake decimal.Decimal, limits core.OrderLimits) error {
	if m.IsActive(accountID) {
		state, _ := m.ActiveState(accountID)
		return core.NewErrorf(core.KindKillSwitch, "kill switch active: %s", state.Reason)
	}

	if limits.MaxOrderSize.IsPositive() && stake.GreaterThan(limits.MaxOrderSize) {
		return m.denyOrder(accountID, core.ReasonMaxOrderSize,
			fmt.Sprintf("stake %s exceeds max order size %s", stake, limits.MaxOrderSize))
	}

	var exposure decimal.Decimal
	if entry := m.cache.Get(accountID); entry != nil {
		exposure = entry.OpenExposure
	} else if limits.MaxExposure.IsPositive() || limits.MaxNotional.IsPositive() {
		return m.denyOrder(accountID, core.ReasonMaxExposure, "risk entry uninitialized")
	}

	if limits.MaxNotional.IsPositive() && exposure.Add(stake).GreaterThan(limits.MaxNotional) {
		return m.denyOrder(accountID, core.ReasonMaxNotional,
			fmt.Sprintf("committed capital %s would exceed max notional %s", exposure.Add(stake), limits.MaxNotional))
	}

	if limits.MaxExposure.IsPositive() && exposure.GreaterThanOrEqual(limits.MaxExposure) {
		return m.denyOrder(accountID, core.ReasonMaxExposure,
			fmt.Sprintf("open exposure %s at or above limit %s", exposure, limits.MaxExposure))
	}

	c := m.countersFor(accountID)
	now := m.now().Unix()
	if limits.MaxOrdersPerSecond > 0 && c.orders.perSecond(now) >= int64(limits.MaxOrdersPerSecond) {
		return m.denyOrder(accountID, core.ReasonOrdersPerSecond,
			fmt.Sprintf("order rate at %d/s", limits.MaxOrdersPerSecond))
	}
	if limits.MaxOrdersPerMinute > 0 && c.orders.perMinute(now) >= int64(limits.MaxOrdersPerMinute) {
		return m.denyOrder(accountID, core.ReasonOrdersPerMinute,
			fmt.Sprintf("order rate at %d/min", limits.MaxOrdersPerMinute))
	}

	return nil
}

func (m *Manager) denyOrder(accountID, reason, msg string) error {
	telemetry.GetGlobalMetrics().GateDenialsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("account", accountID),
			attribute.String("reason", reason),
		))
	m.logger.Warn("Order denied by pre-trade gate", "account", accountID, "reason", reason, "detail", msg)
	return core.NewGateError(reason, msg)
}

// CheckHealth reports unhealthy while any switch is active.
func (m *Manager) CheckHealth() error {
	m.mu.Lock()
	switches := make([]*switchState, 0, len(m.switches))
	for _, s := range m.switches {
		switches = append(switches, s)
	}
	m.mu.Unlock()
	for _, s := range switches {
		s.mu.Lock()
		active, account, reason := s.state.Active, s.state.AccountID, s.state.Reason
		s.mu.Unlock()
		if active {
			return fmt.Errorf("kill switch active for %s: %s", m.scopeLabel(account), reason)
		}
	}
	return nil
}
