package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/sdk/metric"

	"option_trader/internal/core"
	"option_trader/pkg/ringbuf"
	"option_trader/pkg/telemetry"
)

func init() {
	// Initialize telemetry for tests
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	meter := provider.Meter("test")
	_ = telemetry.GetGlobalMetrics().InitMetrics(meter)
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                { fmt.Printf("INFO: %s %v\n", msg, f) }
func (m *mockLogger) Warn(msg string, f ...interface{})                { fmt.Printf("WARN: %s %v\n", msg, f) }
func (m *mockLogger) Error(msg string, f ...interface{})               { fmt.Printf("ERROR: %s %v\n", msg, f) }
func (m *mockLogger) Fatal(msg string, f ...interface{})               { fmt.Printf("FATAL: %s %v\n", msg, f) }
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

// windowOf builds a tick window from a price series, oldest first.
func windowOf(prices ...float64) core.TickWindow {
	buf := ringbuf.New[core.Tick](len(prices) + 1)
	for i, p := range prices {
		buf.Push(core.Tick{
			Symbol: "R_100",
			Quote:  decimal.NewFromFloat(p),
			Epoch:  int64(1000 + i),
		})
	}
	return buf.Window(len(prices))
}

// fakeTicks hands out listener ids and serves a canned window view. push
// drives every registered listener the way the stream dispatcher would.
type fakeTicks struct {
	mu           sync.Mutex
	nextID       int64
	listeners    map[int64]core.TickListener
	unsubscribed []int64
	window       core.TickWindow
	haveWindow   bool
	subscribeErr error
}

func newFakeTicks() *fakeTicks {
	return &fakeTicks{listeners: make(map[int64]core.TickListener)}
}

func (f *fakeTicks) Subscribe(ctx context.Context, accountID, token, symbol string, fn core.TickListener) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return 0, f.subscribeErr
	}
	f.nextID++
	f.listeners[f.nextID] = fn
	return f.nextID, nil
}

func (f *fakeTicks) Unsubscribe(accountID, symbol string, listenerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, listenerID)
	f.unsubscribed = append(f.unsubscribed, listenerID)
	return nil
}

func (f *fakeTicks) WindowView(accountID, symbol string, n int) (core.TickWindow, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.window, f.haveWindow
}

func (f *fakeTicks) LastTick(accountID, symbol string) (*core.Tick, bool) { return nil, false }

func (f *fakeTicks) setWindow(prices ...float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.window = windowOf(prices...)
	f.haveWindow = true
}

func (f *fakeTicks) setSubscribeErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribeErr = err
}

func (f *fakeTicks) push(t *core.Tick) {
	f.mu.Lock()
	fns := make([]core.TickListener, 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(t)
	}
}

func (f *fakeTicks) listenerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners)
}

func (f *fakeTicks) unsubscribedIDs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.unsubscribed...)
}

// fakeMarket tracks ensure/release pairs and serves a canned snapshot.
type fakeMarket struct {
	mu        sync.Mutex
	ensures   int
	releases  int
	ensureErr error
	snapshot  *core.FeatureSnapshot
}

func (f *fakeMarket) EnsureSymbol(ctx context.Context, accountID, token, symbol string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureErr != nil {
		return f.ensureErr
	}
	f.ensures++
	return nil
}

func (f *fakeMarket) Release(accountID, symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
}

func (f *fakeMarket) Snapshot(accountID, symbol string) (*core.FeatureSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshot == nil {
		return nil, false
	}
	return f.snapshot, true
}

func (f *fakeMarket) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ensures, f.releases
}

// fakeRiskCache returns the installed gate decision and records the limits
// it was asked to evaluate.
type fakeRiskCache struct {
	mu       sync.Mutex
	decision core.GateDecision
	evals    []core.EvaluateLimits
}

func newFakeRiskCache() *fakeRiskCache {
	return &fakeRiskCache{decision: core.GateDecision{Status: core.GateOK}}
}

func (f *fakeRiskCache) Get(accountID string) *core.RiskEntry                 { return nil }
func (f *fakeRiskCache) Hydrate(ctx context.Context, accountID string) error  { return nil }
func (f *fakeRiskCache) Warm(accountID string, balanceHint decimal.Decimal)   {}
func (f *fakeRiskCache) RecordTradeOpened(accountID string, stake decimal.Decimal, maxConcurrent int) (bool, string) {
	return true, ""
}
func (f *fakeRiskCache) RecordTradeSettled(accountID string, stake, profit decimal.Decimal, skipExposure bool) {
}
func (f *fakeRiskCache) RecordTradeFailedAttempt(accountID string, stake decimal.Decimal)       {}
func (f *fakeRiskCache) SetOpenTradeState(accountID string, count int, exposure decimal.Decimal) {}
func (f *fakeRiskCache) UpdateEquity(accountID string, equity decimal.Decimal)                  {}
func (f *fakeRiskCache) Flush(ctx context.Context)                                              {}

func (f *fakeRiskCache) Evaluate(accountID string, limits core.EvaluateLimits) core.GateDecision {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.evals = append(f.evals, limits)
	return f.decision
}

func (f *fakeRiskCache) setDecision(d core.GateDecision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decision = d
}

func (f *fakeRiskCache) evaluated() []core.EvaluateLimits {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.EvaluateLimits(nil), f.evals...)
}

// fakeRiskMgr exposes a settable active flag, records triggers, and lets
// tests fire kill-switch events at the runner's listener.
type fakeRiskMgr struct {
	mu        sync.Mutex
	active    map[string]bool
	triggers  []string
	listeners []core.KillSwitchListener
}

func newFakeRiskMgr() *fakeRiskMgr {
	return &fakeRiskMgr{active: make(map[string]bool)}
}

func (f *fakeRiskMgr) IsActive(accountID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[accountID]
}

func (f *fakeRiskMgr) ActiveState(accountID string) (core.KillSwitchState, bool) {
	return core.KillSwitchState{}, false
}

func (f *fakeRiskMgr) Trigger(accountID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, accountID+"/"+reason)
}

func (f *fakeRiskMgr) TriggerManual(accountID, reason string) {}
func (f *fakeRiskMgr) Clear(accountID string) error           { return nil }
func (f *fakeRiskMgr) CheckOrder(accountID string, stake decimal.Decimal, limits core.OrderLimits) error {
	return nil
}
func (f *fakeRiskMgr) RecordOrder(accountID string)                   {}
func (f *fakeRiskMgr) RecordCancel(accountID string)                  {}
func (f *fakeRiskMgr) RecordReject(accountID string)                  {}
func (f *fakeRiskMgr) RecordReconnect(accountID string)               {}
func (f *fakeRiskMgr) RecordSlippageReject(accountID string)          {}
func (f *fakeRiskMgr) ObserveAckLatency(ms float64)                   {}
func (f *fakeRiskMgr) NoteSessionFailure(accountID string, err error) {}
func (f *fakeRiskMgr) Restore(ctx context.Context) error              { return nil }
func (f *fakeRiskMgr) Start(ctx context.Context) error                { return nil }
func (f *fakeRiskMgr) Stop() error                                    { return nil }
func (f *fakeRiskMgr) CheckHealth() error                             { return nil }

func (f *fakeRiskMgr) AddListener(fn core.KillSwitchListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *fakeRiskMgr) setActive(accountID string, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[accountID] = on
}

func (f *fakeRiskMgr) fire(ev core.KillSwitchEvent) {
	f.mu.Lock()
	fns := append([]core.KillSwitchListener(nil), f.listeners...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeRiskMgr) triggered() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.triggers...)
}

type execCall struct {
	signal *core.Signal
	params *core.TradeParams
	auth   core.ExecuteAuth
	limits core.OrderLimits
	trace  *core.LatencyTrace
}

// fakeExec records execute calls and lets tests deliver settlements.
type fakeExec struct {
	mu        sync.Mutex
	calls     []execCall
	result    *core.ExecutionResult
	err       error
	listeners []core.SettlementListener
}

func newFakeExec() *fakeExec {
	return &fakeExec{result: &core.ExecutionResult{
		ContractID:      880001,
		BuyPrice:        decimal.RequireFromString("5.12"),
		Payout:          decimal.RequireFromString("9.75"),
		ExecutionTimeMS: 42,
	}}
}

func (f *fakeExec) Execute(ctx context.Context, signal *core.Signal, params *core.TradeParams, auth core.ExecuteAuth, limits core.OrderLimits, trace *core.LatencyTrace) (*core.ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, execCall{signal: signal, params: params, auth: auth, limits: limits, trace: trace})
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeExec) OpenContracts(accountID string) []*core.Contract { return nil }

func (f *fakeExec) AddSettlementListener(fn core.SettlementListener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, fn)
}

func (f *fakeExec) settle(s *core.Settlement) {
	f.mu.Lock()
	fns := append([]core.SettlementListener(nil), f.listeners...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeExec) executed() []execCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execCall(nil), f.calls...)
}

// fakeStore records upserts by namespace/key.
type fakeStore struct {
	mu      sync.Mutex
	upserts map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{upserts: make(map[string]int)}
}

func (f *fakeStore) Get(ctx context.Context, ns, key string) ([]byte, error) {
	return nil, core.NewErrorf(core.KindPersistence, "no row %s/%s", ns, key)
}

func (f *fakeStore) Upsert(ctx context.Context, ns, key string, value []byte, onConflict core.OnConflict) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts[ns+"/"+key]++
	return nil
}

func (f *fakeStore) Append(ctx context.Context, ns, key string, value []byte, state string) error {
	return nil
}

func (f *fakeStore) List(ctx context.Context, ns, keyPrefix string) ([]core.StoreRow, error) {
	return nil, nil
}

func (f *fakeStore) UpdateState(ctx context.Context, ns, key string, value []byte, to string, from ...string) (bool, error) {
	return false, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) upsertCount(ns, key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts[ns+"/"+key]
}

// stubStrategy is a registry-installable strategy with scripted behavior.
type stubStrategy struct {
	mu       sync.Mutex
	required int
	signal   *core.Signal
	err      error
	delay    time.Duration
	evals    int
	features *core.FeatureSnapshot
}

func (s *stubStrategy) ID() string { return "stub" }

func (s *stubStrategy) RequiredTicks() int { return s.required }

func (s *stubStrategy) Evaluate(ctx context.Context, window core.TickWindow, features *core.FeatureSnapshot) (*core.Signal, error) {
	s.mu.Lock()
	s.evals++
	s.features = features
	delay := s.delay
	sig, err := s.signal, s.err
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return sig, err
}

func (s *stubStrategy) setSignal(sig *core.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signal = sig
}

func (s *stubStrategy) evalCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evals
}

func (s *stubStrategy) lastFeatures() *core.FeatureSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.features
}
