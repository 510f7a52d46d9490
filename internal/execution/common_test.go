package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"

	"option_trader/internal/config"
	"option_trader/internal/core"
	"option_trader/internal/protocol"
	apperrors "option_trader/pkg/errors"
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

// fakeSessions is a scripted stand-in for the session manager. Requests are
// answered by the installed responder; emit and fireReady drive the
// streaming and connection-ready paths.
type fakeSessions struct {
	mu        sync.Mutex
	streaming map[string][]core.StreamingHandler
	ready     map[string][]core.ConnectionReadyHandler
	requests  []protocol.Request
	forgets   []protocol.Request
	created   []string
	createErr map[string]error
	respond   func(req protocol.Request) (*protocol.Message, error)
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		streaming: make(map[string][]core.StreamingHandler),
		ready:     make(map[string][]core.ConnectionReadyHandler),
		createErr: make(map[string]error),
	}
}

func (f *fakeSessions) GetOrCreate(ctx context.Context, token, accountID string) (*core.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.createErr[accountID]; err != nil {
		return nil, err
	}
	f.created = append(f.created, accountID)
	return &core.SessionInfo{AccountID: accountID, Authorized: true}, nil
}

func (f *fakeSessions) SendRequest(ctx context.Context, accountID string, req protocol.Request, deadline time.Duration) (*protocol.Message, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	fn := f.respond
	f.mu.Unlock()
	if fn == nil {
		return nil, core.NewError(core.KindConnectionLost, "no responder installed")
	}
	return fn(req)
}

func (f *fakeSessions) SendFireAndForget(accountID string, req protocol.Request) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgets = append(f.forgets, req)
	return nil
}

func (f *fakeSessions) RegisterStreamingListener(accountID string, fn core.StreamingHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streaming[accountID] = append(f.streaming[accountID], fn)
}

func (f *fakeSessions) RegisterConnectionReadyListener(accountID string, fn core.ConnectionReadyHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready[accountID] = append(f.ready[accountID], fn)
}

func (f *fakeSessions) Close(accountID string) error { return nil }
func (f *fakeSessions) CloseAll()                    {}

func (f *fakeSessions) setRespond(fn func(req protocol.Request) (*protocol.Message, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

// emit pushes a raw inbound frame through the account's streaming listeners.
func (f *fakeSessions) emit(t *testing.T, accountID, raw string) {
	t.Helper()
	msg, err := protocol.Decode([]byte(raw), time.Now(), time.Now())
	require.NoError(t, err)
	f.mu.Lock()
	handlers := append([]core.StreamingHandler(nil), f.streaming[accountID]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (f *fakeSessions) fireReady(accountID string, isReconnect bool) {
	f.mu.Lock()
	handlers := append([]core.ConnectionReadyHandler(nil), f.ready[accountID]...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(isReconnect)
	}
}

// countRequests counts sent requests carrying the given top-level field.
func (f *fakeSessions) countRequests(field string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.requests {
		if req[field] != nil {
			n++
		}
	}
	return n
}

func (f *fakeSessions) sentForgets() []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Request(nil), f.forgets...)
}

func respondFrame(t *testing.T, raw string) *protocol.Message {
	t.Helper()
	msg, err := protocol.Decode([]byte(raw), time.Now(), time.Now())
	require.NoError(t, err)
	return msg
}

// scriptedBroker routes requests to canned frames by their top-level field.
func scriptedBroker(t *testing.T, frames map[string]string) func(protocol.Request) (*protocol.Message, error) {
	return func(req protocol.Request) (*protocol.Message, error) {
		for field, raw := range frames {
			if req[field] != nil {
				return respondFrame(t, raw), nil
			}
		}
		return nil, fmt.Errorf("unexpected request: %v", req)
	}
}

type memRow struct {
	value []byte
	state string
}

// memStore is an in-memory IStore covering the append/state-machine surface
// the engine and reconciler rely on.
type memStore struct {
	mu      sync.Mutex
	rows    map[string]*memRow
	upserts map[string][]byte
	listErr error
}

func newMemStore() *memStore {
	return &memStore{
		rows:    make(map[string]*memRow),
		upserts: make(map[string][]byte),
	}
}

func (s *memStore) full(ns, key string) string { return ns + "/" + key }

func (s *memStore) Get(ctx context.Context, ns, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.upserts[s.full(ns, key)]; ok {
		return append([]byte(nil), v...), nil
	}
	if r, ok := s.rows[s.full(ns, key)]; ok {
		return append([]byte(nil), r.value...), nil
	}
	return nil, fmt.Errorf("%s/%s: %w", ns, key, apperrors.ErrNotFound)
}

func (s *memStore) Upsert(ctx context.Context, ns, key string, value []byte, onConflict core.OnConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	full := s.full(ns, key)
	if _, ok := s.upserts[full]; ok && onConflict == core.OnConflictIgnore {
		return nil
	}
	s.upserts[full] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Append(ctx context.Context, ns, key string, value []byte, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	full := s.full(ns, key)
	if _, ok := s.rows[full]; ok {
		return fmt.Errorf("%s: %w", full, apperrors.ErrDuplicateKey)
	}
	s.rows[full] = &memRow{value: append([]byte(nil), value...), state: state}
	return nil
}

func (s *memStore) List(ctx context.Context, ns, keyPrefix string) ([]core.StoreRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	prefix := ns + "/" + keyPrefix
	var out []core.StoreRow
	for k, r := range s.rows {
		if strings.HasPrefix(k, prefix) {
			out = append(out, core.StoreRow{Key: k[len(ns)+1:], State: r.state, Value: append([]byte(nil), r.value...)})
		}
	}
	for k, v := range s.upserts {
		if strings.HasPrefix(k, prefix) {
			out = append(out, core.StoreRow{Key: k[len(ns)+1:], Value: append([]byte(nil), v...)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *memStore) UpdateState(ctx context.Context, ns, key string, value []byte, to string, from ...string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[s.full(ns, key)]
	if !ok {
		return false, nil
	}
	if len(from) > 0 {
		matched := false
		for _, f := range from {
			if r.state == f {
				matched = true
				break
			}
		}
		if !matched {
			return false, nil
		}
	}
	r.state = to
	if value != nil {
		r.value = append([]byte(nil), value...)
	}
	return true, nil
}

func (s *memStore) Close() error { return nil }

// putRow inserts a row directly, bypassing the duplicate check.
func (s *memStore) putRow(ns, key string, value []byte, state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[s.full(ns, key)] = &memRow{value: append([]byte(nil), value...), state: state}
}

func (s *memStore) rowState(ns, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[s.full(ns, key)]
	if !ok {
		return "", false
	}
	return r.state, true
}

func (s *memStore) hasRow(ns, key string) bool {
	_, ok := s.rowState(ns, key)
	return ok
}

func (s *memStore) setListErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

type openCall struct {
	accountID string
	stake     decimal.Decimal
}

type settleCall struct {
	accountID    string
	stake        decimal.Decimal
	profit       decimal.Decimal
	skipExposure bool
}

type setStateCall struct {
	accountID string
	count     int
	exposure  decimal.Decimal
}

// recorderCache records risk-cache traffic and answers opens per openOK.
type recorderCache struct {
	mu         sync.Mutex
	openOK     bool
	openReason string
	opened     []openCall
	failed     []openCall
	settled    []settleCall
	setStates  []setStateCall
}

func newRecorderCache() *recorderCache { return &recorderCache{openOK: true} }

func (c *recorderCache) Get(accountID string) *core.RiskEntry                 { return nil }
func (c *recorderCache) Hydrate(ctx context.Context, accountID string) error  { return nil }
func (c *recorderCache) Warm(accountID string, balanceHint decimal.Decimal)   {}
func (c *recorderCache) UpdateEquity(accountID string, eq decimal.Decimal)    {}
func (c *recorderCache) Flush(ctx context.Context)                            {}

func (c *recorderCache) RecordTradeOpened(accountID string, stake decimal.Decimal, maxConcurrent int) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.openOK {
		return false, c.openReason
	}
	c.opened = append(c.opened, openCall{accountID, stake})
	return true, ""
}

func (c *recorderCache) RecordTradeFailedAttempt(accountID string, stake decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failed = append(c.failed, openCall{accountID, stake})
}

func (c *recorderCache) RecordTradeSettled(accountID string, stake, profit decimal.Decimal, skipExposure bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settled = append(c.settled, settleCall{accountID, stake, profit, skipExposure})
}

func (c *recorderCache) SetOpenTradeState(accountID string, count int, exposure decimal.Decimal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setStates = append(c.setStates, setStateCall{accountID, count, exposure})
}

func (c *recorderCache) Evaluate(accountID string, limits core.EvaluateLimits) core.GateDecision {
	return core.GateDecision{Status: core.GateOK}
}

func (c *recorderCache) refuseOpens(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openOK = false
	c.openReason = reason
}

func (c *recorderCache) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.opened)
}

func (c *recorderCache) failedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.failed)
}

func (c *recorderCache) settledCalls() []settleCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]settleCall(nil), c.settled...)
}

func (c *recorderCache) setStateCalls() []setStateCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]setStateCall(nil), c.setStates...)
}

// fakeRiskMgr answers the pre-trade gate with checkErr and records the
// counter traffic the engine feeds it.
type fakeRiskMgr struct {
	mu              sync.Mutex
	checkErr        error
	orders          int
	rejects         int
	slippageRejects int
	latencies       []float64
	sessionFailures []error
}

func (m *fakeRiskMgr) IsActive(accountID string) bool { return false }
func (m *fakeRiskMgr) ActiveState(accountID string) (core.KillSwitchState, bool) {
	return core.KillSwitchState{}, false
}
func (m *fakeRiskMgr) Trigger(accountID, reason string)       {}
func (m *fakeRiskMgr) TriggerManual(accountID, reason string) {}
func (m *fakeRiskMgr) Clear(accountID string) error           { return nil }

func (m *fakeRiskMgr) CheckOrder(accountID string, stake decimal.Decimal, limits core.OrderLimits) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkErr
}

func (m *fakeRiskMgr) RecordOrder(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders++
}

func (m *fakeRiskMgr) RecordCancel(accountID string) {}

func (m *fakeRiskMgr) RecordReject(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejects++
}

func (m *fakeRiskMgr) RecordReconnect(accountID string) {}

func (m *fakeRiskMgr) RecordSlippageReject(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slippageRejects++
}

func (m *fakeRiskMgr) ObserveAckLatency(ms float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencies = append(m.latencies, ms)
}

func (m *fakeRiskMgr) NoteSessionFailure(accountID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionFailures = append(m.sessionFailures, err)
}

func (m *fakeRiskMgr) AddListener(fn core.KillSwitchListener)  {}
func (m *fakeRiskMgr) Restore(ctx context.Context) error       { return nil }
func (m *fakeRiskMgr) Start(ctx context.Context) error         { return nil }
func (m *fakeRiskMgr) Stop() error                             { return nil }
func (m *fakeRiskMgr) CheckHealth() error                      { return nil }

func (m *fakeRiskMgr) setCheckErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkErr = err
}

func (m *fakeRiskMgr) counts() (orders, rejects, slippage int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.orders, m.rejects, m.slippageRejects
}

func (m *fakeRiskMgr) failures() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.sessionFailures...)
}

func newTestEngine(t *testing.T, sessions *fakeSessions, store *memStore, cache *recorderCache, mgr *fakeRiskMgr) *Engine {
	t.Helper()
	return NewEngine(config.ExecutionConfig{
		IntentTTLMS:       60_000,
		IntentMaxSize:     128,
		ProposalTimeoutMS: 1000,
		BuyTimeoutMS:      1000,
		OrdersPerSecond:   10_000,
		OrderBurst:        10_000,
	}, sessions, mgr, cache, store, &mockLogger{})
}

func testSignal() *core.Signal {
	return &core.Signal{Direction: core.DirectionCall, Confidence: 0.9, StakeMultiplier: 1}
}

func testParams(correlationID string) *core.TradeParams {
	return &core.TradeParams{
		AccountID:     "acc-1",
		BotRunID:      "run-1",
		Symbol:        "R_100",
		Stake:         decimal.NewFromInt(10),
		Currency:      "USD",
		Duration:      5,
		DurationUnit:  "t",
		CorrelationID: correlationID,
		Mode:          core.ExecutionModeMarket,
	}
}

func testAuth() core.ExecuteAuth {
	return core.ExecuteAuth{AccountID: "acc-1", Token: "tok-1"}
}

func testLimits() core.OrderLimits { return core.OrderLimits{} }

// Frame builders for the scripted broker.

func proposalFrame(id, askPrice, payout, spot string) string {
	return fmt.Sprintf(`{"msg_type":"proposal","proposal":{"id":%q,"ask_price":%s,"payout":%s,"spot":%s}}`,
		id, askPrice, payout, spot)
}

func buyFrame(contractID int64, buyPrice, payout string, purchaseTime int64) string {
	return fmt.Sprintf(`{"msg_type":"buy","buy":{"contract_id":%d,"buy_price":%s,"payout":%s,"purchase_time":%d}}`,
		contractID, buyPrice, payout, purchaseTime)
}

func subscribeFrame(contractID int64, subID string, isSold int, profit, sellPrice string) string {
	return fmt.Sprintf(`{"msg_type":"proposal_open_contract","subscription":{"id":%q},"proposal_open_contract":{"contract_id":%d,"is_sold":%d,"profit":%s,"sell_price":%s}}`,
		subID, contractID, isSold, profit, sellPrice)
}

func soldFrame(contractID int64, profit, sellPrice string) string {
	return fmt.Sprintf(`{"msg_type":"proposal_open_contract","proposal_open_contract":{"contract_id":%d,"is_sold":1,"profit":%s,"sell_price":%s}}`,
		contractID, profit, sellPrice)
}

func markFrame(contractID int64, bidPrice string) string {
	return fmt.Sprintf(`{"msg_type":"proposal_open_contract","proposal_open_contract":{"contract_id":%d,"is_sold":0,"bid_price":%s}}`,
		contractID, bidPrice)
}

func errorFrame(msgType, code, message string) string {
	return fmt.Sprintf(`{"msg_type":%q,"error":{"code":%q,"message":%q}}`, msgType, code, message)
}

func portfolioFrame(contracts ...string) string {
	return fmt.Sprintf(`{"msg_type":"portfolio","portfolio":{"contracts":[%s]}}`, strings.Join(contracts, ","))
}

func portfolioContract(contractID int64, symbol, contractType, buyPrice, payout string, purchaseTime int64) string {
	return fmt.Sprintf(`{"contract_id":%d,"symbol":%q,"contract_type":%q,"buy_price":%s,"payout":%s,"purchase_time":%d}`,
		contractID, symbol, contractType, buyPrice, payout, purchaseTime)
}

// putLedgerRow seeds a durable ledger row.
func putLedgerRow(t *testing.T, store *memStore, row core.LedgerRow) {
	t.Helper()
	payload, err := json.Marshal(&row)
	require.NoError(t, err)
	store.putRow(core.NSLedger, ledgerKey(row.AccountID, row.CorrelationID), payload, string(row.State))
}

// ledgerRowOf decodes the stored ledger row for the key.
func ledgerRowOf(t *testing.T, store *memStore, accountID, correlationID string) core.LedgerRow {
	t.Helper()
	raw, err := store.Get(context.Background(), core.NSLedger, ledgerKey(accountID, correlationID))
	require.NoError(t, err)
	var row core.LedgerRow
	require.NoError(t, json.Unmarshal(raw, &row))
	return row
}
