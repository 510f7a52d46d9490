package risk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/sdk/metric"

	"option_trader/internal/core"
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

// fixedClock is a hand-stepped clock for rollover and TTL tests.
type fixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFixedClock(at time.Time) *fixedClock { return &fixedClock{t: at} }

func (c *fixedClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fixedClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func (c *fixedClock) set(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = at
}

// memStore is an in-memory core.IStore covering the hydrate, flush and
// restore paths. Errors are injectable per method.
type memStore struct {
	mu      sync.Mutex
	rows    map[string][]byte
	upserts map[string]int
	getErr  error
	listErr error
}

func newMemStore() *memStore {
	return &memStore{
		rows:    make(map[string][]byte),
		upserts: make(map[string]int),
	}
}

func (s *memStore) Get(ctx context.Context, ns, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	v, ok := s.rows[ns+"/"+key]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return v, nil
}

func (s *memStore) Upsert(ctx context.Context, ns, key string, value []byte, onConflict core.OnConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[ns+"/"+key] = append([]byte(nil), value...)
	s.upserts[ns+"/"+key]++
	return nil
}

func (s *memStore) Append(ctx context.Context, ns, key string, value []byte, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[ns+"/"+key]; ok {
		return apperrors.ErrDuplicateKey
	}
	s.rows[ns+"/"+key] = append([]byte(nil), value...)
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
	for k, v := range s.rows {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, core.StoreRow{Key: k[len(ns)+1:], Value: append([]byte(nil), v...)})
		}
	}
	return out, nil
}

func (s *memStore) UpdateState(ctx context.Context, ns, key string, value []byte, to string, from ...string) (bool, error) {
	return false, nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) put(ns, key string, value []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[ns+"/"+key] = append([]byte(nil), value...)
}

func (s *memStore) upsertCount(ns, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upserts[ns+"/"+key]
}

func (s *memStore) setListErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listErr = err
}

// stubCache feeds a canned risk entry to the manager's exposure checks.
type stubCache struct {
	mu    sync.Mutex
	entry *core.RiskEntry
}

func (f *stubCache) Get(accountID string) *core.RiskEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.entry == nil {
		return nil
	}
	return f.entry.Clone()
}

func (f *stubCache) Hydrate(ctx context.Context, accountID string) error { return nil }
func (f *stubCache) Warm(accountID string, balanceHint decimal.Decimal)  {}
func (f *stubCache) RecordTradeOpened(accountID string, stake decimal.Decimal, maxConcurrent int) (bool, string) {
	return true, ""
}
func (f *stubCache) RecordTradeSettled(accountID string, stake, profit decimal.Decimal, skipExposure bool) {
}
func (f *stubCache) RecordTradeFailedAttempt(accountID string, stake decimal.Decimal)        {}
func (f *stubCache) SetOpenTradeState(accountID string, count int, exposure decimal.Decimal) {}
func (f *stubCache) UpdateEquity(accountID string, equity decimal.Decimal)                   {}
func (f *stubCache) Flush(ctx context.Context)                                               {}
func (f *stubCache) Evaluate(accountID string, limits core.EvaluateLimits) core.GateDecision {
	return core.GateDecision{Status: core.GateOK}
}

func (f *stubCache) setEntry(e *core.RiskEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entry = e
}
