package marketdata

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"option_trader/internal/core"
	"option_trader/internal/protocol"
)

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                { fmt.Printf("INFO: %s %v\n", msg, f) }
func (m *mockLogger) Warn(msg string, f ...interface{})                { fmt.Printf("WARN: %s %v\n", msg, f) }
func (m *mockLogger) Error(msg string, f ...interface{})               { fmt.Printf("ERROR: %s %v\n", msg, f) }
func (m *mockLogger) Fatal(msg string, f ...interface{})               { fmt.Printf("FATAL: %s %v\n", msg, f) }
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

type fakeSessions struct {
	mu        sync.Mutex
	streaming map[string][]core.StreamingHandler
	ready     map[string][]core.ConnectionReadyHandler
	requests  []protocol.Request
	forgets   []protocol.Request
	respond   func(req protocol.Request) (*protocol.Message, error)
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		streaming: make(map[string][]core.StreamingHandler),
		ready:     make(map[string][]core.ConnectionReadyHandler),
	}
}

func (f *fakeSessions) GetOrCreate(ctx context.Context, token, accountID string) (*core.SessionInfo, error) {
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

func (f *fakeSessions) sentRequests() []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Request(nil), f.requests...)
}

func (f *fakeSessions) sentForgets() []protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Request(nil), f.forgets...)
}

func (f *fakeSessions) resetRequests() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = nil
}

func respondFrame(t *testing.T, raw string) *protocol.Message {
	t.Helper()
	msg, err := protocol.Decode([]byte(raw), time.Now(), time.Now())
	require.NoError(t, err)
	return msg
}

// fakeTicks captures tick-stream subscriptions so tests can drive listeners
// directly.
type fakeTicks struct {
	mu           sync.Mutex
	nextID       int64
	listeners    map[int64]core.TickListener
	subscribes   int
	unsubscribes []int64
}

func newFakeTicks() *fakeTicks {
	return &fakeTicks{listeners: make(map[int64]core.TickListener)}
}

func (f *fakeTicks) Subscribe(ctx context.Context, accountID, token, symbol string, fn core.TickListener) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.subscribes++
	f.listeners[f.nextID] = fn
	return f.nextID, nil
}

func (f *fakeTicks) Unsubscribe(accountID, symbol string, listenerID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.listeners, listenerID)
	f.unsubscribes = append(f.unsubscribes, listenerID)
	return nil
}

func (f *fakeTicks) WindowView(accountID, symbol string, n int) (core.TickWindow, bool) {
	return core.TickWindow{}, false
}

func (f *fakeTicks) LastTick(accountID, symbol string) (*core.Tick, bool) {
	return nil, false
}

func (f *fakeTicks) push(symbol string, epoch int64, quote string) {
	q, err := decimal.NewFromString(quote)
	if err != nil {
		panic(err)
	}
	now := time.Now()
	tick := &core.Tick{Symbol: symbol, Quote: q, Epoch: epoch, ReceivedAt: now, Wall: now}
	f.mu.Lock()
	fns := make([]core.TickListener, 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(tick)
	}
}

func (f *fakeTicks) unsubscribed() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.unsubscribes...)
}
