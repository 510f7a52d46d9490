package stream

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"

	"option_trader/internal/core"
	"option_trader/internal/protocol"
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
// streaming and connection-ready paths the way the real dispatcher would.
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

// scriptedUpstream answers ticks_history with historyRaw and the live
// subscribe with subscribeRaw.
func scriptedUpstream(t *testing.T, historyRaw, subscribeRaw string) func(protocol.Request) (*protocol.Message, error) {
	return func(req protocol.Request) (*protocol.Message, error) {
		switch {
		case req["ticks_history"] != nil:
			return respondFrame(t, historyRaw), nil
		case req["ticks"] != nil:
			return respondFrame(t, subscribeRaw), nil
		}
		return nil, fmt.Errorf("unexpected request: %v", req)
	}
}
