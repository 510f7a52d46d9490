package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"option_trader/internal/config"
	"option_trader/internal/core"
	"option_trader/pkg/telemetry"

	gws "github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/sdk/metric"
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

type frame = map[string]interface{}

// startUpstream runs a fake broker; handler is invoked once per connection.
func startUpstream(t *testing.T, handler func(conn *gws.Conn)) string {
	t.Helper()
	upgrader := gws.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func readFrame(conn *gws.Conn) (frame, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f, nil
}

func writeFrame(conn *gws.Conn, f frame) error {
	return conn.WriteJSON(f)
}

func reqIDOf(f frame) float64 {
	id, _ := f["req_id"].(float64)
	return id
}

// authorizeOK answers the authorize handshake for loginID.
func authorizeOK(conn *gws.Conn, loginID string) error {
	f, err := readFrame(conn)
	if err != nil {
		return err
	}
	if _, ok := f["authorize"]; !ok {
		return fmt.Errorf("expected authorize frame, got %v", f)
	}
	return writeFrame(conn, frame{
		"msg_type": "authorize",
		"req_id":   reqIDOf(f),
		"authorize": frame{
			"loginid":    loginID,
			"currency":   "USD",
			"balance":    1000.0,
			"is_virtual": 0,
		},
	})
}

func testSessionConfig() config.SessionConfig {
	return config.SessionConfig{
		OutboundQueueSize:  16,
		RequestTimeoutMS:   5000,
		IdleThresholdMS:    60000,
		PongDeadlineMS:     5000,
		ReconnectBaseMS:    10,
		ReconnectMaxMS:     50,
		MaxInflightInbound: 64,
	}
}
