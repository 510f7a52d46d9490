package mock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"

	"option_trader/internal/config"
	"option_trader/internal/core"
	"option_trader/internal/protocol"
	"option_trader/internal/session"
	"option_trader/pkg/telemetry"
)

func init() {
	reader := metric.NewManualReader()
	provider := metric.NewMeterProvider(metric.WithReader(reader))
	meter := provider.Meter("test")
	_ = telemetry.GetGlobalMetrics().InitMetrics(meter)
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func brokerSessionConfig() config.SessionConfig {
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

// startBroker runs a broker with one registered demo account and a session
// manager dialing it.
func startBroker(t *testing.T) (*Broker, *session.Manager) {
	t.Helper()
	b := NewBroker(&mockLogger{})
	require.NoError(t, b.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	b.RegisterAccount("tok-1", "CR1", "USD", true)

	m := session.NewManager(b.URL(), brokerSessionConfig(), &mockLogger{})
	t.Cleanup(m.CloseAll)
	return b, m
}

func TestBrokerAuthorizesRegisteredAccount(t *testing.T) {
	_, m := startBroker(t)

	info, err := m.GetOrCreate(context.Background(), "tok-1", "CR1")
	require.NoError(t, err)
	assert.Equal(t, "CR1", info.AccountID)
	assert.Equal(t, "USD", info.Currency)
	assert.Equal(t, core.AccountTypeDemo, info.Type)
	assert.True(t, info.Balance.Equal(decimal.NewFromInt(10000)))
}

func TestBrokerRejectsUnknownToken(t *testing.T) {
	_, m := startBroker(t)

	_, err := m.GetOrCreate(context.Background(), "tok-bogus", "CR9")
	require.Error(t, err)
	assert.True(t, core.IsKind(err, core.KindAuth))
}

func TestBrokerStreamsTicksInOrder(t *testing.T) {
	b, m := startBroker(t)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "tok-1", "CR1")
	require.NoError(t, err)

	var mu sync.Mutex
	var epochs []int64
	m.RegisterStreamingListener("CR1", func(msg *protocol.Message) {
		if msg.MsgType != protocol.MsgTick {
			return
		}
		tick, derr := msg.DecodeTick()
		if derr != nil {
			return
		}
		mu.Lock()
		epochs = append(epochs, tick.Epoch)
		mu.Unlock()
	})

	_, err = m.SendRequest(ctx, "CR1", protocol.TicksSubscribe("R_100"), time.Second)
	require.NoError(t, err)

	for i := int64(1); i <= 3; i++ {
		b.EmitTick("R_100", 1000+i, decimal.NewFromFloat(100).Add(decimal.NewFromInt(i)))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(epochs) == 3
	}, 5*time.Second, 20*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1001, 1002, 1003}, epochs)
}

func TestBrokerTradeLifecycle(t *testing.T) {
	b, m := startBroker(t)
	ctx := context.Background()
	b.SetQuote("R_100", decimal.NewFromFloat(100.25))

	_, err := m.GetOrCreate(ctx, "tok-1", "CR1")
	require.NoError(t, err)

	resp, err := m.SendRequest(ctx, "CR1",
		protocol.Proposal(decimal.NewFromFloat(5.17), "CALL", "USD", 5, "t", "R_100"), time.Second)
	require.NoError(t, err)
	require.Nil(t, resp.Err)
	prop, err := resp.DecodeProposal()
	require.NoError(t, err)
	assert.True(t, prop.AskPrice.Equal(decimal.NewFromFloat(5.17)))
	assert.True(t, prop.Payout.Equal(decimal.NewFromFloat(9.82)))
	assert.True(t, prop.Spot.Equal(decimal.NewFromFloat(100.25)))

	resp, err = m.SendRequest(ctx, "CR1", protocol.Buy(prop.ID, prop.AskPrice), time.Second)
	require.NoError(t, err)
	require.Nil(t, resp.Err)
	buy, err := resp.DecodeBuy()
	require.NoError(t, err)
	assert.Equal(t, int64(1001), buy.ContractID)
	assert.True(t, buy.BuyPrice.Equal(decimal.NewFromFloat(5.17)))

	// Proposal ids are one-shot; a replayed buy must be refused upstream.
	resp, err = m.SendRequest(ctx, "CR1", protocol.Buy(prop.ID, prop.AskPrice), time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp.Err)
	assert.Equal(t, "InvalidContractProposal", resp.Err.Code)

	resp, err = m.SendRequest(ctx, "CR1", protocol.Portfolio(), time.Second)
	require.NoError(t, err)
	portfolio, err := resp.DecodePortfolio()
	require.NoError(t, err)
	require.Len(t, portfolio.Contracts, 1)
	assert.Equal(t, int64(1001), portfolio.Contracts[0].ContractID)
	assert.Equal(t, "CALL", portfolio.Contracts[0].ContractType)

	var mu sync.Mutex
	var settled []decimal.Decimal
	m.RegisterStreamingListener("CR1", func(msg *protocol.Message) {
		if msg.MsgType != protocol.MsgOpenContract {
			return
		}
		p, derr := msg.DecodeOpenContract()
		if derr != nil || !p.Sold() {
			return
		}
		mu.Lock()
		settled = append(settled, p.Profit)
		mu.Unlock()
	})

	resp, err = m.SendRequest(ctx, "CR1", protocol.OpenContractSubscribe(buy.ContractID), time.Second)
	require.NoError(t, err)
	require.Nil(t, resp.Err)
	snap, err := resp.DecodeOpenContract()
	require.NoError(t, err)
	assert.False(t, snap.Sold())
	assert.NotEmpty(t, resp.SubscriptionID())

	require.NoError(t, b.SettleContract(buy.ContractID, decimal.NewFromFloat(4.65)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(settled) == 1
	}, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.True(t, settled[0].Equal(decimal.NewFromFloat(4.65)))
	mu.Unlock()

	resp, err = m.SendRequest(ctx, "CR1", protocol.Portfolio(), time.Second)
	require.NoError(t, err)
	portfolio, err = resp.DecodePortfolio()
	require.NoError(t, err)
	assert.Empty(t, portfolio.Contracts)
	assert.Empty(t, b.OpenContractIDs())
}

func TestBrokerFailNextForcesOneError(t *testing.T) {
	b, m := startBroker(t)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "tok-1", "CR1")
	require.NoError(t, err)

	b.FailNext("proposal", "RateLimit", "too many requests")

	resp, err := m.SendRequest(ctx, "CR1",
		protocol.Proposal(decimal.NewFromInt(10), "PUT", "USD", 5, "t", "R_100"), time.Second)
	require.NoError(t, err)
	require.NotNil(t, resp.Err)
	assert.Equal(t, "RateLimit", resp.Err.Code)

	resp, err = m.SendRequest(ctx, "CR1",
		protocol.Proposal(decimal.NewFromInt(10), "PUT", "USD", 5, "t", "R_100"), time.Second)
	require.NoError(t, err)
	require.Nil(t, resp.Err)

	assert.Equal(t, 2, b.RequestCount("proposal"))
}

func TestBrokerHistoryReturnsSeededTicks(t *testing.T) {
	b, m := startBroker(t)
	ctx := context.Background()
	b.SeedHistory("R_100", 900,
		decimal.NewFromFloat(1.1), decimal.NewFromFloat(1.2),
		decimal.NewFromFloat(1.3), decimal.NewFromFloat(1.4))

	_, err := m.GetOrCreate(ctx, "tok-1", "CR1")
	require.NoError(t, err)

	resp, err := m.SendRequest(ctx, "CR1", protocol.TicksHistory("R_100", 3), time.Second)
	require.NoError(t, err)
	hist, err := resp.DecodeHistory()
	require.NoError(t, err)
	require.Len(t, hist.Prices, 3)
	assert.Equal(t, []int64{901, 902, 903}, hist.Times)
	assert.True(t, hist.Prices[0].Equal(decimal.NewFromFloat(1.2)))
	assert.True(t, hist.Prices[2].Equal(decimal.NewFromFloat(1.4)))
}

func TestBrokerAutoSettleResolvesAtExpiry(t *testing.T) {
	b, m := startBroker(t)
	ctx := context.Background()
	b.SetAutoSettle(true)
	b.SetQuote("R_100", decimal.NewFromFloat(100))

	_, err := m.GetOrCreate(ctx, "tok-1", "CR1")
	require.NoError(t, err)

	resp, err := m.SendRequest(ctx, "CR1",
		protocol.Proposal(decimal.NewFromInt(10), "CALL", "USD", 1, "t", "R_100"), time.Second)
	require.NoError(t, err)
	prop, err := resp.DecodeProposal()
	require.NoError(t, err)

	resp, err = m.SendRequest(ctx, "CR1", protocol.Buy(prop.ID, prop.AskPrice), time.Second)
	require.NoError(t, err)
	buy, err := resp.DecodeBuy()
	require.NoError(t, err)

	var mu sync.Mutex
	var profits []decimal.Decimal
	m.RegisterStreamingListener("CR1", func(msg *protocol.Message) {
		if msg.MsgType != protocol.MsgOpenContract {
			return
		}
		if p, derr := msg.DecodeOpenContract(); derr == nil && p.Sold() {
			mu.Lock()
			profits = append(profits, p.Profit)
			mu.Unlock()
		}
	})
	_, err = m.SendRequest(ctx, "CR1", protocol.OpenContractSubscribe(buy.ContractID), time.Second)
	require.NoError(t, err)

	// Spot above the strike at expiry wins the full payout.
	b.SetQuote("R_100", decimal.NewFromFloat(101))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(profits) == 1
	}, 5*time.Second, 20*time.Millisecond)
	mu.Lock()
	assert.True(t, profits[0].Equal(decimal.NewFromInt(9)))
	mu.Unlock()
}

func TestBrokerDropConnectionsForcesReauth(t *testing.T) {
	b, m := startBroker(t)
	ctx := context.Background()

	_, err := m.GetOrCreate(ctx, "tok-1", "CR1")
	require.NoError(t, err)

	var mu sync.Mutex
	reconnects := 0
	m.RegisterConnectionReadyListener("CR1", func(isReconnect bool) {
		if isReconnect {
			mu.Lock()
			reconnects++
			mu.Unlock()
		}
	})

	b.DropConnections()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return reconnects >= 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, b.RequestCount("authorize"), 2)
}
