package execution

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"option_trader/internal/config"
	"option_trader/internal/core"
	"option_trader/internal/mock"
	"option_trader/internal/session"
)

// startLiveEngine wires an engine to a session manager speaking to the mock
// broker over a real socket, so orders cross the frame codec and dispatcher
// instead of the scripted fakes above.
func startLiveEngine(t *testing.T) (*mock.Broker, *Engine, *memStore, *recorderCache) {
	t.Helper()

	broker := mock.NewBroker(&mockLogger{})
	require.NoError(t, broker.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = broker.Stop(ctx)
	})
	broker.RegisterAccount("tok-1", "acc-1", "USD", true)
	broker.SetQuote("R_100", decimal.RequireFromString("100.00"))

	sessions := session.NewManager(broker.URL(), config.SessionConfig{
		OutboundQueueSize:  16,
		RequestTimeoutMS:   5000,
		IdleThresholdMS:    60000,
		PongDeadlineMS:     5000,
		ReconnectBaseMS:    10,
		ReconnectMaxMS:     50,
		MaxInflightInbound: 64,
	}, &mockLogger{})
	t.Cleanup(sessions.CloseAll)

	store := newMemStore()
	cache := newRecorderCache()
	eng := NewEngine(config.ExecutionConfig{
		IntentTTLMS:       60_000,
		IntentMaxSize:     128,
		ProposalTimeoutMS: 5000,
		BuyTimeoutMS:      5000,
		OrdersPerSecond:   10_000,
		OrderBurst:        10_000,
	}, sessions, &fakeRiskMgr{}, cache, store, &mockLogger{})

	_, err := sessions.GetOrCreate(context.Background(), "tok-1", "acc-1")
	require.NoError(t, err)
	return broker, eng, store, cache
}

func TestExecuteOverLiveSocket(t *testing.T) {
	broker, eng, store, cache := startLiveEngine(t)

	var mu sync.Mutex
	var settlements []*core.Settlement
	eng.AddSettlementListener(func(s *core.Settlement) {
		mu.Lock()
		settlements = append(settlements, s)
		mu.Unlock()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	res, err := eng.Execute(ctx, testSignal(), testParams("corr-live"), testAuth(), testLimits(), nil)
	require.NoError(t, err)
	require.NotZero(t, res.ContractID)
	assert.True(t, res.BuyPrice.Equal(decimal.NewFromInt(10)), "buy price %s", res.BuyPrice)
	assert.Equal(t, 1, broker.RequestCount("proposal"))
	assert.Equal(t, 1, broker.RequestCount("buy"))
	assert.Equal(t, []int64{res.ContractID}, broker.OpenContractIDs())

	// The same correlation id replays the recorded outcome; the broker must
	// not see a second proposal or buy.
	again, err := eng.Execute(ctx, testSignal(), testParams("corr-live"), testAuth(), testLimits(), nil)
	require.NoError(t, err)
	assert.Equal(t, res.ContractID, again.ContractID)
	assert.Equal(t, 1, broker.RequestCount("proposal"))
	assert.Equal(t, 1, broker.RequestCount("buy"))
	assert.Equal(t, 1, cache.openCount())

	profit := decimal.RequireFromString("9.00")
	require.NoError(t, broker.SettleContract(res.ContractID, profit))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(settlements) == 1
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	settled := settlements[0]
	mu.Unlock()
	assert.Equal(t, res.ContractID, settled.ContractID)
	assert.Equal(t, "corr-live", settled.CorrelationID)
	assert.True(t, settled.Profit.Equal(profit), "profit %s", settled.Profit)
	assert.Empty(t, eng.OpenContracts("acc-1"))

	calls := cache.settledCalls()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].profit.Equal(profit))
	assert.False(t, calls[0].skipExposure)

	state, ok := store.rowState(core.NSLedger, "acc-1/corr-live")
	require.True(t, ok)
	assert.Equal(t, string(core.LedgerSettled), state)
}
