// Package execution places binary option contracts against the upstream
// broker with exactly-once semantics. An in-memory intent table suppresses
// duplicate sends inside one process; the durable execution ledger carries
// the same guarantee across crashes, with the reconciler replaying whatever
// was in flight when the process died.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"option_trader/internal/config"
	"option_trader/internal/core"
	"option_trader/internal/protocol"
	apperrors "option_trader/pkg/errors"
	"option_trader/pkg/telemetry"
)

const (
	defaultOrdersPerSecond = 25
	defaultOrderBurst      = 30
	defaultRequestTimeout  = 5 * time.Second

	// Consecutive transport failures before CheckHealth reports degraded.
	upstreamFailureThreshold = 5
)

type trackedContract struct {
	contract core.Contract
	subID    string
	// uncounted contracts were adopted from ledger replay or found to have
	// settled while the process was down; their settlement must not drain
	// exposure the cache never counted.
	uncounted bool
}

type openContractRecord struct {
	ContractID    int64           `json:"contract_id"`
	Symbol        string          `json:"symbol"`
	Direction     core.Direction  `json:"direction,omitempty"`
	Stake         decimal.Decimal `json:"stake"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	OpenedAt      time.Time       `json:"opened_at"`
	BotRunID      string          `json:"bot_run_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

type openContractSnapshot struct {
	Contracts []openContractRecord `json:"contracts"`
	UpdatedAt time.Time            `json:"updated_at"`
}

type orderStatusRecord struct {
	CorrelationID string          `json:"correlation_id"`
	BotRunID      string          `json:"bot_run_id,omitempty"`
	ContractID    int64           `json:"contract_id"`
	Symbol        string          `json:"symbol"`
	Direction     core.Direction  `json:"direction"`
	Stake         decimal.Decimal `json:"stake"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	Payout        decimal.Decimal `json:"payout"`
	PlacedAt      time.Time       `json:"placed_at"`
}

type tradeRecord struct {
	ContractID    int64           `json:"contract_id"`
	AccountID     string          `json:"account_id"`
	Symbol        string          `json:"symbol"`
	Direction     core.Direction  `json:"direction,omitempty"`
	Stake         decimal.Decimal `json:"stake"`
	BuyPrice      decimal.Decimal `json:"buy_price"`
	Payout        decimal.Decimal `json:"payout"`
	Profit        decimal.Decimal `json:"profit"`
	BotRunID      string          `json:"bot_run_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	SettledAt     time.Time       `json:"settled_at"`
}

// Engine is the order pipeline. All upstream traffic for an order flows
// through the account's session; settlement frames come back through the
// streaming listener installed by ensureRouting.
type Engine struct {
	cfg      config.ExecutionConfig
	sessions core.ISessionManager
	riskMgr  core.IRiskManager
	cache    core.IRiskCache
	store    core.IStore
	logger   core.ILogger
	tracer   trace.Tracer

	intents         *intentLedger
	limiter         *rate.Limiter
	proposalTimeout time.Duration
	buyTimeout      time.Duration

	mu        sync.RWMutex
	contracts map[string]map[int64]*trackedContract
	routed    map[string]bool
	listeners []core.SettlementListener

	upstreamFails int64

	now func() time.Time
}

func NewEngine(cfg config.ExecutionConfig, sessions core.ISessionManager, riskMgr core.IRiskManager, cache core.IRiskCache, store core.IStore, logger core.ILogger) *Engine {
	ordersPerSecond := cfg.OrdersPerSecond
	if ordersPerSecond <= 0 {
		ordersPerSecond = defaultOrdersPerSecond
	}
	burst := cfg.OrderBurst
	if burst <= 0 {
		burst = defaultOrderBurst
	}
	return &Engine{
		cfg:             cfg,
		sessions:        sessions,
		riskMgr:         riskMgr,
		cache:           cache,
		store:           store,
		logger:          logger.WithField("component", "execution_engine"),
		tracer:          telemetry.GetTracer("execution-engine"),
		intents:         newIntentLedger(durationMS(cfg.IntentTTLMS, time.Hour), cfg.IntentMaxSize),
		limiter:         rate.NewLimiter(rate.Limit(ordersPerSecond), burst),
		proposalTimeout: durationMS(cfg.ProposalTimeoutMS, defaultRequestTimeout),
		buyTimeout:      durationMS(cfg.BuyTimeoutMS, defaultRequestTimeout),
		contracts:       make(map[string]map[int64]*trackedContract),
		routed:          make(map[string]bool),
		now:             time.Now,
	}
}

func durationMS(ms int64, fallback time.Duration) time.Duration {
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

// Execute runs the order pipeline for one signal. A correlation id that was
// already fulfilled replays the stored result without touching the upstream;
// a still-pending duplicate is rejected outright.
func (e *Engine) Execute(ctx context.Context, signal *core.Signal, params *core.TradeParams, auth core.ExecuteAuth, limits core.OrderLimits, latency *core.LatencyTrace) (*core.ExecutionResult, error) {
	started := e.now()

	if err := validateOrder(signal, params, auth); err != nil {
		return nil, err
	}

	ctx, span := e.tracer.Start(ctx, "Execute Order", trace.WithAttributes(
		attribute.String("account", params.AccountID),
		attribute.String("symbol", params.Symbol),
		attribute.String("correlation_id", params.CorrelationID),
		attribute.String("direction", string(signal.Direction)),
	))
	defer span.End()
	m := telemetry.GetGlobalMetrics()

	if err := e.limiter.Wait(ctx); err != nil {
		return nil, core.WrapError(core.KindRequestTimeout, err, "order pacing interrupted")
	}

	if err := e.riskMgr.CheckOrder(params.AccountID, params.Stake, limits); err != nil {
		span.RecordError(err)
		e.countReject(ctx, params.AccountID, err)
		return nil, err
	}

	intent, reserved := e.intents.reserve(params.AccountID, params.CorrelationID, params.Symbol)
	if !reserved {
		if intent.Status == core.IntentFulfilled {
			e.logger.Info("Replaying fulfilled order intent",
				"account", params.AccountID,
				"correlation_id", params.CorrelationID,
				"contract_id", intent.ContractID)
			return &core.ExecutionResult{
				ContractID:      intent.ContractID,
				BuyPrice:        intent.BuyPrice,
				Payout:          intent.Payout,
				ExecutionTimeMS: e.sinceMS(started),
			}, nil
		}
		err := core.NewErrorf(core.KindDuplicateRejected, "order %s is already pending", params.CorrelationID)
		span.RecordError(err)
		e.countReject(ctx, params.AccountID, err)
		return nil, err
	}

	row := &core.LedgerRow{
		CorrelationID: params.CorrelationID,
		AccountID:     params.AccountID,
		State:         core.LedgerPending,
		Trade: core.TradePayload{
			Symbol:    params.Symbol,
			Stake:     params.Stake,
			BotRunID:  params.BotRunID,
			Direction: signal.Direction,
		},
		CreatedAt: started,
		UpdatedAt: started,
	}
	if err := e.appendLedger(ctx, row); err != nil {
		if errors.Is(err, apperrors.ErrDuplicateKey) {
			// The correlation id belongs to a previous process run; its
			// ledger row is the reconciler's to resolve.
			e.intents.fail(params.AccountID, params.CorrelationID, "correlation id already recorded")
			dupErr := core.WrapError(core.KindDuplicateRejected, err, "correlation id already recorded")
			span.RecordError(dupErr)
			e.countReject(ctx, params.AccountID, dupErr)
			return nil, dupErr
		}
		// Degraded persistence does not halt trading; the in-memory intent
		// still guards this correlation id.
		e.logger.Error("Ledger append failed, continuing on in-memory intent",
			"correlation_id", params.CorrelationID, "error", err)
	}

	if ok, reason := e.cache.RecordTradeOpened(params.AccountID, params.Stake, 0); !ok {
		gateErr := core.NewGateError(reason, "risk cache refused the open")
		e.failIntent(ctx, row, reason)
		span.RecordError(gateErr)
		e.countReject(ctx, params.AccountID, gateErr)
		return nil, gateErr
	}

	// Exposure is reserved from here; every failure until the buy ack must
	// release it and fail the intent.
	fail := func(stage string, err error) (*core.ExecutionResult, error) {
		e.cache.RecordTradeFailedAttempt(params.AccountID, params.Stake)
		e.failIntent(ctx, row, err.Error())
		span.RecordError(err)
		e.countReject(ctx, params.AccountID, err)
		e.logger.Warn("Order failed",
			"stage", stage,
			"account", params.AccountID,
			"correlation_id", params.CorrelationID,
			"error", err)
		return nil, err
	}

	propStart := e.now()
	resp, err := e.sessions.SendRequest(ctx, params.AccountID,
		protocol.Proposal(params.Stake, string(signal.Direction), params.Currency, params.Duration, params.DurationUnit, params.Symbol),
		e.proposalTimeout)
	if err != nil {
		e.noteUpstreamFailure()
		e.riskMgr.NoteSessionFailure(params.AccountID, err)
		return fail("proposal", err)
	}
	e.noteUpstreamSuccess()
	e.riskMgr.ObserveAckLatency(msBetween(propStart, e.now()))
	if resp.Err != nil {
		e.riskMgr.RecordReject(params.AccountID)
		return fail("proposal", mapUpstreamError(resp.Err, "proposal"))
	}
	prop, err := resp.DecodeProposal()
	if err != nil {
		return fail("proposal", core.WrapError(core.KindUpstreamFatal, err, "malformed proposal response"))
	}

	if params.Mode == core.ExecutionModeHybridLimitMarket {
		drift := prop.Spot.Sub(params.TargetSpot).Abs().
			Div(params.TargetSpot).
			Mul(decimal.NewFromInt(100))
		if drift.GreaterThan(params.SlippagePct) {
			e.riskMgr.RecordSlippageReject(params.AccountID)
			m.SlippageRejects.Add(ctx, 1, metric.WithAttributes(
				attribute.String("account", params.AccountID),
				attribute.String("symbol", params.Symbol)))
			return fail("slippage", core.NewErrorf(core.KindSlippageExceeded,
				"spot %s drifted %s%% from target %s", prop.Spot, drift.StringFixed(3), params.TargetSpot))
		}
	}

	e.riskMgr.RecordOrder(params.AccountID)
	buyStart := e.now()
	resp, err = e.sessions.SendRequest(ctx, params.AccountID, protocol.Buy(prop.ID, prop.AskPrice), e.buyTimeout)
	if err != nil {
		e.noteUpstreamFailure()
		e.riskMgr.NoteSessionFailure(params.AccountID, err)
		return fail("buy", err)
	}
	e.noteUpstreamSuccess()
	e.riskMgr.ObserveAckLatency(msBetween(buyStart, e.now()))
	if resp.Err != nil {
		e.riskMgr.RecordReject(params.AccountID)
		return fail("buy", mapUpstreamError(resp.Err, "buy"))
	}
	buy, err := resp.DecodeBuy()
	if err != nil {
		return fail("buy", core.WrapError(core.KindUpstreamFatal, err, "malformed buy response"))
	}

	e.intents.fulfill(params.AccountID, params.CorrelationID, buy.ContractID, buy.BuyPrice, buy.Payout)

	openedAt := e.now()
	if buy.PurchaseTime > 0 {
		openedAt = time.Unix(buy.PurchaseTime, 0)
	}

	row.Trade.ContractID = buy.ContractID
	row.Trade.BuyPrice = buy.BuyPrice
	row.Trade.Payout = buy.Payout
	if moved, err := e.moveLedger(ctx, row, core.LedgerInFlight, core.LedgerPending); err != nil {
		e.logger.Error("Ledger in_flight transition failed",
			"correlation_id", params.CorrelationID, "error", err)
	} else if !moved {
		e.logger.Warn("Ledger row was not pending on buy ack",
			"correlation_id", params.CorrelationID)
	}
	e.appendOrderStatus(ctx, params, signal.Direction, buy, openedAt)

	e.ensureRouting(params.AccountID)
	contract := core.Contract{
		ContractID:    buy.ContractID,
		AccountID:     params.AccountID,
		Symbol:        params.Symbol,
		Direction:     signal.Direction,
		Stake:         params.Stake,
		Payout:        buy.Payout,
		BuyPrice:      buy.BuyPrice,
		OpenedAt:      openedAt,
		BotRunID:      params.BotRunID,
		CorrelationID: params.CorrelationID,
	}
	e.track(params.AccountID, contract, "", false)
	subID, snapshot := e.subscribeContract(ctx, params.AccountID, buy.ContractID)
	if subID != "" {
		e.setSubID(params.AccountID, buy.ContractID, subID)
	}
	e.persistOpenContracts(ctx, params.AccountID)

	elapsed := e.sinceMS(started)
	m.OrdersPlacedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("account", params.AccountID),
		attribute.String("symbol", params.Symbol)))
	if latency != nil && !latency.TickReceivedAt.IsZero() {
		m.DecisionToOrder.Record(ctx, float64(time.Since(latency.TickReceivedAt).Microseconds())/1000.0,
			metric.WithAttributes(attribute.String("account", params.AccountID)))
	}
	e.logger.Info("Contract opened",
		"account", params.AccountID,
		"contract_id", buy.ContractID,
		"symbol", params.Symbol,
		"buy_price", buy.BuyPrice,
		"execution_ms", elapsed)

	// A short-expiry contract can come back already sold in the subscribe
	// snapshot; settle it on the spot.
	if snapshot != nil && snapshot.Sold() {
		e.settleContract(params.AccountID, buy.ContractID, snapshot)
	}

	return &core.ExecutionResult{
		ContractID:      buy.ContractID,
		BuyPrice:        buy.BuyPrice,
		Payout:          buy.Payout,
		ExecutionTimeMS: elapsed,
	}, nil
}

// OpenContracts returns a sorted copy of the account's tracked positions.
func (e *Engine) OpenContracts(accountID string) []*core.Contract {
	e.mu.RLock()
	defer e.mu.RUnlock()
	tracked := e.contracts[accountID]
	out := make([]*core.Contract, 0, len(tracked))
	for _, tc := range tracked {
		c := tc.contract
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ContractID < out[j].ContractID })
	return out
}

// AddSettlementListener registers a callback for settled contracts.
func (e *Engine) AddSettlementListener(fn core.SettlementListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, fn)
}

// CheckHealth reports degraded when recent upstream sends all failed.
func (e *Engine) CheckHealth() error {
	if n := atomic.LoadInt64(&e.upstreamFails); n >= upstreamFailureThreshold {
		return core.NewErrorf(core.KindConnectionLost, "%d consecutive upstream send failures", n)
	}
	return nil
}

// ensureRouting installs the per-account streaming and reconnect hooks
// exactly once. Settlement frames for every tracked contract of the account
// arrive through this one listener.
func (e *Engine) ensureRouting(accountID string) {
	e.mu.Lock()
	if e.routed[accountID] {
		e.mu.Unlock()
		return
	}
	e.routed[accountID] = true
	e.mu.Unlock()

	e.sessions.RegisterStreamingListener(accountID, func(msg *protocol.Message) {
		if msg.MsgType != protocol.MsgOpenContract {
			return
		}
		e.handleOpenContract(accountID, msg)
	})
	e.sessions.RegisterConnectionReadyListener(accountID, func(isReconnect bool) {
		if !isReconnect {
			return
		}
		e.resubscribeAll(accountID)
	})
}

func (e *Engine) handleOpenContract(accountID string, msg *protocol.Message) {
	p, err := msg.DecodeOpenContract()
	if err != nil {
		e.logger.Warn("Undecodable open contract frame", "account", accountID, "error", err)
		return
	}
	if p.Sold() {
		e.settleContract(accountID, p.ContractID, p)
		return
	}
	e.markContract(accountID, p)
}

// markContract refreshes the unrealized view of a tracked contract.
func (e *Engine) markContract(accountID string, p *protocol.OpenContractPayload) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.contracts[accountID][p.ContractID]
	if !ok {
		return
	}
	tc.contract.LastMarkPrice = p.BidPrice
	tc.contract.UnrealizedPnL = p.BidPrice.Sub(tc.contract.BuyPrice)
}

// settleContract applies the settled-trade path. Untracking first makes the
// live frame and any recovery replay converge on one application per
// contract; the ledger moved check extends that across process restarts.
func (e *Engine) settleContract(accountID string, contractID int64, p *protocol.OpenContractPayload) {
	tc, ok := e.untrack(accountID, contractID)
	if !ok {
		return
	}
	ctx := context.Background()
	now := e.now()
	c := tc.contract
	profit := p.Profit

	apply := true
	if c.CorrelationID != "" {
		row := &core.LedgerRow{
			CorrelationID: c.CorrelationID,
			AccountID:     accountID,
			Trade: core.TradePayload{
				ContractID: contractID,
				Symbol:     c.Symbol,
				Stake:      c.Stake,
				BuyPrice:   c.BuyPrice,
				Payout:     c.Payout,
				Profit:     profit,
				HasProfit:  true,
				BotRunID:   c.BotRunID,
				Direction:  c.Direction,
			},
			CreatedAt: c.OpenedAt,
		}
		moved, err := e.moveLedger(ctx, row, core.LedgerSettled, core.LedgerPending, core.LedgerInFlight)
		if err != nil {
			e.logger.Error("Ledger settle transition failed",
				"correlation_id", c.CorrelationID, "error", err)
		} else if !moved {
			// Already terminal: a previous run settled this contract.
			apply = false
		}
		if _, err := e.store.UpdateState(ctx, core.NSOrderStatus, ledgerKey(accountID, c.CorrelationID), nil, "settled", "open"); err != nil {
			e.logger.Debug("Order status settle update failed",
				"correlation_id", c.CorrelationID, "error", err)
		}
	}

	if tc.subID != "" {
		if err := e.sessions.SendFireAndForget(accountID, protocol.Forget(tc.subID)); err != nil {
			e.logger.Debug("Forget send failed", "account", accountID, "error", err)
		}
	}
	e.persistOpenContracts(ctx, accountID)

	if !apply {
		e.logger.Info("Settlement already applied, cleanup only",
			"account", accountID, "contract_id", contractID)
		return
	}

	e.appendTradeRow(ctx, accountID, &c, profit, now)
	e.cache.RecordTradeSettled(accountID, c.Stake, profit, tc.uncounted)

	e.logger.Info("Contract settled",
		"account", accountID,
		"contract_id", contractID,
		"symbol", c.Symbol,
		"profit", profit)
	e.emitSettlement(&core.Settlement{
		ContractID:    contractID,
		AccountID:     accountID,
		Symbol:        c.Symbol,
		CorrelationID: c.CorrelationID,
		BotRunID:      c.BotRunID,
		Stake:         c.Stake,
		Profit:        profit,
		SellPrice:     p.SellPrice,
		SettledAt:     now,
	})
}

// applyRecoveredSettlement replays a settlement captured in the durable
// ledger for a contract the process was not tracking. The moved check keeps
// the replay exactly-once across repeated recovery passes.
func (e *Engine) applyRecoveredSettlement(ctx context.Context, row *core.LedgerRow) bool {
	moved, err := e.moveLedger(ctx, row, core.LedgerSettled, core.LedgerPending, core.LedgerInFlight)
	if err != nil {
		e.logger.Error("Recovered settlement not persisted",
			"correlation_id", row.CorrelationID, "error", err)
		return false
	}
	if !moved {
		return false
	}
	c := core.Contract{
		ContractID:    row.Trade.ContractID,
		AccountID:     row.AccountID,
		Symbol:        row.Trade.Symbol,
		Direction:     row.Trade.Direction,
		Stake:         row.Trade.Stake,
		BuyPrice:      row.Trade.BuyPrice,
		Payout:        row.Trade.Payout,
		OpenedAt:      row.CreatedAt,
		BotRunID:      row.Trade.BotRunID,
		CorrelationID: row.CorrelationID,
	}
	e.appendTradeRow(ctx, row.AccountID, &c, row.Trade.Profit, e.now())
	// The open reservation died with the old process.
	e.cache.RecordTradeSettled(row.AccountID, row.Trade.Stake, row.Trade.Profit, true)
	e.logger.Info("Recovered settlement applied",
		"account", row.AccountID,
		"contract_id", row.Trade.ContractID,
		"profit", row.Trade.Profit)
	return true
}

// failAbandoned marks a pending ledger row that never reached a buy ack as
// failed. There is no contract to recover.
func (e *Engine) failAbandoned(ctx context.Context, row *core.LedgerRow) bool {
	moved, err := e.moveLedger(ctx, row, core.LedgerFailed, core.LedgerPending)
	if err != nil {
		e.logger.Error("Abandoned ledger row not persisted",
			"correlation_id", row.CorrelationID, "error", err)
		return false
	}
	return moved
}

// resubscribeAll rebuilds settlement subscriptions after a reconnect; the
// server-side streams died with the old socket.
func (e *Engine) resubscribeAll(accountID string) {
	e.mu.RLock()
	ids := make([]int64, 0, len(e.contracts[accountID]))
	for id := range e.contracts[accountID] {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	if len(ids) == 0 {
		return
	}
	go func() {
		for _, id := range ids {
			ctx, cancel := context.WithTimeout(context.Background(), e.buyTimeout)
			subID, snapshot := e.subscribeContract(ctx, accountID, id)
			cancel()
			if subID != "" {
				e.setSubID(accountID, id, subID)
			}
			if snapshot != nil && snapshot.Sold() {
				e.settleContract(accountID, id, snapshot)
			}
		}
	}()
}

// subscribeContract opens the settlement stream for one contract and
// returns the subscription id plus the state snapshot, if any. Failures are
// logged, not fatal; the reconcile loop retries subscriptions.
func (e *Engine) subscribeContract(ctx context.Context, accountID string, contractID int64) (string, *protocol.OpenContractPayload) {
	resp, err := e.sessions.SendRequest(ctx, accountID, protocol.OpenContractSubscribe(contractID), e.buyTimeout)
	if err != nil {
		e.logger.Warn("Settlement subscribe failed",
			"account", accountID, "contract_id", contractID, "error", err)
		return "", nil
	}
	if resp.Err != nil {
		e.logger.Warn("Settlement subscribe rejected",
			"account", accountID, "contract_id", contractID, "code", resp.Err.Code)
		return "", nil
	}
	subID := resp.SubscriptionID()
	snapshot, err := resp.DecodeOpenContract()
	if err != nil {
		return subID, nil
	}
	return subID, snapshot
}

// track adds a contract to the account's open set. Returns false when the
// contract was already tracked; an empty subID never overwrites a live one.
func (e *Engine) track(accountID string, c core.Contract, subID string, uncounted bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.contracts[accountID]
	if !ok {
		m = make(map[int64]*trackedContract)
		e.contracts[accountID] = m
	}
	if existing, dup := m[c.ContractID]; dup {
		if subID != "" {
			existing.subID = subID
		}
		return false
	}
	m[c.ContractID] = &trackedContract{contract: c, subID: subID, uncounted: uncounted}
	return true
}

func (e *Engine) untrack(accountID string, contractID int64) (*trackedContract, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.contracts[accountID][contractID]
	if !ok {
		return nil, false
	}
	delete(e.contracts[accountID], contractID)
	return tc, true
}

func (e *Engine) setSubID(accountID string, contractID int64, subID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if tc, ok := e.contracts[accountID][contractID]; ok {
		tc.subID = subID
	}
}

func (e *Engine) emitSettlement(s *core.Settlement) {
	e.mu.RLock()
	listeners := append([]core.SettlementListener(nil), e.listeners...)
	e.mu.RUnlock()
	for _, fn := range listeners {
		fn(s)
	}
}

// persistOpenContracts refreshes the crash-recovery snapshot and the open
// contracts gauge for an account. The upsert coalesces under write bursts.
func (e *Engine) persistOpenContracts(ctx context.Context, accountID string) {
	contracts := e.OpenContracts(accountID)
	telemetry.GetGlobalMetrics().SetOpenContracts(accountID, int64(len(contracts)))

	snap := openContractSnapshot{
		Contracts: make([]openContractRecord, 0, len(contracts)),
		UpdatedAt: e.now(),
	}
	for _, c := range contracts {
		snap.Contracts = append(snap.Contracts, openContractRecord{
			ContractID:    c.ContractID,
			Symbol:        c.Symbol,
			Direction:     c.Direction,
			Stake:         c.Stake,
			BuyPrice:      c.BuyPrice,
			OpenedAt:      c.OpenedAt,
			BotRunID:      c.BotRunID,
			CorrelationID: c.CorrelationID,
		})
	}
	payload, err := json.Marshal(&snap)
	if err != nil {
		e.logger.Error("Open contracts snapshot encode failed", "account", accountID, "error", err)
		return
	}
	if err := e.store.Upsert(ctx, core.NSSettings, core.SettingsKey(accountID, core.SettingOpenContracts), payload, core.OnConflictReplace); err != nil {
		e.logger.Warn("Open contracts snapshot not persisted", "account", accountID, "error", err)
	}
}

func ledgerKey(accountID, correlationID string) string {
	return accountID + "/" + correlationID
}

func (e *Engine) appendLedger(ctx context.Context, row *core.LedgerRow) error {
	payload, err := json.Marshal(row)
	if err != nil {
		return core.WrapError(core.KindPersistence, err, "encode ledger row")
	}
	return e.store.Append(ctx, core.NSLedger, ledgerKey(row.AccountID, row.CorrelationID), payload, string(row.State))
}

func (e *Engine) moveLedger(ctx context.Context, row *core.LedgerRow, to core.LedgerState, from ...core.LedgerState) (bool, error) {
	row.State = to
	row.UpdatedAt = e.now()
	payload, err := json.Marshal(row)
	if err != nil {
		return false, core.WrapError(core.KindPersistence, err, "encode ledger row")
	}
	fromStates := make([]string, len(from))
	for i, f := range from {
		fromStates[i] = string(f)
	}
	return e.store.UpdateState(ctx, core.NSLedger, ledgerKey(row.AccountID, row.CorrelationID), payload, string(to), fromStates...)
}

func (e *Engine) failIntent(ctx context.Context, row *core.LedgerRow, errMsg string) {
	e.intents.fail(row.AccountID, row.CorrelationID, errMsg)
	if _, err := e.moveLedger(ctx, row, core.LedgerFailed, core.LedgerPending, core.LedgerInFlight); err != nil {
		e.logger.Warn("Ledger fail transition not persisted",
			"correlation_id", row.CorrelationID, "error", err)
	}
}

func (e *Engine) appendOrderStatus(ctx context.Context, params *core.TradeParams, dir core.Direction, buy *protocol.BuyPayload, at time.Time) {
	rec := orderStatusRecord{
		CorrelationID: params.CorrelationID,
		BotRunID:      params.BotRunID,
		ContractID:    buy.ContractID,
		Symbol:        params.Symbol,
		Direction:     dir,
		Stake:         params.Stake,
		BuyPrice:      buy.BuyPrice,
		Payout:        buy.Payout,
		PlacedAt:      at,
	}
	payload, err := json.Marshal(&rec)
	if err != nil {
		e.logger.Error("Order status encode failed", "correlation_id", params.CorrelationID, "error", err)
		return
	}
	if err := e.store.Append(ctx, core.NSOrderStatus, ledgerKey(params.AccountID, params.CorrelationID), payload, "open"); err != nil && !errors.Is(err, apperrors.ErrDuplicateKey) {
		e.logger.Warn("Order status append failed", "correlation_id", params.CorrelationID, "error", err)
	}
}

func (e *Engine) appendTradeRow(ctx context.Context, accountID string, c *core.Contract, profit decimal.Decimal, at time.Time) {
	rec := tradeRecord{
		ContractID:    c.ContractID,
		AccountID:     accountID,
		Symbol:        c.Symbol,
		Direction:     c.Direction,
		Stake:         c.Stake,
		BuyPrice:      c.BuyPrice,
		Payout:        c.Payout,
		Profit:        profit,
		BotRunID:      c.BotRunID,
		CorrelationID: c.CorrelationID,
		SettledAt:     at,
	}
	payload, err := json.Marshal(&rec)
	if err != nil {
		e.logger.Error("Trade record encode failed", "account", accountID, "contract_id", c.ContractID, "error", err)
		return
	}
	ref := c.CorrelationID
	if ref == "" {
		ref = strconv.FormatInt(c.ContractID, 10)
	}
	if err := e.store.Append(ctx, core.NSTrades, accountID+"/"+ref, payload, "settled"); err != nil && !errors.Is(err, apperrors.ErrDuplicateKey) {
		e.logger.Error("Trade append failed", "account", accountID, "contract_id", c.ContractID, "error", err)
	}
}

func (e *Engine) countReject(ctx context.Context, accountID string, err error) {
	telemetry.GetGlobalMetrics().OrdersRejectedTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("account", accountID),
		attribute.String("reason", rejectReason(err))))
}

func (e *Engine) noteUpstreamFailure() { atomic.AddInt64(&e.upstreamFails, 1) }
func (e *Engine) noteUpstreamSuccess() { atomic.StoreInt64(&e.upstreamFails, 0) }

func (e *Engine) sinceMS(from time.Time) int64 {
	d := e.now().Sub(from)
	if d < 0 {
		return 0
	}
	return d.Milliseconds()
}

func msBetween(from, to time.Time) float64 {
	return float64(to.Sub(from).Microseconds()) / 1000.0
}

func rejectReason(err error) string {
	if r := core.GateReasonOf(err); r != "" {
		return r
	}
	if k := core.KindOf(err); k != "" {
		return string(k)
	}
	return "UNKNOWN"
}

func validateOrder(signal *core.Signal, params *core.TradeParams, auth core.ExecuteAuth) error {
	switch {
	case signal == nil:
		return core.NewError(core.KindValidation, "signal is required")
	case params == nil:
		return core.NewError(core.KindValidation, "trade params are required")
	case signal.Direction != core.DirectionCall && signal.Direction != core.DirectionPut:
		return core.NewErrorf(core.KindValidation, "unsupported direction %q", signal.Direction)
	case params.AccountID == "":
		return core.NewError(core.KindValidation, "account id is required")
	case params.CorrelationID == "":
		return core.NewError(core.KindValidation, "correlation id is required")
	case params.Symbol == "":
		return core.NewError(core.KindValidation, "symbol is required")
	case params.Currency == "":
		return core.NewError(core.KindValidation, "currency is required")
	case !params.Stake.IsPositive():
		return core.NewErrorf(core.KindValidation, "stake must be positive, got %s", params.Stake)
	case params.Duration <= 0:
		return core.NewError(core.KindValidation, "duration must be positive")
	case params.DurationUnit == "":
		return core.NewError(core.KindValidation, "duration unit is required")
	case auth.AccountID != params.AccountID:
		return core.NewErrorf(core.KindValidation, "auth account %q does not match order account %q", auth.AccountID, params.AccountID)
	case params.Mode == core.ExecutionModeHybridLimitMarket && !params.TargetSpot.IsPositive():
		return core.NewError(core.KindValidation, "hybrid limit mode needs a target spot")
	}
	return nil
}

// mapUpstreamError classifies an upstream error frame by its code. A stale
// proposal or a moved price can succeed on a fresh attempt; unknown codes are
// fatal so callers never retry blind.
func mapUpstreamError(apiErr *protocol.APIError, stage string) error {
	kind := core.KindUpstreamFatal
	switch apiErr.Code {
	case "AuthorizationRequired", "InvalidToken":
		kind = core.KindAuth
	case "RateLimit", "PriceMoved", "InvalidContractProposal":
		kind = core.KindUpstreamTransient
	}
	return core.WrapError(kind, apiErr, stage+" rejected upstream")
}
