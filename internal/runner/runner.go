// Package runner drives bot runs: it wires strategy evaluation into the
// tick stream, applies the pre-trade pipeline, and dispatches signals to the
// execution engine.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"option_trader/internal/config"
	"option_trader/internal/core"
	"option_trader/internal/strategy"
	apperrors "option_trader/pkg/errors"
	"option_trader/pkg/telemetry"
)

// AccountAuth is the upstream credential pair a run executes under.
type AccountAuth struct {
	Token    string
	Currency string
}

// runState is the live state of one bot run. The cycle mutex serializes
// evaluation between the tick path and the batch flush timer; the state
// mutex guards the mutable fields.
type runState struct {
	run        *core.BotRun
	strat      core.IStrategy
	token      string
	currency   string
	listenerID int64

	requiredTicks int
	batchSize     int
	batchInterval time.Duration
	budgetMS      int64
	volWindow     int

	cycleMu sync.Mutex

	mu          sync.Mutex
	pending     []*core.Tick
	flushTimer  *time.Timer
	lastTradeAt time.Time
	pauseReason string
}

// Runner implements core.IStrategyRunner.
type Runner struct {
	cfg         config.RunnerConfig
	orderLimits core.OrderLimits
	accounts    map[string]AccountAuth
	registry    *strategy.Registry
	ticks       core.ITickStream
	market      core.IMarketData
	riskCache   core.IRiskCache
	riskMgr     core.IRiskManager
	exec        core.IExecutionEngine
	store       core.IStore
	logger      core.ILogger

	mu        sync.RWMutex
	runs      map[string]*runState
	byAccount map[string]string
	listeners []core.RunListener
}

// NewRunner creates the runner and hooks it into kill-switch transitions and
// settlement updates.
func NewRunner(
	cfg config.RunnerConfig,
	orderLimits core.OrderLimits,
	accounts map[string]AccountAuth,
	registry *strategy.Registry,
	ticks core.ITickStream,
	market core.IMarketData,
	riskCache core.IRiskCache,
	riskMgr core.IRiskManager,
	exec core.IExecutionEngine,
	store core.IStore,
	logger core.ILogger,
) *Runner {
	r := &Runner{
		cfg:         cfg,
		orderLimits: orderLimits,
		accounts:    accounts,
		registry:    registry,
		ticks:       ticks,
		market:      market,
		riskCache:   riskCache,
		riskMgr:     riskMgr,
		exec:        exec,
		store:       store,
		logger:      logger.WithField("component", "strategy_runner"),
		runs:        make(map[string]*runState),
		byAccount:   make(map[string]string),
	}
	riskMgr.AddListener(r.onKillSwitch)
	exec.AddSettlementListener(r.onSettlement)
	return r
}

// Start brings a bot run live: one running run per account, strategy from
// the registry, market data ensured, tick subscription attached.
func (r *Runner) Start(ctx context.Context, run *core.BotRun) error {
	if run.AccountID == "" || run.Symbol == "" {
		return core.NewError(core.KindValidation, "bot run needs account_id and symbol")
	}
	auth, ok := r.accounts[run.AccountID]
	if !ok {
		return core.NewErrorf(core.KindValidation, "unknown account %s", run.AccountID)
	}
	strat, err := r.registry.New(run.StrategyID, run.Params)
	if err != nil {
		return err
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	r.mu.Lock()
	if existing, busy := r.byAccount[run.AccountID]; busy {
		r.mu.Unlock()
		return core.WrapError(core.KindValidation, apperrors.ErrAlreadyRunning,
			fmt.Sprintf("account %s has active run %s", run.AccountID, existing))
	}
	if _, dup := r.runs[run.ID]; dup {
		r.mu.Unlock()
		return core.WrapError(core.KindValidation, apperrors.ErrAlreadyRunning,
			fmt.Sprintf("run %s exists", run.ID))
	}
	// reserve the slot before the network calls below
	r.byAccount[run.AccountID] = run.ID
	r.mu.Unlock()

	rs := &runState{
		run:      run,
		strat:    strat,
		token:    auth.Token,
		currency: auth.Currency,
	}
	rs.requiredTicks = run.Tuning.RequiredTicks
	if rs.requiredTicks <= 0 {
		rs.requiredTicks = strat.RequiredTicks()
	}
	rs.batchSize = run.Tuning.BatchSize
	if rs.batchSize <= 0 {
		rs.batchSize = r.cfg.BatchSize
	}
	if rs.batchSize <= 0 {
		rs.batchSize = 1
	}
	intervalMS := run.Tuning.BatchIntervalMS
	if intervalMS <= 0 {
		intervalMS = r.cfg.BatchIntervalMS
	}
	if intervalMS > 0 {
		rs.batchInterval = time.Duration(intervalMS) * time.Millisecond
	}
	rs.budgetMS = run.Tuning.BudgetMS
	if rs.budgetMS <= 0 {
		rs.budgetMS = r.cfg.BudgetMS
	}
	rs.volWindow = run.Tuning.VolatilityWindow
	if rs.volWindow <= 0 {
		rs.volWindow = rs.requiredTicks
	}

	if err := r.market.EnsureSymbol(ctx, run.AccountID, auth.Token, run.Symbol); err != nil {
		r.releaseSlot(run.AccountID)
		return err
	}
	listenerID, err := r.ticks.Subscribe(ctx, run.AccountID, auth.Token, run.Symbol, func(t *core.Tick) {
		r.onTick(rs, t)
	})
	if err != nil {
		r.market.Release(run.AccountID, run.Symbol)
		r.releaseSlot(run.AccountID)
		return err
	}
	rs.listenerID = listenerID

	run.Status = core.RunStatusRunning
	run.StartedAt = time.Now()
	if !run.LastTradeAt.IsZero() {
		rs.lastTradeAt = run.LastTradeAt
	}

	r.mu.Lock()
	r.runs[run.ID] = rs
	r.mu.Unlock()

	r.persistRun(rs)
	r.emit(core.RunEvent{RunID: run.ID, AccountID: run.AccountID, Status: core.RunStatusRunning, At: time.Now()})
	r.logger.Info("Bot run started", "run_id", run.ID, "account", run.AccountID, "strategy", run.StrategyID, "symbol", run.Symbol)
	return nil
}

// Pause suspends evaluation; the tick subscription stays live so the window
// keeps filling.
func (r *Runner) Pause(accountID, runID, reason string) error {
	rs, err := r.owned(accountID, runID)
	if err != nil {
		return err
	}
	r.pauseRun(rs, reason)
	return nil
}

// Resume restarts evaluation of a paused run.
func (r *Runner) Resume(accountID, runID string) error {
	rs, err := r.owned(accountID, runID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	if rs.run.Status != core.RunStatusPaused {
		status := rs.run.Status
		rs.mu.Unlock()
		return core.NewErrorf(core.KindValidation, "run %s is %s, not paused", runID, status)
	}
	rs.run.Status = core.RunStatusRunning
	rs.pauseReason = ""
	rs.mu.Unlock()

	r.persistRun(rs)
	r.emit(core.RunEvent{RunID: runID, AccountID: accountID, Status: core.RunStatusRunning, At: time.Now()})
	r.logger.Info("Bot run resumed", "run_id", runID, "account", accountID)
	return nil
}

// Stop tears the run down: unsubscribes, releases market data, drops the
// run from the arena.
func (r *Runner) Stop(accountID, runID string) error {
	rs, err := r.owned(accountID, runID)
	if err != nil {
		return err
	}

	rs.mu.Lock()
	rs.run.Status = core.RunStatusStopped
	rs.pending = nil
	if rs.flushTimer != nil {
		rs.flushTimer.Stop()
		rs.flushTimer = nil
	}
	rs.mu.Unlock()

	_ = r.ticks.Unsubscribe(accountID, rs.run.Symbol, rs.listenerID)
	r.market.Release(accountID, rs.run.Symbol)

	r.mu.Lock()
	delete(r.runs, runID)
	if r.byAccount[accountID] == runID {
		delete(r.byAccount, accountID)
	}
	r.mu.Unlock()

	telemetry.GetGlobalMetrics().DropRunnerQueueDepth(runID)
	r.persistRun(rs)
	r.emit(core.RunEvent{RunID: runID, AccountID: accountID, Status: core.RunStatusStopped, At: time.Now()})
	r.logger.Info("Bot run stopped", "run_id", runID, "account", accountID)
	return nil
}

// Get returns a snapshot of the run.
func (r *Runner) Get(runID string) (*core.BotRun, bool) {
	r.mu.RLock()
	rs, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	snap := *rs.run
	return &snap, true
}

// AddRunListener registers a listener for run status transitions.
func (r *Runner) AddRunListener(fn core.RunListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// owned resolves a run and enforces account ownership.
func (r *Runner) owned(accountID, runID string) (*runState, error) {
	r.mu.RLock()
	rs, ok := r.runs[runID]
	r.mu.RUnlock()
	if !ok {
		return nil, core.WrapError(core.KindValidation, apperrors.ErrNotRunning,
			fmt.Sprintf("no run %s", runID))
	}
	if rs.run.AccountID != accountID {
		return nil, core.NewErrorf(core.KindAuth, "run %s does not belong to account %s", runID, accountID)
	}
	return rs, nil
}

func (r *Runner) releaseSlot(accountID string) {
	r.mu.Lock()
	delete(r.byAccount, accountID)
	r.mu.Unlock()
}

// onTick feeds the micro-batcher. Identity batching (size 1, no interval)
// dispatches inline on the tick path.
func (r *Runner) onTick(rs *runState, t *core.Tick) {
	rs.mu.Lock()
	if rs.run.Status != core.RunStatusRunning {
		rs.mu.Unlock()
		return
	}
	if rs.batchSize <= 1 && rs.batchInterval <= 0 {
		rs.mu.Unlock()
		r.processBatch(rs, []*core.Tick{t})
		return
	}
	rs.pending = append(rs.pending, t)
	depth := int64(len(rs.pending))
	if len(rs.pending) >= rs.batchSize {
		batch := rs.pending
		rs.pending = nil
		if rs.flushTimer != nil {
			rs.flushTimer.Stop()
			rs.flushTimer = nil
		}
		rs.mu.Unlock()
		telemetry.GetGlobalMetrics().SetRunnerQueueDepth(rs.run.ID, 0)
		r.processBatch(rs, batch)
		return
	}
	if rs.flushTimer == nil && rs.batchInterval > 0 {
		rs.flushTimer = time.AfterFunc(rs.batchInterval, func() { r.flush(rs) })
	}
	rs.mu.Unlock()
	telemetry.GetGlobalMetrics().SetRunnerQueueDepth(rs.run.ID, depth)
}

// flush drains the pending batch when the interval elapses first.
func (r *Runner) flush(rs *runState) {
	rs.mu.Lock()
	rs.flushTimer = nil
	if rs.run.Status != core.RunStatusRunning || len(rs.pending) == 0 {
		rs.mu.Unlock()
		return
	}
	batch := rs.pending
	rs.pending = nil
	rs.mu.Unlock()
	telemetry.GetGlobalMetrics().SetRunnerQueueDepth(rs.run.ID, 0)
	r.processBatch(rs, batch)
}

func (r *Runner) processBatch(rs *runState, batch []*core.Tick) {
	for _, t := range batch {
		r.cycle(rs, t)
	}
}

// cycle is one evaluation pass for one tick.
func (r *Runner) cycle(rs *runState, t *core.Tick) {
	rs.cycleMu.Lock()
	defer rs.cycleMu.Unlock()

	run := rs.run
	account := run.AccountID

	if r.riskMgr.IsActive(account) {
		r.pauseRun(rs, "kill switch active")
		return
	}

	window, ok := r.ticks.WindowView(account, run.Symbol, rs.requiredTicks)
	if !ok || window.Len() < rs.requiredTicks {
		return
	}

	if run.Tuning.VolatilityThreshold > 0 {
		if atr := strategy.ATR(window, rs.volWindow); atr > run.Tuning.VolatilityThreshold {
			r.riskMgr.Trigger(account, core.TriggerVolatilitySpike)
			r.pauseRun(rs, "Volatility spike guard")
			return
		}
	}

	if run.CooldownMS > 0 {
		rs.mu.Lock()
		last := rs.lastTradeAt
		rs.mu.Unlock()
		if !last.IsZero() && time.Since(last) < time.Duration(run.CooldownMS)*time.Millisecond {
			return
		}
	}

	features, _ := r.market.Snapshot(account, run.Symbol)
	attrs := metric.WithAttributes(
		attribute.String("run_id", run.ID),
		attribute.String("strategy", run.StrategyID),
	)
	start := time.Now()
	sig, err := rs.strat.Evaluate(context.Background(), window, features)
	elapsedMS := float64(time.Since(start).Microseconds()) / 1000.0
	m := telemetry.GetGlobalMetrics()
	m.StrategyEval.Record(context.Background(), elapsedMS, attrs)
	if err != nil {
		r.logger.Warn("Strategy evaluation failed", "run_id", run.ID, "error", err)
		return
	}
	if rs.budgetMS > 0 && elapsedMS > float64(rs.budgetMS) {
		m.StrategyBudgetOverrun.Add(context.Background(), 1, attrs)
		r.logger.Warn("Strategy exceeded compute budget", "run_id", run.ID, "elapsed_ms", elapsedMS, "budget_ms", rs.budgetMS)
		return
	}
	if sig == nil {
		return
	}

	mult := sig.StakeMultiplier
	if mult <= 0 {
		mult = 1
	}
	stake := run.Stake.Base.Mul(decimal.NewFromFloat(mult))
	if run.Stake.Min.IsPositive() && stake.LessThan(run.Stake.Min) {
		stake = run.Stake.Min
	}
	if run.Stake.Max.IsPositive() && stake.GreaterThan(run.Stake.Max) {
		stake = run.Stake.Max
	}

	decision := r.riskCache.Evaluate(account, core.EvaluateLimits{
		ProposedStake:        stake,
		MaxStake:             run.Limits.MaxStake,
		DailyLossLimitPct:    run.Limits.DailyLossLimitPct,
		DrawdownLimitPct:     run.Limits.DrawdownLimitPct,
		MaxConsecutiveLosses: run.Limits.MaxConsecutiveLosses,
		CooldownMS:           run.CooldownMS,
		LossCooldownMS:       run.Limits.LossCooldownMS,
		MaxConcurrentTrades:  run.Limits.MaxConcurrentTrades,
	})
	switch decision.Status {
	case core.GateHalt:
		r.pauseRun(rs, decision.Reason)
		return
	case core.GateCooldown, core.GateMaxConcurrent:
		return
	case core.GateReduceStake:
		if decision.AdjustedStake.IsPositive() {
			stake = decision.AdjustedStake
		}
	}

	r.dispatch(rs, sig, stake, t)
}

// dispatch hands the signal to the execution engine off the tick path.
func (r *Runner) dispatch(rs *runState, sig *core.Signal, stake decimal.Decimal, t *core.Tick) {
	run := rs.run
	params := &core.TradeParams{
		AccountID:     run.AccountID,
		BotRunID:      run.ID,
		Symbol:        run.Symbol,
		Stake:         stake,
		Currency:      rs.currency,
		Duration:      run.Duration.Value,
		DurationUnit:  run.Duration.Unit,
		CorrelationID: uuid.NewString(),
		Mode:          run.Mode,
		TargetSpot:    t.Quote,
		SlippagePct:   run.SlippagePct,
	}
	auth := core.ExecuteAuth{AccountID: run.AccountID, Token: rs.token}
	trace := &core.LatencyTrace{TickReceivedAt: t.ReceivedAt, SignalAt: time.Now()}

	now := time.Now()
	rs.mu.Lock()
	rs.lastTradeAt = now
	rs.run.LastTradeAt = now
	rs.mu.Unlock()

	go func() {
		res, err := r.exec.Execute(context.Background(), sig, params, auth, r.orderLimits, trace)
		if err != nil {
			switch {
			case core.IsKind(err, core.KindRiskGate) || core.IsKind(err, core.KindKillSwitch):
				r.logger.Info("Trade rejected pre-flight", "run_id", run.ID, "reason", core.GateReasonOf(err), "error", err)
			case core.IsKind(err, core.KindDuplicateRejected):
				r.logger.Warn("Duplicate trade suppressed", "run_id", run.ID, "correlation_id", params.CorrelationID)
			default:
				r.logger.Error("Trade execution failed", "run_id", run.ID, "correlation_id", params.CorrelationID, "error", err)
			}
			return
		}
		rs.mu.Lock()
		rs.run.TradesExecuted++
		rs.mu.Unlock()
		r.persistRun(rs)
		r.logger.Info("Trade executed",
			"run_id", run.ID,
			"contract_id", res.ContractID,
			"buy_price", res.BuyPrice,
			"execution_ms", res.ExecutionTimeMS)
	}()
}

// pauseRun transitions a running run to paused and clears its batch.
func (r *Runner) pauseRun(rs *runState, reason string) {
	rs.mu.Lock()
	if rs.run.Status != core.RunStatusRunning {
		rs.mu.Unlock()
		return
	}
	rs.run.Status = core.RunStatusPaused
	rs.pauseReason = reason
	rs.pending = nil
	if rs.flushTimer != nil {
		rs.flushTimer.Stop()
		rs.flushTimer = nil
	}
	runID, accountID := rs.run.ID, rs.run.AccountID
	rs.mu.Unlock()

	telemetry.GetGlobalMetrics().SetRunnerQueueDepth(runID, 0)
	r.persistRun(rs)
	r.emit(core.RunEvent{RunID: runID, AccountID: accountID, Status: core.RunStatusPaused, Reason: reason, At: time.Now()})
	r.logger.Warn("Bot run paused", "run_id", runID, "account", accountID, "reason", reason)
}

// onKillSwitch pauses the affected account's runs, or every run for the
// global switch.
func (r *Runner) onKillSwitch(ev core.KillSwitchEvent) {
	if !ev.Active {
		return
	}
	r.mu.RLock()
	var affected []*runState
	for _, rs := range r.runs {
		if ev.AccountID == "" || rs.run.AccountID == ev.AccountID {
			affected = append(affected, rs)
		}
	}
	r.mu.RUnlock()
	for _, rs := range affected {
		r.pauseRun(rs, "kill switch: "+ev.Reason)
	}
}

// onSettlement folds settled profit back into the owning run.
func (r *Runner) onSettlement(s *core.Settlement) {
	if s.BotRunID == "" {
		return
	}
	r.mu.RLock()
	rs, ok := r.runs[s.BotRunID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	rs.mu.Lock()
	rs.run.TotalProfit = rs.run.TotalProfit.Add(s.Profit)
	rs.mu.Unlock()
	r.persistRun(rs)
}

// persistRun snapshots the run into the bot_runs namespace through the
// write-behind queue.
func (r *Runner) persistRun(rs *runState) {
	rs.mu.Lock()
	snap := *rs.run
	rs.mu.Unlock()
	data, err := json.Marshal(&snap)
	if err != nil {
		r.logger.Error("Bot run snapshot failed", "run_id", snap.ID, "error", err)
		return
	}
	if err := r.store.Upsert(context.Background(), core.NSBotRuns, snap.ID, data, core.OnConflictReplace); err != nil {
		r.logger.Warn("Bot run persist enqueue failed", "run_id", snap.ID, "error", err)
	}
}

func (r *Runner) emit(ev core.RunEvent) {
	r.mu.RLock()
	listeners := append([]core.RunListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}
