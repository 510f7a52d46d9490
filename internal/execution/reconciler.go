package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/shopspring/decimal"

	"option_trader/internal/config"
	"option_trader/internal/core"
	"option_trader/internal/protocol"
	"option_trader/pkg/concurrency"
)

// One reconcile pass must finish inside this window.
const passTimeout = 30 * time.Second

const defaultPortfolioTimeout = 10 * time.Second

// Reconciler rebuilds runtime state after a restart: it replays the durable
// execution ledger, adopts open contracts from the upstream portfolio, and
// keeps settlement subscriptions alive. Accounts fan out on the worker pool;
// per-account work stays sequential.
type Reconciler struct {
	engine *Engine
	vault  *SessionVault
	pool   *concurrency.WorkerPool
	alert  core.IAlertNotifier
	logger core.ILogger

	portfolioTimeout time.Duration
	interval         time.Duration
	portfolioRetry   failsafe.Executor[*protocol.Message]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex

	lastStatus *core.ReconcileStatus
	statusMu   sync.RWMutex
}

func NewReconciler(cfg config.ReconcileConfig, engine *Engine, vault *SessionVault, pool *concurrency.WorkerPool, alert core.IAlertNotifier, logger core.ILogger) *Reconciler {
	ctx, cancel := context.WithCancel(context.Background())

	retry := retrypolicy.NewBuilder[*protocol.Message]().
		HandleIf(func(_ *protocol.Message, err error) bool {
			return err != nil && core.IsRetryable(err)
		}).
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithMaxRetries(3).
		Build()

	return &Reconciler{
		engine:           engine,
		vault:            vault,
		pool:             pool,
		alert:            alert,
		logger:           logger.WithField("component", "reconciler"),
		portfolioTimeout: durationMS(cfg.PortfolioTimeoutMS, defaultPortfolioTimeout),
		interval:         durationMS(cfg.IntervalMS, 0),
		portfolioRetry:   failsafe.With[*protocol.Message](retry),
		ctx:              ctx,
		cancel:           cancel,
		lastStatus:       &core.ReconcileStatus{},
	}
}

// Start runs the initial recovery pass and then the periodic loop. A failed
// initial pass is alerted, not fatal: the kill-switch restore fail-closes
// the dangerous case and the loop retries the rest.
func (r *Reconciler) Start(ctx context.Context) error {
	r.logger.Info("Starting reconciler", "interval", r.interval)

	passCtx, cancel := context.WithTimeout(r.ctx, passTimeout)
	err := r.Reconcile(passCtx)
	cancel()
	if err != nil {
		r.logger.Error("Initial reconcile pass failed", "error", err)
	}

	if r.interval > 0 {
		r.wg.Add(1)
		go r.runLoop()
	}
	return nil
}

// Stop halts the periodic loop and waits for an in-flight pass.
func (r *Reconciler) Stop() error {
	r.logger.Info("Stopping reconciler")
	r.cancel()
	r.wg.Wait()
	return nil
}

// TriggerManual runs a reconcile pass immediately.
func (r *Reconciler) TriggerManual(ctx context.Context) error {
	r.logger.Info("Manual reconciliation triggered")
	return r.Reconcile(ctx)
}

// GetStatus reports the last completed pass.
func (r *Reconciler) GetStatus() *core.ReconcileStatus {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	s := *r.lastStatus
	s.Errors = append([]string(nil), r.lastStatus.Errors...)
	return &s
}

func (r *Reconciler) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(r.ctx, passTimeout)
			if err := r.Reconcile(ctx); err != nil {
				r.logger.Error("Reconciliation failed", "error", err)
			}
			cancel()
		}
	}
}

// Reconcile performs one full pass over every persisted session. Passes are
// serialized; a second caller blocks until the first finishes.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	started := time.Now()
	status := &core.ReconcileStatus{LastRun: started}

	records, err := r.vault.List(ctx)
	if err != nil {
		status.Errors = append(status.Errors, err.Error())
		r.setStatus(status)
		r.alert.Notify(ctx, "reconcile_failed", map[string]interface{}{"error": err.Error()})
		return err
	}

	var (
		resMu sync.Mutex
		wg    sync.WaitGroup
	)
	for _, rec := range records {
		rec := rec
		wg.Add(1)
		task := func() {
			defer wg.Done()
			res := r.reconcileAccount(ctx, rec)
			resMu.Lock()
			status.AccountsChecked++
			status.ContractsTracked += res.tracked
			status.LedgerReplayed += res.replayed
			for _, e := range res.errs {
				status.Errors = append(status.Errors, fmt.Sprintf("%s: %s", rec.AccountID, e))
			}
			resMu.Unlock()
		}
		if err := r.pool.Submit(task); err != nil {
			// Pool saturated: run on the pass goroutine instead of dropping.
			task()
		}
	}
	wg.Wait()

	r.setStatus(status)
	r.logger.Info("Reconciliation pass completed",
		"accounts", status.AccountsChecked,
		"contracts_tracked", status.ContractsTracked,
		"ledger_replayed", status.LedgerReplayed,
		"errors", len(status.Errors),
		"elapsed_ms", time.Since(started).Milliseconds())

	if len(status.Errors) > 0 {
		r.alert.Notify(ctx, "reconcile_errors", map[string]interface{}{
			"accounts": status.AccountsChecked,
			"errors":   status.Errors,
		})
		return core.NewErrorf(core.KindUpstreamTransient, "reconcile finished with %d errors", len(status.Errors))
	}
	return nil
}

func (r *Reconciler) setStatus(s *core.ReconcileStatus) {
	r.statusMu.Lock()
	r.lastStatus = s
	r.statusMu.Unlock()
}

type accountResult struct {
	tracked  int
	replayed int
	errs     []string
}

// reconcileAccount rebuilds one account: session, ledger replay, portfolio
// adoption, settlement subscriptions.
func (r *Reconciler) reconcileAccount(ctx context.Context, rec SessionRecord) accountResult {
	var res accountResult
	e := r.engine

	if _, err := e.sessions.GetOrCreate(ctx, rec.Token, rec.AccountID); err != nil {
		res.errs = append(res.errs, fmt.Sprintf("session: %v", err))
		return res
	}
	e.ensureRouting(rec.AccountID)

	replayed, openRows, err := r.replayLedger(ctx, rec.AccountID)
	res.replayed = replayed
	if err != nil {
		res.errs = append(res.errs, fmt.Sprintf("ledger: %v", err))
	}

	portfolio, err := r.fetchPortfolio(ctx, rec.AccountID)
	if err != nil {
		res.errs = append(res.errs, fmt.Sprintf("portfolio: %v", err))
		res.tracked = len(e.OpenContracts(rec.AccountID))
		return res
	}

	exposure := decimal.Zero
	for _, pc := range portfolio.Contracts {
		exposure = exposure.Add(pc.BuyPrice)
	}
	// The portfolio is the truth for open state. Matching counts are left
	// alone so a pass cannot clobber a concurrent live reservation.
	if tracked := len(e.OpenContracts(rec.AccountID)); tracked != len(portfolio.Contracts) {
		e.cache.SetOpenTradeState(rec.AccountID, len(portfolio.Contracts), exposure)
	}

	rowsByContract := make(map[int64]*core.LedgerRow, len(openRows))
	for _, row := range openRows {
		rowsByContract[row.Trade.ContractID] = row
	}

	for _, pc := range portfolio.Contracts {
		c := core.Contract{
			ContractID: pc.ContractID,
			AccountID:  rec.AccountID,
			Symbol:     pc.Symbol,
			Direction:  directionFromContractType(pc.ContractType),
			Stake:      pc.BuyPrice,
			BuyPrice:   pc.BuyPrice,
			Payout:     pc.Payout,
			OpenedAt:   time.Unix(pc.PurchaseTime, 0),
		}
		if row, ok := rowsByContract[pc.ContractID]; ok {
			c.CorrelationID = row.CorrelationID
			c.BotRunID = row.Trade.BotRunID
			if row.Trade.Stake.IsPositive() {
				c.Stake = row.Trade.Stake
			}
			delete(rowsByContract, pc.ContractID)
		}
		if e.track(rec.AccountID, c, "", false) {
			r.subscribeTracked(ctx, rec.AccountID, pc.ContractID)
		}
	}

	// Ledger rows with a contract id but no portfolio entry settled while
	// the process was down; the subscribe snapshot carries the outcome.
	for _, row := range rowsByContract {
		c := core.Contract{
			ContractID:    row.Trade.ContractID,
			AccountID:     rec.AccountID,
			Symbol:        row.Trade.Symbol,
			Direction:     row.Trade.Direction,
			Stake:         row.Trade.Stake,
			BuyPrice:      row.Trade.BuyPrice,
			Payout:        row.Trade.Payout,
			OpenedAt:      row.CreatedAt,
			BotRunID:      row.Trade.BotRunID,
			CorrelationID: row.CorrelationID,
		}
		if e.track(rec.AccountID, c, "", true) {
			r.subscribeTracked(ctx, rec.AccountID, row.Trade.ContractID)
		}
	}

	e.persistOpenContracts(ctx, rec.AccountID)
	res.tracked = len(e.OpenContracts(rec.AccountID))
	return res
}

func (r *Reconciler) subscribeTracked(ctx context.Context, accountID string, contractID int64) {
	subID, snapshot := r.engine.subscribeContract(ctx, accountID, contractID)
	if subID != "" {
		r.engine.setSubID(accountID, contractID, subID)
	}
	if snapshot != nil && snapshot.Sold() {
		r.engine.settleContract(accountID, contractID, snapshot)
	}
}

// replayLedger resolves non-terminal rows left by a previous process. Rows
// whose payload already carries a settlement apply it; pending rows that
// never reached a buy ack are failed; the rest are returned for portfolio
// matching.
func (r *Reconciler) replayLedger(ctx context.Context, accountID string) (int, []*core.LedgerRow, error) {
	rows, err := r.engine.store.List(ctx, core.NSLedger, accountID+"/")
	if err != nil {
		return 0, nil, core.WrapError(core.KindPersistence, err, "list execution ledger")
	}

	replayed := 0
	var open []*core.LedgerRow
	for _, raw := range rows {
		state := core.LedgerState(raw.State)
		if state == core.LedgerSettled || state == core.LedgerFailed {
			continue
		}
		var row core.LedgerRow
		if err := json.Unmarshal(raw.Value, &row); err != nil {
			r.logger.Warn("Skipping undecodable ledger row", "account", accountID, "key", raw.Key, "error", err)
			continue
		}
		// The store's state column is authoritative over the payload copy.
		row.State = state

		switch {
		case row.Trade.HasProfit:
			if r.engine.applyRecoveredSettlement(ctx, &row) {
				replayed++
			}
		case row.Trade.ContractID == 0:
			if r.engine.failAbandoned(ctx, &row) {
				r.logger.Info("Abandoned order intent failed",
					"account", accountID, "correlation_id", row.CorrelationID)
			}
		default:
			open = append(open, &row)
		}
	}
	return replayed, open, nil
}

// fetchPortfolio asks upstream for the account's open contracts, retrying
// transient failures.
func (r *Reconciler) fetchPortfolio(ctx context.Context, accountID string) (*protocol.PortfolioPayload, error) {
	resp, err := r.portfolioRetry.Get(func() (*protocol.Message, error) {
		resp, err := r.engine.sessions.SendRequest(ctx, accountID, protocol.Portfolio(), r.portfolioTimeout)
		if err != nil {
			return nil, err
		}
		if resp.Err != nil {
			return nil, mapUpstreamError(resp.Err, "portfolio")
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}
	portfolio, err := resp.DecodePortfolio()
	if err != nil {
		return nil, core.WrapError(core.KindUpstreamFatal, err, "malformed portfolio response")
	}
	return portfolio, nil
}

func directionFromContractType(contractType string) core.Direction {
	if strings.EqualFold(contractType, string(core.DirectionPut)) {
		return core.DirectionPut
	}
	return core.DirectionCall
}
