// Package risk holds the per-account risk aggregates, the kill-switch state
// machine, and the pre-trade gate built on top of them.
package risk

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"option_trader/internal/core"
	apperrors "option_trader/pkg/errors"
	"option_trader/pkg/telemetry"
)

const (
	defaultDebounce = time.Second
	// Entries nobody has touched for this long are discarded; the next
	// evaluation fails closed until the account is hydrated again.
	entryTTL = 24 * time.Hour

	dayKeyLayout = "2006-01-02"
)

// accountShard is one account's risk entry behind its own mutex, so
// settlement bursts on one account never contend with another.
type accountShard struct {
	mu    sync.Mutex
	entry *core.RiskEntry
	dirty bool
}

// RiskCache implements core.IRiskCache. Mutations mark the shard dirty; a
// debounced flusher snapshots dirty entries onto the persistence queue.
type RiskCache struct {
	store  core.IStore
	logger core.ILogger

	mu     sync.RWMutex
	shards map[string]*accountShard

	debounce time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	now func() time.Time
}

// NewRiskCache creates the cache and starts its debounced flusher.
func NewRiskCache(store core.IStore, debounceMS int64, logger core.ILogger) *RiskCache {
	debounce := time.Duration(debounceMS) * time.Millisecond
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	c := &RiskCache{
		store:    store,
		logger:   logger.WithField("component", "risk_cache"),
		shards:   make(map[string]*accountShard),
		debounce: debounce,
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}
	c.wg.Add(1)
	go c.flushLoop()
	return c
}

// Stop halts the flusher after a final flush of dirty entries.
func (c *RiskCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()
}

func (c *RiskCache) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.debounce)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			c.Flush(context.Background())
			return
		case <-ticker.C:
			c.Flush(context.Background())
		}
	}
}

// Flush enqueues a snapshot of every dirty entry onto the persistence queue.
func (c *RiskCache) Flush(ctx context.Context) {
	c.mu.RLock()
	shards := make(map[string]*accountShard, len(c.shards))
	for id, s := range c.shards {
		shards[id] = s
	}
	c.mu.RUnlock()

	for accountID, s := range shards {
		s.mu.Lock()
		if !s.dirty || s.entry == nil {
			s.mu.Unlock()
			continue
		}
		snap := s.entry.Clone()
		s.dirty = false
		s.mu.Unlock()

		data, err := json.Marshal(snap)
		if err != nil {
			c.logger.Error("Risk entry snapshot failed", "account", accountID, "error", err)
			continue
		}
		key := core.SettingsKey(accountID, core.SettingRiskState)
		if err := c.store.Upsert(ctx, core.NSSettings, key, data, core.OnConflictReplace); err != nil {
			c.logger.Warn("Risk entry persist enqueue failed", "account", accountID, "error", err)
			s.mu.Lock()
			s.dirty = true
			s.mu.Unlock()
		}
	}
}

func (c *RiskCache) shard(accountID string) *accountShard {
	c.mu.RLock()
	s, ok := c.shards[accountID]
	c.mu.RUnlock()
	if ok {
		return s
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok = c.shards[accountID]; ok {
		return s
	}
	s = &accountShard{}
	c.shards[accountID] = s
	return s
}

// live applies day rollover and the entry TTL under the shard lock. A stale
// entry is dropped so callers fail closed until the account is re-hydrated.
func (c *RiskCache) live(s *accountShard, now time.Time) *core.RiskEntry {
	if s.entry == nil {
		return nil
	}
	if !s.entry.UpdatedAt.IsZero() && now.Sub(s.entry.UpdatedAt) > entryTTL {
		c.logger.Warn("Risk entry expired", "account", s.entry.AccountID, "updated_at", s.entry.UpdatedAt)
		s.entry = nil
		s.dirty = false
		return nil
	}
	c.rollover(s, now)
	return s.entry
}

// rollover resets the daily aggregates when the UTC date key changes.
// Equity peak and open positions carry over.
func (c *RiskCache) rollover(s *accountShard, now time.Time) {
	today := now.UTC().Format(dayKeyLayout)
	if s.entry.Date == today {
		return
	}
	c.logger.Info("Risk day rollover", "account", s.entry.AccountID, "from", s.entry.Date, "to", today)
	s.entry.Date = today
	s.entry.DailyStartEquity = s.entry.Equity
	s.entry.DailyPnL = decimal.Zero
	s.entry.TotalLossToday = decimal.Zero
	s.entry.TotalProfitToday = decimal.Zero
	s.entry.LossStreak = 0
	s.entry.ConsecutiveWins = 0
	s.dirty = true
}

func (c *RiskCache) newEntry(accountID string, now time.Time) *core.RiskEntry {
	return &core.RiskEntry{
		AccountID: accountID,
		Date:      now.UTC().Format(dayKeyLayout),
		UpdatedAt: now,
	}
}

// Get returns a copy of the account's entry, or nil when the account has
// never been hydrated or its entry expired.
func (c *RiskCache) Get(accountID string) *core.RiskEntry {
	s := c.shard(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := c.live(s, c.now())
	if e == nil {
		return nil
	}
	return e.Clone()
}

// Hydrate loads the persisted entry. A missing row is not an error; the
// caller warms the account from a balance hint instead.
func (c *RiskCache) Hydrate(ctx context.Context, accountID string) error {
	key := core.SettingsKey(accountID, core.SettingRiskState)
	data, err := c.store.Get(ctx, core.NSSettings, key)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return core.WrapError(core.KindPersistence, err, "risk state load failed")
	}
	var entry core.RiskEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return core.WrapError(core.KindPersistence, err, "risk state decode failed")
	}
	entry.AccountID = accountID
	// the TTL measures runtime staleness, not how long the process was down
	entry.UpdatedAt = c.now()

	s := c.shard(accountID)
	s.mu.Lock()
	s.entry = &entry
	c.rollover(s, c.now())
	s.mu.Unlock()

	c.logger.Info("Hydrated risk entry",
		"account", accountID,
		"equity", entry.Equity,
		"open_trades", entry.OpenTradeCount,
		"loss_streak", entry.LossStreak)
	return nil
}

// Warm initializes a fresh entry from a balance hint. An existing entry
// only has its equity refreshed.
func (c *RiskCache) Warm(accountID string, balanceHint decimal.Decimal) {
	now := c.now()
	s := c.shard(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := c.live(s, now); e != nil {
		c.applyEquity(s, balanceHint, now)
		return
	}
	e := c.newEntry(accountID, now)
	e.Equity = balanceHint
	e.EquityPeak = balanceHint
	e.DailyStartEquity = balanceHint
	s.entry = e
	s.dirty = true
	c.logger.Info("Warmed risk entry", "account", accountID, "equity", balanceHint)
}

// RecordTradeOpened reserves capacity for one order. It fails closed on a
// missing entry and enforces the concurrent-trade cap.
func (c *RiskCache) RecordTradeOpened(accountID string, stake decimal.Decimal, maxConcurrent int) (bool, string) {
	now := c.now()
	s := c.shard(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := c.live(s, now)
	if e == nil {
		return false, "uninitialized"
	}
	if maxConcurrent > 0 && e.OpenTradeCount >= maxConcurrent {
		return false, core.ReasonMaxConcurrent
	}
	e.OpenTradeCount++
	e.OpenExposure = e.OpenExposure.Add(stake)
	e.LastTradeTime = now
	e.UpdatedAt = now
	s.dirty = true
	return true, ""
}

// RecordTradeFailedAttempt undoes the reservation made by RecordTradeOpened.
func (c *RiskCache) RecordTradeFailedAttempt(accountID string, stake decimal.Decimal) {
	now := c.now()
	s := c.shard(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := c.live(s, now)
	if e == nil {
		return
	}
	if e.OpenTradeCount > 0 {
		e.OpenTradeCount--
	}
	e.OpenExposure = e.OpenExposure.Sub(stake)
	if e.OpenExposure.IsNegative() {
		e.OpenExposure = decimal.Zero
	}
	e.UpdatedAt = now
	s.dirty = true
}

// RecordTradeSettled folds a settlement into the daily aggregates. Callers
// replaying recovered settlements pass skipExposure when the open-state
// reservation no longer exists.
func (c *RiskCache) RecordTradeSettled(accountID string, stake, profit decimal.Decimal, skipExposure bool) {
	now := c.now()
	s := c.shard(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := c.live(s, now)
	if e == nil {
		c.logger.Warn("Risk entry missing on settle, creating", "account", accountID)
		e = c.newEntry(accountID, now)
		s.entry = e
	}
	if !skipExposure {
		if e.OpenTradeCount > 0 {
			e.OpenTradeCount--
		}
		e.OpenExposure = e.OpenExposure.Sub(stake)
		if e.OpenExposure.IsNegative() {
			e.OpenExposure = decimal.Zero
		}
	}
	e.DailyPnL = e.DailyPnL.Add(profit)
	e.Equity = e.Equity.Add(profit)
	if profit.IsNegative() {
		e.TotalLossToday = e.TotalLossToday.Add(profit.Abs())
		e.LossStreak++
		e.ConsecutiveWins = 0
		e.LastLossTime = now
	} else {
		e.TotalProfitToday = e.TotalProfitToday.Add(profit)
		e.ConsecutiveWins++
		e.LossStreak = 0
	}
	if e.Equity.GreaterThan(e.EquityPeak) {
		e.EquityPeak = e.Equity
	}
	e.UpdatedAt = now
	s.dirty = true

	pnl, _ := profit.Float64()
	telemetry.GetGlobalMetrics().PnLRealizedTotal.Add(context.Background(), pnl,
		metric.WithAttributes(attribute.String("account", accountID)))
}

// SetOpenTradeState overwrites the open-position aggregate. The reconciler
// uses it after rebuilding state from the upstream portfolio.
func (c *RiskCache) SetOpenTradeState(accountID string, count int, exposure decimal.Decimal) {
	now := c.now()
	s := c.shard(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e := c.live(s, now)
	if e == nil {
		e = c.newEntry(accountID, now)
		s.entry = e
	}
	if count < 0 {
		count = 0
	}
	if exposure.IsNegative() {
		exposure = decimal.Zero
	}
	e.OpenTradeCount = count
	e.OpenExposure = exposure
	e.UpdatedAt = now
	s.dirty = true
}

// UpdateEquity applies an authoritative balance reading.
func (c *RiskCache) UpdateEquity(accountID string, equity decimal.Decimal) {
	now := c.now()
	s := c.shard(accountID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := c.live(s, now); e == nil {
		e = c.newEntry(accountID, now)
		e.Equity = equity
		e.EquityPeak = equity
		e.DailyStartEquity = equity
		s.entry = e
		s.dirty = true
		return
	}
	c.applyEquity(s, equity, now)
}

func (c *RiskCache) applyEquity(s *accountShard, equity decimal.Decimal, now time.Time) {
	e := s.entry
	e.Equity = equity
	if e.DailyStartEquity.IsZero() {
		e.DailyStartEquity = equity
	}
	if e.Equity.GreaterThan(e.EquityPeak) {
		e.EquityPeak = e.Equity
	}
	e.UpdatedAt = now
	s.dirty = true
}

// Evaluate runs the ordered pre-trade checks. It fails closed when the
// account has no live entry.
func (c *RiskCache) Evaluate(accountID string, limits core.EvaluateLimits) core.GateDecision {
	now := c.now()
	s := c.shard(accountID)
	s.mu.Lock()
	e := c.live(s, now)
	if e == nil {
		s.mu.Unlock()
		return c.deny(accountID, core.GateDecision{Status: core.GateHalt, Reason: "uninitialized"})
	}
	snap := *e
	s.mu.Unlock()

	if limits.MaxConcurrentTrades > 0 && snap.OpenTradeCount >= limits.MaxConcurrentTrades {
		return c.deny(accountID, core.GateDecision{Status: core.GateMaxConcurrent, Reason: core.ReasonMaxConcurrent})
	}

	if limits.MaxConsecutiveLosses > 0 && snap.LossStreak >= limits.MaxConsecutiveLosses {
		if limits.LossCooldownMS <= 0 {
			return c.deny(accountID, core.GateDecision{Status: core.GateHalt, Reason: core.ReasonLossStreak})
		}
		elapsed := now.Sub(snap.LastLossTime)
		window := time.Duration(limits.LossCooldownMS) * time.Millisecond
		if snap.LastLossTime.IsZero() || elapsed < window {
			remaining := (window - elapsed).Milliseconds()
			if remaining < 0 {
				remaining = 0
			}
			return c.deny(accountID, core.GateDecision{Status: core.GateCooldown, Reason: core.ReasonLossStreak, CooldownMS: remaining})
		}
	}

	if limits.CooldownMS > 0 && !snap.LastTradeTime.IsZero() {
		elapsed := now.Sub(snap.LastTradeTime)
		window := time.Duration(limits.CooldownMS) * time.Millisecond
		if elapsed < window {
			return c.deny(accountID, core.GateDecision{Status: core.GateCooldown, Reason: core.ReasonTradeCooldown, CooldownMS: (window - elapsed).Milliseconds()})
		}
	}

	if limits.DailyLossLimitPct > 0 && snap.DailyStartEquity.IsPositive() {
		lossPct, _ := snap.DailyPnL.Neg().Div(snap.DailyStartEquity).Mul(decimal.NewFromInt(100)).Float64()
		if lossPct > limits.DailyLossLimitPct {
			return c.deny(accountID, core.GateDecision{Status: core.GateHalt, Reason: core.ReasonDailyLoss})
		}
	}

	if limits.DrawdownLimitPct > 0 && snap.EquityPeak.IsPositive() {
		ddPct, _ := snap.EquityPeak.Sub(snap.Equity).Div(snap.EquityPeak).Mul(decimal.NewFromInt(100)).Float64()
		if ddPct > limits.DrawdownLimitPct {
			return c.deny(accountID, core.GateDecision{Status: core.GateHalt, Reason: core.ReasonDrawdown})
		}
	}

	if limits.MaxStake.IsPositive() && limits.ProposedStake.GreaterThan(limits.MaxStake) {
		return core.GateDecision{Status: core.GateReduceStake, Reason: core.ReasonStakeLimit, AdjustedStake: limits.MaxStake}
	}

	return core.GateDecision{Status: core.GateOK}
}

func (c *RiskCache) deny(accountID string, d core.GateDecision) core.GateDecision {
	telemetry.GetGlobalMetrics().GateDenialsTotal.Add(context.Background(), 1,
		metric.WithAttributes(
			attribute.String("account", accountID),
			attribute.String("reason", d.Reason),
		))
	c.logger.Debug("Risk gate denied", "account", accountID, "status", string(d.Status), "reason", d.Reason)
	return d
}
