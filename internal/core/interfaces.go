// Package core defines the domain types and component interfaces of the
// trading runtime.
package core

import (
	"context"
	"time"

	"option_trader/internal/protocol"
	"option_trader/pkg/ringbuf"

	"github.com/shopspring/decimal"
)

// TickWindow is a zero-copy view over the most recent ticks of a
// subscription, oldest first.
type TickWindow = ringbuf.Window[Tick]

// TickListener receives live ticks in strict epoch order.
type TickListener func(t *Tick)

// StreamingHandler receives unsolicited inbound frames for an account.
type StreamingHandler func(msg *protocol.Message)

// ConnectionReadyHandler fires when a session becomes authorized.
type ConnectionReadyHandler func(isReconnect bool)

// KillSwitchListener receives kill-switch transitions in trigger order.
type KillSwitchListener func(ev KillSwitchEvent)

// RunListener receives bot-run status transitions.
type RunListener func(ev RunEvent)

// SettlementListener receives settled contracts.
type SettlementListener func(s *Settlement)

// ILogger defines the interface for logging.
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}

// OnConflict selects upsert behavior when the key already exists.
type OnConflict int

const (
	OnConflictReplace OnConflict = iota
	OnConflictIgnore
)

// StoreRow is one record returned by IStore.List.
type StoreRow struct {
	Key   string
	State string
	Value []byte
}

// Store namespaces used by the runtime.
const (
	NSSettings    = "settings"
	NSSessions    = "sessions"
	NSTrades      = "trades"
	NSOrderStatus = "order_status"
	NSBotRuns     = "bot_runs"
	NSLedger      = "execution_ledger"
)

// Setting names within the settings namespace.
const (
	SettingRiskState       = "risk_state"
	SettingBalanceSnapshot = "balance_snapshot"
	SettingOpenContracts   = "open_contracts"
	SettingKillSwitch      = "kill_switch"
)

// SettingsKey builds the composite settings key for an account.
func SettingsKey(accountID, name string) string {
	return accountID + "/" + name
}

// IStore is the durable key/value and row store. Writes are ordered per key;
// values must be idempotent payloads since delivery is at-least-once.
type IStore interface {
	Get(ctx context.Context, ns, key string) ([]byte, error)
	Upsert(ctx context.Context, ns, key string, value []byte, onConflict OnConflict) error
	Append(ctx context.Context, ns, key string, value []byte, state string) error
	List(ctx context.Context, ns, keyPrefix string) ([]StoreRow, error)
	// UpdateState atomically moves a row between states, replacing its value.
	// It returns false when the row is absent or in none of the from states.
	UpdateState(ctx context.Context, ns, key string, value []byte, to string, from ...string) (bool, error)
	Close() error
}

// ISessionManager owns one authorized upstream connection per account.
type ISessionManager interface {
	GetOrCreate(ctx context.Context, token, accountID string) (*SessionInfo, error)
	SendRequest(ctx context.Context, accountID string, req protocol.Request, deadline time.Duration) (*protocol.Message, error)
	SendFireAndForget(accountID string, req protocol.Request) error
	RegisterStreamingListener(accountID string, fn StreamingHandler)
	RegisterConnectionReadyListener(accountID string, fn ConnectionReadyHandler)
	Close(accountID string) error
	CloseAll()
}

// ITickStream manages per-(account,symbol) tick subscriptions.
type ITickStream interface {
	Subscribe(ctx context.Context, accountID, token, symbol string, fn TickListener) (int64, error)
	Unsubscribe(accountID, symbol string, listenerID int64) error
	WindowView(accountID, symbol string, n int) (TickWindow, bool)
	LastTick(accountID, symbol string) (*Tick, bool)
}

// IMarketData derives market features per (account, symbol).
type IMarketData interface {
	EnsureSymbol(ctx context.Context, accountID, token, symbol string) error
	Release(accountID, symbol string)
	Snapshot(accountID, symbol string) (*FeatureSnapshot, bool)
}

// IStrategy evaluates a tick window into an optional trade signal.
// Implementations are pure over their inputs and perform no I/O.
type IStrategy interface {
	ID() string
	RequiredTicks() int
	Evaluate(ctx context.Context, window TickWindow, features *FeatureSnapshot) (*Signal, error)
}

// IStrategyRunner drives bot runs over tick streams.
type IStrategyRunner interface {
	Start(ctx context.Context, run *BotRun) error
	Pause(accountID, runID, reason string) error
	Resume(accountID, runID string) error
	Stop(accountID, runID string) error
	Get(runID string) (*BotRun, bool)
	AddRunListener(fn RunListener)
}

// IRiskCache maintains per-account rolling risk aggregates.
type IRiskCache interface {
	Get(accountID string) *RiskEntry
	Hydrate(ctx context.Context, accountID string) error
	Warm(accountID string, balanceHint decimal.Decimal)
	RecordTradeOpened(accountID string, stake decimal.Decimal, maxConcurrent int) (bool, string)
	RecordTradeSettled(accountID string, stake, profit decimal.Decimal, skipExposure bool)
	RecordTradeFailedAttempt(accountID string, stake decimal.Decimal)
	SetOpenTradeState(accountID string, count int, exposure decimal.Decimal)
	UpdateEquity(accountID string, equity decimal.Decimal)
	Evaluate(accountID string, limits EvaluateLimits) GateDecision
	Flush(ctx context.Context)
}

// IRiskManager owns the kill-switch state machine, the rolling event
// counters, and the account-level pre-trade gate.
type IRiskManager interface {
	IsActive(accountID string) bool
	ActiveState(accountID string) (KillSwitchState, bool)
	Trigger(accountID, reason string)
	TriggerManual(accountID, reason string)
	Clear(accountID string) error
	CheckOrder(accountID string, stake decimal.Decimal, limits OrderLimits) error
	RecordOrder(accountID string)
	RecordCancel(accountID string)
	RecordReject(accountID string)
	RecordReconnect(accountID string)
	RecordSlippageReject(accountID string)
	ObserveAckLatency(ms float64)
	NoteSessionFailure(accountID string, err error)
	AddListener(fn KillSwitchListener)
	Restore(ctx context.Context) error
	Start(ctx context.Context) error
	Stop() error
	CheckHealth() error
}

// IExecutionEngine places contracts with exactly-once semantics.
type IExecutionEngine interface {
	Execute(ctx context.Context, signal *Signal, params *TradeParams, auth ExecuteAuth, limits OrderLimits, trace *LatencyTrace) (*ExecutionResult, error)
	OpenContracts(accountID string) []*Contract
	AddSettlementListener(fn SettlementListener)
}

// IReconciler recovers durable state after restart and keeps open
// contracts subscribed.
type IReconciler interface {
	Start(ctx context.Context) error
	Stop() error
	Reconcile(ctx context.Context) error
	GetStatus() *ReconcileStatus
}

// ReconcileStatus reports the last reconcile pass.
type ReconcileStatus struct {
	LastRun          time.Time
	AccountsChecked  int
	ContractsTracked int
	LedgerReplayed   int
	Errors           []string
}

// IHealthMonitor aggregates component health checks.
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// IAlertNotifier delivers operational alerts. Implementations must not
// block the caller.
type IAlertNotifier interface {
	Notify(ctx context.Context, event string, fields map[string]interface{})
}
