package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountType distinguishes real-money and demo accounts.
type AccountType string

const (
	AccountTypeReal AccountType = "real"
	AccountTypeDemo AccountType = "demo"
)

// SessionInfo describes an authorized upstream session.
type SessionInfo struct {
	AccountID  string
	Authorized bool
	Type       AccountType
	Currency   string
	Balance    decimal.Decimal
}

// Tick is a single quote from the upstream feed. ReceivedAt is the monotonic
// receive stamp used for latency attribution; Wall is the wall-clock stamp.
type Tick struct {
	Symbol     string
	Quote      decimal.Decimal
	Epoch      int64
	ReceivedAt time.Time
	Wall       time.Time
}

// Direction is the side of a binary contract.
type Direction string

const (
	DirectionCall Direction = "CALL"
	DirectionPut  Direction = "PUT"
)

// Signal is the output of a strategy evaluation. A nil Signal means no trade.
type Signal struct {
	Direction       Direction
	Confidence      float64
	StakeMultiplier float64
	Reasons         []string
}

// MarketMode selects how market features are derived for a symbol.
type MarketMode string

const (
	MarketModeOrderBook MarketMode = "order_book"
	MarketModeSynthetic MarketMode = "synthetic"
)

// OrderBookLevel is one price level of a depth snapshot.
type OrderBookLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// FeatureSnapshot exposes derived market features to strategies. In synthetic
// mode Spread is a proxy from tick deltas and MicroPrice equals Mid.
type FeatureSnapshot struct {
	Mode       MarketMode
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
	Mid        decimal.Decimal
	Spread     decimal.Decimal
	MicroPrice decimal.Decimal
	Imbalance  float64
	Momentum   float64
	UpdatedAt  time.Time
}

// ExecutionMode selects how the proposal price is accepted.
type ExecutionMode string

const (
	ExecutionModeMarket            ExecutionMode = "MARKET"
	ExecutionModeHybridLimitMarket ExecutionMode = "HYBRID_LIMIT_MARKET"
)

// TradeParams carries everything Execute needs besides the signal.
type TradeParams struct {
	AccountID     string
	BotRunID      string
	Symbol        string
	Stake         decimal.Decimal
	Currency      string
	Duration      int
	DurationUnit  string
	CorrelationID string
	Mode          ExecutionMode
	TargetSpot    decimal.Decimal
	SlippagePct   decimal.Decimal
}

// ExecuteAuth identifies the account and token used for the upstream session.
type ExecuteAuth struct {
	AccountID string
	Token     string
}

// LatencyTrace carries the timestamps used for end-to-end latency attribution.
type LatencyTrace struct {
	TickReceivedAt time.Time
	SignalAt       time.Time
}

// ExecutionResult is the successful outcome of an Execute call.
type ExecutionResult struct {
	ContractID      int64
	BuyPrice        decimal.Decimal
	Payout          decimal.Decimal
	ExecutionTimeMS int64
}

// Contract is an open position tracked until settlement.
type Contract struct {
	ContractID    int64
	AccountID     string
	Symbol        string
	Direction     Direction
	Stake         decimal.Decimal
	Payout        decimal.Decimal
	BuyPrice      decimal.Decimal
	OpenedAt      time.Time
	BotRunID      string
	CorrelationID string
	LastMarkPrice decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// Settlement is the final state of a contract.
type Settlement struct {
	ContractID    int64
	AccountID     string
	Symbol        string
	CorrelationID string
	BotRunID      string
	Stake         decimal.Decimal
	Profit        decimal.Decimal
	SellPrice     decimal.Decimal
	SettledAt     time.Time
}

// RunStatus is the lifecycle state of a bot run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusPaused  RunStatus = "paused"
	RunStatusStopped RunStatus = "stopped"
)

// StakePolicy bounds the stake sizing of a run.
type StakePolicy struct {
	Base decimal.Decimal
	Min  decimal.Decimal
	Max  decimal.Decimal
}

// DurationPolicy is the contract duration requested on each trade.
type DurationPolicy struct {
	Value int
	Unit  string
}

// RunLimits are the per-run risk limits fed into the pre-trade evaluation.
type RunLimits struct {
	DailyLossLimitPct    float64
	DrawdownLimitPct     float64
	MaxConsecutiveLosses int
	LossCooldownMS       int64
	MaxConcurrentTrades  int
	MaxStake             decimal.Decimal
}

// RunTuning holds the performance knobs of a run.
type RunTuning struct {
	BatchSize           int
	BatchIntervalMS     int64
	BudgetMS            int64
	RequiredTicks       int
	VolatilityThreshold float64
	VolatilityWindow    int
}

// BotRun is a persistent strategy instance bound to one account and symbol.
type BotRun struct {
	ID             string
	AccountID      string
	StrategyID     string
	Symbol         string
	Params         map[string]float64
	Stake          StakePolicy
	Duration       DurationPolicy
	CooldownMS     int64
	Limits         RunLimits
	Tuning         RunTuning
	Mode           ExecutionMode
	SlippagePct    decimal.Decimal
	Status         RunStatus
	StartedAt      time.Time
	LastTradeAt    time.Time
	TradesExecuted int64
	TotalProfit    decimal.Decimal
}

// RiskEntry is the per-account rolling risk aggregate. Date is the UTC
// day key; crossing it resets the daily fields.
type RiskEntry struct {
	AccountID        string          `json:"accountId"`
	Date             string          `json:"date"`
	Equity           decimal.Decimal `json:"equity"`
	EquityPeak       decimal.Decimal `json:"equityPeak"`
	DailyStartEquity decimal.Decimal `json:"dailyStartEquity"`
	DailyPnL         decimal.Decimal `json:"dailyPnL"`
	TotalLossToday   decimal.Decimal `json:"totalLossToday"`
	TotalProfitToday decimal.Decimal `json:"totalProfitToday"`
	LossStreak       int             `json:"lossStreak"`
	ConsecutiveWins  int             `json:"consecutiveWins"`
	OpenExposure     decimal.Decimal `json:"openExposure"`
	OpenTradeCount   int             `json:"openTradeCount"`
	LastTradeTime    time.Time       `json:"lastTradeTime,omitempty"`
	LastLossTime     time.Time       `json:"lastLossTime,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// Clone returns a copy safe to hand outside the cache's lock.
func (e *RiskEntry) Clone() *RiskEntry {
	c := *e
	return &c
}

// Kill switch trigger reasons.
const (
	TriggerCancelRateSpike    = "CANCEL_RATE_SPIKE"
	TriggerRejectSpike        = "REJECT_SPIKE"
	TriggerSlippageSpike      = "SLIPPAGE_SPIKE"
	TriggerReconnectStorm     = "RECONNECT_STORM"
	TriggerLatencyBlowout     = "LATENCY_BLOWOUT"
	TriggerVolatilitySpike    = "VOLATILITY_SPIKE"
	TriggerStateUnknown       = "KILL_SWITCH_STATE_UNKNOWN"
	TriggerManualIntervention = "MANUAL"
)

// KillSwitchState is the persisted and in-memory switch state. An empty
// AccountID denotes the global switch.
type KillSwitchState struct {
	AccountID   string    `json:"accountId,omitempty"`
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	TriggeredAt time.Time `json:"triggeredAt,omitempty"`
	Manual      bool      `json:"manual,omitempty"`
	ClearedAt   time.Time `json:"clearedAt,omitempty"`
}

// KillSwitchEvent is emitted on every switch transition.
type KillSwitchEvent struct {
	AccountID string
	Active    bool
	Reason    string
	Manual    bool
	AutoClear bool
	At        time.Time
}

// RunEvent is emitted on bot-run status transitions.
type RunEvent struct {
	RunID     string
	AccountID string
	Status    RunStatus
	Reason    string
	At        time.Time
}

// IntentStatus is the lifecycle state of an order intent.
type IntentStatus string

const (
	IntentPending   IntentStatus = "pending"
	IntentFulfilled IntentStatus = "fulfilled"
	IntentFailed    IntentStatus = "failed"
)

// OrderIntent is the idempotency record for one execute call, keyed by
// (account_id, correlation_id).
type OrderIntent struct {
	AccountID     string
	CorrelationID string
	Symbol        string
	Status        IntentStatus
	CreatedAt     time.Time
	ContractID    int64
	BuyPrice      decimal.Decimal
	Payout        decimal.Decimal
	ErrMsg        string
}

// LedgerState is the recovery state of an execution-ledger row. A pending
// row predates the buy; in_flight rows carry a contract id awaiting
// settlement; settled and failed are terminal.
type LedgerState string

const (
	LedgerPending  LedgerState = "pending"
	LedgerInFlight LedgerState = "in_flight"
	LedgerSettled  LedgerState = "settled"
	LedgerFailed   LedgerState = "failed"
)

// TradePayload is the trade snapshot embedded in a ledger row. Profit is
// meaningful only once settlement information has been recorded.
type TradePayload struct {
	ContractID int64           `json:"contract_id,omitempty"`
	Symbol     string          `json:"symbol"`
	Stake      decimal.Decimal `json:"stake"`
	BuyPrice   decimal.Decimal `json:"buy_price,omitempty"`
	Payout     decimal.Decimal `json:"payout,omitempty"`
	Profit     decimal.Decimal `json:"profit,omitempty"`
	HasProfit  bool            `json:"has_profit,omitempty"`
	BotRunID   string          `json:"bot_run_id,omitempty"`
	Direction  Direction       `json:"direction,omitempty"`
}

// LedgerRow is one execution-ledger record.
type LedgerRow struct {
	CorrelationID string       `json:"correlation_id"`
	AccountID     string       `json:"account_id"`
	State         LedgerState  `json:"state"`
	Trade         TradePayload `json:"trade_payload"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// OrderLimits are the account-level bounds enforced by the pre-trade gate.
type OrderLimits struct {
	MaxOrderSize       decimal.Decimal
	MaxNotional        decimal.Decimal
	MaxExposure        decimal.Decimal
	MaxOrdersPerSecond int
	MaxOrdersPerMinute int
}

// GateStatus is the outcome class of a risk-cache evaluation.
type GateStatus string

const (
	GateOK            GateStatus = "OK"
	GateCooldown      GateStatus = "COOLDOWN"
	GateHalt          GateStatus = "HALT"
	GateReduceStake   GateStatus = "REDUCE_STAKE"
	GateMaxConcurrent GateStatus = "MAX_CONCURRENT"
)

// GateDecision is the result of RiskCache.Evaluate. AdjustedStake is set
// when Status is REDUCE_STAKE.
type GateDecision struct {
	Status        GateStatus
	Reason        string
	CooldownMS    int64
	AdjustedStake decimal.Decimal
}

// EvaluateLimits parameterizes one risk-cache evaluation.
type EvaluateLimits struct {
	ProposedStake        decimal.Decimal
	MaxStake             decimal.Decimal
	DailyLossLimitPct    float64
	DrawdownLimitPct     float64
	MaxConsecutiveLosses int
	CooldownMS           int64
	LossCooldownMS       int64
	MaxConcurrentTrades  int
}
