// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App         AppConfig         `yaml:"app"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Accounts    []AccountConfig   `yaml:"accounts"`
	Bots        []BotConfig       `yaml:"bots"`
	Session     SessionConfig     `yaml:"session"`
	Stream      StreamConfig      `yaml:"stream"`
	Runner      RunnerConfig      `yaml:"runner"`
	Risk        RiskConfig        `yaml:"risk"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Store       StoreConfig       `yaml:"store"`
	System      SystemConfig      `yaml:"system"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Alert       AlertConfig       `yaml:"alert"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Env string `yaml:"env"` // production or development
}

// UpstreamConfig describes the broker WebSocket endpoint
type UpstreamConfig struct {
	URL   string `yaml:"url"`
	AppID string `yaml:"app_id"`
}

// AccountConfig is one trading account the runtime drives
type AccountConfig struct {
	ID       string `yaml:"id"`
	Token    Secret `yaml:"token"`
	Currency string `yaml:"currency"`
	Type     string `yaml:"type"` // real or demo
}

// BotConfig declares one strategy run started at boot
type BotConfig struct {
	Account     string             `yaml:"account"`
	Strategy    string             `yaml:"strategy"`
	Symbol      string             `yaml:"symbol"`
	Params      map[string]float64 `yaml:"params"`
	Stake       BotStakeConfig     `yaml:"stake"`
	Duration    BotDurationConfig  `yaml:"duration"`
	CooldownMS  int64              `yaml:"cooldown_ms"`
	Mode        string             `yaml:"mode"` // MARKET or HYBRID_LIMIT_MARKET
	SlippagePct float64            `yaml:"slippage_pct"`
	Limits      BotLimitsConfig    `yaml:"limits"`
	Tuning      BotTuningConfig    `yaml:"tuning"`
}

// BotStakeConfig bounds stake sizing for a run
type BotStakeConfig struct {
	Base float64 `yaml:"base"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
}

// BotDurationConfig is the contract duration requested per trade
type BotDurationConfig struct {
	Value int    `yaml:"value"`
	Unit  string `yaml:"unit"`
}

// BotLimitsConfig holds the per-run risk limits
type BotLimitsConfig struct {
	DailyLossLimitPct    float64 `yaml:"daily_loss_limit_pct"`
	DrawdownLimitPct     float64 `yaml:"drawdown_limit_pct"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
	LossCooldownMS       int64   `yaml:"loss_cooldown_ms"`
	MaxConcurrentTrades  int     `yaml:"max_concurrent_trades"`
	MaxStake             float64 `yaml:"max_stake"`
}

// BotTuningConfig holds per-run performance knobs; zero values fall back to
// the runner defaults
type BotTuningConfig struct {
	BatchSize           int     `yaml:"batch_size"`
	BatchIntervalMS     int64   `yaml:"batch_interval_ms"`
	BudgetMS            int64   `yaml:"budget_ms"`
	RequiredTicks       int     `yaml:"required_ticks"`
	VolatilityThreshold float64 `yaml:"volatility_threshold"`
	VolatilityWindow    int     `yaml:"volatility_window"`
}

// SessionConfig tunes the per-account upstream session
type SessionConfig struct {
	OutboundQueueSize  int   `yaml:"outbound_queue_size"`
	RequestTimeoutMS   int64 `yaml:"request_timeout_ms"`
	IdleThresholdMS    int64 `yaml:"idle_threshold_ms"`
	PongDeadlineMS     int64 `yaml:"pong_deadline_ms"`
	ReconnectBaseMS    int64 `yaml:"reconnect_base_ms"`
	ReconnectMaxMS     int64 `yaml:"reconnect_max_ms"`
	MaxInflightInbound int   `yaml:"max_inflight_inbound"`
}

// StreamConfig tunes tick subscriptions
type StreamConfig struct {
	TickBufferSize int `yaml:"tick_buffer_size"`
	HistoryCount   int `yaml:"history_count"`
	OrderBookDepth int `yaml:"order_book_depth"`
}

// RunnerConfig holds per-run defaults
type RunnerConfig struct {
	BatchSize       int   `yaml:"batch_size"`
	BatchIntervalMS int64 `yaml:"batch_interval_ms"`
	BudgetMS        int64 `yaml:"budget_ms"`
}

// RiskConfig tunes the kill-switch state machine, the rolling counters,
// and the account-level order limits
type RiskConfig struct {
	KillSwitchAutoClearMS int64   `yaml:"kill_switch_auto_clear_ms"`
	FailClosed            *bool   `yaml:"fail_closed"`
	RejectSpikeLimit      int     `yaml:"reject_spike_limit"`
	ReconnectStormLimit   int     `yaml:"reconnect_storm_limit"`
	SlippageSpikeLimit    int     `yaml:"slippage_spike_limit"`
	MaxCancelsPerSecond   int     `yaml:"max_cancels_per_second"`
	LatencyP99MS          float64 `yaml:"latency_p99_ms"`
	LatencyWindowMS       int64   `yaml:"latency_window_ms"`
	LatencyBreaches       int     `yaml:"latency_breaches"`
	SweepIntervalMS       int64   `yaml:"sweep_interval_ms"`

	MaxOrderSize       float64 `yaml:"max_order_size"`
	MaxNotional        float64 `yaml:"max_notional"`
	MaxExposure        float64 `yaml:"max_exposure"`
	MaxOrdersPerSecond int     `yaml:"max_orders_per_second"`
	MaxOrdersPerMinute int     `yaml:"max_orders_per_minute"`
}

// FailClosedEnabled resolves the fail-closed flag; the default is true in
// production and false elsewhere.
func (r *RiskConfig) FailClosedEnabled(env string) bool {
	if r.FailClosed != nil {
		return *r.FailClosed
	}
	return env == "production"
}

// ExecutionConfig tunes the order pipeline
type ExecutionConfig struct {
	IntentTTLMS       int64   `yaml:"intent_ttl_ms"`
	IntentMaxSize     int     `yaml:"intent_max_size"`
	ProposalTimeoutMS int64   `yaml:"proposal_timeout_ms"`
	BuyTimeoutMS      int64   `yaml:"buy_timeout_ms"`
	OrdersPerSecond   float64 `yaml:"orders_per_second"`
	OrderBurst        int     `yaml:"order_burst"`
}

// ReconcileConfig tunes startup recovery
type ReconcileConfig struct {
	PortfolioTimeoutMS int64 `yaml:"portfolio_timeout_ms"`
	IntervalMS         int64 `yaml:"interval_ms"`
}

// StoreConfig configures durable persistence
type StoreConfig struct {
	Path           string `yaml:"path"`
	QueueSize      int    `yaml:"queue_size"`
	DebounceMS     int64  `yaml:"debounce_ms"`
	RetryAttempts  int    `yaml:"retry_attempts"`
	TokenCipherKey Secret `yaml:"token_cipher_key"`
}

// SystemConfig contains system settings. AdminToken guards the local
// kill-switch admin endpoints; they stay disabled while it is empty.
type SystemConfig struct {
	LogLevel   string `yaml:"log_level"`
	AdminToken Secret `yaml:"admin_token"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	HealthPort    int  `yaml:"health_port"`
}

// AlertConfig configures the operational alert sink
type AlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	TimeoutMS  int64  `yaml:"timeout_ms"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	ReconcilePoolSize   int `yaml:"reconcile_pool_size"`
	ReconcilePoolBuffer int `yaml:"reconcile_pool_buffer"`
	StreamPoolSize      int `yaml:"stream_pool_size"`
	StreamPoolBuffer    int `yaml:"stream_pool_buffer"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable
// expansion, then applies the core env toggles on top.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	config := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expandedData), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// ApplyEnvOverrides applies the environment toggles recognized by the core.
func (c *Config) ApplyEnvOverrides() {
	overrideInt64(&c.Risk.KillSwitchAutoClearMS, "KILL_SWITCH_AUTO_CLEAR_MS")
	if v, ok := lookupBool("KILL_SWITCH_FAIL_CLOSED"); ok {
		c.Risk.FailClosed = &v
	}
	overrideInt(&c.Risk.RejectSpikeLimit, "REJECT_SPIKE_LIMIT")
	overrideInt(&c.Risk.ReconnectStormLimit, "RECONNECT_STORM_LIMIT")
	overrideInt(&c.Risk.SlippageSpikeLimit, "SLIPPAGE_SPIKE_LIMIT")
	overrideInt(&c.Risk.MaxCancelsPerSecond, "DEFAULT_MAX_CANCELS_PER_SECOND")
	overrideFloat(&c.Risk.LatencyP99MS, "LATENCY_BLOWOUT_P99_MS")
	overrideInt64(&c.Risk.LatencyWindowMS, "LATENCY_BLOWOUT_WINDOW_MS")
	overrideInt(&c.Risk.LatencyBreaches, "LATENCY_BLOWOUT_BREACHES")
	overrideInt64(&c.Reconcile.PortfolioTimeoutMS, "RECONCILE_PORTFOLIO_TIMEOUT_MS")
	overrideInt64(&c.Execution.IntentTTLMS, "ORDER_INTENT_TTL_MS")
	overrideInt(&c.Execution.IntentMaxSize, "ORDER_INTENT_MAX_SIZE")
	overrideInt(&c.Stream.TickBufferSize, "TICK_BUFFER_SIZE")
	overrideInt(&c.Stream.HistoryCount, "TICKS_HISTORY_COUNT")
	overrideInt64(&c.Runner.BudgetMS, "STRATEGY_BUDGET_MS")
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateApp(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateUpstream(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateAccounts(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateBots(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSession(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStream(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRisk(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateExecution(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStore(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateApp() error {
	validEnvs := []string{"production", "development", "test"}
	if !contains(validEnvs, c.App.Env) {
		return ValidationError{
			Field:   "app.env",
			Value:   c.App.Env,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validEnvs, ", ")),
		}
	}
	return nil
}

func (c *Config) validateUpstream() error {
	if c.Upstream.URL == "" {
		return ValidationError{
			Field:   "upstream.url",
			Message: "upstream websocket URL is required",
		}
	}
	if !strings.HasPrefix(c.Upstream.URL, "ws://") && !strings.HasPrefix(c.Upstream.URL, "wss://") {
		return ValidationError{
			Field:   "upstream.url",
			Value:   c.Upstream.URL,
			Message: "must be a ws:// or wss:// URL",
		}
	}
	return nil
}

func (c *Config) validateAccounts() error {
	seen := make(map[string]bool)
	for i, acc := range c.Accounts {
		if acc.ID == "" {
			return ValidationError{
				Field:   fmt.Sprintf("accounts[%d].id", i),
				Message: "account id is required",
			}
		}
		if seen[acc.ID] {
			return ValidationError{
				Field:   fmt.Sprintf("accounts[%d].id", i),
				Value:   acc.ID,
				Message: "duplicate account id",
			}
		}
		seen[acc.ID] = true
		if acc.Token == "" {
			return ValidationError{
				Field:   fmt.Sprintf("accounts[%d].token", i),
				Message: "account token is required",
			}
		}
		if acc.Type != "" && acc.Type != "real" && acc.Type != "demo" {
			return ValidationError{
				Field:   fmt.Sprintf("accounts[%d].type", i),
				Value:   acc.Type,
				Message: "must be real or demo",
			}
		}
	}
	return nil
}

func (c *Config) validateBots() error {
	accounts := make(map[string]bool, len(c.Accounts))
	for _, acc := range c.Accounts {
		accounts[acc.ID] = true
	}
	seen := make(map[string]bool)
	for i, bot := range c.Bots {
		if !accounts[bot.Account] {
			return ValidationError{
				Field:   fmt.Sprintf("bots[%d].account", i),
				Value:   bot.Account,
				Message: "must reference a declared account",
			}
		}
		if seen[bot.Account] {
			return ValidationError{
				Field:   fmt.Sprintf("bots[%d].account", i),
				Value:   bot.Account,
				Message: "one running bot per account",
			}
		}
		seen[bot.Account] = true
		if bot.Strategy == "" {
			return ValidationError{
				Field:   fmt.Sprintf("bots[%d].strategy", i),
				Message: "strategy id is required",
			}
		}
		if bot.Symbol == "" {
			return ValidationError{
				Field:   fmt.Sprintf("bots[%d].symbol", i),
				Message: "symbol is required",
			}
		}
		if bot.Stake.Base <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("bots[%d].stake.base", i),
				Value:   bot.Stake.Base,
				Message: "must be positive",
			}
		}
		if bot.Duration.Value <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("bots[%d].duration.value", i),
				Value:   bot.Duration.Value,
				Message: "must be positive",
			}
		}
		if bot.Mode != "" && bot.Mode != "MARKET" && bot.Mode != "HYBRID_LIMIT_MARKET" {
			return ValidationError{
				Field:   fmt.Sprintf("bots[%d].mode", i),
				Value:   bot.Mode,
				Message: "must be MARKET or HYBRID_LIMIT_MARKET",
			}
		}
	}
	return nil
}

func (c *Config) validateSession() error {
	if c.Session.OutboundQueueSize < 1 {
		return ValidationError{
			Field:   "session.outbound_queue_size",
			Value:   c.Session.OutboundQueueSize,
			Message: "must be at least 1",
		}
	}
	if c.Session.PongDeadlineMS >= c.Session.IdleThresholdMS {
		return ValidationError{
			Field:   "session.pong_deadline_ms",
			Value:   c.Session.PongDeadlineMS,
			Message: "must be below session.idle_threshold_ms",
		}
	}
	return nil
}

func (c *Config) validateStream() error {
	if c.Stream.TickBufferSize < 2 {
		return ValidationError{
			Field:   "stream.tick_buffer_size",
			Value:   c.Stream.TickBufferSize,
			Message: "must be at least 2",
		}
	}
	if c.Stream.HistoryCount < 0 || c.Stream.HistoryCount > c.Stream.TickBufferSize {
		return ValidationError{
			Field:   "stream.history_count",
			Value:   c.Stream.HistoryCount,
			Message: "must be between 0 and stream.tick_buffer_size",
		}
	}
	return nil
}

func (c *Config) validateRisk() error {
	if c.Risk.KillSwitchAutoClearMS <= 0 {
		return ValidationError{
			Field:   "risk.kill_switch_auto_clear_ms",
			Value:   c.Risk.KillSwitchAutoClearMS,
			Message: "must be positive",
		}
	}
	if c.Risk.LatencyBreaches < 1 {
		return ValidationError{
			Field:   "risk.latency_breaches",
			Value:   c.Risk.LatencyBreaches,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateExecution() error {
	if c.Execution.IntentMaxSize < 1 {
		return ValidationError{
			Field:   "execution.intent_max_size",
			Value:   c.Execution.IntentMaxSize,
			Message: "must be at least 1",
		}
	}
	if c.Execution.OrdersPerSecond <= 0 {
		return ValidationError{
			Field:   "execution.orders_per_second",
			Value:   c.Execution.OrdersPerSecond,
			Message: "must be positive",
		}
	}
	return nil
}

func (c *Config) validateStore() error {
	if c.Store.Path == "" {
		return ValidationError{
			Field:   "store.path",
			Message: "store path is required",
		}
	}
	if key := string(c.Store.TokenCipherKey); key != "" && len(key) != 32 {
		return ValidationError{
			Field:   "store.token_cipher_key",
			Message: "must be exactly 32 bytes when set",
		}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns the configuration with sensitive data masked.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":")
		value := os.Getenv(name)
		if value == "" && hasDefault {
			return def
		}
		return value
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func overrideInt(dst *int, key string) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func overrideInt64(dst *int64, key string) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			*dst = v
		}
	}
}

func overrideFloat(dst *float64, key string) {
	if raw := os.Getenv(key); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			*dst = v
		}
	}
}

func lookupBool(key string) (bool, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}

// DefaultConfig returns the baseline configuration.
func DefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env: "development",
		},
		Upstream: UpstreamConfig{
			URL: "wss://ws.binaryws.com/websockets/v3",
		},
		Session: SessionConfig{
			OutboundQueueSize:  256,
			RequestTimeoutMS:   10000,
			IdleThresholdMS:    30000,
			PongDeadlineMS:     10000,
			ReconnectBaseMS:    500,
			ReconnectMaxMS:     30000,
			MaxInflightInbound: 512,
		},
		Stream: StreamConfig{
			TickBufferSize: 100,
			HistoryCount:   50,
			OrderBookDepth: 10,
		},
		Runner: RunnerConfig{
			BatchSize:       1,
			BatchIntervalMS: 0,
			BudgetMS:        50,
		},
		Risk: RiskConfig{
			KillSwitchAutoClearMS: 300000,
			RejectSpikeLimit:      10,
			ReconnectStormLimit:   5,
			SlippageSpikeLimit:    10,
			MaxCancelsPerSecond:   5,
			LatencyP99MS:          2000,
			LatencyWindowMS:       10000,
			LatencyBreaches:       3,
			SweepIntervalMS:       5000,
			MaxOrderSize:          100,
			MaxNotional:           1000,
			MaxExposure:           500,
			MaxOrdersPerSecond:    3,
			MaxOrdersPerMinute:    30,
		},
		Execution: ExecutionConfig{
			IntentTTLMS:       300000,
			IntentMaxSize:     10000,
			ProposalTimeoutMS: 5000,
			BuyTimeoutMS:      5000,
			OrdersPerSecond:   5,
			OrderBurst:        10,
		},
		Reconcile: ReconcileConfig{
			PortfolioTimeoutMS: 10000,
			IntervalMS:         60000,
		},
		Store: StoreConfig{
			Path:          "option_trader.db",
			QueueSize:     1024,
			DebounceMS:    1000,
			RetryAttempts: 3,
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
			HealthPort:    50052,
		},
		Alert: AlertConfig{
			TimeoutMS: 3000,
		},
		Concurrency: ConcurrencyConfig{
			ReconcilePoolSize:   8,
			ReconcilePoolBuffer: 64,
			StreamPoolSize:      8,
			StreamPoolBuffer:    64,
		},
	}
}
