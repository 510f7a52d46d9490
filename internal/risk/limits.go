package risk

import (
	"github.com/shopspring/decimal"

	"option_trader/internal/config"
	"option_trader/internal/core"
)

// OrderLimitsFromConfig converts the configured account-level order limits
// into the decimal form the pre-trade gate consumes.
func OrderLimitsFromConfig(cfg config.RiskConfig) core.OrderLimits {
	return core.OrderLimits{
		MaxOrderSize:       decimal.NewFromFloat(cfg.MaxOrderSize),
		MaxNotional:        decimal.NewFromFloat(cfg.MaxNotional),
		MaxExposure:        decimal.NewFromFloat(cfg.MaxExposure),
		MaxOrdersPerSecond: cfg.MaxOrdersPerSecond,
		MaxOrdersPerMinute: cfg.MaxOrdersPerMinute,
	}
}
