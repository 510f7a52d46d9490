package strategy

import (
	"context"
	"fmt"

	"option_trader/internal/core"
)

// MomentumConfig tunes the EMA-cross momentum strategy.
type MomentumConfig struct {
	FastPeriod  int
	SlowPeriod  int
	MinMomentum float64
}

// Momentum signals in the direction of an EMA fast/slow cross confirmed by
// rate of change over the fast period. When a feature snapshot carries its
// own momentum estimate, a conflicting sign suppresses the signal.
type Momentum struct {
	cfg MomentumConfig
}

// NewMomentum builds the strategy from per-run params: fast_period,
// slow_period, min_momentum.
func NewMomentum(params map[string]float64) core.IStrategy {
	cfg := MomentumConfig{
		FastPeriod:  paramInt(params, "fast_period", 5, 1),
		SlowPeriod:  paramInt(params, "slow_period", 12, 2),
		MinMomentum: paramFloat(params, "min_momentum", 0.0002),
	}
	if cfg.FastPeriod >= cfg.SlowPeriod {
		cfg.SlowPeriod = cfg.FastPeriod + 1
	}
	return &Momentum{cfg: cfg}
}

func (s *Momentum) ID() string { return "momentum" }

func (s *Momentum) RequiredTicks() int { return s.cfg.SlowPeriod + 1 }

func (s *Momentum) Evaluate(ctx context.Context, window core.TickWindow, features *core.FeatureSnapshot) (*core.Signal, error) {
	if window.Len() < s.RequiredTicks() {
		return nil, nil
	}
	vals := quotes(window)
	fast := EMA(vals, s.cfg.FastPeriod)
	slow := EMA(vals, s.cfg.SlowPeriod)
	roc := ROC(vals, s.cfg.FastPeriod)

	var dir core.Direction
	switch {
	case fast > slow && roc > s.cfg.MinMomentum:
		dir = core.DirectionCall
	case fast < slow && roc < -s.cfg.MinMomentum:
		dir = core.DirectionPut
	default:
		return nil, nil
	}

	if features != nil && features.Momentum != 0 {
		if (dir == core.DirectionCall) != (features.Momentum > 0) {
			return nil, nil
		}
	}

	return &core.Signal{
		Direction:       dir,
		Confidence:      clamp01(abs(roc) / (s.cfg.MinMomentum * 4)),
		StakeMultiplier: 1.0,
		Reasons: []string{
			fmt.Sprintf("ema %.5f/%.5f", fast, slow),
			fmt.Sprintf("roc %.5f", roc),
		},
	}, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
