package strategy

import (
	"context"
	"fmt"

	"option_trader/internal/core"
)

// MeanRevConfig tunes the z-score reversion strategy.
type MeanRevConfig struct {
	Period       int
	EntryZ       float64
	MaxSpreadPct float64
}

// MeanRev signals against excursions beyond the z-score entry band,
// expecting price to revert to its window mean. An optional spread guard
// stands down when the feature snapshot shows a spread too wide to trade.
type MeanRev struct {
	cfg MeanRevConfig
}

// NewMeanRev builds the strategy from per-run params: period, entry_z,
// max_spread_pct (0 disables the spread guard).
func NewMeanRev(params map[string]float64) core.IStrategy {
	return &MeanRev{cfg: MeanRevConfig{
		Period:       paramInt(params, "period", 20, 2),
		EntryZ:       paramFloat(params, "entry_z", 2.0),
		MaxSpreadPct: paramFloat(params, "max_spread_pct", 0),
	}}
}

func (s *MeanRev) ID() string { return "meanrev" }

func (s *MeanRev) RequiredTicks() int { return s.cfg.Period }

func (s *MeanRev) Evaluate(ctx context.Context, window core.TickWindow, features *core.FeatureSnapshot) (*core.Signal, error) {
	if window.Len() < s.cfg.Period {
		return nil, nil
	}
	if s.cfg.MaxSpreadPct > 0 && features != nil && features.Mid.IsPositive() {
		spreadPct, _ := features.Spread.Div(features.Mid).Float64()
		if spreadPct*100 > s.cfg.MaxSpreadPct {
			return nil, nil
		}
	}

	vals := quotes(window)
	vals = vals[len(vals)-s.cfg.Period:]
	mean, sd := MeanStdDev(vals)
	if sd == 0 {
		return nil, nil
	}
	z := (vals[len(vals)-1] - mean) / sd

	var dir core.Direction
	switch {
	case z >= s.cfg.EntryZ:
		dir = core.DirectionPut
	case z <= -s.cfg.EntryZ:
		dir = core.DirectionCall
	default:
		return nil, nil
	}

	return &core.Signal{
		Direction:       dir,
		Confidence:      clamp01(abs(z) / (s.cfg.EntryZ * 2)),
		StakeMultiplier: 1.0,
		Reasons:         []string{fmt.Sprintf("z %.3f mean %.5f sd %.5f", z, mean, sd)},
	}, nil
}
