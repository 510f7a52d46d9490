package strategy

import (
	"context"
	"fmt"

	"option_trader/internal/core"
)

// FollowLineConfig tunes the confirmed-breakout strategy.
type FollowLineConfig struct {
	Lookback int
	Confirm  int
}

// FollowLine signals when the last confirm ticks all close beyond the range
// of the preceding lookback window. A strongly opposed order-flow imbalance
// suppresses the signal.
type FollowLine struct {
	cfg FollowLineConfig
}

// imbalanceVeto is the |imbalance| beyond which opposing flow blocks a
// breakout signal.
const imbalanceVeto = 0.5

// NewFollowLine builds the strategy from per-run params: lookback, confirm.
func NewFollowLine(params map[string]float64) core.IStrategy {
	return &FollowLine{cfg: FollowLineConfig{
		Lookback: paramInt(params, "lookback", 12, 2),
		Confirm:  paramInt(params, "confirm", 3, 1),
	}}
}

func (s *FollowLine) ID() string { return "followline" }

func (s *FollowLine) RequiredTicks() int { return s.cfg.Lookback + s.cfg.Confirm }

func (s *FollowLine) Evaluate(ctx context.Context, window core.TickWindow, features *core.FeatureSnapshot) (*core.Signal, error) {
	need := s.RequiredTicks()
	if window.Len() < need {
		return nil, nil
	}
	vals := quotes(window)
	vals = vals[len(vals)-need:]
	base := vals[:s.cfg.Lookback]
	tail := vals[s.cfg.Lookback:]

	high, low := base[0], base[0]
	for _, v := range base[1:] {
		if v > high {
			high = v
		}
		if v < low {
			low = v
		}
	}

	above, below := true, true
	for _, v := range tail {
		if v <= high {
			above = false
		}
		if v >= low {
			below = false
		}
	}

	var dir core.Direction
	switch {
	case above:
		dir = core.DirectionCall
	case below:
		dir = core.DirectionPut
	default:
		return nil, nil
	}

	if features != nil {
		if dir == core.DirectionCall && features.Imbalance < -imbalanceVeto {
			return nil, nil
		}
		if dir == core.DirectionPut && features.Imbalance > imbalanceVeto {
			return nil, nil
		}
	}

	last := tail[len(tail)-1]
	rng := high - low
	var dist float64
	if dir == core.DirectionCall {
		dist = last - high
	} else {
		dist = low - last
	}
	conf := 0.5
	if rng > 0 {
		conf = clamp01(dist / rng)
	}

	return &core.Signal{
		Direction:       dir,
		Confidence:      conf,
		StakeMultiplier: 1.0,
		Reasons:         []string{fmt.Sprintf("breakout range %.5f..%.5f last %.5f", low, high, last)},
	}, nil
}
