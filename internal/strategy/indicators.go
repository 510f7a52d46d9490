package strategy

import (
	"math"

	"option_trader/internal/core"
)

// quotes extracts the window's quotes as float64, oldest first. Indicator
// math runs in float; decimal stays at the money boundaries.
func quotes(w core.TickWindow) []float64 {
	out := make([]float64, 0, w.Len())
	w.Each(func(i int, t core.Tick) bool {
		out = append(out, t.Quote.InexactFloat64())
		return true
	})
	return out
}

// SMA is the arithmetic mean of the last period values.
func SMA(vals []float64, period int) float64 {
	if period <= 0 || len(vals) < period {
		return 0
	}
	var sum float64
	for _, v := range vals[len(vals)-period:] {
		sum += v
	}
	return sum / float64(period)
}

// EMA computes an exponential moving average seeded with the SMA of the
// first period values.
func EMA(vals []float64, period int) float64 {
	if period <= 0 || len(vals) < period {
		return 0
	}
	var seed float64
	for _, v := range vals[:period] {
		seed += v
	}
	ema := seed / float64(period)
	k := 2.0 / (float64(period) + 1.0)
	for _, v := range vals[period:] {
		ema = v*k + ema*(1-k)
	}
	return ema
}

// MeanStdDev returns the mean and population standard deviation.
func MeanStdDev(vals []float64) (mean, sd float64) {
	if len(vals) == 0 {
		return 0, 0
	}
	for _, v := range vals {
		mean += v
	}
	mean /= float64(len(vals))
	var variance float64
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(vals))
	return mean, math.Sqrt(variance)
}

// ROC is the fractional rate of change over lookback ticks:
// (last - base) / base.
func ROC(vals []float64, lookback int) float64 {
	if lookback <= 0 || len(vals) <= lookback {
		return 0
	}
	base := vals[len(vals)-1-lookback]
	if base == 0 {
		return 0
	}
	return (vals[len(vals)-1] - base) / base
}

// ATR is a tick-level average true range: the mean absolute tick-to-tick
// delta over the last period deltas. With fewer than two ticks it is zero.
func ATR(w core.TickWindow, period int) float64 {
	n := w.Len()
	if period <= 0 || n < 2 {
		return 0
	}
	deltas := n - 1
	if deltas > period {
		deltas = period
	}
	var sum float64
	prev := w.At(n - deltas - 1).Quote.InexactFloat64()
	for i := n - deltas; i < n; i++ {
		cur := w.At(i).Quote.InexactFloat64()
		sum += math.Abs(cur - prev)
		prev = cur
	}
	return sum / float64(deltas)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func paramInt(params map[string]float64, key string, def, min int) int {
	if v, ok := params[key]; ok {
		if iv := int(v); iv >= min {
			return iv
		}
	}
	return def
}

func paramFloat(params map[string]float64, key string, def float64) float64 {
	if v, ok := params[key]; ok {
		return v
	}
	return def
}
