package health

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"option_trader/internal/core"
	"option_trader/pkg/telemetry"
)

const (
	defaultSweepInterval = 10 * time.Second
	defaultLagLimit      = 500 * time.Millisecond

	// probeDuration is the timer the lag probe arms each sweep; the lag is
	// how far past it the wakeup lands.
	probeDuration = 10 * time.Millisecond
)

// ResourceSnapshot is one sweep of process-level readings.
type ResourceSnapshot struct {
	Goroutines     int
	HeapAllocBytes uint64
	TimerLag       time.Duration
	SampledAt      time.Time
}

// ResourceMonitor samples goroutine count, heap usage, and timer wakeup lag
// on an interval. The lag probe is the starvation signal: when the runtime
// cannot fire a short timer close to on time, strategy deadlines and risk
// sweeps are not running on time either.
type ResourceMonitor struct {
	logger   core.ILogger
	interval time.Duration
	lagLimit time.Duration
	probe    func() time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.RWMutex
	snap ResourceSnapshot
}

func NewResourceMonitor(interval, lagLimit time.Duration, logger core.ILogger) (*ResourceMonitor, error) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if lagLimit <= 0 {
		lagLimit = defaultLagLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &ResourceMonitor{
		logger:   logger.WithField("component", "resource_monitor"),
		interval: interval,
		lagLimit: lagLimit,
		probe:    timerLagProbe,
		ctx:      ctx,
		cancel:   cancel,
	}
	if err := r.registerGauges(); err != nil {
		cancel()
		return nil, err
	}
	return r, nil
}

func (r *ResourceMonitor) registerGauges() error {
	meter := telemetry.GetMeter("health")

	if _, err := meter.Int64ObservableGauge("system.goroutines",
		metric.WithDescription("Goroutines at last sweep"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(r.Snapshot().Goroutines))
			return nil
		})); err != nil {
		return err
	}

	if _, err := meter.Int64ObservableGauge("system.heap_alloc_bytes",
		metric.WithDescription("Heap bytes in use at last sweep"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(ctx context.Context, obs metric.Int64Observer) error {
			obs.Observe(int64(r.Snapshot().HeapAllocBytes))
			return nil
		})); err != nil {
		return err
	}

	if _, err := meter.Float64ObservableGauge("system.timer_lag_ms",
		metric.WithDescription("Timer wakeup lag at last sweep"),
		metric.WithUnit("ms"),
		metric.WithFloat64Callback(func(ctx context.Context, obs metric.Float64Observer) error {
			obs.Observe(float64(r.Snapshot().TimerLag) / float64(time.Millisecond))
			return nil
		})); err != nil {
		return err
	}

	return nil
}

// Start begins the sweep loop. The first sweep runs immediately so health
// surfaces have data before the first interval elapses.
func (r *ResourceMonitor) Start() error {
	r.logger.Info("Starting resource monitor", "interval", r.interval, "lag_limit", r.lagLimit)
	r.sweep()
	r.wg.Add(1)
	go r.runLoop()
	return nil
}

func (r *ResourceMonitor) Stop() error {
	r.cancel()
	r.wg.Wait()
	return nil
}

func (r *ResourceMonitor) runLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *ResourceMonitor) sweep() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	lag := r.probe()

	r.mu.Lock()
	r.snap = ResourceSnapshot{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: ms.HeapAlloc,
		TimerLag:       lag,
		SampledAt:      time.Now(),
	}
	r.mu.Unlock()

	if lag > r.lagLimit {
		r.logger.Warn("Timer lag above limit", "lag", lag, "limit", r.lagLimit)
	}
}

// Snapshot returns the readings from the last sweep.
func (r *ResourceMonitor) Snapshot() ResourceSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// CheckHealth reports scheduler starvation. Before the first sweep it
// passes.
func (r *ResourceMonitor) CheckHealth() error {
	snap := r.Snapshot()
	if snap.SampledAt.IsZero() {
		return nil
	}
	if snap.TimerLag > r.lagLimit {
		return fmt.Errorf("timer lag %s exceeds %s", snap.TimerLag, r.lagLimit)
	}
	return nil
}

func timerLagProbe() time.Duration {
	started := time.Now()
	timer := time.NewTimer(probeDuration)
	<-timer.C
	lag := time.Since(started) - probeDuration
	if lag < 0 {
		return 0
	}
	return lag
}
