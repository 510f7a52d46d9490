// Package concurrency provides bounded worker pools for fan-out work such as
// stream resubscribes and reconcile sweeps.
package concurrency

import (
	"fmt"
	"sync/atomic"
	"time"

	"option_trader/internal/core"
	apperrors "option_trader/pkg/errors"

	"github.com/alitto/pond"
)

// PoolConfig sizes a worker pool.
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	// NonBlocking makes Submit return an error instead of blocking when the
	// queue is full. Fan-out callers use this so a stuck worker cannot stall
	// the submitting goroutine.
	NonBlocking bool
}

// WorkerPool is a bounded pond pool with saturation accounting.
type WorkerPool struct {
	pool     *pond.WorkerPool
	config   PoolConfig
	rejected atomic.Int64
	logger   core.ILogger
}

// NewWorkerPool creates a pool with the given limits. Zero values fall back
// to 8 workers, 100 queued tasks, and a 60s idle timeout. Worker panics are
// logged and absorbed so one bad task cannot take down the pool.
func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	wp := &WorkerPool{
		config: cfg,
		logger: logger.WithField("component", "worker_pool").WithField("pool", cfg.Name),
	}
	wp.pool = pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			wp.logger.Error("Worker pool panic recovered", "panic", p)
		}),
	)
	return wp
}

// Submit enqueues a task. In NonBlocking mode a full queue returns an error
// and the task is counted as rejected; otherwise Submit blocks until a
// worker or queue slot frees up.
func (wp *WorkerPool) Submit(task func()) error {
	if !wp.config.NonBlocking {
		wp.pool.Submit(task)
		return nil
	}
	if !wp.pool.TrySubmit(task) {
		wp.rejected.Add(1)
		return fmt.Errorf("worker pool %q is full (capacity: %d): %w",
			wp.config.Name, wp.config.MaxCapacity, apperrors.ErrPoolExhausted)
	}
	return nil
}

// Backlog returns the number of tasks waiting for a worker.
func (wp *WorkerPool) Backlog() int {
	return int(wp.pool.WaitingTasks())
}

// Rejected returns the number of submissions refused since start.
func (wp *WorkerPool) Rejected() int64 {
	return wp.rejected.Load()
}

// CheckHealth reports saturation: a queue at capacity means submitters are
// being rejected or blocked and fan-out work is falling behind.
func (wp *WorkerPool) CheckHealth() error {
	waiting := wp.Backlog()
	if waiting >= wp.config.MaxCapacity {
		return fmt.Errorf("pool %q saturated: %d tasks queued, %d submissions rejected",
			wp.config.Name, waiting, wp.Rejected())
	}
	return nil
}

// Stop drains queued tasks and stops the workers.
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}
