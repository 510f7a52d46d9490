// Package bootstrap orchestrates the runtime lifecycle: components start in
// registration order, runners execute under an errgroup, and shutdown walks
// the components in reverse so consumers stop before their dependencies.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"option_trader/internal/core"
)

const defaultShutdownTimeout = 15 * time.Second

type component struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

type runner struct {
	name string
	run  func(ctx context.Context) error
}

// App owns startup and shutdown ordering. Not safe for concurrent
// registration; wire everything before Run.
type App struct {
	logger          core.ILogger
	shutdownTimeout time.Duration
	components      []component
	runners         []runner
}

func New(logger core.ILogger, shutdownTimeout time.Duration) *App {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &App{
		logger:          logger.WithField("component", "app"),
		shutdownTimeout: shutdownTimeout,
	}
}

// Add registers a lifecycle component. Either hook may be nil. Components
// stop in reverse registration order, so register dependencies first.
func (a *App) Add(name string, start func(ctx context.Context) error, stop func(ctx context.Context) error) {
	a.components = append(a.components, component{name: name, start: start, stop: stop})
}

// Go registers a blocking runner. A runner returning a non-nil error brings
// the whole application down; returning nil on context cancellation is the
// normal exit.
func (a *App) Go(name string, run func(ctx context.Context) error) {
	a.runners = append(a.runners, runner{name: name, run: run})
}

// Run starts everything and blocks until a termination signal, a runner
// failure, or ctx cancellation. Shutdown always runs over whatever started.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	started := make([]component, 0, len(a.components))
	for _, c := range a.components {
		if c.start != nil {
			if err := c.start(ctx); err != nil {
				startErr := fmt.Errorf("start %s failed: %w", c.name, err)
				a.logger.Error("Component start failed", "component", c.name, "error", err)
				return errors.Join(startErr, a.shutdown(started))
			}
		}
		started = append(started, c)
		a.logger.Info("Component started", "component", c.name)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range a.runners {
		r := r
		g.Go(func() error {
			if err := r.run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("Runner failed", "runner", r.name, "error", err)
				return fmt.Errorf("runner %s: %w", r.name, err)
			}
			return nil
		})
	}

	<-gctx.Done()
	if ctx.Err() != nil {
		a.logger.Info("Shutdown requested")
	}

	shutdownErr := a.shutdown(started)
	runErr := g.Wait()
	return errors.Join(runErr, shutdownErr)
}

// shutdown stops components in reverse order under one deadline. A failed
// stop is logged and collected; later stops still run.
func (a *App) shutdown(started []component) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		c := started[i]
		if c.stop == nil {
			continue
		}
		if err := c.stop(ctx); err != nil {
			a.logger.Error("Component stop failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s failed: %w", c.name, err))
			continue
		}
		a.logger.Info("Component stopped", "component", c.name)
	}
	return errors.Join(errs...)
}
