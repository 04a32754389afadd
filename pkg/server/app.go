package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"TradePipe/pkg/logger"
)

// Runner is a long-running component that returns once ctx is done.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

type namedRunner struct {
	name string
	r    Runner
}

type closer struct {
	name string
	fn   func() error
}

// App encapsulates the entire application lifecycle: it runs every
// registered component until a signal arrives or one of them fails, then
// closes resources in reverse registration order.
type App struct {
	log             *logger.Logger
	shutdownTimeout time.Duration
	runners         []namedRunner
	closers         []closer
	signals         []os.Signal
}

func New(log *logger.Logger, shutdownTimeout time.Duration) *App {
	if log == nil {
		log = logger.NewNop()
	}
	if shutdownTimeout <= 0 {
		shutdownTimeout = 15 * time.Second
	}
	return &App{
		log:             log.Named("app"),
		shutdownTimeout: shutdownTimeout,
		signals:         []os.Signal{os.Interrupt, syscall.SIGTERM},
	}
}

// Add registers a component to run.
func (a *App) Add(name string, r Runner) {
	a.runners = append(a.runners, namedRunner{name: name, r: r})
}

// OnClose registers a resource to release after every runner has returned.
func (a *App) OnClose(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Run blocks until interrupted or until a component fails.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, a.signals...)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	for _, nr := range a.runners {
		nr := nr
		g.Go(func() error {
			a.log.Info("component started", logger.String("component", nr.name))
			err := nr.r.Run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("component failed", logger.String("component", nr.name), logger.Error(err))
				return fmt.Errorf("%s: %w", nr.name, err)
			}
			a.log.Info("component stopped", logger.String("component", nr.name))
			return nil
		})
	}

	<-gctx.Done()
	a.log.Info("shutting down...")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-time.After(a.shutdownTimeout):
		runErr = fmt.Errorf("shutdown timed out after %s", a.shutdownTimeout)
		a.log.Error("shutdown timed out", logger.Duration("timeout", a.shutdownTimeout))
	}

	a.close()
	a.log.Info("shutdown complete")
	return runErr
}

func (a *App) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.log.Warn("close failed", logger.String("resource", c.name), logger.Error(err))
		}
	}
}
