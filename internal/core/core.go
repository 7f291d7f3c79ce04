// Package core runs the gateway's components as one ordered lifecycle.
package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"
)

// DefaultShutdownTimeout bounds the whole reverse-order stop sequence.
const DefaultShutdownTimeout = 30 * time.Second

// App manages the lifecycle of a set of components.
type App struct {
	components      []componentInstance
	logger          *slog.Logger
	shutdownTimeout time.Duration

	// OnReload is invoked on SIGHUP while Run is blocking.
	OnReload func(ctx context.Context)
}

type componentInstance struct {
	name      string
	component any
	started   bool
}

// NewApp creates an empty App.
func NewApp(logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{
		logger:          logger.With("component", "core"),
		shutdownTimeout: DefaultShutdownTimeout,
	}
}

// SetShutdownTimeout overrides DefaultShutdownTimeout.
func (a *App) SetShutdownTimeout(d time.Duration) {
	if d > 0 {
		a.shutdownTimeout = d
	}
}

// Append adds a component to the end of the start order. The component
// should implement Starter, Stopper, or both. Duplicate names panic.
func (a *App) Append(name string, component any) {
	if slices.ContainsFunc(a.components, func(ci componentInstance) bool { return ci.name == name }) {
		panic(fmt.Sprintf("core: component already registered: %s", name))
	}
	a.components = append(a.components, componentInstance{name: name, component: component})
}

// Names returns component names in start order.
func (a *App) Names() []string {
	names := make([]string, len(a.components))
	for i, ci := range a.components {
		names[i] = ci.name
	}
	return names
}

// Start starts all components in order. If any Start fails, the components
// already started are stopped in reverse order.
func (a *App) Start(ctx context.Context) error {
	for i := range a.components {
		ci := &a.components[i]
		if s, ok := ci.component.(Starter); ok {
			a.logger.Info("starting component", "name", ci.name)
			if err := s.Start(ctx); err != nil {
				a.logger.Error("component start failed", "name", ci.name, "error", err)
				a.stopFrom(i - 1)
				return fmt.Errorf("starting %s: %w", ci.name, err)
			}
		}
		ci.started = true
	}
	a.logger.Info("all components started", "count", len(a.components))
	return nil
}

// Stop stops all started components in reverse order within the shutdown
// timeout and returns every stop error joined.
func (a *App) Stop() error {
	return a.stopFrom(len(a.components) - 1)
}

func (a *App) stopFrom(fromIndex int) error {
	ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := fromIndex; i >= 0; i-- {
		ci := &a.components[i]
		if !ci.started {
			continue
		}
		if s, ok := ci.component.(Stopper); ok {
			a.logger.Info("stopping component", "name", ci.name)
			if err := s.Stop(ctx); err != nil {
				a.logger.Error("component stop error", "name", ci.name, "error", err)
				errs = append(errs, fmt.Errorf("stopping %s: %w", ci.name, err))
			}
		}
		ci.started = false
	}
	return errors.Join(errs...)
}

// Run starts all components and blocks until ctx is cancelled or a
// shutdown signal arrives. SIGHUP calls OnReload without stopping.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("context cancelled, shutting down")
			return a.shutdown()
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if a.OnReload != nil {
					a.logger.Info("SIGHUP received, reloading")
					a.OnReload(ctx)
				}
				continue
			}
			a.logger.Info("shutdown signal received", "signal", sig.String())
			return a.shutdown()
		}
	}
}

func (a *App) shutdown() error {
	err := a.Stop()
	a.logger.Info("shutdown complete")
	return err
}
