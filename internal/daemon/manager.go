package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/harunnryd/hako/internal/config"
)

// Daemon orchestrates the service's components: dependency-ordered
// initialization, startup, periodic health checks, and reverse-order
// shutdown bounded by a timeout.
type Daemon struct {
	cfg           *config.Config
	components    []Component
	shutdownOrder []string
	health        HealthStatus
	mu            sync.RWMutex
	healthDone    chan struct{}
}

func NewDaemon(cfg *config.Config) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d (must be 1-65535)", cfg.Server.Port)
	}

	return &Daemon{
		cfg:        cfg,
		health:     StatusStarting,
		healthDone: make(chan struct{}),
	}, nil
}

func (d *Daemon) AddComponent(comp Component) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.components = append(d.components, comp)
	d.shutdownOrder = append([]string{comp.Name()}, d.shutdownOrder...)
	slog.Info("Component registered", "component", comp.Name(), "total_components", len(d.components))
}

func (d *Daemon) Start(ctx context.Context) error {
	slog.Info("Hako daemon starting...", "port", d.cfg.Server.Port)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := d.initComponents(ctx); err != nil {
		d.rollback(ctx)
		return fmt.Errorf("component initialization failed: %w", err)
	}

	if err := d.startComponents(ctx); err != nil {
		startupTimeout, timeoutErr := config.DurationOrDefault(d.cfg.Daemon.StartupShutdownTimeout, config.DefaultDaemonStartupShutdownTimeout)
		if timeoutErr != nil {
			return fmt.Errorf("parse daemon startup shutdown timeout: %w", timeoutErr)
		}
		d.gracefulShutdown(ctx, startupTimeout)
		return fmt.Errorf("component startup failed: %w", err)
	}

	d.setHealth(StatusRunning)
	slog.Info("Hako daemon is running", "components", len(d.components))

	go d.healthMonitor(ctx)

	<-ctx.Done()

	slog.Info("Context cancelled, initiating graceful shutdown", "reason", ctx.Err())
	d.setHealth(StatusStopping)
	close(d.healthDone)

	shutdownTimeout, err := config.DurationOrDefault(d.cfg.Daemon.ShutdownTimeout, config.DefaultDaemonShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse daemon shutdown timeout: %w", err)
	}
	if err := d.gracefulShutdown(context.Background(), shutdownTimeout); err != nil {
		return err
	}

	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	return nil
}

func (d *Daemon) Health() HealthStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.health
}

func (d *Daemon) ComponentHealth() map[string]*ComponentHealth {
	d.mu.RLock()
	components := make([]Component, len(d.components))
	copy(components, d.components)
	d.mu.RUnlock()

	result := make(map[string]*ComponentHealth)
	for _, comp := range components {
		health, err := comp.Health(context.Background())
		result[comp.Name()] = health
		if err != nil && health != nil {
			health.Error = err
		}
	}
	return result
}

func (d *Daemon) setHealth(status HealthStatus) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.health = status
}

func (d *Daemon) initComponents(ctx context.Context) error {
	if err := d.validateDependencies(); err != nil {
		return err
	}

	order, err := d.resolveInitOrder()
	if err != nil {
		return err
	}

	for _, name := range order {
		comp := d.componentByName(name)
		if comp == nil {
			continue
		}
		slog.Info("Initializing component...", "component", name)
		if err := comp.Init(ctx); err != nil {
			return fmt.Errorf("component %s init failed: %w", name, err)
		}
	}

	slog.Info("All components initialized", "count", len(d.components))
	return nil
}

func (d *Daemon) startComponents(ctx context.Context) error {
	for _, comp := range d.components {
		slog.Info("Starting component...", "component", comp.Name())
		if err := comp.Start(ctx); err != nil {
			return fmt.Errorf("component %s startup failed: %w", comp.Name(), err)
		}
	}

	slog.Info("All components started", "count", len(d.components))
	return nil
}

func (d *Daemon) gracefulShutdown(ctx context.Context, timeout time.Duration) error {
	slog.Info("Graceful shutdown initiated", "timeout", timeout)

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.shutdownComponents(shutdownCtx)
		close(done)
	}()

	select {
	case <-done:
		slog.Info("Graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		if ctx.Err() != nil {
			return fmt.Errorf("shutdown cancelled: %w", ctx.Err())
		}
		slog.Error("Shutdown timeout exceeded", "timeout", timeout)
		return fmt.Errorf("shutdown timeout after %v", timeout)
	}
}

func (d *Daemon) shutdownComponents(ctx context.Context) {
	for _, name := range d.shutdownOrder {
		comp := d.componentByName(name)
		if comp == nil {
			continue
		}
		slog.Info("Stopping component...", "component", name)
		if err := comp.Stop(ctx); err != nil {
			slog.Error("Component stop failed", "component", name, "error", err)
		}
	}
	d.setHealth(StatusStopped)
}

func (d *Daemon) rollback(ctx context.Context) {
	slog.Warn("Rolling back initialized components...")
	for i := len(d.components) - 1; i >= 0; i-- {
		if err := d.components[i].Stop(ctx); err != nil {
			slog.Error("Rollback failed", "component", d.components[i].Name(), "error", err)
		}
	}
	d.setHealth(StatusStopped)
}

func (d *Daemon) componentByName(name string) Component {
	for _, comp := range d.components {
		if comp.Name() == name {
			return comp
		}
	}
	return nil
}

func (d *Daemon) healthMonitor(ctx context.Context) {
	interval, err := config.DurationOrDefault(d.cfg.Daemon.HealthCheckInterval, config.DefaultDaemonHealthCheckInterval)
	if err != nil {
		slog.Error("Failed to parse daemon health check interval", "error", err)
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.healthDone:
			return
		case <-ticker.C:
			unhealthy := 0
			for name, health := range d.ComponentHealth() {
				if health != nil && !health.Healthy {
					unhealthy++
					slog.Warn("Component unhealthy", "component", name, "error", health.Error)
				}
			}
			if unhealthy == 0 {
				slog.Debug("All components healthy", "count", len(d.components))
			}
		}
	}
}

func (d *Daemon) validateDependencies() error {
	known := make(map[string]bool)
	for _, comp := range d.components {
		known[comp.Name()] = true
	}
	for _, comp := range d.components {
		for _, dep := range comp.Dependencies() {
			if !known[dep] {
				return fmt.Errorf("component %s depends on %s which is not registered", comp.Name(), dep)
			}
		}
	}
	return nil
}

func (d *Daemon) resolveInitOrder() ([]string, error) {
	visited := make(map[string]bool)
	visiting := make(map[string]bool)
	order := []string{}

	var visit func(name string) error
	visit = func(name string) error {
		if visiting[name] {
			return fmt.Errorf("circular dependency detected involving %s", name)
		}
		if visited[name] {
			return nil
		}
		comp := d.componentByName(name)
		if comp == nil {
			return fmt.Errorf("component %s not found", name)
		}

		visiting[name] = true
		for _, dep := range comp.Dependencies() {
			if err := visit(dep); err != nil {
				return err
			}
		}
		visiting[name] = false
		visited[name] = true
		order = append(order, name)
		return nil
	}

	for _, comp := range d.components {
		if err := visit(comp.Name()); err != nil {
			return nil, err
		}
	}
	return order, nil
}
