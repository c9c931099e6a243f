package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/hako/internal/config"
	"github.com/harunnryd/hako/internal/daemon"
	"github.com/harunnryd/hako/internal/session"
)

// SessionsComponent owns the session state machine and reconciles it
// against the runtime at startup.
type SessionsComponent struct {
	cfg     *config.Config
	runtime *RuntimeComponent

	mu      sync.RWMutex
	manager *session.Manager
}

func NewSessionsComponent(cfg *config.Config, runtime *RuntimeComponent) *SessionsComponent {
	return &SessionsComponent{cfg: cfg, runtime: runtime}
}

func (c *SessionsComponent) Name() string { return "Sessions" }

func (c *SessionsComponent) Dependencies() []string { return []string{"Runtime"} }

func (c *SessionsComponent) Init(ctx context.Context) error {
	stopGrace, err := config.DurationOrDefault(c.cfg.Runtime.StopGrace, config.DefaultRuntimeStopGrace)
	if err != nil {
		return fmt.Errorf("parse runtime stop grace: %w", err)
	}
	requestTimeout, err := config.DurationOrDefault(c.cfg.Runtime.RequestTimeout, config.DefaultRuntimeRequestTimeout)
	if err != nil {
		return fmt.Errorf("parse runtime request timeout: %w", err)
	}

	c.mu.Lock()
	c.manager = session.NewManager(c.runtime.Client(), session.NewMemoryStore(), session.Options{
		Image:          c.cfg.Runtime.Image,
		WorkspaceMount: c.cfg.Session.WorkspaceMount,
		StopGrace:      stopGrace,
		RequestTimeout: requestTimeout,
	})
	c.mu.Unlock()

	slog.Info("Session manager initialized", "component", c.Name(), "image", c.cfg.Runtime.Image)
	return nil
}

func (c *SessionsComponent) Start(ctx context.Context) error {
	count, err := c.Manager().Reconcile(ctx)
	if err != nil {
		// Recoverable: discovery reruns lazily on the first status query
		// for each session.
		slog.Warn("Startup reconciliation incomplete", "component", c.Name(), "error", err)
		return nil
	}
	slog.Info("Sessions reconciled from runtime", "component", c.Name(), "sessions", count)
	return nil
}

func (c *SessionsComponent) Stop(ctx context.Context) error {
	if err := c.Manager().Wait(ctx); err != nil {
		return fmt.Errorf("wait for in-flight creations: %w", err)
	}
	return nil
}

func (c *SessionsComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.manager == nil {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	return &daemon.ComponentHealth{Name: c.Name(), Healthy: true}, nil
}

func (c *SessionsComponent) Manager() *session.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manager
}
