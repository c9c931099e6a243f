package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/harunnryd/hako/internal/config"
	"github.com/harunnryd/hako/internal/daemon"
	"github.com/harunnryd/hako/internal/runtime"
)

// RuntimeComponent owns the Docker daemon client shared by every session.
type RuntimeComponent struct {
	cfg         *config.RuntimeConfig
	client      runtime.Client
	mu          sync.RWMutex
	initialized bool
}

func NewRuntimeComponent(cfg *config.RuntimeConfig) *RuntimeComponent {
	return &RuntimeComponent{cfg: cfg}
}

func (c *RuntimeComponent) Name() string { return "Runtime" }

func (c *RuntimeComponent) Dependencies() []string { return nil }

func (c *RuntimeComponent) Init(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	client, err := runtime.NewDockerClient(c.cfg.Host)
	if err != nil {
		return fmt.Errorf("create runtime client: %w", err)
	}
	c.client = client
	c.initialized = true
	slog.Info("Runtime client initialized", "component", c.Name(), "host", c.cfg.Host)
	return nil
}

func (c *RuntimeComponent) Start(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// An unreachable daemon is recoverable: every operation fails fast and
	// callers retry, so startup proceeds with a warning.
	if err := c.Client().Ping(pingCtx); err != nil {
		slog.Warn("Runtime daemon unreachable at startup", "component", c.Name(), "error", err)
	}
	return nil
}

func (c *RuntimeComponent) Stop(ctx context.Context) error { return nil }

func (c *RuntimeComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	c.mu.RLock()
	initialized := c.initialized
	c.mu.RUnlock()

	if !initialized {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := c.Client().Ping(pingCtx); err != nil {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: err}, nil
	}
	return &daemon.ComponentHealth{Name: c.Name(), Healthy: true}, nil
}

func (c *RuntimeComponent) Client() runtime.Client {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client
}
