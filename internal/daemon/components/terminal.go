package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/shlex"

	"github.com/harunnryd/hako/internal/config"
	"github.com/harunnryd/hako/internal/daemon"
	"github.com/harunnryd/hako/internal/terminal"
)

// TerminalComponent owns the exec channel manager.
type TerminalComponent struct {
	cfg      *config.TerminalConfig
	runtime  *RuntimeComponent
	sessions *SessionsComponent

	mu      sync.RWMutex
	manager *terminal.Manager
}

func NewTerminalComponent(cfg *config.TerminalConfig, runtime *RuntimeComponent, sessions *SessionsComponent) *TerminalComponent {
	return &TerminalComponent{cfg: cfg, runtime: runtime, sessions: sessions}
}

func (c *TerminalComponent) Name() string { return "Terminal" }

func (c *TerminalComponent) Dependencies() []string { return []string{"Runtime", "Sessions"} }

func (c *TerminalComponent) Init(ctx context.Context) error {
	shell, err := shlex.Split(c.cfg.Shell)
	if err != nil {
		return fmt.Errorf("parse terminal shell %q: %w", c.cfg.Shell, err)
	}
	if len(shell) == 0 {
		return fmt.Errorf("terminal shell is empty")
	}
	writeTimeout, err := config.DurationOrDefault(c.cfg.WriteTimeout, config.DefaultTerminalWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse terminal write timeout: %w", err)
	}

	c.mu.Lock()
	c.manager = terminal.NewManager(c.sessions.Manager(), c.runtime.Client(), terminal.Options{
		Shell:        shell,
		SendBuffer:   c.cfg.SendBuffer,
		WriteTimeout: writeTimeout,
	})
	c.mu.Unlock()

	slog.Info("Terminal manager initialized", "component", c.Name(), "shell", shell)
	return nil
}

func (c *TerminalComponent) Start(ctx context.Context) error { return nil }

func (c *TerminalComponent) Stop(ctx context.Context) error {
	c.Manager().Shutdown()
	return nil
}

func (c *TerminalComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.manager == nil {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	return &daemon.ComponentHealth{Name: c.Name(), Healthy: true}, nil
}

func (c *TerminalComponent) Manager() *terminal.Manager {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.manager
}
