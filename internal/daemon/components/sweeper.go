package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harunnryd/hako/internal/config"
	"github.com/harunnryd/hako/internal/daemon"
)

// SweeperComponent runs the periodic idle-session sweep and cache prune.
type SweeperComponent struct {
	cfg      *config.Config
	sessions *SessionsComponent
	filetree *FileTreeComponent

	mu          sync.RWMutex
	cron        *cron.Cron
	maxInactive time.Duration
	started     bool
}

func NewSweeperComponent(cfg *config.Config, sessions *SessionsComponent, filetree *FileTreeComponent) *SweeperComponent {
	return &SweeperComponent{cfg: cfg, sessions: sessions, filetree: filetree}
}

func (c *SweeperComponent) Name() string { return "Sweeper" }

func (c *SweeperComponent) Dependencies() []string { return []string{"Sessions", "FileTree"} }

func (c *SweeperComponent) Init(ctx context.Context) error {
	schedule := c.cfg.Sweep.Schedule
	if schedule == "" {
		schedule = config.DefaultSweepSchedule
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}

	maxInactive, err := config.DurationOrDefault(c.cfg.Session.MaxInactive, config.DefaultSessionMaxInactive)
	if err != nil {
		return fmt.Errorf("parse session max inactive: %w", err)
	}

	runner := cron.New()
	if _, err := runner.AddFunc(schedule, c.sweep); err != nil {
		return fmt.Errorf("register sweep job: %w", err)
	}

	c.mu.Lock()
	c.cron = runner
	c.maxInactive = maxInactive
	c.mu.Unlock()

	slog.Info("Sweeper initialized", "component", c.Name(), "schedule", schedule, "max_inactive", maxInactive)
	return nil
}

func (c *SweeperComponent) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron == nil {
		return fmt.Errorf("sweeper not initialized")
	}
	c.cron.Start()
	c.started = true
	return nil
}

func (c *SweeperComponent) Stop(ctx context.Context) error {
	c.mu.Lock()
	runner := c.cron
	c.started = false
	c.mu.Unlock()

	if runner == nil {
		return nil
	}

	// Wait for an in-flight sweep to finish, bounded by the caller's deadline.
	done := runner.Stop().Done()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Sweeper shutdown timed out with a sweep in flight", "component", c.Name())
	}
	return nil
}

func (c *SweeperComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.started {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: fmt.Errorf("not running")}, nil
	}
	return &daemon.ComponentHealth{Name: c.Name(), Healthy: true}, nil
}

func (c *SweeperComponent) sweep() {
	c.mu.RLock()
	maxInactive := c.maxInactive
	c.mu.RUnlock()

	ctx := context.Background()

	stopped := c.sessions.Manager().CleanupInactive(ctx, maxInactive)
	if stopped > 0 {
		slog.Info("Idle session sweep stopped sessions", "stopped", stopped)
	}

	pruned := c.filetree.Cache().Prune()
	if pruned > 0 {
		slog.Debug("Pruned stale file-tree entries", "pruned", pruned)
	}
}
