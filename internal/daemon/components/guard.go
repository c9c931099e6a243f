package components

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/natefinch/atomic"

	"github.com/harunnryd/hako/internal/config"
	"github.com/harunnryd/hako/internal/daemon"
	hakoErrors "github.com/harunnryd/hako/internal/errors"
)

// GuardComponent holds the single-instance lock for the daemon and
// publishes an instance file other tooling can read.
type GuardComponent struct {
	cfg *config.Config

	mu           sync.RWMutex
	fileLock     *flock.Flock
	lockPath     string
	instancePath string
	acquired     bool
}

type instanceInfo struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	StartedAt time.Time `json:"started_at"`
}

func NewGuardComponent(cfg *config.Config) *GuardComponent {
	return &GuardComponent{cfg: cfg}
}

func (c *GuardComponent) Name() string { return "Guard" }

func (c *GuardComponent) Dependencies() []string { return nil }

func (c *GuardComponent) Init(ctx context.Context) error {
	dir := c.cfg.Daemon.InstanceDir
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve instance dir: %w", err)
		}
		dir = filepath.Join(home, ".hako")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create instance dir %s: %w", dir, err)
	}

	c.mu.Lock()
	c.lockPath = filepath.Join(dir, "hako.lock")
	c.instancePath = filepath.Join(dir, "instance.json")
	c.fileLock = flock.New(c.lockPath)
	c.mu.Unlock()

	return nil
}

func (c *GuardComponent) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	locked, err := c.fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire instance lock %s: %w", c.lockPath, err)
	}
	if !locked {
		return hakoErrors.Conflict("another hako instance already holds " + c.lockPath)
	}
	c.acquired = true

	info := instanceInfo{
		PID:       os.Getpid(),
		Port:      c.cfg.Server.Port,
		StartedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("encode instance info: %w", err)
	}
	if err := atomic.WriteFile(c.instancePath, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write instance file %s: %w", c.instancePath, err)
	}

	slog.Info("Instance lock acquired", "component", c.Name(), "path", c.lockPath, "pid", info.PID)
	return nil
}

func (c *GuardComponent) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.acquired {
		return nil
	}
	if err := os.Remove(c.instancePath); err != nil && !os.IsNotExist(err) {
		slog.Warn("Failed to remove instance file", "path", c.instancePath, "error", err)
	}
	if err := c.fileLock.Unlock(); err != nil {
		return fmt.Errorf("release instance lock %s: %w", c.lockPath, err)
	}
	c.acquired = false
	return nil
}

func (c *GuardComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.acquired {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: fmt.Errorf("instance lock not held")}, nil
	}
	return &daemon.ComponentHealth{Name: c.Name(), Healthy: true}, nil
}
