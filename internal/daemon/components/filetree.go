package components

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/harunnryd/hako/internal/config"
	"github.com/harunnryd/hako/internal/daemon"
	"github.com/harunnryd/hako/internal/filetree"
)

// FileTreeComponent owns the workspace listing cache and lister.
type FileTreeComponent struct {
	cfg      *config.Config
	runtime  *RuntimeComponent
	sessions *SessionsComponent

	mu     sync.RWMutex
	cache  *filetree.Cache
	lister *filetree.Lister
}

func NewFileTreeComponent(cfg *config.Config, runtime *RuntimeComponent, sessions *SessionsComponent) *FileTreeComponent {
	return &FileTreeComponent{cfg: cfg, runtime: runtime, sessions: sessions}
}

func (c *FileTreeComponent) Name() string { return "FileTree" }

func (c *FileTreeComponent) Dependencies() []string { return []string{"Runtime", "Sessions"} }

func (c *FileTreeComponent) Init(ctx context.Context) error {
	ttl, err := config.DurationOrDefault(c.cfg.FileTree.TTL, config.DefaultFileTreeTTL)
	if err != nil {
		return fmt.Errorf("parse filetree ttl: %w", err)
	}
	pruneInterval, err := config.DurationOrDefault(c.cfg.FileTree.PruneInterval, config.DefaultFileTreePruneInterval)
	if err != nil {
		return fmt.Errorf("parse filetree prune interval: %w", err)
	}
	listTimeout, err := config.DurationOrDefault(c.cfg.FileTree.ListTimeout, config.DefaultFileTreeListTimeout)
	if err != nil {
		return fmt.Errorf("parse filetree list timeout: %w", err)
	}

	c.mu.Lock()
	c.cache = filetree.NewCache(ttl, pruneInterval, nil)
	c.lister = filetree.NewLister(c.runtime.Client(), c.sessions.Manager(), c.cache, c.cfg.Session.WorkspaceMount, listTimeout)
	c.mu.Unlock()

	slog.Info("File-tree cache initialized", "component", c.Name(), "ttl", ttl)
	return nil
}

func (c *FileTreeComponent) Start(ctx context.Context) error { return nil }

func (c *FileTreeComponent) Stop(ctx context.Context) error { return nil }

func (c *FileTreeComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.cache == nil {
		return &daemon.ComponentHealth{Name: c.Name(), Healthy: false, Error: fmt.Errorf("not initialized")}, nil
	}
	return &daemon.ComponentHealth{Name: c.Name(), Healthy: true}, nil
}

func (c *FileTreeComponent) Cache() *filetree.Cache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache
}

func (c *FileTreeComponent) Lister() *filetree.Lister {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lister
}
