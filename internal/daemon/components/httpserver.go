package components

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/harunnryd/hako/internal/config"
	"github.com/harunnryd/hako/internal/daemon"
	"github.com/harunnryd/hako/internal/httpapi"
)

type HTTPServerComponent struct {
	cfg      *config.Config
	runtime  *RuntimeComponent
	sessions *SessionsComponent
	terminal *TerminalComponent
	filetree *FileTreeComponent

	mu          sync.RWMutex
	server      *http.Server
	shutdownTTL time.Duration
	initialized bool
	started     bool
}

func NewHTTPServerComponent(
	cfg *config.Config,
	runtime *RuntimeComponent,
	sessions *SessionsComponent,
	terminal *TerminalComponent,
	filetree *FileTreeComponent,
) *HTTPServerComponent {
	return &HTTPServerComponent{
		cfg:      cfg,
		runtime:  runtime,
		sessions: sessions,
		terminal: terminal,
		filetree: filetree,
	}
}

func (h *HTTPServerComponent) Name() string {
	return "HTTPServer"
}

func (h *HTTPServerComponent) Dependencies() []string {
	return []string{"Runtime", "Sessions", "Terminal", "FileTree"}
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	readTimeout, err := config.DurationOrDefault(h.cfg.Server.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(h.cfg.Server.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse server write timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(h.cfg.Server.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse server idle timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(h.cfg.Server.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse server shutdown timeout: %w", err)
	}
	maxInactive, err := config.DurationOrDefault(h.cfg.Session.MaxInactive, config.DefaultSessionMaxInactive)
	if err != nil {
		return fmt.Errorf("parse session max inactive: %w", err)
	}

	api := httpapi.NewServer(
		h.sessions.Manager(),
		h.terminal.Manager(),
		h.filetree.Lister(),
		h.filetree.Cache(),
		h.runtime.Client(),
		httpapi.HeaderIdentity,
		maxInactive,
	)

	h.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", h.cfg.Server.Port),
		Handler:      api.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	h.shutdownTTL = shutdownTimeout

	h.initialized = true
	slog.Info("HTTPServer initialized", "component", h.Name(), "port", h.cfg.Server.Port)
	return nil
}

func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("HTTPServer not initialized")
	}

	go func() {
		slog.Info("HTTP server listening", "component", h.Name(), "addr", h.server.Addr)
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "component", h.Name(), "error", err)
		}
	}()

	h.started = true
	slog.Info("HTTPServer started", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		slog.Info("HTTPServer not started, skipping stop", "component", h.Name())
		return nil
	}

	slog.Info("Stopping HTTPServer...", "component", h.Name())
	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTTL)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTPServer shutdown error", "component", h.Name(), "error", err)
		return err
	}

	h.started = false
	slog.Info("HTTPServer stopped", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.initialized {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not initialized"),
		}, nil
	}

	if !h.started {
		return &daemon.ComponentHealth{
			Name:    h.Name(),
			Healthy: false,
			Error:   fmt.Errorf("not started"),
		}, nil
	}

	return &daemon.ComponentHealth{
		Name:    h.Name(),
		Healthy: true,
		Error:   nil,
	}, nil
}
