package daemon

import (
	"context"
)

// HealthStatus describes the daemon lifecycle as a whole.
type HealthStatus string

const (
	StatusStarting HealthStatus = "starting"
	StatusRunning  HealthStatus = "running"
	StatusStopping HealthStatus = "stopping"
	StatusStopped  HealthStatus = "stopped"
)

// ComponentHealth is a single component's answer to a health probe. The
// health monitor and the /health endpoint aggregate these.
type ComponentHealth struct {
	Name    string
	Healthy bool
	Error   error
}

// Component is a unit of daemon functionality (runtime client, session
// manager, HTTP server, sweeper). Dependencies name other registered
// components that must be initialized first; the daemon derives the init
// order from them and stops components in reverse registration order.
type Component interface {
	Name() string
	Dependencies() []string
	Init(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Health(ctx context.Context) (*ComponentHealth, error)
}
