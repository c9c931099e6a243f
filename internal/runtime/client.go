package runtime

import (
	"context"
	"io"
	"time"
)

// ContainerInfo is the subset of runtime container state the session
// manager reasons about.
type ContainerInfo struct {
	ID      string
	Name    string
	Status  string
	Running bool
	Labels  map[string]string
}

// CreateContainerOptions describes a new session container.
type CreateContainerOptions struct {
	Name       string
	Image      string
	VolumeName string
	MountPath  string
	Labels     map[string]string
}

// Client abstracts the container runtime daemon. All calls are bounded by
// their context; implementations translate daemon errors into the hako
// error taxonomy so callers never inspect error text.
type Client interface {
	Ping(ctx context.Context) error

	FindContainer(ctx context.Context, name string) (*ContainerInfo, error)
	CreateContainer(ctx context.Context, opts CreateContainerOptions) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	ListManagedContainers(ctx context.Context) ([]ContainerInfo, error)

	EnsureVolume(ctx context.Context, name string, labels map[string]string) error
	VolumeExists(ctx context.Context, name string) (bool, error)

	CreateExec(ctx context.Context, containerID string, cmd []string) (string, error)
	AttachExec(ctx context.Context, execID string) (io.ReadWriteCloser, error)
	ResizeExec(ctx context.Context, execID string, height, width uint) error
	RunExec(ctx context.Context, containerID string, cmd []string) (string, error)
}
