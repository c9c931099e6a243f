package runtime

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"

	hakoerrors "github.com/harunnryd/hako/internal/errors"
)

// DockerClient implements Client against a local Docker daemon.
type DockerClient struct {
	api *client.Client
}

func NewDockerClient(host string) (*DockerClient, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}

	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerClient{api: api}, nil
}

func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.api.Ping(ctx); err != nil {
		return mapError("ping daemon", err)
	}
	return nil
}

func (d *DockerClient) FindContainer(ctx context.Context, name string) (*ContainerInfo, error) {
	inspect, err := d.api.ContainerInspect(ctx, name)
	if err != nil {
		return nil, mapError("inspect container "+name, err)
	}

	info := &ContainerInfo{
		ID:      inspect.ID,
		Name:    name,
		Labels:  map[string]string{},
		Running: inspect.State != nil && inspect.State.Running,
	}
	if inspect.State != nil {
		info.Status = inspect.State.Status
	}
	if inspect.Config != nil && inspect.Config.Labels != nil {
		info.Labels = inspect.Config.Labels
	}
	return info, nil
}

func (d *DockerClient) CreateContainer(ctx context.Context, opts CreateContainerOptions) (string, error) {
	labels := map[string]string{LabelManaged: "true"}
	for k, v := range opts.Labels {
		labels[k] = v
	}

	cfg := &container.Config{
		Image: opts.Image,
		// An idle TTY shell keeps the container alive between exec attaches.
		Cmd:        []string{"sleep", "infinity"},
		Tty:        true,
		OpenStdin:  true,
		Labels:     labels,
		WorkingDir: opts.MountPath,
	}
	hostCfg := &container.HostConfig{
		Mounts: []mount.Mount{{
			Type:   mount.TypeVolume,
			Source: opts.VolumeName,
			Target: opts.MountPath,
		}},
	}

	resp, err := d.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return "", mapError("create container "+opts.Name, err)
	}
	slog.Debug("Container created", "name", opts.Name, "container_id", resp.ID)
	return resp.ID, nil
}

func (d *DockerClient) StartContainer(ctx context.Context, containerID string) error {
	if err := d.api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return mapError("start container", err)
	}
	return nil
}

func (d *DockerClient) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if err := d.api.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &secs}); err != nil {
		return mapError("stop container", err)
	}
	return nil
}

func (d *DockerClient) RemoveContainer(ctx context.Context, containerID string) error {
	err := d.api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return mapError("remove container", err)
	}
	return nil
}

func (d *DockerClient) ListManagedContainers(ctx context.Context) ([]ContainerInfo, error) {
	args := filters.NewArgs(filters.Arg("label", LabelManaged+"=true"))
	list, err := d.api.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, mapError("list containers", err)
	}

	infos := make([]ContainerInfo, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
		}
		infos = append(infos, ContainerInfo{
			ID:      c.ID,
			Name:    name,
			Status:  c.Status,
			Running: c.State == "running",
			Labels:  c.Labels,
		})
	}
	return infos, nil
}

func (d *DockerClient) EnsureVolume(ctx context.Context, name string, labels map[string]string) error {
	if _, err := d.api.VolumeInspect(ctx, name); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return mapError("inspect volume "+name, err)
	}

	volLabels := map[string]string{LabelManaged: "true"}
	for k, v := range labels {
		volLabels[k] = v
	}
	_, err := d.api.VolumeCreate(ctx, volume.CreateOptions{Name: name, Labels: volLabels})
	if err != nil {
		// Another caller may have created it between inspect and create.
		if errdefs.IsConflict(err) {
			return nil
		}
		return mapError("create volume "+name, err)
	}
	slog.Debug("Volume created", "name", name)
	return nil
}

func (d *DockerClient) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := d.api.VolumeInspect(ctx, name)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, mapError("inspect volume "+name, err)
}

func (d *DockerClient) CreateExec(ctx context.Context, containerID string, cmd []string) (string, error) {
	resp, err := d.api.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", mapError("create exec", err)
	}
	return resp.ID, nil
}

func (d *DockerClient) AttachExec(ctx context.Context, execID string) (io.ReadWriteCloser, error) {
	resp, err := d.api.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, mapError("attach exec", err)
	}
	return &hijackedStream{resp: resp}, nil
}

func (d *DockerClient) ResizeExec(ctx context.Context, execID string, height, width uint) error {
	err := d.api.ContainerExecResize(ctx, execID, container.ResizeOptions{Height: height, Width: width})
	if err != nil {
		return mapError("resize exec", err)
	}
	return nil
}

// RunExec runs a non-interactive command inside the container and returns
// its combined output. Used for workspace file listings.
func (d *DockerClient) RunExec(ctx context.Context, containerID string, cmd []string) (string, error) {
	created, err := d.api.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", mapError("create exec", err)
	}

	resp, err := d.api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", mapError("attach exec", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return "", mapError("read exec output", err)
	}

	inspect, err := d.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return "", mapError("inspect exec", err)
	}
	if inspect.ExitCode != 0 {
		return "", hakoerrors.Internal(fmt.Sprintf("exec exited with code %d: %s", inspect.ExitCode, stderr.String()))
	}
	return stdout.String(), nil
}

// hijackedStream adapts the raw bidirectional exec connection to an
// io.ReadWriteCloser. With a TTY the stream carries unframed bytes.
type hijackedStream struct {
	resp types.HijackedResponse
}

func (s *hijackedStream) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *hijackedStream) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

func (s *hijackedStream) Close() error {
	s.resp.Close()
	return nil
}

// mapError translates Docker client errors into the hako taxonomy using
// the SDK's structured predicates rather than error-text matching.
func mapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%s: %v: %w", op, err, hakoerrors.ErrRuntimeUnavailable)
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %v: %w", op, err, hakoerrors.ErrResourceNotFound)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%s: %v: %w", op, err, hakoerrors.ErrConflict)
	default:
		return fmt.Errorf("%s: %v: %w", op, err, hakoerrors.ErrInternal)
	}
}
