package container

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/common/config"
	"github.com/superagent/superagent/internal/common/logger"
)

// DockerRuntime drives containers through the Docker SDK. Image builds go
// through the docker CLI because the SDK build path requires tarring the
// whole context by hand.
type DockerRuntime struct {
	cli    *client.Client
	logger *logger.Logger
}

var _ Runtime = (*DockerRuntime)(nil)

// NewDockerRuntime creates a Docker-backed runtime.
func NewDockerRuntime(cfg config.DockerConfig, log *logger.Logger) (*DockerRuntime, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("Docker runtime created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion))

	return &DockerRuntime{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker_runtime")),
	}, nil
}

func (r *DockerRuntime) Name() string { return "docker" }

// Eligible is always true for Docker; the daemon runs on every supported
// platform.
func (r *DockerRuntime) Eligible() bool { return true }

// Available pings the daemon.
func (r *DockerRuntime) Available(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := r.cli.Ping(pingCtx)
	return err == nil
}

// Inspect returns the named container's status and published host port.
// A missing container reports StatusStopped.
func (r *DockerRuntime) Inspect(ctx context.Context, name string) (*Info, error) {
	inspect, err := r.cli.ContainerInspect(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return &Info{Name: name, Status: StatusStopped}, nil
		}
		return nil, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}

	info := &Info{
		ID:   inspect.ID,
		Name: name,
	}
	if inspect.State != nil {
		info.ExitCode = inspect.State.ExitCode
		info.Status = mapRuntimeState(inspect.State.Status, inspect.State.ExitCode)
	} else {
		info.Status = StatusStopped
	}
	if inspect.NetworkSettings != nil {
		for _, bindings := range inspect.NetworkSettings.Ports {
			for _, binding := range bindings {
				if port, err := strconv.Atoi(binding.HostPort); err == nil && port > 0 {
					info.HostPort = port
					break
				}
			}
			if info.HostPort != 0 {
				break
			}
		}
	}
	return info, nil
}

// List returns every container the daemon knows about, including stopped
// ones, with their published host ports.
func (r *DockerRuntime) List(ctx context.Context) ([]Info, error) {
	containers, err := r.cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	infos := make([]Info, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		info := Info{
			ID:     ctr.ID,
			Name:   name,
			Status: mapRuntimeState(ctr.State, 0),
		}
		for _, port := range ctr.Ports {
			if port.PublicPort > 0 {
				info.HostPort = int(port.PublicPort)
				break
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// Run creates and starts a container with the workspace mounted at
// /workspace and the internal port published on the allocated host port.
func (r *DockerRuntime) Run(ctx context.Context, cfg RunConfig) (string, error) {
	r.logger.Info("Creating container",
		zap.String("name", cfg.Name),
		zap.String("image", cfg.Image),
		zap.Int("host_port", cfg.HostPort))

	internalPort, err := nat.NewPort("tcp", strconv.Itoa(cfg.ContainerPort))
	if err != nil {
		return "", fmt.Errorf("invalid container port %d: %w", cfg.ContainerPort, err)
	}

	containerCfg := &container.Config{
		Image:  cfg.Image,
		Env:    cfg.Env,
		Labels: cfg.Labels,
		ExposedPorts: nat.PortSet{
			internalPort: struct{}{},
		},
	}

	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			internalPort: []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: strconv.Itoa(cfg.HostPort)},
			},
		},
	}
	if cfg.WorkspaceDir != "" {
		hostCfg.Mounts = []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: cfg.WorkspaceDir,
				Target: "/workspace",
			},
		}
	}

	resp, err := r.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", cfg.Name, err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", cfg.Name, err)
	}

	r.logger.Info("Container started",
		zap.String("name", cfg.Name),
		zap.String("container_id", resp.ID))
	return resp.ID, nil
}

// Stop stops the named container gracefully. A missing container is not
// an error.
func (r *DockerRuntime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	err := r.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeoutSeconds})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	r.logger.Info("Container stopped", zap.String("name", name))
	return nil
}

// Remove force-removes the named container. A missing container is not an
// error.
func (r *DockerRuntime) Remove(ctx context.Context, name string) error {
	err := r.cli.ContainerRemove(ctx, name, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// Stats returns a one-shot resource usage sample.
func (r *DockerRuntime) Stats(ctx context.Context, name string) (*StatsInfo, error) {
	stats, err := r.cli.ContainerStatsOneShot(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read container stats for %s: %w", name, err)
	}
	defer func() {
		_ = stats.Body.Close()
	}()

	var payload struct {
		CPUStats struct {
			CPUUsage struct {
				TotalUsage uint64 `json:"total_usage"`
			} `json:"cpu_usage"`
			SystemUsage uint64 `json:"system_cpu_usage"`
			OnlineCPUs  int    `json:"online_cpus"`
		} `json:"cpu_stats"`
		MemoryStats struct {
			Usage uint64 `json:"usage"`
			Limit uint64 `json:"limit"`
		} `json:"memory_stats"`
	}
	if err := json.NewDecoder(stats.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode container stats for %s: %w", name, err)
	}

	info := &StatsInfo{
		MemoryBytes:   int64(payload.MemoryStats.Usage),
		MemoryLimit:   int64(payload.MemoryStats.Limit),
		SampledAtUnix: time.Now().Unix(),
	}
	if payload.CPUStats.SystemUsage > 0 {
		info.CPUPercent = float64(payload.CPUStats.CPUUsage.TotalUsage) /
			float64(payload.CPUStats.SystemUsage) * 100 * float64(payload.CPUStats.OnlineCPUs)
	}
	return info, nil
}

// Build builds the agent image from sourceDir via the docker CLI.
func (r *DockerRuntime) Build(ctx context.Context, imageName, sourceDir string) error {
	r.logger.Info("Building image",
		zap.String("image", imageName),
		zap.String("source", sourceDir))

	cmd := exec.CommandContext(ctx, "docker", "build", "-t", imageName, sourceDir)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("failed to build image %s: %w: %s", imageName, err, string(out))
	}

	r.logger.Info("Image built", zap.String("image", imageName))
	return nil
}

// HasImage reports whether the image exists locally.
func (r *DockerRuntime) HasImage(ctx context.Context, imageName string) (bool, error) {
	_, _, err := r.cli.ImageInspectWithRaw(ctx, imageName)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", imageName, err)
	}
	return true, nil
}

// Exec runs a command inside the container and returns its combined
// output stream.
func (r *DockerRuntime) Exec(ctx context.Context, name string, cmd []string) (io.ReadCloser, error) {
	execID, err := r.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create exec in container %s: %w", name, err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to attach exec in container %s: %w", name, err)
	}
	return readCloser{Reader: attach.Reader, close: attach.Close}, nil
}

// Close releases the underlying Docker client.
func (r *DockerRuntime) Close() error {
	return r.cli.Close()
}

// PullImage pulls the given image, draining the progress stream.
func (r *DockerRuntime) PullImage(ctx context.Context, imageName string) error {
	reader, err := r.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", imageName, err)
	}
	defer func() {
		_ = reader.Close()
	}()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error reading image pull output: %w", err)
	}
	return nil
}

type readCloser struct {
	io.Reader
	close func()
}

func (r readCloser) Close() error {
	r.close()
	return nil
}
