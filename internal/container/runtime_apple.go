package container

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/superagent/superagent/internal/common/logger"
)

// AppleRuntime drives containers through Apple's container CLI
// (macOS 26+). All state queries parse the CLI's JSON output.
type AppleRuntime struct {
	binary string
	logger *logger.Logger
}

var _ Runtime = (*AppleRuntime)(nil)

// NewAppleRuntime creates an Apple container CLI runtime.
func NewAppleRuntime(log *logger.Logger) *AppleRuntime {
	return &AppleRuntime{
		binary: "container",
		logger: log.WithFields(zap.String("component", "apple_runtime")),
	}
}

func (r *AppleRuntime) Name() string { return "apple" }

// Eligible is a static platform check; the Apple runtime exists only on
// macOS.
func (r *AppleRuntime) Eligible() bool {
	return runtime.GOOS == "darwin"
}

// Available probes the CLI and its system service.
func (r *AppleRuntime) Available(ctx context.Context) bool {
	if !r.Eligible() {
		return false
	}
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	cmd := exec.CommandContext(probeCtx, r.binary, "system", "status")
	return cmd.Run() == nil
}

// appleContainer is the subset of the CLI's JSON inspect output the
// manager needs.
type appleContainer struct {
	Status        string `json:"status"`
	Configuration struct {
		ID             string `json:"id"`
		Image          string `json:"image"`
		PublishedPorts []struct {
			HostPort      int `json:"hostPort"`
			ContainerPort int `json:"containerPort"`
		} `json:"publishedPorts"`
	} `json:"configuration"`
}

func (c appleContainer) toInfo() Info {
	info := Info{
		ID:     c.Configuration.ID,
		Name:   c.Configuration.ID,
		Status: mapRuntimeState(strings.ToLower(c.Status), 0),
	}
	for _, port := range c.Configuration.PublishedPorts {
		if port.HostPort > 0 {
			info.HostPort = port.HostPort
			break
		}
	}
	return info
}

// Inspect parses `container inspect` JSON. A missing container reports
// StatusStopped.
func (r *AppleRuntime) Inspect(ctx context.Context, name string) (*Info, error) {
	out, err := r.run(ctx, "inspect", name)
	if err != nil {
		// The CLI exits non-zero for unknown containers.
		return &Info{Name: name, Status: StatusStopped}, nil
	}

	var containers []appleContainer
	if err := json.Unmarshal(out, &containers); err != nil {
		return nil, fmt.Errorf("failed to parse container inspect output for %s: %w", name, err)
	}
	if len(containers) == 0 {
		return &Info{Name: name, Status: StatusStopped}, nil
	}

	info := containers[0].toInfo()
	info.Name = name
	return &info, nil
}

// List parses `container ls --all --format json`.
func (r *AppleRuntime) List(ctx context.Context) ([]Info, error) {
	out, err := r.run(ctx, "ls", "--all", "--format", "json")
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	var containers []appleContainer
	if err := json.Unmarshal(out, &containers); err != nil {
		return nil, fmt.Errorf("failed to parse container list output: %w", err)
	}

	infos := make([]Info, 0, len(containers))
	for _, c := range containers {
		infos = append(infos, c.toInfo())
	}
	return infos, nil
}

// Run starts a detached container with the workspace mounted at
// /workspace and the internal port published on the allocated host port.
func (r *AppleRuntime) Run(ctx context.Context, cfg RunConfig) (string, error) {
	args := []string{
		"run", "--detach",
		"--name", cfg.Name,
		"--publish", fmt.Sprintf("127.0.0.1:%d:%d", cfg.HostPort, cfg.ContainerPort),
	}
	if cfg.WorkspaceDir != "" {
		args = append(args, "--volume", cfg.WorkspaceDir+":/workspace")
	}
	for _, env := range cfg.Env {
		args = append(args, "--env", env)
	}
	for key, value := range cfg.Labels {
		args = append(args, "--label", key+"="+value)
	}
	args = append(args, cfg.Image)

	out, err := r.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("failed to run container %s: %w", cfg.Name, err)
	}

	containerID := strings.TrimSpace(string(out))
	r.logger.Info("Container started",
		zap.String("name", cfg.Name),
		zap.String("container_id", containerID))
	return containerID, nil
}

// Stop stops the container; a failure for an unknown container is
// swallowed.
func (r *AppleRuntime) Stop(ctx context.Context, name string, timeout time.Duration) error {
	_, err := r.run(ctx, "stop", "--time", strconv.Itoa(int(timeout.Seconds())), name)
	if err != nil {
		if r.isMissing(ctx, name) {
			return nil
		}
		return fmt.Errorf("failed to stop container %s: %w", name, err)
	}
	return nil
}

// Remove force-removes the container; unknown containers are not errors.
func (r *AppleRuntime) Remove(ctx context.Context, name string) error {
	_, err := r.run(ctx, "rm", "--force", name)
	if err != nil && !r.isMissing(ctx, name) {
		return fmt.Errorf("failed to remove container %s: %w", name, err)
	}
	return nil
}

// Stats returns memory usage parsed from the CLI's JSON stats output. The
// Apple CLI exposes less than Docker; missing fields stay zero.
func (r *AppleRuntime) Stats(ctx context.Context, name string) (*StatsInfo, error) {
	out, err := r.run(ctx, "stats", "--format", "json", name)
	if err != nil {
		return nil, fmt.Errorf("failed to read container stats for %s: %w", name, err)
	}

	var samples []struct {
		CPUPercent  float64 `json:"cpuPercent"`
		MemoryBytes int64   `json:"memoryBytes"`
		MemoryLimit int64   `json:"memoryLimit"`
	}
	if err := json.Unmarshal(out, &samples); err != nil || len(samples) == 0 {
		return nil, fmt.Errorf("failed to parse container stats for %s", name)
	}

	return &StatsInfo{
		CPUPercent:    samples[0].CPUPercent,
		MemoryBytes:   samples[0].MemoryBytes,
		MemoryLimit:   samples[0].MemoryLimit,
		SampledAtUnix: time.Now().Unix(),
	}, nil
}

// Build builds the agent image from sourceDir.
func (r *AppleRuntime) Build(ctx context.Context, imageName, sourceDir string) error {
	r.logger.Info("Building image",
		zap.String("image", imageName),
		zap.String("source", sourceDir))
	if _, err := r.run(ctx, "build", "--tag", imageName, sourceDir); err != nil {
		return fmt.Errorf("failed to build image %s: %w", imageName, err)
	}
	return nil
}

// HasImage reports whether the image exists locally.
func (r *AppleRuntime) HasImage(ctx context.Context, imageName string) (bool, error) {
	_, err := r.run(ctx, "image", "inspect", imageName)
	return err == nil, nil
}

// Exec runs a command inside the container, streaming its output.
func (r *AppleRuntime) Exec(ctx context.Context, name string, cmd []string) (io.ReadCloser, error) {
	args := append([]string{"exec", name}, cmd...)
	execCmd := exec.CommandContext(ctx, r.binary, args...)
	pipe, err := execCmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open exec pipe for %s: %w", name, err)
	}
	execCmd.Stderr = execCmd.Stdout
	if err := execCmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to exec in container %s: %w", name, err)
	}
	return execReader{pipe: pipe, cmd: execCmd}, nil
}

func (r *AppleRuntime) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%s %s: %w: %s", r.binary, strings.Join(args, " "), err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// isMissing reports whether the container is unknown to the runtime, to
// distinguish transient stop/rm races from real failures.
func (r *AppleRuntime) isMissing(ctx context.Context, name string) bool {
	info, err := r.Inspect(ctx, name)
	return err == nil && info.Status == StatusStopped && info.ID == ""
}

type execReader struct {
	pipe io.ReadCloser
	cmd  *exec.Cmd
}

func (e execReader) Read(p []byte) (int, error) { return e.pipe.Read(p) }

func (e execReader) Close() error {
	_ = e.pipe.Close()
	return e.cmd.Wait()
}
