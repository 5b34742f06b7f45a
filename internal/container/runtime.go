package container

import (
	"context"
	"io"
	"time"
)

// Container runtime statuses as exposed to the rest of the system.
const (
	StatusStopped  = "stopped"
	StatusStarting = "starting"
	StatusRunning  = "running"
	StatusCrashed  = "crashed"
)

// Info is the runtime's view of one container.
type Info struct {
	ID       string
	Name     string
	Status   string // one of the Status* constants
	HostPort int    // 0 when no port is published
	ExitCode int
}

// RunConfig describes a container to start.
type RunConfig struct {
	Name          string
	Image         string
	Env           []string
	HostPort      int
	ContainerPort int
	WorkspaceDir  string // mounted at /workspace
	Labels        map[string]string
}

// StatsInfo is a point-in-time resource usage sample.
type StatsInfo struct {
	CPUPercent    float64
	MemoryBytes   int64
	MemoryLimit   int64
	SampledAtUnix int64
}

// Runtime is the capability set the manager needs from a container
// runtime. DockerRuntime talks to the daemon through the SDK;
// AppleRuntime shells out to the container CLI. Eligibility is a static
// platform check, availability a live probe; both must hold before Run is
// attempted.
type Runtime interface {
	Name() string
	Eligible() bool
	Available(ctx context.Context) bool

	// Inspect returns the container's current status and published host
	// port. A missing container reports StatusStopped, not an error.
	Inspect(ctx context.Context, name string) (*Info, error)

	// List returns all containers the runtime knows about, running or
	// not. Used for the used-port scan during allocation.
	List(ctx context.Context) ([]Info, error)

	Run(ctx context.Context, cfg RunConfig) (containerID string, err error)
	Stop(ctx context.Context, name string, timeout time.Duration) error
	Remove(ctx context.Context, name string) error
	Stats(ctx context.Context, name string) (*StatsInfo, error)

	// Build builds the agent image from the given source directory.
	Build(ctx context.Context, imageName, sourceDir string) error

	// HasImage reports whether the image exists locally.
	HasImage(ctx context.Context, imageName string) (bool, error)

	// Exec runs a command inside the container and returns its combined
	// output.
	Exec(ctx context.Context, name string, cmd []string) (io.ReadCloser, error)
}

// mapRuntimeState normalizes a runtime-native state string. Docker and
// the Apple container CLI use overlapping but not identical vocabularies.
func mapRuntimeState(state string, exitCode int) string {
	switch state {
	case "running":
		return StatusRunning
	case "created", "restarting", "starting":
		return StatusStarting
	case "exited", "dead", "stopped":
		if exitCode != 0 {
			return StatusCrashed
		}
		return StatusStopped
	default:
		return StatusStopped
	}
}
