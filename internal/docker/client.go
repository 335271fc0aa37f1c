package docker

import (
	"context"
	"time"

	dockerclient "github.com/docker/docker/client"

	"github.com/ofkm/agenthost/internal/process"
)

const inspectTimeout = 5 * time.Second

// ContainerState is what the Engine API says about a container.
type ContainerState int

const (
	StateUnknown ContainerState = iota
	StateRunning
	StateStopped
	StateMissing
)

func (s ContainerState) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	case StateMissing:
		return "missing"
	default:
		return "unknown"
	}
}

// Client runs commands inside containers through the docker CLI and, when the
// Engine API is reachable, inspects container state before doing so.
type Client struct {
	binary string
	runner process.Runner
	api    dockerclient.APIClient
}

func NewClient(binary string, runner process.Runner) *Client {
	c := &Client{binary: binary, runner: runner}

	// The API client only dials on first use, so this rarely fails
	if api, err := dockerclient.NewClientWithOpts(dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()); err == nil {
		c.api = api
	}

	return c
}

// Exec runs `docker exec <containerID> args...`.
func (c *Client) Exec(ctx context.Context, containerID string, args ...string) (*process.Result, error) {
	cmdArgs := append([]string{"exec", containerID}, args...)
	return c.runner.Run(ctx, c.binary, cmdArgs...)
}

// IsDockerAvailable checks if the docker CLI can talk to a daemon
func (c *Client) IsDockerAvailable(ctx context.Context) bool {
	_, err := c.runner.Run(ctx, c.binary, "version", "--format", "{{.Server.Version}}")
	return err == nil
}

// ContainerState inspects containerID. API errors other than not-found
// report StateUnknown so callers fall through to exec.
func (c *Client) ContainerState(ctx context.Context, containerID string) ContainerState {
	if c.api == nil {
		return StateUnknown
	}

	ctx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	info, err := c.api.ContainerInspect(ctx, containerID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return StateMissing
		}
		return StateUnknown
	}
	if info.ContainerJSONBase == nil || info.State == nil {
		return StateUnknown
	}
	if info.State.Running {
		return StateRunning
	}
	return StateStopped
}

func (c *Client) Close() error {
	if c.api == nil {
		return nil
	}
	return c.api.Close()
}
