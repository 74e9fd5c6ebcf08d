// Package docker wraps the Docker Engine API behind the Runtime interface
// consumed by the queue worker, the console sessions, and the REST API.
package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/devdock/devdock/internal/models"
)

// ContainerSpec carries everything needed to create one GUI container.
// Translation to engine types happens here so callers stay SDK-free.
type ContainerSpec struct {
	Image        string
	Name         string
	Env          []string
	Labels       map[string]string
	Binds        []string
	PortBindings map[string]string // "22/tcp" -> host port
	Privileged   bool
	GPUAll       bool // request all GPUs under the nvidia driver
}

// ConsoleStream is one live byte stream to a container: Output carries
// the remote side's bytes, Input accepts keystrokes, Close tears the
// transport down (which also ends Output).
type ConsoleStream struct {
	Output io.Reader
	Input  io.Writer
	closer func()
}

// NewConsoleStream assembles a stream; close may be nil.
func NewConsoleStream(output io.Reader, input io.Writer, close func()) *ConsoleStream {
	return &ConsoleStream{Output: output, Input: input, closer: close}
}

// Close shuts the underlying transport. Safe to call more than once if
// the close function tolerates it.
func (s *ConsoleStream) Close() {
	if s != nil && s.closer != nil {
		s.closer()
	}
}

// Runtime is the capability surface over the container engine. Individual
// calls are independently safe for concurrent use.
type Runtime interface {
	// Lifecycle, driven by the queue worker.
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string) error
	RestartContainer(ctx context.Context, id string) error
	RemoveContainer(ctx context.Context, id string) error
	ConnectNetwork(ctx context.Context, network, id string) error
	ContainerName(ctx context.Context, id string) (string, error)

	// Console plumbing.
	ContainerRunning(ctx context.Context, id string) (bool, error)
	CreateExec(ctx context.Context, id string, cmd []string, tty, attachStdin bool) (string, error)
	StartExecDetached(ctx context.Context, execID string) error
	AttachExec(ctx context.Context, execID string, tty bool) (*ConsoleStream, error)
	ResizeExec(ctx context.Context, execID string, rows, cols uint) error
	AttachContainer(ctx context.Context, id string) (*ConsoleStream, error)

	// Inventory and host probes for the REST surface.
	ListContainers(ctx context.Context, imagePrefix string) ([]models.ContainerInfo, error)
	ListImages(ctx context.Context, match string) ([]models.ImageInfo, error)
	SystemInfo(ctx context.Context) (map[string]any, error)
	ConsoleMeta(ctx context.Context, id, action string) (models.ConsoleMeta, error)
	PortUsedByContainer(ctx context.Context, port uint16) (bool, error)
	FindFreePorts(ctx context.Context, host string, count int) ([]uint16, error)
	NVDockerAvailable(ctx context.Context) bool
}

// Client implements Runtime over the local Docker daemon.
type Client struct {
	api *client.Client
}

var _ Runtime = (*Client)(nil)

// Connect opens a client honoring DOCKER_HOST and friends.
func Connect() (*Client, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("connect docker: %w", err)
	}
	return &Client{api: api}, nil
}

// Close releases the client transport.
func (c *Client) Close() error {
	if c == nil || c.api == nil {
		return nil
	}
	return c.api.Close()
}

// CreateContainer translates a ContainerSpec into engine types and
// creates (but does not start) the container.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	if spec.Image == "" {
		return "", errors.New("image is required")
	}
	portBindings := nat.PortMap{}
	exposed := nat.PortSet{}
	for containerPort, hostPort := range spec.PortBindings {
		port := nat.Port(containerPort)
		exposed[port] = struct{}{}
		portBindings[port] = []nat.PortBinding{{HostPort: hostPort}}
	}
	var deviceRequests []container.DeviceRequest
	if spec.GPUAll {
		deviceRequests = append(deviceRequests, container.DeviceRequest{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		})
	}
	created, err := c.api.ContainerCreate(ctx,
		&container.Config{
			Image:        spec.Image,
			Env:          spec.Env,
			Labels:       spec.Labels,
			ExposedPorts: exposed,
		},
		&container.HostConfig{
			PortBindings: portBindings,
			Binds:        spec.Binds,
			Privileged:   spec.Privileged,
			Resources:    container.Resources{DeviceRequests: deviceRequests},
		},
		nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	return created.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	if err := c.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", shortID(id), err)
	}
	return nil
}

func (c *Client) StopContainer(ctx context.Context, id string) error {
	if err := c.api.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("stop container %s: %w", shortID(id), err)
	}
	return nil
}

func (c *Client) RestartContainer(ctx context.Context, id string) error {
	if err := c.api.ContainerRestart(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("restart container %s: %w", shortID(id), err)
	}
	return nil
}

func (c *Client) RemoveContainer(ctx context.Context, id string) error {
	if err := c.api.ContainerRemove(ctx, id, container.RemoveOptions{}); err != nil {
		return fmt.Errorf("remove container %s: %w", shortID(id), err)
	}
	return nil
}

func (c *Client) ConnectNetwork(ctx context.Context, network, id string) error {
	if err := c.api.NetworkConnect(ctx, network, id, nil); err != nil {
		return fmt.Errorf("connect %s to network %s: %w", shortID(id), network, err)
	}
	return nil
}

// ContainerName resolves the display name (no leading slash) for an id.
func (c *Client) ContainerName(ctx context.Context, id string) (string, error) {
	inspect, err := c.api.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", shortID(id), err)
	}
	name := strings.TrimPrefix(inspect.Name, "/")
	if name == "" {
		name = id
	}
	return name, nil
}

func (c *Client) ContainerRunning(ctx context.Context, id string) (bool, error) {
	inspect, err := c.api.ContainerInspect(ctx, id)
	if err != nil {
		return false, fmt.Errorf("inspect container %s: %w", shortID(id), err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

func (c *Client) CreateExec(ctx context.Context, id string, cmd []string, tty, attachStdin bool) (string, error) {
	created, err := c.api.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          cmd,
		Tty:          tty,
		AttachStdin:  attachStdin,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("create exec in %s: %w", shortID(id), err)
	}
	return created.ID, nil
}

func (c *Client) StartExecDetached(ctx context.Context, execID string) error {
	if err := c.api.ContainerExecStart(ctx, execID, container.ExecStartOptions{Detach: true}); err != nil {
		return fmt.Errorf("start exec %s: %w", shortID(execID), err)
	}
	return nil
}

// AttachExec starts the exec attached and returns its live stream. With a
// TTY the stream is raw; without one the engine multiplexes stdout/stderr
// and the result is demuxed here before forwarding.
func (c *Client) AttachExec(ctx context.Context, execID string, tty bool) (*ConsoleStream, error) {
	resp, err := c.api.ContainerExecAttach(ctx, execID, container.ExecAttachOptions{Tty: tty})
	if err != nil {
		return nil, fmt.Errorf("attach exec %s: %w", shortID(execID), err)
	}
	return hijackedStream(resp, tty), nil
}

func (c *Client) ResizeExec(ctx context.Context, execID string, rows, cols uint) error {
	if err := c.api.ContainerExecResize(ctx, execID, container.ResizeOptions{Height: rows, Width: cols}); err != nil {
		return fmt.Errorf("resize exec %s: %w", shortID(execID), err)
	}
	return nil
}

// AttachContainer opens a raw attach to the primary process, including
// the output backlog.
func (c *Client) AttachContainer(ctx context.Context, id string) (*ConsoleStream, error) {
	inspect, err := c.api.ContainerInspect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("inspect container %s: %w", shortID(id), err)
	}
	tty := inspect.Config != nil && inspect.Config.Tty
	resp, err := c.api.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
		Logs:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("attach container %s: %w", shortID(id), err)
	}
	return hijackedStream(resp, tty), nil
}

// hijackedStream adapts an engine hijacked connection to a ConsoleStream,
// demuxing the stdout/stderr framing when the target has no TTY.
func hijackedStream(resp types.HijackedResponse, tty bool) *ConsoleStream {
	if tty {
		return NewConsoleStream(resp.Reader, resp.Conn, resp.Close)
	}
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, pw, resp.Reader)
		_ = pw.CloseWithError(err)
	}()
	return NewConsoleStream(pr, resp.Conn, func() {
		resp.Close()
		_ = pr.Close()
	})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
