package docker

import (
	"context"
	"fmt"
	"sync"

	"github.com/devdock/devdock/internal/models"
)

// FakeRuntime implements Runtime with overridable function fields and a
// recorded call log. Unset fields succeed with zero values. It exists for
// tests in other packages; production code never constructs one.
type FakeRuntime struct {
	CreateContainerFn   func(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainerFn    func(ctx context.Context, id string) error
	StopContainerFn     func(ctx context.Context, id string) error
	RestartContainerFn  func(ctx context.Context, id string) error
	RemoveContainerFn   func(ctx context.Context, id string) error
	ConnectNetworkFn    func(ctx context.Context, network, id string) error
	ContainerNameFn     func(ctx context.Context, id string) (string, error)
	ContainerRunningFn  func(ctx context.Context, id string) (bool, error)
	CreateExecFn        func(ctx context.Context, id string, cmd []string, tty, attachStdin bool) (string, error)
	StartExecDetachedFn func(ctx context.Context, execID string) error
	AttachExecFn        func(ctx context.Context, execID string, tty bool) (*ConsoleStream, error)
	ResizeExecFn        func(ctx context.Context, execID string, rows, cols uint) error
	AttachContainerFn   func(ctx context.Context, id string) (*ConsoleStream, error)
	ListContainersFn    func(ctx context.Context, imagePrefix string) ([]models.ContainerInfo, error)
	ListImagesFn        func(ctx context.Context, match string) ([]models.ImageInfo, error)
	SystemInfoFn        func(ctx context.Context) (map[string]any, error)
	ConsoleMetaFn       func(ctx context.Context, id, action string) (models.ConsoleMeta, error)
	PortUsedFn          func(ctx context.Context, port uint16) (bool, error)
	FindFreePortsFn     func(ctx context.Context, host string, count int) ([]uint16, error)
	NVDockerFn          func(ctx context.Context) bool

	mu    sync.Mutex
	calls []string
}

var _ Runtime = (*FakeRuntime)(nil)

func (f *FakeRuntime) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

// Calls returns a copy of the recorded call log in order.
func (f *FakeRuntime) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *FakeRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	f.record("create %s", spec.Name)
	if f.CreateContainerFn != nil {
		return f.CreateContainerFn(ctx, spec)
	}
	return "fake-" + spec.Name, nil
}

func (f *FakeRuntime) StartContainer(ctx context.Context, id string) error {
	f.record("start %s", id)
	if f.StartContainerFn != nil {
		return f.StartContainerFn(ctx, id)
	}
	return nil
}

func (f *FakeRuntime) StopContainer(ctx context.Context, id string) error {
	f.record("stop %s", id)
	if f.StopContainerFn != nil {
		return f.StopContainerFn(ctx, id)
	}
	return nil
}

func (f *FakeRuntime) RestartContainer(ctx context.Context, id string) error {
	f.record("restart %s", id)
	if f.RestartContainerFn != nil {
		return f.RestartContainerFn(ctx, id)
	}
	return nil
}

func (f *FakeRuntime) RemoveContainer(ctx context.Context, id string) error {
	f.record("remove %s", id)
	if f.RemoveContainerFn != nil {
		return f.RemoveContainerFn(ctx, id)
	}
	return nil
}

func (f *FakeRuntime) ConnectNetwork(ctx context.Context, network, id string) error {
	f.record("connect %s %s", network, id)
	if f.ConnectNetworkFn != nil {
		return f.ConnectNetworkFn(ctx, network, id)
	}
	return nil
}

func (f *FakeRuntime) ContainerName(ctx context.Context, id string) (string, error) {
	f.record("name %s", id)
	if f.ContainerNameFn != nil {
		return f.ContainerNameFn(ctx, id)
	}
	return id, nil
}

func (f *FakeRuntime) ContainerRunning(ctx context.Context, id string) (bool, error) {
	f.record("running %s", id)
	if f.ContainerRunningFn != nil {
		return f.ContainerRunningFn(ctx, id)
	}
	return true, nil
}

func (f *FakeRuntime) CreateExec(ctx context.Context, id string, cmd []string, tty, attachStdin bool) (string, error) {
	f.record("exec-create %s", id)
	if f.CreateExecFn != nil {
		return f.CreateExecFn(ctx, id, cmd, tty, attachStdin)
	}
	return "fake-exec", nil
}

func (f *FakeRuntime) StartExecDetached(ctx context.Context, execID string) error {
	f.record("exec-start %s", execID)
	if f.StartExecDetachedFn != nil {
		return f.StartExecDetachedFn(ctx, execID)
	}
	return nil
}

func (f *FakeRuntime) AttachExec(ctx context.Context, execID string, tty bool) (*ConsoleStream, error) {
	f.record("exec-attach %s", execID)
	if f.AttachExecFn != nil {
		return f.AttachExecFn(ctx, execID, tty)
	}
	return nil, fmt.Errorf("no exec attach configured")
}

func (f *FakeRuntime) ResizeExec(ctx context.Context, execID string, rows, cols uint) error {
	f.record("exec-resize %s %dx%d", execID, cols, rows)
	if f.ResizeExecFn != nil {
		return f.ResizeExecFn(ctx, execID, rows, cols)
	}
	return nil
}

func (f *FakeRuntime) AttachContainer(ctx context.Context, id string) (*ConsoleStream, error) {
	f.record("attach %s", id)
	if f.AttachContainerFn != nil {
		return f.AttachContainerFn(ctx, id)
	}
	return nil, fmt.Errorf("no attach configured")
}

func (f *FakeRuntime) ListContainers(ctx context.Context, imagePrefix string) ([]models.ContainerInfo, error) {
	f.record("list-containers %s", imagePrefix)
	if f.ListContainersFn != nil {
		return f.ListContainersFn(ctx, imagePrefix)
	}
	return nil, nil
}

func (f *FakeRuntime) ListImages(ctx context.Context, match string) ([]models.ImageInfo, error) {
	f.record("list-images %s", match)
	if f.ListImagesFn != nil {
		return f.ListImagesFn(ctx, match)
	}
	return nil, nil
}

func (f *FakeRuntime) SystemInfo(ctx context.Context) (map[string]any, error) {
	f.record("system-info")
	if f.SystemInfoFn != nil {
		return f.SystemInfoFn(ctx)
	}
	return map[string]any{}, nil
}

func (f *FakeRuntime) ConsoleMeta(ctx context.Context, id, action string) (models.ConsoleMeta, error) {
	f.record("console-meta %s %s", id, action)
	if f.ConsoleMetaFn != nil {
		return f.ConsoleMetaFn(ctx, id, action)
	}
	return models.ConsoleMeta{ID: id, Action: action}, nil
}

func (f *FakeRuntime) PortUsedByContainer(ctx context.Context, port uint16) (bool, error) {
	f.record("port-used %d", port)
	if f.PortUsedFn != nil {
		return f.PortUsedFn(ctx, port)
	}
	return false, nil
}

func (f *FakeRuntime) FindFreePorts(ctx context.Context, host string, count int) ([]uint16, error) {
	f.record("free-ports %d", count)
	if f.FindFreePortsFn != nil {
		return f.FindFreePortsFn(ctx, host, count)
	}
	return nil, nil
}

func (f *FakeRuntime) NVDockerAvailable(ctx context.Context) bool {
	f.record("nvdocker")
	if f.NVDockerFn != nil {
		return f.NVDockerFn(ctx)
	}
	return false
}
