package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/devdock/devdock/internal/config"
	"github.com/devdock/devdock/internal/docker"
	"github.com/devdock/devdock/internal/models"
	"github.com/devdock/devdock/internal/queue"
)

const (
	popTimeout   = 5 * time.Second
	popRetryWait = 2 * time.Second

	vncResolution = "1600x900"
)

// Worker is the single consumer of the lifecycle queue. All container
// mutations flow through it one job at a time; a failed job is logged and
// dropped while the loop moves on.
type Worker struct {
	queue   *queue.Queue
	runtime docker.Runtime
	bus     *Bus
	cfg     config.Config
	logger  *log.Logger
	metrics *Metrics

	popTimeout time.Duration
	retryWait  time.Duration
}

// NewWorker constructs a worker; it does not start consuming until Run.
func NewWorker(q *queue.Queue, rt docker.Runtime, bus *Bus, cfg config.Config, logger *log.Logger) *Worker {
	if logger == nil {
		logger = log.Default()
	}
	return &Worker{
		queue:      q,
		runtime:    rt,
		bus:        bus,
		cfg:        cfg,
		logger:     logger,
		popTimeout: popTimeout,
		retryWait:  popRetryWait,
	}
}

// WithMetrics attaches a metrics sink and returns the worker.
func (w *Worker) WithMetrics(m *Metrics) *Worker {
	w.metrics = m
	return w
}

// Run consumes the queue until ctx is canceled. Transport errors back off
// briefly and retry; they never terminate the loop.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Printf("devdockd: queue worker started on %q", w.cfg.QueueKey)
	for {
		if ctx.Err() != nil {
			w.logger.Printf("devdockd: queue worker stopped")
			return
		}
		payload, ok, err := w.queue.PopBlocking(ctx, w.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Printf("devdockd: queue worker stopped")
				return
			}
			w.logger.Printf("devdockd: queue pop failed, retrying: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.retryWait):
			}
			continue
		}
		if !ok {
			continue
		}
		w.handle(ctx, payload)
	}
}

// handle decodes and executes one raw queue payload. Malformed payloads
// are consumed and logged; they never stall the queue.
func (w *Worker) handle(ctx context.Context, payload string) {
	var task models.EnqueuedTask
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		w.logger.Printf("devdockd: discarding malformed task payload: %v", err)
		w.metrics.IncJob("malformed", "error")
		return
	}
	jobName := jobLabel(task.Job)
	started := time.Now()
	note, err := w.dispatch(ctx, task.Job)
	w.metrics.ObserveJobDuration(jobName, time.Since(started))
	if err != nil {
		// Failures are logged only; no notification goes out.
		w.logger.Printf("devdockd: task %s (%s) failed: %v", task.TaskID, jobName, err)
		w.metrics.IncJob(jobName, "error")
		return
	}
	w.metrics.IncJob(jobName, "ok")
	if w.bus != nil {
		if err := w.bus.Publish(note); err != nil {
			w.logger.Printf("devdockd: task %s: publish notification: %v", task.TaskID, err)
			return
		}
		w.metrics.IncNotification()
	}
}

func (w *Worker) dispatch(ctx context.Context, job models.Job) (models.Notification, error) {
	switch j := job.(type) {
	case models.RunImage:
		return w.runImage(ctx, j)
	case models.StartContainer:
		return w.containerAction(ctx, j.ID, models.ActionStarted, w.runtime.StartContainer)
	case models.StopContainer:
		return w.containerAction(ctx, j.ID, models.ActionStopped, w.runtime.StopContainer)
	case models.RemoveContainer:
		return w.containerAction(ctx, j.ID, models.ActionRemoved, w.runtime.RemoveContainer)
	case models.RestartContainer:
		return w.containerAction(ctx, j.ID, models.ActionRestarted, w.runtime.RestartContainer)
	default:
		return models.Notification{}, fmt.Errorf("unsupported job type %T", job)
	}
}

// runImage creates a GUI container, joins it to the routing network, and
// starts it. A failed network join is logged and tolerated; the container
// still comes up reachable through its published ports.
func (w *Worker) runImage(ctx context.Context, job models.RunImage) (models.Notification, error) {
	network := job.Network
	if network == "" {
		network = w.cfg.DockerNetwork
	}
	spec := docker.ContainerSpec{
		Image:      job.ImageName,
		Name:       job.Name,
		Env:        guiContainerEnv(job),
		Labels:     routingLabels(job.Name, network, w.cfg.VNCWebPort),
		Privileged: job.Privileged,
		GPUAll:     job.NVDocker,
	}
	if runtime.GOOS == "linux" {
		spec.Binds = append(spec.Binds, "/etc/localtime:/etc/localtime:ro")
	}
	// The SSH binding is always published; host port 0 lets the engine
	// pick an ephemeral one.
	spec.PortBindings = map[string]string{"22/tcp": strconv.Itoa(int(job.SSHPort))}

	id, err := w.runtime.CreateContainer(ctx, spec)
	if err != nil {
		return models.Notification{}, err
	}
	if err := w.runtime.StartContainer(ctx, id); err != nil {
		return models.Notification{}, err
	}
	// The container is reachable through its published ports even when
	// the proxy network join fails, so this is not fatal.
	if err := w.runtime.ConnectNetwork(ctx, network, id); err != nil {
		w.logger.Printf("devdockd: container %s created but joining network %s failed: %v", job.Name, network, err)
	}
	return models.Notification{
		Action:  models.ActionCreated,
		Details: fmt.Sprintf("Container [%s] (%s) has been created", job.Name, job.ImageName),
	}, nil
}

// containerAction runs one single-container operation and builds its
// notification. Remove resolves the display name before acting since the
// container no longer exists afterwards; everything else resolves it
// after, when the state change has already landed.
func (w *Worker) containerAction(ctx context.Context, id string, action models.Action, op func(context.Context, string) error) (models.Notification, error) {
	inspectFirst := action == models.ActionRemoved
	name := id
	if inspectFirst {
		if resolved, err := w.runtime.ContainerName(ctx, id); err == nil {
			name = resolved
		}
	}
	if err := op(ctx, id); err != nil {
		return models.Notification{}, err
	}
	if !inspectFirst {
		if resolved, err := w.runtime.ContainerName(ctx, id); err == nil {
			name = resolved
		}
	}
	return models.Notification{
		Action:  action,
		Details: fmt.Sprintf("Container [%s] has been %s", name, strings.ToLower(string(action))),
	}, nil
}

// guiContainerEnv assembles the desktop image's account and display
// variables.
func guiContainerEnv(job models.RunImage) []string {
	return []string{
		"VNC_PW=" + job.VNCPassword,
		"VNC_RESOLUTION=" + vncResolution,
		"DEFAULT_USER=" + job.User,
		"DEFAULT_USER_PASSWORD=" + job.Password,
		"ROOT_PASSWORD=" + job.RootPassword,
	}
}

// routingLabels builds the reverse-proxy labels that expose the noVNC
// web port under /novnc/<name>/.
func routingLabels(name, network string, vncWebPort int) map[string]string {
	router := "d-gui-" + name
	return map[string]string{
		"traefik.enable": "true",
		fmt.Sprintf("traefik.http.routers.%s.rule", router):        fmt.Sprintf("PathPrefix(`/novnc/%s/`)", name),
		fmt.Sprintf("traefik.http.routers.%s.middlewares", router): router + "-strip-prefix",
		fmt.Sprintf("traefik.http.middlewares.%s-strip-prefix.stripprefix.prefixes", router): fmt.Sprintf("/novnc/%s/", name),
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", router):            strconv.Itoa(vncWebPort),
		"traefik.docker.network": network,
	}
}

func jobLabel(job models.Job) string {
	switch job.(type) {
	case models.RunImage:
		return "run_image"
	case models.StartContainer:
		return "start"
	case models.StopContainer:
		return "stop"
	case models.RemoveContainer:
		return "remove"
	case models.RestartContainer:
		return "restart"
	default:
		return "unknown"
	}
}
