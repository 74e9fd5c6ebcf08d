// Package models defines the job, task, and notification types shared by
// the queue, the worker, and the API layer.
package models

import (
	"encoding/json"
	"fmt"
)

// Action classifies the outcome carried by a Notification.
type Action string

const (
	ActionWaiting   Action = "WAITING"
	ActionCreated   Action = "CREATED"
	ActionStarted   Action = "STARTED"
	ActionStopped   Action = "STOPPED"
	ActionRemoved   Action = "REMOVED"
	ActionRestarted Action = "RESTARTED"
)

// Job is the closed set of lifecycle operations the queue worker executes.
// The concrete types below are the only implementations.
type Job interface {
	isJob()
}

// RunImage creates and starts a new GUI container from an image.
type RunImage struct {
	ImageName    string `json:"image_name"`
	SSHPort      uint16 `json:"ssh_port"`
	Name         string `json:"name"`
	User         string `json:"user"`
	Password     string `json:"password"`
	VNCPassword  string `json:"vnc_password"`
	RootPassword string `json:"root_password"`
	Privileged   bool   `json:"privileged"`
	NVDocker     bool   `json:"nvdocker"`
	Network      string `json:"docker_network"`
}

// StartContainer starts an existing container by id.
type StartContainer struct {
	ID string `json:"id"`
}

// StopContainer stops a running container by id.
type StopContainer struct {
	ID string `json:"id"`
}

// RemoveContainer removes a container by id.
type RemoveContainer struct {
	ID string `json:"id"`
}

// RestartContainer restarts a container by id.
type RestartContainer struct {
	ID string `json:"id"`
}

func (RunImage) isJob()         {}
func (StartContainer) isJob()   {}
func (StopContainer) isJob()    {}
func (RemoveContainer) isJob()  {}
func (RestartContainer) isJob() {}

// EnqueuedTask pairs a job with the advisory task id generated at enqueue
// time. The id is never looked up again; it only correlates log lines and
// notifications by eye.
type EnqueuedTask struct {
	TaskID string
	Job    Job
}

// taskEnvelope is the wire shape: the job is externally tagged by its
// variant name, e.g. {"task_id":"...","job":{"RunImage":{...}}}.
type taskEnvelope struct {
	TaskID string                     `json:"task_id"`
	Job    map[string]json.RawMessage `json:"job"`
}

func (t EnqueuedTask) MarshalJSON() ([]byte, error) {
	variant, err := jobVariant(t.Job)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(t.Job)
	if err != nil {
		return nil, err
	}
	return json.Marshal(taskEnvelope{
		TaskID: t.TaskID,
		Job:    map[string]json.RawMessage{variant: raw},
	})
}

func (t *EnqueuedTask) UnmarshalJSON(data []byte) error {
	var envelope taskEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}
	if len(envelope.Job) != 1 {
		return fmt.Errorf("task %q: job must carry exactly one variant, got %d", envelope.TaskID, len(envelope.Job))
	}
	for variant, raw := range envelope.Job {
		job, err := decodeJob(variant, raw)
		if err != nil {
			return fmt.Errorf("task %q: %w", envelope.TaskID, err)
		}
		t.Job = job
	}
	t.TaskID = envelope.TaskID
	return nil
}

func jobVariant(job Job) (string, error) {
	switch job.(type) {
	case RunImage:
		return "RunImage", nil
	case StartContainer:
		return "StartContainer", nil
	case StopContainer:
		return "StopContainer", nil
	case RemoveContainer:
		return "RemoveContainer", nil
	case RestartContainer:
		return "RestartContainer", nil
	case nil:
		return "", fmt.Errorf("job is nil")
	default:
		return "", fmt.Errorf("unsupported job type %T", job)
	}
}

func decodeJob(variant string, raw json.RawMessage) (Job, error) {
	switch variant {
	case "RunImage":
		var j RunImage
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, err
		}
		return j, nil
	case "StartContainer":
		var j StartContainer
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, err
		}
		return j, nil
	case "StopContainer":
		var j StopContainer
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, err
		}
		return j, nil
	case "RemoveContainer":
		var j RemoveContainer
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, err
		}
		return j, nil
	case "RestartContainer":
		var j RestartContainer
		if err := json.Unmarshal(raw, &j); err != nil {
			return nil, err
		}
		return j, nil
	default:
		return nil, fmt.Errorf("unknown job variant %q", variant)
	}
}

// Notification is one event published to the bus after a worker dispatch
// succeeds (or ahead of an enqueue, for WAITING). Never stored.
type Notification struct {
	Action  Action         `json:"action"`
	Details string         `json:"details"`
	Data    map[string]any `json:"data,omitempty"`
}

// NotificationEnvelope is the wire shape delivered over the notification
// socket: {"message":{...}}.
type NotificationEnvelope struct {
	Message Notification `json:"message"`
}

// Encode renders the notification in its envelope form.
func (n Notification) Encode() (string, error) {
	data, err := json.Marshal(NotificationEnvelope{Message: n})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ValidateContainerName enforces the naming invariant required before a
// RunImage job may be enqueued: the worker derives routing labels from the
// name and trusts it blindly.
func ValidateContainerName(name string) error {
	if len(name) < 2 {
		return fmt.Errorf("container name must be at least 2 characters long")
	}
	c := name[0]
	if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
		return fmt.Errorf("container name must start with a letter [a-zA-Z]")
	}
	return nil
}

// User is the public view of an account; password hashes never leave
// internal/db.
type User struct {
	ID       int64   `json:"id"`
	Username string  `json:"username"`
	Email    *string `json:"email"`
	IsStaff  bool    `json:"is_staff"`
}

// ContainerInfo is one row of the container listing returned by the API.
type ContainerInfo struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Status     string            `json:"status"`
	Command    []string          `json:"command"`
	ShortID    string            `json:"short_id"`
	ImageTag   string            `json:"image_tag"`
	Ports      map[string]string `json:"ports"`
	Privileged bool              `json:"privileged"`
	NVDocker   bool              `json:"nvdocker"`
	SizeRaw    int64             `json:"size_raw"`
	SizeFS     int64             `json:"size_fs"`
}

// ImageInfo is one row of the image listing returned by the API.
type ImageInfo struct {
	ID      string   `json:"id"`
	Size    float64  `json:"size"`
	ShortID string   `json:"short_id"`
	Name    string   `json:"name"`
	Tags    []string `json:"tags"`
}

// ConsoleMeta describes the target of a console page before the WebSocket
// is opened.
type ConsoleMeta struct {
	ID            string `json:"id"`
	ContainerName string `json:"container_name"`
	Image         string `json:"image"`
	ShortID       string `json:"short_id"`
	Command       string `json:"command"`
	Action        string `json:"action"`
}
