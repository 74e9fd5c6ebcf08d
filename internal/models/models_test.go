package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEnqueuedTaskRoundTrip(t *testing.T) {
	jobs := []Job{
		RunImage{
			ImageName:    "gui-vnc:latest",
			SSHPort:      2222,
			Name:         "ab",
			User:         "dev",
			Password:     "pw",
			VNCPassword:  "vncpw",
			RootPassword: "rootpw",
			Privileged:   true,
			NVDocker:     true,
			Network:      "d-gui-network",
		},
		StartContainer{ID: "c1"},
		StopContainer{ID: "c2"},
		RemoveContainer{ID: "c3"},
		RestartContainer{ID: "c4"},
	}
	for _, job := range jobs {
		task := EnqueuedTask{TaskID: "1a2b3c", Job: job}
		data, err := json.Marshal(task)
		if err != nil {
			t.Fatalf("marshal %T: %v", job, err)
		}
		var decoded EnqueuedTask
		if err := json.Unmarshal(data, &decoded); err != nil {
			t.Fatalf("unmarshal %T: %v", job, err)
		}
		if decoded.TaskID != task.TaskID {
			t.Fatalf("task id changed: %q -> %q", task.TaskID, decoded.TaskID)
		}
		if decoded.Job != job {
			t.Fatalf("job changed: %#v -> %#v", job, decoded.Job)
		}
	}
}

func TestEnqueuedTaskWireShape(t *testing.T) {
	task := EnqueuedTask{TaskID: "ff01", Job: StartContainer{ID: "abc"}}
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"task_id":"ff01","job":{"StartContainer":{"id":"abc"}}}`
	if string(data) != want {
		t.Fatalf("wire shape mismatch:\n got %s\nwant %s", data, want)
	}
}

func TestEnqueuedTaskUnknownVariant(t *testing.T) {
	payload := `{"task_id":"x","job":{"PauseContainer":{"id":"abc"}}}`
	var task EnqueuedTask
	err := json.Unmarshal([]byte(payload), &task)
	if err == nil {
		t.Fatal("expected error for unknown variant")
	}
	if !strings.Contains(err.Error(), "PauseContainer") {
		t.Fatalf("error should name the variant: %v", err)
	}
}

func TestEnqueuedTaskRejectsMultipleVariants(t *testing.T) {
	payload := `{"task_id":"x","job":{"StartContainer":{"id":"a"},"StopContainer":{"id":"b"}}}`
	var task EnqueuedTask
	if err := json.Unmarshal([]byte(payload), &task); err == nil {
		t.Fatal("expected error for two variants in one job")
	}
}

func TestNotificationEncode(t *testing.T) {
	n := Notification{Action: ActionCreated, Details: "Container [ab] (gui-vnc) has been created"}
	encoded, err := n.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var envelope NotificationEnvelope
	if err := json.Unmarshal([]byte(encoded), &envelope); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	if envelope.Message.Action != ActionCreated {
		t.Fatalf("action = %q", envelope.Message.Action)
	}
	if envelope.Message.Data != nil {
		t.Fatalf("data should be omitted when empty, got %v", envelope.Message.Data)
	}
}

func TestValidateContainerName(t *testing.T) {
	cases := []struct {
		name  string
		valid bool
	}{
		{"ab", true},
		{"Desk-01", true},
		{"a", false},
		{"", false},
		{"1ab", false},
		{"-ab", false},
	}
	for _, tc := range cases {
		err := ValidateContainerName(tc.name)
		if tc.valid && err != nil {
			t.Fatalf("%q should be valid: %v", tc.name, err)
		}
		if !tc.valid && err == nil {
			t.Fatalf("%q should be rejected", tc.name)
		}
	}
}
