package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/devdock/devdock/internal/auth"
	"github.com/devdock/devdock/internal/config"
	"github.com/devdock/devdock/internal/db"
	"github.com/devdock/devdock/internal/docker"
	"github.com/devdock/devdock/internal/models"
	"github.com/devdock/devdock/internal/queue"
)

type apiHarness struct {
	server  *httptest.Server
	store   *db.Store
	signer  *auth.Signer
	queue   *queue.Queue
	runtime *docker.FakeRuntime
	bus     *Bus
	userID  int64
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	userID, err := store.CreateUser(context.Background(), "dev", "hunter22", nil, false)
	if err != nil {
		t.Fatalf("create user: %v", err)
	}

	signer, err := auth.NewSigner("test-secret")
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}

	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { rdb.Close() })
	q := queue.NewWithClient(rdb, "test:queue")

	rt := &docker.FakeRuntime{}
	bus := NewBus()
	cfg := config.DefaultConfig()
	cfg.PortCheckHost = "127.0.0.1"

	api := NewAPI(cfg, store, signer, q, rt, bus, log.New(io.Discard, "", 0))
	mux := http.NewServeMux()
	api.Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &apiHarness{server: server, store: store, signer: signer, queue: q, runtime: rt, bus: bus, userID: userID}
}

func (h *apiHarness) accessToken(t *testing.T) string {
	t.Helper()
	tokens, err := h.signer.Issue(h.userID, "dev")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	return tokens.Access
}

func (h *apiHarness) request(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && err != io.EOF {
		t.Fatalf("%s %s: decode response: %v", method, path, err)
	}
	return resp, decoded
}

func (h *apiHarness) popTask(t *testing.T) models.EnqueuedTask {
	t.Helper()
	payload, ok, err := h.queue.PopBlocking(context.Background(), time.Second)
	if err != nil || !ok {
		t.Fatalf("pop task: ok=%v err=%v", ok, err)
	}
	var task models.EnqueuedTask
	if err := json.Unmarshal([]byte(payload), &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	return task
}

func TestAuthTokenFlow(t *testing.T) {
	h := newAPIHarness(t)

	resp, body := h.request(t, http.MethodPost, "/api/auth/token", "", map[string]string{
		"username": "dev", "password": "hunter22",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, body %v", resp.StatusCode, body)
	}
	access, _ := body["access_token"].(string)
	refresh, _ := body["refresh_token"].(string)
	if access == "" || refresh == "" {
		t.Fatalf("missing tokens: %v", body)
	}

	resp, body = h.request(t, http.MethodPost, "/api/auth/token", "", map[string]string{
		"username": "dev", "password": "wrong",
	})
	if resp.StatusCode != http.StatusUnauthorized || body["detail"] != "Invalid credentials." {
		t.Fatalf("bad password: status %d body %v", resp.StatusCode, body)
	}

	resp, body = h.request(t, http.MethodPost, "/api/auth/token/refresh", "", map[string]string{
		"refresh_token": refresh,
	})
	if resp.StatusCode != http.StatusOK || body["access_token"] == "" {
		t.Fatalf("refresh: status %d body %v", resp.StatusCode, body)
	}

	// Access tokens must not refresh.
	resp, _ = h.request(t, http.MethodPost, "/api/auth/token/refresh", "", map[string]string{
		"refresh_token": access,
	})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("access-as-refresh status = %d", resp.StatusCode)
	}

	resp, _ = h.request(t, http.MethodPost, "/api/auth/token/verify", "", map[string]string{"token": access})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verify status = %d", resp.StatusCode)
	}
	resp, _ = h.request(t, http.MethodPost, "/api/auth/token/verify", "", map[string]string{"token": "garbage"})
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("verify garbage status = %d", resp.StatusCode)
	}
}

func TestContainersRequireAuth(t *testing.T) {
	h := newAPIHarness(t)

	resp, _ := h.request(t, http.MethodGet, "/api/containers", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d", resp.StatusCode)
	}

	h.runtime.ListContainersFn = func(ctx context.Context, prefix string) ([]models.ContainerInfo, error) {
		return []models.ContainerInfo{{ID: "c1", Name: "desk"}}, nil
	}
	resp, body := h.request(t, http.MethodGet, "/api/containers", h.accessToken(t), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %v", resp.StatusCode, body)
	}
	containers, _ := body["containers"].([]any)
	if len(containers) != 1 {
		t.Fatalf("containers = %v", body)
	}
}

func TestRunContainer(t *testing.T) {
	h := newAPIHarness(t)
	token := h.accessToken(t)

	resp, body := h.request(t, http.MethodPost, "/api/container/new", token, map[string]any{
		"container_name": "my/desk",
		"ssh":            "42222",
		"user":           "dev",
		"password":       "pw",
		"vnc_password":   "vnc",
		"root_password":  "root",
		"nvdocker":       true,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %v", resp.StatusCode, body)
	}
	if body["container_name"] != "my-desk" {
		t.Fatalf("container_name = %v, want my-desk", body["container_name"])
	}
	if body["task_id"] == "" {
		t.Fatalf("missing task_id: %v", body)
	}

	task := h.popTask(t)
	job, ok := task.Job.(models.RunImage)
	if !ok {
		t.Fatalf("job = %#v, want RunImage", task.Job)
	}
	if job.Name != "my-desk" || job.SSHPort != 42222 || !job.NVDocker || job.Network != "d-gui-network" {
		t.Fatalf("job = %+v", job)
	}
}

func TestRunContainerValidation(t *testing.T) {
	h := newAPIHarness(t)
	token := h.accessToken(t)

	resp, _ := h.request(t, http.MethodPost, "/api/container/new", token, map[string]any{
		"container_name": "1desk", "ssh": "42222",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad name status = %d", resp.StatusCode)
	}

	resp, body := h.request(t, http.MethodPost, "/api/container/new", token, map[string]any{
		"container_name": "desk", "ssh": "not-a-port",
	})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "Non-integer value provided" {
		t.Fatalf("bad port: status %d body %v", resp.StatusCode, body)
	}

	h.runtime.PortUsedFn = func(ctx context.Context, port uint16) (bool, error) { return true, nil }
	resp, body = h.request(t, http.MethodPost, "/api/container/new", token, map[string]any{
		"container_name": "desk", "ssh": "42222",
	})
	if resp.StatusCode != http.StatusBadRequest || body["error"] != "Port [42222] is already in use by container" {
		t.Fatalf("used port: status %d body %v", resp.StatusCode, body)
	}
}

func TestContainersControl(t *testing.T) {
	h := newAPIHarness(t)
	token := h.accessToken(t)
	events, cancel := h.bus.Subscribe()
	defer cancel()

	resp, body := h.request(t, http.MethodPost, "/api/containers/control", token, map[string]string{
		"cmd": "stop", "id": "abcdef1234567890",
	})
	if resp.StatusCode != http.StatusOK || body["task_id"] == "" {
		t.Fatalf("control: status %d body %v", resp.StatusCode, body)
	}

	envelope := waitNotification(t, events)
	if envelope.Message.Action != models.ActionWaiting {
		t.Fatalf("action = %s, want WAITING", envelope.Message.Action)
	}
	want := "Waiting [abcdef12] for the task to complete [stop]"
	if envelope.Message.Details != want {
		t.Fatalf("details = %q, want %q", envelope.Message.Details, want)
	}
	if envelope.Message.Data["container_id"] != "abcdef1234567890" || envelope.Message.Data["cmd"] != "stop" {
		t.Fatalf("data = %v", envelope.Message.Data)
	}

	task := h.popTask(t)
	if task.Job != (models.StopContainer{ID: "abcdef1234567890"}) {
		t.Fatalf("job = %#v", task.Job)
	}

	resp, _ = h.request(t, http.MethodPost, "/api/containers/control", token, map[string]string{
		"cmd": "explode", "id": "c1",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid cmd status = %d", resp.StatusCode)
	}
}

func TestConsoleMetaRoute(t *testing.T) {
	h := newAPIHarness(t)
	h.runtime.ConsoleMetaFn = func(ctx context.Context, id, action string) (models.ConsoleMeta, error) {
		return models.ConsoleMeta{ID: id, Action: action, ContainerName: "desk"}, nil
	}

	resp, body := h.request(t, http.MethodGet, "/api/console/shell/c1", h.accessToken(t), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body %v", resp.StatusCode, body)
	}
	if body["id"] != "c1" || body["action"] != "shell" || body["container_name"] != "desk" {
		t.Fatalf("meta = %v", body)
	}

	resp, _ = h.request(t, http.MethodGet, "/api/console/shell", h.accessToken(t), nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("short path status = %d", resp.StatusCode)
	}
}

func TestPortAndHostProbes(t *testing.T) {
	h := newAPIHarness(t)

	resp, _ := h.request(t, http.MethodGet, "/api/ports/check", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing port status = %d", resp.StatusCode)
	}

	h.runtime.PortUsedFn = func(ctx context.Context, port uint16) (bool, error) { return true, nil }
	resp, body := h.request(t, http.MethodGet, "/api/ports/check?port=4222", "", nil)
	if resp.StatusCode != http.StatusOK || body["is_used"] != true {
		t.Fatalf("check: status %d body %v", resp.StatusCode, body)
	}

	h.runtime.FindFreePortsFn = func(ctx context.Context, host string, count int) ([]uint16, error) {
		ports := make([]uint16, count)
		for i := range ports {
			ports[i] = uint16(1024 + i)
		}
		return ports, nil
	}
	resp, body = h.request(t, http.MethodGet, "/api/ports?count=3", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("free ports status = %d", resp.StatusCode)
	}
	if ports, _ := body["free_ports"].([]any); len(ports) != 3 {
		t.Fatalf("free_ports = %v", body)
	}

	resp, body = h.request(t, http.MethodGet, "/api/linux/check", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("linux check status = %d", resp.StatusCode)
	}
	if _, ok := body["is_linux"].(bool); !ok {
		t.Fatalf("is_linux missing: %v", body)
	}

	resp, body = h.request(t, http.MethodGet, "/api/nvdocker/check", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable || body["nvidia_docker_available"] != false {
		t.Fatalf("nvdocker: status %d body %v", resp.StatusCode, body)
	}
}
