package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"runtime"
	"strconv"
	"strings"

	"github.com/devdock/devdock/internal/auth"
	"github.com/devdock/devdock/internal/config"
	"github.com/devdock/devdock/internal/db"
	"github.com/devdock/devdock/internal/docker"
	"github.com/devdock/devdock/internal/models"
	"github.com/devdock/devdock/internal/queue"
)

const (
	maxJSONBytes     = 1 << 20 // Maximum size for JSON request bodies (1MB)
	defaultFreePorts = 30
)

var controlCommands = map[string]func(id string) models.Job{
	"start":   func(id string) models.Job { return models.StartContainer{ID: id} },
	"stop":    func(id string) models.Job { return models.StopContainer{ID: id} },
	"remove":  func(id string) models.Job { return models.RemoveContainer{ID: id} },
	"restart": func(id string) models.Job { return models.RestartContainer{ID: id} },
}

// API serves the REST surface under /api. Container and image routes
// require a bearer access token; port and host probes do not.
type API struct {
	cfg     config.Config
	store   *db.Store
	signer  *auth.Signer
	queue   *queue.Queue
	runtime docker.Runtime
	bus     *Bus
	logger  *log.Logger
}

// NewAPI constructs the REST API.
func NewAPI(cfg config.Config, store *db.Store, signer *auth.Signer, q *queue.Queue, rt docker.Runtime, bus *Bus, logger *log.Logger) *API {
	if logger == nil {
		logger = log.Default()
	}
	return &API{cfg: cfg, store: store, signer: signer, queue: q, runtime: rt, bus: bus, logger: logger}
}

// Register mounts all routes on mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/auth/token", a.handleAuthToken)
	mux.HandleFunc("/api/auth/token/refresh", a.handleAuthRefresh)
	mux.HandleFunc("/api/auth/token/verify", a.handleAuthVerify)
	mux.HandleFunc("/api/containers", a.handleContainers)
	mux.HandleFunc("/api/container/new", a.handleRunContainer)
	mux.HandleFunc("/api/containers/control", a.handleContainersControl)
	mux.HandleFunc("/api/console/", a.handleConsoleMeta)
	mux.HandleFunc("/api/images", a.handleImages)
	mux.HandleFunc("/api/ports", a.handleFreePorts)
	mux.HandleFunc("/api/ports/check", a.handlePortCheck)
	mux.HandleFunc("/api/nvdocker/check", a.handleNVDockerCheck)
	mux.HandleFunc("/api/linux/check", a.handleLinuxCheck)
}

// authenticate resolves the bearer token to a user, writing a 401 on any
// failure.
func (a *API) authenticate(w http.ResponseWriter, r *http.Request) (models.User, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || strings.TrimSpace(token) == "" {
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return models.User{}, false
	}
	claims, err := a.signer.VerifyAccess(strings.TrimSpace(token))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return models.User{}, false
	}
	user, err := a.store.GetUserByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return models.User{}, false
	}
	return user, true
}

type tokenRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var body tokenRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	creds, err := a.store.GetCredentials(r.Context(), body.Username)
	if err != nil {
		if errors.Is(err, db.ErrUserNotFound) {
			writeDetail(w, http.StatusUnauthorized, "Invalid credentials.")
			return
		}
		writeDetail(w, http.StatusInternalServerError, "database error")
		return
	}
	if !db.VerifyPassword(creds.PasswordHash, body.Password) {
		writeDetail(w, http.StatusUnauthorized, "Invalid credentials.")
		return
	}
	tokens, err := a.signer.Issue(creds.ID, creds.Username)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, http.StatusOK, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (a *API) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var body refreshRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	claims, err := a.signer.VerifyRefresh(body.RefreshToken)
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	tokens, err := a.signer.Issue(claims.UserID, claims.Subject)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "token issue failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"access_token": tokens.Access})
}

type verifyRequest struct {
	Token string `json:"token"`
}

func (a *API) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	var body verifyRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if body.Token == "" {
		writeDetail(w, http.StatusBadRequest, "token required")
		return
	}
	if _, err := a.signer.VerifyAccess(body.Token); err != nil {
		writeDetail(w, http.StatusUnauthorized, "Token is invalid or expired")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{})
}

func (a *API) handleContainers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	if _, ok := a.authenticate(w, r); !ok {
		return
	}
	containers, err := a.runtime.ListContainers(r.Context(), a.cfg.ImagePrefix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list containers failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"containers": containers})
}

type runContainerRequest struct {
	ContainerName string `json:"container_name"`
	SSH           string `json:"ssh"`
	User          string `json:"user"`
	Password      string `json:"password"`
	VNCPassword   string `json:"vnc_password"`
	RootPassword  string `json:"root_password"`
	Privileged    bool   `json:"privileged"`
	NVDocker      bool   `json:"nvdocker"`
}

func (a *API) handleRunContainer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	if _, ok := a.authenticate(w, r); !ok {
		return
	}
	var body runContainerRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	name := strings.ReplaceAll(body.ContainerName, "/", "-")
	if err := models.ValidateContainerName(name); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sshPort, err := strconv.ParseUint(body.SSH, 10, 16)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Non-integer value provided")
		return
	}
	taken, err := a.runtime.PortUsedByContainer(r.Context(), uint16(sshPort))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "port lookup failed", err)
		return
	}
	if taken {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Port [%d] is already in use by container", sshPort))
		return
	}
	if docker.PortInUse(a.cfg.PortCheckHost, uint16(sshPort)) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Port [%d] is already in use by other services", sshPort))
		return
	}
	taskID, err := a.queue.Enqueue(r.Context(), models.RunImage{
		ImageName:    a.cfg.ImagePrefix,
		SSHPort:      uint16(sshPort),
		Name:         name,
		User:         body.User,
		Password:     body.Password,
		VNCPassword:  body.VNCPassword,
		RootPassword: body.RootPassword,
		Privileged:   body.Privileged,
		NVDocker:     body.NVDocker,
		Network:      a.cfg.DockerNetwork,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"container_name": name,
		"task_id":        taskID,
	})
}

type controlRequest struct {
	Cmd string `json:"cmd"`
	ID  string `json:"id"`
}

// handleContainersControl publishes the WAITING notification and queues
// the lifecycle job. The task id is advisory; clients correlate it with
// the completion notification by eye.
func (a *API) handleContainersControl(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, []string{http.MethodPost})
		return
	}
	if _, ok := a.authenticate(w, r); !ok {
		return
	}
	var body controlRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	makeJob, ok := controlCommands[body.Cmd]
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid cmd")
		return
	}
	if body.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if a.bus != nil {
		waiting := models.Notification{
			Action:  models.ActionWaiting,
			Details: fmt.Sprintf("Waiting [%s] for the task to complete [%s]", clipID(body.ID, 8), body.Cmd),
			Data:    map[string]any{"container_id": body.ID, "cmd": body.Cmd},
		}
		if err := a.bus.Publish(waiting); err != nil {
			a.logger.Printf("devdockd: publish waiting notification: %v", err)
		}
	}
	taskID, err := a.queue.Enqueue(r.Context(), makeJob(body.ID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID})
}

// handleConsoleMeta serves GET /api/console/{action}/{id}.
func (a *API) handleConsoleMeta(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	if _, ok := a.authenticate(w, r); !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/console/")
	parts := strings.SplitN(strings.Trim(rest, "/"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	meta, err := a.runtime.ConsoleMeta(r.Context(), parts[1], parts[0])
	if err != nil {
		writeError(w, http.StatusNotFound, "container not found", err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (a *API) handleImages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	if _, ok := a.authenticate(w, r); !ok {
		return
	}
	images, err := a.runtime.ListImages(r.Context(), a.cfg.ImagePrefix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list images failed", err)
		return
	}
	response := map[string]any{"images": images}
	// Host info is best effort; the listing stands on its own.
	if info, err := a.runtime.SystemInfo(r.Context()); err == nil {
		response["info"] = info
	}
	writeJSON(w, http.StatusOK, response)
}

func (a *API) handleFreePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	count := defaultFreePorts
	if raw := r.URL.Query().Get("count"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "Count must be a positive integer")
			return
		}
		count = parsed
	}
	ports, err := a.runtime.FindFreePorts(r.Context(), a.cfg.PortCheckHost, count)
	if err != nil {
		writeError(w, http.StatusBadRequest, "port scan failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"free_ports": ports})
}

func (a *API) handlePortCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	raw := r.URL.Query().Get("port")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "Port parameter is missing")
		return
	}
	port, err := strconv.ParseUint(raw, 10, 16)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Port must be an integer")
		return
	}
	byContainer, err := a.runtime.PortUsedByContainer(r.Context(), uint16(port))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "port lookup failed", err)
		return
	}
	used := byContainer || docker.PortInUse(a.cfg.PortCheckHost, uint16(port))
	writeJSON(w, http.StatusOK, map[string]any{"port": port, "is_used": used})
}

func (a *API) handleNVDockerCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	available := a.runtime.NVDockerAvailable(r.Context())
	status := http.StatusOK
	if !available {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]bool{"nvidia_docker_available": available})
}

func (a *API) handleLinuxCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, []string{http.MethodGet})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"is_linux": runtime.GOOS == "linux"})
}

func clipID(id string, n int) string {
	if len(id) > n {
		return id[:n]
	}
	return id
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dest); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("unexpected trailing data")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string, err ...error) {
	payload := map[string]string{"error": msg}
	if len(err) > 0 {
		payload["details"] = err[0].Error()
	}
	writeJSON(w, status, payload)
}

// writeDetail matches the auth routes' response key, which the web
// client reads separately from "error".
func writeDetail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func writeMethodNotAllowed(w http.ResponseWriter, methods []string) {
	w.Header().Set("Allow", strings.Join(methods, ", "))
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}
