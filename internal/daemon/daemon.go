// Package daemon wires the queue worker, the notification bus, the REST
// API, and the WebSocket endpoints into one devdockd service.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/devdock/devdock/internal/auth"
	"github.com/devdock/devdock/internal/config"
	"github.com/devdock/devdock/internal/db"
	"github.com/devdock/devdock/internal/docker"
	"github.com/devdock/devdock/internal/queue"
)

const shutdownTimeout = 5 * time.Second

// Service owns the bound listeners and every long-lived component.
type Service struct {
	cfg             config.Config
	store           *db.Store
	signer          *auth.Signer
	queue           *queue.Queue
	runtime         *docker.Client
	bus             *Bus
	metrics         *Metrics
	worker          *Worker
	listener        net.Listener
	metricsListener net.Listener
	server          *http.Server
	metricsServer   *http.Server
}

// Run opens the store, binds listeners, and serves until ctx is canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	store, err := db.Open(cfg.DBPath)
	if err != nil {
		return err
	}
	service, err := NewService(cfg, store)
	if err != nil {
		_ = store.Close()
		return err
	}
	return service.Serve(ctx)
}

// NewService constructs a service with bound listeners. The container
// engine must be reachable at startup; everything the daemon does goes
// through it.
func NewService(cfg config.Config, store *db.Store) (*Service, error) {
	signer, err := auth.NewSigner(cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	q, err := queue.New(cfg.RedisAddr, cfg.QueueKey)
	if err != nil {
		return nil, err
	}
	runtime, err := docker.Connect()
	if err != nil {
		_ = q.Close()
		return nil, err
	}

	bus := NewBus()
	metrics := NewMetrics()
	logger := log.Default()
	worker := NewWorker(q, runtime, bus, cfg, logger).WithMetrics(metrics)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", healthHandler)
	NewAPI(cfg, store, signer, q, runtime, bus, logger).Register(mux)

	console := NewConsoleHandler(runtime, signer, store, logger).WithMetrics(metrics)
	mux.Handle("/ws/console", console)
	mux.Handle("/ws/console/", console)
	notifications := NewNotificationsHandler(bus, logger)
	mux.Handle("/ws/notifications", notifications)
	mux.Handle("/ws/notifications/", notifications)

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		_ = q.Close()
		_ = runtime.Close()
		return nil, fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}

	service := &Service{
		cfg:      cfg,
		store:    store,
		signer:   signer,
		queue:    q,
		runtime:  runtime,
		bus:      bus,
		metrics:  metrics,
		worker:   worker,
		listener: listener,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		},
	}

	if strings.TrimSpace(cfg.MetricsListen) != "" {
		metricsListener, err := net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = listener.Close()
			_ = q.Close()
			_ = runtime.Close()
			return nil, fmt.Errorf("listen metrics %s: %w", cfg.MetricsListen, err)
		}
		metricsMux := http.NewServeMux()
		metricsMux.HandleFunc("/healthz", healthHandler)
		metricsMux.Handle("/metrics", metrics.Handler())
		service.metricsListener = metricsListener
		service.metricsServer = &http.Server{
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
			IdleTimeout:       2 * time.Minute,
		}
	}
	return service, nil
}

// Serve blocks until shutdown or a listener error occurs.
func (s *Service) Serve(ctx context.Context) error {
	log.Printf("devdockd: listening on %s", s.cfg.Listen)
	if s.metricsServer != nil {
		log.Printf("devdockd: metrics on %s", s.cfg.MetricsListen)
	}

	workerCtx, stopWorker := context.WithCancel(context.Background())
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		s.worker.Run(workerCtx)
	}()

	servers := 1
	errCh := make(chan error, 2)
	go func() { errCh <- s.server.Serve(s.listener) }()
	if s.metricsServer != nil {
		servers = 2
		go func() { errCh <- s.metricsServer.Serve(s.metricsListener) }()
	}

	remaining := servers
	var serveErr error
	select {
	case <-ctx.Done():
		// graceful shutdown
	case err := <-errCh:
		remaining--
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	}

	s.shutdown()
	stopWorker()
	<-workerDone
	for i := 0; i < remaining; i++ {
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) && serveErr == nil {
			serveErr = err
		}
	}

	_ = s.queue.Close()
	_ = s.runtime.Close()
	return serveErr
}

func (s *Service) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = s.server.Shutdown(ctx)
	if s.metricsServer != nil {
		_ = s.metricsServer.Shutdown(ctx)
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
