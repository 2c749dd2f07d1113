package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"

	"github.com/grafana/traced/pkg/util/log"
	"github.com/grafana/traced/service"
	"github.com/grafana/traced/service/endpoint"
)

// App wires a TracingService together with the debug HTTP server that
// exposes it, the same role cmd/tempo/app.App plays for Tempo's own
// module graph (minus the multi-module target selection: traced is
// always the whole broker in one process).
type App struct {
	cfg Config

	Service *service.TracingService

	router     *mux.Router
	httpServer *http.Server
	httpSvc    services.Service

	manager *services.Manager
}

// New constructs an App from a parsed Config. It does not start
// anything; call Run to start the service manager and block until a
// shutdown signal arrives.
func New(cfg Config) (*App, error) {
	a := &App{
		cfg:     cfg,
		Service: service.New(cfg.Service),
		router:  mux.NewRouter(),
	}

	a.router.HandleFunc("/ready", a.handleReady).Methods(http.MethodGet)
	a.router.HandleFunc("/status/sessions", a.handleStatus).Methods(http.MethodGet)

	a.httpServer = &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      a.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	a.httpSvc = services.NewBasicService(nil, a.runHTTP, a.stopHTTP)

	manager, err := services.NewManager(a.Service, a.httpSvc)
	if err != nil {
		return nil, fmt.Errorf("app: failed to build service manager: %w", err)
	}
	a.manager = manager

	return a, nil
}

// NewProducerEndpoint and NewConsumerEndpoint are thin passthroughs so
// a transport embedding App never has to reach past it into the
// service package directly.
func (a *App) NewProducerEndpoint(name string, uid, pid int32, proxy service.ProducerProxy) (*endpoint.ProducerEndpoint, error) {
	return endpoint.NewProducerEndpoint(a.Service, name, uid, pid, proxy)
}

func (a *App) NewConsumerEndpoint(uid int32) (*endpoint.ConsumerEndpoint, error) {
	return endpoint.NewConsumerEndpoint(a.Service, uid)
}

func (a *App) runHTTP(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func (a *App) stopHTTP(_ error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return a.httpServer.Shutdown(ctx)
}

func (a *App) handleReady(w http.ResponseWriter, _ *http.Request) {
	_, _ = io.WriteString(w, "ready\n")
}

func (a *App) handleStatus(w http.ResponseWriter, _ *http.Request) {
	a.Service.DebugStatusTable(w)
}

// Run starts every wired service and blocks until a termination signal
// arrives, following cmd/tempo/app.App.Run's signals.Handler loop.
func (a *App) Run() error {
	healthy := func() { level.Info(log.Logger).Log("msg", "traced running") }
	stopped := func() { level.Info(log.Logger).Log("msg", "traced stopped") }
	serviceFailed := func(s services.Service) {
		level.Error(log.Logger).Log("msg", "service failed, stopping", "err", s.FailureCase())
		a.manager.StopAsync()
	}
	a.manager.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	handler := signals.NewHandler(log.Logger)
	go func() {
		handler.Loop()
		if a.cfg.ShutdownDelay > 0 {
			time.Sleep(a.cfg.ShutdownDelay)
		}
		a.manager.StopAsync()
	}()

	if err := a.manager.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("app: failed to start services: %w", err)
	}
	if err := a.manager.AwaitHealthy(context.Background()); err != nil {
		return fmt.Errorf("app: services failed to become healthy: %w", err)
	}

	return a.manager.AwaitStopped(context.Background())
}
