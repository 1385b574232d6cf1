package server

import (
	"context"
	"net/http"
	"time"

	"github.com/cloudfiles/containerserver/internal/accountupdate"
	"github.com/cloudfiles/containerserver/internal/config"
	"github.com/cloudfiles/containerserver/internal/metrics"
	"github.com/cloudfiles/containerserver/internal/middleware"
	"github.com/cloudfiles/containerserver/internal/mount"
	"github.com/cloudfiles/containerserver/internal/replication"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Server hosts the container service HTTP surface.
type Server struct {
	config         *config.Config
	httpServer     *http.Server
	controller     *Controller
	metricsManager *metrics.Manager
}

// New wires a server from configuration.
func New(cfg *config.Config) (*Server, error) {
	logger := logrus.StandardLogger()

	mounts := &mount.Checker{Disabled: !cfg.MountCheck}
	updater := accountupdate.New(
		time.Duration(cfg.ConnTimeout*float64(time.Second)),
		time.Duration(cfg.NodeTimeout)*time.Second,
		logger)
	rpc := replication.New(cfg.Devices, logger)

	var metricsManager *metrics.Manager
	if cfg.Metrics.Enable {
		metricsManager = metrics.NewManager(cfg.Devices,
			time.Duration(cfg.Metrics.Interval)*time.Second, logger)
		updater.Record = metricsManager.RecordAccountUpdate
	}

	controller := NewController(cfg.Devices, mounts, updater, rpc, logger)

	server := &Server{
		config: cfg,
		httpServer: &http.Server{
			Addr:        cfg.Listen,
			ReadTimeout: 60 * time.Second,
			IdleTimeout: 60 * time.Second,
		},
		controller:     controller,
		metricsManager: metricsManager,
	}
	server.httpServer.Handler = server.buildHandler()
	return server, nil
}

func (s *Server) buildHandler() http.Handler {
	router := mux.NewRouter()
	router.Use(middleware.AccessLog(logrus.StandardLogger()))
	if s.metricsManager != nil {
		router.Use(s.metricsManager.Middleware())
		router.Handle(s.config.Metrics.Path, s.metricsManager.Handler()).Methods(http.MethodGet)
	}
	router.HandleFunc("/healthcheck", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)
	router.PathPrefix("/").Handler(s.controller)
	return handlers.RecoveryHandler()(router)
}

// Handler exposes the full middleware chain, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	logrus.WithFields(logrus.Fields{
		"address": s.config.Listen,
		"devices": s.config.Devices,
	}).Info("Starting container server")

	if s.metricsManager != nil {
		s.metricsManager.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logrus.Info("Shutting down container server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
