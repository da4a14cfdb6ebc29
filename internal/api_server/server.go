package apiserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/meshmon/meshmon/internal/config"
	handlers "github.com/meshmon/meshmon/internal/handlers/v1"
	"github.com/meshmon/meshmon/internal/store"
	"github.com/meshmon/meshmon/internal/upgrade"
	"github.com/meshmon/meshmon/pkg/metrics"
	"github.com/meshmon/meshmon/pkg/middleware"
	"github.com/meshmon/meshmon/pkg/version"
)

const (
	gracefulShutdownTimeout = 5 * time.Second
)

type Server struct {
	cfg      *config.Config
	store    store.Store
	ctrl     *upgrade.Controller
	listener net.Listener
}

// New returns a new instance of the meshmon API server.
func New(
	cfg *config.Config,
	store store.Store,
	ctrl *upgrade.Controller,
	listener net.Listener,
) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		ctrl:     ctrl,
		listener: listener,
	}
}

func (s *Server) Run(ctx context.Context) error {
	zap.S().Named("api_server").Info("Initializing API server")

	router := chi.NewRouter()

	metricMiddleware := metrics.NewMiddleware("api_server")
	metricMiddleware.MustRegisterDefault()

	router.Use(
		metricMiddleware.Handler,
		cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "PUT", "POST", "DELETE", "HEAD", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			AllowCredentials: false,
			MaxAge:           300,
		}),
		middleware.RequestID,
		middleware.Logger(),
		chiMiddleware.Recoverer,
	)

	h := handlers.NewHandler(s.ctrl, version.Get().GitVersion)
	router.Route("/api/v1", h.Routes)

	srv := http.Server{Addr: s.cfg.Service.Address, Handler: router}

	go func() {
		<-ctx.Done()
		zap.S().Named("api_server").Infof("Shutdown signal received: %s", ctx.Err())
		ctxTimeout, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer cancel()

		srv.SetKeepAlivesEnabled(false)
		_ = srv.Shutdown(ctxTimeout)
		zap.S().Named("api_server").Info("api server terminated")
	}()

	zap.S().Named("api_server").Infof("Listening on %s...", s.listener.Addr().String())
	if err := srv.Serve(s.listener); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}
