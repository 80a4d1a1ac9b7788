package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/testplane/testplane/pkg/bus"
	"github.com/testplane/testplane/pkg/config"
	"github.com/testplane/testplane/pkg/ingest"
	"github.com/testplane/testplane/pkg/queue"
	"github.com/testplane/testplane/pkg/registry"
	"github.com/testplane/testplane/pkg/store"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	queue      *queue.Queue
	registry   *registry.Registry
	importer   ingest.Importer
	bus        bus.Bus
	httpServer *http.Server
	wg         sync.WaitGroup
	done       chan struct{}
}

// NewServer creates a new API server over already-constructed services.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	st store.Store,
	q *queue.Queue,
	reg *registry.Registry,
	im ingest.Importer,
	b bus.Bus,
) Server {
	return &server{
		log:      log.WithField("component", "api"),
		cfg:      cfg,
		store:    st,
		queue:    q,
		registry: reg,
		importer: im,
		bus:      b,
		done:     make(chan struct{}),
	}
}

// Start seeds principals, wires event subscriptions, and starts the
// HTTP server.
func (s *server) Start(ctx context.Context) error {
	// Seed principals from config.
	if len(s.cfg.Auth.Principals) > 0 {
		if err := s.store.SeedPrincipals(
			ctx, s.cfg.Auth.Principals,
		); err != nil {
			return fmt.Errorf("seeding principals: %w", err)
		}
	}

	s.subscribeEvents()

	// Build router and start HTTP server.
	router := s.buildRouter()

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *server) Stop() error {
	close(s.done)

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	s.log.Info("API server stopped")

	return nil
}
