// Package server implements the diagramsync relay server.
//
// The server bridges websocket clients to a backplane channel, serves the
// persisted diagrams over a small REST API, autosaves relayed snapshots and
// exposes Prometheus metrics.
//
//	GET  /ws                          websocket relay
//	GET  /api/projects/{id}/diagram   load a project
//	PUT  /api/projects/{id}/diagram   save a project and broadcast it
//	GET  /metrics                     Prometheus metrics
//	GET  /healthz                     liveness
package server

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/matzehuels/diagramsync/pkg/buildinfo"
	"github.com/matzehuels/diagramsync/pkg/errors"
	"github.com/matzehuels/diagramsync/pkg/persist"
	"github.com/matzehuels/diagramsync/pkg/schedule"
	"github.com/matzehuels/diagramsync/pkg/transport"
	"github.com/matzehuels/diagramsync/pkg/transport/ws"
)

// DefaultAutosaveDelay is the quiet period before a relayed snapshot is saved.
const DefaultAutosaveDelay = 2 * time.Second

const shutdownTimeout = 10 * time.Second

// Options configures a Server.
type Options struct {
	// Backplane carries messages between relay clients. Required; the
	// server connects it.
	Backplane transport.Channel

	// Store persists project diagrams. Required.
	Store persist.Store

	// AutosaveDelay is the quiet period before relayed snapshots are saved.
	// Negative disables autosave.
	AutosaveDelay time.Duration

	// Metrics, if set, is served on /metrics.
	Metrics *Metrics

	// Clock drives autosave timers. Default: schedule.System.
	Clock schedule.Clock

	// Logger receives server diagnostics. Nil discards them.
	Logger *log.Logger
}

// ValidateAndSetDefaults checks required fields and applies defaults.
func (o *Options) ValidateAndSetDefaults() error {
	if o.Backplane == nil {
		return errors.New(errors.ErrCodeInvalidInput, "backplane is required")
	}
	if o.Store == nil {
		return errors.New(errors.ErrCodeInvalidInput, "store is required")
	}
	if o.AutosaveDelay == 0 {
		o.AutosaveDelay = DefaultAutosaveDelay
	}
	if o.Clock == nil {
		o.Clock = schedule.System
	}
	if o.Logger == nil {
		o.Logger = log.New(io.Discard)
	}
	return nil
}

// Server is the relay server.
type Server struct {
	opts     Options
	logger   *log.Logger
	relay    *ws.Relay
	autosave *autosaver
	router   chi.Router
}

// New builds a Server. Call Start (or Run) before serving.
func New(opts Options) (*Server, error) {
	if err := opts.ValidateAndSetDefaults(); err != nil {
		return nil, err
	}
	s := &Server{opts: opts, logger: opts.Logger}

	relayOpts := ws.RelayOptions{Logger: opts.Logger.WithPrefix("relay")}
	if opts.AutosaveDelay > 0 {
		s.autosave = newAutosaver(opts.Store, opts.Clock, opts.AutosaveDelay, opts.Logger.WithPrefix("autosave"))
		relayOpts.OnSend = s.autosave.observe
	}
	s.relay = ws.NewRelay(opts.Backplane, relayOpts)
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Get("/ws", s.relay.ServeHTTP)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics.Handler())
	}
	r.Route("/api/projects/{projectID}", func(r chi.Router) {
		r.Use(s.logRequests)
		r.Get("/diagram", s.getDiagram)
		r.Put("/diagram", s.putDiagram)
	})
	return r
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler { return s.router }

// Start connects the backplane.
func (s *Server) Start(ctx context.Context) error {
	if err := s.opts.Backplane.Connect(ctx); err != nil {
		return errors.Wrap(errors.ErrCodeTransport, err, "connect backplane")
	}
	return nil
}

// Close disconnects relay clients and saves pending snapshots. The
// backplane and store are left open.
func (s *Server) Close() error {
	err := s.relay.Close()
	if s.autosave != nil {
		s.autosave.close()
	}
	return err
}

// Run starts the server on addr and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrap(errors.ErrCodeTransport, err, "listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("relay server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		s.Close()
		return errors.Wrap(errors.ErrCodeTransport, err, "serve")
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	// Hijacked websocket connections are not tracked by Shutdown.
	closeErr := s.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(errors.ErrCodeInternal, err, "shutdown")
	}
	if err := <-errc; err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(errors.ErrCodeTransport, err, "serve")
	}
	return closeErr
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).Round(time.Microsecond),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"clients": s.relay.Clients(),
		"version": buildinfo.Version,
	})
}
