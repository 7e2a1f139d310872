// Package server exposes the scheduler over HTTP and streams recording
// events to WebSocket clients.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/onair/errors"
	"github.com/teranos/onair/logger"
	"github.com/teranos/onair/pulse/schedule"
	"github.com/teranos/onair/recording"
	"github.com/teranos/onair/version"
)

// JobScheduler creates and cancels jobs. *schedule.Scheduler implements it.
type JobScheduler interface {
	Schedule(ctx context.Context, job *schedule.Job) (*schedule.Job, error)
	Cancel(ctx context.Context, id string) (schedule.CancelOutcome, error)
}

// JobReader reads persisted jobs. *schedule.Store implements it.
type JobReader interface {
	Get(ctx context.Context, id string) (*schedule.Job, error)
	List(ctx context.Context, f schedule.ListFilter) ([]*schedule.Job, error)
}

// RunningLister reports the jobs owned by this process.
type RunningLister interface {
	Running() []schedule.Job
}

// RecordingLister reads recording attempts. *recording.Store implements it.
type RecordingLister interface {
	List(ctx context.Context, limit int) ([]*recording.Recording, error)
}

// Deps are the services the handlers call. Running and Stats are optional.
type Deps struct {
	Scheduler  JobScheduler
	Jobs       JobReader
	Running    RunningLister
	Recordings RecordingLister
	Stats      func() map[string]interface{}
}

// Config controls the listener and request policy.
type Config struct {
	Port              int
	AllowedOrigins    []string
	RequestsPerMinute int
}

// Server is the control surface of the daemon.
type Server struct {
	cfg      Config
	deps     Deps
	hub      *Hub
	limiter  *rate.Limiter
	upgrader websocket.Upgrader
	logger   *zap.SugaredLogger
	version  string

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	state  atomic.Int32

	mu         sync.Mutex
	httpServer *http.Server
}

// New creates a server and starts its hub. Call Stop to release it.
func New(ctx context.Context, cfg Config, deps Deps, log *zap.SugaredLogger) (*Server, error) {
	if deps.Scheduler == nil || deps.Jobs == nil || deps.Recordings == nil {
		return nil, errors.NewInvalidRequestError("server requires a scheduler, a job reader and a recording lister")
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"http://localhost", "http://127.0.0.1"}
	}

	srvCtx, cancel := context.WithCancel(ctx)
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  log.With(logger.FieldComponent, "server"),
		version: version.Get().Version,
		ctx:     srvCtx,
		cancel:  cancel,
	}
	s.hub = NewHub(srvCtx, s.logger)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	if cfg.RequestsPerMinute > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), burstFor(cfg.RequestsPerMinute))
	}
	s.state.Store(int32(ServerStateRunning))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()
	return s, nil
}

// burstFor allows a tenth of the per-minute budget at once.
func burstFor(perMinute int) int {
	if b := perMinute / 10; b > 1 {
		return b
	}
	return 1
}

// Hub returns the event hub, which implements the recording and job
// publisher interfaces.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the HTTP handler tree.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// State returns the lifecycle state.
func (s *Server) State() ServerState {
	return ServerState(s.state.Load())
}

func (s *Server) setState(st ServerState) {
	s.state.Store(int32(st))
	s.logger.Infow("Server state changed", logger.FieldState, st.String())
}

// Serve accepts connections on l until Stop. It returns nil after a clean
// shutdown.
func (s *Server) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Infow("HTTP server listening", logger.FieldAddress, l.Addr().String())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "http server failed")
	}
	return nil
}

// ListenAndServe listens on the configured port.
func (s *Server) ListenAndServe() error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.Port))
	if err != nil {
		return errors.Wrapf(err, "failed to listen on port %d", s.cfg.Port)
	}
	return s.Serve(l)
}

// Stop drains in-flight requests, closes WebSocket clients and waits for
// the hub to exit.
func (s *Server) Stop(ctx context.Context) error {
	s.setState(ServerStateDraining)

	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()

	var shutdownErr error
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Wrap(err, "http shutdown")
		}
	}

	s.cancel()
	s.wg.Wait()

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete", "broadcast_drops", s.hub.Drops())
	return shutdownErr
}
