// Package api serves run status and control over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kingrea/stepflow/internal/engine"
	"github.com/kingrea/stepflow/internal/events"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

const heartbeatInterval = 15 * time.Second

// Runner is the slice of the engine the API drives.
type Runner interface {
	Runs(ctx context.Context) ([]engine.Summary, error)
	Status(ctx context.Context, runID string) (engine.Summary, error)
	Pause(runID string) error
	Resume(ctx context.Context, runID string) error
}

// Subscriber streams run events.
type Subscriber interface {
	Subscribe(runID string) events.Subscription
}

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server exposes the run API.
type Server struct {
	echo     *echo.Echo
	runner   Runner
	events   Subscriber
	gatherer prometheus.Gatherer
	logger   *zap.Logger
	config   Config
	clock    func() time.Time

	mu        sync.RWMutex
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
	base      context.Context
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEvents enables GET /runs/:id/events.
func WithEvents(sub Subscriber) Option {
	return func(s *Server) {
		s.events = sub
	}
}

// WithGatherer enables GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer builds the HTTP handlers for runner.
func NewServer(runner Runner, cfg Config, opts ...Option) (*Server, error) {
	if runner == nil {
		return nil, fmt.Errorf("api: runner is required")
	}
	s := &Server{
		runner: runner,
		logger: zap.NewNop(),
		config: cfg,
		clock:  time.Now,
		status: StatusStarting,
		base:   context.Background(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			s.logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})
	s.echo = e
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/runs", s.handleRuns)
	s.echo.GET("/runs/:id", s.handleRun)
	s.echo.POST("/runs/:id/pause", s.handlePause)
	s.echo.POST("/runs/:id/resume", s.handleResume)
	if s.events != nil {
		s.echo.GET("/runs/:id/events", s.handleEvents)
	}
	if s.gatherer != nil {
		s.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}
}

// Handler exposes the router, primarily for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start binds the listener and serves until Shutdown. Runs resumed over the
// API live as long as ctx.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.listener != nil {
		s.mu.Unlock()
		return fmt.Errorf("api: server already started")
	}
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("api: listen %s: %w", addr, err)
	}
	if ctx != nil {
		s.base = ctx
	}
	s.listener = listener
	s.echo.Listener = listener
	s.startTime = s.clock()
	s.status = StatusReady
	s.mu.Unlock()

	s.logger.Info("api listening", zap.String("addr", listener.Addr().String()))
	go func() {
		if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("api serve error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.listener == nil {
		s.mu.Unlock()
		return nil
	}
	s.status = StatusDraining
	s.mu.Unlock()
	s.logger.Info("api shutting down")
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	s.mu.Lock()
	s.listener = nil
	s.mu.Unlock()
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status        ServerStatus `json:"status"`
	UptimeSeconds int64        `json:"uptime_seconds"`
	Time          time.Time    `json:"time"`
}

// ErrorResponse is returned for failed requests.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleHealth(c echo.Context) error {
	s.mu.RLock()
	status, started := s.status, s.startTime
	s.mu.RUnlock()
	now := s.clock()
	var uptime int64
	if !started.IsZero() {
		uptime = int64(now.Sub(started).Seconds())
	}
	return c.JSON(http.StatusOK, HealthResponse{Status: status, UptimeSeconds: uptime, Time: now.UTC()})
}

func (s *Server) handleRuns(c echo.Context) error {
	runs, err := s.runner.Runs(c.Request().Context())
	if err != nil {
		return s.fail(c, err)
	}
	if runs == nil {
		runs = []engine.Summary{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) handleRun(c echo.Context) error {
	summary, err := s.runner.Status(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (s *Server) handlePause(c echo.Context) error {
	id := c.Param("id")
	if err := s.runner.Pause(id); err != nil {
		return s.fail(c, err)
	}
	return s.accepted(c, id)
}

func (s *Server) handleResume(c echo.Context) error {
	id := c.Param("id")
	s.mu.RLock()
	base := s.base
	s.mu.RUnlock()
	if err := s.runner.Resume(base, id); err != nil {
		return s.fail(c, err)
	}
	return s.accepted(c, id)
}

func (s *Server) accepted(c echo.Context, id string) error {
	summary, err := s.runner.Status(c.Request().Context(), id)
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, summary)
}

// handleEvents streams the run's events as server-sent events until the
// client disconnects or the run stops.
func (s *Server) handleEvents(c echo.Context) error {
	id := c.Param("id")
	if _, err := s.runner.Status(c.Request().Context(), id); err != nil {
		return s.fail(c, err)
	}
	sub := s.events.Subscribe(id)
	defer sub.Close()

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set(echo.HeaderConnection, "keep-alive")
	resp.WriteHeader(http.StatusOK)
	resp.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
			if _, err := fmt.Fprint(resp, ": keep-alive\n\n"); err != nil {
				return nil
			}
			resp.Flush()
		case ev, ok := <-sub.Events:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encode event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(resp, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return nil
			}
			resp.Flush()
			if ev.Type.Terminal() || ev.Type == events.RunPaused {
				return nil
			}
		}
	}
}

func (s *Server) fail(c echo.Context, err error) error {
	code := http.StatusInternalServerError
	var integrity *engine.ResumeIntegrityError
	switch {
	case errors.Is(err, engine.ErrUnknownRun):
		code = http.StatusNotFound
	case errors.Is(err, engine.ErrRunActive), errors.Is(err, engine.ErrRunTerminal), errors.As(err, &integrity):
		code = http.StatusConflict
	case errors.Is(err, engine.ErrUnknownWorkflow):
		code = http.StatusUnprocessableEntity
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("api request failed", zap.String("uri", c.Request().RequestURI), zap.Error(err))
	}
	return c.JSON(code, ErrorResponse{Error: err.Error()})
}
