package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/moralrecordings/mrstream/internal/broadcast"
	"github.com/moralrecordings/mrstream/internal/metrics"
	"github.com/moralrecordings/mrstream/internal/platform/correlation"
)

const DefaultPollInterval = 50 * time.Millisecond

type Config struct {
	// PollInterval is how often each connection drains its queue.
	PollInterval   time.Duration
	AllowedOrigins []string
	Clock          clockwork.Clock
	Registry       *prometheus.Registry
	CommandMetrics *metrics.CommandMetrics
	HealthChecks   []HealthCheck
}

// Server is the local observer endpoint.
type Server struct {
	echo         *echo.Echo
	bus          *broadcast.Bus
	upgrader     websocket.Upgrader
	clock        clockwork.Clock
	pollInterval time.Duration
	commands     *metrics.CommandMetrics
	healthChecks []HealthCheck
	startTime    time.Time

	// ctx outlives individual requests; Shutdown cancels it to end every connection.
	ctx     context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closing bool
	conns   sync.WaitGroup
}

func NewServer(bus *broadcast.Bus, cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		echo:         e,
		bus:          bus,
		upgrader:     websocket.Upgrader{CheckOrigin: NewCheckOrigin(cfg.AllowedOrigins)},
		clock:        clock,
		pollInterval: poll,
		commands:     cfg.CommandMetrics,
		healthChecks: cfg.HealthChecks,
		startTime:    clock.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
	s.registerRoutes(cfg.Registry)
	return s
}

func (s *Server) registerRoutes(reg *prometheus.Registry) {
	s.echo.Use(correlationMiddleware)
	s.echo.Use(requestLoggerMiddleware())
	s.echo.Use(middleware.Recover())
	s.echo.Use(ErrorHandlingMiddleware())

	s.echo.GET("/ws", s.handleWebSocket)
	s.registerHealthRoutes()
	if reg != nil {
		s.echo.GET("/metrics", echo.WrapHandler(metrics.Handler(reg)))
	}
}

// Handler exposes the routes, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.echo }

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	slog.Info("Observer server listening", "addr", ln.Addr().String())
	s.echo.Listener = ln
	if err := s.echo.Start(""); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("observer server failed: %w", err)
	}
	return nil
}

// Shutdown closes every observer connection with a close frame, waits for
// their loops to exit, then stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("Observer connections did not close before shutdown deadline")
	}

	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown observer server: %w", err)
	}
	return nil
}

// track reserves a slot for a connection, or reports false once shutdown began.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns.Add(1)
	return true
}

func (s *Server) handleWebSocket(c echo.Context) error {
	if !s.track() {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "server shutting down")
	}
	defer s.conns.Done()

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the error response.
		slog.DebugContext(c.Request().Context(), "WebSocket upgrade failed", "error", err)
		return nil
	}

	id := uuid.New()
	ctx := s.ctx
	if cid, ok := correlation.ID(c.Request().Context()); ok {
		ctx = correlation.WithID(ctx, cid)
	}

	queue, err := s.bus.Register(id)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to register observer", "error", err)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "event bus unavailable"),
			time.Now().Add(writeDeadline))
		_ = conn.Close()
		return nil
	}
	defer s.bus.Unregister(id)

	slog.InfoContext(ctx, "Observer connected", "observer_id", id.String(), "remote_addr", c.RealIP())
	oc := newObserverConn(conn, id, s.bus, s.clock, s.pollInterval, s.commands)
	err = oc.serve(ctx, queue)
	slog.InfoContext(ctx, "Observer disconnected", "observer_id", id.String(), "reason", err)
	return nil
}
