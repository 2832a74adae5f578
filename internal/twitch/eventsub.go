package twitch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/moralrecordings/mrstream/internal/domain"
	"github.com/moralrecordings/mrstream/internal/metrics"
	"github.com/moralrecordings/mrstream/internal/platform/correlation"
)

const (
	defaultWelcomeTimeout   = 10 * time.Second
	defaultKeepaliveSlack   = 5 * time.Second
	defaultKeepaliveTimeout = 10 * time.Second
	closeWriteDeadline      = time.Second
)

// State of a subscription handle. The only path is
// Closed -> Starting -> Listening -> Stopping -> Closed; a failed start or a
// lost connection goes straight back to Closed.
type State int32

const (
	StateClosed State = iota
	StateStarting
	StateListening
	StateStopping
)

var stateNames = [...]string{"closed", "starting", "listening", "stopping"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Handler receives one notification. Errors and panics are logged and counted;
// they never stop delivery.
type Handler func(ctx context.Context, event domain.RelayedEvent) error

// Subscriber creates platform-side subscriptions for a websocket session.
type Subscriber interface {
	Subscribe(ctx context.Context, s domain.Session, kind domain.EventKind, sessionID string) (string, error)
}

type EventSubConfig struct {
	URL            string
	Clock          clockwork.Clock
	Dialer         *websocket.Dialer
	WelcomeTimeout time.Duration
	// KeepaliveSlack is added to the platform's keepalive timeout before the
	// connection is declared dead.
	KeepaliveSlack time.Duration
	Metrics        *metrics.SubscriptionMetrics
}

// EventSub owns exactly one EventSub websocket connection for one session.
type EventSub struct {
	url            string
	subscriber     Subscriber
	clock          clockwork.Clock
	dialer         *websocket.Dialer
	welcomeTimeout time.Duration
	keepaliveSlack time.Duration
	metrics        *metrics.SubscriptionMetrics

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	service  string
	handlers map[domain.EventKind]Handler
	cancel   context.CancelFunc
	done     chan struct{}
	err      error

	// started is closed when the running Start call returns.
	started chan struct{}
}

func NewEventSub(subscriber Subscriber, cfg EventSubConfig) *EventSub {
	e := &EventSub{
		url:            cfg.URL,
		subscriber:     subscriber,
		clock:          cfg.Clock,
		dialer:         cfg.Dialer,
		welcomeTimeout: cfg.WelcomeTimeout,
		keepaliveSlack: cfg.KeepaliveSlack,
		metrics:        cfg.Metrics,
		done:           make(chan struct{}),
		started:        make(chan struct{}),
	}
	close(e.done)
	close(e.started)
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.dialer == nil {
		e.dialer = websocket.DefaultDialer
	}
	if e.welcomeTimeout <= 0 {
		e.welcomeTimeout = defaultWelcomeTimeout
	}
	if e.keepaliveSlack <= 0 {
		e.keepaliveSlack = defaultKeepaliveSlack
	}
	return e
}

// State reports the current handle state.
func (e *EventSub) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed when the handle returns to Closed after a successful Start.
func (e *EventSub) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Err returns the *domain.TransportError that closed the handle, or nil after Stop.
func (e *EventSub) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *EventSub) setStateLocked(s State) {
	e.state = s
	if e.metrics == nil || e.service == "" {
		return
	}
	for i, name := range stateNames {
		v := 0.0
		if State(i) == s {
			v = 1
		}
		e.metrics.State.WithLabelValues(e.service, name).Set(v)
	}
}

// Start connects, waits for the welcome, subscribes every kind that has a
// handler and begins delivery. On error the handle is Closed again.
func (e *EventSub) Start(ctx context.Context, s domain.Session, handlers map[domain.EventKind]Handler) error {
	e.mu.Lock()
	if e.state != StateClosed {
		e.mu.Unlock()
		return fmt.Errorf("eventsub for %q already %s", s.Service, e.state)
	}
	runCtx, cancel := context.WithCancel(correlation.WithService(ctx, s.Service))
	started := make(chan struct{})
	defer close(started)
	e.service = s.Service
	e.handlers = handlers
	e.cancel = cancel
	e.started = started
	e.err = nil
	e.setStateLocked(StateStarting)
	e.mu.Unlock()

	conn, welcome, err := e.connect(runCtx, e.url)
	if err != nil {
		e.abortStart(cancel)
		return err
	}

	// Publish the connection so a concurrent Stop can close it.
	e.mu.Lock()
	if e.state != StateStarting {
		e.mu.Unlock()
		_ = conn.Close()
		e.abortStart(cancel)
		return fmt.Errorf("eventsub for %q stopped during start", s.Service)
	}
	e.conn = conn
	e.mu.Unlock()

	for _, kind := range domain.AllEventKinds {
		if _, ok := handlers[kind]; !ok {
			continue
		}
		id, err := e.subscriber.Subscribe(runCtx, s, kind, welcome.Session.ID)
		if err != nil {
			_ = conn.Close()
			e.abortStart(cancel)
			return fmt.Errorf("failed to subscribe to %s: %w", kind, err)
		}
		slog.InfoContext(runCtx, "EventSub subscription created", "type", kind, "subscription_id", id)
	}

	e.mu.Lock()
	if e.state != StateStarting {
		// Stop ran while we were subscribing.
		e.mu.Unlock()
		_ = conn.Close()
		e.abortStart(cancel)
		return fmt.Errorf("eventsub for %q stopped during start", s.Service)
	}
	done := make(chan struct{})
	e.done = done
	e.setStateLocked(StateListening)
	e.mu.Unlock()

	go e.readLoop(runCtx, conn, keepaliveFor(welcome), done)
	return nil
}

func (e *EventSub) abortStart(cancel context.CancelFunc) {
	cancel()
	e.mu.Lock()
	e.conn = nil
	e.setStateLocked(StateClosed)
	e.mu.Unlock()
}

// Stop closes the connection and waits for the read goroutine. No handler runs
// after Stop returns. It is idempotent and safe on a handle that never started.
// During Start it closes the half-open connection and waits for Start to return.
func (e *EventSub) Stop() {
	e.mu.Lock()
	switch e.state {
	case StateClosed:
		e.mu.Unlock()
		return
	case StateStarting:
		e.setStateLocked(StateStopping)
		e.cancel()
		conn, started := e.conn, e.started
		e.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		<-started
		return
	case StateStopping:
		started, done := e.started, e.done
		e.mu.Unlock()
		<-started
		<-done
		return
	}

	e.setStateLocked(StateStopping)
	conn, done := e.conn, e.done
	e.cancel()
	e.mu.Unlock()

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"),
		time.Now().Add(closeWriteDeadline))
	_ = conn.Close()
	<-done
}

func keepaliveFor(welcome sessionPayload) time.Duration {
	if welcome.Session.KeepaliveTimeoutSeconds > 0 {
		return time.Duration(welcome.Session.KeepaliveTimeoutSeconds) * time.Second
	}
	return defaultKeepaliveTimeout
}

// connect dials url and blocks until its session_welcome arrives.
func (e *EventSub) connect(ctx context.Context, url string) (*websocket.Conn, sessionPayload, error) {
	conn, _, err := e.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, sessionPayload{}, &domain.TransportError{Op: "dial", Err: err}
	}

	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	_ = conn.SetReadDeadline(time.Now().Add(e.welcomeTimeout))
	_, data, err := conn.ReadMessage()
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = conn.Close()
		return nil, sessionPayload{}, &domain.TransportError{Op: "await welcome", Err: err}
	}
	_ = conn.SetReadDeadline(time.Time{})

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		_ = conn.Close()
		return nil, sessionPayload{}, &domain.TransportError{Op: "await welcome", Err: err}
	}
	if env.Metadata.MessageType != messageWelcome {
		_ = conn.Close()
		return nil, sessionPayload{}, &domain.TransportError{Op: "await welcome", Err: fmt.Errorf("unexpected first message %q", env.Metadata.MessageType)}
	}

	var welcome sessionPayload
	if err := json.Unmarshal(env.Payload, &welcome); err != nil || welcome.Session.ID == "" {
		_ = conn.Close()
		return nil, sessionPayload{}, &domain.TransportError{Op: "await welcome", Err: errors.New("welcome without session id")}
	}

	slog.DebugContext(ctx, "EventSub session welcomed", "session_id", welcome.Session.ID, "keepalive", welcome.Session.KeepaliveTimeoutSeconds)
	return conn, welcome, nil
}

// readLoop is the single delivery goroutine. It exits on Stop or on a fatal
// transport error, closing done either way.
func (e *EventSub) readLoop(ctx context.Context, conn *websocket.Conn, keepalive time.Duration, done chan struct{}) {
	var (
		timedOut atomic.Bool
		fatal    error
	)

	watchdog := e.clock.AfterFunc(keepalive+e.keepaliveSlack, func() {
		timedOut.Store(true)
		e.closeCurrent()
	})

	defer func() {
		watchdog.Stop()
		e.closeCurrent()

		e.mu.Lock()
		stopped := e.state == StateStopping || ctx.Err() != nil
		if !stopped {
			e.err = fatal
			slog.ErrorContext(ctx, "EventSub connection lost", "error", fatal)
		}
		e.conn = nil
		e.cancel()
		e.setStateLocked(StateClosed)
		close(done)
		e.mu.Unlock()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if timedOut.Load() {
				fatal = &domain.TransportError{Op: "keepalive", Err: fmt.Errorf("no message within %v", keepalive+e.keepaliveSlack)}
			} else {
				fatal = &domain.TransportError{Op: "read", Err: err}
			}
			return
		}
		if ctx.Err() != nil {
			return
		}
		watchdog.Reset(keepalive + e.keepaliveSlack)

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.WarnContext(ctx, "Discarding undecodable EventSub message", "error", err)
			continue
		}

		switch env.Metadata.MessageType {
		case messageKeepalive, messageWelcome:
		case messageNotification:
			e.deliver(ctx, env)
		case messageRevocation:
			var p notificationPayload
			_ = json.Unmarshal(env.Payload, &p)
			slog.WarnContext(ctx, "EventSub subscription revoked", "type", p.Subscription.Type, "status", p.Subscription.Status)
		case messageReconnect:
			next, nextKeepalive, err := e.reconnect(ctx, env)
			if err != nil {
				fatal = err
				return
			}
			conn, keepalive = next, nextKeepalive
			watchdog.Reset(keepalive + e.keepaliveSlack)
		default:
			slog.DebugContext(ctx, "Ignoring EventSub message", "type", env.Metadata.MessageType)
		}
	}
}

func (e *EventSub) closeCurrent() {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// reconnect follows a platform-directed move to a new URL. The old connection
// is dropped only after the new one has been welcomed; subscriptions carry over.
func (e *EventSub) reconnect(ctx context.Context, env envelope) (*websocket.Conn, time.Duration, error) {
	var p sessionPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || p.Session.ReconnectURL == "" {
		return nil, 0, &domain.TransportError{Op: "reconnect", Err: errors.New("reconnect message without URL")}
	}

	slog.InfoContext(ctx, "EventSub reconnect requested")
	next, welcome, err := e.connect(ctx, p.Session.ReconnectURL)
	if err != nil {
		return nil, 0, err
	}

	e.mu.Lock()
	if e.state != StateListening {
		e.mu.Unlock()
		_ = next.Close()
		return nil, 0, &domain.TransportError{Op: "reconnect", Err: errors.New("stopped during reconnect")}
	}
	old := e.conn
	e.conn = next
	e.mu.Unlock()
	_ = old.Close()

	if e.metrics != nil {
		e.metrics.Reconnects.WithLabelValues(e.service).Inc()
	}
	return next, keepaliveFor(welcome), nil
}

func (e *EventSub) deliver(ctx context.Context, env envelope) {
	var p notificationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		slog.WarnContext(ctx, "Discarding undecodable notification", "error", err)
		return
	}

	kind, ok := eventKindFor(p.Subscription.Type)
	if !ok {
		slog.DebugContext(ctx, "Ignoring notification for unknown subscription", "type", p.Subscription.Type)
		return
	}
	handler, ok := e.handlers[kind]
	if !ok {
		return
	}

	if e.metrics != nil {
		e.metrics.Notifications.WithLabelValues(e.service, string(kind)).Inc()
	}

	event, err := decodeEvent(e.service, kind, p.Event)
	if err != nil {
		e.handlerFailed(ctx, kind, err)
		return
	}

	if err := invoke(ctx, handler, event); err != nil {
		e.handlerFailed(ctx, kind, err)
	}
}

func invoke(ctx context.Context, handler Handler, event domain.RelayedEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, event)
}

func (e *EventSub) handlerFailed(ctx context.Context, kind domain.EventKind, err error) {
	slog.ErrorContext(ctx, "EventSub handler failed", "type", kind, "error", err)
	if e.metrics != nil {
		e.metrics.HandlerFailures.WithLabelValues(e.service, string(kind)).Inc()
	}
}
