package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/moralrecordings/mrstream/internal/broadcast"
	"github.com/moralrecordings/mrstream/internal/domain"
	"github.com/moralrecordings/mrstream/internal/metrics"
	"github.com/moralrecordings/mrstream/internal/observer"
	"github.com/moralrecordings/mrstream/internal/platform/correlation"
	"github.com/moralrecordings/mrstream/internal/twitch"
)

const (
	shutdownTimeout           = 10 * time.Second
	eventBufferSize           = 256
	DefaultRevalidateInterval = time.Hour
)

var ErrNoSubscriptions = errors.New("no event subscription is running")

// Subscription is one service's push-event feed.
type Subscription interface {
	Start(ctx context.Context, s domain.Session, handlers map[domain.EventKind]twitch.Handler) error
	Stop()
	Done() <-chan struct{}
	Err() error
}

type Config struct {
	ObserverAddr         string
	ObserverPollInterval time.Duration
	ObserverQueueSize    int
	AllowedOrigins       []string
	RevalidateInterval   time.Duration
	ChatRatePerSecond    float64
	ChatBurst            int
}

type Deps struct {
	Store           domain.CredentialStore
	Sessions        domain.SessionProvider
	Chat            domain.ChatSender
	NewSubscription func(service string) Subscription
	// Listener overrides ObserverAddr, mostly for tests.
	Listener net.Listener
	Clock    clockwork.Clock
	Registry *prometheus.Registry
	Metrics  *metrics.RelayMetrics
}

// Relay owns the bus, the observer server and the subscriptions for one run.
type Relay struct {
	cfg  Config
	deps Deps

	bus        *broadcast.Bus
	server     *observer.Server
	dispatcher *Dispatcher
	events     chan domain.RelayedEvent

	mu   sync.Mutex
	subs map[string]Subscription
}

func New(cfg Config, deps Deps) *Relay {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if cfg.RevalidateInterval <= 0 {
		cfg.RevalidateInterval = DefaultRevalidateInterval
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewRelayMetrics(prometheus.NewRegistry())
	}

	r := &Relay{
		cfg:    cfg,
		deps:   deps,
		events: make(chan domain.RelayedEvent, eventBufferSize),
		subs:   make(map[string]Subscription),
	}
	r.dispatcher = NewDispatcher(deps.Chat, cfg.ChatRatePerSecond, cfg.ChatBurst, deps.Metrics.Commands)
	r.bus = broadcast.NewBus(broadcast.Config{
		Clock:     deps.Clock,
		QueueSize: cfg.ObserverQueueSize,
		Handler:   r.dispatcher,
		Metrics:   deps.Metrics.Bus,
	})
	r.server = observer.NewServer(r.bus, observer.Config{
		PollInterval:   cfg.ObserverPollInterval,
		AllowedOrigins: cfg.AllowedOrigins,
		Clock:          deps.Clock,
		Registry:       deps.Registry,
		CommandMetrics: deps.Metrics.Commands,
		HealthChecks:   []observer.HealthCheck{{Name: "subscriptions", Check: r.checkSubscriptions}},
	})
	return r
}

func (r *Relay) checkSubscriptions(context.Context) error {
	if r.active() == 0 {
		return ErrNoSubscriptions
	}
	return nil
}

func (r *Relay) active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// Run relays events until ctx is cancelled or every subscription has failed.
// Services whose session cannot be established are skipped.
func (r *Relay) Run(ctx context.Context) error {
	ctx = correlation.WithID(ctx, correlation.NewID())

	names, err := r.enabledServices(ctx)
	if err != nil {
		r.stopAll(nil)
		return err
	}

	if r.deps.Listener == nil {
		ln, err := net.Listen("tcp", r.cfg.ObserverAddr)
		if err != nil {
			r.stopAll(nil)
			return fmt.Errorf("failed to listen on %s: %w", r.cfg.ObserverAddr, err)
		}
		r.deps.Listener = ln
	}

	// The publisher drains events while later services are still authenticating.
	published := make(chan struct{})
	go r.publish(published)

	lost := make(chan string, len(names))
	for _, name := range names {
		if err := r.startService(ctx, name, lost); err != nil {
			slog.ErrorContext(ctx, "Service not relayed", "service", name, "error", err)
		}
	}
	if r.active() == 0 {
		r.stopAll(published)
		return ErrNoSubscriptions
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.server.Serve(r.deps.Listener) }()

	ticker := r.deps.Clock.NewTicker(r.cfg.RevalidateInterval)
	defer ticker.Stop()

	slog.InfoContext(ctx, "Relay running", "services", r.dispatcher.Services())

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "Relay shutting down")
			break loop

		case name := <-lost:
			if r.active() == 0 {
				runErr = fmt.Errorf("%w: last subscription (%s) lost", ErrNoSubscriptions, name)
				break loop
			}

		case err := <-serveErr:
			if err != nil {
				runErr = err
			}
			break loop

		case <-ticker.Chan():
			r.revalidate(ctx)
		}
	}

	r.shutdown(published)
	return runErr
}

func (r *Relay) enabledServices(ctx context.Context) ([]string, error) {
	records, err := r.deps.Store.GetAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}

	var names []string
	for name, record := range records {
		if record.Enabled && record.Kind == domain.KindTwitch {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no enabled Twitch service", ErrNoSubscriptions)
	}
	sort.Strings(names)
	return names, nil
}

// startService establishes the session and subscription for one service.
func (r *Relay) startService(ctx context.Context, name string, lost chan<- string) error {
	ctx = correlation.WithService(ctx, name)

	s, err := r.deps.Sessions.EnsureSession(ctx, name)
	if err != nil {
		return err
	}

	handlers := make(map[domain.EventKind]twitch.Handler, len(domain.AllEventKinds))
	for _, kind := range domain.AllEventKinds {
		handlers[kind] = r.enqueue
	}

	sub := r.deps.NewSubscription(name)
	if err := sub.Start(ctx, s, handlers); err != nil {
		return fmt.Errorf("failed to start subscription: %w", err)
	}

	r.mu.Lock()
	r.subs[name] = sub
	r.mu.Unlock()
	r.dispatcher.Add(s)

	go r.watch(ctx, name, sub, lost)
	slog.InfoContext(ctx, "Relaying events", "login", s.Login)
	return nil
}

// enqueue hands an event to the publisher goroutine.
func (r *Relay) enqueue(ctx context.Context, event domain.RelayedEvent) error {
	select {
	case r.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// publish is the single goroutine feeding the bus, so events keep the order
// in which subscriptions delivered them.
func (r *Relay) publish(done chan<- struct{}) {
	defer close(done)
	for event := range r.events {
		if err := r.bus.Publish(event); err != nil {
			slog.Error("Failed to publish event", "type", event.Kind(), "service", event.Source(), "error", err)
		}
	}
}

// watch reports a subscription that closed on its own.
func (r *Relay) watch(ctx context.Context, name string, sub Subscription, lost chan<- string) {
	<-sub.Done()
	err := sub.Err()
	if err == nil {
		return
	}

	r.mu.Lock()
	if r.subs[name] != sub {
		r.mu.Unlock()
		return
	}
	delete(r.subs, name)
	r.mu.Unlock()
	r.dispatcher.Remove(name)

	slog.ErrorContext(ctx, "Subscription lost, service no longer relayed", "error", err)
	lost <- name
}

// revalidate renews the session of every running service so chat keeps a
// valid token. A service that can no longer authenticate keeps relaying events
// with its last session.
func (r *Relay) revalidate(ctx context.Context) {
	for _, name := range r.dispatcher.Services() {
		s, err := r.deps.Sessions.EnsureSession(ctx, name)
		if err != nil {
			slog.ErrorContext(correlation.WithService(ctx, name), "Session revalidation failed", "error", err)
			continue
		}
		r.dispatcher.Add(s)
	}
}

// shutdown stops subscriptions, then observers, then the bus.
func (r *Relay) shutdown(published <-chan struct{}) {
	r.mu.Lock()
	subs := make([]Subscription, 0, len(r.subs))
	for name, sub := range r.subs {
		subs = append(subs, sub)
		delete(r.subs, name)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	close(r.events)
	<-published

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.server.Shutdown(ctx); err != nil {
		slog.Error("Observer server shutdown failed", "error", err)
	}
	r.bus.Stop()
	slog.Info("Relay stopped")
}

// stopAll releases resources when Run fails before serving. published is nil
// when the publisher was never started.
func (r *Relay) stopAll(published <-chan struct{}) {
	r.mu.Lock()
	subs := make([]Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		subs = append(subs, sub)
	}
	r.subs = make(map[string]Subscription)
	r.mu.Unlock()

	for _, sub := range subs {
		sub.Stop()
	}
	if published != nil {
		close(r.events)
		<-published
	}
	if r.deps.Listener != nil {
		_ = r.deps.Listener.Close()
	}
	r.bus.Stop()
}
