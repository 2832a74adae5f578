package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"golang.org/x/time/rate"

	"github.com/moralrecordings/mrstream/internal/domain"
	"github.com/moralrecordings/mrstream/internal/metrics"
)

const (
	statusOK          = "ok"
	statusMalformed   = "malformed"
	statusRateLimited = "rate_limited"
	statusCircuitOpen = "circuit_open"
	statusError       = "error"
)

var (
	ErrRateLimited = domain.ErrRateLimited
	ErrChatOffline = domain.ErrChatOffline
)

// chatRoute is everything needed to send chat as one service.
type chatRoute struct {
	session atomic.Pointer[domain.Session]
	limiter *rate.Limiter
	breaker circuitbreaker.CircuitBreaker[any]
}

// Dispatcher implements broadcast.CommandHandler. Each service gets its own
// token-bucket limiter and circuit breaker; sessions are swapped in place when
// they are renewed.
type Dispatcher struct {
	sender  domain.ChatSender
	rate    rate.Limit
	burst   int
	metrics *metrics.CommandMetrics

	mu     sync.RWMutex
	routes map[string]*chatRoute
}

func NewDispatcher(sender domain.ChatSender, perSecond float64, burst int, m *metrics.CommandMetrics) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		rate:    rate.Limit(perSecond),
		burst:   burst,
		metrics: m,
		routes:  make(map[string]*chatRoute),
	}
}

func (d *Dispatcher) newBreaker(service string) circuitbreaker.CircuitBreaker[any] {
	return circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(0.6, 5, 10*time.Second).
		WithDelay(30 * time.Second).
		WithSuccessThreshold(1).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			slog.Warn("Chat circuit breaker state changed",
				"service", service,
				"from", e.OldState.String(),
				"to", e.NewState.String(),
			)
			if d.metrics != nil {
				d.metrics.BreakerState.WithLabelValues(service).Set(stateToFloat(e.NewState))
			}
		}).
		Build()
}

func stateToFloat(state circuitbreaker.State) float64 {
	switch state {
	case circuitbreaker.ClosedState:
		return 0
	case circuitbreaker.HalfOpenState:
		return 1
	case circuitbreaker.OpenState:
		return 2
	default:
		return -1
	}
}

// Add routes chat for s.Service, or replaces the session of an existing route.
func (d *Dispatcher) Add(s domain.Session) {
	d.mu.Lock()
	defer d.mu.Unlock()

	route, ok := d.routes[s.Service]
	if !ok {
		route = &chatRoute{
			limiter: rate.NewLimiter(d.rate, d.burst),
			breaker: d.newBreaker(s.Service),
		}
		d.routes[s.Service] = route
	}
	route.session.Store(&s)
}

// Remove stops routing chat for a service.
func (d *Dispatcher) Remove(service string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.routes, service)
}

// Services lists routed services in name order.
func (d *Dispatcher) Services() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.routes))
	for name := range d.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// route selects the named service, or the only one when none is named.
func (d *Dispatcher) route(service string) (*chatRoute, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if service != "" {
		route, ok := d.routes[service]
		if !ok {
			return nil, &domain.MalformedInputError{Reason: fmt.Sprintf("no active chat service %q", service)}
		}
		return route, nil
	}

	switch len(d.routes) {
	case 0:
		return nil, &domain.MalformedInputError{Reason: "no active chat service"}
	case 1:
		for _, route := range d.routes {
			return route, nil
		}
	}
	return nil, &domain.MalformedInputError{Reason: "several chat services are active, name one in \"service\""}
}

func (d *Dispatcher) HandleCommand(ctx context.Context, cmd domain.Command) error {
	route, err := d.route(cmd.Service)
	if err != nil {
		d.count(statusMalformed)
		return err
	}
	s := route.session.Load()

	if !route.limiter.Allow() {
		d.count(statusRateLimited)
		return fmt.Errorf("%s: %w", s.Service, ErrRateLimited)
	}

	if !route.breaker.TryAcquirePermit() {
		d.count(statusCircuitOpen)
		return fmt.Errorf("%s: %w: %w", s.Service, ErrChatOffline, circuitbreaker.ErrOpen)
	}

	if err := d.sender.SendChatMessage(ctx, *s, cmd.Text, cmd.ReplyID); err != nil {
		route.breaker.RecordError(err)
		d.count(statusError)
		return fmt.Errorf("failed to send chat message as %s: %w", s.Service, err)
	}
	route.breaker.RecordSuccess()
	d.count(statusOK)
	return nil
}

func (d *Dispatcher) count(status string) {
	if d.metrics != nil {
		d.metrics.Total.WithLabelValues(status).Inc()
	}
}
