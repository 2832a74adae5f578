package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/moralrecordings/mrstream/internal/domain"
	"github.com/moralrecordings/mrstream/internal/metrics"
	apperrors "github.com/moralrecordings/mrstream/internal/platform/errors"
)

const (
	commandTimeout   = 5 * time.Second
	stopTimeout      = 10 * time.Second
	cmdChannelSize   = 256
	depthWarnLevel   = 200
	DefaultQueueSize = 256
)

var ErrBusStopped = errors.New("event bus stopped")

// CommandHandler executes observer commands.
type CommandHandler interface {
	HandleCommand(ctx context.Context, cmd domain.Command) error
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, cmd domain.Command) error

func (f CommandHandlerFunc) HandleCommand(ctx context.Context, cmd domain.Command) error {
	return f(ctx, cmd)
}

// busCmd is the command interface for the Bus actor.
type busCmd interface{ isBusCmd() }

type baseBusCmd struct{}

func (baseBusCmd) isBusCmd() {}

type registerCmd struct {
	baseBusCmd
	id    uuid.UUID
	reply chan registerResult
}

type registerResult struct {
	queue *Queue
	err   error
}

type unregisterCmd struct {
	baseBusCmd
	id uuid.UUID
}

type publishCmd struct {
	baseBusCmd
	kind domain.EventKind
	data []byte
}

type notifyCmd struct {
	baseBusCmd
	id    uuid.UUID
	data  []byte
	reply chan error
}

type countCmd struct {
	baseBusCmd
	reply chan int
}

type stopCmd struct {
	baseBusCmd
}

// Bus fans relayed events out to observer queues. Construct it with NewBus
// and pass it to whoever publishes or observes; there is no global instance.
type Bus struct {
	cmdCh     chan busCmd
	clock     clockwork.Clock
	queues    map[uuid.UUID]*Queue
	queueSize int
	handler   CommandHandler
	metrics   *metrics.BusMetrics
	done      chan struct{}
}

type Config struct {
	Clock     clockwork.Clock
	QueueSize int
	Handler   CommandHandler
	Metrics   *metrics.BusMetrics
}

// NewBus starts the bus actor. Handler may be nil, in which case every
// submitted command fails.
func NewBus(cfg Config) *Bus {
	b := &Bus{
		cmdCh:     make(chan busCmd, cmdChannelSize),
		clock:     cfg.Clock,
		queues:    make(map[uuid.UUID]*Queue),
		queueSize: cfg.QueueSize,
		handler:   cfg.Handler,
		metrics:   cfg.Metrics,
		done:      make(chan struct{}),
	}
	if b.clock == nil {
		b.clock = clockwork.NewRealClock()
	}
	if b.queueSize <= 0 {
		b.queueSize = DefaultQueueSize
	}
	go b.run()
	return b
}

// send delivers a fire-and-forget command unless the bus has stopped.
func (b *Bus) send(cmd busCmd) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.cmdCh <- cmd:
		return true
	case <-b.done:
		return false
	}
}

// Register adds an observer and returns its queue.
func (b *Bus) Register(id uuid.UUID) (*Queue, error) {
	reply := make(chan registerResult, 1)
	if !b.send(registerCmd{id: id, reply: reply}) {
		return nil, ErrBusStopped
	}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case res := <-reply:
		return res.queue, res.err
	case <-timer.Chan():
		return nil, fmt.Errorf("register command timed out after %v", commandTimeout)
	}
}

// Unregister drops an observer and discards anything still queued for it.
func (b *Bus) Unregister(id uuid.UUID) {
	b.send(unregisterCmd{id: id})
}

// Publish serializes event once and queues it for every registered observer.
// Events from one caller reach every queue in the order they were published.
func (b *Bus) Publish(event domain.RelayedEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event.Kind(), err)
	}
	if !b.send(publishCmd{kind: event.Kind(), data: data}) {
		return ErrBusStopped
	}
	return nil
}

// Notify queues record for a single observer.
func (b *Bus) Notify(id uuid.UUID, record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	reply := make(chan error, 1)
	if !b.send(notifyCmd{id: id, data: data, reply: reply}) {
		return ErrBusStopped
	}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case err := <-reply:
		return err
	case <-timer.Chan():
		return fmt.Errorf("notify command timed out after %v", commandTimeout)
	}
}

// SubmitCommand runs cmd on the caller's goroutine. A failure is returned and
// also queued back to the submitting observer as an error notice.
func (b *Bus) SubmitCommand(ctx context.Context, id uuid.UUID, cmd domain.Command) error {
	var err error
	if b.handler == nil {
		err = errors.New("commands are not accepted")
	} else {
		err = b.handler.HandleCommand(ctx, cmd)
	}
	if err == nil {
		return nil
	}

	if notifyErr := b.Notify(id, apperrors.Notice(err, cmd.ReplyID)); notifyErr != nil {
		slog.WarnContext(ctx, "Failed to report command error to observer", "observer_id", id.String(), "error", notifyErr)
	}
	return err
}

// Count returns the number of registered observers, or -1 if the bus does not answer.
func (b *Bus) Count() int {
	reply := make(chan int, 1)
	if !b.send(countCmd{reply: reply}) {
		return 0
	}

	timer := b.clock.NewTimer(commandTimeout)
	defer timer.Stop()

	select {
	case n := <-reply:
		return n
	case <-timer.Chan():
		slog.Warn("Count timed out", "timeout", commandTimeout)
		return -1
	}
}

// Stop closes every queue and waits for the actor to exit.
func (b *Bus) Stop() {
	if !b.send(stopCmd{}) {
		return
	}

	timeout := b.clock.NewTimer(stopTimeout)
	defer timeout.Stop()

	select {
	case <-b.done:
		slog.Info("Event bus stopped")
	case <-timeout.Chan():
		slog.Warn("Event bus stop timeout exceeded", "timeout", stopTimeout)
	}
}

func (b *Bus) run() {
	defer close(b.done)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Event bus panic recovered", "panic", r)
			b.closeAll(ReasonShutdown)
		}
	}()

	depthTicker := b.clock.NewTicker(time.Second)
	defer depthTicker.Stop()

	for {
		select {
		case <-depthTicker.Chan():
			depth := len(b.cmdCh)
			if b.metrics != nil {
				b.metrics.CommandQueueDepth.Set(float64(depth))
			}
			if depth > depthWarnLevel {
				slog.Warn("Command channel near capacity", "depth", depth, "capacity", cap(b.cmdCh))
			}

		case cmd := <-b.cmdCh:
			switch c := cmd.(type) {
			case registerCmd:
				c.reply <- b.handleRegister(c.id)
			case unregisterCmd:
				b.drop(c.id, ReasonUnregistered)
			case publishCmd:
				b.handlePublish(c)
			case notifyCmd:
				c.reply <- b.handleNotify(c)
			case countCmd:
				c.reply <- len(b.queues)
			case stopCmd:
				slog.Info("Event bus shutting down", "observers", len(b.queues))
				b.closeAll(ReasonShutdown)
				return
			default:
				slog.Warn("Event bus received unknown command type", "command_type", fmt.Sprintf("%T", cmd))
			}
		}
	}
}

func (b *Bus) handleRegister(id uuid.UUID) registerResult {
	if _, exists := b.queues[id]; exists {
		return registerResult{err: fmt.Errorf("observer %s already registered", id)}
	}

	q := newQueue(b.queueSize)
	b.queues[id] = q
	if b.metrics != nil {
		b.metrics.ObserversConnected.Inc()
	}
	slog.Debug("Observer registered", "observer_id", id.String(), "observers", len(b.queues))
	return registerResult{queue: q}
}

func (b *Bus) handlePublish(c publishCmd) {
	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(string(c.kind)).Inc()
	}

	var slow []uuid.UUID
	for id, q := range b.queues {
		if !q.push(c.data) {
			slow = append(slow, id)
		}
	}
	for _, id := range slow {
		b.evict(id)
	}
}

func (b *Bus) handleNotify(c notifyCmd) error {
	q, ok := b.queues[c.id]
	if !ok {
		return fmt.Errorf("observer %s: %w", c.id, domain.ErrObserverNotFound)
	}
	if !q.push(c.data) {
		b.evict(c.id)
		return fmt.Errorf("observer %s evicted: %s", c.id, ReasonEvicted)
	}
	return nil
}

func (b *Bus) evict(id uuid.UUID) {
	slog.Warn("Evicting slow observer", "observer_id", id.String(), "queue_size", b.queueSize)
	if b.metrics != nil {
		b.metrics.ObserversEvicted.Inc()
	}
	b.drop(id, ReasonEvicted)
}

func (b *Bus) drop(id uuid.UUID, reason string) {
	q, ok := b.queues[id]
	if !ok {
		return
	}
	q.close(reason)
	delete(b.queues, id)
	if b.metrics != nil {
		b.metrics.ObserversConnected.Dec()
	}
	slog.Debug("Observer removed", "observer_id", id.String(), "reason", reason, "observers", len(b.queues))
}

func (b *Bus) closeAll(reason string) {
	for id := range b.queues {
		b.drop(id, reason)
	}
}
