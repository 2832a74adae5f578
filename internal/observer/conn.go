package observer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/moralrecordings/mrstream/internal/broadcast"
	"github.com/moralrecordings/mrstream/internal/domain"
	"github.com/moralrecordings/mrstream/internal/metrics"
	apperrors "github.com/moralrecordings/mrstream/internal/platform/errors"
)

const (
	writeDeadline  = 5 * time.Second
	pingInterval   = 30 * time.Second
	pongDeadline   = 60 * time.Second
	maxMessageSize = 64 * 1024
)

var (
	errQueueClosed = errors.New("observer queue closed")
	// errObserverLeft ends the errgroup when the client closes cleanly.
	errObserverLeft = errors.New("observer closed the connection")
)

// observerConn owns one websocket. Only the writer loop writes data frames;
// the reader loop only reads.
type observerConn struct {
	conn     *websocket.Conn
	id       uuid.UUID
	bus      *broadcast.Bus
	clock    clockwork.Clock
	poll     time.Duration
	commands *metrics.CommandMetrics
}

func newObserverConn(conn *websocket.Conn, id uuid.UUID, bus *broadcast.Bus, clock clockwork.Clock, poll time.Duration, commands *metrics.CommandMetrics) *observerConn {
	return &observerConn{conn: conn, id: id, bus: bus, clock: clock, poll: poll, commands: commands}
}

// serve runs the reader and writer until either ends or ctx is cancelled.
func (oc *observerConn) serve(ctx context.Context, queue *broadcast.Queue) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return oc.writeLoop(ctx, gctx, queue) })
	g.Go(func() error { return oc.readLoop(gctx) })
	if err := g.Wait(); err != nil && !errors.Is(err, errObserverLeft) {
		return err
	}
	return nil
}

// writeLoop drains the queue every poll interval and pings the client. It
// closes the connection on exit, which also unblocks the reader.
func (oc *observerConn) writeLoop(parent, ctx context.Context, queue *broadcast.Queue) error {
	defer oc.conn.Close()

	ticker := oc.clock.NewTicker(oc.poll)
	defer ticker.Stop()
	pinger := oc.clock.NewTicker(pingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-ctx.Done():
			if parent.Err() != nil {
				oc.closeWith(websocket.CloseGoingAway, broadcast.ReasonShutdown)
			}
			return nil

		case <-queue.Closed():
			code := websocket.CloseNormalClosure
			if queue.Reason() == broadcast.ReasonEvicted {
				code = websocket.ClosePolicyViolation
			}
			oc.closeWith(code, queue.Reason())
			return fmt.Errorf("%w: %s", errQueueClosed, queue.Reason())

		case <-ticker.Chan():
			for _, record := range queue.Drain() {
				_ = oc.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := oc.conn.WriteMessage(websocket.TextMessage, record); err != nil {
					return fmt.Errorf("write failed: %w", err)
				}
			}

		case <-pinger.Chan():
			_ = oc.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := oc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
		}
	}
}

func (oc *observerConn) closeWith(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = oc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline))
}

// readLoop parses inbound frames as commands. Malformed input is answered with
// an error notice and the connection stays open.
func (oc *observerConn) readLoop(ctx context.Context) error {
	oc.conn.SetReadLimit(maxMessageSize)
	_ = oc.conn.SetReadDeadline(time.Now().Add(pongDeadline))
	oc.conn.SetPongHandler(func(string) error {
		return oc.conn.SetReadDeadline(time.Now().Add(pongDeadline))
	})

	for {
		_, data, err := oc.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errObserverLeft
			}
			return fmt.Errorf("read failed: %w", err)
		}
		_ = oc.conn.SetReadDeadline(time.Now().Add(pongDeadline))

		cmd, err := domain.ParseCommand(data)
		if err != nil {
			oc.count("malformed")
			slog.DebugContext(ctx, "Malformed observer command", "observer_id", oc.id.String(), "error", err)
			if err := oc.bus.Notify(oc.id, apperrors.Notice(err, "")); err != nil {
				return fmt.Errorf("failed to report malformed command: %w", err)
			}
			continue
		}

		if err := oc.bus.SubmitCommand(ctx, oc.id, cmd); err != nil {
			slog.DebugContext(ctx, "Observer command failed", "observer_id", oc.id.String(), "error", err)
		}
	}
}

func (oc *observerConn) count(status string) {
	if oc.commands != nil {
		oc.commands.Total.WithLabelValues(status).Inc()
	}
}
