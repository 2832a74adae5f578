package twitch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moralrecordings/mrstream/internal/domain"
)

type fakeSubscriber struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeSubscriber) Subscribe(_ context.Context, _ domain.Session, kind domain.EventKind, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, string(kind)+"@"+sessionID)
	if f.err != nil {
		return "", f.err
	}
	return "sub-" + string(kind), nil
}

func (f *fakeSubscriber) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

var upgrader = websocket.Upgrader{}

// eventSubServer serves scripted websocket sessions. Each path gets its own
// script; after the script the connection is held open until the client leaves.
func eventSubServer(t *testing.T, scripts map[string]func(conn *websocket.Conn)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		script, ok := scripts[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		script(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func send(conn *websocket.Conn, msg string) {
	_ = conn.WriteMessage(websocket.TextMessage, []byte(msg))
}

func welcomeMessage(sessionID string, keepalive int) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"w-%s","message_type":"session_welcome","message_timestamp":"2026-01-01T00:00:00Z"},
"payload":{"session":{"id":%q,"status":"connected","keepalive_timeout_seconds":%d}}}`, sessionID, sessionID, keepalive)
}

func keepaliveMessage() string {
	return `{"metadata":{"message_id":"k","message_type":"session_keepalive","message_timestamp":"2026-01-01T00:00:00Z"},"payload":{}}`
}

func reconnectMessage(url string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"r","message_type":"session_reconnect","message_timestamp":"2026-01-01T00:00:00Z"},
"payload":{"session":{"id":"s1","status":"reconnecting","keepalive_timeout_seconds":null,"reconnect_url":%q}}}`, url)
}

func raidNotification(from string, viewers int) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"n-%s","message_type":"notification","message_timestamp":"2026-01-01T00:00:00Z","subscription_type":"channel.raid"},
"payload":{"subscription":{"id":"sub-raid","type":"channel.raid","status":"enabled"},
"event":{"from_broadcaster_user_id":"99","from_broadcaster_user_login":%q,"from_broadcaster_user_name":%q,"viewers":%d}}}`, from, from, from, viewers)
}

func followNotification(login string) string {
	return fmt.Sprintf(`{"metadata":{"message_id":"f-%s","message_type":"notification","message_timestamp":"2026-01-01T00:00:00Z","subscription_type":"channel.follow"},
"payload":{"subscription":{"id":"sub-follow","type":"channel.follow","status":"enabled"},
"event":{"user_id":"7","user_login":%q,"user_name":%q,"followed_at":"2026-01-01T00:00:00Z"}}}`, login, login, login)
}

func collect(events chan<- domain.RelayedEvent) Handler {
	return func(_ context.Context, e domain.RelayedEvent) error {
		events <- e
		return nil
	}
}

func receive(t *testing.T, events <-chan domain.RelayedEvent) domain.RelayedEvent {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func newTestEventSub(url string, sub Subscriber, clock clockwork.Clock) *EventSub {
	return NewEventSub(sub, EventSubConfig{URL: url, Clock: clock, WelcomeTimeout: 5 * time.Second, KeepaliveSlack: time.Second})
}

func TestEventSub_DeliversInOrder(t *testing.T) {
	srv := eventSubServer(t, map[string]func(*websocket.Conn){
		"/ws": func(conn *websocket.Conn) {
			send(conn, welcomeMessage("s1", 10))
			send(conn, raidNotification("alpha", 3))
			send(conn, keepaliveMessage())
			send(conn, followNotification("beta"))
			send(conn, raidNotification("gamma", 7))
		},
	})
	sub := &fakeSubscriber{}
	es := newTestEventSub(wsURL(srv, "/ws"), sub, clockwork.NewFakeClock())
	events := make(chan domain.RelayedEvent, 10)

	err := es.Start(context.Background(), testSession(), map[domain.EventKind]Handler{
		domain.EventFollow: collect(events),
		domain.EventRaid:   collect(events),
	})
	require.NoError(t, err)
	defer es.Stop()

	assert.Equal(t, StateListening, es.State())
	assert.Equal(t, []string{"follow@s1", "raid@s1"}, sub.Calls())

	first := receive(t, events).(domain.RaidEvent)
	assert.Equal(t, "alpha", first.FromLogin)
	assert.Equal(t, "main", first.Service)
	assert.Equal(t, "beta", receive(t, events).(domain.FollowEvent).UserLogin)
	assert.Equal(t, 7, receive(t, events).(domain.RaidEvent).Viewers)
}

func TestEventSub_HandlerFailureDoesNotStopDelivery(t *testing.T) {
	srv := eventSubServer(t, map[string]func(*websocket.Conn){
		"/ws": func(conn *websocket.Conn) {
			send(conn, welcomeMessage("s1", 10))
			send(conn, raidNotification("panics", 1))
			send(conn, raidNotification("fails", 2))
			send(conn, raidNotification("works", 3))
		},
	})
	es := newTestEventSub(wsURL(srv, "/ws"), &fakeSubscriber{}, clockwork.NewFakeClock())
	events := make(chan domain.RelayedEvent, 10)

	err := es.Start(context.Background(), testSession(), map[domain.EventKind]Handler{
		domain.EventRaid: func(ctx context.Context, e domain.RelayedEvent) error {
			switch e.(domain.RaidEvent).FromLogin {
			case "panics":
				panic("boom")
			case "fails":
				return errors.New("downstream unavailable")
			}
			events <- e
			return nil
		},
	})
	require.NoError(t, err)
	defer es.Stop()

	assert.Equal(t, "works", receive(t, events).(domain.RaidEvent).FromLogin)
	assert.Equal(t, StateListening, es.State())
}

func TestEventSub_KeepaliveTimeout(t *testing.T) {
	srv := eventSubServer(t, map[string]func(*websocket.Conn){
		"/ws": func(conn *websocket.Conn) { send(conn, welcomeMessage("s1", 10)) },
	})
	clock := clockwork.NewFakeClock()
	es := newTestEventSub(wsURL(srv, "/ws"), &fakeSubscriber{}, clock)

	require.NoError(t, es.Start(context.Background(), testSession(), map[domain.EventKind]Handler{
		domain.EventRaid: collect(make(chan domain.RelayedEvent, 1)),
	}))
	done := es.Done()

	require.NoError(t, clock.BlockUntilContext(context.Background(), 1))
	clock.Advance(11 * time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("connection not declared dead")
	}

	var transportErr *domain.TransportError
	require.True(t, errors.As(es.Err(), &transportErr))
	assert.Equal(t, "keepalive", transportErr.Op)
	assert.Equal(t, StateClosed, es.State())
}

func TestEventSub_Reconnect(t *testing.T) {
	var srv *httptest.Server
	srv = eventSubServer(t, map[string]func(*websocket.Conn){
		"/ws": func(conn *websocket.Conn) {
			send(conn, welcomeMessage("s1", 10))
			send(conn, raidNotification("before", 1))
			send(conn, reconnectMessage(wsURL(srv, "/moved")))
		},
		"/moved": func(conn *websocket.Conn) {
			send(conn, welcomeMessage("s2", 10))
			send(conn, raidNotification("after", 2))
		},
	})
	sub := &fakeSubscriber{}
	es := newTestEventSub(wsURL(srv, "/ws"), sub, clockwork.NewFakeClock())
	events := make(chan domain.RelayedEvent, 10)

	require.NoError(t, es.Start(context.Background(), testSession(), map[domain.EventKind]Handler{
		domain.EventRaid: collect(events),
	}))
	defer es.Stop()

	assert.Equal(t, "before", receive(t, events).(domain.RaidEvent).FromLogin)
	assert.Equal(t, "after", receive(t, events).(domain.RaidEvent).FromLogin)
	assert.Equal(t, []string{"raid@s1"}, sub.Calls(), "subscriptions carry over a reconnect")
	assert.Equal(t, StateListening, es.State())
}

func TestEventSub_ConnectionLost(t *testing.T) {
	srv := eventSubServer(t, map[string]func(*websocket.Conn){
		"/ws": func(conn *websocket.Conn) {
			send(conn, welcomeMessage("s1", 10))
			_ = conn.Close()
		},
	})
	es := newTestEventSub(wsURL(srv, "/ws"), &fakeSubscriber{}, clockwork.NewFakeClock())

	require.NoError(t, es.Start(context.Background(), testSession(), map[domain.EventKind]Handler{
		domain.EventRaid: collect(make(chan domain.RelayedEvent, 1)),
	}))

	select {
	case <-es.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("lost connection not detected")
	}

	var transportErr *domain.TransportError
	require.True(t, errors.As(es.Err(), &transportErr))
	assert.Equal(t, "read", transportErr.Op)
}

func TestEventSub_SubscribeFailure(t *testing.T) {
	srv := eventSubServer(t, map[string]func(*websocket.Conn){
		"/ws": func(conn *websocket.Conn) { send(conn, welcomeMessage("s1", 10)) },
	})
	sub := &fakeSubscriber{err: &domain.PlatformRequestError{Op: "create eventsub subscription", StatusCode: http.StatusForbidden}}
	es := newTestEventSub(wsURL(srv, "/ws"), sub, clockwork.NewFakeClock())

	err := es.Start(context.Background(), testSession(), map[domain.EventKind]Handler{
		domain.EventRaid: collect(make(chan domain.RelayedEvent, 1)),
	})

	var reqErr *domain.PlatformRequestError
	require.True(t, errors.As(err, &reqErr))
	assert.Equal(t, StateClosed, es.State())
}

func TestEventSub_NoWelcome(t *testing.T) {
	srv := eventSubServer(t, map[string]func(*websocket.Conn){
		"/ws": func(conn *websocket.Conn) { send(conn, keepaliveMessage()) },
	})
	es := newTestEventSub(wsURL(srv, "/ws"), &fakeSubscriber{}, clockwork.NewFakeClock())

	err := es.Start(context.Background(), testSession(), map[domain.EventKind]Handler{})

	var transportErr *domain.TransportError
	require.True(t, errors.As(err, &transportErr))
	assert.Equal(t, "await welcome", transportErr.Op)
}

func TestEventSub_StopIsIdempotent(t *testing.T) {
	srv := eventSubServer(t, map[string]func(*websocket.Conn){
		"/ws": func(conn *websocket.Conn) { send(conn, welcomeMessage("s1", 10)) },
	})
	es := newTestEventSub(wsURL(srv, "/ws"), &fakeSubscriber{}, clockwork.NewFakeClock())

	es.Stop() // never started

	require.NoError(t, es.Start(context.Background(), testSession(), map[domain.EventKind]Handler{}))
	require.Error(t, es.Start(context.Background(), testSession(), map[domain.EventKind]Handler{}))

	es.Stop()
	es.Stop()

	assert.Equal(t, StateClosed, es.State())
	assert.NoError(t, es.Err())
	select {
	case <-es.Done():
	default:
		t.Fatal("done not closed after Stop")
	}
}

// blockingSubscriber parks in Subscribe until released, ignoring ctx.
type blockingSubscriber struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSubscriber) Subscribe(_ context.Context, _ domain.Session, _ domain.EventKind, _ string) (string, error) {
	close(b.entered)
	<-b.release
	return "sub-raid", nil
}

// untilClosed reads until the client goes away and then closes closed.
func untilClosed(conn *websocket.Conn, closed chan<- struct{}) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			close(closed)
			return
		}
	}
}

func TestEventSub_StopDuringSubscribeClosesConnection(t *testing.T) {
	serverClosed := make(chan struct{})
	srv := eventSubServer(t, map[string]func(*websocket.Conn){
		"/ws": func(conn *websocket.Conn) {
			send(conn, welcomeMessage("s1", 10))
			untilClosed(conn, serverClosed)
		},
	})
	sub := &blockingSubscriber{entered: make(chan struct{}), release: make(chan struct{})}
	es := newTestEventSub(wsURL(srv, "/ws"), sub, clockwork.NewFakeClock())

	startErr := make(chan error, 1)
	go func() {
		startErr <- es.Start(context.Background(), testSession(), map[domain.EventKind]Handler{
			domain.EventRaid: collect(make(chan domain.RelayedEvent, 1)),
		})
	}()
	<-sub.entered

	stopped := make(chan struct{})
	go func() {
		es.Stop()
		close(stopped)
	}()

	select {
	case <-serverClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("connection left open while Start was subscribing")
	}
	select {
	case <-stopped:
		t.Fatal("Stop returned before Start finished")
	default:
	}

	close(sub.release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
	require.Error(t, <-startErr)
	assert.Equal(t, StateClosed, es.State())
}

func TestEventSub_StopDuringWelcome(t *testing.T) {
	connected := make(chan struct{})
	serverClosed := make(chan struct{})
	srv := eventSubServer(t, map[string]func(*websocket.Conn){
		"/ws": func(conn *websocket.Conn) {
			close(connected)
			untilClosed(conn, serverClosed)
		},
	})
	es := NewEventSub(&fakeSubscriber{}, EventSubConfig{URL: wsURL(srv, "/ws"), WelcomeTimeout: time.Minute})

	startErr := make(chan error, 1)
	go func() {
		startErr <- es.Start(context.Background(), testSession(), map[domain.EventKind]Handler{})
	}()
	<-connected

	es.Stop()

	select {
	case err := <-startErr:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start still waiting for a welcome")
	}
	select {
	case <-serverClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the close")
	}
	assert.Equal(t, StateClosed, es.State())
}

func TestEventSub_StopWaitsForInFlightDelivery(t *testing.T) {
	serverClosed := make(chan struct{})
	srv := eventSubServer(t, map[string]func(*websocket.Conn){
		"/ws": func(conn *websocket.Conn) {
			send(conn, welcomeMessage("s1", 10))
			send(conn, raidNotification("first", 1))
			send(conn, raidNotification("second", 2))
			send(conn, raidNotification("third", 3))
			untilClosed(conn, serverClosed)
		},
	})
	es := newTestEventSub(wsURL(srv, "/ws"), &fakeSubscriber{}, clockwork.NewFakeClock())

	var (
		mu    sync.Mutex
		calls []string
	)
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	require.NoError(t, es.Start(context.Background(), testSession(), map[domain.EventKind]Handler{
		domain.EventRaid: func(_ context.Context, e domain.RelayedEvent) error {
			mu.Lock()
			calls = append(calls, e.(domain.RaidEvent).FromLogin)
			mu.Unlock()
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			return nil
		},
	}))
	<-entered

	stopped := make(chan struct{})
	go func() {
		es.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a handler was running")
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return after the handler finished")
	}
	select {
	case <-serverClosed:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the close")
	}

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first"}, calls)
	assert.Equal(t, StateClosed, es.State())
}
