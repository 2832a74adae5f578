package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moralrecordings/mrstream/internal/domain"
	"github.com/moralrecordings/mrstream/internal/twitch"
)

type fakeStore struct {
	records map[string]domain.CredentialRecord
}

func (f *fakeStore) GetAll(context.Context) (map[string]domain.CredentialRecord, error) {
	return f.records, nil
}

func (f *fakeStore) Get(_ context.Context, name string) (domain.CredentialRecord, error) {
	r, ok := f.records[name]
	if !ok {
		return domain.CredentialRecord{}, domain.ErrServiceNotFound
	}
	return r, nil
}

func (f *fakeStore) Put(_ context.Context, r domain.CredentialRecord) error {
	f.records[r.Name] = r
	return nil
}

type fakeSessions struct {
	mu     sync.Mutex
	tokens map[string]string
	failed map[string]bool
	calls  map[string]int
	// gates hold EnsureSession for a service until closed.
	gates map[string]chan struct{}
}

func newFakeSessions(names ...string) *fakeSessions {
	f := &fakeSessions{tokens: map[string]string{}, failed: map[string]bool{}, calls: map[string]int{}, gates: map[string]chan struct{}{}}
	for _, name := range names {
		f.tokens[name] = name + "-token"
	}
	return f
}

func (f *fakeSessions) EnsureSession(_ context.Context, name string) (domain.Session, error) {
	f.mu.Lock()
	gate := f.gates[name]
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	if f.failed[name] {
		return domain.Session{}, &domain.AuthenticationError{Service: name, Reason: "refresh rejected"}
	}
	return session(name, f.tokens[name]), nil
}

type fakeSubscription struct {
	mu       sync.Mutex
	handlers map[domain.EventKind]twitch.Handler
	started  chan struct{}
	done     chan struct{}
	once     sync.Once
	err      error
	stopped  bool
	startErr error
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{started: make(chan struct{}), done: make(chan struct{})}
}

func (f *fakeSubscription) Start(_ context.Context, _ domain.Session, handlers map[domain.EventKind]twitch.Handler) error {
	if f.startErr != nil {
		return f.startErr
	}
	f.mu.Lock()
	f.handlers = handlers
	f.mu.Unlock()
	close(f.started)
	return nil
}

func (f *fakeSubscription) Stop() {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func (f *fakeSubscription) Done() <-chan struct{} { return f.done }

func (f *fakeSubscription) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeSubscription) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
	f.once.Do(func() { close(f.done) })
}

func (f *fakeSubscription) deliver(t *testing.T, event domain.RelayedEvent) {
	t.Helper()
	f.mu.Lock()
	handler := f.handlers[event.Kind()]
	f.mu.Unlock()
	require.NotNil(t, handler)
	require.NoError(t, handler(context.Background(), event))
}

func (f *fakeSubscription) wasStopped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopped
}

type relayEnv struct {
	relay *Relay
	addr  string
	chat  *fakeChat
	subs  map[string]*fakeSubscription
	errCh chan error
}

func twitchRecords(names ...string) map[string]domain.CredentialRecord {
	records := make(map[string]domain.CredentialRecord)
	for _, name := range names {
		records[name] = domain.CredentialRecord{Name: name, Kind: domain.KindTwitch, Enabled: true}
	}
	return records
}

func newRelayEnv(t *testing.T, store *fakeStore, sessions *fakeSessions, subs map[string]*fakeSubscription) *relayEnv {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	chat := &fakeChat{}
	r := New(Config{
		ObserverPollInterval: 5 * time.Millisecond,
		ChatRatePerSecond:    100,
		ChatBurst:            100,
	}, Deps{
		Store:    store,
		Sessions: sessions,
		Chat:     chat,
		NewSubscription: func(service string) Subscription {
			return subs[service]
		},
		Listener: ln,
	})
	return &relayEnv{relay: r, addr: ln.Addr().String(), chat: chat, subs: subs, errCh: make(chan error, 1)}
}

func (e *relayEnv) run(ctx context.Context) {
	go func() { e.errCh <- e.relay.Run(ctx) }()
}

func (e *relayEnv) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-e.errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
		return nil
	}
}

func (e *relayEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	var conn *websocket.Conn
	require.Eventually(t, func() bool {
		c, _, err := websocket.DefaultDialer.Dial("ws://"+e.addr+"/ws", nil)
		if err != nil {
			return false
		}
		conn = c
		return true
	}, 2*time.Second, 10*time.Millisecond)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return e.relay.bus.Count() >= 1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	return m
}

func TestRun_RelaysEventsAndCommands(t *testing.T) {
	sub := newFakeSubscription()
	env := newRelayEnv(t, &fakeStore{records: twitchRecords("main")}, newFakeSessions("main"),
		map[string]*fakeSubscription{"main": sub})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.run(ctx)
	<-sub.started

	conn := env.dial(t)
	sub.deliver(t, domain.FollowEvent{Service: "main", UserLogin: "viewer1"})
	sub.deliver(t, domain.RaidEvent{Service: "main", FromLogin: "raider", Viewers: 3})

	first := readEvent(t, conn)
	assert.Equal(t, "follow", first["type"])
	assert.Equal(t, "viewer1", first["user_login"])
	assert.Equal(t, "raid", readEvent(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "message", "text": "thanks for the raid"}))
	require.Eventually(t, func() bool { return len(env.chat.messages()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "main-token", env.chat.messages()[0].token)

	cancel()
	require.NoError(t, env.wait(t))
	assert.True(t, sub.wasStopped())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func TestRun_SkipsServicesThatCannotAuthenticate(t *testing.T) {
	sessions := newFakeSessions("alpha", "beta")
	sessions.failed["alpha"] = true
	subs := map[string]*fakeSubscription{"alpha": newFakeSubscription(), "beta": newFakeSubscription()}
	env := newRelayEnv(t, &fakeStore{records: twitchRecords("alpha", "beta")}, sessions, subs)

	ctx, cancel := context.WithCancel(context.Background())
	env.run(ctx)
	<-subs["beta"].started

	assert.Equal(t, []string{"beta"}, env.relay.dispatcher.Services())
	assert.Nil(t, subs["alpha"].handlers)

	cancel()
	require.NoError(t, env.wait(t))
}

func TestRun_DrainsEventsWhileLaterServiceAuthenticates(t *testing.T) {
	sessions := newFakeSessions("alpha", "beta")
	sessions.gates["beta"] = make(chan struct{})
	subs := map[string]*fakeSubscription{"alpha": newFakeSubscription(), "beta": newFakeSubscription()}
	env := newRelayEnv(t, &fakeStore{records: twitchRecords("alpha", "beta")}, sessions, subs)

	ctx, cancel := context.WithCancel(context.Background())
	env.run(ctx)
	<-subs["alpha"].started

	subs["alpha"].mu.Lock()
	handler := subs["alpha"].handlers[domain.EventFollow]
	subs["alpha"].mu.Unlock()
	require.NotNil(t, handler)

	delivered := make(chan struct{})
	go func() {
		defer close(delivered)
		for i := 0; i < 2*eventBufferSize; i++ {
			if err := handler(context.Background(), domain.FollowEvent{Service: "alpha", UserLogin: "viewer"}); err != nil {
				return
			}
		}
	}()

	select {
	case <-delivered:
	case <-time.After(5 * time.Second):
		t.Fatal("events backed up while beta was authenticating")
	}

	close(sessions.gates["beta"])
	<-subs["beta"].started
	cancel()
	require.NoError(t, env.wait(t))
}

func TestRun_IgnoresDisabledAndPeerTubeServices(t *testing.T) {
	records := twitchRecords("main")
	records["off"] = domain.CredentialRecord{Name: "off", Kind: domain.KindTwitch}
	records["tube"] = domain.CredentialRecord{Name: "tube", Kind: domain.KindPeerTube, Enabled: true}

	r := New(Config{}, Deps{Store: &fakeStore{records: records}})
	t.Cleanup(r.bus.Stop)

	names, err := r.enabledServices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"main"}, names)
}

func TestRun_NoEnabledService(t *testing.T) {
	env := newRelayEnv(t, &fakeStore{records: map[string]domain.CredentialRecord{}}, newFakeSessions(), nil)

	err := env.relay.Run(context.Background())
	require.ErrorIs(t, err, ErrNoSubscriptions)
}

func TestRun_NoServiceAuthenticates(t *testing.T) {
	sessions := newFakeSessions("main")
	sessions.failed["main"] = true
	env := newRelayEnv(t, &fakeStore{records: twitchRecords("main")}, sessions,
		map[string]*fakeSubscription{"main": newFakeSubscription()})

	err := env.relay.Run(context.Background())
	require.ErrorIs(t, err, ErrNoSubscriptions)

	// The listener is released.
	_, err = net.DialTimeout("tcp", env.addr, time.Second)
	assert.Error(t, err)
}

func TestRun_SubscriptionStartFailure(t *testing.T) {
	sub := newFakeSubscription()
	sub.startErr = &domain.TransportError{Op: "dial", Err: errors.New("connection refused")}
	env := newRelayEnv(t, &fakeStore{records: twitchRecords("main")}, newFakeSessions("main"),
		map[string]*fakeSubscription{"main": sub})

	err := env.relay.Run(context.Background())
	require.ErrorIs(t, err, ErrNoSubscriptions)
}

func TestRun_StopsWhenLastSubscriptionIsLost(t *testing.T) {
	subs := map[string]*fakeSubscription{"alpha": newFakeSubscription(), "beta": newFakeSubscription()}
	env := newRelayEnv(t, &fakeStore{records: twitchRecords("alpha", "beta")}, newFakeSessions("alpha", "beta"), subs)

	env.run(context.Background())
	<-subs["alpha"].started
	<-subs["beta"].started

	subs["alpha"].fail(&domain.TransportError{Op: "keepalive", Err: errors.New("no keepalive")})
	require.Eventually(t, func() bool {
		return len(env.relay.dispatcher.Services()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"beta"}, env.relay.dispatcher.Services())

	subs["beta"].fail(&domain.TransportError{Op: "read", Err: errors.New("connection reset")})
	require.ErrorIs(t, env.wait(t), ErrNoSubscriptions)
}

func TestRelay_RevalidateSwapsSessions(t *testing.T) {
	sessions := newFakeSessions("main")
	chat := &fakeChat{}
	r := New(Config{ChatRatePerSecond: 100, ChatBurst: 100}, Deps{Sessions: sessions, Chat: chat})
	t.Cleanup(r.bus.Stop)

	r.dispatcher.Add(session("main", "stale"))
	sessions.tokens["main"] = "fresh"
	r.revalidate(context.Background())

	require.NoError(t, r.dispatcher.HandleCommand(context.Background(), domain.Command{Type: domain.CommandSendMessage, Text: "x"}))
	assert.Equal(t, "fresh", chat.messages()[0].token)
}

func TestRelay_RevalidateFailureKeepsLastSession(t *testing.T) {
	sessions := newFakeSessions("main")
	sessions.failed["main"] = true
	chat := &fakeChat{}
	r := New(Config{ChatRatePerSecond: 100, ChatBurst: 100}, Deps{Sessions: sessions, Chat: chat})
	t.Cleanup(r.bus.Stop)

	r.dispatcher.Add(session("main", "last"))
	r.revalidate(context.Background())

	assert.Equal(t, []string{"main"}, r.dispatcher.Services())
	assert.Equal(t, 1, sessions.calls["main"])
}
