package relay

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moralrecordings/mrstream/internal/domain"
	"github.com/moralrecordings/mrstream/internal/metrics"
)

type sentMessage struct {
	service string
	token   string
	text    string
	replyID string
}

type fakeChat struct {
	mu   sync.Mutex
	sent []sentMessage
	err  error
}

func (f *fakeChat) SendChatMessage(_ context.Context, s domain.Session, text, replyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{service: s.Service, token: s.AccessToken, text: text, replyID: replyID})
	return nil
}

func (f *fakeChat) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMessage(nil), f.sent...)
}

func session(name, token string) domain.Session {
	return domain.Session{Service: name, Kind: domain.KindTwitch, AccessToken: token, Login: name}
}

func newTestDispatcher(chat *fakeChat) (*Dispatcher, *metrics.CommandMetrics) {
	m := metrics.NewCommandMetrics(prometheus.NewRegistry())
	return NewDispatcher(chat, 100, 100, m), m
}

func TestDispatcher_SingleServiceNeedsNoName(t *testing.T) {
	chat := &fakeChat{}
	d, m := newTestDispatcher(chat)
	d.Add(session("main", "tok"))

	err := d.HandleCommand(context.Background(), domain.Command{Type: domain.CommandSendMessage, Text: "hi", ReplyID: "m-1"})
	require.NoError(t, err)

	assert.Equal(t, []sentMessage{{service: "main", token: "tok", text: "hi", replyID: "m-1"}}, chat.messages())
	assert.InDelta(t, 1, testutil.ToFloat64(m.Total.WithLabelValues(statusOK)), 0)
}

func TestDispatcher_RoutesByServiceName(t *testing.T) {
	chat := &fakeChat{}
	d, _ := newTestDispatcher(chat)
	d.Add(session("alpha", "a"))
	d.Add(session("beta", "b"))

	require.NoError(t, d.HandleCommand(context.Background(), domain.Command{Type: domain.CommandSendMessage, Text: "x", Service: "beta"}))

	sent := chat.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, "beta", sent[0].service)
}

func TestDispatcher_AmbiguousOrUnknownServiceIsMalformed(t *testing.T) {
	chat := &fakeChat{}
	d, m := newTestDispatcher(chat)

	var malformed *domain.MalformedInputError
	err := d.HandleCommand(context.Background(), domain.Command{Type: domain.CommandSendMessage, Text: "x"})
	require.True(t, errors.As(err, &malformed), "no services")

	d.Add(session("alpha", "a"))
	d.Add(session("beta", "b"))

	err = d.HandleCommand(context.Background(), domain.Command{Type: domain.CommandSendMessage, Text: "x"})
	require.True(t, errors.As(err, &malformed), "several services, none named")

	err = d.HandleCommand(context.Background(), domain.Command{Type: domain.CommandSendMessage, Text: "x", Service: "gamma"})
	require.True(t, errors.As(err, &malformed), "unknown service")

	assert.Empty(t, chat.messages())
	assert.InDelta(t, 3, testutil.ToFloat64(m.Total.WithLabelValues(statusMalformed)), 0)
}

func TestDispatcher_AddSwapsSession(t *testing.T) {
	chat := &fakeChat{}
	d, _ := newTestDispatcher(chat)
	d.Add(session("main", "old"))
	d.Add(session("main", "new"))

	require.NoError(t, d.HandleCommand(context.Background(), domain.Command{Type: domain.CommandSendMessage, Text: "x"}))

	assert.Equal(t, "new", chat.messages()[0].token)
	assert.Equal(t, []string{"main"}, d.Services())
}

func TestDispatcher_Remove(t *testing.T) {
	d, _ := newTestDispatcher(&fakeChat{})
	d.Add(session("beta", "b"))
	d.Add(session("alpha", "a"))
	assert.Equal(t, []string{"alpha", "beta"}, d.Services())

	d.Remove("alpha")
	assert.Equal(t, []string{"beta"}, d.Services())
}

func TestDispatcher_RateLimited(t *testing.T) {
	chat := &fakeChat{}
	m := metrics.NewCommandMetrics(prometheus.NewRegistry())
	d := NewDispatcher(chat, 0.001, 2, m)
	d.Add(session("main", "tok"))

	cmd := domain.Command{Type: domain.CommandSendMessage, Text: "x"}
	require.NoError(t, d.HandleCommand(context.Background(), cmd))
	require.NoError(t, d.HandleCommand(context.Background(), cmd))

	err := d.HandleCommand(context.Background(), cmd)
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Len(t, chat.messages(), 2)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Total.WithLabelValues(statusRateLimited)), 0)
}

func TestDispatcher_BreakerOpensAfterFailures(t *testing.T) {
	chat := &fakeChat{err: errors.New("helix unavailable")}
	d, m := newTestDispatcher(chat)
	d.Add(session("main", "tok"))

	cmd := domain.Command{Type: domain.CommandSendMessage, Text: "x"}
	for range 5 {
		err := d.HandleCommand(context.Background(), cmd)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrChatOffline)
	}

	err := d.HandleCommand(context.Background(), cmd)
	require.ErrorIs(t, err, ErrChatOffline)
	assert.ErrorIs(t, err, circuitbreaker.ErrOpen)

	assert.InDelta(t, 5, testutil.ToFloat64(m.Total.WithLabelValues(statusError)), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Total.WithLabelValues(statusCircuitOpen)), 0)
	assert.InDelta(t, 2, testutil.ToFloat64(m.BreakerState.WithLabelValues("main")), 0)
}

func TestDispatcher_BreakersArePerService(t *testing.T) {
	chat := &fakeChat{err: errors.New("down")}
	d, _ := newTestDispatcher(chat)
	d.Add(session("alpha", "a"))
	d.Add(session("beta", "b"))

	for range 5 {
		_ = d.HandleCommand(context.Background(), domain.Command{Type: domain.CommandSendMessage, Text: "x", Service: "alpha"})
	}

	chat.mu.Lock()
	chat.err = nil
	chat.mu.Unlock()

	require.NoError(t, d.HandleCommand(context.Background(), domain.Command{Type: domain.CommandSendMessage, Text: "x", Service: "beta"}))
	err := d.HandleCommand(context.Background(), domain.Command{Type: domain.CommandSendMessage, Text: "x", Service: "alpha"})
	assert.ErrorIs(t, err, ErrChatOffline)
}
