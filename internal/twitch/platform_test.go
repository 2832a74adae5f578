package twitch

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moralrecordings/mrstream/internal/domain"
)

func newTestPlatform(t *testing.T, routes map[string]fakeResponse) (*Platform, *fakeHelix) {
	t.Helper()
	c, f := newTestClient(t, routes)
	return NewPlatform(NewAuth(AuthConfig{AuthURL: "http://127.0.0.1:1"}), c), f
}

func TestPlatform_CreateBroadcast(t *testing.T) {
	p, f := newTestPlatform(t, map[string]fakeResponse{
		"GET /helix/search/categories": {Status: http.StatusOK, Body: `{"data":[{"id":"584","name":"Doom"}]}`},
		"PATCH /helix/channels":        {Status: http.StatusNoContent},
		"POST /helix/chat/messages":    {Status: http.StatusOK, Body: `{"data":[{"message_id":"m1","is_sent":true}]}`},
	})

	b, err := p.CreateBroadcast(context.Background(), testSession(), domain.BroadcastParams{
		Title:        "Speedruns",
		Game:         "doom",
		Language:     "en",
		Announcement: "We are live!",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://twitch.tv/streamer", b.ViewerURL)

	patch, ok := f.find(http.MethodPatch, "/helix/channels")
	require.True(t, ok)
	assert.Equal(t, "584", decodeBody(t, patch.Body)["game_id"])

	chat, ok := f.find(http.MethodPost, "/helix/chat/messages")
	require.True(t, ok)
	assert.Equal(t, "We are live!", decodeBody(t, chat.Body)["message"])
}

func TestPlatform_CreateBroadcast_ExplicitGameIDSkipsSearch(t *testing.T) {
	p, f := newTestPlatform(t, map[string]fakeResponse{
		"PATCH /helix/channels": {Status: http.StatusNoContent},
	})

	_, err := p.CreateBroadcast(context.Background(), testSession(), domain.BroadcastParams{Title: "t", Game: "doom", GameID: "584"})
	require.NoError(t, err)

	assert.Zero(t, f.count(http.MethodGet, "/helix/search/categories"))
	assert.Zero(t, f.count(http.MethodPost, "/helix/chat/messages"))
}

func TestPlatform_CreateBroadcast_UnknownGame(t *testing.T) {
	p, f := newTestPlatform(t, map[string]fakeResponse{
		"GET /helix/search/categories": {Status: http.StatusOK, Body: `{"data":[]}`},
	})

	_, err := p.CreateBroadcast(context.Background(), testSession(), domain.BroadcastParams{Game: "no such game"})
	require.Error(t, err)
	assert.Zero(t, f.count(http.MethodPatch, "/helix/channels"))
}

func TestPlatform_FetchEndpoint(t *testing.T) {
	p, _ := newTestPlatform(t, map[string]fakeResponse{
		"GET /helix/streams/key": {Status: http.StatusOK, Body: `{"data":[{"stream_key":"live_1"}]}`},
		"GET /ingests":           {Status: http.StatusOK, Body: `{"ingests":[{"name":"Default","url_template":"rtmp://ingest/app/{stream_key}"}]}`},
	})

	ep, err := p.FetchEndpoint(context.Background(), testSession(), "1234")
	require.NoError(t, err)
	assert.Equal(t, domain.Endpoint{StreamKey: "live_1", URL: "rtmp://ingest/app/live_1"}, ep)
}

func TestPlatform_Kind(t *testing.T) {
	p, _ := newTestPlatform(t, nil)
	assert.Equal(t, domain.KindTwitch, p.Kind())
	assert.NotNil(t, p.Authenticator())
}
